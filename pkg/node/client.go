// Package node implements the worker side of the farm.
//
// A Client holds one connection to the dispatcher and alternates between two
// states. While idle it reports "idle" and waits for a frame id; on "0" it
// sleeps for the poll interval and reports idle again. On a frame id it
// reports "busy", prepares a workspace, runs the reconstruction tool and
// reports idle once the attempt is over, whatever its outcome.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/framefarm/pkg/frames"
	"github.com/3leaps/framefarm/pkg/jobregistry"
	"github.com/3leaps/framefarm/pkg/protocol"
	"github.com/3leaps/framefarm/pkg/runner"
	"github.com/3leaps/framefarm/pkg/workspace"
)

// Defaults for Config.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultDialAttempts = 1
	DefaultDialInterval = 2 * time.Second
)

// Workspace prepares and removes per-frame workspaces.
type Workspace interface {
	Prepare(ctx context.Context, frame int) (*workspace.Instance, error)
	Cleanup(frame int) error
}

// Tool runs the reconstruction for one frame.
type Tool interface {
	Run(ctx context.Context, job runner.Job) (*runner.Result, error)
}

// Publisher uploads a finished model and returns its URI.
type Publisher interface {
	Publish(ctx context.Context, localPath string) (string, error)
}

// Config configures a Client.
type Config struct {
	// Addr is the dispatcher's host:port.
	Addr string

	// NodeID identifies this worker. Defaults to the hostname.
	NodeID string

	// OutputDir receives Frame_<id>.obj.
	OutputDir string

	PollInterval time.Duration
	DialAttempts int
	DialInterval time.Duration

	Workspace Workspace
	Tool      Tool

	// Attempts records each attempt and captures tool output. Optional.
	Attempts *jobregistry.Store

	// Publisher uploads successful outputs. Optional.
	Publisher Publisher

	Logger *zap.Logger
}

// Stats counts attempts made by a Client.
type Stats struct {
	Assigned  int
	Succeeded int
	Failed    int
	Published int
}

// Client is a worker connected to one dispatcher.
type Client struct {
	cfg    Config
	logger *zap.Logger
	stats  Stats
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("dispatcher address is required")
	}
	if cfg.Workspace == nil || cfg.Tool == nil {
		return nil, errors.New("workspace and tool are required")
	}
	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve node id: %w", err)
		}
		cfg.NodeID = host
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = DefaultDialAttempts
	}
	if cfg.DialInterval <= 0 {
		cfg.DialInterval = DefaultDialInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	report := protocol.Report{NodeID: cfg.NodeID, Status: protocol.StatusIdle}
	if err := report.Validate(); err != nil {
		return nil, fmt.Errorf("node id %q: %w", cfg.NodeID, err)
	}

	return &Client{cfg: cfg, logger: logger.With(zap.String("node_id", cfg.NodeID))}, nil
}

// NodeID returns the id reported to the dispatcher.
func (c *Client) NodeID() string {
	return c.cfg.NodeID
}

// Stats returns the attempt counters. It is meant to be read after Run.
func (c *Client) Stats() Stats {
	return c.stats
}

// Run connects to the dispatcher and serves assignments until the dispatcher
// closes the connection (nil) or ctx is cancelled (ctx.Err()).
func (c *Client) Run(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.logger.Info("Connected to dispatcher", zap.String("addr", c.cfg.Addr))

	if err := c.send(conn, protocol.StatusIdle); err != nil {
		return c.connErr(ctx, err)
	}

	for {
		frame, err := protocol.ReadAssignment(conn)
		if err != nil {
			if errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.logger.Info("Dispatcher closed the connection")
				return nil
			}
			return c.connErr(ctx, err)
		}

		if frame == protocol.NoWork {
			c.logger.Debug("No work available", zap.Duration("retry_in", c.cfg.PollInterval))
			if err := sleep(ctx, c.cfg.PollInterval); err != nil {
				return err
			}
			if err := c.send(conn, protocol.StatusIdle); err != nil {
				return c.connErr(ctx, err)
			}
			continue
		}

		if err := c.send(conn, protocol.StatusBusy); err != nil {
			return c.connErr(ctx, err)
		}
		c.process(ctx, frame)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.send(conn, protocol.StatusIdle); err != nil {
			return c.connErr(ctx, err)
		}
	}
}

// dial connects, pacing retries at DialInterval.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	limiter := rate.NewLimiter(rate.Every(c.cfg.DialInterval), 1)
	var d net.Dialer

	var lastErr error
	for attempt := 1; attempt <= c.cfg.DialAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("Failed to connect to dispatcher",
			zap.String("addr", c.cfg.Addr),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.DialAttempts),
			zap.Error(err))
	}
	return nil, fmt.Errorf("connect to dispatcher %s: %w", c.cfg.Addr, lastErr)
}

func (c *Client) send(conn net.Conn, status protocol.Status) error {
	return protocol.WriteReport(conn, protocol.Report{NodeID: c.cfg.NodeID, Status: status})
}

func (c *Client) connErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("dispatcher connection: %w", err)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// process runs one attempt at frame. Failures are logged, never returned.
func (c *Client) process(ctx context.Context, frame int) {
	c.stats.Assigned++
	log := c.logger.With(zap.Int("frame", frame))
	log.Info("Processing frame")

	defer func() {
		if err := c.cfg.Workspace.Cleanup(frame); err != nil {
			log.Warn("Failed to remove workspace", zap.Error(err))
		}
	}()

	ws, err := c.cfg.Workspace.Prepare(ctx, frame)
	if err != nil {
		c.stats.Failed++
		log.Warn("Workspace preparation failed", zap.Error(err))
		return
	}

	n, err := workspace.PatchDescriptor(ws.Descriptor, frame)
	if err != nil {
		c.stats.Failed++
		log.Warn("Descriptor patch failed", zap.String("descriptor", ws.Descriptor), zap.Error(err))
		return
	}
	log.Debug("Patched descriptor", zap.Int("inputs", n))

	output := filepath.Join(c.cfg.OutputDir, frames.OutputName(frame))
	job := runner.Job{
		Frame:      frame,
		Descriptor: ws.Descriptor,
		OutputPath: output,
	}

	var attempt *jobregistry.Attempt
	if c.cfg.Attempts != nil {
		attempt, err = c.cfg.Attempts.Begin(jobregistry.BeginOptions{
			Frame:      frame,
			NodeID:     c.cfg.NodeID,
			Descriptor: ws.Descriptor,
			OutputPath: output,
		})
		if err != nil {
			log.Warn("Failed to record attempt", zap.Error(err))
		}
	}
	if attempt != nil {
		job.Stdout = attempt.Stdout()
		job.Stderr = attempt.Stderr()
		job.OnStart = func(pid int) {
			if err := attempt.SetPID(pid); err != nil {
				log.Debug("Failed to record tool pid", zap.Error(err))
			}
		}
	}

	res, runErr := c.cfg.Tool.Run(ctx, job)

	state := jobregistry.AttemptStateSuccess
	switch {
	case runErr == nil:
		c.stats.Succeeded++
	case ctx.Err() != nil:
		state = jobregistry.AttemptStateCancelled
		c.stats.Failed++
		log.Warn("Reconstruction interrupted", zap.Error(runErr))
	default:
		state = jobregistry.AttemptStateFailed
		c.stats.Failed++
		log.Error("Reconstruction failed", zap.Error(runErr))
	}

	if runErr == nil && c.cfg.Publisher != nil {
		uri, err := c.cfg.Publisher.Publish(ctx, output)
		if err != nil {
			log.Warn("Failed to publish output", zap.String("path", output), zap.Error(err))
		} else {
			c.stats.Published++
			if attempt != nil {
				if err := attempt.SetPublished(uri); err != nil {
					log.Debug("Failed to record publish uri", zap.Error(err))
				}
			}
		}
	}

	if attempt != nil {
		var exitCode *int
		if res != nil {
			code := res.ExitCode
			exitCode = &code
		}
		if _, err := attempt.Finish(state, exitCode, runErr); err != nil {
			log.Warn("Failed to finalize attempt", zap.String("attempt_id", attempt.ID()), zap.Error(err))
		}
	}
}
