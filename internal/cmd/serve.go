package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/framefarm/internal/config"
	"github.com/3leaps/framefarm/internal/observability"
	"github.com/3leaps/framefarm/internal/server"
	"github.com/3leaps/framefarm/internal/server/handlers"
	"github.com/3leaps/framefarm/pkg/dispatch"
	"github.com/3leaps/framefarm/pkg/frames"
	"github.com/3leaps/framefarm/pkg/ledger"
	"github.com/3leaps/framefarm/pkg/manifest"
	"github.com/3leaps/framefarm/pkg/output"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher",
	Long: `Run the dispatcher: scan the image sequence for frames without an output
model and hand them to nodes as they report idle.

Frames are assigned once, in ascending order. A node that disconnects while
holding a frame does not get it back; the frame is marked abandoned in the
ledger and is picked up again by the next dispatcher run because its output
is still missing.

Examples:
  framefarm serve --root D:\captures\take-04
  framefarm serve --root /srv/take-04 --port 5100 --status-port 8181
  framefarm serve --job farm.yaml`,
	RunE: runServe,
}

var (
	serveHost       string
	servePort       int
	serveStatusPort int
	serveNoStatus   bool
	serveNoLedger   bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Dispatcher listen address (default from config, 0.0.0.0)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Dispatcher port (default from config, 5000)")
	serveCmd.Flags().IntVar(&serveStatusPort, "status-port", 0, "Status server port (default from config, 8080)")
	serveCmd.Flags().BoolVar(&serveNoStatus, "no-status", false, "Do not start the HTTP status server")
	serveCmd.Flags().BoolVar(&serveNoLedger, "no-ledger", false, "Do not record assignments in the ledger")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := appConfig
	logger := observability.CLILogger

	// Nodes load the descriptor from the shared root, so a dispatcher without
	// one would hand out frames no node can reconstruct. The tool is only
	// checked on nodes.
	_, layout, err := resolveLayout(manifest.CheckOptions{RequireDescriptor: true})
	if err != nil {
		return err
	}

	registry := frames.NewRegistry(layout.ImagesDir, layout.OutputDir, logger)
	plan, err := registry.Scan(ctx)
	if err != nil {
		if errors.Is(err, frames.ErrNoFrames) {
			printExpectedLayout(cmd.ErrOrStderr(), layout)
			return exitError(foundry.ExitFileNotFound, "No frames to process", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to scan frames", err)
	}

	logger.Info(fmt.Sprintf("Frames to process %d out of %d", len(plan.Pending), len(plan.Available)),
		zap.Int("available", len(plan.Available)),
		zap.Int("already_complete", len(plan.Completed)),
		zap.Int("pending", len(plan.Pending)))

	runID := uuid.NewString()

	out, closeOut, err := openProgressOutput(cfg.Progress.Output, runID)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open progress output", err)
	}
	defer closeOut()

	var led *ledger.Ledger
	if cfg.Ledger.Enabled && !serveNoLedger {
		led = openLedger(ctx, cfg)
	}
	if led != nil {
		defer func() { _ = led.Close() }()
		run := ledger.Run{
			RunID:           runID,
			ImagesDir:       layout.ImagesDir,
			OutputDir:       layout.OutputDir,
			Available:       len(plan.Available),
			AlreadyComplete: len(plan.Completed),
			Pending:         len(plan.Pending),
		}
		if err := led.RecordRun(ctx, run); err != nil {
			logger.Warn("Failed to record run in ledger", zap.Error(err))
		}
	}

	dcfg := dispatch.Config{
		RunID:   runID,
		Pending: plan.Pending,
		Output:  out,
		Logger:  logger,
	}
	if led != nil {
		dcfg.Recorder = led
	}
	coord := dispatch.NewCoordinator(dcfg)

	host := cfg.Dispatcher.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Dispatcher.Port
	if servePort != 0 {
		port = servePort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	ln, err := dispatch.Listen(ctx, addr)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start dispatcher", err)
	}
	logger.Info("Dispatcher started",
		zap.String("run_id", runID),
		zap.String("addr", ln.Addr().String()),
		zap.Strings("host_addresses", hostAddresses()))

	var status *server.Server
	if cfg.Status.Enabled && !serveNoStatus {
		status = startStatusServer(cfg, coord, led)
	}

	srv := dispatch.NewServer(coord, logger)
	serveErr := srv.Serve(ctx, ln)

	reason := "stopped"
	if ctx.Err() != nil {
		reason = "interrupted"
	}

	// The run context is already cancelled here.
	finishCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	summary := coord.Summary(len(plan.Available), len(plan.Completed), reason)
	if err := out.WriteSummary(finishCtx, summary); err != nil {
		logger.Warn("Failed to write summary", zap.Error(err))
	}
	if led != nil {
		if err := led.EndRun(finishCtx, runID); err != nil {
			logger.Warn("Failed to close run in ledger", zap.Error(err))
		}
	}
	if status != nil {
		if err := status.Shutdown(finishCtx); err != nil {
			logger.Warn("Status server shutdown failed", zap.Error(err))
		}
	}

	logger.Info("Dispatcher stopped",
		zap.String("run_id", runID),
		zap.String("reason", reason),
		zap.Int("assigned", summary.Assigned),
		zap.Int("completed", summary.Completed),
		zap.Int("total", summary.Total))

	if serveErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Dispatcher failed", serveErr)
	}
	return nil
}

// openProgressOutput opens the JSONL progress destination: "" is stderr,
// "-" is stdout, anything else a file that is appended to.
func openProgressOutput(dest, runID string) (output.Writer, func(), error) {
	var w io.Writer
	var f *os.File
	switch dest {
	case "":
		w = os.Stderr
	case "-":
		w = os.Stdout
	default:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, nil, err
		}
		var err error
		f, err = os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w = f
	}

	jw := output.NewJSONLWriter(w, runID)
	cleanup := func() {
		_ = jw.Close()
		if f != nil {
			_ = f.Close()
		}
	}
	return jw, cleanup, nil
}

// ledgerPath returns the configured ledger path or the app data default.
func ledgerPath(cfg *config.Config) string {
	if cfg.Ledger.Path != "" {
		return cfg.Ledger.Path
	}
	return filepath.Join(gfconfig.GetAppDataDir(appIdentity.BinaryName), "ledger.db")
}

// openLedger returns nil when the ledger cannot be opened; dispatch runs
// without one.
func openLedger(ctx context.Context, cfg *config.Config) *ledger.Ledger {
	path := ledgerPath(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		observability.CLILogger.Warn("Ledger disabled", zap.String("path", path), zap.Error(err))
		return nil
	}
	led, err := ledger.OpenLedger(ctx, ledger.Config{Path: path})
	if err != nil {
		observability.CLILogger.Warn("Ledger disabled", zap.String("path", path), zap.Error(err))
		return nil
	}
	observability.CLILogger.Debug("Opened ledger", zap.String("path", path))
	return led
}

func startStatusServer(cfg *config.Config, coord *dispatch.Coordinator, led *ledger.Ledger) *server.Server {
	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("dispatcher", handlers.HealthCheckerFunc(func(ctx context.Context) error {
		if coord.RunID() == "" {
			return errors.New("dispatcher not initialized")
		}
		return nil
	}))
	if led != nil {
		hm.RegisterChecker("ledger", led)
	}

	port := cfg.Status.Port
	if serveStatusPort != 0 {
		port = serveStatusPort
	}
	srv := server.New(cfg.Status.Host, port,
		server.WithStatus(coord),
		server.WithTimeouts(cfg.Status.ReadTimeout, cfg.Status.WriteTimeout))

	go func() {
		if err := srv.Start(); err != nil {
			observability.CLILogger.Warn("Status server stopped", zap.String("addr", srv.Addr()), zap.Error(err))
		}
	}()
	return srv
}

// hostAddresses lists this machine's non-loopback IPv4 addresses so
// operators know what to pass to node --ip.
func hostAddresses() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		out = append(out, ipnet.IP.String())
	}
	return out
}

func printExpectedLayout(w io.Writer, layout manifest.Layout) {
	_, _ = fmt.Fprintf(w, `
No frame folders found in %s

Expected layout:
  %s/
    %s
    %s/
      %s/
        frame_00001/
        frame_00002/
        ...
    %s/
      Frame_1.obj   (written by nodes)
`, layout.SequenceDir, layout.Root, filepath.Base(layout.Descriptor),
		layout.ImagesSubpath, frames.SequenceDir, filepath.Base(layout.OutputDir))
}

// shutdownTimeout returns the configured grace period, or a default.
func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg == nil || cfg.Status.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return cfg.Status.ShutdownTimeout
}
