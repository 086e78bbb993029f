// Package dispatch hands pending frames to worker nodes over the plaintext
// coordination protocol.
//
// A single Coordinator owns the frame queue, the node registry and the
// progress counter. Every connection handler funnels its reports through
// Coordinator.Report, which applies one report atomically:
//
//   - the node's recorded status is replaced
//   - a busy -> idle transition is credited as one completed frame
//   - an idle report takes the next frame from the queue, or NoWork
//
// Delivery is at most once. The cursor advances before the reply is
// written, so a frame whose reply could not be delivered, or whose node
// disconnected before finishing, is not handed out again during the run.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/framefarm/pkg/output"
	"github.com/3leaps/framefarm/pkg/protocol"
)

// Recorder persists assignment outcomes. *ledger.Ledger satisfies it.
type Recorder interface {
	RecordAssignment(ctx context.Context, runID string, frame int, nodeID, remote string) error
	MarkCompleted(ctx context.Context, runID string, frame int) error
	MarkAbandoned(ctx context.Context, runID string, frame int) error
}

type nopRecorder struct{}

func (nopRecorder) RecordAssignment(context.Context, string, int, string, string) error { return nil }
func (nopRecorder) MarkCompleted(context.Context, string, int) error                    { return nil }
func (nopRecorder) MarkAbandoned(context.Context, string, int) error                    { return nil }

// Config configures a Coordinator.
type Config struct {
	// RunID correlates output records and ledger rows.
	RunID string

	// Pending is the ordered frame queue. It is copied.
	Pending []int

	// Output receives assignment, node and progress records. Optional.
	Output output.Writer

	// Recorder persists assignments. Optional.
	Recorder Recorder

	Logger *zap.Logger

	// Now overrides the clock. Optional.
	Now func() time.Time
}

// Reply is the outcome of applying one report.
type Reply struct {
	// Send is true when a reply must be written to the node.
	Send bool

	// Frame is the assigned frame id, or protocol.NoWork.
	Frame int

	// Credited is the frame inferred complete by this report, or 0.
	Credited int

	// Completed is true when this report was credited as a completion.
	Completed bool
}

// Stats is a point-in-time view of a run.
type Stats struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Total     int       `json:"total"`
	Assigned  int       `json:"assigned"`
	Remaining int       `json:"remaining"`
	Completed int       `json:"completed"`
	Nodes     int       `json:"nodes"`
}

// Coordinator is the dispatcher's shared state.
type Coordinator struct {
	runID     string
	startedAt time.Time
	out       output.Writer
	recorder  Recorder
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	pending  []int
	cursor   int
	nodes    *Registry
	progress *Progress
	held     map[holder]int // assigned frame not yet credited
}

// holder identifies one node connection. Node ids alone may repeat across
// machines; the remote address tells their connections apart.
type holder struct {
	nodeID string
	remote string
}

// NewCoordinator creates a Coordinator over cfg.Pending.
func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	out := cfg.Output
	if out == nil {
		out = output.Discard
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	pending := make([]int, len(cfg.Pending))
	copy(pending, cfg.Pending)

	return &Coordinator{
		runID:     cfg.RunID,
		startedAt: now(),
		out:       out,
		recorder:  recorder,
		logger:    logger,
		now:       now,
		pending:   pending,
		nodes:     NewRegistry(),
		progress:  NewProgress(len(pending), out, logger),
		held:      make(map[holder]int),
	}
}

// RunID returns the run correlation id.
func (c *Coordinator) RunID() string {
	return c.runID
}

// Report applies one node report and returns what to send back.
//
// Busy reports are never answered. Replies are computed under the
// coordinator lock, so concurrent idle reports never receive the same frame.
func (c *Coordinator) Report(ctx context.Context, r protocol.Report, remote string) Reply {
	var reply Reply

	c.mu.Lock()
	prev, seen := c.nodes.Set(r.NodeID, r.Status, remote, c.now())
	key := holder{nodeID: r.NodeID, remote: remote}

	if seen && prev == protocol.StatusBusy && r.Status == protocol.StatusIdle {
		reply.Completed = true
		reply.Credited = c.held[key]
		delete(c.held, key)
		c.progress.Complete(ctx, c.cursor)
	}

	if r.Status == protocol.StatusIdle {
		reply.Send = true
		reply.Frame = protocol.NoWork
		if c.cursor < len(c.pending) {
			reply.Frame = c.pending[c.cursor]
			c.cursor++
			c.held[key] = reply.Frame
		}
	}
	cursor := c.cursor
	c.mu.Unlock()

	if !seen || prev != r.Status {
		c.writeNode(ctx, &output.NodeRecord{
			NodeID: r.NodeID,
			Remote: remote,
			Event:  output.NodeEventStatus,
			Status: string(r.Status),
		})
	}

	if reply.Completed && reply.Credited != 0 {
		if err := c.recorder.MarkCompleted(ctx, c.runID, reply.Credited); err != nil {
			c.logger.Warn("Failed to record completion",
				zap.Int("frame", reply.Credited),
				zap.String("node_id", r.NodeID),
				zap.Error(err))
		}
	}

	if reply.Send && reply.Frame != protocol.NoWork {
		c.logger.Info("Assigned frame",
			zap.Int("frame", reply.Frame),
			zap.String("node_id", r.NodeID),
			zap.String("remote", remote))
		if err := c.out.WriteAssignment(ctx, &output.AssignmentRecord{
			Frame:  reply.Frame,
			NodeID: r.NodeID,
			Remote: remote,
			Cursor: cursor,
		}); err != nil {
			c.logger.Debug("Failed to write assignment record", zap.Error(err))
		}
		if err := c.recorder.RecordAssignment(ctx, c.runID, reply.Frame, r.NodeID, remote); err != nil {
			c.logger.Warn("Failed to record assignment",
				zap.Int("frame", reply.Frame),
				zap.String("node_id", r.NodeID),
				zap.Error(err))
		}
	}

	return reply
}

// Disconnect forgets a node after its connection ended.
//
// An uncredited frame the connection held is not requeued; it is reported
// and marked abandoned. It returns that frame, or 0. The registry entry is
// kept when another connection reported the same id last.
func (c *Coordinator) Disconnect(ctx context.Context, nodeID, remote string) int {
	c.mu.Lock()
	removed := false
	held := 0
	if nodeID != "" {
		if info, ok := c.nodes.Get(nodeID); ok && info.Remote == remote {
			removed = c.nodes.Remove(nodeID)
		}
		key := holder{nodeID: nodeID, remote: remote}
		held = c.held[key]
		delete(c.held, key)
	}
	c.mu.Unlock()

	c.writeNode(ctx, &output.NodeRecord{
		NodeID:    nodeID,
		Remote:    remote,
		Event:     output.NodeEventDisconnected,
		HeldFrame: held,
	})

	if held != 0 {
		c.logger.Warn("Node disconnected holding a frame; it will not be reassigned",
			zap.String("node_id", nodeID),
			zap.String("remote", remote),
			zap.Int("frame", held))
		if err := c.recorder.MarkAbandoned(ctx, c.runID, held); err != nil {
			c.logger.Warn("Failed to record abandoned frame",
				zap.Int("frame", held),
				zap.Error(err))
		}
	} else if removed {
		c.logger.Info("Node removed", zap.String("node_id", nodeID), zap.String("remote", remote))
	}
	return held
}

// Nodes returns a snapshot of the node registry.
func (c *Coordinator) Nodes() []NodeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes.Snapshot()
}

// Stats returns a snapshot of queue and progress counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		RunID:     c.runID,
		StartedAt: c.startedAt,
		Total:     len(c.pending),
		Assigned:  c.cursor,
		Remaining: len(c.pending) - c.cursor,
		Completed: c.progress.Completed(),
		Nodes:     c.nodes.Len(),
	}
}

// Summary builds the end-of-run record.
func (c *Coordinator) Summary(available, alreadyComplete int, reason string) *output.SummaryRecord {
	st := c.Stats()
	return &output.SummaryRecord{
		Available:       available,
		AlreadyComplete: alreadyComplete,
		Total:           st.Total,
		Assigned:        st.Assigned,
		Completed:       st.Completed,
		DurationMs:      c.now().Sub(c.startedAt).Milliseconds(),
		Reason:          reason,
	}
}

func (c *Coordinator) writeNode(ctx context.Context, rec *output.NodeRecord) {
	if err := c.out.WriteNode(ctx, rec); err != nil {
		c.logger.Debug("Failed to write node record", zap.Error(err))
	}
}
