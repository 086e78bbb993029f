package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/framefarm/pkg/output"
)

// Progress counts inferred completions and publishes them.
//
// Counts are optimistic: a busy -> idle transition is credited even when the
// tool failed, so the count can exceed the number of outputs on disk.
//
// Progress is not safe for concurrent use; the Coordinator serializes it.
type Progress struct {
	total     int
	completed int
	out       output.Writer
	logger    *zap.Logger
}

// NewProgress creates a tracker for total pending frames.
func NewProgress(total int, out output.Writer, logger *zap.Logger) *Progress {
	if out == nil {
		out = output.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Progress{total: total, out: out, logger: logger}
}

// Complete advances the count by one and returns the new count.
func (p *Progress) Complete(ctx context.Context, assigned int) int {
	p.completed++

	p.logger.Info("Progress",
		zap.Int("completed", p.completed),
		zap.Int("total", p.total),
		zap.Int("assigned", assigned))

	if err := p.out.WriteProgress(ctx, &output.ProgressRecord{
		Completed: p.completed,
		Total:     p.total,
		Assigned:  assigned,
	}); err != nil {
		p.logger.Debug("Failed to write progress record", zap.Error(err))
	}
	return p.completed
}

// Completed returns the current count.
func (p *Progress) Completed() int {
	return p.completed
}

// Total returns the number of frames pending at startup.
func (p *Progress) Total() int {
	return p.total
}
