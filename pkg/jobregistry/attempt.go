package jobregistry

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Attempt is an open attempt whose tool output is being captured.
//
// Stdout and Stderr stay open until Finish.
type Attempt struct {
	store  *Store
	record *AttemptRecord
	stdout *os.File
	stderr *os.File
}

// BeginOptions describes a new attempt.
type BeginOptions struct {
	Frame      int
	NodeID     string
	Descriptor string
	OutputPath string
}

// Begin creates the attempt directory and log files and records the attempt
// as running.
func (s *Store) Begin(opts BeginOptions) (*Attempt, error) {
	if s == nil {
		return nil, fmt.Errorf("attempt registry is not initialized")
	}

	attemptID := uuid.New().String()
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.AttemptDir(attemptID), 0755); err != nil {
		return nil, fmt.Errorf("create attempt dir: %w", err)
	}

	stdoutFile, err := os.Create(s.StdoutPath(attemptID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderrFile, err := os.Create(s.StderrPath(attemptID))
	if err != nil {
		_ = stdoutFile.Close()
		return nil, fmt.Errorf("create stderr log: %w", err)
	}

	now := time.Now().UTC()
	rec := &AttemptRecord{
		AttemptID:  attemptID,
		Frame:      opts.Frame,
		NodeID:     strings.TrimSpace(opts.NodeID),
		State:      AttemptStateRunning,
		Descriptor: opts.Descriptor,
		OutputPath: opts.OutputPath,
		CreatedAt:  now,
		StartedAt:  &now,
		StdoutPath: s.StdoutPath(attemptID),
		StderrPath: s.StderrPath(attemptID),
	}
	if err := s.Write(rec); err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return nil, err
	}

	return &Attempt{store: s, record: rec, stdout: stdoutFile, stderr: stderrFile}, nil
}

// ID returns the attempt id.
func (a *Attempt) ID() string {
	return a.record.AttemptID
}

// Stdout captures the tool's standard output.
func (a *Attempt) Stdout() io.Writer {
	return a.stdout
}

// Stderr captures the tool's standard error.
func (a *Attempt) Stderr() io.Writer {
	return a.stderr
}

// SetPID records the tool's process id for zombie detection.
func (a *Attempt) SetPID(pid int) error {
	a.record.PID = pid
	return a.store.Write(a.record)
}

// SetPublished records where the output was uploaded.
func (a *Attempt) SetPublished(uri string) error {
	a.record.PublishURI = uri
	return a.store.Write(a.record)
}

// Finish closes the log files and persists the final state.
//
// exitCode is recorded when non-nil; cause is recorded when non-nil.
func (a *Attempt) Finish(state AttemptState, exitCode *int, cause error) (*AttemptRecord, error) {
	_ = a.stdout.Close()
	_ = a.stderr.Close()

	now := time.Now().UTC()
	a.record.State = state
	a.record.EndedAt = &now
	a.record.ExitCode = exitCode
	if cause != nil {
		a.record.Error = cause.Error()
	}
	if err := a.store.Write(a.record); err != nil {
		return nil, err
	}
	rec := *a.record
	return &rec, nil
}
