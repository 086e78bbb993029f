// Package jobregistry keeps an on-disk record of every reconstruction
// attempt a node makes, with the tool's captured output next to it.
package jobregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Store persists and loads AttemptRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<attempt_id>/attempt.json
//	<root>/<attempt_id>/stdout.log
//	<root>/<attempt_id>/stderr.log
//
// Root is expected to be under the app data dir.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) AttemptDir(attemptID string) string {
	return filepath.Join(s.root, attemptID)
}

func (s *Store) AttemptPath(attemptID string) string {
	return filepath.Join(s.AttemptDir(attemptID), "attempt.json")
}

func (s *Store) StdoutPath(attemptID string) string {
	return filepath.Join(s.AttemptDir(attemptID), "stdout.log")
}

func (s *Store) StderrPath(attemptID string) string {
	return filepath.Join(s.AttemptDir(attemptID), "stderr.log")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("attempt registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write atomically replaces attempt.json for record.
func (s *Store) Write(record *AttemptRecord) error {
	if record == nil {
		return fmt.Errorf("attempt record is nil")
	}
	attemptID := strings.TrimSpace(record.AttemptID)
	if attemptID == "" {
		return fmt.Errorf("attempt_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	dir := s.AttemptDir(attemptID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create attempt dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal attempt record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "attempt.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp attempt file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp attempt file: %w", err)
	}

	if err := os.Rename(tmpName, s.AttemptPath(attemptID)); err != nil {
		return fmt.Errorf("rename attempt file: %w", err)
	}
	return nil
}

func (s *Store) Get(attemptID string) (*AttemptRecord, error) {
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		return nil, fmt.Errorf("attempt_id is required")
	}
	b, err := os.ReadFile(s.AttemptPath(attemptID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("attempt.json is empty")
	}

	var record AttemptRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse attempt.json: %w", err)
	}

	// Zombie detection: if an attempt claims running but its tool pid is gone, mark unknown.
	if record.State == AttemptStateRunning && record.PID > 0 {
		if !isProcessAlive(record.PID) {
			record.State = AttemptStateUnknown
			now := time.Now().UTC()
			record.EndedAt = &now
			_ = s.Write(&record)
		}
	}

	return &record, nil
}

// ListOptions narrows List.
type ListOptions struct {
	// Frame selects attempts at one frame when non-zero.
	Frame int

	// State selects attempts in one state when non-empty.
	State AttemptState

	// Limit caps the result when positive.
	Limit int
}

// List returns attempts newest first.
func (s *Store) List(opts ListOptions) ([]AttemptRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read attempts root: %w", err)
	}

	out := make([]AttemptRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		if opts.Frame != 0 && r.Frame != opts.Frame {
			continue
		}
		if opts.State != "" && r.State != opts.State {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return attemptSortTime(out[i]).After(attemptSortTime(out[j]))
	})

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func attemptSortTime(r AttemptRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal probing is unix only; assume alive elsewhere.
	if runtime.GOOS == "windows" {
		return true
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
