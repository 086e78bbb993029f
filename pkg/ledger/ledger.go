// Package ledger persists the dispatcher's assignment history.
//
// The dispatcher hands out each pending frame at most once and never requeues
// it. The ledger does not change that: it only records what happened so an
// operator can see which frames were abandoned by a vanished node. Rerunning
// the dispatcher picks those frames up again because they lack an output.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the ledger state of one assignment.
type State string

const (
	// StateAssigned means the frame was sent and no completion was inferred yet.
	StateAssigned State = "assigned"

	// StateCompleted means the holding node later reported busy -> idle.
	StateCompleted State = "completed"

	// StateAbandoned means the node disconnected while holding the frame.
	StateAbandoned State = "abandoned"
)

// ParseState validates a state filter value.
func ParseState(s string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(s))) {
	case StateAssigned:
		return StateAssigned, nil
	case StateCompleted:
		return StateCompleted, nil
	case StateAbandoned:
		return StateAbandoned, nil
	default:
		return "", fmt.Errorf("unknown assignment state %q (expected assigned, completed or abandoned)", s)
	}
}

// Run describes one dispatcher run.
type Run struct {
	RunID           string     `json:"run_id"`
	ImagesDir       string     `json:"images_dir"`
	OutputDir       string     `json:"output_dir"`
	Available       int        `json:"available"`
	AlreadyComplete int        `json:"already_complete"`
	Pending         int        `json:"pending"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// Assignment is one ledger row.
type Assignment struct {
	RunID      string    `json:"run_id"`
	Frame      int       `json:"frame"`
	NodeID     string    `json:"node_id"`
	Remote     string    `json:"remote,omitempty"`
	State      State     `json:"state"`
	AssignedAt time.Time `json:"assigned_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	RunID string
	State State
	Limit int
}

// Ledger records runs and assignments.
//
// Ledger is safe for concurrent use; database/sql serializes access.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an already migrated database.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// OpenLedger opens the database described by cfg and migrates it.
func OpenLedger(ctx context.Context, cfg Config) (*Ledger, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// CheckHealth pings the database.
func (l *Ledger) CheckHealth(ctx context.Context) error {
	if l == nil || l.db == nil {
		return errors.New("ledger is not open")
	}
	return l.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// RecordRun stores the start of a dispatcher run.
func (l *Ledger) RecordRun(ctx context.Context, run Run) error {
	if strings.TrimSpace(run.RunID) == "" {
		return errors.New("run_id is required")
	}
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = l.now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, images_dir, output_dir, available, already_complete, pending, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.ImagesDir, run.OutputDir, run.Available, run.AlreadyComplete, run.Pending, formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// EndRun stamps the end time of a run.
func (l *Ledger) EndRun(ctx context.Context, runID string) error {
	_, err := l.db.ExecContext(ctx, `UPDATE runs SET ended_at = ? WHERE run_id = ?`, formatTime(l.now()), runID)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	return nil
}

// RecordAssignment stores a frame handed to a node.
func (l *Ledger) RecordAssignment(ctx context.Context, runID string, frame int, nodeID, remote string) error {
	now := formatTime(l.now())
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO assignments (run_id, frame, node_id, remote, state, assigned_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, runID, frame, nodeID, remote, string(StateAssigned), now, now)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

// MarkCompleted records an inferred completion.
func (l *Ledger) MarkCompleted(ctx context.Context, runID string, frame int) error {
	return l.transition(ctx, runID, frame, StateCompleted)
}

// MarkAbandoned records that the holder of frame disconnected first.
func (l *Ledger) MarkAbandoned(ctx context.Context, runID string, frame int) error {
	return l.transition(ctx, runID, frame, StateAbandoned)
}

// transition only moves rows out of the assigned state.
func (l *Ledger) transition(ctx context.Context, runID string, frame int, to State) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE assignments SET state = ?, updated_at = ?
		WHERE run_id = ? AND frame = ? AND state = ?
	`, string(to), formatTime(l.now()), runID, frame, string(StateAssigned))
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	return nil
}

// List returns assignments ordered by run start (newest first) then frame.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Assignment, error) {
	var (
		where []string
		args  []any
	)
	if f.RunID != "" {
		where = append(where, "a.run_id = ?")
		args = append(args, f.RunID)
	}
	if f.State != "" {
		where = append(where, "a.state = ?")
		args = append(args, string(f.State))
	}

	query := `SELECT a.run_id, a.frame, a.node_id, COALESCE(a.remote, ''), a.state, a.assigned_at, a.updated_at
		FROM assignments a JOIN runs r ON r.run_id = a.run_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.started_at DESC, a.frame ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Assignment
	for rows.Next() {
		var (
			a                     Assignment
			state                 string
			assignedAt, updatedAt string
		)
		if err := rows.Scan(&a.RunID, &a.Frame, &a.NodeID, &a.Remote, &state, &assignedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.State = State(state)
		if a.AssignedAt, err = parseTime(assignedAt); err != nil {
			return nil, fmt.Errorf("parse assigned_at: %w", err)
		}
		if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Runs returns recorded runs, newest first.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT run_id, images_dir, output_dir, available, already_complete, pending, started_at, ended_at
		FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var (
			r         Run
			startedAt string
			endedAt   sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.ImagesDir, &r.OutputDir, &r.Available, &r.AlreadyComplete, &r.Pending, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if endedAt.Valid {
			t, err := parseTime(endedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse ended_at: %w", err)
			}
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
