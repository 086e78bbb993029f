package jobregistry

import "time"

// AttemptState is the lifecycle state of one node attempt at a frame.
//
// NOTE: These values are persisted in attempt.json and are part of the stable
// on-disk contract.
type AttemptState string

const (
	AttemptStateRunning   AttemptState = "running"
	AttemptStateSuccess   AttemptState = "success"
	AttemptStateFailed    AttemptState = "failed"
	AttemptStateCancelled AttemptState = "cancelled"
	AttemptStateUnknown   AttemptState = "unknown"
)

// Terminal reports whether the state is final.
func (s AttemptState) Terminal() bool {
	switch s {
	case AttemptStateSuccess, AttemptStateFailed, AttemptStateCancelled:
		return true
	default:
		return false
	}
}

// AttemptRecord is the persistent record written to attempt.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type AttemptRecord struct {
	AttemptID  string       `json:"attempt_id"`
	Frame      int          `json:"frame"`
	NodeID     string       `json:"node_id,omitempty"`
	State      AttemptState `json:"state"`
	Descriptor string       `json:"descriptor,omitempty"`
	OutputPath string       `json:"output_path,omitempty"`
	PID        int          `json:"pid,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	PublishURI string     `json:"publish_uri,omitempty"`
	StdoutPath string     `json:"stdout_path,omitempty"`
	StderrPath string     `json:"stderr_path,omitempty"`
}

// Duration returns the run time of a finished attempt, or zero.
func (r *AttemptRecord) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}
