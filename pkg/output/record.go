// Package output provides JSONL run records for the dispatcher.
//
// Output is structured as typed record envelopes containing assignments,
// node status changes, progress updates and a final summary. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: framefarm.<type>.v<version>
const (
	// TypeAssignment identifies frame assignment records.
	TypeAssignment = "framefarm.assignment.v1"

	// TypeNode identifies node status records.
	TypeNode = "framefarm.node.v1"

	// TypeProgress identifies progress update records.
	TypeProgress = "framefarm.progress.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "framefarm.summary.v1"

	// TypeError identifies error records.
	TypeError = "framefarm.error.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "framefarm.progress.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID of the dispatcher run.
	RunID string `json:"run_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// AssignmentRecord is emitted when a frame is handed to a node.
type AssignmentRecord struct {
	Frame  int    `json:"frame"`
	NodeID string `json:"node_id"`
	Remote string `json:"remote,omitempty"`

	// Cursor is the queue position after the assignment.
	Cursor int `json:"cursor"`
}

// Node event constants.
const (
	NodeEventConnected    = "connected"
	NodeEventStatus       = "status"
	NodeEventDisconnected = "disconnected"
)

// NodeRecord is emitted on node status changes and disconnects.
type NodeRecord struct {
	NodeID string `json:"node_id,omitempty"`
	Remote string `json:"remote,omitempty"`
	Event  string `json:"event"`
	Status string `json:"status,omitempty"`

	// HeldFrame is set on disconnect when the node held an uncredited frame.
	HeldFrame int `json:"held_frame,omitempty"`
}

// ProgressRecord reports inferred completions.
type ProgressRecord struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Assigned  int `json:"assigned"`
}

// SummaryRecord is emitted when the dispatcher stops.
type SummaryRecord struct {
	Available       int    `json:"available"`
	AlreadyComplete int    `json:"already_complete"`
	Total           int    `json:"total"`
	Assigned        int    `json:"assigned"`
	Completed       int    `json:"completed"`
	DurationMs      int64  `json:"duration_ms"`
	Reason          string `json:"reason,omitempty"`
}

// ErrorRecord is emitted for connection-local failures.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
	Remote  string `json:"remote,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeProtocol indicates a malformed message from a node.
	ErrCodeProtocol = "PROTOCOL"

	// ErrCodeSend indicates a reply could not be delivered.
	ErrCodeSend = "SEND"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// Errors returned by writers.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
