package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for protocol violations.
var (
	// ErrMalformed indicates a message that does not follow the wire format.
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownStatus indicates a status other than idle or busy.
	ErrUnknownStatus = errors.New("unknown status")

	// ErrMissingNodeID indicates a report with an empty node id.
	ErrMissingNodeID = errors.New("missing node id")

	// ErrEmptyMessage indicates a zero-length payload.
	ErrEmptyMessage = errors.New("empty message")

	// ErrMessageTooLarge indicates a message over MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
)

// ProtocolError wraps a protocol violation with the offending payload.
type ProtocolError struct {
	// Op is the decoding step that failed.
	Op string

	// Payload is the raw message, if available.
	Payload string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Payload != "" {
		return fmt.Sprintf("protocol %s: %q: %v", e.Op, e.Payload, e.Err)
	}
	return fmt.Sprintf("protocol %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err is a protocol violation.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
