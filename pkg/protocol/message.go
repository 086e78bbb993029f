// Package protocol implements the plaintext coordination protocol spoken
// between the dispatcher and its nodes.
//
// Messages carry no delimiter and are bounded to MaxMessageSize bytes:
//
//	node -> dispatcher: "<node_id>,<status>"   status is "idle" or "busy"
//	dispatcher -> node: "<frame id>"            "0" means no work, poll again
//
// The dispatcher answers idle reports only.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxMessageSize bounds a single message read or write.
const MaxMessageSize = 1024

// NoWork is the assignment sent when the frame queue is exhausted.
const NoWork = 0

// Status is a node's self-reported state.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// statusWidth is the byte length shared by every status token.
const statusWidth = 4

// ParseStatus validates a status token.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusIdle, StatusBusy:
		return Status(s), nil
	default:
		return "", &ProtocolError{Op: "parse_status", Payload: s, Err: ErrUnknownStatus}
	}
}

// Report is a node status message.
type Report struct {
	NodeID string
	Status Status
}

// String renders the report in wire form.
func (r Report) String() string {
	return r.NodeID + "," + string(r.Status)
}

// Encode renders the report as a wire message.
func (r Report) Encode() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return []byte(r.String()), nil
}

// Validate checks that the report can be carried on the wire.
func (r Report) Validate() error {
	if r.NodeID == "" {
		return &ProtocolError{Op: "encode_report", Payload: r.String(), Err: ErrMissingNodeID}
	}
	if strings.Contains(r.NodeID, ",") {
		return &ProtocolError{Op: "encode_report", Payload: r.String(), Err: ErrMalformed}
	}
	if _, err := ParseStatus(string(r.Status)); err != nil {
		return err
	}
	if len(r.String()) > MaxMessageSize {
		return &ProtocolError{Op: "encode_report", Err: ErrMessageTooLarge}
	}
	return nil
}

// ParseReport parses exactly one "<node_id>,<status>" message.
func ParseReport(s string) (Report, error) {
	s = strings.TrimRight(s, " \t\r\n")
	nodeID, status, ok := strings.Cut(s, ",")
	if !ok || strings.Contains(status, ",") {
		return Report{}, &ProtocolError{Op: "parse_report", Payload: s, Err: ErrMalformed}
	}
	if nodeID == "" {
		return Report{}, &ProtocolError{Op: "parse_report", Payload: s, Err: ErrMissingNodeID}
	}
	st, err := ParseStatus(status)
	if err != nil {
		return Report{}, &ProtocolError{Op: "parse_report", Payload: s, Err: ErrUnknownStatus}
	}
	return Report{NodeID: nodeID, Status: st}, nil
}

// SplitReports parses a chunk that may hold several reports delivered in one
// read, e.g. "a,busyb,idle".
//
// Status tokens have a fixed width, so the boundary between a status and the
// next node id is unambiguous.
func SplitReports(chunk string) ([]Report, error) {
	chunk = strings.TrimRight(chunk, " \t\r\n")
	if chunk == "" {
		return nil, &ProtocolError{Op: "split_reports", Err: ErrEmptyMessage}
	}

	fields := strings.Split(chunk, ",")
	if len(fields) < 2 {
		return nil, &ProtocolError{Op: "split_reports", Payload: chunk, Err: ErrMalformed}
	}

	reports := make([]Report, 0, len(fields)-1)
	nodeID := fields[0]
	for i := 1; i < len(fields); i++ {
		field := fields[i]
		token := field
		next := ""
		if i < len(fields)-1 {
			if len(field) <= statusWidth {
				return nil, &ProtocolError{Op: "split_reports", Payload: chunk, Err: ErrMalformed}
			}
			token, next = field[:statusWidth], field[statusWidth:]
		}

		r, err := ParseReport(nodeID + "," + token)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
		nodeID = next
	}
	return reports, nil
}

// EncodeAssignment renders a frame id (or NoWork) in wire form.
func EncodeAssignment(frame int) []byte {
	return []byte(strconv.Itoa(frame))
}

// ParseAssignment parses a dispatcher reply.
func ParseAssignment(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, &ProtocolError{Op: "parse_assignment", Err: ErrEmptyMessage}
	}
	frame, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ProtocolError{Op: "parse_assignment", Payload: s, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if frame < 0 {
		return 0, &ProtocolError{Op: "parse_assignment", Payload: s, Err: ErrMalformed}
	}
	return frame, nil
}
