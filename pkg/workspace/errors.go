package workspace

import (
	"errors"
	"fmt"
)

// ErrFrameMissing indicates the source frame folder does not exist.
var ErrFrameMissing = errors.New("frame folder not found")

// WorkspaceError wraps a filesystem failure while preparing or cleaning a
// per-frame workspace.
type WorkspaceError struct {
	Op    string
	Frame int
	Path  string
	Err   error
}

func (e *WorkspaceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("workspace %s frame %d: %s: %v", e.Op, e.Frame, e.Path, e.Err)
	}
	return fmt.Sprintf("workspace %s frame %d: %v", e.Op, e.Frame, e.Err)
}

func (e *WorkspaceError) Unwrap() error {
	return e.Err
}

// IsWorkspaceError reports whether err is or wraps a *WorkspaceError.
func IsWorkspaceError(err error) bool {
	var we *WorkspaceError
	return errors.As(err, &we)
}
