package runner

import (
	"errors"
	"fmt"
)

// ToolFailureError reports a reconstruction run that exited nonzero.
type ToolFailureError struct {
	Frame    int
	ExitCode int
	Err      error
}

func (e *ToolFailureError) Error() string {
	return fmt.Sprintf("reconstruction of frame %d exited with status %d", e.Frame, e.ExitCode)
}

func (e *ToolFailureError) Unwrap() error {
	return e.Err
}

// IsToolFailure reports whether err is or wraps a *ToolFailureError.
func IsToolFailure(err error) bool {
	var tf *ToolFailureError
	return errors.As(err, &tf)
}
