//go:build !windows

package runner

import (
	"errors"
	"os/exec"
	"syscall"
)

// killTree runs the script in its own process group and kills the whole
// group on cancellation, so the tool started by the script dies with it.
func killTree(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
}
