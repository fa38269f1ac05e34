//go:build windows

package process

import (
	"os"
	"os/exec"
)

func setProcAttr(cmd *exec.Cmd) {}

// signalGroup terminates the child. Windows has no process groups in the
// POSIX sense, so graceful and forced termination collapse to Kill.
func signalGroup(p *os.Process, kill bool) {
	_ = p.Kill()
}

func exitCodeOf(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}
