//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcAttr places the child in its own process group so termination can
// take the whole subprocess tree down.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the child's process group; kill selects SIGKILL over
// SIGTERM. Falls back to signalling just the child when the group lookup
// fails.
func signalGroup(p *os.Process, kill bool) {
	sig := syscall.SIGTERM
	if kill {
		sig = syscall.SIGKILL
	}
	if pgid, err := syscall.Getpgid(p.Pid); err == nil {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = p.Signal(sig)
}

// exitCodeOf extracts the exit code from a cmd.Wait error.
func exitCodeOf(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}
	return 1
}
