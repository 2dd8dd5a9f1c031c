//go:build !windows

package instance

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group so a
// graceful/forceful signal can target the whole group, grounded on
// provisr's internal/process/sysattrs_unix.go.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGraceful sends SIGTERM to the process group, per provisr's
// internal/process.Process.Stop.
func signalGraceful(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// signalForceful sends SIGKILL to the process group, per provisr's
// internal/process.Process.Kill.
func signalForceful(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// exitInfoFrom extracts the exit code and terminating signal name (if any)
// from the error returned by (*exec.Cmd).Wait, grounded on provisr's
// internal/process/util.go tryReap WaitStatus handling.
func exitInfoFrom(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return -1, ws.Signal().String()
			}
			return ws.ExitStatus(), ""
		}
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}
