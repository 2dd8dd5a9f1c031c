//go:build windows

package instance

import (
	"errors"
	"os"
	"os/exec"
)

// configureSysProcAttr is a no-op on Windows: provisr's
// internal/process/sysattrs_windows.go likewise does not set a Unix-style
// process group, relying on taskkill for group termination instead.
func configureSysProcAttr(cmd *exec.Cmd) {}

func signalGraceful(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	// Windows has no SIGTERM; approximate "graceful" with Kill, matching
	// provisr's internal/process/signal_windows.go behavior.
	return p.Kill()
}

func signalForceful(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func exitInfoFrom(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}
