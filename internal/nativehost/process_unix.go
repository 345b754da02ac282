//go:build !windows

package nativehost

import (
	"os/exec"
	"syscall"
)

// setDetached starts the child in its own session so it survives the host.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func signalTerm(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func isProcessAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
