package nativehost

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ProcessSupervisor runs the bridge as a detached child and remembers its
// pid in a file, so that a later host invocation can stop it.
type ProcessSupervisor struct {
	Command []string
	Dir     string
	PidFile string
}

// Start launches the bridge detached from the host's process group.
func (s *ProcessSupervisor) Start() (int, error) {
	if len(s.Command) == 0 {
		return 0, errors.New("no bridge command configured")
	}
	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = os.Environ()
	setDetached(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", s.Command[0], err)
	}
	pid := cmd.Process.Pid

	// Reap the child if the host outlives it.
	go cmd.Wait()

	if s.PidFile != "" {
		if err := os.MkdirAll(filepath.Dir(s.PidFile), 0o755); err != nil {
			return pid, fmt.Errorf("create pid dir: %w", err)
		}
		if err := os.WriteFile(s.PidFile, []byte(strconv.Itoa(pid)), 0o644); err != nil {
			return pid, fmt.Errorf("write pid file: %w", err)
		}
	}
	return pid, nil
}

// Stop terminates the recorded bridge process, if it is still alive.
func (s *ProcessSupervisor) Stop() (bool, error) {
	if s.PidFile == "" {
		return false, nil
	}
	data, err := os.ReadFile(s.PidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read pid file: %w", err)
	}
	defer os.Remove(s.PidFile)

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, nil
	}
	if !isProcessAlive(pid) {
		return false, nil
	}
	if err := signalTerm(pid); err != nil {
		return false, fmt.Errorf("terminate %d: %w", pid, err)
	}
	return true, nil
}
