//go:build !windows

package nativehost

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessSupervisor(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	pidFile := filepath.Join(t.TempDir(), "run", "bridge.pid")
	s := &ProcessSupervisor{Command: []string{sleep, "30"}, PidFile: pidFile}

	pid, err := s.Start()
	require.NoError(t, err)
	assert.True(t, isProcessAlive(pid))
	_, err = os.Stat(pidFile)
	require.NoError(t, err)

	stopped, err := s.Stop()
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Eventually(t, func() bool { return !isProcessAlive(pid) }, 2*time.Second, 20*time.Millisecond)

	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))

	stopped, err = s.Stop()
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestProcessSupervisorNoCommand(t *testing.T) {
	_, err := (&ProcessSupervisor{}).Start()
	assert.Error(t, err)
}
