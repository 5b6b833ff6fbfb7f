package russula

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartProcessCapturesOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "proc.log")

	h, err := StartProcess("/bin/sh", []string{"-c", "echo hello"}, nil, logPath)
	require.NoError(t, err)

	waitExit(t, h)
	require.NoError(t, h.ExitErr())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}

func TestStartProcessMissingBinary(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "proc.log")

	_, err := StartProcess("/no/such/binary", nil, nil, logPath)
	require.Error(t, err)
}

func TestExitErrOnFailure(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "proc.log")

	h, err := StartProcess("/bin/sh", []string{"-c", "exit 3"}, nil, logPath)
	require.NoError(t, err)

	waitExit(t, h)
	require.Error(t, h.ExitErr())
}

func TestTerminateStopsLongRunningProcess(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "proc.log")

	h, err := StartProcess("/bin/sh", []string{"-c", "sleep 600"}, nil, logPath)
	require.NoError(t, err)
	require.False(t, h.Exited())

	h.Terminate()
	require.True(t, h.Exited())

	// Terminating again is a no-op.
	h.Terminate()
}

func TestProcessEnvIsPassedThrough(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "proc.log")

	h, err := StartProcess("/bin/sh", []string{"-c", "echo $MARKER"},
		[]string{"MARKER=from-test"}, logPath)
	require.NoError(t, err)

	waitExit(t, h)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "from-test")
}

func waitExit(t *testing.T, h *ProcessHandle) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for !h.Exited() {
		if time.Now().After(deadline) {
			t.Fatal("process never exited")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
