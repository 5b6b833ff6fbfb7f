package russula

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// terminateGrace is how long a benchmark driver gets to exit after SIGTERM
// before it is killed outright.
const terminateGrace = 5 * time.Second

// ProcessHandle supervises one spawned benchmark driver process. It is
// exclusively owned by the Worker driver that created it and exposes only
// start, liveness, terminate and exit status; the process is otherwise
// opaque to the coordination protocol.
type ProcessHandle struct {
	cmd     *exec.Cmd
	logFile *os.File
	done    chan struct{}
	waitErr error
}

// StartProcess spawns the driver command with stdout and stderr captured to
// logPath. The exit status is collected by a background wait so that
// liveness checks never block the worker's polling loop.
func StartProcess(name string, args []string, env []string, logPath string) (*ProcessHandle, error) {
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create process log %s: %w", logPath, err)
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), env...)

	err = cmd.Start()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}

	zap.L().Info("spawned benchmark process",
		zap.String("cmd", name),
		zap.Strings("args", args),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("log", logPath))

	h := &ProcessHandle{
		cmd:     cmd,
		logFile: logFile,
		done:    make(chan struct{}),
	}

	go func() {
		h.waitErr = cmd.Wait()
		logFile.Close()
		close(h.done)
	}()

	return h, nil
}

func (h *ProcessHandle) Pid() int { return h.cmd.Process.Pid }

// Exited reports whether the process has terminated, without blocking.
func (h *ProcessHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the wait error once the process has exited. A nil return
// means a zero exit status.
func (h *ProcessHandle) ExitErr() error {
	select {
	case <-h.done:
		return h.waitErr
	default:
		return nil
	}
}

// Terminate stops the process, first politely and then by force. Calling it
// on an already exited process is a no-op.
func (h *ProcessHandle) Terminate() {
	if h.Exited() {
		return
	}

	err := h.cmd.Process.Signal(syscall.SIGTERM)
	if err != nil {
		zap.L().Debug("SIGTERM failed, process likely gone", zap.Error(err))
	}

	select {
	case <-h.done:
		return
	case <-time.After(terminateGrace):
	}

	zap.L().Warn("process ignored SIGTERM, killing",
		zap.Int("pid", h.cmd.Process.Pid))
	h.cmd.Process.Kill()
	<-h.done
}
