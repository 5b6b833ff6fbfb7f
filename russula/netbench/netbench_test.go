package netbench

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"netbench-orchestrator/russula"
)

func TestServerWorkerTargets(t *testing.T) {
	coord := ServerCoordinator{}

	cases := map[string]string{
		ServerInit:           ServerInit,
		ServerReady:          ServerReady,
		ServerWorkersRunning: ServerRunning,
		ServerDone:           ServerDone,
	}

	for coordTag, workerTag := range cases {
		target := coord.WorkerTarget(mustState(serverCoordSeq, coordTag))
		require.Equal(t, workerTag, target.Tag())
	}
}

func TestClientWorkerTargets(t *testing.T) {
	coord := ClientCoordinator{}

	cases := map[string]string{
		ClientInit:  ClientInit,
		ClientReady: ClientReady,
		ClientDone:  ClientDone,
	}

	for coordTag, workerTag := range cases {
		target := coord.WorkerTarget(mustState(clientCoordSeq, coordTag))
		require.Equal(t, workerTag, target.Tag())
	}
}

func TestServerWorkerSequenceShape(t *testing.T) {
	seq := serverWorkerSeq

	require.Equal(t, ServerInit, seq.First().Tag())
	require.Equal(t, ServerDone, seq.Last().Tag())

	// Running and Stopping require coordinator authorization, the rest
	// the worker enters on its own.
	require.Equal(t, russula.StepPeerDriven, mustState(seq, ServerRunning).Step())
	require.Equal(t, russula.StepPeerDriven, mustState(seq, ServerStopping).Step())
	require.Equal(t, russula.StepSelfDriven, mustState(seq, ServerReady).Step())
	require.Equal(t, russula.StepSelfDriven, mustState(seq, ServerDone).Step())
}

func TestCheckScenario(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"id":"request-response","connections":1}`), 0o644))
	require.NoError(t, checkScenario(good))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"id": not json`), 0o644))
	require.Error(t, checkScenario(bad))

	require.Error(t, checkScenario(filepath.Join(dir, "missing.json")))
}

func TestStoppingAfterDriverExitIsNoOp(t *testing.T) {
	w := NewServerWorker(ServerContext{ID: "t", Testing: true, LogDir: t.TempDir()})

	// No driver spawned at all: stop and finish are both fine.
	require.NoError(t, w.OnEnter(mustState(serverWorkerSeq, ServerStopping)))
	require.True(t, w.ReadyToEnter(mustState(serverWorkerSeq, ServerDone)))

	// Driver spawned and already gone: a late stop command must not
	// disturb anything.
	handle, err := russula.StartProcess("/bin/sh", []string{"-c", "true"}, nil,
		filepath.Join(t.TempDir(), "drv.log"))
	require.NoError(t, err)
	w.handle = handle

	deadline := time.Now().Add(10 * time.Second)
	for !handle.Exited() {
		if time.Now().After(deadline) {
			t.Fatal("driver never exited")
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, w.OnEnter(mustState(serverWorkerSeq, ServerStopping)))
	require.True(t, w.ReadyToEnter(mustState(serverWorkerSeq, ServerDone)))
}

func TestClientDoneSurfacesAbnormalExit(t *testing.T) {
	w := NewClientWorker(ClientContext{ID: "t", Testing: true, LogDir: t.TempDir()})

	handle, err := russula.StartProcess("/bin/sh", []string{"-c", "exit 7"}, nil,
		filepath.Join(t.TempDir(), "drv.log"))
	require.NoError(t, err)
	w.handle = handle

	deadline := time.Now().Add(10 * time.Second)
	for !handle.Exited() {
		if time.Now().After(deadline) {
			t.Fatal("driver never exited")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err = w.OnEnter(mustState(clientWorkerSeq, ClientDone))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exited abnormally")
}

// startWorker runs a netbench worker on a loopback listener.
func startWorker(t *testing.T, ctx context.Context, proto russula.WorkerProtocol) (string, func() error) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	worker := russula.NewWorker(proto, listener.Addr().String(), rate.Every(5*time.Millisecond))

	errCh := make(chan error, 1)
	go func() {
		errCh <- worker.RunWithListener(ctx, listener)
	}()

	join := func() error {
		select {
		case err := <-errCh:
			return err
		case <-time.After(30 * time.Second):
			t.Fatal("worker did not finish")
			return nil
		}
	}

	return listener.Addr().String(), join
}

func coordConfig(peers ...string) russula.CoordinatorConfig {
	return russula.CoordinatorConfig{
		Peers:           peers,
		PollDelay:       10 * time.Millisecond,
		DialAttempts:    5,
		TransientBudget: 3,
		StateTimeout:    30 * time.Second,
	}
}

func TestServerProtocolFullRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	logDir := t.TempDir()
	w1 := NewServerWorker(ServerContext{ID: "s1", Testing: true, LogDir: logDir})
	w2 := NewServerWorker(ServerContext{ID: "s2", Testing: true, LogDir: logDir})

	addr1, join1 := startWorker(t, ctx, w1)
	addr2, join2 := startWorker(t, ctx, w2)

	proto := ServerCoordinator{}
	coord, err := russula.NewCoordinator(ctx, proto, coordConfig(addr1, addr2))
	require.NoError(t, err)
	defer coord.Close()

	require.NoError(t, coord.RunTillReady(ctx))
	require.NoError(t, coord.RunTillState(ctx, proto.WorkersRunningState(), nil))
	require.NoError(t, coord.RunTillDone(ctx))

	require.NoError(t, join1())
	require.NoError(t, join2())

	// Done implies the supervised drivers were spawned and stopped.
	require.NotNil(t, w1.handle)
	require.True(t, w1.handle.Exited())
	require.NotNil(t, w2.handle)
	require.True(t, w2.handle.Exited())
}

func TestClientProtocolSelfFinishes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	logDir := t.TempDir()
	w := NewClientWorker(ClientContext{ID: "c1", Testing: true, LogDir: logDir})

	addr, join := startWorker(t, ctx, w)

	coord, err := russula.NewCoordinator(ctx, ClientCoordinator{}, coordConfig(addr))
	require.NoError(t, err)
	defer coord.Close()

	require.NoError(t, coord.RunTillReady(ctx))

	// The worker launches its traffic load when commanded and reaches
	// Done by itself once the driver exits cleanly.
	require.NoError(t, coord.RunTillDone(ctx))
	require.NoError(t, join())

	require.NotNil(t, w.handle)
	require.NoError(t, w.handle.ExitErr())
}
