package netbench

import (
	"fmt"

	"netbench-orchestrator/russula"
)

// Client protocol state tags. Clients terminate naturally once their
// workload completes, so the worker self-drives from Running to Done on
// process exit and the coordinator's Done barrier simply waits for that.
const (
	ClientInit    = "Init"
	ClientReady   = "Ready"
	ClientRunning = "Running"
	ClientDone    = "Done"
)

var clientCoordSeq = russula.NewSequence("netbench-client-coordinator", []russula.StateSpec{
	{Tag: ClientInit, Step: russula.StepSelfDriven},
	{Tag: ClientReady, Step: russula.StepSelfDriven},
	{Tag: ClientDone, Step: russula.StepSelfDriven},
})

var clientWorkerSeq = russula.NewSequence("netbench-client-worker", []russula.StateSpec{
	{Tag: ClientInit, Step: russula.StepSelfDriven},
	{Tag: ClientReady, Step: russula.StepSelfDriven},
	{Tag: ClientRunning, Step: russula.StepPeerDriven},
	{Tag: ClientDone, Step: russula.StepSelfDriven},
})

// ClientCoordinator is the coordinator role of the client protocol.
type ClientCoordinator struct{}

func (ClientCoordinator) Name() string { return "client-coordinator" }

func (ClientCoordinator) Sequence() russula.Sequence { return clientCoordSeq }

func (ClientCoordinator) WorkerSequence() russula.Sequence { return clientWorkerSeq }

func (ClientCoordinator) ReadyState() russula.State {
	return mustState(clientCoordSeq, ClientReady)
}

func (ClientCoordinator) DoneState() russula.State {
	return mustState(clientCoordSeq, ClientDone)
}

func (ClientCoordinator) WorkerTarget(coord russula.State) russula.State {
	switch coord.Tag() {
	case ClientInit:
		return mustState(clientWorkerSeq, ClientInit)
	case ClientReady:
		return mustState(clientWorkerSeq, ClientReady)
	case ClientDone:
		return mustState(clientWorkerSeq, ClientDone)
	}
	panic(fmt.Sprintf("no worker target for coordinator state %s", coord.Tag()))
}

// ClientWorker supervises one netbench client driver process.
type ClientWorker struct {
	ctx    ClientContext
	handle *russula.ProcessHandle
}

func NewClientWorker(ctx ClientContext) *ClientWorker {
	return &ClientWorker{ctx: ctx}
}

func (w *ClientWorker) Name() string { return "client-worker-" + w.ctx.ID }

func (w *ClientWorker) Sequence() russula.Sequence { return clientWorkerSeq }

func (w *ClientWorker) OnEnter(s russula.State) error {
	switch s.Tag() {
	case ClientReady:
		if w.ctx.Testing {
			return nil
		}
		return checkScenario(w.ctx.ScenarioPath)

	case ClientRunning:
		return w.startDriver()

	case ClientDone:
		// A client that died abnormally must not look like a clean
		// finish to the coordinator.
		if w.handle != nil {
			err := w.handle.ExitErr()
			if err != nil {
				return fmt.Errorf("client driver exited abnormally: %w", err)
			}
		}
		return nil
	}

	return nil
}

func (w *ClientWorker) startDriver() error {
	logPath := processLogPath(w.ctx.LogDir, w.Name())

	if w.ctx.Testing {
		name, args := testingCommand("0.2")
		handle, err := russula.StartProcess(name, args, nil, logPath)
		if err != nil {
			return err
		}
		w.handle = handle
		return nil
	}

	env := make([]string, 0, len(w.ctx.Servers))
	for i, server := range w.ctx.Servers {
		env = append(env, fmt.Sprintf("SERVER_%d=%s", i, server))
	}

	handle, err := spawnDriver(w.ctx.DriverPath, w.ctx.ScenarioPath, env, logPath)
	if err != nil {
		return err
	}
	w.handle = handle
	return nil
}

func (w *ClientWorker) ReadyToEnter(s russula.State) bool {
	if s.Tag() == ClientDone {
		return w.handle == nil || w.handle.Exited()
	}
	return true
}

func (w *ClientWorker) Cleanup() {
	if w.handle != nil {
		w.handle.Terminate()
	}
}

func mustState(seq russula.Sequence, tag string) russula.State {
	s, err := seq.Lookup(tag)
	if err != nil {
		panic(err)
	}
	return s
}
