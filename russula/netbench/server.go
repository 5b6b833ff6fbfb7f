package netbench

import (
	"fmt"

	"netbench-orchestrator/russula"
)

// Server protocol state tags. The coordinator's WorkersRunning barrier is
// realized by commanding every worker into Running, so traffic generation
// starts close to simultaneously across hosts. Done explicitly stops the
// servers, which would otherwise host traffic forever.
const (
	ServerInit           = "Init"
	ServerReady          = "Ready"
	ServerWorkersRunning = "WorkersRunning"
	ServerRunning        = "Running"
	ServerStopping       = "Stopping"
	ServerDone           = "Done"
)

var serverCoordSeq = russula.NewSequence("netbench-server-coordinator", []russula.StateSpec{
	{Tag: ServerInit, Step: russula.StepSelfDriven},
	{Tag: ServerReady, Step: russula.StepSelfDriven},
	{Tag: ServerWorkersRunning, Step: russula.StepSelfDriven},
	{Tag: ServerDone, Step: russula.StepSelfDriven},
})

var serverWorkerSeq = russula.NewSequence("netbench-server-worker", []russula.StateSpec{
	{Tag: ServerInit, Step: russula.StepSelfDriven},
	{Tag: ServerReady, Step: russula.StepSelfDriven},
	{Tag: ServerRunning, Step: russula.StepPeerDriven},
	{Tag: ServerStopping, Step: russula.StepPeerDriven},
	{Tag: ServerDone, Step: russula.StepSelfDriven},
})

// ServerCoordinator is the coordinator role of the server protocol.
type ServerCoordinator struct{}

func (ServerCoordinator) Name() string { return "server-coordinator" }

func (ServerCoordinator) Sequence() russula.Sequence { return serverCoordSeq }

func (ServerCoordinator) WorkerSequence() russula.Sequence { return serverWorkerSeq }

func (ServerCoordinator) ReadyState() russula.State {
	return mustState(serverCoordSeq, ServerReady)
}

func (ServerCoordinator) DoneState() russula.State {
	return mustState(serverCoordSeq, ServerDone)
}

// WorkersRunningState is the barrier after which every server worker hosts
// benchmark traffic.
func (ServerCoordinator) WorkersRunningState() russula.State {
	return mustState(serverCoordSeq, ServerWorkersRunning)
}

func (ServerCoordinator) WorkerTarget(coord russula.State) russula.State {
	switch coord.Tag() {
	case ServerInit:
		return mustState(serverWorkerSeq, ServerInit)
	case ServerReady:
		return mustState(serverWorkerSeq, ServerReady)
	case ServerWorkersRunning:
		return mustState(serverWorkerSeq, ServerRunning)
	case ServerDone:
		return mustState(serverWorkerSeq, ServerDone)
	}
	panic(fmt.Sprintf("no worker target for coordinator state %s", coord.Tag()))
}

// ServerWorker supervises one netbench server driver process. Running and
// Stopping are peer driven; the worker only reaches Done by observing its
// child exit after the stop signal.
type ServerWorker struct {
	ctx    ServerContext
	handle *russula.ProcessHandle
}

func NewServerWorker(ctx ServerContext) *ServerWorker {
	return &ServerWorker{ctx: ctx}
}

func (w *ServerWorker) Name() string { return "server-worker-" + w.ctx.ID }

func (w *ServerWorker) Sequence() russula.Sequence { return serverWorkerSeq }

func (w *ServerWorker) OnEnter(s russula.State) error {
	switch s.Tag() {
	case ServerReady:
		if w.ctx.Testing {
			return nil
		}
		return checkScenario(w.ctx.ScenarioPath)

	case ServerRunning:
		return w.startDriver()

	case ServerStopping:
		// Already-exited children make this a no-op, so a duplicate
		// or late stop command is harmless.
		if w.handle != nil {
			w.handle.Terminate()
		}
		return nil
	}

	return nil
}

func (w *ServerWorker) startDriver() error {
	logPath := processLogPath(w.ctx.LogDir, w.Name())

	if w.ctx.Testing {
		name, args := testingCommand("600")
		handle, err := russula.StartProcess(name, args, nil, logPath)
		if err != nil {
			return err
		}
		w.handle = handle
		return nil
	}

	env := []string{fmt.Sprintf("PORT=%d", w.ctx.NetbenchPort)}
	handle, err := spawnDriver(w.ctx.DriverPath, w.ctx.ScenarioPath, env, logPath)
	if err != nil {
		return err
	}
	w.handle = handle
	return nil
}

func (w *ServerWorker) ReadyToEnter(s russula.State) bool {
	if s.Tag() == ServerDone {
		return w.handle == nil || w.handle.Exited()
	}
	return true
}

func (w *ServerWorker) Cleanup() {
	if w.handle != nil {
		w.handle.Terminate()
	}
}
