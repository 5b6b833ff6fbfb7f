package russula

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// fakeWorkerProto exercises the generic drivers without spawning real
// benchmark processes. Gates stand in for local preconditions.
type fakeWorkerProto struct {
	name       string
	allowReady atomic.Bool
	allowDone  atomic.Bool
	failOn     string

	mu      sync.Mutex
	entered map[string]int
	cleaned bool
}

func newFakeWorkerProto(name string) *fakeWorkerProto {
	p := &fakeWorkerProto{name: name, entered: make(map[string]int)}
	p.allowReady.Store(true)
	return p
}

func (p *fakeWorkerProto) Name() string { return p.name }

func (p *fakeWorkerProto) Sequence() Sequence { return testSequence() }

func (p *fakeWorkerProto) OnEnter(s State) error {
	p.mu.Lock()
	p.entered[s.Tag()]++
	p.mu.Unlock()

	if s.Tag() == p.failOn {
		return fmt.Errorf("induced failure entering %s", s.Tag())
	}
	return nil
}

func (p *fakeWorkerProto) ReadyToEnter(s State) bool {
	switch s.Tag() {
	case "Ready":
		return p.allowReady.Load()
	case "Done":
		return p.allowDone.Load()
	}
	return true
}

func (p *fakeWorkerProto) Cleanup() {
	p.mu.Lock()
	p.cleaned = true
	p.mu.Unlock()
}

func (p *fakeWorkerProto) enteredCount(tag string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entered[tag]
}

// fakeCoordProto drives fakeWorkerProto peers through the test sequence.
type fakeCoordProto struct{}

var fakeCoordSeq = NewSequence("test-coordinator", []StateSpec{
	{Tag: "Init", Step: StepSelfDriven},
	{Tag: "Ready", Step: StepSelfDriven},
	{Tag: "WorkersRunning", Step: StepSelfDriven},
	{Tag: "Done", Step: StepSelfDriven},
})

func (fakeCoordProto) Name() string { return "test-coordinator" }

func (fakeCoordProto) Sequence() Sequence { return fakeCoordSeq }

func (fakeCoordProto) WorkerSequence() Sequence { return testSequence() }

func (fakeCoordProto) ReadyState() State {
	s, _ := fakeCoordSeq.Lookup("Ready")
	return s
}

func (fakeCoordProto) DoneState() State {
	s, _ := fakeCoordSeq.Lookup("Done")
	return s
}

func (fakeCoordProto) WorkerTarget(coord State) State {
	workerTag := coord.Tag()
	if workerTag == "WorkersRunning" {
		workerTag = "Running"
	}

	s, err := testSequence().Lookup(workerTag)
	if err != nil {
		panic(err)
	}
	return s
}

// startTestWorker runs a worker on a loopback listener and returns its
// address plus a join function yielding the worker's exit error.
func startTestWorker(t *testing.T, ctx context.Context, proto WorkerProtocol) (string, func() error) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	worker := NewWorker(proto, listener.Addr().String(), rate.Every(5*time.Millisecond))

	errCh := make(chan error, 1)
	go func() {
		errCh <- worker.RunWithListener(ctx, listener)
	}()

	join := func() error {
		select {
		case err := <-errCh:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("worker did not finish")
			return nil
		}
	}

	return listener.Addr().String(), join
}

func testCoordinatorConfig(peers ...string) CoordinatorConfig {
	return CoordinatorConfig{
		Peers:           peers,
		PollDelay:       10 * time.Millisecond,
		DialAttempts:    5,
		TransientBudget: 3,
		StateTimeout:    10 * time.Second,
	}
}
