package russula

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WorkerProtocol defines one concrete Worker role: its state sequence and
// the side effects attached to entering each state. The driver only uses
// ordering and the peer/self driven classification.
type WorkerProtocol interface {
	Name() string
	Sequence() Sequence

	// OnEnter runs the transition action for a state, exactly once on
	// first entry. An error is a process failure: the worker reports the
	// distinguished Failed state instead of advancing.
	OnEnter(s State) error

	// ReadyToEnter is the local precondition for advancing into a self
	// driven state, e.g. "the benchmark process has exited".
	ReadyToEnter(s State) bool

	// Cleanup releases anything the protocol still holds, notably a
	// supervised child process. Called when the run ends or the
	// coordinator connection is lost.
	Cleanup()
}

// How many times the final state report is re-sent before the worker exits.
// The coordinator may have torn the connection down already, so this is
// best effort.
const doneNotifyCount = 3

// Worker accepts a single Coordinator connection and executes the side
// effects of its protocol's states, reporting its current state on request.
type Worker struct {
	proto      WorkerProtocol
	listenAddr string
	state      State
	desired    State
	conn       *Connection
	pacer      *rate.Limiter
	events     EventRecorder
	log        *zap.Logger
}

// NewWorker returns a worker driver listening for its coordinator on
// listenAddr once Run is called.
func NewWorker(proto WorkerProtocol, listenAddr string, pollDelay rate.Limit) *Worker {
	seq := proto.Sequence()

	return &Worker{
		proto:      proto,
		listenAddr: listenAddr,
		state:      seq.First(),
		desired:    seq.First(),
		pacer:      rate.NewLimiter(pollDelay, 1),
		log:        zap.L().Named(proto.Name()),
	}
}

// State returns the worker's current protocol state.
func (w *Worker) State() State { return w.state }

// Events returns a snapshot of the protocol activity counters.
func (w *Worker) Events() EventRecorder { return w.events }

// Run binds the coordination port, accepts one Coordinator and loops until
// the terminal state is reached or the run is aborted. When the coordinator
// connection is lost mid-run the worker fails safe: the supervised process
// is terminated rather than orphaned.
func (w *Worker) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", w.listenAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", w.listenAddr, err)
	}

	return w.RunWithListener(ctx, listener)
}

// RunWithListener is Run on an already bound listener.
func (w *Worker) RunWithListener(ctx context.Context, listener net.Listener) error {
	w.log.Info("worker listening", zap.String("addr", listener.Addr().String()))

	// The worker's own sequence validates Transition targets; the
	// coordinator never reports states of its own.
	conn, err := AcceptOne(ctx, listener, w.proto.Sequence())
	if err != nil {
		listener.Close()
		return err
	}
	w.conn = conn

	defer func() {
		w.proto.Cleanup()
		conn.Close()
		listener.Close()
	}()

	// Handshake done: the initial state's successor is self driven for
	// every protocol, entering it tells the coordinator we exist.
	err = w.loop(ctx)
	if err != nil {
		w.log.Error("worker run failed", zap.Error(err))
		return err
	}

	w.log.Info("worker done", zap.String("state", w.state.Tag()))
	return nil
}

func (w *Worker) loop(ctx context.Context) error {
	var failure error

	for {
		err := w.serveMessages(&failure)
		switch {
		case err == nil:
		case IsTransient(err):
			w.log.Debug("transient stream failure, retrying", zap.Error(err))
		case errors.Is(err, ErrPeerClosed):
			if w.state.Terminal() {
				return nil
			}
			if failure != nil {
				return failure
			}
			return fmt.Errorf("coordinator went away at state %s: %w", w.state.Tag(), err)
		default:
			return err
		}

		if failure == nil {
			err = w.advance(&failure)
			switch {
			case err == nil:
			case IsTransient(err):
				// The state change is already committed; the report is
				// re-sent on the next query anyway.
				w.log.Debug("transient report failure, retrying", zap.Error(err))
			case errors.Is(err, ErrPeerClosed):
				if w.state.Terminal() {
					return nil
				}
				return fmt.Errorf("coordinator went away at state %s: %w", w.state.Tag(), err)
			default:
				return err
			}
		}

		if w.state.Terminal() {
			return w.notifyDone()
		}

		err = w.pacer.Wait(ctx)
		if err != nil {
			return err
		}
	}
}

// serveMessages drains everything the coordinator has sent this tick.
// State queries are answered with the current state, or with Failed once a
// side effect has failed. Transition targets only ever raise the desired
// state; duplicates and stale targets are no-ops.
func (w *Worker) serveMessages(failure *error) error {
	for {
		m, err := w.conn.TryRecv()
		if errors.Is(err, ErrNoData) {
			return nil
		}
		if err != nil {
			return err
		}
		w.events.recordRecv()

		switch m.Kind {
		case KindStateQuery:
			err = w.sendReport(*failure)
		case KindTransition:
			err = w.acceptTransition(m.State)
		default:
			return &ProtocolViolationError{
				Peer:   w.conn.Addr(),
				Detail: fmt.Sprintf("unexpected %s from coordinator", m.Kind),
			}
		}
		if err != nil {
			return err
		}
	}
}

func (w *Worker) sendReport(failure error) error {
	m := Message{Kind: KindStateReport, State: w.state.Tag()}
	if failure != nil {
		m.State = FailedTag
		m.Detail = failure.Error()
	}

	err := w.conn.Send(m)
	if err != nil {
		return err
	}
	w.events.recordSend()
	return nil
}

func (w *Worker) acceptTransition(tag string) error {
	target, err := w.proto.Sequence().Lookup(tag)
	if err != nil {
		return err
	}

	if target.AtOrPast(w.desired) {
		w.desired = target
	}

	err = w.conn.Send(Message{Kind: KindAck, State: tag})
	if err != nil {
		return err
	}
	w.events.recordSend()
	return nil
}

// advance walks the sequence as far as currently permitted: peer driven
// states need the coordinator's desired target to cover them, self driven
// states need their local precondition. Each entered state's side effect
// runs exactly once.
func (w *Worker) advance(failure *error) error {
	seq := w.proto.Sequence()

	for !w.state.Terminal() {
		next := seq.Next(w.state)

		if next.Step() == StepPeerDriven && !w.desired.AtOrPast(next) {
			return nil
		}
		if next.Step() == StepSelfDriven && !w.proto.ReadyToEnter(next) {
			return nil
		}

		err := w.proto.OnEnter(next)
		if err != nil {
			w.log.Error("transition action failed",
				zap.String("state", next.Tag()),
				zap.Error(err))
			*failure = err
			return nil
		}

		w.log.Info("entered state",
			zap.String("from", w.state.Tag()),
			zap.String("to", next.Tag()))

		w.state = next
		w.events.recordTransition()

		err = w.sendReport(nil)
		if err != nil {
			return err
		}
	}

	return nil
}

// notifyDone re-sends the terminal state report a few times in case of
// loss; network failures here are ignored since the coordinator may already
// have closed its side.
func (w *Worker) notifyDone() error {
	for i := 0; i < doneNotifyCount; i++ {
		err := w.sendReport(nil)
		if err != nil && !IsTransient(err) && !errors.Is(err, ErrPeerClosed) {
			return err
		}
	}
	return nil
}
