package russula

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// CoordinatorProtocol defines one concrete Coordinator role: its own state
// sequence, the sequence of the Workers it drives, and the mapping from a
// coordinator state to the worker barrier state that realizes it. The driver
// below only ever uses ordering and the peer/self driven classification, so
// new benchmark protocols are added by defining new sequences, not by
// touching driver logic.
type CoordinatorProtocol interface {
	Name() string
	Sequence() Sequence
	WorkerSequence() Sequence

	// ReadyState is the coordinator state meaning every worker is
	// listening and the run may begin.
	ReadyState() State

	// DoneState is the terminal coordinator state.
	DoneState() State

	// WorkerTarget maps a coordinator state to the worker state all
	// managed peers must reach before the coordinator may enter it.
	WorkerTarget(coord State) State
}

// CoordinatorConfig carries the operator-set budgets for a coordinated run.
type CoordinatorConfig struct {
	// Peers lists the coordination endpoints of every worker, one
	// connection per address.
	Peers []string

	// PollDelay is the fixed cadence of the driver loop.
	PollDelay time.Duration

	// DialAttempts bounds connection retries per worker while the remote
	// process is still starting.
	DialAttempts uint

	// TransientBudget bounds in-place retries of transient stream errors
	// per connection before escalating to fatal.
	TransientBudget int

	// StateTimeout bounds each RunTillReady / RunTillState call.
	StateTimeout time.Duration
}

const (
	defaultPollDelay       = 1 * time.Second
	defaultDialAttempts    = 10
	defaultTransientBudget = 5
	defaultStateTimeout    = 5 * time.Minute
)

func (cfg *CoordinatorConfig) withDefaults() CoordinatorConfig {
	out := *cfg
	if out.PollDelay <= 0 {
		out.PollDelay = defaultPollDelay
	}
	if out.DialAttempts == 0 {
		out.DialAttempts = defaultDialAttempts
	}
	if out.TransientBudget <= 0 {
		out.TransientBudget = defaultTransientBudget
	}
	if out.StateTimeout <= 0 {
		out.StateTimeout = defaultStateTimeout
	}
	return out
}

// Coordinator fans out to N worker connections and advances them through
// the protocol's barriers. All connections are polled from a single driver
// loop; one slow peer never blocks progress on the others within a tick.
type Coordinator struct {
	proto  CoordinatorProtocol
	cfg    CoordinatorConfig
	conns  []*Connection
	state  State
	pacer  *rate.Limiter
	events EventRecorder
	log    *zap.Logger
}

// NewCoordinator dials every worker endpoint and returns a coordinator in
// its initial state. Dialing happens concurrently since workers start
// independently; a worker that stays unreachable past the attempt budget
// fails construction.
func NewCoordinator(ctx context.Context, proto CoordinatorProtocol, cfg CoordinatorConfig) (*Coordinator, error) {
	if len(cfg.Peers) == 0 {
		return nil, errors.New("coordinator needs at least one worker address")
	}
	cfg = cfg.withDefaults()

	conns := make([]*Connection, len(cfg.Peers))
	group, gctx := errgroup.WithContext(ctx)

	for i, addr := range cfg.Peers {
		i, addr := i, addr
		group.Go(func() error {
			conn, err := Dial(gctx, addr, proto.WorkerSequence(), cfg.DialAttempts, cfg.PollDelay)
			if err != nil {
				return err
			}
			conns[i] = conn
			return nil
		})
	}

	err := group.Wait()
	if err != nil {
		for _, conn := range conns {
			if conn != nil {
				conn.Close()
			}
		}
		return nil, err
	}

	return &Coordinator{
		proto: proto,
		cfg:   cfg,
		conns: conns,
		state: proto.Sequence().First(),
		pacer: rate.NewLimiter(rate.Every(cfg.PollDelay), 1),
		log:   zap.L().Named(proto.Name()),
	}, nil
}

// State returns the coordinator's own current state.
func (c *Coordinator) State() State { return c.state }

// Events returns a snapshot of the protocol activity counters.
func (c *Coordinator) Events() EventRecorder { return c.events }

// PeerStates returns the last confirmed state per worker address.
func (c *Coordinator) PeerStates() map[string]State {
	out := make(map[string]State, len(c.conns))
	for _, conn := range c.conns {
		out[conn.Addr()] = conn.PeerState()
	}
	return out
}

// RunTillReady polls every connection until each worker reports a state at
// or past the protocol's ready state.
func (c *Coordinator) RunTillReady(ctx context.Context) error {
	return c.RunTillState(ctx, c.proto.ReadyState(), nil)
}

// RunTillDone drives the protocol to its terminal state.
func (c *Coordinator) RunTillDone(ctx context.Context) error {
	return c.RunTillState(ctx, c.proto.DoneState(), nil)
}

// RunTillState advances the run until every worker reports a state at or
// past the barrier for target. Peer driven barriers are commanded with
// Transition messages, self driven ones are merely re-polled. onTick, when
// non-nil, runs once per polling cycle so callers can interleave unrelated
// local work between stages. The barrier is all-or-nothing: partial
// progress is never surfaced as success.
func (c *Coordinator) RunTillState(ctx context.Context, target State, onTick func()) error {
	target, err := c.proto.Sequence().Lookup(target.Tag())
	if err != nil {
		return err
	}
	if c.state.AtOrPast(target) {
		return nil
	}

	workerTarget := c.proto.WorkerTarget(target)
	deadline := time.Now().Add(c.cfg.StateTimeout)

	c.log.Info("driving workers to state",
		zap.String("target", target.Tag()),
		zap.String("worker_target", workerTarget.Tag()))

	for {
		if onTick != nil {
			onTick()
		}

		allAt := true
		for _, conn := range c.conns {
			if conn.PeerState().AtOrPast(workerTarget) {
				continue
			}
			allAt = false

			err := c.pollConn(conn, workerTarget)
			if err != nil {
				c.abort()
				return err
			}
		}

		if allAt {
			break
		}

		if time.Now().After(deadline) {
			timeout := &TimeoutError{
				Protocol: c.proto.Name(),
				Target:   workerTarget.Tag(),
				Laggards: c.laggards(workerTarget),
			}
			c.log.Error("state barrier timed out", zap.Error(timeout))
			c.abort()
			return timeout
		}

		err := c.pacer.Wait(ctx)
		if err != nil {
			c.abort()
			return err
		}
	}

	c.advanceTo(target)
	return nil
}

// pollConn runs one non-blocking exchange with a single worker: drain any
// pending reports, query the current state and, when the barrier requires a
// peer driven advance, command it. Transient failures are retried in place
// on later ticks until the per-connection budget runs out.
func (c *Coordinator) pollConn(conn *Connection, workerTarget State) error {
	err := c.drainReports(conn)
	if err == nil {
		err = c.sendCommands(conn, workerTarget)
	}

	if err == nil {
		conn.ClearTransient()
		return nil
	}

	if IsTransient(err) {
		if conn.RecordTransient(c.cfg.TransientBudget) {
			c.log.Debug("transient failure, will retry",
				zap.String("addr", conn.Addr()),
				zap.Error(err))
			return nil
		}
		c.log.Error("transient retry budget exhausted",
			zap.String("addr", conn.Addr()),
			zap.Error(err))
		return &WorkerUnreachableError{Addr: conn.Addr(), Err: err}
	}

	c.log.Error("fatal failure on worker connection",
		zap.String("addr", conn.Addr()),
		zap.Error(err))

	if errors.Is(err, ErrPeerClosed) {
		return &WorkerUnreachableError{Addr: conn.Addr(), Err: err}
	}
	return err
}

func (c *Coordinator) drainReports(conn *Connection) error {
	for {
		m, err := conn.TryRecv()
		if errors.Is(err, ErrNoData) {
			return nil
		}
		if err != nil {
			return err
		}
		c.events.recordRecv()

		switch m.Kind {
		case KindStateReport:
			if m.State == FailedTag {
				return &ProcessFailureError{Peer: conn.Addr(), Detail: m.Detail}
			}
			err = conn.ObserveState(m.State)
			if err != nil {
				return err
			}
		case KindAck:
			// Duplicate acks are expected under retry.
		default:
			return &ProtocolViolationError{
				Peer:   conn.Addr(),
				Detail: fmt.Sprintf("unexpected %s from worker", m.Kind),
			}
		}
	}
}

func (c *Coordinator) sendCommands(conn *Connection, workerTarget State) error {
	err := conn.Send(Message{Kind: KindStateQuery})
	if err != nil {
		return err
	}
	c.events.recordSend()

	workerSeq := c.proto.WorkerSequence()
	_, peerDriven := workerSeq.NextPeerDriven(conn.PeerState(), workerTarget)
	if !peerDriven {
		return nil
	}

	// Safe to resend: a transition whose target is at or below the
	// worker's current state is a no-op on the worker side.
	err = conn.Send(Message{Kind: KindTransition, State: workerTarget.Tag()})
	if err != nil {
		return err
	}
	c.events.recordSend()

	return nil
}

func (c *Coordinator) laggards(workerTarget State) []string {
	var out []string
	for _, conn := range c.conns {
		if !conn.PeerState().AtOrPast(workerTarget) {
			out = append(out, fmt.Sprintf("%s (at %s)", conn.Addr(), conn.PeerState().Tag()))
		}
	}
	return out
}

func (c *Coordinator) advanceTo(target State) {
	seq := c.proto.Sequence()
	for !c.state.AtOrPast(target) {
		c.state = seq.Next(c.state)
		c.events.recordTransition()
	}
	c.log.Info("reached state", zap.String("state", c.state.Tag()))
}

// abort closes every connection. A distributed benchmark run has no
// meaningful partial-success outcome, so a fatal error on one worker tears
// the whole run down; the surviving workers detect the close and fail safe.
func (c *Coordinator) abort() {
	for _, conn := range c.conns {
		conn.Close()
	}
}

// Close terminates all worker connections without waiting for them to reach
// a terminal state.
func (c *Coordinator) Close() {
	c.abort()
}
