package russula

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"go.uber.org/zap"
)

// How long TryRecv waits for the first byte of a frame before reporting
// ErrNoData. Short enough that one polling tick never stalls on a silent
// peer.
const recvProbeTimeout = 20 * time.Millisecond

// Once a length prefix has arrived the rest of the frame should follow
// immediately; a longer deadline here only covers delivery jitter.
const frameBodyTimeout = 2 * time.Second

const sendTimeout = 5 * time.Second

// Connection owns one physical TCP session with a peer. It tracks the last
// confirmed state of the remote role and enforces that the observation never
// moves backward. The stream is exclusively owned by the managing driver
// task; Connection itself does no locking.
type Connection struct {
	addr      string
	conn      net.Conn
	peerSeq   Sequence
	peerState State
	retries   int
}

// Dial connects to a worker's coordination endpoint. The remote worker
// process may still be starting, so refusals and timeouts are retried with
// bounded linear backoff before the worker is declared unreachable.
func Dial(ctx context.Context, addr string, peerSeq Sequence, attempts uint, delay time.Duration) (*Connection, error) {
	var conn net.Conn

	dialer := net.Dialer{Timeout: delay}

	err := retry.Retry(func(attempt uint) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			zap.L().Debug("dial attempt failed",
				zap.String("addr", addr),
				zap.Uint("attempt", attempt),
				zap.Error(err))
			return err
		}

		conn = c
		return nil
	}, strategy.Limit(attempts), strategy.Backoff(backoff.Linear(delay)))

	if err != nil {
		return nil, &WorkerUnreachableError{Addr: addr, Err: err}
	}

	zap.L().Info("connected to worker", zap.String("addr", addr))

	return newConnection(conn, peerSeq), nil
}

// AcceptOne binds the listener address once and accepts exactly one
// Coordinator connection. Any later connection attempt on the same port is
// closed immediately: a worker serves one coordinator per run.
func AcceptOne(ctx context.Context, listener net.Listener, peerSeq Sequence) (*Connection, error) {
	type result struct {
		conn net.Conn
		err  error
	}

	accepted := make(chan result, 1)
	go func() {
		c, err := listener.Accept()
		accepted <- result{conn: c, err: err}
	}()

	select {
	case <-ctx.Done():
		listener.Close()
		// Accept may have raced the cancellation; reap whatever the
		// closed listener hands back so no connection leaks.
		if r := <-accepted; r.conn != nil {
			r.conn.Close()
		}
		return nil, ctx.Err()
	case r := <-accepted:
		if r.err != nil {
			return nil, classifyNetError("accept", r.err)
		}

		go rejectFurtherConns(listener)

		zap.L().Info("coordinator connected",
			zap.String("peer", r.conn.RemoteAddr().String()))

		return newConnection(r.conn, peerSeq), nil
	}
}

func rejectFurtherConns(listener net.Listener) {
	for {
		c, err := listener.Accept()
		if err != nil {
			return
		}
		zap.L().Warn("rejecting extra coordinator connection",
			zap.String("peer", c.RemoteAddr().String()))
		c.Close()
	}
}

func newConnection(conn net.Conn, peerSeq Sequence) *Connection {
	return &Connection{
		addr:      conn.RemoteAddr().String(),
		conn:      conn,
		peerSeq:   peerSeq,
		peerState: peerSeq.First(),
	}
}

func (c *Connection) Addr() string { return c.addr }

// PeerState returns the last confirmed state of the remote role.
func (c *Connection) PeerState() State { return c.peerState }

// Send writes one framed message. Transient write failures leave the
// connection usable for a retry on a later tick.
func (c *Connection) Send(m Message) error {
	frame, err := EncodeMessage(m)
	if err != nil {
		return err
	}

	err = c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if err != nil {
		return classifyNetError("send", err)
	}

	_, err = c.conn.Write(frame)
	if err != nil {
		return classifyNetError("send", err)
	}

	return nil
}

// TryRecv attempts to read one message without suspending the caller past a
// polling tick. It returns ErrNoData when the peer has sent nothing, so the
// driver loop can visit its other connections.
func (c *Connection) TryRecv() (Message, error) {
	err := c.conn.SetReadDeadline(time.Now().Add(recvProbeTimeout))
	if err != nil {
		return Message{}, classifyNetError("recv", err)
	}

	var prefix [framePrefixLen]byte
	n, err := io.ReadFull(c.conn, prefix[:])
	if err != nil {
		if n == 0 && isTimeout(err) {
			return Message{}, ErrNoData
		}
		if n > 0 && isTimeout(err) {
			// A torn length prefix means the stream framing is no
			// longer trustworthy.
			return Message{}, &ProtocolViolationError{
				Peer:   c.addr,
				Detail: "partial frame prefix",
			}
		}
		return Message{}, classifyNetError("recv", err)
	}

	bodyLen := binary.BigEndian.Uint16(prefix[:])
	if bodyLen == 0 || bodyLen > maxFrameLen {
		return Message{}, &ProtocolViolationError{
			Peer:   c.addr,
			Detail: fmt.Sprintf("invalid frame length %d", bodyLen),
		}
	}

	err = c.conn.SetReadDeadline(time.Now().Add(frameBodyTimeout))
	if err != nil {
		return Message{}, classifyNetError("recv", err)
	}

	body := make([]byte, bodyLen)
	_, err = io.ReadFull(c.conn, body)
	if err != nil {
		if isTimeout(err) {
			return Message{}, &ProtocolViolationError{
				Peer:   c.addr,
				Detail: fmt.Sprintf("truncated frame: got fewer than %d bytes", bodyLen),
			}
		}
		return Message{}, classifyNetError("recv", err)
	}

	m, err := DecodeMessage(body)
	if err != nil {
		var violation *ProtocolViolationError
		if ok := asViolation(err, &violation); ok {
			violation.Peer = c.addr
		}
		return Message{}, err
	}

	return m, nil
}

// ObserveState records a state tag reported by the peer. Observations are
// monotonic: a report of an earlier state is a stale duplicate and is
// ignored rather than moving the peer backward.
func (c *Connection) ObserveState(tag string) error {
	state, err := c.peerSeq.Lookup(tag)
	if err != nil {
		var violation *ProtocolViolationError
		if ok := asViolation(err, &violation); ok {
			violation.Peer = c.addr
		}
		return err
	}

	if state.AtOrPast(c.peerState) {
		c.peerState = state
	}

	return nil
}

// RecordTransient bumps the per-connection retry counter and reports
// whether the budget still allows retrying in place.
func (c *Connection) RecordTransient(budget int) bool {
	c.retries++
	return c.retries <= budget
}

// ClearTransient resets the retry counter after a successful exchange.
func (c *Connection) ClearTransient() { c.retries = 0 }

func (c *Connection) Close() error {
	return c.conn.Close()
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

func asViolation(err error, target **ProtocolViolationError) bool {
	v, ok := err.(*ProtocolViolationError)
	if ok {
		*target = v
	}
	return ok
}
