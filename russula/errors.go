package russula

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrNoData is returned by non-blocking receives when no complete message is
// buffered. It is not a failure, the caller should retry on the next tick.
var ErrNoData = errors.New("no message available")

// ErrPeerClosed is returned once the remote side has closed the connection.
// Workers use it to fail safe when the Coordinator aborts a run.
var ErrPeerClosed = errors.New("connection closed by peer")

// TransientError covers connection resets, timeouts and refusals. The caller
// may retry in place with bounded backoff; the connection is not torn down.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %s", e.Op, e.Err.Error())
}

func (e *TransientError) Unwrap() error { return e.Err }

// ProtocolViolationError covers malformed frames and unknown state tags.
// It is fatal for the connection and aborts the enclosing run, since it may
// indicate a version mismatch or a malicious peer.
type ProtocolViolationError struct {
	Peer   string
	Detail string
}

func (e *ProtocolViolationError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("protocol violation: %s", e.Detail)
	}
	return fmt.Sprintf("protocol violation from %s: %s", e.Peer, e.Detail)
}

// ProcessFailureError reports that a benchmark driver process failed to
// spawn or exited abnormally. It is surfaced to the Coordinator as the
// distinguished Failed state rather than silence.
type ProcessFailureError struct {
	Peer   string
	Detail string
}

func (e *ProcessFailureError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("benchmark process failure: %s", e.Detail)
	}
	return fmt.Sprintf("benchmark process failure on %s: %s", e.Peer, e.Detail)
}

// TimeoutError reports that a target state was not reached within the
// operator-set budget. Laggards names the worker addresses that had not
// reported the target state, to aid debugging.
type TimeoutError struct {
	Protocol string
	Target   string
	Laggards []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: workers did not reach state %s: %s",
		e.Protocol, e.Target, strings.Join(e.Laggards, ", "))
}

// WorkerUnreachableError reports a worker that could not be dialed within
// the connection attempt budget.
type WorkerUnreachableError struct {
	Addr string
	Err  error
}

func (e *WorkerUnreachableError) Error() string {
	return fmt.Sprintf("worker %s unreachable: %s", e.Addr, e.Err.Error())
}

func (e *WorkerUnreachableError) Unwrap() error { return e.Err }

// IsTransient reports whether the caller may retry the failed operation on
// the same connection.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// classifyNetError sorts raw stream errors into the retryable and fatal
// halves of the taxonomy. Resets, refusals, broken pipes and timeouts are
// transient; anything else on the wire is treated as fatal.
func classifyNetError(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ErrPeerClosed
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Op: op, Err: err}
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return &TransientError{Op: op, Err: err}
	}

	return &ProtocolViolationError{
		Detail: fmt.Sprintf("%s failed: %s", op, err.Error()),
	}
}
