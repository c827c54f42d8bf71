package duplex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// errOpDeadline is the context cause set when a configured operation timeout elapses.
var errOpDeadline = errors.New("operation deadline exceeded")

// withOpTimeout bounds ctx by the configured timeout of one operation. The
// deadline covers the whole operation, serializer wait included.
func withOpTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, timeout, errOpDeadline)
}

// waitError classifies a failed serializer wait. The configured deadline is a
// timeout; anything else is the caller's cancellation and is returned untouched.
func waitError(ctx context.Context, op string, timeout time.Duration) error {
	if errors.Is(context.Cause(ctx), errOpDeadline) {
		return &TimeoutError{Op: op, Duration: timeout}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// ioError classifies a failure raised while transport I/O was in progress.
// Context expiry of any kind surfaces as a timeout at this layer.
func ioError(ctx context.Context, op string, timeout time.Duration, err error) error {
	var (
		te *TimeoutError
		fe *FaultedError
		ce *CommunicationError
		ne *NotOpenError
	)
	switch {
	case errors.As(err, &fe), errors.As(err, &ce), errors.As(err, &ne):
		return err
	case errors.As(err, &te), ctx.Err() != nil:
		return &TimeoutError{Op: op, Duration: timeout}
	default:
		return &CommunicationError{Op: op, Err: err}
	}
}

// deadlineStream is a byte stream with native per-call timeouts, such as net.Conn.
type deadlineStream interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// TimeoutGuard bounds a sequence of reads and writes on a stream by one overall
// deadline. The deadline is fixed when the guard is built and is not refreshed
// per call.
type TimeoutGuard struct {
	stream   deadlineStream
	timeout  time.Duration
	deadline time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	expired  bool
	released bool
	reading  bool // a read deadline was armed
	writing  bool // a write deadline was armed
}

// NewTimeoutGuard wraps stream so that every call on it ends by now+timeout.
// A non-positive timeout means no deadline. It fails with ErrTimeoutUnsupported,
// without touching the stream, when stream has no native deadlines.
func NewTimeoutGuard(stream io.ReadWriter, timeout time.Duration, clk clock.Clock) (*TimeoutGuard, error) {
	ds, ok := stream.(deadlineStream)
	if !ok {
		return nil, fmt.Errorf("%T: %w", stream, ErrTimeoutUnsupported)
	}
	if clk == nil {
		clk = clock.New()
	}

	g := &TimeoutGuard{stream: ds, timeout: timeout}
	if timeout > 0 {
		g.deadline = clk.Now().Add(timeout)
		g.ctx, g.cancel = clk.WithDeadline(context.Background(), g.deadline)
	} else {
		g.ctx, g.cancel = context.WithCancel(context.Background())
	}
	return g, nil
}

// Deadline returns the absolute deadline, zero when unbounded.
func (g *TimeoutGuard) Deadline() time.Time {
	return g.deadline
}

// Context returns a context that ends at the guard's deadline, so that
// context-driven collaborators observe the same bound as direct reads and writes.
func (g *TimeoutGuard) Context() context.Context {
	return g.ctx
}

// Bind expires the guard as soon as ctx is done, unblocking any call in flight.
// The returned func detaches ctx again.
func (g *TimeoutGuard) Bind(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, g.expire)
}

// Release frees the guard's context resources. A bound context that ends
// afterwards no longer touches the stream.
func (g *TimeoutGuard) Release() {
	g.mu.Lock()
	g.released = true
	g.mu.Unlock()
	g.cancel()
}

func (g *TimeoutGuard) Read(p []byte) (int, error) {
	if err := g.arm(&g.reading, g.stream.SetReadDeadline); err != nil {
		return 0, err
	}
	n, err := g.stream.Read(p)
	return n, g.mapErr("read", err)
}

func (g *TimeoutGuard) Write(p []byte) (int, error) {
	if err := g.arm(&g.writing, g.stream.SetWriteDeadline); err != nil {
		return 0, err
	}
	n, err := g.stream.Write(p)
	return n, g.mapErr("write", err)
}

func (g *TimeoutGuard) arm(armed *bool, set func(time.Time) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.expired {
		return &TimeoutError{Op: "stream", Duration: g.timeout}
	}
	*armed = true
	return set(g.deadline)
}

// expire cuts short only the directions this guard drove, so a read guard
// never disturbs a write in flight on the same stream.
func (g *TimeoutGuard) expire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.expired = true
	past := time.Unix(1, 0)
	if g.reading {
		_ = g.stream.SetReadDeadline(past)
	}
	if g.writing {
		_ = g.stream.SetWriteDeadline(past)
	}
	g.cancel()
}

func (g *TimeoutGuard) mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &TimeoutError{Op: op, Duration: g.timeout}
	}
	return err
}
