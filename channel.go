// Package duplex provides a duplex session channel for connection-oriented
// message transports. A Channel carries an output session and an input session
// over one physical connection: sends are serialized in acceptance order,
// receives are serialized independently of sends, either session can end on
// its own, and any failure faults the channel for good.
package duplex

import (
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
)

// Openable is implemented by objects with an explicit open handshake.
type Openable interface {
	Open(ctx context.Context) error
}

// Sendable is implemented by objects that send messages.
type Sendable interface {
	Send(ctx context.Context, message Message) error
}

// Receivable is implemented by objects that receive messages.
type Receivable interface {
	Receive(ctx context.Context) (Message, error)
	WaitForMessage(ctx context.Context) (bool, error)
}

// SessionClosable is implemented by objects whose output session can end
// independently of the object itself.
type SessionClosable interface {
	CloseOutputSession(ctx context.Context) error
	Close(ctx context.Context) error
	Abort()
}

var (
	_ Openable        = (*Channel)(nil)
	_ Sendable        = (*Channel)(nil)
	_ Receivable      = (*Channel)(nil)
	_ SessionClosable = (*Channel)(nil)
)

// transportOpener is implemented by transports with their own open handshake.
type transportOpener interface {
	Open(ctx context.Context) error
}

// addresser is implemented by transports that know their endpoints.
type addresser interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Channel is a duplex session channel. It is safe for concurrent use: any
// number of goroutines may Send and Receive at the same time.
type Channel struct {
	sm        *StateMachine
	transport Transport
	source    MessageSource
	session   *Session
	logger    Logger
	opts      options

	sendLock    *serializer
	receiveLock *serializer

	// sessionMu guards the session flags. It is never held while waiting on a
	// serializer, so a Close blocked behind a Send cannot stall a Receive.
	sessionMu           sync.Mutex
	outputSessionClosed bool
	inputSessionClosed  bool

	reclaimOnce sync.Once
	counted     atomic.Bool
}

// NewChannel creates a channel writing to transport and reading from source.
// The codec option is required. The channel starts in StateCreated.
func NewChannel(transport Transport, source MessageSource, opt ...Option) (*Channel, error) {
	if transport == nil || source == nil {
		return nil, ErrInvalidTransport
	}

	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}

	if opts.reclaimer == nil {
		opts.reclaimer = closeReclaimer(transport, source, opts.logger)
	}

	c := &Channel{
		transport:   transport,
		source:      source,
		logger:      opts.logger,
		opts:        opts,
		sendLock:    newSerializer("send"),
		receiveLock: newSerializer("receive"),
	}
	c.session = newSession(opts.idGenerator, c)
	c.sm = NewStateMachine(Hooks{
		Open:  c.onOpen,
		Close: c.onClose,
		Abort: c.onAbort,
		Fault: c.onFault,
	}, opts.openTimeout, opts.closeTimeout)

	return c, nil
}

// closeReclaimer closes the transport and source whatever the outcome; it is
// used when no pool takes the connection back.
func closeReclaimer(transport Transport, source MessageSource, logger Logger) Reclaimer {
	return ReclaimerFunc(func(abort bool) {
		var err error
		if c, ok := transport.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
		if c, ok := source.(io.Closer); ok && !sameEndpoint(transport, source) {
			err = multierr.Append(err, c.Close())
		}
		if err != nil {
			logger.Debug("close transport", "abort", abort, "error", err)
		}
	})
}

// sameEndpoint reports whether transport and source are the same pointer.
// Values of other kinds are never compared, since they may not be comparable.
func sameEndpoint(transport Transport, source MessageSource) bool {
	tv, sv := reflect.ValueOf(transport), reflect.ValueOf(source)
	if tv.Kind() != reflect.Pointer || sv.Kind() != reflect.Pointer || tv.Type() != sv.Type() {
		return false
	}
	return tv.Pointer() == sv.Pointer()
}

// State returns the channel's lifecycle state.
func (c *Channel) State() State {
	return c.sm.State()
}

// Session returns the session carried by the channel.
func (c *Channel) Session() *Session {
	return c.session
}

// LocalAddr returns the local endpoint, or nil if the transport does not know it.
func (c *Channel) LocalAddr() net.Addr {
	if a, ok := c.transport.(addresser); ok {
		return a.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the remote endpoint, or nil if the transport does not know it.
func (c *Channel) RemoteAddr() net.Addr {
	if a, ok := c.transport.(addresser); ok {
		return a.RemoteAddr()
	}
	return nil
}

// IsOutputSessionClosed reports whether the local output session has ended.
func (c *Channel) IsOutputSessionClosed() bool {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.outputSessionClosed
}

// IsInputSessionClosed reports whether the peer's output session has ended.
func (c *Channel) IsInputSessionClosed() bool {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.inputSessionClosed
}

// Open opens the channel.
func (c *Channel) Open(ctx context.Context) error {
	return c.sm.Open(ctx)
}

// Close ends the output session, marks the input session closed and moves the
// channel to StateClosed. Unless DrainOnCloseOption is set, the input session
// is closed locally without waiting for the peer. Closing twice is a no-op.
func (c *Channel) Close(ctx context.Context) error {
	return c.sm.Close(ctx)
}

// Abort tears the channel down at once and discards the connection. It never fails.
func (c *Channel) Abort() {
	c.sm.Abort()
}

// Fault moves the channel to StateFaulted. Every later operation fails with a
// *FaultedError wrapping err.
func (c *Channel) Fault(err error) {
	c.sm.Fault(err)
}

// Send encodes message and writes it to the transport. Concurrent sends are
// written whole, in the order they acquired the send serializer.
//
// A transport failure faults the channel and is returned as a
// *CommunicationError, or a *TimeoutError when the deadline ran out mid-write.
// A send after CloseOutputSession fails with *SessionClosedError.
func (c *Channel) Send(ctx context.Context, message Message) error {
	if message == nil {
		return ErrNilMessage
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.sm.ThrowPending(); err != nil {
		return err
	}

	ctx, cancel := withOpTimeout(ctx, c.opts.sendTimeout)
	defer cancel()

	return c.sendLock.do(ctx, c.opts.sendTimeout, func() error {
		if err := c.sm.ThrowPending(); err != nil {
			return err
		}
		if st := c.sm.State(); st != StateOpened {
			return &NotOpenError{Op: "send", State: st}
		}
		if c.IsOutputSessionClosed() {
			return &SessionClosedError{Op: "send"}
		}

		msg, err := c.decorate(ctx, message)
		if err != nil {
			return c.fail(ctx, "send", c.opts.sendTimeout, err)
		}
		data, err := c.opts.codec.Encode(msg)
		if err != nil {
			return c.fail(ctx, "send", c.opts.sendTimeout, err)
		}
		if err := c.transport.WriteMessage(ctx, data); err != nil {
			return c.fail(ctx, "send", c.opts.sendTimeout, err)
		}

		c.opts.metrics.messageSent()
		return nil
	})
}

func (c *Channel) decorate(ctx context.Context, msg Message) (Message, error) {
	var err error
	for _, d := range c.opts.decorators {
		if msg, err = d(ctx, c.session, msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// Receive returns the next message of the input session. A nil message with a
// nil error means the input session has ended, or the channel is closing; it is
// not a failure. A transport failure faults the channel.
func (c *Channel) Receive(ctx context.Context) (Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.sm.ThrowPending(); err != nil {
		return nil, err
	}
	if done, err := c.sm.DoneReceivingInCurrentState("receive"); err != nil || done {
		return nil, err
	}

	ctx, cancel := withOpTimeout(ctx, c.opts.receiveTimeout)
	defer cancel()

	var msg Message
	err := c.receiveLock.do(ctx, c.opts.receiveTimeout, func() error {
		if err := c.sm.ThrowPending(); err != nil {
			return err
		}
		if done, _ := c.sm.DoneReceivingInCurrentState("receive"); done {
			return nil
		}

		var err error
		msg, err = c.receiveLocked(ctx, "receive", c.opts.receiveTimeout)
		return err
	})
	return msg, err
}

// TryReceive waits for a message and receives it. ok is false when the
// deadline ran out before anything arrived; the channel stays usable then.
// A nil message with ok set means the input session has ended.
func (c *Channel) TryReceive(ctx context.Context) (msg Message, ok bool, err error) {
	ready, err := c.WaitForMessage(ctx)
	if err != nil || !ready {
		return nil, false, err
	}
	msg, err = c.Receive(ctx)
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// WaitForMessage reports whether a Receive would return without blocking. It
// returns false with a nil error when the deadline runs out first, and true
// once the input session has ended.
func (c *Channel) WaitForMessage(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := c.sm.ThrowPending(); err != nil {
		return false, err
	}
	if done, err := c.sm.DoneReceivingInCurrentState("wait for message"); err != nil || done {
		return done, err
	}

	ctx, cancel := withOpTimeout(ctx, c.opts.receiveTimeout)
	defer cancel()

	var ready bool
	err := c.receiveLock.do(ctx, c.opts.receiveTimeout, func() error {
		if err := c.sm.ThrowPending(); err != nil {
			return err
		}
		if c.IsInputSessionClosed() {
			ready = true
			return nil
		}

		var err error
		ready, err = c.source.WaitForMessage(ctx)
		if err != nil {
			var te *TimeoutError
			if errors.As(err, &te) || ctx.Err() != nil {
				return nil
			}
			return c.fail(ctx, "wait for message", c.opts.receiveTimeout, err)
		}
		return nil
	})

	var te *TimeoutError
	if errors.As(err, &te) {
		return false, nil
	}
	return ready, err
}

// receiveLocked reads one message from the source. The receive serializer
// must be held.
func (c *Channel) receiveLocked(ctx context.Context, op string, timeout time.Duration) (Message, error) {
	if c.IsInputSessionClosed() {
		return nil, nil
	}

	msg, err := c.source.Receive(ctx)
	if err != nil {
		if closer, ok := msg.(io.Closer); ok {
			_ = closer.Close()
		}
		if c.IsInputSessionClosed() || c.sm.State() == StateClosed {
			// the read was cut short by a local close or abort
			return nil, nil
		}
		return nil, c.fail(ctx, op, timeout, err)
	}
	if msg == nil {
		c.closeInputSession()
		return nil, nil
	}

	c.opts.metrics.messageReceived()
	return msg, nil
}

// CloseOutputSession writes the session end marker, after any send in flight.
// Calling it again is a no-op. Once both sessions are closed the connection is
// handed to the reclaimer.
func (c *Channel) CloseOutputSession(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.sm.ThrowPending(); err != nil {
		return err
	}

	ctx, cancel := withOpTimeout(ctx, c.opts.closeTimeout)
	defer cancel()
	return c.closeOutputSession(ctx)
}

func (c *Channel) closeOutputSession(ctx context.Context) error {
	return c.sendLock.do(ctx, c.opts.closeTimeout, func() error {
		if c.IsOutputSessionClosed() {
			return nil
		}
		// a send may have faulted while we waited
		if err := c.sm.ThrowPending(); err != nil {
			return err
		}
		if st := c.sm.State(); st != StateOpened && st != StateClosing {
			return &NotOpenError{Op: "close output session", State: st}
		}

		if err := c.transport.WriteSessionEnd(ctx); err != nil {
			return c.fail(ctx, "close output session", c.opts.closeTimeout, err)
		}
		c.closeSession(&c.outputSessionClosed, "output")
		return nil
	})
}

func (c *Channel) closeInputSession() {
	c.closeSession(&c.inputSessionClosed, "input")
}

// closeSession sets one session flag. The first caller to see both flags set
// reclaims the connection.
func (c *Channel) closeSession(flag *bool, which string) {
	c.sessionMu.Lock()
	if *flag {
		c.sessionMu.Unlock()
		return
	}
	*flag = true
	both := c.outputSessionClosed && c.inputSessionClosed
	c.sessionMu.Unlock()

	c.logger.Debug(which+" session closed", "remote", c.RemoteAddr())
	if both {
		c.reclaim(false)
	}
}

// drainInput receives until the peer's session end, discarding messages.
func (c *Channel) drainInput(ctx context.Context) error {
	return c.receiveLock.do(ctx, c.opts.closeTimeout, func() error {
		for {
			if err := c.sm.ThrowPending(); err != nil {
				return err
			}
			msg, err := c.receiveLocked(ctx, "close", c.opts.closeTimeout)
			if err != nil {
				return err
			}
			if msg == nil {
				return nil
			}
			c.logger.Warn("discarding message received while closing",
				"remote", c.RemoteAddr(), "length", msg.Length())
		}
	})
}

func (c *Channel) fail(ctx context.Context, op string, timeout time.Duration, err error) error {
	err = ioError(ctx, op, timeout, err)
	c.sm.Fault(err)
	return err
}

func (c *Channel) onOpen(ctx context.Context) error {
	if o, ok := c.transport.(transportOpener); ok {
		if err := o.Open(ctx); err != nil {
			return err
		}
	}
	c.counted.Store(true)
	c.opts.metrics.channelOpened()
	c.logger.Debug("channel opened", "local", c.LocalAddr(), "remote", c.RemoteAddr())
	return nil
}

func (c *Channel) onClose(ctx context.Context) error {
	if err := c.closeOutputSession(ctx); err != nil {
		return err
	}
	if c.opts.drainOnClose {
		if err := c.drainInput(ctx); err != nil {
			return err
		}
	}
	// No peer acknowledgment exists below this layer.
	c.closeInputSession()
	c.logger.Debug("channel closed", "remote", c.RemoteAddr())
	return nil
}

func (c *Channel) onAbort() {
	c.logger.Debug("channel aborted", "remote", c.RemoteAddr())
	c.reclaim(true)
}

func (c *Channel) onFault(err error) {
	c.logger.Warn("channel faulted", "session", c.session.ID(), "remote", c.RemoteAddr(), "error", err)
	c.opts.metrics.faulted()
	c.reclaim(true)
}

func (c *Channel) reclaim(abort bool) {
	c.reclaimOnce.Do(func() {
		if c.counted.Swap(false) {
			c.opts.metrics.channelClosed()
		}
		c.opts.metrics.reclaimed(abort)
		c.opts.reclaimer.Reclaim(abort)
	})
}
