package duplex

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Errors returned by channel construction and operations.
var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec")
	// ErrInvalidTransport is returned when a channel is built without a transport or message source.
	ErrInvalidTransport = errors.New("invalid transport")
	// ErrNilMessage is returned when Send is called with a nil message.
	ErrNilMessage = errors.New("nil message")
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrTimeoutUnsupported is returned when a stream has no native deadline support.
	ErrTimeoutUnsupported = errors.New("stream does not support timeouts")
	// ErrInvalidTransition is returned when Open or Close is called in a state that
	// does not allow it.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// NotOpenError is returned when an operation needs an opened channel.
type NotOpenError struct {
	Op    string
	State State
}

func (e *NotOpenError) Error() string {
	return fmt.Sprintf("%s: channel is not open (state %s)", e.Op, e.State)
}

// FaultedError is returned by every operation on a faulted channel. Cause is the
// error captured by the first Fault.
type FaultedError struct {
	Cause error
}

func (e *FaultedError) Error() string {
	return fmt.Sprintf("channel faulted: %v", e.Cause)
}

func (e *FaultedError) Unwrap() error { return e.Cause }

// TimeoutError is returned when a deadline elapses while waiting for a serializer
// or during transport I/O. Duration is the configured timeout.
type TimeoutError struct {
	Op       string
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.Duration)
}

var _ net.Error = (*TimeoutError)(nil)

// Timeout reports true so callers matching on net.Error see a timeout.
func (e *TimeoutError) Timeout() bool { return true }

// Temporary is required by net.Error.
func (e *TimeoutError) Temporary() bool { return false }

// SessionClosedError is returned by Send after the output session was closed locally.
type SessionClosedError struct {
	Op string
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("%s: output session is closed", e.Op)
}

// CommunicationError wraps a transport failure. The channel is always faulted
// before one is returned.
type CommunicationError struct {
	Op  string
	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }
