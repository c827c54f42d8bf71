package duplex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of a communication object.
type State int32

// Lifecycle states. Progression is monotonic from StateCreated to StateClosed;
// StateFaulted is reachable from every non-terminal state. StateClosed and
// StateFaulted are terminal.
const (
	StateCreated State = iota
	StateOpening
	StateOpened
	StateClosing
	StateClosed
	StateFaulted
)

var stateNames = [...]string{
	StateCreated: "created",
	StateOpening: "opening",
	StateOpened:  "opened",
	StateClosing: "closing",
	StateClosed:  "closed",
	StateFaulted: "faulted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

func (s State) terminal() bool {
	return s == StateClosed || s == StateFaulted
}

// errUnknownFault is recorded when Fault is called with a nil error.
var errUnknownFault = errors.New("unknown fault")

// Hooks carry the transport-specific work a StateMachine drives. Any hook may be nil.
type Hooks struct {
	// Open performs the opening handshake. The context carries the open deadline.
	Open func(ctx context.Context) error
	// Close performs the closing handshake. The context carries the close deadline.
	Close func(ctx context.Context) error
	// Abort tears down local resources. It runs at most once, and never after Fault.
	Abort func()
	// Fault runs once, after the transition to StateFaulted.
	Fault func(err error)
}

// StateMachine owns the lifecycle of a communication object: state transitions,
// fault capture and re-throwing of the captured fault.
//
// Open and Close follow a single opener/closer discipline: calling either one
// concurrently with itself is a caller error.
type StateMachine struct {
	hooks        Hooks
	openTimeout  time.Duration
	closeTimeout time.Duration

	mu    sync.Mutex
	state State
	fault error
}

// NewStateMachine returns a StateMachine in StateCreated. Non-positive timeouts
// leave Open and Close bounded only by the caller's context.
func NewStateMachine(hooks Hooks, openTimeout, closeTimeout time.Duration) *StateMachine {
	return &StateMachine{
		hooks:        hooks,
		openTimeout:  openTimeout,
		closeTimeout: closeTimeout,
	}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ThrowPending returns a *FaultedError wrapping the captured fault, or nil.
// Every public operation calls it first.
func (m *StateMachine) ThrowPending() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return &FaultedError{Cause: m.fault}
	}
	return nil
}

// DoneReceivingInCurrentState reports whether a receive should return the
// end-of-session signal without touching the transport. It is false only in
// StateOpened and fails with *NotOpenError before the object was opened.
func (m *StateMachine) DoneReceivingInCurrentState(op string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateOpened:
		return false, nil
	case StateCreated, StateOpening:
		return false, &NotOpenError{Op: op, State: m.state}
	default:
		return true, nil
	}
}

// Fault moves the object to StateFaulted and records err. Only the first call
// from a non-terminal state has an effect; later and concurrent calls are no-ops.
func (m *StateMachine) Fault(err error) {
	if err == nil {
		err = errUnknownFault
	}

	m.mu.Lock()
	if m.state.terminal() {
		m.mu.Unlock()
		return
	}
	m.state = StateFaulted
	m.fault = err
	m.mu.Unlock()

	if m.hooks.Fault != nil {
		m.hooks.Fault(err)
	}
}

// Abort tears the object down immediately without any handshake. It ends in
// StateClosed, or leaves a faulted object faulted. It never fails.
func (m *StateMachine) Abort() {
	m.mu.Lock()
	if m.state.terminal() {
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	m.mu.Unlock()

	if m.hooks.Abort != nil {
		m.hooks.Abort()
	}
}

// Open drives StateCreated through StateOpening to StateOpened. A failed or
// timed out handshake faults the object.
func (m *StateMachine) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateCreated {
		err := m.transitionErrorLocked("open")
		m.mu.Unlock()
		return err
	}
	m.state = StateOpening
	m.mu.Unlock()

	ctx, cancel := withOpTimeout(ctx, m.openTimeout)
	defer cancel()

	if m.hooks.Open != nil {
		if err := m.hooks.Open(ctx); err != nil {
			err = ioError(ctx, "open", m.openTimeout, err)
			m.Fault(err)
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpening {
		// aborted or faulted while the handshake ran
		if m.fault != nil {
			return &FaultedError{Cause: m.fault}
		}
		return &NotOpenError{Op: "open", State: m.state}
	}
	m.state = StateOpened
	return nil
}

// Close drives StateOpened through StateClosing to StateClosed. Closing a closed
// object is a no-op; closing an object that never finished opening aborts it.
// A failed or timed out handshake faults the object.
func (m *StateMachine) Close(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return nil
	case StateCreated, StateOpening:
		m.mu.Unlock()
		m.Abort()
		return nil
	case StateOpened:
	default:
		err := m.transitionErrorLocked("close")
		m.mu.Unlock()
		return err
	}
	m.state = StateClosing
	m.mu.Unlock()

	ctx, cancel := withOpTimeout(ctx, m.closeTimeout)
	defer cancel()

	if m.hooks.Close != nil {
		if err := m.hooks.Close(ctx); err != nil {
			err = ioError(ctx, "close", m.closeTimeout, err)
			m.Fault(err)
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateClosing:
		m.state = StateClosed
	case StateFaulted:
		return &FaultedError{Cause: m.fault}
	}
	return nil
}

func (m *StateMachine) transitionErrorLocked(op string) error {
	if m.fault != nil {
		return &FaultedError{Cause: m.fault}
	}
	return fmt.Errorf("%s in state %s: %w", op, m.state, ErrInvalidTransition)
}
