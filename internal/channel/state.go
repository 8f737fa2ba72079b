package channel

import (
	"errors"
	"fmt"
	"sync"
)

// State is a sync channel connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingJoinAck
	Syncing
	Live
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingJoinAck:
		return "awaiting_join_ack"
	case Syncing:
		return "syncing"
	case Live:
		return "live"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition is returned for a transition the protocol forbids.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions lists the legal successors of each state. Every state may
// fall back to Disconnected on a transport error.
var transitions = map[State][]State{
	Disconnected:    {Connecting},
	Connecting:      {AwaitingJoinAck, Disconnected},
	AwaitingJoinAck: {Syncing, Disconnected},
	Syncing:         {Live, Disconnected},
	Live:            {Syncing, Disconnected},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Observer is notified after each transition.
type Observer func(from, to State)

// Machine tracks the current state and rejects illegal transitions.
//
// Thread-safety: safe for concurrent use. Observers run on the goroutine
// that made the transition, after the state has changed.
type Machine struct {
	mu        sync.Mutex
	state     State
	observers []Observer
}

// NewMachine returns a machine in Disconnected.
func NewMachine() *Machine {
	return &Machine{state: Disconnected}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Observe registers o for every future transition.
func (m *Machine) Observe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Transition moves to the given state. Moving to Disconnected while
// already disconnected is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if from == Disconnected && to == Disconnected {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	for _, o := range observers {
		o(from, to)
	}
	return nil
}
