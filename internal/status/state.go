package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/campusline/chatsync/internal/bus"
)

// State represents the realtime connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Failed       State = "FAILED"
)

// validTransitions defines allowed state transitions. Disconnected is reachable from
// everywhere because Disconnect always wins.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Failed, Disconnected},
	Connected:    {Failed, Disconnected},
	Failed:       {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	lastErr error
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// LastError returns the error carried by the most recent Failed transition.
func (m *Machine) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.transition(to, nil)
}

// Fail moves to Failed and records cause.
func (m *Machine) Fail(cause error) error {
	return m.transition(Failed, cause)
}

// Reset forces Disconnected from any state. It publishes only when the state changes.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Disconnected {
		return
	}
	m.setLocked(Disconnected, nil)
}

func (m *Machine) transition(to State, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.setLocked(to, cause)
	return nil
}

func (m *Machine) setLocked(to State, cause error) {
	from := m.current
	m.current = to
	if to == Failed {
		m.lastErr = cause
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindTransportState,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
				Err:  cause,
			},
		})
	}
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
	Err  error
}
