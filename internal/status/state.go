package status

import (
	"fmt"
	"slices"
	"sync"
)

// State is the lifecycle state of the live connection.
type State string

const (
	Disconnected State = "disconnected"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine() *Machine {
	return &Machine{current: Disconnected}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state and returns the applied change.
// Returns error if the transition is invalid; the state is left untouched.
func (m *Machine) Transition(to State) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return Change{}, fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	return Change{Previous: from, Status: to}, nil
}

// Change is the payload of a connection-status event.
type Change struct {
	Status   State `json:"status"`
	Previous State `json:"previous"`
}
