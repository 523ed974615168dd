// Package session orchestrates one theatre session end to end, tying the
// signaling layer, the port pool and the managed media processes to a
// single lifecycle.
package session

import (
	"fmt"
	"sync"
)

// State of the session lifecycle.
type State string

const (
	StateIdle        State = "idle"
	StateConfiguring State = "configuring"
	StateStarting    State = "starting"
	StateActive      State = "active"
	StateStopping    State = "stopping"
	StateFailed      State = "failed"
)

var transitions = map[State][]State{
	StateIdle:        {StateConfiguring},
	StateConfiguring: {StateStarting, StateIdle, StateFailed},
	StateStarting:    {StateActive, StateStopping, StateFailed},
	StateActive:      {StateStopping, StateFailed},
	StateStopping:    {StateIdle, StateFailed},
	StateFailed:      {StateStopping, StateIdle},
}

// Machine validates session state transitions. Observers subscribe through
// the callback, invoked outside the lock in transition order.
type Machine struct {
	mu     sync.Mutex
	state  State
	onMove func(from, to State)
}

func NewMachine(onMove func(from, to State)) *Machine {
	return &Machine{state: StateIdle, onMove: onMove}
}

func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the target state or reports an invalid transition.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	allowed := false
	for _, s := range transitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("invalid session transition %s -> %s", from, to)
	}
	m.state = to
	cb := m.onMove
	m.mu.Unlock()

	if cb != nil {
		cb(from, to)
	}
	return nil
}
