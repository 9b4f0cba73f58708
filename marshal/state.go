package marshal

import (
	"sync"

	"github.com/wippyai/ffi-marshal/errors"
)

// State is the lifecycle position of a single marshalled call.
type State uint8

const (
	StateCreated State = iota
	StateBufferAcquired
	StateForeignCallInFlight
	StateCallbackInvoked
	StateForeignCallReturned
	StateBufferReleased
	StateTerminal
)

var stateNames = [...]string{
	StateCreated:             "created",
	StateBufferAcquired:      "buffer_acquired",
	StateForeignCallInFlight: "foreign_call_in_flight",
	StateCallbackInvoked:     "callback_invoked",
	StateForeignCallReturned: "foreign_call_returned",
	StateBufferReleased:      "buffer_released",
	StateTerminal:            "terminal",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// transitions lists the legal successors of each state. Every path into
// StateTerminal passes through StateBufferReleased.
var transitions = map[State][]State{
	StateCreated:             {StateBufferAcquired, StateForeignCallInFlight, StateBufferReleased},
	StateBufferAcquired:      {StateBufferAcquired, StateForeignCallInFlight, StateBufferReleased},
	StateForeignCallInFlight: {StateCallbackInvoked, StateForeignCallReturned},
	StateCallbackInvoked:     {StateCallbackInvoked, StateForeignCallReturned},
	StateForeignCallReturned: {StateBufferReleased},
	StateBufferReleased:      {StateTerminal},
}

// callState tracks one call's transitions. Callback dispatch may advance it
// from inside the foreign call, so access is locked.
type callState struct {
	history []State
	mu      sync.Mutex
}

func newCallState() *callState {
	return &callState{history: []State{StateCreated}}
}

func (c *callState) current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history[len(c.history)-1]
}

func (c *callState) advance(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.history[len(c.history)-1]
	for _, next := range transitions[from] {
		if next == to {
			// Repeated buffer acquisitions and callbacks collapse into one entry.
			if to == from {
				return nil
			}
			c.history = append(c.history, to)
			return nil
		}
	}
	return errors.New(errors.PhaseCall, errors.KindIllegalTransition).
		Detail("%s -> %s", from, to).
		Build()
}

func (c *callState) snapshot() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]State, len(c.history))
	copy(out, c.history)
	return out
}
