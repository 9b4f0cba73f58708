package marshal

import (
	stderrors "errors"
	"reflect"
	"testing"

	"github.com/wippyai/ffi-marshal/errors"
)

func TestCallState_Paths(t *testing.T) {
	tests := []struct {
		name  string
		steps []State
		want  []State
	}{
		{
			name:  "scalar call",
			steps: []State{StateForeignCallInFlight, StateForeignCallReturned, StateBufferReleased, StateTerminal},
			want:  []State{StateCreated, StateForeignCallInFlight, StateForeignCallReturned, StateBufferReleased, StateTerminal},
		},
		{
			name: "buffers and callbacks collapse",
			steps: []State{
				StateBufferAcquired, StateBufferAcquired, StateForeignCallInFlight,
				StateCallbackInvoked, StateCallbackInvoked, StateForeignCallReturned,
				StateBufferReleased, StateTerminal,
			},
			want: []State{
				StateCreated, StateBufferAcquired, StateForeignCallInFlight,
				StateCallbackInvoked, StateForeignCallReturned, StateBufferReleased, StateTerminal,
			},
		},
		{
			name:  "failed before the call",
			steps: []State{StateBufferAcquired, StateBufferReleased, StateTerminal},
			want:  []State{StateCreated, StateBufferAcquired, StateBufferReleased, StateTerminal},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCallState()
			for _, s := range tt.steps {
				if err := c.advance(s); err != nil {
					t.Fatalf("advance(%s) failed: %v", s, err)
				}
			}
			if got := c.snapshot(); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("history = %v, want %v", got, tt.want)
			}
			if c.current() != StateTerminal {
				t.Fatalf("current() = %s", c.current())
			}
		})
	}
}

func TestCallState_IllegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup []State
		next  State
	}{
		{"skip release", []State{StateForeignCallInFlight, StateForeignCallReturned}, StateTerminal},
		{"callback before call", nil, StateCallbackInvoked},
		{"acquire during call", []State{StateForeignCallInFlight}, StateBufferAcquired},
		{"leave terminal", []State{StateBufferReleased, StateTerminal}, StateCreated},
		{"created to terminal", nil, StateTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCallState()
			for _, s := range tt.setup {
				if err := c.advance(s); err != nil {
					t.Fatalf("setup advance(%s) failed: %v", s, err)
				}
			}
			err := c.advance(tt.next)
			var e *errors.Error
			if !stderrors.As(err, &e) || e.Kind != errors.KindIllegalTransition {
				t.Fatalf("advance(%s) = %v, want illegal transition", tt.next, err)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	if StateForeignCallInFlight.String() != "foreign_call_in_flight" {
		t.Fatalf("String() = %q", StateForeignCallInFlight.String())
	}
	if State(99).String() != "unknown" {
		t.Fatal("unexpected name for invalid state")
	}
}
