package fsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionQueuePath(t *testing.T) {
	s := StateIdle

	next, err := Transition(s, EventConnect)
	require.NoError(t, err)
	require.Equal(t, StateConnecting, next)

	next, err = Transition(next, EventPreflightOK)
	require.NoError(t, err)
	require.Equal(t, StateBypass, next)

	next, err = Transition(next, EventEnqueued)
	require.NoError(t, err)
	require.Equal(t, StateInQueue, next)

	next, err = Transition(next, EventQueueUpdate)
	require.NoError(t, err)
	require.Equal(t, StateInQueue, next)

	next, err = Transition(next, EventCredentials)
	require.NoError(t, err)
	require.Equal(t, StateHasCredentials, next)

	next, err = Transition(next, EventReset)
	require.NoError(t, err)
	require.Equal(t, StateIdle, next)
}

func TestTransitionBypassPath(t *testing.T) {
	next, err := Transition(StateBypass, EventCredentials)
	require.NoError(t, err)
	require.Equal(t, StateHasCredentials, next)
}

func TestTransitionMicDeniedReturnsToIdle(t *testing.T) {
	next, err := Transition(StateConnecting, EventMicDenied)
	require.NoError(t, err)
	require.Equal(t, StateIdle, next)
}

func TestTransitionFailFromAnyStateGoesError(t *testing.T) {
	states := []State{StateIdle, StateConnecting, StateBypass, StateInQueue, StateHasCredentials, StateNoQueue, StateError}
	for _, state := range states {
		next, err := Transition(state, EventFail)
		require.NoError(t, err)
		require.Equal(t, StateError, next)
	}
}

func TestTransitionMatrixInvalidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		event   Event
		want    State
		wantErr bool
	}{
		{name: "idle preflight invalid", state: StateIdle, event: EventPreflightOK, want: StateIdle, wantErr: true},
		{name: "idle credentials invalid", state: StateIdle, event: EventCredentials, want: StateIdle, wantErr: true},
		{name: "connecting connect invalid", state: StateConnecting, event: EventConnect, want: StateConnecting, wantErr: true},
		{name: "connecting credentials invalid", state: StateConnecting, event: EventCredentials, want: StateConnecting, wantErr: true},
		{name: "bypass mic denied invalid", state: StateBypass, event: EventMicDenied, want: StateBypass, wantErr: true},
		{name: "in_queue connect invalid", state: StateInQueue, event: EventConnect, want: StateInQueue, wantErr: true},
		{name: "has_credentials enqueued invalid", state: StateHasCredentials, event: EventEnqueued, want: StateHasCredentials, wantErr: true},
		{name: "no_queue reset valid", state: StateNoQueue, event: EventReset, want: StateIdle, wantErr: false},
		{name: "error connect invalid", state: StateError, event: EventConnect, want: StateError, wantErr: true},
		{name: "error reset valid", state: StateError, event: EventReset, want: StateIdle, wantErr: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, err := Transition(tc.state, tc.event)
			require.Equal(t, tc.want, next)
			if tc.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), "invalid transition")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestTransitionUnknownState(t *testing.T) {
	next, err := Transition(State("mystery"), EventConnect)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown state")
	require.Equal(t, State("mystery"), next)
}
