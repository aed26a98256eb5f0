package mic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestAccessGranted(t *testing.T) {
	gate := NewGate(nil, func(context.Context) error { return nil })

	require.True(t, gate.RequestAccess(context.Background()))

	access := gate.Access()
	require.True(t, access.Granted)
	require.False(t, access.ShowHint)
}

func TestRequestAccessDeniedSetsHint(t *testing.T) {
	gate := NewGate(nil, func(context.Context) error { return errors.New("no device") })

	require.False(t, gate.RequestAccess(context.Background()))

	access := gate.Access()
	require.False(t, access.Granted)
	require.True(t, access.ShowHint)
}

func TestRequestAccessRetryAfterDenial(t *testing.T) {
	attempts := 0
	gate := NewGate(nil, func(context.Context) error {
		attempts++
		if attempts == 1 {
			return errors.New("denied")
		}
		return nil
	})

	require.False(t, gate.RequestAccess(context.Background()))
	require.True(t, gate.Access().ShowHint)

	require.True(t, gate.RequestAccess(context.Background()))
	access := gate.Access()
	require.True(t, access.Granted)
	require.False(t, access.ShowHint, "hint must clear on success")
	require.Equal(t, 2, attempts, "one probe per invocation")
}

func TestAccessZeroValue(t *testing.T) {
	gate := NewGate(nil, func(context.Context) error { return nil })
	access := gate.Access()
	require.False(t, access.Granted)
	require.False(t, access.ShowHint)
}
