package guard

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTriggerClone verifies that Clone returns a copy and handles nil safely.
func TestTriggerClone(t *testing.T) {
	t.Parallel()
	require.Nil(t, (*Trigger)(nil).Clone())

	a := &Trigger{
		Key:   "front_door",
		Name:  "Front Door",
		Pin:   17,
		Armed: true,
	}

	b := a.Clone()

	require.Equal(t, a, b)
	require.NotSame(t, a, b)
}
