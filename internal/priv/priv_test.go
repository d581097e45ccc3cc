package priv

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDropEmptyUserIsNoop(t *testing.T) {
	require.NoError(t, Drop(""))
}

func TestDropUnknownUser(t *testing.T) {
	err := Drop("no-such-user-4fz9q")
	if syscall.Geteuid() != 0 {
		// Non-root skips the drop entirely.
		require.NoError(t, err)
		return
	}
	require.Error(t, err)
	var de *DropError
	require.True(t, errors.As(err, &de))
	require.Equal(t, "no-such-user-4fz9q", de.User)
}
