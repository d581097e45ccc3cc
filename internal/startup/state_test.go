package startup

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionForwardOnly(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Transition(StateProbingDependency))
	require.NoError(t, tr.Transition(StateMigratingSchema))

	// Backward and same-state transitions are rejected.
	assert.Error(t, tr.Transition(StateProbingDependency))
	assert.Error(t, tr.Transition(StateMigratingSchema))

	// Skipping intermediate states forward is allowed (seed step is optional).
	require.NoError(t, tr.Transition(StateLaunchingWorkers))
	require.NoError(t, tr.Transition(StateReady))
	assert.True(t, tr.Ready())
}

func TestFailedIsTerminal(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Transition(StateProbingDependency))
	cause := errors.New("datastore unreachable")
	tr.Fail(cause)

	assert.Equal(t, StateFailed, tr.State())
	assert.Equal(t, cause, tr.Err())
	assert.Error(t, tr.Transition(StateReady))

	// Second Fail does not overwrite the first cause.
	tr.Fail(errors.New("later"))
	assert.Equal(t, cause, tr.Err())
}

func TestWaitReady(t *testing.T) {
	tr := NewTracker()
	done := make(chan error, 1)
	go func() { done <- tr.WaitReady(context.Background()) }()

	require.NoError(t, tr.Transition(StateProbingDependency))
	require.NoError(t, tr.Transition(StateMigratingSchema))
	require.NoError(t, tr.Transition(StateLaunchingWorkers))
	require.NoError(t, tr.Transition(StateReady))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitReady did not return after Ready")
	}
}

func TestWaitReadyFailed(t *testing.T) {
	tr := NewTracker()
	cause := errors.New("migration failed")
	go tr.Fail(cause)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := tr.WaitReady(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
}

// Randomized transition sequences must never let an observer see Ready
// before the tracker actually reached StateReady, and never see a
// backward move.
func TestMonotonicUnderRandomizedTransitions(t *testing.T) {
	states := []State{
		StateProbingDependency, StateMigratingSchema, StateSeedingData,
		StateLaunchingWorkers, StateReady, StateFailed,
	}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		tr := NewTracker()
		prev := tr.State()
		for j := 0; j < 10; j++ {
			next := states[rng.Intn(len(states))]
			err := tr.Transition(next)
			cur := tr.State()
			if err == nil {
				assert.True(t, cur == next, "accepted transition must land on target")
				assert.True(t, cur > prev || cur == StateFailed, "accepted transition must move forward")
			} else {
				assert.Equal(t, prev, cur, "rejected transition must not move state")
			}
			if tr.Ready() {
				assert.GreaterOrEqual(t, cur, StateReady)
			}
			prev = cur
			if cur == StateFailed {
				break
			}
		}
	}
}
