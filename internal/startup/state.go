package startup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loykin/gantry/internal/metrics"
)

// State is the supervisor's container-lifetime startup state.
// Transitions are monotonic: forward only, except StateFailed which is
// reachable from any state and terminal.
type State int32

const (
	StateUnstarted State = iota
	StateProbingDependency
	StateMigratingSchema
	StateSeedingData
	StateLaunchingWorkers
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateProbingDependency:
		return "probing_dependency"
	case StateMigratingSchema:
		return "migrating_schema"
	case StateSeedingData:
		return "seeding_data"
	case StateLaunchingWorkers:
		return "launching_workers"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Tracker owns the single StartupState instance for this container lifetime.
// It is safe for concurrent use; readers observe the state via an atomic.
type Tracker struct {
	state atomic.Int32

	mu      sync.Mutex
	failErr error
	readyCh chan struct{}
	failCh  chan struct{}
}

func NewTracker() *Tracker {
	t := &Tracker{
		readyCh: make(chan struct{}),
		failCh:  make(chan struct{}),
	}
	t.state.Store(int32(StateUnstarted))
	metrics.SetStartupState(StateUnstarted.String(), true)
	return t
}

// State returns the current startup state.
func (t *Tracker) State() State { return State(t.state.Load()) }

// Ready reports whether the supervisor has reached StateReady.
// Once true it stays true even if the pool later fails; readiness
// evaluation layers the pool check on top.
func (t *Tracker) Ready() bool {
	select {
	case <-t.readyCh:
		return true
	default:
		return false
	}
}

// Transition moves the tracker forward to the given state.
// Backward transitions and transitions out of StateFailed are rejected.
func (t *Tracker) Transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	from := State(t.state.Load())
	if from == StateFailed {
		return fmt.Errorf("startup state is failed (terminal), cannot transition to %s", to)
	}
	if to != StateFailed && to <= from {
		return fmt.Errorf("startup state cannot go backward: %s -> %s", from, to)
	}

	t.state.Store(int32(to))
	slog.Info("startup state transition", "from", from.String(), "to", to.String())
	metrics.RecordStartupTransition(from.String(), to.String())
	metrics.SetStartupState(from.String(), false)
	metrics.SetStartupState(to.String(), true)

	switch to {
	case StateReady:
		close(t.readyCh)
	case StateFailed:
		close(t.failCh)
	}
	return nil
}

// Fail transitions to StateFailed and records the fatal cause.
// The first cause wins; later calls are no-ops.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	if State(t.state.Load()) == StateFailed {
		t.mu.Unlock()
		return
	}
	t.failErr = err
	t.mu.Unlock()
	_ = t.Transition(StateFailed)
}

// Err returns the fatal cause recorded by Fail, or nil.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failErr
}

// WaitReady blocks until the tracker reaches StateReady (nil),
// StateFailed (the recorded cause), or ctx is done.
func (t *Tracker) WaitReady(ctx context.Context) error {
	select {
	case <-t.readyCh:
		return nil
	case <-t.failCh:
		if err := t.Err(); err != nil {
			return err
		}
		return fmt.Errorf("startup failed")
	case <-ctx.Done():
		return ctx.Err()
	}
}
