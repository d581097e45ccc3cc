package migrate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sharedLock simulates a cross-process lock: each contender gets its own
// handle so holding is attributed per contender, like separate sessions.
type sharedLock struct {
	mu     sync.Mutex
	holder int // 0 = free
}

type memLocker struct {
	s  *sharedLock
	id int
}

func (m *memLocker) TryAcquire(_ context.Context) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.holder == 0 || m.s.holder == m.id {
		m.s.holder = m.id
		return true, nil
	}
	return false, nil
}

func (m *memLocker) Release(_ context.Context) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.holder == m.id {
		m.s.holder = 0
	}
	return nil
}

type memVersions struct {
	mu sync.Mutex
	v  int64
}

func (m *memVersions) Ensure(_ context.Context) error { return nil }

func (m *memVersions) Current(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v, nil
}

func (m *memVersions) Record(_ context.Context, v int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v > m.v {
		m.v = v
	}
	return nil
}

type countingRunner struct {
	runs  atomic.Int32
	delay time.Duration
	err   error
}

func (r *countingRunner) Run(_ context.Context) error {
	r.runs.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return r.err
}

func TestGateExactlyOneRunnerAcrossContenders(t *testing.T) {
	const contenders = 8
	lock := &sharedLock{}
	versions := &memVersions{}
	runner := &countingRunner{delay: 30 * time.Millisecond}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, contenders)
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g := &Gate{
				Versions:       versions,
				Locker:         &memLocker{s: lock, id: i + 1},
				Runner:         runner,
				AcquireTimeout: 5 * time.Second,
				PollInterval:   5 * time.Millisecond,
			}
			outcomes[i], errs[i] = g.Apply(context.Background())
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := 0; i < contenders; i++ {
		require.NoError(t, errs[i])
		if !outcomes[i].AlreadyCurrent() {
			applied++
		}
		assert.Equal(t, int64(1), outcomes[i].Version)
	}
	assert.Equal(t, 1, applied, "exactly one contender applies")
	assert.Equal(t, int32(1), runner.runs.Load(), "tool runs exactly once")
}

func TestGateExpectVersionShortCircuits(t *testing.T) {
	versions := &memVersions{v: 7}
	runner := &countingRunner{}
	g := &Gate{
		Versions:      versions,
		Locker:        &memLocker{s: &sharedLock{}, id: 1},
		Runner:        runner,
		ExpectVersion: 5,
	}
	out, err := g.Apply(context.Background())
	require.NoError(t, err)
	assert.True(t, out.AlreadyCurrent())
	assert.Equal(t, int64(7), out.Version)
	assert.Equal(t, int32(0), runner.runs.Load())
}

func TestGateToolFailureIsFatalAndReleasesLock(t *testing.T) {
	lock := &sharedLock{}
	runner := &countingRunner{err: errors.New("exit status 2")}
	g := &Gate{
		Versions:       &memVersions{},
		Locker:         &memLocker{s: lock, id: 1},
		Runner:         runner,
		AcquireTimeout: time.Second,
		PollInterval:   5 * time.Millisecond,
	}
	_, err := g.Apply(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMigrationFailed)

	lock.mu.Lock()
	holder := lock.holder
	lock.mu.Unlock()
	assert.Equal(t, 0, holder, "lock released after tool failure")
}

func TestGateAcquireTimeout(t *testing.T) {
	lock := &sharedLock{holder: 99} // held by a contender that never finishes
	g := &Gate{
		Versions:       &memVersions{},
		Locker:         &memLocker{s: lock, id: 1},
		Runner:         &countingRunner{},
		AcquireTimeout: 100 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}
	_, err := g.Apply(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMigrationFailed)
}

func TestGateObservesCompletionWithoutAcquiring(t *testing.T) {
	lock := &sharedLock{holder: 99}
	versions := &memVersions{}
	runner := &countingRunner{}
	g := &Gate{
		Versions:       versions,
		Locker:         &memLocker{s: lock, id: 1},
		Runner:         runner,
		AcquireTimeout: 5 * time.Second,
		PollInterval:   10 * time.Millisecond,
	}

	done := make(chan struct{})
	var out Outcome
	var err error
	go func() {
		out, err = g.Apply(context.Background())
		close(done)
	}()

	// The "other process" finishes the work and keeps holding the lock a
	// little longer; the waiter must settle on the version re-check alone.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, versions.Record(context.Background(), 1))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("gate did not observe completion")
	}
	require.NoError(t, err)
	assert.True(t, out.AlreadyCurrent())
	assert.Equal(t, int32(0), runner.runs.Load())
}

func TestGateCancelledWhileWaiting(t *testing.T) {
	lock := &sharedLock{holder: 99}
	g := &Gate{
		Versions:       &memVersions{},
		Locker:         &memLocker{s: lock, id: 1},
		Runner:         &countingRunner{},
		AcquireTimeout: time.Minute,
		PollInterval:   10 * time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := g.Apply(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestToolRunner(t *testing.T) {
	require.NoError(t, ToolRunner{Command: "true"}.Run(context.Background()))

	err := ToolRunner{Command: "sh -c 'echo boom >&2; exit 3'"}.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
