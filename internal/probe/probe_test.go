package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitUnreachableTimesOut(t *testing.T) {
	p := Prober{
		// Reserved TEST-NET address, nothing listens there.
		DSN:      "postgres://u:p@192.0.2.1:5432/db?connect_timeout=1",
		Total:    1500 * time.Millisecond,
		Interval: 300 * time.Millisecond,
	}
	start := time.Now()
	err := p.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyUnavailable)
	assert.GreaterOrEqual(t, time.Since(start), p.Total)
}

func TestWaitCancelled(t *testing.T) {
	p := Prober{
		DSN:      "postgres://u:p@192.0.2.1:5432/db?connect_timeout=1",
		Total:    time.Minute,
		Interval: 200 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Wait(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}
}
