package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/gantry/internal/history"
)

func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := pgcontainer.Run(ctx, "postgres:16-alpine",
		pgcontainer.WithDatabase("testdb"),
		pgcontainer.WithUsername("test"),
		pgcontainer.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}

	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}
	return dsn, terminate
}

func TestPostgresSinkRoundtrip(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	defer terminate()

	var sink *Sink
	var err error
	deadline := time.Now().Add(30 * time.Second)
	for {
		sink, err = New(dsn, "worker_history")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		Worker:     "worker-2",
		PID:        777,
	}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type:       history.EventStop,
		OccurredAt: time.Now().UTC(),
		Worker:     "worker-2",
		PID:        777,
		Detail:     "signal: terminated",
	}))

	var n int
	require.NoError(t, sink.db.QueryRow(
		`SELECT COUNT(*) FROM worker_history WHERE worker = 'worker-2'`).Scan(&n))
	require.Equal(t, 2, n)
}

func TestPostgresSinkEmptyDSN(t *testing.T) {
	_, err := New("", "")
	require.Error(t, err)
}
