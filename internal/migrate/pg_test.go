package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgresContainer starts a PostgreSQL container for tests and
// returns a DSN suitable for pgx stdlib. It skips the test if Docker is
// unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
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

func waitForPostgres(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	deadline := time.Now().Add(time.Minute)
	for {
		if err = db.Ping(); err == nil {
			return db
		}
		if time.Now().After(deadline) {
			_ = db.Close()
			t.Skipf("postgres did not become ready: %v", err)
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPgAdvisoryLockerExclusion(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	defer terminate()
	db1 := waitForPostgres(t, dsn)
	defer func() { _ = db1.Close() }()
	db2, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()

	ctx := context.Background()
	const key = 424242
	a := NewPgAdvisoryLocker(db1, key)
	b := NewPgAdvisoryLocker(db2, key)

	got, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, got)

	got, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, got, "second session must not obtain the advisory lock")

	require.NoError(t, a.Release(ctx))

	got, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, got, "lock available after release")
	require.NoError(t, b.Release(ctx))
}

func TestPgVersionsRoundTrip(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	defer terminate()
	db := waitForPostgres(t, dsn)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	vs := PgVersions{DB: db}
	require.NoError(t, vs.Ensure(ctx))
	// Ensure is idempotent.
	require.NoError(t, vs.Ensure(ctx))

	v, err := vs.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v, "empty table reads as version 0")

	require.NoError(t, vs.Record(ctx, 1))
	require.NoError(t, vs.Record(ctx, 2))
	// Duplicate record is a no-op, not an error.
	require.NoError(t, vs.Record(ctx, 2))

	v, err = vs.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestGateAgainstPostgres(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	defer terminate()
	db := waitForPostgres(t, dsn)
	defer func() { _ = db.Close() }()

	runner := &countingRunner{}
	g := &Gate{
		Versions:       PgVersions{DB: db},
		Locker:         NewPgAdvisoryLocker(db, 424243),
		Runner:         runner,
		AcquireTimeout: 10 * time.Second,
		PollInterval:   100 * time.Millisecond,
	}
	out, err := g.Apply(context.Background())
	require.NoError(t, err)
	assert.False(t, out.AlreadyCurrent())
	assert.Equal(t, int64(1), out.Version)
	assert.Equal(t, int32(1), runner.runs.Load())
}
