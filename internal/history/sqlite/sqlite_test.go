package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/gantry/internal/history"
)

func TestSQLiteSinkRoundtrip(t *testing.T) {
	dbPath := t.TempDir() + "/history.db"

	sink, err := New(dbPath, "worker_history")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		Worker:     "worker-1",
		PID:        4321,
	}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type:       history.EventStop,
		OccurredAt: time.Now().UTC(),
		Worker:     "worker-1",
		PID:        4321,
		Detail:     "exit status 1",
	}))

	var n int
	require.NoError(t, sink.db.QueryRow(
		`SELECT COUNT(*) FROM worker_history WHERE worker = 'worker-1'`).Scan(&n))
	require.Equal(t, 2, n)

	var detail string
	require.NoError(t, sink.db.QueryRow(
		`SELECT detail FROM worker_history WHERE event = 'stop'`).Scan(&detail))
	require.Equal(t, "exit status 1", detail)
}

func TestSQLiteSinkDSNPrefix(t *testing.T) {
	sink, err := New("sqlite://"+t.TempDir()+"/h.db", "")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.Send(context.Background(), history.Event{
		Type: history.EventStart, OccurredAt: time.Now().UTC(), Worker: "w", PID: 1,
	}))
}

func TestSQLiteSinkEmptyDSN(t *testing.T) {
	_, err := New("", "")
	require.Error(t, err)
}
