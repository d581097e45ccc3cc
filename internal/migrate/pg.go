package migrate

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PgAdvisoryLocker implements Locker with a session-scoped Postgres
// advisory lock. Holding is tied to one dedicated connection: if the
// holder crashes, the server drops the session and the lock with it, so
// no explicit lease timer is needed.
type PgAdvisoryLocker struct {
	db  *sql.DB
	key int64

	mu   sync.Mutex
	conn *sql.Conn // pinned session while acquiring/holding
}

func NewPgAdvisoryLocker(db *sql.DB, key int64) *PgAdvisoryLocker {
	return &PgAdvisoryLocker{db: db, key: key}
}

func (l *PgAdvisoryLocker) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		conn, err := l.db.Conn(ctx)
		if err != nil {
			return false, err
		}
		l.conn = conn
	}
	var got bool
	if err := l.conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&got); err != nil {
		// A broken session cannot hold the lock; drop it so the next
		// attempt opens a fresh one.
		_ = l.conn.Close()
		l.conn = nil
		return false, err
	}
	return got, nil
}

func (l *PgAdvisoryLocker) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	var released bool
	err := l.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&released)
	cerr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return err
	}
	return cerr
}

// PgVersions implements VersionStore on the application datastore.
type PgVersions struct {
	DB *sql.DB
}

func (p PgVersions) Ensure(ctx context.Context) error {
	_, err := p.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version(
			version BIGINT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`)
	return err
}

func (p PgVersions) Current(ctx context.Context) (int64, error) {
	var v sql.NullInt64
	if err := p.DB.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version;`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return v.Int64, nil
}

func (p PgVersions) Record(ctx context.Context, v int64) error {
	_, err := p.DB.ExecContext(ctx, `
		INSERT INTO schema_version(version) VALUES($1)
		ON CONFLICT (version) DO NOTHING;`, v)
	return err
}
