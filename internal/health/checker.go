package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/gantry/internal/migrate"
	"github.com/loykin/gantry/internal/pool"
)

// ErrCheckTimeout marks a readiness check that exceeded its deadline.
var ErrCheckTimeout = errors.New("health check timed out")

// Checker is one readiness probe. Implementations must be safe for
// concurrent use; Check must honor ctx cancellation.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// DBChecker pings the datastore. It is only ever invoked by the
// background refresher, never from a request handler.
type DBChecker struct {
	db *sql.DB
}

func NewDBChecker(dsn string) (*DBChecker, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DBChecker{db: db}, nil
}

func (c *DBChecker) Name() string { return "datastore" }

func (c *DBChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *DBChecker) Close() error { return c.db.Close() }

// SchemaChecker verifies the recorded schema version is current.
type SchemaChecker struct {
	Versions migrate.VersionStore
	Expect   int64 // 0 means "any applied version"
}

func (c *SchemaChecker) Name() string { return "schema" }

func (c *SchemaChecker) Check(ctx context.Context) error {
	v, err := c.Versions.Current(ctx)
	if err != nil {
		return err
	}
	if c.Expect > 0 && v < c.Expect {
		return fmt.Errorf("schema version %d below expected %d", v, c.Expect)
	}
	if c.Expect == 0 && v == 0 {
		return errors.New("no schema version recorded")
	}
	return nil
}

// PoolChecker reports readiness of the worker pool.
type PoolChecker struct {
	Pool *pool.Pool
}

func (c *PoolChecker) Name() string { return "workers" }

func (c *PoolChecker) Check(_ context.Context) error {
	if err := c.Pool.Err(); err != nil {
		return err
	}
	if !c.Pool.Healthy() {
		return errors.New("not all workers running")
	}
	return nil
}
