// Package probe waits for the datastore to accept connections before the
// supervisor proceeds. It runs once at startup, so it uses a fixed retry
// interval rather than backoff.
package probe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/gantry/internal/logger"
)

// ErrDependencyUnavailable is returned when the datastore never became
// reachable within the configured total deadline. It is fatal to startup.
var ErrDependencyUnavailable = errors.New("dependency unavailable")

// Prober pings a datastore DSN until it answers or a deadline elapses.
type Prober struct {
	DSN      string
	Total    time.Duration // overall deadline
	Interval time.Duration // fixed retry interval
}

// Wait blocks until the datastore accepts a ping, the total deadline
// elapses (ErrDependencyUnavailable), or ctx is cancelled.
func (p Prober) Wait(ctx context.Context) error {
	total := p.Total
	if total <= 0 {
		total = 60 * time.Second
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}

	db, err := sql.Open("pgx", p.DSN)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	defer func() { _ = db.Close() }()

	deadline := time.Now().Add(total)
	attempt := 0
	for {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			slog.Info("datastore reachable", "dsn", logger.RedactDSN(p.DSN), "attempts", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			slog.Error("datastore never became reachable",
				"dsn", logger.RedactDSN(p.DSN), "attempts", attempt, "total", total)
			return fmt.Errorf("%w after %s (%d attempts): %v", ErrDependencyUnavailable, total, attempt, err)
		}
		slog.Debug("datastore not ready, retrying", "attempt", attempt, "err", err)
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
