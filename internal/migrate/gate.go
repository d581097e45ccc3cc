// Package migrate runs the external schema migration tool exactly once
// across all processes sharing the datastore, behind a crash-safe lock.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/gantry/internal/metrics"
	"github.com/loykin/gantry/internal/process"
)

// ErrMigrationFailed wraps any fatal gate failure: tool exit, lock
// acquisition timeout, or version bookkeeping errors. The supervisor must
// not launch workers after seeing it.
var ErrMigrationFailed = errors.New("migration failed")

// Outcome reports what the gate did.
// AppliedN == 0 means the schema was already current and the tool was not run.
type Outcome struct {
	AppliedN int   // number of version steps this process applied
	Version  int64 // schema version after the gate
}

// AlreadyCurrent reports whether this process skipped the migration tool
// because another holder had already brought the schema up to date.
func (o Outcome) AlreadyCurrent() bool { return o.AppliedN == 0 }

// Locker provides at-most-one-holder semantics across processes.
// Implementations must release on crash (session scope or lease expiry);
// an in-process mutex is not sufficient.
type Locker interface {
	// TryAcquire attempts to take the lock without blocking.
	TryAcquire(ctx context.Context) (bool, error)
	// Release gives the lock up. Safe to call when not held.
	Release(ctx context.Context) error
}

// VersionStore records which schema version the gate has brought the
// datastore to. Implementations must be usable before migrations ran.
type VersionStore interface {
	Ensure(ctx context.Context) error
	Current(ctx context.Context) (int64, error)
	Record(ctx context.Context, v int64) error
}

// Runner invokes the migration tool synchronously.
type Runner interface {
	Run(ctx context.Context) error
}

// ToolRunner runs an external migration command, appending the
// configuration file path when one is configured. A non-zero exit status
// is a failure.
type ToolRunner struct {
	Command    string
	ConfigFile string
	Env        []string
}

func (r ToolRunner) Run(_ context.Context) error {
	cmdStr := r.Command
	if r.ConfigFile != "" {
		cmdStr += " " + r.ConfigFile
	}
	spec := process.Spec{Name: "migrate", Command: cmdStr}
	cmd := spec.BuildCommand()
	if len(r.Env) > 0 {
		cmd.Env = r.Env
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := string(out)
		if len(tail) > 2048 {
			tail = tail[len(tail)-2048:]
		}
		return fmt.Errorf("migration tool %q: %w; output: %s", r.Command, err, tail)
	}
	return nil
}

// Gate coordinates schema migration across contending processes.
type Gate struct {
	Versions       VersionStore
	Locker         Locker
	Runner         Runner
	ExpectVersion  int64         // 0 means "tool owns versioning"; > 0 pins the target
	AcquireTimeout time.Duration // bounded wait for the lock
	PollInterval   time.Duration // poll cadence while another holder works
}

// Apply brings the schema up to date. At most one contending process runs
// the tool; the rest observe AlreadyCurrent after the version re-check.
// Any error is fatal to startup.
func (g *Gate) Apply(ctx context.Context) (Outcome, error) {
	out, err := g.apply(ctx)
	switch {
	case err != nil:
		metrics.IncMigrationOutcome("failed")
	case out.AlreadyCurrent():
		metrics.IncMigrationOutcome("already_current")
	default:
		metrics.IncMigrationOutcome("applied")
	}
	return out, err
}

func (g *Gate) apply(ctx context.Context) (Outcome, error) {
	if err := g.Versions.Ensure(ctx); err != nil {
		return Outcome{}, fmt.Errorf("%w: ensure version table: %v", ErrMigrationFailed, err)
	}
	v0, err := g.Versions.Current(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: read version: %v", ErrMigrationFailed, err)
	}
	if g.ExpectVersion > 0 && v0 >= g.ExpectVersion {
		slog.Info("schema already current", "version", v0)
		return Outcome{Version: v0}, nil
	}

	timeout := g.AcquireTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	poll := g.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		got, err := g.Locker.TryAcquire(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: acquire lock: %v", ErrMigrationFailed, err)
		}
		if got {
			out, err := g.applyLocked(ctx, v0)
			if relErr := g.Locker.Release(ctx); relErr != nil && err == nil {
				slog.Warn("migration lock release failed", "err", relErr)
			}
			return out, err
		}

		// Another process holds the lock. It may complete the work for us:
		// re-check the version rather than queueing up to run the tool again.
		if v, verr := g.Versions.Current(ctx); verr == nil && g.currentEnough(v, v0) {
			slog.Info("migration completed by another process", "version", v)
			return Outcome{Version: v}, nil
		}

		if time.Now().After(deadline) {
			return Outcome{}, fmt.Errorf("%w: lock acquisition timed out after %s", ErrMigrationFailed, timeout)
		}
		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
}

// applyLocked runs with the lock held.
func (g *Gate) applyLocked(ctx context.Context, v0 int64) (Outcome, error) {
	// The previous holder may have finished between our version check and
	// the acquisition; re-check before running the tool.
	v, err := g.Versions.Current(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: read version: %v", ErrMigrationFailed, err)
	}
	if g.currentEnough(v, v0) {
		slog.Info("schema already current under lock", "version", v)
		return Outcome{Version: v}, nil
	}

	slog.Info("applying migrations", "from_version", v)
	if err := g.Runner.Run(ctx); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	newV := v + 1
	if g.ExpectVersion > 0 {
		newV = g.ExpectVersion
	}
	if err := g.Versions.Record(ctx, newV); err != nil {
		return Outcome{}, fmt.Errorf("%w: record version %d: %v", ErrMigrationFailed, newV, err)
	}
	slog.Info("migrations applied", "version", newV)
	return Outcome{AppliedN: int(newV - v), Version: newV}, nil
}

// currentEnough decides whether version v means "someone else already did
// the work" relative to the version v0 seen when the gate started.
func (g *Gate) currentEnough(v, v0 int64) bool {
	if g.ExpectVersion > 0 {
		return v >= g.ExpectVersion
	}
	return v > v0
}
