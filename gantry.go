// Package gantry supervises the startup of a multi-worker web service
// container: it waits for the datastore, applies schema migrations behind
// a cross-process lock, loads one-shot seed data, drops privileges, fans
// out the worker pool, and serves cached health endpoints throughout.
package gantry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/gantry/internal/config"
	"github.com/loykin/gantry/internal/health"
	"github.com/loykin/gantry/internal/history"
	"github.com/loykin/gantry/internal/history/factory"
	"github.com/loykin/gantry/internal/logger"
	"github.com/loykin/gantry/internal/metrics"
	"github.com/loykin/gantry/internal/migrate"
	"github.com/loykin/gantry/internal/pool"
	"github.com/loykin/gantry/internal/priv"
	"github.com/loykin/gantry/internal/probe"
	"github.com/loykin/gantry/internal/seed"
	"github.com/loykin/gantry/internal/startup"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Config = config.Config

type State = startup.State

type WorkerRecord = pool.WorkerRecord

type Snapshot = health.Snapshot

// LoadConfig reads the TOML configuration at path, applying defaults and
// environment fallbacks.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// LoadConfigForMigrate loads config for the migrate subcommand, where the
// worker pool section is optional.
func LoadConfigForMigrate(path string) (Config, error) { return config.LoadForMigrate(path) }

// Supervisor owns the startup sequence and the running service.
type Supervisor struct {
	cfg     Config
	tracker *startup.Tracker

	db      *sql.DB
	pool    *pool.Pool
	ref     *health.Refresher
	server  *http.Server
	dbCheck *health.DBChecker
	sink    history.Sink
}

func New(cfg Config) *Supervisor {
	// Register before the tracker exists: the metric helpers no-op until
	// registration, and the tracker records its initial state gauge.
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		slog.Warn("metrics registration failed", "err", err)
	}
	return &Supervisor{cfg: cfg, tracker: startup.NewTracker()}
}

// State returns the current startup state.
func (s *Supervisor) State() State { return s.tracker.State() }

// WaitReady blocks until the supervisor reaches Ready or fails.
func (s *Supervisor) WaitReady(ctx context.Context) error { return s.tracker.WaitReady(ctx) }

// Workers returns the current worker records; nil before launch.
func (s *Supervisor) Workers() []WorkerRecord {
	if s.pool == nil {
		return nil
	}
	return s.pool.Snapshot()
}

// Run drives the full lifecycle: startup sequence, then serving until ctx
// is cancelled or the worker pool fails. Any startup error moves the
// tracker to Failed and is returned; the caller should exit non-zero.
func (s *Supervisor) Run(ctx context.Context) error {
	logger.Setup(s.cfg.Log.Format, s.cfg.Log.Level)

	if err := s.start(ctx); err != nil {
		s.tracker.Fail(err)
		s.teardown()
		return err
	}

	err := s.serve(ctx)
	s.teardown()
	return err
}

func (s *Supervisor) start(ctx context.Context) error {
	cfg := s.cfg

	// 1. Dependency probe.
	if err := s.tracker.Transition(startup.StateProbingDependency); err != nil {
		return err
	}
	pr := probe.Prober{
		DSN:      cfg.Datastore.DSN,
		Total:    cfg.Datastore.ProbeTotal,
		Interval: cfg.Datastore.ProbeInterval,
	}
	if err := pr.Wait(ctx); err != nil {
		return err
	}

	// 2. Migration gate.
	if err := s.tracker.Transition(startup.StateMigratingSchema); err != nil {
		return err
	}
	db, err := sql.Open("pgx", cfg.Datastore.DSN)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	s.db = db

	env, err := cfg.GlobalEnv()
	if err != nil {
		return fmt.Errorf("assemble environment: %w", err)
	}

	gate := &migrate.Gate{
		Versions:       migrate.PgVersions{DB: db},
		Locker:         s.locker(db),
		Runner:         migrate.ToolRunner{Command: cfg.Migrate.Tool, ConfigFile: cfg.Migrate.ConfigFile, Env: env},
		ExpectVersion:  cfg.Migrate.ExpectVersion,
		AcquireTimeout: cfg.Migrate.AcquireTimeout,
		PollInterval:   cfg.Migrate.PollInterval,
	}
	if cfg.Migrate.Tool != "" {
		if _, err := gate.Apply(ctx); err != nil {
			return err
		}
	} else {
		slog.Info("no migration tool configured, skipping gate")
	}

	// 3. Seed data. Loads are idempotent upserts and each source file is
	// consumed on commit, so every startup may attempt them; a process
	// that lost the migration race simply finds the files already gone.
	if err := s.tracker.Transition(startup.StateSeedingData); err != nil {
		return err
	}
	if len(cfg.Seeds) > 0 {
		loader, err := seed.NewLoader(cfg.Datastore.DSN)
		if err != nil {
			return err
		}
		specs := make([]seed.Spec, 0, len(cfg.Seeds))
		for _, sp := range cfg.Seeds {
			specs = append(specs, seed.Spec{File: sp.File, Table: sp.Table, Key: sp.Key})
		}
		err = loader.Apply(ctx, specs)
		_ = loader.Close()
		if err != nil {
			return err
		}
	}

	// 4. Drop privileges before any worker exists.
	if err := priv.Drop(cfg.User); err != nil {
		return err
	}

	// 5. Worker pool.
	if err := s.tracker.Transition(startup.StateLaunchingWorkers); err != nil {
		return err
	}
	s.pool = pool.New(pool.Config{
		Count:              cfg.Pool.Count,
		Command:            cfg.Pool.Command,
		WorkDir:            cfg.Pool.WorkDir,
		Env:                append(env, cfg.Pool.Env...),
		Port:               cfg.Pool.Port,
		Grace:              cfg.Pool.Grace,
		StartDuration:      cfg.Pool.StartDuration,
		MaxRestarts:        cfg.Pool.MaxRestarts,
		RestartWindow:      cfg.Pool.RestartWindow,
		RestartInterval:    cfg.Pool.RestartInterval,
		HealthInterval:     cfg.Health.RefreshInterval,
		UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
		Log:                cfg.WorkerLogConfig(),
	})
	if cfg.History.DSN != "" {
		sink, err := factory.New(cfg.History.Type, cfg.History.DSN, cfg.History.Table)
		if err != nil {
			slog.Warn("history sink unavailable", "err", err)
		} else {
			s.sink = sink
			s.pool.SetHistorySinks(sink)
		}
	}
	if err := s.pool.Launch(ctx); err != nil {
		return err
	}

	// 6. Health endpoints. Readiness stays false until the transition
	// below lands, even though the server is already answering.
	checks := []health.Checker{&health.PoolChecker{Pool: s.pool}}
	if dbCheck, err := health.NewDBChecker(cfg.Datastore.DSN); err == nil {
		s.dbCheck = dbCheck
		checks = append(checks, dbCheck)
	}
	if cfg.Migrate.Tool != "" {
		checks = append(checks, &health.SchemaChecker{
			Versions: migrate.PgVersions{DB: db},
			Expect:   cfg.Migrate.ExpectVersion,
		})
	}
	s.ref = health.NewRefresher(s.tracker, cfg.Health.RefreshInterval, cfg.Health.CheckTimeout, checks...)
	s.ref.Start()
	router := health.NewRouter(s.ref, s.pool, cfg.Health.LivePath, cfg.Health.ReadyPath)
	s.server = health.NewServer(cfg.Server.Listen, router)

	if err := s.tracker.Transition(startup.StateReady); err != nil {
		return err
	}
	slog.Info("startup complete",
		"workers", cfg.Pool.Count, "listen", cfg.Server.Listen,
		"datastore", logger.RedactDSN(cfg.Datastore.DSN))
	return nil
}

func (s *Supervisor) locker(db *sql.DB) migrate.Locker {
	if s.cfg.Migrate.Lock == "file" {
		return &migrate.FileLeaseLocker{Path: s.cfg.Migrate.LockPath, Lease: s.cfg.Migrate.Lease}
	}
	return migrate.NewPgAdvisoryLocker(db, s.cfg.Migrate.LockKey)
}

// serve blocks until shutdown is requested or the pool fails.
func (s *Supervisor) serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
		slog.Info("shutdown requested")
		return nil
	case <-s.pool.Failed():
		err := s.pool.Err()
		s.tracker.Fail(err)
		return err
	}
}

func (s *Supervisor) teardown() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("health server shutdown", "err", err)
		}
		cancel()
	}
	if s.ref != nil {
		s.ref.Stop()
	}
	if s.pool != nil {
		s.pool.Shutdown()
	}
	if s.dbCheck != nil {
		_ = s.dbCheck.Close()
	}
	if c, ok := s.sink.(interface{ Close() error }); ok && c != nil {
		_ = c.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
