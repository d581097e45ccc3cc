package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/gantry"
	"github.com/loykin/gantry/internal/logger"
	"github.com/loykin/gantry/internal/migrate"
)

// createServeCommand runs the full supervisor until SIGTERM/SIGINT.
func createServeCommand(flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor: probe, migrate, seed, launch workers, serve health",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := gantry.LoadConfig(flags.ConfigPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return gantry.New(cfg).Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&flags.ConfigPath, "config", "c", "", "path to TOML config")
	return cmd
}

// createMigrateCommand applies migrations through the gate and exits, for
// init-container or one-off use.
func createMigrateCommand(flags *MigrateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations under the cross-process lock and exit",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := gantry.LoadConfigForMigrate(flags.ConfigPath)
			if err != nil {
				return err
			}
			logger.Setup(cfg.Log.Format, cfg.Log.Level)

			ctx, cancel := context.WithTimeout(context.Background(), flags.Timeout)
			defer cancel()

			out, err := runMigrateOnly(ctx, cfg)
			if err != nil {
				return err
			}
			if out.AlreadyCurrent() {
				c.Printf("schema already current at version %d\n", out.Version)
			} else {
				c.Printf("migrated to version %d\n", out.Version)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.ConfigPath, "config", "c", "", "path to TOML config")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 5*time.Minute, "overall migration deadline")
	return cmd
}

func runMigrateOnly(ctx context.Context, cfg gantry.Config) (migrate.Outcome, error) {
	if cfg.Migrate.Tool == "" {
		return migrate.Outcome{}, fmt.Errorf("migrate.tool is not configured")
	}
	db, err := sql.Open("pgx", cfg.Datastore.DSN)
	if err != nil {
		return migrate.Outcome{}, err
	}
	defer func() { _ = db.Close() }()

	env, err := cfg.GlobalEnv()
	if err != nil {
		return migrate.Outcome{}, err
	}

	var locker migrate.Locker
	if cfg.Migrate.Lock == "file" {
		locker = &migrate.FileLeaseLocker{Path: cfg.Migrate.LockPath, Lease: cfg.Migrate.Lease}
	} else {
		locker = migrate.NewPgAdvisoryLocker(db, cfg.Migrate.LockKey)
	}
	gate := &migrate.Gate{
		Versions:       migrate.PgVersions{DB: db},
		Locker:         locker,
		Runner:         migrate.ToolRunner{Command: cfg.Migrate.Tool, ConfigFile: cfg.Migrate.ConfigFile, Env: env},
		ExpectVersion:  cfg.Migrate.ExpectVersion,
		AcquireTimeout: cfg.Migrate.AcquireTimeout,
		PollInterval:   cfg.Migrate.PollInterval,
	}
	return gate.Apply(ctx)
}

// createStatusCommand queries a running supervisor's status endpoint.
func createStatusCommand(flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show startup state and worker records of a running supervisor",
		RunE: func(c *cobra.Command, _ []string) error {
			url := flags.APIUrl
			if url == "" && flags.ConfigPath != "" {
				cfg, err := gantry.LoadConfig(flags.ConfigPath)
				if err != nil {
					return err
				}
				url = listenToURL(cfg.Server.Listen)
			}
			if url == "" {
				url = "http://127.0.0.1:8080"
			}

			client := &http.Client{Timeout: flags.APITimeout}
			resp, err := client.Get(url + "/status")
			if err != nil {
				return fmt.Errorf("query %s: %w", url, err)
			}
			defer func() { _ = resp.Body.Close() }()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var pretty map[string]any
			if err := json.Unmarshal(body, &pretty); err != nil {
				return fmt.Errorf("unexpected response: %s", string(body))
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")
			c.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.ConfigPath, "config", "c", "", "path to TOML config")
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "supervisor base URL (overrides config)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 5*time.Second, "request timeout")
	return cmd
}

// listenToURL turns a listen address like ":8080" into a local base URL.
func listenToURL(listen string) string {
	if listen == "" {
		return ""
	}
	if listen[0] == ':' {
		return "http://127.0.0.1" + listen
	}
	return "http://" + listen
}
