package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/gantry/internal/env"
	"github.com/loykin/gantry/internal/logger"
)

// Config is the top-level TOML structure for the gantry supervisor.
//
// Example:
//
//	user = "app"
//
//	[datastore]
//	dsn = "postgres://app@db:5432/app"   # falls back to $DATABASE_URL
//	probe_total = "60s"
//	probe_interval = "1s"
//
//	[migrate]
//	tool = "alembic -c /app/alembic.ini upgrade head"
//
//	[pool]
//	count = 4
//	command = "python -m app.worker"
//
//	[server]
//	listen = ":8080"
type Config struct {
	User      string       `mapstructure:"user"` // unprivileged identity to drop to
	Env       []string     `mapstructure:"env"`
	EnvFiles  []string     `mapstructure:"env_files"`
	UseOSEnv  bool         `mapstructure:"use_os_env"`
	Log       LogConfig    `mapstructure:"log"`
	Datastore Datastore    `mapstructure:"datastore"`
	Migrate   Migrate      `mapstructure:"migrate"`
	Seeds     []Seed       `mapstructure:"seed"`
	Pool      Pool         `mapstructure:"pool"`
	Server    Server       `mapstructure:"server"`
	Health    Health       `mapstructure:"health"`
	History   History      `mapstructure:"history"`
	WorkerLog WorkerLogCfg `mapstructure:"worker_log"`
}

type LogConfig struct {
	Format string `mapstructure:"format"` // text|json|color
	Level  string `mapstructure:"level"`  // debug|info|warn|error
}

// WorkerLogCfg mirrors logger.Config for worker stdout/stderr rotation.
type WorkerLogCfg struct {
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type Datastore struct {
	DSN           string        `mapstructure:"dsn"`
	ProbeTotal    time.Duration `mapstructure:"probe_total"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

type Migrate struct {
	Tool           string        `mapstructure:"tool"`        // external migration command
	ConfigFile     string        `mapstructure:"config_file"` // passed to the tool when set
	ExpectVersion  int64         `mapstructure:"expect_version"`
	Lock           string        `mapstructure:"lock"` // postgres|file
	LockKey        int64         `mapstructure:"lock_key"`
	LockPath       string        `mapstructure:"lock_path"`
	Lease          time.Duration `mapstructure:"lease"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// Seed declares a one-shot JSON data load applied after the migration
// step. Loads are idempotent upserts and the source file is removed once
// the load commits, so repeated startups are safe.
type Seed struct {
	File  string `mapstructure:"file"`
	Table string `mapstructure:"table"`
	Key   string `mapstructure:"key"` // conflict column for upsert, default "id"
}

type Pool struct {
	Count           int           `mapstructure:"count"`
	Command         string        `mapstructure:"command"`
	WorkDir         string        `mapstructure:"workdir"`
	Env             []string      `mapstructure:"env"`
	Port            int           `mapstructure:"port"` // exported to workers as PORT
	Grace           time.Duration `mapstructure:"grace"`
	StartDuration   time.Duration `mapstructure:"start_duration"`
	MaxRestarts     int           `mapstructure:"max_restarts"`
	RestartWindow   time.Duration `mapstructure:"restart_window"`
	RestartInterval time.Duration `mapstructure:"restart_interval"`
}

type Server struct {
	Listen string `mapstructure:"listen"`
}

type Health struct {
	LivePath           string        `mapstructure:"live_path"`
	ReadyPath          string        `mapstructure:"ready_path"`
	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`
	CheckTimeout       time.Duration `mapstructure:"check_timeout"`
	UnhealthyThreshold int           `mapstructure:"unhealthy_threshold"`
}

type History struct {
	Type  string `mapstructure:"type"` // sqlite|postgres|clickhouse|""
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// Defaults returns a Config populated with the documented defaults.
func Defaults() Config {
	return Config{
		Log: LogConfig{Format: "text", Level: "info"},
		Datastore: Datastore{
			ProbeTotal:    60 * time.Second,
			ProbeInterval: time.Second,
		},
		Migrate: Migrate{
			Lock:           "postgres",
			LockKey:        0x67616e74, // "gant"
			Lease:          60 * time.Second,
			AcquireTimeout: 2 * time.Minute,
			PollInterval:   500 * time.Millisecond,
		},
		Pool: Pool{
			Count:           1,
			Port:            8000,
			Grace:           10 * time.Second,
			MaxRestarts:     5,
			RestartWindow:   time.Minute,
			RestartInterval: time.Second,
		},
		Server: Server{Listen: ":8080"},
		Health: Health{
			LivePath:           "/healthz/live",
			ReadyPath:          "/healthz/ready",
			RefreshInterval:    5 * time.Second,
			CheckTimeout:       2 * time.Second,
			UnhealthyThreshold: 3,
		},
	}
}

// Load reads a TOML config file and applies defaults and environment
// fallbacks. path may be empty, in which case only defaults and the
// environment are used.
func Load(path string) (Config, error) {
	cfg, err := load(path)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadForMigrate reads config for a migrate-only invocation: the pool
// section is not required, so the same file works in an init container.
func LoadForMigrate(path string) (Config, error) {
	cfg, err := load(path)
	if err != nil {
		return cfg, err
	}
	if cfg.Datastore.DSN == "" {
		return cfg, errors.New("datastore.dsn is required (set it in config or DATABASE_URL)")
	}
	return cfg, nil
}

func load(path string) (Config, error) {
	cfg := Defaults()
	// Defaults() pre-fills pool.count, so the env fallback must key on
	// whether the file actually set it, not on the merged value.
	fileSetsCount := false
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, err
		}
		fileSetsCount = v.IsSet("pool.count")
	}
	if cfg.Datastore.DSN == "" {
		cfg.Datastore.DSN = os.Getenv("DATABASE_URL")
	}
	if !fileSetsCount {
		if n := os.Getenv("WEB_CONCURRENCY"); n != "" {
			if c, err := strconv.Atoi(n); err == nil && c > 0 {
				cfg.Pool.Count = c
			}
		}
	}
	return cfg, nil
}

// Validate checks cross-field constraints before the supervisor starts.
func (c *Config) Validate() error {
	if c.Datastore.DSN == "" {
		return errors.New("datastore.dsn is required (set it in config or DATABASE_URL)")
	}
	if c.Pool.Count <= 0 {
		return errors.New("pool.count must be >= 1")
	}
	if c.Pool.Command == "" {
		return errors.New("pool.command is required")
	}
	switch c.Migrate.Lock {
	case "", "postgres", "file":
	default:
		return fmt.Errorf("migrate.lock must be postgres or file, got %q", c.Migrate.Lock)
	}
	if c.Migrate.Lock == "file" && c.Migrate.LockPath == "" {
		return errors.New("migrate.lock_path is required when migrate.lock = file")
	}
	for i, s := range c.Seeds {
		if s.File == "" || s.Table == "" {
			return fmt.Errorf("seed[%d] requires both file and table", i)
		}
	}
	return nil
}

// WorkerLogConfig converts the worker_log table into a logger.Config.
func (c *Config) WorkerLogConfig() logger.Config {
	return logger.Config{
		Dir:        c.WorkerLog.Dir,
		MaxSizeMB:  c.WorkerLog.MaxSizeMB,
		MaxBackups: c.WorkerLog.MaxBackups,
		MaxAgeDays: c.WorkerLog.MaxAgeDays,
		Compress:   c.WorkerLog.Compress,
	}
}

// GlobalEnv merges environment for worker processes: OS env (when enabled)
// as base, then env_files in order, then the top-level env list last.
// ${VAR} references are expanded against the composed result.
func (c *Config) GlobalEnv() ([]string, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, p := range c.EnvFiles {
		if err := e.FromFile(p); err != nil {
			return nil, err
		}
	}
	for _, kv := range c.Env {
		e.SetKV(kv)
	}
	return e.Merge(), nil
}
