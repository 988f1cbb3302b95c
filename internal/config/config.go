// Package config loads trilha settings from a config file, the environment
// and an optional .env file.
//
// Precedence, highest first: TRILHA_* environment variables (after .env is
// applied), the config file, built-in defaults. Nested keys map to
// environment variables with dots replaced by underscores, so
// account.user_id is TRILHA_ACCOUNT_USER_ID.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/koinelab/trilha/internal/account"
	"github.com/koinelab/trilha/internal/logger"
	"github.com/koinelab/trilha/internal/progress/daemon"
	"github.com/koinelab/trilha/internal/progress/dashboard"
	"github.com/koinelab/trilha/internal/progress/queue"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRILHA"

// Cloud backends.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the full trilha configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Log       LogConfig       `mapstructure:"log"`
	Account   AccountConfig   `mapstructure:"account"`
	Cloud     CloudConfig     `mapstructure:"cloud"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type LogConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// AccountConfig describes the signed-in learner. An empty UserID means
// signed out.
type AccountConfig struct {
	UserID        string `mapstructure:"user_id"`
	DisplayName   string `mapstructure:"display_name"`
	Email         string `mapstructure:"email"`
	Plan          string `mapstructure:"plan"`
	PlanExpiresAt string `mapstructure:"plan_expires_at"`
}

type CloudConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
}

type QueueConfig struct {
	FirstRetryDelay time.Duration `mapstructure:"first_retry_delay"`
	RetryStep       time.Duration `mapstructure:"retry_step"`
	MaxRetries      int           `mapstructure:"max_retries"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
}

type DaemonConfig struct {
	DrainInterval    time.Duration `mapstructure:"drain_interval"`
	FullSyncInterval time.Duration `mapstructure:"full_sync_interval"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	InboxDir         string        `mapstructure:"inbox_dir"`
}

type DashboardConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	q := queue.DefaultConfig()
	d := daemon.DefaultConfig()
	dash := dashboard.DefaultConfig()
	return &Config{
		DataDir: ".trilha",
		Log:     LogConfig{Mode: "development", Level: "info"},
		Account: AccountConfig{Plan: string(account.PlanFree)},
		Cloud:   CloudConfig{Backend: BackendNone},
		Queue: QueueConfig{
			FirstRetryDelay: q.FirstRetryDelay,
			RetryStep:       q.RetryStep,
			MaxRetries:      q.MaxRetries,
			AttemptTimeout:  q.AttemptTimeout,
		},
		Daemon: DaemonConfig{
			DrainInterval:    d.DrainInterval,
			FullSyncInterval: d.FullSyncInterval,
			ProbeInterval:    d.ProbeInterval,
		},
		Dashboard: DashboardConfig{Host: dash.Host, Port: dash.Port},
	}
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("log.mode", def.Log.Mode)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.file", "")
	v.SetDefault("account.user_id", "")
	v.SetDefault("account.display_name", "")
	v.SetDefault("account.email", "")
	v.SetDefault("account.plan", def.Account.Plan)
	v.SetDefault("account.plan_expires_at", "")
	v.SetDefault("cloud.backend", def.Cloud.Backend)
	v.SetDefault("cloud.redis_addr", "")
	v.SetDefault("cloud.redis_password", "")
	v.SetDefault("cloud.redis_db", 0)
	v.SetDefault("cloud.postgres_dsn", "")
	v.SetDefault("queue.first_retry_delay", def.Queue.FirstRetryDelay)
	v.SetDefault("queue.retry_step", def.Queue.RetryStep)
	v.SetDefault("queue.max_retries", def.Queue.MaxRetries)
	v.SetDefault("queue.attempt_timeout", def.Queue.AttemptTimeout)
	v.SetDefault("daemon.drain_interval", def.Daemon.DrainInterval)
	v.SetDefault("daemon.full_sync_interval", def.Daemon.FullSyncInterval)
	v.SetDefault("daemon.probe_interval", def.Daemon.ProbeInterval)
	v.SetDefault("daemon.inbox_dir", "")
	v.SetDefault("dashboard.host", def.Dashboard.Host)
	v.SetDefault("dashboard.port", def.Dashboard.Port)
}

// Load reads configuration. An explicit path must exist; otherwise
// trilha.{toml,yaml} is searched in the working directory and the user
// config directory, and a missing file is not an error. A .env file in the
// working directory is applied first without overriding the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("trilha")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "trilha"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := account.ParsePlan(c.Account.Plan); err != nil {
		return fmt.Errorf("account.plan: %w", err)
	}
	if _, err := c.PlanExpiry(); err != nil {
		return err
	}
	switch c.Cloud.Backend {
	case "", BackendNone, BackendMemory:
	case BackendRedis:
		if c.Cloud.RedisAddr == "" {
			return fmt.Errorf("cloud.redis_addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.Cloud.PostgresDSN == "" {
			return fmt.Errorf("cloud.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown cloud.backend %q (want none, memory, redis or postgres)", c.Cloud.Backend)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be non-negative (got %d)", c.Queue.MaxRetries)
	}
	if c.Queue.FirstRetryDelay <= 0 || c.Queue.RetryStep <= 0 {
		return fmt.Errorf("queue retry delays must be positive")
	}
	return nil
}

// DBPath is the local progress database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "progress.db")
}

// InboxDir is the watched import directory, defaulting to DataDir/inbox.
func (c *Config) InboxDir() string {
	if c.Daemon.InboxDir != "" {
		return c.Daemon.InboxDir
	}
	return filepath.Join(c.DataDir, "inbox")
}

// PlanExpiry parses account.plan_expires_at as RFC 3339 or a plain date.
// The zero time means no expiry.
func (c *Config) PlanExpiry() (time.Time, error) {
	s := strings.TrimSpace(c.Account.PlanExpiresAt)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("account.plan_expires_at: want RFC 3339 or YYYY-MM-DD, got %q", s)
	}
	return t, nil
}

// NewAccount builds the learner account described by the config.
func (c *Config) NewAccount() (*account.Static, error) {
	plan, err := account.ParsePlan(c.Account.Plan)
	if err != nil {
		return nil, err
	}
	expires, err := c.PlanExpiry()
	if err != nil {
		return nil, err
	}
	var user *account.User
	if c.Account.UserID != "" {
		user = &account.User{
			ID:          c.Account.UserID,
			DisplayName: c.Account.DisplayName,
			Email:       c.Account.Email,
		}
	}
	return account.NewStatic(user, plan, expires), nil
}

// NewLogger builds the logger described by the config.
func (c *Config) NewLogger() (*logger.Logger, error) {
	return logger.NewWithOptions(logger.Options{
		Mode:  c.Log.Mode,
		Level: c.Log.Level,
		File:  c.Log.File,
	})
}

// QueueConfig returns the retry policy for the sync queue.
func (c *Config) QueueConfig() *queue.Config {
	q := queue.DefaultConfig()
	q.FirstRetryDelay = c.Queue.FirstRetryDelay
	q.RetryStep = c.Queue.RetryStep
	q.MaxRetries = c.Queue.MaxRetries
	if c.Queue.AttemptTimeout > 0 {
		q.AttemptTimeout = c.Queue.AttemptTimeout
	}
	return q
}

// DaemonConfig returns the daemon schedule.
func (c *Config) DaemonConfig(log *logger.Logger) *daemon.Config {
	d := daemon.DefaultConfig()
	d.DrainInterval = c.Daemon.DrainInterval
	d.FullSyncInterval = c.Daemon.FullSyncInterval
	d.ProbeInterval = c.Daemon.ProbeInterval
	d.InboxDir = c.InboxDir()
	d.Logger = log
	return d
}

// DashboardConfig returns the dashboard listener settings.
func (c *Config) DashboardConfig(log *logger.Logger) *dashboard.Config {
	return &dashboard.Config{Host: c.Dashboard.Host, Port: c.Dashboard.Port, Logger: log}
}

// template is the on-disk shape written by WriteTemplate. Durations are
// strings so the file stays readable.
type template struct {
	DataDir string `toml:"data_dir"`
	Log     struct {
		Mode  string `toml:"mode"`
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"log"`
	Account struct {
		UserID        string `toml:"user_id"`
		DisplayName   string `toml:"display_name"`
		Email         string `toml:"email"`
		Plan          string `toml:"plan"`
		PlanExpiresAt string `toml:"plan_expires_at"`
	} `toml:"account"`
	Cloud struct {
		Backend       string `toml:"backend"`
		RedisAddr     string `toml:"redis_addr"`
		RedisPassword string `toml:"redis_password"`
		RedisDB       int    `toml:"redis_db"`
		PostgresDSN   string `toml:"postgres_dsn"`
	} `toml:"cloud"`
	Queue struct {
		FirstRetryDelay string `toml:"first_retry_delay"`
		RetryStep       string `toml:"retry_step"`
		MaxRetries      int    `toml:"max_retries"`
		AttemptTimeout  string `toml:"attempt_timeout"`
	} `toml:"queue"`
	Daemon struct {
		DrainInterval    string `toml:"drain_interval"`
		FullSyncInterval string `toml:"full_sync_interval"`
		ProbeInterval    string `toml:"probe_interval"`
		InboxDir         string `toml:"inbox_dir"`
	} `toml:"daemon"`
	Dashboard struct {
		Host string `toml:"host"`
		Port int    `toml:"port"`
	} `toml:"dashboard"`
}

func newTemplate(c *Config) template {
	var t template
	t.DataDir = c.DataDir
	t.Log.Mode, t.Log.Level, t.Log.File = c.Log.Mode, c.Log.Level, c.Log.File
	t.Account.UserID = c.Account.UserID
	t.Account.DisplayName = c.Account.DisplayName
	t.Account.Email = c.Account.Email
	t.Account.Plan = c.Account.Plan
	t.Account.PlanExpiresAt = c.Account.PlanExpiresAt
	t.Cloud.Backend = c.Cloud.Backend
	t.Cloud.RedisAddr = c.Cloud.RedisAddr
	t.Cloud.RedisPassword = c.Cloud.RedisPassword
	t.Cloud.RedisDB = c.Cloud.RedisDB
	t.Cloud.PostgresDSN = c.Cloud.PostgresDSN
	t.Queue.FirstRetryDelay = c.Queue.FirstRetryDelay.String()
	t.Queue.RetryStep = c.Queue.RetryStep.String()
	t.Queue.MaxRetries = c.Queue.MaxRetries
	t.Queue.AttemptTimeout = c.Queue.AttemptTimeout.String()
	t.Daemon.DrainInterval = c.Daemon.DrainInterval.String()
	t.Daemon.FullSyncInterval = c.Daemon.FullSyncInterval.String()
	t.Daemon.ProbeInterval = c.Daemon.ProbeInterval.String()
	t.Daemon.InboxDir = c.Daemon.InboxDir
	t.Dashboard.Host, t.Dashboard.Port = c.Dashboard.Host, c.Dashboard.Port
	return t
}

// ErrExists is returned by WriteTemplate when the target file exists and
// overwrite was not requested.
var ErrExists = errors.New("config file already exists")

// WriteTemplate writes the default configuration as TOML to path.
func WriteTemplate(path string, overwrite bool) error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		return fmt.Errorf("failed to create config file: %w", err)
	}

	if _, err := fmt.Fprintln(f, "# trilha configuration. Environment variables TRILHA_<SECTION>_<KEY> override these values."); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := Default().WriteTOML(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteTOML encodes c in config file form with secrets masked.
func (c *Config) WriteTOML(w io.Writer) error {
	t := newTemplate(c)
	if t.Cloud.RedisPassword != "" {
		t.Cloud.RedisPassword = "********"
	}
	if t.Cloud.PostgresDSN != "" {
		t.Cloud.PostgresDSN = maskDSN(t.Cloud.PostgresDSN)
	}
	if err := toml.NewEncoder(w).Encode(t); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// maskDSN hides the password of a postgres URL. Key/value DSNs are hidden
// entirely.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "********"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
