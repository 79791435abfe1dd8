// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	// DatabaseURL points at the default tenant's database. Other tenants live
	// in sibling databases on the same server, named after the tenant.
	DatabaseURL       string        `env:"DATABASE_URL,required"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS"          envDefault:"10"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`

	// ── Tenants ──────────────────────────────────────────────────────────────────
	// Extra tenant database names beyond the default one. The default tenant's
	// name is taken from the database in DATABASE_URL.
	Tenants []string `env:"TENANTS" envSeparator:","`

	// ── Worker ───────────────────────────────────────────────────────────────────
	PollInterval      time.Duration `env:"WORKER_POLL_INTERVAL"      envDefault:"5s"`
	HeartbeatInterval time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"5s"`
	// Executable used when spawning task child processes and detached workers.
	// Empty means os.Executable().
	WorkerExecutable string `env:"WORKER_EXECUTABLE"`

	// ── Logs ─────────────────────────────────────────────────────────────────────
	LogDir string `env:"LOG_DIR" envDefault:"log"`
	// Total size cap for task log files, enforced at worker shutdown.
	MaxTotalLogFileSizeMB int `env:"MAX_TOTAL_LOG_FILE_SIZE_MB" envDefault:"200"`

	// ── Notifications ────────────────────────────────────────────────────────────
	NotifyBatchSize int `env:"NOTIFY_BATCH_SIZE" envDefault:"50"`

	// ── Email — SMTP ─────────────────────────────────────────────────────────────
	// An empty SMTPHost disables outbound mail; the scheduler and the
	// notification worker then record a message instead of sending.
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"25"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"data-admin@localhost"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	AppEnv    string `env:"APP_ENV"    envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// TestMode reports whether the process runs under the test harness. The
// notification engine skips its idle grace sleep in test mode to keep the
// suite fast; the queue worker always sleeps out its grace interval.
func (c *Config) TestMode() bool {
	_, ok := os.LookupEnv("DATA_ADMIN_TEST")
	return ok
}

// DefaultTenant returns the name of the default tenant, i.e. the database
// named in DatabaseURL.
func (c *Config) DefaultTenant() (string, error) {
	pc, err := pgxpool.ParseConfig(c.DatabaseURL)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}
	return pc.ConnConfig.Database, nil
}

// Executable returns the binary to invoke for child task processes and
// detached workers.
func (c *Config) Executable() (string, error) {
	if c.WorkerExecutable != "" {
		return c.WorkerExecutable, nil
	}
	return os.Executable()
}
