package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App struct {
		Name     string `envconfig:"APP_NAME" default:"finsync"`
		Env      string `envconfig:"APP_ENV" default:"local"`
		Port     int    `envconfig:"PORT" default:"8080"`
		LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	}

	DB struct {
		Driver   string `envconfig:"DB_DRIVER" default:"postgres"`
		Host     string `envconfig:"DB_HOST" default:"localhost"`
		Port     int    `envconfig:"DB_PORT" default:"5432"`
		User     string `envconfig:"DB_USER" default:"postgres"`
		Password string `envconfig:"DB_PASSWORD" default:""`
		Name     string `envconfig:"DB_NAME" default:"finsync"`
	}

	Server struct {
		Timeout time.Duration `envconfig:"SERVER_TIMEOUT" default:"30s"`
	}

	Aggregator struct {
		BaseURL   string        `envconfig:"AGGREGATOR_BASE_URL" default:"https://sandbox.plaid.com"`
		ClientID  string        `envconfig:"AGGREGATOR_CLIENT_ID"`
		Secret    string        `envconfig:"AGGREGATOR_SECRET"`
		Timeout   time.Duration `envconfig:"AGGREGATOR_TIMEOUT" default:"20s"`
		RateLimit float64       `envconfig:"AGGREGATOR_RATE_LIMIT" default:"5"`
		RateBurst int           `envconfig:"AGGREGATOR_RATE_BURST" default:"5"`
		PageSize  int           `envconfig:"AGGREGATOR_PAGE_SIZE" default:"500"`
	}

	Webhook struct {
		HMACSecret   string        `envconfig:"WEBHOOK_HMAC_SECRET"`
		Tolerance    time.Duration `envconfig:"WEBHOOK_TOLERANCE" default:"5m"`
		MaxBodyBytes int64         `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
	}

	Sync struct {
		BatchSize       int           `envconfig:"SYNC_BATCH_SIZE" default:"25"`
		SafetyNetWindow time.Duration `envconfig:"SYNC_SAFETY_NET_WINDOW" default:"6h"`
		LeaseTTL        time.Duration `envconfig:"SYNC_LEASE_TTL" default:"30m"`
	}

	Cleanup struct {
		InactiveFor time.Duration `envconfig:"CLEANUP_INACTIVE_FOR" default:"2160h"`
		Grace       time.Duration `envconfig:"CLEANUP_GRACE" default:"336h"`
	}

	Jobs struct {
		Secret           string        `envconfig:"JOB_RUNNER_SECRET"`
		SchedulerEnabled bool          `envconfig:"SCHEDULER_ENABLED" default:"false"`
		ProcessDueEvery  time.Duration `envconfig:"SCHEDULER_PROCESS_DUE_EVERY" default:"5m"`
		SafetyNetEvery   time.Duration `envconfig:"SCHEDULER_SAFETY_NET_EVERY" default:"1h"`
		CleanupEvery     time.Duration `envconfig:"SCHEDULER_CLEANUP_EVERY" default:"24h"`
		RunTimeout       time.Duration `envconfig:"SCHEDULER_RUN_TIMEOUT" default:"10m"`
	}

	Secrets struct {
		// Base64-encoded 32 byte key used to seal stored access tokens.
		Key string `envconfig:"SECRETS_KEY"`
	}
}

func (c *Config) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name)
}

// IsLocal reports whether the app runs in a developer or test environment, where
// unauthenticated webhooks and job triggers are tolerated with a warning.
func (c *Config) IsLocal() bool {
	switch strings.ToLower(c.App.Env) {
	case "local", "test":
		return true
	}

	return false
}

func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.App.LogLevel)); err != nil {
		return slog.LevelInfo
	}

	return level
}

// Validate checks settings that have no safe default outside local environments.
func (c *Config) Validate() error {
	var errs []error

	switch c.DB.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.DB.Driver))
	}

	if c.Sync.BatchSize <= 0 {
		errs = append(errs, errors.New("SYNC_BATCH_SIZE must be positive"))
	}

	if c.Sync.LeaseTTL <= c.Jobs.RunTimeout {
		errs = append(errs, errors.New("SYNC_LEASE_TTL must exceed SCHEDULER_RUN_TIMEOUT"))
	}

	if c.Cleanup.InactiveFor <= 0 || c.Cleanup.Grace <= 0 {
		errs = append(errs, errors.New("CLEANUP_INACTIVE_FOR and CLEANUP_GRACE must be positive"))
	}

	if !c.IsLocal() {
		if c.Jobs.Secret == "" {
			errs = append(errs, errors.New("JOB_RUNNER_SECRET is required outside local environments"))
		}

		if c.Secrets.Key == "" && c.DB.Driver == "postgres" {
			errs = append(errs, errors.New("SECRETS_KEY is required outside local environments"))
		}
	}

	return errors.Join(errs...)
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}
