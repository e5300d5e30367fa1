// Package config defines the configuration structure for the Uplift
// notification service. Configuration is loaded once at process start and is
// immutable thereafter, following 12-Factor principles: values come from the
// OS environment, optionally seeded from a .env file for local development.
//
// Any missing required value or invalid format causes startup to fail
// immediately (fail fast).
package config

import (
	"time"

	"uplift/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for credentials to prevent accidental logging.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"uplift-notify"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig
	Database  DatabaseConfig
	OneSignal OneSignalConfig
	Scheduler SchedulerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// OneSignalConfig holds the push gateway credentials and transport settings.
// AppID and APIKey absence is a hard configuration failure for sends, not a
// per-call error to retry; the gateway adapter fails closed without them.
// They are intentionally not `validate:"required"` so the service can boot
// (and serve the composer CRUD surface) in environments where push delivery
// is not yet configured.
type OneSignalConfig struct {
	AppID    string       `envconfig:"ONESIGNAL_APP_ID"`
	APIKey   SecretString `envconfig:"ONESIGNAL_API_KEY"`
	Endpoint string       `envconfig:"ONESIGNAL_ENDPOINT" default:"https://onesignal.com/api/v1/notifications" validate:"url"`
	Timeout  time.Duration `envconfig:"ONESIGNAL_TIMEOUT" default:"10s"`
}

// SchedulerConfig tunes the dispatch poller.
type SchedulerConfig struct {
	Enabled bool `envconfig:"SCHEDULER_ENABLED" default:"true"`
	// Interval is the wall-clock tick period. One tick scans for due
	// scheduled notifications and dispatches them sequentially.
	Interval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"1m"`
	// BatchLimit bounds how many due records one tick processes, so tick
	// latency stays bounded during backlogs.
	BatchLimit int `envconfig:"SCHEDULER_BATCH_LIMIT" default:"100"`
	// StaleClaimAfter is how long a record may sit in the in-flight sending
	// state before the poller sweeps it to failed. Covers crashes between
	// the claim and the outcome write.
	StaleClaimAfter time.Duration `envconfig:"SCHEDULER_STALE_CLAIM_AFTER" default:"15m"`
}
