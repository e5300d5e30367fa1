// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent scheduling drift bugs.
//  2. Load a .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
)

// ConfigError is a diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig loads, parses, and validates the service configuration from the
// environment. A .env file in the working directory is loaded first when
// present; real environment variables take precedence over it.
func LoadConfig() (*Config, error) {
	// All scheduling comparisons are done in UTC to avoid drift between the
	// poller's clock and timestamps stored by the composer.
	time.Local = time.UTC

	// Best effort: local development convenience only.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment variables",
			Err:     err,
		}
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateConfig runs struct validation rules and normalizes validator
// failures into a single diagnostic ConfigError.
func validateConfig(cfg *Config) error {
	v := validator.New()

	if err := v.Struct(cfg); err != nil {
		var invalid *validator.InvalidValidationError
		if ok := isInvalidValidation(err, &invalid); ok {
			return &ConfigError{
				Type:    ErrValidation,
				Message: "configuration struct is not validatable",
				Err:     invalid,
			}
		}
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if cfg.Scheduler.Interval <= 0 {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "SCHEDULER_INTERVAL must be positive",
		}
	}
	if cfg.Scheduler.BatchLimit <= 0 {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "SCHEDULER_BATCH_LIMIT must be positive",
		}
	}

	return nil
}

// isInvalidValidation reports whether err is a validator.InvalidValidationError,
// storing it in target when it is.
func isInvalidValidation(err error, target **validator.InvalidValidationError) bool {
	invalid, ok := err.(*validator.InvalidValidationError)
	if ok {
		*target = invalid
	}
	return ok
}

// PushConfigured reports whether the OneSignal credentials are present.
// Used at startup to log a prominent warning when sends will fail closed.
func (c *Config) PushConfigured() bool {
	return c.OneSignal.AppID != "" && c.OneSignal.APIKey.Unmask() != ""
}
