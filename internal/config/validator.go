package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "sync.fetch_timeout_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateBackend()...)
	errors = append(errors, c.validateSync()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateBackend() []ValidationError {
	var errors []ValidationError

	if c.Backend.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "backend.url",
			Value:   c.Backend.URL,
			Message: "must not be empty",
		})
	} else if u, err := url.Parse(c.Backend.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errors = append(errors, ValidationError{
			Field:   "backend.url",
			Value:   c.Backend.URL,
			Message: "must be a ws:// or wss:// URL",
		})
	}

	errors = append(errors, positive("backend.dial_timeout_ms", c.Backend.DialTimeoutMs)...)
	errors = append(errors, positive("backend.request_timeout_ms", c.Backend.RequestTimeoutMs)...)
	errors = append(errors, positive("backend.redial_delay_ms", c.Backend.RedialDelayMs)...)

	if c.Backend.RedialAttempts < 0 {
		errors = append(errors, ValidationError{
			Field:   "backend.redial_attempts",
			Value:   c.Backend.RedialAttempts,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateSync() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("sync.fetch_timeout_ms", c.Sync.FetchTimeoutMs)...)

	// Throttle windows: 0 disables throttling for that channel.
	const maxWindowMs = 60_000
	windows := []struct {
		field string
		value int
	}{
		{"sync.stats_throttle_ms", c.Sync.StatsThrottleMs},
		{"sync.activity_throttle_ms", c.Sync.ActivityThrottleMs},
		{"sync.counters_throttle_ms", c.Sync.CountersThrottleMs},
	}
	for _, w := range windows {
		if w.value < 0 {
			errors = append(errors, ValidationError{
				Field:   w.field,
				Value:   w.value,
				Message: "must be non-negative",
			})
		}
		if w.value > maxWindowMs {
			errors = append(errors, ValidationError{
				Field:   w.field,
				Value:   w.value,
				Message: fmt.Sprintf("exceeds maximum of %dms", maxWindowMs),
			})
		}
	}

	if c.Sync.FailureNoticeThreshold < 0 {
		errors = append(errors, ValidationError{
			Field:   "sync.failure_notice_threshold",
			Value:   c.Sync.FailureNoticeThreshold,
			Message: "must be non-negative",
		})
	}
	if c.Sync.MaxDesyncRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "sync.max_desync_retries",
			Value:   c.Sync.MaxDesyncRetries,
			Message: "must be non-negative",
		})
	}

	errors = append(errors, positive("sync.history_limit", c.Sync.HistoryLimit)...)
	errors = append(errors, positive("sync.max_cached_pipelines", c.Sync.MaxCachedPipelines)...)

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

func positive(field string, value int) []ValidationError {
	if value > 0 {
		return nil
	}
	return []ValidationError{{
		Field:   field,
		Value:   value,
		Message: "must be greater than zero",
	}}
}
