package config

import (
	"strings"
	"testing"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test.field",
		Value:   123,
		Message: "must be greater than zero",
	}

	expected := "test.field: must be greater than zero (got: 123)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "field1") || !strings.Contains(result, "field2") {
			t.Errorf("Error() should mention both fields: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default config should be valid, got: %v", errs)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"empty url", func(c *Config) { c.Backend.URL = "" }, "backend.url"},
		{"http url", func(c *Config) { c.Backend.URL = "http://localhost" }, "backend.url"},
		{"zero dial timeout", func(c *Config) { c.Backend.DialTimeoutMs = 0 }, "backend.dial_timeout_ms"},
		{"negative redial attempts", func(c *Config) { c.Backend.RedialAttempts = -1 }, "backend.redial_attempts"},
		{"zero redial delay", func(c *Config) { c.Backend.RedialDelayMs = 0 }, "backend.redial_delay_ms"},
		{"zero fetch timeout", func(c *Config) { c.Sync.FetchTimeoutMs = 0 }, "sync.fetch_timeout_ms"},
		{"negative stats window", func(c *Config) { c.Sync.StatsThrottleMs = -1 }, "sync.stats_throttle_ms"},
		{"huge activity window", func(c *Config) { c.Sync.ActivityThrottleMs = 120_000 }, "sync.activity_throttle_ms"},
		{"negative threshold", func(c *Config) { c.Sync.FailureNoticeThreshold = -2 }, "sync.failure_notice_threshold"},
		{"negative retries", func(c *Config) { c.Sync.MaxDesyncRetries = -1 }, "sync.max_desync_retries"},
		{"zero history", func(c *Config) { c.Sync.HistoryLimit = 0 }, "sync.history_limit"},
		{"zero cache", func(c *Config) { c.Sync.MaxCachedPipelines = 0 }, "sync.max_cached_pipelines"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"negative log size", func(c *Config) { c.Logging.MaxSizeMB = -1 }, "logging.max_size_mb"},
		{"negative log backups", func(c *Config) { c.Logging.MaxBackups = -1 }, "logging.max_backups"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) != 1 {
				t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
			}
			if errs[0].Field != tt.wantField {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.wantField)
			}
		})
	}
}

func TestConfig_Validate_ZeroWindowDisablesThrottle(t *testing.T) {
	cfg := Default()
	cfg.Sync.StatsThrottleMs = 0
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("zero window should be valid, got: %v", errs)
	}
}

func TestConfig_Validate_MultipleErrors(t *testing.T) {
	cfg := Default()
	cfg.Backend.URL = ""
	cfg.Logging.Level = "loud"
	if errs := cfg.Validate(); len(errs) != 2 {
		t.Errorf("expected 2 errors, got %d: %v", len(errs), errs)
	}
}
