package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete orchsync configuration
type Config struct {
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// BackendConfig controls the connection to the orchestrator backend
type BackendConfig struct {
	// URL is the websocket endpoint of the backend (ws:// or wss://)
	URL string `mapstructure:"url" yaml:"url"`
	// DialTimeoutMs bounds the initial websocket handshake
	DialTimeoutMs int `mapstructure:"dial_timeout_ms" yaml:"dial_timeout_ms"`
	// RequestTimeoutMs bounds a single request/response round trip when the
	// caller supplies no deadline of its own
	RequestTimeoutMs int `mapstructure:"request_timeout_ms" yaml:"request_timeout_ms"`
	// RedialAttempts is how many times a lost connection is redialed before
	// giving up (0 disables redialing)
	RedialAttempts int `mapstructure:"redial_attempts" yaml:"redial_attempts"`
	// RedialDelayMs is the first delay between redial attempts; later
	// delays grow exponentially
	RedialDelayMs int `mapstructure:"redial_delay_ms" yaml:"redial_delay_ms"`
}

// SyncConfig controls throttling, reconciliation and cache sizing
type SyncConfig struct {
	// FetchTimeoutMs bounds every reconciliation fetch; a timeout is a fetch failure
	FetchTimeoutMs int `mapstructure:"fetch_timeout_ms" yaml:"fetch_timeout_ms"`
	// StatsThrottleMs is the per-agent window for agent stats delivery
	StatsThrottleMs int `mapstructure:"stats_throttle_ms" yaml:"stats_throttle_ms"`
	// StatsLeading fires the first stats event of a window immediately.
	// When false only the trailing invocation fires.
	StatsLeading bool `mapstructure:"stats_leading" yaml:"stats_leading"`
	// ActivityThrottleMs is the per-agent window for activity updates
	ActivityThrottleMs int `mapstructure:"activity_throttle_ms" yaml:"activity_throttle_ms"`
	// CountersThrottleMs is the per-pipeline window for orchestrator counter updates
	CountersThrottleMs int `mapstructure:"counters_throttle_ms" yaml:"counters_throttle_ms"`
	// FailureNoticeThreshold is the number of consecutive reconciliation
	// failures for one id before a single notice is emitted (0 = never)
	FailureNoticeThreshold int `mapstructure:"failure_notice_threshold" yaml:"failure_notice_threshold"`
	// HistoryLimit caps each history fetch issued by LoadHistory
	HistoryLimit int `mapstructure:"history_limit" yaml:"history_limit"`
	// MaxDesyncRetries bounds corrective reconciliations re-issued after a
	// version-guard rejection while a desync is still unresolved
	MaxDesyncRetries int `mapstructure:"max_desync_retries" yaml:"max_desync_retries"`
	// MaxCachedPipelines bounds the pipeline table; least recently touched
	// pipelines are evicted first
	MaxCachedPipelines int `mapstructure:"max_cached_pipelines" yaml:"max_cached_pipelines"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level" yaml:"level"`
	// Dir is the directory for orchsync.log; empty logs to stderr
	Dir string `mapstructure:"dir" yaml:"dir"`
	// MaxSizeMB rotates orchsync.log once it reaches this size (0 = never)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files kept
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:              "ws://127.0.0.1:7420/ws",
			DialTimeoutMs:    5000,
			RequestTimeoutMs: 10000,
			RedialAttempts:   5,
			RedialDelayMs:    500,
		},
		Sync: SyncConfig{
			FetchTimeoutMs:         5000,
			StatsThrottleMs:        1000,
			StatsLeading:           false,
			ActivityThrottleMs:     250,
			CountersThrottleMs:     500,
			FailureNoticeThreshold: 3,
			HistoryLimit:           200,
			MaxDesyncRetries:       2,
			MaxCachedPipelines:     512,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        "",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   false,
		},
	}
}

// DialTimeout returns the dial timeout as a time.Duration
func (c *BackendConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the request timeout as a time.Duration
func (c *BackendConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// RedialDelay returns the first redial delay as a time.Duration
func (c *BackendConfig) RedialDelay() time.Duration {
	return time.Duration(c.RedialDelayMs) * time.Millisecond
}

// FetchTimeout returns the reconciliation fetch timeout as a time.Duration
func (c *SyncConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMs) * time.Millisecond
}

// StatsWindow returns the stats throttle window as a time.Duration
func (c *SyncConfig) StatsWindow() time.Duration {
	return time.Duration(c.StatsThrottleMs) * time.Millisecond
}

// ActivityWindow returns the activity throttle window as a time.Duration
func (c *SyncConfig) ActivityWindow() time.Duration {
	return time.Duration(c.ActivityThrottleMs) * time.Millisecond
}

// CountersWindow returns the counters throttle window as a time.Duration
func (c *SyncConfig) CountersWindow() time.Duration {
	return time.Duration(c.CountersThrottleMs) * time.Millisecond
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Backend defaults
	viper.SetDefault("backend.url", defaults.Backend.URL)
	viper.SetDefault("backend.dial_timeout_ms", defaults.Backend.DialTimeoutMs)
	viper.SetDefault("backend.request_timeout_ms", defaults.Backend.RequestTimeoutMs)
	viper.SetDefault("backend.redial_attempts", defaults.Backend.RedialAttempts)
	viper.SetDefault("backend.redial_delay_ms", defaults.Backend.RedialDelayMs)

	// Sync defaults
	viper.SetDefault("sync.fetch_timeout_ms", defaults.Sync.FetchTimeoutMs)
	viper.SetDefault("sync.stats_throttle_ms", defaults.Sync.StatsThrottleMs)
	viper.SetDefault("sync.stats_leading", defaults.Sync.StatsLeading)
	viper.SetDefault("sync.activity_throttle_ms", defaults.Sync.ActivityThrottleMs)
	viper.SetDefault("sync.counters_throttle_ms", defaults.Sync.CountersThrottleMs)
	viper.SetDefault("sync.failure_notice_threshold", defaults.Sync.FailureNoticeThreshold)
	viper.SetDefault("sync.history_limit", defaults.Sync.HistoryLimit)
	viper.SetDefault("sync.max_desync_retries", defaults.Sync.MaxDesyncRetries)
	viper.SetDefault("sync.max_cached_pipelines", defaults.Sync.MaxCachedPipelines)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "orchsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orchsync"
	}
	return filepath.Join(home, ".config", "orchsync")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
