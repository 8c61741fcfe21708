package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Iron-Ham/orchsync/internal/config"
	"github.com/Iron-Ham/orchsync/internal/tui/styles"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify orchsync configuration",
	Long: `View or modify orchsync configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  orchsync config set backend.url ws://10.0.0.5:7420/ws
  orchsync config set sync.stats_throttle_ms 2000
  orchsync config set logging.dir ~/.local/state/orchsync

Run 'orchsync config show' to list every key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/orchsync/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configThemeCmd = &cobra.Command{
	Use:   "theme-check <file>",
	Short: "Validate a dashboard theme file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigThemeCheck,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configThemeCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg := config.Get()

	if viper.ConfigFileUsed() != "" {
		_, _ = fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		_, _ = fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	return enc.Close()
}

// settableKeys maps each config key to the kind of value it takes.
var settableKeys = map[string]string{
	"backend.url":                   "string",
	"backend.dial_timeout_ms":       "int",
	"backend.request_timeout_ms":    "int",
	"backend.redial_attempts":       "int",
	"backend.redial_delay_ms":       "int",
	"sync.fetch_timeout_ms":         "int",
	"sync.stats_throttle_ms":        "int",
	"sync.stats_leading":            "bool",
	"sync.activity_throttle_ms":     "int",
	"sync.counters_throttle_ms":     "int",
	"sync.failure_notice_threshold": "int",
	"sync.history_limit":            "int",
	"sync.max_desync_retries":       "int",
	"sync.max_cached_pipelines":     "int",
	"logging.level":                 "string",
	"logging.dir":                   "string",
	"logging.max_size_mb":           "int",
	"logging.max_backups":           "int",
	"logging.compress":              "bool",
}

// parseConfigValue converts value to the type key expects.
func parseConfigValue(key, value string) (any, error) {
	kind, ok := settableKeys[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'orchsync config show' to see valid keys", key)
	}
	switch kind {
	case "bool":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case "int":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		return n, nil
	default:
		return value, nil
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	typed, err := parseConfigValue(key, value)
	if err != nil {
		return err
	}

	previous := viper.Get(key)
	viper.Set(key, typed)
	if _, err := config.Load(); err != nil {
		viper.Set(key, previous)
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if err := os.MkdirAll(config.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = config.ConfigFile()
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Set %s = %v\n", key, typed)
	_, _ = fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}

const defaultConfigContent = `# orchsync configuration

# Orchestrator backend
backend:
  # WebSocket endpoint of the backend
  url: ws://127.0.0.1:7420/ws
  dial_timeout_ms: 5000
  # Timeout for request/response calls
  request_timeout_ms: 10000
  # Redial attempts after the connection drops (0 disables redialing)
  redial_attempts: 5
  # First delay between redials; later delays grow exponentially
  redial_delay_ms: 500

# Event sync behavior
sync:
  # Timeout for a reconciliation fetch
  fetch_timeout_ms: 5000
  # Agent stats are delivered at most once per window
  stats_throttle_ms: 1000
  # Deliver the first stats update of a burst immediately
  stats_leading: false
  activity_throttle_ms: 250
  counters_throttle_ms: 500
  # Consecutive fetch failures before a notice is raised
  failure_notice_threshold: 3
  # Entries fetched per history backfill
  history_limit: 200
  # Refetches allowed when an orchestrator transition disagrees with the model
  max_desync_retries: 2
  # Pipelines kept in the local cache
  max_cached_pipelines: 512

# Logging
logging:
  # debug, info, warn or error
  level: info
  # Directory for orchsync.log (empty logs to stderr)
  dir: ""
  # Rotate after this many megabytes (0 disables rotation)
  max_size_mb: 10
  max_backups: 3
  # Gzip rotated files
  compress: false
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'orchsync config set' to modify values", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Created config file at %s\n", configFile)
	_, _ = fmt.Fprintln(out, "Edit this file to customize orchsync.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		_, _ = fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		_, _ = fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	_, _ = fmt.Fprintln(out, "\nSearch paths:")
	_, _ = fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	_, _ = fmt.Fprintln(out, "  2. $HOME/.config/orchsync/config.yaml")
	_, _ = fmt.Fprintln(out, "  3. ./config.yaml (current directory)")
	_, _ = fmt.Fprintln(out, "\nEnvironment variables: ORCHSYNC_* (e.g., ORCHSYNC_BACKEND_URL)")
	return nil
}

func runConfigThemeCheck(cmd *cobra.Command, args []string) error {
	theme, err := styles.LoadThemeFile(args[0])
	if err != nil {
		return err
	}
	name := theme.Name
	if theme.Author != "" {
		name += " by " + theme.Author
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Theme %s is valid\n", strings.TrimSpace(name))
	return nil
}
