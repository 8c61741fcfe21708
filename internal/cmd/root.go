package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/orchsync/internal/config"
	"github.com/Iron-Ham/orchsync/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "orchsync",
	Short: "Live client for an agent orchestrator backend",
	Long: `orchsync subscribes to the orchestrator backend's event channels and keeps a
local view of pipelines, agents, orchestrator state and open requests in sync,
reconciling against the backend whenever a notification cannot be applied.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx available to subcommands
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/orchsync/config.yaml)")
	rootCmd.PersistentFlags().String("url", "", "backend websocket URL (overrides backend.url)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides logging.level)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("backend.url", rootCmd.PersistentFlags().Lookup("url"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/orchsync")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("ORCHSYNC")
	// e.g., ORCHSYNC_SYNC_STATS_THROTTLE_MS for sync.stats_throttle_ms
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// loadRuntime loads and validates the configuration and opens the logger.
// The caller owns the returned logger and must Close it.
func loadRuntime() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLoggerWithRotation(cfg.Logging.Dir, cfg.Logging.Level, logging.Rotation{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log: %w", err)
	}
	return cfg, logger, nil
}

// watchConfig logs edits to the config file. Sync settings are read once
// when a dispatcher is built, so a change applies to the next session.
func watchConfig(logger *logging.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if _, err := config.Load(); err != nil {
			logger.Warn("config file changed but is invalid", "file", e.Name, "error", err)
			return
		}
		logger.Info("config file changed; restart to apply", "file", e.Name, "op", e.Op.String())
	})
	viper.WatchConfig()
}

// stderrf prints a user-facing message to the command's error stream.
func stderrf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), format, args...)
}
