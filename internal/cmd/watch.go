package cmd

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/orchsync/internal/tui"
	"github.com/Iron-Ham/orchsync/internal/tui/styles"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the live dashboard",
	Long: `Connect to the backend and show a live dashboard of pipelines, agents,
orchestrator state and open security alerts, reviews and elevated commands.

Examples:
  # Watch the default backend
  orchsync watch

  # Backfill the tool-call timeline and decisions of a pipeline
  orchsync watch --history p-1234

  # Use a custom color theme
  orchsync watch --theme ~/.config/orchsync/themes/night.yaml`,
	RunE: runWatch,
}

var (
	watchTheme   string
	watchHistory []string
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchTheme, "theme", "", "YAML theme file")
	watchCmd.Flags().StringSliceVar(&watchHistory, "history", nil, "pipeline IDs whose history to backfill")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchTheme != "" {
		theme, err := styles.LoadThemeFile(watchTheme)
		if err != nil {
			return err
		}
		styles.Apply(theme.Palette())
	}

	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()
	watchConfig(logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sess, err := openSession(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	feed := tui.NewFeed(tui.DefaultFeedSize)
	teardown := sess.dispatcher.Setup(feed.Callbacks())
	defer teardown()

	feed.Push(tui.ConnMsg{Connected: true})
	if snap, err := sess.dispatcher.Snapshot(ctx); err == nil {
		feed.Push(tui.SnapshotMsg{Snapshot: snap})
	}

	for _, id := range watchHistory {
		go func(id string) {
			if _, err := sess.dispatcher.LoadHistory(ctx, id); err != nil {
				feed.Push(tui.NoticeMsg{Err: fmt.Errorf("history for %s: %w", id, err)})
			}
		}(id)
	}

	sess.OnConnection(func(connected bool, err error) {
		feed.Push(tui.ConnMsg{Connected: connected, Err: err})
	})

	app := tui.New(feed, fmt.Sprintf("orchsync  %s", cfg.Backend.URL))
	return app.Run(ctx)
}
