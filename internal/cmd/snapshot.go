package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Iron-Ham/orchsync/internal/dispatch"
	"github.com/Iron-Ham/orchsync/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the synchronized view once and exit",
	Long: `Connect, let the sync layer settle, and print every cached pipeline,
agent and open request.

Examples:
  # Dump the current view as JSON
  orchsync snapshot

  # Include the tool-call timeline and decisions of one pipeline, as YAML
  orchsync snapshot --history p-1234 --format yaml`,
	RunE: runSnapshot,
}

var (
	snapshotFormat  string
	snapshotSettle  time.Duration
	snapshotHistory []string
)

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().StringVar(&snapshotFormat, "format", "json", "output format (json/yaml)")
	snapshotCmd.Flags().DurationVar(&snapshotSettle, "settle", 500*time.Millisecond, "time to collect notifications before printing")
	snapshotCmd.Flags().StringSliceVar(&snapshotHistory, "history", nil, "pipeline IDs whose history to backfill")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	if snapshotFormat != tailFormatJSON && snapshotFormat != tailFormatYAML {
		return fmt.Errorf("unsupported format: %s (supported: json, yaml)", snapshotFormat)
	}

	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sess, err := openSession(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	var (
		mu      sync.Mutex
		notices []string
	)
	teardown := sess.dispatcher.Setup(dispatch.Callbacks{
		OnNotice: func(err error) {
			mu.Lock()
			notices = append(notices, err.Error())
			mu.Unlock()
		},
	})
	defer teardown()

	for _, id := range snapshotHistory {
		if _, err := sess.dispatcher.LoadHistory(ctx, id); err != nil {
			return fmt.Errorf("history for %s: %w", id, err)
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(snapshotSettle):
	}

	snap, err := sess.dispatcher.Snapshot(ctx)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return writeSnapshot(cmd.OutOrStdout(), snap, notices, snapshotFormat)
}

// snapshotDoc is the printed form of a store.Snapshot.
type snapshotDoc struct {
	store.Snapshot `yaml:",inline"`
	Notices        []string `json:"notices,omitempty" yaml:"notices,omitempty"`
}

func writeSnapshot(w io.Writer, snap store.Snapshot, notices []string, format string) error {
	doc := snapshotDoc{Snapshot: snap, Notices: notices}
	if format == tailFormatYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(jsonShape(doc)); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
