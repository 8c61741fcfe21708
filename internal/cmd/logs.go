package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/orchsync/internal/config"
	"github.com/Iron-Ham/orchsync/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View sync logs",
	Long: `View and filter the orchsync log written under logging.dir.

Examples:
  # Show the last 50 entries
  orchsync logs

  # Include rotated backups and show everything
  orchsync logs --backups -n 0

  # Follow the log in real time
  orchsync logs -f

  # Warnings for one pipeline in the last hour
  orchsync logs --level warn --pipeline p-1234 --since 1h

  # Export reconcile activity as CSV
  orchsync logs --channel agent.stats --format csv -n 0`,
	RunE: runLogs,
}

var (
	logsTail     int
	logsFollow   bool
	logsLevel    string
	logsSince    string
	logsGrep     string
	logsChannel  string
	logsPipeline string
	logsAgent    string
	logsBackups  bool
	logsFormat   string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show entries since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter entries matching pattern (regex)")
	logsCmd.Flags().StringVar(&logsChannel, "channel", "", "Only entries for this channel")
	logsCmd.Flags().StringVar(&logsPipeline, "pipeline", "", "Only entries for this pipeline ID")
	logsCmd.Flags().StringVar(&logsAgent, "agent", "", "Only entries for this agent ID")
	logsCmd.Flags().BoolVar(&logsBackups, "backups", false, "Include rotated backup files")
	logsCmd.Flags().StringVar(&logsFormat, "format", "", "Output format (text/json/yaml/csv; default colored text)")
}

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorBlue   = "\033[34m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
)

// levelColor returns the ANSI color code for a log level
func levelColor(level string) string {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return colorGray
	case logging.LevelInfo:
		return colorBlue
	case logging.LevelWarn:
		return colorYellow
	case logging.LevelError:
		return colorRed
	default:
		return colorReset
	}
}

// formatLogEntry formats an entry for terminal output
func formatLogEntry(e logging.Entry) string {
	var sb strings.Builder

	sb.WriteString(colorGray)
	sb.WriteString("[")
	sb.WriteString(e.Time.Format("15:04:05.000"))
	sb.WriteString("]")
	sb.WriteString(colorReset)

	sb.WriteString(" ")
	sb.WriteString(levelColor(e.Level))
	sb.WriteString("[")
	sb.WriteString(strings.ToUpper(e.Level))
	sb.WriteString("]")
	sb.WriteString(colorReset)

	sb.WriteString(" ")
	sb.WriteString(e.Message)

	field := func(key, value string) {
		if value == "" {
			return
		}
		sb.WriteString(" ")
		sb.WriteString(colorCyan)
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(colorReset)
		sb.WriteString(value)
	}
	field("channel", e.Channel)
	field("pipeline", e.PipelineID)
	field("agent", e.AgentID)

	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field(k, fmt.Sprintf("%v", e.Attrs[k]))
	}

	return sb.String()
}

// logQuery is the parsed set of logs flags.
type logQuery struct {
	filter logging.Filter
	grep   *regexp.Regexp
}

func (q logQuery) match(e logging.Entry) bool {
	if !q.filter.Match(e) {
		return false
	}
	if q.grep == nil {
		return true
	}
	text := e.Message
	for _, v := range e.Attrs {
		text += " " + fmt.Sprintf("%v", v)
	}
	return q.grep.MatchString(text)
}

func buildLogQuery(now time.Time) (logQuery, error) {
	q := logQuery{filter: logging.Filter{
		Channel:    logsChannel,
		PipelineID: logsPipeline,
		AgentID:    logsAgent,
	}}
	if logsLevel != "" {
		q.filter.Level = logging.ParseLevel(logsLevel)
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return q, fmt.Errorf("invalid duration format: %w", err)
		}
		q.filter.Since = now.Add(-d)
	}
	if logsGrep != "" {
		re, err := regexp.Compile(logsGrep)
		if err != nil {
			return q, fmt.Errorf("invalid grep pattern: %w", err)
		}
		q.grep = re
	}
	return q, nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Logging.Dir == "" {
		return fmt.Errorf("logging.dir is not set; orchsync is logging to stderr")
	}

	q, err := buildLogQuery(time.Now())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if logsFollow {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		stderrf(cmd, "Following %s... (Ctrl+C to stop)\n\n", filepath.Join(cfg.Logging.Dir, logging.LogFileName))
		return followLogs(ctx, cfg.Logging.Dir, q, out)
	}
	return displayLogs(cfg.Logging.Dir, q, logsTail, logsFormat, logsBackups, out)
}

// displayLogs reads the log directory and writes the filtered tail to out.
func displayLogs(dir string, q logQuery, tail int, format string, backups bool, out io.Writer) error {
	entries, err := logging.ReadLogDir(dir, backups)
	if err != nil {
		return err
	}

	var matched []logging.Entry
	for _, e := range entries {
		if q.match(e) {
			matched = append(matched, e)
		}
	}
	if tail > 0 && len(matched) > tail {
		matched = matched[len(matched)-tail:]
	}

	if format != "" {
		return logging.WriteEntries(out, matched, format)
	}
	if len(matched) == 0 {
		_, _ = fmt.Fprintln(out, "No matching log entries found.")
		return nil
	}
	for _, e := range matched {
		_, _ = fmt.Fprintln(out, formatLogEntry(e))
	}
	return nil
}

// followLogs prints entries appended to the live log until ctx is done. The
// directory is watched rather than the file so a rotation is picked up.
func followLogs(ctx context.Context, dir string, q logQuery, out io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to watch logs: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	live := filepath.Join(dir, logging.LogFileName)
	t := &logTailer{path: live, q: q, out: out}
	defer t.close()
	if err := t.open(true); err != nil && !os.IsNotExist(err) {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != live {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				// A rotation renamed the old file; read the new one from the top.
				t.close()
				if err := t.open(false); err != nil && !os.IsNotExist(err) {
					return err
				}
				t.drain()
			case ev.Has(fsnotify.Write):
				if t.f == nil {
					if err := t.open(false); err != nil {
						continue
					}
				}
				t.drain()
			case ev.Has(fsnotify.Rename), ev.Has(fsnotify.Remove):
				t.drain()
				t.close()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("log watcher: %w", err)
		}
	}
}

// logTailer reads complete lines appended to one file.
type logTailer struct {
	path string
	q    logQuery
	out  io.Writer

	f       *os.File
	r       *bufio.Reader
	partial string
}

func (t *logTailer) open(atEnd bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	if atEnd {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to seek to end: %w", err)
		}
	}
	t.f = f
	t.r = bufio.NewReader(f)
	t.partial = ""
	return nil
}

func (t *logTailer) close() {
	if t.f != nil {
		_ = t.f.Close()
		t.f = nil
		t.r = nil
	}
}

func (t *logTailer) drain() {
	if t.r == nil {
		return
	}
	for {
		chunk, err := t.r.ReadString('\n')
		if err != nil {
			// Keep an unterminated line until the writer finishes it.
			t.partial += chunk
			return
		}
		line := strings.TrimSpace(t.partial + chunk)
		t.partial = ""
		if line == "" {
			continue
		}
		e, perr := logging.ParseEntry(line)
		if perr != nil {
			_, _ = fmt.Fprintln(t.out, line)
			continue
		}
		if t.q.match(e) {
			_, _ = fmt.Fprintln(t.out, formatLogEntry(e))
		}
	}
}
