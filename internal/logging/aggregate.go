package logging

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Entry is one parsed line of orchsync.log.
type Entry struct {
	Time       time.Time      `json:"time" yaml:"time"`
	Level      string         `json:"level" yaml:"level"`
	Message    string         `json:"msg" yaml:"msg"`
	Channel    string         `json:"channel,omitempty" yaml:"channel,omitempty"`
	PipelineID string         `json:"pipeline_id,omitempty" yaml:"pipeline_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty" yaml:"attrs,omitempty"`
}

// Filter selects entries. Zero fields match everything; set fields are ANDed.
type Filter struct {
	// Level is the minimum level (DEBUG < INFO < WARN < ERROR).
	Level      string
	Since      time.Time
	Until      time.Time
	Channel    string
	PipelineID string
	AgentID    string
	Contains   string
}

var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// reserved keys are lifted into Entry fields rather than Attrs.
var reserved = []string{"time", "level", "msg", attrChannel, attrPipeline, attrAgent}

const maxLineSize = 1 << 20

// ReadEntries parses JSON log lines from r. Lines that are not valid JSON are
// skipped so a truncated or partially written file still yields its entries.
func ReadEntries(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	var entries []Entry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := ParseEntry(line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("error reading log: %w", err)
	}
	return entries, nil
}

// ParseEntry decodes one JSON log line.
func ParseEntry(line string) (Entry, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{}, fmt.Errorf("invalid JSON: %w", err)
	}

	str := func(key string) string {
		s, _ := raw[key].(string)
		return s
	}

	entry := Entry{
		Level:      str("level"),
		Message:    str("msg"),
		Channel:    str(attrChannel),
		PipelineID: str(attrPipeline),
		AgentID:    str(attrAgent),
	}
	if ts := str("time"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			entry.Time = t
		}
	}
	for k, v := range raw {
		if slices.Contains(reserved, k) {
			continue
		}
		if entry.Attrs == nil {
			entry.Attrs = make(map[string]any)
		}
		entry.Attrs[k] = v
	}
	return entry, nil
}

// ReadLogDir reads {dir}/orchsync.log and, when withBackups is set, every
// rotated backup (plain or gzipped). Entries come back in time order.
func ReadLogDir(dir string, withBackups bool) ([]Entry, error) {
	live := filepath.Join(dir, LogFileName)
	paths := []string{live}
	if withBackups {
		paths = append(backupFiles(live), live)
	}

	var all []Entry
	found := false
	for _, p := range paths {
		entries, err := readLogFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = true
		all = append(all, entries...)
	}
	if !found {
		return nil, fmt.Errorf("no log file in %s: %w", dir, os.ErrNotExist)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Time.Before(all[j].Time)
	})
	return all, nil
}

// backupFiles lists existing backups of live, oldest first.
func backupFiles(live string) []string {
	var out []string
	for n := 1; ; n++ {
		p := BackupPath(live, n)
		switch {
		case fileExists(p):
			out = append(out, p)
		case fileExists(p + ".gz"):
			out = append(out, p+".gz")
		default:
			slices.Reverse(out)
			return out
		}
	}
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func readLogFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}
	return ReadEntries(r)
}

// Match reports whether e satisfies every set criterion of f.
func (f Filter) Match(e Entry) bool {
	if f.Level != "" {
		floor, okFloor := levelOrder[strings.ToUpper(f.Level)]
		got, okGot := levelOrder[e.Level]
		if okFloor && okGot && got < floor {
			return false
		}
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Time.After(f.Until) {
		return false
	}
	if f.Channel != "" && e.Channel != f.Channel {
		return false
	}
	if f.PipelineID != "" && e.PipelineID != f.PipelineID {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.Contains != "" && !strings.Contains(e.Message, f.Contains) {
		return false
	}
	return true
}

// FilterEntries returns the entries that match f.
func FilterEntries(entries []Entry, f Filter) []Entry {
	if f == (Filter{}) {
		return entries
	}
	var out []Entry
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Export formats understood by WriteEntries.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatCSV  = "csv"
)

// ExportFormats lists the formats accepted by WriteEntries.
func ExportFormats() []string {
	return []string{FormatText, FormatJSON, FormatYAML, FormatCSV}
}

// WriteEntries renders entries to w in the given format.
func WriteEntries(w io.Writer, entries []Entry, format string) error {
	switch strings.ToLower(format) {
	case FormatText, "":
		return writeText(w, entries)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return err
		}
		return enc.Close()
	case FormatCSV:
		return writeCSV(w, entries)
	default:
		return fmt.Errorf("unsupported export format: %s (supported: %s)", format, strings.Join(ExportFormats(), ", "))
	}
}

// FormatEntry renders a single entry the way `orchsync logs` prints it:
// [TIME] LEVEL - MESSAGE (context) {attrs}
func FormatEntry(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s - %s", e.Time.Format("2006-01-02 15:04:05.000"), e.Level, e.Message)

	var context []string
	if e.Channel != "" {
		context = append(context, "channel="+e.Channel)
	}
	if e.PipelineID != "" {
		context = append(context, "pipeline="+e.PipelineID)
	}
	if e.AgentID != "" {
		context = append(context, "agent="+e.AgentID)
	}
	if len(context) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(context, ", "))
	}
	if len(e.Attrs) > 0 {
		attrs, _ := json.Marshal(e.Attrs)
		b.WriteByte(' ')
		b.Write(attrs)
	}
	return b.String()
}

func writeText(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		if _, err := fmt.Fprintln(w, FormatEntry(e)); err != nil {
			return fmt.Errorf("failed to write text entry: %w", err)
		}
	}
	return nil
}

func writeCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "level", "message", "channel", "pipeline_id", "agent_id", "attrs"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range entries {
		var attrs string
		if len(e.Attrs) > 0 {
			if b, err := json.Marshal(e.Attrs); err == nil {
				attrs = string(b)
			}
		}
		record := []string{
			e.Time.Format(time.RFC3339Nano),
			e.Level,
			e.Message,
			e.Channel,
			e.PipelineID,
			e.AgentID,
			attrs,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
