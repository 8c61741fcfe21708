package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/orchsync/internal/dispatch"
	"github.com/Iron-Ham/orchsync/internal/errors"
	"github.com/Iron-Ham/orchsync/internal/logging"
	"github.com/Iron-Ham/orchsync/internal/metrics"
	"github.com/Iron-Ham/orchsync/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream synchronized updates to stdout",
	Long: `Connect to the backend and print every update the sync layer delivers,
one record per line (text or json) or per document (yaml).

Examples:
  # Stream everything as text
  orchsync tail

  # Only agent channels, as JSON lines
  orchsync tail --channels 'agent.*' --format json

  # Expose sync metrics for Prometheus while tailing
  orchsync tail --metrics-addr 127.0.0.1:9464`,
	RunE: runTail,
}

var (
	tailFormat      string
	tailChannels    []string
	tailMetricsAddr string
)

const (
	tailFormatText = "text"
	tailFormatJSON = "json"
	tailFormatYAML = "yaml"
)

func init() {
	rootCmd.AddCommand(tailCmd)

	tailCmd.Flags().StringVar(&tailFormat, "format", tailFormatText, "output format (text/json/yaml)")
	tailCmd.Flags().StringSliceVar(&tailChannels, "channels", nil, "channels to subscribe (exact names or prefix.*; default all)")
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func runTail(cmd *cobra.Command, args []string) error {
	out, err := newEventPrinter(cmd.OutOrStdout(), tailFormat)
	if err != nil {
		return err
	}
	topics, err := parseTopics(tailChannels)
	if err != nil {
		return err
	}

	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()
	watchConfig(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var rec metrics.Recorder
	if tailMetricsAddr != "" {
		prom, stop, err := serveMetrics(ctx, tailMetricsAddr, logger)
		if err != nil {
			return err
		}
		defer stop()
		rec = prom
	}

	var opts []dispatch.Option
	if len(topics) > 0 {
		opts = append(opts, dispatch.WithTopics(topics...))
	}
	sess, err := openSession(ctx, cfg, logger, rec, opts...)
	if err != nil {
		return err
	}
	defer sess.Close()

	teardown := sess.dispatcher.Setup(out.callbacks())
	defer teardown()

	stderrf(cmd, "Tailing %s (Ctrl+C to stop)\n", cfg.Backend.URL)
	<-ctx.Done()
	return nil
}

// parseTopics resolves channel names and prefix.* patterns against the
// known topics.
func parseTopics(names []string) ([]protocol.Topic, error) {
	var out []protocol.Topic
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		matched := false
		for _, t := range protocol.Topics() {
			if topicMatches(string(t), name) {
				matched = true
				if !slices.Contains(out, t) {
					out = append(out, t)
				}
			}
		}
		if !matched {
			return nil, errors.Wrapf(errors.ErrUnknownTopic, "%q", name)
		}
	}
	return out, nil
}

func topicMatches(topic, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return topic == pattern
}

// serveMetrics registers sync metrics on a private registry and serves them
// at addr/metrics until the returned stop is called.
func serveMetrics(ctx context.Context, addr string, logger *logging.Logger) (*metrics.PrometheusRecorder, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec, err := metrics.NewPrometheusRecorder("orchsync", reg)
	if err != nil {
		return nil, nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return rec, stop, nil
}

// tailRecord is one line of tail output.
type tailRecord struct {
	Time time.Time `json:"time" yaml:"time"`
	Kind string    `json:"kind" yaml:"kind"`
	ID   string    `json:"id,omitempty" yaml:"id,omitempty"`
	Data any       `json:"data,omitempty" yaml:"data,omitempty"`
}

// eventPrinter writes dispatcher callbacks to w. Callbacks are serialized
// by the dispatcher so the printer needs no locking.
type eventPrinter struct {
	w      io.Writer
	format string
	now    func() time.Time
	yaml   *yaml.Encoder
}

func newEventPrinter(w io.Writer, format string) (*eventPrinter, error) {
	p := &eventPrinter{w: w, format: strings.ToLower(format), now: time.Now}
	switch p.format {
	case tailFormatText, tailFormatJSON:
	case tailFormatYAML:
		p.yaml = yaml.NewEncoder(w)
		p.yaml.SetIndent(2)
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: text, json, yaml)", format)
	}
	return p, nil
}

func (p *eventPrinter) emit(kind, id, summary string, data any) {
	rec := tailRecord{Time: p.now(), Kind: kind, ID: id, Data: data}
	switch p.format {
	case tailFormatJSON:
		b, err := json.Marshal(rec)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintln(p.w, string(b))
	case tailFormatYAML:
		// Re-key through JSON so YAML output uses the wire field names.
		rec.Data = jsonShape(data)
		_ = p.yaml.Encode(rec)
	default:
		_, _ = fmt.Fprintf(p.w, "%s %-18s %-10s %s\n", rec.Time.Format("15:04:05.000"), kind, id, summary)
	}
}

func jsonShape(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func (p *eventPrinter) callbacks() dispatch.Callbacks {
	agent := func(kind string) func(protocol.Agent) {
		return func(a protocol.Agent) {
			summary := string(a.Status)
			if a.Stats != nil {
				summary += fmt.Sprintf(" in=%d out=%d cost=$%.4f", a.Stats.InputTokens, a.Stats.OutputTokens, a.Stats.CostUSD)
			}
			if a.HasPendingInput {
				summary += " awaiting input"
			}
			p.emit(kind, a.ID, summary, a)
		}
	}
	pipeline := func(kind string) func(protocol.Pipeline) {
		return func(pl protocol.Pipeline) {
			done := 0
			for _, s := range pl.Steps {
				if s.Status == protocol.StepCompleted {
					done++
				}
			}
			p.emit(kind, pl.ID, fmt.Sprintf("%s %d/%d steps", pl.Status, done, len(pl.Steps)), pl)
		}
	}

	return dispatch.Callbacks{
		OnAgentStatus:   agent("agent.status"),
		OnAgentActivity: agent("agent.activity"),
		OnAgentStats:    agent("agent.stats"),
		OnAgentRemoved: func(id string) {
			p.emit("agent.removed", id, "terminated", nil)
		},
		OnMetaAgentAction: func(a protocol.MetaAgentAction) {
			p.emit("meta_agent.action", a.AgentID, a.Action+" "+a.Detail, a)
		},
		OnPipeline:     pipeline("pipeline"),
		OnAutoPipeline: pipeline("auto_pipeline"),
		OnToolCall: func(tc protocol.ToolCall) {
			summary := fmt.Sprintf("%s %s", tc.Tool, tc.Phase)
			if tc.IsError {
				summary += " (error)"
			}
			p.emit("tool_call", tc.PipelineID, summary, tc)
		},
		OnOrchestratorState: func(id string, snap protocol.OrchestratorSnapshot) {
			p.emit("orchestrator", id, fmt.Sprintf("%s iteration=%d", snap.State, snap.Iteration), snap)
		},
		OnDecision: func(d protocol.Decision) {
			p.emit("decision", d.PipelineID, string(d.Kind), d)
		},
		OnSecurityAlert: func(a protocol.SecurityAlert) {
			p.emit("security.alert", a.ID, fmt.Sprintf("[%s] %s %s", a.Severity, a.State, a.Message), a)
		},
		OnPendingReview: func(r protocol.PendingReview) {
			p.emit("review", r.ID, fmt.Sprintf("%s %s", r.State, r.Summary), r)
		},
		OnElevatedCommand: func(c protocol.ElevatedCommandRequest) {
			p.emit("elevated_command", c.ID, fmt.Sprintf("%s %s", c.State, c.Command), c)
		},
		OnNotice: func(err error) {
			p.emit("notice", "", err.Error(), map[string]string{"error": err.Error()})
		},
	}
}
