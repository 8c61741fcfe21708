// Package internal contains integration tests that drive the sync layer end
// to end: notifications enter through the event bus, flow through the
// dispatcher into the cache, and come out as callbacks, metrics and a
// rendered dashboard.
package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Iron-Ham/orchsync/internal/config"
	"github.com/Iron-Ham/orchsync/internal/dispatch"
	"github.com/Iron-Ham/orchsync/internal/event"
	"github.com/Iron-Ham/orchsync/internal/metrics"
	"github.com/Iron-Ham/orchsync/internal/protocol"
	"github.com/Iron-Ham/orchsync/internal/tui"
)

var t0 = time.Date(2026, 5, 1, 14, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

// offlineBackend fails every fetch, so anything the test sees came from
// notifications alone.
type offlineBackend struct{}

func (offlineBackend) FetchPipeline(context.Context, string) (protocol.Pipeline, error) {
	return protocol.Pipeline{}, fmt.Errorf("offline")
}

func (offlineBackend) FetchAgent(context.Context, string) (protocol.Agent, error) {
	return protocol.Agent{}, fmt.Errorf("offline")
}

func (offlineBackend) FetchToolCalls(context.Context, string, int) ([]protocol.ToolCall, error) {
	return nil, fmt.Errorf("offline")
}

func (offlineBackend) FetchStateChanges(context.Context, string, int) ([]protocol.StateChange, error) {
	return nil, fmt.Errorf("offline")
}

func (offlineBackend) FetchDecisions(context.Context, string, int) ([]protocol.Decision, error) {
	return nil, fmt.Errorf("offline")
}

func publish(t *testing.T, bus *event.Bus, topic protocol.Topic, payload map[string]any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	bus.Publish(topic, raw)
}

func transition(from, to protocol.OrchestratorState, iter, sec int) map[string]any {
	return map[string]any{
		"pipeline_id": "p1",
		"old_state":   from,
		"new_state":   to,
		"iteration":   iter,
		"timestamp":   at(sec),
	}
}

// TestAutoPipelineIntegration walks one auto pipeline from creation to
// completion and checks every consumer-facing surface.
func TestAutoPipelineIntegration(t *testing.T) {
	cfg := config.Default().Sync
	cfg.StatsThrottleMs = 0
	cfg.ActivityThrottleMs = 0
	cfg.CountersThrottleMs = 0

	reg := prometheus.NewRegistry()
	rec, err := metrics.NewPrometheusRecorder("orchsync", reg)
	if err != nil {
		t.Fatalf("NewPrometheusRecorder() error = %v", err)
	}

	bus := event.NewBus()
	d, err := dispatch.New(bus, offlineBackend{}, dispatch.WithConfig(cfg), dispatch.WithMetrics(rec))
	if err != nil {
		t.Fatalf("dispatch.New() error = %v", err)
	}
	defer d.Close()

	var (
		mu     sync.Mutex
		states []protocol.OrchestratorState
	)
	decisions := make(chan protocol.Decision, 4)
	teardown := d.Setup(dispatch.Callbacks{
		OnOrchestratorState: func(_ string, snap protocol.OrchestratorSnapshot) {
			mu.Lock()
			states = append(states, snap.State)
			mu.Unlock()
		},
		OnDecision: func(dec protocol.Decision) { decisions <- dec },
	})
	defer teardown()

	publish(t, bus, protocol.TopicAutoPipelineCreated, map[string]any{
		"id":           "p1",
		"request":      "add retry budget",
		"status":       "running",
		"auto":         true,
		"orchestrator": map[string]any{"state": "idle", "timestamp": at(0)},
		"timestamp":    at(0),
	})
	publish(t, bus, protocol.TopicOrchestratorStateChanged, transition(protocol.StateIdle, protocol.StatePlanning, 0, 1))
	publish(t, bus, protocol.TopicOrchestratorToolStart, map[string]any{"pipeline_id": "p1", "tool": "write_plan", "timestamp": at(2)})
	publish(t, bus, protocol.TopicOrchestratorStateChanged, transition(protocol.StatePlanning, protocol.StateExecuting, 0, 3))
	publish(t, bus, protocol.TopicOrchestratorStateChanged, transition(protocol.StateExecuting, protocol.StateVerifying, 0, 4))
	publish(t, bus, protocol.TopicAutoPipelineDecision, map[string]any{"pipeline_id": "p1", "decision": "complete", "timestamp": at(5)})
	publish(t, bus, protocol.TopicAgentStatus, map[string]any{"id": "a1", "status": "waiting_for_input", "has_pending_input": true, "timestamp": at(5)})
	publish(t, bus, protocol.TopicSecurityAlert, map[string]any{"id": "s1", "severity": "high", "message": "curl | sh", "state": "open", "timestamp": at(6)})

	select {
	case dec := <-decisions:
		if dec.Kind != protocol.DecisionComplete {
			t.Errorf("decision = %q, want complete", dec.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("decision was not delivered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := d.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if len(snap.Pipelines) != 1 {
		t.Fatalf("pipelines = %d, want 1", len(snap.Pipelines))
	}
	if orch := snap.Pipelines[0].Orchestrator; orch == nil || orch.State != protocol.StateCompleted {
		t.Errorf("orchestrator = %+v, want completed", orch)
	}
	if n := len(snap.Timelines["p1"]); n != 1 {
		t.Errorf("timeline = %d entries, want 1", n)
	}
	if len(snap.Agents) != 1 || !snap.Agents[0].HasPendingInput {
		t.Errorf("agents = %+v", snap.Agents)
	}
	if len(snap.Alerts) != 1 {
		t.Errorf("alerts = %+v", snap.Alerts)
	}

	mu.Lock()
	got := append([]protocol.OrchestratorState(nil), states...)
	mu.Unlock()
	want := []protocol.OrchestratorState{
		protocol.StateIdle, protocol.StatePlanning, protocol.StateExecuting,
		protocol.StateVerifying, protocol.StateCompleted,
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("state callbacks = %v, want %v", got, want)
	}

	for _, name := range []string{"orchsync_notifications_received_total", "orchsync_callbacks_delivered_total"} {
		n, err := promtest.GatherAndCount(reg, name)
		if err != nil {
			t.Fatalf("GatherAndCount(%s) error = %v", name, err)
		}
		if n == 0 {
			t.Errorf("%s has no series", name)
		}
	}

	model := tui.NewModel(nil, "orchsync")
	next, _ := model.Update(tui.SnapshotMsg{Snapshot: snap})
	next, _ = next.Update(tui.ConnMsg{Connected: true})
	view := next.View()
	for _, s := range []string{"add retry budget", "completed", "curl | sh", "awaiting input"} {
		if !strings.Contains(view, s) {
			t.Errorf("dashboard missing %q", s)
		}
	}
}

// TestTeardownStopsDelivery checks that teardown releases every channel
// subscription and that later notifications reach no consumer.
func TestTeardownStopsDelivery(t *testing.T) {
	bus := event.NewBus()
	d, err := dispatch.New(bus, offlineBackend{}, dispatch.WithConfig(config.Default().Sync))
	if err != nil {
		t.Fatalf("dispatch.New() error = %v", err)
	}
	defer d.Close()

	feed := tui.NewFeed(8)
	teardown := d.Setup(feed.Callbacks())
	publish(t, bus, protocol.TopicPipelineCreated, map[string]any{"id": "p1", "status": "running", "timestamp": at(0)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := d.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}
	teardown()

	if n := bus.SubscriptionCount(); n != 0 {
		t.Errorf("subscriptions after teardown = %d, want 0", n)
	}

	publish(t, bus, protocol.TopicPipelineCreated, map[string]any{"id": "p2", "status": "running", "timestamp": at(1)})
	if feed.Dropped() != 0 {
		t.Errorf("feed dropped %d messages", feed.Dropped())
	}
}
