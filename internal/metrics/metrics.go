// Package metrics exports sync-layer counters to Prometheus.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "orchsync"

// Drop reasons.
const (
	ReasonMalformed  = "malformed"
	ReasonStale      = "stale"
	ReasonTombstoned = "tombstoned"
	ReasonUnknown    = "unknown_entity"
	ReasonTeardown   = "teardown"
	ReasonDuplicate  = "duplicate"
)

// Recorder captures sync-layer telemetry.
type Recorder interface {
	Received(topic string)
	Delivered(topic string)
	Dropped(topic, reason string)
	Throttled(topic string)
	SubscriptionFailed(topic string)
	HandlerPanicked(topic string)
	Reconciled(kind, status string)
	Fetched(kind string, elapsed time.Duration, err error)
	Desynced(outcome string)
}

// PrometheusRecorder exports sync metrics to Prometheus.
type PrometheusRecorder struct {
	received      *prometheus.CounterVec
	delivered     *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	throttled     *prometheus.CounterVec
	subscriptions *prometheus.CounterVec
	panics        *prometheus.CounterVec
	reconciles    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchErrors   *prometheus.CounterVec
	desyncs       *prometheus.CounterVec
}

// NewPrometheusRecorder registers the sync metrics with reg. A nil reg
// uses the default registerer.
func NewPrometheusRecorder(namespace string, reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}

	r := &PrometheusRecorder{
		received:      counter("notifications_received_total", "Notifications received per topic.", "topic"),
		delivered:     counter("callbacks_delivered_total", "Consumer callbacks invoked per topic.", "topic"),
		dropped:       counter("notifications_dropped_total", "Notifications dropped per topic and reason.", "topic", "reason"),
		throttled:     counter("notifications_throttled_total", "Notifications coalesced by a throttler per topic.", "topic"),
		subscriptions: counter("subscription_failures_total", "Failed topic subscriptions.", "topic"),
		panics:        counter("handler_panics_total", "Recovered handler panics per topic.", "topic"),
		reconciles:    counter("reconciliations_total", "Reconciliations per entity kind and status.", "kind", "status"),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of backend fetches issued by reconciliation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		fetchErrors: counter("fetch_errors_total", "Failed backend fetches per entity kind.", "kind"),
		desyncs:     counter("desyncs_total", "Orchestrator events that required corrective reconciliation.", "outcome"),
	}

	collectors := []prometheus.Collector{
		r.received, r.delivered, r.dropped, r.throttled, r.subscriptions,
		r.panics, r.reconciles, r.fetchDuration, r.fetchErrors, r.desyncs,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return nil, fmt.Errorf("register sync metric: %w", err)
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) Received(topic string) {
	r.received.WithLabelValues(topic).Inc()
}

func (r *PrometheusRecorder) Delivered(topic string) {
	r.delivered.WithLabelValues(topic).Inc()
}

func (r *PrometheusRecorder) Dropped(topic, reason string) {
	r.dropped.WithLabelValues(topic, reason).Inc()
}

func (r *PrometheusRecorder) Throttled(topic string) {
	r.throttled.WithLabelValues(topic).Inc()
}

func (r *PrometheusRecorder) SubscriptionFailed(topic string) {
	r.subscriptions.WithLabelValues(topic).Inc()
}

func (r *PrometheusRecorder) HandlerPanicked(topic string) {
	r.panics.WithLabelValues(topic).Inc()
}

func (r *PrometheusRecorder) Reconciled(kind, status string) {
	r.reconciles.WithLabelValues(kind, status).Inc()
}

// Fetched records the latency of one backend fetch and counts failures.
func (r *PrometheusRecorder) Fetched(kind string, elapsed time.Duration, err error) {
	r.fetchDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if err != nil {
		r.fetchErrors.WithLabelValues(kind).Inc()
	}
}

func (r *PrometheusRecorder) Desynced(outcome string) {
	r.desyncs.WithLabelValues(outcome).Inc()
}

// Nop returns a Recorder that discards everything.
func Nop() Recorder { return nopRecorder{} }

type nopRecorder struct{}

func (nopRecorder) Received(string)                      {}
func (nopRecorder) Delivered(string)                     {}
func (nopRecorder) Dropped(string, string)               {}
func (nopRecorder) Throttled(string)                     {}
func (nopRecorder) SubscriptionFailed(string)            {}
func (nopRecorder) HandlerPanicked(string)               {}
func (nopRecorder) Reconciled(string, string)            {}
func (nopRecorder) Fetched(string, time.Duration, error) {}
func (nopRecorder) Desynced(string)                      {}
