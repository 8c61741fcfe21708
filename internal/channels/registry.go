// Package channels subscribes to every notification topic, decodes each
// payload once into a tagged protocol.Message and hands it to a route.
//
// Subscriptions are independent: a topic that fails to subscribe is
// reported and logged, and every other topic still gets its listener.
// Teardown disposes each subscription under its own panic catcher.
package channels

import (
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/orchsync/internal/errors"
	"github.com/Iron-Ham/orchsync/internal/event"
	"github.com/Iron-Ham/orchsync/internal/logging"
	"github.com/Iron-Ham/orchsync/internal/metrics"
	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// Route receives decoded messages on the transport's goroutine. It must
// not block.
type Route func(protocol.Message)

// Report summarizes one Setup.
type Report struct {
	Subscribed []protocol.Topic
	Failed     []*errors.ChannelSubscriptionError
}

// OK reports whether every topic subscribed.
func (r Report) OK() bool { return len(r.Failed) == 0 }

// Registry knows which topics to subscribe and how to decode them.
type Registry struct {
	topics  []protocol.Topic
	logger  *logging.Logger
	metrics metrics.Recorder
}

// Option configures a Registry.
type Option func(*Registry)

// WithTopics overrides the subscribed topics. Defaults to protocol.Topics().
func WithTopics(topics ...protocol.Topic) Option {
	return func(r *Registry) {
		r.topics = topics
	}
}

// WithLogger sets the logger for the registry.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder for the registry.
func WithMetrics(m metrics.Recorder) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// New creates a Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		topics:  protocol.Topics(),
		logger:  logging.NopLogger(),
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Topics returns the topics the registry subscribes to.
func (r *Registry) Topics() []protocol.Topic {
	out := make([]protocol.Topic, len(r.topics))
	copy(out, r.topics)
	return out
}

// Setup subscribes every topic and returns once all have been attempted.
func (r *Registry) Setup(sub event.Subscriber, route Route) (*Teardown, Report) {
	td := &Teardown{logger: r.logger}
	var report Report

	for _, topic := range r.topics {
		unsub, err := r.subscribe(sub, topic, route)
		if err != nil {
			subErr := errors.NewChannelSubscriptionError(string(topic), err)
			r.logger.WithChannel(string(topic)).Error("channel subscription failed", "error", subErr)
			r.metrics.SubscriptionFailed(string(topic))
			report.Failed = append(report.Failed, subErr)
			continue
		}
		td.add(topic, unsub)
		report.Subscribed = append(report.Subscribed, topic)
	}

	r.logger.Info("channels subscribed",
		"subscribed", len(report.Subscribed),
		"failed", len(report.Failed),
	)
	return td, report
}

// subscribe registers one topic, treating a panicking transport like a
// failed subscription.
func (r *Registry) subscribe(sub event.Subscriber, topic protocol.Topic, route Route) (unsub event.Unsubscribe, err error) {
	var catcher panics.Catcher
	catcher.Try(func() {
		unsub, err = sub.Subscribe(topic, r.handler(topic, route))
	})
	if rec := catcher.Recovered(); rec != nil {
		return nil, rec.AsError()
	}
	if err == nil && unsub == nil {
		unsub = func() error { return nil }
	}
	return unsub, err
}

func (r *Registry) handler(topic protocol.Topic, route Route) event.Handler {
	logger := r.logger.WithChannel(string(topic))
	return func(n event.Notification) {
		r.metrics.Received(string(topic))

		msg, err := protocol.Decode(topic, n.Payload, n.ReceivedAt)
		if err != nil {
			logger.Warn("dropping malformed payload", "error", err)
			r.metrics.Dropped(string(topic), metrics.ReasonMalformed)
			return
		}

		var catcher panics.Catcher
		catcher.Try(func() { route(msg) })
		if rec := catcher.Recovered(); rec != nil {
			logger.Error("route panicked", "panic", rec.Value, "stack", string(rec.Stack))
			r.metrics.HandlerPanicked(string(topic))
		}
	}
}

type disposer struct {
	topic protocol.Topic
	fn    event.Unsubscribe
}

// Teardown holds every subscription made by one Setup.
type Teardown struct {
	logger *logging.Logger

	mu        sync.Mutex
	disposers []disposer
	closed    bool
}

func (t *Teardown) add(topic protocol.Topic, fn event.Unsubscribe) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposers = append(t.disposers, disposer{topic: topic, fn: fn})
}

// Len returns the number of live subscriptions.
func (t *Teardown) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.disposers)
}

// Close unsubscribes every topic. A failing or panicking disposer is
// logged and the rest still run. Close never panics, and calls after the
// first do nothing. The returned errors are informational.
func (t *Teardown) Close() []error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	disposers := t.disposers
	t.disposers = nil
	t.mu.Unlock()

	var errs []error
	for _, d := range disposers {
		var err error
		var catcher panics.Catcher
		catcher.Try(func() { err = d.fn() })
		if rec := catcher.Recovered(); rec != nil {
			err = rec.AsError()
		}
		if err != nil {
			err = errors.NewChannelSubscriptionError(string(d.topic), err).WithMessage("unsubscribe failed")
			t.logger.WithChannel(string(d.topic)).Warn("channel unsubscribe failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errs
}
