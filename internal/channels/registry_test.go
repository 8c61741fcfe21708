package channels

import (
	"fmt"
	"sync"
	"testing"

	"github.com/Iron-Ham/orchsync/internal/errors"
	"github.com/Iron-Ham/orchsync/internal/event"
	"github.com/Iron-Ham/orchsync/internal/metrics"
	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// flakySubscriber wraps a Bus and fails or panics on chosen topics.
type flakySubscriber struct {
	bus      *event.Bus
	fail     map[protocol.Topic]bool
	panicOn  map[protocol.Topic]bool
	badUnsub map[protocol.Topic]bool
}

func newFlaky() *flakySubscriber {
	return &flakySubscriber{
		bus:      event.NewBus(),
		fail:     make(map[protocol.Topic]bool),
		panicOn:  make(map[protocol.Topic]bool),
		badUnsub: make(map[protocol.Topic]bool),
	}
}

func (f *flakySubscriber) Subscribe(topic protocol.Topic, h event.Handler) (event.Unsubscribe, error) {
	if f.panicOn[topic] {
		panic("transport exploded")
	}
	if f.fail[topic] {
		return nil, fmt.Errorf("no listener for %s", topic)
	}
	unsub, err := f.bus.Subscribe(topic, h)
	if err != nil {
		return nil, err
	}
	if f.badUnsub[topic] {
		return func() error {
			_ = unsub()
			panic("dispose exploded")
		}, nil
	}
	return unsub, nil
}

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) route(m protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type countingMetrics struct {
	metrics.Recorder
	mu       sync.Mutex
	received int
	dropped  map[string]int
	failed   []string
	panicked int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{Recorder: metrics.Nop(), dropped: make(map[string]int)}
}

func (c *countingMetrics) Received(string) {
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
}

func (c *countingMetrics) Dropped(_ string, reason string) {
	c.mu.Lock()
	c.dropped[reason]++
	c.mu.Unlock()
}

func (c *countingMetrics) SubscriptionFailed(topic string) {
	c.mu.Lock()
	c.failed = append(c.failed, topic)
	c.mu.Unlock()
}

func (c *countingMetrics) HandlerPanicked(string) {
	c.mu.Lock()
	c.panicked++
	c.mu.Unlock()
}

func TestSetup_SubscribesEveryTopic(t *testing.T) {
	bus := event.NewBus()
	td, report := New().Setup(bus, func(protocol.Message) {})

	if !report.OK() {
		t.Fatalf("report has failures: %v", report.Failed)
	}
	if len(report.Subscribed) != len(protocol.Topics()) {
		t.Errorf("subscribed %d topics, want %d", len(report.Subscribed), len(protocol.Topics()))
	}
	if bus.SubscriptionCount() != len(protocol.Topics()) {
		t.Errorf("bus has %d subscriptions", bus.SubscriptionCount())
	}

	td.Close()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("bus has %d subscriptions after teardown", bus.SubscriptionCount())
	}
}

func TestSetup_FailureIsolated(t *testing.T) {
	sub := newFlaky()
	sub.fail[protocol.TopicAgentStats] = true
	sub.panicOn[protocol.TopicReviewPending] = true
	m := newCountingMetrics()

	rec := &recorder{}
	td, report := New(WithMetrics(m)).Setup(sub, rec.route)
	defer td.Close()

	if len(report.Failed) != 2 {
		t.Fatalf("len(Failed) = %d, want 2", len(report.Failed))
	}
	topics := map[string]bool{}
	for _, err := range report.Failed {
		topics[err.Topic] = true
	}
	if !topics[string(protocol.TopicAgentStats)] || !topics[string(protocol.TopicReviewPending)] {
		t.Errorf("failed topics = %v", topics)
	}
	if len(m.failed) != 2 {
		t.Errorf("SubscriptionFailed recorded %d times, want 2", len(m.failed))
	}
	if td.Len() != len(protocol.Topics())-2 {
		t.Errorf("Len() = %d", td.Len())
	}

	sub.bus.Publish(protocol.TopicAgentStatus, []byte(`{"id":"a1","status":"running"}`))
	if rec.count() != 1 {
		t.Errorf("routed %d messages, want 1", rec.count())
	}
}

func TestHandler_DecodesOnce(t *testing.T) {
	bus := event.NewBus()
	m := newCountingMetrics()
	rec := &recorder{}
	td, _ := New(WithMetrics(m)).Setup(bus, rec.route)
	defer td.Close()

	bus.Publish(protocol.TopicAgentStatus, []byte(`{"id":"a1","status":"running"}`))
	bus.Publish(protocol.TopicAgentStatus, []byte(`{"id":"a1","status":"dancing"}`))
	bus.Publish(protocol.TopicAgentStats, []byte(`not json`))

	if rec.count() != 1 {
		t.Fatalf("routed %d messages, want 1", rec.count())
	}
	msg := rec.msgs[0]
	if msg.Topic != protocol.TopicAgentStatus || msg.Kind != protocol.KindFull {
		t.Errorf("msg = %+v", msg)
	}
	if _, ok := msg.Body.(protocol.Agent); !ok {
		t.Errorf("Body = %T, want protocol.Agent", msg.Body)
	}
	if m.received != 3 {
		t.Errorf("received = %d, want 3", m.received)
	}
	if m.dropped[metrics.ReasonMalformed] != 2 {
		t.Errorf("malformed drops = %d, want 2", m.dropped[metrics.ReasonMalformed])
	}
}

func TestHandler_RoutePanicContained(t *testing.T) {
	bus := event.NewBus()
	m := newCountingMetrics()
	calls := 0
	td, _ := New(WithMetrics(m)).Setup(bus, func(protocol.Message) {
		calls++
		panic("route exploded")
	})
	defer td.Close()

	bus.Publish(protocol.TopicAgentTerminated, []byte(`{"id":"a1"}`))
	bus.Publish(protocol.TopicAgentTerminated, []byte(`{"id":"a2"}`))

	if calls != 2 {
		t.Errorf("route called %d times, want 2", calls)
	}
	if m.panicked != 2 {
		t.Errorf("panicked = %d, want 2", m.panicked)
	}
}

func TestTeardown_PanickingDisposer(t *testing.T) {
	sub := newFlaky()
	sub.badUnsub[protocol.TopicAgentStatus] = true

	td, _ := New().Setup(sub, func(protocol.Message) {})

	errs := td.Close()
	if len(errs) != 1 {
		t.Fatalf("len(errs) = %d, want 1", len(errs))
	}
	var subErr *errors.ChannelSubscriptionError
	if !errors.As(errs[0], &subErr) || subErr.Topic != string(protocol.TopicAgentStatus) {
		t.Errorf("error = %v", errs[0])
	}
	if sub.bus.SubscriptionCount() != 0 {
		t.Errorf("bus has %d subscriptions after teardown", sub.bus.SubscriptionCount())
	}

	if errs := td.Close(); errs != nil {
		t.Errorf("second Close() = %v, want nil", errs)
	}
}

func TestTeardown_StopsDelivery(t *testing.T) {
	bus := event.NewBus()
	rec := &recorder{}
	td, _ := New().Setup(bus, rec.route)
	td.Close()

	bus.Publish(protocol.TopicAgentStatus, []byte(`{"id":"a1","status":"running"}`))
	if rec.count() != 0 {
		t.Errorf("routed %d messages after teardown", rec.count())
	}
}

func TestWithTopics(t *testing.T) {
	bus := event.NewBus()
	r := New(WithTopics(protocol.TopicReviewPending, protocol.TopicReviewResolved))
	td, report := r.Setup(bus, func(protocol.Message) {})
	defer td.Close()

	if len(report.Subscribed) != 2 || bus.SubscriptionCount() != 2 {
		t.Errorf("subscribed = %v", report.Subscribed)
	}
	got := r.Topics()
	got[0] = "mutated"
	if r.Topics()[0] != protocol.TopicReviewPending {
		t.Error("Topics() should return a copy")
	}
}
