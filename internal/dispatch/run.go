package dispatch

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/orchsync/internal/channels"
	"github.com/Iron-Ham/orchsync/internal/logging"
	"github.com/Iron-Ham/orchsync/internal/metrics"
	"github.com/Iron-Ham/orchsync/internal/protocol"
	"github.com/Iron-Ham/orchsync/internal/reconcile"
	"github.com/Iron-Ham/orchsync/internal/store"
	"github.com/Iron-Ham/orchsync/internal/throttle"
)

// run is the state of one Setup. Fields below the mutex are owned by the
// loop goroutine.
type run struct {
	d       *Dispatcher
	cb      Callbacks
	logger  *logging.Logger
	session *reconcile.Session

	pipelines *reconcile.Reconciler[protocol.Pipeline]
	agents    *reconcile.Reconciler[protocol.Agent]

	stats    *throttle.Throttler[string, struct{}]
	activity *throttle.Throttler[string, struct{}]
	counters *throttle.Throttler[string, struct{}]

	mu       sync.Mutex
	channels *channels.Teardown
	closed   bool

	// pipeline id -> corrective reconciliations issued for an unresolved desync
	desyncs map[string]int
}

func newRun(d *Dispatcher, cb Callbacks) *run {
	r := &run{
		d:       d,
		cb:      cb,
		logger:  d.logger,
		session: reconcile.NewSession(),
		desyncs: make(map[string]int),
	}

	opts := []reconcile.Option{
		reconcile.WithTimeout(d.cfg.FetchTimeout()),
		reconcile.WithFailureThreshold(d.cfg.FailureNoticeThreshold),
		reconcile.WithLogger(d.logger),
		reconcile.WithNotice(r.notice),
		reconcile.WithObserver(d.metrics.Fetched),
	}
	r.pipelines = reconcile.New(string(store.KindPipeline), fetchPipeline(d.backend),
		reconcile.Target[protocol.Pipeline]{
			Version: func(id string) uint64 { return d.cache.Version(store.KindPipeline, id) },
			Commit:  d.cache.ReconcilePipeline,
		}, d.loop, opts...)
	r.agents = reconcile.New(string(store.KindAgent), d.backend.FetchAgent,
		reconcile.Target[protocol.Agent]{
			Version: func(id string) uint64 { return d.cache.Version(store.KindAgent, id) },
			Commit:  d.cache.ReconcileAgent,
		}, d.loop, opts...)

	r.stats = throttle.New(d.cfg.StatsWindow(), r.posted(protocol.TopicAgentStats, r.flushStats),
		throttle.WithLeading(d.cfg.StatsLeading))
	r.activity = throttle.New(d.cfg.ActivityWindow(), r.posted(protocol.TopicAgentActivity, r.flushActivity))
	r.counters = throttle.New(d.cfg.CountersWindow(), r.posted(protocol.TopicOrchestratorCounters, r.flushCounters))
	return r
}

// close ends the session and releases everything the run holds. Queued
// loop tasks see the ended session and return without delivering.
func (r *run) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	td := r.channels
	r.mu.Unlock()

	r.session.End()
	r.stats.Stop()
	r.activity.Stop()
	r.counters.Stop()
	if td != nil {
		td.Close()
	}
	r.logger.Info("dispatch torn down")
}

func (r *run) setChannels(td *channels.Teardown) {
	r.mu.Lock()
	closed := r.closed
	if !closed {
		r.channels = td
	}
	r.mu.Unlock()
	if closed {
		td.Close()
	}
}

// route is called on transport goroutines.
func (r *run) route(msg protocol.Message) {
	if !r.session.Active() || !r.d.loop.Post(func() { r.handle(msg) }) {
		r.d.metrics.Dropped(string(msg.Topic), metrics.ReasonTeardown)
	}
}

// posted adapts a loop-side flush into a throttle callback, which may run
// on a timer goroutine.
func (r *run) posted(topic protocol.Topic, flush func(string)) func(string, struct{}) {
	return func(id string, _ struct{}) {
		r.d.loop.Post(func() {
			if !r.session.Active() {
				r.d.metrics.Dropped(string(topic), metrics.ReasonTeardown)
				return
			}
			flush(id)
		})
	}
}

// fetchPipeline holds fetched pipelines to the same shape rules as
// notification payloads.
func fetchPipeline(b Backend) reconcile.FetchFunc[protocol.Pipeline] {
	return func(ctx context.Context, id string) (protocol.Pipeline, error) {
		p, err := b.FetchPipeline(ctx, id)
		if err != nil {
			return protocol.Pipeline{}, err
		}
		if err := protocol.ValidatePipeline(p); err != nil {
			return protocol.Pipeline{}, err
		}
		return p, nil
	}
}

func (r *run) notice(err error) {
	if !r.session.Active() || err == nil {
		return
	}
	deliver(r, "notice", r.cb.OnNotice, err)
}

// deliver invokes one consumer callback unless the run has been torn
// down. A panicking callback is logged and counted; it never affects
// other deliveries.
func deliver[T any](r *run, topic string, fn func(T), v T) {
	if fn == nil {
		return
	}
	if !r.session.Active() {
		r.d.metrics.Dropped(topic, metrics.ReasonTeardown)
		return
	}
	var catcher panics.Catcher
	catcher.Try(func() { fn(v) })
	if rec := catcher.Recovered(); rec != nil {
		r.logger.WithChannel(topic).Error("callback panicked",
			"panic", rec.Value,
			"stack", string(rec.Stack),
		)
		r.d.metrics.HandlerPanicked(topic)
		return
	}
	r.d.metrics.Delivered(topic)
}

func (r *run) drop(topic protocol.Topic, reason string, args ...any) {
	r.d.metrics.Dropped(string(topic), reason)
	r.logger.WithChannel(string(topic)).Debug("event dropped", append([]any{"reason", reason}, args...)...)
}
