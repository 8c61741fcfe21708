// Package dispatch is the composition root of the sync layer. It wires the
// channel registry, throttlers, reconcilers and the orchestrator model to
// a single set of consumer callbacks.
//
// Every handler runs on one loop goroutine that owns the cache. Transport
// goroutines only decode and post; reconciliation fetches and throttle
// timers post their results back to the same loop.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/orchsync/internal/channels"
	"github.com/Iron-Ham/orchsync/internal/config"
	"github.com/Iron-Ham/orchsync/internal/errors"
	"github.com/Iron-Ham/orchsync/internal/event"
	"github.com/Iron-Ham/orchsync/internal/logging"
	"github.com/Iron-Ham/orchsync/internal/loop"
	"github.com/Iron-Ham/orchsync/internal/metrics"
	"github.com/Iron-Ham/orchsync/internal/protocol"
	"github.com/Iron-Ham/orchsync/internal/store"
)

// Dispatcher owns the cache and the loop for one backend connection.
type Dispatcher struct {
	subscriber event.Subscriber
	backend    Backend
	cfg        config.SyncConfig
	logger     *logging.Logger
	metrics    metrics.Recorder
	registry   *channels.Registry

	loop  *loop.Loop
	cache *store.Cache

	mu      sync.Mutex
	current *run
	started bool
	closed  bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger for the dispatcher and everything it builds.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithConfig sets the throttle windows, fetch timeout and retry bounds.
func WithConfig(cfg config.SyncConfig) Option {
	return func(d *Dispatcher) {
		d.cfg = cfg
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithTopics restricts the channels subscribed by Setup.
func WithTopics(topics ...protocol.Topic) Option {
	return func(d *Dispatcher) {
		d.registry = channels.New(channels.WithTopics(topics...))
	}
}

// New creates a Dispatcher. Nothing is subscribed until Setup.
func New(subscriber event.Subscriber, backend Backend, opts ...Option) (*Dispatcher, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("dispatch: subscriber must not be nil")
	}
	if backend == nil {
		return nil, fmt.Errorf("dispatch: backend must not be nil")
	}

	d := &Dispatcher{
		subscriber: subscriber,
		backend:    backend,
		cfg:        config.Default().Sync,
		logger:     logging.NopLogger(),
		metrics:    metrics.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	topics := protocol.Topics()
	if d.registry != nil {
		topics = d.registry.Topics()
	}
	d.registry = channels.New(
		channels.WithTopics(topics...),
		channels.WithLogger(d.logger),
		channels.WithMetrics(d.metrics),
	)

	cache, err := store.New(
		store.WithMaxPipelines(d.cfg.MaxCachedPipelines),
		store.WithLogger(d.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	d.cache = cache
	d.loop = loop.New(loop.WithLogger(d.logger))
	return d, nil
}

// Setup subscribes every channel and delivers updates to cb until the
// returned teardown is called. Teardown is idempotent; once it returns no
// callback of this Setup fires again. Called from another goroutine it
// waits for a callback in progress to return; called from a callback it
// returns at once and that callback is the last.
func (d *Dispatcher) Setup(cb Callbacks) (teardown func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("setup called on closed dispatcher")
		return func() {}
	}
	d.startLocked()
	r := newRun(d, cb)
	d.current = r
	d.mu.Unlock()

	td, report := d.registry.Setup(d.subscriber, r.route)
	r.setChannels(td)

	if !report.OK() {
		errs := make([]error, len(report.Failed))
		for i, e := range report.Failed {
			errs[i] = e
		}
		notice := errors.Join(errs...)
		d.loop.Post(func() { r.notice(notice) })
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.close()
			d.mu.Lock()
			if d.current == r {
				d.current = nil
			}
			d.mu.Unlock()
		})
		if err := d.loop.Barrier(context.Background()); err != nil {
			d.logger.Warn("teardown barrier failed", "error", err)
		}
	}
}

// Refresh schedules a manual reconciliation of one pipeline or agent.
func (d *Dispatcher) Refresh(kind store.Kind, id string) error {
	r := d.active()
	if r == nil {
		return errors.ErrNotConnected
	}
	if !d.loop.Post(func() { r.refresh(kind, id) }) {
		return errors.ErrCanceled
	}
	return nil
}

// Resync schedules a reconciliation of every cached pipeline and agent.
// Call it after the transport may have missed notifications.
func (d *Dispatcher) Resync() error {
	r := d.active()
	if r == nil {
		return errors.ErrNotConnected
	}
	ok := d.loop.Post(func() {
		for _, id := range d.cache.IDs(store.KindPipeline) {
			r.refresh(store.KindPipeline, id)
		}
		for _, id := range d.cache.IDs(store.KindAgent) {
			r.refresh(store.KindAgent, id)
		}
	})
	if !ok {
		return errors.ErrCanceled
	}
	return nil
}

// Notify delivers err to the active Setup's OnNotice callback.
func (d *Dispatcher) Notify(err error) {
	r := d.active()
	if r == nil || err == nil {
		return
	}
	d.loop.Post(func() { r.notice(err) })
}

// LoadHistory fetches a pipeline's tool-call, state-change and decision
// history, at most sync.history_limit entries of each, and merges it into
// the model. It returns how many entries were new.
func (d *Dispatcher) LoadHistory(ctx context.Context, pipelineID string) (int, error) {
	limit := d.cfg.HistoryLimit
	var h store.History

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		h.ToolCalls, err = d.backend.FetchToolCalls(gctx, pipelineID, limit)
		return err
	})
	g.Go(func() (err error) {
		h.StateChanges, err = d.backend.FetchStateChanges(gctx, pipelineID, limit)
		return err
	})
	g.Go(func() (err error) {
		h.Decisions, err = d.backend.FetchDecisions(gctx, pipelineID, limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, errors.NewReconciliationFetchError("history", pipelineID, err)
	}

	d.start()
	var added int
	err := d.loop.Do(ctx, func() {
		added = d.cache.MergeHistory(pipelineID, h)
	})
	if err != nil {
		return 0, err
	}
	d.logger.WithPipeline(pipelineID).Info("history loaded",
		"tool_calls", len(h.ToolCalls),
		"state_changes", len(h.StateChanges),
		"decisions", len(h.Decisions),
		"added", added,
	)
	return added, nil
}

// Snapshot returns a deep copy of the cache, read on the loop.
func (d *Dispatcher) Snapshot(ctx context.Context) (store.Snapshot, error) {
	d.start()
	var snap store.Snapshot
	if err := d.loop.Do(ctx, func() { snap = d.cache.Snapshot() }); err != nil {
		return store.Snapshot{}, err
	}
	return snap, nil
}

// Close tears down the active Setup and stops the loop. Called from a
// callback, it returns without waiting and the loop exits once that
// callback returns.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	r := d.current
	d.current = nil
	d.closed = true
	d.mu.Unlock()

	if r != nil {
		r.close()
	}
	d.loop.Stop()
}

// start begins draining the loop on first use.
func (d *Dispatcher) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startLocked()
}

func (d *Dispatcher) startLocked() {
	if d.started || d.closed {
		return
	}
	if err := d.loop.Start(context.Background()); err != nil {
		d.logger.Error("failed to start loop", "error", err)
	}
	d.started = true
}

func (d *Dispatcher) active() *run {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}
