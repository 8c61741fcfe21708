// Package reconcile turns thin notifications into full entities by
// fetching canonical state from the backend.
//
// A Reconciler never panics and never returns errors to its callers.
// Fetch failures and timeouts are logged as ReconciliationFetchError and
// reported to the completion callback as Failed, leaving the cache
// untouched. Writes are guarded by the per-id version captured when the
// fetch was issued, and results arriving after their Session ended are
// discarded without invoking the callback.
package reconcile

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/singleflight"

	"github.com/Iron-Ham/orchsync/internal/errors"
	"github.com/Iron-Ham/orchsync/internal/logging"
)

// Defaults applied when options are not given.
const (
	DefaultTimeout          = 5 * time.Second
	DefaultFailureThreshold = 3
)

// Status is the result of one reconciliation.
type Status int

const (
	// Resolved means the fetched entity was written to the cache.
	Resolved Status = iota
	// Failed means the fetch failed or timed out.
	Failed
	// Rejected means the cache advanced while the fetch was in flight.
	Rejected
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// FetchFunc loads the canonical entity for id from the backend.
type FetchFunc[T any] func(ctx context.Context, id string) (T, error)

// Target is the versioned cache a Reconciler writes to.
type Target[T any] struct {
	// Version returns the cache's current version for id.
	Version func(id string) uint64
	// Commit writes v unless the version advanced past captured, in which
	// case it returns an error wrapping errors.ErrStaleWrite.
	Commit func(v T, captured uint64) (T, error)
}

// Poster schedules work on the goroutine that owns the cache.
type Poster interface {
	Post(fn func()) bool
}

// Session scopes reconciliations to one subscription lifetime.
type Session struct {
	active atomic.Bool
}

// NewSession returns an active session.
func NewSession() *Session {
	s := &Session{}
	s.active.Store(true)
	return s
}

// End deactivates the session. Results of fetches still in flight are
// discarded.
func (s *Session) End() { s.active.Store(false) }

// Active reports whether the session has not ended.
func (s *Session) Active() bool { return s.active.Load() }

// Observer receives the duration and error of every backend fetch.
type Observer func(kind string, elapsed time.Duration, err error)

// Reconciler resolves entities of one kind.
type Reconciler[T any] struct {
	kind   string
	fetch  FetchFunc[T]
	target Target[T]
	poster Poster

	group     singleflight.Group
	timeout   time.Duration
	threshold int
	logger    *logging.Logger
	notice    func(error)
	observe   Observer

	// Owned by the poster's goroutine.
	failures map[string]int
}

// Option configures a Reconciler.
type Option func(*config)

type config struct {
	timeout   time.Duration
	threshold int
	logger    *logging.Logger
	notice    func(error)
	observe   Observer
}

// WithTimeout bounds each backend fetch. Non-positive values use
// DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithFailureThreshold sets how many consecutive failures for one id
// produce a notice. Zero disables notices.
func WithFailureThreshold(n int) Option {
	return func(c *config) {
		c.threshold = n
	}
}

// WithLogger sets the logger for the reconciler.
func WithLogger(logger *logging.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithNotice sets the function that receives persistent-failure notices.
// It is called on the poster's goroutine and must not block.
func WithNotice(fn func(error)) Option {
	return func(c *config) {
		c.notice = fn
	}
}

// WithObserver sets a function called after every backend fetch.
func WithObserver(fn Observer) Option {
	return func(c *config) {
		c.observe = fn
	}
}

// New creates a Reconciler for entities of the named kind.
func New[T any](kind string, fetch FetchFunc[T], target Target[T], poster Poster, opts ...Option) *Reconciler[T] {
	if fetch == nil {
		panic("reconcile: fetch must not be nil")
	}
	if target.Version == nil || target.Commit == nil {
		panic("reconcile: target must define Version and Commit")
	}
	if poster == nil {
		panic("reconcile: poster must not be nil")
	}

	cfg := &config{
		timeout:   DefaultTimeout,
		threshold: DefaultFailureThreshold,
		logger:    logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.timeout <= 0 {
		cfg.timeout = DefaultTimeout
	}
	if cfg.logger == nil {
		cfg.logger = logging.NopLogger()
	}

	return &Reconciler[T]{
		kind:      kind,
		fetch:     fetch,
		target:    target,
		poster:    poster,
		timeout:   cfg.timeout,
		threshold: cfg.threshold,
		logger:    cfg.logger.With("kind", kind),
		notice:    cfg.notice,
		observe:   cfg.observe,
		failures:  make(map[string]int),
	}
}

// Reconcile fetches id and writes it to the cache. It must be called on
// the poster's goroutine and returns immediately. done runs on the
// poster's goroutine with the written entity, unless the session ended
// first, in which case it never runs. done may be nil.
//
// Concurrent reconciliations of one id share a single backend round trip;
// each keeps the version captured at its own call.
func (r *Reconciler[T]) Reconcile(session *Session, id string, done func(T, Status)) {
	captured := r.target.Version(id)

	go func() {
		v, err := r.do(id)
		r.poster.Post(func() {
			if !session.Active() {
				r.logger.Debug("reconcile result discarded after teardown", "id", id)
				return
			}
			r.complete(id, captured, v, err, done)
		})
	}()
}

func (r *Reconciler[T]) do(id string) (T, error) {
	res, err, _ := r.group.Do(id, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		start := time.Now()
		v, err := r.safeFetch(ctx, id)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if r.observe != nil {
			r.observe(r.kind, time.Since(start), err)
		}
		return v, err
	})

	var zero T
	if err != nil {
		cause := err
		if errors.Is(err, context.DeadlineExceeded) {
			cause = fmt.Errorf("after %v: %w", r.timeout, errors.ErrTimeout)
		}
		return zero, errors.NewReconciliationFetchError(r.kind, id, cause)
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.NewReconciliationFetchError(r.kind, id,
			fmt.Errorf("unexpected result type %T", res))
	}
	return v, nil
}

// safeFetch runs the backend fetch, converting a panic into an error.
func (r *Reconciler[T]) safeFetch(ctx context.Context, id string) (v T, err error) {
	var catcher panics.Catcher
	catcher.Try(func() { v, err = r.fetch(ctx, id) })
	if rec := catcher.Recovered(); rec != nil {
		return v, rec.AsError()
	}
	return v, err
}

func (r *Reconciler[T]) complete(id string, captured uint64, v T, err error, done func(T, Status)) {
	var zero T
	if err != nil {
		r.logger.Warn("reconciliation fetch failed", "id", id, "error", err)
		r.fail(id, err)
		finish(done, zero, Failed)
		return
	}

	written, err := r.target.Commit(v, captured)
	if err != nil {
		if errors.Is(err, errors.ErrStaleWrite) {
			r.logger.Debug("reconciliation lost race to a newer write", "id", id, "error", err)
			finish(done, zero, Rejected)
			return
		}
		fetchErr := errors.NewReconciliationFetchError(r.kind, id, err)
		r.logger.Warn("reconciled entity rejected", "id", id, "error", fetchErr)
		r.fail(id, fetchErr)
		finish(done, zero, Failed)
		return
	}

	delete(r.failures, id)
	finish(done, written, Resolved)
}

// fail counts a consecutive failure and emits one notice when the
// threshold is reached. The count resets on the next success.
func (r *Reconciler[T]) fail(id string, err error) {
	r.failures[id]++
	if r.threshold <= 0 || r.failures[id] != r.threshold || r.notice == nil {
		return
	}
	var fetchErr *errors.ReconciliationFetchError
	if errors.As(err, &fetchErr) {
		err = fetchErr.WithUserFacing(true)
	}
	r.logger.Error("reconciliation failing persistently",
		"id", id, "failures", r.failures[id], "error", err)
	r.notice(err)
}

// Failures returns the consecutive failure count for id. It must be
// called on the poster's goroutine.
func (r *Reconciler[T]) Failures(id string) int {
	return r.failures[id]
}

func finish[T any](done func(T, Status), v T, s Status) {
	if done != nil {
		done(v, s)
	}
}
