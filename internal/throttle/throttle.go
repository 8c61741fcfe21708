// Package throttle provides a keyed throttler with a guaranteed trailing
// edge.
//
// Each key has its own window, so a burst on one entity never delays
// another. Within a window at most one call fires immediately (when the
// leading edge is enabled) and, if further calls arrived, exactly one
// trailing call fires when the window closes with the most recent
// argument. A trailing fire opens a fresh window, so continuous load is
// delivered once per window rather than starved.
package throttle

import (
	"sync"
	"time"
)

// Throttler rate-limits calls to fn per key.
type Throttler[K comparable, A any] struct {
	window  time.Duration
	fn      func(K, A)
	leading bool

	mu      sync.Mutex
	spans   map[K]*span[A]
	stopped bool
}

type span[A any] struct {
	timer   *time.Timer
	pending bool
	arg     A
}

// Option configures a Throttler.
type Option func(*options)

type options struct {
	leading bool
}

// WithLeading controls whether the first call in a window fires
// immediately. Enabled by default; when disabled every delivery happens on
// the trailing edge.
func WithLeading(leading bool) Option {
	return func(o *options) {
		o.leading = leading
	}
}

// New creates a Throttler that calls fn at most once per window per key,
// plus one trailing call. A non-positive window disables throttling and
// every Call invokes fn directly.
func New[K comparable, A any](window time.Duration, fn func(K, A), opts ...Option) *Throttler[K, A] {
	if fn == nil {
		panic("throttle: fn must not be nil")
	}
	o := options{leading: true}
	for _, opt := range opts {
		opt(&o)
	}
	return &Throttler[K, A]{
		window:  window,
		fn:      fn,
		leading: o.leading,
		spans:   make(map[K]*span[A]),
	}
}

// Call requests an invocation of fn(key, arg). A leading fire runs on the
// calling goroutine; trailing fires run on a timer goroutine.
func (t *Throttler[K, A]) Call(key K, arg A) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.window <= 0 {
		t.mu.Unlock()
		t.fn(key, arg)
		return
	}

	if w, ok := t.spans[key]; ok {
		w.pending = true
		w.arg = arg
		t.mu.Unlock()
		return
	}

	w := &span[A]{}
	t.spans[key] = w
	if !t.leading {
		w.pending = true
		w.arg = arg
	}
	w.timer = time.AfterFunc(t.window, func() { t.close(key, w) })
	t.mu.Unlock()

	if t.leading {
		t.fn(key, arg)
	}
}

// close ends a window. A pending call fires and opens the next window;
// otherwise the key goes idle.
func (t *Throttler[K, A]) close(key K, w *span[A]) {
	t.mu.Lock()
	if t.stopped || t.spans[key] != w {
		t.mu.Unlock()
		return
	}
	if !w.pending {
		delete(t.spans, key)
		t.mu.Unlock()
		return
	}

	arg := w.arg
	var zero A
	w.arg = zero
	w.pending = false
	w.timer = time.AfterFunc(t.window, func() { t.close(key, w) })
	t.mu.Unlock()

	t.fn(key, arg)
}

// Flush fires the pending call for key now, if any, and closes its window.
// It reports whether a call fired.
func (t *Throttler[K, A]) Flush(key K) bool {
	t.mu.Lock()
	w, ok := t.spans[key]
	if !ok || t.stopped {
		t.mu.Unlock()
		return false
	}
	w.timer.Stop()
	delete(t.spans, key)
	if !w.pending {
		t.mu.Unlock()
		return false
	}
	arg := w.arg
	t.mu.Unlock()

	t.fn(key, arg)
	return true
}

// Cancel drops the pending call for key, if any, and closes its window.
func (t *Throttler[K, A]) Cancel(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w, ok := t.spans[key]; ok {
		w.timer.Stop()
		delete(t.spans, key)
	}
}

// Pending returns the number of keys with a trailing call scheduled.
func (t *Throttler[K, A]) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, w := range t.spans {
		if w.pending {
			n++
		}
	}
	return n
}

// Stop cancels every pending trailing call. No call fires after Stop
// returns, except one already running on a timer goroutine.
func (t *Throttler[K, A]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for key, w := range t.spans {
		w.timer.Stop()
		delete(t.spans, key)
	}
}
