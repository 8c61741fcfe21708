// Package loop provides the single cooperative task queue that every sync
// handler runs on.
//
// Transport goroutines, fetch goroutines and throttle timers never touch
// shared state directly; they Post a closure and the loop runs it. Tasks
// run one at a time in the order they were posted, so state owned by the
// loop needs no locking.
package loop

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/orchsync/internal/errors"
	"github.com/Iron-Ham/orchsync/internal/logging"
)

// Loop is an unbounded FIFO task queue drained by one goroutine.
type Loop struct {
	logger *logging.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	halted  chan struct{}
	stopped bool

	// id of the goroutine draining the queue, 0 when not running
	gid atomic.Uint64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used to report panicking tasks.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Loop. Call Start to begin draining it.
func New(opts ...Option) *Loop {
	l := &Loop{
		logger: logging.NopLogger(),
		wake:   make(chan struct{}, 1),
		halted: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins running tasks in a background goroutine. Tasks posted
// before Start are kept and run once it begins.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return fmt.Errorf("loop: already started")
	}
	if l.stopped {
		return fmt.Errorf("loop: already stopped")
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.started = true

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.gid.Store(goroutineID())
		defer l.gid.Store(0)
		l.run(ctx)
	}()
	return nil
}

// Stop halts the loop and waits for the running task to return. Tasks
// still queued are discarded and later Posts are rejected. It is safe to
// call multiple times. Called from a task, it returns without waiting and
// the loop exits once that task returns.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.halted)
	}
	l.queue = nil
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if l.OnLoop() {
		return
	}
	l.wg.Wait()
}

// OnLoop reports whether the caller is running as a task on this loop.
func (l *Loop) OnLoop() bool {
	id := l.gid.Load()
	return id != 0 && id == goroutineID()
}

// Barrier waits until the task running now, and everything posted before
// the call, has returned. Called from a task it returns at once. On a
// stopped loop it waits only for the task still in flight.
func (l *Loop) Barrier(ctx context.Context) error {
	if l.OnLoop() {
		return nil
	}
	err := l.Do(ctx, func() {})
	if errors.Is(err, errors.ErrCanceled) && l.isStopped() {
		l.wg.Wait()
		return nil
	}
	return err
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Post enqueues fn. It never blocks and reports false if the loop has
// been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits until it has run. Since tasks run in order, Do
// also waits for everything posted before it.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return errors.ErrCanceled
	}

	select {
	case <-done:
		return nil
	case <-l.halted:
		select {
		case <-done:
			return nil
		default:
			return errors.ErrCanceled
		}
	case <-ctx.Done():
		return errors.Wrap(errors.ErrCanceled, ctx.Err().Error())
	}
}

// Len returns the number of tasks waiting to run.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) run(ctx context.Context) {
	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			if ctx.Err() != nil {
				return
			}
			l.safeRun(fn)
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

// safeRun runs one task; a panic is logged and the loop carries on.
func (l *Loop) safeRun(fn func()) {
	var catcher panics.Catcher
	catcher.Try(fn)
	if r := catcher.Recovered(); r != nil {
		l.logger.Error("loop task panicked",
			"panic", r.Value,
			"stack", string(r.Stack),
		)
	}
}

// goroutineID parses the current goroutine's id from its stack header,
// "goroutine 42 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
