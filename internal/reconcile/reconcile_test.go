package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/orchsync/internal/errors"
	"github.com/Iron-Ham/orchsync/internal/loop"
)

// entity is a minimal versioned record.
type entity struct {
	ID    string
	Value string
}

// fakeCache is a versioned map owned by the loop.
type fakeCache struct {
	items    map[string]entity
	versions map[string]uint64
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: map[string]entity{}, versions: map[string]uint64{}}
}

func (c *fakeCache) put(e entity) {
	c.items[e.ID] = e
	c.versions[e.ID]++
}

func (c *fakeCache) target() Target[entity] {
	return Target[entity]{
		Version: func(id string) uint64 { return c.versions[id] },
		Commit: func(e entity, captured uint64) (entity, error) {
			if c.versions[e.ID] > captured {
				return entity{}, errors.ErrStaleWrite
			}
			c.put(e)
			return e, nil
		},
	}
}

type result struct {
	e      entity
	status Status
}

func startLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.New()
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func onLoop(t *testing.T, l *loop.Loop, fn func()) {
	t.Helper()
	if err := l.Do(context.Background(), fn); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
}

func waitForResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconcile result")
		return result{}
	}
}

func TestReconciler_Resolves(t *testing.T) {
	l := startLoop(t)
	cache := newFakeCache()
	r := New("pipeline", func(_ context.Context, id string) (entity, error) {
		return entity{ID: id, Value: "fetched"}, nil
	}, cache.target(), l)

	results := make(chan result, 1)
	onLoop(t, l, func() {
		r.Reconcile(NewSession(), "p1", func(e entity, s Status) { results <- result{e, s} })
	})

	got := waitForResult(t, results)
	if got.status != Resolved || got.e.Value != "fetched" {
		t.Errorf("result = %+v", got)
	}
	onLoop(t, l, func() {
		if cache.items["p1"].Value != "fetched" {
			t.Errorf("cache = %+v", cache.items["p1"])
		}
	})
}

func TestReconciler_StaleFetchDoesNotOverwrite(t *testing.T) {
	l := startLoop(t)
	cache := newFakeCache()
	release := make(chan struct{})
	r := New("pipeline", func(_ context.Context, id string) (entity, error) {
		<-release
		return entity{ID: id, Value: "stale"}, nil
	}, cache.target(), l)

	results := make(chan result, 1)
	onLoop(t, l, func() {
		cache.put(entity{ID: "p1", Value: "old"})
		r.Reconcile(NewSession(), "p1", func(e entity, s Status) { results <- result{e, s} })
	})

	// A newer full payload lands while the fetch is in flight.
	onLoop(t, l, func() { cache.put(entity{ID: "p1", Value: "newer"}) })
	close(release)

	got := waitForResult(t, results)
	if got.status != Rejected {
		t.Errorf("status = %v, want rejected", got.status)
	}
	onLoop(t, l, func() {
		if cache.items["p1"].Value != "newer" {
			t.Errorf("cache regressed to %q", cache.items["p1"].Value)
		}
	})
}

func TestReconciler_FailureLeavesCacheUntouched(t *testing.T) {
	l := startLoop(t)
	cache := newFakeCache()
	r := New("agent", func(context.Context, string) (entity, error) {
		return entity{}, errors.ErrNotConnected
	}, cache.target(), l)

	results := make(chan result, 1)
	onLoop(t, l, func() {
		cache.put(entity{ID: "a1", Value: "good"})
		r.Reconcile(NewSession(), "a1", func(e entity, s Status) { results <- result{e, s} })
	})

	if got := waitForResult(t, results); got.status != Failed {
		t.Errorf("status = %v, want failed", got.status)
	}
	onLoop(t, l, func() {
		if cache.items["a1"].Value != "good" {
			t.Error("failed reconciliation erased last-known-good state")
		}
		if r.Failures("a1") != 1 {
			t.Errorf("Failures() = %d, want 1", r.Failures("a1"))
		}
	})
}

func TestReconciler_Timeout(t *testing.T) {
	l := startLoop(t)
	cache := newFakeCache()
	var notice atomic.Value
	r := New("pipeline", func(ctx context.Context, _ string) (entity, error) {
		<-ctx.Done()
		return entity{}, ctx.Err()
	}, cache.target(), l,
		WithTimeout(20*time.Millisecond),
		WithFailureThreshold(1),
		WithNotice(func(err error) { notice.Store(err) }),
	)

	results := make(chan result, 1)
	onLoop(t, l, func() {
		r.Reconcile(NewSession(), "p1", func(e entity, s Status) { results <- result{e, s} })
	})

	if got := waitForResult(t, results); got.status != Failed {
		t.Fatalf("status = %v, want failed", got.status)
	}
	err, _ := notice.Load().(error)
	var fetchErr *errors.ReconciliationFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("notice = %v, want ReconciliationFetchError", err)
	}
	if !fetchErr.IsTimeout() {
		t.Error("timeout should be classified as timeout")
	}
	if !errors.IsUserFacing(err) {
		t.Error("notice should be user facing")
	}
}

func TestReconciler_NoticeOncePerFailureRun(t *testing.T) {
	l := startLoop(t)
	cache := newFakeCache()
	var fail atomic.Bool
	fail.Store(true)
	var notices atomic.Int32
	r := New("pipeline", func(_ context.Context, id string) (entity, error) {
		if fail.Load() {
			return entity{}, errors.New("backend down")
		}
		return entity{ID: id}, nil
	}, cache.target(), l, WithFailureThreshold(2), WithNotice(func(error) { notices.Add(1) }))

	run := func() Status {
		results := make(chan result, 1)
		onLoop(t, l, func() {
			r.Reconcile(NewSession(), "p1", func(e entity, s Status) { results <- result{e, s} })
		})
		return waitForResult(t, results).status
	}

	for range 5 {
		run()
	}
	if n := notices.Load(); n != 1 {
		t.Errorf("notices = %d after 5 failures, want 1", n)
	}

	fail.Store(false)
	if s := run(); s != Resolved {
		t.Fatalf("status = %v, want resolved", s)
	}
	fail.Store(true)
	run()
	run()
	if n := notices.Load(); n != 2 {
		t.Errorf("notices = %d, want a second notice after reset", n)
	}
}

func TestReconciler_DiscardsAfterSessionEnds(t *testing.T) {
	l := startLoop(t)
	cache := newFakeCache()
	release := make(chan struct{})
	fetched := make(chan struct{})
	r := New("pipeline", func(_ context.Context, id string) (entity, error) {
		<-release
		defer close(fetched)
		return entity{ID: id, Value: "late"}, nil
	}, cache.target(), l)

	session := NewSession()
	called := make(chan struct{}, 1)
	onLoop(t, l, func() {
		r.Reconcile(session, "p1", func(entity, Status) { called <- struct{}{} })
	})

	session.End()
	close(release)
	<-fetched

	// Drain the loop past the posted completion.
	time.Sleep(20 * time.Millisecond)
	onLoop(t, l, func() {})

	select {
	case <-called:
		t.Error("callback fired after session ended")
	default:
	}
	onLoop(t, l, func() {
		if _, ok := cache.items["p1"]; ok {
			t.Error("discarded result was written to the cache")
		}
	})
}

func TestReconciler_CoalescesConcurrentFetches(t *testing.T) {
	l := startLoop(t)
	cache := newFakeCache()
	var calls atomic.Int32
	release := make(chan struct{})
	r := New("pipeline", func(_ context.Context, id string) (entity, error) {
		calls.Add(1)
		<-release
		return entity{ID: id, Value: "shared"}, nil
	}, cache.target(), l)

	var mu sync.Mutex
	var statuses []Status
	var wg sync.WaitGroup
	wg.Add(2)
	done := func(_ entity, s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
		wg.Done()
	}

	session := NewSession()
	onLoop(t, l, func() {
		r.Reconcile(session, "p1", done)
		r.Reconcile(session, "p1", done)
	})
	// Give both goroutines time to join the same flight.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("backend called %d times, want 1", n)
	}
	// Both captured version 0; the first commit bumps it, so the second
	// caller loses the race against that write.
	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 || statuses[0] != Resolved || statuses[1] != Rejected {
		t.Errorf("statuses = %v, want [resolved rejected]", statuses)
	}
}

func TestReconciler_FetchPanicIsFailure(t *testing.T) {
	l := startLoop(t)
	cache := newFakeCache()
	r := New("agent", func(context.Context, string) (entity, error) {
		panic("backend exploded")
	}, cache.target(), l)

	results := make(chan result, 1)
	onLoop(t, l, func() {
		r.Reconcile(NewSession(), "a1", func(e entity, s Status) { results <- result{e, s} })
	})
	if got := waitForResult(t, results); got.status != Failed {
		t.Errorf("status = %v, want failed", got.status)
	}
}

func TestStatus_String(t *testing.T) {
	for s, want := range map[Status]string{Resolved: "resolved", Failed: "failed", Rejected: "rejected", Status(7): "unknown"} {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", s, got, want)
		}
	}
}
