package loop

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/orchsync/internal/errors"
	"github.com/Iron-Ham/orchsync/internal/logging"
)

func startLoop(t *testing.T, opts ...Option) *Loop {
	t.Helper()
	l := New(opts...)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func TestLoop_RunsInPostOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := range 100 {
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestLoop_PostBeforeStart(t *testing.T) {
	l := New()
	ran := make(chan struct{})
	l.Post(func() { close(ran) })
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task posted before Start never ran")
	}
}

func TestLoop_SingleGoroutine(t *testing.T) {
	l := startLoop(t)

	var wg sync.WaitGroup
	counter := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	if err := l.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	var got int
	_ = l.Do(context.Background(), func() { got = counter })
	if got != 1000 {
		t.Errorf("counter = %d, want 1000", got)
	}
}

func TestLoop_PanicDoesNotStopLoop(t *testing.T) {
	var buf bytes.Buffer
	l := startLoop(t, WithLogger(logging.NewLoggerWithWriter(&buf, "debug")))

	l.Post(func() { panic("kaboom") })
	ran := false
	if err := l.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if !ran {
		t.Error("task after a panic should still run")
	}
	if !strings.Contains(buf.String(), "loop task panicked") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestLoop_StopRejectsPosts(t *testing.T) {
	l := New()
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	l.Stop()
	l.Stop()

	if l.Post(func() {}) {
		t.Error("Post after Stop should report false")
	}
	if err := l.Do(context.Background(), func() {}); !errors.Is(err, errors.ErrCanceled) {
		t.Errorf("Do after Stop error = %v, want ErrCanceled", err)
	}
	if err := l.Start(context.Background()); err == nil {
		t.Error("Start after Stop should fail")
	}
}

func TestLoop_DoHonorsContext(t *testing.T) {
	l := startLoop(t)

	block := make(chan struct{})
	l.Post(func() { <-block })
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Do(ctx, func() {}); !errors.Is(err, errors.ErrCanceled) {
		t.Errorf("Do() error = %v, want ErrCanceled", err)
	}
}

func TestLoop_DoubleStart(t *testing.T) {
	l := startLoop(t)
	if err := l.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestLoop_OnLoop(t *testing.T) {
	l := startLoop(t)

	if l.OnLoop() {
		t.Error("OnLoop() = true outside a task")
	}
	var inside bool
	if err := l.Do(context.Background(), func() { inside = l.OnLoop() }); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !inside {
		t.Error("OnLoop() = false inside a task")
	}
}

func TestLoop_StopFromTask(t *testing.T) {
	l := startLoop(t)

	returned := make(chan struct{})
	l.Post(func() {
		l.Stop()
		close(returned)
	})

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Stop() called from a task did not return")
	}
	if l.Post(func() {}) {
		t.Error("Post() after Stop() = true, want false")
	}
}

func TestLoop_BarrierWaitsForRunningTask(t *testing.T) {
	l := startLoop(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	var mu sync.Mutex
	l.Post(func() {
		close(started)
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
	})
	<-started

	done := make(chan error, 1)
	go func() { done <- l.Barrier(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Barrier() returned while a task was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Barrier() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Error("Barrier() returned before the running task finished")
	}
}

func TestLoop_BarrierFromTask(t *testing.T) {
	l := startLoop(t)

	var err error
	done := make(chan struct{})
	l.Post(func() {
		err = l.Barrier(context.Background())
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Barrier() called from a task did not return")
	}
	if err != nil {
		t.Errorf("Barrier() error = %v", err)
	}
}

func TestLoop_BarrierAfterStop(t *testing.T) {
	l := startLoop(t)
	l.Stop()

	if err := l.Barrier(context.Background()); err != nil {
		t.Errorf("Barrier() after Stop() error = %v, want nil", err)
	}
}
