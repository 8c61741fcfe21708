package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/orchsync/internal/config"
	"github.com/Iron-Ham/orchsync/internal/dispatch"
	"github.com/Iron-Ham/orchsync/internal/errors"
	"github.com/Iron-Ham/orchsync/internal/event"
	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// fakeServer is a scripted backend. respond answers requests; a nil
// result from it leaves the request unanswered.
type fakeServer struct {
	srv     *httptest.Server
	respond func(Frame) *Frame

	mu      sync.Mutex
	conn    *websocket.Conn
	frames  []Frame
	writeMu sync.Mutex

	// refuse new connections
	down atomic.Bool
}

func newFakeServer(t *testing.T, respond func(Frame) *Frame) *fakeServer {
	t.Helper()
	s := &fakeServer{respond: respond}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	if s.down.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, f)
		s.mu.Unlock()

		if f.Type == frameRequest && s.respond != nil {
			if resp := s.respond(f); resp != nil {
				resp.Type = frameResponse
				resp.ID = f.ID
				s.write(*resp)
			}
		}
	}
}

func (s *fakeServer) write(f Frame) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteJSON(f)
}

func (s *fakeServer) publish(topic protocol.Topic, payload string) {
	s.write(Frame{Type: frameEvent, Topic: topic, Payload: json.RawMessage(payload)})
}

func (s *fakeServer) drop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *fakeServer) count(typ string, topic protocol.Topic) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if f.Type == typ && f.Topic == topic {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dial(t *testing.T, s *fakeServer, opts ...Option) *Client {
	t.Helper()
	c := New(s.url(), opts...)
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_SubscribeRequiresConnection(t *testing.T) {
	c := New("ws://127.0.0.1:1/ws")
	if _, err := c.Subscribe(protocol.TopicAgentStatus, func(event.Notification) {}); !errors.Is(err, errors.ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := c.Call(context.Background(), MethodAgentGet, nil, nil); !errors.Is(err, errors.ErrNotConnected) {
		t.Errorf("Call() error = %v, want ErrNotConnected", err)
	}
}

func TestClient_SubscribeAndReceive(t *testing.T) {
	s := newFakeServer(t, nil)
	c := dial(t, s)

	got := make(chan event.Notification, 4)
	unsubA, err := c.Subscribe(protocol.TopicAgentStatus, func(n event.Notification) { got <- n })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	unsubB, err := c.Subscribe(protocol.TopicAgentStatus, func(n event.Notification) { got <- n })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	waitFor(t, func() bool { return s.count(frameSubscribe, protocol.TopicAgentStatus) == 1 })

	s.publish(protocol.TopicAgentStatus, `{"id":"a1","status":"running"}`)
	for i := 0; i < 2; i++ {
		select {
		case n := <-got:
			if n.Topic != protocol.TopicAgentStatus || !strings.Contains(string(n.Payload), `"a1"`) {
				t.Errorf("notification = %+v", n)
			}
			if n.ReceivedAt.IsZero() {
				t.Error("notification should be stamped")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for notification")
		}
	}

	if err := unsubA(); err != nil {
		t.Errorf("unsubscribe error = %v", err)
	}
	if s.count(frameUnsubscribe, protocol.TopicAgentStatus) != 0 {
		t.Error("unsubscribe frame sent while a subscription remains")
	}
	_ = unsubB()
	_ = unsubB()
	waitFor(t, func() bool { return s.count(frameUnsubscribe, protocol.TopicAgentStatus) == 1 })
}

func TestClient_FetchPipeline(t *testing.T) {
	s := newFakeServer(t, func(f Frame) *Frame {
		if f.Method != MethodPipelineGet {
			return &Frame{Error: "method not found"}
		}
		return &Frame{Result: json.RawMessage(`{"id":"p1","status":"running","auto":true}`)}
	})
	c := dial(t, s)

	p, err := c.FetchPipeline(context.Background(), "p1")
	if err != nil {
		t.Fatalf("FetchPipeline() error = %v", err)
	}
	if p.ID != "p1" || !p.Auto {
		t.Errorf("pipeline = %+v", p)
	}

	_, err = c.FetchAgent(context.Background(), "a1")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("FetchAgent() error = %v, want RemoteError", err)
	}
	if remote.Method != MethodAgentGet || remote.Message != "method not found" {
		t.Errorf("remote error = %+v", remote)
	}
}

func TestClient_CallTimeout(t *testing.T) {
	s := newFakeServer(t, func(Frame) *Frame { return nil })
	c := dial(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.FetchAgent(ctx, "a1"); !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("FetchAgent() error = %v, want ErrTimeout", err)
	}
}

func TestClient_ConnectionLostFailsPending(t *testing.T) {
	s := newFakeServer(t, func(Frame) *Frame { return nil })
	c := dial(t, s, WithRedial(0, 0))

	errc := make(chan error, 1)
	go func() {
		_, err := c.FetchAgent(context.Background(), "a1")
		errc <- err
	}()
	waitFor(t, func() bool { return s.count(frameRequest, "") == 1 })
	s.drop()

	select {
	case err := <-errc:
		if !errors.Is(err, errors.ErrNotConnected) {
			t.Errorf("error = %v, want ErrNotConnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not failed")
	}
	waitFor(t, func() bool { return !c.Connected() })
}

func TestClient_DrivesDispatcher(t *testing.T) {
	s := newFakeServer(t, func(f Frame) *Frame {
		if f.Method == MethodAgentGet {
			return &Frame{Result: json.RawMessage(`{"id":"a1","status":"idle","working_dir":"/repo"}`)}
		}
		return &Frame{Error: "unsupported"}
	})
	c := dial(t, s, WithRequestTimeout(time.Second))

	cfg := config.Default().Sync
	d, err := dispatch.New(c, c, dispatch.WithConfig(cfg))
	if err != nil {
		t.Fatalf("dispatch.New() error = %v", err)
	}
	defer d.Close()

	agents := make(chan protocol.Agent, 1)
	teardown := d.Setup(dispatch.Callbacks{OnAgentStatus: func(a protocol.Agent) { agents <- a }})
	defer teardown()

	waitFor(t, func() bool {
		return s.count(frameSubscribe, protocol.TopicElevatedCommandResolved) == 1
	})
	s.publish(protocol.TopicAgentStatus, `{"id":"a1"}`)

	select {
	case a := <-agents:
		if a.WorkingDir != "/repo" {
			t.Errorf("agent = %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("thin event was not reconciled")
	}
}

type stateChange struct {
	connected bool
	err       error
}

func recvState(t *testing.T, ch <-chan stateChange) stateChange {
	t.Helper()
	select {
	case sc := <-ch:
		return sc
	case <-time.After(2 * time.Second):
		t.Fatal("no connection state change")
		return stateChange{}
	}
}

func TestClient_RedialResubscribes(t *testing.T) {
	s := newFakeServer(t, nil)
	states := make(chan stateChange, 8)
	c := dial(t, s,
		WithRedial(3, 10*time.Millisecond),
		WithStateHandler(func(connected bool, err error) { states <- stateChange{connected, err} }),
	)

	got := make(chan event.Notification, 4)
	if _, err := c.Subscribe(protocol.TopicAgentStatus, func(n event.Notification) { got <- n }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	waitFor(t, func() bool { return s.count(frameSubscribe, protocol.TopicAgentStatus) == 1 })

	s.drop()
	if sc := recvState(t, states); sc.connected || !errors.Is(sc.err, errors.ErrNotConnected) {
		t.Errorf("state = %+v, want lost", sc)
	}
	if sc := recvState(t, states); !sc.connected {
		t.Errorf("state = %+v, want restored", sc)
	}
	waitFor(t, func() bool { return s.count(frameSubscribe, protocol.TopicAgentStatus) == 2 })

	s.publish(protocol.TopicAgentStatus, `{"id":"a1","status":"running"}`)
	select {
	case n := <-got:
		if n.Topic != protocol.TopicAgentStatus {
			t.Errorf("topic = %q", n.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification after reconnect")
	}
	if !c.Connected() {
		t.Error("Connected() = false after reconnect")
	}
}

func TestClient_RedialGivesUp(t *testing.T) {
	s := newFakeServer(t, nil)
	states := make(chan stateChange, 8)
	c := dial(t, s,
		WithRedial(2, 10*time.Millisecond),
		WithStateHandler(func(connected bool, err error) { states <- stateChange{connected, err} }),
	)

	s.down.Store(true)
	s.drop()

	if sc := recvState(t, states); sc.connected {
		t.Errorf("state = %+v, want lost", sc)
	}
	sc := recvState(t, states)
	if sc.connected || sc.err == nil || !strings.Contains(sc.err.Error(), "reconnect") {
		t.Errorf("state = %+v, want abandoned", sc)
	}
	if c.Connected() {
		t.Error("Connected() = true after giving up")
	}
	if _, err := c.Subscribe(protocol.TopicAgentStatus, func(event.Notification) {}); !errors.Is(err, errors.ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestClient_CloseDuringRedial(t *testing.T) {
	s := newFakeServer(t, nil)
	states := make(chan stateChange, 8)
	c := New(s.url(),
		WithRedial(100, 50*time.Millisecond),
		WithStateHandler(func(connected bool, err error) { states <- stateChange{connected, err} }),
	)
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	s.down.Store(true)
	s.drop()
	recvState(t, states)

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() blocked on redial")
	}
}
