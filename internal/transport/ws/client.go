// Package ws connects the sync layer to the orchestrator backend over a
// single websocket. The Client is both the notification transport
// (event.Subscriber) and the request/response backend used for
// reconciliation and history loads.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/orchsync/internal/errors"
	"github.com/Iron-Ham/orchsync/internal/event"
	"github.com/Iron-Ham/orchsync/internal/logging"
	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// Defaults applied when options are not given.
const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultRedialAttempts = 5
	DefaultRedialDelay    = 500 * time.Millisecond
)

// RemoteError is an error returned by the backend for one request.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Client is a websocket connection to the backend.
type Client struct {
	url            string
	header         http.Header
	dialTimeout    time.Duration
	requestTimeout time.Duration
	redialAttempts int
	redialDelay    time.Duration
	onState        func(connected bool, err error)
	logger         *logging.Logger
	bus            *event.Bus

	// canceled by Close to abort a redial in progress
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool
	// topic -> live subscriptions; the backend is asked once per topic
	refs map[protocol.Topic]int

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan callResult

	wg conc.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithRequestTimeout bounds requests whose context has no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithRedial sets how many times a lost connection is redialed, and the
// first delay between attempts. Zero attempts disables redialing.
func WithRedial(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts >= 0 {
			c.redialAttempts = attempts
		}
		if delay > 0 {
			c.redialDelay = delay
		}
	}
}

// WithStateHandler registers fn to be told when the connection is lost,
// restored, or given up on. It runs on the reader goroutine.
func WithStateHandler(fn func(connected bool, err error)) Option {
	return func(c *Client) {
		c.onState = fn
	}
}

// WithHeader sets extra handshake headers, such as authorization.
func WithHeader(h http.Header) Option {
	return func(c *Client) {
		c.header = h
	}
}

// New creates a Client for url. Call Dial before subscribing.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:            url,
		dialTimeout:    DefaultDialTimeout,
		requestTimeout: DefaultRequestTimeout,
		redialAttempts: DefaultRedialAttempts,
		redialDelay:    DefaultRedialDelay,
		logger:         logging.NopLogger(),
		refs:           make(map[protocol.Topic]int),
		pending:        make(map[string]chan callResult),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.bus = event.NewBus(event.WithBusLogger(c.logger))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Dial opens the connection and starts reading frames.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.ErrCanceled
	}
	if c.conn != nil {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	c.logger.Info("backend connected", "url", c.url)

	c.wg.Go(func() { c.serve(conn) })
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.dialTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

// Connected reports whether the connection is open.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Close closes the connection, fails pending requests and waits for the
// reader to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.cancel()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	c.failPending(errors.ErrNotConnected)
	c.wg.Wait()
	c.bus.Clear()
	return err
}

// Subscribe implements event.Subscriber. The first subscription to a
// topic sends a subscribe frame; a failed send fails only that topic.
func (c *Client) Subscribe(topic protocol.Topic, handler event.Handler) (event.Unsubscribe, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, errors.ErrNotConnected
	}
	c.refs[topic]++
	first := c.refs[topic] == 1
	c.mu.Unlock()

	if first {
		if err := c.writeFrame(conn, Frame{Type: frameSubscribe, Topic: topic}); err != nil {
			c.release(topic)
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	unsub, err := c.bus.Subscribe(topic, handler)
	if err != nil {
		c.release(topic)
		return nil, err
	}

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			err = unsub()
			if last, conn := c.release(topic); last && conn != nil {
				if werr := c.writeFrame(conn, Frame{Type: frameUnsubscribe, Topic: topic}); werr != nil {
					err = errors.Join(err, fmt.Errorf("unsubscribe %s: %w", topic, werr))
				}
			}
		})
		return err
	}, nil
}

// release drops one reference to topic and reports whether it was the
// last, along with the connection to notify.
func (c *Client) release(topic protocol.Topic) (bool, *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[topic]--
	if c.refs[topic] > 0 {
		return false, nil
	}
	delete(c.refs, topic)
	return true, c.conn
}

// Call sends a request and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeFrame(conn, Frame{Type: frameRequest, ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", method, errors.ErrTimeout)
		}
		return errors.Wrap(errors.ErrCanceled, method)
	case res := <-ch:
		if res.err != nil {
			var remote *RemoteError
			if errors.As(res.err, &remote) {
				remote.Method = method
			}
			return res.err
		}
		if out == nil || len(res.result) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) forget(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// serve reads from conn until it drops, then redials and resubscribes
// until the client is closed or redialing gives up.
func (c *Client) serve(conn *websocket.Conn) {
	for conn != nil {
		if !c.readLoop(conn) {
			return
		}
		c.state(false, fmt.Errorf("backend connection lost: %w", errors.ErrNotConnected))
		conn = c.redial()
	}
}

// redial reconnects with exponential backoff and resubscribes every topic
// that still has subscribers. It returns nil when the client was closed or
// every attempt failed.
func (c *Client) redial() *websocket.Conn {
	if c.redialAttempts == 0 {
		c.giveUp(errors.ErrNotConnected)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.redialDelay
	b.MaxInterval = 20 * c.redialDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.redialAttempts-1)), c.ctx)

	var conn *websocket.Conn
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
		defer cancel()
		nc, err := c.dial(ctx)
		if err != nil {
			return err
		}
		conn = nc
		return nil
	}, policy, func(err error, next time.Duration) {
		c.logger.Warn("backend redial failed", "attempt", attempt, "retry_in", next, "error", err)
	})
	if err != nil {
		if c.ctx.Err() == nil {
			c.giveUp(err)
		}
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	topics := make([]protocol.Topic, 0, len(c.refs))
	for topic := range c.refs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		if err := c.writeFrame(conn, Frame{Type: frameSubscribe, Topic: topic}); err != nil {
			c.logger.Warn("resubscribe failed", "topic", topic, "error", err)
		}
	}
	c.logger.Info("backend reconnected", "url", c.url, "attempts", attempt, "topics", len(topics))
	c.state(true, nil)
	return conn
}

// giveUp drops every remote subscription once redialing has stopped.
func (c *Client) giveUp(err error) {
	c.mu.Lock()
	c.refs = make(map[protocol.Topic]int)
	c.mu.Unlock()
	c.logger.Error("backend connection abandoned", "url", c.url, "error", err)
	c.state(false, fmt.Errorf("reconnect to %s: %w", c.url, err))
}

func (c *Client) state(connected bool, err error) {
	if c.onState != nil {
		c.onState(connected, err)
	}
}

// readLoop handles frames until conn fails. It reports whether conn was
// lost rather than closed by Close.
func (c *Client) readLoop(conn *websocket.Conn) bool {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Debug("backend read ended", "error", err)
			}
			break
		}
		c.handleFrame(data)
	}

	c.mu.Lock()
	lost := c.conn == conn && !c.closed
	if lost {
		c.conn = nil
	}
	c.mu.Unlock()
	if lost {
		c.logger.Warn("backend connection lost", "url", c.url)
		c.failPending(errors.ErrNotConnected)
	}
	_ = conn.Close()
	return lost
}

func (c *Client) handleFrame(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("dropping unreadable frame", "error", err)
		return
	}

	switch f.Type {
	case frameEvent:
		c.bus.Deliver(event.Notification{
			Topic:      f.Topic,
			Payload:    f.Payload,
			ReceivedAt: time.Now(),
		})
	case frameResponse:
		c.pendingMu.Lock()
		ch := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.pendingMu.Unlock()
		if ch == nil {
			c.logger.Debug("response for unknown request", "id", f.ID)
			return
		}
		res := callResult{result: f.Result}
		if f.Error != "" {
			res.err = &RemoteError{Message: f.Error}
		}
		ch <- res
	default:
		c.logger.Debug("ignoring frame", "type", f.Type)
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{err: err}
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if conn == nil {
		return errors.ErrNotConnected
	}
	return conn.WriteJSON(f)
}
