package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/Iron-Ham/orchsync/internal/config"
	"github.com/Iron-Ham/orchsync/internal/dispatch"
	"github.com/Iron-Ham/orchsync/internal/logging"
	"github.com/Iron-Ham/orchsync/internal/metrics"
	"github.com/Iron-Ham/orchsync/internal/transport/ws"
)

// session is one connection to the backend plus the dispatcher on top of it.
type session struct {
	client     *ws.Client
	dispatcher *dispatch.Dispatcher
	logger     *logging.Logger

	mu        sync.Mutex
	listeners []func(connected bool, err error)
}

// openSession dials the backend and builds a dispatcher over it. Nothing is
// subscribed until the caller invokes dispatcher.Setup.
func openSession(ctx context.Context, cfg *config.Config, logger *logging.Logger, rec metrics.Recorder, opts ...dispatch.Option) (*session, error) {
	s := &session{logger: logger}
	client := ws.New(cfg.Backend.URL,
		ws.WithLogger(logger),
		ws.WithDialTimeout(cfg.Backend.DialTimeout()),
		ws.WithRequestTimeout(cfg.Backend.RequestTimeout()),
		ws.WithRedial(cfg.Backend.RedialAttempts, cfg.Backend.RedialDelay()),
		ws.WithStateHandler(s.connectionChanged),
	)
	if err := client.Dial(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Backend.URL, err)
	}

	if rec == nil {
		rec = metrics.Nop()
	}
	opts = append([]dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithConfig(cfg.Sync),
		dispatch.WithMetrics(rec),
	}, opts...)
	d, err := dispatch.New(client, client, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	s.mu.Lock()
	s.client = client
	s.dispatcher = d
	s.mu.Unlock()

	logger.Info("connected", "url", cfg.Backend.URL)
	return s, nil
}

// OnConnection registers fn to be told when the transport drops or
// recovers.
func (s *session) OnConnection(fn func(connected bool, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// connectionChanged surfaces a lost connection as a dispatcher notice and
// resyncs the cache once the transport has redialed.
func (s *session) connectionChanged(connected bool, err error) {
	s.mu.Lock()
	d := s.dispatcher
	listeners := append(([]func(bool, error))(nil), s.listeners...)
	s.mu.Unlock()

	if d != nil {
		if connected {
			if rerr := d.Resync(); rerr != nil {
				s.logger.Debug("resync after reconnect skipped", "error", rerr)
			}
		} else {
			d.Notify(err)
		}
	}
	for _, fn := range listeners {
		fn(connected, err)
	}
}

// Close stops the dispatcher before the transport so no callback observes a
// half-closed connection.
func (s *session) Close() {
	s.dispatcher.Close()
	if err := s.client.Close(); err != nil {
		s.logger.Debug("transport close failed", "error", err)
	}
}
