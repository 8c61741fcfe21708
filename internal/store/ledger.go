package store

import (
	"slices"
	"time"

	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// ledger holds notification-driven request entities keyed by id. A
// resolution for an unknown id leaves a resolved record behind so a late,
// older open event cannot resurrect it.
type ledger[T any] struct {
	items map[string]T

	id      func(T) string
	at      func(T) time.Time
	state   func(T) protocol.Resolution
	resolve func(T, protocol.ResolutionUpdate) T
	tomb    func(protocol.ResolutionUpdate) T
}

func (l *ledger[T]) put(v T) (T, bool) {
	id := l.id(v)
	if cur, ok := l.items[id]; ok && l.at(v).Before(l.at(cur)) {
		return cur, false
	}
	l.items[id] = v
	return v, true
}

func (l *ledger[T]) close(up protocol.ResolutionUpdate) (T, bool) {
	cur, ok := l.items[up.ID]
	if !ok {
		v := l.tomb(up)
		l.items[up.ID] = v
		return v, true
	}
	if up.Timestamp.Before(l.at(cur)) {
		return cur, false
	}
	cur = l.resolve(cur, up)
	l.items[up.ID] = cur
	return cur, true
}

func (l *ledger[T]) get(id string) (T, bool) {
	v, ok := l.items[id]
	return v, ok
}

// open returns unresolved entries ordered by timestamp, then id.
func (l *ledger[T]) open() []T {
	out := make([]T, 0, len(l.items))
	for _, v := range l.items {
		if !l.state(v).IsTerminal() {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b T) int {
		if c := l.at(a).Compare(l.at(b)); c != 0 {
			return c
		}
		switch {
		case l.id(a) < l.id(b):
			return -1
		case l.id(a) > l.id(b):
			return 1
		}
		return 0
	})
	return out
}

func newAlertLedger() *ledger[protocol.SecurityAlert] {
	return &ledger[protocol.SecurityAlert]{
		items: make(map[string]protocol.SecurityAlert),
		id:    func(a protocol.SecurityAlert) string { return a.ID },
		at:    func(a protocol.SecurityAlert) time.Time { return a.Timestamp },
		state: func(a protocol.SecurityAlert) protocol.Resolution { return a.State },
		resolve: func(a protocol.SecurityAlert, up protocol.ResolutionUpdate) protocol.SecurityAlert {
			a.State = up.State
			a.Timestamp = up.Timestamp
			return a
		},
		tomb: func(up protocol.ResolutionUpdate) protocol.SecurityAlert {
			return protocol.SecurityAlert{ID: up.ID, State: up.State, Timestamp: up.Timestamp}
		},
	}
}

func newReviewLedger() *ledger[protocol.PendingReview] {
	return &ledger[protocol.PendingReview]{
		items: make(map[string]protocol.PendingReview),
		id:    func(r protocol.PendingReview) string { return r.ID },
		at:    func(r protocol.PendingReview) time.Time { return r.Timestamp },
		state: func(r protocol.PendingReview) protocol.Resolution { return r.State },
		resolve: func(r protocol.PendingReview, up protocol.ResolutionUpdate) protocol.PendingReview {
			r.State = up.State
			r.Timestamp = up.Timestamp
			return r
		},
		tomb: func(up protocol.ResolutionUpdate) protocol.PendingReview {
			return protocol.PendingReview{ID: up.ID, State: up.State, Timestamp: up.Timestamp}
		},
	}
}

func newCommandLedger() *ledger[protocol.ElevatedCommandRequest] {
	return &ledger[protocol.ElevatedCommandRequest]{
		items: make(map[string]protocol.ElevatedCommandRequest),
		id:    func(r protocol.ElevatedCommandRequest) string { return r.ID },
		at:    func(r protocol.ElevatedCommandRequest) time.Time { return r.Timestamp },
		state: func(r protocol.ElevatedCommandRequest) protocol.Resolution { return r.State },
		resolve: func(r protocol.ElevatedCommandRequest, up protocol.ResolutionUpdate) protocol.ElevatedCommandRequest {
			r.State = up.State
			r.Timestamp = up.Timestamp
			return r
		},
		tomb: func(up protocol.ResolutionUpdate) protocol.ElevatedCommandRequest {
			return protocol.ElevatedCommandRequest{ID: up.ID, State: up.State, Timestamp: up.Timestamp}
		},
	}
}

// PutAlert records a security alert. It reports false when a newer write
// for the same id (including a resolution) is already cached.
func (c *Cache) PutAlert(a protocol.SecurityAlert) (protocol.SecurityAlert, bool) {
	return c.alerts.put(a)
}

// ResolveAlert closes a security alert.
func (c *Cache) ResolveAlert(up protocol.ResolutionUpdate) (protocol.SecurityAlert, bool) {
	return c.alerts.close(up)
}

// Alert returns a cached security alert.
func (c *Cache) Alert(id string) (protocol.SecurityAlert, bool) {
	return c.alerts.get(id)
}

// PutReview records a pending review.
func (c *Cache) PutReview(r protocol.PendingReview) (protocol.PendingReview, bool) {
	return c.reviews.put(r)
}

// ResolveReview closes a pending review.
func (c *Cache) ResolveReview(up protocol.ResolutionUpdate) (protocol.PendingReview, bool) {
	return c.reviews.close(up)
}

// Review returns a cached review.
func (c *Cache) Review(id string) (protocol.PendingReview, bool) {
	return c.reviews.get(id)
}

// PutCommand records an elevated command request.
func (c *Cache) PutCommand(r protocol.ElevatedCommandRequest) (protocol.ElevatedCommandRequest, bool) {
	return c.commands.put(r)
}

// ResolveCommand closes an elevated command request.
func (c *Cache) ResolveCommand(up protocol.ResolutionUpdate) (protocol.ElevatedCommandRequest, bool) {
	return c.commands.close(up)
}

// Command returns a cached elevated command request.
func (c *Cache) Command(id string) (protocol.ElevatedCommandRequest, bool) {
	return c.commands.get(id)
}
