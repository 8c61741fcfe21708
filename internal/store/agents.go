package store

import (
	"fmt"
	"time"

	"github.com/Iron-Ham/orchsync/internal/errors"
	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// agentEntry is a cached agent with per-field write timestamps.
type agentEntry struct {
	a          protocol.Agent
	version    uint64
	statusAt   time.Time
	activityAt time.Time
	inputAt    time.Time
	statsAt    time.Time
}

func (e *agentEntry) touch(at time.Time) {
	if at.After(e.a.UpdatedAt) {
		e.a.UpdatedAt = at
	}
}

func (e *agentEntry) merge(a protocol.Agent) {
	at := a.UpdatedAt
	if !at.Before(e.statusAt) {
		e.a.Status = a.Status
		if a.WorkingDir != "" {
			e.a.WorkingDir = a.WorkingDir
		}
		if !a.StartedAt.IsZero() {
			e.a.StartedAt = a.StartedAt
		}
		e.statusAt = at
	}
	if !at.Before(e.activityAt) {
		if !a.LastActivity.IsZero() {
			e.a.LastActivity = a.LastActivity
		}
		e.a.IsProcessing = a.IsProcessing
		e.activityAt = at
	}
	if !at.Before(e.inputAt) {
		e.a.HasPendingInput = a.HasPendingInput
		e.a.PendingPrompt = a.PendingPrompt
		e.inputAt = at
	}
	if a.Stats != nil {
		e.setStats(*a.Stats)
	}
	e.touch(at)
}

// canonical returns a copy of a fetched agent with every timestamp raised
// to at least the newest write cached for the same field.
func (e *agentEntry) canonical(a protocol.Agent) protocol.Agent {
	a = a.Clone()
	a.UpdatedAt = latest(a.UpdatedAt, e.statusAt, e.activityAt, e.inputAt, e.a.UpdatedAt)
	if a.Stats != nil {
		a.Stats.Timestamp = latest(a.Stats.Timestamp, e.statsAt)
	}
	return a
}

func (e *agentEntry) setStats(s protocol.AgentStats) bool {
	if s.Timestamp.Before(e.statsAt) {
		return false
	}
	e.a.Stats = &s
	e.statsAt = s.Timestamp
	return true
}

// terminated reports whether an event for id stamped at is covered by a
// termination tombstone.
func (c *Cache) terminated(id string, at time.Time) bool {
	tomb, ok := c.tombstones[id]
	return ok && !at.After(tomb)
}

// Terminated reports whether events for id stamped at are covered by a
// termination tombstone.
func (c *Cache) Terminated(id string, at time.Time) bool {
	return c.terminated(id, at)
}

// Agent returns a copy of a cached agent.
func (c *Cache) Agent(id string) (protocol.Agent, bool) {
	e, ok := c.agents[id]
	if !ok {
		return protocol.Agent{}, false
	}
	return e.a.Clone(), true
}

// HasAgent reports whether id is cached.
func (c *Cache) HasAgent(id string) bool {
	_, ok := c.agents[id]
	return ok
}

// PutAgent writes a full agent payload and bumps its version. It reports
// false for an agent terminated at or after the payload's timestamp.
func (c *Cache) PutAgent(a protocol.Agent) (protocol.Agent, bool) {
	if c.terminated(a.ID, a.UpdatedAt) {
		return protocol.Agent{}, false
	}
	e, ok := c.agents[a.ID]
	if !ok {
		e = &agentEntry{a: protocol.Agent{ID: a.ID}}
		c.agents[a.ID] = e
	}
	e.merge(a)
	e.version++
	return e.a.Clone(), true
}

// ReconcileAgent writes a fetched agent unless the cached version advanced
// past captured or the agent has since been terminated. Like
// ReconcilePipeline, an accepted fetch replaces the fields it carries.
func (c *Cache) ReconcileAgent(a protocol.Agent, captured uint64) (protocol.Agent, error) {
	if err := checkVersion(KindAgent, a.ID, c.Version(KindAgent, a.ID), captured); err != nil {
		return protocol.Agent{}, err
	}
	if c.terminated(a.ID, a.UpdatedAt) {
		return protocol.Agent{}, fmt.Errorf("agent %s terminated: %w", a.ID, errors.ErrStaleWrite)
	}
	if e, ok := c.agents[a.ID]; ok {
		a = e.canonical(a)
	}
	out, _ := c.PutAgent(a)
	return out, nil
}

// ApplyActivity updates an agent's activity markers. Unknown agents are
// not created.
func (c *Cache) ApplyActivity(act protocol.AgentActivity) (protocol.Agent, bool) {
	e, ok := c.agents[act.AgentID]
	if !ok || c.terminated(act.AgentID, act.Timestamp) || act.Timestamp.Before(e.activityAt) {
		return protocol.Agent{}, false
	}
	e.a.LastActivity = act.LastActivity
	e.a.IsProcessing = act.IsProcessing
	e.activityAt = act.Timestamp
	e.touch(act.Timestamp)
	return e.a.Clone(), true
}

// ApplyStats attaches a usage report to an agent.
func (c *Cache) ApplyStats(s protocol.AgentStats) (protocol.Agent, bool) {
	e, ok := c.agents[s.AgentID]
	if !ok || c.terminated(s.AgentID, s.Timestamp) || !e.setStats(s) {
		return protocol.Agent{}, false
	}
	e.touch(s.Timestamp)
	return e.a.Clone(), true
}

// ApplyInput records that an agent started or stopped waiting for input.
func (c *Cache) ApplyInput(in protocol.AgentInput) (protocol.Agent, bool) {
	e, ok := c.agents[in.AgentID]
	if !ok || c.terminated(in.AgentID, in.Timestamp) || in.Timestamp.Before(e.inputAt) {
		return protocol.Agent{}, false
	}
	e.a.HasPendingInput = in.Pending
	e.a.PendingPrompt = in.Prompt
	if !in.Pending {
		e.a.PendingPrompt = ""
	}
	e.inputAt = in.Timestamp
	e.touch(in.Timestamp)
	return e.a.Clone(), true
}

// RemoveAgent tombstones an agent at the termination timestamp and drops
// it from the cache. It returns the last known agent, if any.
func (c *Cache) RemoveAgent(ref protocol.Ref) (protocol.Agent, bool) {
	if tomb, ok := c.tombstones[ref.ID]; !ok || ref.Timestamp.After(tomb) {
		c.tombstones[ref.ID] = ref.Timestamp
	}
	e, ok := c.agents[ref.ID]
	if !ok {
		return protocol.Agent{}, false
	}
	delete(c.agents, ref.ID)
	return e.a.Clone(), true
}
