package store

import (
	"cmp"
	"slices"

	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// Snapshot is a deep-copied projection of the cache for the view layer.
type Snapshot struct {
	Pipelines []protocol.Pipeline               `json:"pipelines,omitempty"`
	Agents    []protocol.Agent                  `json:"agents,omitempty"`
	Alerts    []protocol.SecurityAlert          `json:"alerts,omitempty"`
	Reviews   []protocol.PendingReview          `json:"reviews,omitempty"`
	Commands  []protocol.ElevatedCommandRequest `json:"commands,omitempty"`

	// pipeline id -> tool-call timeline, for auto pipelines
	Timelines map[string][]protocol.ToolCall `json:"timelines,omitempty"`
	// pipeline id -> decision log, for auto pipelines
	Decisions map[string][]protocol.Decision `json:"decisions,omitempty"`
}

// Snapshot projects the whole cache. Pipelines and agents are ordered by
// id; alerts, reviews and commands list only open entries, oldest first.
func (c *Cache) Snapshot() Snapshot {
	snap := Snapshot{
		Pipelines: make([]protocol.Pipeline, 0, c.pipelines.Len()),
		Agents:    make([]protocol.Agent, 0, len(c.agents)),
		Alerts:    c.alerts.open(),
		Reviews:   c.reviews.open(),
		Commands:  c.commands.open(),
		Timelines: make(map[string][]protocol.ToolCall),
		Decisions: make(map[string][]protocol.Decision),
	}

	for _, id := range c.pipelines.Keys() {
		e, ok := c.pipelines.Peek(id)
		if !ok {
			continue
		}
		snap.Pipelines = append(snap.Pipelines, e.project())
		if e.model != nil {
			snap.Timelines[id] = e.model.Timeline()
			snap.Decisions[id] = e.model.Decisions()
		}
	}
	slices.SortFunc(snap.Pipelines, func(a, b protocol.Pipeline) int {
		return cmp.Compare(a.ID, b.ID)
	})

	for _, e := range c.agents {
		snap.Agents = append(snap.Agents, e.a.Clone())
	}
	slices.SortFunc(snap.Agents, func(a, b protocol.Agent) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return snap
}
