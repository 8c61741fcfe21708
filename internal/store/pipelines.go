package store

import (
	"cmp"
	"slices"
	"time"

	"github.com/Iron-Ham/orchsync/internal/orchestrator"
	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// pipelineEntry is a cached pipeline with per-field write timestamps.
// The Orchestrator field of p is never stored; it is projected from model.
type pipelineEntry struct {
	p        protocol.Pipeline
	version  uint64
	infoAt   time.Time
	statusAt time.Time
	model    *orchestrator.Model
}

// History is previously emitted orchestrator activity for one pipeline.
type History struct {
	ToolCalls    []protocol.ToolCall
	StateChanges []protocol.StateChange
	Decisions    []protocol.Decision
}

func (e *pipelineEntry) orchestrator() *orchestrator.Model {
	if e.model == nil {
		e.model = orchestrator.NewModel(e.p.ID)
	}
	return e.model
}

func (e *pipelineEntry) project() protocol.Pipeline {
	p := e.p.Clone()
	if e.model != nil {
		snap := e.model.Snapshot()
		p.Orchestrator = &snap
	}
	return p
}

func (e *pipelineEntry) touch(at time.Time) {
	if at.After(e.p.UpdatedAt) {
		e.p.UpdatedAt = at
	}
}

// merge folds a full pipeline into the entry field by field.
func (e *pipelineEntry) merge(p protocol.Pipeline) {
	at := p.UpdatedAt
	if !at.Before(e.infoAt) {
		e.p.Request = p.Request
		e.p.WorkingDir = p.WorkingDir
		e.infoAt = at
	}
	e.p.Auto = e.p.Auto || p.Auto
	if !at.Before(e.statusAt) {
		e.p.Status = p.Status
		e.statusAt = at
	}
	for _, s := range p.Steps {
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = at
		}
		e.mergeStep(s)
	}
	if p.Orchestrator != nil {
		snap := *p.Orchestrator
		if snap.Timestamp.IsZero() {
			snap.Timestamp = at
		}
		e.adopt(snap)
	}
	e.touch(at)
}

// adopt takes canonical orchestrator state unless the model has already
// recorded a newer state write.
func (e *pipelineEntry) adopt(snap protocol.OrchestratorSnapshot) {
	m := e.orchestrator()
	if snap.Timestamp.Before(m.StateAt()) {
		m.UpdateCounters(snap.Counters)
		return
	}
	m.Adopt(snap)
}

// mergeStep replaces or inserts a step, keeping steps ordered by number.
func (e *pipelineEntry) mergeStep(s protocol.Step) bool {
	i, found := slices.BinarySearchFunc(e.p.Steps, s.Number, func(cur protocol.Step, n int) int {
		return cmp.Compare(cur.Number, n)
	})
	if found {
		if s.UpdatedAt.Before(e.p.Steps[i].UpdatedAt) {
			return false
		}
		e.p.Steps[i] = s.Clone()
		return true
	}
	e.p.Steps = slices.Insert(e.p.Steps, i, s.Clone())
	return true
}

// canonical returns a copy of a fetched pipeline with every timestamp
// raised to at least the newest write cached for the same field, so the
// fetched state replaces the cached one even when it carries no times.
func (e *pipelineEntry) canonical(p protocol.Pipeline) protocol.Pipeline {
	p = p.Clone()
	p.UpdatedAt = latest(p.UpdatedAt, e.infoAt, e.statusAt, e.p.UpdatedAt)
	for i, s := range p.Steps {
		if cur, ok := e.p.Step(s.Number); ok {
			p.Steps[i].UpdatedAt = latest(s.UpdatedAt, cur.UpdatedAt)
		}
	}
	if p.Orchestrator != nil && e.model != nil {
		p.Orchestrator.Timestamp = latest(p.Orchestrator.Timestamp, e.model.StateAt())
	}
	return p
}

func latest(ts ...time.Time) time.Time {
	var newest time.Time
	for _, t := range ts {
		if t.After(newest) {
			newest = t
		}
	}
	return newest
}

// ensure returns the entry for id, creating a running placeholder.
func (c *Cache) ensure(id string, auto bool) *pipelineEntry {
	if e, ok := c.pipelines.Get(id); ok {
		e.p.Auto = e.p.Auto || auto
		return e
	}
	e := &pipelineEntry{p: protocol.Pipeline{
		ID:     id,
		Status: protocol.PipelineRunning,
		Auto:   auto,
	}}
	c.pipelines.Add(id, e)
	return e
}

// Pipeline returns a deep copy of a cached pipeline.
func (c *Cache) Pipeline(id string) (protocol.Pipeline, bool) {
	e, ok := c.pipelines.Peek(id)
	if !ok {
		return protocol.Pipeline{}, false
	}
	return e.project(), true
}

// HasPipeline reports whether id is cached.
func (c *Cache) HasPipeline(id string) bool {
	return c.pipelines.Contains(id)
}

// PutPipeline writes a full pipeline payload and bumps its version.
func (c *Cache) PutPipeline(p protocol.Pipeline) protocol.Pipeline {
	e := c.ensure(p.ID, p.Auto)
	e.merge(p)
	e.version++
	return e.project()
}

// ReconcilePipeline writes a fetched pipeline unless the cached version
// advanced past captured since the fetch was issued, in which case it
// returns an error wrapping errors.ErrStaleWrite and leaves the cache
// untouched. An accepted fetch is canonical: it replaces every cached
// field it carries, whatever its timestamps.
func (c *Cache) ReconcilePipeline(p protocol.Pipeline, captured uint64) (protocol.Pipeline, error) {
	if err := checkVersion(KindPipeline, p.ID, c.Version(KindPipeline, p.ID), captured); err != nil {
		return protocol.Pipeline{}, err
	}
	if e, ok := c.pipelines.Peek(p.ID); ok {
		p = e.canonical(p)
	}
	return c.PutPipeline(p), nil
}

// ApplyStep merges a single step update. It reports false when a newer
// write for that step is already cached.
func (c *Cache) ApplyStep(up protocol.StepUpdate) (protocol.Pipeline, bool) {
	e := c.ensure(up.PipelineID, false)
	s := up.Step
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = up.Timestamp
	}
	if !e.mergeStep(s) {
		return e.project(), false
	}
	e.touch(up.Timestamp)
	return e.project(), true
}

// SetPipelineStatus applies a terminal status report.
func (c *Cache) SetPipelineStatus(up protocol.PipelineStatusUpdate) (protocol.Pipeline, bool) {
	e := c.ensure(up.PipelineID, false)
	if up.Timestamp.Before(e.statusAt) {
		return e.project(), false
	}
	e.p.Status = up.Status
	e.statusAt = up.Timestamp
	e.touch(up.Timestamp)
	return e.project(), true
}

// ApplyStateChange routes a state change into the pipeline's orchestrator
// model. See orchestrator.Model.ApplyStateChange for outcomes and errors.
func (c *Cache) ApplyStateChange(sc protocol.StateChange) (orchestrator.Outcome, protocol.Pipeline, error) {
	e := c.ensure(sc.PipelineID, true)
	out, err := e.orchestrator().ApplyStateChange(sc)
	if out == orchestrator.Applied {
		e.version++
		e.touch(sc.Timestamp)
	}
	return out, e.project(), err
}

// ApplyDecision routes a decision into the pipeline's orchestrator model.
func (c *Cache) ApplyDecision(d protocol.Decision) (orchestrator.Outcome, protocol.Pipeline) {
	e := c.ensure(d.PipelineID, true)
	out := e.orchestrator().ApplyDecision(d)
	if out == orchestrator.Applied {
		e.version++
		e.touch(d.Timestamp)
	}
	return out, e.project()
}

// RecordToolCall appends a tool call to the pipeline's audit timeline.
func (c *Cache) RecordToolCall(tc protocol.ToolCall) (protocol.ToolCall, bool) {
	e := c.ensure(tc.PipelineID, true)
	return e.orchestrator().RecordToolCall(tc)
}

// UpdateCounters merges a counters report into the pipeline's model.
func (c *Cache) UpdateCounters(up protocol.CountersUpdate) protocol.Pipeline {
	e := c.ensure(up.PipelineID, true)
	e.orchestrator().UpdateCounters(up.Counters)
	return e.project()
}

// MergeHistory folds an initial history load into the pipeline's logs and
// returns how many entries were new.
func (c *Cache) MergeHistory(pipelineID string, h History) int {
	m := c.ensure(pipelineID, true).orchestrator()
	return m.MergeToolHistory(h.ToolCalls) +
		m.MergeStateHistory(h.StateChanges) +
		m.MergeDecisionHistory(h.Decisions)
}

// Orchestrator returns a copy of a pipeline's orchestrator model.
func (c *Cache) Orchestrator(pipelineID string) (*orchestrator.Model, bool) {
	e, ok := c.pipelines.Peek(pipelineID)
	if !ok || e.model == nil {
		return nil, false
	}
	return e.model.Clone(), true
}
