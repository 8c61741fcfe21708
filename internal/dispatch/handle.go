package dispatch

import (
	"time"

	"github.com/Iron-Ham/orchsync/internal/metrics"
	"github.com/Iron-Ham/orchsync/internal/orchestrator"
	"github.com/Iron-Ham/orchsync/internal/protocol"
	"github.com/Iron-Ham/orchsync/internal/reconcile"
	"github.com/Iron-Ham/orchsync/internal/store"
)

// handle applies one decoded message. It runs on the loop.
func (r *run) handle(msg protocol.Message) {
	if !r.session.Active() {
		r.d.metrics.Dropped(string(msg.Topic), metrics.ReasonTeardown)
		return
	}

	switch body := msg.Body.(type) {
	case protocol.Ref:
		r.handleRef(msg.Topic, body)
	case protocol.Agent:
		r.putAgent(msg.Topic, body)
	case protocol.AgentActivity:
		r.applyActivity(msg.Topic, body)
	case protocol.AgentStats:
		r.applyStats(msg.Topic, body)
	case protocol.AgentInput:
		r.applyInput(msg.Topic, body)
	case protocol.MetaAgentAction:
		deliver(r, string(msg.Topic), r.cb.OnMetaAgentAction, body)
	case protocol.Pipeline:
		p := r.d.cache.PutPipeline(body)
		r.emitState(msg.Topic, p)
		r.emitPipeline(msg.Topic, p)
	case protocol.StepUpdate:
		p, ok := r.d.cache.ApplyStep(body)
		if !ok {
			r.drop(msg.Topic, metrics.ReasonStale, "pipeline", body.PipelineID, "step", body.Step.Number)
			return
		}
		r.emitPipeline(msg.Topic, p)
	case protocol.PipelineStatusUpdate:
		p, ok := r.d.cache.SetPipelineStatus(body)
		if !ok {
			r.drop(msg.Topic, metrics.ReasonStale, "pipeline", body.PipelineID)
			return
		}
		r.emitPipeline(msg.Topic, p)
	case protocol.StateChange:
		r.applyStateChange(msg.Topic, body)
	case protocol.Decision:
		r.applyDecision(msg.Topic, body)
	case protocol.ToolCall:
		tc, added := r.d.cache.RecordToolCall(body)
		if !added {
			r.drop(msg.Topic, metrics.ReasonDuplicate, "pipeline", body.PipelineID, "tool", body.Tool)
			return
		}
		deliver(r, string(msg.Topic), r.cb.OnToolCall, tc)
	case protocol.CountersUpdate:
		r.d.cache.UpdateCounters(body)
		r.d.metrics.Throttled(string(msg.Topic))
		r.counters.Call(body.PipelineID, struct{}{})
	case protocol.SecurityAlert:
		if a, ok := r.d.cache.PutAlert(body); ok {
			deliver(r, string(msg.Topic), r.cb.OnSecurityAlert, a)
		} else {
			r.drop(msg.Topic, metrics.ReasonStale, "id", body.ID)
		}
	case protocol.PendingReview:
		if v, ok := r.d.cache.PutReview(body); ok {
			deliver(r, string(msg.Topic), r.cb.OnPendingReview, v)
		} else {
			r.drop(msg.Topic, metrics.ReasonStale, "id", body.ID)
		}
	case protocol.ElevatedCommandRequest:
		if v, ok := r.d.cache.PutCommand(body); ok {
			deliver(r, string(msg.Topic), r.cb.OnElevatedCommand, v)
		} else {
			r.drop(msg.Topic, metrics.ReasonStale, "id", body.ID)
		}
	case protocol.ResolutionUpdate:
		r.resolve(msg.Topic, body)
	default:
		r.logger.WithChannel(string(msg.Topic)).Warn("no handler for message", "body", body)
		r.d.metrics.Dropped(string(msg.Topic), metrics.ReasonUnknown)
	}
}

func (r *run) handleRef(topic protocol.Topic, ref protocol.Ref) {
	switch topic {
	case protocol.TopicAgentTerminated:
		_, known := r.d.cache.RemoveAgent(ref)
		r.stats.Cancel(ref.ID)
		r.activity.Cancel(ref.ID)
		r.logger.WithAgent(ref.ID).Info("agent terminated", "known", known)
		deliver(r, string(topic), r.cb.OnAgentRemoved, ref.ID)
	case protocol.TopicAgentStatus:
		if r.d.cache.Terminated(ref.ID, ref.Timestamp) {
			r.drop(topic, metrics.ReasonTombstoned, "agent", ref.ID)
			return
		}
		r.reconcileAgent(ref.ID)
	default:
		r.reconcilePipeline(ref.ID)
	}
}

// Agents

func (r *run) putAgent(topic protocol.Topic, a protocol.Agent) {
	out, ok := r.d.cache.PutAgent(a)
	if !ok {
		r.drop(topic, metrics.ReasonTombstoned, "agent", a.ID)
		return
	}
	deliver(r, string(topic), r.cb.OnAgentStatus, out)
}

// unknownAgent drops a delta for an agent the cache cannot apply it to,
// fetching the agent when it has never been seen.
func (r *run) unknownAgent(topic protocol.Topic, id string, at time.Time) {
	switch {
	case r.d.cache.Terminated(id, at):
		r.drop(topic, metrics.ReasonTombstoned, "agent", id)
	case !r.d.cache.HasAgent(id):
		r.drop(topic, metrics.ReasonUnknown, "agent", id)
		r.reconcileAgent(id)
	default:
		r.drop(topic, metrics.ReasonStale, "agent", id)
	}
}

func (r *run) applyActivity(topic protocol.Topic, act protocol.AgentActivity) {
	if _, ok := r.d.cache.ApplyActivity(act); !ok {
		r.unknownAgent(topic, act.AgentID, act.Timestamp)
		return
	}
	r.d.metrics.Throttled(string(topic))
	r.activity.Call(act.AgentID, struct{}{})
}

func (r *run) applyStats(topic protocol.Topic, s protocol.AgentStats) {
	if _, ok := r.d.cache.ApplyStats(s); !ok {
		r.unknownAgent(topic, s.AgentID, s.Timestamp)
		return
	}
	r.d.metrics.Throttled(string(topic))
	r.stats.Call(s.AgentID, struct{}{})
}

func (r *run) applyInput(topic protocol.Topic, in protocol.AgentInput) {
	a, ok := r.d.cache.ApplyInput(in)
	if !ok {
		r.unknownAgent(topic, in.AgentID, in.Timestamp)
		return
	}
	deliver(r, string(topic), r.cb.OnAgentStatus, a)
}

func (r *run) flushStats(id string) {
	if a, ok := r.d.cache.Agent(id); ok {
		deliver(r, string(protocol.TopicAgentStats), r.cb.OnAgentStats, a)
	}
}

func (r *run) flushActivity(id string) {
	if a, ok := r.d.cache.Agent(id); ok {
		deliver(r, string(protocol.TopicAgentActivity), r.cb.OnAgentActivity, a)
	}
}

func (r *run) reconcileAgent(id string) {
	r.agents.Reconcile(r.session, id, func(a protocol.Agent, status reconcile.Status) {
		r.d.metrics.Reconciled(string(store.KindAgent), status.String())
		if status == reconcile.Resolved {
			deliver(r, string(protocol.TopicAgentStatus), r.cb.OnAgentStatus, a)
		}
	})
}

// Pipelines and the orchestrator

func (r *run) emitPipeline(topic protocol.Topic, p protocol.Pipeline) {
	if p.Auto {
		deliver(r, string(topic), r.cb.OnAutoPipeline, p)
		return
	}
	deliver(r, string(topic), r.cb.OnPipeline, p)
}

func (r *run) emitState(topic protocol.Topic, p protocol.Pipeline) {
	if r.cb.OnOrchestratorState == nil || p.Orchestrator == nil {
		return
	}
	deliver(r, string(topic), func(snap protocol.OrchestratorSnapshot) {
		r.cb.OnOrchestratorState(p.ID, snap)
	}, *p.Orchestrator)
}

func (r *run) applyStateChange(topic protocol.Topic, sc protocol.StateChange) {
	out, p, err := r.d.cache.ApplyStateChange(sc)
	logger := r.logger.WithPipeline(sc.PipelineID)

	switch {
	case out == orchestrator.Applied:
		delete(r.desyncs, sc.PipelineID)
		r.emitState(topic, p)
		r.emitPipeline(topic, p)
	case out.NeedsReconcile():
		logger.Warn("orchestrator model out of sync", "outcome", out.String(), "error", err)
		r.d.metrics.Desynced(out.String())
		r.desyncs[sc.PipelineID] = 0
		r.reconcilePipeline(sc.PipelineID)
	case out == orchestrator.Stale:
		r.drop(topic, metrics.ReasonStale, "pipeline", sc.PipelineID, "new_state", sc.NewState)
	default:
		logger.Debug("state change recorded", "outcome", out.String(), "new_state", sc.NewState)
	}
}

func (r *run) applyDecision(topic protocol.Topic, d protocol.Decision) {
	out, p := r.d.cache.ApplyDecision(d)
	r.logger.WithPipeline(d.PipelineID).Info("orchestrator decision",
		"decision", d.Kind, "outcome", out.String())

	deliver(r, string(topic), r.cb.OnDecision, d)
	if out == orchestrator.Applied {
		delete(r.desyncs, d.PipelineID)
		r.emitState(topic, p)
		r.emitPipeline(topic, p)
	}
}

func (r *run) flushCounters(pipelineID string) {
	if p, ok := r.d.cache.Pipeline(pipelineID); ok {
		r.emitState(protocol.TopicOrchestratorCounters, p)
	}
}

// reconcilePipeline fetches canonical pipeline state. While a desync for
// the pipeline is unresolved, a fetch that loses the version race is
// retried up to sync.max_desync_retries times.
func (r *run) reconcilePipeline(id string) {
	r.pipelines.Reconcile(r.session, id, func(p protocol.Pipeline, status reconcile.Status) {
		r.d.metrics.Reconciled(string(store.KindPipeline), status.String())

		switch status {
		case reconcile.Resolved:
			delete(r.desyncs, id)
			r.emitState(protocol.TopicAutoPipelineUpdated, p)
			r.emitPipeline(protocol.TopicPipelineUpdated, p)
		case reconcile.Rejected:
			retries, desynced := r.desyncs[id]
			if !desynced {
				return
			}
			if retries >= r.d.cfg.MaxDesyncRetries {
				delete(r.desyncs, id)
				r.logger.WithPipeline(id).Warn("desync retries exhausted", "retries", retries)
				return
			}
			r.desyncs[id] = retries + 1
			r.reconcilePipeline(id)
		case reconcile.Failed:
			delete(r.desyncs, id)
		}
	})
}

func (r *run) refresh(kind store.Kind, id string) {
	if !r.session.Active() {
		return
	}
	switch kind {
	case store.KindAgent:
		r.reconcileAgent(id)
	default:
		r.reconcilePipeline(id)
	}
}

// Alerts, reviews and elevated commands

func (r *run) resolve(topic protocol.Topic, up protocol.ResolutionUpdate) {
	switch topic {
	case protocol.TopicSecurityAlertResolved:
		if v, ok := r.d.cache.ResolveAlert(up); ok {
			deliver(r, string(topic), r.cb.OnSecurityAlert, v)
			return
		}
	case protocol.TopicReviewResolved:
		if v, ok := r.d.cache.ResolveReview(up); ok {
			deliver(r, string(topic), r.cb.OnPendingReview, v)
			return
		}
	case protocol.TopicElevatedCommandResolved:
		if v, ok := r.d.cache.ResolveCommand(up); ok {
			deliver(r, string(topic), r.cb.OnElevatedCommand, v)
			return
		}
	default:
		r.d.metrics.Dropped(string(topic), metrics.ReasonUnknown)
		return
	}
	r.drop(topic, metrics.ReasonStale, "id", up.ID)
}
