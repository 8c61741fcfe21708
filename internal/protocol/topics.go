package protocol

// Topic names a notification channel exposed by the backend.
// Convention: "category.action".
type Topic string

const (
	// Agent lifecycle
	TopicAgentStatus       Topic = "agent.status"
	TopicAgentActivity     Topic = "agent.activity"
	TopicAgentStats        Topic = "agent.stats"
	TopicAgentWaitingInput Topic = "agent.waiting_input"
	TopicAgentTerminated   Topic = "agent.terminated"
	TopicMetaAgentAction   Topic = "meta_agent.action"

	// Plain pipelines
	TopicPipelineCreated       Topic = "pipeline.created"
	TopicPipelineUpdated       Topic = "pipeline.updated"
	TopicPipelineStepStarted   Topic = "pipeline.step_started"
	TopicPipelineStepCompleted Topic = "pipeline.step_completed"
	TopicPipelineStepFailed    Topic = "pipeline.step_failed"
	TopicPipelineCompleted     Topic = "pipeline.completed"
	TopicPipelineFailed        Topic = "pipeline.failed"

	// Orchestrator driven pipelines
	TopicAutoPipelineCreated   Topic = "auto_pipeline.created"
	TopicAutoPipelineUpdated   Topic = "auto_pipeline.updated"
	TopicAutoPipelineDecision  Topic = "auto_pipeline.decision"
	TopicAutoPipelineCompleted Topic = "auto_pipeline.completed"
	TopicAutoPipelineFailed    Topic = "auto_pipeline.failed"

	// Orchestrator internals
	TopicOrchestratorToolStart    Topic = "orchestrator.tool_start"
	TopicOrchestratorToolComplete Topic = "orchestrator.tool_complete"
	TopicOrchestratorStateChanged Topic = "orchestrator.state_changed"
	TopicOrchestratorCounters     Topic = "orchestrator.counters"

	// Security, review and elevated commands
	TopicSecurityAlert           Topic = "security.alert"
	TopicSecurityAlertResolved   Topic = "security.alert_resolved"
	TopicReviewPending           Topic = "review.pending"
	TopicReviewResolved          Topic = "review.resolved"
	TopicElevatedCommandRequest  Topic = "elevated_command.request"
	TopicElevatedCommandResolved Topic = "elevated_command.resolved"
)

var allTopics = []Topic{
	TopicAgentStatus,
	TopicAgentActivity,
	TopicAgentStats,
	TopicAgentWaitingInput,
	TopicAgentTerminated,
	TopicMetaAgentAction,
	TopicPipelineCreated,
	TopicPipelineUpdated,
	TopicPipelineStepStarted,
	TopicPipelineStepCompleted,
	TopicPipelineStepFailed,
	TopicPipelineCompleted,
	TopicPipelineFailed,
	TopicAutoPipelineCreated,
	TopicAutoPipelineUpdated,
	TopicAutoPipelineDecision,
	TopicAutoPipelineCompleted,
	TopicAutoPipelineFailed,
	TopicOrchestratorToolStart,
	TopicOrchestratorToolComplete,
	TopicOrchestratorStateChanged,
	TopicOrchestratorCounters,
	TopicSecurityAlert,
	TopicSecurityAlertResolved,
	TopicReviewPending,
	TopicReviewResolved,
	TopicElevatedCommandRequest,
	TopicElevatedCommandResolved,
}

// Topics returns every topic the client subscribes to, in a stable order.
func Topics() []Topic {
	out := make([]Topic, len(allTopics))
	copy(out, allTopics)
	return out
}

// IsAuto reports whether t belongs to the orchestrator-driven pipeline family.
func (t Topic) IsAuto() bool {
	switch t {
	case TopicAutoPipelineCreated, TopicAutoPipelineUpdated, TopicAutoPipelineDecision,
		TopicAutoPipelineCompleted, TopicAutoPipelineFailed:
		return true
	}
	return false
}
