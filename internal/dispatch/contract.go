package dispatch

import (
	"context"

	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// Backend is the request/response side of the orchestrator backend.
type Backend interface {
	FetchPipeline(ctx context.Context, id string) (protocol.Pipeline, error)
	FetchAgent(ctx context.Context, id string) (protocol.Agent, error)
	FetchToolCalls(ctx context.Context, pipelineID string, limit int) ([]protocol.ToolCall, error)
	FetchStateChanges(ctx context.Context, pipelineID string, limit int) ([]protocol.StateChange, error)
	FetchDecisions(ctx context.Context, pipelineID string, limit int) ([]protocol.Decision, error)
}

// Callbacks is the consumer contract. Every field is optional. Callbacks
// run one at a time on the dispatcher's loop goroutine, receive deep
// copies, and must not block.
type Callbacks struct {
	// OnAgentStatus receives an agent after a status, input or
	// reconciled update.
	OnAgentStatus func(protocol.Agent)
	// OnAgentActivity receives an agent after throttled activity updates.
	OnAgentActivity func(protocol.Agent)
	// OnAgentStats receives an agent after throttled usage reports.
	OnAgentStats func(protocol.Agent)
	// OnAgentRemoved receives the id of a terminated agent.
	OnAgentRemoved func(agentID string)
	// OnMetaAgentAction receives supervisor actions as they arrive.
	OnMetaAgentAction func(protocol.MetaAgentAction)

	// OnPipeline receives plain pipelines.
	OnPipeline func(protocol.Pipeline)
	// OnAutoPipeline receives orchestrator-driven pipelines.
	OnAutoPipeline func(protocol.Pipeline)
	// OnToolCall receives each new tool-call timeline entry.
	OnToolCall func(protocol.ToolCall)
	// OnOrchestratorState receives the orchestrator snapshot after it
	// transitions, adopts canonical state or updates counters.
	OnOrchestratorState func(pipelineID string, snap protocol.OrchestratorSnapshot)
	// OnDecision receives every decision, whether or not it transitioned.
	OnDecision func(protocol.Decision)

	OnSecurityAlert   func(protocol.SecurityAlert)
	OnPendingReview   func(protocol.PendingReview)
	OnElevatedCommand func(protocol.ElevatedCommandRequest)

	// OnNotice receives user-facing degradation notices: persistent
	// reconciliation failures and failed channel subscriptions.
	OnNotice func(error)
}
