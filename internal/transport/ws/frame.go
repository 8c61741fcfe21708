package ws

import (
	"encoding/json"

	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// Frame types.
const (
	frameEvent       = "event"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameRequest     = "request"
	frameResponse    = "response"
)

// Backend request methods.
const (
	MethodPipelineGet       = "pipeline.get"
	MethodAgentGet          = "agent.get"
	MethodToolCalls         = "orchestrator.tool_calls"
	MethodStateChanges      = "orchestrator.state_changes"
	MethodPipelineDecisions = "auto_pipeline.decisions"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type    string          `json:"type"`
	Topic   protocol.Topic  `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type idParams struct {
	ID string `json:"id"`
}

type historyParams struct {
	PipelineID string `json:"pipeline_id"`
	Limit      int    `json:"limit,omitempty"`
}

type callResult struct {
	result json.RawMessage
	err    error
}
