package ws

import (
	"context"

	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// FetchPipeline loads the canonical state of one pipeline.
func (c *Client) FetchPipeline(ctx context.Context, id string) (protocol.Pipeline, error) {
	var p protocol.Pipeline
	err := c.Call(ctx, MethodPipelineGet, idParams{ID: id}, &p)
	return p, err
}

// FetchAgent loads the canonical state of one agent.
func (c *Client) FetchAgent(ctx context.Context, id string) (protocol.Agent, error) {
	var a protocol.Agent
	err := c.Call(ctx, MethodAgentGet, idParams{ID: id}, &a)
	return a, err
}

// FetchToolCalls loads up to limit tool calls of a pipeline.
func (c *Client) FetchToolCalls(ctx context.Context, pipelineID string, limit int) ([]protocol.ToolCall, error) {
	var out []protocol.ToolCall
	err := c.Call(ctx, MethodToolCalls, historyParams{PipelineID: pipelineID, Limit: limit}, &out)
	return out, err
}

// FetchStateChanges loads up to limit state changes of a pipeline.
func (c *Client) FetchStateChanges(ctx context.Context, pipelineID string, limit int) ([]protocol.StateChange, error) {
	var out []protocol.StateChange
	err := c.Call(ctx, MethodStateChanges, historyParams{PipelineID: pipelineID, Limit: limit}, &out)
	return out, err
}

// FetchDecisions loads up to limit decisions of a pipeline.
func (c *Client) FetchDecisions(ctx context.Context, pipelineID string, limit int) ([]protocol.Decision, error) {
	var out []protocol.Decision
	err := c.Call(ctx, MethodPipelineDecisions, historyParams{PipelineID: pipelineID, Limit: limit}, &out)
	return out, err
}
