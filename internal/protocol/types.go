package protocol

import (
	"encoding/json"
	"slices"
	"time"
)

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// AgentStatus is the lifecycle status of a worker agent.
type AgentStatus string

const (
	AgentRunning         AgentStatus = "running"
	AgentStopped         AgentStatus = "stopped"
	AgentError           AgentStatus = "error"
	AgentWaitingForInput AgentStatus = "waiting_for_input"
	AgentIdle            AgentStatus = "idle"
	AgentProcessing      AgentStatus = "processing"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentRunning, AgentStopped, AgentError, AgentWaitingForInput, AgentIdle, AgentProcessing:
		return true
	}
	return false
}

// Agent is a worker agent as last reported by the backend.
type Agent struct {
	ID              string      `json:"id"`
	WorkingDir      string      `json:"working_dir"`
	Status          AgentStatus `json:"status"`
	StartedAt       time.Time   `json:"started_at,omitzero"`
	LastActivity    time.Time   `json:"last_activity,omitzero"`
	IsProcessing    bool        `json:"is_processing"`
	HasPendingInput bool        `json:"has_pending_input"`
	PendingPrompt   string      `json:"pending_prompt,omitempty"`
	Stats           *AgentStats `json:"stats,omitempty"`
	UpdatedAt       time.Time   `json:"timestamp"`
}

// Clone returns a deep copy of the agent.
func (a Agent) Clone() Agent {
	if a.Stats != nil {
		stats := *a.Stats
		a.Stats = &stats
	}
	return a
}

// AgentActivity updates the activity markers of an agent.
type AgentActivity struct {
	AgentID      string    `json:"agent_id"`
	LastActivity time.Time `json:"last_activity"`
	IsProcessing bool      `json:"is_processing"`
	Timestamp    time.Time `json:"timestamp"`
}

// AgentStats is a periodic usage report for an agent.
type AgentStats struct {
	AgentID      string    `json:"agent_id"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	ToolCalls    int       `json:"tool_calls"`
	CostUSD      float64   `json:"cost_usd"`
	Timestamp    time.Time `json:"timestamp"`
}

// AgentInput reports that an agent started or stopped waiting for user input.
type AgentInput struct {
	AgentID   string    `json:"agent_id"`
	Pending   bool      `json:"pending"`
	Prompt    string    `json:"prompt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MetaAgentAction records an action the meta agent took on a worker agent.
type MetaAgentAction struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	AgentID   string    `json:"agent_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Pipelines
// -----------------------------------------------------------------------------

// PipelineStatus is the lifecycle status of a pipeline.
type PipelineStatus string

const (
	PipelineRunning   PipelineStatus = "running"
	PipelineCompleted PipelineStatus = "completed"
	PipelineFailed    PipelineStatus = "failed"
)

// Valid reports whether s is a known pipeline status.
func (s PipelineStatus) Valid() bool {
	return s == PipelineRunning || s == PipelineCompleted || s == PipelineFailed
}

// StepRole is the role a step plays in a pipeline.
type StepRole string

const (
	RolePlanning  StepRole = "planning"
	RoleBuilding  StepRole = "building"
	RoleVerifying StepRole = "verifying"
)

// Valid reports whether r is a known step role.
func (r StepRole) Valid() bool {
	return r == RolePlanning || r == RoleBuilding || r == RoleVerifying
}

// StepStatus is the execution status of a step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepRunning, StepCompleted, StepFailed:
		return true
	}
	return false
}

// Step is one numbered stage of a pipeline.
type Step struct {
	Number    int             `json:"number"`
	Role      StepRole        `json:"role"`
	Status    StepStatus      `json:"status"`
	AgentID   string          `json:"agent_id,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	UpdatedAt time.Time       `json:"timestamp,omitzero"`
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	if s.Output != nil {
		s.Output = slices.Clone(s.Output)
	}
	return s
}

// Counters are cumulative artifact counters reported by the orchestrator.
// Each field only ever grows.
type Counters struct {
	GeneratedSkills    int  `json:"generated_skills"`
	GeneratedSubagents int  `json:"generated_subagents"`
	ClaudeMDGenerated  bool `json:"claude_md_generated"`
}

// Merge returns the field-wise maximum of c and other.
func (c Counters) Merge(other Counters) Counters {
	return Counters{
		GeneratedSkills:    max(c.GeneratedSkills, other.GeneratedSkills),
		GeneratedSubagents: max(c.GeneratedSubagents, other.GeneratedSubagents),
		ClaudeMDGenerated:  c.ClaudeMDGenerated || other.ClaudeMDGenerated,
	}
}

// OrchestratorSnapshot is the canonical orchestrator state of an auto
// pipeline as reported by a backend fetch.
type OrchestratorSnapshot struct {
	State     OrchestratorState `json:"state"`
	Iteration int               `json:"iteration"`
	Counters  Counters          `json:"counters"`
	Timestamp time.Time         `json:"timestamp"`
}

// Pipeline is a plain or automatic (orchestrator driven) pipeline.
type Pipeline struct {
	ID           string                `json:"id"`
	Request      string                `json:"request"`
	WorkingDir   string                `json:"working_dir"`
	Status       PipelineStatus        `json:"status"`
	Steps        []Step                `json:"steps"`
	Auto         bool                  `json:"auto"`
	Orchestrator *OrchestratorSnapshot `json:"orchestrator,omitempty"`
	UpdatedAt    time.Time             `json:"timestamp"`
}

// Clone returns a deep copy of the pipeline.
func (p Pipeline) Clone() Pipeline {
	if p.Steps != nil {
		steps := make([]Step, len(p.Steps))
		for i, s := range p.Steps {
			steps[i] = s.Clone()
		}
		p.Steps = steps
	}
	if p.Orchestrator != nil {
		snap := *p.Orchestrator
		p.Orchestrator = &snap
	}
	return p
}

// Step returns the step with the given number.
func (p Pipeline) Step(number int) (Step, bool) {
	for _, s := range p.Steps {
		if s.Number == number {
			return s, true
		}
	}
	return Step{}, false
}

// StepUpdate reports a change to a single step.
type StepUpdate struct {
	PipelineID string    `json:"pipeline_id"`
	Step       Step      `json:"step"`
	Timestamp  time.Time `json:"timestamp"`
}

// PipelineStatusUpdate reports a terminal status for a pipeline.
type PipelineStatusUpdate struct {
	PipelineID string         `json:"pipeline_id"`
	Status     PipelineStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Orchestrator
// -----------------------------------------------------------------------------

// OrchestratorState is a state of the backend orchestrator state machine.
type OrchestratorState string

const (
	StateIdle              OrchestratorState = "idle"
	StatePlanning          OrchestratorState = "planning"
	StateReadyForExecution OrchestratorState = "ready_for_execution"
	StateExecuting         OrchestratorState = "executing"
	StateVerifying         OrchestratorState = "verifying"
	StateCompleted         OrchestratorState = "completed"
	StateGaveUp            OrchestratorState = "gave_up"
)

// Valid reports whether s is a known orchestrator state.
func (s OrchestratorState) Valid() bool {
	switch s {
	case StateIdle, StatePlanning, StateReadyForExecution, StateExecuting,
		StateVerifying, StateCompleted, StateGaveUp:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions leave s.
func (s OrchestratorState) IsTerminal() bool {
	return s == StateCompleted || s == StateGaveUp
}

// StateChange is an explicit orchestrator transition event.
type StateChange struct {
	PipelineID string            `json:"pipeline_id"`
	OldState   OrchestratorState `json:"old_state"`
	NewState   OrchestratorState `json:"new_state"`
	Iteration  int               `json:"iteration"`
	Counters   Counters          `json:"counters"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ToolPhase distinguishes tool start and completion entries.
type ToolPhase string

const (
	ToolStarted   ToolPhase = "started"
	ToolCompleted ToolPhase = "completed"
)

// ToolCall is one orchestrator tool invocation entry in the audit log.
type ToolCall struct {
	PipelineID string            `json:"pipeline_id"`
	CallID     string            `json:"call_id,omitempty"`
	Phase      ToolPhase         `json:"phase"`
	Tool       string            `json:"tool"`
	Input      json.RawMessage   `json:"input,omitempty"`
	IsError    bool              `json:"is_error"`
	Summary    string            `json:"summary,omitempty"`
	State      OrchestratorState `json:"state,omitempty"`
	Iteration  int               `json:"iteration"`
	Timestamp  time.Time         `json:"timestamp"`
}

// DecisionKind is the verdict of a verification round.
type DecisionKind string

const (
	DecisionComplete DecisionKind = "complete"
	DecisionIterate  DecisionKind = "iterate"
	DecisionReplan   DecisionKind = "replan"
	DecisionGiveUp   DecisionKind = "give_up"
)

// Valid reports whether d is a known decision.
func (d DecisionKind) Valid() bool {
	switch d {
	case DecisionComplete, DecisionIterate, DecisionReplan, DecisionGiveUp:
		return true
	}
	return false
}

// Decision is the orchestrator's verdict after verification.
type Decision struct {
	PipelineID  string       `json:"pipeline_id"`
	Kind        DecisionKind `json:"decision"`
	Reasoning   string       `json:"reasoning,omitempty"`
	Issues      []string     `json:"issues,omitempty"`
	Suggestions []string     `json:"suggestions,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// CountersUpdate carries a periodic counter report for a pipeline.
type CountersUpdate struct {
	PipelineID string    `json:"pipeline_id"`
	Counters   Counters  `json:"counters"`
	Timestamp  time.Time `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Security, reviews and elevated commands
// -----------------------------------------------------------------------------

// Resolution is the state of a notification-driven request entity.
type Resolution string

const (
	ResolutionOpen     Resolution = "open"
	ResolutionResolved Resolution = "resolved"
	ResolutionApproved Resolution = "approved"
	ResolutionDenied   Resolution = "denied"
)

// IsTerminal reports whether r closes the entity.
func (r Resolution) IsTerminal() bool {
	return r == ResolutionResolved || r == ResolutionApproved || r == ResolutionDenied
}

// SecurityAlert is raised when an agent does something suspicious.
type SecurityAlert struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id,omitempty"`
	Severity  string     `json:"severity"`
	Message   string     `json:"message"`
	State     Resolution `json:"state"`
	Timestamp time.Time  `json:"timestamp"`
}

// PendingReview is a pipeline output waiting for a human decision.
type PendingReview struct {
	ID         string     `json:"id"`
	PipelineID string     `json:"pipeline_id,omitempty"`
	AgentID    string     `json:"agent_id,omitempty"`
	Summary    string     `json:"summary"`
	State      Resolution `json:"state"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ElevatedCommandRequest asks the user to allow a privileged command.
type ElevatedCommandRequest struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id,omitempty"`
	Command   string     `json:"command"`
	Reason    string     `json:"reason,omitempty"`
	State     Resolution `json:"state"`
	Timestamp time.Time  `json:"timestamp"`
}

// ResolutionUpdate closes an alert, review or elevated command.
type ResolutionUpdate struct {
	ID        string     `json:"id"`
	State     Resolution `json:"state"`
	By        string     `json:"by,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Ref is the body of a thin notification, or of a notification that only
// ever names an entity (such as agent termination).
type Ref struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}
