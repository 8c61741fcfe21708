package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Iron-Ham/orchsync/internal/errors"
)

// Kind tags how much of an entity a decoded notification carries.
type Kind int

const (
	// KindFull carries a complete entity that can replace the cached one.
	KindFull Kind = iota
	// KindThin carries only an identifier; the entity must be fetched.
	KindThin
	// KindDelta carries a partial update to an entity (a step, a transition,
	// a stats report, a termination).
	KindDelta
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindFull:
		return "full"
	case KindThin:
		return "thin"
	case KindDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// Message is a notification decoded once at the transport boundary.
//
// Body holds exactly one concrete type per topic and kind:
//
//	agent.status                    Agent (full) | Ref (thin)
//	agent.activity                  AgentActivity
//	agent.stats                     AgentStats
//	agent.waiting_input             AgentInput
//	agent.terminated                Ref
//	meta_agent.action               MetaAgentAction
//	pipeline.created|updated        Pipeline (full) | Ref (thin)
//	auto_pipeline.created|updated   Pipeline (full) | Ref (thin)
//	pipeline.step_*                 StepUpdate
//	*pipeline.completed|failed      PipelineStatusUpdate
//	auto_pipeline.decision          Decision
//	orchestrator.tool_*             ToolCall
//	orchestrator.state_changed      StateChange
//	orchestrator.counters           CountersUpdate
//	security.alert                  SecurityAlert
//	review.pending                  PendingReview
//	elevated_command.request        ElevatedCommandRequest
//	*.resolved                      ResolutionUpdate
//
// Downstream code switches on Topic and Kind and never inspects payload
// fields to decide what a message is.
type Message struct {
	Topic     Topic
	Kind      Kind
	EntityID  string
	Timestamp time.Time
	Body      any
}

type decoder func(raw []byte, fields map[string]json.RawMessage, receivedAt time.Time) (Message, error)

var decoders = map[Topic]decoder{
	TopicAgentStatus:              decodeAgentStatus,
	TopicAgentActivity:            decodeAgentActivity,
	TopicAgentStats:               decodeAgentStats,
	TopicAgentWaitingInput:        decodeAgentInput,
	TopicAgentTerminated:          decodeAgentTerminated,
	TopicMetaAgentAction:          decodeMetaAgentAction,
	TopicPipelineCreated:          decodePipeline(false),
	TopicPipelineUpdated:          decodePipeline(false),
	TopicPipelineStepStarted:      decodeStep(StepRunning),
	TopicPipelineStepCompleted:    decodeStep(StepCompleted),
	TopicPipelineStepFailed:       decodeStep(StepFailed),
	TopicPipelineCompleted:        decodePipelineStatus(PipelineCompleted),
	TopicPipelineFailed:           decodePipelineStatus(PipelineFailed),
	TopicAutoPipelineCreated:      decodePipeline(true),
	TopicAutoPipelineUpdated:      decodePipeline(true),
	TopicAutoPipelineDecision:     decodeDecision,
	TopicAutoPipelineCompleted:    decodePipelineStatus(PipelineCompleted),
	TopicAutoPipelineFailed:       decodePipelineStatus(PipelineFailed),
	TopicOrchestratorToolStart:    decodeToolCall(ToolStarted),
	TopicOrchestratorToolComplete: decodeToolCall(ToolCompleted),
	TopicOrchestratorStateChanged: decodeStateChange,
	TopicOrchestratorCounters:     decodeCounters,
	TopicSecurityAlert:            decodeSecurityAlert,
	TopicSecurityAlertResolved:    decodeResolution(ResolutionResolved),
	TopicReviewPending:            decodeReview,
	TopicReviewResolved:           decodeResolution(""),
	TopicElevatedCommandRequest:   decodeElevatedCommand,
	TopicElevatedCommandResolved:  decodeResolution(""),
}

// Decode turns a raw notification payload into a tagged Message.
// receivedAt stamps payloads that carry no timestamp of their own.
// All failures are *errors.MalformedPayloadError.
func Decode(topic Topic, raw []byte, receivedAt time.Time) (Message, error) {
	dec, ok := decoders[topic]
	if !ok {
		return Message{}, errors.NewMalformedPayloadError(string(topic), errors.ErrUnknownTopic)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Message{}, errors.NewMalformedPayloadError(string(topic), nil).WithDetail("empty payload")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Message{}, errors.NewMalformedPayloadError(string(topic), err)
	}

	msg, err := dec(trimmed, fields, receivedAt)
	if err != nil {
		var malformed *errors.MalformedPayloadError
		if errors.As(err, &malformed) {
			malformed.Topic = string(topic)
			return Message{}, malformed
		}
		return Message{}, errors.NewMalformedPayloadError(string(topic), err)
	}
	msg.Topic = topic
	return msg, nil
}

// classify decides thin vs full for topics that may carry either. An
// explicit "kind" field wins; otherwise a payload holding nothing but
// identifiers and a timestamp is thin.
func classify(fields map[string]json.RawMessage) (Kind, error) {
	if raw, ok := fields["kind"]; ok {
		var kind string
		if err := json.Unmarshal(raw, &kind); err != nil {
			return 0, invalid("kind", "must be a string")
		}
		switch kind {
		case "thin":
			return KindThin, nil
		case "full":
			return KindFull, nil
		default:
			return 0, invalid("kind", fmt.Sprintf("unknown kind %q", kind))
		}
	}
	for key := range fields {
		switch key {
		case "id", "pipeline_id", "agent_id", "timestamp":
		default:
			return KindFull, nil
		}
	}
	return KindThin, nil
}

func decodeRef(fields map[string]json.RawMessage, receivedAt time.Time) (Ref, error) {
	var ref Ref
	for _, key := range []string{"id", "pipeline_id", "agent_id"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &ref.ID); err != nil {
			return Ref{}, invalid(key, "must be a string")
		}
		if ref.ID != "" {
			break
		}
	}
	if ref.ID == "" {
		return Ref{}, invalid("id", "missing identifier")
	}
	if raw, ok := fields["timestamp"]; ok {
		if err := json.Unmarshal(raw, &ref.Timestamp); err != nil {
			return Ref{}, invalid("timestamp", "must be an RFC 3339 time")
		}
	}
	stamp(&ref.Timestamp, receivedAt)
	return ref, nil
}

func thin(fields map[string]json.RawMessage, receivedAt time.Time, kind Kind) (Message, error) {
	ref, err := decodeRef(fields, receivedAt)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: kind, EntityID: ref.ID, Timestamp: ref.Timestamp, Body: ref}, nil
}

func decodeAgentStatus(raw []byte, fields map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
	kind, err := classify(fields)
	if err != nil {
		return Message{}, err
	}
	if kind == KindThin {
		return thin(fields, receivedAt, KindThin)
	}

	var agent Agent
	if err := json.Unmarshal(raw, &agent); err != nil {
		return Message{}, err
	}
	if agent.ID == "" {
		return Message{}, invalid("id", "missing agent id")
	}
	if !agent.Status.Valid() {
		return Message{}, invalid("status", fmt.Sprintf("unknown agent status %q", agent.Status))
	}
	stamp(&agent.UpdatedAt, receivedAt)
	return Message{Kind: KindFull, EntityID: agent.ID, Timestamp: agent.UpdatedAt, Body: agent}, nil
}

func decodeAgentActivity(raw []byte, _ map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
	var act AgentActivity
	if err := json.Unmarshal(raw, &act); err != nil {
		return Message{}, err
	}
	if act.AgentID == "" {
		return Message{}, invalid("agent_id", "missing agent id")
	}
	stamp(&act.Timestamp, receivedAt)
	return Message{Kind: KindDelta, EntityID: act.AgentID, Timestamp: act.Timestamp, Body: act}, nil
}

func decodeAgentStats(raw []byte, _ map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
	var stats AgentStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return Message{}, err
	}
	if stats.AgentID == "" {
		return Message{}, invalid("agent_id", "missing agent id")
	}
	stamp(&stats.Timestamp, receivedAt)
	return Message{Kind: KindDelta, EntityID: stats.AgentID, Timestamp: stats.Timestamp, Body: stats}, nil
}

func decodeAgentInput(raw []byte, _ map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
	var in AgentInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Message{}, err
	}
	if in.AgentID == "" {
		return Message{}, invalid("agent_id", "missing agent id")
	}
	stamp(&in.Timestamp, receivedAt)
	return Message{Kind: KindDelta, EntityID: in.AgentID, Timestamp: in.Timestamp, Body: in}, nil
}

func decodeAgentTerminated(_ []byte, fields map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
	return thin(fields, receivedAt, KindDelta)
}

func decodeMetaAgentAction(raw []byte, _ map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
	var action MetaAgentAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return Message{}, err
	}
	if action.ID == "" {
		return Message{}, invalid("id", "missing action id")
	}
	if action.Action == "" {
		return Message{}, invalid("action", "missing action")
	}
	stamp(&action.Timestamp, receivedAt)
	return Message{Kind: KindFull, EntityID: action.ID, Timestamp: action.Timestamp, Body: action}, nil
}

func decodePipeline(auto bool) decoder {
	return func(raw []byte, fields map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
		kind, err := classify(fields)
		if err != nil {
			return Message{}, err
		}
		if kind == KindThin {
			return thin(fields, receivedAt, KindThin)
		}

		var p Pipeline
		if err := json.Unmarshal(raw, &p); err != nil {
			return Message{}, err
		}
		if err := ValidatePipeline(p); err != nil {
			return Message{}, err
		}
		p.Auto = p.Auto || auto
		stamp(&p.UpdatedAt, receivedAt)
		if p.Orchestrator != nil {
			stamp(&p.Orchestrator.Timestamp, p.UpdatedAt)
		}
		return Message{Kind: KindFull, EntityID: p.ID, Timestamp: p.UpdatedAt, Body: p}, nil
	}
}

// ValidatePipeline checks the shape of a full pipeline: known enums and
// unique, strictly increasing step numbers. Backend fetch results go
// through the same check as notification payloads.
func ValidatePipeline(p Pipeline) error {
	if p.ID == "" {
		return invalid("id", "missing pipeline id")
	}
	if !p.Status.Valid() {
		return invalid("status", fmt.Sprintf("unknown pipeline status %q", p.Status))
	}
	for i, s := range p.Steps {
		if err := validateStep(s); err != nil {
			return err
		}
		if i > 0 && s.Number <= p.Steps[i-1].Number {
			return invalid("steps", fmt.Sprintf("step %d out of order after %d", s.Number, p.Steps[i-1].Number))
		}
	}
	if p.Orchestrator != nil && !p.Orchestrator.State.Valid() {
		return invalid("orchestrator.state", fmt.Sprintf("unknown state %q", p.Orchestrator.State))
	}
	return nil
}

func validateStep(s Step) error {
	if s.Number <= 0 {
		return invalid("step.number", "must be positive")
	}
	if !s.Role.Valid() {
		return invalid("step.role", fmt.Sprintf("unknown role %q", s.Role))
	}
	if !s.Status.Valid() {
		return invalid("step.status", fmt.Sprintf("unknown status %q", s.Status))
	}
	return nil
}

func decodeStep(status StepStatus) decoder {
	return func(raw []byte, _ map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
		var up StepUpdate
		if err := json.Unmarshal(raw, &up); err != nil {
			return Message{}, err
		}
		if up.PipelineID == "" {
			return Message{}, invalid("pipeline_id", "missing pipeline id")
		}
		up.Step.Status = status
		if err := validateStep(up.Step); err != nil {
			return Message{}, err
		}
		stamp(&up.Timestamp, receivedAt)
		stamp(&up.Step.UpdatedAt, up.Timestamp)
		return Message{Kind: KindDelta, EntityID: up.PipelineID, Timestamp: up.Timestamp, Body: up}, nil
	}
}

func decodePipelineStatus(status PipelineStatus) decoder {
	return func(raw []byte, fields map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
		ref, err := decodeRef(fields, receivedAt)
		if err != nil {
			return Message{}, err
		}
		var up PipelineStatusUpdate
		if err := json.Unmarshal(raw, &up); err != nil {
			return Message{}, err
		}
		up.PipelineID = ref.ID
		up.Status = status
		up.Timestamp = ref.Timestamp
		return Message{Kind: KindDelta, EntityID: up.PipelineID, Timestamp: up.Timestamp, Body: up}, nil
	}
}

func decodeDecision(raw []byte, _ map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Message{}, err
	}
	if d.PipelineID == "" {
		return Message{}, invalid("pipeline_id", "missing pipeline id")
	}
	if !d.Kind.Valid() {
		return Message{}, invalid("decision", fmt.Sprintf("unknown decision %q", d.Kind))
	}
	stamp(&d.Timestamp, receivedAt)
	return Message{Kind: KindDelta, EntityID: d.PipelineID, Timestamp: d.Timestamp, Body: d}, nil
}

func decodeToolCall(phase ToolPhase) decoder {
	return func(raw []byte, _ map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
		var tc ToolCall
		if err := json.Unmarshal(raw, &tc); err != nil {
			return Message{}, err
		}
		if tc.PipelineID == "" {
			return Message{}, invalid("pipeline_id", "missing pipeline id")
		}
		if tc.Tool == "" {
			return Message{}, invalid("tool", "missing tool name")
		}
		if tc.State != "" && !tc.State.Valid() {
			return Message{}, invalid("state", fmt.Sprintf("unknown state %q", tc.State))
		}
		tc.Phase = phase
		stamp(&tc.Timestamp, receivedAt)
		return Message{Kind: KindDelta, EntityID: tc.PipelineID, Timestamp: tc.Timestamp, Body: tc}, nil
	}
}

func decodeStateChange(raw []byte, _ map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
	var sc StateChange
	if err := json.Unmarshal(raw, &sc); err != nil {
		return Message{}, err
	}
	if sc.PipelineID == "" {
		return Message{}, invalid("pipeline_id", "missing pipeline id")
	}
	if !sc.OldState.Valid() {
		return Message{}, invalid("old_state", fmt.Sprintf("unknown state %q", sc.OldState))
	}
	if !sc.NewState.Valid() {
		return Message{}, invalid("new_state", fmt.Sprintf("unknown state %q", sc.NewState))
	}
	if sc.Iteration < 0 {
		return Message{}, invalid("iteration", "must be non-negative")
	}
	stamp(&sc.Timestamp, receivedAt)
	return Message{Kind: KindDelta, EntityID: sc.PipelineID, Timestamp: sc.Timestamp, Body: sc}, nil
}

func decodeCounters(raw []byte, _ map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
	var up CountersUpdate
	if err := json.Unmarshal(raw, &up); err != nil {
		return Message{}, err
	}
	if up.PipelineID == "" {
		return Message{}, invalid("pipeline_id", "missing pipeline id")
	}
	stamp(&up.Timestamp, receivedAt)
	return Message{Kind: KindDelta, EntityID: up.PipelineID, Timestamp: up.Timestamp, Body: up}, nil
}

func decodeSecurityAlert(raw []byte, _ map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
	var alert SecurityAlert
	if err := json.Unmarshal(raw, &alert); err != nil {
		return Message{}, err
	}
	if alert.ID == "" {
		return Message{}, invalid("id", "missing alert id")
	}
	if alert.State == "" {
		alert.State = ResolutionOpen
	}
	stamp(&alert.Timestamp, receivedAt)
	return Message{Kind: KindFull, EntityID: alert.ID, Timestamp: alert.Timestamp, Body: alert}, nil
}

func decodeReview(raw []byte, _ map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
	var review PendingReview
	if err := json.Unmarshal(raw, &review); err != nil {
		return Message{}, err
	}
	if review.ID == "" {
		return Message{}, invalid("id", "missing review id")
	}
	if review.State == "" {
		review.State = ResolutionOpen
	}
	stamp(&review.Timestamp, receivedAt)
	return Message{Kind: KindFull, EntityID: review.ID, Timestamp: review.Timestamp, Body: review}, nil
}

func decodeElevatedCommand(raw []byte, _ map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
	var req ElevatedCommandRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return Message{}, err
	}
	if req.ID == "" {
		return Message{}, invalid("id", "missing request id")
	}
	if req.Command == "" {
		return Message{}, invalid("command", "missing command")
	}
	if req.State == "" {
		req.State = ResolutionOpen
	}
	stamp(&req.Timestamp, receivedAt)
	return Message{Kind: KindFull, EntityID: req.ID, Timestamp: req.Timestamp, Body: req}, nil
}

// decodeResolution decodes a closing event. A non-empty fixed state is
// forced; otherwise the payload must name approved or denied.
func decodeResolution(fixed Resolution) decoder {
	return func(raw []byte, _ map[string]json.RawMessage, receivedAt time.Time) (Message, error) {
		var up ResolutionUpdate
		if err := json.Unmarshal(raw, &up); err != nil {
			return Message{}, err
		}
		if up.ID == "" {
			return Message{}, invalid("id", "missing id")
		}
		if fixed != "" {
			up.State = fixed
		} else if up.State != ResolutionApproved && up.State != ResolutionDenied {
			return Message{}, invalid("state", fmt.Sprintf("must be approved or denied, got %q", up.State))
		}
		stamp(&up.Timestamp, receivedAt)
		return Message{Kind: KindDelta, EntityID: up.ID, Timestamp: up.Timestamp, Body: up}, nil
	}
}

func stamp(t *time.Time, fallback time.Time) {
	if t.IsZero() {
		*t = fallback
	}
}

func invalid(field, detail string) error {
	return errors.NewMalformedPayloadError("", nil).WithField(field).WithDetail(detail)
}
