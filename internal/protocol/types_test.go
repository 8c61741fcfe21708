package protocol

import (
	"encoding/json"
	"testing"
)

func TestCounters_Merge(t *testing.T) {
	a := Counters{GeneratedSkills: 3, GeneratedSubagents: 1}
	b := Counters{GeneratedSkills: 2, GeneratedSubagents: 4, ClaudeMDGenerated: true}

	got := a.Merge(b)
	want := Counters{GeneratedSkills: 3, GeneratedSubagents: 4, ClaudeMDGenerated: true}
	if got != want {
		t.Errorf("Merge() = %+v, want %+v", got, want)
	}
	if b.Merge(a) != want {
		t.Error("Merge() should be commutative")
	}
}

func TestPipeline_Clone(t *testing.T) {
	p := Pipeline{
		ID:           "p1",
		Steps:        []Step{{Number: 1, Output: json.RawMessage(`{"a":1}`)}},
		Orchestrator: &OrchestratorSnapshot{State: StatePlanning},
	}
	c := p.Clone()
	c.Steps[0].Number = 9
	c.Steps[0].Output[2] = 'b'
	c.Orchestrator.State = StateExecuting

	if p.Steps[0].Number != 1 {
		t.Error("clone shares step slice")
	}
	if string(p.Steps[0].Output) != `{"a":1}` {
		t.Error("clone shares step output")
	}
	if p.Orchestrator.State != StatePlanning {
		t.Error("clone shares orchestrator snapshot")
	}
}

func TestPipeline_Step(t *testing.T) {
	p := Pipeline{Steps: []Step{{Number: 1}, {Number: 3, Role: RoleVerifying}}}
	s, ok := p.Step(3)
	if !ok || s.Role != RoleVerifying {
		t.Errorf("Step(3) = %+v, %v", s, ok)
	}
	if _, ok := p.Step(2); ok {
		t.Error("Step(2) should not be found")
	}
}

func TestOrchestratorState(t *testing.T) {
	for _, s := range []OrchestratorState{StateCompleted, StateGaveUp} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrchestratorState{StateIdle, StatePlanning, StateExecuting, StateVerifying} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if OrchestratorState("sleeping").Valid() {
		t.Error("unknown state should be invalid")
	}
}

func TestTopics(t *testing.T) {
	topics := Topics()
	if len(topics) != 28 {
		t.Errorf("len(Topics()) = %d, want 28", len(topics))
	}
	topics[0] = "mutated"
	if Topics()[0] != TopicAgentStatus {
		t.Error("Topics() should return a copy")
	}

	if !TopicAutoPipelineDecision.IsAuto() {
		t.Error("auto_pipeline.decision should be auto")
	}
	if TopicPipelineCreated.IsAuto() {
		t.Error("pipeline.created should not be auto")
	}
}
