package orchestrator

import (
	"slices"

	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// ValidTransitions defines which orchestrator state transitions are allowed.
// Any non-terminal state may additionally move to gave_up.
var ValidTransitions = map[protocol.OrchestratorState][]protocol.OrchestratorState{
	protocol.StateIdle: {
		protocol.StatePlanning,
	},

	// start_execution skips the ready state
	protocol.StatePlanning: {
		protocol.StateReadyForExecution,
		protocol.StateExecuting,
	},

	protocol.StateReadyForExecution: {
		protocol.StateExecuting,
	},

	protocol.StateExecuting: {
		protocol.StateVerifying,
	},

	// iterate and replan both loop back to planning
	protocol.StateVerifying: {
		protocol.StateCompleted,
		protocol.StatePlanning,
	},

	protocol.StateCompleted: {},
	protocol.StateGaveUp:    {},
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to protocol.OrchestratorState) bool {
	targets, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	if to == protocol.StateGaveUp {
		return !from.IsTerminal()
	}
	return slices.Contains(targets, to)
}

// DecisionTarget returns the state a decision moves the orchestrator to.
func DecisionTarget(kind protocol.DecisionKind) protocol.OrchestratorState {
	switch kind {
	case protocol.DecisionComplete:
		return protocol.StateCompleted
	case protocol.DecisionIterate, protocol.DecisionReplan:
		return protocol.StatePlanning
	case protocol.DecisionGiveUp:
		return protocol.StateGaveUp
	default:
		return ""
	}
}
