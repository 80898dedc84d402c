// Package statemachine implements the Step and Task state machines: fixed
// transition tables, business guards, idempotent no-op handling, and
// transition-to-event mapping. Persistence is delegated to
// internal/store; event emission to internal/eventbus.
package statemachine

import "github.com/taskforge/workflowengine/internal/model"

// table is an adjacency set of legal from->to transitions.
type table map[model.State]map[model.State]bool

func (t table) allowed(from, to model.State) bool {
	return t[from][to]
}

// stepTable is the step state machine's fixed transition table.
var stepTable = table{
	model.StatePending: {
		model.StateInProgress:       true,
		model.StateError:            true,
		model.StateCancelled:        true,
		model.StateResolvedManually: true,
	},
	model.StateInProgress: {
		model.StateComplete:  true,
		model.StateError:     true,
		model.StateCancelled: true,
	},
	model.StateError: {
		model.StatePending:          true,
		model.StateResolvedManually: true,
	},
}

// taskTable is the task state machine's fixed transition table.
var taskTable = table{
	model.StatePending: {
		model.StateInProgress: true,
		model.StateCancelled:  true,
		model.StateError:      true,
	},
	model.StateInProgress: {
		model.StateComplete:  true,
		model.StateError:     true,
		model.StateCancelled: true,
		model.StatePending:   true,
	},
	model.StateError: {
		model.StatePending:          true,
		model.StateResolvedManually: true,
	},
	model.StateComplete: {
		model.StateCancelled: true,
	},
	model.StateResolvedManually: {
		model.StateCancelled: true,
	},
}
