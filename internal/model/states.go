// Package model defines the shared entities, states, and error kinds of the
// workflow orchestration core: named task templates, step templates, tasks,
// workflow steps, edges, and the append-only transition log that backs both
// state machines.
package model

// State is the shared vocabulary used by both the step and task state
// machines.
type State string

const (
	StatePending          State = "PENDING"
	StateInProgress       State = "IN_PROGRESS"
	StateComplete         State = "COMPLETE"
	StateError            State = "ERROR"
	StateCancelled        State = "CANCELLED"
	StateResolvedManually State = "RESOLVED_MANUALLY"
)

// Unset represents the absent from_state of the very first transition a step
// or task ever records.
const Unset State = ""

// StepTerminalStates are absorbing: once reached, no further transitions for
// that step are legal.
var StepTerminalStates = map[State]bool{
	StateComplete:         true,
	StateCancelled:        true,
	StateResolvedManually: true,
}

// IsStepTerminal reports whether s is an absorbing step state. ERROR is
// deliberately not terminal: a retry can return a step to PENDING.
func IsStepTerminal(s State) bool {
	return StepTerminalStates[s]
}

// ExecutionStatus classifies a task's aggregate readiness.
type ExecutionStatus string

const (
	ExecHasReadySteps          ExecutionStatus = "HAS_READY_STEPS"
	ExecProcessing             ExecutionStatus = "PROCESSING"
	ExecBlockedByFailures      ExecutionStatus = "BLOCKED_BY_FAILURES"
	ExecAllComplete            ExecutionStatus = "ALL_COMPLETE"
	ExecWaitingForDependencies ExecutionStatus = "WAITING_FOR_DEPENDENCIES"
)

// RecommendedAction accompanies an ExecutionStatus for the Finalizer.
type RecommendedAction string

const (
	ActionExecuteReadySteps   RecommendedAction = "EXECUTE_READY_STEPS"
	ActionWaitForCompletion   RecommendedAction = "WAIT_FOR_COMPLETION"
	ActionHandleFailures      RecommendedAction = "HANDLE_FAILURES"
	ActionFinalizeTask        RecommendedAction = "FINALIZE_TASK"
	ActionWaitForDependencies RecommendedAction = "WAIT_FOR_DEPENDENCIES"
)

// BlockingReason is the derived, human-diagnosable reason a step is not
// ready for execution.
type BlockingReason string

const (
	BlockingNone                     BlockingReason = ""
	BlockingDependenciesNotSatisfied BlockingReason = "dependencies_not_satisfied"
	BlockingRetryNotEligible         BlockingReason = "retry_not_eligible"
	BlockingInvalidState             BlockingReason = "invalid_state"
	BlockingUnknown                  BlockingReason = "unknown"
)
