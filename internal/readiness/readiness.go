// Package readiness implements the step-readiness evaluator: for every step
// of a task, whether it may execute now and why, plus the aggregate
// execution context the Finalizer classifies.
package readiness

import (
	"context"
	"time"

	"github.com/taskforge/workflowengine/internal/backoff"
	"github.com/taskforge/workflowengine/internal/model"
	"github.com/taskforge/workflowengine/internal/store"
)

// Record is one step's readiness diagnostic row.
type Record struct {
	StepID                string
	CurrentState          model.State
	DependenciesSatisfied bool
	RetryEligible         bool
	ReadyForExecution     bool
	BlockingReason        model.BlockingReason
	NextRetryAt           time.Time
	TotalParents          int
	CompletedParents      int
	LastAttemptedAt       time.Time
}

// ExecutionContext is the aggregate readiness summary for one task.
type ExecutionContext struct {
	TaskID               string
	TotalSteps           int
	Pending              int
	InProgress           int
	Completed            int
	Failed               int
	Ready                int
	CompletionPercentage float64
	ExecutionStatus      model.ExecutionStatus
	RecommendedAction    model.RecommendedAction
}

// Evaluator computes readiness records and execution contexts from a single
// store snapshot per task, so evaluating N steps costs O(N) rows read
// rather than O(N) round trips.
type Evaluator struct {
	store  store.Store
	policy backoff.Policy
}

// New builds an Evaluator over store s using backoff policy p.
func New(s store.Store, p backoff.Policy) *Evaluator {
	return &Evaluator{store: s, policy: p}
}

// Evaluate returns readiness records for every step of taskID and the
// task's aggregate execution context.
func (e *Evaluator) Evaluate(ctx context.Context, taskID string) ([]Record, ExecutionContext, error) {
	snap, err := e.store.Snapshot(ctx, taskID)
	if err != nil {
		return nil, ExecutionContext{}, err
	}
	return evaluateSnapshot(snap, e.policy)
}

// EvaluateBatch is the multi-task form of Evaluate, reading every task's
// snapshot in one store round trip.
func (e *Evaluator) EvaluateBatch(ctx context.Context, taskIDs []string) (map[string][]Record, map[string]ExecutionContext, error) {
	snaps, err := e.store.SnapshotBatch(ctx, taskIDs)
	if err != nil {
		return nil, nil, err
	}
	records := make(map[string][]Record, len(snaps))
	contexts := make(map[string]ExecutionContext, len(snaps))
	for _, snap := range snaps {
		recs, execCtx, err := evaluateSnapshot(snap, e.policy)
		if err != nil {
			return nil, nil, err
		}
		records[snap.Task.TaskID] = recs
		contexts[snap.Task.TaskID] = execCtx
	}
	return records, contexts, nil
}

func evaluateSnapshot(snap store.TaskSnapshot, policy backoff.Policy) ([]Record, ExecutionContext, error) {
	parents := make(map[string][]string, len(snap.Steps))
	for _, edge := range snap.Edges {
		parents[edge.ToStep] = append(parents[edge.ToStep], edge.FromStep)
	}
	byID := make(map[string]store.StepRecord, len(snap.Steps))
	for _, st := range snap.Steps {
		byID[st.StepID] = st
	}

	records := make([]Record, 0, len(snap.Steps))
	execCtx := ExecutionContext{TaskID: snap.Task.TaskID, TotalSteps: len(snap.Steps)}

	for _, st := range snap.Steps {
		rec := evaluateStep(st, parents[st.StepID], byID, policy, snap.Task.TaskID)
		records = append(records, rec)

		switch {
		case st.CurrentState == model.StatePending:
			execCtx.Pending++
		case st.CurrentState == model.StateInProgress:
			execCtx.InProgress++
		case st.CurrentState == model.StateComplete, st.CurrentState == model.StateResolvedManually:
			execCtx.Completed++
		case st.CurrentState == model.StateError && retryExhausted(st):
			// Only a retry-exhausted or non-retryable failure blocks the
			// task; a step still waiting out its backoff timer is neither
			// failed nor ready, so it falls into the waiting bucket below.
			execCtx.Failed++
		}
		if rec.ReadyForExecution {
			execCtx.Ready++
		}
	}

	if execCtx.TotalSteps > 0 {
		execCtx.CompletionPercentage = 100 * float64(execCtx.Completed) / float64(execCtx.TotalSteps)
	}
	execCtx.ExecutionStatus, execCtx.RecommendedAction = classify(execCtx)

	return records, execCtx, nil
}

// retryExhausted reports whether a failed step will never become ready
// again on its own: either it was marked non-retryable at instantiation, or
// it has used up every attempt.
func retryExhausted(st store.StepRecord) bool {
	return !st.Retryable || st.Attempts >= st.RetryLimit
}

func evaluateStep(st store.StepRecord, parentIDs []string, byID map[string]store.StepRecord, policy backoff.Policy, taskID string) Record {
	totalParents := len(parentIDs)
	completedParents := 0
	for _, pid := range parentIDs {
		if parent, ok := byID[pid]; ok {
			if parent.CurrentState == model.StateComplete || parent.CurrentState == model.StateResolvedManually {
				completedParents++
			}
		}
	}
	dependenciesSatisfied := completedParents == totalParents

	var overridePtr *int64
	if st.HasBackoffOverride {
		v := st.BackoffRequestSeconds
		overridePtr = &v
	}
	deadline := policy.Deadline(taskID, st.StepID, st.Attempts, st.LastAttemptedAt, st.LastFailureAt, overridePtr)

	backoffSatisfied := deadline.IsZero() || !time.Now().Before(deadline)
	// A step that has never been attempted is trivially retry-eligible: the
	// first execution is not a retry, so retry_limit only bounds what comes
	// after it. A retry_limit of 0 therefore means "run once, never again".
	retryEligible := (st.Attempts == 0 || st.Attempts < st.RetryLimit) && backoffSatisfied

	readyForExecution := (st.CurrentState == model.StatePending || st.CurrentState == model.StateError) &&
		dependenciesSatisfied && retryEligible

	blockingReason := model.BlockingNone
	switch {
	case readyForExecution:
		blockingReason = model.BlockingNone
	case !dependenciesSatisfied:
		blockingReason = model.BlockingDependenciesNotSatisfied
	case !retryEligible:
		blockingReason = model.BlockingRetryNotEligible
	case st.CurrentState != model.StatePending && st.CurrentState != model.StateError:
		blockingReason = model.BlockingInvalidState
	default:
		blockingReason = model.BlockingUnknown
	}

	return Record{
		StepID:                st.StepID,
		CurrentState:          st.CurrentState,
		DependenciesSatisfied: dependenciesSatisfied,
		RetryEligible:         retryEligible,
		ReadyForExecution:     readyForExecution,
		BlockingReason:        blockingReason,
		NextRetryAt:           deadline,
		TotalParents:          totalParents,
		CompletedParents:      completedParents,
		LastAttemptedAt:       st.LastAttemptedAt,
	}
}

func classify(ctx ExecutionContext) (model.ExecutionStatus, model.RecommendedAction) {
	if ctx.TotalSteps == 0 || ctx.Completed == ctx.TotalSteps {
		return model.ExecAllComplete, model.ActionFinalizeTask
	}
	if ctx.Ready > 0 {
		return model.ExecHasReadySteps, model.ActionExecuteReadySteps
	}
	if ctx.InProgress > 0 {
		return model.ExecProcessing, model.ActionWaitForCompletion
	}
	if ctx.Failed > 0 {
		return model.ExecBlockedByFailures, model.ActionHandleFailures
	}
	return model.ExecWaitingForDependencies, model.ActionWaitForDependencies
}
