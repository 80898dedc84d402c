package readiness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskforge/workflowengine/internal/backoff"
	"github.com/taskforge/workflowengine/internal/model"
	"github.com/taskforge/workflowengine/internal/store"
)

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "readiness.db"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEvaluateFanOutReadyAfterRootCompletes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	task := model.Task{TaskID: "t1", CreatedAt: time.Now()}
	steps := []model.WorkflowStep{
		{StepID: "A", TaskRef: "t1", NamedStepRef: "A", RetryLimit: 3, Retryable: true},
		{StepID: "B", TaskRef: "t1", NamedStepRef: "B", RetryLimit: 3, Retryable: true},
		{StepID: "C", TaskRef: "t1", NamedStepRef: "C", RetryLimit: 3, Retryable: true},
	}
	edges := []model.StepEdge{
		{TaskRef: "t1", FromStep: "A", ToStep: "B"},
		{TaskRef: "t1", FromStep: "A", ToStep: "C"},
	}
	if err := s.CreateTask(ctx, task, steps, edges); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	eval := New(s, backoff.DefaultPolicy())
	records, execCtx, err := eval.Evaluate(ctx, "t1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if execCtx.ExecutionStatus != model.ExecHasReadySteps {
		t.Fatalf("expected HAS_READY_STEPS before A runs, got %s", execCtx.ExecutionStatus)
	}

	byID := make(map[string]Record, len(records))
	for _, r := range records {
		byID[r.StepID] = r
	}
	if !byID["A"].ReadyForExecution {
		t.Fatalf("root step A should be ready, got %+v", byID["A"])
	}
	if byID["B"].ReadyForExecution || byID["B"].BlockingReason != model.BlockingDependenciesNotSatisfied {
		t.Fatalf("B should be blocked on dependencies, got %+v", byID["B"])
	}

	if _, err := s.AppendStepTransition(ctx, "A", model.StatePending, model.StateInProgress, nil); err != nil {
		t.Fatalf("A->IN_PROGRESS: %v", err)
	}
	if _, err := s.AppendStepTransition(ctx, "A", model.StateInProgress, model.StateComplete, nil); err != nil {
		t.Fatalf("A->COMPLETE: %v", err)
	}

	records, execCtx, err = eval.Evaluate(ctx, "t1")
	if err != nil {
		t.Fatalf("Evaluate after A completes: %v", err)
	}
	byID = make(map[string]Record, len(records))
	for _, r := range records {
		byID[r.StepID] = r
	}
	if !byID["B"].ReadyForExecution || !byID["C"].ReadyForExecution {
		t.Fatalf("B and C should be ready once A completes, got B=%+v C=%+v", byID["B"], byID["C"])
	}
	if execCtx.ExecutionStatus != model.ExecHasReadySteps {
		t.Fatalf("expected HAS_READY_STEPS, got %s", execCtx.ExecutionStatus)
	}
}

func TestEvaluateRetryExhaustedStepBlocksTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := model.Task{TaskID: "t1", CreatedAt: time.Now()}
	step := model.WorkflowStep{StepID: "A", TaskRef: "t1", NamedStepRef: "A", RetryLimit: 2, Retryable: true}
	if err := s.CreateTask(ctx, task, []model.WorkflowStep{step}, nil); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.AppendStepTransition(ctx, "A", model.StatePending, model.StateInProgress, nil); err != nil {
		t.Fatalf("->IN_PROGRESS: %v", err)
	}
	if _, err := s.AppendStepTransition(ctx, "A", model.StateInProgress, model.StateError, nil); err != nil {
		t.Fatalf("->ERROR: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if err := s.RecordAttempt(ctx, "A", 2, past, past, nil, nil); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	eval := New(s, backoff.DefaultPolicy())
	_, execCtx, err := eval.Evaluate(ctx, "t1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if execCtx.ExecutionStatus != model.ExecBlockedByFailures {
		t.Fatalf("expected BLOCKED_BY_FAILURES for a retry-exhausted step, got %s", execCtx.ExecutionStatus)
	}
	if execCtx.Failed != 1 {
		t.Fatalf("expected 1 failed step, got %d", execCtx.Failed)
	}
}

func TestEvaluateBackoffWaitingStepIsNotCountedAsFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := model.Task{TaskID: "t1", CreatedAt: time.Now()}
	step := model.WorkflowStep{StepID: "A", TaskRef: "t1", NamedStepRef: "A", RetryLimit: 5, Retryable: true}
	if err := s.CreateTask(ctx, task, []model.WorkflowStep{step}, nil); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.AppendStepTransition(ctx, "A", model.StatePending, model.StateInProgress, nil); err != nil {
		t.Fatalf("->IN_PROGRESS: %v", err)
	}
	if _, err := s.AppendStepTransition(ctx, "A", model.StateInProgress, model.StateError, nil); err != nil {
		t.Fatalf("->ERROR: %v", err)
	}
	now := time.Now()
	if err := s.RecordAttempt(ctx, "A", 1, now, now, nil, nil); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	eval := New(s, backoff.DefaultPolicy())
	records, execCtx, err := eval.Evaluate(ctx, "t1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if execCtx.Failed != 0 {
		t.Fatalf("a step still waiting out its backoff should not count as failed, got %d", execCtx.Failed)
	}
	if execCtx.ExecutionStatus != model.ExecWaitingForDependencies {
		t.Fatalf("expected WAITING_FOR_DEPENDENCIES while A waits out backoff, got %s", execCtx.ExecutionStatus)
	}
	if records[0].NextRetryAt.Before(now) {
		t.Fatalf("expected a future next_retry_at, got %s (now=%s)", records[0].NextRetryAt, now)
	}
}

func TestEvaluateNonRetryableFailureIsImmediatelyExhausted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := model.Task{TaskID: "t1", CreatedAt: time.Now()}
	step := model.WorkflowStep{StepID: "A", TaskRef: "t1", NamedStepRef: "A", RetryLimit: 5, Retryable: false}
	if err := s.CreateTask(ctx, task, []model.WorkflowStep{step}, nil); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.AppendStepTransition(ctx, "A", model.StatePending, model.StateInProgress, nil); err != nil {
		t.Fatalf("->IN_PROGRESS: %v", err)
	}
	if _, err := s.AppendStepTransition(ctx, "A", model.StateInProgress, model.StateError, nil); err != nil {
		t.Fatalf("->ERROR: %v", err)
	}
	now := time.Now()
	if err := s.RecordAttempt(ctx, "A", 1, now, now, nil, nil); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	eval := New(s, backoff.DefaultPolicy())
	_, execCtx, err := eval.Evaluate(ctx, "t1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if execCtx.ExecutionStatus != model.ExecBlockedByFailures {
		t.Fatalf("a non-retryable step's first failure should already block the task, got %s", execCtx.ExecutionStatus)
	}
}
