package finalizer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskforge/workflowengine/internal/backoff"
	"github.com/taskforge/workflowengine/internal/config"
	"github.com/taskforge/workflowengine/internal/eventbus"
	"github.com/taskforge/workflowengine/internal/model"
	"github.com/taskforge/workflowengine/internal/readiness"
	"github.com/taskforge/workflowengine/internal/statemachine"
	"github.com/taskforge/workflowengine/internal/store"
	"github.com/taskforge/workflowengine/internal/telemetry"
)

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "finalizer.db"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newFinalizer builds a Finalizer over a real TaskMachine (which always
// needs its own bus to publish transition events on) while letting bus
// independently control what, if anything, the Finalizer itself publishes
// to — nil exercises the "no bus wired" path.
func newFinalizer(t *testing.T, s store.Store, bus *eventbus.Bus, onReady ReadyCallback) *Finalizer {
	t.Helper()
	machineBus, err := eventbus.NewDefault()
	if err != nil {
		t.Fatalf("eventbus.NewDefault: %v", err)
	}
	tasks, err := statemachine.NewTaskMachine(s, machineBus, 3)
	if err != nil {
		t.Fatalf("NewTaskMachine: %v", err)
	}
	eval := readiness.New(s, backoff.DefaultPolicy())
	return New(s, tasks, eval, config.Default().Backoff, telemetry.NewNoop(), bus, onReady)
}

func TestFinalizeAllCompleteTransitionsTaskToComplete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := model.Task{TaskID: "t1", CreatedAt: time.Now()}
	step := model.WorkflowStep{StepID: "A", TaskRef: "t1", NamedStepRef: "A", RetryLimit: 3, Retryable: true}
	if err := s.CreateTask(ctx, task, []model.WorkflowStep{step}, nil); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.AppendTaskTransition(ctx, "t1", model.StatePending, model.StateInProgress, nil); err != nil {
		t.Fatalf("task ->IN_PROGRESS: %v", err)
	}
	if _, err := s.AppendStepTransition(ctx, "A", model.StatePending, model.StateInProgress, nil); err != nil {
		t.Fatalf("step ->IN_PROGRESS: %v", err)
	}
	if _, err := s.AppendStepTransition(ctx, "A", model.StateInProgress, model.StateComplete, nil); err != nil {
		t.Fatalf("step ->COMPLETE: %v", err)
	}

	f := newFinalizer(t, s, nil, nil)
	decision, err := f.Finalize(ctx, "t1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !decision.Finalized || decision.FinalState != model.StateComplete {
		t.Fatalf("expected a finalized COMPLETE decision, got %+v", decision)
	}

	log, err := s.TaskTransitions(ctx, "t1")
	if err != nil {
		t.Fatalf("TaskTransitions: %v", err)
	}
	if log[len(log)-1].ToState != model.StateComplete {
		t.Fatalf("expected the task's last transition to be COMPLETE, got %s", log[len(log)-1].ToState)
	}
}

func TestFinalizeRetryExhaustedTransitionsTaskToError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := model.Task{TaskID: "t1", CreatedAt: time.Now()}
	step := model.WorkflowStep{StepID: "A", TaskRef: "t1", NamedStepRef: "A", RetryLimit: 1, Retryable: true}
	if err := s.CreateTask(ctx, task, []model.WorkflowStep{step}, nil); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.AppendTaskTransition(ctx, "t1", model.StatePending, model.StateInProgress, nil); err != nil {
		t.Fatalf("task ->IN_PROGRESS: %v", err)
	}
	if _, err := s.AppendStepTransition(ctx, "A", model.StatePending, model.StateInProgress, nil); err != nil {
		t.Fatalf("step ->IN_PROGRESS: %v", err)
	}
	if _, err := s.AppendStepTransition(ctx, "A", model.StateInProgress, model.StateError, nil); err != nil {
		t.Fatalf("step ->ERROR: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if err := s.RecordAttempt(ctx, "A", 1, past, past, nil, nil); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	f := newFinalizer(t, s, nil, nil)
	decision, err := f.Finalize(ctx, "t1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !decision.Finalized || decision.FinalState != model.StateError {
		t.Fatalf("expected a finalized ERROR decision, got %+v", decision)
	}
}

func TestFinalizeWaitingOnDependenciesSchedulesReenqueueAndPublishesEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := model.Task{TaskID: "t1", CreatedAt: time.Now()}
	steps := []model.WorkflowStep{
		{StepID: "A", TaskRef: "t1", NamedStepRef: "A", RetryLimit: 3, Retryable: true},
		{StepID: "B", TaskRef: "t1", NamedStepRef: "B", RetryLimit: 3, Retryable: true},
	}
	edges := []model.StepEdge{{TaskRef: "t1", FromStep: "A", ToStep: "B"}}
	if err := s.CreateTask(ctx, task, steps, edges); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.AppendTaskTransition(ctx, "t1", model.StatePending, model.StateInProgress, nil); err != nil {
		t.Fatalf("task ->IN_PROGRESS: %v", err)
	}
	if _, err := s.AppendStepTransition(ctx, "A", model.StatePending, model.StateInProgress, nil); err != nil {
		t.Fatalf("A ->IN_PROGRESS: %v", err)
	}
	if _, err := s.AppendStepTransition(ctx, "A", model.StateInProgress, model.StateError, nil); err != nil {
		t.Fatalf("A ->ERROR: %v", err)
	}
	now := time.Now()
	if err := s.RecordAttempt(ctx, "A", 1, now, now, nil, nil); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	bus := eventbus.New([]string{"task.reenqueued"})
	received := make(chan eventbus.Event, 1)
	if err := bus.Subscribe("task.reenqueued", func(ev eventbus.Event) { received <- ev }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	f := newFinalizer(t, s, bus, nil)
	decision, err := f.Finalize(ctx, "t1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if decision.Finalized {
		t.Fatalf("expected a non-finalized re-enqueue decision while A waits out backoff, got %+v", decision)
	}
	if decision.Delay <= 0 {
		t.Fatalf("expected a positive re-enqueue delay, got %s", decision.Delay)
	}

	select {
	case ev := <-received:
		if ev.TaskID != "t1" {
			t.Fatalf("expected task.reenqueued for t1, got %+v", ev)
		}
	default:
		t.Fatalf("expected task.reenqueued to be published synchronously by Finalize")
	}
}

func TestReenqueueDelayNeverLessThanSoonestRetry(t *testing.T) {
	cfg := config.Default().Backoff
	cfg.ReenqueueDelays.WaitingForDependencies = 5 * time.Second
	cfg.BufferSeconds = 2 * time.Second
	f := &Finalizer{cfg: cfg}

	soon := time.Now().Add(30 * time.Second)
	records := []readiness.Record{{StepID: "A", NextRetryAt: soon}}

	delay := f.reenqueueDelay(model.ExecWaitingForDependencies, records)
	minExpected := time.Until(soon)
	if delay < minExpected {
		t.Fatalf("expected delay (%s) to cover the soonest retry (%s)", delay, minExpected)
	}
}

func TestRunOnceFiresExactlyOnce(t *testing.T) {
	target := time.Now().Add(time.Minute)
	sched := runOnce(target)

	next := sched.Next(target.Add(-time.Second))
	if !next.Equal(target) {
		t.Fatalf("expected Next before target to return target, got %s", next)
	}

	next = sched.Next(target.Add(time.Second))
	if !next.IsZero() {
		t.Fatalf("expected Next after target to return the zero time (no further firing), got %s", next)
	}
}
