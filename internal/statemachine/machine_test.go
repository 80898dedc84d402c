package statemachine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/taskforge/workflowengine/internal/eventbus"
	"github.com/taskforge/workflowengine/internal/model"
	"github.com/taskforge/workflowengine/internal/store"
)

func newTestStoreAndBus(t *testing.T) (*store.BoltStore, *eventbus.Bus) {
	t.Helper()
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "sm.db"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	bus, err := eventbus.NewDefault()
	if err != nil {
		t.Fatalf("NewDefault bus: %v", err)
	}
	return s, bus
}

func TestEventMapsLoadWithoutDrift(t *testing.T) {
	if _, _, err := loadEventMaps(); err != nil {
		t.Fatalf("expected events.yaml and fallback tables to agree, got %v", err)
	}
}

func TestStepMachineLegalTransitionEmitsEvent(t *testing.T) {
	ctx := context.Background()
	s, bus := newTestStoreAndBus(t)
	_ = s.CreateTask(ctx, model.Task{TaskID: "t1"}, []model.WorkflowStep{{StepID: "s1", TaskRef: "t1", RetryLimit: 3}}, nil)

	var gotEvent eventbus.Event
	if err := bus.Subscribe("step.execution_requested", func(ev eventbus.Event) { gotEvent = ev }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sm, err := NewStepMachine(s, bus, 3)
	if err != nil {
		t.Fatalf("NewStepMachine: %v", err)
	}

	_, err = sm.Transition(ctx, StepInput{
		StepID: "s1", TaskID: "t1", Current: model.StatePending, Target: model.StateInProgress,
		DependenciesSatisfied: true,
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if gotEvent.Name != "step.execution_requested" || gotEvent.StepID != "s1" {
		t.Fatalf("expected step.execution_requested event, got %+v", gotEvent)
	}
}

func TestStepMachineGuardRejectsMissingDependencies(t *testing.T) {
	ctx := context.Background()
	s, bus := newTestStoreAndBus(t)
	_ = s.CreateTask(ctx, model.Task{TaskID: "t1"}, []model.WorkflowStep{{StepID: "s1", TaskRef: "t1", RetryLimit: 3}}, nil)

	sm, _ := NewStepMachine(s, bus, 3)
	_, err := sm.Transition(ctx, StepInput{
		StepID: "s1", TaskID: "t1", Current: model.StatePending, Target: model.StateInProgress,
		DependenciesSatisfied: false,
	})
	var guard *model.GuardFailed
	if !errors.As(err, &guard) {
		t.Fatalf("expected GuardFailed, got %v", err)
	}
}

func TestStepMachineRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	s, bus := newTestStoreAndBus(t)
	_ = s.CreateTask(ctx, model.Task{TaskID: "t1"}, []model.WorkflowStep{{StepID: "s1", TaskRef: "t1", RetryLimit: 3}}, nil)

	sm, _ := NewStepMachine(s, bus, 3)
	_, err := sm.Transition(ctx, StepInput{StepID: "s1", TaskID: "t1", Current: model.StatePending, Target: model.StateComplete})
	var guard *model.GuardFailed
	if !errors.As(err, &guard) {
		t.Fatalf("expected GuardFailed for PENDING->COMPLETE, got %v", err)
	}
}

func TestStepMachineIdempotentNoOpEmitsNoEvent(t *testing.T) {
	ctx := context.Background()
	s, bus := newTestStoreAndBus(t)
	_ = s.CreateTask(ctx, model.Task{TaskID: "t1"}, []model.WorkflowStep{{StepID: "s1", TaskRef: "t1", RetryLimit: 3}}, nil)

	sm, _ := NewStepMachine(s, bus, 3)
	fired := 0
	_ = bus.Subscribe("step.completed", func(eventbus.Event) { fired++ })

	if _, err := sm.Transition(ctx, StepInput{StepID: "s1", TaskID: "t1", Current: model.StatePending, Target: model.StateInProgress, DependenciesSatisfied: true}); err != nil {
		t.Fatalf("transition to IN_PROGRESS: %v", err)
	}
	if _, err := sm.Transition(ctx, StepInput{StepID: "s1", TaskID: "t1", Current: model.StateInProgress, Target: model.StateComplete}); err != nil {
		t.Fatalf("transition to COMPLETE: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected exactly one step.completed event, got %d", fired)
	}

	if _, err := sm.Transition(ctx, StepInput{StepID: "s1", TaskID: "t1", Current: model.StateComplete, Target: model.StateComplete}); err != nil {
		t.Fatalf("idempotent re-transition should succeed: %v", err)
	}
	if fired != 1 {
		t.Fatalf("idempotent no-op should not re-emit an event, got %d fires", fired)
	}

	log, err := s.StepTransitions(ctx, "s1")
	if err != nil {
		t.Fatalf("StepTransitions: %v", err)
	}
	if len(log) != 2 {
		t.Fatalf("expected 2 transition rows (IN_PROGRESS, COMPLETE), got %d", len(log))
	}
}

func TestTaskMachineCompleteGuard(t *testing.T) {
	ctx := context.Background()
	s, bus := newTestStoreAndBus(t)
	_ = s.CreateTask(ctx, model.Task{TaskID: "t1"}, nil, nil)

	tm, err := NewTaskMachine(s, bus, 3)
	if err != nil {
		t.Fatalf("NewTaskMachine: %v", err)
	}

	if _, err := tm.Transition(ctx, TaskInput{TaskID: "t1", Current: model.StatePending, Target: model.StateInProgress}); err != nil {
		t.Fatalf("PENDING->IN_PROGRESS: %v", err)
	}

	_, err = tm.Transition(ctx, TaskInput{TaskID: "t1", Current: model.StateInProgress, Target: model.StateComplete, CanComplete: false})
	var guard *model.GuardFailed
	if !errors.As(err, &guard) {
		t.Fatalf("expected GuardFailed when CanComplete=false, got %v", err)
	}

	if _, err := tm.Transition(ctx, TaskInput{TaskID: "t1", Current: model.StateInProgress, Target: model.StateComplete, CanComplete: true}); err != nil {
		t.Fatalf("expected COMPLETE to succeed once CanComplete=true: %v", err)
	}
}
