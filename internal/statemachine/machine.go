package statemachine

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskforge/workflowengine/internal/eventbus"
	"github.com/taskforge/workflowengine/internal/model"
	"github.com/taskforge/workflowengine/internal/store"
)

// StepInput carries the identity and timing fields needed both to guard a
// step transition and to build its event payload.
type StepInput struct {
	StepID                string
	TaskID                string
	StepName              string
	Current               model.State
	Target                model.State
	DependenciesSatisfied bool // only consulted for Target == IN_PROGRESS
	StartedAt             time.Time
	CompletedAt           time.Time
	AttemptNumber         int
	ErrorMessage          string
	ExceptionClass        string
	Metadata              map[string]any
}

// TaskInput is the task-level analogue of StepInput.
type TaskInput struct {
	TaskID      string
	Current     model.State
	Target      model.State
	CanComplete bool // only consulted for Target == COMPLETE
	Metadata    map[string]any
}

// StepMachine enforces the step state machine's legal transitions and
// business guard, persists transitions through internal/store (with
// StorageConflict retry), and emits the mapped event on internal/eventbus.
type StepMachine struct {
	store              store.Store
	bus                *eventbus.Bus
	events             EventMap
	maxConflictRetries int
	logger             *slog.Logger
}

// NewStepMachine builds a StepMachine, failing fast if events.yaml diverges
// from its in-code fallback table.
func NewStepMachine(s store.Store, bus *eventbus.Bus, maxConflictRetries int) (*StepMachine, error) {
	stepMap, _, err := loadEventMaps()
	if err != nil {
		return nil, err
	}
	if maxConflictRetries <= 0 {
		maxConflictRetries = store.DefaultMaxConflictRetries
	}
	return &StepMachine{
		store:              s,
		bus:                bus,
		events:              stepMap,
		maxConflictRetries: maxConflictRetries,
		logger:             slog.Default().With("component", "statemachine.step"),
	}, nil
}

// Transition attempts to move a step from in.Current to in.Target. A
// transition to the current state is an idempotent no-op: it returns
// success without appending a row or emitting an event.
func (m *StepMachine) Transition(ctx context.Context, in StepInput) (model.StepTransition, error) {
	if in.Target == in.Current {
		return store.AppendStepTransitionWithRetry(ctx, m.store, in.StepID, in.Current, in.Target, in.Metadata, m.maxConflictRetries)
	}

	if !stepTable.allowed(in.Current, in.Target) {
		return model.StepTransition{}, &model.GuardFailed{From: in.Current, To: in.Target, Reason: "transition not in step state machine's table"}
	}
	if in.Target == model.StateInProgress && !in.DependenciesSatisfied {
		return model.StepTransition{}, &model.GuardFailed{From: in.Current, To: in.Target, Reason: "dependencies not satisfied"}
	}

	row, err := store.AppendStepTransitionWithRetry(ctx, m.store, in.StepID, in.Current, in.Target, in.Metadata, m.maxConflictRetries)
	if err != nil {
		return model.StepTransition{}, err
	}

	m.emit(in, row.CreatedAt)
	return row, nil
}

func (m *StepMachine) emit(in StepInput, transitionedAt time.Time) {
	name, ok := m.events.Lookup(in.Current, in.Target)
	if !ok {
		m.logger.Warn("step transition has no mapped event", "from", in.Current, "to", in.Target, "step_id", in.StepID)
		return
	}
	if m.bus == nil {
		return
	}

	started := in.StartedAt
	if started.IsZero() {
		started = transitionedAt
	}
	completed := in.CompletedAt
	if completed.IsZero() {
		completed = transitionedAt
	}

	m.bus.Publish(eventbus.Event{
		Name:              name,
		TaskID:            in.TaskID,
		StepID:            in.StepID,
		StepName:          in.StepName,
		FromState:         in.Current,
		ToState:           in.Target,
		TransitionedAt:    transitionedAt,
		StartedAt:         started,
		CompletedAt:       completed,
		ExecutionDuration: completed.Sub(started),
		AttemptNumber:     in.AttemptNumber,
		ErrorMessage:      in.ErrorMessage,
		ExceptionClass:    in.ExceptionClass,
	})
}

// TaskMachine is the task-level analogue of StepMachine.
type TaskMachine struct {
	store              store.Store
	bus                *eventbus.Bus
	events             EventMap
	maxConflictRetries int
	logger             *slog.Logger
}

// NewTaskMachine builds a TaskMachine, failing fast on the same event-map
// divergence check as NewStepMachine.
func NewTaskMachine(s store.Store, bus *eventbus.Bus, maxConflictRetries int) (*TaskMachine, error) {
	_, taskMap, err := loadEventMaps()
	if err != nil {
		return nil, err
	}
	if maxConflictRetries <= 0 {
		maxConflictRetries = store.DefaultMaxConflictRetries
	}
	return &TaskMachine{
		store:              s,
		bus:                bus,
		events:              taskMap,
		maxConflictRetries: maxConflictRetries,
		logger:             slog.Default().With("component", "statemachine.task"),
	}, nil
}

// Transition attempts to move a task from in.Current to in.Target. COMPLETE
// is only reachable when in.CanComplete is true; the caller computes that
// from the aggregate execution context. A transition to the current state
// is an idempotent no-op.
func (m *TaskMachine) Transition(ctx context.Context, in TaskInput) (model.TaskTransition, error) {
	if in.Target == in.Current {
		return store.AppendTaskTransitionWithRetry(ctx, m.store, in.TaskID, in.Current, in.Target, in.Metadata, m.maxConflictRetries)
	}

	if !taskTable.allowed(in.Current, in.Target) {
		return model.TaskTransition{}, &model.GuardFailed{From: in.Current, To: in.Target, Reason: "transition not in task state machine's table"}
	}
	if in.Target == model.StateComplete && !in.CanComplete {
		return model.TaskTransition{}, &model.GuardFailed{From: in.Current, To: in.Target, Reason: "steps remain pending, in-progress, or in error"}
	}

	row, err := store.AppendTaskTransitionWithRetry(ctx, m.store, in.TaskID, in.Current, in.Target, in.Metadata, m.maxConflictRetries)
	if err != nil {
		return model.TaskTransition{}, err
	}

	m.emit(in, row.CreatedAt)
	return row, nil
}

func (m *TaskMachine) emit(in TaskInput, transitionedAt time.Time) {
	name, ok := m.events.Lookup(in.Current, in.Target)
	if !ok {
		m.logger.Warn("task transition has no mapped event", "from", in.Current, "to", in.Target, "task_id", in.TaskID)
		return
	}
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Name:           name,
		TaskID:         in.TaskID,
		FromState:      in.Current,
		ToState:        in.Target,
		TransitionedAt: transitionedAt,
		StartedAt:      transitionedAt,
		CompletedAt:    transitionedAt,
	})
}
