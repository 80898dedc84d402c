// Package store implements the transactional, versioned persistence layer
// backing tasks, workflow steps, step edges, and their append-only
// transition logs. It is the single source of
// truth the rest of the engine coordinates through.
package store

import (
	"context"
	"time"

	"github.com/taskforge/workflowengine/internal/model"
)

// StepRecord is the current runtime state of one WorkflowStep, as stored:
// the immutable identity fields plus the mutable counters the executor
// updates on each attempt.
type StepRecord struct {
	model.WorkflowStep
	CurrentState State
}

// State is re-exported for readability in store call sites; identical to
// model.State.
type State = model.State

// TaskSnapshot is the result of the single set-based read the Readiness
// Evaluator and Finalizer run per task: the task, every step (with current
// state and attempt bookkeeping already resolved from the most-recent
// transition row), and the dependency edges between them. One bbolt
// transaction produces all of it: O(N) rows read, not O(N) round trips.
type TaskSnapshot struct {
	Task  model.Task
	Steps []StepRecord
	Edges []model.StepEdge
}

// Store is the persistence contract the rest of the engine depends on.
type Store interface {
	// CreateTask persists a new task together with its steps and edges in
	// one transaction. All steps start at model.StatePending implicitly:
	// no transition row exists yet, and absence means PENDING.
	CreateTask(ctx context.Context, task model.Task, steps []model.WorkflowStep, edges []model.StepEdge) error

	// Snapshot returns the current state of a task and all its steps in a
	// single read transaction.
	Snapshot(ctx context.Context, taskID string) (TaskSnapshot, error)

	// SnapshotBatch is the multi-task form of Snapshot, read in one transaction.
	SnapshotBatch(ctx context.Context, taskIDs []string) ([]TaskSnapshot, error)

	// AppendStepTransition appends a transition row for stepID, moving it
	// from expectedFrom to to. If the step's actual current state is not
	// expectedFrom at write time, the write is rejected with
	// *model.StorageConflict and the caller should re-read and retry. A
	// transition whose target is already the step's actual current state is
	// treated as an idempotent no-op, whatever expectedFrom says: no row is
	// appended, and the existing row is returned unchanged.
	AppendStepTransition(ctx context.Context, stepID string, expectedFrom, to State, metadata map[string]any) (model.StepTransition, error)

	// AppendTaskTransition is the task-level analogue of
	// AppendStepTransition.
	AppendTaskTransition(ctx context.Context, taskID string, expectedFrom, to State, metadata map[string]any) (model.TaskTransition, error)

	// RecordAttempt persists the outcome of one handler invocation: the
	// incremented attempt count, timing fields, an optional server-directed
	// backoff override (a nil override clears any previously recorded one),
	// and the step's results payload.
	RecordAttempt(ctx context.Context, stepID string, attempts int, lastAttemptedAt time.Time, lastFailureAt time.Time, backoffOverrideSeconds *int64, results map[string]any) error

	// StepTransitions returns the full append-only transition log for a
	// step, oldest first.
	StepTransitions(ctx context.Context, stepID string) ([]model.StepTransition, error)

	// TaskTransitions returns the full append-only transition log for a
	// task, oldest first.
	TaskTransitions(ctx context.Context, taskID string) ([]model.TaskTransition, error)

	// Close releases the underlying database handle.
	Close() error
}
