package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskforge/workflowengine/internal/model"
	bolt "go.etcd.io/bbolt"
)

// Bucket names, one per logical table.
var (
	bucketTasks           = []byte("tasks")
	bucketSteps           = []byte("steps")
	bucketTaskSteps       = []byte("task_steps")       // taskID -> []stepID
	bucketEdges           = []byte("step_edges")       // taskID -> []model.StepEdge
	bucketStepTransitions = []byte("workflow_step_transitions")
	bucketTaskTransitions = []byte("task_transitions")
)

var allBuckets = [][]byte{
	bucketTasks, bucketSteps, bucketTaskSteps, bucketEdges,
	bucketStepTransitions, bucketTaskTransitions,
}

// BoltStore implements Store over an embedded bbolt database:
// bucket-per-table, JSON-encoded values, one Update/View transaction per
// logical operation.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bbolt database at path and ensures
// every bucket this store needs exists.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) CreateTask(ctx context.Context, task model.Task, steps []model.WorkflowStep, edges []model.StepEdge) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		taskBuf, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTasks).Put([]byte(task.TaskID), taskBuf); err != nil {
			return err
		}

		stepIDs := make([]string, 0, len(steps))
		for _, step := range steps {
			rec := StepRecord{WorkflowStep: step, CurrentState: model.StatePending}
			buf, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketSteps).Put([]byte(step.StepID), buf); err != nil {
				return err
			}
			stepIDs = append(stepIDs, step.StepID)
		}
		idxBuf, err := json.Marshal(stepIDs)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTaskSteps).Put([]byte(task.TaskID), idxBuf); err != nil {
			return err
		}

		edgesBuf, err := json.Marshal(edges)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEdges).Put([]byte(task.TaskID), edgesBuf)
	})
}

func (s *BoltStore) Snapshot(ctx context.Context, taskID string) (TaskSnapshot, error) {
	batch, err := s.SnapshotBatch(ctx, []string{taskID})
	if err != nil {
		return TaskSnapshot{}, err
	}
	if len(batch) == 0 {
		return TaskSnapshot{}, fmt.Errorf("task %s: %w", taskID, errNotFound)
	}
	return batch[0], nil
}

var errNotFound = fmt.Errorf("not found")

// SnapshotBatch reads every task, its steps, and its edges in one bbolt
// View transaction: the set-based read the readiness evaluator and
// finalizer depend on.
func (s *BoltStore) SnapshotBatch(ctx context.Context, taskIDs []string) ([]TaskSnapshot, error) {
	var result []TaskSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, taskID := range taskIDs {
			taskBuf := tx.Bucket(bucketTasks).Get([]byte(taskID))
			if taskBuf == nil {
				continue
			}
			var task model.Task
			if err := json.Unmarshal(taskBuf, &task); err != nil {
				return err
			}

			idxBuf := tx.Bucket(bucketTaskSteps).Get([]byte(taskID))
			var stepIDs []string
			if idxBuf != nil {
				if err := json.Unmarshal(idxBuf, &stepIDs); err != nil {
					return err
				}
			}

			steps := make([]StepRecord, 0, len(stepIDs))
			for _, stepID := range stepIDs {
				recBuf := tx.Bucket(bucketSteps).Get([]byte(stepID))
				if recBuf == nil {
					continue
				}
				var rec StepRecord
				if err := json.Unmarshal(recBuf, &rec); err != nil {
					return err
				}
				steps = append(steps, rec)
			}

			edgesBuf := tx.Bucket(bucketEdges).Get([]byte(taskID))
			var edges []model.StepEdge
			if edgesBuf != nil {
				if err := json.Unmarshal(edgesBuf, &edges); err != nil {
					return err
				}
			}

			result = append(result, TaskSnapshot{Task: task, Steps: steps, Edges: edges})
		}
		return nil
	})
	return result, err
}

func (s *BoltStore) AppendStepTransition(ctx context.Context, stepID string, expectedFrom, to State, metadata map[string]any) (model.StepTransition, error) {
	var result model.StepTransition
	err := s.db.Update(func(tx *bolt.Tx) error {
		steps := tx.Bucket(bucketSteps)
		recBuf := steps.Get([]byte(stepID))
		if recBuf == nil {
			return fmt.Errorf("step %s: %w", stepID, errNotFound)
		}
		var rec StepRecord
		if err := json.Unmarshal(recBuf, &rec); err != nil {
			return err
		}

		transitions := tx.Bucket(bucketStepTransitions)
		logBuf := transitions.Get([]byte(stepID))
		var log []model.StepTransition
		if logBuf != nil {
			if err := json.Unmarshal(logBuf, &log); err != nil {
				return err
			}
		}

		current := model.StatePending
		var fromState model.State = model.Unset
		if len(log) > 0 {
			current = log[len(log)-1].ToState
			fromState = current
		}

		if to == current {
			// Idempotent no-op: current state already matches the target.
			if len(log) > 0 {
				result = log[len(log)-1]
			} else {
				result = model.StepTransition{StepID: stepID, Transition: model.Transition{ToState: current, MostRecent: true}}
			}
			return nil
		}

		if current != expectedFrom {
			return &model.StorageConflict{ParentID: stepID, Attempt: 0}
		}

		if len(log) > 0 {
			log[len(log)-1].MostRecent = false
		}
		row := model.StepTransition{
			StepID: stepID,
			Transition: model.Transition{
				FromState:  fromState,
				ToState:    to,
				Metadata:   metadata,
				SortKey:    int64(len(log) + 1),
				MostRecent: true,
				CreatedAt:  time.Now().UTC(),
			},
		}
		log = append(log, row)

		newLogBuf, err := json.Marshal(log)
		if err != nil {
			return err
		}
		if err := transitions.Put([]byte(stepID), newLogBuf); err != nil {
			return err
		}

		rec.CurrentState = to
		newRecBuf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := steps.Put([]byte(stepID), newRecBuf); err != nil {
			return err
		}

		result = row
		return nil
	})
	return result, err
}

func (s *BoltStore) AppendTaskTransition(ctx context.Context, taskID string, expectedFrom, to State, metadata map[string]any) (model.TaskTransition, error) {
	var result model.TaskTransition
	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		taskBuf := tasks.Get([]byte(taskID))
		if taskBuf == nil {
			return fmt.Errorf("task %s: %w", taskID, errNotFound)
		}

		transitions := tx.Bucket(bucketTaskTransitions)
		logBuf := transitions.Get([]byte(taskID))
		var log []model.TaskTransition
		if logBuf != nil {
			if err := json.Unmarshal(logBuf, &log); err != nil {
				return err
			}
		}

		current := model.StatePending
		var fromState model.State = model.Unset
		if len(log) > 0 {
			current = log[len(log)-1].ToState
			fromState = current
		}

		if to == current {
			if len(log) > 0 {
				result = log[len(log)-1]
			} else {
				result = model.TaskTransition{TaskID: taskID, Transition: model.Transition{ToState: current, MostRecent: true}}
			}
			return nil
		}

		if current != expectedFrom {
			return &model.StorageConflict{ParentID: taskID, Attempt: 0}
		}

		if len(log) > 0 {
			log[len(log)-1].MostRecent = false
		}
		row := model.TaskTransition{
			TaskID: taskID,
			Transition: model.Transition{
				FromState:  fromState,
				ToState:    to,
				Metadata:   metadata,
				SortKey:    int64(len(log) + 1),
				MostRecent: true,
				CreatedAt:  time.Now().UTC(),
			},
		}
		log = append(log, row)

		newLogBuf, err := json.Marshal(log)
		if err != nil {
			return err
		}
		return transitions.Put([]byte(taskID), newLogBuf)
	})
	return result, err
}

func (s *BoltStore) RecordAttempt(ctx context.Context, stepID string, attempts int, lastAttemptedAt, lastFailureAt time.Time, backoffOverrideSeconds *int64, results map[string]any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		steps := tx.Bucket(bucketSteps)
		recBuf := steps.Get([]byte(stepID))
		if recBuf == nil {
			return fmt.Errorf("step %s: %w", stepID, errNotFound)
		}
		var rec StepRecord
		if err := json.Unmarshal(recBuf, &rec); err != nil {
			return err
		}
		rec.Attempts = attempts
		rec.LastAttemptedAt = lastAttemptedAt
		if !lastFailureAt.IsZero() {
			rec.LastFailureAt = lastFailureAt
		}
		if backoffOverrideSeconds != nil {
			rec.BackoffRequestSeconds = *backoffOverrideSeconds
			rec.HasBackoffOverride = true
		} else {
			// A server-directed delay applies to exactly one attempt; an
			// attempt without one clears any previous override.
			rec.BackoffRequestSeconds = 0
			rec.HasBackoffOverride = false
		}
		if results != nil {
			rec.Results = results
		}
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return steps.Put([]byte(stepID), buf)
	})
}

func (s *BoltStore) StepTransitions(ctx context.Context, stepID string) ([]model.StepTransition, error) {
	var log []model.StepTransition
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketStepTransitions).Get([]byte(stepID))
		if buf == nil {
			return nil
		}
		return json.Unmarshal(buf, &log)
	})
	return log, err
}

func (s *BoltStore) TaskTransitions(ctx context.Context, taskID string) ([]model.TaskTransition, error) {
	var log []model.TaskTransition
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketTaskTransitions).Get([]byte(taskID))
		if buf == nil {
			return nil
		}
		return json.Unmarshal(buf, &log)
	})
	return log, err
}

var _ Store = (*BoltStore)(nil)
