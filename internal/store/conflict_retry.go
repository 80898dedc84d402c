package store

import (
	"context"
	"errors"

	cenkaltibackoff "github.com/cenkalti/backoff/v4"

	"github.com/taskforge/workflowengine/internal/model"
)

// DefaultMaxConflictRetries bounds how often a lost optimistic write is
// retried before the StorageConflict escalates to RetryableError.
const DefaultMaxConflictRetries = 3

// AppendStepTransitionWithRetry wraps Store.AppendStepTransition, retrying up
// to maxRetries times when the write loses the race on the unique
// (step_id, most_recent=true) key, re-reading the step's
// actual current state between attempts so the retried call supplies the
// correct expectedFrom. Exhausting retries escalates to
// *model.RetryableError.
func AppendStepTransitionWithRetry(ctx context.Context, s Store, stepID string, from, to model.State, metadata map[string]any, maxRetries int) (model.StepTransition, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxConflictRetries
	}
	current := from
	var result model.StepTransition

	b := cenkaltibackoff.WithMaxRetries(cenkaltibackoff.NewExponentialBackOff(), uint64(maxRetries))
	operation := func() error {
		row, err := s.AppendStepTransition(ctx, stepID, current, to, metadata)
		if err == nil {
			result = row
			return nil
		}
		var conflict *model.StorageConflict
		if !errors.As(err, &conflict) {
			return cenkaltibackoff.Permanent(err)
		}
		refreshed, rerr := latestStepState(ctx, s, stepID)
		if rerr != nil {
			return cenkaltibackoff.Permanent(rerr)
		}
		current = refreshed
		return err
	}

	if err := cenkaltibackoff.Retry(operation, cenkaltibackoff.WithContext(b, ctx)); err != nil {
		var conflict *model.StorageConflict
		if errors.As(err, &conflict) {
			return model.StepTransition{}, &model.RetryableError{Message: "step transition storage conflict exhausted retries", Cause: err}
		}
		return model.StepTransition{}, err
	}
	return result, nil
}

// AppendTaskTransitionWithRetry is the task-level analogue of
// AppendStepTransitionWithRetry.
func AppendTaskTransitionWithRetry(ctx context.Context, s Store, taskID string, from, to model.State, metadata map[string]any, maxRetries int) (model.TaskTransition, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxConflictRetries
	}
	current := from
	var result model.TaskTransition

	b := cenkaltibackoff.WithMaxRetries(cenkaltibackoff.NewExponentialBackOff(), uint64(maxRetries))
	operation := func() error {
		row, err := s.AppendTaskTransition(ctx, taskID, current, to, metadata)
		if err == nil {
			result = row
			return nil
		}
		var conflict *model.StorageConflict
		if !errors.As(err, &conflict) {
			return cenkaltibackoff.Permanent(err)
		}
		refreshed, rerr := latestTaskState(ctx, s, taskID)
		if rerr != nil {
			return cenkaltibackoff.Permanent(rerr)
		}
		current = refreshed
		return err
	}

	if err := cenkaltibackoff.Retry(operation, cenkaltibackoff.WithContext(b, ctx)); err != nil {
		var conflict *model.StorageConflict
		if errors.As(err, &conflict) {
			return model.TaskTransition{}, &model.RetryableError{Message: "task transition storage conflict exhausted retries", Cause: err}
		}
		return model.TaskTransition{}, err
	}
	return result, nil
}

func latestStepState(ctx context.Context, s Store, stepID string) (model.State, error) {
	log, err := s.StepTransitions(ctx, stepID)
	if err != nil {
		return "", err
	}
	if len(log) == 0 {
		return model.StatePending, nil
	}
	return log[len(log)-1].ToState, nil
}

func latestTaskState(ctx context.Context, s Store, taskID string) (model.State, error) {
	log, err := s.TaskTransitions(ctx, taskID)
	if err != nil {
		return "", err
	}
	if len(log) == 0 {
		return model.StatePending, nil
	}
	return log[len(log)-1].ToState, nil
}
