// Package finalizer implements the task Finalizer / Re-enqueuer: after a
// step batch runs, it classifies a task's aggregate execution context and
// either drives the task to a terminal state or schedules another
// processing cycle after a computed delay.
package finalizer

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskforge/workflowengine/internal/config"
	"github.com/taskforge/workflowengine/internal/eventbus"
	"github.com/taskforge/workflowengine/internal/model"
	"github.com/taskforge/workflowengine/internal/readiness"
	"github.com/taskforge/workflowengine/internal/statemachine"
	"github.com/taskforge/workflowengine/internal/store"
	"github.com/taskforge/workflowengine/internal/telemetry"
)

// Decision is the outcome the Finalizer reached for one task.
type Decision struct {
	TaskID      string
	Status      model.ExecutionStatus
	Finalized   bool
	FinalState  model.State   // set when Finalized
	ReenqueueAt time.Time     // set when !Finalized
	Delay       time.Duration // set when !Finalized
}

// ReadyCallback is invoked, on the cron scheduler's own goroutine, once a
// re-enqueued task's delay has elapsed. The engine wires this to trigger
// another readiness-evaluate/execute cycle for taskID.
type ReadyCallback func(taskID string)

// Finalizer classifies execution contexts and either finalizes a task
// through its TaskMachine or arranges a one-shot, delayed re-enqueue via an
// internal cron scheduler.
type Finalizer struct {
	store     store.Store
	tasks     *statemachine.TaskMachine
	readiness *readiness.Evaluator
	cfg       config.BackoffConfig
	metrics   telemetry.Metrics
	bus       *eventbus.Bus
	logger    *slog.Logger
	cron      *cron.Cron
	onReady   ReadyCallback
}

// New builds a Finalizer. onReady is called when a re-enqueued task's delay
// elapses; it may be nil in tests that only inspect the returned Decision.
// bus may be nil, in which case re-enqueue decisions are not published as
// events.
func New(s store.Store, tasks *statemachine.TaskMachine, eval *readiness.Evaluator, cfg config.BackoffConfig, metrics telemetry.Metrics, bus *eventbus.Bus, onReady ReadyCallback) *Finalizer {
	return &Finalizer{
		store:     s,
		tasks:     tasks,
		readiness: eval,
		cfg:       cfg,
		metrics:   metrics,
		bus:       bus,
		onReady:   onReady,
		cron:      cron.New(cron.WithSeconds()),
		logger:    slog.Default().With("component", "finalizer"),
	}
}

// Start begins running scheduled re-enqueues.
func (f *Finalizer) Start() { f.cron.Start() }

// Stop gracefully waits for in-flight cron jobs to finish or ctx to expire.
func (f *Finalizer) Stop(ctx context.Context) error {
	stopCtx := f.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finalize classifies taskID's current aggregate execution context and
// either transitions the task to COMPLETE/ERROR or schedules a future
// re-enqueue, returning the Decision reached.
func (f *Finalizer) Finalize(ctx context.Context, taskID string) (Decision, error) {
	records, execCtx, err := f.readiness.Evaluate(ctx, taskID)
	if err != nil {
		return Decision{}, err
	}

	switch execCtx.ExecutionStatus {
	case model.ExecAllComplete:
		if _, err := f.transitionTask(ctx, taskID, model.StateComplete, true); err != nil {
			return Decision{}, err
		}
		return Decision{TaskID: taskID, Status: execCtx.ExecutionStatus, Finalized: true, FinalState: model.StateComplete}, nil

	case model.ExecBlockedByFailures:
		if _, err := f.transitionTask(ctx, taskID, model.StateError, true); err != nil {
			return Decision{}, err
		}
		return Decision{TaskID: taskID, Status: execCtx.ExecutionStatus, Finalized: true, FinalState: model.StateError}, nil
	}

	delay := f.reenqueueDelay(execCtx.ExecutionStatus, records)
	at := time.Now().Add(delay)
	f.scheduleReenqueue(taskID, at)
	f.metrics.ReenqueueCount.Add(ctx, 1)
	f.logger.Debug("task re-enqueued", "task_id", taskID, "status", execCtx.ExecutionStatus, "delay", delay)
	if f.bus != nil {
		f.bus.Publish(eventbus.Event{Name: "task.reenqueued", TaskID: taskID, TransitionedAt: time.Now()})
	}

	return Decision{TaskID: taskID, Status: execCtx.ExecutionStatus, Delay: delay, ReenqueueAt: at}, nil
}

func (f *Finalizer) transitionTask(ctx context.Context, taskID string, target model.State, canComplete bool) (model.TaskTransition, error) {
	current, err := f.currentTaskState(ctx, taskID)
	if err != nil {
		return model.TaskTransition{}, err
	}
	return f.tasks.Transition(ctx, statemachine.TaskInput{
		TaskID: taskID, Current: current, Target: target, CanComplete: canComplete,
	})
}

// currentTaskState derives the task's current state from its transition
// log's most-recent row, defaulting to PENDING when the task has never
// transitioned (the first processing cycle moves it to IN_PROGRESS before
// any steps run).
func (f *Finalizer) currentTaskState(ctx context.Context, taskID string) (model.State, error) {
	log, err := f.store.TaskTransitions(ctx, taskID)
	if err != nil {
		return model.Unset, err
	}
	if len(log) == 0 {
		return model.StatePending, nil
	}
	return log[len(log)-1].ToState, nil
}

// reenqueueDelay maps an execution-status classification to a re-enqueue
// delay. When nothing can run until some step's backoff expires, the delay
// tracks that soonest next_retry_at plus BufferSeconds — shrinking below
// the configured delay when the retry is imminent, and stretching past it
// so polling never wakes before any step can legally run.
func (f *Finalizer) reenqueueDelay(status model.ExecutionStatus, records []readiness.Record) time.Duration {
	base := f.cfg.DefaultReenqueueDelay
	switch status {
	case model.ExecHasReadySteps:
		base = f.cfg.ReenqueueDelays.HasReadySteps
	case model.ExecProcessing:
		base = f.cfg.ReenqueueDelays.Processing
	case model.ExecWaitingForDependencies:
		base = f.cfg.ReenqueueDelays.WaitingForDependencies
	}

	// With steps ready now or still in flight, the next cycle has work to
	// do regardless of any pending retry deadline.
	if status == model.ExecHasReadySteps || status == model.ExecProcessing {
		return base
	}

	soonest, ok := soonestRetryAt(records)
	if !ok {
		return base
	}
	wake := time.Until(soonest) + f.cfg.BufferSeconds
	if wake < 0 {
		wake = 0
	}
	if status == model.ExecWaitingForDependencies && wake < base {
		return wake
	}
	if time.Until(soonest) > base {
		return wake
	}
	return base
}

func soonestRetryAt(records []readiness.Record) (time.Time, bool) {
	var soonest time.Time
	found := false
	for _, r := range records {
		if r.NextRetryAt.IsZero() {
			continue
		}
		if !found || r.NextRetryAt.Before(soonest) {
			soonest = r.NextRetryAt
			found = true
		}
	}
	return soonest, found
}

// scheduleReenqueue arranges for f.onReady(taskID) to run once, at, via a
// one-shot cron.Schedule.
func (f *Finalizer) scheduleReenqueue(taskID string, at time.Time) {
	if f.onReady == nil {
		return
	}
	f.cron.Schedule(runOnce(at), cron.FuncJob(func() {
		f.onReady(taskID)
	}))
}

// runOnce is a cron.Schedule that fires exactly once, at the wrapped
// instant, then never again.
type runOnce time.Time

func (r runOnce) Next(t time.Time) time.Time {
	target := time.Time(r)
	if t.Before(target) {
		return target
	}
	return time.Time{}
}
