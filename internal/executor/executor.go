// Package executor implements the Step Executor: given a batch of ready
// steps for one task, it runs their handlers concurrently under a bounded,
// dynamically-sized worker pool and maps each outcome to a step state
// transition.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/taskforge/workflowengine/internal/backoff"
	"github.com/taskforge/workflowengine/internal/config"
	"github.com/taskforge/workflowengine/internal/handler"
	"github.com/taskforge/workflowengine/internal/model"
	"github.com/taskforge/workflowengine/internal/readiness"
	"github.com/taskforge/workflowengine/internal/resilience"
	"github.com/taskforge/workflowengine/internal/statemachine"
	"github.com/taskforge/workflowengine/internal/store"
	"github.com/taskforge/workflowengine/internal/telemetry"
)

// Executor runs one task's ready-step batch under bounded concurrency,
// mapping each handler outcome to a persisted step state transition.
type Executor struct {
	store    store.Store
	steps    *statemachine.StepMachine
	handlers *handler.Registry
	policy   backoff.Policy
	cfg      config.ExecutionConfig
	metrics  telemetry.Metrics
	logger   *slog.Logger

	mu         sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker // keyed by dependent_system
	poolSize   int
	poolSizeAt time.Time
}

// New builds an Executor.
func New(s store.Store, steps *statemachine.StepMachine, handlers *handler.Registry, policy backoff.Policy, cfg config.ExecutionConfig, metrics telemetry.Metrics) *Executor {
	return &Executor{
		store:    s,
		steps:    steps,
		handlers: handlers,
		policy:   policy,
		cfg:      cfg,
		metrics:  metrics,
		breakers: make(map[string]*resilience.CircuitBreaker),
		logger:   slog.Default().With("component", "executor"),
	}
}

// Result is the per-step outcome of one RunBatch call.
type Result struct {
	StepID  string
	Outcome string // "completed", "error", "cancelled", "skipped"
	Err     error
}

// sequence is the read-only Sequence view a handler receives: every sibling
// step of the owning task, keyed by its template name.
type sequence struct {
	byName map[string]model.WorkflowStep
}

func newSequence(snap store.TaskSnapshot) sequence {
	byName := make(map[string]model.WorkflowStep, len(snap.Steps))
	for _, st := range snap.Steps {
		byName[st.NamedStepRef] = st.WorkflowStep
	}
	return sequence{byName: byName}
}

func (s sequence) FindStepByName(name string) (model.WorkflowStep, bool) {
	st, ok := s.byName[name]
	return st, ok
}

// breakerFor returns (creating if absent) the circuit breaker guarding calls
// to dependentSystem.
func (e *Executor) breakerFor(dependentSystem string) *resilience.CircuitBreaker {
	if dependentSystem == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[dependentSystem]
	if !ok {
		b = resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 15*time.Second, 2)
		e.breakers[dependentSystem] = b
	}
	return b
}

// poolSizeFor computes (and caches for cfg.ConcurrencyCacheDuration) the
// worker pool size for a batch of n steps, clamped between
// MinConcurrentSteps and MaxConcurrentStepsLimit.
func (e *Executor) poolSizeFor(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.poolSize > 0 && time.Since(e.poolSizeAt) < e.cfg.ConcurrencyCacheDuration {
		return clamp(e.poolSize, n)
	}

	computed := n
	if computed < e.cfg.MinConcurrentSteps {
		computed = e.cfg.MinConcurrentSteps
	}
	if computed > e.cfg.MaxConcurrentStepsLimit {
		computed = e.cfg.MaxConcurrentStepsLimit
	}
	e.poolSize = computed
	e.poolSizeAt = time.Now()
	return clamp(computed, n)
}

// clamp never runs more workers than there are jobs.
func clamp(poolSize, n int) int {
	if n == 0 {
		return 0
	}
	if poolSize > n {
		return n
	}
	if poolSize < 1 {
		return 1
	}
	return poolSize
}

// batchTimeout computes min(base + per_step*n, cap).
func (e *Executor) batchTimeout(n int) time.Duration {
	d := e.cfg.BatchTimeoutBaseSeconds + time.Duration(n)*e.cfg.BatchTimeoutPerStepSeconds
	if d > e.cfg.MaxBatchTimeoutSeconds {
		return e.cfg.MaxBatchTimeoutSeconds
	}
	return d
}

// RunBatch executes every ready record's step handler concurrently, bounded
// by the computed pool size and an overall per-batch timeout. It returns one
// Result per attempted step. ready may hold every record of the task (the
// engine passes the Readiness Evaluator's full result); records with
// ReadyForExecution=false are skipped here.
func (e *Executor) RunBatch(ctx context.Context, task model.Task, namedTask model.NamedTask, snap store.TaskSnapshot, ready []readiness.Record) []Result {
	jobs := make([]readiness.Record, 0, len(ready))
	for _, r := range ready {
		if r.ReadyForExecution {
			jobs = append(jobs, r)
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	batchCtx, cancel := context.WithTimeout(ctx, e.batchTimeout(len(jobs)))
	defer cancel()

	workers := e.poolSizeFor(len(jobs))
	tracker := newJobTracker()
	for _, j := range jobs {
		tracker.set(j.StepID, stateScheduled)
	}

	templatesByName := make(map[string]model.StepTemplate, len(namedTask.Steps))
	for _, t := range namedTask.Steps {
		templatesByName[t.Name] = t
	}
	stepsByID := make(map[string]model.WorkflowStep, len(snap.Steps))
	for _, s := range snap.Steps {
		stepsByID[s.StepID] = s.WorkflowStep
	}
	seq := newSequence(snap)

	queue := make(chan readiness.Record, len(jobs))
	for _, j := range jobs {
		queue <- j
	}
	close(queue)

	results := make([]Result, len(jobs))
	resultAt := make(map[string]int, len(jobs))
	for i, j := range jobs {
		resultAt[j.StepID] = i
	}
	var mu sync.Mutex

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range queue {
				if batchCtx.Err() != nil {
					if tracker.cancel(rec.StepID) {
						mu.Lock()
						results[resultAt[rec.StepID]] = Result{StepID: rec.StepID, Outcome: "cancelled"}
						mu.Unlock()
					}
					continue
				}
				if !tracker.claim(rec.StepID) {
					continue
				}
				step := stepsByID[rec.StepID]
				tmpl := templatesByName[step.NamedStepRef]
				out, err := e.executeStep(batchCtx, task, tmpl, seq, step, rec)
				tracker.set(rec.StepID, stateDone)

				mu.Lock()
				results[resultAt[rec.StepID]] = Result{StepID: rec.StepID, Outcome: out, Err: err}
				mu.Unlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-batchCtx.Done():
		// Batch teardown: every queued job is in exactly one of the three
		// predicate classes. Unstarted jobs are cancelled without side
		// effects, in-flight ones are awaited to their natural completion,
		// finished or already-cancelled ones need nothing further.
		for _, j := range jobs {
			switch s := tracker.get(j.StepID); {
			case shouldCancel(s):
				if tracker.cancel(j.StepID) {
					mu.Lock()
					results[resultAt[j.StepID]] = Result{StepID: j.StepID, Outcome: "cancelled"}
					mu.Unlock()
				}
			case shouldWait(s):
				// the worker records this job's outcome on its own return
			case canIgnore(s):
			}
		}
		<-done
	}

	e.metrics.BatchDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	return results
}

// executeStep runs the per-step lifecycle: IN_PROGRESS guard, handler
// invocation (behind the dependent system's circuit breaker), result
// persistence, and the terminal COMPLETE/ERROR transition. A step retrying
// out of ERROR first returns to PENDING (emitting step.retry_requested)
// before it may enter IN_PROGRESS.
func (e *Executor) executeStep(ctx context.Context, task model.Task, tmpl model.StepTemplate, seq sequence, step model.WorkflowStep, rec readiness.Record) (string, error) {
	now := time.Now().UTC()

	current := rec.CurrentState
	if current == model.StateError {
		if _, err := e.steps.Transition(ctx, statemachine.StepInput{
			StepID: step.StepID, TaskID: task.TaskID, StepName: step.NamedStepRef,
			Current: current, Target: model.StatePending,
			AttemptNumber: step.Attempts + 1,
		}); err != nil {
			return "skipped", err
		}
		current = model.StatePending
	}

	if _, err := e.steps.Transition(ctx, statemachine.StepInput{
		StepID: step.StepID, TaskID: task.TaskID, StepName: step.NamedStepRef,
		Current: current, Target: model.StateInProgress,
		DependenciesSatisfied: rec.DependenciesSatisfied,
		AttemptNumber:         step.Attempts + 1,
	}); err != nil {
		var guard *model.GuardFailed
		if errors.As(err, &guard) {
			e.logger.Warn("executor: guard refused IN_PROGRESS transition", "step_id", step.StepID, "reason", guard.Reason)
			return "skipped", err
		}
		return "skipped", err
	}

	h, ok := e.handlers.Lookup(handler.Key{
		Namespace: task.NamedTaskRef.Namespace, Name: task.NamedTaskRef.Name,
		Version: task.NamedTaskRef.Version, StepName: tmpl.Name,
	})
	if !ok {
		return e.recordFailure(ctx, task, step, now, &model.PermanentError{Message: "no handler registered", ErrorCode: "handler_not_found"}, nil)
	}

	if breaker := e.breakerFor(tmpl.DependentSystem); breaker != nil && !breaker.Allow() {
		e.metrics.CircuitOpenTransitions.Add(ctx, 1)
		return e.recordFailure(ctx, task, step, now, &model.RetryableError{Message: "dependent system circuit open"}, nil)
	}

	raw, err := h.Process(ctx, task, seq, step)

	if breaker := e.breakerFor(tmpl.DependentSystem); breaker != nil {
		breaker.RecordResult(err == nil)
	}

	e.metrics.StepAttempts.Add(ctx, 1)

	if err != nil {
		results := raw
		if proc, ok := h.(handler.ResultProcessor); ok {
			results = proc.ProcessResults(step, raw, step.Results)
		}
		return e.recordFailure(ctx, task, step, now, err, results)
	}

	finalResults := raw
	if proc, ok := h.(handler.ResultProcessor); ok {
		finalResults = proc.ProcessResults(step, raw, step.Results)
	}

	// An in-flight handler is never interrupted, but its success is not
	// recorded once the task has reached a terminal state: the step is
	// cancelled on this boundary instead.
	if e.taskTerminated(ctx, task.TaskID) {
		_, cerr := e.steps.Transition(ctx, statemachine.StepInput{
			StepID: step.StepID, TaskID: task.TaskID, StepName: step.NamedStepRef,
			Current: model.StateInProgress, Target: model.StateCancelled,
			StartedAt: now, CompletedAt: time.Now().UTC(), AttemptNumber: step.Attempts + 1,
		})
		return "cancelled", cerr
	}

	if err := e.store.RecordAttempt(ctx, step.StepID, step.Attempts+1, now, time.Time{}, nil, finalResults); err != nil {
		return "error", err
	}
	if _, err := e.steps.Transition(ctx, statemachine.StepInput{
		StepID: step.StepID, TaskID: task.TaskID, StepName: step.NamedStepRef,
		Current: model.StateInProgress, Target: model.StateComplete,
		StartedAt: now, CompletedAt: time.Now().UTC(), AttemptNumber: step.Attempts + 1,
	}); err != nil {
		return "error", err
	}
	return "completed", nil
}

func (e *Executor) recordFailure(ctx context.Context, task model.Task, step model.WorkflowStep, attemptedAt time.Time, cause error, results map[string]any) (string, error) {
	e.metrics.StepFailures.Add(ctx, 1)

	var permanent *model.PermanentError
	var retryable *model.RetryableError
	var override *int64
	errorCode := ""

	switch {
	case errors.As(cause, &permanent):
		errorCode = permanent.ErrorCode
		// PermanentError marks the step retry-exhausted regardless of
		// attempts: force attempts to RetryLimit so readiness's
		// attempts<retry_limit check never re-admits it.
	case errors.As(cause, &retryable):
		e.metrics.StepRetries.Add(ctx, 1)
		override = retryable.RetryAfter
	default:
		e.metrics.StepRetries.Add(ctx, 1)
	}

	attempts := step.Attempts + 1
	if permanent != nil && step.RetryLimit > attempts {
		attempts = step.RetryLimit
	}

	if err := e.store.RecordAttempt(ctx, step.StepID, attempts, attemptedAt, attemptedAt, override, results); err != nil {
		return "error", err
	}

	_, err := e.steps.Transition(ctx, statemachine.StepInput{
		StepID: step.StepID, TaskID: task.TaskID, StepName: step.NamedStepRef,
		Current: model.StateInProgress, Target: model.StateError,
		StartedAt: attemptedAt, CompletedAt: time.Now().UTC(),
		AttemptNumber:  attempts,
		ErrorMessage:   cause.Error(),
		ExceptionClass: errorCode,
	})
	if err != nil {
		return "error", err
	}
	return "error", cause
}

// taskTerminated reports whether the owning task has already reached a state
// in which no further step transitions may be recorded.
func (e *Executor) taskTerminated(ctx context.Context, taskID string) bool {
	log, err := e.store.TaskTransitions(ctx, taskID)
	if err != nil || len(log) == 0 {
		return false
	}
	switch log[len(log)-1].ToState {
	case model.StateComplete, model.StateError, model.StateCancelled, model.StateResolvedManually:
		return true
	}
	return false
}
