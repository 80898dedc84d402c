// Package engine wires the core components into the top-level orchestrating
// type: template registration, task submission with context-schema
// validation, the readiness/execute/finalize processing cycle, and the
// cron-driven re-enqueue loop.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/taskforge/workflowengine/internal/auth"
	"github.com/taskforge/workflowengine/internal/backoff"
	"github.com/taskforge/workflowengine/internal/config"
	"github.com/taskforge/workflowengine/internal/eventbus"
	"github.com/taskforge/workflowengine/internal/executor"
	"github.com/taskforge/workflowengine/internal/finalizer"
	"github.com/taskforge/workflowengine/internal/graph"
	"github.com/taskforge/workflowengine/internal/handler"
	"github.com/taskforge/workflowengine/internal/model"
	"github.com/taskforge/workflowengine/internal/readiness"
	"github.com/taskforge/workflowengine/internal/statemachine"
	"github.com/taskforge/workflowengine/internal/store"
	"github.com/taskforge/workflowengine/internal/telemetry"
)

// TaskRequest is the external task-submission contract.
type TaskRequest struct {
	Namespace    string
	Name         string
	Version      string
	Context      map[string]any
	Initiator    string
	SourceSystem string
	Reason       string
}

// Engine is the top-level orchestrator: template registry, handler
// registry, the two state machines, the readiness evaluator, the step
// executor, and the finalizer/re-enqueuer, all sharing one store.
type Engine struct {
	cfg       config.Config
	store     store.Store
	registry  *graph.Registry
	handlers  *handler.Registry
	bus       *eventbus.Bus
	authz     auth.Coordinator
	steps     *statemachine.StepMachine
	tasks     *statemachine.TaskMachine
	readiness *readiness.Evaluator
	executor  *executor.Executor
	finalizer *finalizer.Finalizer
	metrics   telemetry.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	schemas map[model.NamedTaskKey]*jsonschema.Schema
}

// New builds an Engine over an already-open store, sharing bus and handlers
// with the caller (so handlers can be registered before or after New).
func New(cfg config.Config, s store.Store, bus *eventbus.Bus, handlers *handler.Registry, authz auth.Coordinator, metrics telemetry.Metrics) (*Engine, error) {
	if bus == nil {
		var err error
		bus, err = eventbus.NewDefault()
		if err != nil {
			return nil, err
		}
	}
	if authz == nil {
		authz = auth.NewAllowAll(cfg.Auth)
	}
	if handlers == nil {
		handlers = handler.NewRegistry()
	}

	steps, err := statemachine.NewStepMachine(s, bus, cfg.Backoff.StorageConflictMaxRetries)
	if err != nil {
		return nil, err
	}
	tasks, err := statemachine.NewTaskMachine(s, bus, cfg.Backoff.StorageConflictMaxRetries)
	if err != nil {
		return nil, err
	}

	policy := backoff.Policy{
		Base:                stepBase(cfg.Backoff.DefaultBackoffSeconds),
		Multiplier:          cfg.Backoff.BackoffMultiplier,
		Cap:                 cfg.Backoff.MaxBackoffSeconds,
		JitterEnabled:       cfg.Backoff.JitterEnabled,
		JitterMaxPercentage: cfg.Backoff.JitterMaxPercentage,
	}
	eval := readiness.New(s, policy)
	exec := executor.New(s, steps, handlers, policy, cfg.Execution, metrics)

	e := &Engine{
		cfg:       cfg,
		store:     s,
		registry:  graph.NewRegistry(),
		handlers:  handlers,
		bus:       bus,
		authz:     authz,
		steps:     steps,
		tasks:     tasks,
		readiness: eval,
		executor:  exec,
		metrics:   metrics,
		logger:    slog.Default().With("component", "engine"),
		schemas:   make(map[model.NamedTaskKey]*jsonschema.Schema),
	}
	e.finalizer = finalizer.New(s, tasks, eval, cfg.Backoff, metrics, bus, e.enqueueReprocess)
	return e, nil
}

// stepBase derives the backoff engine's base delay from the first entry of
// the configured default_backoff_seconds table, falling back to
// backoff.DefaultPolicy's base when the table is empty.
func stepBase(defaults []int64) time.Duration {
	if len(defaults) == 0 {
		return backoff.DefaultPolicy().Base
	}
	return time.Duration(defaults[0]) * time.Second
}

// Start begins the finalizer's cron-driven re-enqueue loop.
func (e *Engine) Start() { e.finalizer.Start() }

// Stop gracefully drains in-flight re-enqueue jobs.
func (e *Engine) Stop(ctx context.Context) error { return e.finalizer.Stop(ctx) }

// RegisterHandler exposes the engine's handler registry to callers wiring
// up concrete StepHandler implementations at startup.
func (e *Engine) RegisterHandler(key handler.Key, h handler.StepHandler) error {
	return e.handlers.Register(key, h)
}

// RegisterTemplate validates and stores a NamedTask template,
// additionally compiling its context JSON schema so SubmitTask never pays
// compilation cost on the request path.
func (e *Engine) RegisterTemplate(template model.NamedTask) (graph.RegistrationResult, error) {
	result, err := e.registry.Register(template)
	if err != nil {
		return graph.RegistrationResult{}, err
	}
	if result.Created {
		schema, err := compileSchema(template.Schema)
		if err != nil {
			return graph.RegistrationResult{}, &model.ConfigurationError{Message: "invalid context schema", Cause: err}
		}
		e.mu.Lock()
		e.schemas[template.Key()] = schema
		e.mu.Unlock()
	}
	return result, nil
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	buf, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("context.json", strings.NewReader(string(buf))); err != nil {
		return nil, err
	}
	return compiler.Compile("context.json")
}

// SubmitTask validates the request's context against the template's schema,
// instantiates a Task and its WorkflowSteps/StepEdges, persists them, and
// returns the created Task. Submission does not run
// any step; call ProcessTask (or Start) to begin execution.
func (e *Engine) SubmitTask(ctx context.Context, req TaskRequest) (model.Task, error) {
	if err := e.authz.Authorize(ctx, auth.ResourceTask, auth.ActionSubmit, auth.ActionContext{Initiator: req.Initiator}); err != nil {
		return model.Task{}, err
	}

	key := model.NamedTaskKey{Namespace: req.Namespace, Name: req.Name, Version: req.Version}
	template, ok := e.registry.Get(key)
	if !ok {
		return model.Task{}, &model.ConfigurationError{Message: fmt.Sprintf("no registered template %s/%s@%s", key.Namespace, key.Name, key.Version)}
	}

	if err := e.validateContext(key, req.Context); err != nil {
		return model.Task{}, err
	}

	// The step graph is rechecked at task initialization, even though
	// Register already validated it once.
	if _, err := graph.Analyze(template.Steps); err != nil {
		return model.Task{}, err
	}

	task := model.Task{
		TaskID:       model.NewID(),
		NamedTaskRef: key,
		Context:      req.Context,
		Initiator:    req.Initiator,
		Source:       req.SourceSystem,
		Reason:       req.Reason,
		CreatedAt:    time.Now().UTC(),
	}

	steps := make([]model.WorkflowStep, 0, len(template.Steps))
	var edges []model.StepEdge
	for _, tmpl := range template.Steps {
		steps = append(steps, model.WorkflowStep{
			StepID:       model.NewID(),
			TaskRef:      task.TaskID,
			NamedStepRef: tmpl.Name,
			RetryLimit:   tmpl.RetryLimit,
			Retryable:    tmpl.Retryable,
		})
	}
	idByName := make(map[string]string, len(steps))
	for _, st := range steps {
		idByName[st.NamedStepRef] = st.StepID
	}
	for _, tmpl := range template.Steps {
		for _, dep := range tmpl.Dependencies {
			edges = append(edges, model.StepEdge{
				TaskRef:  task.TaskID,
				FromStep: idByName[dep],
				ToStep:   idByName[tmpl.Name],
				EdgeType: model.EdgeTypeDependency,
			})
		}
	}

	if err := e.store.CreateTask(ctx, task, steps, edges); err != nil {
		return model.Task{}, err
	}
	e.logger.Info("task submitted", "task_id", task.TaskID, "namespace", key.Namespace, "name", key.Name, "version", key.Version)
	return task, nil
}

func (e *Engine) validateContext(key model.NamedTaskKey, taskCtx map[string]any) error {
	e.mu.Lock()
	schema := e.schemas[key]
	e.mu.Unlock()
	if schema == nil {
		return nil
	}
	buf, err := json.Marshal(taskCtx)
	if err != nil {
		return fmt.Errorf("marshal task context: %w", err)
	}
	var data any
	if err := json.Unmarshal(buf, &data); err != nil {
		return fmt.Errorf("unmarshal task context: %w", err)
	}
	if err := schema.Validate(data); err != nil {
		return &model.ConfigurationError{Message: "task context failed schema validation", Cause: err}
	}
	return nil
}

// ProcessTask runs one full processing cycle for taskID: evaluate
// readiness, run the ready batch (if any) under the executor, then let the
// Finalizer decide the task's next state.
func (e *Engine) ProcessTask(ctx context.Context, taskID string) (finalizer.Decision, error) {
	ctx, end := telemetry.WithSpan(ctx, "task.process")
	defer end()

	snap, err := e.store.Snapshot(ctx, taskID)
	if err != nil {
		return finalizer.Decision{}, err
	}
	template, ok := e.registry.Get(snap.Task.NamedTaskRef)
	if !ok {
		return finalizer.Decision{}, &model.ConfigurationError{Message: fmt.Sprintf("task %s references unregistered template %+v", taskID, snap.Task.NamedTaskRef)}
	}

	if err := e.ensureStarted(ctx, taskID); err != nil {
		return finalizer.Decision{}, err
	}

	records, execCtx, err := e.readiness.Evaluate(ctx, taskID)
	if err != nil {
		return finalizer.Decision{}, err
	}
	if execCtx.Ready > 0 {
		e.executor.RunBatch(ctx, snap.Task, template, snap, records)
	}

	return e.finalizer.Finalize(ctx, taskID)
}

// ensureStarted transitions a still-PENDING task to IN_PROGRESS before its
// first processing cycle runs any step.
func (e *Engine) ensureStarted(ctx context.Context, taskID string) error {
	log, err := e.store.TaskTransitions(ctx, taskID)
	if err != nil {
		return err
	}
	if len(log) > 0 {
		return nil
	}
	_, err = e.tasks.Transition(ctx, statemachine.TaskInput{TaskID: taskID, Current: model.StatePending, Target: model.StateInProgress})
	return err
}

// CancelTask transitions a task (and, implicitly per the step state
// machine's own guards, leaves in-flight steps to the executor's
// non-preemptive cancellation path) to CANCELLED.
func (e *Engine) CancelTask(ctx context.Context, taskID string, initiator string) error {
	if err := e.authz.Authorize(ctx, auth.ResourceTask, auth.ActionCancel, auth.ActionContext{Initiator: initiator, TaskID: taskID}); err != nil {
		return err
	}
	current, err := e.currentTaskState(ctx, taskID)
	if err != nil {
		return err
	}
	_, err = e.tasks.Transition(ctx, statemachine.TaskInput{TaskID: taskID, Current: current, Target: model.StateCancelled})
	return err
}

// ResolveManually transitions an ERROR task to RESOLVED_MANUALLY, the
// operator escape hatch for a task whose failed steps will never pass
// again on their own.
func (e *Engine) ResolveManually(ctx context.Context, taskID string, initiator string) error {
	if err := e.authz.Authorize(ctx, auth.ResourceTask, auth.ActionResolve, auth.ActionContext{Initiator: initiator, TaskID: taskID}); err != nil {
		return err
	}
	current, err := e.currentTaskState(ctx, taskID)
	if err != nil {
		return err
	}
	_, err = e.tasks.Transition(ctx, statemachine.TaskInput{TaskID: taskID, Current: current, Target: model.StateResolvedManually})
	return err
}

func (e *Engine) currentTaskState(ctx context.Context, taskID string) (model.State, error) {
	log, err := e.store.TaskTransitions(ctx, taskID)
	if err != nil {
		return model.Unset, err
	}
	if len(log) == 0 {
		return model.StatePending, nil
	}
	return log[len(log)-1].ToState, nil
}

// enqueueReprocess is the Finalizer's ReadyCallback: once a re-enqueued
// task's computed delay elapses, run another processing cycle on a
// detached context (the cron job's own goroutine, not a caller's request
// context).
func (e *Engine) enqueueReprocess(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Execution.MaxBatchTimeoutSeconds+30*time.Second)
	defer cancel()
	if _, err := e.ProcessTask(ctx, taskID); err != nil {
		e.logger.Error("re-enqueued processing cycle failed", "task_id", taskID, "error", err)
	}
}
