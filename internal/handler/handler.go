// Package handler defines the narrow interface user-supplied step logic
// implements, and the registry that resolves a handler reference to a
// concrete implementation at registration time.
package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskforge/workflowengine/internal/model"
)

// Sequence is the read-only view of a task's sibling steps and their
// results a handler receives.
type Sequence interface {
	FindStepByName(name string) (model.WorkflowStep, bool)
}

// StepHandler is the mandatory interface concrete step logic implements.
// Process returns the result payload to persist as the step's Results, or
// an error: *model.RetryableError for transient failures, *model.PermanentError
// to disable further retries, and any other error is treated as
// RetryableError with no server-directed delay.
type StepHandler interface {
	Process(ctx context.Context, task model.Task, seq Sequence, step model.WorkflowStep) (map[string]any, error)
}

// ResultProcessor is the optional interface a StepHandler may additionally
// implement to control exactly what is written to a step's canonical
// Results, instead of the raw Process return value.
type ResultProcessor interface {
	ProcessResults(step model.WorkflowStep, raw map[string]any, initial map[string]any) map[string]any
}

// Key identifies a handler registration: the named task's
// (namespace, name, version) plus the step name within it.
type Key struct {
	Namespace string
	Name      string
	Version   string
	StepName  string
}

// String renders Key for logging.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%s#%s", k.Namespace, k.Name, k.Version, k.StepName)
}

// Registry resolves a Key to a registered StepHandler. Concurrency-safe,
// following the shape of a registry keyed by identity rather than dynamic
// class lookup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Key]StepHandler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Key]StepHandler)}
}

// Register binds key to h. It rejects a nil handler, and registering the
// same key twice with a different handler; it does not check the handler
// against the step template the key names.
func (r *Registry) Register(key Key, h StepHandler) error {
	if h == nil {
		return fmt.Errorf("handler registry: nil handler for %s", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.handlers[key]; ok && existing != h {
		return fmt.Errorf("handler registry: %s already registered with a different handler", key)
	}
	r.handlers[key] = h
	return nil
}

// Lookup resolves key to its registered StepHandler.
func (r *Registry) Lookup(key Key) (StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	return h, ok
}
