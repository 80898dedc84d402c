// Package graph implements the Template Registry & Graph Analyzer: template
// validation and storage, cycle detection, topological sort, and dependency
// level computation used at task-template registration time.
package graph

import (
	"reflect"
	"sync"

	"github.com/taskforge/workflowengine/internal/model"
)

// RegistrationResult reports the outcome of registering a template.
type RegistrationResult struct {
	Key       model.NamedTaskKey
	Created   bool // false when the registration was an idempotent no-op
	Report    GraphReport
}

// Registry holds validated NamedTask templates keyed by
// (namespace, name, version), guarded for concurrent registration.
type Registry struct {
	mu        sync.RWMutex
	templates map[model.NamedTaskKey]model.NamedTask
}

// NewRegistry returns an empty template registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[model.NamedTaskKey]model.NamedTask)}
}

// Register validates template and stores it. Re-registering a byte-equal
// template is an idempotent no-op;
// re-registering a differing template under the same triple fails with
// *model.DuplicateTemplate. A template whose step graph contains an unknown
// dependency or a cycle fails registration atomically: nothing is stored.
func (r *Registry) Register(template model.NamedTask) (RegistrationResult, error) {
	report, err := Analyze(template.Steps)
	if err != nil {
		return RegistrationResult{}, err
	}

	key := template.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.templates[key]; ok {
		if templatesEqual(existing, template) {
			return RegistrationResult{Key: key, Created: false, Report: report}, nil
		}
		return RegistrationResult{}, &model.DuplicateTemplate{Key: key}
	}

	r.templates[key] = template
	return RegistrationResult{Key: key, Created: true, Report: report}, nil
}

// Get returns the registered template for key, if any.
func (r *Registry) Get(key model.NamedTaskKey) (model.NamedTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[key]
	return t, ok
}

func templatesEqual(a, b model.NamedTask) bool {
	return reflect.DeepEqual(a, b)
}
