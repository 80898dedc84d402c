package model

import "time"

// NamedTask is a registered task template, keyed by the unique
// (namespace, name, version) triple. Immutable once created.
type NamedTask struct {
	Namespace string
	Name      string
	Version   string
	Schema    map[string]any // JSON-schema-shaped validation document for Task.Context
	Steps     []StepTemplate
}

// Key returns the (namespace, name, version) identity of the template.
func (t NamedTask) Key() NamedTaskKey {
	return NamedTaskKey{Namespace: t.Namespace, Name: t.Name, Version: t.Version}
}

// NamedTaskKey is the comparable identity of a NamedTask, usable as a map key.
type NamedTaskKey struct {
	Namespace string
	Name      string
	Version   string
}

// StepTemplate is one node of a NamedTask's DAG. Immutable per template
// version.
type StepTemplate struct {
	Name            string
	HandlerRef      string // informational; handlers are looked up by (namespace, name, version, step name), not by this field
	Dependencies    []string
	RetryLimit      int
	Retryable       bool
	DependentSystem string
	HandlerConfig   map[string]any
}

// Task is one DAG instance created from a NamedTask template.
type Task struct {
	TaskID       string
	NamedTaskRef NamedTaskKey
	Context      map[string]any
	Initiator    string
	Source       string
	Reason       string
	CreatedAt    time.Time
}

// WorkflowStep is one node of a Task's DAG instance.
type WorkflowStep struct {
	StepID                string
	TaskRef               string
	NamedStepRef          string // StepTemplate.Name within the owning NamedTask
	Attempts              int
	RetryLimit            int
	Retryable             bool // copied from StepTemplate at instantiation
	LastAttemptedAt       time.Time
	LastFailureAt         time.Time
	BackoffRequestSeconds int64 // server-directed override; meaningful only when HasBackoffOverride is set (0 then means retry immediately)
	HasBackoffOverride    bool
	Results               map[string]any
}

// EdgeType distinguishes the kind of dependency an edge represents. Only one
// kind exists today, but the field leaves room for others later.
type EdgeType string

const EdgeTypeDependency EdgeType = "dependency"

// StepEdge is a directed dependency between two steps within one task.
type StepEdge struct {
	TaskRef  string
	FromStep string
	ToStep   string
	EdgeType EdgeType
}

// Transition is the shared shape of TaskTransition and StepTransition: an
// append-only log row recording one state change.
type Transition struct {
	FromState  State
	ToState    State
	Metadata   map[string]any
	SortKey    int64
	MostRecent bool
	CreatedAt  time.Time
}

// StepTransition is a Transition owned by a WorkflowStep.
type StepTransition struct {
	Transition
	StepID string
}

// TaskTransition is a Transition owned by a Task.
type TaskTransition struct {
	Transition
	TaskID string
}
