package statemachine

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taskforge/workflowengine/internal/model"
)

//go:embed events.yaml
var eventsYAML []byte

// wildcardFrom is the "*" sentinel in events.yaml, matching any source
// state.
const wildcardFrom = "*"

type eventMapFile struct {
	Step map[string]string `yaml:"step"`
	Task map[string]string `yaml:"task"`
}

// EventMap resolves a (from, to) transition to the event name it emits, if
// any. Unmapped transitions are legal but emit no event.
type EventMap struct {
	specific map[transitionKey]string
	wildcard map[model.State]string // keyed by To state
}

type transitionKey struct {
	From model.State
	To   model.State
}

// Lookup returns the event name for the from->to transition and whether one
// is mapped. A specific from->to entry takes precedence over a wildcard
// entry for the same To state.
func (m EventMap) Lookup(from, to model.State) (string, bool) {
	if name, ok := m.specific[transitionKey{From: from, To: to}]; ok {
		return name, true
	}
	if name, ok := m.wildcard[to]; ok {
		return name, true
	}
	return "", false
}

// stepFallback and taskFallback are the in-code copies of the event tables.
// Events are always resolved from the embedded events.yaml; these copies are
// only checked against the YAML-loaded map at construction time.
var stepFallback = map[string]string{
	"PENDING->IN_PROGRESS":  "step.execution_requested",
	"IN_PROGRESS->COMPLETE": "step.completed",
	"*->ERROR":              "step.failed",
	"ERROR->PENDING":        "step.retry_requested",
	"*->CANCELLED":          "step.cancelled",
	"*->RESOLVED_MANUALLY":  "step.resolved_manually",
}

var taskFallback = map[string]string{
	"PENDING->IN_PROGRESS":  "task.execution_requested",
	"IN_PROGRESS->COMPLETE": "task.completed",
	"*->ERROR":              "task.failed",
	"ERROR->PENDING":        "task.retry_requested",
	"*->CANCELLED":          "task.cancelled",
	"*->RESOLVED_MANUALLY":  "task.resolved_manually",
}

// loadEventMaps parses events.yaml and cross-checks each section against its
// in-code fallback table, returning *model.ConfigurationError on any
// divergence.
func loadEventMaps() (step EventMap, task EventMap, err error) {
	var file eventMapFile
	if err := yaml.Unmarshal(eventsYAML, &file); err != nil {
		return EventMap{}, EventMap{}, fmt.Errorf("parse event map: %w", err)
	}

	if err := compareMaps("step", file.Step, stepFallback); err != nil {
		return EventMap{}, EventMap{}, err
	}
	if err := compareMaps("task", file.Task, taskFallback); err != nil {
		return EventMap{}, EventMap{}, err
	}

	step, err = buildEventMap(file.Step)
	if err != nil {
		return EventMap{}, EventMap{}, err
	}
	task, err = buildEventMap(file.Task)
	if err != nil {
		return EventMap{}, EventMap{}, err
	}
	return step, task, nil
}

func compareMaps(section string, yamlMap, fallback map[string]string) error {
	if len(yamlMap) != len(fallback) {
		return &model.ConfigurationError{Message: fmt.Sprintf("%s event map: yaml has %d entries, fallback has %d", section, len(yamlMap), len(fallback))}
	}
	for k, v := range fallback {
		if yamlMap[k] != v {
			return &model.ConfigurationError{Message: fmt.Sprintf("%s event map drift at %q: yaml=%q fallback=%q", section, k, yamlMap[k], v)}
		}
	}
	return nil
}

func buildEventMap(entries map[string]string) (EventMap, error) {
	m := EventMap{
		specific: make(map[transitionKey]string),
		wildcard: make(map[model.State]string),
	}
	for key, name := range entries {
		from, to, err := splitTransitionKey(key)
		if err != nil {
			return EventMap{}, err
		}
		if from == wildcardFrom {
			m.wildcard[model.State(to)] = name
			continue
		}
		m.specific[transitionKey{From: model.State(from), To: model.State(to)}] = name
	}
	return m, nil
}

func splitTransitionKey(key string) (from, to string, err error) {
	parts := strings.SplitN(key, "->", 2)
	if len(parts) != 2 {
		return "", "", &model.ConfigurationError{Message: fmt.Sprintf("malformed event map key %q", key)}
	}
	return parts[0], parts[1], nil
}
