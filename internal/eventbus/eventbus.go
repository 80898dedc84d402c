// Package eventbus implements the synchronous, in-process publish/subscribe
// bus used by the state machines and executor to notify observers. It is explicitly not a message broker:
// subscribers run on the publishing goroutine and a publish never crosses a
// process boundary.
package eventbus

import (
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskforge/workflowengine/internal/model"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Event is the payload delivered to every subscriber for one state
// transition. Task-level events leave StepID/StepName empty.
type Event struct {
	Name              string
	TaskID            string
	StepID            string
	StepName          string
	FromState         model.State
	ToState           model.State
	TransitionedAt    time.Time
	StartedAt         time.Time
	CompletedAt       time.Time
	ExecutionDuration time.Duration
	AttemptNumber     int
	ErrorMessage      string
	ExceptionClass    string
}

// Subscriber receives published events on the publisher's goroutine.
// Subscribers must not block for long: there is no dispatch queue.
type Subscriber func(Event)

type catalogFile struct {
	Events []string `yaml:"events"`
}

// Bus is a flat map from event name to subscriber list, dispatched
// synchronously and locally.
type Bus struct {
	mu          sync.RWMutex
	catalog     map[string]bool
	subscribers map[string][]Subscriber
	logger      *slog.Logger
}

// New builds a Bus whose catalog is exactly eventNames; publishing or
// subscribing to any other name is rejected.
func New(eventNames []string) *Bus {
	catalog := make(map[string]bool, len(eventNames))
	for _, n := range eventNames {
		catalog[n] = true
	}
	return &Bus{
		catalog:     catalog,
		subscribers: make(map[string][]Subscriber),
		logger:      slog.Default().With("component", "eventbus"),
	}
}

// NewDefault builds a Bus from the embedded catalog.yaml.
func NewDefault() (*Bus, error) {
	names, err := LoadCatalog(defaultCatalogYAML)
	if err != nil {
		return nil, err
	}
	return New(names), nil
}

// LoadCatalog parses a catalog.yaml document into its flat list of event
// names.
func LoadCatalog(buf []byte) ([]string, error) {
	var f catalogFile
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return nil, fmt.Errorf("parse event catalog: %w", err)
	}
	if len(f.Events) == 0 {
		return nil, &model.ConfigurationError{Message: "event catalog is empty"}
	}
	return f.Events, nil
}

// Subscribe registers sub to be invoked on every Publish of eventName.
// Subscribing to a name outside the catalog is a ConfigurationError.
func (b *Bus) Subscribe(eventName string, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.catalog[eventName] {
		return &model.ConfigurationError{Message: fmt.Sprintf("unknown event %q", eventName)}
	}
	b.subscribers[eventName] = append(b.subscribers[eventName], sub)
	return nil
}

// Publish dispatches ev to every subscriber of ev.Name synchronously, in
// registration order. A subscriber panic is caught, logged, and never
// propagated to the publisher. Publishing an event outside the
// catalog logs a warning and is otherwise a no-op: state machine transitions
// must never fail because of a telemetry-adjacent concern.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	if !b.catalog[ev.Name] {
		b.mu.RUnlock()
		b.logger.Warn("publish of unknown event name", "event", ev.Name)
		return
	}
	subs := append([]Subscriber(nil), b.subscribers[ev.Name]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(sub, ev)
	}
}

func (b *Bus) dispatch(sub Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "event", ev.Name, "task_id", ev.TaskID, "step_id", ev.StepID, "recover", r)
		}
	}()
	sub(ev)
}

// Names returns the event catalog in no particular order.
func (b *Bus) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.catalog))
	for n := range b.catalog {
		names = append(names, n)
	}
	return names
}
