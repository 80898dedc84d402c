package eventbus

import (
	"testing"
)

func TestLoadCatalogFromEmbedded(t *testing.T) {
	names, err := LoadCatalog(defaultCatalogYAML)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("expected non-empty catalog")
	}
}

func TestSubscribeUnknownEventRejected(t *testing.T) {
	bus := New([]string{"step.completed"})
	err := bus.Subscribe("step.bogus", func(Event) {})
	if err == nil {
		t.Fatal("expected error subscribing to unknown event")
	}
}

func TestPublishDispatchesSynchronously(t *testing.T) {
	bus := New([]string{"step.completed"})
	var got Event
	if err := bus.Subscribe("step.completed", func(ev Event) { got = ev }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	bus.Publish(Event{Name: "step.completed", StepID: "s1"})
	if got.StepID != "s1" {
		t.Fatalf("subscriber did not observe event: %+v", got)
	}
}

func TestPublishSwallowsSubscriberPanic(t *testing.T) {
	bus := New([]string{"step.completed"})
	called := false
	_ = bus.Subscribe("step.completed", func(Event) { panic("boom") })
	_ = bus.Subscribe("step.completed", func(Event) { called = true })

	bus.Publish(Event{Name: "step.completed"}) // must not panic the test

	if !called {
		t.Fatal("second subscriber should still run after first panicked")
	}
}

func TestPublishUnknownEventIsNoop(t *testing.T) {
	bus := New([]string{"step.completed"})
	called := false
	_ = bus.Subscribe("step.completed", func(Event) { called = true })

	bus.Publish(Event{Name: "step.bogus"})

	if called {
		t.Fatal("unrelated subscriber should not fire for an unknown event")
	}
}
