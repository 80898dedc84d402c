package graph

import (
	"errors"
	"testing"

	"github.com/taskforge/workflowengine/internal/model"
)

func diamondSteps() []model.StepTemplate {
	return []model.StepTemplate{
		{Name: "A", Dependencies: nil},
		{Name: "B", Dependencies: []string{"A"}},
		{Name: "C", Dependencies: []string{"A"}},
		{Name: "D", Dependencies: []string{"B", "C"}},
	}
}

func TestAnalyzeDiamond(t *testing.T) {
	report, err := Analyze(diamondSteps())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Topology) != 4 || report.Topology[0] != "A" || report.Topology[3] != "D" {
		t.Fatalf("unexpected topology: %v", report.Topology)
	}
	if !(report.Topology[1] == "B" && report.Topology[2] == "C") {
		t.Fatalf("expected stable B,C tie-break, got %v", report.Topology)
	}
	if report.Levels["A"] != 0 || report.Levels["B"] != 1 || report.Levels["C"] != 1 || report.Levels["D"] != 2 {
		t.Fatalf("unexpected levels: %v", report.Levels)
	}
	if len(report.Roots) != 1 || report.Roots[0] != "A" {
		t.Fatalf("unexpected roots: %v", report.Roots)
	}
	if len(report.Leaves) != 1 || report.Leaves[0] != "D" {
		t.Fatalf("unexpected leaves: %v", report.Leaves)
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	r1, _ := Analyze(diamondSteps())
	r2, _ := Analyze(diamondSteps())
	if len(r1.Topology) != len(r2.Topology) {
		t.Fatalf("non-deterministic topology length")
	}
	for i := range r1.Topology {
		if r1.Topology[i] != r2.Topology[i] {
			t.Fatalf("non-deterministic topology at %d: %v vs %v", i, r1.Topology, r2.Topology)
		}
	}
}

func TestAnalyzeCycleRejected(t *testing.T) {
	steps := []model.StepTemplate{
		{Name: "A", Dependencies: []string{"B"}},
		{Name: "B", Dependencies: []string{"A"}},
	}
	_, err := Analyze(steps)
	var cycleErr *model.CycleDetected
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleDetected, got %v", err)
	}
	if len(cycleErr.Cycles) == 0 {
		t.Fatalf("expected at least one reported cycle")
	}
}

func TestAnalyzeUnknownDependency(t *testing.T) {
	steps := []model.StepTemplate{
		{Name: "A", Dependencies: []string{"Z"}},
	}
	_, err := Analyze(steps)
	var unk *model.UnknownDependency
	if !errors.As(err, &unk) {
		t.Fatalf("expected UnknownDependency, got %v", err)
	}
}

func TestAnalyzeDuplicateStepName(t *testing.T) {
	steps := []model.StepTemplate{
		{Name: "A"},
		{Name: "A"},
	}
	_, err := Analyze(steps)
	var cfgErr *model.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	reg := NewRegistry()
	tmpl := model.NamedTask{Namespace: "ns", Name: "n", Version: "v1", Steps: diamondSteps()}

	res1, err := reg.Register(tmpl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res1.Created {
		t.Fatalf("expected first registration to report Created=true")
	}

	res2, err := reg.Register(tmpl)
	if err != nil {
		t.Fatalf("re-registering an identical template should be a no-op, got error: %v", err)
	}
	if res2.Created {
		t.Fatalf("expected second registration to report Created=false")
	}
}

func TestRegisterDifferingTemplateFails(t *testing.T) {
	reg := NewRegistry()
	tmpl := model.NamedTask{Namespace: "ns", Name: "n", Version: "v1", Steps: diamondSteps()}
	if _, err := reg.Register(tmpl); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	differing := tmpl
	differing.Steps = append([]model.StepTemplate{}, diamondSteps()...)
	differing.Steps[0].RetryLimit = 5

	_, err := reg.Register(differing)
	var dup *model.DuplicateTemplate
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateTemplate, got %v", err)
	}
}
