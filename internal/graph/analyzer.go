package graph

import (
	"fmt"
	"sort"

	"github.com/taskforge/workflowengine/internal/model"
)

// Edge is a directed dependency edge: From must reach a terminal-success
// state before To may execute.
type Edge struct {
	From string
	To   string
}

// GraphReport is the result of analyzing one template's step graph.
type GraphReport struct {
	Nodes    []string
	Edges    []Edge
	Topology []string // nil when Cycles is non-empty
	Cycles   [][]string
	Levels   map[string]int
	Roots    []string
	Leaves   []string
	Summary  string
}

// Analyze validates a set of step templates and builds their dependency
// graph report: every step name must be unique, every dependency must
// reference a defined step, and the dependency relation must be a DAG.
//
// An edge runs from a dependency to its dependent (parent -> child), since
// the parent must complete before the child may run.
func Analyze(steps []model.StepTemplate) (GraphReport, error) {
	order := make([]string, 0, len(steps))
	seen := make(map[string]bool, len(steps))
	byName := make(map[string]model.StepTemplate, len(steps))

	for _, s := range steps {
		if seen[s.Name] {
			return GraphReport{}, &model.ConfigurationError{Message: fmt.Sprintf("duplicate step name %q", s.Name)}
		}
		seen[s.Name] = true
		order = append(order, s.Name)
		byName[s.Name] = s
	}

	children := make(map[string][]string) // parent -> dependents
	indegree := make(map[string]int, len(order))
	for _, n := range order {
		indegree[n] = 0
	}

	var edges []Edge
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if !seen[dep] {
				return GraphReport{}, &model.UnknownDependency{Step: s.Name, Missing: dep}
			}
			children[dep] = append(children[dep], s.Name)
			indegree[s.Name]++
			edges = append(edges, Edge{From: dep, To: s.Name})
		}
	}

	if cycles := detectCycles(order, children); len(cycles) > 0 {
		return GraphReport{}, &model.CycleDetected{Cycles: cycles}
	}

	topology := topologicalSort(order, children, indegree)
	levels := computeLevels(topology, byName)

	var roots, leaves []string
	for _, n := range order {
		if indegree[n] == 0 {
			roots = append(roots, n)
		}
		if len(children[n]) == 0 {
			leaves = append(leaves, n)
		}
	}
	sort.Strings(roots)
	sort.Strings(leaves)

	return GraphReport{
		Nodes:    append([]string(nil), order...),
		Edges:    edges,
		Topology: topology,
		Cycles:   nil,
		Levels:   levels,
		Roots:    roots,
		Leaves:   leaves,
		Summary:  fmt.Sprintf("%d nodes, %d edges, %d levels", len(order), len(edges), maxLevel(levels)+1),
	}, nil
}

// detectCycles runs three-color DFS (white/gray/black) over the dependency
// graph and returns every cycle found, each as the slice of node names from
// the back-edge target to the current node and back to the target.
func detectCycles(order []string, children map[string][]string) [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(order))
	for _, n := range order {
		color[n] = white
	}
	var stack []string
	var cycles [][]string

	var visit func(node string)
	visit = func(node string) {
		color[node] = gray
		stack = append(stack, node)
		for _, next := range children[node] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				cycle := extractCycle(stack, next)
				cycles = append(cycles, cycle)
			case black:
				// already fully explored via another path; not a back edge
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
	}

	for _, n := range order {
		if color[n] == white {
			visit(n)
		}
	}
	return cycles
}

// extractCycle returns the slice of stack from target's position to the
// top, with target appended again to close the loop.
func extractCycle(stack []string, target string) []string {
	idx := 0
	for i, n := range stack {
		if n == target {
			idx = i
			break
		}
	}
	cycle := append([]string(nil), stack[idx:]...)
	cycle = append(cycle, target)
	return cycle
}

// topologicalSort runs Kahn's algorithm with a stable tie-break: among nodes
// with indegree 0, prefer insertion order, then lexicographic name, so tests
// can pin one ordering.
func topologicalSort(order []string, children map[string][]string, indegree map[string]int) []string {
	position := make(map[string]int, len(order))
	for i, n := range order {
		position[n] = i
	}

	remaining := make(map[string]int, len(indegree))
	for k, v := range indegree {
		remaining[k] = v
	}

	ready := make([]string, 0, len(order))
	for _, n := range order {
		if remaining[n] == 0 {
			ready = append(ready, n)
		}
	}

	var result []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if position[ready[i]] != position[ready[j]] {
				return position[ready[i]] < position[ready[j]]
			}
			return ready[i] < ready[j]
		})
		next := ready[0]
		ready = ready[1:]
		result = append(result, next)

		for _, child := range children[next] {
			remaining[child]--
			if remaining[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	return result
}

// computeLevels computes level(v) = 1 + max(level(u)) over v's parents, with
// roots at level 0, via a single pass over the topological order.
func computeLevels(topology []string, byName map[string]model.StepTemplate) map[string]int {
	levels := make(map[string]int, len(topology))
	for _, n := range topology {
		level := 0
		for _, dep := range byName[n].Dependencies {
			if l, ok := levels[dep]; ok && l+1 > level {
				level = l + 1
			}
		}
		levels[n] = level
	}
	return levels
}

func maxLevel(levels map[string]int) int {
	max := 0
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	return max
}
