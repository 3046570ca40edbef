package plan

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Build constructs a Plan from a validated Spec: assigns internal node
// IDs, materializes reverse edges, and computes root and leaf sets.
// Dependents are derived exactly once here; execution never walks
// back-references.
func Build(spec Spec) (*Plan, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}
	// Callers that bypass ParseSpec still get a usable ceiling; zero
	// would starve the scheduler.
	if spec.MaxParallel <= 0 {
		spec.MaxParallel = defaultMaxParallel
	}

	p := &Plan{
		ID:           uuid.NewString(),
		Spec:         spec,
		RepoPath:     spec.RepoPath,
		NodeIDByName: make(map[string]string, len(spec.Jobs)),
		Nodes:        make(map[string]*Node, len(spec.Jobs)),
		Paused:       true,
		CreatedAt:    time.Now(),
	}

	for _, js := range spec.Jobs {
		kind := js.Kind
		if kind == "" {
			kind = KindJob
		}
		autoHeal := true
		if js.AutoHeal != nil {
			autoHeal = *js.AutoHeal
		}
		node := &Node{
			ID:               uuid.NewString(),
			Name:             js.ID,
			Kind:             kind,
			Prechecks:        js.Prechecks.Clone(),
			Work:             js.Work.Clone(),
			Postchecks:       js.Postchecks.Clone(),
			AutoHeal:         autoHeal,
			ExpectsNoChanges: js.ExpectsNoChanges,
			Exec:             NewExecutionState(),
		}
		p.NodeIDByName[js.ID] = node.ID
		p.Nodes[node.ID] = node
	}

	// Resolve dependency names to internal IDs and materialize the
	// reverse edges.
	for _, js := range spec.Jobs {
		node := p.NodeByName(js.ID)
		for _, depName := range js.DependsOn {
			depID := p.NodeIDByName[depName]
			node.DependsOn = append(node.DependsOn, depID)
			dep := p.Nodes[depID]
			dep.Dependents = append(dep.Dependents, node.ID)
		}
	}

	for _, node := range p.Nodes {
		if len(node.DependsOn) == 0 {
			p.Roots = append(p.Roots, node.ID)
		}
		if len(node.Dependents) == 0 {
			p.Leaves = append(p.Leaves, node.ID)
		}
	}
	sortByName(p, p.Roots)
	sortByName(p, p.Leaves)

	return p, nil
}

// Validate checks a spec for structural errors: duplicate IDs, unknown
// dependencies, cycles, missing work specs, and bad phase variants.
func Validate(spec Spec) error {
	if len(spec.Jobs) == 0 {
		return fmt.Errorf("plan has no jobs")
	}
	if spec.BaseBranch == "" {
		return fmt.Errorf("plan has no base branch")
	}

	seen := make(map[string]bool, len(spec.Jobs))
	for _, js := range spec.Jobs {
		if js.ID == "" {
			return fmt.Errorf("job with empty id")
		}
		if seen[js.ID] {
			return fmt.Errorf("duplicate job id %q", js.ID)
		}
		seen[js.ID] = true

		if js.Kind != "" && js.Kind != KindJob && js.Kind != KindCoordination {
			return fmt.Errorf("job %q: unknown kind %q", js.ID, js.Kind)
		}
		if js.Kind == KindCoordination {
			if !js.Prechecks.IsZero() || !js.Work.IsZero() || !js.Postchecks.IsZero() {
				return fmt.Errorf("job %q: coordination nodes cannot carry phase specs", js.ID)
			}
		}
		for _, pair := range []struct {
			phase Phase
			spec  *PhaseSpec
		}{
			{PhasePrechecks, js.Prechecks},
			{PhaseWork, js.Work},
			{PhasePostchecks, js.Postchecks},
		} {
			if pair.spec.IsZero() {
				continue
			}
			if err := validatePhaseSpec(pair.spec); err != nil {
				return fmt.Errorf("job %q: %s: %w", js.ID, pair.phase, err)
			}
		}
	}

	for _, js := range spec.Jobs {
		for _, dep := range js.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("job %q depends on unknown job %q", js.ID, dep)
			}
			if dep == js.ID {
				return fmt.Errorf("job %q depends on itself", js.ID)
			}
		}
	}

	if cycle := findCycle(spec); cycle != "" {
		return fmt.Errorf("dependency cycle involving job %q", cycle)
	}
	return nil
}

func validatePhaseSpec(spec *PhaseSpec) error {
	switch spec.Type {
	case PhaseShell:
		if spec.Command == "" {
			return fmt.Errorf("shell phase has no command")
		}
	case PhaseProcess:
		if spec.Program == "" {
			return fmt.Errorf("process phase has no program")
		}
	case PhaseAgent:
		if spec.Instructions == "" && spec.InstructionsRef == "" {
			return fmt.Errorf("agent phase has no instructions")
		}
	default:
		return fmt.Errorf("unknown phase type %q", spec.Type)
	}
	return nil
}

// findCycle runs a three-color DFS over the spec graph and returns the
// ID of a job on a cycle, or "" if the graph is acyclic.
func findCycle(spec Spec) string {
	deps := make(map[string][]string, len(spec.Jobs))
	for _, js := range spec.Jobs {
		deps[js.ID] = js.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if c := visit(dep); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, js := range spec.Jobs {
		if color[js.ID] == white {
			if c := visit(js.ID); c != "" {
				return c
			}
		}
	}
	return ""
}

// sortByName orders node IDs by their user-facing names for
// deterministic iteration.
func sortByName(p *Plan, ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return p.Nodes[ids[i]].Name < p.Nodes[ids[j]].Name
	})
}
