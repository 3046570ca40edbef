// Package scheduler selects which ready nodes to dispatch on a pump
// tick. It is a pure function of the plan, its state machine, and the
// current capacity picture; it performs no I/O and holds no state.
package scheduler

import (
	"sort"

	"github.com/gantry-io/gantry/internal/state"
)

// Select returns the node IDs to dispatch for one plan, bounded by the
// plan's parallelism ceiling and the remaining global budget.
//
// Ready nodes are ordered by dependent count descending, so bottleneck
// nodes unblock the widest part of the graph first, with node name as
// a deterministic tie-break. Coordination nodes do not consume slots
// but are still dispatched.
func Select(m *state.Machine, globalRunning, globalMax int) []string {
	ready := m.ReadyNodes()
	if len(ready) == 0 {
		return nil
	}

	p := m.Plan()
	planRunning := m.RunningWorkCount()
	available := p.Spec.MaxParallel - planRunning
	if global := globalMax - globalRunning; global < available {
		available = global
	}
	if available <= 0 {
		return nil
	}

	sort.SliceStable(ready, func(i, j int) bool {
		a, b := p.Nodes[ready[i]], p.Nodes[ready[j]]
		if len(a.Dependents) != len(b.Dependents) {
			return len(a.Dependents) > len(b.Dependents)
		}
		return a.Name < b.Name
	})

	// Coordination nodes ride along for free; only work-performing
	// nodes count against the budget.
	var selected []string
	for _, id := range ready {
		node := p.Nodes[id]
		if !node.IsWorkPerforming() {
			selected = append(selected, id)
			continue
		}
		if available <= 0 {
			continue
		}
		available--
		selected = append(selected, id)
	}
	return selected
}
