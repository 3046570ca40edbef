// Package internal contains integration tests that verify the core
// packages compose: plan construction, the state machine, the event
// bus, the scheduler, and the persistent store working together the
// way the orchestrator wires them.
package internal

import (
	"testing"

	"github.com/gantry-io/gantry/internal/capacity"
	"github.com/gantry-io/gantry/internal/event"
	"github.com/gantry-io/gantry/internal/plan"
	"github.com/gantry-io/gantry/internal/scheduler"
	"github.com/gantry-io/gantry/internal/state"
	"github.com/gantry-io/gantry/internal/store"
)

func diamondSpec() plan.Spec {
	work := &plan.PhaseSpec{Type: plan.PhaseShell, Command: "true"}
	return plan.Spec{
		Name:        "diamond",
		BaseBranch:  "main",
		MaxParallel: 4,
		Jobs: []plan.NodeSpec{
			{ID: "root", Work: work},
			{ID: "left", DependsOn: []string{"root"}, Work: work},
			{ID: "right", DependsOn: []string{"root"}, Work: work},
			{ID: "join", DependsOn: []string{"left", "right"}, Work: work},
		},
	}
}

// TestPlanSurvivesPersistenceRoundTrip drives a plan partway through
// its lifecycle, persists it, and verifies a reload restores every
// piece of execution state the engine depends on.
func TestPlanSurvivesPersistenceRoundTrip(t *testing.T) {
	p, err := plan.Build(diamondSpec())
	if err != nil {
		t.Fatal(err)
	}
	m := state.NewMachine(p)
	m.PromoteReadyRoots()

	rootID := p.NodeIDByName["root"]
	if err := m.Transition(rootID, plan.StatusScheduled, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(rootID, plan.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}
	_ = m.Mutate(rootID, func(ex *plan.ExecutionState) {
		ex.WorktreePath = "/tmp/wt"
		ex.BaseCommit = "abc123"
		ex.PID = 4242
	})

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.WritePlan(p); err != nil {
		t.Fatal(err)
	}

	loaded, err := st.ReadPlan(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	root := loaded.Node(rootID)
	if root.Exec.Status != plan.StatusRunning {
		t.Errorf("status = %s", root.Exec.Status)
	}
	if root.Exec.WorktreePath != "/tmp/wt" || root.Exec.BaseCommit != "abc123" || root.Exec.PID != 4242 {
		t.Errorf("exec state lost: %+v", root.Exec)
	}

	// The reloaded plan drives a machine just like the original.
	m2 := state.NewMachine(loaded)
	if err := m2.Transition(rootID, plan.StatusSucceeded, ""); err != nil {
		t.Fatal(err)
	}
	leftID := loaded.NodeIDByName["left"]
	if got, _ := m2.Status(leftID); got != plan.StatusReady {
		t.Errorf("left after reload = %s, want ready", got)
	}
}

// TestTransitionsFlowToBusSubscribers wires a machine listener to the
// event bus the way the orchestrator does and verifies subscribers see
// every edge in order.
func TestTransitionsFlowToBusSubscribers(t *testing.T) {
	p, err := plan.Build(diamondSpec())
	if err != nil {
		t.Fatal(err)
	}
	m := state.NewMachine(p)

	bus := event.NewBus()
	var transitions []event.NodeTransition
	bus.Subscribe("node.transition", func(e event.Event) {
		if ev, ok := e.(event.NodeTransition); ok {
			transitions = append(transitions, ev)
		}
	})
	m.SetListener(func(nodeID string, from, to plan.Status, reason string) {
		bus.Publish(event.NewNodeTransition(p.ID, nodeID, from, to, reason))
	})

	m.PromoteReadyRoots()
	rootID := p.NodeIDByName["root"]
	_ = m.Transition(rootID, plan.StatusScheduled, "")
	_ = m.Transition(rootID, plan.StatusRunning, "")
	_ = m.Transition(rootID, plan.StatusSucceeded, "")

	// promote + schedule + run + succeed + two dependents promoted
	if len(transitions) != 6 {
		t.Fatalf("transitions = %d, want 6", len(transitions))
	}
	last := transitions[len(transitions)-1]
	if last.To != plan.StatusReady {
		t.Errorf("final edge = %s -> %s", last.From, last.To)
	}
	for _, ev := range transitions {
		if ev.PlanID != p.ID {
			t.Errorf("event for wrong plan: %s", ev.PlanID)
		}
	}
}

// TestSchedulerHonorsCoordinatorBudget checks the pump's selection
// inputs end to end: machine readiness feeding the scheduler, bounded
// by the capacity coordinator's global picture.
func TestSchedulerHonorsCoordinatorBudget(t *testing.T) {
	spec := diamondSpec()
	work := &plan.PhaseSpec{Type: plan.PhaseShell, Command: "true"}
	spec.Jobs = []plan.NodeSpec{
		{ID: "a", Work: work},
		{ID: "b", Work: work},
		{ID: "c", Work: work},
		{ID: "gate", Kind: plan.KindCoordination},
	}
	p, err := plan.Build(spec)
	if err != nil {
		t.Fatal(err)
	}
	m := state.NewMachine(p)
	m.PromoteReadyRoots()

	coord := capacity.NewCoordinator(2, nil)
	coord.SetLocal(0, nil)

	selected := scheduler.Select(m, coord.GlobalRunning(), coord.GlobalMax())

	var workNodes, coordNodes int
	for _, id := range selected {
		if p.Node(id).IsWorkPerforming() {
			workNodes++
		} else {
			coordNodes++
		}
	}
	if workNodes != 2 {
		t.Errorf("work nodes selected = %d, want 2 (global max)", workNodes)
	}
	if coordNodes != 1 {
		t.Errorf("coordination nodes selected = %d, want 1 (budget-free)", coordNodes)
	}
}
