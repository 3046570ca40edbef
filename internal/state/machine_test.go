package state

import (
	"errors"
	"testing"

	"github.com/gantry-io/gantry/internal/plan"
)

func buildDiamond(t *testing.T) *plan.Plan {
	t.Helper()
	work := &plan.PhaseSpec{Type: plan.PhaseShell, Command: "echo"}
	p, err := plan.Build(plan.Spec{
		Name:       "diamond",
		RepoPath:   "/tmp/repo",
		BaseBranch: "main",
		Jobs: []plan.NodeSpec{
			{ID: "a", Work: work},
			{ID: "b", DependsOn: []string{"a"}, Work: work},
			{ID: "c", DependsOn: []string{"a"}, Work: work},
			{ID: "d", DependsOn: []string{"b", "c"}, Work: work},
		},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return p
}

// drive walks a node through ready -> scheduled -> running -> final.
func drive(t *testing.T, m *Machine, name string, final plan.Status) {
	t.Helper()
	id := m.Plan().NodeIDByName[name]
	for _, to := range []plan.Status{plan.StatusScheduled, plan.StatusRunning, final} {
		if err := m.Transition(id, to, "test"); err != nil {
			t.Fatalf("transition %s -> %s: %v", name, to, err)
		}
	}
	if final == plan.StatusSucceeded {
		_ = m.Mutate(id, func(es *plan.ExecutionState) {
			es.CompletedCommit = "commit-" + name
		})
	}
}

func TestTransitionGraph(t *testing.T) {
	valid := []struct{ from, to plan.Status }{
		{plan.StatusPending, plan.StatusReady},
		{plan.StatusPending, plan.StatusBlocked},
		{plan.StatusPending, plan.StatusCanceled},
		{plan.StatusReady, plan.StatusScheduled},
		{plan.StatusReady, plan.StatusBlocked},
		{plan.StatusReady, plan.StatusCanceled},
		{plan.StatusScheduled, plan.StatusRunning},
		{plan.StatusScheduled, plan.StatusFailed},
		{plan.StatusScheduled, plan.StatusCanceled},
		{plan.StatusRunning, plan.StatusSucceeded},
		{plan.StatusRunning, plan.StatusFailed},
		{plan.StatusRunning, plan.StatusCanceled},
	}
	for _, tt := range valid {
		if !IsValidTransition(tt.from, tt.to) {
			t.Errorf("%s -> %s should be valid", tt.from, tt.to)
		}
	}

	invalid := []struct{ from, to plan.Status }{
		{plan.StatusPending, plan.StatusRunning},
		{plan.StatusReady, plan.StatusRunning},
		{plan.StatusReady, plan.StatusFailed},
		{plan.StatusRunning, plan.StatusReady},
		{plan.StatusSucceeded, plan.StatusRunning},
		{plan.StatusFailed, plan.StatusRunning},
		{plan.StatusBlocked, plan.StatusReady},
		{plan.StatusCanceled, plan.StatusPending},
	}
	for _, tt := range invalid {
		if IsValidTransition(tt.from, tt.to) {
			t.Errorf("%s -> %s should be invalid", tt.from, tt.to)
		}
	}
}

func TestPromoteAndReadiness(t *testing.T) {
	m := NewMachine(buildDiamond(t))

	promoted := m.PromoteReadyRoots()
	if len(promoted) != 1 {
		t.Fatalf("promoted = %v, want one root", promoted)
	}
	ready := m.ReadyNodes()
	if len(ready) != 1 || m.Plan().Nodes[ready[0]].Name != "a" {
		t.Fatalf("ready = %v, want [a]", ready)
	}

	drive(t, m, "a", plan.StatusSucceeded)

	// b and c must now be ready; d still pending.
	ready = m.ReadyNodes()
	if len(ready) != 2 {
		t.Fatalf("ready after a = %d nodes, want 2", len(ready))
	}
	dID := m.Plan().NodeIDByName["d"]
	if st, _ := m.Status(dID); st != plan.StatusPending {
		t.Errorf("d status = %s, want pending", st)
	}
	if m.AreDependenciesMet(dID) {
		t.Error("d dependencies should not be met yet")
	}

	drive(t, m, "b", plan.StatusSucceeded)
	drive(t, m, "c", plan.StatusSucceeded)

	if st, _ := m.Status(dID); st != plan.StatusReady {
		t.Errorf("d status = %s, want ready", st)
	}
	commits, err := m.BaseCommitsFor(dID)
	if err != nil {
		t.Fatalf("BaseCommitsFor: %v", err)
	}
	if len(commits) != 2 || commits[0] != "commit-b" || commits[1] != "commit-c" {
		t.Errorf("commits = %v", commits)
	}
}

func TestFailureBlocksDependents(t *testing.T) {
	m := NewMachine(buildDiamond(t))
	m.PromoteReadyRoots()

	drive(t, m, "a", plan.StatusSucceeded)
	drive(t, m, "b", plan.StatusFailed)

	dID := m.Plan().NodeIDByName["d"]
	if st, _ := m.Status(dID); st != plan.StatusBlocked {
		t.Errorf("d status = %s, want blocked", st)
	}
	// c is unaffected: it depends only on a.
	cID := m.Plan().NodeIDByName["c"]
	if st, _ := m.Status(cID); st != plan.StatusReady {
		t.Errorf("c status = %s, want ready", st)
	}
}

func TestVersionsMonotone(t *testing.T) {
	m := NewMachine(buildDiamond(t))
	p := m.Plan()

	var lastPlan int64
	var lastNode int
	aID := p.NodeIDByName["a"]

	check := func(step string) {
		if p.StateVersion < lastPlan {
			t.Errorf("%s: plan version went backwards (%d -> %d)", step, lastPlan, p.StateVersion)
		}
		if p.Nodes[aID].Exec.Version < lastNode {
			t.Errorf("%s: node version went backwards", step)
		}
		lastPlan = p.StateVersion
		lastNode = p.Nodes[aID].Exec.Version
	}

	m.PromoteReadyRoots()
	check("promote")
	planV, nodeV := p.StateVersion, p.Nodes[aID].Exec.Version

	if err := m.Transition(aID, plan.StatusScheduled, ""); err != nil {
		t.Fatal(err)
	}
	check("schedule")
	if p.StateVersion == planV || p.Nodes[aID].Exec.Version == nodeV {
		t.Error("transition must bump both versions")
	}

	if err := m.Mutate(aID, func(es *plan.ExecutionState) { es.PID = 42 }); err != nil {
		t.Fatal(err)
	}
	check("mutate")
}

func TestTransitionListenerSeesEveryEdge(t *testing.T) {
	m := NewMachine(buildDiamond(t))
	var seen []string
	m.SetListener(func(nodeID string, from, to plan.Status, reason string) {
		seen = append(seen, m.Plan().Nodes[nodeID].Name+":"+string(from)+">"+string(to))
		if !IsValidTransition(from, to) && !(from == plan.StatusFailed && to == plan.StatusPending) {
			t.Errorf("listener observed invalid edge %s -> %s", from, to)
		}
	})

	m.PromoteReadyRoots()
	drive(t, m, "a", plan.StatusSucceeded)
	drive(t, m, "b", plan.StatusFailed)

	if len(seen) == 0 {
		t.Fatal("listener never invoked")
	}
	// Blocking of d must have been observed.
	found := false
	for _, s := range seen {
		if s == "d:pending>blocked" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected d:pending>blocked in %v", seen)
	}
}

func TestPlanStatusDerivation(t *testing.T) {
	m := NewMachine(buildDiamond(t))
	p := m.Plan()

	if got := m.PlanStatus(); got != plan.PlanPaused {
		t.Errorf("initial status = %s, want paused", got)
	}
	p.Paused = false
	if got := m.PlanStatus(); got != plan.PlanPending {
		t.Errorf("unpaused status = %s, want pending", got)
	}

	m.PromoteReadyRoots()
	aID := p.NodeIDByName["a"]
	_ = m.Transition(aID, plan.StatusScheduled, "")
	if got := m.PlanStatus(); got != plan.PlanRunning {
		t.Errorf("scheduled status = %s, want running", got)
	}
	_ = m.Transition(aID, plan.StatusRunning, "")
	_ = m.Transition(aID, plan.StatusSucceeded, "")
	_ = m.Mutate(aID, func(es *plan.ExecutionState) { es.CompletedCommit = "c" })

	drive(t, m, "b", plan.StatusSucceeded)
	drive(t, m, "c", plan.StatusSucceeded)
	drive(t, m, "d", plan.StatusSucceeded)

	if got := m.PlanStatus(); got != plan.PlanSucceeded {
		t.Errorf("final status = %s, want succeeded", got)
	}
}

func TestPlanStatusPartialAndFailed(t *testing.T) {
	m := NewMachine(buildDiamond(t))
	m.Plan().Paused = false
	m.PromoteReadyRoots()

	drive(t, m, "a", plan.StatusSucceeded)
	drive(t, m, "b", plan.StatusFailed)
	drive(t, m, "c", plan.StatusSucceeded)
	// d was blocked by b's failure.

	if got := m.PlanStatus(); got != plan.PlanPartial {
		t.Errorf("status = %s, want partial", got)
	}

	m2 := NewMachine(buildDiamond(t))
	m2.Plan().Paused = false
	m2.PromoteReadyRoots()
	drive(t, m2, "a", plan.StatusFailed)
	if got := m2.PlanStatus(); got != plan.PlanFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestCancelAll(t *testing.T) {
	m := NewMachine(buildDiamond(t))
	m.PromoteReadyRoots()
	drive(t, m, "a", plan.StatusSucceeded)

	m.CancelAll("user cancel")

	for _, node := range m.Plan().Nodes {
		switch node.Name {
		case "a":
			if node.Exec.Status != plan.StatusSucceeded {
				t.Errorf("a = %s, should stay succeeded", node.Exec.Status)
			}
		default:
			if node.Exec.Status != plan.StatusCanceled {
				t.Errorf("%s = %s, want canceled", node.Name, node.Exec.Status)
			}
		}
	}

	// Idempotent.
	m.CancelAll("again")
}

func TestCancelingOneNodeLeavesDependentsPending(t *testing.T) {
	m := NewMachine(buildDiamond(t))
	m.PromoteReadyRoots()

	aID := m.Plan().NodeIDByName["a"]
	if err := m.Transition(aID, plan.StatusCanceled, "user cancel"); err != nil {
		t.Fatal(err)
	}

	// Dependents stay pending so a later CancelAll can reach them.
	for _, name := range []string{"b", "c", "d"} {
		id := m.Plan().NodeIDByName[name]
		if got, _ := m.Status(id); got != plan.StatusPending {
			t.Errorf("%s = %s, want pending", name, got)
		}
	}

	m.CancelAll("user cancel")
	for name, id := range m.Plan().NodeIDByName {
		if got, _ := m.Status(id); got != plan.StatusCanceled {
			t.Errorf("%s = %s, want canceled", name, got)
		}
	}
}

func TestPlanStatusTerminalOutranksPaused(t *testing.T) {
	m := NewMachine(buildDiamond(t))
	m.Plan().Paused = true

	if got := m.PlanStatus(); got != plan.PlanPaused {
		t.Fatalf("status = %s, want paused", got)
	}

	m.CancelAll("plan canceled")
	if got := m.PlanStatus(); got != plan.PlanCanceled {
		t.Errorf("status = %s, want canceled despite paused flag", got)
	}
}

func TestResetToPending(t *testing.T) {
	m := NewMachine(buildDiamond(t))
	m.PromoteReadyRoots()
	drive(t, m, "a", plan.StatusSucceeded)
	drive(t, m, "b", plan.StatusFailed)

	bID := m.Plan().NodeIDByName["b"]
	_ = m.Mutate(bID, func(es *plan.ExecutionState) {
		es.BaseCommit = "base"
		es.Attempts = 1
		es.AttemptHistory = append(es.AttemptHistory, plan.AttemptRecord{Number: 1})
	})

	if err := m.ResetToPending(bID); err != nil {
		t.Fatalf("ResetToPending: %v", err)
	}

	b := m.Plan().Nodes[bID]
	// Dependencies are met, so the reset lands in ready.
	if b.Exec.Status != plan.StatusReady {
		t.Errorf("b status = %s, want ready", b.Exec.Status)
	}
	if b.Exec.BaseCommit != "base" || b.Exec.Attempts != 1 || len(b.Exec.AttemptHistory) != 1 {
		t.Error("reset must preserve base commit and attempt history")
	}

	// Only failed nodes are resettable.
	aID := m.Plan().NodeIDByName["a"]
	if err := m.ResetToPending(aID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reset of succeeded node: err = %v, want ErrInvalidTransition", err)
	}
}
