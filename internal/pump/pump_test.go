package pump

import (
	"context"
	"sync"
	"testing"

	"github.com/gantry-io/gantry/internal/capacity"
	"github.com/gantry-io/gantry/internal/event"
	"github.com/gantry-io/gantry/internal/plan"
	"github.com/gantry-io/gantry/internal/state"
	"github.com/gantry-io/gantry/internal/store"
)

type staticSource struct {
	machines []*state.Machine
}

func (s *staticSource) Machines() []*state.Machine { return s.machines }

// recordingDispatcher completes every node it receives.
type recordingDispatcher struct {
	mu    sync.Mutex
	nodes []string
}

func (d *recordingDispatcher) RunNode(_ context.Context, m *state.Machine, nodeID string) {
	d.mu.Lock()
	d.nodes = append(d.nodes, nodeID)
	d.mu.Unlock()
	_ = m.Transition(nodeID, plan.StatusRunning, "")
	_ = m.Transition(nodeID, plan.StatusSucceeded, "")
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.nodes)
}

type countingWake struct {
	acquires, releases int
}

func (w *countingWake) Acquire() { w.acquires++ }
func (w *countingWake) Release() { w.releases++ }

func testMachine(t *testing.T, jobs ...plan.NodeSpec) *state.Machine {
	t.Helper()
	p, err := plan.Build(plan.Spec{Name: "p", BaseBranch: "main", Jobs: jobs})
	if err != nil {
		t.Fatal(err)
	}
	p.Paused = false
	m := state.NewMachine(p)
	m.PromoteReadyRoots()
	return m
}

func work() *plan.PhaseSpec {
	return &plan.PhaseSpec{Type: plan.PhaseShell, Command: "true"}
}

func newTestPump(t *testing.T, src PlanSource, d Dispatcher, globalMax int) *Pump {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(src, d, capacity.NewCoordinator(globalMax, nil), st, nil, nil, nil, Config{})
}

func TestTickDispatchesReadyNodes(t *testing.T) {
	m := testMachine(t,
		plan.NodeSpec{ID: "a", Work: work()},
		plan.NodeSpec{ID: "b", Work: work()},
	)
	d := &recordingDispatcher{}
	p := newTestPump(t, &staticSource{machines: []*state.Machine{m}}, d, 8)

	p.Tick(context.Background())
	p.wg.Wait()

	if d.count() != 2 {
		t.Fatalf("dispatched %d nodes, want 2", d.count())
	}
	if got := m.PlanStatus(); got != plan.PlanSucceeded {
		t.Errorf("plan status = %s", got)
	}
}

func TestTickSkipsPausedPlans(t *testing.T) {
	m := testMachine(t, plan.NodeSpec{ID: "a", Work: work()})
	m.Plan().Paused = true
	d := &recordingDispatcher{}
	p := newTestPump(t, &staticSource{machines: []*state.Machine{m}}, d, 8)

	p.Tick(context.Background())
	p.wg.Wait()

	if d.count() != 0 {
		t.Errorf("dispatched %d nodes from a paused plan", d.count())
	}
}

func TestTickHonorsGlobalBudget(t *testing.T) {
	m := testMachine(t,
		plan.NodeSpec{ID: "a", Work: work()},
		plan.NodeSpec{ID: "b", Work: work()},
		plan.NodeSpec{ID: "c", Work: work()},
	)
	m.Plan().Spec.MaxParallel = 8

	// Dispatcher that leaves nodes running so they keep consuming
	// budget across the tick.
	var mu sync.Mutex
	var started []string
	d := dispatcherFunc(func(_ context.Context, mach *state.Machine, id string) {
		mu.Lock()
		started = append(started, id)
		mu.Unlock()
		_ = mach.Transition(id, plan.StatusRunning, "")
	})
	p := newTestPump(t, &staticSource{machines: []*state.Machine{m}}, d, 2)

	p.Tick(context.Background())
	p.wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(started) != 2 {
		t.Errorf("started %d nodes, want 2 (global max)", len(started))
	}
}

type dispatcherFunc func(ctx context.Context, m *state.Machine, nodeID string)

func (f dispatcherFunc) RunNode(ctx context.Context, m *state.Machine, nodeID string) {
	f(ctx, m, nodeID)
}

func TestWatchdogFailsDeadProcesses(t *testing.T) {
	m := testMachine(t, plan.NodeSpec{ID: "a", Work: work()})
	id := m.Plan().NodeIDByName["a"]
	_ = m.Transition(id, plan.StatusScheduled, "")
	_ = m.Transition(id, plan.StatusRunning, "")
	_ = m.Mutate(id, func(ex *plan.ExecutionState) { ex.PID = 424242 })

	d := &recordingDispatcher{}
	p := newTestPump(t, &staticSource{machines: []*state.Machine{m}}, d, 8)
	p.alive = func(int) bool { return false }

	// The watchdog runs every Nth tick.
	for i := 0; i < defaultWatchdogEvery; i++ {
		p.Tick(context.Background())
	}
	p.wg.Wait()

	st, _ := m.Status(id)
	if st != plan.StatusFailed {
		t.Fatalf("status = %s, want failed", st)
	}
	if m.Plan().Node(id).Exec.FailureReason != "process died" {
		t.Errorf("reason = %q", m.Plan().Node(id).Exec.FailureReason)
	}
	if m.Plan().Node(id).Exec.PID != 0 {
		t.Error("pid not cleared")
	}
}

func TestWatchdogAnnouncesDeadNodeCompletion(t *testing.T) {
	m := testMachine(t, plan.NodeSpec{ID: "a", Work: work()})
	id := m.Plan().NodeIDByName["a"]
	_ = m.Transition(id, plan.StatusScheduled, "")
	_ = m.Transition(id, plan.StatusRunning, "")
	_ = m.Mutate(id, func(ex *plan.ExecutionState) { ex.PID = 424242 })

	bus := event.NewBus()
	var completed []event.NodeCompleted
	bus.Subscribe("node.completed", func(e event.Event) {
		if ev, ok := e.(event.NodeCompleted); ok {
			completed = append(completed, ev)
		}
	})

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := New(&staticSource{machines: []*state.Machine{m}}, &recordingDispatcher{}, capacity.NewCoordinator(8, nil), st, bus, nil, nil, Config{})
	p.alive = func(int) bool { return false }

	for i := 0; i < defaultWatchdogEvery; i++ {
		p.Tick(context.Background())
	}
	p.wg.Wait()

	if len(completed) != 1 {
		t.Fatalf("node.completed events = %d, want 1", len(completed))
	}
	if completed[0].Success {
		t.Error("watchdog completion reported success")
	}
	if completed[0].NodeID != id {
		t.Errorf("completion for node %s, want %s", completed[0].NodeID, id)
	}
}

func TestWatchdogLeavesLiveProcesses(t *testing.T) {
	m := testMachine(t, plan.NodeSpec{ID: "a", Work: work()})
	id := m.Plan().NodeIDByName["a"]
	_ = m.Transition(id, plan.StatusScheduled, "")
	_ = m.Transition(id, plan.StatusRunning, "")
	_ = m.Mutate(id, func(ex *plan.ExecutionState) { ex.PID = 1 })

	p := newTestPump(t, &staticSource{machines: []*state.Machine{m}}, &recordingDispatcher{}, 8)
	p.alive = func(int) bool { return true }

	for i := 0; i < defaultWatchdogEvery; i++ {
		p.Tick(context.Background())
	}
	p.wg.Wait()

	if st, _ := m.Status(id); st != plan.StatusRunning {
		t.Errorf("status = %s, want still running", st)
	}
}

func TestWakeLockFollowsRunningWork(t *testing.T) {
	m := testMachine(t, plan.NodeSpec{ID: "a", Work: work()})
	id := m.Plan().NodeIDByName["a"]

	wake := &countingWake{}
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// Dispatcher that leaves the node running.
	d := dispatcherFunc(func(_ context.Context, mach *state.Machine, nid string) {
		_ = mach.Transition(nid, plan.StatusRunning, "")
	})
	p := New(&staticSource{machines: []*state.Machine{m}}, d, capacity.NewCoordinator(8, nil), st, nil, nil, wake, Config{})

	p.Tick(context.Background())
	p.wg.Wait()
	p.Tick(context.Background()) // observes running work
	if wake.acquires != 1 {
		t.Fatalf("acquires = %d, want 1", wake.acquires)
	}

	_ = m.Transition(id, plan.StatusSucceeded, "")
	p.Tick(context.Background())
	if wake.releases != 1 {
		t.Errorf("releases = %d, want 1", wake.releases)
	}

	// No duplicate acquire/release on steady state.
	p.Tick(context.Background())
	if wake.acquires != 1 || wake.releases != 1 {
		t.Errorf("wake calls = %d/%d, want 1/1", wake.acquires, wake.releases)
	}
}
