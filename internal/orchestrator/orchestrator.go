// Package orchestrator owns plan lifecycle: creation, pause and
// resume, cancellation, deletion, retry, crash recovery, and the pump
// that drives execution. It is the composition root the CLI talks to.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gantry-io/gantry/internal/capacity"
	"github.com/gantry-io/gantry/internal/config"
	"github.com/gantry-io/gantry/internal/conflict"
	"github.com/gantry-io/gantry/internal/event"
	"github.com/gantry-io/gantry/internal/executor"
	"github.com/gantry-io/gantry/internal/integrate"
	"github.com/gantry-io/gantry/internal/logging"
	"github.com/gantry-io/gantry/internal/plan"
	"github.com/gantry-io/gantry/internal/proc"
	"github.com/gantry-io/gantry/internal/pump"
	"github.com/gantry-io/gantry/internal/runner"
	"github.com/gantry-io/gantry/internal/state"
	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/internal/worktree"
)

// gitignoreEntries are the .gitignore lines maintained in managed
// repositories so orchestrator artifacts never read as user changes.
var gitignoreEntries = []string{".gantry/"}

const killGrace = 5 * time.Second

// planHandle bundles what the engine owns per plan: its machine, an
// executor bound to the plan's repository, and the context that
// cancels in-flight node executions.
type planHandle struct {
	machine *state.Machine
	exec    *executor.Executor
	ctx     context.Context
	cancel  context.CancelFunc
}

// Orchestrator is the top-level engine.
type Orchestrator struct {
	cfg         config.Config
	store       *store.Store
	bus         *event.Bus
	log         *logging.Logger
	logs        *logging.ExecLogs
	jobs        runner.JobExecutor
	serializer  *integrate.Serializer
	coordinator *capacity.Coordinator
	pump        *pump.Pump

	// newGateway and alive are swappable for tests.
	newGateway func(repoPath string) (*worktree.Gateway, error)
	alive      func(pid int) bool

	mu        sync.Mutex
	handles   map[string]*planHandle
	completed map[string]bool // plans whose completion event already fired

	watcher  *fsnotify.Watcher
	stopped  chan struct{}
	stopOnce sync.Once
}

// New wires an Orchestrator from configuration. The logger may be nil.
func New(cfg config.Config, log *logging.Logger) (*Orchestrator, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	st, err := store.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var registry *capacity.Registry
	if cfg.Capacity.RegistryDir != "" {
		registry, err = capacity.NewRegistry(cfg.Capacity.RegistryDir)
		if err != nil {
			return nil, fmt.Errorf("capacity registry: %w", err)
		}
	}

	o := &Orchestrator{
		cfg:         cfg,
		store:       st,
		bus:         event.NewBus(),
		log:         log,
		logs:        logging.NewExecLogs(st.LogsDir()),
		jobs:        runner.NewLocalExecutor(),
		serializer:  integrate.NewSerializer(),
		coordinator: capacity.NewCoordinator(cfg.MaxParallel, registry),
		newGateway:  worktree.New,
		alive:       proc.Alive,
		handles:     make(map[string]*planHandle),
		completed:   make(map[string]bool),
		stopped:     make(chan struct{}),
	}
	o.pump = pump.New(o, o, o.coordinator, st, o.bus, log, nil, pump.Config{Interval: cfg.PumpInterval})

	// Plan completion is derived: whenever a node finishes, check
	// whether the whole plan just went terminal.
	o.bus.Subscribe("node.completed", func(e event.Event) {
		if ev, ok := e.(event.NodeCompleted); ok {
			o.maybeCompletePlan(ev.PlanID)
		}
	})
	return o, nil
}

// Bus exposes the event bus for CLI and test subscribers.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// Store exposes the plan store for read-only inspection.
func (o *Orchestrator) Store() *store.Store { return o.store }

// LoadPlans attaches every persisted plan that is not already in
// memory. One-shot CLI operations use this without starting the pump.
func (o *Orchestrator) LoadPlans() error {
	ids, err := o.store.ListPlanIDs()
	if err != nil {
		return fmt.Errorf("list plans: %w", err)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := o.handle(id); err == nil {
			continue
		}
		p, err := o.store.ReadPlan(id)
		if err != nil {
			o.log.Error("load plan", "plan", id, "error", err)
			continue
		}
		if _, err := o.attach(p); err != nil {
			o.log.Error("attach plan", "plan", id, "error", err)
		}
	}
	return nil
}

// Start loads persisted plans, runs crash recovery, begins watching
// storage for external deletions, and starts the pump.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.LoadPlans(); err != nil {
		return err
	}

	o.mu.Lock()
	handles := make([]*planHandle, 0, len(o.handles))
	for _, h := range o.handles {
		handles = append(handles, h)
	}
	o.mu.Unlock()
	for _, h := range handles {
		o.recoverCrashed(h)
	}

	if err := o.startWatcher(); err != nil {
		o.log.Warn("storage watcher unavailable", "error", err)
	}

	o.pump.Start(ctx)
	return nil
}

// Stop halts the pump, cancels in-flight executions, and withdraws the
// capacity registration. Idempotent.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.pump.Stop()

		o.mu.Lock()
		for _, h := range o.handles {
			h.cancel()
		}
		watcher := o.watcher
		o.watcher = nil
		o.mu.Unlock()

		if watcher != nil {
			_ = watcher.Close()
		}
		close(o.stopped)
		if err := o.coordinator.Close(); err != nil {
			o.log.Warn("capacity withdraw failed", "error", err)
		}
		o.logs.CloseAll()
	})
}

// Tick runs one pump pass synchronously. For tests and one-shot runs.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.pump.Tick(ctx)
}

// Machines implements pump.PlanSource.
func (o *Orchestrator) Machines() []*state.Machine {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.handles))
	for id := range o.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	machines := make([]*state.Machine, 0, len(ids))
	for _, id := range ids {
		machines = append(machines, o.handles[id].machine)
	}
	return machines
}

// RunNode implements pump.Dispatcher, routing to the plan's executor
// under the plan's cancellation context.
func (o *Orchestrator) RunNode(_ context.Context, m *state.Machine, nodeID string) {
	o.mu.Lock()
	h := o.handles[m.Plan().ID]
	o.mu.Unlock()
	if h == nil {
		return
	}
	h.exec.RunNode(h.ctx, m, nodeID)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// CreatePlan builds a plan from a spec, attaches it, and persists it
// paused.
func (o *Orchestrator) CreatePlan(spec plan.Spec) (*plan.Plan, error) {
	if spec.RepoPath == "" {
		spec.RepoPath = o.cfg.DefaultRepoPath
	}
	if spec.RepoPath == "" {
		return nil, fmt.Errorf("plan %q has no repository path and no default is configured", spec.Name)
	}

	p, err := plan.Build(spec)
	if err != nil {
		return nil, err
	}
	if _, err := o.attach(p); err != nil {
		return nil, err
	}
	if err := o.store.WritePlan(p); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}
	o.updateIndex(p)
	o.bus.Publish(event.NewPlanCreated(p.ID, p.Spec.Name))
	o.log.WithPlan(p.ID).Info("plan created", "name", p.Spec.Name, "nodes", len(p.Nodes))
	return p, nil
}

// StartPlan unpauses a plan and promotes its roots; the next tick
// begins dispatching.
func (o *Orchestrator) StartPlan(planID string) error {
	h, err := o.handle(planID)
	if err != nil {
		return err
	}
	p := h.machine.Plan()
	wasPaused := p.Paused
	p.Paused = false
	h.machine.PromoteReadyRoots()
	if err := o.store.WritePlan(p); err != nil {
		return err
	}
	o.updateIndex(p)
	if wasPaused && p.StartedAt == nil {
		o.bus.Publish(event.NewPlanStarted(p.ID))
	}
	return nil
}

// PausePlan stops new dispatches; running nodes finish naturally.
func (o *Orchestrator) PausePlan(planID string) error {
	h, err := o.handle(planID)
	if err != nil {
		return err
	}
	p := h.machine.Plan()
	p.Paused = true
	if err := o.store.WritePlan(p); err != nil {
		return err
	}
	o.updateIndex(p)
	return nil
}

// ResumePlan is StartPlan under the name the CLI exposes.
func (o *Orchestrator) ResumePlan(planID string) error {
	return o.StartPlan(planID)
}

// CancelPlan cancels all execution of a plan: in-flight executors are
// signaled, tracked process trees are killed, and every non-terminal
// node transitions to canceled. Idempotent.
func (o *Orchestrator) CancelPlan(planID string) error {
	h, err := o.handle(planID)
	if err != nil {
		return err
	}
	p := h.machine.Plan()

	h.cancel()
	for _, node := range p.Nodes {
		if node.Exec.Status == plan.StatusRunning && node.Exec.PID > 0 {
			if err := proc.KillTree(node.Exec.PID, killGrace); err != nil {
				o.log.WithPlan(p.ID).WithNode(node.Name).Warn("kill process tree", "pid", node.Exec.PID, "error", err)
			}
		}
	}
	h.machine.CancelAll("plan canceled")

	if err := o.store.WritePlan(p); err != nil {
		return err
	}
	o.updateIndex(p)
	o.maybeCompletePlan(p.ID)
	return nil
}

// DeletePlan cancels a plan and removes it, memory first so a failed
// disk removal cannot leave a live engine entry for a dead plan.
func (o *Orchestrator) DeletePlan(planID string) error {
	if _, err := o.handle(planID); err == nil {
		if err := o.CancelPlan(planID); err != nil {
			return err
		}
	}

	o.mu.Lock()
	delete(o.handles, planID)
	delete(o.completed, planID)
	o.mu.Unlock()

	if err := o.store.DeletePlan(planID); err != nil {
		return err
	}
	o.bus.Publish(event.NewPlanDeleted(planID))
	return nil
}

// Plan returns the live plan for inspection.
func (o *Orchestrator) Plan(planID string) (*plan.Plan, error) {
	h, err := o.handle(planID)
	if err != nil {
		return nil, err
	}
	return h.machine.Plan(), nil
}

// PlanStatus derives a plan's current status.
func (o *Orchestrator) PlanStatus(planID string) (plan.PlanStatus, error) {
	h, err := o.handle(planID)
	if err != nil {
		return "", err
	}
	return h.machine.PlanStatus(), nil
}

// ListPlans returns all attached plans sorted by creation time.
func (o *Orchestrator) ListPlans() []*plan.Plan {
	o.mu.Lock()
	defer o.mu.Unlock()

	plans := make([]*plan.Plan, 0, len(o.handles))
	for _, h := range o.handles {
		plans = append(plans, h.machine.Plan())
	}
	sort.Slice(plans, func(i, j int) bool {
		return plans[i].CreatedAt.Before(plans[j].CreatedAt)
	})
	return plans
}

// NodeLogTail returns the last n lines of a node's execution log.
func (o *Orchestrator) NodeLogTail(planID, nodeName string, n int) ([]string, error) {
	h, err := o.handle(planID)
	if err != nil {
		return nil, err
	}
	node, err := lookupNode(h.machine.Plan(), nodeName)
	if err != nil {
		return nil, err
	}
	execLog, err := o.logs.ForNode(planID, node.ID)
	if err != nil {
		return nil, err
	}
	return execLog.TailLines(n), nil
}

// -----------------------------------------------------------------------------
// Wiring
// -----------------------------------------------------------------------------

// attach builds the per-plan handle: a gateway bound to the plan's
// repository, a merger sharing the process-wide RI serializer, and the
// node executor.
func (o *Orchestrator) attach(p *plan.Plan) (*planHandle, error) {
	gw, err := o.newGateway(p.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", p.RepoPath, err)
	}

	resolver := conflict.NewAgentResolver(o.jobs)
	merger := integrate.NewMerger(gw, resolver, o.serializer, o.log.WithPlan(p.ID), integrate.Options{
		Prefer:        o.cfg.Merge.Prefer,
		PushOnSuccess: o.cfg.Merge.PushOnSuccess,
		IgnoreEntries: gitignoreEntries,
	})
	exec := executor.New(o.store, gw, o.jobs, resolver, merger, o.logs, o.bus, o.log, executor.Config{
		WorktreeRoot:          filepath.Join(p.RepoPath, ".gantry", "worktrees"),
		CleanupSuccessfulWork: o.cfg.CleanupSuccessfulWork,
		IgnoreEntries:         gitignoreEntries,
		Prefer:                o.cfg.Merge.Prefer,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h := &planHandle{
		machine: state.NewMachine(p),
		exec:    exec,
		ctx:     ctx,
		cancel:  cancel,
	}
	// The listener fires under the machine lock; node.transition
	// subscribers must not call back into the machine.
	h.machine.SetListener(func(nodeID string, from, to plan.Status, reason string) {
		o.bus.Publish(event.NewNodeTransition(p.ID, nodeID, from, to, reason))
	})

	o.mu.Lock()
	o.handles[p.ID] = h
	o.mu.Unlock()
	return h, nil
}

func (o *Orchestrator) handle(planID string) (*planHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[planID]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", planID, store.ErrNotFound)
	}
	return h, nil
}

// lookupNode accepts either the user-facing node name or the internal
// node ID.
func lookupNode(p *plan.Plan, name string) (*plan.Node, error) {
	if node := p.NodeByName(name); node != nil {
		return node, nil
	}
	if node := p.Node(name); node != nil {
		return node, nil
	}
	return nil, fmt.Errorf("node %q: %w", name, store.ErrNotFound)
}

func (o *Orchestrator) updateIndex(p *plan.Plan) {
	o.mu.Lock()
	h := o.handles[p.ID]
	o.mu.Unlock()

	status := plan.PlanPending
	if h != nil {
		status = h.machine.PlanStatus()
	}
	if err := o.store.UpdateIndex(p.ID, store.IndexEntry{
		Name:      p.Spec.Name,
		Status:    string(status),
		CreatedAt: p.CreatedAt,
	}); err != nil {
		o.log.Warn("update index", "plan", p.ID, "error", err)
	}
}

// maybeCompletePlan emits plan.completed exactly once when a plan
// reaches a terminal status.
func (o *Orchestrator) maybeCompletePlan(planID string) {
	o.mu.Lock()
	h := o.handles[planID]
	if h == nil || o.completed[planID] {
		o.mu.Unlock()
		return
	}
	status := h.machine.PlanStatus()
	if !status.IsTerminal() {
		o.mu.Unlock()
		return
	}
	o.completed[planID] = true
	o.mu.Unlock()

	p := h.machine.Plan()
	if p.EndedAt == nil {
		now := time.Now()
		p.EndedAt = &now
	}
	if err := o.store.WritePlan(p); err != nil {
		o.log.WithPlan(planID).Error("persist completed plan", "error", err)
	}
	o.updateIndex(p)
	o.bus.Publish(event.NewPlanCompleted(planID, status))
	o.log.WithPlan(planID).Info("plan completed", "status", status.String())
}

// -----------------------------------------------------------------------------
// Crash recovery
// -----------------------------------------------------------------------------

// recoverCrashed fails any node recorded as running or scheduled whose
// process no longer exists. Runs at startup before the pump.
func (o *Orchestrator) recoverCrashed(h *planHandle) {
	p := h.machine.Plan()
	changed := false
	for id, node := range p.Nodes {
		ex := node.Exec
		switch ex.Status {
		case plan.StatusRunning:
			if ex.PID > 0 && o.alive(ex.PID) {
				continue
			}
		case plan.StatusScheduled:
			// Persisted as dispatched but the executor never started.
		default:
			continue
		}
		o.log.WithPlan(p.ID).WithNode(node.Name).Warn("recovering crashed node", "pid", ex.PID)
		_ = h.machine.Mutate(id, func(ex *plan.ExecutionState) { ex.PID = 0 })
		if err := h.machine.Transition(id, plan.StatusFailed, "crashed"); err == nil {
			o.bus.Publish(event.NewNodeCompleted(p.ID, id, false, nil))
			changed = true
		}
	}
	if changed {
		if err := o.store.WritePlan(p); err != nil {
			o.log.WithPlan(p.ID).Error("persist after recovery", "error", err)
		}
	}
}

// -----------------------------------------------------------------------------
// Storage watcher
// -----------------------------------------------------------------------------

// startWatcher watches the storage root so plans deleted externally
// (another process, the user) are detached instead of resurrected by
// the next persist.
func (o *Orchestrator) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(o.store.Root()); err != nil {
		_ = watcher.Close()
		return err
	}

	o.mu.Lock()
	o.watcher = watcher
	o.mu.Unlock()

	go func() {
		for {
			select {
			case <-o.stopped:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Remove == 0 {
					continue
				}
				o.onStorageRemoved(filepath.Base(ev.Name))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				o.log.Warn("storage watcher", "error", err)
			}
		}
	}()
	return nil
}

// onStorageRemoved detaches a plan whose directory vanished from under
// the engine.
func (o *Orchestrator) onStorageRemoved(name string) {
	o.mu.Lock()
	h, known := o.handles[name]
	o.mu.Unlock()
	if !known {
		return
	}

	o.log.WithPlan(name).Warn("plan storage removed externally, detaching")
	h.cancel()
	h.machine.CancelAll("storage removed")

	o.mu.Lock()
	delete(o.handles, name)
	delete(o.completed, name)
	o.mu.Unlock()

	o.bus.Publish(event.NewPlanDeleted(name))
}
