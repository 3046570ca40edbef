// Package pump drives execution: a periodic, non-reentrant tick that
// runs the liveness watchdog, publishes capacity, promotes stuck
// nodes, and dispatches scheduler selections to the node executor.
package pump

import (
	"context"
	"sync"
	"time"

	"github.com/gantry-io/gantry/internal/capacity"
	"github.com/gantry-io/gantry/internal/event"
	"github.com/gantry-io/gantry/internal/logging"
	"github.com/gantry-io/gantry/internal/plan"
	"github.com/gantry-io/gantry/internal/proc"
	"github.com/gantry-io/gantry/internal/scheduler"
	"github.com/gantry-io/gantry/internal/state"
	"github.com/gantry-io/gantry/internal/store"
)

// PlanSource supplies the live machines to pump. The orchestrator owns
// plan lifecycle; the pump only reads the current set each tick.
type PlanSource interface {
	Machines() []*state.Machine
}

// Dispatcher executes one scheduled node to completion.
type Dispatcher interface {
	RunNode(ctx context.Context, m *state.Machine, nodeID string)
}

// WakeLock keeps the host awake while plans run. Implementations must
// tolerate repeated calls.
type WakeLock interface {
	Acquire()
	Release()
}

// NopWakeLock is the default WakeLock.
type NopWakeLock struct{}

func (NopWakeLock) Acquire() {}
func (NopWakeLock) Release() {}

// Config tunes the pump.
type Config struct {
	// Interval between ticks. The next tick is scheduled only after
	// the previous one finishes.
	Interval time.Duration

	// WatchdogEvery runs the process-liveness watchdog every Nth tick.
	WatchdogEvery int
}

const (
	defaultInterval      = time.Second
	defaultWatchdogEvery = 10
)

// Pump is the scheduling loop.
type Pump struct {
	src      PlanSource
	dispatch Dispatcher
	capacity *capacity.Coordinator
	store    *store.Store
	bus      *event.Bus
	log      *logging.Logger
	wake     WakeLock
	cfg      Config

	// alive is swappable for watchdog tests.
	alive func(pid int) bool

	ticks    int
	wakeHeld bool
	started  bool

	wg   sync.WaitGroup
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New creates a Pump. The bus may be nil; watchdog completions are
// then not announced.
func New(src PlanSource, dispatch Dispatcher, cap *capacity.Coordinator, st *store.Store, bus *event.Bus, log *logging.Logger, wake WakeLock, cfg Config) *Pump {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.WatchdogEvery <= 0 {
		cfg.WatchdogEvery = defaultWatchdogEvery
	}
	if wake == nil {
		wake = NopWakeLock{}
	}
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Pump{
		src:      src,
		dispatch: dispatch,
		capacity: cap,
		store:    st,
		bus:      bus,
		log:      log,
		wake:     wake,
		cfg:      cfg,
		alive:    proc.Alive,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the tick loop until Stop is called or ctx is canceled.
// The timer is rearmed only after a tick completes, so ticks never
// overlap no matter how slow one is.
func (p *Pump) Start(ctx context.Context) {
	p.started = true
	go func() {
		defer close(p.done)
		timer := time.NewTimer(p.cfg.Interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-timer.C:
				p.Tick(ctx)
				timer.Reset(p.cfg.Interval)
			}
		}
	}()
}

// Stop halts the loop and waits for in-flight node executions. Safe to
// call even when the loop was never started.
func (p *Pump) Stop() {
	p.once.Do(func() { close(p.stop) })
	if p.started {
		<-p.done
	}
	p.wg.Wait()
	if p.wakeHeld {
		p.wake.Release()
		p.wakeHeld = false
	}
}

// Tick runs one pump pass. Exported so tests and the orchestrator can
// drive the pump deterministically.
func (p *Pump) Tick(ctx context.Context) {
	machines := p.src.Machines()

	p.ticks++
	if p.ticks%p.cfg.WatchdogEvery == 0 {
		p.watchdog(machines)
	}

	localRunning := 0
	var activePlans []string
	for _, m := range machines {
		running := m.RunningWorkCount()
		localRunning += running
		if running > 0 {
			activePlans = append(activePlans, m.Plan().ID)
		}
	}
	p.capacity.SetLocal(localRunning, activePlans)
	globalRunning := p.capacity.GlobalRunning()

	anyRunning := localRunning > 0
	for _, m := range machines {
		if p.pumpPlan(ctx, m, &globalRunning) {
			anyRunning = true
		}
	}

	p.updateWakeLock(anyRunning)
}

// pumpPlan advances one plan; returns whether it has running work.
func (p *Pump) pumpPlan(ctx context.Context, m *state.Machine, globalRunning *int) bool {
	pl := m.Plan()
	status := m.PlanStatus()
	if pl.Paused || status.IsTerminal() {
		return false
	}

	if pl.StartedAt == nil && m.RunningWorkCount() > 0 {
		now := time.Now()
		pl.StartedAt = &now
	}

	// Safety sweep: nodes stranded in pending by a crash between a
	// dependency completing and the promotion persisting.
	if promoted := m.PromoteReadyRoots(); len(promoted) > 0 {
		p.log.WithPlan(pl.ID).Debug("promoted stuck nodes", "nodes", len(promoted))
	}

	selected := scheduler.Select(m, *globalRunning, p.capacity.GlobalMax())
	if len(selected) == 0 {
		return m.RunningWorkCount() > 0
	}

	var dispatched []string
	for _, nodeID := range selected {
		if err := m.Transition(nodeID, plan.StatusScheduled, ""); err != nil {
			p.log.WithPlan(pl.ID).Warn("schedule transition failed", "node", nodeID, "error", err)
			continue
		}
		if pl.Node(nodeID).IsWorkPerforming() {
			*globalRunning++
		}
		dispatched = append(dispatched, nodeID)
	}

	// Persist the scheduled statuses before the executors start
	// mutating state on their own goroutines.
	if err := p.store.WritePlan(pl); err != nil {
		p.log.WithPlan(pl.ID).Error("persist after dispatch", "error", err)
	}

	for _, nodeID := range dispatched {
		p.wg.Add(1)
		go func(id string) {
			defer p.wg.Done()
			p.dispatch.RunNode(ctx, m, id)
		}(nodeID)
	}
	return true
}

// watchdog fails running nodes whose tracked process has died, leaving
// them retryable. Candidates are collected under the machine lock;
// executors mutate PID and status concurrently.
func (p *Pump) watchdog(machines []*state.Machine) {
	type tracked struct {
		id, name string
		pid      int
	}
	for _, m := range machines {
		pl := m.Plan()
		var running []tracked
		m.Inspect(func(pl *plan.Plan) {
			for id, node := range pl.Nodes {
				if node.Exec.Status == plan.StatusRunning && node.Exec.PID > 0 {
					running = append(running, tracked{id, node.Name, node.Exec.PID})
				}
			}
		})

		changed := false
		for _, tr := range running {
			if p.alive(tr.pid) {
				continue
			}
			p.log.WithPlan(pl.ID).WithNode(tr.name).Warn("tracked process died", "pid", tr.pid)
			_ = m.Mutate(tr.id, func(ex *plan.ExecutionState) { ex.PID = 0 })
			if err := m.Transition(tr.id, plan.StatusFailed, "process died"); err == nil {
				changed = true
				p.publish(event.NewNodeCompleted(pl.ID, tr.id, false, nil))
			}
		}
		if changed {
			if err := p.store.WritePlan(pl); err != nil {
				p.log.WithPlan(pl.ID).Error("persist after watchdog", "error", err)
			}
		}
	}
}

func (p *Pump) publish(ev event.Event) {
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}

func (p *Pump) updateWakeLock(anyRunning bool) {
	if anyRunning && !p.wakeHeld {
		p.wake.Acquire()
		p.wakeHeld = true
	} else if !anyRunning && p.wakeHeld {
		p.wake.Release()
		p.wakeHeld = false
	}
}
