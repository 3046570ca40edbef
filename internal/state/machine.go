// Package state owns node status for one plan: legal transitions,
// readiness, plan status derivation, and version bookkeeping.
//
// The machine is the only writer of node status. Terminal transitions
// propagate to dependents: a failure blocks still-pending dependents,
// a success promotes dependents whose dependencies are now met.
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gantry-io/gantry/internal/plan"
)

// ErrInvalidTransition is returned when a requested status change is
// not in the transition graph.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNodeNotFound is returned when a node ID is unknown to the plan.
var ErrNodeNotFound = errors.New("node not found")

// TransitionListener is notified after every applied transition.
type TransitionListener func(nodeID string, from, to plan.Status, reason string)

// transitions is the complete legal transition graph.
var transitions = map[plan.Status][]plan.Status{
	plan.StatusPending:   {plan.StatusReady, plan.StatusBlocked, plan.StatusCanceled},
	plan.StatusReady:     {plan.StatusScheduled, plan.StatusBlocked, plan.StatusCanceled},
	plan.StatusScheduled: {plan.StatusRunning, plan.StatusFailed, plan.StatusCanceled},
	plan.StatusRunning:   {plan.StatusSucceeded, plan.StatusFailed, plan.StatusCanceled},
}

// IsValidTransition reports whether from -> to is legal. Terminal
// statuses have no outgoing edges.
func IsValidTransition(from, to plan.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine guards the execution state of one plan. All methods are safe
// for concurrent use; transitions for one plan are serialized by the
// internal mutex.
type Machine struct {
	mu       sync.Mutex
	plan     *plan.Plan
	listener TransitionListener
}

// NewMachine wraps a plan. The listener may be nil.
func NewMachine(p *plan.Plan) *Machine {
	return &Machine{plan: p}
}

// SetListener installs the transition listener.
func (m *Machine) SetListener(l TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// Plan returns the wrapped plan. Callers must not mutate node status
// directly; use Transition.
func (m *Machine) Plan() *plan.Plan {
	return m.plan
}

// Inspect runs fn against the plan under the machine lock, for reads
// that need a consistent view across nodes. fn must not call back into
// the machine and must not retain references past its return.
func (m *Machine) Inspect(fn func(*plan.Plan)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.plan)
}

// Status returns the current status of a node.
func (m *Machine) Status(nodeID string) (plan.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node := m.plan.Node(nodeID)
	if node == nil {
		return "", fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return node.Exec.Status, nil
}

// AreDependenciesMet reports whether every dependency of the node has
// succeeded.
func (m *Machine) AreDependenciesMet(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dependenciesMet(nodeID)
}

func (m *Machine) dependenciesMet(nodeID string) bool {
	node := m.plan.Node(nodeID)
	if node == nil {
		return false
	}
	for _, depID := range node.DependsOn {
		dep := m.plan.Node(depID)
		if dep == nil || dep.Exec.Status != plan.StatusSucceeded {
			return false
		}
	}
	return true
}

// ReadyNodes returns the IDs of nodes in ready status, ordered by node
// name for determinism.
func (m *Machine) ReadyNodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []string
	for id, node := range m.plan.Nodes {
		if node.Exec.Status == plan.StatusReady {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return m.plan.Nodes[ready[i]].Name < m.plan.Nodes[ready[j]].Name
	})
	return ready
}

// StatusCounts returns a histogram of node statuses.
func (m *Machine) StatusCounts() map[plan.Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[plan.Status]int)
	for _, node := range m.plan.Nodes {
		counts[node.Exec.Status]++
	}
	return counts
}

// RunningWorkCount returns the number of work-performing nodes in
// scheduled or running status. Coordination nodes do not count.
func (m *Machine) RunningWorkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, node := range m.plan.Nodes {
		if !node.IsWorkPerforming() {
			continue
		}
		switch node.Exec.Status {
		case plan.StatusScheduled, plan.StatusRunning:
			count++
		}
	}
	return count
}

// PlanStatus derives the status of the whole plan from node statuses
// and the paused flag.
func (m *Machine) PlanStatus() plan.PlanStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.planStatus()
}

func (m *Machine) planStatus() plan.PlanStatus {
	var scheduled, running, succeeded, failed, blocked, canceled, terminal int
	total := len(m.plan.Nodes)
	for _, node := range m.plan.Nodes {
		switch node.Exec.Status {
		case plan.StatusScheduled:
			scheduled++
		case plan.StatusRunning:
			running++
		case plan.StatusSucceeded:
			succeeded++
		case plan.StatusFailed:
			failed++
		case plan.StatusBlocked:
			blocked++
		case plan.StatusCanceled:
			canceled++
		}
		if node.Exec.Status.IsTerminal() {
			terminal++
		}
	}

	// Terminal outcomes outrank the paused flag: a plan canceled or
	// failed while paused is done, not paused.
	switch {
	case scheduled+running > 0:
		return plan.PlanRunning
	case terminal == total && succeeded == total:
		return plan.PlanSucceeded
	case terminal == total && canceled > 0 && succeeded == 0 && failed == 0:
		return plan.PlanCanceled
	case terminal == total && succeeded == 0:
		return plan.PlanFailed
	case terminal == total:
		return plan.PlanPartial
	case m.plan.Paused:
		return plan.PlanPaused
	default:
		return plan.PlanPending
	}
}

// Transition validates and applies a status change, bumps the node and
// plan versions, and propagates terminal outcomes to dependents.
func (m *Machine) Transition(nodeID string, to plan.Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(nodeID, to, reason)
}

func (m *Machine) transition(nodeID string, to plan.Status, reason string) error {
	node := m.plan.Node(nodeID)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	from := node.Exec.Status
	if !IsValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s (node %s)", ErrInvalidTransition, from, to, node.Name)
	}

	node.Exec.Status = to
	if to == plan.StatusRunning && node.Exec.StartedAt == nil {
		now := time.Now()
		node.Exec.StartedAt = &now
	}
	if to.IsTerminal() {
		now := time.Now()
		node.Exec.EndedAt = &now
		if to == plan.StatusFailed {
			node.Exec.FailureReason = reason
		}
	}
	m.bump(node)

	if m.listener != nil {
		m.listener(nodeID, from, to, reason)
	}

	switch to {
	case plan.StatusFailed, plan.StatusBlocked:
		m.blockDependents(node)
	case plan.StatusSucceeded:
		m.promoteDependents(node)
	}
	return nil
}

// blockDependents marks not-yet-started dependents of a failed node as
// blocked, transitively. Cancellation does not cascade here: CancelAll
// visits every node itself, and blocking first would strand dependents
// in a terminal status the cancel loop cannot change.
func (m *Machine) blockDependents(node *plan.Node) {
	for _, depID := range node.Dependents {
		dep := m.plan.Node(depID)
		if dep == nil {
			continue
		}
		switch dep.Exec.Status {
		case plan.StatusPending, plan.StatusReady:
			// Re-enters transition so blocking cascades and the
			// listener observes every edge.
			_ = m.transition(depID, plan.StatusBlocked,
				fmt.Sprintf("dependency %s %s", node.Name, node.Exec.Status))
		}
	}
}

// promoteDependents moves pending dependents whose dependencies are all
// met into ready.
func (m *Machine) promoteDependents(node *plan.Node) {
	for _, depID := range node.Dependents {
		dep := m.plan.Node(depID)
		if dep == nil || dep.Exec.Status != plan.StatusPending {
			continue
		}
		if m.dependenciesMet(depID) {
			_ = m.transition(depID, plan.StatusReady, "dependencies met")
		}
	}
}

// PromoteReadyRoots moves pending nodes with met dependencies to
// ready. Used at plan start and by the pump's safety sweep to repair
// nodes stranded by a crash mid-transition.
func (m *Machine) PromoteReadyRoots() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var promoted []string
	for id, node := range m.plan.Nodes {
		if node.Exec.Status == plan.StatusPending && m.dependenciesMet(id) {
			if err := m.transition(id, plan.StatusReady, "dependencies met"); err == nil {
				promoted = append(promoted, id)
			}
		}
	}
	sort.Slice(promoted, func(i, j int) bool {
		return m.plan.Nodes[promoted[i]].Name < m.plan.Nodes[promoted[j]].Name
	})
	return promoted
}

// CancelAll drives every non-terminal node to canceled.
func (m *Machine) CancelAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, node := range m.plan.Nodes {
		if !node.Exec.Status.IsTerminal() {
			_ = m.transition(id, plan.StatusCanceled, reason)
		}
	}
}

// ResetToPending returns a failed node to pending so it can be retried.
// Only the node itself is reset, never its dependencies. Attempt
// history, worktree path, and base commit survive the reset.
func (m *Machine) ResetToPending(nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.plan.Node(nodeID)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if node.Exec.Status != plan.StatusFailed {
		return fmt.Errorf("%w: %s -> pending (node %s)", ErrInvalidTransition, node.Exec.Status, node.Name)
	}

	from := node.Exec.Status
	node.Exec.Status = plan.StatusPending
	node.Exec.EndedAt = nil
	node.Exec.ForceFailed = false
	node.Exec.FailureReason = ""
	m.bump(node)

	if m.listener != nil {
		m.listener(nodeID, from, plan.StatusPending, "retry")
	}

	if m.dependenciesMet(nodeID) {
		_ = m.transition(nodeID, plan.StatusReady, "dependencies met")
	}
	return nil
}

// BaseCommitsFor returns the completed commits of the node's
// dependencies in dependency order. The first is the worktree base;
// the rest are merge sources for forward integration.
func (m *Machine) BaseCommitsFor(nodeID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.plan.Node(nodeID)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	commits := make([]string, 0, len(node.DependsOn))
	for _, depID := range node.DependsOn {
		dep := m.plan.Node(depID)
		if dep == nil || dep.Exec.CompletedCommit == "" {
			return nil, fmt.Errorf("dependency %s of %s has no completed commit", depID, node.Name)
		}
		commits = append(commits, dep.Exec.CompletedCommit)
	}
	return commits, nil
}

// Mutate runs fn against a node's execution state under the machine
// lock and bumps versions. For state changes other than status, which
// only Transition may touch.
func (m *Machine) Mutate(nodeID string, fn func(*plan.ExecutionState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.plan.Node(nodeID)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	fn(node.Exec)
	m.bump(node)
	return nil
}

// bump increments the node's version and the plan's state version.
// Every mutation funnels through here.
func (m *Machine) bump(node *plan.Node) {
	node.Exec.Version++
	m.plan.StateVersion++
}
