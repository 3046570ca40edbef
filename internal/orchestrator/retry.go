package orchestrator

import (
	"fmt"
	"strings"

	"github.com/gantry-io/gantry/internal/event"
	"github.com/gantry-io/gantry/internal/plan"
	"github.com/gantry-io/gantry/internal/proc"
)

// retryLogTailBytes is how much trailing log a synthesized agent retry
// prompt includes.
const retryLogTailBytes = 2048

// RetryOptions modify a retry. All fields are optional; the zero value
// re-runs the node from its last failed phase.
type RetryOptions struct {
	// Replacement phase specs. A non-nil spec replaces the node's spec
	// and restarts execution from that phase.
	Prechecks  *plan.PhaseSpec
	Work       *plan.PhaseSpec
	Postchecks *plan.PhaseSpec

	// ClearWorktree resets the worktree to its base commit and removes
	// untracked files before the retry.
	ClearWorktree bool
}

func (r RetryOptions) specFor(phase plan.Phase) *plan.PhaseSpec {
	switch phase {
	case plan.PhasePrechecks:
		return r.Prechecks
	case plan.PhaseWork:
		return r.Work
	case plan.PhasePostchecks:
		return r.Postchecks
	}
	return nil
}

func (r RetryOptions) hasNewSpec() bool {
	return r.Prechecks != nil || r.Work != nil || r.Postchecks != nil
}

// RetryNode queues another attempt for a failed node. The attempt
// counter is not touched here; the executor increments it when the
// retry actually starts.
func (o *Orchestrator) RetryNode(planID, nodeName string, opts RetryOptions) error {
	h, err := o.handle(planID)
	if err != nil {
		return err
	}
	p := h.machine.Plan()
	node, err := lookupNode(p, nodeName)
	if err != nil {
		return err
	}
	if node.Exec.Status != plan.StatusFailed {
		return fmt.Errorf("node %s is %s; only failed nodes can be retried", node.Name, node.Exec.Status)
	}

	if opts.ClearWorktree {
		if err := o.clearWorktree(p, node); err != nil {
			return err
		}
	}

	failedPhase := lastFailedPhase(node)
	resume := resumePhase(opts, failedPhase)

	for _, phase := range plan.WorkPhases {
		spec := opts.specFor(phase)
		if spec == nil {
			continue
		}
		node.SetPhaseSpec(phase, spec)
		if err := o.store.WriteNodeSpec(p.ID, node.ID, phase, spec); err != nil {
			return fmt.Errorf("persist %s spec: %w", phase, err)
		}
	}

	// An agent with a live session and an unchanged spec is pointed at
	// its own failure instead of re-running the original prompt cold.
	if !opts.hasNewSpec() && !opts.ClearWorktree &&
		node.Work != nil && node.Work.Type == plan.PhaseAgent && node.Exec.AgentSessionID != "" {
		retrySpec := node.Work.Clone()
		retrySpec.Instructions = o.retryInstructions(p.ID, node, failedPhase)
		node.Work = retrySpec
		if err := o.store.WriteNodeSpec(p.ID, node.ID, plan.PhaseWork, retrySpec); err != nil {
			return fmt.Errorf("persist retry spec: %w", err)
		}
	}

	_ = h.machine.Mutate(node.ID, func(ex *plan.ExecutionState) {
		ex.ResumeFromPhase = resume
		if opts.Work != nil {
			// A replaced work spec invalidates the old session.
			ex.AgentSessionID = ""
		}
		for _, phase := range plan.WorkPhases {
			if phaseAtOrAfter(phase, resume) {
				delete(ex.PhaseStatuses, phase)
			}
		}
		if opts.ClearWorktree {
			ex.CompletedCommit = ""
			delete(ex.PhaseStatuses, plan.PhaseMergeFI)
		}
	})

	if err := h.machine.ResetToPending(node.ID); err != nil {
		return err
	}
	// The plan is live again; a completion stamped before the retry no
	// longer holds.
	p.EndedAt = nil
	if err := o.store.WritePlan(p); err != nil {
		return fmt.Errorf("persist retry: %w", err)
	}
	o.updateIndex(p)

	o.mu.Lock()
	delete(o.completed, p.ID)
	o.mu.Unlock()

	o.bus.Publish(event.NewNodeRetry(p.ID, node.ID, resume))
	o.log.WithPlan(p.ID).WithNode(node.Name).Info("retry queued", "resumeFrom", resume.String())
	return nil
}

// resumePhase picks where the retry restarts.
func resumePhase(opts RetryOptions, failedPhase plan.Phase) plan.Phase {
	if opts.ClearWorktree {
		return plan.PhasePrechecks
	}
	if opts.Prechecks != nil {
		return plan.PhasePrechecks
	}
	if opts.Work != nil {
		return plan.PhaseWork
	}
	if opts.Postchecks != nil {
		if failedPhase == plan.PhasePostchecks {
			return plan.PhasePostchecks
		}
		return failedPhase
	}
	return failedPhase
}

// lastFailedPhase reads the failed phase from the newest attempt
// record, defaulting to work for nodes failed before any attempt ran.
func lastFailedPhase(node *plan.Node) plan.Phase {
	history := node.Exec.AttemptHistory
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].FailedPhase != "" {
			return history[i].FailedPhase
		}
	}
	return plan.PhaseWork
}

func phaseAtOrAfter(phase, resume plan.Phase) bool {
	if resume == plan.PhaseMergeRI {
		return false
	}
	return phaseIndex(phase) >= phaseIndex(resume)
}

func phaseIndex(phase plan.Phase) int {
	for i, p := range plan.WorkPhases {
		if p == phase {
			return i
		}
	}
	return len(plan.WorkPhases)
}

// clearWorktree resets the node's worktree to its base commit. Refused
// once any dependent has forward-integrated this node's commit, since
// the reset would orphan work other nodes already built on.
func (o *Orchestrator) clearWorktree(p *plan.Plan, node *plan.Node) error {
	if node.Exec.WorktreePath == "" {
		return nil
	}
	for _, depID := range node.DependsOn {
		dep := p.Node(depID)
		if dep != nil && dep.Exec.ConsumedByDependents[node.ID] {
			return fmt.Errorf("cannot clear worktree of %s: commit from dependency %s is already merged in", node.Name, dep.Name)
		}
	}
	if node.Exec.BaseCommit == "" {
		return fmt.Errorf("cannot clear worktree of %s: no base commit recorded", node.Name)
	}

	gw, err := o.newGateway(p.RepoPath)
	if err != nil {
		return err
	}
	if err := gw.Fetch(node.Exec.WorktreePath); err != nil {
		o.log.WithPlan(p.ID).WithNode(node.Name).Warn("fetch before clear failed", "error", err)
	}
	if err := gw.ResetHard(node.Exec.WorktreePath, node.Exec.BaseCommit); err != nil {
		return fmt.Errorf("reset worktree: %w", err)
	}
	if err := gw.CleanUntracked(node.Exec.WorktreePath); err != nil {
		return fmt.Errorf("clean worktree: %w", err)
	}
	return nil
}

// retryInstructions renders the prompt for resuming a failed agent
// session.
func (o *Orchestrator) retryInstructions(planID string, node *plan.Node, failedPhase plan.Phase) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your previous run of this task failed during the %s phase.\n", failedPhase)
	if node.Exec.FailureReason != "" {
		fmt.Fprintf(&b, "Failure: %s\n", node.Exec.FailureReason)
	}

	if execLog, err := o.logs.ForNode(planID, node.ID); err == nil {
		if tail, err := execLog.TailBytes(retryLogTailBytes); err == nil && tail != "" {
			b.WriteString("\nRecent log output:\n")
			b.WriteString(tail)
			if !strings.HasSuffix(tail, "\n") {
				b.WriteString("\n")
			}
		}
	}

	b.WriteString("\nPick up where you left off: diagnose what went wrong, fix it, and complete the original task. Commit your work when done.\n")
	return b.String()
}

// ForceFailNode drives a stuck running or scheduled node to failed,
// killing its process tree. The node stays retryable.
func (o *Orchestrator) ForceFailNode(planID, nodeName string) error {
	h, err := o.handle(planID)
	if err != nil {
		return err
	}
	p := h.machine.Plan()
	node, err := lookupNode(p, nodeName)
	if err != nil {
		return err
	}

	switch node.Exec.Status {
	case plan.StatusRunning, plan.StatusScheduled:
	default:
		return fmt.Errorf("node %s is %s; only running or scheduled nodes can be force-failed", node.Name, node.Exec.Status)
	}

	if node.Exec.PID > 0 {
		if err := proc.KillTree(node.Exec.PID, killGrace); err != nil {
			o.log.WithPlan(p.ID).WithNode(node.Name).Warn("kill process tree", "pid", node.Exec.PID, "error", err)
		}
	}
	_ = h.machine.Mutate(node.ID, func(ex *plan.ExecutionState) { ex.PID = 0 })
	if err := h.machine.Transition(node.ID, plan.StatusFailed, "force-failed"); err != nil {
		return err
	}
	_ = h.machine.Mutate(node.ID, func(ex *plan.ExecutionState) { ex.ForceFailed = true })

	if err := o.store.WritePlan(p); err != nil {
		return fmt.Errorf("persist force-fail: %w", err)
	}
	o.updateIndex(p)
	// Announce the terminal node so plan completion fires when this was
	// the last live node.
	o.bus.Publish(event.NewNodeCompleted(p.ID, node.ID, false, nil))
	o.log.WithPlan(p.ID).WithNode(node.Name).Warn("node force-failed")
	return nil
}
