package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gantry-io/gantry/internal/event"
	"github.com/gantry-io/gantry/internal/logging"
	"github.com/gantry-io/gantry/internal/plan"
	"github.com/gantry-io/gantry/internal/runner"
	"github.com/gantry-io/gantry/internal/state"
)

// healEligible decides whether a failed phase gets the one automatic
// heal attempt.
func (e *Executor) healEligible(node *plan.Node, result runner.Result) bool {
	if !node.AutoHeal || !isWorkPhase(result.FailedPhase) {
		return false
	}
	if node.Exec.AutoHealAttempted[result.FailedPhase] {
		return false
	}
	spec := node.PhaseSpecFor(result.FailedPhase)
	if spec.IsZero() {
		return false
	}
	if spec.Type == plan.PhaseAgent {
		// Agent failures are only retried when the process was killed
		// from outside; the agent already did its own diagnosing.
		return killedBySignal(result)
	}
	return true
}

func killedBySignal(result runner.Result) bool {
	if result.Err == nil {
		return false
	}
	msg := strings.ToLower(result.Err.Error())
	return strings.Contains(msg, "signal") || strings.Contains(msg, "killed")
}

// healOutcome is a successful heal: the heal's own attempt plus the
// runner result to carry into the commit path.
type healOutcome struct {
	att    *attempt
	result runner.Result
}

// autoHeal runs the single heal attempt for a failed phase. A non-nil
// return means the heal succeeded and execution should continue; nil
// means the node was finished (failed or canceled) here.
func (e *Executor) autoHeal(ctx context.Context, m *state.Machine, node *plan.Node, failed runner.Result, execLog *logging.ExecutionLog, base, wtPath string, log *logging.Logger) *healOutcome {
	p := m.Plan()
	phase := failed.FailedPhase
	original := node.PhaseSpecFor(phase)

	_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) {
		if ex.AutoHealAttempted == nil {
			ex.AutoHealAttempted = make(map[plan.Phase]bool)
		}
		ex.AutoHealAttempted[phase] = true
	})

	// The heal runs against a copy of the node so nothing observing the
	// shared node sees a swapped-in spec; the copy shares Exec.
	healNode := node
	resumeSession := ""
	var healSpec *plan.PhaseSpec
	if original.Type == plan.PhaseAgent {
		// Externally killed agent: re-invoke the same task, resuming
		// the session when one exists.
		resumeSession = node.Exec.AgentSessionID
		log.Info("re-invoking killed agent phase", "phase", phase.String())
	} else {
		healSpec = &plan.PhaseSpec{
			Type:         plan.PhaseAgent,
			Instructions: e.healInstructions(original, execLog, failed),
		}
		clone := *node
		clone.SetPhaseSpec(phase, healSpec)
		healNode = &clone
		log.Info("auto-heal synthesized", "phase", phase.String())
	}

	logStart, _ := execLog.Size()
	number := node.Exec.Attempts + 1
	if _, err := e.store.SnapshotSpecsForAttempt(p.ID, node.ID, number); err != nil {
		e.finishFailed(m, node, &attempt{number: number, trigger: plan.TriggerAutoHeal, startedAt: time.Now(), logStart: logStart, execLog: execLog}, phase, nil, fmt.Errorf("snapshot heal attempt: %w", err))
		return nil
	}
	if healSpec != nil {
		// The attempt snapshot must record what actually ran.
		if err := e.store.WriteNodeSpec(p.ID, node.ID, phase, healSpec); err != nil {
			log.Warn("persist heal spec", "error", err)
		}
	}
	_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) { ex.Attempts = number })
	e.publish(event.NewNodeStarted(p.ID, node.ID, number))
	e.persist(m)

	att := &attempt{
		number:    number,
		trigger:   plan.TriggerAutoHeal,
		startedAt: time.Now(),
		logStart:  logStart,
		execLog:   execLog,
	}
	if phase == plan.PhaseWork && healSpec != nil {
		att.workUsed = healSpec
	}
	_ = execLog.Append(phase.String(), "info", fmt.Sprintf("auto-heal attempt %d started", number))

	saved := node.Exec.ResumeFromPhase
	_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) {
		ex.ResumeFromPhase = phase
		if resumeSession != "" {
			ex.AgentSessionID = resumeSession
		} else {
			ex.AgentSessionID = ""
		}
	})
	result := e.runWorkPhases(ctx, m, healNode, att, base, wtPath)
	_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) { ex.ResumeFromPhase = saved })

	if result.Canceled {
		e.finishCanceled(m, node, att, result.FailedPhase)
		return nil
	}
	if !result.Success {
		log.Warn("auto-heal failed", "phase", phase.String(), "error", result.Err)
		e.finishFailed(m, node, att, result.FailedPhase, result.ExitCode, result.Err)
		return nil
	}

	log.Info("auto-heal succeeded", "phase", phase.String())
	return &healOutcome{att: att, result: result}
}

// healInstructions renders the prompt handed to the healing agent.
func (e *Executor) healInstructions(original *plan.PhaseSpec, execLog *logging.ExecutionLog, failed runner.Result) string {
	var b strings.Builder
	b.WriteString("A build step in this workspace failed. Diagnose the failure from the logs below, fix the underlying problem in place, then re-run the original command and make sure it passes.\n\n")

	switch original.Type {
	case plan.PhaseShell:
		fmt.Fprintf(&b, "Original command:\n  %s\n\n", original.Command)
	case plan.PhaseProcess:
		fmt.Fprintf(&b, "Original command:\n  %s %s\n\n", original.Program, strings.Join(original.Args, " "))
	}
	if failed.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\n\n", *failed.ExitCode)
	}

	lines := execLog.TailLines(e.cfg.HealLogLines)
	if len(lines) > 0 {
		fmt.Fprintf(&b, "Last %d log lines:\n", len(lines))
		for _, line := range lines {
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Commit your fix when the command passes.\n")
	return b.String()
}
