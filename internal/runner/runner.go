// Package runner executes a node's work phases inside its worktree.
// The orchestrator drives runners through the JobExecutor interface so
// tests can substitute fakes.
package runner

import (
	"context"

	"github.com/gantry-io/gantry/internal/plan"
)

// Job describes one execution attempt of a node's work phases.
type Job struct {
	Node         *plan.Node
	WorktreePath string

	// ResumeFromPhase skips phases that an earlier attempt already
	// completed. Empty means run everything from the first phase.
	ResumeFromPhase plan.Phase

	// AgentSessionID resumes an existing agent session instead of
	// starting a new one. Only meaningful for agent phases.
	AgentSessionID string

	// Env is merged over the process environment for every phase.
	Env map[string]string

	// Callbacks. Any may be nil. OnPID fires once per spawned process,
	// before it is waited on, so the watchdog can track liveness.
	OnPhaseStart func(phase plan.Phase)
	OnPhaseEnd   func(phase plan.Phase, status plan.PhaseStatus)
	OnOutput     func(phase plan.Phase, line string)
	OnPID        func(pid int)
}

// Result is the outcome of one attempt.
type Result struct {
	Success bool

	// FailedPhase names the phase that failed; empty on success.
	FailedPhase plan.Phase

	// ExitCode is the failing process's exit code when one exists; nil
	// for spawn errors and cancellations.
	ExitCode *int

	// Err carries the failure cause; nil on success.
	Err error

	// AgentSessionID is the session used or created by an agent phase,
	// so later heal or retry attempts can resume it.
	AgentSessionID string

	// Canceled is set when the context was canceled mid-run.
	Canceled bool

	PhaseStatuses map[plan.Phase]plan.PhaseStatus
}

// JobExecutor runs a job's phases and reports the outcome. Execute
// blocks until the job finishes or ctx is canceled.
type JobExecutor interface {
	Execute(ctx context.Context, job Job) Result
}
