// Package executor drives one node end to end: forward integration of
// upstream commits, work phases, auto-heal, commit capture, and
// reverse integration for leaves. Every attempt leaves an immutable
// AttemptRecord behind.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gantry-io/gantry/internal/conflict"
	"github.com/gantry-io/gantry/internal/event"
	"github.com/gantry-io/gantry/internal/integrate"
	"github.com/gantry-io/gantry/internal/logging"
	"github.com/gantry-io/gantry/internal/plan"
	"github.com/gantry-io/gantry/internal/runner"
	"github.com/gantry-io/gantry/internal/state"
	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/internal/worktree"
)

// Config tunes executor behavior.
type Config struct {
	// WorktreeRoot is the directory under which node worktrees are
	// created.
	WorktreeRoot string

	// CleanupSuccessfulWork removes worktrees once their output is
	// fully consumed.
	CleanupSuccessfulWork bool

	// IgnoreEntries are .gitignore lines maintained in the main
	// repository so orchestrator artifacts never show up as user dirt.
	IgnoreEntries []string

	// Prefer is the conflict resolution hint for FI merges.
	Prefer string

	// HealLogLines is how many trailing log lines the auto-heal
	// instructions include.
	HealLogLines int
}

const defaultHealLogLines = 200

// Executor runs nodes. Safe for concurrent use; per-node state is
// guarded by the state machine and the git gateway serializes through
// the repository itself.
type Executor struct {
	store    *store.Store
	git      *worktree.Gateway
	jobs     runner.JobExecutor
	resolver conflict.Resolver
	merger   *integrate.Merger
	logs     *logging.ExecLogs
	bus      *event.Bus
	log      *logging.Logger
	cfg      Config
}

// New creates an Executor.
func New(st *store.Store, git *worktree.Gateway, jobs runner.JobExecutor, resolver conflict.Resolver, merger *integrate.Merger, logs *logging.ExecLogs, bus *event.Bus, log *logging.Logger, cfg Config) *Executor {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if cfg.HealLogLines <= 0 {
		cfg.HealLogLines = defaultHealLogLines
	}
	if cfg.WorktreeRoot == "" {
		cfg.WorktreeRoot = filepath.Join(git.RepoDir(), ".gantry", "worktrees")
	}
	return &Executor{
		store: st, git: git, jobs: jobs, resolver: resolver,
		merger: merger, logs: logs, bus: bus, log: log, cfg: cfg,
	}
}

// attempt carries the bookkeeping of one in-flight attempt.
type attempt struct {
	number    int
	trigger   plan.AttemptTrigger
	startedAt time.Time
	logStart  int64
	execLog   *logging.ExecutionLog

	// workUsed overrides the node's work spec in the attempt record
	// when a heal swapped in a synthesized task.
	workUsed *plan.PhaseSpec
}

// RunNode executes a scheduled node to a terminal or failed state.
// Blocking; the pump dispatches it on its own goroutine.
func (e *Executor) RunNode(ctx context.Context, m *state.Machine, nodeID string) {
	p := m.Plan()
	node := p.Node(nodeID)
	if node == nil {
		e.log.Error("unknown node dispatched", "node", nodeID)
		return
	}
	log := e.log.WithPlan(p.ID).WithNode(node.Name)

	if !node.IsWorkPerforming() {
		e.runCoordination(m, node, log)
		return
	}

	execLog, err := e.logs.ForNode(p.ID, nodeID)
	if err != nil {
		log.Error("open execution log", "error", err)
		e.failWithoutAttempt(m, node, fmt.Sprintf("open execution log: %v", err))
		return
	}

	att, err := e.beginAttempt(m, node, execLog)
	if err != nil {
		log.Error("begin attempt", "error", err)
		e.failWithoutAttempt(m, node, err.Error())
		return
	}
	log.Info("attempt started", "attempt", att.number, "trigger", string(att.trigger))

	// A retry after an RI-only failure skips straight to the merge.
	if node.Exec.ResumeFromPhase == plan.PhaseMergeRI && node.Exec.CompletedCommit != "" {
		e.runReverseIntegrationOnly(ctx, m, node, att, log)
		return
	}

	base, wtPath, err := e.forwardIntegrate(ctx, m, node, att, log)
	if err != nil {
		log.Warn("forward integration failed", "error", err)
		e.finishFailed(m, node, att, plan.PhaseMergeFI, nil, err)
		return
	}
	e.acknowledgeConsumption(m, node)
	e.SweepWorktrees(m)
	e.persist(m)

	if e.checkpointCanceled(ctx, m, node, att) {
		return
	}

	result := e.runWorkPhases(ctx, m, node, att, base, wtPath)
	if !result.Success {
		if result.Canceled {
			e.finishCanceled(m, node, att, result.FailedPhase)
			return
		}
		if !e.healEligible(node, result) {
			e.finishFailed(m, node, att, result.FailedPhase, result.ExitCode, result.Err)
			return
		}

		// The failed attempt is recorded as-is; the heal is its own
		// attempt with its own record.
		e.appendAttempt(m, node, att, e.failedRecord(node, att, result.FailedPhase, result.ExitCode, result.Err))
		e.persist(m)

		healed := e.autoHeal(ctx, m, node, result, execLog, base, wtPath, log)
		if healed == nil {
			return // autoHeal finished the node as failed or canceled
		}
		att = healed.att
		result = healed.result
	}

	e.completeNode(ctx, m, node, att, base, wtPath, log)
}

// runCoordination completes a pure synchronization node.
func (e *Executor) runCoordination(m *state.Machine, node *plan.Node, log *logging.Logger) {
	p := m.Plan()
	if err := m.Transition(node.ID, plan.StatusRunning, ""); err != nil {
		log.Warn("coordination transition", "error", err)
		return
	}
	// Carry the dependency frontier forward so dependents of this
	// node still see a base commit.
	if commits, err := m.BaseCommitsFor(node.ID); err == nil && len(commits) > 0 {
		_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) {
			ex.BaseCommit = commits[0]
			ex.CompletedCommit = commits[0]
		})
	}
	if err := m.Transition(node.ID, plan.StatusSucceeded, ""); err != nil {
		log.Warn("coordination transition", "error", err)
		return
	}
	e.publish(event.NewNodeCompleted(p.ID, node.ID, true, nil))
	e.persist(m)
}

// beginAttempt stamps the attempt counter, snapshots the spec
// directory, and moves the node to running.
func (e *Executor) beginAttempt(m *state.Machine, node *plan.Node, execLog *logging.ExecutionLog) (*attempt, error) {
	p := m.Plan()

	logStart, err := execLog.Size()
	if err != nil {
		return nil, fmt.Errorf("log offset: %w", err)
	}

	number := node.Exec.Attempts + 1
	trigger := plan.TriggerInitial
	if number > 1 {
		trigger = plan.TriggerRetry
	}

	if _, err := e.store.SnapshotSpecsForAttempt(p.ID, node.ID, number); err != nil {
		return nil, fmt.Errorf("snapshot attempt specs: %w", err)
	}

	if err := m.Transition(node.ID, plan.StatusRunning, ""); err != nil {
		return nil, err
	}
	_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) {
		ex.Attempts = number
		ex.PID = 0
	})
	e.publish(event.NewNodeStarted(p.ID, node.ID, number))
	e.persist(m)

	return &attempt{
		number:    number,
		trigger:   trigger,
		startedAt: time.Now(),
		logStart:  logStart,
		execLog:   execLog,
	}, nil
}

// forwardIntegrate materializes the node's worktree and merges every
// upstream commit into it. Returns the immutable base commit and the
// worktree path.
func (e *Executor) forwardIntegrate(ctx context.Context, m *state.Machine, node *plan.Node, att *attempt, log *logging.Logger) (string, string, error) {
	p := m.Plan()

	commits, err := m.BaseCommitsFor(node.ID)
	if err != nil {
		return "", "", fmt.Errorf("dependency commits: %w", err)
	}

	wtPath := node.Exec.WorktreePath
	if wtPath == "" {
		wtPath = filepath.Join(e.cfg.WorktreeRoot, short8(node.ID))
	}

	baseRef := node.Exec.BaseCommit
	if baseRef == "" {
		if len(commits) > 0 {
			baseRef = commits[0]
		} else {
			baseRef = p.Spec.BaseBranch
		}
	}

	if len(e.cfg.IgnoreEntries) > 0 {
		if err := e.git.EnsureGitignoreEntries(e.git.RepoDir(), e.cfg.IgnoreEntries); err != nil {
			log.Warn("gitignore maintenance failed", "error", err)
		}
	}

	cr, err := e.git.CreateOrReuseDetached(wtPath, baseRef)
	if err != nil {
		return "", "", fmt.Errorf("worktree: %w", err)
	}
	base := node.Exec.BaseCommit
	if base == "" {
		base = cr.BaseCommit
	}
	_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) {
		ex.WorktreePath = wtPath
		ex.BaseCommit = base
	})
	_ = att.execLog.Append(plan.PhaseMergeFI.String(), "info",
		fmt.Sprintf("worktree at %s (base %s, reused=%t)", wtPath, short8(base), cr.Reused))

	for _, commit := range rest(commits) {
		if err := ctx.Err(); err != nil {
			return base, wtPath, err
		}
		mres, err := e.git.Merge(wtPath, commit, fmt.Sprintf("integrate upstream %s", short8(commit)))
		if err != nil {
			return base, wtPath, fmt.Errorf("merge %s: %w", short8(commit), err)
		}
		if mres.HasConflicts {
			_ = att.execLog.Append(plan.PhaseMergeFI.String(), "warn",
				fmt.Sprintf("conflicts merging %s: %v", short8(commit), mres.ConflictFiles))
			res := e.resolver.Resolve(ctx, conflict.Request{
				Dir:           wtPath,
				SourceRef:     commit,
				TargetRef:     "HEAD",
				ConflictFiles: mres.ConflictFiles,
				CommitMessage: fmt.Sprintf("integrate upstream %s", short8(commit)),
				Prefer:        e.cfg.Prefer,
				OnOutput: func(line string) {
					_ = att.execLog.Append(plan.PhaseMergeFI.String(), "info", line)
				},
			})
			if !res.Success {
				_ = e.git.AbortMerge(wtPath)
				return base, wtPath, fmt.Errorf("resolve conflicts for %s: %w", short8(commit), res.Err)
			}
		}
	}

	_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) {
		ex.PhaseStatuses[plan.PhaseMergeFI] = plan.PhaseSuccess
	})
	return base, wtPath, nil
}

// acknowledgeConsumption marks each dependency as consumed by this
// node.
func (e *Executor) acknowledgeConsumption(m *state.Machine, node *plan.Node) {
	for _, depID := range node.DependsOn {
		_ = m.Mutate(depID, func(ex *plan.ExecutionState) {
			if ex.ConsumedByDependents == nil {
				ex.ConsumedByDependents = make(map[string]bool)
			}
			ex.ConsumedByDependents[node.ID] = true
		})
	}
}

// runWorkPhases executes prechecks/work/postchecks through the job
// executor, streaming output to the execution log.
func (e *Executor) runWorkPhases(ctx context.Context, m *state.Machine, node *plan.Node, att *attempt, base, wtPath string) runner.Result {
	p := m.Plan()

	resume := node.Exec.ResumeFromPhase
	if !isWorkPhase(resume) {
		resume = ""
	}

	job := runner.Job{
		Node:            node,
		WorktreePath:    wtPath,
		ResumeFromPhase: resume,
		AgentSessionID:  node.Exec.AgentSessionID,
		Env: map[string]string{
			"GANTRY_PLAN_ID": p.ID,
			"GANTRY_NODE":    node.Name,
			"GANTRY_BASE":    base,
			"GANTRY_ATTEMPT": fmt.Sprintf("%d", att.number),
		},
		OnPhaseStart: func(phase plan.Phase) {
			_ = att.execLog.Append(phase.String(), "info", "phase started")
		},
		OnPhaseEnd: func(phase plan.Phase, status plan.PhaseStatus) {
			_ = att.execLog.Append(phase.String(), "info", "phase "+string(status))
			_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) {
				ex.PhaseStatuses[phase] = status
			})
		},
		OnOutput: func(phase plan.Phase, line string) {
			_ = att.execLog.Append(phase.String(), "info", line)
		},
		OnPID: func(pid int) {
			_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) { ex.PID = pid })
			e.persist(m)
		},
	}

	result := e.jobs.Execute(ctx, job)

	_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) {
		ex.PID = 0
		if result.AgentSessionID != "" {
			ex.AgentSessionID = result.AgentSessionID
		}
	})
	return result
}

// completeNode handles commit capture, reverse integration, the
// success record, and cleanup.
func (e *Executor) completeNode(ctx context.Context, m *state.Machine, node *plan.Node, att *attempt, base, wtPath string, log *logging.Logger) {
	p := m.Plan()

	completed, err := e.git.HeadCommit(wtPath)
	if err != nil || completed == "" {
		completed = base
	}
	// A node that produced no commits carries its base forward. That is
	// expected for validation-only nodes that declare it; for anything
	// else it usually means the work forgot to commit.
	if completed == base && !node.ExpectsNoChanges {
		_ = att.execLog.Append(plan.PhaseCommit.String(), "warn", "work produced no new commits; carrying base commit forward")
	}
	if completed != base && node.ExpectsNoChanges {
		_ = att.execLog.Append(plan.PhaseCommit.String(), "warn", "node declared expects_no_changes but produced commits")
	}
	_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) {
		ex.CompletedCommit = completed
	})

	if node.IsLeaf() && p.HasTargetBranch() {
		if !e.reverseIntegrate(ctx, m, node, att, completed, log) {
			return
		}
	}

	e.finishSucceeded(m, node, att, base, completed, log)
}

// reverseIntegrate merges a leaf's commit to the target branch.
// Returns false when the node was finished as failed.
func (e *Executor) reverseIntegrate(ctx context.Context, m *state.Machine, node *plan.Node, att *attempt, completed string, log *logging.Logger) bool {
	p := m.Plan()

	if completed == node.Exec.BaseCommit {
		// Nothing to merge; the target already contains this history.
		_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) {
			ex.MergedToTarget = true
			ex.PhaseStatuses[plan.PhaseMergeRI] = plan.PhaseSkipped
		})
		return true
	}

	message := fmt.Sprintf("Merge %s (plan %s)", node.Name, p.Spec.Name)
	outcome := e.merger.MergeToTarget(ctx, completed, p.Spec.TargetBranch, message)
	if !outcome.Success {
		log.Warn("reverse integration failed", "error", outcome.Err)
		_ = att.execLog.Append(plan.PhaseMergeRI.String(), "error", fmt.Sprintf("merge to %s failed: %v", p.Spec.TargetBranch, outcome.Err))
		e.finishFailed(m, node, att, plan.PhaseMergeRI, nil, outcome.Err)
		return false
	}
	if outcome.Partial {
		log.Warn("reverse integration partial", "advisory", outcome.Advisory)
		_ = att.execLog.Append(plan.PhaseMergeRI.String(), "warn", outcome.Advisory)
	}
	_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) {
		ex.MergedToTarget = true
		ex.PhaseStatuses[plan.PhaseMergeRI] = plan.PhaseSuccess
	})
	_ = att.execLog.Append(plan.PhaseMergeRI.String(), "info",
		fmt.Sprintf("merged %s to %s as %s", short8(completed), p.Spec.TargetBranch, short8(outcome.MergeCommit)))
	return true
}

// runReverseIntegrationOnly re-runs just the target merge for a node
// whose earlier attempt failed at merge-ri.
func (e *Executor) runReverseIntegrationOnly(ctx context.Context, m *state.Machine, node *plan.Node, att *attempt, log *logging.Logger) {
	completed := node.Exec.CompletedCommit
	if node.IsLeaf() && m.Plan().HasTargetBranch() {
		if !e.reverseIntegrate(ctx, m, node, att, completed, log) {
			return
		}
	}
	e.finishSucceeded(m, node, att, node.Exec.BaseCommit, completed, log)
}

// finishSucceeded records the successful attempt and emits summaries.
func (e *Executor) finishSucceeded(m *state.Machine, node *plan.Node, att *attempt, base, completed string, log *logging.Logger) {
	p := m.Plan()

	summary := e.summarize(base, completed)
	if node.IsLeaf() && p.HasTargetBranch() {
		// Aggregated view of everything this lineage delivers.
		if agg := e.summarize(p.Spec.BaseBranch, completed); agg != nil {
			summary = agg
		}
	}

	rec := e.baseRecord(node, att)
	rec.Status = plan.StatusSucceeded
	rec.CompletedCommit = completed
	if summary != nil {
		rec.Metrics.FilesModified = summary.FilesModified
	}
	e.appendAttempt(m, node, att, rec)

	_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) {
		ex.ResumeFromPhase = ""
		ex.FailureReason = ""
	})
	if err := m.Transition(node.ID, plan.StatusSucceeded, ""); err != nil {
		log.Error("success transition", "error", err)
	}
	e.publish(event.NewNodeCompleted(p.ID, node.ID, true, summary))

	if e.cfg.CleanupSuccessfulWork {
		e.SweepWorktrees(m)
	}
	e.persist(m)
	log.Info("node succeeded", "attempt", att.number, "commit", short8(completed))
}

// finishFailed records a failed attempt and transitions the node.
func (e *Executor) finishFailed(m *state.Machine, node *plan.Node, att *attempt, phase plan.Phase, exitCode *int, cause error) {
	p := m.Plan()
	e.appendAttempt(m, node, att, e.failedRecord(node, att, phase, exitCode, cause))

	reason := "failed"
	if cause != nil {
		reason = cause.Error()
	}
	_ = m.Transition(node.ID, plan.StatusFailed, reason)
	e.publish(event.NewNodeCompleted(p.ID, node.ID, false, nil))
	e.persist(m)
}

// finishCanceled records a canceled attempt.
func (e *Executor) finishCanceled(m *state.Machine, node *plan.Node, att *attempt, phase plan.Phase) {
	rec := e.baseRecord(node, att)
	rec.Status = plan.StatusCanceled
	rec.FailedPhase = phase
	e.appendAttempt(m, node, att, rec)

	if st, _ := m.Status(node.ID); st == plan.StatusRunning {
		_ = m.Transition(node.ID, plan.StatusCanceled, "canceled")
	}
	e.persist(m)
}

// checkpointCanceled is a cooperative abort point between stages.
func (e *Executor) checkpointCanceled(ctx context.Context, m *state.Machine, node *plan.Node, att *attempt) bool {
	st, _ := m.Status(node.ID)
	if ctx.Err() == nil && st == plan.StatusRunning {
		return false
	}
	e.finishCanceled(m, node, att, "")
	return true
}

// failWithoutAttempt fails a node before an attempt could start.
func (e *Executor) failWithoutAttempt(m *state.Machine, node *plan.Node, reason string) {
	st, _ := m.Status(node.ID)
	if st == plan.StatusScheduled {
		_ = m.Transition(node.ID, plan.StatusRunning, "")
	}
	_ = m.Transition(node.ID, plan.StatusFailed, reason)
	e.persist(m)
}

func (e *Executor) baseRecord(node *plan.Node, att *attempt) plan.AttemptRecord {
	logEnd := att.logStart
	if size, err := att.execLog.Size(); err == nil {
		logEnd = size
	}
	now := time.Now()
	workUsed := att.workUsed
	if workUsed == nil {
		workUsed = node.Work
	}
	return plan.AttemptRecord{
		Number:          att.number,
		Trigger:         att.trigger,
		StartedAt:       att.startedAt,
		EndedAt:         now,
		WorkUsed:        workUsed.Clone(),
		LogStartOffset:  att.logStart,
		LogEndOffset:    logEnd,
		WorktreePath:    node.Exec.WorktreePath,
		BaseCommit:      node.Exec.BaseCommit,
		CompletedCommit: node.Exec.CompletedCommit,
		Metrics:         plan.Metrics{DurationMs: now.Sub(att.startedAt).Milliseconds()},
	}
}

func (e *Executor) failedRecord(node *plan.Node, att *attempt, phase plan.Phase, exitCode *int, cause error) plan.AttemptRecord {
	rec := e.baseRecord(node, att)
	rec.Status = plan.StatusFailed
	rec.FailedPhase = phase
	rec.ExitCode = exitCode
	if cause != nil {
		rec.Error = cause.Error()
	}
	return rec
}

func (e *Executor) appendAttempt(m *state.Machine, node *plan.Node, att *attempt, rec plan.AttemptRecord) {
	_ = m.Mutate(node.ID, func(ex *plan.ExecutionState) {
		ex.AttemptHistory = append(ex.AttemptHistory, rec)
	})
	e.archiveAttemptLog(m.Plan().ID, node.ID, att, rec)
}

// archiveAttemptLog copies the attempt's slice of the node log into the
// attempt directory, next to the spec snapshot, so each attempt's
// output survives on disk in isolation.
func (e *Executor) archiveAttemptLog(planID, nodeID string, att *attempt, rec plan.AttemptRecord) {
	path, err := e.store.ExecutionLogPath(planID, nodeID)
	if err != nil {
		return
	}
	data, err := att.execLog.ReadRange(rec.LogStartOffset, rec.LogEndOffset)
	if err != nil {
		return
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		e.log.Debug("archive attempt log", "path", path, "error", err)
	}
}

// SweepWorktrees removes worktrees whose output has been fully
// consumed: non-leaves once every dependent recorded consumption,
// leaves once merged to target (or when no target exists). Candidates
// are collected under the machine lock; other nodes' executors mutate
// consumption state concurrently.
func (e *Executor) SweepWorktrees(m *state.Machine) {
	if !e.cfg.CleanupSuccessfulWork {
		return
	}
	type target struct {
		id, name, path string
	}
	var targets []target
	m.Inspect(func(p *plan.Plan) {
		for id, node := range p.Nodes {
			ex := node.Exec
			if ex.Status != plan.StatusSucceeded || ex.WorktreePath == "" {
				continue
			}
			if !worktreeConsumed(p, node) {
				continue
			}
			targets = append(targets, target{id, node.Name, ex.WorktreePath})
		}
	})
	planID := m.Plan().ID
	for _, tg := range targets {
		if err := e.git.RemoveSafe(tg.path); err != nil {
			e.log.WithPlan(planID).WithNode(tg.name).Warn("worktree removal failed", "path", tg.path, "error", err)
			continue
		}
		_ = m.Mutate(tg.id, func(ex *plan.ExecutionState) { ex.WorktreePath = "" })
	}
}

func worktreeConsumed(p *plan.Plan, node *plan.Node) bool {
	if node.IsLeaf() {
		return !p.HasTargetBranch() || node.Exec.MergedToTarget
	}
	for _, depID := range node.Dependents {
		if !node.Exec.ConsumedByDependents[depID] {
			return false
		}
	}
	return true
}

func (e *Executor) summarize(base, head string) *plan.WorkSummary {
	if base == "" || head == "" || base == head {
		return nil
	}
	summary, err := e.git.Summarize(base, head)
	if err != nil {
		e.log.Debug("summarize failed", "base", short8(base), "head", short8(head), "error", err)
		return nil
	}
	return summary
}

func (e *Executor) persist(m *state.Machine) {
	if err := e.store.WritePlan(m.Plan()); err != nil {
		e.log.Error("persist plan", "plan", m.Plan().ID, "error", err)
	}
}

func (e *Executor) publish(ev event.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func isWorkPhase(p plan.Phase) bool {
	for _, wp := range plan.WorkPhases {
		if p == wp {
			return true
		}
	}
	return false
}

func rest(s []string) []string {
	if len(s) <= 1 {
		return nil
	}
	return s[1:]
}

func short8(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
