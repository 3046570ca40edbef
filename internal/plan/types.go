// Package plan defines the core data types for Gantry plans.
//
// A plan is a DAG of nodes. Each node is either a job (up to three phase
// specs that mutate a git worktree) or a pure coordination point. Nodes
// carry their execution state, which is persisted by the store and mutated
// exclusively through the state machine.
//
// These are data types plus pure construction helpers; orchestration logic
// lives in the executor, pump, and orchestrator packages.
package plan

import "time"

// -----------------------------------------------------------------------------
// Node Status
// -----------------------------------------------------------------------------

// Status represents the lifecycle status of a node.
type Status string

const (
	// StatusPending indicates the node is waiting on dependencies.
	StatusPending Status = "pending"

	// StatusReady indicates every dependency has succeeded and the node
	// is eligible for scheduling.
	StatusReady Status = "ready"

	// StatusScheduled indicates the pump has selected the node for
	// dispatch but the executor has not started it yet.
	StatusScheduled Status = "scheduled"

	// StatusRunning indicates an executor is driving the node.
	StatusRunning Status = "running"

	// StatusSucceeded indicates the node completed and produced a commit.
	StatusSucceeded Status = "succeeded"

	// StatusFailed indicates the node failed; it may be retried.
	StatusFailed Status = "failed"

	// StatusBlocked indicates an upstream dependency failed, so the node
	// can never run.
	StatusBlocked Status = "blocked"

	// StatusCanceled indicates the node was canceled by the user.
	StatusCanceled Status = "canceled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status is final and never transitions out.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusBlocked, StatusCanceled:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Plan Status
// -----------------------------------------------------------------------------

// PlanStatus is the derived status of an entire plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanPaused    PlanStatus = "paused"
	PlanSucceeded PlanStatus = "succeeded"
	PlanFailed    PlanStatus = "failed"
	PlanPartial   PlanStatus = "partial"
	PlanCanceled  PlanStatus = "canceled"
)

// String returns the string representation of the plan status.
func (s PlanStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the plan status is final.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanSucceeded, PlanFailed, PlanPartial, PlanCanceled:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Phases
// -----------------------------------------------------------------------------

// Phase identifies one step of a node's execution.
type Phase string

const (
	PhasePrechecks  Phase = "prechecks"
	PhaseWork       Phase = "work"
	PhaseCommit     Phase = "commit"
	PhasePostchecks Phase = "postchecks"
	PhaseMergeFI    Phase = "merge-fi"
	PhaseMergeRI    Phase = "merge-ri"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// WorkPhases lists the phases driven by the work runner, in execution order.
var WorkPhases = []Phase{PhasePrechecks, PhaseWork, PhasePostchecks}

// PhaseStatus is the outcome of a single phase within an attempt.
type PhaseStatus string

const (
	PhaseSuccess PhaseStatus = "success"
	PhaseFailed  PhaseStatus = "failed"
	PhaseSkipped PhaseStatus = "skipped"
)

// -----------------------------------------------------------------------------
// Phase Specs
// -----------------------------------------------------------------------------

// PhaseType discriminates the variants of a phase spec.
type PhaseType string

const (
	// PhaseShell runs a command line through the shell.
	PhaseShell PhaseType = "shell"

	// PhaseProcess spawns a program directly with an argument vector.
	PhaseProcess PhaseType = "process"

	// PhaseAgent delegates the phase to an AI agent session.
	PhaseAgent PhaseType = "agent"
)

// PhaseSpec describes how to execute one phase of a job. Exactly one
// variant's fields are meaningful, selected by Type.
type PhaseSpec struct {
	Type PhaseType `json:"type" yaml:"type"`

	// Shell variant.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// Process variant.
	Program string            `json:"program,omitempty" yaml:"program,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Agent variant. Instructions may be rehydrated from a sidecar
	// markdown file by the store; InstructionsRef records that file.
	Instructions    string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	InstructionsRef string `json:"instructionsRef,omitempty" yaml:"-"`
	Model           string `json:"model,omitempty" yaml:"model,omitempty"`
}

// IsZero reports whether the spec is empty (phase not configured).
func (p *PhaseSpec) IsZero() bool {
	return p == nil || p.Type == ""
}

// Clone returns a deep copy of the spec.
func (p *PhaseSpec) Clone() *PhaseSpec {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Args != nil {
		cp.Args = append([]string(nil), p.Args...)
	}
	if p.Env != nil {
		cp.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			cp.Env[k] = v
		}
	}
	return &cp
}

// -----------------------------------------------------------------------------
// Nodes
// -----------------------------------------------------------------------------

// NodeKind discriminates job nodes from pure coordination nodes.
type NodeKind string

const (
	// KindJob is a work-performing node with phase specs.
	KindJob NodeKind = "job"

	// KindCoordination is a pure synchronization point; it performs no
	// work and does not consume a capacity slot.
	KindCoordination NodeKind = "coordination"
)

// Node is a vertex of the plan DAG.
type Node struct {
	// ID is the internal node identifier, unique within the plan.
	ID string `json:"id"`

	// Name is the user-supplied producer ID from the plan spec.
	Name string `json:"name"`

	Kind NodeKind `json:"kind"`

	// Phase specs; any may be nil. Coordination nodes carry none.
	Prechecks  *PhaseSpec `json:"prechecks,omitempty"`
	Work       *PhaseSpec `json:"work,omitempty"`
	Postchecks *PhaseSpec `json:"postchecks,omitempty"`

	// AutoHeal enables the one-shot automatic heal attempt when a
	// phase fails. Defaults to true.
	AutoHeal bool `json:"autoHeal"`

	// ExpectsNoChanges marks validation-only nodes whose success does
	// not require a new commit.
	ExpectsNoChanges bool `json:"expectsNoChanges,omitempty"`

	// DependsOn holds internal node IDs of dependencies. Dependents is
	// the reverse edge set, materialized once at build time and never
	// recomputed during execution.
	DependsOn  []string `json:"dependsOn"`
	Dependents []string `json:"dependents"`

	Exec *ExecutionState `json:"exec"`
}

// IsWorkPerforming reports whether the node consumes a capacity slot.
func (n *Node) IsWorkPerforming() bool {
	return n.Kind != KindCoordination
}

// IsLeaf reports whether the node has no dependents.
func (n *Node) IsLeaf() bool {
	return len(n.Dependents) == 0
}

// PhaseSpecFor returns the spec configured for a work phase, or nil.
func (n *Node) PhaseSpecFor(phase Phase) *PhaseSpec {
	switch phase {
	case PhasePrechecks:
		return n.Prechecks
	case PhaseWork:
		return n.Work
	case PhasePostchecks:
		return n.Postchecks
	}
	return nil
}

// SetPhaseSpec replaces the spec for a work phase.
func (n *Node) SetPhaseSpec(phase Phase, spec *PhaseSpec) {
	switch phase {
	case PhasePrechecks:
		n.Prechecks = spec
	case PhaseWork:
		n.Work = spec
	case PhasePostchecks:
		n.Postchecks = spec
	}
}

// -----------------------------------------------------------------------------
// Execution State
// -----------------------------------------------------------------------------

// ExecutionState is the mutable per-node record driven by the state
// machine and the node executor.
type ExecutionState struct {
	Status Status `json:"status"`

	// Attempts counts execution passes, including the one in flight.
	Attempts int `json:"attempts"`

	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	WorktreePath string `json:"worktreePath,omitempty"`

	// BaseCommit is captured when the worktree is created and is
	// immutable for the lifetime of that worktree; retries reuse it.
	BaseCommit string `json:"baseCommit,omitempty"`

	// CompletedCommit is the artifact produced by this node. Equal to
	// BaseCommit when the node validly produced no changes.
	CompletedCommit string `json:"completedCommit,omitempty"`

	PhaseStatuses map[Phase]PhaseStatus `json:"phaseStatuses"`

	// PID of the currently running OS process, if any; zero when no
	// process is tracked.
	PID int `json:"pid,omitempty"`

	// ResumeFromPhase tells the runner to skip phases completed by an
	// earlier attempt.
	ResumeFromPhase Phase `json:"resumeFromPhase,omitempty"`

	// ConsumedByDependents records which dependents have successfully
	// forward-integrated this node's commit.
	ConsumedByDependents map[string]bool `json:"consumedByDependents,omitempty"`

	// MergedToTarget is set on leaves once reverse integration lands.
	MergedToTarget bool `json:"mergedToTarget,omitempty"`

	// AttemptHistory is append-only, in strict attempt-number order.
	AttemptHistory []AttemptRecord `json:"attemptHistory"`

	// AutoHealAttempted tracks which phases have already consumed their
	// single heal attempt.
	AutoHealAttempted map[Phase]bool `json:"autoHealAttempted,omitempty"`

	// AgentSessionID is an opaque pass-through identifier for resuming
	// agent sessions across attempts.
	AgentSessionID string `json:"agentSessionId,omitempty"`

	// ForceFailed marks a node force-failed by the user or watchdog so
	// it remains retryable.
	ForceFailed bool `json:"forceFailed,omitempty"`

	// FailureReason is the human-readable cause of the last failure.
	FailureReason string `json:"failureReason,omitempty"`

	// Version increments on every mutation of this state.
	Version int `json:"version"`
}

// NewExecutionState returns a fresh pending state.
func NewExecutionState() *ExecutionState {
	return &ExecutionState{
		Status:               StatusPending,
		PhaseStatuses:        make(map[Phase]PhaseStatus),
		ConsumedByDependents: make(map[string]bool),
		AttemptHistory:       []AttemptRecord{},
		AutoHealAttempted:    make(map[Phase]bool),
	}
}

// -----------------------------------------------------------------------------
// Attempts
// -----------------------------------------------------------------------------

// AttemptTrigger identifies why an attempt was started.
type AttemptTrigger string

const (
	TriggerInitial  AttemptTrigger = "initial"
	TriggerRetry    AttemptTrigger = "retry"
	TriggerAutoHeal AttemptTrigger = "auto-heal"
)

// AttemptRecord is an immutable snapshot written when an attempt
// terminates.
type AttemptRecord struct {
	Number  int            `json:"number"`
	Trigger AttemptTrigger `json:"trigger"`

	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`

	// Status is succeeded, failed, or canceled.
	Status Status `json:"status"`

	FailedPhase Phase  `json:"failedPhase,omitempty"`
	Error       string `json:"error,omitempty"`
	ExitCode    *int   `json:"exitCode,omitempty"`

	// WorkUsed is the work phase spec actually executed, which differs
	// from the node's spec during auto-heal.
	WorkUsed *PhaseSpec `json:"workUsed,omitempty"`

	// Log byte range within the node's execution log covering exactly
	// this attempt.
	LogStartOffset int64 `json:"logStartOffset"`
	LogEndOffset   int64 `json:"logEndOffset"`

	WorktreePath    string `json:"worktreePath,omitempty"`
	BaseCommit      string `json:"baseCommit,omitempty"`
	CompletedCommit string `json:"completedCommit,omitempty"`

	Metrics Metrics `json:"metrics,omitzero"`
}

// Metrics aggregates counters reported by runners and resolvers.
type Metrics struct {
	DurationMs    int64 `json:"durationMs,omitempty"`
	TokensUsed    int64 `json:"tokensUsed,omitempty"`
	ToolCalls     int   `json:"toolCalls,omitempty"`
	FilesModified int   `json:"filesModified,omitempty"`
}

// Add accumulates other into m.
func (m *Metrics) Add(other Metrics) {
	m.DurationMs += other.DurationMs
	m.TokensUsed += other.TokensUsed
	m.ToolCalls += other.ToolCalls
	m.FilesModified += other.FilesModified
}

// IsZero reports whether all counters are zero.
func (m Metrics) IsZero() bool {
	return m == Metrics{}
}

// -----------------------------------------------------------------------------
// Work Summaries
// -----------------------------------------------------------------------------

// CommitInfo is one commit in a work summary.
type CommitInfo struct {
	ShortHash string `json:"shortHash"`
	Message   string `json:"message"`
}

// WorkSummary describes the changes a node (or a whole leaf lineage)
// produced between two commits.
type WorkSummary struct {
	CommitCount   int          `json:"commitCount"`
	FilesAdded    int          `json:"filesAdded"`
	FilesModified int          `json:"filesModified"`
	FilesDeleted  int          `json:"filesDeleted"`
	Commits       []CommitInfo `json:"commits,omitempty"`
}

// -----------------------------------------------------------------------------
// Plans
// -----------------------------------------------------------------------------

// Spec is the static, user-supplied definition of a plan.
type Spec struct {
	Name         string     `json:"name" yaml:"name"`
	RepoPath     string     `json:"repoPath" yaml:"repo"`
	BaseBranch   string     `json:"baseBranch" yaml:"base_branch"`
	TargetBranch string     `json:"targetBranch,omitempty" yaml:"target_branch"`
	MaxParallel  int        `json:"maxParallel" yaml:"max_parallel"`
	Jobs         []NodeSpec `json:"jobs" yaml:"jobs"`
}

// NodeSpec is the user-supplied definition of one node.
type NodeSpec struct {
	ID               string     `json:"id" yaml:"id"`
	Kind             NodeKind   `json:"kind,omitempty" yaml:"kind"`
	DependsOn        []string   `json:"dependsOn,omitempty" yaml:"depends_on"`
	AutoHeal         *bool      `json:"autoHeal,omitempty" yaml:"auto_heal"`
	ExpectsNoChanges bool       `json:"expectsNoChanges,omitempty" yaml:"expects_no_changes"`
	Prechecks        *PhaseSpec `json:"prechecks,omitempty" yaml:"prechecks"`
	Work             *PhaseSpec `json:"work,omitempty" yaml:"work"`
	Postchecks       *PhaseSpec `json:"postchecks,omitempty" yaml:"postchecks"`
}

// Plan is a DAG of nodes plus its execution bookkeeping. Plans are
// persisted as JSON by the store; all maps use string keys so a
// write/read round trip is structurally lossless.
type Plan struct {
	// ID is a UUID assigned at creation.
	ID string `json:"id"`

	Spec Spec `json:"spec"`

	// RepoPath is the resolved git repository the plan operates on.
	RepoPath string `json:"repoPath"`

	// NodeIDByName maps user-supplied producer IDs to internal node IDs.
	NodeIDByName map[string]string `json:"nodeIdByName"`

	// Nodes holds every node keyed by internal ID.
	Nodes map[string]*Node `json:"nodes"`

	// Roots and Leaves are derived once at build time.
	Roots  []string `json:"roots"`
	Leaves []string `json:"leaves"`

	// Paused gates the pump; plans are created paused.
	Paused bool `json:"paused"`

	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	// StateVersion increments on every mutation of any node state.
	StateVersion int64 `json:"stateVersion"`
}

// Node returns the node with the given internal ID, or nil.
func (p *Plan) Node(id string) *Node {
	return p.Nodes[id]
}

// NodeByName returns the node for a user-supplied producer ID, or nil.
func (p *Plan) NodeByName(name string) *Node {
	id, ok := p.NodeIDByName[name]
	if !ok {
		return nil
	}
	return p.Nodes[id]
}

// HasTargetBranch reports whether reverse integration applies.
func (p *Plan) HasTargetBranch() bool {
	return p.Spec.TargetBranch != ""
}

// NodeIDs returns all internal node IDs in deterministic (sorted by
// name) order.
func (p *Plan) NodeIDs() []string {
	ids := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		ids = append(ids, id)
	}
	sortByName(p, ids)
	return ids
}
