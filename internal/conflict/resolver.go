// Package conflict resolves merge conflicts left in a worktree after a
// failed integration merge, by delegating to an AI agent session.
package conflict

import (
	"context"
	"fmt"
	"strings"

	"github.com/gantry-io/gantry/internal/plan"
	"github.com/gantry-io/gantry/internal/runner"
)

// Request describes one resolution job. The worktree already contains
// conflict markers from an in-progress merge.
type Request struct {
	// Dir is the worktree with the conflicted merge.
	Dir string

	// SourceRef and TargetRef name the two sides of the merge, for the
	// resolver's context.
	SourceRef string
	TargetRef string

	// ConflictFiles lists the paths with markers.
	ConflictFiles []string

	// CommitMessage is the message to use when committing the
	// resolution.
	CommitMessage string

	// Prefer is the resolution hint: "ours" or "theirs".
	Prefer string

	// OnOutput receives resolver output lines. May be nil.
	OnOutput func(line string)
}

// Result is the outcome of a resolution attempt.
type Result struct {
	Success bool

	// SessionID identifies the agent session used, for audit and
	// resumption.
	SessionID string

	Err error
}

// Resolver resolves merge conflicts in a worktree.
type Resolver interface {
	Resolve(ctx context.Context, req Request) Result
}

// AgentResolver resolves conflicts by running a one-shot agent session
// in the conflicted worktree.
type AgentResolver struct {
	exec runner.JobExecutor
}

// NewAgentResolver creates a resolver backed by the given executor.
func NewAgentResolver(exec runner.JobExecutor) *AgentResolver {
	return &AgentResolver{exec: exec}
}

// Resolve synthesizes resolution instructions and runs them as an
// agent work phase in the conflicted worktree.
func (r *AgentResolver) Resolve(ctx context.Context, req Request) Result {
	if req.Dir == "" {
		return Result{Err: fmt.Errorf("resolve: worktree dir required")}
	}

	node := &plan.Node{
		ID:   "conflict-resolution",
		Name: "conflict-resolution",
		Kind: plan.KindJob,
		Work: &plan.PhaseSpec{
			Type:         plan.PhaseAgent,
			Instructions: Instructions(req),
		},
	}

	job := runner.Job{Node: node, WorktreePath: req.Dir}
	if req.OnOutput != nil {
		emit := req.OnOutput
		job.OnOutput = func(_ plan.Phase, line string) { emit(line) }
	}

	res := r.exec.Execute(ctx, job)
	if !res.Success {
		return Result{SessionID: res.AgentSessionID, Err: fmt.Errorf("conflict resolution failed: %w", res.Err)}
	}
	return Result{Success: true, SessionID: res.AgentSessionID}
}

// Instructions renders the resolution prompt for a request.
func Instructions(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolve the merge conflicts in this repository.\n\n")
	if req.SourceRef != "" || req.TargetRef != "" {
		fmt.Fprintf(&b, "Merging %s into %s.\n", orUnknown(req.SourceRef), orUnknown(req.TargetRef))
	}
	if len(req.ConflictFiles) > 0 {
		b.WriteString("Conflicted files:\n")
		for _, f := range req.ConflictFiles {
			fmt.Fprintf(&b, "  - %s\n", f)
		}
	}
	if req.Prefer != "" {
		fmt.Fprintf(&b, "\nWhen a conflict has no clearly correct resolution, prefer the %q side.\n", req.Prefer)
	}
	b.WriteString("\nRemove all conflict markers, stage the resolved files, and commit")
	if req.CommitMessage != "" {
		fmt.Fprintf(&b, " with the message %q", req.CommitMessage)
	}
	b.WriteString(". Do not leave the merge in progress.\n")
	return b.String()
}

func orUnknown(ref string) string {
	if ref == "" {
		return "(unknown)"
	}
	return ref
}
