package integrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/gantry-io/gantry/internal/conflict"
	"github.com/gantry-io/gantry/internal/logging"
	"github.com/gantry-io/gantry/internal/worktree"
)

// Options configures reverse integration behavior.
type Options struct {
	// Prefer is the conflict resolution hint: "ours" or "theirs".
	Prefer string

	// PushOnSuccess pushes the target branch after a successful merge.
	// Push failures are logged, never fatal.
	PushOnSuccess bool

	// IgnoreEntries are the .gitignore lines the orchestrator manages.
	// Dirty state consisting only of these lines is discarded rather
	// than stashed.
	IgnoreEntries []string
}

// Outcome is the result of one reverse integration merge.
type Outcome struct {
	Success bool

	// Partial means the merge commit exists but the target branch
	// pointer could not be moved; Advisory explains what the user
	// should do.
	Partial  bool
	Advisory string

	// MergeCommit is the commit now (or to be) at the target tip.
	MergeCommit string

	// Resolved is set when the conflict path ran; SessionID identifies
	// the resolver session.
	Resolved  bool
	SessionID string

	Err error
}

// Merger performs reverse integration merges against the main
// repository, one at a time through the shared Serializer.
type Merger struct {
	git      *worktree.Gateway
	resolver conflict.Resolver
	ser      *Serializer
	log      *logging.Logger
	opts     Options
}

// NewMerger creates a Merger.
func NewMerger(git *worktree.Gateway, resolver conflict.Resolver, ser *Serializer, log *logging.Logger, opts Options) *Merger {
	if ser == nil {
		ser = NewSerializer()
	}
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Merger{git: git, resolver: resolver, ser: ser, log: log, opts: opts}
}

// MergeToTarget merges commit into targetBranch, serialized against
// all other reverse integrations in this process.
func (m *Merger) MergeToTarget(ctx context.Context, commit, targetBranch, message string) Outcome {
	var out Outcome
	err := m.ser.Do(ctx, func() error {
		out = m.mergeLocked(ctx, commit, targetBranch, message)
		return nil
	})
	if err != nil {
		return Outcome{Err: err}
	}
	if out.Success && m.opts.PushOnSuccess {
		if err := m.git.Push(targetBranch); err != nil {
			m.log.Warn("push after merge failed", "branch", targetBranch, "error", err)
		}
	}
	return out
}

func (m *Merger) mergeLocked(ctx context.Context, commit, targetBranch, message string) Outcome {
	tip, err := m.git.ResolveRef(targetBranch)
	if err != nil {
		return Outcome{Err: fmt.Errorf("resolve target %s: %w", targetBranch, err)}
	}

	mt, err := m.git.MergeWithoutCheckout(tip, commit)
	if err != nil {
		return Outcome{Err: fmt.Errorf("merge-tree: %w", err)}
	}
	if mt.HasConflicts {
		m.log.Info("target merge has conflicts, using resolver",
			"commit", commit, "branch", targetBranch, "files", mt.ConflictFiles)
		return m.conflictMerge(ctx, commit, targetBranch, message, mt.ConflictFiles)
	}

	mergeCommit, err := m.git.CommitTree(mt.Tree, tip, message)
	if err != nil {
		return Outcome{Err: fmt.Errorf("commit merged tree: %w", err)}
	}
	return m.updateTarget(targetBranch, tip, mergeCommit)
}

// updateTarget moves the target branch ref to mergeCommit, handling
// the case where the user has the target branch checked out in the
// main repository.
func (m *Merger) updateTarget(targetBranch, oldTip, mergeCommit string) Outcome {
	repo := m.git.RepoDir()

	branch, err := m.git.CurrentBranch(repo)
	if err != nil {
		return Outcome{Err: fmt.Errorf("current branch: %w", err)}
	}

	if branch != targetBranch {
		if err := m.git.UpdateRef("refs/heads/"+targetBranch, mergeCommit, oldTip); err != nil {
			return Outcome{Err: fmt.Errorf("update target ref: %w", err)}
		}
		return Outcome{Success: true, MergeCommit: mergeCommit}
	}

	// The user is on the target branch: the working tree has to move
	// with the ref.
	dirty, err := m.git.HasUncommittedChanges(repo)
	if err != nil {
		return Outcome{Err: err}
	}

	if dirty && !m.ignoreNoiseOnly(repo) {
		stashed, err := m.git.StashPush(repo, "gantry: before target update")
		if err != nil {
			// The merge commit exists; the user can reset manually.
			m.log.Warn("stash failed, leaving branch pointer", "commit", mergeCommit, "error", err)
			return Outcome{
				Success:     true,
				Partial:     true,
				MergeCommit: mergeCommit,
				Advisory:    fmt.Sprintf("merge commit %s created but %s was not updated; reset manually", shortHash(mergeCommit), targetBranch),
			}
		}
		if err := m.git.ResetHard(repo, mergeCommit); err != nil {
			return Outcome{Err: fmt.Errorf("reset to merge commit: %w", err)}
		}
		if stashed {
			m.restoreStash(repo)
		}
		return Outcome{Success: true, MergeCommit: mergeCommit}
	}

	// Clean tree, or only orchestrator .gitignore noise to discard.
	if err := m.git.ResetHard(repo, mergeCommit); err != nil {
		return Outcome{Err: fmt.Errorf("reset to merge commit: %w", err)}
	}
	return Outcome{Success: true, MergeCommit: mergeCommit}
}

// restoreStash pops the stash pushed before the target update,
// dropping it instead when it only holds orchestrator noise.
func (m *Merger) restoreStash(repo string) {
	patch, err := m.git.StashShowPatch(repo)
	if err == nil && m.patchIsNoise(patch) {
		if err := m.git.StashDrop(repo); err != nil {
			m.log.Warn("drop noise stash failed", "error", err)
		}
		return
	}
	if err := m.git.StashPop(repo); err != nil {
		// Leave the stash for the user rather than guessing.
		m.log.Warn("stash pop failed, stash preserved", "error", err)
	}
}

// conflictMerge stashes user state, checks out the target branch,
// merges with conflicts, and delegates resolution to the resolver.
func (m *Merger) conflictMerge(ctx context.Context, commit, targetBranch, message string, files []string) Outcome {
	repo := m.git.RepoDir()

	origin, err := m.git.CurrentBranch(repo)
	if err != nil {
		return Outcome{Err: err}
	}
	if origin == "HEAD" {
		// Detached; restore by commit.
		if origin, err = m.git.HeadCommit(repo); err != nil {
			return Outcome{Err: err}
		}
	}

	stashed, err := m.git.StashPush(repo, "gantry: before conflict merge")
	if err != nil {
		return Outcome{Err: fmt.Errorf("stash before conflict merge: %w", err)}
	}
	restore := func() {
		if err := m.git.Checkout(repo, origin); err != nil {
			m.log.Warn("restore original checkout failed", "ref", origin, "error", err)
			return
		}
		if stashed {
			if err := m.git.StashPop(repo); err != nil {
				m.log.Warn("restore stash failed, stash preserved", "error", err)
			}
		}
	}
	defer restore()

	if err := m.git.Checkout(repo, targetBranch); err != nil {
		return Outcome{Err: fmt.Errorf("checkout target: %w", err)}
	}

	mres, err := m.git.Merge(repo, commit, message)
	if err != nil {
		return Outcome{Err: fmt.Errorf("merge on target: %w", err)}
	}
	sessionID := ""
	if !mres.Success {
		if !mres.HasConflicts {
			_ = m.git.AbortMerge(repo)
			return Outcome{Err: fmt.Errorf("merge on target failed: %s", mres.Error)}
		}
		conflictFiles := mres.ConflictFiles
		if len(conflictFiles) == 0 {
			conflictFiles = files
		}
		res := m.resolver.Resolve(ctx, conflict.Request{
			Dir:           repo,
			SourceRef:     commit,
			TargetRef:     targetBranch,
			ConflictFiles: conflictFiles,
			CommitMessage: message,
			Prefer:        m.opts.Prefer,
		})
		sessionID = res.SessionID
		if !res.Success {
			_ = m.git.AbortMerge(repo)
			return Outcome{SessionID: sessionID, Err: fmt.Errorf("resolve conflicts: %w", res.Err)}
		}
	}

	newTip, err := m.git.HeadCommit(repo)
	if err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Success: true, MergeCommit: newTip, Resolved: true, SessionID: sessionID}
}

// ignoreNoiseOnly reports whether the repo's dirty state consists
// solely of orchestrator-managed .gitignore lines.
func (m *Merger) ignoreNoiseOnly(repo string) bool {
	status, err := m.git.StatusPorcelain(repo)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(status, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[len(fields)-1] != ".gitignore" {
			return false
		}
	}

	patch, err := m.git.DiffPatch(repo, ".gitignore")
	if err != nil {
		return false
	}
	return m.patchIsNoise(patch)
}

// patchIsNoise reports whether every changed line in a diff is one of
// the orchestrator's .gitignore entries.
func (m *Merger) patchIsNoise(patch string) bool {
	sawChange := false
	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			if !strings.HasSuffix(strings.TrimSpace(line), ".gitignore") &&
				!strings.HasSuffix(strings.TrimSpace(line), "/dev/null") {
				return false
			}
		case strings.HasPrefix(line, "+"), strings.HasPrefix(line, "-"):
			content := strings.TrimSpace(line[1:])
			if content == "" {
				continue
			}
			if !m.isManagedEntry(content) {
				return false
			}
			sawChange = true
		}
	}
	return sawChange
}

func (m *Merger) isManagedEntry(line string) bool {
	for _, entry := range m.opts.IgnoreEntries {
		if line == entry {
			return true
		}
	}
	return false
}

func shortHash(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
