// Package worktree is the gateway to git: detached worktrees, merges,
// merge-tree integration without checkout, ref updates, and stash
// handling. Everything shells out to the git CLI through a small
// CommandExecutor seam so tests can run against a fake.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// CommandExecutor runs a command in a directory and returns its
// combined output. The production implementation shells out; tests
// inject fakes.
type CommandExecutor interface {
	Run(dir, name string, args ...string) ([]byte, error)
}

// CLIExecutor is the production CommandExecutor.
type CLIExecutor struct{}

// NewCLIExecutor creates a CLIExecutor.
func NewCLIExecutor() *CLIExecutor {
	return &CLIExecutor{}
}

// Run executes the command in dir and returns combined output.
func (e *CLIExecutor) Run(dir, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// FindGitRoot walks up from startDir to the directory containing .git,
// which may be a directory (normal repo) or a file (linked worktree).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a git repository (or any parent up to mount point)")
		}
		dir = parent
	}
}

// Gateway exposes the git operations the orchestrator core needs.
type Gateway struct {
	repoDir string
	exec    CommandExecutor

	// sleep is swapped in tests of the update-ref retry loop.
	sleep func(time.Duration)
}

// New creates a Gateway for the repository containing repoDir.
func New(repoDir string) (*Gateway, error) {
	root, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %s", repoDir)
	}
	return NewWithExecutor(root, NewCLIExecutor()), nil
}

// NewWithExecutor creates a Gateway with an injected executor. The
// repoDir is used as-is.
func NewWithExecutor(repoDir string, executor CommandExecutor) *Gateway {
	return &Gateway{repoDir: repoDir, exec: executor, sleep: time.Sleep}
}

// RepoDir returns the repository root.
func (g *Gateway) RepoDir() string {
	return g.repoDir
}

func (g *Gateway) git(dir string, args ...string) (string, error) {
	out, err := g.exec.Run(dir, "git", args...)
	return strings.TrimSpace(string(out)), err
}

// -----------------------------------------------------------------------------
// Worktrees
// -----------------------------------------------------------------------------

// CreateResult reports the outcome of CreateOrReuseDetached.
type CreateResult struct {
	// BaseCommit is the resolved commit the worktree sits at. When
	// Reused is true this is the worktree's current HEAD; callers
	// keep the base commit captured at original creation.
	BaseCommit string

	// Reused is true when an existing worktree at the path was kept.
	Reused bool

	TotalMs int64
}

// CreateOrReuseDetached ensures a detached worktree exists at path. A
// fresh worktree is added at baseCommitish; an existing directory is
// reused untouched, preserving whatever state a previous attempt left.
func (g *Gateway) CreateOrReuseDetached(path, baseCommitish string) (CreateResult, error) {
	start := time.Now()

	if _, err := os.Stat(path); err == nil {
		head, err := g.HeadCommit(path)
		if err != nil {
			return CreateResult{}, fmt.Errorf("existing worktree at %s is unusable: %w", path, err)
		}
		return CreateResult{BaseCommit: head, Reused: true, TotalMs: time.Since(start).Milliseconds()}, nil
	}

	if out, err := g.git(g.repoDir, "worktree", "add", "--detach", path, baseCommitish); err != nil {
		return CreateResult{}, fmt.Errorf("create worktree: %w\n%s", err, out)
	}
	base, err := g.HeadCommit(path)
	if err != nil {
		return CreateResult{}, fmt.Errorf("resolve worktree base: %w", err)
	}
	return CreateResult{BaseCommit: base, TotalMs: time.Since(start).Milliseconds()}, nil
}

// RemoveSafe removes a worktree, falling back to manual deletion plus
// prune when git refuses.
func (g *Gateway) RemoveSafe(path string) error {
	if out, err := g.git(g.repoDir, "worktree", "remove", "--force", path); err != nil {
		_ = os.RemoveAll(path)
		_, _ = g.git(g.repoDir, "worktree", "prune")
		return fmt.Errorf("remove worktree: %w\n%s", err, out)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Refs and status
// -----------------------------------------------------------------------------

// HeadCommit returns the commit hash of HEAD in dir.
func (g *Gateway) HeadCommit(dir string) (string, error) {
	out, err := g.git(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w\n%s", err, out)
	}
	return out, nil
}

// ResolveRef resolves a ref or commitish to a commit hash.
func (g *Gateway) ResolveRef(ref string) (string, error) {
	out, err := g.git(g.repoDir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolve ref %s: %w\n%s", ref, err, out)
	}
	return out, nil
}

// HasUncommittedChanges reports whether dir has staged or unstaged
// changes, including untracked files.
func (g *Gateway) HasUncommittedChanges(dir string) (bool, error) {
	out, err := g.git(dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("check status: %w\n%s", err, out)
	}
	return out != "", nil
}

// StatusPorcelain returns the raw porcelain status of dir.
func (g *Gateway) StatusPorcelain(dir string) (string, error) {
	out, err := g.git(dir, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("check status: %w\n%s", err, out)
	}
	return out, nil
}

// DiffPatch returns the unified diff of uncommitted changes in dir,
// optionally restricted to the given paths.
func (g *Gateway) DiffPatch(dir string, paths ...string) (string, error) {
	args := []string{"diff", "HEAD"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	out, err := g.git(dir, args...)
	if err != nil {
		return "", fmt.Errorf("diff: %w\n%s", err, out)
	}
	return out, nil
}

// CurrentBranch returns the branch checked out in dir, or "HEAD" when
// detached.
func (g *Gateway) CurrentBranch(dir string) (string, error) {
	out, err := g.git(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve branch: %w\n%s", err, out)
	}
	return out, nil
}

// Checkout switches dir to a branch or commit.
func (g *Gateway) Checkout(dir, ref string) error {
	if out, err := g.git(dir, "checkout", ref); err != nil {
		return fmt.Errorf("checkout %s: %w\n%s", ref, err, out)
	}
	return nil
}

// ResetHard resets dir to a commitish, discarding local changes.
func (g *Gateway) ResetHard(dir, ref string) error {
	if out, err := g.git(dir, "reset", "--hard", ref); err != nil {
		return fmt.Errorf("reset --hard %s: %w\n%s", ref, err, out)
	}
	return nil
}

// CleanUntracked removes untracked files and directories from dir.
func (g *Gateway) CleanUntracked(dir string) error {
	if out, err := g.git(dir, "clean", "-fd"); err != nil {
		return fmt.Errorf("clean untracked: %w\n%s", err, out)
	}
	return nil
}

// Fetch fetches from the default remote.
func (g *Gateway) Fetch(dir string) error {
	if out, err := g.git(dir, "fetch"); err != nil {
		return fmt.Errorf("fetch: %w\n%s", err, out)
	}
	return nil
}

// Push pushes a branch to the default remote.
func (g *Gateway) Push(branch string) error {
	if out, err := g.git(g.repoDir, "push", "origin", branch); err != nil {
		return fmt.Errorf("push %s: %w\n%s", branch, err, out)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Stash
// -----------------------------------------------------------------------------

// StashPush stashes local changes in dir, including untracked files.
// Returns false when there was nothing to stash.
func (g *Gateway) StashPush(dir, message string) (bool, error) {
	out, err := g.git(dir, "stash", "push", "--include-untracked", "-m", message)
	if err != nil {
		return false, fmt.Errorf("stash push: %w\n%s", err, out)
	}
	return !strings.Contains(out, "No local changes"), nil
}

// StashPop restores the most recent stash in dir.
func (g *Gateway) StashPop(dir string) error {
	if out, err := g.git(dir, "stash", "pop"); err != nil {
		return fmt.Errorf("stash pop: %w\n%s", err, out)
	}
	return nil
}

// StashDrop discards the most recent stash in dir.
func (g *Gateway) StashDrop(dir string) error {
	if out, err := g.git(dir, "stash", "drop"); err != nil {
		return fmt.Errorf("stash drop: %w\n%s", err, out)
	}
	return nil
}

// StashShowPatch returns the diff of the most recent stash.
func (g *Gateway) StashShowPatch(dir string) (string, error) {
	out, err := g.git(dir, "stash", "show", "-p", "--include-untracked")
	if err != nil {
		return "", fmt.Errorf("stash show: %w\n%s", err, out)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Merges
// -----------------------------------------------------------------------------

// MergeResult describes the outcome of an in-worktree merge.
type MergeResult struct {
	Success       bool
	HasConflicts  bool
	ConflictFiles []string
	Error         string
}

// Merge performs a true (non-squash) merge of source into the branch
// or detached HEAD checked out in dir. On conflict the merge is left
// in progress for a resolver and the conflicting paths are reported.
func (g *Gateway) Merge(dir, source, message string) (MergeResult, error) {
	out, err := g.git(dir, "merge", "--no-ff", "-m", message, source)
	if err == nil {
		return MergeResult{Success: true}, nil
	}

	files, ferr := g.ConflictingFiles(dir)
	if ferr == nil && len(files) > 0 {
		return MergeResult{HasConflicts: true, ConflictFiles: files, Error: out}, nil
	}
	return MergeResult{Error: out}, fmt.Errorf("merge %s: %w\n%s", source, err, out)
}

// ConflictingFiles lists unmerged paths in dir.
func (g *Gateway) ConflictingFiles(dir string) ([]string, error) {
	out, err := g.git(dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w\n%s", err, out)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// AbortMerge aborts an in-progress merge in dir.
func (g *Gateway) AbortMerge(dir string) error {
	if out, err := g.git(dir, "merge", "--abort"); err != nil {
		return fmt.Errorf("abort merge: %w\n%s", err, out)
	}
	return nil
}

// MergeTreeResult describes a merge computed without a checkout.
type MergeTreeResult struct {
	// Tree is the resulting tree OID when the merge is clean.
	Tree string

	HasConflicts  bool
	ConflictFiles []string
}

// MergeWithoutCheckout computes the merge of source into target using
// git merge-tree, touching no working directory.
func (g *Gateway) MergeWithoutCheckout(target, source string) (MergeTreeResult, error) {
	out, err := g.exec.Run(g.repoDir, "git", "merge-tree", "--write-tree", "--name-only", target, source)
	text := strings.TrimSpace(string(out))
	lines := strings.Split(text, "\n")

	if err == nil {
		if len(lines) == 0 || lines[0] == "" {
			return MergeTreeResult{}, fmt.Errorf("merge-tree produced no output")
		}
		return MergeTreeResult{Tree: lines[0]}, nil
	}

	// Exit status 1 with a tree line means conflicts; anything else is
	// a real failure.
	if len(lines) > 0 && isTreeOID(lines[0]) {
		return MergeTreeResult{
			Tree:          lines[0],
			HasConflicts:  true,
			ConflictFiles: conflictNamesFromMergeTree(lines[1:]),
		}, nil
	}
	return MergeTreeResult{}, fmt.Errorf("merge-tree: %w\n%s", err, text)
}

func isTreeOID(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

func conflictNamesFromMergeTree(lines []string) []string {
	var files []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			break // blank line separates names from informational messages
		}
		files = append(files, line)
	}
	return files
}

// CommitTree creates a commit from a tree with a single parent.
func (g *Gateway) CommitTree(tree, parent, message string) (string, error) {
	out, err := g.git(g.repoDir, "commit-tree", tree, "-p", parent, "-m", message)
	if err != nil {
		return "", fmt.Errorf("commit-tree: %w\n%s", err, out)
	}
	return out, nil
}

// updateRefRetries bounds the retry loop for transient ref-lock errors.
const updateRefRetries = 3

// UpdateRef atomically points a branch ref at a commit, verifying the
// old value. Transient index-lock contention is retried with linear
// backoff.
func (g *Gateway) UpdateRef(ref, newCommit, oldCommit string) error {
	var lastErr error
	for attempt := 1; attempt <= updateRefRetries; attempt++ {
		out, err := g.git(g.repoDir, "update-ref", ref, newCommit, oldCommit)
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("update-ref %s: %w\n%s", ref, err, out)
		if !isLockError(out) {
			return lastErr
		}
		g.sleep(time.Duration(attempt) * 200 * time.Millisecond)
	}
	return lastErr
}

func isLockError(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "index.lock") ||
		strings.Contains(lower, "cannot lock ref") ||
		strings.Contains(lower, "unable to create") && strings.Contains(lower, ".lock")
}

// -----------------------------------------------------------------------------
// Housekeeping
// -----------------------------------------------------------------------------

// EnsureGitignoreEntries appends any missing entries to dir's
// .gitignore, creating the file if needed.
func (g *Gateway) EnsureGitignoreEntries(dir string, entries []string) error {
	path := filepath.Join(dir, ".gitignore")
	existing := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read .gitignore: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		existing[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, entry := range entries {
		if !existing[entry] {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open .gitignore: %w", err)
	}
	defer f.Close()

	content := strings.Join(missing, "\n") + "\n"
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		content = "\n" + content
	}
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("append .gitignore: %w", err)
	}
	return nil
}
