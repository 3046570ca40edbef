package worktree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeExec scripts git output per invocation and records every call.
type fakeExec struct {
	calls   [][]string
	handler func(call []string) ([]byte, error)
}

func (f *fakeExec) Run(dir, name string, args ...string) ([]byte, error) {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	if f.handler == nil {
		return nil, nil
	}
	return f.handler(call)
}

func (f *fakeExec) callCount(sub string) int {
	n := 0
	for _, call := range f.calls {
		if len(call) > 1 && call[1] == sub {
			n++
		}
	}
	return n
}

func newTestGateway(fe *fakeExec) *Gateway {
	g := NewWithExecutor("/repo", fe)
	g.sleep = func(time.Duration) {}
	return g
}

func TestCreateOrReuseDetachedFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wt") // does not exist yet
	fe := &fakeExec{handler: func(call []string) ([]byte, error) {
		if call[1] == "rev-parse" {
			return []byte("abc123\n"), nil
		}
		return nil, nil
	}}
	g := newTestGateway(fe)

	res, err := g.CreateOrReuseDetached(path, "main")
	if err != nil {
		t.Fatalf("CreateOrReuseDetached: %v", err)
	}
	if res.Reused {
		t.Error("fresh worktree reported as reused")
	}
	if res.BaseCommit != "abc123" {
		t.Errorf("BaseCommit = %q", res.BaseCommit)
	}
	if fe.callCount("worktree") != 1 {
		t.Errorf("worktree add calls = %d", fe.callCount("worktree"))
	}

	add := fe.calls[0]
	joined := strings.Join(add, " ")
	if !strings.Contains(joined, "--detach") || !strings.Contains(joined, "main") {
		t.Errorf("worktree add call = %v", add)
	}
}

func TestCreateOrReuseDetachedReuse(t *testing.T) {
	path := t.TempDir() // exists
	fe := &fakeExec{handler: func(call []string) ([]byte, error) {
		if call[1] == "rev-parse" {
			return []byte("head999\n"), nil
		}
		return nil, nil
	}}
	g := newTestGateway(fe)

	res, err := g.CreateOrReuseDetached(path, "main")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Reused {
		t.Error("existing worktree not reported as reused")
	}
	if fe.callCount("worktree") != 0 {
		t.Error("reuse must not run worktree add")
	}
}

func TestMergeConflict(t *testing.T) {
	fe := &fakeExec{handler: func(call []string) ([]byte, error) {
		switch call[1] {
		case "merge":
			return []byte("CONFLICT (content): Merge conflict in main.go"), errors.New("exit status 1")
		case "diff":
			return []byte("main.go\nutil.go\n"), nil
		}
		return nil, nil
	}}
	g := newTestGateway(fe)

	res, err := g.Merge("/wt", "abc", "merge abc")
	if err != nil {
		t.Fatalf("conflicted merge should not error: %v", err)
	}
	if res.Success || !res.HasConflicts {
		t.Errorf("result = %+v", res)
	}
	if len(res.ConflictFiles) != 2 || res.ConflictFiles[0] != "main.go" {
		t.Errorf("ConflictFiles = %v", res.ConflictFiles)
	}
}

func TestMergeHardFailure(t *testing.T) {
	fe := &fakeExec{handler: func(call []string) ([]byte, error) {
		switch call[1] {
		case "merge":
			return []byte("fatal: not something we can merge"), errors.New("exit status 128")
		case "diff":
			return []byte(""), nil
		}
		return nil, nil
	}}
	g := newTestGateway(fe)

	if _, err := g.Merge("/wt", "garbage", "m"); err == nil {
		t.Fatal("expected error for non-conflict merge failure")
	}
}

func TestMergeWithoutCheckoutClean(t *testing.T) {
	tree := strings.Repeat("a", 40)
	fe := &fakeExec{handler: func(call []string) ([]byte, error) {
		return []byte(tree + "\n"), nil
	}}
	g := newTestGateway(fe)

	res, err := g.MergeWithoutCheckout("target", "source")
	if err != nil {
		t.Fatal(err)
	}
	if res.HasConflicts || res.Tree != tree {
		t.Errorf("result = %+v", res)
	}
}

func TestMergeWithoutCheckoutConflict(t *testing.T) {
	tree := strings.Repeat("b", 40)
	out := tree + "\nshared.go\n\nAuto-merging shared.go\nCONFLICT (content)\n"
	fe := &fakeExec{handler: func(call []string) ([]byte, error) {
		return []byte(out), errors.New("exit status 1")
	}}
	g := newTestGateway(fe)

	res, err := g.MergeWithoutCheckout("target", "source")
	if err != nil {
		t.Fatal(err)
	}
	if !res.HasConflicts {
		t.Fatal("conflict not detected")
	}
	if len(res.ConflictFiles) != 1 || res.ConflictFiles[0] != "shared.go" {
		t.Errorf("ConflictFiles = %v", res.ConflictFiles)
	}
}

func TestUpdateRefRetriesOnLock(t *testing.T) {
	attempts := 0
	var slept []time.Duration
	fe := &fakeExec{handler: func(call []string) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return []byte("error: cannot lock ref 'refs/heads/main'"), errors.New("exit status 1")
		}
		return nil, nil
	}}
	g := NewWithExecutor("/repo", fe)
	g.sleep = func(d time.Duration) { slept = append(slept, d) }

	if err := g.UpdateRef("refs/heads/main", "new", "old"); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(slept) != 2 || slept[1] <= slept[0] {
		t.Errorf("backoff not linear: %v", slept)
	}
}

func TestUpdateRefGivesUpAfterBoundedRetries(t *testing.T) {
	attempts := 0
	fe := &fakeExec{handler: func(call []string) ([]byte, error) {
		attempts++
		return []byte("fatal: Unable to create '/repo/.git/index.lock'"), errors.New("exit status 1")
	}}
	g := newTestGateway(fe)

	if err := g.UpdateRef("refs/heads/main", "new", "old"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != updateRefRetries {
		t.Errorf("attempts = %d, want %d", attempts, updateRefRetries)
	}
}

func TestUpdateRefNonLockErrorFailsFast(t *testing.T) {
	attempts := 0
	fe := &fakeExec{handler: func(call []string) ([]byte, error) {
		attempts++
		return []byte("fatal: refs/heads/main: not a valid SHA1"), errors.New("exit status 128")
	}}
	g := newTestGateway(fe)

	if err := g.UpdateRef("refs/heads/main", "bogus", "old"); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry for permanent errors)", attempts)
	}
}

func TestStashPushDetectsNoChanges(t *testing.T) {
	fe := &fakeExec{handler: func(call []string) ([]byte, error) {
		return []byte("No local changes to save"), nil
	}}
	g := newTestGateway(fe)

	stashed, err := g.StashPush("/wt", "gantry")
	if err != nil {
		t.Fatal(err)
	}
	if stashed {
		t.Error("StashPush reported a stash when there were no changes")
	}
}

func TestEnsureGitignoreEntries(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("vendor/\n"), 0644); err != nil {
		t.Fatal(err)
	}
	g := newTestGateway(&fakeExec{})

	if err := g.EnsureGitignoreEntries(dir, []string{"vendor/", ".gantry/"}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, ".gitignore"))
	content := string(data)
	if strings.Count(content, "vendor/") != 1 {
		t.Errorf("vendor/ duplicated:\n%s", content)
	}
	if !strings.Contains(content, ".gantry/") {
		t.Errorf(".gantry/ not appended:\n%s", content)
	}

	// Idempotent.
	if err := g.EnsureGitignoreEntries(dir, []string{".gantry/"}); err != nil {
		t.Fatal(err)
	}
	data2, _ := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if string(data2) != content {
		t.Error("second call modified the file")
	}
}

func TestSummarize(t *testing.T) {
	fe := &fakeExec{handler: func(call []string) ([]byte, error) {
		switch call[1] {
		case "log":
			return []byte("abc1234\tadd feature\ndef5678\tfix bug\n"), nil
		case "diff":
			return []byte("A\tnew.go\nM\told.go\nD\tgone.go\nR100\ta.go\tb.go\n"), nil
		}
		return nil, fmt.Errorf("unexpected call %v", call)
	}}
	g := newTestGateway(fe)

	sum, err := g.Summarize("base", "head")
	if err != nil {
		t.Fatal(err)
	}
	if sum.CommitCount != 2 || sum.Commits[0].ShortHash != "abc1234" {
		t.Errorf("commits = %+v", sum.Commits)
	}
	if sum.FilesAdded != 1 || sum.FilesModified != 2 || sum.FilesDeleted != 1 {
		t.Errorf("file counts = %+v", sum)
	}
}

func TestIsTreeOID(t *testing.T) {
	if !isTreeOID(strings.Repeat("0", 40)) {
		t.Error("40-char hex should be a tree OID")
	}
	if !isTreeOID(strings.Repeat("f", 64)) {
		t.Error("64-char hex should be a tree OID (sha256 repos)")
	}
	if isTreeOID("not-a-hash") || isTreeOID("") {
		t.Error("non-hex accepted")
	}
}
