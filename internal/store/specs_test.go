package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gantry-io/gantry/internal/plan"
)

func TestNodeSpecAgentSplit(t *testing.T) {
	s := newTestStore(t)

	spec := &plan.PhaseSpec{
		Type:         plan.PhaseAgent,
		Instructions: "# Task\nRefactor the parser.",
		Model:        "large",
	}
	if err := s.WriteNodeSpec("p1", "n1", plan.PhaseWork, spec); err != nil {
		t.Fatalf("WriteNodeSpec: %v", err)
	}

	// Instructions live in a sibling markdown file, not the JSON doc.
	dir, err := s.CurrentAttemptDir("p1", "n1")
	if err != nil {
		t.Fatal(err)
	}
	md, err := os.ReadFile(filepath.Join(dir, "work.md"))
	if err != nil {
		t.Fatalf("instructions sidecar missing: %v", err)
	}
	if string(md) != spec.Instructions {
		t.Errorf("sidecar = %q", md)
	}
	raw, _ := os.ReadFile(filepath.Join(dir, "work.json"))
	if len(raw) == 0 {
		t.Fatal("spec document missing")
	}
	if strings.Contains(string(raw), "Refactor the parser") {
		t.Error("instructions should not be inlined in the JSON document")
	}

	// Reads rehydrate.
	got, err := s.ReadNodeSpec("p1", "n1", plan.PhaseWork)
	if err != nil {
		t.Fatalf("ReadNodeSpec: %v", err)
	}
	if got.Instructions != spec.Instructions || got.Model != "large" {
		t.Errorf("rehydrated spec = %+v", got)
	}
}

func TestReadNodeSpecNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ReadNodeSpec("p1", "n1", plan.PhaseWork); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	// Node dir exists but this phase was never written.
	if err := s.WriteNodeSpec("p1", "n1", plan.PhaseWork, &plan.PhaseSpec{Type: plan.PhaseShell, Command: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadNodeSpec("p1", "n1", plan.PhasePostchecks); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSnapshotSpecsForAttempt(t *testing.T) {
	s := newTestStore(t)

	shell := &plan.PhaseSpec{Type: plan.PhaseShell, Command: "make"}
	if err := s.WriteNodeSpec("p1", "n1", plan.PhaseWork, shell); err != nil {
		t.Fatal(err)
	}

	dir1, err := s.SnapshotSpecsForAttempt("p1", "n1", 1)
	if err != nil {
		t.Fatalf("snapshot 1: %v", err)
	}
	// Attempt 1 writes an execution log.
	if err := os.WriteFile(filepath.Join(dir1, "execution.log"), []byte("attempt 1 output"), 0644); err != nil {
		t.Fatal(err)
	}

	dir2, err := s.SnapshotSpecsForAttempt("p1", "n1", 2)
	if err != nil {
		t.Fatalf("snapshot 2: %v", err)
	}
	if dir1 == dir2 {
		t.Fatal("attempt 2 must get a new directory")
	}

	// Spec files copied forward; execution log not.
	if _, err := os.Stat(filepath.Join(dir2, "work.json")); err != nil {
		t.Error("work.json not copied to attempt 2")
	}
	if _, err := os.Stat(filepath.Join(dir2, "execution.log")); !os.IsNotExist(err) {
		t.Error("execution.log must not be copied between attempts")
	}

	// current now points at attempt 2.
	cur, err := s.CurrentAttemptDir("p1", "n1")
	if err != nil {
		t.Fatal(err)
	}
	if cur != dir2 {
		t.Errorf("current = %s, want %s", cur, dir2)
	}

	// Reading the spec through current sees attempt 2's copy.
	got, err := s.ReadNodeSpec("p1", "n1", plan.PhaseWork)
	if err != nil {
		t.Fatal(err)
	}
	if got.Command != "make" {
		t.Errorf("spec = %+v", got)
	}
}

func TestSnapshotPromotesLegacyCurrentDir(t *testing.T) {
	s := newTestStore(t)

	// Legacy layout: "current" is a plain directory with spec files.
	legacy := filepath.Join(s.Root(), "p1", "specs", "n1", "current")
	if err := os.MkdirAll(legacy, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(legacy, "work.json"), []byte(`{"type":"shell","command":"ls"}`), 0644); err != nil {
		t.Fatal(err)
	}

	dir, err := s.SnapshotSpecsForAttempt("p1", "n1", 1)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if filepath.Base(filepath.Dir(dir)) != "attempts" || filepath.Base(dir) != "1" {
		t.Errorf("promoted dir = %s", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "work.json")); err != nil {
		t.Error("legacy spec file lost during promotion")
	}

	spec, err := s.ReadNodeSpec("p1", "n1", plan.PhaseWork)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Command != "ls" {
		t.Errorf("spec = %+v", spec)
	}
}

func TestMoveFileToSpec(t *testing.T) {
	s := newTestStore(t)
	workspace := t.TempDir()

	inside := filepath.Join(workspace, "notes.md")
	if err := os.WriteFile(inside, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := s.MoveFileToSpec("p1", "n1", inside, workspace); err != nil {
		t.Fatalf("MoveFileToSpec: %v", err)
	}
	dir, _ := s.CurrentAttemptDir("p1", "n1")
	if _, err := os.Stat(filepath.Join(dir, "notes.md")); err != nil {
		t.Error("file not moved into spec directory")
	}
	if _, err := os.Stat(inside); !os.IsNotExist(err) {
		t.Error("source file should be gone")
	}

	// Traversal guard.
	outside := filepath.Join(t.TempDir(), "evil.md")
	_ = os.WriteFile(outside, []byte("nope"), 0644)
	if err := s.MoveFileToSpec("p1", "n1", outside, workspace); err == nil {
		t.Error("expected rejection of path outside workspace")
	}
	if err := s.MoveFileToSpec("p1", "n1", filepath.Join(workspace, ".git"), workspace); err == nil {
		t.Error("expected rejection of .git")
	}
	if err := s.MoveFileToSpec("p1", "n1", filepath.Join(workspace, "sub", ".."), workspace); err == nil {
		t.Error("expected rejection of dot-dot basename")
	}
}
