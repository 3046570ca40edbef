package capacity

import (
	"os"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRegistryPublishAndSum(t *testing.T) {
	r := newTestRegistry(t)

	total, err := r.Publish(3, []string{"plan-a"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}

	// Re-publish replaces rather than accumulates.
	total, err = r.Publish(1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("total after re-publish = %d, want 1", total)
	}
}

func TestRegistrySumsAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	r1, err := NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	// Distinct pids so the entries do not collide.
	r2.pid = r1.pid + 1
	r2.alive = func(int) bool { return true }
	r1.alive = func(int) bool { return true }

	if _, err := r1.Publish(2, []string{"a"}); err != nil {
		t.Fatal(err)
	}
	total, err := r2.Publish(3, []string{"b"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
}

func TestRegistryPrunesDeadProcesses(t *testing.T) {
	dir := t.TempDir()
	dead, err := NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	dead.pid = 999999
	dead.alive = func(int) bool { return true }
	if _, err := dead.Publish(7, nil); err != nil {
		t.Fatal(err)
	}

	live, err := NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	live.alive = func(pid int) bool { return pid == live.pid }

	total, err := live.Publish(1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1 (dead entry pruned)", total)
	}
}

func TestRegistryPrunesStaleEntries(t *testing.T) {
	dir := t.TempDir()
	stale, err := NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	stale.pid = os.Getpid() + 1
	stale.alive = func(int) bool { return true }
	stale.now = func() time.Time { return time.Now().Add(-time.Hour) }
	if _, err := stale.Publish(4, nil); err != nil {
		t.Fatal(err)
	}

	fresh, err := NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	fresh.alive = func(int) bool { return true }

	total, err := fresh.Publish(2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2 (stale entry pruned)", total)
	}
}

func TestRegistryWithdraw(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Publish(5, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Withdraw(); err != nil {
		t.Fatal(err)
	}

	total, err := r.GlobalRunning()
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("total after withdraw = %d, want 0", total)
	}
}

func TestRegistrySurvivesCorruptFile(t *testing.T) {
	r := newTestRegistry(t)
	if err := os.WriteFile(r.filePath(), []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}
	total, err := r.Publish(2, nil)
	if err != nil {
		t.Fatalf("Publish over corrupt file: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
}

func TestCoordinatorSingleProcess(t *testing.T) {
	c := NewCoordinator(8, nil)
	if c.GlobalRunning() != 0 {
		t.Errorf("initial running = %d", c.GlobalRunning())
	}
	c.SetLocal(3, []string{"p1"})
	if got := c.GlobalRunning(); got != 3 {
		t.Errorf("running = %d, want 3", got)
	}
	if c.GlobalMax() != 8 {
		t.Errorf("max = %d, want 8", c.GlobalMax())
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestCoordinatorWithRegistry(t *testing.T) {
	dir := t.TempDir()
	other, err := NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	other.pid = os.Getpid() + 1
	other.alive = func(int) bool { return true }
	if _, err := other.Publish(2, []string{"remote"}); err != nil {
		t.Fatal(err)
	}

	mine, err := NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	mine.alive = func(int) bool { return true }

	c := NewCoordinator(8, mine)
	c.SetLocal(3, []string{"local"})
	if got := c.GlobalRunning(); got != 5 {
		t.Errorf("running = %d, want 5 (3 local + 2 remote)", got)
	}

	c.SetLocal(0, nil)
	if got := c.GlobalRunning(); got != 2 {
		t.Errorf("running = %d, want 2 after local drain", got)
	}
}
