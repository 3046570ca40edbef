package internal

import (
	"os"
	"os/exec"
	"testing"
)

func TestGolangciLint(t *testing.T) {
	if _, err := exec.LookPath("golangci-lint"); err != nil {
		t.Skip("golangci-lint not in PATH")
	}

	cmd := exec.Command("golangci-lint", "run", "./...")
	cmd.Dir = repoRoot(t)
	// Sandboxed runners may not have a writable default build cache.
	cmd.Env = append(os.Environ(), "GOCACHE="+t.TempDir())
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Errorf("golangci-lint:\n%s", out)
	}
}
