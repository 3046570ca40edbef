//go:build windows

package proc

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal(0) on Windows fails for exited processes.
	return proc.Signal(os.Interrupt) == nil
}

// KillTree terminates a process tree via taskkill.
func KillTree(pid int, grace time.Duration) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	cmd := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid))
	return cmd.Run()
}

// ConfigureCommand is a no-op on Windows; taskkill walks the tree.
func ConfigureCommand(cmd *exec.Cmd) {}
