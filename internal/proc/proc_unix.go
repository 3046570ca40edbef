//go:build unix

// Package proc provides OS process primitives: liveness probes and
// process-tree termination.
package proc

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// Alive reports whether a process with the given pid exists. Signal 0
// probes without delivering anything.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return err == syscall.EPERM
}

// GroupAttr returns the SysProcAttr that places a child in its own
// process group, so KillTree can signal the whole tree.
func GroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// KillTree terminates a process and its descendants: SIGTERM to the
// process group, then SIGKILL after the grace period if the leader is
// still alive.
func KillTree(pid int, grace time.Duration) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}

	// Negative pid signals the whole process group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// Fall back to the single process if it has no group of its own.
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("signal pid %d: %w", pid, err)
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)
	return nil
}

// ConfigureCommand prepares a command for group termination.
func ConfigureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = GroupAttr()
}
