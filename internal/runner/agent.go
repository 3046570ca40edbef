package runner

import (
	"fmt"

	"github.com/google/uuid"
)

// AgentBackend builds command lines for headless agent phase runs.
type AgentBackend struct {
	// Command is the agent executable. Defaults to "claude".
	Command string

	// SkipPermissions passes the flag that disables interactive
	// permission prompts; required for unattended runs.
	SkipPermissions bool
}

// DefaultAgentBackend returns the stock headless agent configuration.
func DefaultAgentBackend() *AgentBackend {
	return &AgentBackend{Command: "claude", SkipPermissions: true}
}

func (b *AgentBackend) command() string {
	if b.Command == "" {
		return "claude"
	}
	return b.Command
}

// StartArgs returns the argv for a fresh non-interactive agent run.
// Instructions are delivered on stdin. The returned session ID is
// generated here so it is known even if the process dies.
func (b *AgentBackend) StartArgs(model string) (argv []string, sessionID string) {
	sessionID = uuid.NewString()
	argv = []string{b.command(), "--print", "--session-id", sessionID}
	if b.SkipPermissions {
		argv = append(argv, "--dangerously-skip-permissions")
	}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	return argv, sessionID
}

// ResumeArgs returns the argv to resume an existing agent session with
// a follow-up instruction on stdin.
func (b *AgentBackend) ResumeArgs(sessionID, model string) ([]string, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id required for resume")
	}
	argv := []string{b.command(), "--print", "--resume", sessionID}
	if b.SkipPermissions {
		argv = append(argv, "--dangerously-skip-permissions")
	}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	return argv, nil
}
