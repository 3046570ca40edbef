package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gantry-io/gantry/internal/plan"
	"github.com/gantry-io/gantry/internal/proc"
)

const defaultKillGrace = 5 * time.Second

// LocalExecutor runs phases as child processes of the orchestrator.
// Each process is placed in its own process group so cancellation can
// take down the whole tree.
type LocalExecutor struct {
	// Shell interprets shell phase commands. Defaults to "sh".
	Shell string

	// Agent builds agent phase command lines. Defaults to the stock
	// backend.
	Agent *AgentBackend

	// KillGrace is how long a canceled process gets between SIGTERM
	// and SIGKILL.
	KillGrace time.Duration
}

// NewLocalExecutor returns a LocalExecutor with defaults applied.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{
		Shell:     "sh",
		Agent:     DefaultAgentBackend(),
		KillGrace: defaultKillGrace,
	}
}

// Execute runs the job's configured phases in order, honoring
// ResumeFromPhase. The first failing phase stops the run.
func (e *LocalExecutor) Execute(ctx context.Context, job Job) Result {
	res := Result{
		PhaseStatuses:  make(map[plan.Phase]plan.PhaseStatus),
		AgentSessionID: job.AgentSessionID,
	}

	skipping := job.ResumeFromPhase != ""
	for _, phase := range plan.WorkPhases {
		if skipping {
			if phase == job.ResumeFromPhase {
				skipping = false
			} else {
				res.PhaseStatuses[phase] = plan.PhaseSkipped
				continue
			}
		}

		spec := job.Node.PhaseSpecFor(phase)
		if spec.IsZero() {
			res.PhaseStatuses[phase] = plan.PhaseSkipped
			continue
		}

		if job.OnPhaseStart != nil {
			job.OnPhaseStart(phase)
		}
		sessionID, exitCode, err := e.runPhase(ctx, job, phase, spec)
		if sessionID != "" {
			res.AgentSessionID = sessionID
		}
		if err != nil {
			res.PhaseStatuses[phase] = plan.PhaseFailed
			if job.OnPhaseEnd != nil {
				job.OnPhaseEnd(phase, plan.PhaseFailed)
			}
			res.FailedPhase = phase
			res.ExitCode = exitCode
			res.Err = err
			res.Canceled = ctx.Err() != nil
			return res
		}
		res.PhaseStatuses[phase] = plan.PhaseSuccess
		if job.OnPhaseEnd != nil {
			job.OnPhaseEnd(phase, plan.PhaseSuccess)
		}
	}

	res.Success = true
	return res
}

// runPhase spawns and waits for a single phase process.
func (e *LocalExecutor) runPhase(ctx context.Context, job Job, phase plan.Phase, spec *plan.PhaseSpec) (sessionID string, exitCode *int, err error) {
	var cmd *exec.Cmd
	var stdin io.Reader

	switch spec.Type {
	case plan.PhaseShell:
		shell := e.Shell
		if shell == "" {
			shell = "sh"
		}
		cmd = exec.Command(shell, "-c", spec.Command)

	case plan.PhaseProcess:
		if spec.Program == "" {
			return "", nil, fmt.Errorf("%s: process phase has no program", phase)
		}
		cmd = exec.Command(spec.Program, spec.Args...)

	case plan.PhaseAgent:
		agent := e.Agent
		if agent == nil {
			agent = DefaultAgentBackend()
		}
		var argv []string
		if job.AgentSessionID != "" {
			argv, err = agent.ResumeArgs(job.AgentSessionID, spec.Model)
			if err != nil {
				return "", nil, err
			}
			sessionID = job.AgentSessionID
		} else {
			argv, sessionID = agent.StartArgs(spec.Model)
		}
		cmd = exec.Command(argv[0], argv[1:]...)
		stdin = strings.NewReader(spec.Instructions)

	default:
		return "", nil, fmt.Errorf("%s: unknown phase type %q", phase, spec.Type)
	}

	cmd.Dir = job.WorktreePath
	cmd.Env = mergeEnv(os.Environ(), spec.Env, job.Env)
	cmd.Stdin = stdin
	proc.ConfigureCommand(cmd)

	out := &lineWriter{emit: func(line string) {
		if job.OnOutput != nil {
			job.OnOutput(phase, line)
		}
	}}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return sessionID, nil, fmt.Errorf("%s: start: %w", phase, err)
	}
	if job.OnPID != nil {
		job.OnPID(cmd.Process.Pid)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	grace := e.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}

	select {
	case <-ctx.Done():
		_ = proc.KillTree(cmd.Process.Pid, grace)
		<-done
		out.Flush()
		return sessionID, nil, fmt.Errorf("%s: canceled: %w", phase, ctx.Err())
	case waitErr := <-done:
		out.Flush()
		if waitErr == nil {
			return sessionID, nil, nil
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			return sessionID, &code, fmt.Errorf("%s: exit status %d", phase, code)
		}
		return sessionID, nil, fmt.Errorf("%s: %w", phase, waitErr)
	}
}

// mergeEnv layers maps over a base environment, later maps winning.
func mergeEnv(base []string, overlays ...map[string]string) []string {
	env := append([]string(nil), base...)
	for _, overlay := range overlays {
		for k, v := range overlay {
			env = setEnv(env, k, v)
		}
	}
	return env
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// lineWriter splits a process's output stream into lines for the
// output callback. Safe for concurrent writes from stdout and stderr.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line; put it back and wait for more.
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(strings.TrimRight(w.buf.String(), "\r\n"))
		w.buf.Reset()
	}
}
