package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/swamp-dev/autoflow/internal/agent"
	"github.com/swamp-dev/autoflow/internal/launcher"
	"github.com/swamp-dev/autoflow/internal/runner"
)

// CommandRunner runs verification and fix commands in a throwaway container
// with the working directory mounted at /workspace.
type CommandRunner struct {
	engine   Engine
	template *Template
	logger   *slog.Logger
}

// NewCommandRunner creates a runner.Runner backed by engine.
func NewCommandRunner(engine Engine, template *Template, logger *slog.Logger) *CommandRunner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CommandRunner{engine: engine, template: template, logger: logger}
}

// Run executes command with "sh -c" inside a container.
func (r *CommandRunner) Run(ctx context.Context, command string, timeout time.Duration, cwd string) (runner.Result, error) {
	cfg, err := r.template.ContainerConfig(cwd, []string{"sh", "-c", command}, nil)
	if err != nil {
		return runner.Failed(command, err), err
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := r.engine.Run(runCtx, cfg)
	elapsed := time.Since(start).Milliseconds()

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		res := runner.Result{Command: command, ExitCode: -1, Stderr: runner.TimeoutNote(timeout), DurationMs: elapsed}
		return res, nil
	}
	if err != nil {
		r.logger.Debug("container command did not run", "command", command, "error", err)
		return runner.Failed(command, err), fmt.Errorf("running %q in container: %w", command, err)
	}

	return runner.Result{
		Command:    command,
		OK:         out.ExitCode == 0,
		ExitCode:   out.ExitCode,
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		DurationMs: elapsed,
	}, nil
}

// AgentExecutor runs agent tasks in containers for a launcher.Pool.
type AgentExecutor struct {
	engine   Engine
	template *Template

	// DefaultAgent runs roles that are not a built-in adapter.
	DefaultAgent string
	// Dir is the project directory mounted into the container.
	Dir string
}

// NewAgentExecutor creates a launcher.Executor backed by engine.
func NewAgentExecutor(engine Engine, template *Template, defaultAgent, dir string) *AgentExecutor {
	return &AgentExecutor{engine: engine, template: template, DefaultAgent: defaultAgent, Dir: dir}
}

// Execute runs the resolved agent inside a container and interprets its output.
func (e *AgentExecutor) Execute(ctx context.Context, req launcher.Request) (string, error) {
	ag, err := agent.Resolve(req.Agent, e.DefaultAgent)
	if err != nil {
		return "", err
	}

	env := append(ag.Environment(), "AUTOFLOW_PARENT_SESSION="+req.ParentSessionID)
	cfg, err := e.template.ContainerConfig(e.Dir, ag.Command(req.Prompt), env)
	if err != nil {
		return "", err
	}

	out, err := e.engine.Run(ctx, cfg)
	if err != nil {
		return "", err
	}

	combined := out.Stdout + out.Stderr
	var runErr error
	if out.ExitCode != 0 {
		runErr = fmt.Errorf("container exited with code %d", out.ExitCode)
	}
	outcome := ag.Interpret(combined, runErr)
	if !outcome.Completed {
		return combined, fmt.Errorf("agent %s: %s", ag.Name(), outcome.Summary)
	}
	return combined, nil
}
