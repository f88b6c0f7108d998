package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/swamp-dev/autoflow/internal/agent"
)

// ProcessExecutor runs agent CLIs as local child processes.
type ProcessExecutor struct {
	// DefaultAgent runs roles that are not a built-in adapter.
	DefaultAgent string
	// Dir is the working directory for the agent process.
	Dir string
}

// Execute runs the resolved agent with the request prompt and interprets its output.
func (e *ProcessExecutor) Execute(ctx context.Context, req Request) (string, error) {
	ag, err := agent.Resolve(req.Agent, e.DefaultAgent)
	if err != nil {
		return "", err
	}

	argv := ag.Command(req.Prompt)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), "AUTOFLOW_PARENT_SESSION="+req.ParentSessionID)

	out, runErr := cmd.CombinedOutput()
	outcome := ag.Interpret(string(out), runErr)
	if !outcome.Completed {
		return string(out), fmt.Errorf("agent %s: %s", ag.Name(), outcome.Summary)
	}
	return string(out), nil
}
