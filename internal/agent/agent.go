// Package agent provides adapters for the AI coding agents autoflow can launch.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// StopSignal is printed by an agent prompt-instructed to mark a finished task.
const StopSignal = "<promise>COMPLETE</promise>"

// Agent turns a task prompt into an executable command and judges its output.
type Agent interface {
	// Name returns the agent identifier.
	Name() string

	// Command returns the argv that runs the agent with prompt.
	Command(prompt string) []string

	// Environment returns the environment variables the agent needs inside a sandbox.
	Environment() []string

	// Interpret classifies the agent's combined output and process error.
	Interpret(output string, runErr error) Outcome
}

// Outcome is the interpretation of one agent run.
type Outcome struct {
	Completed bool
	Summary   string
}

type adapter struct {
	name       string
	argv       []string
	promptFlag string
	apiKeys    []string
	extraEnv   []string
}

var adapters = map[string]adapter{
	"claude": {
		name:       "claude",
		argv:       []string{"claude", "--dangerously-skip-permissions"},
		promptFlag: "-p",
		apiKeys:    []string{"ANTHROPIC_API_KEY"},
		extraEnv:   []string{"CLAUDE_CODE_SKIP_INTRO=1"},
	},
	// claude-cli relies on mounted ~/.claude credentials instead of an API key.
	"claude-cli": {
		name:       "claude-cli",
		argv:       []string{"claude", "--dangerously-skip-permissions"},
		promptFlag: "-p",
		extraEnv:   []string{"CLAUDE_CODE_SKIP_INTRO=1"},
	},
	"amp": {
		name:       "amp",
		argv:       []string{"amp"},
		promptFlag: "--message",
		apiKeys:    []string{"AMP_API_KEY", "ANTHROPIC_API_KEY"},
	},
	"aider": {
		name:       "aider",
		argv:       []string{"aider", "--yes", "--no-git"},
		promptFlag: "--message",
		apiKeys:    []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY"},
	},
}

// New creates an agent adapter by name.
func New(name string) (Agent, error) {
	a, ok := adapters[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", name)
	}
	return &a, nil
}

// Names lists the built-in adapters.
func Names() []string {
	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the adapter for name. Planner-assigned roles that are not a
// built-in adapter run on the fallback adapter with the role stated in the prompt.
func Resolve(name, fallback string) (Agent, error) {
	if ag, err := New(name); err == nil {
		return ag, nil
	}
	base, err := New(fallback)
	if err != nil {
		return nil, fmt.Errorf("resolving agent %q: %w", name, err)
	}
	return &roleAgent{Agent: base, role: name}, nil
}

func (a *adapter) Name() string {
	return a.name
}

func (a *adapter) Command(prompt string) []string {
	args := append([]string{}, a.argv...)
	if prompt != "" {
		args = append(args, a.promptFlag, prompt)
	}
	return args
}

func (a *adapter) Environment() []string {
	env := []string{}
	for _, key := range a.apiKeys {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	env = append(env, a.extraEnv...)
	env = append(env, "HOME=/home/agent", "USER=agent")
	return env
}

func (a *adapter) Interpret(output string, runErr error) Outcome {
	out := Outcome{Summary: lastLine(output)}
	switch {
	case strings.Contains(output, StopSignal):
		out.Completed = true
	case runErr != nil:
		out.Summary = runErr.Error()
	case strings.Contains(output, "Error:") || strings.Contains(output, "error:"):
	default:
		out.Completed = true
	}
	return out
}

type roleAgent struct {
	Agent
	role string
}

func (r *roleAgent) Name() string {
	return r.role
}

func (r *roleAgent) Command(prompt string) []string {
	return r.Agent.Command(fmt.Sprintf("Act as the %s agent.\n\n%s", r.role, prompt))
}

// GetAPIKey retrieves the first configured API key for an agent.
func GetAPIKey(name string) string {
	a, ok := adapters[strings.ToLower(name)]
	if !ok {
		return ""
	}
	for _, key := range a.apiKeys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// ValidateAPIKey checks if the required API key or credentials are available.
func ValidateAPIKey(name string) error {
	a, ok := adapters[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("unknown agent: %s", name)
	}
	if len(a.apiKeys) == 0 {
		return validateClaudeCLICredentials()
	}
	if GetAPIKey(name) == "" {
		return fmt.Errorf("%s environment variable is required for %s agent", strings.Join(a.apiKeys, " or "), a.name)
	}
	return nil
}

// validateClaudeCLICredentials checks that ~/.claude/ exists for subscription auth.
func validateClaudeCLICredentials() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	info, err := os.Stat(filepath.Join(home, ".claude"))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("~/.claude/ directory not found; run 'claude login' first")
		}
		return fmt.Errorf("checking ~/.claude/ directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("~/.claude exists but is not a directory")
	}
	return nil
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || line == StopSignal {
			continue
		}
		if len(line) > 200 {
			line = line[:197] + "..."
		}
		return line
	}
	return ""
}
