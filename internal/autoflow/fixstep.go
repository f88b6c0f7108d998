package autoflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// FixKind discriminates fix steps.
type FixKind string

const (
	FixKindCommand FixKind = "command"
	FixKindAgent   FixKind = "agent"
)

// FixStep is one remediation applied between failed verifications. It is
// either a CommandFixStep or an AgentFixStep.
type FixStep interface {
	Kind() FixKind
	Describe() string
	validate() error
}

// CommandFixStep runs a shell command through the command runner.
type CommandFixStep struct {
	Command   string `json:"command" yaml:"command"`
	TimeoutMs int    `json:"timeoutMs,omitempty" yaml:"timeout_ms,omitempty"`
}

// Kind implements FixStep.
func (CommandFixStep) Kind() FixKind { return FixKindCommand }

// Describe implements FixStep.
func (s CommandFixStep) Describe() string { return s.Command }

func (s CommandFixStep) validate() error {
	if s.Command == "" {
		return fmt.Errorf("command fix step requires a command")
	}
	return nil
}

// AgentFixStep delegates the fix to an agent task through the task launcher.
type AgentFixStep struct {
	Agent       string `json:"agent" yaml:"agent"`
	Prompt      string `json:"prompt" yaml:"prompt"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	TimeoutMs   int    `json:"timeoutMs,omitempty" yaml:"timeout_ms,omitempty"`
}

// Kind implements FixStep.
func (AgentFixStep) Kind() FixKind { return FixKindAgent }

// Describe implements FixStep.
func (s AgentFixStep) Describe() string { return s.Agent + ": " + s.Prompt }

func (s AgentFixStep) validate() error {
	if s.Agent == "" || s.Prompt == "" {
		return fmt.Errorf("agent fix step requires agent and prompt")
	}
	return nil
}

// FixSteps is an ordered list of fix steps. It encodes each step with a
// "kind" discriminator; a bare string decodes as a command step.
type FixSteps []FixStep

type fixStepEnvelope struct {
	Kind        FixKind `json:"kind" yaml:"kind"`
	Command     string  `json:"command,omitempty" yaml:"command,omitempty"`
	Agent       string  `json:"agent,omitempty" yaml:"agent,omitempty"`
	Prompt      string  `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	TimeoutMs   int     `json:"timeoutMs,omitempty" yaml:"timeout_ms,omitempty"`
}

func envelopeFor(step FixStep) (fixStepEnvelope, error) {
	switch s := step.(type) {
	case CommandFixStep:
		return fixStepEnvelope{Kind: FixKindCommand, Command: s.Command, TimeoutMs: s.TimeoutMs}, nil
	case AgentFixStep:
		return fixStepEnvelope{
			Kind:        FixKindAgent,
			Agent:       s.Agent,
			Prompt:      s.Prompt,
			Description: s.Description,
			TimeoutMs:   s.TimeoutMs,
		}, nil
	default:
		return fixStepEnvelope{}, fmt.Errorf("unsupported fix step %T", step)
	}
}

func (e fixStepEnvelope) step() (FixStep, error) {
	kind := e.Kind
	if kind == "" {
		// Untagged steps are inferred from their fields.
		if e.Command != "" {
			kind = FixKindCommand
		} else {
			kind = FixKindAgent
		}
	}

	var step FixStep
	switch kind {
	case FixKindCommand:
		step = CommandFixStep{Command: e.Command, TimeoutMs: e.TimeoutMs}
	case FixKindAgent:
		step = AgentFixStep{Agent: e.Agent, Prompt: e.Prompt, Description: e.Description, TimeoutMs: e.TimeoutMs}
	default:
		return nil, fmt.Errorf("unknown fix step kind %q", kind)
	}
	if err := step.validate(); err != nil {
		return nil, err
	}
	return step, nil
}

func (s FixSteps) envelopes() ([]fixStepEnvelope, error) {
	out := make([]fixStepEnvelope, 0, len(s))
	for i, step := range s {
		env, err := envelopeFor(step)
		if err != nil {
			return nil, fmt.Errorf("fix step %d: %w", i, err)
		}
		out = append(out, env)
	}
	return out, nil
}

// MarshalJSON implements json.Marshaler.
func (s FixSteps) MarshalJSON() ([]byte, error) {
	envs, err := s.envelopes()
	if err != nil {
		return nil, err
	}
	return json.Marshal(envs)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *FixSteps) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding fix steps: %w", err)
	}

	steps := make(FixSteps, 0, len(raw))
	for i, item := range raw {
		var env fixStepEnvelope
		if trimmed := bytes.TrimSpace(item); len(trimmed) > 0 && trimmed[0] == '"' {
			if err := json.Unmarshal(trimmed, &env.Command); err != nil {
				return fmt.Errorf("fix step %d: %w", i, err)
			}
		} else if err := json.Unmarshal(item, &env); err != nil {
			return fmt.Errorf("fix step %d: %w", i, err)
		}

		step, err := env.step()
		if err != nil {
			return fmt.Errorf("fix step %d: %w", i, err)
		}
		steps = append(steps, step)
	}
	*s = steps
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s FixSteps) MarshalYAML() (interface{}, error) {
	return s.envelopes()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *FixSteps) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: fix steps must be a list", value.Line)
	}

	steps := make(FixSteps, 0, len(value.Content))
	for i, item := range value.Content {
		var env fixStepEnvelope
		if item.Kind == yaml.ScalarNode {
			env.Command = item.Value
		} else if err := item.Decode(&env); err != nil {
			return fmt.Errorf("fix step %d: %w", i, err)
		}

		step, err := env.step()
		if err != nil {
			return fmt.Errorf("fix step %d (line %d): %w", i, item.Line, err)
		}
		steps = append(steps, step)
	}
	*s = steps
	return nil
}
