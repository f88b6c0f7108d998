// Package dag builds dependency graphs of agent tasks and schedules them.
package dag

import (
	"errors"
	"fmt"
	"time"
)

// Limits applied when building a graph.
const (
	MaxNodes = 40

	MinTimeout     = 5 * time.Second
	MaxTimeout     = 20 * time.Minute
	DefaultTimeout = 5 * time.Minute

	MaxRetriesLimit   = 3
	DefaultMaxRetries = 1
)

// ErrDuplicateNodeID is returned when two tasks resolve to the same id.
var ErrDuplicateNodeID = errors.New("duplicate node id")

// TaskSpec is one task as supplied by a planner. JSON keys follow the planner
// wire format; YAML keys follow plan files.
type TaskSpec struct {
	ID          string   `json:"id,omitempty" yaml:"id,omitempty"`
	Agent       string   `json:"agent" yaml:"agent"`
	Prompt      string   `json:"prompt" yaml:"prompt"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string `json:"dependsOn,omitempty" yaml:"depends_on,omitempty"`
	TimeoutMs   int      `json:"timeoutMs,omitempty" yaml:"timeout_ms,omitempty"`
	MaxRetries  *int     `json:"maxRetries,omitempty" yaml:"max_retries,omitempty"`
}

// TaskNode is a validated, normalized graph node.
type TaskNode struct {
	ID          string
	Agent       string
	Prompt      string
	Description string
	DependsOn   []string
	Timeout     time.Duration
	MaxRetries  int
}

// Defaults fill in task fields the planner left out.
type Defaults struct {
	Timeout    time.Duration
	MaxRetries int
}

// DefaultDefaults returns the stock node timeout and retry budget.
func DefaultDefaults() Defaults {
	return Defaults{Timeout: DefaultTimeout, MaxRetries: DefaultMaxRetries}
}

// Graph is an ordered set of nodes. Order is the input order and drives
// launch order among ready nodes.
type Graph struct {
	Nodes []*TaskNode
	index map[string]*TaskNode
}

// Node returns the node with id, or nil.
func (g *Graph) Node(id string) *TaskNode {
	return g.index[id]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.Nodes)
}

// Build validates specs into a graph. The list is truncated to MaxNodes and
// tasks without an agent or prompt are dropped before ids are assigned.
func Build(specs []TaskSpec, defaults Defaults) (*Graph, error) {
	if defaults.Timeout <= 0 {
		defaults.Timeout = DefaultTimeout
	}

	if len(specs) > MaxNodes {
		specs = specs[:MaxNodes]
	}

	g := &Graph{index: make(map[string]*TaskNode)}
	for _, spec := range specs {
		if spec.Agent == "" || spec.Prompt == "" {
			continue
		}

		id := spec.ID
		if id == "" {
			id = fmt.Sprintf("node_%d", len(g.Nodes))
		}
		if _, dup := g.index[id]; dup {
			return nil, fmt.Errorf("%q: %w", id, ErrDuplicateNodeID)
		}

		timeout := defaults.Timeout
		if spec.TimeoutMs > 0 {
			timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
		}

		retries := defaults.MaxRetries
		if spec.MaxRetries != nil {
			retries = *spec.MaxRetries
		}

		node := &TaskNode{
			ID:          id,
			Agent:       spec.Agent,
			Prompt:      spec.Prompt,
			Description: spec.Description,
			DependsOn:   dedupe(spec.DependsOn),
			Timeout:     clampDuration(timeout, MinTimeout, MaxTimeout),
			MaxRetries:  clampInt(retries, 0, MaxRetriesLimit),
		}
		g.Nodes = append(g.Nodes, node)
		g.index[id] = node
	}

	return g, nil
}

// FindCycle returns the nodes of one dependency cycle, or nil if the graph is
// acyclic. Edges to unknown ids are ignored.
func (g *Graph) FindCycle() []string {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int, len(g.Nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range g.index[id].DependsOn {
			if _, ok := g.index[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle = append([]string{}, stack[i:]...)
						cycle = append(cycle, dep)
						break
					}
				}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, n := range g.Nodes {
		if color[n.ID] == white && visit(n.ID) {
			return cycle
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
