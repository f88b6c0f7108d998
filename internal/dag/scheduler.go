package dag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/swamp-dev/autoflow/internal/launcher"
)

// NodeStatus is the terminal status of a node within one run.
type NodeStatus string

const (
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
	StatusCancelled NodeStatus = "cancelled"
	StatusTimeout   NodeStatus = "timeout"
	StatusBlocked   NodeStatus = "blocked_dependency"
)

// Reasons recorded on blocked nodes.
const (
	ReasonCycle             = "dag_cycle_detected"
	ReasonDependencyFailed  = "dependency_failed"
	ReasonDependencyMissing = "dependency_missing"
)

// Parallelism limits.
const (
	MinParallel     = 1
	MaxParallel     = 8
	DefaultParallel = 3
)

// NodeResult is the terminal outcome of one node.
type NodeResult struct {
	NodeID  string     `json:"nodeID"`
	Agent   string     `json:"agent"`
	Status  NodeStatus `json:"status"`
	Retries int        `json:"retries"`
	TaskID  string     `json:"taskID,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// RunResult aggregates one scheduler run. Failed counts failed, cancelled and
// timed-out nodes.
type RunResult struct {
	Total     int          `json:"total"`
	Completed int          `json:"completed"`
	Failed    int          `json:"failed"`
	Blocked   int          `json:"blocked"`
	Nodes     []NodeResult `json:"nodes"`
}

// Succeeded reports whether every node completed.
func (r *RunResult) Succeeded() bool {
	return r.Total > 0 && r.Failed == 0 && r.Blocked == 0
}

// String summarizes the counts.
func (r *RunResult) String() string {
	return fmt.Sprintf("completed=%d failed=%d blocked=%d total=%d", r.Completed, r.Failed, r.Blocked, r.Total)
}

// Options tune a single run.
type Options struct {
	// MaxParallel caps in-flight nodes; clamped to [1,8], 0 means 3.
	MaxParallel int
	// ParentSessionID is passed to the launcher with every task.
	ParentSessionID string
}

// Scheduler drives a graph to completion through a task launcher.
type Scheduler struct {
	launcher launcher.Launcher
	logger   *slog.Logger
}

// NewScheduler creates a scheduler that launches nodes with l.
func NewScheduler(l launcher.Launcher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{launcher: l, logger: logger}
}

type attemptOutcome struct {
	node     *TaskNode
	status   NodeStatus
	taskID   string
	err      string
	panicked any
}

// Run executes every node of g and returns once each has a terminal result.
// Domain failures are reported through node statuses. A panic raised by the
// launcher is re-raised on the caller's goroutine.
func (s *Scheduler) Run(ctx context.Context, g *Graph, opts Options) *RunResult {
	maxParallel := opts.MaxParallel
	if maxParallel == 0 {
		maxParallel = DefaultParallel
	}
	maxParallel = clampInt(maxParallel, MinParallel, MaxParallel)

	results := make(map[string]*NodeResult, len(g.Nodes))

	if cycle := g.FindCycle(); cycle != nil {
		s.logger.Warn("dependency cycle detected", "cycle", strings.Join(cycle, " -> "))
		for _, n := range g.Nodes {
			results[n.ID] = &NodeResult{NodeID: n.ID, Agent: n.Agent, Status: StatusBlocked, Error: ReasonCycle}
		}
		return collect(g, results)
	}

	pending := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		pending[n.ID] = true
	}
	attempts := make(map[string]int, len(g.Nodes))
	done := make(chan attemptOutcome, len(g.Nodes))
	running := 0

	block := func(n *TaskNode, reason string) {
		delete(pending, n.ID)
		results[n.ID] = &NodeResult{
			NodeID:  n.ID,
			Agent:   n.Agent,
			Status:  StatusBlocked,
			Retries: attempts[n.ID],
			Error:   reason,
		}
		s.logger.Debug("node blocked", "node", n.ID, "reason", reason)
	}

	for {
		s.propagateFailures(g, pending, results, block)

		if ctx.Err() == nil {
			for _, n := range g.Nodes {
				if running >= maxParallel {
					break
				}
				if !pending[n.ID] || !ready(n, results) {
					continue
				}
				delete(pending, n.ID)
				running++
				s.logger.Info("launching node", "node", n.ID, "agent", n.Agent, "attempt", attempts[n.ID]+1)
				go s.attempt(ctx, n, opts.ParentSessionID, done)
			}
		}

		if running == 0 {
			if len(pending) == 0 {
				break
			}
			for _, n := range g.Nodes {
				if !pending[n.ID] {
					continue
				}
				if ctx.Err() != nil {
					delete(pending, n.ID)
					results[n.ID] = &NodeResult{
						NodeID:  n.ID,
						Agent:   n.Agent,
						Status:  StatusCancelled,
						Retries: attempts[n.ID],
						Error:   "context_cancelled",
					}
					continue
				}
				block(n, ReasonDependencyMissing)
			}
			break
		}

		out := <-done
		running--
		if out.panicked != nil {
			panic(out.panicked)
		}

		n := out.node
		retryable := out.status == StatusFailed || out.status == StatusTimeout || out.status == StatusCancelled
		if retryable && attempts[n.ID] < n.MaxRetries && ctx.Err() == nil {
			attempts[n.ID]++
			pending[n.ID] = true
			s.logger.Warn("retrying node", "node", n.ID, "status", out.status, "error", out.err, "retry", attempts[n.ID])
			continue
		}

		results[n.ID] = &NodeResult{
			NodeID:  n.ID,
			Agent:   n.Agent,
			Status:  out.status,
			Retries: attempts[n.ID],
			TaskID:  out.taskID,
			Error:   out.err,
		}
		s.logger.Info("node finished", "node", n.ID, "status", out.status, "retries", attempts[n.ID])
	}

	return collect(g, results)
}

// propagateFailures blocks pending nodes whose dependencies ended unsuccessfully,
// repeating until no more nodes change.
func (s *Scheduler) propagateFailures(g *Graph, pending map[string]bool, results map[string]*NodeResult, block func(*TaskNode, string)) {
	for changed := true; changed; {
		changed = false
		for _, n := range g.Nodes {
			if !pending[n.ID] {
				continue
			}
			for _, dep := range n.DependsOn {
				if r, ok := results[dep]; ok && r.Status != StatusCompleted {
					block(n, ReasonDependencyFailed)
					changed = true
					break
				}
			}
		}
	}
}

func ready(n *TaskNode, results map[string]*NodeResult) bool {
	for _, dep := range n.DependsOn {
		r, ok := results[dep]
		if !ok || r.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (s *Scheduler) attempt(ctx context.Context, n *TaskNode, parent string, done chan<- attemptOutcome) {
	out := attemptOutcome{node: n}
	defer func() {
		if r := recover(); r != nil {
			out.panicked = r
		}
		done <- out
	}()

	h, err := s.launcher.Launch(ctx, launcher.Request{
		Agent:           n.Agent,
		Prompt:          n.Prompt,
		Description:     n.Description,
		ParentSessionID: parent,
	})
	if err != nil {
		out.status = StatusFailed
		out.err = "launch_failed:" + err.Error()
		return
	}
	out.taskID = h.ID

	final, err := s.launcher.WaitForCompletion(ctx, h.ID, n.Timeout)
	switch {
	case err != nil && ctx.Err() != nil:
		out.status = StatusCancelled
		out.err = "context_cancelled"
	case err != nil:
		out.status = StatusFailed
		out.err = "wait_failed:" + err.Error()
	case final == nil:
		out.status = StatusTimeout
		out.err = fmt.Sprintf("timeout_after_%s", n.Timeout)
	default:
		out.status = fromLauncher(final.Status)
		out.err = final.Error
		if out.status == StatusTimeout && out.err == "" {
			out.err = "not_terminal:" + string(final.Status)
		}
	}
}

func fromLauncher(s launcher.Status) NodeStatus {
	switch s {
	case launcher.StatusCompleted:
		return StatusCompleted
	case launcher.StatusFailed:
		return StatusFailed
	case launcher.StatusCancelled:
		return StatusCancelled
	default:
		return StatusTimeout
	}
}

func collect(g *Graph, results map[string]*NodeResult) *RunResult {
	res := &RunResult{Total: len(g.Nodes), Nodes: make([]NodeResult, 0, len(g.Nodes))}
	for _, n := range g.Nodes {
		r := results[n.ID]
		switch r.Status {
		case StatusCompleted:
			res.Completed++
		case StatusBlocked:
			res.Blocked++
		default:
			res.Failed++
		}
		res.Nodes = append(res.Nodes, *r)
	}
	return res
}
