// Package launcher starts agent tasks and tracks them through completion.
package launcher

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a launched task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrUnknownHandle is returned for handle ids the launcher never issued.
var ErrUnknownHandle = errors.New("unknown task handle")

// Request describes one unit of agent work.
type Request struct {
	Agent           string `json:"agent"`
	Prompt          string `json:"prompt"`
	Description     string `json:"description,omitempty"`
	ParentSessionID string `json:"parentSessionID,omitempty"`
}

// Handle is a snapshot of a launched task.
type Handle struct {
	ID          string     `json:"id"`
	Agent       string     `json:"agent"`
	Status      Status     `json:"status"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Launcher starts tasks and reports on them.
type Launcher interface {
	// Launch starts a task and returns its handle without waiting for it.
	Launch(ctx context.Context, req Request) (Handle, error)

	// WaitForCompletion blocks until the task is terminal or timeout elapses.
	// A nil handle with a nil error means the timeout elapsed first.
	WaitForCompletion(ctx context.Context, id string, timeout time.Duration) (*Handle, error)

	// Result returns the last known state of a task.
	Result(ctx context.Context, id string) (*Handle, error)

	// Cancel cancels one task, or every live task when id is empty, and
	// returns how many tasks were cancelled.
	Cancel(ctx context.Context, id string) (int, error)
}
