package launcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Executor performs the work behind a launched task.
type Executor interface {
	Execute(ctx context.Context, req Request) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

type task struct {
	handle    Handle
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// Pool is a Launcher that runs each task in its own goroutine.
type Pool struct {
	exec   Executor
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	tasks map[string]*task
}

// NewPool creates a pool that runs tasks with exec.
func NewPool(exec Executor, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{
		exec:   exec,
		logger: logger,
		now:    time.Now,
		tasks:  make(map[string]*task),
	}
}

// Launch starts req in the background. The task outlives ctx's cancellation;
// use Cancel to stop it.
func (p *Pool) Launch(ctx context.Context, req Request) (Handle, error) {
	if req.Agent == "" {
		return Handle{}, fmt.Errorf("launching task: agent is required")
	}
	if req.Prompt == "" {
		return Handle{}, fmt.Errorf("launching task: prompt is required")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{
		handle: Handle{
			ID:        uuid.NewString(),
			Agent:     req.Agent,
			Status:    StatusPending,
			StartedAt: p.now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	p.tasks[t.handle.ID] = t
	p.mu.Unlock()

	p.logger.Debug("task launched", "task", t.handle.ID, "agent", req.Agent)
	go p.run(runCtx, t, req)

	return t.handle, nil
}

func (p *Pool) run(ctx context.Context, t *task, req Request) {
	defer close(t.done)
	defer t.cancel()

	p.setStatus(t, StatusStarting)
	if ctx.Err() == nil {
		p.setStatus(t, StatusRunning)
	}

	output, err := p.exec.Execute(ctx, req)

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	t.handle.Output = output
	t.handle.CompletedAt = &now
	switch {
	case t.cancelled:
		t.handle.Status = StatusCancelled
		t.handle.Error = "cancelled"
	case err != nil:
		t.handle.Status = StatusFailed
		t.handle.Error = err.Error()
	default:
		t.handle.Status = StatusCompleted
	}
	p.logger.Debug("task finished", "task", t.handle.ID, "status", t.handle.Status)
}

func (p *Pool) setStatus(t *task, s Status) {
	p.mu.Lock()
	if !t.cancelled {
		t.handle.Status = s
	}
	p.mu.Unlock()
}

func (p *Pool) lookup(id string) (*task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownHandle)
	}
	return t, nil
}

func (p *Pool) snapshot(t *task) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := t.handle
	return &h
}

// WaitForCompletion blocks until the task finishes, timeout elapses (nil, nil)
// or ctx is done.
func (p *Pool) WaitForCompletion(ctx context.Context, id string, timeout time.Duration) (*Handle, error) {
	t, err := p.lookup(id)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return p.snapshot(t), nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns a snapshot of the task.
func (p *Pool) Result(ctx context.Context, id string) (*Handle, error) {
	t, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	return p.snapshot(t), nil
}

// Cancel stops the task with id, or all live tasks when id is empty.
func (p *Pool) Cancel(ctx context.Context, id string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var targets []*task
	if id == "" {
		for _, t := range p.tasks {
			targets = append(targets, t)
		}
	} else {
		t, ok := p.tasks[id]
		if !ok {
			return 0, fmt.Errorf("%s: %w", id, ErrUnknownHandle)
		}
		targets = append(targets, t)
	}

	count := 0
	for _, t := range targets {
		if t.cancelled || t.handle.Status.Terminal() {
			continue
		}
		t.cancelled = true
		t.handle.Status = StatusCancelled
		t.cancel()
		count++
	}
	if count > 0 {
		p.logger.Info("tasks cancelled", "count", count)
	}
	return count, nil
}
