package autoflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swamp-dev/autoflow/internal/dag"
	"github.com/swamp-dev/autoflow/internal/journal"
	"github.com/swamp-dev/autoflow/internal/launcher"
	"github.com/swamp-dev/autoflow/internal/runner"
	"github.com/swamp-dev/autoflow/internal/store"
)

// fakeScheduler completes every node except those listed in fail.
type fakeScheduler struct {
	mu        sync.Mutex
	fail      map[string]bool
	panicWith any
	runs      int
}

func (f *fakeScheduler) Run(ctx context.Context, g *dag.Graph, opts dag.Options) *dag.RunResult {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	res := &dag.RunResult{Total: g.Len()}
	for _, n := range g.Nodes {
		st := dag.StatusCompleted
		if f.fail[n.ID] {
			st = dag.StatusFailed
			res.Failed++
		} else {
			res.Completed++
		}
		res.Nodes = append(res.Nodes, dag.NodeResult{NodeID: n.ID, Agent: n.Agent, Status: st})
	}
	return res
}

// fakeRunner replays scripted results per command; the last result repeats.
// Unscripted commands succeed.
type fakeRunner struct {
	mu     sync.Mutex
	script map[string][]runner.Result
	seen   map[string]int
	calls  []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{script: map[string][]runner.Result{}, seen: map[string]int{}}
}

func (f *fakeRunner) Run(ctx context.Context, command string, timeout time.Duration, cwd string) (runner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	i := f.seen[command]
	f.seen[command]++

	steps := f.script[command]
	if len(steps) == 0 {
		return runner.Result{Command: command, OK: true}, nil
	}
	if i >= len(steps) {
		i = len(steps) - 1
	}
	res := steps[i]
	res.Command = command
	return res, nil
}

func pass() runner.Result { return runner.Result{OK: true, Stdout: "ok"} }

func fail(stderr string) runner.Result {
	return runner.Result{ExitCode: 1, Stderr: stderr}
}

type harness struct {
	ctrl  *Controller
	sched *fakeScheduler
	run   *fakeRunner
	store *store.Store
	clock time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{
		sched: &fakeScheduler{fail: map[string]bool{}},
		run:   newFakeRunner(),
		store: s,
		clock: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	h.ctrl = NewController(Config{
		Store:     s,
		Scheduler: h.sched,
		Runner:    h.run,
		Recorder:  journal.New(s, journal.SourceController),
	}, nil)
	h.ctrl.now = func() time.Time {
		h.clock = h.clock.Add(time.Second)
		return h.clock
	}
	return h
}

func oneTask() []dag.TaskSpec {
	return []dag.TaskSpec{{ID: "build", Agent: "claude", Prompt: "build it"}}
}

func events(state *SessionState) []string {
	var out []string
	for _, h := range state.History {
		out = append(out, h.Event)
	}
	return out
}

func TestRun_PlanningRequiresTasks(t *testing.T) {
	h := newHarness(t)

	res := h.ctrl.Run(context.Background(), RunInput{SessionID: "s1", Goal: "ship"})

	assert.False(t, res.Success)
	assert.Equal(t, PhasePlanning, res.Phase)
	assert.Equal(t, SummaryPlanningRequiresTasks, res.Summary)
	assert.Contains(t, events(res.State), "planning_waiting")
	assert.Zero(t, h.sched.runs)

	stored, err := h.ctrl.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, PhasePlanning, stored.Phase)
	assert.Equal(t, "ship", stored.Goal)
}

func TestRun_CompletesWithoutVerification(t *testing.T) {
	h := newHarness(t)

	res := h.ctrl.Run(context.Background(), RunInput{SessionID: "s1", Tasks: oneTask()})

	assert.True(t, res.Success)
	assert.Equal(t, PhaseCompleted, res.Phase)
	assert.Equal(t, SummaryCompleted, res.Summary)
	require.NotNil(t, res.DagResult)
	assert.Equal(t, 1, res.DagResult.Completed)
	assert.Empty(t, h.run.calls)
	assert.Equal(t, []string{
		"session_created", "planning_ready", "execution_completed", "verification_skipped", "autoflow_completed",
	}, events(res.State))
}

func TestRun_VerifyFixVerify(t *testing.T) {
	h := newHarness(t)
	h.run.script["make test"] = []runner.Result{fail("1 test failed"), pass()}

	res := h.ctrl.Run(context.Background(), RunInput{
		SessionID:           "s1",
		Tasks:               oneTask(),
		VerificationCommand: "make test",
		FixCommands:         []string{"make fix"},
	})

	assert.True(t, res.Success)
	assert.Equal(t, PhaseCompleted, res.Phase)
	assert.Equal(t, []string{"make test", "make fix", "make test"}, h.run.calls)
	assert.Equal(t, 1, res.State.FixRound)
	require.NotNil(t, res.FixResult)
	assert.Equal(t, FixKindCommand, res.FixResult.Kind)
	require.NotNil(t, res.Verification)
	assert.True(t, res.Verification.OK)
}

func TestRun_RepeatedVerificationFailure(t *testing.T) {
	h := newHarness(t)
	h.run.script["go test ./..."] = []runner.Result{fail("FAIL pkg/x")}

	res := h.ctrl.Run(context.Background(), RunInput{
		SessionID:           "s1",
		Tasks:               oneTask(),
		VerificationCommand: "go test ./...",
		FixCommands:         []string{"fix-1", "fix-2", "fix-3"},
		MaxFixRounds:        5,
	})

	assert.False(t, res.Success)
	assert.Equal(t, PhaseFailed, res.Phase)
	assert.True(t, strings.HasPrefix(res.Summary, SummaryRepeatedFailure+":"), res.Summary)
	assert.Contains(t, res.Summary, "FAIL pkg/x")
	assert.Equal(t, 3, h.run.seen["go test ./..."])
	assert.Equal(t, []string{"go test ./...", "fix-1", "go test ./...", "fix-2", "go test ./..."}, h.run.calls)
	assert.Equal(t, res.Summary, res.State.LastError)
}

func TestRun_FixRoundLimit(t *testing.T) {
	h := newHarness(t)
	h.run.script["verify"] = []runner.Result{fail("a"), fail("b"), fail("c")}

	res := h.ctrl.Run(context.Background(), RunInput{
		SessionID:           "s1",
		Tasks:               oneTask(),
		VerificationCommand: "verify",
		FixCommands:         []string{"fix"},
		MaxFixRounds:        1,
	})

	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Equal(t, SummaryFixRoundLimit, res.Summary)
	assert.Equal(t, []string{"verify", "fix", "verify"}, h.run.calls)
	assert.Equal(t, 1, res.State.FixRound)
}

func TestRun_FixStepReusesLastStep(t *testing.T) {
	h := newHarness(t)
	h.run.script["verify"] = []runner.Result{fail("1"), fail("2"), fail("3"), pass()}

	res := h.ctrl.Run(context.Background(), RunInput{
		SessionID:           "s1",
		Tasks:               oneTask(),
		VerificationCommand: "verify",
		FixCommands:         []string{"first", "second"},
	})

	assert.True(t, res.Success)
	assert.Equal(t, []string{"verify", "first", "verify", "second", "verify", "second", "verify"}, h.run.calls)
	assert.Equal(t, 3, res.State.FixRound)
}

func TestRun_VerificationFailsWithoutFix(t *testing.T) {
	h := newHarness(t)
	h.run.script["verify"] = []runner.Result{{ExitCode: 2}}

	res := h.ctrl.Run(context.Background(), RunInput{SessionID: "s1", Tasks: oneTask(), VerificationCommand: "verify"})

	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Equal(t, SummaryVerificationFailed+":exit code 2", res.Summary)
}

func TestRun_ExecutionOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		tasks     []dag.TaskSpec
		failNodes []string
		panicWith any
		fixes     []string
		phase     Phase
		summary   string
	}{
		{
			name:    "empty graph after filtering",
			tasks:   []dag.TaskSpec{{Agent: "", Prompt: "no agent"}},
			phase:   PhaseFailed,
			summary: SummaryEmptyDag,
		},
		{
			name:      "failed node without fix",
			tasks:     oneTask(),
			failNodes: []string{"build"},
			phase:     PhaseFailed,
			summary:   "execution_failed:completed=0,failed=1,blocked=0",
		},
		{
			name:      "failed node with fix goes through fixing",
			tasks:     oneTask(),
			failNodes: []string{"build"},
			fixes:     []string{"repair"},
			phase:     PhaseCompleted,
			summary:   SummaryCompleted,
		},
		{
			name:      "scheduler panic",
			tasks:     oneTask(),
			panicWith: "launcher exploded",
			phase:     PhaseFailed,
			summary:   "execution_exception:launcher exploded",
		},
		{
			name: "duplicate node ids",
			tasks: []dag.TaskSpec{
				{ID: "a", Agent: "claude", Prompt: "1"},
				{ID: "a", Agent: "claude", Prompt: "2"},
			},
			phase:   PhaseFailed,
			summary: `execution_invalid_graph:"a": duplicate node id`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			for _, id := range tt.failNodes {
				h.sched.fail[id] = true
			}
			h.sched.panicWith = tt.panicWith

			res := h.ctrl.Run(context.Background(), RunInput{SessionID: "s1", Tasks: tt.tasks, FixCommands: tt.fixes})

			assert.Equal(t, tt.phase, res.Phase)
			assert.Equal(t, tt.summary, res.Summary)
			assert.Equal(t, tt.phase == PhaseCompleted, res.Success)
		})
	}
}

func TestRun_TerminalSessionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.ctrl.Run(ctx, RunInput{SessionID: "s1", Tasks: oneTask()})
	require.Equal(t, PhaseCompleted, first.Phase)
	before, err := h.ctrl.Get(ctx, "s1")
	require.NoError(t, err)

	second := h.ctrl.Run(ctx, RunInput{SessionID: "s1", Tasks: oneTask(), VerificationCommand: "ignored"})

	assert.Equal(t, PhaseCompleted, second.Phase)
	assert.Equal(t, first.Summary, second.Summary)
	assert.True(t, second.Success)
	assert.Equal(t, 1, h.sched.runs)

	after, err := h.ctrl.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Len(t, after.History, len(before.History))
	assert.Empty(t, after.VerificationCommand)
}

func TestRun_StoppedSessionNeedsRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ctrl.Run(ctx, RunInput{SessionID: "s1"})
	stopped, err := h.ctrl.Stop(ctx, "s1", "user_cancelled")
	require.NoError(t, err)
	assert.Equal(t, PhaseStopped, stopped.Phase)
	assert.Equal(t, "session_stopped:user_cancelled", stopped.LastSummary)

	res := h.ctrl.Run(ctx, RunInput{SessionID: "s1", Tasks: oneTask()})
	assert.Equal(t, PhaseStopped, res.Phase)
	assert.Equal(t, SummaryStopped, res.Summary)
	assert.Zero(t, h.sched.runs)

	res = h.ctrl.Run(ctx, RunInput{SessionID: "s1", Tasks: oneTask(), ForceRestart: true})
	assert.Equal(t, PhaseCompleted, res.Phase)
	assert.Contains(t, events(res.State), "session_stopped")
	assert.Contains(t, events(res.State), "session_restarted")
}

func TestRun_ForceRestartResetsCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.run.script["verify"] = []runner.Result{fail("x")}

	res := h.ctrl.Run(ctx, RunInput{
		SessionID:           "s1",
		Tasks:               oneTask(),
		VerificationCommand: "verify",
		FixCommands:         []string{"fix"},
		MaxFixRounds:        2,
	})
	require.Equal(t, PhaseFailed, res.Phase)
	require.Equal(t, 2, res.State.FixRound)
	historyLen := len(res.State.History)

	h.run.script["verify"] = []runner.Result{pass()}
	res = h.ctrl.Run(ctx, RunInput{SessionID: "s1", Goal: "again", Tasks: oneTask(), VerificationCommand: "verify", ForceRestart: true})

	assert.Equal(t, PhaseCompleted, res.Phase)
	assert.Zero(t, res.State.FixRound)
	assert.Empty(t, res.State.LastError)
	assert.Empty(t, res.State.FixCommands, "restart replaces the previous configuration")
	assert.Equal(t, DefaultFixRounds, res.State.MaxFixRounds)
	assert.Greater(t, len(res.State.History), historyLen)
	assert.Equal(t, "again", res.State.Goal)
}

func TestRun_ContinuationAdoptsTasksWhilePlanning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.ctrl.Run(ctx, RunInput{SessionID: "s1", Goal: "later"})
	require.Equal(t, SummaryPlanningRequiresTasks, res.Summary)

	res = h.ctrl.Run(ctx, RunInput{SessionID: "s1", Tasks: oneTask(), Timeout: 5 * time.Second})
	assert.True(t, res.Success)
	assert.Equal(t, "later", res.State.Goal)
	assert.Zero(t, res.State.CommandTimeoutMs, "a continuation timeout is not persisted")
}

func TestRun_MonotonicFixRound(t *testing.T) {
	h := newHarness(t)
	h.run.script["verify"] = []runner.Result{fail("1"), fail("2"), pass()}

	res := h.ctrl.Run(context.Background(), RunInput{
		SessionID:           "s1",
		Tasks:               oneTask(),
		VerificationCommand: "verify",
		FixCommands:         []string{"fix"},
	})
	require.True(t, res.Success)

	var rounds []string
	for _, rec := range res.State.History {
		if rec.Event == "fix_applied" {
			rounds = append(rounds, strings.Fields(rec.Summary)[1])
		}
	}
	assert.Equal(t, []string{"1/3", "2/3"}, rounds)
}

func TestRun_InterruptedContextKeepsPhase(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.ctrl.Run(ctx, RunInput{SessionID: "s1", Tasks: oneTask()})

	assert.False(t, res.Success)
	assert.Equal(t, PhasePlanning, res.Phase)
	assert.True(t, strings.HasPrefix(res.Summary, SummaryInterrupted))

	stored, err := h.ctrl.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, PhasePlanning, stored.Phase)
}

// hookRunner calls before ahead of delegating each command.
type hookRunner struct {
	runner.Runner
	before func(command string)
}

func (r hookRunner) Run(ctx context.Context, command string, timeout time.Duration, cwd string) (runner.Result, error) {
	r.before(command)
	return r.Runner.Run(ctx, command, timeout, cwd)
}

func TestRun_CancelDuringExecutionKeepsPhase(t *testing.T) {
	for _, withFix := range []bool{false, true} {
		t.Run(fmt.Sprintf("fix=%t", withFix), func(t *testing.T) {
			h := newHarness(t)
			pool := launcher.NewPool(launcher.ExecutorFunc(func(ctx context.Context, req launcher.Request) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			}), nil)
			t.Cleanup(func() { pool.Cancel(context.Background(), "") })
			h.ctrl.scheduler = dag.NewScheduler(pool, nil)

			in := RunInput{SessionID: "s1", Tasks: oneTask(), VerificationCommand: "make test"}
			if withFix {
				in.FixCommands = []string{"make fix"}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			res := h.ctrl.Run(ctx, in)

			assert.False(t, res.Success)
			assert.Equal(t, PhaseExecution, res.Phase)
			assert.True(t, strings.HasPrefix(res.Summary, SummaryInterrupted+":"), res.Summary)
			assert.Empty(t, res.State.LastError)
			assert.Nil(t, res.State.LastDag)
			assert.Contains(t, events(res.State), "run_interrupted")
			assert.NotContains(t, events(res.State), "autoflow_failed")
			assert.Empty(t, h.run.calls)

			stored, err := h.ctrl.Get(context.Background(), "s1")
			require.NoError(t, err)
			assert.Equal(t, PhaseExecution, stored.Phase)

			h.ctrl.scheduler = h.sched
			res = h.ctrl.Run(context.Background(), RunInput{SessionID: "s1"})
			assert.True(t, res.Success)
			assert.Equal(t, PhaseCompleted, res.Phase)
		})
	}
}

func TestRun_CancelDuringVerificationKeepsPhase(t *testing.T) {
	h := newHarness(t)
	h.ctrl.runner = runner.NewShell("", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res := h.ctrl.Run(ctx, RunInput{
		SessionID:           "s1",
		Tasks:               oneTask(),
		VerificationCommand: "sleep 5",
		FixCommands:         []string{"true"},
	})

	assert.False(t, res.Success)
	assert.Equal(t, PhaseVerification, res.Phase)
	assert.True(t, strings.HasPrefix(res.Summary, SummaryInterrupted+":"), res.Summary)
	assert.Empty(t, res.State.RecentVerificationHashes)
	assert.Equal(t, 0, res.State.FixRound)
	assert.Empty(t, res.State.LastError)

	stored, err := h.ctrl.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, PhaseVerification, stored.Phase)
	assert.Empty(t, stored.RecentVerificationHashes)
}

func TestRun_CancelDuringFixRetriesRound(t *testing.T) {
	h := newHarness(t)
	h.run.script["make test"] = []runner.Result{fail("1 test failed"), pass()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ctrl.runner = hookRunner{Runner: h.run, before: func(command string) {
		if command == "make fix" {
			cancel()
		}
	}}

	res := h.ctrl.Run(ctx, RunInput{
		SessionID:           "s1",
		Tasks:               oneTask(),
		VerificationCommand: "make test",
		FixCommands:         []string{"make fix"},
	})

	assert.Equal(t, PhaseFixing, res.Phase)
	assert.True(t, strings.HasPrefix(res.Summary, SummaryInterrupted+":"), res.Summary)
	assert.Equal(t, 0, res.State.FixRound)
	assert.NotContains(t, events(res.State), "fix_applied")

	h.ctrl.runner = h.run
	res = h.ctrl.Run(context.Background(), RunInput{SessionID: "s1"})
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.State.FixRound)
	assert.Equal(t, []string{"make test", "make fix", "make fix", "make test"}, h.run.calls)
}

func TestRun_CollaboratorPanicFailsSession(t *testing.T) {
	tests := []struct {
		name      string
		panicOn   string
		fixSteps  FixSteps
		launchErr any
		summary   string
	}{
		{
			name:     "verification runner",
			panicOn:  "make test",
			fixSteps: FixSteps{CommandFixStep{Command: "make fix"}},
			summary:  "execution_exception:runner exploded",
		},
		{
			name:     "fix runner",
			panicOn:  "make fix",
			fixSteps: FixSteps{CommandFixStep{Command: "make fix"}},
			summary:  "execution_exception:runner exploded",
		},
		{
			name:      "agent fix launcher",
			fixSteps:  FixSteps{AgentFixStep{Agent: "claude", Prompt: "fix it"}},
			launchErr: "launcher exploded",
			summary:   "execution_exception:launcher exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.run.script["make test"] = []runner.Result{fail("1 test failed")}
			h.ctrl.launcher = &fakeLauncher{status: launcher.StatusCompleted, panicWith: tt.launchErr}
			h.ctrl.runner = hookRunner{Runner: h.run, before: func(command string) {
				if command == tt.panicOn {
					panic("runner exploded")
				}
			}}

			var res *Result
			require.NotPanics(t, func() {
				res = h.ctrl.Run(context.Background(), RunInput{
					SessionID:           "s1",
					Tasks:               oneTask(),
					VerificationCommand: "make test",
					FixSteps:            tt.fixSteps,
				})
			})

			assert.False(t, res.Success)
			assert.Equal(t, PhaseFailed, res.Phase)
			assert.Equal(t, tt.summary, res.Summary)
			assert.Equal(t, tt.summary, res.State.LastError)

			stored, err := h.ctrl.Get(context.Background(), "s1")
			require.NoError(t, err)
			assert.Equal(t, PhaseFailed, stored.Phase)
			assert.Equal(t, tt.summary, stored.LastSummary)
		})
	}
}

func TestRun_RequiresSessionID(t *testing.T) {
	h := newHarness(t)
	res := h.ctrl.Run(context.Background(), RunInput{Tasks: oneTask()})
	assert.Equal(t, SummarySessionIDRequired, res.Summary)
	assert.False(t, res.Success)
}

func TestRun_HistoryIsJournaled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.ctrl.Run(ctx, RunInput{SessionID: "s1", Tasks: oneTask()})
	require.True(t, res.Success)

	entries, err := h.store.JournalEntries(ctx, "s1", nil)
	require.NoError(t, err)
	require.Len(t, entries, len(res.State.History))
	assert.Equal(t, "autoflow_completed", entries[len(entries)-1].Event)
	assert.Equal(t, journal.SourceController, entries[0].Source)
}

// fakeLauncher completes agent fix tasks with a fixed status.
type fakeLauncher struct {
	status    launcher.Status
	panicWith any
	reqs      []launcher.Request
}

func (f *fakeLauncher) Launch(ctx context.Context, req launcher.Request) (launcher.Handle, error) {
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	f.reqs = append(f.reqs, req)
	return launcher.Handle{ID: fmt.Sprintf("t%d", len(f.reqs)), Agent: req.Agent}, nil
}

func (f *fakeLauncher) WaitForCompletion(ctx context.Context, id string, timeout time.Duration) (*launcher.Handle, error) {
	return &launcher.Handle{ID: id, Status: f.status, Output: "patched\n"}, nil
}

func (f *fakeLauncher) Result(ctx context.Context, id string) (*launcher.Handle, error) {
	return nil, launcher.ErrUnknownHandle
}

func (f *fakeLauncher) Cancel(ctx context.Context, id string) (int, error) { return 0, nil }

func TestRun_AgentFixStep(t *testing.T) {
	h := newHarness(t)
	fl := &fakeLauncher{status: launcher.StatusCompleted}
	h.ctrl.launcher = fl
	h.run.script["verify"] = []runner.Result{fail("lint"), pass()}

	res := h.ctrl.Run(context.Background(), RunInput{
		SessionID:           "s1",
		Tasks:               oneTask(),
		VerificationCommand: "verify",
		FixSteps:            FixSteps{AgentFixStep{Agent: "claude", Prompt: "fix the lint errors"}},
	})

	assert.True(t, res.Success)
	require.Len(t, fl.reqs, 1)
	assert.Equal(t, "s1", fl.reqs[0].ParentSessionID)
	require.NotNil(t, res.FixResult)
	assert.Equal(t, FixKindAgent, res.FixResult.Kind)
	assert.True(t, res.FixResult.OK)
	assert.Equal(t, "t1", res.FixResult.TaskID)
	assert.Equal(t, "patched", res.FixResult.Summary)
	assert.Equal(t, []string{"verify", "verify"}, h.run.calls)
}

func TestStopAndForceFail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Stop(ctx, "missing", "x")
	assert.ErrorIs(t, err, store.ErrNotFound)

	h.ctrl.Run(ctx, RunInput{SessionID: "s1"})
	state, err := h.ctrl.ForceFail(ctx, "s1", "persistent_resume_limit_reached")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, state.Phase)
	assert.Equal(t, "persistent_resume_limit_reached", state.LastSummary)

	// Finished sessions are not stopped.
	state, err = h.ctrl.Stop(ctx, "s1", "late")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, state.Phase)
}

func TestList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ctrl.Run(ctx, RunInput{SessionID: "b"})
	h.ctrl.Run(ctx, RunInput{SessionID: "a", Tasks: oneTask()})

	sessions, err := h.ctrl.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].SessionID)
	assert.Equal(t, PhaseCompleted, sessions[0].Phase)
	assert.Equal(t, PhasePlanning, sessions[1].Phase)
}

func TestSaveSession_StaleVersionConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ctrl.Run(ctx, RunInput{SessionID: "s1"})

	a, err := h.ctrl.Get(ctx, "s1")
	require.NoError(t, err)
	b, err := h.ctrl.Get(ctx, "s1")
	require.NoError(t, err)

	a.Goal = "first writer"
	require.NoError(t, saveSession(ctx, h.store, a))

	b.Goal = "second writer"
	err = saveSession(ctx, h.store, b)
	assert.True(t, errors.Is(err, store.ErrVersionConflict), "got %v", err)
}

func TestHistoryIsCapped(t *testing.T) {
	state := &SessionState{}
	for i := 0; i < HistoryLimit+30; i++ {
		state.appendHistory(HistoryRecord{Event: fmt.Sprintf("e%d", i)})
	}
	require.Len(t, state.History, HistoryLimit)
	assert.Equal(t, "e30", state.History[0].Event)
	assert.Equal(t, fmt.Sprintf("e%d", HistoryLimit+29), state.History[HistoryLimit-1].Event)
}

func TestClampFixRounds(t *testing.T) {
	assert.Equal(t, DefaultFixRounds, clampFixRounds(0))
	assert.Equal(t, 1, clampFixRounds(1))
	assert.Equal(t, MaxFixRounds, clampFixRounds(50))
}

func TestRun_VerificationTestReport(t *testing.T) {
	h := newHarness(t)
	h.run.script["go test ./..."] = []runner.Result{{
		ExitCode: 1,
		Stdout:   "--- PASS: TestA (0.00s)\n--- FAIL: TestB (0.01s)\nFAIL\n",
	}}

	res := h.ctrl.Run(context.Background(), RunInput{
		SessionID:           "s1",
		Tasks:               oneTask(),
		VerificationCommand: "go test ./...",
	})

	assert.Equal(t, PhaseFailed, res.Phase)
	require.NotNil(t, res.Tests)
	assert.Equal(t, 2, res.Tests.Total)
	assert.Equal(t, []string{"TestB"}, res.Tests.Failing)
}
