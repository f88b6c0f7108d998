package autoflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/swamp-dev/autoflow/internal/dag"
	"github.com/swamp-dev/autoflow/internal/launcher"
	"github.com/swamp-dev/autoflow/internal/lock"
	"github.com/swamp-dev/autoflow/internal/runner"
	"github.com/swamp-dev/autoflow/internal/store"
	"github.com/swamp-dev/autoflow/internal/testreport"
)

// DefaultCommandTimeout bounds verification and fix commands.
const DefaultCommandTimeout = 2 * time.Minute

// Scheduler executes a task graph.
type Scheduler interface {
	Run(ctx context.Context, g *dag.Graph, opts dag.Options) *dag.RunResult
}

// Recorder receives every history record, e.g. for an uncapped journal.
type Recorder interface {
	Record(ctx context.Context, sessionID, phase, event, summary string, at time.Time) error
}

// Defaults apply to sessions that do not set their own values.
type Defaults struct {
	Nodes          dag.Defaults
	MaxParallel    int
	MaxFixRounds   int
	CommandTimeout time.Duration
}

// Config wires a Controller to its collaborators. Launcher is only needed for
// agent fix steps and Recorder is optional.
type Config struct {
	Store     DocumentStore
	Scheduler Scheduler
	Runner    runner.Runner
	Launcher  launcher.Launcher
	Recorder  Recorder
	Defaults  Defaults
}

// RunInput starts or continues a session.
type RunInput struct {
	SessionID           string
	Goal                string
	Tasks               []dag.TaskSpec
	VerificationCommand string
	FixCommands         []string
	FixSteps            FixSteps
	MaxFixRounds        int
	MaxParallel         int
	// Timeout bounds verification and fix commands for this call.
	Timeout          time.Duration
	WorkingDirectory string
	ForceRestart     bool
}

// FixResult describes the fix step run in the last fixing phase.
type FixResult struct {
	Kind       FixKind `json:"kind"`
	Round      int     `json:"round"`
	Command    string  `json:"command,omitempty"`
	Agent      string  `json:"agent,omitempty"`
	OK         bool    `json:"ok"`
	ExitCode   int     `json:"exitCode,omitempty"`
	Status     string  `json:"status,omitempty"`
	TaskID     string  `json:"taskID,omitempty"`
	Summary    string  `json:"summary,omitempty"`
	DurationMs int64   `json:"durationMs"`
}

// Result is what a controller call reports. Success is true only for the
// completed phase.
type Result struct {
	Success      bool               `json:"success"`
	Phase        Phase              `json:"phase"`
	Summary      string             `json:"summary"`
	State        *SessionState      `json:"state,omitempty"`
	DagResult    *dag.RunResult     `json:"dagResult,omitempty"`
	Verification *runner.Result     `json:"verification,omitempty"`
	Tests        *testreport.Report `json:"tests,omitempty"`
	FixResult    *FixResult         `json:"fixResult,omitempty"`
}

// Controller moves sessions through their phases. Calls for one session id
// are serialized in-process; the store's version check guards against other
// processes.
type Controller struct {
	store     DocumentStore
	scheduler Scheduler
	runner    runner.Runner
	launcher  launcher.Launcher
	recorder  Recorder
	defaults  Defaults
	locks     *lock.Keyed
	logger    *slog.Logger
	now       func() time.Time
}

// NewController creates a controller.
func NewController(cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := cfg.Defaults
	if d.Nodes.Timeout <= 0 {
		d.Nodes = dag.DefaultDefaults()
	}
	if d.MaxParallel <= 0 {
		d.MaxParallel = dag.DefaultParallel
	}
	d.MaxFixRounds = clampFixRounds(d.MaxFixRounds)
	if d.CommandTimeout <= 0 {
		d.CommandTimeout = DefaultCommandTimeout
	}

	return &Controller{
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		runner:    cfg.Runner,
		launcher:  cfg.Launcher,
		recorder:  cfg.Recorder,
		defaults:  d,
		locks:     lock.NewKeyed(),
		logger:    logger,
		now:       time.Now,
	}
}

// Run starts, restarts or continues a session and advances it until it
// finishes, needs input, or is interrupted. It never returns an error:
// every failure is reported through the result's phase and summary.
func (c *Controller) Run(ctx context.Context, in RunInput) *Result {
	if in.SessionID == "" {
		return &Result{Summary: SummarySessionIDRequired}
	}

	defer c.locks.Lock(in.SessionID)()

	state, err := loadSession(ctx, c.store, in.SessionID)
	if err != nil {
		c.logger.Error("loading session", "session", in.SessionID, "error", err)
		return &Result{Summary: SummaryPersistError + ":" + err.Error()}
	}

	switch {
	case state == nil:
		state = c.newSession(ctx, in)
	case in.ForceRestart:
		c.restart(ctx, state, in)
	case state.Phase == PhaseStopped:
		return c.result(state, SummaryStopped)
	case state.Phase.Terminal():
		res := c.result(state, state.LastSummary)
		res.DagResult = state.LastDag
		return res
	case state.Phase == PhasePlanning:
		c.adopt(state, in)
	}

	timeout := c.defaults.CommandTimeout
	if state.CommandTimeoutMs > 0 {
		timeout = time.Duration(state.CommandTimeoutMs) * time.Millisecond
	}
	if in.Timeout > 0 {
		timeout = in.Timeout
	}

	res := &Result{}
	run := &runContext{result: res, timeout: timeout}
	for i := 0; ; i++ {
		if i >= MaxPhaseTransitions {
			c.finish(ctx, state, PhaseFailed, SummaryTransitionLimit)
			run.summary = SummaryTransitionLimit
			break
		}
		if c.interrupted(ctx, state, run) {
			break
		}

		done := c.step(ctx, state, run)
		if done {
			break
		}
		if err := c.save(ctx, state); err != nil {
			return c.persistFailure(state, res, err)
		}
	}

	if err := c.save(ctx, state); err != nil {
		return c.persistFailure(state, res, err)
	}

	res.Success = state.Phase == PhaseCompleted
	res.Phase = state.Phase
	res.Summary = run.summary
	res.State = state
	c.logger.Info("autoflow run finished", "session", state.SessionID, "phase", state.Phase, "summary", run.summary)
	return res
}

type runContext struct {
	result  *Result
	timeout time.Duration
	summary string
}

// step performs one phase transition and reports whether the loop should stop.
// A panic from a collaborator fails the session instead of escaping Run.
func (c *Controller) step(ctx context.Context, state *SessionState, run *runContext) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("phase panicked", "session", state.SessionID, "phase", state.Phase, "panic", r)
			run.summary = c.finish(ctx, state, PhaseFailed, SummaryExecutionException+":"+fmt.Sprint(r))
			done = true
		}
	}()

	switch state.Phase {
	case PhasePlanning:
		return c.plan(ctx, state, run)
	case PhaseExecution:
		return c.execute(ctx, state, run)
	case PhaseVerification:
		return c.verify(ctx, state, run)
	case PhaseFixing:
		return c.fix(ctx, state, run)
	default:
		run.summary = state.LastSummary
		return true
	}
}

func (c *Controller) plan(ctx context.Context, state *SessionState, run *runContext) bool {
	if len(state.PlanTasks) == 0 {
		c.record(ctx, state, "planning_waiting", SummaryPlanningRequiresTasks)
		state.LastSummary = SummaryPlanningRequiresTasks
		run.summary = SummaryPlanningRequiresTasks
		return true
	}
	c.transition(ctx, state, PhaseExecution, "planning_ready", fmt.Sprintf("%d tasks planned", len(state.PlanTasks)))
	return false
}

func (c *Controller) execute(ctx context.Context, state *SessionState, run *runContext) bool {
	dagRes, failure := c.runGraph(ctx, state)
	if failure != "" {
		run.summary = c.finish(ctx, state, PhaseFailed, failure)
		return true
	}
	// Nodes cut short by cancellation are not a verdict on the plan.
	if c.interrupted(ctx, state, run) {
		run.result.DagResult = dagRes
		return true
	}

	state.LastDag = dagRes
	run.result.DagResult = dagRes

	if dagRes.Total == 0 {
		run.summary = c.finish(ctx, state, PhaseFailed, SummaryEmptyDag)
		return true
	}

	if dagRes.Failed > 0 || dagRes.Blocked > 0 {
		reason := fmt.Sprintf("%s:completed=%d,failed=%d,blocked=%d",
			SummaryExecutionFailed, dagRes.Completed, dagRes.Failed, dagRes.Blocked)
		if !state.HasFix() {
			run.summary = c.finish(ctx, state, PhaseFailed, reason)
			return true
		}
		state.LastError = reason
		c.transition(ctx, state, PhaseFixing, "execution_failed", reason)
		return false
	}

	c.transition(ctx, state, PhaseVerification, "execution_completed", dagRes.String())
	return false
}

// runGraph builds and schedules the plan. A non-empty failure summary means
// the graph never produced a result.
func (c *Controller) runGraph(ctx context.Context, state *SessionState) (*dag.RunResult, string) {
	g, err := dag.Build(state.PlanTasks, c.defaults.Nodes)
	if err != nil {
		return nil, SummaryInvalidGraph + ":" + err.Error()
	}

	maxParallel := state.MaxParallel
	if maxParallel <= 0 {
		maxParallel = c.defaults.MaxParallel
	}

	c.logger.Info("executing plan", "session", state.SessionID, "nodes", g.Len(), "max_parallel", maxParallel)
	return c.scheduler.Run(ctx, g, dag.Options{MaxParallel: maxParallel, ParentSessionID: state.SessionID}), ""
}

func (c *Controller) verify(ctx context.Context, state *SessionState, run *runContext) bool {
	if state.VerificationCommand == "" {
		c.record(ctx, state, "verification_skipped", "")
		run.summary = c.finish(ctx, state, PhaseCompleted, SummaryCompleted)
		return true
	}

	vr := c.runCommand(ctx, state.VerificationCommand, run.timeout, state.WorkingDirectory)
	run.result.Verification = &vr
	if c.interrupted(ctx, state, run) {
		return true
	}
	if report := testreport.Parse(vr.Stdout + "\n" + vr.Stderr); report != nil {
		run.result.Tests = report
		c.logger.Info("verification tests", "session", state.SessionID, "format", report.Format,
			"passed", report.Passed, "failed", report.Failed, "total", report.Total)
	}

	if vr.OK {
		c.record(ctx, state, "verification_passed", state.VerificationCommand)
		run.summary = c.finish(ctx, state, PhaseCompleted, SummaryCompleted)
		return true
	}

	diag := diagnostic(vr)
	state.pushVerificationHash(failureHash(vr))

	switch {
	case state.repeatedFailure():
		run.summary = c.finish(ctx, state, PhaseFailed, SummaryRepeatedFailure+":"+diag)
		return true
	case state.FixRound >= state.MaxFixRounds:
		run.summary = c.finish(ctx, state, PhaseFailed, SummaryFixRoundLimit)
		return true
	case !state.HasFix():
		run.summary = c.finish(ctx, state, PhaseFailed, SummaryVerificationFailed+":"+diag)
		return true
	}

	state.LastError = SummaryVerificationFailed + ":" + diag
	c.transition(ctx, state, PhaseFixing, "verification_failed", diag)
	return false
}

func (c *Controller) fix(ctx context.Context, state *SessionState, run *runContext) bool {
	if state.FixRound >= state.MaxFixRounds {
		run.summary = c.finish(ctx, state, PhaseFailed, SummaryFixRoundLimit)
		return true
	}

	step := state.fixStepFor(state.FixRound)
	if step == nil {
		run.summary = c.finish(ctx, state, PhaseFailed, SummaryVerificationFailed+":no_fix_configured")
		return true
	}

	fr := c.applyFix(ctx, state, step, run.timeout)
	run.result.FixResult = fr
	// The round is retried on the next run.
	if c.interrupted(ctx, state, run) {
		return true
	}
	state.FixRound++

	c.transition(ctx, state, PhaseVerification, "fix_applied",
		fmt.Sprintf("round %d/%d %s ok=%t: %s", state.FixRound, state.MaxFixRounds, fr.Kind, fr.OK, fr.Summary))
	return false
}

func (c *Controller) applyFix(ctx context.Context, state *SessionState, step FixStep, timeout time.Duration) *FixResult {
	fr := &FixResult{Kind: step.Kind(), Round: state.FixRound}

	switch s := step.(type) {
	case CommandFixStep:
		if s.TimeoutMs > 0 {
			timeout = time.Duration(s.TimeoutMs) * time.Millisecond
		}
		res := c.runCommand(ctx, s.Command, timeout, state.WorkingDirectory)
		fr.Command = s.Command
		fr.OK = res.OK
		fr.ExitCode = res.ExitCode
		fr.DurationMs = res.DurationMs
		fr.Summary = diagnostic(res)
		if res.OK {
			fr.Summary = truncate(strings.TrimSpace(res.Stdout), SummaryLimit)
		}

	case AgentFixStep:
		fr.Agent = s.Agent
		if s.TimeoutMs > 0 {
			timeout = time.Duration(s.TimeoutMs) * time.Millisecond
		} else {
			timeout = c.defaults.Nodes.Timeout
		}
		start := time.Now()
		fr.Status, fr.TaskID, fr.Summary = c.runAgentFix(ctx, state, s, timeout)
		fr.OK = fr.Status == string(launcher.StatusCompleted)
		fr.DurationMs = time.Since(start).Milliseconds()
	}

	c.logger.Info("fix applied", "session", state.SessionID, "round", state.FixRound+1, "kind", fr.Kind, "ok", fr.OK)
	return fr
}

func (c *Controller) runAgentFix(ctx context.Context, state *SessionState, s AgentFixStep, timeout time.Duration) (status, taskID, summary string) {
	if c.launcher == nil {
		return string(launcher.StatusFailed), "", "no task launcher configured"
	}

	h, err := c.launcher.Launch(ctx, launcher.Request{
		Agent:           s.Agent,
		Prompt:          s.Prompt,
		Description:     s.Description,
		ParentSessionID: state.SessionID,
	})
	if err != nil {
		return string(launcher.StatusFailed), "", "launch_failed:" + err.Error()
	}

	final, err := c.launcher.WaitForCompletion(ctx, h.ID, timeout)
	switch {
	case err != nil:
		return string(launcher.StatusFailed), h.ID, err.Error()
	case final == nil:
		return string(dag.StatusTimeout), h.ID, fmt.Sprintf("timeout_after_%s", timeout)
	}
	msg := final.Error
	if msg == "" {
		msg = lastLine(final.Output)
	}
	return string(final.Status), h.ID, truncate(msg, SummaryLimit)
}

func (c *Controller) runCommand(ctx context.Context, command string, timeout time.Duration, cwd string) runner.Result {
	res, err := c.runner.Run(ctx, command, timeout, cwd)
	if err != nil {
		c.logger.Warn("command did not run", "command", command, "error", err)
		if res.Command == "" {
			res = runner.Failed(command, err)
		}
	}
	return res
}

// Get returns the stored session.
func (c *Controller) Get(ctx context.Context, id string) (*SessionState, error) {
	state, err := loadSession(ctx, c.store, id)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return state, nil
}

// List returns every stored session ordered by id.
func (c *Controller) List(ctx context.Context) ([]*SessionState, error) {
	return listSessions(ctx, c.store)
}

// Stop moves an active session to the stopped phase. Stopped sessions only
// run again after a forced restart. Finished sessions are left unchanged.
func (c *Controller) Stop(ctx context.Context, id, reason string) (*SessionState, error) {
	return c.mutate(ctx, id, func(state *SessionState) bool {
		if !state.Phase.Active() {
			return false
		}
		summary := SummaryStopped
		if reason != "" {
			summary += ":" + reason
		}
		c.transition(ctx, state, PhaseStopped, "session_stopped", reason)
		state.LastSummary = truncate(summary, SummaryLimit)
		c.logger.Info("session stopped", "session", id, "reason", reason)
		return true
	})
}

// ForceFail marks an unfinished session as failed with reason.
func (c *Controller) ForceFail(ctx context.Context, id, reason string) (*SessionState, error) {
	return c.mutate(ctx, id, func(state *SessionState) bool {
		if state.Phase.Terminal() {
			return false
		}
		c.finish(ctx, state, PhaseFailed, reason)
		c.logger.Warn("session force-failed", "session", id, "reason", reason)
		return true
	})
}

// mutate applies fn to the stored session and saves it when fn reports a change.
func (c *Controller) mutate(ctx context.Context, id string, fn func(*SessionState) bool) (*SessionState, error) {
	defer c.locks.Lock(id)()

	state, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !fn(state) {
		return state, nil
	}
	if err := c.save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (c *Controller) newSession(ctx context.Context, in RunInput) *SessionState {
	now := c.now()
	state := &SessionState{
		SessionID: in.SessionID,
		Phase:     PhasePlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.applyInput(state, in)
	c.record(ctx, state, "session_created", in.Goal)
	return state
}

func (c *Controller) restart(ctx context.Context, state *SessionState, in RunInput) {
	state.Goal = ""
	state.VerificationCommand = ""
	state.FixCommands = nil
	state.FixSteps = nil
	state.PlanTasks = nil
	state.MaxParallel = 0
	state.WorkingDirectory = ""
	state.MaxFixRounds = 0
	state.CommandTimeoutMs = 0
	state.LastDag = nil
	state.LastSummary = ""
	c.applyInput(state, in)
	state.resetCycle()
	state.Phase = PhasePlanning
	c.record(ctx, state, "session_restarted", in.Goal)
}

// adopt merges configuration supplied with a continuation while the session
// is still planning. A continuation's timeout applies to that call only.
func (c *Controller) adopt(state *SessionState, in RunInput) {
	in.Timeout = 0
	c.applyInput(state, in)
}

func (c *Controller) applyInput(state *SessionState, in RunInput) {
	if in.Goal != "" {
		state.Goal = in.Goal
	}
	if len(in.Tasks) > 0 {
		state.PlanTasks = append([]dag.TaskSpec(nil), in.Tasks...)
	}
	if in.VerificationCommand != "" {
		state.VerificationCommand = in.VerificationCommand
	}
	if len(in.FixCommands) > 0 {
		state.FixCommands = append([]string(nil), in.FixCommands...)
	}
	if len(in.FixSteps) > 0 {
		state.FixSteps = append(FixSteps(nil), in.FixSteps...)
	}
	if in.MaxFixRounds > 0 || state.MaxFixRounds == 0 {
		rounds := in.MaxFixRounds
		if rounds <= 0 {
			rounds = c.defaults.MaxFixRounds
		}
		state.MaxFixRounds = clampFixRounds(rounds)
	}
	if in.MaxParallel > 0 {
		state.MaxParallel = in.MaxParallel
	}
	if in.Timeout > 0 {
		state.CommandTimeoutMs = in.Timeout.Milliseconds()
	}
	if in.WorkingDirectory != "" {
		state.WorkingDirectory = in.WorkingDirectory
	}
}

// interrupted reports whether ctx is done. The session keeps its phase so a
// later continuation repeats the interrupted work.
func (c *Controller) interrupted(ctx context.Context, state *SessionState, run *runContext) bool {
	err := ctx.Err()
	if err == nil {
		return false
	}
	c.logger.Warn("run interrupted", "session", state.SessionID, "phase", state.Phase, "error", err)
	run.summary = SummaryInterrupted + ":" + err.Error()
	c.record(ctx, state, "run_interrupted", err.Error())
	return true
}

func (c *Controller) transition(ctx context.Context, state *SessionState, to Phase, event, summary string) {
	c.record(ctx, state, event, summary)
	c.logger.Debug("phase transition", "session", state.SessionID, "from", state.Phase, "to", to, "event", event)
	state.Phase = to
}

// finish moves state to a terminal phase and returns summary.
func (c *Controller) finish(ctx context.Context, state *SessionState, phase Phase, summary string) string {
	summary = truncate(summary, SummaryLimit)
	event := "autoflow_completed"
	if phase == PhaseFailed {
		event = "autoflow_failed"
		state.LastError = summary
	}
	c.record(ctx, state, event, summary)
	state.Phase = phase
	state.LastSummary = summary
	return summary
}

func (c *Controller) record(ctx context.Context, state *SessionState, event, summary string) {
	rec := HistoryRecord{
		At:      c.now(),
		Phase:   state.Phase,
		Event:   event,
		Summary: truncate(summary, SummaryLimit),
	}
	state.appendHistory(rec)

	if c.recorder != nil {
		if err := c.recorder.Record(context.WithoutCancel(ctx), state.SessionID, string(rec.Phase), rec.Event, rec.Summary, rec.At); err != nil {
			c.logger.Warn("recording history", "session", state.SessionID, "error", err)
		}
	}
}

func (c *Controller) save(ctx context.Context, state *SessionState) error {
	state.UpdatedAt = c.now()
	return saveSession(context.WithoutCancel(ctx), c.store, state)
}

func (c *Controller) persistFailure(state *SessionState, res *Result, err error) *Result {
	c.logger.Error("persisting session", "session", state.SessionID, "error", err)
	res.Success = false
	res.Phase = state.Phase
	res.Summary = SummaryPersistError + ":" + err.Error()
	res.State = state
	return res
}

func (c *Controller) result(state *SessionState, summary string) *Result {
	return &Result{
		Success: state.Phase == PhaseCompleted,
		Phase:   state.Phase,
		Summary: summary,
		State:   state,
	}
}

// diagnostic condenses a failed command into a one-line reason.
func diagnostic(res runner.Result) string {
	text := strings.TrimSpace(strings.TrimSpace(res.Stderr) + "\n" + strings.TrimSpace(res.Stdout))
	if text == "" {
		text = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return truncate(strings.Join(strings.Fields(text), " "), SummaryLimit)
}

func failureHash(res runner.Result) string {
	sum := sha256.Sum256([]byte(res.Stderr + res.Stdout))
	return hex.EncodeToString(sum[:])
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
