// Package autoflow drives a session through planning, execution, verification
// and fixing until it completes or fails.
package autoflow

import (
	"time"

	"github.com/swamp-dev/autoflow/internal/dag"
)

// Phase is the controller state of a session.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseExecution    Phase = "execution"
	PhaseVerification Phase = "verification"
	PhaseFixing       Phase = "fixing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseStopped      Phase = "stopped"
)

// Active reports whether a session in this phase is still in flight.
func (p Phase) Active() bool {
	switch p {
	case PhasePlanning, PhaseExecution, PhaseVerification, PhaseFixing:
		return true
	}
	return false
}

// Terminal reports whether the phase is completed or failed.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Bounds on session state.
const (
	MinFixRounds     = 1
	MaxFixRounds     = 10
	DefaultFixRounds = 3

	HistoryLimit        = 120
	SummaryLimit        = 220
	VerifyHashWindow    = 3
	MaxPhaseTransitions = 40
)

// Summaries returned to callers. Failure summaries may carry a ":<detail>" suffix.
const (
	SummaryPlanningRequiresTasks = "planning_requires_tasks"
	SummaryCompleted             = "autoflow_completed"
	SummaryStopped               = "session_stopped"
	SummaryEmptyDag              = "execution_empty_dag"
	SummaryExecutionFailed       = "execution_failed"
	SummaryExecutionException    = "execution_exception"
	SummaryInvalidGraph          = "execution_invalid_graph"
	SummaryVerificationFailed    = "verification_failed"
	SummaryRepeatedFailure       = "verification_repeated_failure"
	SummaryFixRoundLimit         = "fix_round_limit_reached"
	SummaryTransitionLimit       = "phase_transition_limit_reached"
	SummaryPersistError          = "persist_error"
	SummaryInterrupted           = "run_interrupted"
	SummarySessionIDRequired     = "session_id_required"
)

// HistoryRecord is one event in a session's history.
type HistoryRecord struct {
	At      time.Time `json:"at"`
	Phase   Phase     `json:"phase"`
	Event   string    `json:"event"`
	Summary string    `json:"summary,omitempty"`
}

// SessionState is the persisted record of one session.
type SessionState struct {
	SessionID string    `json:"sessionID"`
	Goal      string    `json:"goal"`
	Phase     Phase     `json:"phase"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	MaxFixRounds        int      `json:"maxFixRounds"`
	FixRound            int      `json:"fixRound"`
	VerificationCommand string   `json:"verificationCommand,omitempty"`
	FixCommands         []string `json:"fixCommands,omitempty"`
	FixSteps            FixSteps `json:"fixSteps,omitempty"`

	PlanTasks        []dag.TaskSpec `json:"planTasks"`
	MaxParallel      int            `json:"maxParallel,omitempty"`
	CommandTimeoutMs int64          `json:"commandTimeoutMs,omitempty"`
	WorkingDirectory string         `json:"workingDirectory,omitempty"`

	RecentVerificationHashes []string        `json:"recentVerificationHashes"`
	LastError                string          `json:"lastError,omitempty"`
	LastSummary              string          `json:"lastSummary,omitempty"`
	LastDag                  *dag.RunResult  `json:"lastDag,omitempty"`
	History                  []HistoryRecord `json:"history"`

	version int64
}

// EffectiveFixSteps returns the typed steps, or the legacy command list as
// command steps when no typed steps are set.
func (s *SessionState) EffectiveFixSteps() FixSteps {
	if len(s.FixSteps) > 0 {
		return s.FixSteps
	}
	steps := make(FixSteps, 0, len(s.FixCommands))
	for _, cmd := range s.FixCommands {
		if cmd != "" {
			steps = append(steps, CommandFixStep{Command: cmd})
		}
	}
	return steps
}

// HasFix reports whether any fix step is configured.
func (s *SessionState) HasFix() bool {
	return len(s.EffectiveFixSteps()) > 0
}

// fixStepFor returns the step for round, reusing the last step once the list
// runs out.
func (s *SessionState) fixStepFor(round int) FixStep {
	steps := s.EffectiveFixSteps()
	if len(steps) == 0 {
		return nil
	}
	if round >= len(steps) {
		round = len(steps) - 1
	}
	return steps[round]
}

func (s *SessionState) resetCycle() {
	s.FixRound = 0
	s.RecentVerificationHashes = nil
	s.LastError = ""
}

func (s *SessionState) pushVerificationHash(hash string) {
	s.RecentVerificationHashes = append(s.RecentVerificationHashes, hash)
	if n := len(s.RecentVerificationHashes); n > VerifyHashWindow {
		s.RecentVerificationHashes = s.RecentVerificationHashes[n-VerifyHashWindow:]
	}
}

// repeatedFailure reports whether the hash window is full of one signature.
func (s *SessionState) repeatedFailure() bool {
	if len(s.RecentVerificationHashes) < VerifyHashWindow {
		return false
	}
	first := s.RecentVerificationHashes[0]
	for _, h := range s.RecentVerificationHashes[1:] {
		if h != first {
			return false
		}
	}
	return true
}

func (s *SessionState) appendHistory(rec HistoryRecord) {
	s.History = append(s.History, rec)
	if n := len(s.History); n > HistoryLimit {
		s.History = append([]HistoryRecord(nil), s.History[n-HistoryLimit:]...)
	}
}

func clampFixRounds(n int) int {
	if n <= 0 {
		return DefaultFixRounds
	}
	if n < MinFixRounds {
		return MinFixRounds
	}
	if n > MaxFixRounds {
		return MaxFixRounds
	}
	return n
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
