// Package resume restarts autoflow sessions that were interrupted by a crash,
// a dropped transport or a runtime restart. Sessions stopped by an operator
// are left alone.
package resume

import (
	"strings"
	"time"

	"github.com/swamp-dev/autoflow/internal/autoflow"
)

// EventSessionStatus is the only event type the resumer handles.
const EventSessionStatus = "session.status"

// Event is a host lifecycle notification.
type Event struct {
	Type       string          `json:"type"`
	Properties EventProperties `json:"properties"`
}

// EventProperties carries the session a status event is about.
type EventProperties struct {
	SessionID string `json:"sessionID"`
	Status    Status `json:"status"`
}

// Status classifies why a session changed state.
type Status struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
	Source string `json:"source,omitempty"`
}

// Reasons reported in an Outcome.
const (
	ReasonIgnoredEventType     = "ignored_event_type"
	ReasonMissingSessionID     = "missing_session_id"
	ReasonStatusNotStop        = "status_not_stop"
	ReasonDisabled             = "persistent_disabled"
	ReasonSessionNotFound      = "session_not_found"
	ReasonSessionNotActive     = "session_not_active"
	ReasonUserStopped          = "user_stopped"
	ReasonStickyUserStop       = "persistent_user_stopped"
	ReasonResumeLimit          = "persistent_resume_limit_reached"
	ReasonResumeFailureLimit   = "persistent_resume_failure_limit_reached"
	ReasonCooldown             = "persistent_resume_cooldown"
	ReasonResumed              = "resumed"
	ReasonPersistError         = "persist_error"
)

// Outcome reports what the resumer did with an event. Handled is false only
// for event types the resumer does not consume.
type Outcome struct {
	Handled   bool           `json:"handled"`
	Resumed   bool           `json:"resumed"`
	Reason    string         `json:"reason"`
	SessionID string         `json:"sessionID,omitempty"`
	Phase     autoflow.Phase `json:"phase,omitempty"`
	Summary   string         `json:"summary,omitempty"`
}

// Runtime is the resumer's bookkeeping for one session. It is stored apart
// from the controller's session record.
type Runtime struct {
	SessionID          string         `json:"sessionID"`
	ResumeAttempts     int            `json:"resumeAttempts"`
	ResumeFailures     int            `json:"resumeFailures"`
	UserStopped        bool           `json:"userStopped"`
	LastStopAt         time.Time      `json:"lastStopAt,omitempty"`
	LastStopType       string         `json:"lastStopType,omitempty"`
	LastStopReason     string         `json:"lastStopReason,omitempty"`
	LastResumeAt       time.Time      `json:"lastResumeAt,omitempty"`
	LastOutcomePhase   autoflow.Phase `json:"lastOutcomePhase,omitempty"`
	LastOutcomeSummary string         `json:"lastOutcomeSummary,omitempty"`
	UpdatedAt          time.Time      `json:"updatedAt"`

	version int64
}

// Bounds for PersistentConfig fields.
const (
	MinResumeCooldown     = 500 * time.Millisecond
	MaxResumeCooldown     = 2 * time.Minute
	DefaultResumeCooldown = 2500 * time.Millisecond

	MinAutoResumes     = 1
	MaxAutoResumes     = 50
	DefaultAutoResumes = 8

	MinResumeFailures     = 1
	MaxResumeFailures     = 20
	DefaultResumeFailures = 3

	MinResumeTimeout     = 3 * time.Second
	MaxResumeTimeout     = 10 * time.Minute
	DefaultResumeTimeout = 90 * time.Second
)

// PersistentConfig controls automatic resumption for every session.
type PersistentConfig struct {
	Enabled                      bool  `json:"enabled"`
	ResumeCooldownMs             int64 `json:"resumeCooldownMs"`
	MaxAutoResumes               int   `json:"maxAutoResumes"`
	MaxConsecutiveResumeFailures int   `json:"maxConsecutiveResumeFailures"`
	ResumeTimeoutMs              int64 `json:"resumeTimeoutMs"`
}

// DefaultPersistentConfig returns the configuration used until one is stored.
func DefaultPersistentConfig() PersistentConfig {
	return PersistentConfig{
		Enabled:                      true,
		ResumeCooldownMs:             DefaultResumeCooldown.Milliseconds(),
		MaxAutoResumes:               DefaultAutoResumes,
		MaxConsecutiveResumeFailures: DefaultResumeFailures,
		ResumeTimeoutMs:              DefaultResumeTimeout.Milliseconds(),
	}
}

// Normalize clamps every field into its allowed range. Unset fields take
// their default.
func (c PersistentConfig) Normalize() PersistentConfig {
	c.ResumeCooldownMs = clamp(c.ResumeCooldownMs,
		MinResumeCooldown.Milliseconds(), MaxResumeCooldown.Milliseconds(), DefaultResumeCooldown.Milliseconds())
	c.MaxAutoResumes = int(clamp(int64(c.MaxAutoResumes), MinAutoResumes, MaxAutoResumes, DefaultAutoResumes))
	c.MaxConsecutiveResumeFailures = int(clamp(int64(c.MaxConsecutiveResumeFailures),
		MinResumeFailures, MaxResumeFailures, DefaultResumeFailures))
	c.ResumeTimeoutMs = clamp(c.ResumeTimeoutMs,
		MinResumeTimeout.Milliseconds(), MaxResumeTimeout.Milliseconds(), DefaultResumeTimeout.Milliseconds())
	return c
}

// Cooldown is the minimum gap between two resumes of one session.
func (c PersistentConfig) Cooldown() time.Duration {
	return time.Duration(c.ResumeCooldownMs) * time.Millisecond
}

// ResumeTimeout bounds the commands run by a resumed controller call.
func (c PersistentConfig) ResumeTimeout() time.Duration {
	return time.Duration(c.ResumeTimeoutMs) * time.Millisecond
}

func clamp(v, lo, hi, def int64) int64 {
	switch {
	case v <= 0:
		return def
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

var stopVocabulary = []string{
	"stopped", "stop", "error", "failed", "terminated", "aborted", "cancelled", "canceled",
}

var userVocabulary = []string{
	"user", "manual", "cancel", "interrupted by user",
	"停止", "取消", "手动", "用户",
}

// IsStopStatus reports whether a status type means the session stopped.
func IsStopStatus(statusType string) bool {
	return containsAny(strings.ToLower(statusType), stopVocabulary)
}

// IsUserStop reports whether a stop reason or source names an operator.
func IsUserStop(s Status) bool {
	text := strings.ToLower(s.Reason + " " + s.Source)
	return containsAny(text, userVocabulary)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
