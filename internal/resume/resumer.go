package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/swamp-dev/autoflow/internal/autoflow"
	"github.com/swamp-dev/autoflow/internal/lock"
	"github.com/swamp-dev/autoflow/internal/store"
)

const configKey = "global"

// DocumentStore is the versioned store runtime records and the persistent
// configuration are kept in.
type DocumentStore interface {
	Get(ctx context.Context, bucket, key string) (*store.Document, error)
	Put(ctx context.Context, bucket, key string, data []byte, expectedVersion int64) (int64, error)
}

// Controller is the subset of the workflow controller the resumer drives.
type Controller interface {
	Get(ctx context.Context, id string) (*autoflow.SessionState, error)
	Run(ctx context.Context, in autoflow.RunInput) *autoflow.Result
	Stop(ctx context.Context, id, reason string) (*autoflow.SessionState, error)
	ForceFail(ctx context.Context, id, reason string) (*autoflow.SessionState, error)
}

// Recorder receives every resumer decision.
type Recorder interface {
	Record(ctx context.Context, sessionID, phase, event, summary string, at time.Time) error
}

// Config wires a Resumer. Defaults seeds the persistent configuration the
// first time it is read; Recorder is optional.
type Config struct {
	Store      DocumentStore
	Controller Controller
	Recorder   Recorder
	Defaults   PersistentConfig
}

// Resumer decides whether a stopped session should be continued and does so
// through the controller.
type Resumer struct {
	store      DocumentStore
	controller Controller
	recorder   Recorder
	defaults   PersistentConfig
	locks      *lock.Keyed
	group      singleflight.Group
	logger     *slog.Logger
	now        func() time.Time
}

// NewResumer creates a resumer.
func NewResumer(cfg Config, logger *slog.Logger) *Resumer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	defaults := cfg.Defaults
	if defaults == (PersistentConfig{}) {
		defaults = DefaultPersistentConfig()
	}
	return &Resumer{
		store:      cfg.Store,
		controller: cfg.Controller,
		recorder:   cfg.Recorder,
		defaults:   defaults.Normalize(),
		locks:      lock.NewKeyed(),
		logger:     logger,
		now:        time.Now,
	}
}

// HandleEvent reacts to a host event. It never returns an error: every
// decision, including storage failures, is reported in the outcome.
func (r *Resumer) HandleEvent(ctx context.Context, ev Event) Outcome {
	if ev.Type != EventSessionStatus {
		return Outcome{Reason: ReasonIgnoredEventType}
	}

	id := ev.Properties.SessionID
	out := Outcome{Handled: true, SessionID: id}
	if id == "" {
		out.Reason = ReasonMissingSessionID
		return out
	}

	status := ev.Properties.Status
	if !IsStopStatus(status.Type) {
		out.Reason = ReasonStatusNotStop
		return out
	}

	cfg, err := r.Config(ctx)
	if err != nil {
		return r.persistFailure(out, err)
	}
	if !cfg.Enabled {
		out.Reason = ReasonDisabled
		return out
	}

	defer r.locks.Lock(id)()

	session, err := r.controller.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		out.Reason = ReasonSessionNotFound
		return out
	}
	if err != nil {
		return r.persistFailure(out, err)
	}
	out.Phase = session.Phase
	if !session.Phase.Active() {
		out.Reason = ReasonSessionNotActive
		return out
	}

	rt, err := r.loadRuntime(ctx, id)
	if err != nil {
		return r.persistFailure(out, err)
	}
	rt.LastStopAt = r.now()
	rt.LastStopType = status.Type
	rt.LastStopReason = stopReason(status)

	if IsUserStop(status) {
		rt.UserStopped = true
		if err := r.saveRuntime(ctx, rt); err != nil {
			return r.persistFailure(out, err)
		}
		stopped, err := r.controller.Stop(ctx, id, rt.LastStopReason)
		if err != nil {
			return r.persistFailure(out, err)
		}
		out.Phase = stopped.Phase
		out.Summary = stopped.LastSummary
		return r.decide(ctx, out, ReasonUserStopped, rt.LastStopReason)
	}

	if err := r.saveRuntime(ctx, rt); err != nil {
		return r.persistFailure(out, err)
	}

	switch {
	case rt.UserStopped:
		return r.decide(ctx, out, ReasonStickyUserStop, "")
	case rt.ResumeAttempts >= cfg.MaxAutoResumes:
		return r.forceFail(ctx, out, ReasonResumeLimit,
			fmt.Sprintf("attempts=%d max=%d", rt.ResumeAttempts, cfg.MaxAutoResumes))
	case rt.ResumeFailures >= cfg.MaxConsecutiveResumeFailures:
		return r.forceFail(ctx, out, ReasonResumeFailureLimit,
			fmt.Sprintf("failures=%d max=%d", rt.ResumeFailures, cfg.MaxConsecutiveResumeFailures))
	case !rt.LastResumeAt.IsZero() && r.now().Sub(rt.LastResumeAt) < cfg.Cooldown():
		return r.decide(ctx, out, ReasonCooldown, fmt.Sprintf("last resume %s ago", r.now().Sub(rt.LastResumeAt)))
	}

	return r.resume(ctx, out, rt, cfg)
}

// resume continues the session through the controller. The attempt is
// counted before the controller runs so a crash mid-resume still uses it up.
func (r *Resumer) resume(ctx context.Context, out Outcome, rt *Runtime, cfg PersistentConfig) Outcome {
	rt.ResumeAttempts++
	rt.LastResumeAt = r.now()
	if err := r.saveRuntime(ctx, rt); err != nil {
		return r.persistFailure(out, err)
	}
	r.record(ctx, rt.SessionID, string(out.Phase), "resume_started",
		fmt.Sprintf("attempt %d/%d after %s", rt.ResumeAttempts, cfg.MaxAutoResumes, rt.LastStopReason))
	r.logger.Info("resuming session", "session", rt.SessionID, "attempt", rt.ResumeAttempts, "stop_reason", rt.LastStopReason)

	res := r.controller.Run(ctx, autoflow.RunInput{
		SessionID: rt.SessionID,
		Timeout:   cfg.ResumeTimeout(),
	})

	rt.LastOutcomePhase = res.Phase
	rt.LastOutcomeSummary = res.Summary
	if res.Success {
		rt.ResumeFailures = 0
	} else {
		rt.ResumeFailures++
	}
	if err := r.saveRuntime(ctx, rt); err != nil {
		return r.persistFailure(out, err)
	}

	out.Resumed = true
	out.Phase = res.Phase
	out.Summary = res.Summary
	return r.decide(ctx, out, ReasonResumed, fmt.Sprintf("phase=%s summary=%s", res.Phase, res.Summary))
}

func (r *Resumer) forceFail(ctx context.Context, out Outcome, reason, detail string) Outcome {
	state, err := r.controller.ForceFail(ctx, out.SessionID, reason)
	if err != nil {
		return r.persistFailure(out, err)
	}
	out.Phase = state.Phase
	out.Summary = state.LastSummary
	return r.decide(ctx, out, reason, detail)
}

func (r *Resumer) decide(ctx context.Context, out Outcome, reason, detail string) Outcome {
	out.Reason = reason
	r.record(ctx, out.SessionID, string(out.Phase), "resume_"+reason, detail)
	r.logger.Info("resume decision", "session", out.SessionID, "reason", reason, "phase", out.Phase, "detail", detail)
	return out
}

func (r *Resumer) persistFailure(out Outcome, err error) Outcome {
	r.logger.Error("resume bookkeeping failed", "session", out.SessionID, "error", err)
	out.Reason = ReasonPersistError
	out.Summary = ReasonPersistError + ":" + err.Error()
	return out
}

func (r *Resumer) record(ctx context.Context, sessionID, phase, event, summary string) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Record(ctx, sessionID, phase, event, summary, r.now()); err != nil {
		r.logger.Warn("recording resume decision", "session", sessionID, "error", err)
	}
}

// ClearStopFlag lets the resumer act on a session again after an operator
// stop. The consecutive failure count is reset with it. The controller's
// session stays stopped until it is restarted. Sessions the resumer has never
// tracked report store.ErrNotFound.
func (r *Resumer) ClearStopFlag(ctx context.Context, id string) (*Runtime, error) {
	defer r.locks.Lock(id)()

	rt, err := r.loadRuntime(ctx, id)
	if err != nil {
		return nil, err
	}
	if rt.version == 0 {
		return nil, fmt.Errorf("runtime %s: %w", id, store.ErrNotFound)
	}
	rt.UserStopped = false
	rt.ResumeFailures = 0
	if err := r.saveRuntime(ctx, rt); err != nil {
		return nil, err
	}
	r.record(ctx, id, "", "resume_stop_flag_cleared", "")
	return rt, nil
}

// Runtime returns the stored bookkeeping for a session, or a zero record.
func (r *Resumer) Runtime(ctx context.Context, id string) (*Runtime, error) {
	return r.loadRuntime(ctx, id)
}

func (r *Resumer) loadRuntime(ctx context.Context, id string) (*Runtime, error) {
	doc, err := r.store.Get(ctx, store.BucketRuntime, id)
	if errors.Is(err, store.ErrNotFound) {
		return &Runtime{SessionID: id}, nil
	}
	if err != nil {
		return nil, err
	}
	var rt Runtime
	if err := json.Unmarshal(doc.Data, &rt); err != nil {
		return nil, fmt.Errorf("decoding runtime %s: %w", id, err)
	}
	rt.SessionID = id
	rt.version = doc.Version
	return &rt, nil
}

func (r *Resumer) saveRuntime(ctx context.Context, rt *Runtime) error {
	rt.UpdatedAt = r.now()
	data, err := json.Marshal(rt)
	if err != nil {
		return fmt.Errorf("encoding runtime %s: %w", rt.SessionID, err)
	}
	version, err := r.store.Put(context.WithoutCancel(ctx), store.BucketRuntime, rt.SessionID, data, rt.version)
	if err != nil {
		return fmt.Errorf("saving runtime %s: %w", rt.SessionID, err)
	}
	rt.version = version
	return nil
}

// Config returns the persistent configuration, storing the defaults the
// first time it is read.
func (r *Resumer) Config(ctx context.Context) (PersistentConfig, error) {
	v, err, _ := r.group.Do(configKey, func() (interface{}, error) {
		cfg, _, err := r.loadConfig(ctx)
		return cfg, err
	})
	if err != nil {
		return PersistentConfig{}, err
	}
	return v.(PersistentConfig), nil
}

// UpdateConfig applies fn to the stored configuration and persists the
// clamped result.
func (r *Resumer) UpdateConfig(ctx context.Context, fn func(*PersistentConfig)) (PersistentConfig, error) {
	defer r.locks.Lock(configKey)()

	cfg, version, err := r.loadConfig(ctx)
	if err != nil {
		return PersistentConfig{}, err
	}
	fn(&cfg)
	cfg = cfg.Normalize()

	data, err := json.Marshal(cfg)
	if err != nil {
		return PersistentConfig{}, fmt.Errorf("encoding persistent config: %w", err)
	}
	if _, err := r.store.Put(ctx, store.BucketConfig, configKey, data, version); err != nil {
		return PersistentConfig{}, fmt.Errorf("saving persistent config: %w", err)
	}
	r.logger.Info("persistent config updated", "enabled", cfg.Enabled, "max_auto_resumes", cfg.MaxAutoResumes)
	return cfg, nil
}

// loadConfig reads the stored configuration, materializing the defaults when
// none exists yet.
func (r *Resumer) loadConfig(ctx context.Context) (PersistentConfig, int64, error) {
	doc, err := r.store.Get(ctx, store.BucketConfig, configKey)
	if errors.Is(err, store.ErrNotFound) {
		cfg := r.defaults
		data, err := json.Marshal(cfg)
		if err != nil {
			return PersistentConfig{}, 0, fmt.Errorf("encoding persistent config: %w", err)
		}
		version, err := r.store.Put(ctx, store.BucketConfig, configKey, data, 0)
		if errors.Is(err, store.ErrVersionConflict) {
			// Another process materialized it first.
			return r.loadConfig(ctx)
		}
		if err != nil {
			return PersistentConfig{}, 0, fmt.Errorf("storing default persistent config: %w", err)
		}
		return cfg, version, nil
	}
	if err != nil {
		return PersistentConfig{}, 0, fmt.Errorf("reading persistent config: %w", err)
	}

	cfg := r.defaults
	if err := json.Unmarshal(doc.Data, &cfg); err != nil {
		return PersistentConfig{}, 0, fmt.Errorf("decoding persistent config: %w", err)
	}
	return cfg.Normalize(), doc.Version, nil
}

func stopReason(s Status) string {
	switch {
	case s.Reason != "" && s.Source != "":
		return s.Reason + " (" + s.Source + ")"
	case s.Reason != "":
		return s.Reason
	case s.Source != "":
		return s.Source
	}
	return s.Type
}
