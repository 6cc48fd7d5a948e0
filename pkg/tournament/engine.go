package tournament

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/arena/pkg/audit"
	"github.com/MarkoPoloResearchLab/arena/pkg/keylock"
)

const (
	// DefaultIdleThreshold is the staleness at which archiving is suggested.
	DefaultIdleThreshold = 14 * 24 * time.Hour

	tournamentLockPrefix  = "tournament:"
	auditActionTransition = "status_transition"

	transitionStatusOK    = "ok"
	transitionStatusError = "error"
)

// TransitionLogger receives every transition attempt.
type TransitionLogger interface {
	LogTransition(ctx context.Context, entry TransitionLog)
}

// TransitionLog describes one RequestTransition call.
type TransitionLog struct {
	TournamentID string
	From         Status
	To           Status
	ActorID      string
	Status       string
	Error        error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLocker replaces the in-process per-tournament lock.
func WithLocker(locker keylock.Locker) EngineOption {
	return func(engine *Engine) {
		if locker != nil {
			engine.locker = locker
		}
	}
}

// WithAuditRecorder wires the audit trail for transitions.
func WithAuditRecorder(recorder audit.Recorder) EngineOption {
	return func(engine *Engine) {
		engine.recorder = recorder
	}
}

// WithTransitionLogger wires a transition callback.
func WithTransitionLogger(logger TransitionLogger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// WithIdleThreshold sets the staleness at which archiving is recommended.
func WithIdleThreshold(threshold time.Duration) EngineOption {
	return func(engine *Engine) {
		if threshold > 0 {
			engine.idleThreshold = threshold
		}
	}
}

// Engine applies lifecycle rules over a Store.
type Engine struct {
	store         Store
	nowFn         func() time.Time
	locker        keylock.Locker
	recorder      audit.Recorder
	logger        TransitionLogger
	idleThreshold time.Duration
}

// NewEngine wires an Engine.
func NewEngine(store Store, now func() time.Time, options ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidEngineConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidEngineConfig)
	}
	engine := &Engine{
		store:         store,
		nowFn:         now,
		locker:        keylock.NewKeyedMutex(),
		idleThreshold: DefaultIdleThreshold,
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// IdleThreshold exposes the configured threshold.
func (engine *Engine) IdleThreshold() time.Duration {
	return engine.idleThreshold
}

// GetStatusInfo returns status, progress and the staleness signal.
func (engine *Engine) GetStatusInfo(ctx context.Context, tournamentID string) (StatusInfo, error) {
	normalizedID, err := NormalizeID(tournamentID)
	if err != nil {
		return StatusInfo{}, err
	}
	tournament, err := engine.store.Get(ctx, normalizedID)
	if err != nil {
		return StatusInfo{}, err
	}
	return engine.describe(tournament, engine.nowFn().UTC()), nil
}

// Staleness returns the idle duration of a stored tournament.
func (engine *Engine) Staleness(ctx context.Context, tournamentID string) (time.Duration, error) {
	info, err := engine.GetStatusInfo(ctx, tournamentID)
	if err != nil {
		return 0, err
	}
	return info.Staleness, nil
}

// RequestTransition moves the tournament to target when the edge and its progress gate allow it.
// Requesting the status the tournament already holds is rejected like any other missing edge.
func (engine *Engine) RequestTransition(ctx context.Context, tournamentID string, target Status, actorID string) (Tournament, error) {
	var (
		before  Tournament
		updated Tournament
	)
	transitionError := func() error {
		normalizedID, err := NormalizeID(tournamentID)
		if err != nil {
			return err
		}
		if _, err := ParseStatus(string(target)); err != nil {
			return err
		}
		if strings.TrimSpace(actorID) == "" {
			return ErrMissingTransitionActor
		}
		release, err := engine.locker.Lock(ctx, tournamentLockPrefix+normalizedID)
		if err != nil {
			return fmt.Errorf("lock tournament %s: %w", normalizedID, err)
		}
		defer release()
		before, err = engine.store.Get(ctx, normalizedID)
		if err != nil {
			return err
		}
		if err := CheckTransition(before.Status, target, before.Progress); err != nil {
			return err
		}
		now := engine.nowFn().UTC()
		if err := engine.store.CompareAndSwapStatus(ctx, normalizedID, before.Status, target, now); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return fmt.Errorf("%w: %w", ErrIllegalTransition, err)
			}
			return err
		}
		updated = before
		updated.Status = target
		updated.UpdatedAt = now
		return nil
	}()
	engine.logTransition(ctx, TransitionLog{
		TournamentID: strings.TrimSpace(tournamentID),
		From:         before.Status,
		To:           target,
		ActorID:      actorID,
		Error:        transitionError,
	})
	if transitionError != nil {
		return Tournament{}, transitionError
	}
	if engine.recorder != nil {
		engine.recorder.Record(ctx, audit.Record{
			SubjectType: audit.SubjectTournament,
			SubjectID:   updated.ID,
			ActorID:     strings.TrimSpace(actorID),
			Action:      auditActionTransition,
			Before:      audit.Snapshot(snapshotOf(before)),
			After:       audit.Snapshot(snapshotOf(updated)),
		})
	}
	return updated, nil
}

// SyncProgress records match counts. Unknown tournaments are registered as draft. Status never changes here.
func (engine *Engine) SyncProgress(ctx context.Context, update ProgressUpdate) (Tournament, error) {
	normalizedID, err := NormalizeID(update.TournamentID)
	if err != nil {
		return Tournament{}, err
	}
	progress, err := NewProgress(update.MatchCount, update.CompletedMatchCount)
	if err != nil {
		return Tournament{}, err
	}
	release, err := engine.locker.Lock(ctx, tournamentLockPrefix+normalizedID)
	if err != nil {
		return Tournament{}, fmt.Errorf("lock tournament %s: %w", normalizedID, err)
	}
	defer release()

	now := engine.nowFn().UTC()
	latest := update.LatestMatchActivityAt.UTC()
	if update.LatestMatchActivityAt.IsZero() {
		latest = time.Time{}
	}
	existing, err := engine.store.Get(ctx, normalizedID)
	if errors.Is(err, ErrUnknownTournament) {
		created := Tournament{
			ID:                    normalizedID,
			Status:                StatusDraft,
			Progress:              progress,
			CreatedAt:             now,
			UpdatedAt:             now,
			LatestMatchActivityAt: latest,
		}
		if err := engine.store.Create(ctx, created); err != nil {
			return Tournament{}, err
		}
		return created, nil
	}
	if err != nil {
		return Tournament{}, err
	}
	if latest.IsZero() || latest.Before(existing.LatestMatchActivityAt) {
		latest = existing.LatestMatchActivityAt
	}
	if err := engine.store.UpdateProgress(ctx, normalizedID, progress, latest, now); err != nil {
		return Tournament{}, err
	}
	existing.Progress = progress
	existing.LatestMatchActivityAt = latest
	existing.UpdatedAt = now
	return existing, nil
}

func (engine *Engine) describe(tournament Tournament, now time.Time) StatusInfo {
	staleness := Staleness(tournament, now)
	return StatusInfo{
		ID:                  tournament.ID,
		Status:              tournament.Status,
		ProgressPercent:     tournament.Progress.Percent(),
		MatchCount:          tournament.Progress.MatchCount,
		CompletedMatchCount: tournament.Progress.CompletedMatchCount,
		Staleness:           staleness,
		IdleDays:            int(staleness / (24 * time.Hour)),
		ArchiveRecommended:  ArchiveRecommended(tournament, now, engine.idleThreshold),
		AllowedTransitions:  AllowedTransitions(tournament),
		UpdatedAt:           tournament.UpdatedAt,
	}
}

func (engine *Engine) logTransition(ctx context.Context, entry TransitionLog) {
	if engine.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = transitionStatusError
		} else {
			entry.Status = transitionStatusOK
		}
	}
	engine.logger.LogTransition(ctx, entry)
}

func snapshotOf(tournament Tournament) map[string]any {
	return map[string]any{
		"status":                string(tournament.Status),
		"match_count":           tournament.Progress.MatchCount,
		"completed_match_count": tournament.Progress.CompletedMatchCount,
	}
}
