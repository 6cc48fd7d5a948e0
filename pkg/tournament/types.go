// Package tournament enforces the tournament lifecycle.
package tournament

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrIllegalTransition      = errors.New("illegal transition")
	ErrUnknownTournament      = errors.New("unknown tournament")
	ErrInvalidProgress        = errors.New("invalid progress")
	ErrStatusConflict         = errors.New("status changed concurrently")
	ErrInvalidStatus          = errors.New("invalid tournament status")
	ErrInvalidTournamentID    = errors.New("invalid tournament id")
	ErrInvalidEngineConfig    = errors.New("invalid engine config")
	ErrMissingTransitionActor = errors.New("missing transition actor")
)

// Status is the lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// ParseStatus validates a raw status.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.ToLower(strings.TrimSpace(raw))); status {
	case StatusDraft, StatusActive, StatusCompleted, StatusArchived:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// IsTerminal reports whether no edge leaves the status.
func (status Status) IsTerminal() bool {
	return status == StatusCompleted || status == StatusArchived
}

// Progress counts played matches.
type Progress struct {
	MatchCount          int
	CompletedMatchCount int
}

// NewProgress validates 0 <= completed <= matches.
func NewProgress(matchCount int, completedMatchCount int) (Progress, error) {
	if matchCount < 0 || completedMatchCount < 0 {
		return Progress{}, fmt.Errorf("%w: counts must be non-negative", ErrInvalidProgress)
	}
	if completedMatchCount > matchCount {
		return Progress{}, fmt.Errorf("%w: %d completed of %d matches", ErrInvalidProgress, completedMatchCount, matchCount)
	}
	return Progress{MatchCount: matchCount, CompletedMatchCount: completedMatchCount}, nil
}

// Percent is the completion percentage, 0 when there are no matches.
func (progress Progress) Percent() float64 {
	if progress.MatchCount == 0 {
		return 0
	}
	return float64(progress.CompletedMatchCount) * 100 / float64(progress.MatchCount)
}

// Complete reports a fully played bracket. A tournament without matches is never complete.
func (progress Progress) Complete() bool {
	return progress.MatchCount > 0 && progress.CompletedMatchCount == progress.MatchCount
}

// Tournament is the lifecycle projection of a tournament.
type Tournament struct {
	ID                    string
	Status                Status
	Progress              Progress
	CreatedAt             time.Time
	UpdatedAt             time.Time
	LatestMatchActivityAt time.Time
}

// ProgressUpdate is pushed by the match collaborator.
type ProgressUpdate struct {
	TournamentID          string
	MatchCount            int
	CompletedMatchCount   int
	LatestMatchActivityAt time.Time
}

// StatusInfo is the read model served to admin screens.
type StatusInfo struct {
	ID                  string
	Status              Status
	ProgressPercent     float64
	MatchCount          int
	CompletedMatchCount int
	Staleness           time.Duration
	IdleDays            int
	ArchiveRecommended  bool
	AllowedTransitions  []Status
	UpdatedAt           time.Time
}

// Store persists tournament projections.
type Store interface {
	Get(ctx context.Context, tournamentID string) (Tournament, error)
	Create(ctx context.Context, tournament Tournament) error
	UpdateProgress(ctx context.Context, tournamentID string, progress Progress, latestActivity time.Time, at time.Time) error
	// CompareAndSwapStatus returns ErrStatusConflict when the stored status is no longer from.
	CompareAndSwapStatus(ctx context.Context, tournamentID string, from Status, to Status, at time.Time) error
}

// NormalizeID trims and validates a tournament id.
func NormalizeID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidTournamentID)
	}
	return trimmed, nil
}
