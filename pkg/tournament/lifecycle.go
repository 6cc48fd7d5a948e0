package tournament

import (
	"fmt"
	"time"
)

var legalEdges = map[Status][]Status{
	StatusDraft:  {StatusActive, StatusArchived},
	StatusActive: {StatusArchived, StatusCompleted},
}

// CheckTransition returns nil when from→to is legal for the given progress.
func CheckTransition(from Status, to Status, progress Progress) error {
	if !hasEdge(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, from, to)
	}
	switch to {
	case StatusArchived:
		if progress.Complete() {
			return fmt.Errorf("%w: fully played tournament must be completed, not archived", ErrIllegalTransition)
		}
	case StatusCompleted:
		if !progress.Complete() {
			return fmt.Errorf("%w: %.0f%% of %d matches played", ErrIllegalTransition, progress.Percent(), progress.MatchCount)
		}
	}
	return nil
}

// AllowedTransitions lists the targets currently reachable from the tournament's state.
func AllowedTransitions(tournament Tournament) []Status {
	allowed := make([]Status, 0, 2)
	for _, target := range legalEdges[tournament.Status] {
		if CheckTransition(tournament.Status, target, tournament.Progress) == nil {
			allowed = append(allowed, target)
		}
	}
	return allowed
}

// Staleness is the time since the last match activity, falling back to the last update.
func Staleness(tournament Tournament, now time.Time) time.Duration {
	reference := tournament.LatestMatchActivityAt
	if reference.IsZero() {
		reference = tournament.UpdatedAt
	}
	if reference.IsZero() {
		reference = tournament.CreatedAt
	}
	if reference.IsZero() || now.Before(reference) {
		return 0
	}
	return now.Sub(reference)
}

// ArchiveRecommended is a hint only. Nothing archives automatically.
func ArchiveRecommended(tournament Tournament, now time.Time, idleThreshold time.Duration) bool {
	if tournament.Status.IsTerminal() || tournament.Progress.Complete() {
		return false
	}
	return Staleness(tournament, now) >= idleThreshold
}

func hasEdge(from Status, to Status) bool {
	for _, candidate := range legalEdges[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
