package tournament

import (
	"errors"
	"testing"
	"time"
)

func TestCheckTransitionEdgeTable(test *testing.T) {
	test.Parallel()
	empty := Progress{}
	partial := Progress{MatchCount: 8, CompletedMatchCount: 5}
	full := Progress{MatchCount: 8, CompletedMatchCount: 8}
	statuses := []Status{StatusDraft, StatusActive, StatusCompleted, StatusArchived}

	legal := map[[2]Status]Progress{
		{StatusDraft, StatusActive}:     empty,
		{StatusDraft, StatusArchived}:   partial,
		{StatusActive, StatusArchived}:  partial,
		{StatusActive, StatusCompleted}: full,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			from, to := from, to
			test.Run(string(from)+"_to_"+string(to), func(test *testing.T) {
				test.Parallel()
				progress, isLegal := legal[[2]Status{from, to}]
				if !isLegal {
					progress = partial
				}
				err := CheckTransition(from, to, progress)
				if isLegal && err != nil {
					test.Fatalf("expected legal transition, got %v", err)
				}
				if !isLegal && !errors.Is(err, ErrIllegalTransition) {
					test.Fatalf("expected ErrIllegalTransition, got %v", err)
				}
			})
		}
	}
}

func TestCheckTransitionProgressGates(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		from     Status
		to       Status
		progress Progress
		legal    bool
	}{
		{name: "archive below full", from: StatusActive, to: StatusArchived, progress: Progress{MatchCount: 10, CompletedMatchCount: 9}, legal: true},
		{name: "archive at full", from: StatusActive, to: StatusArchived, progress: Progress{MatchCount: 10, CompletedMatchCount: 10}},
		{name: "archive without matches", from: StatusActive, to: StatusArchived, progress: Progress{}, legal: true},
		{name: "archive fully played draft", from: StatusDraft, to: StatusArchived, progress: Progress{MatchCount: 2, CompletedMatchCount: 2}},
		{name: "complete at full", from: StatusActive, to: StatusCompleted, progress: Progress{MatchCount: 10, CompletedMatchCount: 10}, legal: true},
		{name: "complete below full", from: StatusActive, to: StatusCompleted, progress: Progress{MatchCount: 10, CompletedMatchCount: 9}},
		{name: "complete without matches", from: StatusActive, to: StatusCompleted, progress: Progress{}},
		{name: "activate ignores progress", from: StatusDraft, to: StatusActive, progress: Progress{MatchCount: 4, CompletedMatchCount: 4}, legal: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			err := CheckTransition(testCase.from, testCase.to, testCase.progress)
			if testCase.legal != (err == nil) {
				test.Fatalf("legal=%v, got error %v", testCase.legal, err)
			}
		})
	}
}

func TestNewProgressRejectsOvercount(test *testing.T) {
	test.Parallel()
	if _, err := NewProgress(3, 4); !errors.Is(err, ErrInvalidProgress) {
		test.Fatalf("expected ErrInvalidProgress, got %v", err)
	}
	if _, err := NewProgress(-1, 0); !errors.Is(err, ErrInvalidProgress) {
		test.Fatalf("expected ErrInvalidProgress for negative count, got %v", err)
	}
	progress, err := NewProgress(4, 1)
	if err != nil || progress.Percent() != 25 {
		test.Fatalf("expected 25%%, got %v %v", progress.Percent(), err)
	}
}

func TestStalenessFallsBackToUpdatedAt(test *testing.T) {
	test.Parallel()
	now := time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)
	withActivity := Tournament{
		UpdatedAt:             now.Add(-time.Hour),
		LatestMatchActivityAt: now.Add(-72 * time.Hour),
	}
	if got := Staleness(withActivity, now); got != 72*time.Hour {
		test.Fatalf("expected 72h from match activity, got %v", got)
	}
	withoutActivity := Tournament{UpdatedAt: now.Add(-48 * time.Hour)}
	if got := Staleness(withoutActivity, now); got != 48*time.Hour {
		test.Fatalf("expected 48h from updated_at, got %v", got)
	}
	future := Tournament{UpdatedAt: now.Add(time.Hour)}
	if got := Staleness(future, now); got != 0 {
		test.Fatalf("expected clock skew to clamp to zero, got %v", got)
	}
}

func TestArchiveRecommended(test *testing.T) {
	test.Parallel()
	now := time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)
	idle := Tournament{Status: StatusActive, Progress: Progress{MatchCount: 4, CompletedMatchCount: 1}, UpdatedAt: now.Add(-15 * 24 * time.Hour)}
	if !ArchiveRecommended(idle, now, DefaultIdleThreshold) {
		test.Fatalf("expected recommendation for idle active tournament")
	}
	played := idle
	played.Progress = Progress{MatchCount: 4, CompletedMatchCount: 4}
	if ArchiveRecommended(played, now, DefaultIdleThreshold) {
		test.Fatalf("fully played tournaments must not be recommended for archive")
	}
	archived := idle
	archived.Status = StatusArchived
	if ArchiveRecommended(archived, now, DefaultIdleThreshold) {
		test.Fatalf("terminal tournaments must not be recommended")
	}
	fresh := idle
	fresh.UpdatedAt = now.Add(-time.Hour)
	if ArchiveRecommended(fresh, now, DefaultIdleThreshold) {
		test.Fatalf("fresh tournaments must not be recommended")
	}
}
