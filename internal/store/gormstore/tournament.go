package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/arena/pkg/tournament"
)

const (
	errorSubjectTournament = "tournament"
	errorCodeCreate        = "create"
	errorCodeProgress      = "progress"
	errorCodeSwapStatus    = "swap_status"
)

// TournamentStore implements tournament.Store using GORM.
type TournamentStore struct {
	db *gorm.DB
}

// NewTournamentStore returns a TournamentStore backed by gorm.DB.
func NewTournamentStore(db *gorm.DB) *TournamentStore {
	return &TournamentStore{db: db}
}

func (store *TournamentStore) Get(ctx context.Context, tournamentID string) (tournament.Tournament, error) {
	var model Tournament
	err := store.db.WithContext(ctx).Where("tournament_id = ?", tournamentID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tournament.Tournament{}, wrapStoreError(errorSubjectTournament, errorCodeGet, fmt.Errorf("%w: %s", tournament.ErrUnknownTournament, tournamentID))
	}
	if err != nil {
		return tournament.Tournament{}, wrapStoreError(errorSubjectTournament, errorCodeGet, err)
	}
	status, err := tournament.ParseStatus(model.Status)
	if err != nil {
		return tournament.Tournament{}, wrapStoreError(errorSubjectTournament, errorCodeInvalid, err)
	}
	progress, err := tournament.NewProgress(model.MatchCount, model.CompletedMatchCount)
	if err != nil {
		return tournament.Tournament{}, wrapStoreError(errorSubjectTournament, errorCodeInvalid, err)
	}
	return tournament.Tournament{
		ID:                    model.TournamentID,
		Status:                status,
		Progress:              progress,
		CreatedAt:             utc(model.CreatedAt),
		UpdatedAt:             utc(model.UpdatedAt),
		LatestMatchActivityAt: timeOrZero(model.LatestMatchActivityAt),
	}, nil
}

func (store *TournamentStore) Create(ctx context.Context, value tournament.Tournament) error {
	model := Tournament{
		TournamentID:          value.ID,
		Status:                string(value.Status),
		MatchCount:            value.Progress.MatchCount,
		CompletedMatchCount:   value.Progress.CompletedMatchCount,
		CreatedAt:             utc(value.CreatedAt),
		UpdatedAt:             utc(value.UpdatedAt),
		LatestMatchActivityAt: optionalTime(value.LatestMatchActivityAt),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTournament, errorCodeDuplicate, fmt.Errorf("%w: %s already exists", tournament.ErrStatusConflict, value.ID))
	}
	if err != nil {
		return wrapStoreError(errorSubjectTournament, errorCodeCreate, err)
	}
	return nil
}

func (store *TournamentStore) UpdateProgress(ctx context.Context, tournamentID string, progress tournament.Progress, latestActivity time.Time, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Tournament{}).
		Where("tournament_id = ?", tournamentID).
		Updates(map[string]any{
			"match_count":              progress.MatchCount,
			"completed_match_count":    progress.CompletedMatchCount,
			"latest_match_activity_at": optionalTime(latestActivity),
			"updated_at":               utc(at),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTournament, errorCodeProgress, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTournament, errorCodeProgress, fmt.Errorf("%w: %s", tournament.ErrUnknownTournament, tournamentID))
	}
	return nil
}

func (store *TournamentStore) CompareAndSwapStatus(ctx context.Context, tournamentID string, from tournament.Status, to tournament.Status, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Tournament{}).
		Where("tournament_id = ? AND status = ?", tournamentID, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": utc(at)})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTournament, errorCodeSwapStatus, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	current, err := store.Get(ctx, tournamentID)
	if err != nil {
		return err
	}
	return wrapStoreError(errorSubjectTournament, errorCodeSwapStatus, fmt.Errorf("%w: expected %s, found %s", tournament.ErrStatusConflict, from, current.Status))
}
