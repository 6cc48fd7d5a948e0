package tournament

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps tournaments in process.
type MemoryStore struct {
	mutex       sync.Mutex
	tournaments map[string]Tournament
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tournaments: make(map[string]Tournament)}
}

func (store *MemoryStore) Get(_ context.Context, tournamentID string) (Tournament, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	tournament, ok := store.tournaments[tournamentID]
	if !ok {
		return Tournament{}, fmt.Errorf("%w: %s", ErrUnknownTournament, tournamentID)
	}
	return tournament, nil
}

func (store *MemoryStore) Create(_ context.Context, tournament Tournament) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.tournaments[tournament.ID]; exists {
		return fmt.Errorf("%w: %s already exists", ErrStatusConflict, tournament.ID)
	}
	store.tournaments[tournament.ID] = tournament
	return nil
}

func (store *MemoryStore) UpdateProgress(_ context.Context, tournamentID string, progress Progress, latestActivity time.Time, at time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	tournament, ok := store.tournaments[tournamentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTournament, tournamentID)
	}
	tournament.Progress = progress
	tournament.LatestMatchActivityAt = latestActivity
	tournament.UpdatedAt = at
	store.tournaments[tournamentID] = tournament
	return nil
}

func (store *MemoryStore) CompareAndSwapStatus(_ context.Context, tournamentID string, from Status, to Status, at time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	tournament, ok := store.tournaments[tournamentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTournament, tournamentID)
	}
	if tournament.Status != from {
		return fmt.Errorf("%w: expected %s, found %s", ErrStatusConflict, from, tournament.Status)
	}
	tournament.Status = to
	tournament.UpdatedAt = at
	store.tournaments[tournamentID] = tournament
	return nil
}
