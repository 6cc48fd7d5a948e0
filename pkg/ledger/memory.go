package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the ledger in process. Transactions serialize on a single mutex and work on a copy that is
// swapped in on commit. It backs tests and the memory store driver.
type MemoryStore struct {
	mutex sync.Mutex
	state *memoryState
}

type memoryState struct {
	accounts map[string]Account
	entries  map[string]Entry
	order    []string
}

type memoryTx struct {
	state *memoryState
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func newMemoryState() *memoryState {
	return &memoryState{accounts: make(map[string]Account), entries: make(map[string]Entry)}
}

func (state *memoryState) clone() *memoryState {
	copied := newMemoryState()
	for key, account := range state.accounts {
		copied.accounts[key] = account
	}
	for key, entry := range state.entries {
		copied.entries[key] = entry
	}
	copied.order = append([]string(nil), state.order...)
	return copied
}

// WithTx runs fn against a private copy and commits it when fn returns nil.
func (store *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	working := store.state.clone()
	if err := fn(ctx, &memoryTx{state: working}); err != nil {
		return err
	}
	store.state = working
	return nil
}

func (store *MemoryStore) read(fn func(tx *memoryTx) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return fn(&memoryTx{state: store.state})
}

func (store *MemoryStore) LockAccount(ctx context.Context, userID UserID) (Account, error) {
	var account Account
	err := store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		var err error
		account, err = txStore.LockAccount(ctx, userID)
		return err
	})
	return account, err
}

func (store *MemoryStore) GetAccount(ctx context.Context, userID UserID) (Account, error) {
	var account Account
	err := store.read(func(tx *memoryTx) error {
		var err error
		account, err = tx.GetAccount(ctx, userID)
		return err
	})
	return account, err
}

func (store *MemoryStore) SetBalance(ctx context.Context, userID UserID, balance Coins, at time.Time) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.SetBalance(ctx, userID, balance, at)
	})
}

func (store *MemoryStore) InsertEntry(ctx context.Context, entry Entry) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.InsertEntry(ctx, entry)
	})
}

func (store *MemoryStore) GetEntry(ctx context.Context, entryID EntryID) (Entry, error) {
	var entry Entry
	err := store.read(func(tx *memoryTx) error {
		var err error
		entry, err = tx.GetEntry(ctx, entryID)
		return err
	})
	return entry, err
}

func (store *MemoryStore) FindEntryByReference(ctx context.Context, reference string) (Entry, error) {
	var entry Entry
	err := store.read(func(tx *memoryTx) error {
		var err error
		entry, err = tx.FindEntryByReference(ctx, reference)
		return err
	})
	return entry, err
}

func (store *MemoryStore) UpdateEntryStatus(ctx context.Context, update StatusUpdate) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.UpdateEntryStatus(ctx, update)
	})
}

func (store *MemoryStore) SumApplied(ctx context.Context, userID UserID) (int64, error) {
	var sum int64
	err := store.read(func(tx *memoryTx) error {
		var err error
		sum, err = tx.SumApplied(ctx, userID)
		return err
	})
	return sum, err
}

func (store *MemoryStore) ListEntries(ctx context.Context, userID UserID, before time.Time, limit int) ([]Entry, error) {
	var entries []Entry
	err := store.read(func(tx *memoryTx) error {
		var err error
		entries, err = tx.ListEntries(ctx, userID, before, limit)
		return err
	})
	return entries, err
}

func (store *MemoryStore) ListPendingTopups(ctx context.Context, createdBefore time.Time, after PendingCursor, limit int) ([]Entry, error) {
	var entries []Entry
	err := store.read(func(tx *memoryTx) error {
		var err error
		entries, err = tx.ListPendingTopups(ctx, createdBefore, after, limit)
		return err
	})
	return entries, err
}

func (store *MemoryStore) SumAppliedTopups(ctx context.Context, from time.Time, to time.Time) (Revenue, error) {
	var revenue Revenue
	err := store.read(func(tx *memoryTx) error {
		var err error
		revenue, err = tx.SumAppliedTopups(ctx, from, to)
		return err
	})
	return revenue, err
}

func (tx *memoryTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *memoryTx) LockAccount(_ context.Context, userID UserID) (Account, error) {
	account, ok := tx.state.accounts[userID.String()]
	if !ok {
		account = Account{UserID: userID}
		tx.state.accounts[userID.String()] = account
	}
	return account, nil
}

func (tx *memoryTx) GetAccount(_ context.Context, userID UserID) (Account, error) {
	account, ok := tx.state.accounts[userID.String()]
	if !ok {
		return Account{UserID: userID}, nil
	}
	return account, nil
}

func (tx *memoryTx) SetBalance(_ context.Context, userID UserID, balance Coins, at time.Time) error {
	if balance < 0 {
		return fmt.Errorf("%w: negative balance %d", ErrInvalidBalance, balance)
	}
	tx.state.accounts[userID.String()] = Account{UserID: userID, Balance: balance, UpdatedAt: at}
	return nil
}

func (tx *memoryTx) InsertEntry(_ context.Context, entry Entry) error {
	if _, exists := tx.state.entries[entry.ID.String()]; exists {
		return fmt.Errorf("%w: entry id %s exists", ErrInvalidEntry, entry.ID)
	}
	if entry.ExternalReference != "" {
		for _, existing := range tx.state.entries {
			if existing.ExternalReference == entry.ExternalReference {
				return ErrDuplicateReference
			}
		}
	}
	tx.state.entries[entry.ID.String()] = entry
	tx.state.order = append(tx.state.order, entry.ID.String())
	return nil
}

func (tx *memoryTx) GetEntry(_ context.Context, entryID EntryID) (Entry, error) {
	entry, ok := tx.state.entries[entryID.String()]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownEntry, entryID)
	}
	return entry, nil
}

func (tx *memoryTx) FindEntryByReference(_ context.Context, reference string) (Entry, error) {
	for _, entry := range tx.state.entries {
		if reference != "" && entry.ExternalReference == reference {
			return entry, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: reference %s", ErrUnknownEntry, reference)
}

func (tx *memoryTx) UpdateEntryStatus(_ context.Context, update StatusUpdate) error {
	entry, ok := tx.state.entries[update.EntryID.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, update.EntryID)
	}
	if entry.Status != update.From {
		return fmt.Errorf("%w: entry is %s", ErrEntryFinalized, entry.Status)
	}
	tx.state.entries[update.EntryID.String()] = applyUpdate(entry, update)
	return nil
}

func (tx *memoryTx) SumApplied(_ context.Context, userID UserID) (int64, error) {
	var sum int64
	for _, entry := range tx.state.entries {
		if entry.UserID == userID && entry.Status == StatusApplied {
			sum += entry.Amount.Int64()
		}
	}
	return sum, nil
}

func (tx *memoryTx) ListEntries(_ context.Context, userID UserID, before time.Time, limit int) ([]Entry, error) {
	var entries []Entry
	for index := len(tx.state.order) - 1; index >= 0; index-- {
		entry := tx.state.entries[tx.state.order[index]]
		if entry.UserID == userID && entry.CreatedAt.Before(before) {
			entries = append(entries, entry)
		}
	}
	sort.SliceStable(entries, func(left, right int) bool {
		return entries[left].CreatedAt.After(entries[right].CreatedAt)
	})
	return truncate(entries, limit), nil
}

func (tx *memoryTx) ListPendingTopups(_ context.Context, createdBefore time.Time, after PendingCursor, limit int) ([]Entry, error) {
	var entries []Entry
	for _, id := range tx.state.order {
		entry := tx.state.entries[id]
		if entry.Kind == KindTopup && entry.Status == StatusPending && entry.CreatedAt.Before(createdBefore) && after.Precedes(entry) {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(left, right int) bool {
		if !entries[left].CreatedAt.Equal(entries[right].CreatedAt) {
			return entries[left].CreatedAt.Before(entries[right].CreatedAt)
		}
		return entries[left].ID.String() < entries[right].ID.String()
	})
	return truncate(entries, limit), nil
}

func (tx *memoryTx) SumAppliedTopups(_ context.Context, from time.Time, to time.Time) (Revenue, error) {
	revenue := Revenue{From: from, To: to}
	for _, entry := range tx.state.entries {
		if entry.Kind != KindTopup || entry.Status != StatusApplied {
			continue
		}
		if entry.AppliedAt.Before(from) || !entry.AppliedAt.Before(to) {
			continue
		}
		revenue.TotalCoins += entry.Amount.Int64()
		revenue.Count++
	}
	return revenue, nil
}

func truncate(entries []Entry, limit int) []Entry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}
