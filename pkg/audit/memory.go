package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in process. It backs tests and single-node development runs.
type MemoryStore struct {
	mutex   sync.Mutex
	records []Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores a record.
func (store *MemoryStore) Append(_ context.Context, record Record) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.records = append(store.records, record)
	return nil
}

// List returns records for the subject, newest first.
func (store *MemoryStore) List(_ context.Context, subjectType SubjectType, subjectID string, limit int) ([]Record, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var matched []Record
	for index := len(store.records) - 1; index >= 0; index-- {
		record := store.records[index]
		if record.SubjectType == subjectType && record.SubjectID == subjectID {
			matched = append(matched, record)
		}
	}
	sort.SliceStable(matched, func(left, right int) bool {
		return matched[left].CreatedAt.After(matched[right].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}
