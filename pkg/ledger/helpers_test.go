package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/arena/pkg/audit"
)

type steppingClock struct {
	mutex sync.Mutex
	now   time.Time
	step  time.Duration
}

func newSteppingClock() *steppingClock {
	return &steppingClock{now: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC), step: time.Second}
}

func (clock *steppingClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(clock.step)
	return clock.now
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

type recordingAuditor struct {
	mutex   sync.Mutex
	records []audit.Record
}

func (auditor *recordingAuditor) Record(_ context.Context, record audit.Record) {
	auditor.mutex.Lock()
	defer auditor.mutex.Unlock()
	auditor.records = append(auditor.records, record)
}

func (auditor *recordingAuditor) actions() []string {
	auditor.mutex.Lock()
	defer auditor.mutex.Unlock()
	actions := make([]string, 0, len(auditor.records))
	for _, record := range auditor.records {
		actions = append(actions, record.Action)
	}
	return actions
}

// failingStore fails every transaction.
type failingStore struct {
	*MemoryStore
	err error
}

func (store *failingStore) WithTx(context.Context, func(ctx context.Context, txStore Store) error) error {
	return store.err
}

type sequentialIDs struct {
	mutex sync.Mutex
	next  int
}

func (ids *sequentialIDs) Next() string {
	ids.mutex.Lock()
	defer ids.mutex.Unlock()
	ids.next++
	return fmt.Sprintf("entry-%03d", ids.next)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	ids := &sequentialIDs{}
	allOptions := append([]ServiceOption{WithIDGenerator(ids.Next)}, options...)
	service, err := NewService(store, newSteppingClock().Now, allOptions...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmount {
	test.Helper()
	amount, err := NewPositiveAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustAppend(test *testing.T, service *Service, draft EntryDraft) Entry {
	test.Helper()
	entry, err := service.Append(context.Background(), draft)
	if err != nil {
		test.Fatalf("append %s: %v", draft.Kind, err)
	}
	return entry
}

func mustFund(test *testing.T, service *Service, userID UserID, amount int64) {
	test.Helper()
	mustAppend(test, service, EntryDraft{
		UserID:  userID,
		Kind:    KindAdminAdjustment,
		Amount:  SignedAmount(amount),
		Reason:  "seed",
		ActorID: "admin-seed",
	})
}

func mustBalance(test *testing.T, service *Service, userID UserID, expected int64) {
	test.Helper()
	balance, err := service.BalanceOf(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Int64() != expected {
		test.Fatalf("expected balance %d, got %d", expected, balance.Int64())
	}
	if _, err := service.VerifyBalance(context.Background(), userID); err != nil {
		test.Fatalf("verify balance: %v", err)
	}
}

func topupDraft(userID UserID, amount int64, reference string) EntryDraft {
	return EntryDraft{UserID: userID, Kind: KindTopup, Amount: SignedAmount(amount), ExternalReference: reference}
}

func isError(err error, target error) bool {
	return errors.Is(err, target)
}
