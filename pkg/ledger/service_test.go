package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, time.Now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(NewMemoryStore(), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}

func TestAppendTopupStaysPendingWithoutCredit(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, NewMemoryStore())
	userID := mustUserID(test, "user-1")

	entry := mustAppend(test, service, topupDraft(userID, 100, "pay-1"))
	if entry.Status != StatusPending {
		test.Fatalf("expected pending topup, got %s", entry.Status)
	}
	if entry.ActorID != userID.String() {
		test.Fatalf("expected owner as actor, got %q", entry.ActorID)
	}
	mustBalance(test, service, userID, 0)
}

func TestAppendTopupReplaysSameReference(test *testing.T) {
	test.Parallel()
	store := NewMemoryStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-1")

	first := mustAppend(test, service, topupDraft(userID, 100, "pay-1"))
	second := mustAppend(test, service, topupDraft(userID, 100, "pay-1"))
	if first.ID != second.ID {
		test.Fatalf("expected replay to return %s, got %s", first.ID, second.ID)
	}
	entries, err := service.ListEntries(context.Background(), userID, time.Time{}, 0)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		test.Fatalf("expected one stored entry, got %d", len(entries))
	}

	_, err = service.Append(context.Background(), topupDraft(userID, 250, "pay-1"))
	if !errors.Is(err, ErrDuplicateReference) {
		test.Fatalf("expected ErrDuplicateReference for amount change, got %v", err)
	}
	_, err = service.Append(context.Background(), topupDraft(mustUserID(test, "user-2"), 100, "pay-1"))
	if !errors.Is(err, ErrDuplicateReference) {
		test.Fatalf("expected ErrDuplicateReference for another user, got %v", err)
	}
}

func TestAppendSpendRejectsOverdraft(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, NewMemoryStore())
	userID := mustUserID(test, "user-1")
	mustFund(test, service, userID, 40)

	_, err := service.Append(context.Background(), EntryDraft{UserID: userID, Kind: KindSpend, Amount: -50, Category: "entry_fee"})
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	var operationError OperationError
	if !errors.As(err, &operationError) || operationError.Code() != "insufficient_balance" {
		test.Fatalf("expected coded operation error, got %v", err)
	}
	mustBalance(test, service, userID, 40)

	spend := mustAppend(test, service, EntryDraft{UserID: userID, Kind: KindSpend, Amount: -40, Category: "entry_fee"})
	if spend.Status != StatusApplied || spend.AppliedAt.IsZero() {
		test.Fatalf("expected applied spend, got %+v", spend)
	}
	mustBalance(test, service, userID, 0)
}

func TestAdminAdjustmentCannotOverdraw(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, NewMemoryStore())
	userID := mustUserID(test, "user-1")
	mustFund(test, service, userID, 10)

	_, err := service.Append(context.Background(), EntryDraft{UserID: userID, Kind: KindAdminAdjustment, Amount: -11, Reason: "chargeback", ActorID: "admin-1"})
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	mustBalance(test, service, userID, 10)
}

func TestResolvePendingCreditsOnce(test *testing.T) {
	test.Parallel()
	auditor := &recordingAuditor{}
	service := mustNewService(test, NewMemoryStore(), WithAuditRecorder(auditor))
	userID := mustUserID(test, "user-1")
	topup := mustAppend(test, service, topupDraft(userID, 100, "pay-1"))

	resolved, changed, err := service.ResolvePending(context.Background(), topup.ID, Resolution{Outcome: OutcomeApplied, SettledAmount: 100, Channel: "card"})
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if !changed || resolved.Status != StatusApplied || resolved.Channel != "card" {
		test.Fatalf("unexpected resolution %+v changed=%v", resolved, changed)
	}
	if resolved.ResolvedBy != "system" {
		test.Fatalf("expected system resolver, got %q", resolved.ResolvedBy)
	}
	mustBalance(test, service, userID, 100)

	again, changed, err := service.ResolvePending(context.Background(), topup.ID, Resolution{Outcome: OutcomeApplied, SettledAmount: 100})
	if err != nil {
		test.Fatalf("second resolve: %v", err)
	}
	if changed || again.Status != StatusApplied {
		test.Fatalf("expected idempotent no-op, got %+v changed=%v", again, changed)
	}
	mustBalance(test, service, userID, 100)

	_, _, err = service.ResolvePending(context.Background(), topup.ID, Resolution{Outcome: OutcomeFailed})
	if !errors.Is(err, ErrEntryFinalized) {
		test.Fatalf("expected ErrEntryFinalized for conflicting outcome, got %v", err)
	}

	actions := auditor.actions()
	if len(actions) != 2 || actions[0] != auditActionTopupRequested || actions[1] != auditActionTopupApplied {
		test.Fatalf("unexpected audit actions %v", actions)
	}
}

func TestResolvePendingConcurrentCallersCreditOnce(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, NewMemoryStore())
	userID := mustUserID(test, "user-1")
	mustFund(test, service, userID, 100)
	topup := mustAppend(test, service, topupDraft(userID, 100, "pay-1"))

	const callers = 16
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		changes   int
	)
	for index := 0; index < callers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, changed, err := service.ResolvePending(context.Background(), topup.ID, Resolution{Outcome: OutcomeApplied, SettledAmount: 100})
			if err != nil {
				test.Errorf("resolve: %v", err)
				return
			}
			if changed {
				mutex.Lock()
				changes++
				mutex.Unlock()
			}
		}()
	}
	waitGroup.Add(1)
	go func() {
		defer waitGroup.Done()
		if _, err := service.Append(context.Background(), EntryDraft{UserID: userID, Kind: KindSpend, Amount: -50, Category: "entry_fee"}); err != nil {
			test.Errorf("spend: %v", err)
		}
	}()
	waitGroup.Wait()

	if changes != 1 {
		test.Fatalf("expected exactly one crediting call, got %d", changes)
	}
	mustBalance(test, service, userID, 150)
}

func TestResolvePendingFailedWithMismatchFlag(test *testing.T) {
	test.Parallel()
	auditor := &recordingAuditor{}
	service := mustNewService(test, NewMemoryStore(), WithAuditRecorder(auditor))
	userID := mustUserID(test, "user-1")
	topup := mustAppend(test, service, topupDraft(userID, 100, "pay-1"))

	resolved, changed, err := service.ResolvePending(context.Background(), topup.ID, Resolution{Outcome: OutcomeFailed, Flag: FlagAmountMismatch, SettledAmount: 90})
	if err != nil || !changed {
		test.Fatalf("resolve: %v changed=%v", err, changed)
	}
	if resolved.Flag != FlagAmountMismatch || resolved.SettledAmount != 90 {
		test.Fatalf("expected flagged failure, got %+v", resolved)
	}
	if !resolved.AppliedAt.IsZero() {
		test.Fatalf("failed entry must not carry applied_at")
	}
	mustBalance(test, service, userID, 0)
	auditor.mutex.Lock()
	lastFlag := auditor.records[len(auditor.records)-1].Flag
	auditor.mutex.Unlock()
	if lastFlag != string(FlagAmountMismatch) {
		test.Fatalf("expected flagged audit record, got %q", lastFlag)
	}
}

func TestResolvePendingRejectsNonTopupsAndUnknownEntries(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, NewMemoryStore())
	userID := mustUserID(test, "user-1")
	mustFund(test, service, userID, 10)
	spend := mustAppend(test, service, EntryDraft{UserID: userID, Kind: KindSpend, Amount: -5})

	if _, _, err := service.ResolvePending(context.Background(), spend.ID, Resolution{Outcome: OutcomeApplied}); !errors.Is(err, ErrInvalidEntry) {
		test.Fatalf("expected ErrInvalidEntry for spend, got %v", err)
	}
	missing, _ := NewEntryID("missing")
	if _, _, err := service.ResolvePending(context.Background(), missing, Resolution{Outcome: OutcomeApplied}); !errors.Is(err, ErrUnknownEntry) {
		test.Fatalf("expected ErrUnknownEntry, got %v", err)
	}
}

func TestVoidPendingTopup(test *testing.T) {
	test.Parallel()
	auditor := &recordingAuditor{}
	service := mustNewService(test, NewMemoryStore(), WithAuditRecorder(auditor))
	userID := mustUserID(test, "user-1")
	topup := mustAppend(test, service, topupDraft(userID, 100, "pay-1"))

	if _, _, err := service.Void(context.Background(), "admin-1", topup.ID, " "); !errors.Is(err, ErrMissingReason) {
		test.Fatalf("expected ErrMissingReason, got %v", err)
	}
	voided, changed, err := service.Void(context.Background(), "admin-1", topup.ID, "customer cancelled")
	if err != nil || !changed {
		test.Fatalf("void: %v changed=%v", err, changed)
	}
	if voided.Status != StatusVoided || voided.VoidReason != "customer cancelled" || voided.ResolvedBy != "admin-1" {
		test.Fatalf("unexpected voided entry %+v", voided)
	}
	if _, changed, err := service.Void(context.Background(), "admin-1", topup.ID, "again"); err != nil || changed {
		test.Fatalf("expected idempotent void, got changed=%v err=%v", changed, err)
	}
	if _, _, err := service.ResolvePending(context.Background(), topup.ID, Resolution{Outcome: OutcomeApplied}); !errors.Is(err, ErrEntryFinalized) {
		test.Fatalf("expected voided entry to stay final, got %v", err)
	}
	mustBalance(test, service, userID, 0)

	auditor.mutex.Lock()
	last := auditor.records[len(auditor.records)-1]
	auditor.mutex.Unlock()
	if last.Action != auditActionTopupVoided || last.ActorID != "admin-1" {
		test.Fatalf("unexpected void audit record %+v", last)
	}
}

func TestVoidRejectsAppliedTopup(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, NewMemoryStore())
	userID := mustUserID(test, "user-1")
	topup := mustAppend(test, service, topupDraft(userID, 100, "pay-1"))
	if _, _, err := service.ResolvePending(context.Background(), topup.ID, Resolution{Outcome: OutcomeApplied}); err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if _, _, err := service.Void(context.Background(), "admin-1", topup.ID, "late"); !errors.Is(err, ErrEntryFinalized) {
		test.Fatalf("expected ErrEntryFinalized, got %v", err)
	}
	mustBalance(test, service, userID, 100)
}

func TestVerifyBalanceDetectsDrift(test *testing.T) {
	test.Parallel()
	store := NewMemoryStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-1")
	mustFund(test, service, userID, 70)

	if err := store.SetBalance(context.Background(), userID, 65, time.Now()); err != nil {
		test.Fatalf("tamper: %v", err)
	}
	_, err := service.VerifyBalance(context.Background(), userID)
	if !errors.Is(err, ErrBalanceDrift) {
		test.Fatalf("expected ErrBalanceDrift, got %v", err)
	}
}

func TestRevenueCountsAppliedTopupsInWindow(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, NewMemoryStore())
	userID := mustUserID(test, "user-1")
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for index, reference := range []string{"pay-1", "pay-2", "pay-3"} {
		topup := mustAppend(test, service, topupDraft(userID, int64(100*(index+1)), reference))
		outcome := OutcomeApplied
		if reference == "pay-2" {
			outcome = OutcomeFailed
		}
		if _, _, err := service.ResolvePending(context.Background(), topup.ID, Resolution{Outcome: outcome}); err != nil {
			test.Fatalf("resolve %s: %v", reference, err)
		}
	}
	mustFund(test, service, userID, 1000)

	revenue, err := service.Revenue(context.Background(), start, end)
	if err != nil {
		test.Fatalf("revenue: %v", err)
	}
	if revenue.TotalCoins != 400 || revenue.Count != 2 {
		test.Fatalf("expected 400 coins over 2 topups, got %+v", revenue)
	}
	if _, err := service.Revenue(context.Background(), end, start); !errors.Is(err, ErrInvalidTimeWindow) {
		test.Fatalf("expected ErrInvalidTimeWindow, got %v", err)
	}
}

func TestPendingTopupsOldestFirst(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, NewMemoryStore())
	first := mustAppend(test, service, topupDraft(mustUserID(test, "user-1"), 10, "pay-1"))
	second := mustAppend(test, service, topupDraft(mustUserID(test, "user-2"), 20, "pay-2"))

	pending, err := service.PendingTopups(context.Background(), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), 10)
	if err != nil {
		test.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != second.ID {
		test.Fatalf("unexpected pending order %+v", pending)
	}
	pending, err = service.PendingTopups(context.Background(), first.CreatedAt.Add(time.Millisecond), 10)
	if err != nil {
		test.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != first.ID {
		test.Fatalf("expected cutoff to exclude the newer topup, got %+v", pending)
	}
}

func TestServiceLogsOperations(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, NewMemoryStore(), WithOperationLogger(logger))
	userID := mustUserID(test, "user-1")
	mustAppend(test, service, topupDraft(userID, 100, "pay-1"))
	mustAppend(test, service, topupDraft(userID, 100, "pay-1"))

	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	first, second := logger.entries[0], logger.entries[1]
	if first.Operation != operationAppend || first.Status != operationStatusOK || first.Replayed {
		test.Fatalf("unexpected first log entry %+v", first)
	}
	if !second.Replayed || second.EntryID != first.EntryID {
		test.Fatalf("expected replay log entry, got %+v", second)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	auditor := &recordingAuditor{}
	failing := &failingStore{MemoryStore: NewMemoryStore(), err: errors.New("connection reset")}
	service := mustNewService(test, failing, WithOperationLogger(logger), WithAuditRecorder(auditor))
	userID := mustUserID(test, "user-1")

	_, err := service.Append(context.Background(), topupDraft(userID, 100, "pay-1"))
	if err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 || logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries)
	}
	if len(auditor.actions()) != 0 {
		test.Fatalf("failed mutations must not be audited")
	}
	if !isError(err, failing.err) {
		test.Fatalf("expected store error to propagate, got %v", err)
	}
}

func TestPendingTopupsAfterPagesThroughTies(test *testing.T) {
	test.Parallel()
	ids := &sequentialIDs{}
	createdAt := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	service, err := NewService(NewMemoryStore(), func() time.Time { return createdAt }, WithIDGenerator(ids.Next))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	userID := mustUserID(test, "user-1")
	var expected []EntryID
	for index := 0; index < 5; index++ {
		entry := mustAppend(test, service, topupDraft(userID, 10, "pay-"+string(rune('a'+index))))
		expected = append(expected, entry.ID)
	}

	cutoff := createdAt.Add(time.Minute)
	var (
		seen   []EntryID
		cursor PendingCursor
	)
	for pages := 0; pages < 10; pages++ {
		page, err := service.PendingTopupsAfter(context.Background(), cutoff, cursor, 2)
		if err != nil {
			test.Fatalf("page: %v", err)
		}
		for _, entry := range page {
			seen = append(seen, entry.ID)
		}
		if len(page) < 2 {
			break
		}
		cursor = CursorAfter(page[len(page)-1])
	}
	if len(seen) != len(expected) {
		test.Fatalf("expected %d entries across pages, got %v", len(expected), seen)
	}
	for index := range expected {
		if seen[index] != expected[index] {
			test.Fatalf("page order mismatch at %d: expected %s, got %s", index, expected[index], seen[index])
		}
	}
}

func TestBalanceOverflowIsRejected(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, NewMemoryStore())
	userID := mustUserID(test, "user-1")
	pending := mustAppend(test, service, topupDraft(userID, 10, "pay-early"))
	mustFund(test, service, userID, math.MaxInt64-5)

	_, err := service.Append(context.Background(), EntryDraft{
		UserID: userID, Kind: KindAdminAdjustment, Amount: 6, Reason: "bonus", ActorID: "admin-1",
	})
	if !errors.Is(err, ErrInvalidEntry) || !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected overflow adjustment to be rejected, got %v", err)
	}
	if _, err := service.Append(context.Background(), topupDraft(userID, 6, "pay-late")); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected overflow topup to be rejected, got %v", err)
	}
	if _, _, err := service.ResolvePending(context.Background(), pending.ID, Resolution{Outcome: OutcomeApplied}); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected overflow resolve to be rejected, got %v", err)
	}
	mustBalance(test, service, userID, math.MaxInt64-5)

	entry, err := service.store.GetEntry(context.Background(), pending.ID)
	if err != nil {
		test.Fatalf("get entry: %v", err)
	}
	if entry.Status != StatusPending {
		test.Fatalf("expected topup to stay pending, got %s", entry.Status)
	}
	mustAppend(test, service, EntryDraft{UserID: userID, Kind: KindAdminAdjustment, Amount: 5, Reason: "top off", ActorID: "admin-1"})
	mustBalance(test, service, userID, math.MaxInt64)
}
