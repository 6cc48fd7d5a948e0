package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/arena/pkg/audit"
	"github.com/MarkoPoloResearchLab/arena/pkg/keylock"
)

const walletLockPrefix = "wallet:"

// Service contains the domain logic over a Store.
type Service struct {
	store    Store
	nowFn    func() time.Time
	locker   keylock.Locker
	logger   OperationLogger
	recorder audit.Recorder
	newID    func() string
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:  store,
		nowFn:  now,
		locker: keylock.NewKeyedMutex(),
		newID:  uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Append writes a new entry. Topups are stored pending and leave the balance alone; every other kind is applied
// in the same transaction that moves the balance. A topup whose reference already exists for the same user and
// amount returns the stored entry unchanged.
func (service *Service) Append(ctx context.Context, draft EntryDraft) (Entry, error) {
	var (
		stored   Entry
		before   Coins
		after    Coins
		replayed bool
	)
	operationError := service.withUserLock(ctx, draft.UserID, func() error {
		if err := draft.Validate(); err != nil {
			return err
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.LockAccount(ctx, draft.UserID)
			if err != nil {
				return err
			}
			before = account.Balance
			after = account.Balance
			now := service.nowFn().UTC()
			entry := Entry{
				UserID:            draft.UserID,
				Kind:              draft.Kind,
				Amount:            draft.Amount,
				ExternalReference: strings.TrimSpace(draft.ExternalReference),
				Reason:            strings.TrimSpace(draft.Reason),
				Category:          strings.TrimSpace(draft.Category),
				Description:       strings.TrimSpace(draft.Description),
				ActorID:           actorOrOwner(draft.ActorID, draft.UserID),
				CreatedAt:         now,
			}
			if draft.Kind == KindTopup {
				existing, err := transactionStore.FindEntryByReference(ctx, entry.ExternalReference)
				switch {
				case err == nil:
					if existing.UserID != draft.UserID || existing.Amount != draft.Amount {
						return WrapError("append", "topup", "duplicate_reference", ErrDuplicateReference)
					}
					stored = existing
					replayed = true
					return nil
				case !errors.Is(err, ErrUnknownEntry):
					return err
				}
				if _, err := creditedBalance(before, draft.Amount); err != nil {
					return WrapError("append", "topup", "overflow", err)
				}
				entry.ID, err = NewEntryID(service.newID())
				if err != nil {
					return err
				}
				entry.Status = StatusPending
				stored = entry
				return transactionStore.InsertEntry(ctx, entry)
			}
			next, err := creditedBalance(before, draft.Amount)
			if err != nil {
				return WrapError("append", string(draft.Kind), "overflow", err)
			}
			if next < 0 {
				return WrapError("append", string(draft.Kind), "insufficient_balance", ErrInsufficientBalance)
			}
			entry.ID, err = NewEntryID(service.newID())
			if err != nil {
				return err
			}
			entry.Status = StatusApplied
			entry.AppliedAt = now
			entry.ResolvedAt = now
			if err := transactionStore.InsertEntry(ctx, entry); err != nil {
				return err
			}
			after = Coins(next)
			if err := transactionStore.SetBalance(ctx, draft.UserID, after, now); err != nil {
				return err
			}
			stored = entry
			return nil
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAppend,
		UserID:    draft.UserID,
		EntryID:   stored.ID,
		Kind:      draft.Kind,
		Amount:    draft.Amount,
		Outcome:   stored.Status,
		Replayed:  replayed,
		Error:     operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	if !replayed {
		service.recordAudit(ctx, stored, stored.ActorID, appendAction(stored.Kind), before, after)
	}
	return stored, nil
}

// ResolvePending moves a pending topup to applied or failed. Applying credits the balance in the same
// transaction. Resolving an entry that already holds the requested outcome is a no-op reporting changed=false;
// any other terminal entry yields ErrEntryFinalized.
func (service *Service) ResolvePending(ctx context.Context, entryID EntryID, resolution Resolution) (Entry, bool, error) {
	var (
		resolved Entry
		changed  bool
		before   Coins
		after    Coins
	)
	operationError := func() error {
		if err := resolution.Validate(); err != nil {
			return err
		}
		target, _ := resolution.Outcome.Status()
		peek, err := service.store.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if peek.Kind != KindTopup {
			return WrapError("resolve", "entry", "not_topup", fmt.Errorf("%w: only topups resolve", ErrInvalidEntry))
		}
		return service.withUserLock(ctx, peek.UserID, func() error {
			return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
				account, err := transactionStore.LockAccount(ctx, peek.UserID)
				if err != nil {
					return err
				}
				before = account.Balance
				after = account.Balance
				entry, err := transactionStore.GetEntry(ctx, entryID)
				if err != nil {
					return err
				}
				if entry.Status.IsTerminal() {
					if entry.Status == target {
						resolved = entry
						return nil
					}
					return WrapError("resolve", "entry", "finalized", fmt.Errorf("%w: entry is %s", ErrEntryFinalized, entry.Status))
				}
				now := service.nowFn().UTC()
				update := StatusUpdate{
					EntryID:       entryID,
					From:          StatusPending,
					To:            target,
					Flag:          resolution.Flag,
					SettledAmount: resolution.SettledAmount,
					Channel:       strings.TrimSpace(resolution.Channel),
					ActorID:       actorOrSystem(resolution.ActorID),
					ResolvedAt:    now,
				}
				if target == StatusApplied {
					update.AppliedAt = now
					credited, err := creditedBalance(before, entry.Amount)
					if err != nil {
						return WrapError("resolve", "entry", "overflow", err)
					}
					after = Coins(credited)
					if err := transactionStore.SetBalance(ctx, entry.UserID, after, now); err != nil {
						return err
					}
				}
				if err := transactionStore.UpdateEntryStatus(ctx, update); err != nil {
					return err
				}
				resolved = applyUpdate(entry, update)
				changed = true
				return nil
			})
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationResolve,
		UserID:    resolved.UserID,
		EntryID:   entryID,
		Kind:      KindTopup,
		Amount:    resolved.Amount,
		Outcome:   resolved.Status,
		Replayed:  operationError == nil && !changed,
		Error:     operationError,
	})
	if operationError != nil {
		return Entry{}, false, operationError
	}
	if changed {
		action := auditActionTopupFailed
		if resolved.Status == StatusApplied {
			action = auditActionTopupApplied
		}
		service.recordAudit(ctx, resolved, resolved.ResolvedBy, action, before, after)
	}
	return resolved, changed, nil
}

// Void cancels a pending topup. Voiding an already voided entry is a no-op.
func (service *Service) Void(ctx context.Context, actorID string, entryID EntryID, reason string) (Entry, bool, error) {
	var (
		voided  Entry
		changed bool
		balance Coins
	)
	operationError := func() error {
		if strings.TrimSpace(reason) == "" {
			return fmt.Errorf("%w: %w", ErrInvalidEntry, ErrMissingReason)
		}
		if strings.TrimSpace(actorID) == "" {
			return fmt.Errorf("%w: void needs an actor", ErrInvalidEntry)
		}
		peek, err := service.store.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if peek.Kind != KindTopup {
			return WrapError("void", "entry", "not_topup", fmt.Errorf("%w: only topups can be voided", ErrInvalidEntry))
		}
		return service.withUserLock(ctx, peek.UserID, func() error {
			return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
				account, err := transactionStore.LockAccount(ctx, peek.UserID)
				if err != nil {
					return err
				}
				balance = account.Balance
				entry, err := transactionStore.GetEntry(ctx, entryID)
				if err != nil {
					return err
				}
				if entry.Status == StatusVoided {
					voided = entry
					return nil
				}
				if entry.Status.IsTerminal() {
					return WrapError("void", "entry", "finalized", fmt.Errorf("%w: entry is %s", ErrEntryFinalized, entry.Status))
				}
				update := StatusUpdate{
					EntryID:    entryID,
					From:       StatusPending,
					To:         StatusVoided,
					VoidReason: strings.TrimSpace(reason),
					ActorID:    strings.TrimSpace(actorID),
					ResolvedAt: service.nowFn().UTC(),
				}
				if err := transactionStore.UpdateEntryStatus(ctx, update); err != nil {
					return err
				}
				voided = applyUpdate(entry, update)
				changed = true
				return nil
			})
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationVoid,
		UserID:    voided.UserID,
		EntryID:   entryID,
		Kind:      KindTopup,
		Amount:    voided.Amount,
		Outcome:   voided.Status,
		Replayed:  operationError == nil && !changed,
		Error:     operationError,
	})
	if operationError != nil {
		return Entry{}, false, operationError
	}
	if changed {
		service.recordAudit(ctx, voided, voided.ResolvedBy, auditActionTopupVoided, balance, balance)
	}
	return voided, changed, nil
}

// BalanceOf returns the materialized balance.
func (service *Service) BalanceOf(ctx context.Context, userID UserID) (Coins, error) {
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return 0, WrapError(operationBalance, "account", "read", err)
	}
	return account.Balance, nil
}

// VerifyBalance recomputes the balance from applied entries and compares it with the stored one.
func (service *Service) VerifyBalance(ctx context.Context, userID UserID) (Coins, error) {
	var balance Coins
	operationError := service.withUserLock(ctx, userID, func() error {
		account, err := service.store.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		sum, err := service.store.SumApplied(ctx, userID)
		if err != nil {
			return err
		}
		balance = account.Balance
		if sum != account.Balance.Int64() {
			return WrapError(operationVerify, "balance", "drift", fmt.Errorf("%w: stored %d, entries sum to %d", ErrBalanceDrift, account.Balance.Int64(), sum))
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationVerify,
		UserID:    userID,
		Error:     operationError,
	})
	return balance, operationError
}

// ListEntries returns the user's entries created before the cutoff, newest first.
func (service *Service) ListEntries(ctx context.Context, userID UserID, before time.Time, limit int) ([]Entry, error) {
	if before.IsZero() {
		before = service.nowFn().UTC().Add(time.Nanosecond)
	}
	entries, err := service.store.ListEntries(ctx, userID, before.UTC(), normalizeLimit(limit))
	if err != nil {
		return nil, WrapError(operationList, "entries", "read", err)
	}
	return entries, nil
}

// creditedBalance adds amount to balance and rejects results outside the int64 range.
func creditedBalance(balance Coins, amount SignedAmount) (int64, error) {
	delta := amount.Int64()
	if delta > 0 && balance.Int64() > math.MaxInt64-delta {
		return 0, fmt.Errorf("%w: %w: balance would overflow", ErrInvalidEntry, ErrInvalidAmount)
	}
	return balance.Int64() + delta, nil
}

// PendingTopups returns pending topups created before the cutoff, oldest first.
func (service *Service) PendingTopups(ctx context.Context, createdBefore time.Time, limit int) ([]Entry, error) {
	return service.PendingTopupsAfter(ctx, createdBefore, PendingCursor{}, limit)
}

// PendingTopupsAfter returns the next page of pending topups after the cursor.
func (service *Service) PendingTopupsAfter(ctx context.Context, createdBefore time.Time, after PendingCursor, limit int) ([]Entry, error) {
	entries, err := service.store.ListPendingTopups(ctx, createdBefore.UTC(), after, normalizeLimit(limit))
	if err != nil {
		return nil, WrapError(operationPendings, "entries", "read", err)
	}
	return entries, nil
}

// Revenue sums topups applied in [from, to).
func (service *Service) Revenue(ctx context.Context, from time.Time, to time.Time) (Revenue, error) {
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return Revenue{}, fmt.Errorf("%w: from must precede to", ErrInvalidTimeWindow)
	}
	revenue, err := service.store.SumAppliedTopups(ctx, from.UTC(), to.UTC())
	if err != nil {
		return Revenue{}, WrapError(operationRevenue, "topups", "read", err)
	}
	revenue.From = from.UTC()
	revenue.To = to.UTC()
	return revenue, nil
}

func (service *Service) withUserLock(ctx context.Context, userID UserID, fn func() error) error {
	if userID.String() == "" {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, ErrInvalidUserID)
	}
	release, err := service.locker.Lock(ctx, walletLockPrefix+userID.String())
	if err != nil {
		return WrapError("lock", "wallet", "acquire", err)
	}
	defer release()
	return fn()
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func (service *Service) recordAudit(ctx context.Context, entry Entry, actorID string, action string, before Coins, after Coins) {
	if service.recorder == nil {
		return
	}
	if actorID == "" {
		actorID = audit.ActorSystem
	}
	service.recorder.Record(ctx, audit.Record{
		SubjectType: audit.SubjectWallet,
		SubjectID:   entry.UserID.String(),
		ActorID:     actorID,
		Action:      action,
		Before:      audit.Snapshot(map[string]any{"balance": before.Int64()}),
		After: audit.Snapshot(map[string]any{
			"balance":      after.Int64(),
			"entry_id":     entry.ID.String(),
			"entry_status": string(entry.Status),
			"amount":       entry.Amount.Int64(),
		}),
		Flag: string(entry.Flag),
	})
}

func applyUpdate(entry Entry, update StatusUpdate) Entry {
	entry.Status = update.To
	entry.Flag = update.Flag
	entry.SettledAmount = update.SettledAmount
	entry.Channel = update.Channel
	entry.VoidReason = update.VoidReason
	entry.AppliedAt = update.AppliedAt
	entry.ResolvedAt = update.ResolvedAt
	entry.ResolvedBy = update.ActorID
	return entry
}

func appendAction(kind EntryKind) string {
	switch kind {
	case KindTopup:
		return auditActionTopupRequested
	case KindSpend:
		return auditActionSpend
	default:
		return auditActionAdjustment
	}
}

func actorOrOwner(actorID string, userID UserID) string {
	if trimmed := strings.TrimSpace(actorID); trimmed != "" {
		return trimmed
	}
	return userID.String()
}

func actorOrSystem(actorID string) string {
	if trimmed := strings.TrimSpace(actorID); trimmed != "" {
		return trimmed
	}
	return audit.ActorSystem
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
