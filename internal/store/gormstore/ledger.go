package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/arena/pkg/ledger"
)

const (
	errorSubjectAccount    = "account"
	errorSubjectBalance    = "balance"
	errorSubjectEntry      = "entry"
	errorSubjectRevenue    = "revenue"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeLock          = "lock"
	errorCodeLookup        = "lookup"
	errorCodeSetBalance    = "set_balance"
	errorCodeSumApplied    = "sum_applied"
	errorCodeSumTopups     = "sum_topups"
	errorCodeUpdateStatus  = "update_status"
	columnCreatedAt        = "created_at"
	columnAppliedAt        = "applied_at"
	orderCreatedDescending = "created_at DESC, entry_id DESC"
	orderCreatedAscending  = "created_at ASC, entry_id ASC"
)

// LedgerStore implements ledger.Store using GORM.
type LedgerStore struct {
	db *gorm.DB
}

// NewLedgerStore returns a LedgerStore backed by gorm.DB.
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &LedgerStore{db: transaction})
	})
}

func (store *LedgerStore) LockAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	seed := Account{UserID: userID.String(), UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	var model Account
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return mapAccount(model)
}

func (store *LedgerStore) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{UserID: userID}, nil
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

func (store *LedgerStore) SetBalance(ctx context.Context, userID ledger.UserID, balance ledger.Coins, at time.Time) error {
	if balance < 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeSetBalance, fmt.Errorf("%w: negative balance %d", ledger.ErrInvalidBalance, balance))
	}
	model := Account{UserID: userID.String(), Balance: balance.Int64(), UpdatedAt: utc(at)}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"balance", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSetBalance, err)
	}
	return nil
}

func (store *LedgerStore) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	model := toLedgerEntry(entry)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		if model.ExternalReference != nil {
			return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateReference)
		}
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, fmt.Errorf("%w: entry id %s exists", ledger.ErrInvalidEntry, entry.ID))
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *LedgerStore) GetEntry(ctx context.Context, entryID ledger.EntryID) (ledger.Entry, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).Where("entry_id = ?", entryID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, fmt.Errorf("%w: %s", ledger.ErrUnknownEntry, entryID))
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return mapEntry(model)
}

func (store *LedgerStore) FindEntryByReference(ctx context.Context, reference string) (ledger.Entry, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).Where("external_reference = ?", reference).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, fmt.Errorf("%w: reference %s", ledger.ErrUnknownEntry, reference))
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return mapEntry(model)
}

func (store *LedgerStore) UpdateEntryStatus(ctx context.Context, update ledger.StatusUpdate) error {
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("entry_id = ? AND status = ?", update.EntryID.String(), string(update.From)).
		Updates(map[string]any{
			"status":         string(update.To),
			"flag":           string(update.Flag),
			"settled_amount": update.SettledAmount,
			"channel":        update.Channel,
			"void_reason":    update.VoidReason,
			"resolved_by":    update.ActorID,
			"applied_at":     optionalTime(update.AppliedAt),
			"resolved_at":    optionalTime(update.ResolvedAt),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	current, err := store.GetEntry(ctx, update.EntryID)
	if err != nil {
		return err
	}
	return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, fmt.Errorf("%w: entry is %s", ledger.ErrEntryFinalized, current.Status))
}

func (store *LedgerStore) SumApplied(ctx context.Context, userID ledger.UserID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND status = ?", userID.String(), string(ledger.StatusApplied)).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumApplied, err)
	}
	return sum.Total, nil
}

func (store *LedgerStore) ListEntries(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	query := store.db.WithContext(ctx).
		Where("user_id = ? AND "+columnCreatedAt+" < ?", userID.String(), utc(before)).
		Order(orderCreatedDescending)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *LedgerStore) ListPendingTopups(ctx context.Context, createdBefore time.Time, after ledger.PendingCursor, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	query := store.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND "+columnCreatedAt+" < ?", string(ledger.KindTopup), string(ledger.StatusPending), utc(createdBefore))
	if !after.IsZero() {
		cursorTime := utc(after.CreatedAt)
		query = query.Where("("+columnCreatedAt+" > ? OR ("+columnCreatedAt+" = ? AND entry_id > ?))", cursorTime, cursorTime, after.EntryID.String())
	}
	query = query.Order(orderCreatedAscending)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *LedgerStore) SumAppliedTopups(ctx context.Context, from time.Time, to time.Time) (ledger.Revenue, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total, count(*) as count").
		Where("kind = ? AND status = ?", string(ledger.KindTopup), string(ledger.StatusApplied)).
		Where(columnAppliedAt+" >= ? AND "+columnAppliedAt+" < ?", utc(from), utc(to)).
		Scan(&sum).Error
	if err != nil {
		return ledger.Revenue{}, wrapStoreError(errorSubjectRevenue, errorCodeSumTopups, err)
	}
	return ledger.Revenue{From: from, To: to, TotalCoins: sum.Total, Count: sum.Count}, nil
}

func toLedgerEntry(entry ledger.Entry) LedgerEntry {
	var reference *string
	if entry.ExternalReference != "" {
		value := entry.ExternalReference
		reference = &value
	}
	return LedgerEntry{
		EntryID:           entry.ID.String(),
		UserID:            entry.UserID.String(),
		Kind:              string(entry.Kind),
		Amount:            entry.Amount.Int64(),
		Status:            string(entry.Status),
		ExternalReference: reference,
		Reason:            entry.Reason,
		Category:          entry.Category,
		Description:       entry.Description,
		ActorID:           entry.ActorID,
		Flag:              string(entry.Flag),
		SettledAmount:     entry.SettledAmount,
		Channel:           entry.Channel,
		VoidReason:        entry.VoidReason,
		ResolvedBy:        entry.ResolvedBy,
		CreatedAt:         utc(entry.CreatedAt),
		AppliedAt:         optionalTime(entry.AppliedAt),
		ResolvedAt:        optionalTime(entry.ResolvedAt),
	}
}

func mapAccount(model Account) (ledger.Account, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := ledger.NewCoins(model.Balance)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{UserID: userID, Balance: balance, UpdatedAt: utc(model.UpdatedAt)}, nil
}

func mapEntries(rows []LedgerEntry) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	amount, err := ledger.NewSignedAmount(row.Amount)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	status, err := ledger.ParseEntryStatus(row.Status)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	entry := ledger.Entry{
		ID:            entryID,
		UserID:        userID,
		Kind:          kind,
		Amount:        amount,
		Status:        status,
		Reason:        row.Reason,
		Category:      row.Category,
		Description:   row.Description,
		ActorID:       row.ActorID,
		Flag:          ledger.Flag(row.Flag),
		SettledAmount: row.SettledAmount,
		Channel:       row.Channel,
		VoidReason:    row.VoidReason,
		ResolvedBy:    row.ResolvedBy,
		CreatedAt:     utc(row.CreatedAt),
		AppliedAt:     timeOrZero(row.AppliedAt),
		ResolvedAt:    timeOrZero(row.ResolvedAt),
	}
	if row.ExternalReference != nil {
		entry.ExternalReference = *row.ExternalReference
	}
	return entry, nil
}
