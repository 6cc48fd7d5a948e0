// Package pgstore implements ledger.Store directly on a pgx connection pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/arena/pkg/ledger"
)

const (
	constraintExternalReference = "uniq_ledger_external_reference"
	pgUniqueViolationCode       = "23505"
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectBalance         = "balance"
	errorSubjectEntry           = "entry"
	errorSubjectRevenue         = "revenue"
	errorSubjectSchema          = "schema"
	errorSubjectTransaction     = "transaction"
	errorCodeBegin              = "begin"
	errorCodeCommit             = "commit"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeLock               = "lock"
	errorCodeLookup             = "lookup"
	errorCodeMigrate            = "migrate"
	errorCodeSetBalance         = "set_balance"
	errorCodeSumApplied         = "sum_applied"
	errorCodeSumTopups          = "sum_topups"
	errorCodeUpdateStatus       = "update_status"

	sqlLockAccount = `
		with seeded as (
			insert into accounts(user_id, balance, updated_at) values($1, 0, $2)
			on conflict (user_id) do nothing
		)
		select user_id, balance, updated_at from accounts where user_id = $1 for update
	`

	sqlSelectAccount = `
		select user_id, balance, updated_at from accounts where user_id = $1
	`

	sqlUpsertBalance = `
		insert into accounts(user_id, balance, updated_at) values($1, $2, $3)
		on conflict (user_id) do update set balance = excluded.balance, updated_at = excluded.updated_at
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, user_id, kind, amount, status, external_reference, reason, category, description,
			actor_id, flag, settled_amount, channel, void_reason, resolved_by, created_at, applied_at, resolved_at
		)
		values($1, $2, $3, $4, $5, nullif($6, ''), $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	sqlEntryColumns = `
		entry_id, user_id, kind, amount, status, coalesce(external_reference, ''), reason, category, description,
		actor_id, flag, settled_amount, channel, void_reason, resolved_by, created_at, applied_at, resolved_at
	`

	sqlUpdateEntryStatus = `
		update ledger_entries
		set status = $3, flag = $4, settled_amount = $5, channel = $6, void_reason = $7, resolved_by = $8,
			applied_at = $9, resolved_at = $10
		where entry_id = $1 and status = $2
	`

	sqlSumApplied = `
		select coalesce(sum(amount), 0) from ledger_entries where user_id = $1 and status = 'applied'
	`

	sqlSumAppliedTopups = `
		select coalesce(sum(amount), 0), count(*) from ledger_entries
		where kind = 'topup' and status = 'applied' and applied_at >= $1 and applied_at < $2
	`
)

var (
	sqlSelectEntry       = "select " + sqlEntryColumns + " from ledger_entries where entry_id = $1"
	sqlSelectByReference = "select " + sqlEntryColumns + " from ledger_entries where external_reference = $1"
	sqlListEntriesBefore = "select " + sqlEntryColumns + ` from ledger_entries
		where user_id = $1 and created_at < $2 order by created_at desc, entry_id desc limit $3`
	sqlListPendingTopups = "select " + sqlEntryColumns + ` from ledger_entries
		where kind = 'topup' and status = 'pending' and created_at < $1 order by created_at asc, entry_id asc limit $2`
	sqlListPendingTopupsAfter = "select " + sqlEntryColumns + ` from ledger_entries
		where kind = 'topup' and status = 'pending' and created_at < $1 and (created_at, entry_id) > ($2, $3)
		order by created_at asc, entry_id asc limit $4`
)

// Schema creates the ledger tables. Column names match the gorm models so both stores share one database.
const Schema = `
create table if not exists accounts (
	user_id text primary key,
	balance bigint not null default 0 check (balance >= 0),
	updated_at timestamptz not null
);

create table if not exists ledger_entries (
	entry_id text primary key,
	user_id text not null,
	kind text not null,
	amount bigint not null check (amount <> 0),
	status text not null,
	external_reference text,
	reason text not null default '',
	category text not null default '',
	description text not null default '',
	actor_id text not null default '',
	flag text not null default '',
	settled_amount bigint not null default 0,
	channel text not null default '',
	void_reason text not null default '',
	resolved_by text not null default '',
	created_at timestamptz not null,
	applied_at timestamptz,
	resolved_at timestamptz
);

create unique index if not exists uniq_ledger_external_reference on ledger_entries(external_reference);
create index if not exists idx_ledger_user_created on ledger_entries(user_id, created_at);
create index if not exists idx_ledger_kind_status_created on ledger_entries(kind, status, created_at);
create index if not exists idx_ledger_entries_applied_at on ledger_entries(applied_at);
`

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
}

type queries struct {
	db querier
}

// Open creates a pool and verifies connectivity.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate applies Schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &TxStore{queries: queries{db: tx}}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (q queries) LockAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	account, err := scanAccount(q.db.QueryRow(ctx, sqlLockAccount, userID.String(), time.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		// The seeding insert is invisible to the select of the same statement.
		account, err = scanAccount(q.db.QueryRow(ctx, sqlSelectAccount+" for update", userID.String()))
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return account, nil
}

func (q queries) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	account, err := scanAccount(q.db.QueryRow(ctx, sqlSelectAccount, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{UserID: userID}, nil
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (q queries) SetBalance(ctx context.Context, userID ledger.UserID, balance ledger.Coins, at time.Time) error {
	if balance < 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeSetBalance, fmt.Errorf("%w: negative balance %d", ledger.ErrInvalidBalance, balance))
	}
	if _, err := q.db.Exec(ctx, sqlUpsertBalance, userID.String(), balance.Int64(), at.UTC()); err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSetBalance, err)
	}
	return nil
}

func (q queries) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	_, err := q.db.Exec(ctx, sqlInsertEntry,
		entry.ID.String(),
		entry.UserID.String(),
		string(entry.Kind),
		entry.Amount.Int64(),
		string(entry.Status),
		entry.ExternalReference,
		entry.Reason,
		entry.Category,
		entry.Description,
		entry.ActorID,
		string(entry.Flag),
		entry.SettledAmount,
		entry.Channel,
		entry.VoidReason,
		entry.ResolvedBy,
		entry.CreatedAt.UTC(),
		optionalTime(entry.AppliedAt),
		optionalTime(entry.ResolvedAt),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
		if pgErr.ConstraintName == constraintExternalReference {
			return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateReference)
		}
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, fmt.Errorf("%w: entry id %s exists", ledger.ErrInvalidEntry, entry.ID))
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (q queries) GetEntry(ctx context.Context, entryID ledger.EntryID) (ledger.Entry, error) {
	entry, err := scanEntry(q.db.QueryRow(ctx, sqlSelectEntry, entryID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, fmt.Errorf("%w: %s", ledger.ErrUnknownEntry, entryID))
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, nil
}

func (q queries) FindEntryByReference(ctx context.Context, reference string) (ledger.Entry, error) {
	entry, err := scanEntry(q.db.QueryRow(ctx, sqlSelectByReference, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, fmt.Errorf("%w: reference %s", ledger.ErrUnknownEntry, reference))
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return entry, nil
}

func (q queries) UpdateEntryStatus(ctx context.Context, update ledger.StatusUpdate) error {
	tag, err := q.db.Exec(ctx, sqlUpdateEntryStatus,
		update.EntryID.String(),
		string(update.From),
		string(update.To),
		string(update.Flag),
		update.SettledAmount,
		update.Channel,
		update.VoidReason,
		update.ActorID,
		optionalTime(update.AppliedAt),
		optionalTime(update.ResolvedAt),
	)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := q.GetEntry(ctx, update.EntryID)
	if err != nil {
		return err
	}
	return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, fmt.Errorf("%w: entry is %s", ledger.ErrEntryFinalized, current.Status))
}

func (q queries) SumApplied(ctx context.Context, userID ledger.UserID) (int64, error) {
	var total int64
	if err := q.db.QueryRow(ctx, sqlSumApplied, userID.String()).Scan(&total); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumApplied, err)
	}
	return total, nil
}

func (q queries) ListEntries(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Entry, error) {
	rows, err := q.db.Query(ctx, sqlListEntriesBefore, userID.String(), before.UTC(), limitOrAll(limit))
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return collectEntries(rows)
}

func (q queries) ListPendingTopups(ctx context.Context, createdBefore time.Time, after ledger.PendingCursor, limit int) ([]ledger.Entry, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after.IsZero() {
		rows, err = q.db.Query(ctx, sqlListPendingTopups, createdBefore.UTC(), limitOrAll(limit))
	} else {
		rows, err = q.db.Query(ctx, sqlListPendingTopupsAfter, createdBefore.UTC(), after.CreatedAt.UTC(), after.EntryID.String(), limitOrAll(limit))
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return collectEntries(rows)
}

func (q queries) SumAppliedTopups(ctx context.Context, from time.Time, to time.Time) (ledger.Revenue, error) {
	revenue := ledger.Revenue{From: from, To: to}
	if err := q.db.QueryRow(ctx, sqlSumAppliedTopups, from.UTC(), to.UTC()).Scan(&revenue.TotalCoins, &revenue.Count); err != nil {
		return ledger.Revenue{}, wrapStoreError(errorSubjectRevenue, errorCodeSumTopups, err)
	}
	return revenue, nil
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		rawUserID string
		balance   int64
		updatedAt time.Time
	)
	if err := row.Scan(&rawUserID, &balance, &updatedAt); err != nil {
		return ledger.Account{}, err
	}
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	coins, err := ledger.NewCoins(balance)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{UserID: userID, Balance: coins, UpdatedAt: updatedAt.UTC()}, nil
}

func collectEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	defer rows.Close()
	var entries []ledger.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		rawEntryID string
		rawUserID  string
		rawKind    string
		rawAmount  int64
		rawStatus  string
		rawFlag    string
		appliedAt  *time.Time
		resolvedAt *time.Time
		entry      ledger.Entry
	)
	err := row.Scan(
		&rawEntryID,
		&rawUserID,
		&rawKind,
		&rawAmount,
		&rawStatus,
		&entry.ExternalReference,
		&entry.Reason,
		&entry.Category,
		&entry.Description,
		&entry.ActorID,
		&rawFlag,
		&entry.SettledAmount,
		&entry.Channel,
		&entry.VoidReason,
		&entry.ResolvedBy,
		&entry.CreatedAt,
		&appliedAt,
		&resolvedAt,
	)
	if err != nil {
		return ledger.Entry{}, err
	}
	if entry.ID, err = ledger.NewEntryID(rawEntryID); err != nil {
		return ledger.Entry{}, err
	}
	if entry.UserID, err = ledger.NewUserID(rawUserID); err != nil {
		return ledger.Entry{}, err
	}
	if entry.Kind, err = ledger.ParseEntryKind(rawKind); err != nil {
		return ledger.Entry{}, err
	}
	if entry.Amount, err = ledger.NewSignedAmount(rawAmount); err != nil {
		return ledger.Entry{}, err
	}
	if entry.Status, err = ledger.ParseEntryStatus(rawStatus); err != nil {
		return ledger.Entry{}, err
	}
	entry.Flag = ledger.Flag(rawFlag)
	entry.CreatedAt = entry.CreatedAt.UTC()
	if appliedAt != nil {
		entry.AppliedAt = appliedAt.UTC()
	}
	if resolvedAt != nil {
		entry.ResolvedAt = resolvedAt.UTC()
	}
	return entry, nil
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	converted := value.UTC()
	return &converted
}

func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
