package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Coins is a non-negative wallet balance.
type Coins int64

// SignedAmount is a non-zero signed ledger delta.
type SignedAmount int64

// PositiveAmount is a strictly positive coin amount.
type PositiveAmount int64

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	KindTopup           EntryKind = "topup"
	KindSpend           EntryKind = "spend"
	KindAdminAdjustment EntryKind = "admin_adjustment"
)

// EntryStatus defines the entry lifecycle.
type EntryStatus string

const (
	StatusPending EntryStatus = "pending"
	StatusApplied EntryStatus = "applied"
	StatusFailed  EntryStatus = "failed"
	StatusVoided  EntryStatus = "voided"
)

// Flag marks an entry that needs operator attention.
type Flag string

const (
	FlagNone           Flag = ""
	FlagAmountMismatch Flag = "amount_mismatch"
)

// Outcome is the terminal state a pending topup resolves to.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeFailed  Outcome = "failed"
)

// NewCoins validates a balance value.
func NewCoins(raw int64) (Coins, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be non-negative", ErrInvalidBalance)
	}
	return Coins(raw), nil
}

// Int64 exposes the raw value.
func (coins Coins) Int64() int64 {
	return int64(coins)
}

// NewSignedAmount validates a non-zero delta.
func NewSignedAmount(raw int64) (SignedAmount, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must be non-zero", ErrInvalidAmount)
	}
	return SignedAmount(raw), nil
}

// Int64 exposes the raw value.
func (amount SignedAmount) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign.
func (amount SignedAmount) Negated() SignedAmount {
	return -amount
}

// NewPositiveAmount validates a strictly positive amount.
func NewPositiveAmount(raw int64) (PositiveAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount(raw), nil
}

// Int64 exposes the raw value.
func (amount PositiveAmount) Int64() int64 {
	return int64(amount)
}

// ToSignedAmount converts to a credit delta.
func (amount PositiveAmount) ToSignedAmount() SignedAmount {
	return SignedAmount(amount)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id EntryID) IsZero() bool {
	return id.value == ""
}

// ParseEntryKind validates a raw kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch kind := EntryKind(strings.TrimSpace(raw)); kind {
	case KindTopup, KindSpend, KindAdminAdjustment:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
}

// ParseEntryStatus validates a raw status.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	switch status := EntryStatus(strings.TrimSpace(raw)); status {
	case StatusPending, StatusApplied, StatusFailed, StatusVoided:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
	}
}

// IsTerminal reports whether the status can no longer change.
func (status EntryStatus) IsTerminal() bool {
	return status == StatusApplied || status == StatusFailed || status == StatusVoided
}

// Status maps an outcome to the entry status it produces.
func (outcome Outcome) Status() (EntryStatus, error) {
	switch outcome {
	case OutcomeApplied:
		return StatusApplied, nil
	case OutcomeFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, string(outcome))
	}
}

// Entry is a single line in the ledger. Only Status and the resolution fields ever change, and only away from pending.
type Entry struct {
	ID                EntryID
	UserID            UserID
	Kind              EntryKind
	Amount            SignedAmount
	Status            EntryStatus
	ExternalReference string
	Reason            string
	Category          string
	Description       string
	ActorID           string
	Flag              Flag
	SettledAmount     int64
	Channel           string
	VoidReason        string
	ResolvedBy        string
	CreatedAt         time.Time
	AppliedAt         time.Time
	ResolvedAt        time.Time
}

// EntryDraft is the caller-supplied part of a new entry.
type EntryDraft struct {
	UserID            UserID
	Kind              EntryKind
	Amount            SignedAmount
	ExternalReference string
	Reason            string
	Category          string
	Description       string
	ActorID           string
}

// Validate checks kind-specific shape rules.
func (draft EntryDraft) Validate() error {
	if draft.UserID.String() == "" {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, ErrInvalidUserID)
	}
	if draft.Amount == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, ErrInvalidAmount)
	}
	switch draft.Kind {
	case KindTopup:
		if draft.Amount < 0 {
			return fmt.Errorf("%w: topup must be positive", ErrInvalidEntry)
		}
		if strings.TrimSpace(draft.ExternalReference) == "" {
			return fmt.Errorf("%w: %w", ErrInvalidEntry, ErrMissingReference)
		}
	case KindSpend:
		if draft.Amount > 0 {
			return fmt.Errorf("%w: spend must be negative", ErrInvalidEntry)
		}
		if draft.ExternalReference != "" {
			return fmt.Errorf("%w: spend carries no external reference", ErrInvalidEntry)
		}
	case KindAdminAdjustment:
		if strings.TrimSpace(draft.Reason) == "" {
			return fmt.Errorf("%w: %w", ErrInvalidEntry, ErrMissingReason)
		}
		if strings.TrimSpace(draft.ActorID) == "" {
			return fmt.Errorf("%w: adjustment needs an actor", ErrInvalidEntry)
		}
		if draft.ExternalReference != "" {
			return fmt.Errorf("%w: adjustment carries no external reference", ErrInvalidEntry)
		}
	default:
		return fmt.Errorf("%w: %w", ErrInvalidEntry, ErrInvalidEntryKind)
	}
	return nil
}

// Resolution describes how a pending topup ends.
type Resolution struct {
	Outcome       Outcome
	Flag          Flag
	SettledAmount int64
	Channel       string
	ActorID       string
}

// Validate checks that the outcome is terminal and that flags only accompany failures.
func (resolution Resolution) Validate() error {
	if _, err := resolution.Outcome.Status(); err != nil {
		return err
	}
	if resolution.Flag != FlagNone && resolution.Outcome != OutcomeFailed {
		return fmt.Errorf("%w: flag %q requires a failed outcome", ErrInvalidOutcome, string(resolution.Flag))
	}
	return nil
}

// Account is the materialized balance row for one user.
type Account struct {
	UserID    UserID
	Balance   Coins
	UpdatedAt time.Time
}

// StatusUpdate moves an entry out of From. Stores apply it only when the stored status still equals From.
type StatusUpdate struct {
	EntryID       EntryID
	From          EntryStatus
	To            EntryStatus
	Flag          Flag
	SettledAmount int64
	Channel       string
	VoidReason    string
	ActorID       string
	AppliedAt     time.Time
	ResolvedAt    time.Time
}

// Revenue sums applied topups inside a half-open window.
type Revenue struct {
	From       time.Time
	To         time.Time
	TotalCoins int64
	Count      int64
}

// PendingCursor resumes a pending topup scan after the last entry read.
// The zero value starts at the oldest entry.
type PendingCursor struct {
	CreatedAt time.Time
	EntryID   EntryID
}

// CursorAfter positions a cursor just past entry.
func CursorAfter(entry Entry) PendingCursor {
	return PendingCursor{CreatedAt: entry.CreatedAt.UTC(), EntryID: entry.ID}
}

// IsZero reports whether the cursor starts from the beginning.
func (cursor PendingCursor) IsZero() bool {
	return cursor.CreatedAt.IsZero() && cursor.EntryID.IsZero()
}

// Precedes reports whether entry sorts after the cursor in (created_at, entry_id) order.
func (cursor PendingCursor) Precedes(entry Entry) bool {
	if cursor.IsZero() {
		return true
	}
	if !entry.CreatedAt.Equal(cursor.CreatedAt) {
		return entry.CreatedAt.After(cursor.CreatedAt)
	}
	return entry.ID.String() > cursor.EntryID.String()
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// LockAccount returns the account row, creating a zero-balance row first, and holds a row lock for the tx.
	LockAccount(ctx context.Context, userID UserID) (Account, error)
	// GetAccount returns a zero balance for users that have never transacted.
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	SetBalance(ctx context.Context, userID UserID, balance Coins, at time.Time) error
	InsertEntry(ctx context.Context, entry Entry) error
	GetEntry(ctx context.Context, entryID EntryID) (Entry, error)
	FindEntryByReference(ctx context.Context, reference string) (Entry, error)
	UpdateEntryStatus(ctx context.Context, update StatusUpdate) error
	SumApplied(ctx context.Context, userID UserID) (int64, error)
	ListEntries(ctx context.Context, userID UserID, before time.Time, limit int) ([]Entry, error)
	// ListPendingTopups pages pending topups in (created_at, entry_id) order, starting after the cursor.
	ListPendingTopups(ctx context.Context, createdBefore time.Time, after PendingCursor, limit int) ([]Entry, error)
	SumAppliedTopups(ctx context.Context, from time.Time, to time.Time) (Revenue, error)
}
