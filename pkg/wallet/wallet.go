// Package wallet exposes the user-facing coin wallet operations.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/arena/pkg/ledger"
)

// ErrInvalidWalletConfig reports a missing dependency.
var ErrInvalidWalletConfig = errors.New("invalid wallet config")

// Ledger is the subset of ledger.Service the wallet needs.
type Ledger interface {
	Append(ctx context.Context, draft ledger.EntryDraft) (ledger.Entry, error)
	Void(ctx context.Context, actorID string, entryID ledger.EntryID, reason string) (ledger.Entry, bool, error)
	BalanceOf(ctx context.Context, userID ledger.UserID) (ledger.Coins, error)
	VerifyBalance(ctx context.Context, userID ledger.UserID) (ledger.Coins, error)
	ListEntries(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Entry, error)
	PendingTopups(ctx context.Context, createdBefore time.Time, limit int) ([]ledger.Entry, error)
	Revenue(ctx context.Context, from time.Time, to time.Time) (ledger.Revenue, error)
}

// Service turns raw caller input into ledger operations.
type Service struct {
	ledger Ledger
	nowFn  func() time.Time
}

// NewService wires a Service.
func NewService(ledgerService Ledger, now func() time.Time) (*Service, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidWalletConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidWalletConfig)
	}
	return &Service{ledger: ledgerService, nowFn: now}, nil
}

// GetBalance returns the user's applied balance.
func (service *Service) GetBalance(ctx context.Context, userID string) (ledger.Coins, error) {
	normalizedUserID, err := ledger.NewUserID(userID)
	if err != nil {
		return 0, err
	}
	return service.ledger.BalanceOf(ctx, normalizedUserID)
}

// RequestTopup records a pending topup and returns without contacting the gateway.
func (service *Service) RequestTopup(ctx context.Context, userID string, amount int64, referenceID string) (ledger.Entry, error) {
	normalizedUserID, err := ledger.NewUserID(userID)
	if err != nil {
		return ledger.Entry{}, invalidEntry(err)
	}
	positiveAmount, err := ledger.NewPositiveAmount(amount)
	if err != nil {
		return ledger.Entry{}, invalidEntry(err)
	}
	return service.ledger.Append(ctx, ledger.EntryDraft{
		UserID:            normalizedUserID,
		Kind:              ledger.KindTopup,
		Amount:            positiveAmount.ToSignedAmount(),
		ExternalReference: referenceID,
		ActorID:           normalizedUserID.String(),
	})
}

// Spend debits the wallet synchronously.
func (service *Service) Spend(ctx context.Context, userID string, amount int64, category string, description string) (ledger.Entry, error) {
	normalizedUserID, err := ledger.NewUserID(userID)
	if err != nil {
		return ledger.Entry{}, invalidEntry(err)
	}
	positiveAmount, err := ledger.NewPositiveAmount(amount)
	if err != nil {
		return ledger.Entry{}, invalidEntry(err)
	}
	return service.ledger.Append(ctx, ledger.EntryDraft{
		UserID:      normalizedUserID,
		Kind:        ledger.KindSpend,
		Amount:      positiveAmount.ToSignedAmount().Negated(),
		Category:    NormalizeCategory(category),
		Description: description,
		ActorID:     normalizedUserID.String(),
	})
}

// AdminAdjust applies a signed correction on behalf of an operator.
func (service *Service) AdminAdjust(ctx context.Context, actorID string, userID string, amount int64, reason string) (ledger.Entry, error) {
	normalizedUserID, err := ledger.NewUserID(userID)
	if err != nil {
		return ledger.Entry{}, invalidEntry(err)
	}
	signedAmount, err := ledger.NewSignedAmount(amount)
	if err != nil {
		return ledger.Entry{}, invalidEntry(err)
	}
	return service.ledger.Append(ctx, ledger.EntryDraft{
		UserID:  normalizedUserID,
		Kind:    ledger.KindAdminAdjustment,
		Amount:  signedAmount,
		Reason:  reason,
		ActorID: actorID,
	})
}

// VoidTopup terminates a pending topup that will never settle.
func (service *Service) VoidTopup(ctx context.Context, actorID string, entryID string, reason string) (ledger.Entry, error) {
	normalizedEntryID, err := ledger.NewEntryID(entryID)
	if err != nil {
		return ledger.Entry{}, invalidEntry(err)
	}
	entry, _, err := service.ledger.Void(ctx, actorID, normalizedEntryID, reason)
	return entry, err
}

// History lists entries newest first.
func (service *Service) History(ctx context.Context, userID string, before time.Time, limit int) ([]ledger.Entry, error) {
	normalizedUserID, err := ledger.NewUserID(userID)
	if err != nil {
		return nil, err
	}
	return service.ledger.ListEntries(ctx, normalizedUserID, before, limit)
}

// Revenue sums applied topups in [from, to).
func (service *Service) Revenue(ctx context.Context, from time.Time, to time.Time) (ledger.Revenue, error) {
	return service.ledger.Revenue(ctx, from, to)
}

// StaleTopups lists topups still pending after maxAge, oldest first.
func (service *Service) StaleTopups(ctx context.Context, maxAge time.Duration, limit int) ([]ledger.Entry, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("%w: max age must be positive", ledger.ErrInvalidTimeWindow)
	}
	return service.ledger.PendingTopups(ctx, service.nowFn().Add(-maxAge), limit)
}

// Verify checks the materialized balance against the applied entries.
func (service *Service) Verify(ctx context.Context, userID string) (ledger.Coins, error) {
	normalizedUserID, err := ledger.NewUserID(userID)
	if err != nil {
		return 0, err
	}
	return service.ledger.VerifyBalance(ctx, normalizedUserID)
}

func invalidEntry(err error) error {
	if errors.Is(err, ledger.ErrInvalidEntry) {
		return err
	}
	return fmt.Errorf("%w: %w", ledger.ErrInvalidEntry, err)
}

// NormalizeCategory lowercases spend categories for reporting.
func NormalizeCategory(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
