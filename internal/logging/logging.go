// Package logging adapts domain callbacks to zap.
package logging

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/arena/pkg/ledger"
	"github.com/MarkoPoloResearchLab/arena/pkg/tournament"
)

// LedgerObserver counts ledger operations.
type LedgerObserver interface {
	ObserveLedgerOperation(operation string, result string)
}

// TransitionObserver counts tournament transitions.
type TransitionObserver interface {
	ObserveTransition(to string, result string)
}

// New builds the process logger.
func New(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// LedgerLogger implements ledger.OperationLogger.
type LedgerLogger struct {
	logger   *zap.Logger
	observer LedgerObserver
}

// NewLedgerLogger wraps logger. observer may be nil.
func NewLedgerLogger(logger *zap.Logger, observer LedgerObserver) *LedgerLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerLogger{logger: logger.Named("ledger"), observer: observer}
}

func (ledgerLogger *LedgerLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	if ledgerLogger.observer != nil {
		ledgerLogger.observer.ObserveLedgerOperation(entry.Operation, entry.Status)
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
		zap.String("entry_id", entry.EntryID.String()),
	}
	if entry.Kind != "" {
		fields = append(fields, zap.String("kind", string(entry.Kind)))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("entry_status", string(entry.Outcome)))
	}
	if entry.Replayed {
		fields = append(fields, zap.Bool("replayed", true))
	}
	if entry.Error != nil {
		ledgerLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	ledgerLogger.logger.Info("ledger operation", fields...)
}

// TransitionLogger implements tournament.TransitionLogger.
type TransitionLogger struct {
	logger   *zap.Logger
	observer TransitionObserver
}

// NewTransitionLogger wraps logger. observer may be nil.
func NewTransitionLogger(logger *zap.Logger, observer TransitionObserver) *TransitionLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransitionLogger{logger: logger.Named("tournament"), observer: observer}
}

func (transitionLogger *TransitionLogger) LogTransition(_ context.Context, entry tournament.TransitionLog) {
	if transitionLogger.observer != nil {
		transitionLogger.observer.ObserveTransition(string(entry.To), entry.Status)
	}
	fields := []zap.Field{
		zap.String("tournament_id", entry.TournamentID),
		zap.String("from", string(entry.From)),
		zap.String("to", string(entry.To)),
		zap.String("actor_id", entry.ActorID),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		transitionLogger.logger.Warn("tournament transition rejected", append(fields, zap.Error(entry.Error))...)
		return
	}
	transitionLogger.logger.Info("tournament transition", fields...)
}
