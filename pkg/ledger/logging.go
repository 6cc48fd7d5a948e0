package ledger

import (
	"context"

	"github.com/MarkoPoloResearchLab/arena/pkg/audit"
	"github.com/MarkoPoloResearchLab/arena/pkg/keylock"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a ledger operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	EntryID   EntryID
	Kind      EntryKind
	Amount    SignedAmount
	Outcome   EntryStatus
	Replayed  bool
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithLocker replaces the in-process per-user lock.
func WithLocker(locker keylock.Locker) ServiceOption {
	return func(service *Service) {
		if locker != nil {
			service.locker = locker
		}
	}
}

// WithAuditRecorder wires the audit trail for committed mutations.
func WithAuditRecorder(recorder audit.Recorder) ServiceOption {
	return func(service *Service) {
		service.recorder = recorder
	}
}

// WithIDGenerator overrides entry id generation.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}
