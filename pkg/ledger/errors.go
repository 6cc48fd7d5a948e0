package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrUnknownEntry         = errors.New("unknown entry")
	ErrDuplicateReference   = errors.New("duplicate external reference")
	ErrEntryFinalized       = errors.New("entry already finalized")
	ErrBalanceDrift         = errors.New("balance drift")
	ErrAmountMismatch       = errors.New("settled amount mismatch")
	ErrInvalidEntry         = errors.New("invalid entry")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidEntryID       = errors.New("invalid entry id")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidEntryKind     = errors.New("invalid entry kind")
	ErrInvalidEntryStatus   = errors.New("invalid entry status")
	ErrInvalidOutcome       = errors.New("invalid resolution outcome")
	ErrMissingReason        = errors.New("missing reason")
	ErrMissingReference     = errors.New("missing external reference")
	ErrInvalidTimeWindow    = errors.New("invalid time window")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrInvalidBalance       = errors.New("invalid balance")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
