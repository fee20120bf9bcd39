package points

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the points ledger.
var (
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrUnknownPolicy           = errors.New("unknown policy")
	ErrContention              = errors.New("balance contention")
	ErrVersionConflict         = errors.New("balance version conflict")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidMetadata         = errors.New("invalid metadata json")
	ErrInvalidHistoryFilter    = errors.New("invalid history filter")
	ErrInvalidPolicy           = errors.New("invalid policy")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// InsufficientBalanceError carries the figures a caller needs to surface a
// top-up prompt. It matches ErrInsufficientBalance under errors.Is.
type InsufficientBalanceError struct {
	Required int64
	Current  int64
	Shortage int64
}

// Error returns the formatted error message.
func (insufficientError *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, current %d, shortage %d",
		insufficientError.Required, insufficientError.Current, insufficientError.Shortage)
}

// Unwrap returns the sentinel so errors.Is(err, ErrInsufficientBalance) holds.
func (insufficientError *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// NewInsufficientBalanceError builds the typed overdraw failure for a debit of
// `required` points against `current` points.
func NewInsufficientBalanceError(required int64, current int64) *InsufficientBalanceError {
	return &InsufficientBalanceError{
		Required: required,
		Current:  current,
		Shortage: required - current,
	}
}

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
