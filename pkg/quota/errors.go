package quota

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the quota service.
var (
	ErrQuotaExceeded           = errors.New("quota exceeded")
	ErrOptimisticLock          = errors.New("optimistic lock conflict")
	ErrAccountNotFound         = errors.New("account not found")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrLockUnavailable         = errors.New("account lock unavailable")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidTier             = errors.New("invalid tier")
	ErrInvalidEventType        = errors.New("invalid event type")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidSubject          = errors.New("invalid subject")
	ErrInvalidAction           = errors.New("invalid action")
	ErrInvalidPlanPolicy       = errors.New("invalid plan policy")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidMutation         = errors.New("invalid account mutation")
)

// writeRefusals are failures that guarantee nothing was written.
var writeRefusals = []error{
	ErrQuotaExceeded,
	ErrOptimisticLock,
	ErrAccountNotFound,
	ErrDuplicateIdempotencyKey,
	ErrLockUnavailable,
	ErrInvalidAccountID,
	ErrInvalidTier,
	ErrInvalidEventType,
	ErrInvalidIdempotencyKey,
	ErrInvalidMetadataJSON,
	ErrInvalidSubject,
	ErrInvalidAction,
	ErrInvalidPlanPolicy,
	ErrInvalidMutation,
}

// OptimisticLockError reports an update that lost every compare-and-swap race.
type OptimisticLockError struct {
	AccountID AccountID
	Attempts  int
}

// Error returns the formatted error message.
func (lockError *OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock conflict on account %s after %d attempts", lockError.AccountID.String(), lockError.Attempts)
}

// Is reports whether target is ErrOptimisticLock.
func (lockError *OptimisticLockError) Is(target error) bool {
	return target == ErrOptimisticLock
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
