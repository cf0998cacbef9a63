package wallet

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the wallet service.
var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAllowanceNotFound    = errors.New("allowance not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrPersistenceFailure   = errors.New("persistence failure")
	ErrDuplicateEvent       = errors.New("duplicate credit event")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidAccountID     = errors.New("invalid account id")
	ErrInvalidBillingPeriod = errors.New("invalid billing period")
	ErrInvalidPlanID        = errors.New("invalid plan id")
	ErrInvalidProductID     = errors.New("invalid product id")
	ErrInvalidSubscription  = errors.New("invalid subscription")
	ErrInvalidChargePolicy  = errors.New("invalid charge policy")
	ErrInvalidCatalog       = errors.New("invalid catalog")
	ErrUnknownPlan          = errors.New("unknown plan")
	ErrUnknownProduct       = errors.New("unknown product")
	ErrInvalidServiceConfig = errors.New("invalid service config")
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

// InsufficientCreditsError reports a rejected charge together with the
// figures the caller needs for a payment-required response.
type InsufficientCreditsError struct {
	Required           int64
	Available          int64
	AllowanceRemaining int64
	WalletBalance      int64
}

// Error returns the formatted error message.
func (insufficientError InsufficientCreditsError) Error() string {
	return fmt.Sprintf("%v: required %d, available %d", ErrInsufficientCredits, insufficientError.Required, insufficientError.Available)
}

// Unwrap keeps errors.Is(err, ErrInsufficientCredits) working.
func (insufficientError InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}
