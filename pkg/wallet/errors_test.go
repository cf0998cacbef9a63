package wallet

import (
	"errors"
	"testing"
)

func TestWrapErrorCarriesSegments(test *testing.T) {
	test.Parallel()
	cause := errors.New("row missing")
	wrapped := WrapError("charge", "balance", "write", cause)
	if !errors.Is(wrapped, cause) {
		test.Fatalf("expected wrapped cause, got %v", wrapped)
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "charge" || operationError.Subject() != "balance" || operationError.Code() != "write" {
		test.Fatalf("unexpected segments: %s %s %s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	if wrapped.Error() != "charge.balance.write: row missing" {
		test.Fatalf("unexpected message %q", wrapped.Error())
	}
}

func TestWrapErrorPassesNil(test *testing.T) {
	test.Parallel()
	if wrapped := WrapError("charge", "balance", "write", nil); wrapped != nil {
		test.Fatalf("expected nil, got %v", wrapped)
	}
}
