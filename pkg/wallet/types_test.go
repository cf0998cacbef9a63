package wallet

import (
	"errors"
	"testing"
	"time"
)

func TestNewCreditAmountRejectsNonPositive(test *testing.T) {
	test.Parallel()
	for _, raw := range []int64{0, -1, -500} {
		if _, err := NewCreditAmount(raw); !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("expected ErrInvalidAmount for %d, got %v", raw, err)
		}
	}
	amount, err := NewCreditAmount(25)
	if err != nil {
		test.Fatalf("credit amount: %v", err)
	}
	if amount.Int64() != 25 {
		test.Fatalf("expected 25, got %d", amount.Int64())
	}
}

func TestNewAccountIDNormalizes(test *testing.T) {
	test.Parallel()
	if _, err := NewAccountID(""); !errors.Is(err, ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
	if _, err := NewAccountID("   "); !errors.Is(err, ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID for blanks, got %v", err)
	}
	accountID, err := NewAccountID("  acct-1  ")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if accountID.String() != "acct-1" {
		test.Fatalf("expected trimmed id, got %q", accountID.String())
	}
}

func TestBillingPeriodParsing(test *testing.T) {
	test.Parallel()
	period, err := NewBillingPeriod("2024-03")
	if err != nil {
		test.Fatalf("billing period: %v", err)
	}
	if period.String() != "2024-03" {
		test.Fatalf("expected 2024-03, got %q", period.String())
	}
	for _, raw := range []string{"", "2024", "2024-13", "march", "2024-03-01"} {
		if _, err := NewBillingPeriod(raw); !errors.Is(err, ErrInvalidBillingPeriod) {
			test.Fatalf("expected ErrInvalidBillingPeriod for %q, got %v", raw, err)
		}
	}
}

func TestBillingPeriodOfInstant(test *testing.T) {
	test.Parallel()
	at := time.Date(2024, time.December, 31, 23, 59, 59, 0, time.UTC)
	if got := PeriodOf(at); got.String() != "2024-12" {
		test.Fatalf("expected 2024-12, got %s", got.String())
	}
	// An instant in a non-UTC zone maps to the UTC month.
	zone := time.FixedZone("UTC+5", 5*60*60)
	at = time.Date(2025, time.January, 1, 3, 0, 0, 0, zone)
	if got := PeriodOf(at); got.String() != "2024-12" {
		test.Fatalf("expected 2024-12 for early Jan 1 UTC+5, got %s", got.String())
	}
}

func TestBillingPeriodNextCrossesYear(test *testing.T) {
	test.Parallel()
	period, err := NewBillingPeriod("2024-12")
	if err != nil {
		test.Fatalf("billing period: %v", err)
	}
	if next := period.Next(); next.String() != "2025-01" {
		test.Fatalf("expected 2025-01, got %s", next.String())
	}
	if start := period.Start(); !start.Equal(time.Date(2024, time.December, 1, 0, 0, 0, 0, time.UTC)) {
		test.Fatalf("unexpected period start %s", start)
	}
}

func TestParseSubscriptionStatus(test *testing.T) {
	test.Parallel()
	status, err := ParseSubscriptionStatus("active")
	if err != nil {
		test.Fatalf("parse status: %v", err)
	}
	if !status.Grants() {
		test.Fatalf("active must grant")
	}
	status, err = ParseSubscriptionStatus("trialing")
	if err != nil {
		test.Fatalf("parse status: %v", err)
	}
	if !status.Grants() {
		test.Fatalf("trialing must grant")
	}
	for _, raw := range []string{"past_due", "canceled", "paused"} {
		status, err := ParseSubscriptionStatus(raw)
		if err != nil {
			test.Fatalf("parse status %q: %v", raw, err)
		}
		if status.Grants() {
			test.Fatalf("%q must not grant", raw)
		}
	}
	if _, err := ParseSubscriptionStatus("expired"); !errors.Is(err, ErrInvalidSubscription) {
		test.Fatalf("expected ErrInvalidSubscription, got %v", err)
	}
}

func TestAllowanceStatusRemainingClampsAtZero(test *testing.T) {
	test.Parallel()
	status := AllowanceStatus{Used: 120, Limit: 100}
	if status.Remaining() != 0 {
		test.Fatalf("expected clamped remaining, got %d", status.Remaining())
	}
	status = AllowanceStatus{Used: 30, Limit: 100}
	if status.Remaining() != 70 {
		test.Fatalf("expected 70 remaining, got %d", status.Remaining())
	}
}

func TestInsufficientCreditsErrorCarriesFigures(test *testing.T) {
	test.Parallel()
	var err error = InsufficientCreditsError{Required: 500, Available: 400}
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected sentinel match, got %v", err)
	}
	var insufficient InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		test.Fatalf("expected InsufficientCreditsError, got %T", err)
	}
	if insufficient.Required != 500 || insufficient.Available != 400 {
		test.Fatalf("unexpected figures %+v", insufficient)
	}
}
