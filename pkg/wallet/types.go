package wallet

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CreditAmount is a strictly positive integer credit quantity.
type CreditAmount int64

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw credit count.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// AccountID identifies a credit account.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// PlanID identifies a subscription plan in the plan catalog.
type PlanID struct {
	value string
}

// NewPlanID validates and normalizes a plan id.
func NewPlanID(raw string) (PlanID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PlanID{}, fmt.Errorf("%w: empty value", ErrInvalidPlanID)
	}
	return PlanID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PlanID) String() string {
	return id.value
}

// ProductID identifies a purchasable credit product in the product catalog.
type ProductID struct {
	value string
}

// NewProductID validates and normalizes a product id.
func NewProductID(raw string) (ProductID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProductID{}, fmt.Errorf("%w: empty value", ErrInvalidProductID)
	}
	return ProductID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ProductID) String() string {
	return id.value
}

// BillingPeriod is a calendar month used as the allowance reset boundary,
// normalized to "YYYY-MM".
type BillingPeriod struct {
	value string
}

// NewBillingPeriod validates and normalizes a raw period string.
func NewBillingPeriod(raw string) (BillingPeriod, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := time.Parse(billingPeriodLayout, trimmed)
	if err != nil {
		return BillingPeriod{}, fmt.Errorf("%w: %q is not a YYYY-MM period", ErrInvalidBillingPeriod, raw)
	}
	return BillingPeriod{value: parsed.Format(billingPeriodLayout)}, nil
}

// PeriodOf returns the billing period containing the given instant (UTC).
func PeriodOf(at time.Time) BillingPeriod {
	return BillingPeriod{value: at.UTC().Format(billingPeriodLayout)}
}

// String returns the normalized period key.
func (period BillingPeriod) String() string {
	return period.value
}

// Start returns the first instant of the period in UTC.
func (period BillingPeriod) Start() time.Time {
	parsed, _ := time.Parse(billingPeriodLayout, period.value)
	return parsed.UTC()
}

// Next returns the period immediately following this one.
func (period BillingPeriod) Next() BillingPeriod {
	return BillingPeriod{value: period.Start().AddDate(0, 1, 0).Format(billingPeriodLayout)}
}

// IsZero reports whether the period is the uninitialized value.
func (period BillingPeriod) IsZero() bool {
	return period.value == ""
}

// SubscriptionStatus enumerates subscription lifecycle states.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionPaused   SubscriptionStatus = "paused"
)

// ParseSubscriptionStatus validates a raw status value.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, error) {
	status := SubscriptionStatus(strings.TrimSpace(raw))
	switch status {
	case SubscriptionActive, SubscriptionTrialing, SubscriptionPastDue, SubscriptionCanceled, SubscriptionPaused:
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidSubscription, raw)
}

// String returns the raw status value.
func (status SubscriptionStatus) String() string {
	return string(status)
}

// Grants reports whether the status entitles the account to its monthly allowance.
func (status SubscriptionStatus) Grants() bool {
	return status == SubscriptionActive || status == SubscriptionTrialing
}

// Subscription is the read-only view of an account's subscription row.
type Subscription struct {
	SubscriptionID     string
	AccountID          string
	PlanType           string
	Status             SubscriptionStatus
	MonthlyAllowance   int64
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// AllowanceStatus describes the monthly grant for one (account, period) pair.
type AllowanceStatus struct {
	Used            int64
	Limit           int64
	SubscriptionRef string
}

// Remaining returns the unconsumed portion of the grant.
func (status AllowanceStatus) Remaining() int64 {
	remaining := status.Limit - status.Used
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ChargeSource names where a charge drew its credits from.
type ChargeSource string

const (
	SourceAllowance ChargeSource = "allowance"
	SourceWallet    ChargeSource = "wallet"
	SourceSplit     ChargeSource = "split"
)

// ChargeReceipt reports a successful charge and its draw breakdown.
type ChargeReceipt struct {
	Source             ChargeSource
	Cost               int64
	FromAllowance      int64
	FromWallet         int64
	AllowanceRemaining int64
	WalletRemaining    int64
}

// CreditEventKind enumerates journal record kinds.
type CreditEventKind string

const (
	CreditEventPurchase       CreditEventKind = "purchase"
	CreditEventAllowanceReset CreditEventKind = "allowance_reset"
)

// CreditEvent is one append-only journal record for a write-through mutation.
type CreditEvent struct {
	EventID        string
	AccountID      string
	Kind           CreditEventKind
	Amount         int64
	Source         string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// CacheStats is a point-in-time snapshot of the in-memory state.
type CacheStats struct {
	BalanceEntries   int
	DirtyEntries     int
	AllowanceEntries int
}

// Store is the persistence contract used by Service.
// (gormstore and pgstore implement this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	ReadBalance(ctx context.Context, accountID AccountID) (int64, error)
	WriteBalance(ctx context.Context, accountID AccountID, balance int64) error
	ReadAllowance(ctx context.Context, accountID AccountID, period BillingPeriod) (AllowanceStatus, error)
	IncrementAllowanceUsed(ctx context.Context, accountID AccountID, period BillingPeriod, delta int64, limit int64, subscriptionRef string) error
	ResetAllowance(ctx context.Context, accountID AccountID, period BillingPeriod, newLimit int64, subscriptionRef string) error
	ReadActiveSubscription(ctx context.Context, accountID AccountID) (Subscription, error)
	ListActiveSubscriptions(ctx context.Context) ([]Subscription, error)
	InsertCreditEvent(ctx context.Context, event CreditEvent) error
}
