package wallet

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

type allowanceKey struct {
	account string
	period  string
}

type allowanceEntry struct {
	used            int64
	limit           int64
	subscriptionRef string
}

// allowanceTracker caches the monthly grant per (account, period). Unlike the
// balance cache this path is write-through: consumed allowance is durably
// recorded inside tryConsume, never deferred to a flush cycle.
type allowanceTracker struct {
	mu        sync.Mutex
	entries   map[allowanceKey]*allowanceEntry
	loadGroup singleflight.Group
	store     Store
}

func newAllowanceTracker(store Store) *allowanceTracker {
	return &allowanceTracker{
		entries: make(map[allowanceKey]*allowanceEntry),
		store:   store,
	}
}

// allowance returns the grant state for the period, lazily loading the usage
// row and active subscription. Accounts with neither get the zero grant.
func (tracker *allowanceTracker) allowance(ctx context.Context, accountID AccountID, period BillingPeriod) (AllowanceStatus, error) {
	key := allowanceKey{account: accountID.String(), period: period.String()}
	tracker.mu.Lock()
	if entry, ok := tracker.entries[key]; ok {
		status := AllowanceStatus{Used: entry.used, Limit: entry.limit, SubscriptionRef: entry.subscriptionRef}
		tracker.mu.Unlock()
		return status, nil
	}
	tracker.mu.Unlock()

	loaded, err, _ := tracker.loadGroup.Do(key.account+"@"+key.period, func() (any, error) {
		status, loadErr := tracker.load(ctx, accountID, period)
		if loadErr != nil {
			return AllowanceStatus{}, loadErr
		}
		tracker.mu.Lock()
		defer tracker.mu.Unlock()
		entry, ok := tracker.entries[key]
		if !ok {
			entry = &allowanceEntry{used: status.Used, limit: status.Limit, subscriptionRef: status.SubscriptionRef}
			tracker.entries[key] = entry
		}
		return AllowanceStatus{Used: entry.used, Limit: entry.limit, SubscriptionRef: entry.subscriptionRef}, nil
	})
	if err != nil {
		return AllowanceStatus{}, err
	}
	return loaded.(AllowanceStatus), nil
}

func (tracker *allowanceTracker) load(ctx context.Context, accountID AccountID, period BillingPeriod) (AllowanceStatus, error) {
	status, err := tracker.store.ReadAllowance(ctx, accountID, period)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, ErrAllowanceNotFound) {
		return AllowanceStatus{}, err
	}
	subscription, err := tracker.store.ReadActiveSubscription(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return AllowanceStatus{}, nil
		}
		return AllowanceStatus{}, err
	}
	if !subscription.Status.Grants() {
		return AllowanceStatus{}, nil
	}
	return AllowanceStatus{Limit: subscription.MonthlyAllowance, SubscriptionRef: subscription.SubscriptionID}, nil
}

// tryConsume draws amount from the period's grant. It reports false without
// mutation when the grant cannot cover the amount. On success the increment
// is applied in memory and durably recorded; a failed durable write reverts
// the in-memory increment so the grant is never double-counted.
func (tracker *allowanceTracker) tryConsume(ctx context.Context, accountID AccountID, period BillingPeriod, amount int64) (bool, error) {
	if _, err := tracker.allowance(ctx, accountID, period); err != nil {
		return false, err
	}
	key := allowanceKey{account: accountID.String(), period: period.String()}
	tracker.mu.Lock()
	entry, ok := tracker.entries[key]
	if !ok || entry.used+amount > entry.limit {
		tracker.mu.Unlock()
		return false, nil
	}
	entry.used += amount
	limit := entry.limit
	subscriptionRef := entry.subscriptionRef
	tracker.mu.Unlock()

	if err := tracker.store.IncrementAllowanceUsed(ctx, accountID, period, amount, limit, subscriptionRef); err != nil {
		tracker.mu.Lock()
		entry.used -= amount
		tracker.mu.Unlock()
		return false, WrapError(operationCharge, errorSubjectAllowance, errorCodeWrite, err)
	}
	return true, nil
}

// resetPeriod zeroes the period's usage against a fresh limit. The durable
// write lands first so a crash never leaves the cache ahead of the store.
// Safe to call repeatedly for the same period.
func (tracker *allowanceTracker) resetPeriod(ctx context.Context, accountID AccountID, period BillingPeriod, newLimit int64, subscriptionRef string) error {
	if err := tracker.store.ResetAllowance(ctx, accountID, period, newLimit, subscriptionRef); err != nil {
		return WrapError(operationReset, errorSubjectAllowance, errorCodeWrite, err)
	}
	key := allowanceKey{account: accountID.String(), period: period.String()}
	tracker.mu.Lock()
	tracker.entries[key] = &allowanceEntry{used: 0, limit: newLimit, subscriptionRef: subscriptionRef}
	tracker.mu.Unlock()
	return nil
}

func (tracker *allowanceTracker) count() int {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	return len(tracker.entries)
}
