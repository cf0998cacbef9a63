package wallet

import (
	"context"
	"errors"
	"testing"
)

func TestAllowanceHydratesFromSubscription(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "acct-hydrate")
	store.seedSubscription(grantingSubscription(accountID, 1000))
	service := mustNewService(test, store)
	period := mustPeriod(test, "2024-03")

	status, err := service.Allowance(context.Background(), accountID, period)
	if err != nil {
		test.Fatalf("allowance: %v", err)
	}
	if status.Used != 0 || status.Limit != 1000 {
		test.Fatalf("expected fresh grant 0/1000, got %d/%d", status.Used, status.Limit)
	}
	if status.SubscriptionRef != "sub-acct-hydrate" {
		test.Fatalf("unexpected subscription ref %q", status.SubscriptionRef)
	}
	if status.Remaining() != 1000 {
		test.Fatalf("expected 1000 remaining, got %d", status.Remaining())
	}
}

func TestAllowanceZeroWithoutSubscription(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-free")

	status, err := service.Allowance(context.Background(), accountID, mustPeriod(test, "2024-03"))
	if err != nil {
		test.Fatalf("allowance: %v", err)
	}
	if status.Limit != 0 || status.Remaining() != 0 {
		test.Fatalf("expected empty grant, got %+v", status)
	}
}

func TestAllowanceCanceledSubscriptionGrantsNothing(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "acct-canceled")
	subscription := grantingSubscription(accountID, 1000)
	subscription.Status = SubscriptionCanceled
	store.seedSubscription(subscription)
	service := mustNewService(test, store)

	status, err := service.Allowance(context.Background(), accountID, mustPeriod(test, "2024-03"))
	if err != nil {
		test.Fatalf("allowance: %v", err)
	}
	if status.Limit != 0 {
		test.Fatalf("canceled subscription must not grant credits, got limit %d", status.Limit)
	}
}

func TestAllowanceTrialingSubscriptionGrants(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "acct-trial")
	subscription := grantingSubscription(accountID, 300)
	subscription.Status = SubscriptionTrialing
	store.seedSubscription(subscription)
	service := mustNewService(test, store)

	status, err := service.Allowance(context.Background(), accountID, mustPeriod(test, "2024-03"))
	if err != nil {
		test.Fatalf("allowance: %v", err)
	}
	if status.Limit != 300 {
		test.Fatalf("trialing subscription must grant credits, got limit %d", status.Limit)
	}
}

func TestAllowanceUsageIsWrittenThrough(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "acct-writethrough")
	store.seedSubscription(grantingSubscription(accountID, 500))
	service := mustNewService(test, store)
	period := mustPeriod(test, "2024-03")

	for round := 0; round < 3; round++ {
		if _, err := service.ChargeCredits(context.Background(), accountID, mustCreditAmount(test, 40)); err != nil {
			test.Fatalf("charge %d: %v", round, err)
		}
	}
	row := store.storedAllowance(test, accountID, period)
	if row.used != 120 {
		test.Fatalf("expected every draw persisted, got used %d", row.used)
	}
	if row.limit != 500 || row.subscriptionRef != "sub-acct-writethrough" {
		test.Fatalf("unexpected allowance row %+v", row)
	}
}

func TestResetPeriodZeroesUsage(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "acct-renew")
	period := mustPeriod(test, "2024-03")
	store.seedSubscription(grantingSubscription(accountID, 1000))
	store.seedAllowance(accountID, period, 640, 1000, "sub-acct-renew")
	service := mustNewService(test, store)

	// Warm the cache so the reset has to overwrite a live entry.
	if _, err := service.Allowance(context.Background(), accountID, period); err != nil {
		test.Fatalf("allowance: %v", err)
	}
	if err := service.ResetPeriod(context.Background(), accountID, period, 1000, "sub-acct-renew"); err != nil {
		test.Fatalf("reset: %v", err)
	}

	status, err := service.Allowance(context.Background(), accountID, period)
	if err != nil {
		test.Fatalf("allowance after reset: %v", err)
	}
	if status.Used != 0 || status.Limit != 1000 {
		test.Fatalf("expected 0/1000 after reset, got %d/%d", status.Used, status.Limit)
	}
	row := store.storedAllowance(test, accountID, period)
	if row.used != 0 || row.limit != 1000 {
		test.Fatalf("expected stored row reset, got %+v", row)
	}
	resets := store.eventsOfKind(CreditEventAllowanceReset)
	if len(resets) != 1 {
		test.Fatalf("expected one reset event, got %d", len(resets))
	}
	if resets[0].Amount != 1000 || resets[0].Source != "sub-acct-renew" {
		test.Fatalf("unexpected reset event %+v", resets[0])
	}
}

func TestResetPeriodIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "acct-renew-twice")
	period := mustPeriod(test, "2024-03")
	service := mustNewService(test, store)

	for round := 0; round < 2; round++ {
		if err := service.ResetPeriod(context.Background(), accountID, period, 800, "sub-x"); err != nil {
			test.Fatalf("reset %d: %v", round, err)
		}
	}
	row := store.storedAllowance(test, accountID, period)
	if row.used != 0 || row.limit != 800 {
		test.Fatalf("expected 0/800 after repeated reset, got %+v", row)
	}
}

func TestResetPeriodRejectsNegativeLimit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-negative")

	err := service.ResetPeriod(context.Background(), accountID, mustPeriod(test, "2024-03"), -1, "sub-x")
	if !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestResetPeriodStoreFailureKeepsCachedUsage(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "acct-renew-down")
	period := mustPeriod(test, "2024-03")
	store.seedSubscription(grantingSubscription(accountID, 1000))
	store.seedAllowance(accountID, period, 640, 1000, "sub-acct-renew-down")
	service := mustNewService(test, store)

	if _, err := service.Allowance(context.Background(), accountID, period); err != nil {
		test.Fatalf("allowance: %v", err)
	}
	resetErr := errors.New("reset rejected")
	store.resetErr = resetErr

	err := service.ResetPeriod(context.Background(), accountID, period, 1000, "sub-acct-renew-down")
	if !errors.Is(err, resetErr) {
		test.Fatalf("expected surfaced reset error, got %v", err)
	}
	status, statusErr := service.Allowance(context.Background(), accountID, period)
	if statusErr != nil {
		test.Fatalf("allowance: %v", statusErr)
	}
	if status.Used != 640 {
		test.Fatalf("failed reset must keep cached usage, got %d", status.Used)
	}
	if len(store.eventsOfKind(CreditEventAllowanceReset)) != 0 {
		test.Fatalf("failed reset must not journal an event")
	}
}

func TestNewPeriodStartsFresh(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "acct-new-month")
	store.seedSubscription(grantingSubscription(accountID, 500))
	marchPeriod := mustPeriod(test, "2024-03")
	store.seedAllowance(accountID, marchPeriod, 500, 500, "sub-acct-new-month")
	clock := newStubClock()
	service := mustNewServiceWith(test, store, Config{}, clock)

	status, err := service.Allowance(context.Background(), accountID, marchPeriod)
	if err != nil {
		test.Fatalf("allowance: %v", err)
	}
	if status.Remaining() != 0 {
		test.Fatalf("march grant should be exhausted, got %d", status.Remaining())
	}

	aprilPeriod := mustPeriod(test, "2024-04")
	status, err = service.Allowance(context.Background(), accountID, aprilPeriod)
	if err != nil {
		test.Fatalf("allowance: %v", err)
	}
	if status.Used != 0 || status.Limit != 500 {
		test.Fatalf("april grant should start fresh, got %d/%d", status.Used, status.Limit)
	}
}

func TestRolloverResetsGrantingSubscriptions(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountOne := mustAccountID(test, "acct-roll-1")
	accountTwo := mustAccountID(test, "acct-roll-2")
	accountThree := mustAccountID(test, "acct-roll-3")
	store.seedSubscription(grantingSubscription(accountOne, 1000))
	store.seedSubscription(grantingSubscription(accountTwo, 250))
	canceled := grantingSubscription(accountThree, 4000)
	canceled.Status = SubscriptionCanceled
	store.seedSubscription(canceled)
	service := mustNewService(test, store)
	aprilPeriod := mustPeriod(test, "2024-04")

	reset, err := service.RolloverPeriod(context.Background(), aprilPeriod)
	if err != nil {
		test.Fatalf("rollover: %v", err)
	}
	if reset != 2 {
		test.Fatalf("expected 2 subscriptions reset, got %d", reset)
	}
	rowOne := store.storedAllowance(test, accountOne, aprilPeriod)
	if rowOne.used != 0 || rowOne.limit != 1000 {
		test.Fatalf("unexpected april row for first account: %+v", rowOne)
	}
	rowTwo := store.storedAllowance(test, accountTwo, aprilPeriod)
	if rowTwo.used != 0 || rowTwo.limit != 250 {
		test.Fatalf("unexpected april row for second account: %+v", rowTwo)
	}
	if len(store.eventsOfKind(CreditEventAllowanceReset)) != 2 {
		test.Fatalf("expected 2 reset events")
	}
}

func TestRolloverListFailureSurfaces(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	listErr := errors.New("subscriptions table unavailable")
	store.listErr = listErr
	service := mustNewService(test, store)

	_, err := service.RolloverPeriod(context.Background(), mustPeriod(test, "2024-04"))
	if !errors.Is(err, listErr) {
		test.Fatalf("expected surfaced list error, got %v", err)
	}
}
