package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// accountLocks hands out one mutex per account so every operation touching an
// account runs in request-arrival order.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*sync.Mutex)}
}

func (locks *accountLocks) acquire(accountID string) func() {
	locks.mu.Lock()
	accountLock, ok := locks.locks[accountID]
	if !ok {
		accountLock = &sync.Mutex{}
		locks.locks[accountID] = accountLock
	}
	locks.mu.Unlock()
	accountLock.Lock()
	return accountLock.Unlock
}

// Service coordinates charges and credit additions over the balance cache and
// the allowance tracker. It owns the only mutable in-memory state; the Store
// remains the source of truth across restarts.
type Service struct {
	store      Store
	config     Config
	cache      *ledgerCache
	allowances *allowanceTracker
	locks      *accountLocks
	nowFn      func() time.Time
	randFn     func() float64
	logger     OperationLogger
	metrics    *Metrics
}

// NewService wires a Service.
func NewService(store Store, config Config, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	service := &Service{
		store:  store,
		config: config,
		nowFn:  now,
		randFn: rand.Float64,
		locks:  newAccountLocks(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	service.cache = newLedgerCache(store, now, service.metrics)
	service.allowances = newAllowanceTracker(store)
	return service, nil
}

type chargeSettings struct {
	forceWriteThrough bool
}

// ChargeOption adjusts a single charge call.
type ChargeOption func(*chargeSettings)

// ForceWriteThrough makes the charge persist the wallet debit before returning.
func ForceWriteThrough() ChargeOption {
	return func(settings *chargeSettings) {
		settings.forceWriteThrough = true
	}
}

// ChargeCredits draws cost from the account's monthly allowance and wallet
// according to the configured policy. A charge the account cannot afford
// returns InsufficientCreditsError and leaves every balance untouched.
func (service *Service) ChargeCredits(ctx context.Context, accountID AccountID, cost CreditAmount, options ...ChargeOption) (ChargeReceipt, error) {
	settings := chargeSettings{}
	for _, option := range options {
		if option != nil {
			option(&settings)
		}
	}
	release := service.locks.acquire(accountID.String())
	defer release()

	period := PeriodOf(service.nowFn())
	var receipt ChargeReceipt
	var operationError error
	switch service.config.ChargePolicy {
	case PolicySplitDraw:
		receipt, operationError = service.chargeSplit(ctx, accountID, period, cost.Int64(), settings)
	default:
		receipt, operationError = service.chargeAllowanceFirst(ctx, accountID, period, cost.Int64(), settings)
	}
	service.metrics.charge(chargeSourceLabel(receipt.Source), statusOf(operationError))
	service.logOperation(ctx, OperationLog{
		Operation: operationCharge,
		AccountID: accountID,
		Period:    period,
		Amount:    cost.Int64(),
		Source:    string(receipt.Source),
		Error:     operationError,
	})
	return receipt, operationError
}

// chargeAllowanceFirst serves the whole cost from the allowance when the
// grant covers it, otherwise the whole cost from the wallet.
func (service *Service) chargeAllowanceFirst(ctx context.Context, accountID AccountID, period BillingPeriod, cost int64, settings chargeSettings) (ChargeReceipt, error) {
	status, err := service.allowances.allowance(ctx, accountID, period)
	if err != nil {
		return ChargeReceipt{}, err
	}
	if status.Remaining() >= cost {
		consumed, consumeErr := service.allowances.tryConsume(ctx, accountID, period, cost)
		if consumeErr != nil {
			// Durable increment failed; the grant was reverted. Serve the
			// charge from the wallet instead of failing it.
			service.logOperation(ctx, OperationLog{
				Operation: operationCharge,
				AccountID: accountID,
				Period:    period,
				Amount:    cost,
				Source:    string(SourceAllowance),
				Status:    operationStatusError,
				Error:     consumeErr,
			})
			consumed = false
		}
		if consumed {
			return ChargeReceipt{
				Source:             SourceAllowance,
				Cost:               cost,
				FromAllowance:      cost,
				AllowanceRemaining: status.Remaining() - cost,
			}, nil
		}
	}

	balance, err := service.cache.balance(ctx, accountID)
	if err != nil {
		return ChargeReceipt{}, err
	}
	if balance < cost {
		return ChargeReceipt{}, InsufficientCreditsError{
			Required:           cost,
			Available:          balance,
			AllowanceRemaining: status.Remaining(),
			WalletBalance:      balance,
		}
	}
	newBalance := balance - cost
	service.cache.setBalance(accountID, newBalance)
	service.maybeWriteThrough(ctx, accountID, newBalance, settings)
	return ChargeReceipt{
		Source:             SourceWallet,
		Cost:               cost,
		FromWallet:         cost,
		AllowanceRemaining: status.Remaining(),
		WalletRemaining:    newBalance,
	}, nil
}

// chargeSplit drains the remaining allowance and charges the rest to the
// wallet. The wallet pre-check happens before the allowance is consumed so an
// unaffordable charge has no partial effect.
func (service *Service) chargeSplit(ctx context.Context, accountID AccountID, period BillingPeriod, cost int64, settings chargeSettings) (ChargeReceipt, error) {
	status, err := service.allowances.allowance(ctx, accountID, period)
	if err != nil {
		return ChargeReceipt{}, err
	}
	remaining := status.Remaining()
	fromAllowance := min(cost, remaining)
	fromWallet := cost - fromAllowance

	var walletBalance int64
	if fromWallet > 0 {
		walletBalance, err = service.cache.balance(ctx, accountID)
		if err != nil {
			return ChargeReceipt{}, err
		}
		if walletBalance < fromWallet {
			return ChargeReceipt{}, InsufficientCreditsError{
				Required:           cost,
				Available:          remaining + walletBalance,
				AllowanceRemaining: remaining,
				WalletBalance:      walletBalance,
			}
		}
	}

	if fromAllowance > 0 {
		consumed, consumeErr := service.allowances.tryConsume(ctx, accountID, period, fromAllowance)
		if consumeErr != nil {
			service.logOperation(ctx, OperationLog{
				Operation: operationCharge,
				AccountID: accountID,
				Period:    period,
				Amount:    fromAllowance,
				Source:    string(SourceAllowance),
				Status:    operationStatusError,
				Error:     consumeErr,
			})
		}
		if consumeErr != nil || !consumed {
			// Fall back to charging the whole cost to the wallet.
			fromAllowance = 0
			fromWallet = cost
			walletBalance, err = service.cache.balance(ctx, accountID)
			if err != nil {
				return ChargeReceipt{}, err
			}
			if walletBalance < fromWallet {
				return ChargeReceipt{}, InsufficientCreditsError{
					Required:      cost,
					Available:     walletBalance,
					WalletBalance: walletBalance,
				}
			}
		}
	}

	receipt := ChargeReceipt{
		Cost:               cost,
		FromAllowance:      fromAllowance,
		FromWallet:         fromWallet,
		AllowanceRemaining: remaining - fromAllowance,
	}
	if fromWallet > 0 {
		newBalance := walletBalance - fromWallet
		service.cache.setBalance(accountID, newBalance)
		service.maybeWriteThrough(ctx, accountID, newBalance, settings)
		receipt.WalletRemaining = newBalance
	}
	switch {
	case fromWallet == 0:
		receipt.Source = SourceAllowance
	case fromAllowance == 0:
		receipt.Source = SourceWallet
	default:
		receipt.Source = SourceSplit
	}
	return receipt, nil
}

// maybeWriteThrough persists the entry immediately when a trigger fires:
// a forced call, the balance dropping below the critical threshold, or the
// probabilistic backstop draw. Flush failures stay on this side of the call;
// the charge already succeeded.
func (service *Service) maybeWriteThrough(ctx context.Context, accountID AccountID, newBalance int64, settings chargeSettings) {
	reason := ""
	switch {
	case settings.forceWriteThrough:
		reason = triggerReasonForced
	case newBalance < service.config.CriticalBalanceThreshold:
		reason = triggerReasonThreshold
	case service.randFn() < service.config.WriteThroughProbability:
		reason = triggerReasonSampled
	default:
		return
	}
	if err := service.cache.flushOne(ctx, accountID); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationFlush,
			AccountID: accountID,
			Status:    operationStatusError,
			Error:     err,
		})
		return
	}
	service.metrics.writeThrough(reason)
}

// AddCredits increases the wallet balance and persists it before returning.
// A failed persist is surfaced while the in-memory credit stands and the
// entry stays dirty for the next flush cycle.
func (service *Service) AddCredits(ctx context.Context, accountID AccountID, amount CreditAmount, source string) (int64, error) {
	release := service.locks.acquire(accountID.String())
	defer release()

	newBalance, operationError := service.addCredits(ctx, accountID, amount.Int64(), source)
	service.logOperation(ctx, OperationLog{
		Operation: operationAddCredits,
		AccountID: accountID,
		Amount:    amount.Int64(),
		Source:    source,
		Error:     operationError,
	})
	return newBalance, operationError
}

func (service *Service) addCredits(ctx context.Context, accountID AccountID, amount int64, source string) (int64, error) {
	balance, err := service.cache.balance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	newBalance := balance + amount
	service.cache.setBalance(accountID, newBalance)
	if err := service.cache.flushOne(ctx, accountID); err != nil {
		return newBalance, err
	}
	service.journal(ctx, CreditEvent{
		AccountID:      accountID.String(),
		Kind:           CreditEventPurchase,
		Amount:         amount,
		Source:         source,
		CreatedUnixUTC: service.nowFn().UTC().Unix(),
	})
	return newBalance, nil
}

// Balance returns the account's wallet balance, hydrating on a cold cache.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (int64, error) {
	release := service.locks.acquire(accountID.String())
	defer release()
	return service.cache.balance(ctx, accountID)
}

// Allowance returns the grant state for the given period.
func (service *Service) Allowance(ctx context.Context, accountID AccountID, period BillingPeriod) (AllowanceStatus, error) {
	release := service.locks.acquire(accountID.String())
	defer release()
	return service.allowances.allowance(ctx, accountID, period)
}

// CurrentPeriod returns the billing period containing the service clock's now.
func (service *Service) CurrentPeriod() BillingPeriod {
	return PeriodOf(service.nowFn())
}

// ResetPeriod zeroes the account's usage for the period against a new limit.
// Idempotent; used on subscription renewal and month rollover.
func (service *Service) ResetPeriod(ctx context.Context, accountID AccountID, period BillingPeriod, newLimit int64, subscriptionRef string) error {
	if newLimit < 0 {
		return fmt.Errorf("%w: negative allowance limit", ErrInvalidAmount)
	}
	release := service.locks.acquire(accountID.String())
	defer release()

	operationError := service.allowances.resetPeriod(ctx, accountID, period, newLimit, subscriptionRef)
	if operationError == nil {
		service.journal(ctx, CreditEvent{
			AccountID:      accountID.String(),
			Kind:           CreditEventAllowanceReset,
			Amount:         newLimit,
			Source:         subscriptionRef,
			MetadataJSON:   fmt.Sprintf(`{"period":%q}`, period.String()),
			CreatedUnixUTC: service.nowFn().UTC().Unix(),
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationReset,
		AccountID: accountID,
		Period:    period,
		Amount:    newLimit,
		Source:    subscriptionRef,
		Error:     operationError,
	})
	return operationError
}

// RolloverPeriod resets the allowance of every granting subscription for the
// new period. Per-account failures are logged and skipped; an account missed
// here self-heals when its new period is first queried.
func (service *Service) RolloverPeriod(ctx context.Context, period BillingPeriod) (int, error) {
	subscriptions, err := service.store.ListActiveSubscriptions(ctx)
	if err != nil {
		wrapped := WrapError(operationRollover, errorSubjectAllowance, errorCodeRead, err)
		service.logOperation(ctx, OperationLog{Operation: operationRollover, Period: period, Error: wrapped})
		return 0, wrapped
	}
	reset := 0
	for _, subscription := range subscriptions {
		if !subscription.Status.Grants() {
			continue
		}
		accountID, err := NewAccountID(subscription.AccountID)
		if err != nil {
			continue
		}
		if err := service.ResetPeriod(ctx, accountID, period, subscription.MonthlyAllowance, subscription.SubscriptionID); err != nil {
			continue
		}
		reset++
	}
	service.logOperation(ctx, OperationLog{Operation: operationRollover, Period: period, Amount: int64(reset)})
	return reset, nil
}

// FlushDirty persists one batch of dirty entries. Flush errors leave every
// entry dirty for the next cycle.
func (service *Service) FlushDirty(ctx context.Context) (int, error) {
	flushed, err := service.cache.flushAllDirty(ctx, service.config.FlushBatchSize)
	if flushed > 0 || err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationFlush, Amount: int64(flushed), Error: err})
	}
	return flushed, err
}

// FlushAll drains the dirty set in batches. Used at shutdown and by the
// manual flush entry point.
func (service *Service) FlushAll(ctx context.Context) (int, error) {
	total := 0
	for {
		flushed, err := service.FlushDirty(ctx)
		total += flushed
		if err != nil {
			return total, err
		}
		if flushed < service.config.FlushBatchSize {
			return total, nil
		}
	}
}

// SweepCache evicts clean entries older than the configured max age.
func (service *Service) SweepCache(ctx context.Context) int {
	evicted := service.cache.evictStale(service.config.CacheMaxAge)
	if evicted > 0 {
		service.logOperation(ctx, OperationLog{Operation: operationSweep, Amount: int64(evicted)})
	}
	return evicted
}

// Stats snapshots the in-memory state for monitoring.
func (service *Service) Stats() CacheStats {
	entries, dirty := service.cache.stats()
	return CacheStats{
		BalanceEntries:   entries,
		DirtyEntries:     dirty,
		AllowanceEntries: service.allowances.count(),
	}
}

func (service *Service) journal(ctx context.Context, event CreditEvent) {
	err := service.store.InsertCreditEvent(ctx, event)
	if err == nil || errors.Is(err, ErrDuplicateEvent) {
		return
	}
	service.logOperation(ctx, OperationLog{
		Operation: string(event.Kind),
		Amount:    event.Amount,
		Source:    event.Source,
		Status:    operationStatusError,
		Error:     WrapError(string(event.Kind), errorSubjectJournal, errorCodeInsert, err),
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func statusOf(err error) string {
	if err != nil {
		return operationStatusError
	}
	return operationStatusOK
}

func chargeSourceLabel(source ChargeSource) string {
	if source == "" {
		return "none"
	}
	return string(source)
}
