package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintCreditEventPrimary = "credit_events_pkey"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectBalance          = "balance"
	errorSubjectAllowance        = "allowance"
	errorSubjectSubscription     = "subscription"
	errorSubjectEvent            = "event"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeRead                = "read"
	errorCodeWrite               = "write"
	errorCodeUpsert              = "upsert"
	errorCodeReset               = "reset"
	errorCodeList                = "list"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeDuplicate           = "duplicate"

	sqlSelectBalance = `
		select balance from balances where account_id = $1
	`

	sqlUpdateBalance = `
		update balances set balance = $2, updated_at = now() where account_id = $1
	`

	sqlSelectAllowance = `
		select used, allowance_limit, subscription_ref from allowance_usage
		where account_id = $1 and period = $2
	`

	sqlUpsertAllowanceUsed = `
		insert into allowance_usage(account_id, period, used, allowance_limit, subscription_ref, updated_at)
		values($1, $2, $3, $4, $5, now())
		on conflict (account_id, period) do update
		set used = allowance_usage.used + excluded.used,
			allowance_limit = excluded.allowance_limit,
			subscription_ref = excluded.subscription_ref,
			updated_at = now()
	`

	sqlResetAllowance = `
		insert into allowance_usage(account_id, period, used, allowance_limit, subscription_ref, updated_at)
		values($1, $2, 0, $3, $4, now())
		on conflict (account_id, period) do update
		set used = 0,
			allowance_limit = excluded.allowance_limit,
			subscription_ref = excluded.subscription_ref,
			updated_at = now()
	`

	sqlSelectSubscription = `
		select subscription_id, account_id, plan_type, status, monthly_allowance, current_period_start, current_period_end
		from subscriptions
		where account_id = $1
	`

	sqlListActiveSubscriptions = `
		select subscription_id, account_id, plan_type, status, monthly_allowance, current_period_start, current_period_end
		from subscriptions
		where status = 'active' or status = 'trialing'
	`

	sqlInsertCreditEvent = `
		insert into credit_events(event_id, account_id, kind, amount, source, metadata, created_at)
		values(
			coalesce(nullif($1,''), gen_random_uuid()::text),
			$2, $3, $4, $5,
			coalesce(nullif($6,''),'{}')::jsonb,
			coalesce(to_timestamp(nullif($7,0)), now())
		)
	`
)

// Store implements wallet.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements wallet.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) ReadBalance(ctx context.Context, accountID wallet.AccountID) (int64, error) {
	var balance int64
	err := store.pool.QueryRow(ctx, sqlSelectBalance, accountID.String()).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeRead, wallet.ErrAccountNotFound)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeRead, err)
	}
	return balance, nil
}

func (store *Store) WriteBalance(ctx context.Context, accountID wallet.AccountID, balance int64) error {
	tag, err := store.pool.Exec(ctx, sqlUpdateBalance, accountID.String(), balance)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeWrite, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeWrite, wallet.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) ReadAllowance(ctx context.Context, accountID wallet.AccountID, period wallet.BillingPeriod) (wallet.AllowanceStatus, error) {
	var status wallet.AllowanceStatus
	err := store.pool.QueryRow(ctx, sqlSelectAllowance, accountID.String(), period.String()).Scan(
		&status.Used,
		&status.Limit,
		&status.SubscriptionRef,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.AllowanceStatus{}, wrapStoreError(errorSubjectAllowance, errorCodeRead, wallet.ErrAllowanceNotFound)
		}
		return wallet.AllowanceStatus{}, wrapStoreError(errorSubjectAllowance, errorCodeRead, err)
	}
	return status, nil
}

func (store *Store) IncrementAllowanceUsed(ctx context.Context, accountID wallet.AccountID, period wallet.BillingPeriod, delta int64, limit int64, subscriptionRef string) error {
	_, err := store.pool.Exec(ctx, sqlUpsertAllowanceUsed, accountID.String(), period.String(), delta, limit, subscriptionRef)
	if err != nil {
		return wrapStoreError(errorSubjectAllowance, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) ResetAllowance(ctx context.Context, accountID wallet.AccountID, period wallet.BillingPeriod, newLimit int64, subscriptionRef string) error {
	_, err := store.pool.Exec(ctx, sqlResetAllowance, accountID.String(), period.String(), newLimit, subscriptionRef)
	if err != nil {
		return wrapStoreError(errorSubjectAllowance, errorCodeReset, err)
	}
	return nil
}

func (store *Store) ReadActiveSubscription(ctx context.Context, accountID wallet.AccountID) (wallet.Subscription, error) {
	row := store.pool.QueryRow(ctx, sqlSelectSubscription, accountID.String())
	subscription, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeRead, wallet.ErrSubscriptionNotFound)
		}
		if errors.Is(err, wallet.ErrInvalidSubscription) {
			return wallet.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeInvalid, err)
		}
		return wallet.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeRead, err)
	}
	return subscription, nil
}

func (store *Store) ListActiveSubscriptions(ctx context.Context) ([]wallet.Subscription, error) {
	rows, err := store.pool.Query(ctx, sqlListActiveSubscriptions)
	if err != nil {
		return nil, wrapStoreError(errorSubjectSubscription, errorCodeList, err)
	}
	defer rows.Close()
	subscriptions, err := scanSubscriptions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectSubscription, errorCodeInvalid, err)
	}
	return subscriptions, nil
}

func (store *Store) InsertCreditEvent(ctx context.Context, event wallet.CreditEvent) error {
	_, err := store.pool.Exec(ctx, sqlInsertCreditEvent,
		event.EventID,
		event.AccountID,
		string(event.Kind),
		event.Amount,
		event.Source,
		event.MetadataJSON,
		event.CreatedUnixUTC,
	)
	if isEventConflict(err) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, wallet.ErrDuplicateEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) ReadBalance(ctx context.Context, accountID wallet.AccountID) (int64, error) {
	var balance int64
	err := store.tx.QueryRow(ctx, sqlSelectBalance, accountID.String()).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeRead, wallet.ErrAccountNotFound)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeRead, err)
	}
	return balance, nil
}

func (store *TxStore) WriteBalance(ctx context.Context, accountID wallet.AccountID, balance int64) error {
	tag, err := store.tx.Exec(ctx, sqlUpdateBalance, accountID.String(), balance)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeWrite, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeWrite, wallet.ErrAccountNotFound)
	}
	return nil
}

func (store *TxStore) ReadAllowance(ctx context.Context, accountID wallet.AccountID, period wallet.BillingPeriod) (wallet.AllowanceStatus, error) {
	var status wallet.AllowanceStatus
	err := store.tx.QueryRow(ctx, sqlSelectAllowance, accountID.String(), period.String()).Scan(
		&status.Used,
		&status.Limit,
		&status.SubscriptionRef,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.AllowanceStatus{}, wrapStoreError(errorSubjectAllowance, errorCodeRead, wallet.ErrAllowanceNotFound)
		}
		return wallet.AllowanceStatus{}, wrapStoreError(errorSubjectAllowance, errorCodeRead, err)
	}
	return status, nil
}

func (store *TxStore) IncrementAllowanceUsed(ctx context.Context, accountID wallet.AccountID, period wallet.BillingPeriod, delta int64, limit int64, subscriptionRef string) error {
	_, err := store.tx.Exec(ctx, sqlUpsertAllowanceUsed, accountID.String(), period.String(), delta, limit, subscriptionRef)
	if err != nil {
		return wrapStoreError(errorSubjectAllowance, errorCodeUpsert, err)
	}
	return nil
}

func (store *TxStore) ResetAllowance(ctx context.Context, accountID wallet.AccountID, period wallet.BillingPeriod, newLimit int64, subscriptionRef string) error {
	_, err := store.tx.Exec(ctx, sqlResetAllowance, accountID.String(), period.String(), newLimit, subscriptionRef)
	if err != nil {
		return wrapStoreError(errorSubjectAllowance, errorCodeReset, err)
	}
	return nil
}

func (store *TxStore) ReadActiveSubscription(ctx context.Context, accountID wallet.AccountID) (wallet.Subscription, error) {
	row := store.tx.QueryRow(ctx, sqlSelectSubscription, accountID.String())
	subscription, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeRead, wallet.ErrSubscriptionNotFound)
		}
		if errors.Is(err, wallet.ErrInvalidSubscription) {
			return wallet.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeInvalid, err)
		}
		return wallet.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeRead, err)
	}
	return subscription, nil
}

func (store *TxStore) ListActiveSubscriptions(ctx context.Context) ([]wallet.Subscription, error) {
	rows, err := store.tx.Query(ctx, sqlListActiveSubscriptions)
	if err != nil {
		return nil, wrapStoreError(errorSubjectSubscription, errorCodeList, err)
	}
	defer rows.Close()
	subscriptions, err := scanSubscriptions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectSubscription, errorCodeInvalid, err)
	}
	return subscriptions, nil
}

func (store *TxStore) InsertCreditEvent(ctx context.Context, event wallet.CreditEvent) error {
	_, err := store.tx.Exec(ctx, sqlInsertCreditEvent,
		event.EventID,
		event.AccountID,
		string(event.Kind),
		event.Amount,
		event.Source,
		event.MetadataJSON,
		event.CreatedUnixUTC,
	)
	if isEventConflict(err) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, wallet.ErrDuplicateEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func scanSubscription(row pgx.Row) (wallet.Subscription, error) {
	var (
		subscriptionID   string
		accountIDValue   string
		planType         string
		statusValue      string
		monthlyAllowance int64
		periodStart      time.Time
		periodEnd        time.Time
	)
	if err := row.Scan(
		&subscriptionID,
		&accountIDValue,
		&planType,
		&statusValue,
		&monthlyAllowance,
		&periodStart,
		&periodEnd,
	); err != nil {
		return wallet.Subscription{}, err
	}
	status, err := wallet.ParseSubscriptionStatus(statusValue)
	if err != nil {
		return wallet.Subscription{}, err
	}
	return wallet.Subscription{
		SubscriptionID:     subscriptionID,
		AccountID:          accountIDValue,
		PlanType:           planType,
		Status:             status,
		MonthlyAllowance:   monthlyAllowance,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
	}, nil
}

func scanSubscriptions(rows pgx.Rows) ([]wallet.Subscription, error) {
	subscriptions := make([]wallet.Subscription, 0, 32)
	for rows.Next() {
		subscription, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subscriptions = append(subscriptions, subscription)
	}
	return subscriptions, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func isEventConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintCreditEventPrimary
	}
	return false
}
