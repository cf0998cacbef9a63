package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintCreditEventPrimary = "credit_events_pkey"
	defaultMetadataJSON          = "{}"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectBalance          = "balance"
	errorSubjectAllowance        = "allowance"
	errorSubjectSubscription     = "subscription"
	errorSubjectEvent            = "event"
	errorCodeRead                = "read"
	errorCodeWrite               = "write"
	errorCodeUpsert              = "upsert"
	errorCodeReset               = "reset"
	errorCodeList                = "list"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeDuplicate           = "duplicate"
)

// Store implements wallet.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) ReadBalance(ctx context.Context, accountID wallet.AccountID) (int64, error) {
	var row Balance
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeRead, wallet.ErrAccountNotFound)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeRead, err)
	}
	return row.Balance, nil
}

// WriteBalance sets the account's balance to the given absolute value. The
// row must already exist; accounts are provisioned out of band.
func (store *Store) WriteBalance(ctx context.Context, accountID wallet.AccountID, balance int64) error {
	result := store.db.WithContext(ctx).
		Model(&Balance{}).
		Where("account_id = ?", accountID.String()).
		Update("balance", balance)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeWrite, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeWrite, wallet.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) ReadAllowance(ctx context.Context, accountID wallet.AccountID, period wallet.BillingPeriod) (wallet.AllowanceStatus, error) {
	var row AllowanceUsage
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND period = ?", accountID.String(), period.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.AllowanceStatus{}, wrapStoreError(errorSubjectAllowance, errorCodeRead, wallet.ErrAllowanceNotFound)
		}
		return wallet.AllowanceStatus{}, wrapStoreError(errorSubjectAllowance, errorCodeRead, err)
	}
	return wallet.AllowanceStatus{
		Used:            row.Used,
		Limit:           row.Limit,
		SubscriptionRef: row.SubscriptionRef,
	}, nil
}

// IncrementAllowanceUsed atomically adds delta to the period's usage row,
// creating the row on first draw.
func (store *Store) IncrementAllowanceUsed(ctx context.Context, accountID wallet.AccountID, period wallet.BillingPeriod, delta int64, limit int64, subscriptionRef string) error {
	row := AllowanceUsage{
		AccountID:       accountID.String(),
		Period:          period.String(),
		Used:            delta,
		Limit:           limit,
		SubscriptionRef: subscriptionRef,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "period"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"used":             clause.Expr{SQL: "used + excluded.used"},
				"allowance_limit":  clause.Expr{SQL: "excluded.allowance_limit"},
				"subscription_ref": clause.Expr{SQL: "excluded.subscription_ref"},
				"updated_at":       clause.Expr{SQL: "excluded.updated_at"},
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectAllowance, errorCodeUpsert, err)
	}
	return nil
}

// ResetAllowance zeroes the period's usage against a new limit. Repeated
// resets converge on the same row state.
func (store *Store) ResetAllowance(ctx context.Context, accountID wallet.AccountID, period wallet.BillingPeriod, newLimit int64, subscriptionRef string) error {
	row := AllowanceUsage{
		AccountID:       accountID.String(),
		Period:          period.String(),
		Used:            0,
		Limit:           newLimit,
		SubscriptionRef: subscriptionRef,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "period"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"used":             0,
				"allowance_limit":  clause.Expr{SQL: "excluded.allowance_limit"},
				"subscription_ref": clause.Expr{SQL: "excluded.subscription_ref"},
				"updated_at":       clause.Expr{SQL: "excluded.updated_at"},
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectAllowance, errorCodeReset, err)
	}
	return nil
}

func (store *Store) ReadActiveSubscription(ctx context.Context, accountID wallet.AccountID) (wallet.Subscription, error) {
	var model Subscription
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeRead, wallet.ErrSubscriptionNotFound)
		}
		return wallet.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeRead, err)
	}
	subscription, err := mapSubscription(model)
	if err != nil {
		return wallet.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeInvalid, err)
	}
	return subscription, nil
}

func (store *Store) ListActiveSubscriptions(ctx context.Context) ([]wallet.Subscription, error) {
	var rows []Subscription
	err := store.db.WithContext(ctx).
		Where("status IN ?", []string{
			wallet.SubscriptionActive.String(),
			wallet.SubscriptionTrialing.String(),
		}).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSubscription, errorCodeList, err)
	}
	subscriptions := make([]wallet.Subscription, 0, len(rows))
	for _, row := range rows {
		subscription, err := mapSubscription(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSubscription, errorCodeInvalid, err)
		}
		subscriptions = append(subscriptions, subscription)
	}
	return subscriptions, nil
}

func (store *Store) InsertCreditEvent(ctx context.Context, event wallet.CreditEvent) error {
	model := CreditEvent{
		EventID:   event.EventID,
		AccountID: event.AccountID,
		Kind:      string(event.Kind),
		Amount:    event.Amount,
		Source:    event.Source,
		Metadata:  datatypesJSON(event.MetadataJSON),
	}
	if event.CreatedUnixUTC != 0 {
		model.CreatedAt = time.Unix(event.CreatedUnixUTC, 0).UTC()
	} else {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isEventConflict(err) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, wallet.ErrDuplicateEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func mapSubscription(model Subscription) (wallet.Subscription, error) {
	status, err := wallet.ParseSubscriptionStatus(model.Status)
	if err != nil {
		return wallet.Subscription{}, err
	}
	return wallet.Subscription{
		SubscriptionID:     model.SubscriptionID,
		AccountID:          model.AccountID,
		PlanType:           model.PlanType,
		Status:             status,
		MonthlyAllowance:   model.MonthlyAllowance,
		CurrentPeriodStart: model.CurrentPeriodStart,
		CurrentPeriodEnd:   model.CurrentPeriodEnd,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isEventConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintCreditEventPrimary
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
