package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Balance represents the balances table: one durable row per account.
type Balance struct {
	AccountID string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Balance) TableName() string { return "balances" }

// AllowanceUsage mirrors the allowance_usage table, keyed by account and
// billing period.
type AllowanceUsage struct {
	AccountID       string    `gorm:"primaryKey"`
	Period          string    `gorm:"primaryKey"`
	Used            int64     `gorm:"not null"`
	Limit           int64     `gorm:"column:allowance_limit;not null"`
	SubscriptionRef string    `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (AllowanceUsage) TableName() string { return "allowance_usage" }

// Subscription mirrors the subscriptions table. One row per account.
type Subscription struct {
	SubscriptionID     string `gorm:"primaryKey"`
	AccountID          string `gorm:"not null;uniqueIndex:uniq_subscriptions_account"`
	PlanType           string `gorm:"not null"`
	Status             string `gorm:"not null;index"`
	MonthlyAllowance   int64  `gorm:"not null"`
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// CreditEvent mirrors the credit_events journal table. EventID may carry a
// billing provider's event id, so it stays free-form text.
type CreditEvent struct {
	EventID   string         `gorm:"primaryKey"`
	AccountID string         `gorm:"not null;index:idx_credit_events_account_created,priority:1"`
	Kind      string         `gorm:"not null"`
	Amount    int64          `gorm:"not null"`
	Source    string         `gorm:"not null"`
	Metadata  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_credit_events_account_created,priority:2"`
}

func (CreditEvent) TableName() string { return "credit_events" }

func (event *CreditEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// Migrate creates or updates every wallet table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Balance{}, &AllowanceUsage{}, &Subscription{}, &CreditEvent{})
}
