package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AccountBalance represents the account_balances table. Balance is a
// materialized cache of the transaction log; Version backs the optimistic
// concurrency check in UpdateBalance.
type AccountBalance struct {
	AccountID     string    `gorm:"primaryKey"`
	Balance       int64     `gorm:"not null"`
	Version       int64     `gorm:"not null"`
	ReferralCount int64     `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (AccountBalance) TableName() string { return "account_balances" }

// PointTransaction mirrors the point_transactions table. IdempotencyKey is
// nullable; the unique index only bites when a key is present.
type PointTransaction struct {
	TransactionID  string         `gorm:"type:uuid;primaryKey"`
	AccountID      string         `gorm:"not null;index:idx_transactions_account_created,priority:1;index:uniq_account_idempotency_key,unique,priority:1"`
	Type           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	BalanceAfter   int64          `gorm:"not null"`
	Description    string         `gorm:"not null"`
	IdempotencyKey *string        `gorm:"index:uniq_account_idempotency_key,unique,priority:2"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (PointTransaction) TableName() string { return "point_transactions" }

func (transaction *PointTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}
