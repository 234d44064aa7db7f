package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction kinds.
const (
	TxDeposit    = "DEPOSIT"
	TxWithdrawal = "WITHDRAWAL"
	TxTransfer   = "TRANSFER"
	TxFee        = "FEE"
	TxAdjustment = "CREDIT_ADJUSTMENT"
	TxRefund     = "REFUND"
)

// Transaction statuses.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Transaction is an immutable ledger entry; only Status and ExternalRef may
// change, and only while the entry is pending.
type Transaction struct {
	ID              uint64          `gorm:"primaryKey"`
	AccountID       int64           `gorm:"not null;index"`
	Kind            string          `gorm:"size:32;not null"`
	Amount          decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	BalanceBefore   decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	BalanceAfter    decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	RelatedAccount  *int64
	Status          string  `gorm:"size:16;not null;default:'COMPLETED'"`
	ExternalRef     *string `gorm:"size:128"`
	ExternalAddress *string `gorm:"size:128"`
	Description     string  `gorm:"size:256"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

func (Transaction) TableName() string { return "ledger_transaction" }

// Signed returns the entry's effect on the account balance.
func (t *Transaction) Signed() decimal.Decimal {
	return t.BalanceAfter.Sub(t.BalanceBefore)
}
