package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProcessedDeposit statuses.
const (
	DepositPending  = "PENDING"
	DepositCredited = "CREDITED"
	DepositFailed   = "FAILED"
)

// ProcessedDeposit records one inbound chain transfer. The primary key on
// ExternalTxID is the idempotency gate: the row is inserted before the
// ledger credit, so re-scanning the same transaction is a no-op.
type ProcessedDeposit struct {
	ExternalTxID  string          `gorm:"primaryKey;size:128"`
	AccountID     *int64          `gorm:"index"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	SourceAddress string          `gorm:"size:128"`
	RoutingToken  string          `gorm:"size:64"`
	ChainHeight   int64           `gorm:"not null;index"`
	Status        string          `gorm:"size:16;not null;default:'PENDING'"`
	Error         string          `gorm:"size:256"`
	CreatedAt     time.Time       `gorm:"autoCreateTime"`
}

func (ProcessedDeposit) TableName() string { return "processed_deposit" }
