package model

import "time"

// Outbox event types emitted by ledger mutations.
const (
	EventDepositCredited     = "DepositCredited"
	EventWithdrawalRequested = "WithdrawalRequested"
	EventWithdrawalCompleted = "WithdrawalCompleted"
	EventWithdrawalFailed    = "WithdrawalFailed"
	EventTransfer            = "Transfer"
	EventAdjustment          = "Adjustment"
)

// OutboxEvent is written in the same database transaction as the ledger
// mutation it describes; cmd/poller relays rows to Kafka.
type OutboxEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Aggregate   string    `gorm:"size:64;not null"`
	AggregateID int64     `gorm:"not null"`
	EventType   string    `gorm:"size:64;not null"`
	Payload     string    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false"`
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }
