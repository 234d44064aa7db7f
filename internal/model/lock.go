package model

import "time"

// Lock kinds.
const (
	LockWithdrawal    = "WITHDRAWAL"
	LockTransfer      = "TRANSFER"
	LockDepositCredit = "DEPOSIT_CREDIT"
)

// AccountLock is a short-lived mutual-exclusion lease. At most one row per
// account; an unexpired row blocks every other acquire.
type AccountLock struct {
	AccountID   int64     `gorm:"primaryKey;column:account_id"`
	Kind        string    `gorm:"size:32;not null"`
	AcquiredAt  time.Time `gorm:"autoCreateTime"`
	ExpiresAt   time.Time `gorm:"not null;index"`
	Metadata    string    `gorm:"size:256"`
	ExternalRef *string   `gorm:"size:128"`
}

func (AccountLock) TableName() string { return "account_lock" }

// Expired reports whether the lease has lapsed at the given instant.
func (l *AccountLock) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }
