package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reserved system account ids. End-user accounts are always positive.
const (
	AccountUnclaimed int64 = -1
	AccountTreasury  int64 = -2
	AccountReserve   int64 = -3
)

type Account struct {
	ID        int64           `gorm:"primaryKey;column:id"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,6);not null;default:'0'"`
	Version   uint64          `gorm:"not null;default:0"`
	CreatedAt time.Time       `gorm:"autoCreateTime"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

func (Account) TableName() string { return "account" }

// IsSystem reports whether id is a reserved bookkeeping account.
func IsSystem(id int64) bool { return id < 0 }
