package chain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Decimals is the fixed fractional precision of the base currency: one
// display unit equals 10^6 base units.
const Decimals = 6

// ErrSubUnitPrecision is returned when an amount carries more fractional
// digits than the chain can represent.
var ErrSubUnitPrecision = errors.New("amount has sub-unit precision")

// TransferMsg is one coin movement inside a chain transaction.
type TransferMsg struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	Denom  string `json:"denom"`
}

// TxInfo is a confirmed chain transaction as returned by the gateway. Memo
// may be empty even when the on-chain note is set; RawBytes carries the
// encoded transaction for heuristic recovery.
type TxInfo struct {
	TxID     string        `json:"txid"`
	Height   int64         `json:"height"`
	Success  bool          `json:"success"`
	Memo     string        `json:"memo"`
	Messages []TransferMsg `json:"messages"`
	RawBytes []byte        `json:"tx_bytes"`
}

// BroadcastResult is the outcome of submitting a signed transfer.
type BroadcastResult struct {
	TxID    string `json:"txid"`
	Success bool   `json:"success"`
	RawLog  string `json:"raw_log"`
}

// Gateway is the single external chain endpoint. All amounts cross this
// boundary in integer base units.
type Gateway interface {
	SearchTransfers(ctx context.Context, toAddress string, sinceHeight int64) ([]TxInfo, error)
	GetTransferByHash(ctx context.Context, txID string) (*TxInfo, error)
	GetBalance(ctx context.Context, address string) (int64, error)
	BroadcastTransfer(ctx context.Context, signer, toAddress string, amount int64, memo string) (*BroadcastResult, error)
}

// FromBaseUnits converts integer base units to the display representation.
// The mapping is exact, so truncation can only floor, never round up.
func FromBaseUnits(base int64) decimal.Decimal {
	return decimal.New(base, -Decimals)
}

// ToBaseUnits converts a display amount to integer base units, rejecting
// amounts that are not exactly representable.
func ToBaseUnits(amount decimal.Decimal) (int64, error) {
	shifted := amount.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrSubUnitPrecision
	}
	return shifted.IntPart(), nil
}

// ValidPrecision reports whether amount fits in the chain's fixed precision.
func ValidPrecision(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(Decimals))
}

// ValidAddress performs a shape check on a destination address: configured
// prefix, plausible length, lowercase alphanumeric body.
func ValidAddress(addr, prefix string) bool {
	if len(addr) < 20 || len(addr) > 90 {
		return false
	}
	if prefix != "" && len(addr) >= len(prefix) && addr[:len(prefix)] != prefix {
		return false
	}
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
