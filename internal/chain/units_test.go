package chain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFromBaseUnits(t *testing.T) {
	assert.Equal(t, "10.000000", FromBaseUnits(10000000).StringFixed(6))
	assert.Equal(t, "0.000001", FromBaseUnits(1).StringFixed(6))
	assert.Equal(t, "0.000000", FromBaseUnits(0).StringFixed(6))
}

func TestToBaseUnits(t *testing.T) {
	n, err := ToBaseUnits(decimal.RequireFromString("10.5"))
	assert.NoError(t, err)
	assert.Equal(t, int64(10500000), n)

	n, err = ToBaseUnits(decimal.RequireFromString("0.000001"))
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = ToBaseUnits(decimal.RequireFromString("0.0000001"))
	assert.ErrorIs(t, err, ErrSubUnitPrecision)
}

func TestRoundTrip(t *testing.T) {
	for _, base := range []int64{1, 42, 10000000, 999999999999} {
		n, err := ToBaseUnits(FromBaseUnits(base))
		assert.NoError(t, err)
		assert.Equal(t, base, n)
	}
}

func TestValidPrecision(t *testing.T) {
	assert.True(t, ValidPrecision(decimal.RequireFromString("1.234567")))
	assert.False(t, ValidPrecision(decimal.RequireFromString("1.2345678")))
}

func TestValidAddress(t *testing.T) {
	assert.True(t, ValidAddress("pay1qx7c4w0mnz4l9m8t2h5u6rfy3d0kq8e9s2vplw", "pay1"))
	assert.False(t, ValidAddress("cosmos1qx7c4w0mnz4l9m8t2h5u6rfy3d0kq8e9s2vplw", "pay1"))
	assert.False(t, ValidAddress("pay1short", "pay1"))
	assert.False(t, ValidAddress("pay1UPPERCASEqx7c4w0mnz4l9m8t2h5u6rfy3d0kq", "pay1"))
	assert.False(t, ValidAddress("", "pay1"))
}
