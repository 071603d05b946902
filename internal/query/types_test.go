package query

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarketRowResponse(t *testing.T) {
	row := marketRow{
		id: "dUSDC", kind: "debt", underlying: "USDC",
		cash: "6000", supply: "10000", exchangeRate: "1000000000000000000", collateralFactor: "0",
		borrows: "4000", reserves: "0", borrowIndex: "1100000000000000000", reserveFactor: "100000000000000000",
		borrowRate: "1000000000", supplyRate: "0",
		lastSequence: 9, updatedAt: time.Unix(1_700_000_000, 0),
	}

	resp, err := row.response(12)
	require.NoError(t, err)

	assert.Equal(t, "4000", resp.TotalBorrows)
	assert.True(t, resp.ExchangeRate.Equal(decimal.NewFromInt(1)))
	assert.True(t, resp.BorrowIndex.Equal(decimal.RequireFromString("1.1")))
	assert.True(t, resp.ReserveFactor.Equal(decimal.RequireFromString("0.1")))
	assert.True(t, resp.Utilization.Equal(decimal.RequireFromString("0.4")))
	// 1e-9 per second over a 365-day year.
	assert.True(t, resp.BorrowAPR.Equal(decimal.RequireFromString("0.031536")), resp.BorrowAPR.String())
	assert.True(t, resp.SupplyAPR.IsZero())
	assert.Equal(t, int64(12), resp.AsOfSequence)

	row.borrowIndex = "not-a-number"
	_, err = row.response(12)
	assert.Error(t, err)
}

func TestUtilization(t *testing.T) {
	u, err := utilization("100", "0", "0")
	require.NoError(t, err)
	assert.True(t, u.IsZero())

	u, err = utilization("0", "100", "100")
	require.NoError(t, err)
	assert.True(t, u.IsZero(), "no lendable liquidity")

	u, err = utilization("50", "150", "0")
	require.NoError(t, err)
	assert.True(t, u.Equal(decimal.RequireFromString("0.75")))
}

func TestUnderlyingValueRoundsDown(t *testing.T) {
	v, err := underlyingValue("3", "1500000000000000000")
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(4)))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, clampLimit(0))
	assert.Equal(t, MaxPageSize, clampLimit(10_000))
	assert.Equal(t, 7, clampLimit(7))
}
