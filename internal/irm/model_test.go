package irm_test

import (
	"testing"

	"LendLedger/internal/irm"
	fpmath "LendLedger/internal/math"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultModel(t *testing.T) *irm.JumpRateModel {
	t.Helper()
	m, err := irm.NewJumpRateModel(irm.JumpRateConfig{
		BaseRatePerYear:       decimal.RequireFromString("0.02"),
		MultiplierPerYear:     decimal.RequireFromString("0.1"),
		JumpMultiplierPerYear: decimal.RequireFromString("2"),
		Kink:                  decimal.RequireFromString("0.8"),
	})
	require.NoError(t, err)
	return m
}

func TestUtilizationRate(t *testing.T) {
	util, err := irm.UtilizationRate(fpmath.Wad(500), fpmath.Wad(500), fpmath.U(0))
	require.NoError(t, err)
	assert.Equal(t, "0.5", fpmath.ToDecimal(util).String())

	zero, err := irm.UtilizationRate(fpmath.Wad(500), fpmath.U(0), fpmath.U(0))
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	// reserves swallowing the pool must not divide by zero
	zero, err = irm.UtilizationRate(fpmath.U(0), fpmath.U(10), fpmath.U(10))
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
}

func TestBorrowRate_BaseAtZeroUtilization(t *testing.T) {
	m := defaultModel(t)
	rate, err := m.BorrowRate(fpmath.Wad(1000), fpmath.U(0), fpmath.U(0))
	require.NoError(t, err)
	assert.Equal(t, m.BaseRatePerSecond, rate)
}

func TestBorrowRate_JumpsAboveKink(t *testing.T) {
	m := defaultModel(t)

	below, err := m.BorrowRate(fpmath.Wad(500), fpmath.Wad(500), fpmath.U(0))
	require.NoError(t, err)
	atKink, err := m.BorrowRate(fpmath.Wad(200), fpmath.Wad(800), fpmath.U(0))
	require.NoError(t, err)
	above, err := m.BorrowRate(fpmath.Wad(50), fpmath.Wad(950), fpmath.U(0))
	require.NoError(t, err)

	assert.True(t, below.Lt(&atKink))
	assert.True(t, atKink.Lt(&above))

	// slope after the kink is steeper than before it
	var lowSlope, highSlope = atKink, above
	lowSlope.Sub(&atKink, &below)  // 30% of utilization
	highSlope.Sub(&above, &atKink) // 15% of utilization
	assert.True(t, highSlope.Gt(&lowSlope))
}

func TestSupplyRate_BelowBorrowRate(t *testing.T) {
	m := defaultModel(t)
	rf, _ := fpmath.FromDecimal(decimal.RequireFromString("0.1"))

	borrow, err := m.BorrowRate(fpmath.Wad(500), fpmath.Wad(500), fpmath.U(0))
	require.NoError(t, err)
	supply, err := m.SupplyRate(fpmath.Wad(500), fpmath.Wad(500), fpmath.U(0), rf)
	require.NoError(t, err)
	assert.True(t, supply.Lt(&borrow))

	_, err = m.SupplyRate(fpmath.Wad(500), fpmath.Wad(500), fpmath.U(0), fpmath.Wad(2))
	require.Error(t, err)
}

func TestAnnualize(t *testing.T) {
	m := defaultModel(t)
	apr := irm.Annualize(m.BaseRatePerSecond)
	// per-second truncation loses a little precision
	assert.True(t, apr.Sub(decimal.RequireFromString("0.02")).Abs().LessThan(decimal.RequireFromString("0.000001")))
}

func TestNewJumpRateModel_RejectsKinkAboveOne(t *testing.T) {
	_, err := irm.NewJumpRateModel(irm.JumpRateConfig{Kink: decimal.RequireFromString("1.5")})
	require.Error(t, err)
}
