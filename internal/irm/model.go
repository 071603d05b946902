// Package irm holds interest rate models. All rates are per second and
// scaled by 1e18.
package irm

import (
	"fmt"

	fpmath "LendLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// SecondsPerYear converts annual rates into per-second rates.
const SecondsPerYear = 31_536_000

// Model maps market liquidity to a per-second rate. Implementations must be
// pure: same inputs, same output, no side effects.
type Model interface {
	BorrowRate(cash, borrows, reserves uint256.Int) (uint256.Int, error)
	SupplyRate(cash, borrows, reserves, reserveFactor uint256.Int) (uint256.Int, error)
}

// JumpRateConfig holds annual rates as decimals, e.g. 0.02 for 2%.
type JumpRateConfig struct {
	BaseRatePerYear       decimal.Decimal
	MultiplierPerYear     decimal.Decimal
	JumpMultiplierPerYear decimal.Decimal
	Kink                  decimal.Decimal
}

// JumpRateModel is the kinked utilization curve: a gentle slope up to the
// kink, a steep one after it.
type JumpRateModel struct {
	BaseRatePerSecond       uint256.Int
	MultiplierPerSecond     uint256.Int
	JumpMultiplierPerSecond uint256.Int
	Kink                    uint256.Int
}

func NewJumpRateModel(cfg JumpRateConfig) (*JumpRateModel, error) {
	if cfg.Kink.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("kink %s above 1", cfg.Kink)
	}

	perSecond := func(name string, annual decimal.Decimal) (uint256.Int, error) {
		v, err := fpmath.FromDecimal(annual.DivRound(decimal.NewFromInt(SecondsPerYear), 2*fpmath.Decimals))
		if err != nil {
			return uint256.Int{}, fmt.Errorf("%s: %w", name, err)
		}
		return v, nil
	}

	base, err := perSecond("base rate", cfg.BaseRatePerYear)
	if err != nil {
		return nil, err
	}
	mult, err := perSecond("multiplier", cfg.MultiplierPerYear)
	if err != nil {
		return nil, err
	}
	jump, err := perSecond("jump multiplier", cfg.JumpMultiplierPerYear)
	if err != nil {
		return nil, err
	}
	kink, err := fpmath.FromDecimal(cfg.Kink)
	if err != nil {
		return nil, fmt.Errorf("kink: %w", err)
	}

	return &JumpRateModel{
		BaseRatePerSecond:       base,
		MultiplierPerSecond:     mult,
		JumpMultiplierPerSecond: jump,
		Kink:                    kink,
	}, nil
}

// UtilizationRate = borrows / (cash + borrows - reserves), zero when there is
// nothing lent out or the denominator vanishes.
func UtilizationRate(cash, borrows, reserves uint256.Int) (uint256.Int, error) {
	if borrows.IsZero() {
		return uint256.Int{}, nil
	}
	total, err := fpmath.Add(cash, borrows)
	if err != nil {
		return uint256.Int{}, err
	}
	if !reserves.Lt(&total) {
		return uint256.Int{}, nil
	}
	total, _ = fpmath.Sub(total, reserves)
	return fpmath.DivWadDown(borrows, total)
}

func (m *JumpRateModel) BorrowRate(cash, borrows, reserves uint256.Int) (uint256.Int, error) {
	util, err := UtilizationRate(cash, borrows, reserves)
	if err != nil {
		return uint256.Int{}, err
	}

	if !m.Kink.IsZero() && util.Gt(&m.Kink) {
		normal, err := m.linear(m.Kink)
		if err != nil {
			return uint256.Int{}, err
		}
		excess, _ := fpmath.Sub(util, m.Kink)
		jump, err := fpmath.MulWadDown(excess, m.JumpMultiplierPerSecond)
		if err != nil {
			return uint256.Int{}, err
		}
		return fpmath.Add(normal, jump)
	}
	return m.linear(util)
}

func (m *JumpRateModel) linear(util uint256.Int) (uint256.Int, error) {
	slope, err := fpmath.MulWadDown(util, m.MultiplierPerSecond)
	if err != nil {
		return uint256.Int{}, err
	}
	return fpmath.Add(slope, m.BaseRatePerSecond)
}

// SupplyRate = util * borrowRate * (1 - reserveFactor)
func (m *JumpRateModel) SupplyRate(cash, borrows, reserves, reserveFactor uint256.Int) (uint256.Int, error) {
	if reserveFactor.Gt(&fpmath.Scale) {
		return uint256.Int{}, fmt.Errorf("reserve factor %s above 1e18", reserveFactor.Dec())
	}
	borrowRate, err := m.BorrowRate(cash, borrows, reserves)
	if err != nil {
		return uint256.Int{}, err
	}
	oneMinus, _ := fpmath.Sub(fpmath.Scale, reserveFactor)
	rateToPool, err := fpmath.MulWadDown(borrowRate, oneMinus)
	if err != nil {
		return uint256.Int{}, err
	}
	util, err := UtilizationRate(cash, borrows, reserves)
	if err != nil {
		return uint256.Int{}, err
	}
	return fpmath.MulWadDown(util, rateToPool)
}

// Annualize turns a per-second rate into an APR decimal for display.
func Annualize(perSecond uint256.Int) decimal.Decimal {
	return fpmath.ToDecimal(perSecond).Mul(decimal.NewFromInt(SecondsPerYear))
}
