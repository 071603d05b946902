package lendtroller

import (
	"fmt"

	"LendLedger/internal/market"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/oracle"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Liquidity is an account's risk-weighted position in the price quote unit.
// At most one of Excess and Shortfall is non-zero.
type Liquidity struct {
	Collateral uint256.Int
	Debt       uint256.Int
	Excess     uint256.Int
	Shortfall  uint256.Int
}

// AccountLiquidity values the account's entered markets at now. Only
// BadSource prices are refused.
func (l *Lendtroller) AccountLiquidity(account uuid.UUID, now int64) (Liquidity, error) {
	return l.hypothetical(account, "", uint256.Int{}, uint256.Int{}, now, oracle.BadSource)
}

func (l *Lendtroller) requireNoShortfall(tx *txn.Tx, account uuid.UUID, id string, redeemShares, borrowAmount uint256.Int, breakpoint oracle.ErrorCode) error {
	liq, err := l.hypothetical(account, id, redeemShares, borrowAmount, tx.Now(), breakpoint)
	if err != nil {
		return err
	}
	if !liq.Shortfall.IsZero() {
		return fmt.Errorf("%w: %s short %s after %s", ErrInsufficientLiquidity, account, liq.Shortfall.Dec(), id)
	}
	return nil
}

// hypothetical values the account as if it had also redeemed redeemShares
// of, and borrowed borrowAmount from, market modify.
func (l *Lendtroller) hypothetical(account uuid.UUID, modify string, redeemShares, borrowAmount uint256.Int, now int64, breakpoint oracle.ErrorCode) (Liquidity, error) {
	var out Liquidity
	for _, id := range l.accountMarkets[account] {
		lst := l.markets[id]
		snap, err := lst.market.AccountSnapshot(account)
		if err != nil {
			return Liquidity{}, fmt.Errorf("snapshot %s: %w", id, err)
		}
		touched := id == modify && (!redeemShares.IsZero() || !borrowAmount.IsZero())
		if snap.Shares.IsZero() && snap.BorrowBalance.IsZero() && !touched {
			continue
		}

		price, err := l.prices.PriceAtLeast(lst.market.Underlying(), now, breakpoint)
		if err != nil {
			return Liquidity{}, err
		}

		if lst.market.TokenType() == market.TokenTypeCollateral && !lst.collateralFactor.IsZero() {
			held, err := weightedValue(snap.Shares, snap.ExchangeRate, price, lst.collateralFactor)
			if err != nil {
				return Liquidity{}, err
			}
			if out.Collateral, err = fpmath.Add(out.Collateral, held); err != nil {
				return Liquidity{}, err
			}
			if id == modify && !redeemShares.IsZero() {
				removed, err := weightedValue(redeemShares, snap.ExchangeRate, price, lst.collateralFactor)
				if err != nil {
					return Liquidity{}, err
				}
				if out.Debt, err = fpmath.Add(out.Debt, removed); err != nil {
					return Liquidity{}, err
				}
			}
		}

		owed := snap.BorrowBalance
		if id == modify && !borrowAmount.IsZero() {
			if owed, err = fpmath.Add(owed, borrowAmount); err != nil {
				return Liquidity{}, err
			}
		}
		if !owed.IsZero() {
			value, err := fpmath.MulWadDown(owed, price)
			if err != nil {
				return Liquidity{}, err
			}
			if out.Debt, err = fpmath.Add(out.Debt, value); err != nil {
				return Liquidity{}, err
			}
		}
	}

	if out.Collateral.Gt(&out.Debt) {
		out.Excess, _ = fpmath.Sub(out.Collateral, out.Debt)
	} else {
		out.Shortfall, _ = fpmath.Sub(out.Debt, out.Collateral)
	}
	return out, nil
}

// weightedValue is shares * exchangeRate * price * factor, each 1e18-scaled.
func weightedValue(shares, exchangeRate, price, factor uint256.Int) (uint256.Int, error) {
	underlying, err := fpmath.MulWadDown(shares, exchangeRate)
	if err != nil {
		return uint256.Int{}, err
	}
	value, err := fpmath.MulWadDown(underlying, price)
	if err != nil {
		return uint256.Int{}, err
	}
	return fpmath.MulWadDown(value, factor)
}

// LiquidateUserAllowed admits a liquidation only of an account in shortfall
// and only up to the close factor of its debt in debtMarket. A Caution price
// does not block it.
func (l *Lendtroller) LiquidateUserAllowed(tx *txn.Tx, debtMarket, collateralMarket string, borrower uuid.UUID, repayAmount uint256.Int) error {
	debt, err := l.listing(debtMarket)
	if err != nil {
		return err
	}
	coll, err := l.listing(collateralMarket)
	if err != nil {
		return err
	}
	if debt.market.TokenType() != market.TokenTypeDebt || coll.market.TokenType() != market.TokenTypeCollateral {
		return fmt.Errorf("%w: liquidate %s against %s", ErrWrongTokenType, debtMarket, collateralMarket)
	}

	liq, err := l.hypothetical(borrower, "", uint256.Int{}, uint256.Int{}, tx.Now(), oracle.BadSource)
	if err != nil {
		return err
	}
	if liq.Shortfall.IsZero() {
		return fmt.Errorf("%w: %s", ErrNoShortfall, borrower)
	}

	snap, err := debt.market.AccountSnapshot(borrower)
	if err != nil {
		return err
	}
	maxClose, err := fpmath.MulWadDown(snap.BorrowBalance, l.cfg.CloseFactor)
	if err != nil {
		return err
	}
	if repayAmount.Gt(&maxClose) {
		return fmt.Errorf("%w: repaying %s, close factor allows %s", ErrTooMuchRepay, repayAmount.Dec(), maxClose.Dec())
	}
	return nil
}

func (l *Lendtroller) SeizeAllowed(_ *txn.Tx, collateralMarket, debtMarket string) error {
	if l.seizePaused {
		return ErrSeizePaused
	}
	if _, err := l.listing(collateralMarket); err != nil {
		return err
	}
	debt, err := l.listing(debtMarket)
	if err != nil {
		return err
	}
	if debt.market.TokenType() != market.TokenTypeDebt {
		return fmt.Errorf("%w: %s cannot seize, it is a %s market", ErrWrongTokenType, debtMarket, debt.market.TokenType())
	}
	return nil
}

// CalculateSeizeTokens converts a repaid debt amount into collateral shares:
//
//	actualRepaid * incentive * priceDebt / (priceCollateral * exchangeRateCollateral)
func (l *Lendtroller) CalculateSeizeTokens(tx *txn.Tx, debtMarket, collateralMarket string, actualRepaid uint256.Int) (uint256.Int, error) {
	debt, err := l.listing(debtMarket)
	if err != nil {
		return uint256.Int{}, err
	}
	coll, err := l.listing(collateralMarket)
	if err != nil {
		return uint256.Int{}, err
	}
	priceDebt, err := l.prices.PriceAtLeast(debt.market.Underlying(), tx.Now(), oracle.BadSource)
	if err != nil {
		return uint256.Int{}, err
	}
	priceColl, err := l.prices.PriceAtLeast(coll.market.Underlying(), tx.Now(), oracle.BadSource)
	if err != nil {
		return uint256.Int{}, err
	}
	rate, err := coll.market.ExchangeRate()
	if err != nil {
		return uint256.Int{}, err
	}

	numerator, err := fpmath.MulWadDown(l.cfg.LiquidationIncentive, priceDebt)
	if err != nil {
		return uint256.Int{}, err
	}
	denominator, err := fpmath.MulWadDown(priceColl, rate)
	if err != nil {
		return uint256.Int{}, err
	}
	return fpmath.MulDivDown(actualRepaid, numerator, denominator)
}
