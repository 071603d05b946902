package market

import (
	"fmt"

	"LendLedger/internal/ledger"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// LiquidationResult reports what a liquidation actually moved.
type LiquidationResult struct {
	ActualRepaid uint256.Int
	SeizeTokens  uint256.Int
}

// LiquidateUser repays part of borrower's debt in this market on behalf of
// liquidator and seizes the equivalent collateral shares, plus incentive,
// from collateral. Either every step lands or the tx rolls all of them back.
func (d *DToken) LiquidateUser(tx *txn.Tx, liquidator, borrower uuid.UUID, repayAmount uint256.Int, collateral Collateral) (LiquidationResult, error) {
	release, err := d.lock.enter()
	if err != nil {
		return LiquidationResult{}, err
	}
	defer release()

	if borrower == liquidator {
		return LiquidationResult{}, ErrSelfLiquidationNotAllowed
	}
	if collateral == nil || collateral.TokenType() != TokenTypeCollateral {
		return LiquidationResult{}, ErrInvalidSeizeTokenType
	}
	// A zero repay would mean "everything" to repay() and skip the close factor.
	if repayAmount.IsZero() {
		return LiquidationResult{}, ErrZeroAmount
	}

	if err := d.accrueInterest(tx); err != nil {
		return LiquidationResult{}, err
	}
	if err := d.gateway.LiquidateUserAllowed(tx, d.id, collateral.ID(), borrower, repayAmount); err != nil {
		return LiquidationResult{}, fmt.Errorf("liquidate %s: %w", d.id, err)
	}

	repaid, err := d.repay(tx, liquidator, borrower, repayAmount)
	if err != nil {
		return LiquidationResult{}, err
	}

	seizeTokens, err := d.gateway.CalculateSeizeTokens(tx, d.id, collateral.ID(), repaid)
	if err != nil {
		return LiquidationResult{}, fmt.Errorf("seize tokens: %w", err)
	}
	held := collateral.BalanceOf(borrower)
	if held.Lt(&seizeTokens) {
		return LiquidationResult{}, fmt.Errorf("%w: seizing %s %s, borrower holds %s",
			ErrExcessiveValue, seizeTokens.Dec(), collateral.ID(), held.Dec())
	}
	if err := collateral.Seize(tx, d.id, liquidator, borrower, seizeTokens); err != nil {
		return LiquidationResult{}, err
	}

	tx.Emit(&ledger.Liquidated{
		MarketID:         d.id,
		Liquidator:       liquidator,
		Borrower:         borrower,
		RepayAmount:      repaid,
		CollateralMarket: collateral.ID(),
		SeizeTokens:      seizeTokens,
	})
	return LiquidationResult{ActualRepaid: repaid, SeizeTokens: seizeTokens}, nil
}
