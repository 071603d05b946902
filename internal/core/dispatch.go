package core

import (
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/lendtroller"
	"LendLedger/internal/market"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// shareMarket is the share surface both market kinds expose.
type shareMarket interface {
	Redeem(tx *txn.Tx, redeemer uuid.UUID, shares uint256.Int) (uint256.Int, error)
	RedeemUnderlying(tx *txn.Tx, redeemer uuid.UUID, amount uint256.Int) (uint256.Int, error)
	Transfer(tx *txn.Tx, caller, to uuid.UUID, shares uint256.Int) error
	TransferFrom(tx *txn.Tx, spender, from, to uuid.UUID, shares uint256.Int) error
	Approve(tx *txn.Tx, owner, spender uuid.UUID, amount uint256.Int) error
}

var (
	_ shareMarket = (*market.DToken)(nil)
	_ shareMarket = (*market.CToken)(nil)
)

// dispatch applies one command inside tx. Any error rolls back the whole
// command.
func (c *DeterministicCore) dispatch(tx *txn.Tx, evt event.Event) error {
	switch e := evt.(type) {
	case *event.AccrueInterest:
		return c.handleAccrueInterest(tx, e)
	case *event.Mint:
		return c.handleMint(tx, e)
	case *event.Redeem:
		return c.withShares(e.Market, func(m shareMarket) error {
			_, err := m.Redeem(tx, e.Redeemer, e.Shares)
			return err
		})
	case *event.RedeemUnderlying:
		return c.withShares(e.Market, func(m shareMarket) error {
			_, err := m.RedeemUnderlying(tx, e.Redeemer, e.Amount)
			return err
		})
	case *event.Transfer:
		return c.withShares(e.Market, func(m shareMarket) error {
			return m.Transfer(tx, e.From, e.To, e.Shares)
		})
	case *event.TransferFrom:
		return c.withShares(e.Market, func(m shareMarket) error {
			return m.TransferFrom(tx, e.Spender, e.From, e.To, e.Shares)
		})
	case *event.Approve:
		return c.withShares(e.Market, func(m shareMarket) error {
			return m.Approve(tx, e.Owner, e.Spender, e.Amount)
		})
	case *event.Borrow:
		return c.handleBorrow(tx, e)
	case *event.Repay:
		return c.handleRepay(tx, e)
	case *event.LiquidateUser:
		return c.handleLiquidateUser(tx, e)
	case *event.BorrowForPositionFolding:
		d, err := c.proto.DebtMarket(e.Market)
		if err != nil {
			return err
		}
		return d.BorrowForPositionFolding(tx, e.Caller, e.User, e.Amount)
	case *event.RepayForPositionFolding:
		d, err := c.proto.DebtMarket(e.Market)
		if err != nil {
			return err
		}
		_, err = d.RepayForPositionFolding(tx, e.Caller, e.User, e.Amount)
		return err
	case *event.AddReserves:
		d, err := c.proto.DebtMarket(e.Market)
		if err != nil {
			return err
		}
		return d.AddReserves(tx, e.Caller, e.Amount)
	case *event.ReduceReserves:
		d, err := c.proto.DebtMarket(e.Market)
		if err != nil {
			return err
		}
		return d.ReduceReserves(tx, e.Caller, e.Amount)
	case *event.SetReserveFactor:
		d, err := c.proto.DebtMarket(e.Market)
		if err != nil {
			return err
		}
		return d.SetReserveFactor(tx, e.Caller, e.Factor)
	case *event.EnterMarkets:
		return c.proto.Lendtroller.EnterMarkets(tx, e.Account, e.Markets)
	case *event.ExitMarket:
		return c.proto.Lendtroller.ExitMarket(tx, e.Account, e.Market)
	case *event.SetCollateralFactor:
		return c.proto.Lendtroller.SetCollateralFactor(tx, e.Caller, e.Market, e.Factor)
	case *event.SetPaused:
		return c.proto.Lendtroller.SetPaused(tx, e.Caller, lendtroller.Action(e.Action), e.Market, e.Paused)
	case *event.PriceUpdate:
		return c.handlePriceUpdate(tx, e)
	case *event.ClaimRewards:
		if _, err := c.proto.Market(e.Market); err != nil {
			return err
		}
		_, err := c.proto.Gauge.Claim(tx, e.Market, e.Account)
		return err
	case *event.Faucet:
		tok, err := c.proto.Asset(e.Asset)
		if err != nil {
			return err
		}
		return tok.Faucet(tx, e.Account, e.Amount)
	default:
		return fmt.Errorf("unknown command type: %T", evt)
	}
}

func (c *DeterministicCore) handleAccrueInterest(tx *txn.Tx, e *event.AccrueInterest) error {
	d, err := c.proto.DebtMarket(e.Market)
	if err != nil {
		return err
	}
	return d.AccrueInterest(tx)
}

// handleMint supplies to a debt market or deposits into a collateral
// market. A zero recipient means the minter.
func (c *DeterministicCore) handleMint(tx *txn.Tx, e *event.Mint) error {
	m, err := c.proto.Market(e.Market)
	if err != nil {
		return err
	}
	recipient := e.Recipient
	if recipient == uuid.Nil {
		recipient = e.Minter
	}
	switch mk := m.(type) {
	case *market.DToken:
		_, err = mk.Mint(tx, e.Minter, e.Amount, recipient)
	case *market.CToken:
		_, err = mk.Deposit(tx, e.Minter, e.Amount, recipient)
	default:
		err = fmt.Errorf("market %s has unsupported type %T", e.Market, m)
	}
	return err
}

func (c *DeterministicCore) handleBorrow(tx *txn.Tx, e *event.Borrow) error {
	d, err := c.proto.DebtMarket(e.Market)
	if err != nil {
		return err
	}
	recipient := e.Recipient
	if recipient == uuid.Nil {
		recipient = e.Borrower
	}
	return d.Borrow(tx, e.Borrower, e.Amount, recipient)
}

// handleRepay pays down Borrower's debt; a zero borrower repays the payer's
// own.
func (c *DeterministicCore) handleRepay(tx *txn.Tx, e *event.Repay) error {
	d, err := c.proto.DebtMarket(e.Market)
	if err != nil {
		return err
	}
	borrower := e.Borrower
	if borrower == uuid.Nil {
		borrower = e.Payer
	}
	_, err = d.Repay(tx, e.Payer, borrower, e.Amount)
	return err
}

func (c *DeterministicCore) handleLiquidateUser(tx *txn.Tx, e *event.LiquidateUser) error {
	d, err := c.proto.DebtMarket(e.Market)
	if err != nil {
		return err
	}
	target, err := c.proto.Market(e.CollateralMarket)
	if err != nil {
		return err
	}
	collateral, ok := target.(market.Collateral)
	if !ok {
		return fmt.Errorf("%w: %s", market.ErrInvalidSeizeTokenType, e.CollateralMarket)
	}
	_, err = d.LiquidateUser(tx, e.Liquidator, e.Borrower, e.RepayAmount, collateral)
	return err
}

// handlePriceUpdate records a feed observation. A zero UpdatedAt means the
// command time.
func (c *DeterministicCore) handlePriceUpdate(tx *txn.Tx, e *event.PriceUpdate) error {
	if _, err := c.proto.Asset(e.Asset); err != nil {
		return err
	}
	updatedAt := e.UpdatedAt
	if updatedAt == 0 {
		updatedAt = tx.Now()
	}
	return c.proto.Oracle.Update(tx, e.Asset, e.Feed, e.Price, updatedAt)
}

func (c *DeterministicCore) withShares(id string, fn func(shareMarket) error) error {
	m, err := c.proto.Market(id)
	if err != nil {
		return err
	}
	sm, ok := m.(shareMarket)
	if !ok {
		return fmt.Errorf("market %s has unsupported type %T", id, m)
	}
	return fn(sm)
}
