package market

import (
	"fmt"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Mint pulls amount of the underlying from minter and credits recipient with
// shares at the pre-transfer exchange rate.
func (d *DToken) Mint(tx *txn.Tx, minter uuid.UUID, amount uint256.Int, recipient uuid.UUID) (uint256.Int, error) {
	release, err := d.lock.enter()
	if err != nil {
		return uint256.Int{}, err
	}
	defer release()

	if err := d.accrueInterest(tx); err != nil {
		return uint256.Int{}, err
	}
	if err := d.gateway.MintAllowed(tx, d.id, recipient); err != nil {
		return uint256.Int{}, fmt.Errorf("mint %s: %w", d.id, err)
	}
	rate, err := d.ExchangeRate()
	if err != nil {
		return uint256.Int{}, err
	}
	return mintAtRate(tx, &d.shareLedger, d.underlying, d.account, minter, amount, recipient, rate)
}

func mintAtRate(tx *txn.Tx, s *shareLedger, underlying Underlying, custody, minter uuid.UUID, amount uint256.Int, recipient uuid.UUID, rate uint256.Int) (uint256.Int, error) {
	received, err := underlying.TransferIn(tx, minter, custody, amount)
	if err != nil {
		return uint256.Int{}, err
	}
	shares, err := fpmath.MulDivDown(received, fpmath.Scale, rate)
	if err != nil {
		return uint256.Int{}, err
	}
	if shares.IsZero() {
		return uint256.Int{}, fmt.Errorf("%w: %s of %s at rate %s", ErrZeroShares, received.Dec(), underlying.Symbol(), rate.Dec())
	}
	if err := s.mintShares(tx, recipient, shares); err != nil {
		return uint256.Int{}, err
	}
	tx.Emit(&ledger.Mint{MarketID: s.id, Minter: minter, Recipient: recipient, MintAmount: received, MintTokens: shares})
	tx.Emit(&ledger.Transfer{MarketID: s.id, From: ledger.ZeroAccount, To: recipient, Amount: shares})
	return shares, nil
}

// Redeem burns shares and pays out their underlying value. The debt market
// does not consult RedeemAllowed on this path.
func (d *DToken) Redeem(tx *txn.Tx, redeemer uuid.UUID, shares uint256.Int) (uint256.Int, error) {
	release, err := d.lock.enter()
	if err != nil {
		return uint256.Int{}, err
	}
	defer release()

	if err := d.accrueInterest(tx); err != nil {
		return uint256.Int{}, err
	}
	if shares.IsZero() {
		return uint256.Int{}, ErrZeroShares
	}
	rate, err := d.ExchangeRate()
	if err != nil {
		return uint256.Int{}, err
	}
	amount, err := fpmath.MulWadDown(shares, rate)
	if err != nil {
		return uint256.Int{}, err
	}
	if err := redeemFresh(tx, &d.shareLedger, d.underlying, d.account, redeemer, shares, amount); err != nil {
		return uint256.Int{}, err
	}
	return amount, nil
}

// RedeemUnderlying burns however many shares amount of the underlying is
// worth, rounded down, and pays out amount.
func (d *DToken) RedeemUnderlying(tx *txn.Tx, redeemer uuid.UUID, amount uint256.Int) (uint256.Int, error) {
	release, err := d.lock.enter()
	if err != nil {
		return uint256.Int{}, err
	}
	defer release()

	if err := d.accrueInterest(tx); err != nil {
		return uint256.Int{}, err
	}
	rate, err := d.ExchangeRate()
	if err != nil {
		return uint256.Int{}, err
	}
	shares, err := sharesFor(amount, rate)
	if err != nil {
		return uint256.Int{}, err
	}
	if err := d.gateway.RedeemAllowed(tx, d.id, redeemer, shares); err != nil {
		return uint256.Int{}, fmt.Errorf("redeem %s: %w", d.id, err)
	}
	if err := redeemFresh(tx, &d.shareLedger, d.underlying, d.account, redeemer, shares, amount); err != nil {
		return uint256.Int{}, err
	}
	return shares, nil
}

func sharesFor(amount, rate uint256.Int) (uint256.Int, error) {
	if amount.IsZero() {
		return uint256.Int{}, ErrZeroAmount
	}
	shares, err := fpmath.MulDivDown(amount, fpmath.Scale, rate)
	if err != nil {
		return uint256.Int{}, err
	}
	if shares.IsZero() {
		return uint256.Int{}, fmt.Errorf("%w: %s at rate %s", ErrDegenerateRedemption, amount.Dec(), rate.Dec())
	}
	return shares, nil
}

func redeemFresh(tx *txn.Tx, s *shareLedger, underlying Underlying, custody, redeemer uuid.UUID, shares, amount uint256.Int) error {
	cash := underlying.BalanceOf(custody)
	if cash.Lt(&amount) {
		return fmt.Errorf("%w: %s holds %s, redeeming %s", ErrInsufficientCash, s.id, cash.Dec(), amount.Dec())
	}
	if err := s.burnShares(tx, redeemer, shares); err != nil {
		return err
	}
	if err := underlying.TransferOut(tx, custody, redeemer, amount); err != nil {
		return err
	}
	tx.Emit(&ledger.Redeem{MarketID: s.id, Redeemer: redeemer, RedeemAmount: amount, RedeemTokens: shares})
	tx.Emit(&ledger.Transfer{MarketID: s.id, From: redeemer, To: ledger.ZeroAccount, Amount: shares})
	return nil
}

// Borrow lends amount to borrower and sends it to recipient.
func (d *DToken) Borrow(tx *txn.Tx, borrower uuid.UUID, amount uint256.Int, recipient uuid.UUID) error {
	release, err := d.lock.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := d.accrueInterest(tx); err != nil {
		return err
	}
	if err := d.gateway.BorrowAllowed(tx, d.id, borrower, amount); err != nil {
		return fmt.Errorf("borrow %s: %w", d.id, err)
	}
	return d.borrow(tx, borrower, amount, recipient)
}

func (d *DToken) borrow(tx *txn.Tx, borrower uuid.UUID, amount uint256.Int, recipient uuid.UUID) error {
	if err := d.requireFresh(tx); err != nil {
		return err
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	cash := d.Cash()
	if cash.Lt(&amount) {
		return fmt.Errorf("%w: %s holds %s, borrowing %s", ErrInsufficientCash, d.id, cash.Dec(), amount.Dec())
	}

	owed, err := d.BorrowBalance(borrower)
	if err != nil {
		return err
	}
	accountBorrows, err := fpmath.Add(owed, amount)
	if err != nil {
		return err
	}
	totalBorrows, err := fpmath.Add(d.state.TotalBorrows, amount)
	if err != nil {
		return err
	}
	txn.SetMap(tx, d.borrows, borrower, BorrowSnapshot{Principal: accountBorrows, InterestIndex: d.state.BorrowIndex})
	txn.Set(tx, &d.state.TotalBorrows, totalBorrows)

	if err := d.underlying.TransferOut(tx, d.account, recipient, amount); err != nil {
		return err
	}
	tx.Emit(&ledger.Borrow{
		MarketID:       d.id,
		Borrower:       borrower,
		Recipient:      recipient,
		BorrowAmount:   amount,
		AccountBorrows: accountBorrows,
		TotalBorrows:   totalBorrows,
	})
	return nil
}

// Repay pays down borrower's debt from payer. A zero amount repays it all.
func (d *DToken) Repay(tx *txn.Tx, payer, borrower uuid.UUID, amount uint256.Int) (uint256.Int, error) {
	release, err := d.lock.enter()
	if err != nil {
		return uint256.Int{}, err
	}
	defer release()

	if err := d.accrueInterest(tx); err != nil {
		return uint256.Int{}, err
	}
	return d.repay(tx, payer, borrower, amount)
}

func (d *DToken) repay(tx *txn.Tx, payer, borrower uuid.UUID, amount uint256.Int) (uint256.Int, error) {
	if err := d.requireFresh(tx); err != nil {
		return uint256.Int{}, err
	}
	if err := d.gateway.RepayAllowed(tx, d.id, borrower); err != nil {
		return uint256.Int{}, fmt.Errorf("repay %s: %w", d.id, err)
	}

	owed, err := d.BorrowBalance(borrower)
	if err != nil {
		return uint256.Int{}, err
	}
	if amount.IsZero() {
		amount = owed
	}
	if amount.Gt(&owed) {
		return uint256.Int{}, fmt.Errorf("%w: repaying %s, %s owes %s", ErrExcessiveValue, amount.Dec(), borrower, owed.Dec())
	}
	if amount.IsZero() {
		return uint256.Int{}, nil
	}

	received, err := d.underlying.TransferIn(tx, payer, d.account, amount)
	if err != nil {
		return uint256.Int{}, err
	}
	accountBorrows, _ := fpmath.Sub(owed, received)
	totalBorrows, err := fpmath.Sub(d.state.TotalBorrows, received)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: %s total borrows: %v", ErrLedgerDesync, d.id, err)
	}

	if accountBorrows.IsZero() {
		txn.DeleteMap(tx, d.borrows, borrower)
	} else {
		txn.SetMap(tx, d.borrows, borrower, BorrowSnapshot{Principal: accountBorrows, InterestIndex: d.state.BorrowIndex})
	}
	txn.Set(tx, &d.state.TotalBorrows, totalBorrows)

	tx.Emit(&ledger.Repay{
		MarketID:       d.id,
		Payer:          payer,
		Borrower:       borrower,
		RepayAmount:    received,
		AccountBorrows: accountBorrows,
		TotalBorrows:   totalBorrows,
	})
	return received, nil
}

// BorrowForPositionFolding borrows on behalf of user and sends the funds to
// the folding contract. The folding caller checks solvency once the whole
// fold has run, so only the borrow notification is made here.
func (d *DToken) BorrowForPositionFolding(tx *txn.Tx, caller, user uuid.UUID, amount uint256.Int) error {
	release, err := d.lock.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := d.requireFolding(caller); err != nil {
		return err
	}
	if err := d.accrueInterest(tx); err != nil {
		return err
	}
	if err := d.gateway.NotifyAccountBorrow(tx, d.id, user); err != nil {
		return fmt.Errorf("borrow %s: %w", d.id, err)
	}
	return d.borrow(tx, user, amount, caller)
}

func (d *DToken) RepayForPositionFolding(tx *txn.Tx, caller, user uuid.UUID, amount uint256.Int) (uint256.Int, error) {
	release, err := d.lock.enter()
	if err != nil {
		return uint256.Int{}, err
	}
	defer release()

	if err := d.requireFolding(caller); err != nil {
		return uint256.Int{}, err
	}
	if err := d.accrueInterest(tx); err != nil {
		return uint256.Int{}, err
	}
	return d.repay(tx, caller, user, amount)
}

func (d *DToken) requireFolding(caller uuid.UUID) error {
	folding := d.gateway.PositionFolding()
	if folding == uuid.Nil || caller != folding {
		return fmt.Errorf("%w: %s is not the position folding account", ErrUnauthorized, caller)
	}
	return nil
}

func (d *DToken) Transfer(tx *txn.Tx, caller, to uuid.UUID, shares uint256.Int) error {
	release, err := d.lock.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := d.accrueInterest(tx); err != nil {
		return err
	}
	return d.transferTokens(tx, caller, caller, to, shares)
}

func (d *DToken) TransferFrom(tx *txn.Tx, spender, from, to uuid.UUID, shares uint256.Int) error {
	release, err := d.lock.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := d.accrueInterest(tx); err != nil {
		return err
	}
	return d.transferTokens(tx, spender, from, to, shares)
}

func (d *DToken) Approve(tx *txn.Tx, owner, spender uuid.UUID, amount uint256.Int) error {
	release, err := d.lock.enter()
	if err != nil {
		return err
	}
	defer release()

	d.approve(tx, owner, spender, amount)
	return nil
}

// AddReserves pulls amount from caller straight into reserves.
func (d *DToken) AddReserves(tx *txn.Tx, caller uuid.UUID, amount uint256.Int) error {
	release, err := d.lock.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := d.accrueInterest(tx); err != nil {
		return err
	}
	received, err := d.underlying.TransferIn(tx, caller, d.account, amount)
	if err != nil {
		return err
	}
	reserves, err := fpmath.Add(d.state.TotalReserves, received)
	if err != nil {
		return err
	}
	txn.Set(tx, &d.state.TotalReserves, reserves)
	tx.Emit(&ledger.ReservesAdded{MarketID: d.id, Benefactor: caller, AddAmount: received, TotalReserves: reserves})
	return nil
}

// ReduceReserves sends amount of reserves to the admin.
func (d *DToken) ReduceReserves(tx *txn.Tx, caller uuid.UUID, amount uint256.Int) error {
	release, err := d.lock.enter()
	if err != nil {
		return err
	}
	defer release()

	if caller != d.admin {
		return fmt.Errorf("%w: %s is not admin of %s", ErrUnauthorized, caller, d.id)
	}
	if err := d.accrueInterest(tx); err != nil {
		return err
	}
	cash := d.Cash()
	if cash.Lt(&amount) {
		return fmt.Errorf("%w: %s holds %s, reducing %s", ErrInsufficientCash, d.id, cash.Dec(), amount.Dec())
	}
	if amount.Gt(&d.state.TotalReserves) {
		return fmt.Errorf("%w: reducing %s of %s reserves", ErrExcessiveValue, amount.Dec(), d.state.TotalReserves.Dec())
	}
	reserves, _ := fpmath.Sub(d.state.TotalReserves, amount)
	txn.Set(tx, &d.state.TotalReserves, reserves)
	if err := d.underlying.TransferOut(tx, d.account, d.admin, amount); err != nil {
		return err
	}
	tx.Emit(&ledger.ReservesReduced{MarketID: d.id, Admin: caller, ReduceAmount: amount, TotalReserves: reserves})
	return nil
}

// SetReserveFactor accrues at the old factor before switching.
func (d *DToken) SetReserveFactor(tx *txn.Tx, caller uuid.UUID, factor uint256.Int) error {
	release, err := d.lock.enter()
	if err != nil {
		return err
	}
	defer release()

	if caller != d.admin {
		return fmt.Errorf("%w: %s is not admin of %s", ErrUnauthorized, caller, d.id)
	}
	if factor.Gt(&MaxReserveFactor) {
		return fmt.Errorf("%w: %s above %s", ErrInvalidReserveFactor, factor.Dec(), MaxReserveFactor.Dec())
	}
	if err := d.accrueInterest(tx); err != nil {
		return err
	}
	old := d.state.ReserveFactor
	txn.Set(tx, &d.state.ReserveFactor, factor)
	tx.Emit(&ledger.NewReserveFactor{MarketID: d.id, Old: old, New: factor})
	return nil
}
