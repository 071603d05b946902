package market_test

import (
	"errors"
	"testing"

	"LendLedger/internal/asset"
	"LendLedger/internal/ledger"
	"LendLedger/internal/market"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDenied = errors.New("denied")

// 1e11 per second over 1e6 seconds grows the index by exactly 10%.
var tenPercentRate = fpmath.U(100_000_000_000)

const tenPercentElapsed = 1_000_000

func TestAccrueInterest_IdempotentAtSameTimestamp(t *testing.T) {
	f := newFixture(t, fixtureOpts{rate: tenPercentRate})
	lender, borrower := uuid.New(), uuid.New()
	f.supply(t, 0, lender, 10_000)
	run(t, 0, func(tx *txn.Tx) error { return f.debt.Borrow(tx, borrower, fpmath.U(1_000), borrower) })

	first := run(t, 100, func(tx *txn.Tx) error { return f.debt.AccrueInterest(tx) })
	require.Len(t, first, 1)
	assert.Equal(t, ledger.LogTypeAccrueInterest, first[0].LogType())
	after := f.debt.State()

	second := run(t, 100, func(tx *txn.Tx) error { return f.debt.AccrueInterest(tx) })
	assert.Empty(t, second)
	assert.Equal(t, after, f.debt.State())
}

func TestAccrueInterest_MonotonicIndex(t *testing.T) {
	f := newFixture(t, fixtureOpts{rate: tenPercentRate})
	f.supply(t, 0, uuid.New(), 10_000)
	borrower := uuid.New()
	run(t, 0, func(tx *txn.Tx) error { return f.debt.Borrow(tx, borrower, fpmath.U(5_000), borrower) })

	prev := f.debt.State()
	for _, now := range []int64{1, 10, 1_000, 50_000, 1_000_000} {
		run(t, now, func(tx *txn.Tx) error { return f.debt.AccrueInterest(tx) })
		cur := f.debt.State()
		assert.False(t, cur.BorrowIndex.Lt(&prev.BorrowIndex), "index decreased at %d", now)
		assert.False(t, cur.TotalBorrows.Lt(&prev.TotalBorrows), "borrows decreased at %d", now)
		assert.Equal(t, now, cur.AccrualTimestamp)
		prev = cur
	}
}

func TestAccrueInterest_ClockRegression(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	run(t, 100, func(tx *txn.Tx) error { return f.debt.AccrueInterest(tx) })

	_, err := txn.Run(50, func(tx *txn.Tx) error { return f.debt.AccrueInterest(tx) })
	require.ErrorIs(t, err, market.ErrClockRegression)
	assert.Equal(t, int64(100), f.debt.State().AccrualTimestamp)
}

func TestAccrueInterest_RateAboveCeiling(t *testing.T) {
	tooHigh, _ := fpmath.Add(market.MaxBorrowRatePerSecond, fpmath.U(1))
	f := newFixture(t, fixtureOpts{rate: tooHigh})

	_, err := txn.Run(1, func(tx *txn.Tx) error { return f.debt.AccrueInterest(tx) })
	require.ErrorIs(t, err, market.ErrExcessiveRate)
	assert.Equal(t, int64(0), f.debt.State().AccrualTimestamp)
}

func TestBorrowBalance_GrowsWithIndex(t *testing.T) {
	f := newFixture(t, fixtureOpts{rate: tenPercentRate})
	borrower := uuid.New()
	f.supply(t, 0, uuid.New(), 10_000)

	run(t, 0, func(tx *txn.Tx) error { return f.debt.Borrow(tx, borrower, fpmath.U(1_000), borrower) })
	run(t, tenPercentElapsed, func(tx *txn.Tx) error { return f.debt.AccrueInterest(tx) })

	owed, err := f.debt.BorrowBalance(borrower)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_100), u64(owed))
	state := f.debt.State()
	assert.Equal(t, uint64(1_100), u64(state.TotalBorrows))
	assert.Equal(t, "1100000000000000000", state.BorrowIndex.Dec())
}

func TestAccrueInterest_ReserveFactorShare(t *testing.T) {
	f := newFixture(t, fixtureOpts{rate: tenPercentRate, reserveFactor: fpmath.U(100_000_000_000_000_000)})
	f.supply(t, 0, uuid.New(), 20_000)
	borrower := uuid.New()
	run(t, 0, func(tx *txn.Tx) error { return f.debt.Borrow(tx, borrower, fpmath.U(10_000), borrower) })

	logs := run(t, tenPercentElapsed, func(tx *txn.Tx) error { return f.debt.AccrueInterest(tx) })
	require.Len(t, logs, 1)
	accrued := logs[0].(*ledger.AccrueInterest)
	assert.Equal(t, uint64(1_000), u64(accrued.InterestAccumulated))
	assert.Equal(t, uint64(10_000), u64(accrued.CashPrior))

	state := f.debt.State()
	assert.Equal(t, uint64(100), u64(state.TotalReserves))
	assert.Equal(t, uint64(11_000), u64(state.TotalBorrows))

	// cash + borrows - reserves = 10000 + 11000 - 100 over 20000 shares
	rate, err := f.debt.ExchangeRate()
	require.NoError(t, err)
	assert.Equal(t, "1045000000000000000", rate.Dec())

	cash := f.debt.Cash()
	gross, err := fpmath.Add(cash, state.TotalBorrows)
	require.NoError(t, err)
	assert.False(t, gross.Lt(&state.TotalReserves))
}

func TestMint_FirstMintUsesInitialRate(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	alice := uuid.New()
	f.fund(t, f.usdc, alice, 1_000)

	var shares uint256.Int
	logs := run(t, 0, func(tx *txn.Tx) error {
		var err error
		shares, err = f.debt.Mint(tx, alice, fpmath.U(1_000), alice)
		return err
	})

	assert.Equal(t, uint64(1_000), u64(shares))
	assert.Equal(t, []ledger.LogType{
		ledger.LogTypeUnderlyingTransfer,
		ledger.LogTypeMint,
		ledger.LogTypeTransfer,
	}, logTypes(logs))
	mint := logs[1].(*ledger.Mint)
	assert.Equal(t, alice, mint.Recipient)
	assert.Equal(t, uint64(1_000), u64(mint.MintTokens))

	bal := f.debt.BalanceOf(alice)
	assert.Equal(t, uint64(1_000), u64(bal))
	staked := f.gauge.Staked("dUSDC", alice)
	assert.Equal(t, uint64(1_000), u64(staked))
}

func TestMint_FeeOnTransferCreditsReceived(t *testing.T) {
	f := newFixture(t, fixtureOpts{usdcFeeBps: 100})
	alice := uuid.New()
	f.fund(t, f.usdc, alice, 1_000)

	var shares uint256.Int
	run(t, 0, func(tx *txn.Tx) error {
		var err error
		shares, err = f.debt.Mint(tx, alice, fpmath.U(1_000), alice)
		return err
	})
	assert.Equal(t, uint64(990), u64(shares))
	cash := f.debt.Cash()
	assert.Equal(t, uint64(990), u64(cash))
}

func TestMint_ZeroSharesRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, err := txn.Run(0, func(tx *txn.Tx) error {
		_, err := f.debt.Mint(tx, uuid.New(), uint256.Int{}, uuid.New())
		return err
	})
	require.ErrorIs(t, err, market.ErrZeroShares)
}

func TestMint_DeniedLeavesNoTrace(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	alice := uuid.New()
	f.fund(t, f.usdc, alice, 1_000)
	f.policy.deny["mint"] = errDenied

	_, err := txn.Run(0, func(tx *txn.Tx) error {
		_, err := f.debt.Mint(tx, alice, fpmath.U(1_000), alice)
		return err
	})
	require.ErrorIs(t, err, errDenied)
	bal := f.usdc.BalanceOf(alice)
	assert.Equal(t, uint64(1_000), u64(bal))
	supply := f.debt.TotalSupply()
	assert.True(t, supply.IsZero())
}

func TestMintRedeem_RoundTripNeverGains(t *testing.T) {
	f := newFixture(t, fixtureOpts{rate: tenPercentRate, reserveFactor: fpmath.U(100_000_000_000_000_000)})
	f.supply(t, 0, uuid.New(), 20_000)
	borrower := uuid.New()
	run(t, 0, func(tx *txn.Tx) error { return f.debt.Borrow(tx, borrower, fpmath.U(10_000), borrower) })

	carol := uuid.New()
	f.fund(t, f.usdc, carol, 1_000)
	var shares, redeemed uint256.Int
	run(t, tenPercentElapsed, func(tx *txn.Tx) error {
		var err error
		shares, err = f.debt.Mint(tx, carol, fpmath.U(1_000), carol)
		return err
	})
	run(t, tenPercentElapsed, func(tx *txn.Tx) error {
		var err error
		redeemed, err = f.debt.Redeem(tx, carol, shares)
		return err
	})

	assert.Equal(t, uint64(956), u64(shares))
	assert.LessOrEqual(t, u64(redeemed), uint64(1_000))
	assert.Greater(t, u64(redeemed), uint64(0))
	bal := f.debt.BalanceOf(carol)
	assert.True(t, bal.IsZero())
}

func TestRedeemUnderlying_InsufficientCash(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	alice, bob := uuid.New(), uuid.New()
	f.supply(t, 0, alice, 1_000)
	run(t, 0, func(tx *txn.Tx) error { return f.debt.Borrow(tx, bob, fpmath.U(900), bob) })

	_, err := txn.Run(0, func(tx *txn.Tx) error {
		_, err := f.debt.RedeemUnderlying(tx, alice, fpmath.U(101))
		return err
	})
	require.ErrorIs(t, err, market.ErrInsufficientCash)

	var shares uint256.Int
	run(t, 0, func(tx *txn.Tx) error {
		var err error
		shares, err = f.debt.RedeemUnderlying(tx, alice, fpmath.U(100))
		return err
	})
	assert.Equal(t, uint64(100), u64(shares))
	cash := f.debt.Cash()
	assert.True(t, cash.IsZero())
	bal := f.usdc.BalanceOf(alice)
	assert.Equal(t, uint64(100), u64(bal))
}

func TestRedeem_RawSharesSkipsRedeemAllowed(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	alice := uuid.New()
	f.supply(t, 0, alice, 1_000)
	f.policy.deny["redeem"] = errDenied

	_, err := txn.Run(0, func(tx *txn.Tx) error {
		_, err := f.debt.RedeemUnderlying(tx, alice, fpmath.U(10))
		return err
	})
	require.ErrorIs(t, err, errDenied)

	var amount uint256.Int
	run(t, 0, func(tx *txn.Tx) error {
		var err error
		amount, err = f.debt.Redeem(tx, alice, fpmath.U(10))
		return err
	})
	assert.Equal(t, uint64(10), u64(amount))
	staked := f.gauge.Staked("dUSDC", alice)
	assert.Equal(t, uint64(990), u64(staked))
}

func TestBorrow_InsufficientCash(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.supply(t, 0, uuid.New(), 100)

	_, err := txn.Run(0, func(tx *txn.Tx) error {
		return f.debt.Borrow(tx, uuid.New(), fpmath.U(101), uuid.New())
	})
	require.ErrorIs(t, err, market.ErrInsufficientCash)
	state := f.debt.State()
	assert.True(t, state.TotalBorrows.IsZero())
}

func TestBorrow_SendsToRecipient(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.supply(t, 0, uuid.New(), 1_000)
	borrower, recipient := uuid.New(), uuid.New()

	logs := run(t, 0, func(tx *txn.Tx) error { return f.debt.Borrow(tx, borrower, fpmath.U(300), recipient) })

	got := f.usdc.BalanceOf(recipient)
	assert.Equal(t, uint64(300), u64(got))
	owed, err := f.debt.BorrowBalance(borrower)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), u64(owed))

	borrow := logs[len(logs)-1].(*ledger.Borrow)
	assert.Equal(t, uint64(300), u64(borrow.AccountBorrows))
	assert.Equal(t, uint64(300), u64(borrow.TotalBorrows))
	assert.Contains(t, f.policy.calls, "borrow")
}

func TestRepay_ZeroMeansFullBalance(t *testing.T) {
	f := newFixture(t, fixtureOpts{rate: tenPercentRate})
	f.supply(t, 0, uuid.New(), 10_000)
	borrower := uuid.New()
	run(t, 0, func(tx *txn.Tx) error { return f.debt.Borrow(tx, borrower, fpmath.U(1_000), borrower) })
	f.fund(t, f.usdc, borrower, 100)

	var repaid uint256.Int
	run(t, tenPercentElapsed, func(tx *txn.Tx) error {
		var err error
		repaid, err = f.debt.Repay(tx, borrower, borrower, uint256.Int{})
		return err
	})

	assert.Equal(t, uint64(1_100), u64(repaid))
	owed, err := f.debt.BorrowBalance(borrower)
	require.NoError(t, err)
	assert.True(t, owed.IsZero())
	state := f.debt.State()
	assert.True(t, state.TotalBorrows.IsZero())
}

func TestRepay_MoreThanOwedRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.supply(t, 0, uuid.New(), 1_000)
	borrower := uuid.New()
	run(t, 0, func(tx *txn.Tx) error { return f.debt.Borrow(tx, borrower, fpmath.U(500), borrower) })

	_, err := txn.Run(0, func(tx *txn.Tx) error {
		_, err := f.debt.Repay(tx, borrower, borrower, fpmath.U(501))
		return err
	})
	require.ErrorIs(t, err, market.ErrExcessiveValue)
}

func TestRepay_OnBehalf(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.supply(t, 0, uuid.New(), 1_000)
	borrower, payer := uuid.New(), uuid.New()
	run(t, 0, func(tx *txn.Tx) error { return f.debt.Borrow(tx, borrower, fpmath.U(500), borrower) })
	f.fund(t, f.usdc, payer, 200)

	logs := run(t, 0, func(tx *txn.Tx) error {
		_, err := f.debt.Repay(tx, payer, borrower, fpmath.U(200))
		return err
	})

	repay := logs[len(logs)-1].(*ledger.Repay)
	assert.Equal(t, payer, repay.Payer)
	assert.Equal(t, borrower, repay.Borrower)
	assert.Equal(t, uint64(300), u64(repay.AccountBorrows))
	paid := f.usdc.BalanceOf(payer)
	assert.True(t, paid.IsZero())
}

func TestPositionFolding_RequiresFoldingCaller(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.supply(t, 0, uuid.New(), 1_000)
	user, folder := uuid.New(), uuid.New()

	_, err := txn.Run(0, func(tx *txn.Tx) error {
		return f.debt.BorrowForPositionFolding(tx, folder, user, fpmath.U(100))
	})
	require.ErrorIs(t, err, market.ErrUnauthorized)

	f.policy.folding = folder
	f.policy.calls = nil
	run(t, 0, func(tx *txn.Tx) error { return f.debt.BorrowForPositionFolding(tx, folder, user, fpmath.U(100)) })

	assert.Equal(t, []string{"notify_borrow"}, f.policy.calls)
	got := f.usdc.BalanceOf(folder)
	assert.Equal(t, uint64(100), u64(got))
	owed, err := f.debt.BorrowBalance(user)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), u64(owed))

	_, err = txn.Run(0, func(tx *txn.Tx) error {
		_, err := f.debt.RepayForPositionFolding(tx, user, user, fpmath.U(100))
		return err
	})
	require.ErrorIs(t, err, market.ErrUnauthorized)

	run(t, 0, func(tx *txn.Tx) error {
		_, err := f.debt.RepayForPositionFolding(tx, folder, user, fpmath.U(100))
		return err
	})
	owed, err = f.debt.BorrowBalance(user)
	require.NoError(t, err)
	assert.True(t, owed.IsZero())
}

func TestReentrancy_HookCannotReenterMarket(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	alice := uuid.New()
	f.fund(t, f.usdc, alice, 1_000)

	f.usdc.SetHook(func(tx *txn.Tx, from, _ uuid.UUID, _ uint256.Int) error {
		_, err := f.debt.Mint(tx, from, fpmath.U(1), from)
		return err
	})
	_, err := txn.Run(0, func(tx *txn.Tx) error {
		_, err := f.debt.Mint(tx, alice, fpmath.U(500), alice)
		return err
	})
	require.ErrorIs(t, err, market.ErrReentrancy)
	require.ErrorIs(t, err, asset.ErrTransferFailed)

	supply := f.debt.TotalSupply()
	assert.True(t, supply.IsZero())
	bal := f.usdc.BalanceOf(alice)
	assert.Equal(t, uint64(1_000), u64(bal))

	// the guard is released once the failed call unwinds
	f.usdc.SetHook(nil)
	run(t, 0, func(tx *txn.Tx) error {
		_, err := f.debt.Mint(tx, alice, fpmath.U(500), alice)
		return err
	})
	supply = f.debt.TotalSupply()
	assert.Equal(t, uint64(500), u64(supply))
}

func TestReserves_AddReduceAndFactor(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	donor := uuid.New()
	f.fund(t, f.usdc, donor, 50)

	run(t, 0, func(tx *txn.Tx) error { return f.debt.AddReserves(tx, donor, fpmath.U(50)) })
	assert.Equal(t, uint64(50), u64(f.debt.State().TotalReserves))

	_, err := txn.Run(0, func(tx *txn.Tx) error { return f.debt.ReduceReserves(tx, donor, fpmath.U(10)) })
	require.ErrorIs(t, err, market.ErrUnauthorized)

	_, err = txn.Run(0, func(tx *txn.Tx) error { return f.debt.ReduceReserves(tx, f.admin, fpmath.U(60)) })
	require.ErrorIs(t, err, market.ErrInsufficientCash)

	run(t, 0, func(tx *txn.Tx) error { return f.debt.ReduceReserves(tx, f.admin, fpmath.U(50)) })
	state := f.debt.State()
	assert.True(t, state.TotalReserves.IsZero())
	got := f.usdc.BalanceOf(f.admin)
	assert.Equal(t, uint64(50), u64(got))

	_, err = txn.Run(0, func(tx *txn.Tx) error {
		return f.debt.SetReserveFactor(tx, f.admin, fpmath.U(600_000_000_000_000_000))
	})
	require.ErrorIs(t, err, market.ErrInvalidReserveFactor)

	logs := run(t, 0, func(tx *txn.Tx) error {
		return f.debt.SetReserveFactor(tx, f.admin, fpmath.U(200_000_000_000_000_000))
	})
	assert.Equal(t, []ledger.LogType{ledger.LogTypeNewReserveFactor}, logTypes(logs))
	state = f.debt.State()
	assert.Equal(t, "200000000000000000", state.ReserveFactor.Dec())
}

func TestReduceReserves_ExceedsReserves(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.supply(t, 0, uuid.New(), 1_000)

	_, err := txn.Run(0, func(tx *txn.Tx) error { return f.debt.ReduceReserves(tx, f.admin, fpmath.U(1)) })
	require.ErrorIs(t, err, market.ErrExcessiveValue)
}

func TestDToken_ExportImport(t *testing.T) {
	f := newFixture(t, fixtureOpts{rate: tenPercentRate})
	alice, bob := uuid.New(), uuid.New()
	f.supply(t, 0, alice, 5_000)
	run(t, 0, func(tx *txn.Tx) error { return f.debt.Borrow(tx, bob, fpmath.U(1_000), bob) })
	run(t, 10, func(tx *txn.Tx) error { return f.debt.Approve(tx, alice, bob, fpmath.U(7)) })

	exported := f.debt.Export()
	restored, err := market.NewDToken(market.DTokenConfig{
		ID:                  "dUSDC",
		Admin:               f.admin,
		InitialExchangeRate: fpmath.Scale,
	}, f.usdc, fixedRate{rate: tenPercentRate}, f.policy, f.gauge)
	require.NoError(t, err)
	require.NoError(t, restored.Import(exported))

	assert.Equal(t, exported, restored.Export())
	owed, err := restored.BorrowBalance(bob)
	require.NoError(t, err)
	want, err := f.debt.BorrowBalance(bob)
	require.NoError(t, err)
	assert.Equal(t, want, owed)
	allowance := restored.Allowance(alice, bob)
	assert.Equal(t, uint64(7), u64(allowance))
}
