package market

import "errors"

// Resource insufficiency: retry with a smaller amount or wait for liquidity.
var (
	ErrInsufficientCash = errors.New("market: insufficient cash")
)

// Invariant and input guards. These abort the whole command.
var (
	ErrInsufficientShares    = errors.New("market: insufficient share balance")
	ErrInsufficientAllowance = errors.New("market: insufficient allowance")
	ErrTransferNotAllowed    = errors.New("market: transfer to self not allowed")
	ErrDegenerateRedemption  = errors.New("market: redemption rounds to zero shares")
	ErrZeroShares            = errors.New("market: zero shares")
	ErrZeroAmount            = errors.New("market: zero amount")
	ErrExcessiveValue        = errors.New("market: excessive value")
	ErrInsolvent             = errors.New("market: reserves exceed cash plus borrows")
	ErrLedgerDesync          = errors.New("market: ledger desync")
	ErrInvalidReserveFactor  = errors.New("market: invalid reserve factor")
)

// Staleness and configuration.
var (
	ErrExcessiveRate   = errors.New("market: borrow rate above ceiling")
	ErrClockRegression = errors.New("market: timestamp before last accrual")
	ErrNotFresh        = errors.New("market: interest not accrued to now")
)

// Authorization and liquidation entry guards.
var (
	ErrUnauthorized              = errors.New("market: unauthorized caller")
	ErrSelfLiquidationNotAllowed = errors.New("market: borrower cannot liquidate self")
	ErrInvalidSeizeTokenType     = errors.New("market: seize target is not a collateral market")
)

var ErrReentrancy = errors.New("market: reentrant call")
