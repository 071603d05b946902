// Package lendtroller is the risk policy every market consults before it
// changes state: listings, pause switches, market membership, account
// liquidity and the liquidation parameters.
package lendtroller

import (
	"errors"
	"fmt"
	"slices"

	"LendLedger/internal/ledger"
	"LendLedger/internal/market"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/oracle"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Authorization failures.
var (
	ErrNotListed             = errors.New("lendtroller: market not listed")
	ErrAlreadyListed         = errors.New("lendtroller: market already listed")
	ErrMintPaused            = errors.New("lendtroller: mint paused")
	ErrBorrowPaused          = errors.New("lendtroller: borrow paused")
	ErrTransferPaused        = errors.New("lendtroller: transfer paused")
	ErrSeizePaused           = errors.New("lendtroller: seize paused")
	ErrInsufficientLiquidity = errors.New("lendtroller: insufficient liquidity")
	ErrNoShortfall           = errors.New("lendtroller: account has no shortfall")
	ErrTooMuchRepay          = errors.New("lendtroller: repay exceeds close factor")
	ErrHoldPeriod            = errors.New("lendtroller: minimum hold period not elapsed")
	ErrExitWithDebt          = errors.New("lendtroller: cannot exit a market with outstanding debt")
	ErrWrongTokenType        = errors.New("lendtroller: wrong token type for operation")
	ErrUnauthorized          = errors.New("lendtroller: unauthorized caller")
	ErrInvalidParameter      = errors.New("lendtroller: invalid parameter")
)

var (
	// MaxCollateralFactor is 90%.
	MaxCollateralFactor = fpmath.U(900_000_000_000_000_000)
	// MaxLiquidationIncentive is 150%.
	MaxLiquidationIncentive = fpmath.U(1_500_000_000_000_000_000)
)

// Market is the view of a listed market the policy needs.
type Market interface {
	ID() string
	TokenType() market.TokenType
	Underlying() string
	AccountSnapshot(account uuid.UUID) (market.AccountSnapshot, error)
	ExchangeRate() (uint256.Int, error)
}

// Prices grades and returns asset prices.
type Prices interface {
	PriceAtLeast(asset string, now int64, breakpoint oracle.ErrorCode) (uint256.Int, error)
}

type Config struct {
	Admin                uuid.UUID
	CloseFactor          uint256.Int
	LiquidationIncentive uint256.Int
	MinHoldPeriod        int64
	PositionFolding      uuid.UUID
}

func (c Config) validate() error {
	if c.CloseFactor.IsZero() || c.CloseFactor.Gt(&fpmath.Scale) {
		return fmt.Errorf("%w: close factor %s", ErrInvalidParameter, c.CloseFactor.Dec())
	}
	if c.LiquidationIncentive.Lt(&fpmath.Scale) || c.LiquidationIncentive.Gt(&MaxLiquidationIncentive) {
		return fmt.Errorf("%w: liquidation incentive %s", ErrInvalidParameter, c.LiquidationIncentive.Dec())
	}
	if c.MinHoldPeriod < 0 {
		return fmt.Errorf("%w: negative hold period", ErrInvalidParameter)
	}
	return nil
}

type listing struct {
	market           Market
	collateralFactor uint256.Int
	mintPaused       bool
	borrowPaused     bool
}

// Lendtroller is the reference market.RiskPolicy.
type Lendtroller struct {
	cfg    Config
	prices Prices

	markets        map[string]*listing
	transferPaused bool
	seizePaused    bool

	accountMarkets map[uuid.UUID][]string
	lastBorrow     map[uuid.UUID]int64
}

var _ market.RiskPolicy = (*Lendtroller)(nil)

func New(cfg Config, prices Prices) (*Lendtroller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if prices == nil {
		return nil, fmt.Errorf("%w: nil price source", ErrInvalidParameter)
	}
	return &Lendtroller{
		cfg:            cfg,
		prices:         prices,
		markets:        make(map[string]*listing),
		accountMarkets: make(map[uuid.UUID][]string),
		lastBorrow:     make(map[uuid.UUID]int64),
	}, nil
}

// SupportMarket lists m. Only collateral markets may carry a collateral
// factor. Listing happens while the protocol is assembled, outside any tx.
func (l *Lendtroller) SupportMarket(m Market, collateralFactor uint256.Int) error {
	if _, ok := l.markets[m.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyListed, m.ID())
	}
	if err := checkCollateralFactor(m, collateralFactor); err != nil {
		return err
	}
	l.markets[m.ID()] = &listing{market: m, collateralFactor: collateralFactor}
	return nil
}

func checkCollateralFactor(m Market, cf uint256.Int) error {
	if cf.Gt(&MaxCollateralFactor) {
		return fmt.Errorf("%w: collateral factor %s above %s", ErrInvalidParameter, cf.Dec(), MaxCollateralFactor.Dec())
	}
	if m.TokenType() != market.TokenTypeCollateral && !cf.IsZero() {
		return fmt.Errorf("%w: %s is a %s market", ErrWrongTokenType, m.ID(), m.TokenType())
	}
	return nil
}

func (l *Lendtroller) Config() Config { return l.cfg }

func (l *Lendtroller) IsListed(id string) bool {
	_, ok := l.markets[id]
	return ok
}

// Markets returns the listed market ids, sorted.
func (l *Lendtroller) Markets() []string {
	out := make([]string, 0, len(l.markets))
	for id := range l.markets {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (l *Lendtroller) CollateralFactor(id string) (uint256.Int, error) {
	lst, err := l.listing(id)
	if err != nil {
		return uint256.Int{}, err
	}
	return lst.collateralFactor, nil
}

func (l *Lendtroller) listing(id string) (*listing, error) {
	lst, ok := l.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotListed, id)
	}
	return lst, nil
}

func (l *Lendtroller) requireAdmin(caller uuid.UUID) error {
	if caller != l.cfg.Admin {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	return nil
}

func (l *Lendtroller) SetCollateralFactor(tx *txn.Tx, caller uuid.UUID, id string, cf uint256.Int) error {
	if err := l.requireAdmin(caller); err != nil {
		return err
	}
	lst, err := l.listing(id)
	if err != nil {
		return err
	}
	if err := checkCollateralFactor(lst.market, cf); err != nil {
		return err
	}
	txn.Set(tx, &lst.collateralFactor, cf)
	return nil
}

// Action names a pausable operation.
type Action string

const (
	ActionMint     Action = "mint"
	ActionBorrow   Action = "borrow"
	ActionTransfer Action = "transfer"
	ActionSeize    Action = "seize"
)

// SetPaused flips a pause switch. Mint and borrow are per market; transfer
// and seize are global and ignore id.
func (l *Lendtroller) SetPaused(tx *txn.Tx, caller uuid.UUID, action Action, id string, paused bool) error {
	if err := l.requireAdmin(caller); err != nil {
		return err
	}
	switch action {
	case ActionMint, ActionBorrow:
		lst, err := l.listing(id)
		if err != nil {
			return err
		}
		if action == ActionMint {
			txn.Set(tx, &lst.mintPaused, paused)
		} else {
			txn.Set(tx, &lst.borrowPaused, paused)
		}
	case ActionTransfer:
		txn.Set(tx, &l.transferPaused, paused)
	case ActionSeize:
		txn.Set(tx, &l.seizePaused, paused)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidParameter, action)
	}
	return nil
}

// AssetsIn returns the markets account has entered, in entry order.
func (l *Lendtroller) AssetsIn(account uuid.UUID) []string {
	return slices.Clone(l.accountMarkets[account])
}

func (l *Lendtroller) inMarket(account uuid.UUID, id string) bool {
	return slices.Contains(l.accountMarkets[account], id)
}

// LastBorrow is the timestamp of the account's most recent borrow, or 0.
func (l *Lendtroller) LastBorrow(account uuid.UUID) int64 {
	return l.lastBorrow[account]
}

func (l *Lendtroller) EnterMarkets(tx *txn.Tx, account uuid.UUID, ids []string) error {
	for _, id := range ids {
		if _, err := l.listing(id); err != nil {
			return err
		}
		l.enter(tx, account, id)
	}
	return nil
}

func (l *Lendtroller) enter(tx *txn.Tx, account uuid.UUID, id string) {
	if l.inMarket(account, id) {
		return
	}
	next := append(slices.Clone(l.accountMarkets[account]), id)
	txn.SetMap(tx, l.accountMarkets, account, next)
	tx.Emit(&ledger.MarketEntered{MarketID: id, Account: account})
}

// ExitMarket removes id from the account's liquidity calculation. It is
// refused while the account borrows there or when dropping the collateral
// would leave a shortfall.
func (l *Lendtroller) ExitMarket(tx *txn.Tx, account uuid.UUID, id string) error {
	lst, err := l.listing(id)
	if err != nil {
		return err
	}
	if !l.inMarket(account, id) {
		return nil
	}
	snap, err := lst.market.AccountSnapshot(account)
	if err != nil {
		return err
	}
	if !snap.BorrowBalance.IsZero() {
		return fmt.Errorf("%w: %s in %s", ErrExitWithDebt, account, id)
	}
	if err := l.requireNoShortfall(tx, account, id, snap.Shares, uint256.Int{}, oracle.Caution); err != nil {
		return err
	}

	next := slices.DeleteFunc(slices.Clone(l.accountMarkets[account]), func(m string) bool { return m == id })
	if len(next) == 0 {
		txn.DeleteMap(tx, l.accountMarkets, account)
	} else {
		txn.SetMap(tx, l.accountMarkets, account, next)
	}
	tx.Emit(&ledger.MarketExited{MarketID: id, Account: account})
	return nil
}

func (l *Lendtroller) MintAllowed(_ *txn.Tx, id string, _ uuid.UUID) error {
	lst, err := l.listing(id)
	if err != nil {
		return err
	}
	if lst.mintPaused {
		return fmt.Errorf("%w: %s", ErrMintPaused, id)
	}
	return nil
}

func (l *Lendtroller) RedeemAllowed(tx *txn.Tx, id string, account uuid.UUID, shares uint256.Int) error {
	lst, err := l.listing(id)
	if err != nil {
		return err
	}
	return l.redeemAllowed(tx, lst, account, shares)
}

func (l *Lendtroller) redeemAllowed(tx *txn.Tx, lst *listing, account uuid.UUID, shares uint256.Int) error {
	id := lst.market.ID()
	if lst.market.TokenType() == market.TokenTypeCollateral {
		if last, ok := l.lastBorrow[account]; ok && tx.Now()-last < l.cfg.MinHoldPeriod {
			return fmt.Errorf("%w: %s borrowed at %d, now %d", ErrHoldPeriod, account, last, tx.Now())
		}
	}
	if !l.inMarket(account, id) {
		return nil
	}
	return l.requireNoShortfall(tx, account, id, shares, uint256.Int{}, oracle.Caution)
}

func (l *Lendtroller) TransferAllowed(tx *txn.Tx, id string, from uuid.UUID, shares uint256.Int) error {
	if l.transferPaused {
		return ErrTransferPaused
	}
	lst, err := l.listing(id)
	if err != nil {
		return err
	}
	return l.redeemAllowed(tx, lst, from, shares)
}

// BorrowAllowed enters the borrower into the market, checks the
// post-borrow position and records the borrow time.
func (l *Lendtroller) BorrowAllowed(tx *txn.Tx, id string, borrower uuid.UUID, amount uint256.Int) error {
	lst, err := l.listing(id)
	if err != nil {
		return err
	}
	if lst.market.TokenType() != market.TokenTypeDebt {
		return fmt.Errorf("%w: borrow from %s", ErrWrongTokenType, id)
	}
	if lst.borrowPaused {
		return fmt.Errorf("%w: %s", ErrBorrowPaused, id)
	}
	l.enter(tx, borrower, id)
	if err := l.requireNoShortfall(tx, borrower, id, uint256.Int{}, amount, oracle.Caution); err != nil {
		return err
	}
	txn.SetMap(tx, l.lastBorrow, borrower, tx.Now())
	return nil
}

func (l *Lendtroller) RepayAllowed(_ *txn.Tx, id string, _ uuid.UUID) error {
	_, err := l.listing(id)
	return err
}

// NotifyAccountBorrow records a borrow that bypassed BorrowAllowed.
func (l *Lendtroller) NotifyAccountBorrow(tx *txn.Tx, id string, borrower uuid.UUID) error {
	lst, err := l.listing(id)
	if err != nil {
		return err
	}
	if lst.borrowPaused {
		return fmt.Errorf("%w: %s", ErrBorrowPaused, id)
	}
	l.enter(tx, borrower, id)
	txn.SetMap(tx, l.lastBorrow, borrower, tx.Now())
	return nil
}

func (l *Lendtroller) PositionFolding() uuid.UUID {
	return l.cfg.PositionFolding
}
