// Package market holds the per-market share and debt accounting: debt
// markets (DToken) that lend an underlying asset and accrue interest, and
// collateral markets (CToken) that only custody it.
package market

import (
	"fmt"

	"LendLedger/internal/irm"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	// MaxBorrowRatePerSecond is roughly 1000% a year.
	MaxBorrowRatePerSecond = fpmath.U(317_097_919_837)
	// MaxReserveFactor is 50%.
	MaxReserveFactor = fpmath.U(500_000_000_000_000_000)
)

// BorrowSnapshot is an account's principal as of interestIndex.
type BorrowSnapshot struct {
	Principal     uint256.Int `json:"principal"`
	InterestIndex uint256.Int `json:"interest_index"`
}

// DebtState is the accrual state of a debt market.
type DebtState struct {
	TotalBorrows     uint256.Int `json:"total_borrows"`
	TotalReserves    uint256.Int `json:"total_reserves"`
	BorrowIndex      uint256.Int `json:"borrow_index"`
	ReserveFactor    uint256.Int `json:"reserve_factor"`
	AccrualTimestamp int64       `json:"accrual_timestamp"`
}

type DTokenConfig struct {
	ID                  string
	Admin               uuid.UUID
	InitialExchangeRate uint256.Int
	ReserveFactor       uint256.Int
	// MaxBorrowRate overrides MaxBorrowRatePerSecond when non-zero.
	MaxBorrowRate uint256.Int
	// Genesis is the first accrual timestamp.
	Genesis int64
}

// DToken is a debt market: suppliers mint shares against the underlying and
// borrowers draw it down against collateral elsewhere.
type DToken struct {
	shareLedger

	account             uuid.UUID
	admin               uuid.UUID
	underlying          Underlying
	model               irm.Model
	initialExchangeRate uint256.Int
	maxBorrowRate       uint256.Int

	state   DebtState
	borrows map[uuid.UUID]BorrowSnapshot
	lock    guard
}

func NewDToken(cfg DTokenConfig, underlying Underlying, model irm.Model, gateway RiskPolicy, gauge Gauge) (*DToken, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("dtoken: empty market id")
	}
	if underlying == nil || model == nil || gateway == nil {
		return nil, fmt.Errorf("dtoken %s: underlying, model and gateway are required", cfg.ID)
	}
	if cfg.InitialExchangeRate.IsZero() {
		return nil, fmt.Errorf("dtoken %s: zero initial exchange rate", cfg.ID)
	}
	if cfg.ReserveFactor.Gt(&MaxReserveFactor) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidReserveFactor, cfg.ReserveFactor.Dec())
	}
	maxRate := cfg.MaxBorrowRate
	if maxRate.IsZero() {
		maxRate = MaxBorrowRatePerSecond
	}
	return &DToken{
		shareLedger:         newShareLedger(cfg.ID, gateway, gauge),
		account:             ledger.MarketAccount(cfg.ID),
		admin:               cfg.Admin,
		underlying:          underlying,
		model:               model,
		initialExchangeRate: cfg.InitialExchangeRate,
		maxBorrowRate:       maxRate,
		state: DebtState{
			BorrowIndex:      fpmath.Scale,
			ReserveFactor:    cfg.ReserveFactor,
			AccrualTimestamp: cfg.Genesis,
		},
		borrows: make(map[uuid.UUID]BorrowSnapshot),
	}, nil
}

func (d *DToken) TokenType() TokenType { return TokenTypeDebt }

// Account is the custody account holding the market's cash.
func (d *DToken) Account() uuid.UUID { return d.account }

func (d *DToken) Admin() uuid.UUID { return d.admin }

func (d *DToken) Underlying() string { return d.underlying.Symbol() }

func (d *DToken) State() DebtState { return d.state }

func (d *DToken) Cash() uint256.Int {
	return d.underlying.BalanceOf(d.account)
}

// AccrueInterest brings the market up to tx.Now().
func (d *DToken) AccrueInterest(tx *txn.Tx) error {
	release, err := d.lock.enter()
	if err != nil {
		return err
	}
	defer release()
	return d.accrueInterest(tx)
}

func (d *DToken) accrueInterest(tx *txn.Tx) error {
	now := tx.Now()
	prior := d.state
	if now == prior.AccrualTimestamp {
		return nil
	}
	if now < prior.AccrualTimestamp {
		return fmt.Errorf("%w: %s accrued at %d, now %d", ErrClockRegression, d.id, prior.AccrualTimestamp, now)
	}

	cash := d.Cash()
	rate, err := d.model.BorrowRate(cash, prior.TotalBorrows, prior.TotalReserves)
	if err != nil {
		return fmt.Errorf("borrow rate: %w", err)
	}
	if rate.Gt(&d.maxBorrowRate) {
		return fmt.Errorf("%w: %s per second", ErrExcessiveRate, rate.Dec())
	}

	factor, err := fpmath.Mul(rate, fpmath.U(uint64(now-prior.AccrualTimestamp)))
	if err != nil {
		return err
	}
	interest, err := fpmath.MulWadDown(factor, prior.TotalBorrows)
	if err != nil {
		return err
	}
	indexDelta, err := fpmath.MulWadDown(factor, prior.BorrowIndex)
	if err != nil {
		return err
	}
	reserveDelta, err := fpmath.MulWadDown(prior.ReserveFactor, interest)
	if err != nil {
		return err
	}

	next := prior
	next.AccrualTimestamp = now
	if next.TotalBorrows, err = fpmath.Add(prior.TotalBorrows, interest); err != nil {
		return err
	}
	if next.BorrowIndex, err = fpmath.Add(prior.BorrowIndex, indexDelta); err != nil {
		return err
	}
	if next.TotalReserves, err = fpmath.Add(prior.TotalReserves, reserveDelta); err != nil {
		return err
	}
	txn.Set(tx, &d.state, next)

	tx.Emit(&ledger.AccrueInterest{
		MarketID:            d.id,
		CashPrior:           cash,
		InterestAccumulated: interest,
		BorrowIndex:         next.BorrowIndex,
		TotalBorrows:        next.TotalBorrows,
	})
	return nil
}

func (d *DToken) requireFresh(tx *txn.Tx) error {
	if d.state.AccrualTimestamp != tx.Now() {
		return fmt.Errorf("%w: %s accrued at %d, now %d", ErrNotFresh, d.id, d.state.AccrualTimestamp, tx.Now())
	}
	return nil
}

// ExchangeRate is underlying per share, scaled by 1e18, as of the last accrual.
func (d *DToken) ExchangeRate() (uint256.Int, error) {
	if d.totalSupply.IsZero() {
		return d.initialExchangeRate, nil
	}
	gross, err := fpmath.Add(d.Cash(), d.state.TotalBorrows)
	if err != nil {
		return uint256.Int{}, err
	}
	if gross.Lt(&d.state.TotalReserves) {
		return uint256.Int{}, fmt.Errorf("%w: %s cash+borrows %s, reserves %s",
			ErrInsolvent, d.id, gross.Dec(), d.state.TotalReserves.Dec())
	}
	net, _ := fpmath.Sub(gross, d.state.TotalReserves)
	return fpmath.MulDivDown(net, fpmath.Scale, d.totalSupply)
}

// BorrowBalance is the account's debt as of the last accrual.
func (d *DToken) BorrowBalance(account uuid.UUID) (uint256.Int, error) {
	snap, ok := d.borrows[account]
	if !ok || snap.Principal.IsZero() {
		return uint256.Int{}, nil
	}
	return fpmath.MulDivDown(snap.Principal, d.state.BorrowIndex, snap.InterestIndex)
}

func (d *DToken) BorrowSnapshot(account uuid.UUID) BorrowSnapshot {
	return d.borrows[account]
}

func (d *DToken) AccountSnapshot(account uuid.UUID) (AccountSnapshot, error) {
	owed, err := d.BorrowBalance(account)
	if err != nil {
		return AccountSnapshot{}, err
	}
	rate, err := d.ExchangeRate()
	if err != nil {
		return AccountSnapshot{}, err
	}
	return AccountSnapshot{Shares: d.balances[account], BorrowBalance: owed, ExchangeRate: rate}, nil
}

func (d *DToken) BorrowRatePerSecond() (uint256.Int, error) {
	return d.model.BorrowRate(d.Cash(), d.state.TotalBorrows, d.state.TotalReserves)
}

func (d *DToken) SupplyRatePerSecond() (uint256.Int, error) {
	return d.model.SupplyRate(d.Cash(), d.state.TotalBorrows, d.state.TotalReserves, d.state.ReserveFactor)
}

// DTokenState is the full exported state of a debt market.
type DTokenState struct {
	ID      string        `json:"id"`
	Shares  ShareState    `json:"shares"`
	Debt    DebtState     `json:"debt"`
	Borrows []BorrowState `json:"borrows"`
}

type BorrowState struct {
	Account uuid.UUID `json:"account"`
	BorrowSnapshot
}

func (d *DToken) Export() *DTokenState {
	out := &DTokenState{ID: d.id, Shares: d.exportShares(), Debt: d.state}
	for account, snap := range d.borrows {
		out.Borrows = append(out.Borrows, BorrowState{Account: account, BorrowSnapshot: snap})
	}
	sortByAccount(out.Borrows, func(b BorrowState) uuid.UUID { return b.Account })
	return out
}

func (d *DToken) Import(st *DTokenState) error {
	if st.ID != d.id {
		return fmt.Errorf("dtoken %s: importing state of %s", d.id, st.ID)
	}
	if err := d.importShares(st.Shares); err != nil {
		return err
	}
	borrows := make(map[uuid.UUID]BorrowSnapshot, len(st.Borrows))
	for _, b := range st.Borrows {
		if b.InterestIndex.IsZero() {
			return fmt.Errorf("dtoken %s: zero interest index for %s", d.id, b.Account)
		}
		borrows[b.Account] = b.BorrowSnapshot
	}
	d.state = st.Debt
	d.borrows = borrows
	return nil
}
