package market_test

import (
	"testing"

	"LendLedger/internal/asset"
	"LendLedger/internal/gauge"
	"LendLedger/internal/ledger"
	"LendLedger/internal/market"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// fixedRate is an interest model with a constant per-second borrow rate.
type fixedRate struct {
	rate uint256.Int
}

func (m fixedRate) BorrowRate(_, _, _ uint256.Int) (uint256.Int, error) {
	return m.rate, nil
}

func (m fixedRate) SupplyRate(_, _, _, _ uint256.Int) (uint256.Int, error) {
	return uint256.Int{}, nil
}

// fakePolicy allows everything unless told otherwise and records each call.
type fakePolicy struct {
	deny    map[string]error
	calls   []string
	folding uuid.UUID
	// seizeRatio is collateral shares per unit repaid, 1e18-scaled.
	seizeRatio uint256.Int
}

func newFakePolicy() *fakePolicy {
	return &fakePolicy{deny: make(map[string]error), seizeRatio: fpmath.Scale}
}

func (p *fakePolicy) check(op string) error {
	p.calls = append(p.calls, op)
	return p.deny[op]
}

func (p *fakePolicy) MintAllowed(*txn.Tx, string, uuid.UUID) error { return p.check("mint") }
func (p *fakePolicy) RedeemAllowed(*txn.Tx, string, uuid.UUID, uint256.Int) error {
	return p.check("redeem")
}
func (p *fakePolicy) BorrowAllowed(*txn.Tx, string, uuid.UUID, uint256.Int) error {
	return p.check("borrow")
}
func (p *fakePolicy) RepayAllowed(*txn.Tx, string, uuid.UUID) error { return p.check("repay") }
func (p *fakePolicy) TransferAllowed(*txn.Tx, string, uuid.UUID, uint256.Int) error {
	return p.check("transfer")
}
func (p *fakePolicy) LiquidateUserAllowed(*txn.Tx, string, string, uuid.UUID, uint256.Int) error {
	return p.check("liquidate")
}
func (p *fakePolicy) SeizeAllowed(*txn.Tx, string, string) error { return p.check("seize") }
func (p *fakePolicy) NotifyAccountBorrow(*txn.Tx, string, uuid.UUID) error {
	return p.check("notify_borrow")
}
func (p *fakePolicy) PositionFolding() uuid.UUID { return p.folding }

func (p *fakePolicy) CalculateSeizeTokens(_ *txn.Tx, _, _ string, repaid uint256.Int) (uint256.Int, error) {
	if err := p.check("seize_tokens"); err != nil {
		return uint256.Int{}, err
	}
	return fpmath.MulWadDown(repaid, p.seizeRatio)
}

type fixture struct {
	usdc   *asset.Token
	weth   *asset.Token
	policy *fakePolicy
	gauge  *gauge.Pool
	debt   *market.DToken
	coll   *market.CToken
	admin  uuid.UUID
}

type fixtureOpts struct {
	rate          uint256.Int
	reserveFactor uint256.Int
	usdcFeeBps    uint64
	collRate      uint256.Int
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	usdc, err := asset.NewToken("USDC", opts.usdcFeeBps)
	require.NoError(t, err)
	weth, err := asset.NewToken("WETH", 0)
	require.NoError(t, err)

	f := &fixture{
		usdc:   usdc,
		weth:   weth,
		policy: newFakePolicy(),
		gauge:  gauge.NewPool(nil),
		admin:  uuid.New(),
	}
	f.debt, err = market.NewDToken(market.DTokenConfig{
		ID:                  "dUSDC",
		Admin:               f.admin,
		InitialExchangeRate: fpmath.Scale,
		ReserveFactor:       opts.reserveFactor,
	}, usdc, fixedRate{rate: opts.rate}, f.policy, f.gauge)
	require.NoError(t, err)

	collRate := opts.collRate
	if collRate.IsZero() {
		collRate = fpmath.Scale
	}
	f.coll, err = market.NewCToken(market.CTokenConfig{ID: "cWETH", InitialExchangeRate: collRate}, weth, f.policy, f.gauge)
	require.NoError(t, err)
	return f
}

func (f *fixture) fund(t *testing.T, token *asset.Token, to uuid.UUID, amount uint64) {
	t.Helper()
	run(t, 0, func(tx *txn.Tx) error { return token.Faucet(tx, to, fpmath.U(amount)) })
}

// supply funds and mints amount of USDC into the debt market for account.
func (f *fixture) supply(t *testing.T, now int64, account uuid.UUID, amount uint64) {
	t.Helper()
	f.fund(t, f.usdc, account, amount)
	run(t, now, func(tx *txn.Tx) error {
		_, err := f.debt.Mint(tx, account, fpmath.U(amount), account)
		return err
	})
}

func run(t *testing.T, now int64, fn func(tx *txn.Tx) error) []ledger.Log {
	t.Helper()
	logs, err := txn.Run(now, fn)
	require.NoError(t, err)
	return logs
}

func logTypes(logs []ledger.Log) []ledger.LogType {
	out := make([]ledger.LogType, len(logs))
	for i, l := range logs {
		out[i] = l.LogType()
	}
	return out
}

func u64(x uint256.Int) uint64 {
	return x.Uint64()
}
