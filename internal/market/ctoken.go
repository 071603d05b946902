package market

import (
	"fmt"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type CTokenConfig struct {
	ID                  string
	InitialExchangeRate uint256.Int
}

// CToken is a collateral market. Shares track a pro-rata claim on the
// custodied underlying; nothing is lent out.
type CToken struct {
	shareLedger

	account             uuid.UUID
	underlying          Underlying
	initialExchangeRate uint256.Int
	lock                guard
}

func NewCToken(cfg CTokenConfig, underlying Underlying, gateway RiskPolicy, gauge Gauge) (*CToken, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("ctoken: empty market id")
	}
	if underlying == nil || gateway == nil {
		return nil, fmt.Errorf("ctoken %s: underlying and gateway are required", cfg.ID)
	}
	if cfg.InitialExchangeRate.IsZero() {
		return nil, fmt.Errorf("ctoken %s: zero initial exchange rate", cfg.ID)
	}
	return &CToken{
		shareLedger:         newShareLedger(cfg.ID, gateway, gauge),
		account:             ledger.MarketAccount(cfg.ID),
		underlying:          underlying,
		initialExchangeRate: cfg.InitialExchangeRate,
	}, nil
}

func (c *CToken) TokenType() TokenType { return TokenTypeCollateral }

func (c *CToken) Account() uuid.UUID { return c.account }

func (c *CToken) Underlying() string { return c.underlying.Symbol() }

func (c *CToken) Cash() uint256.Int {
	return c.underlying.BalanceOf(c.account)
}

func (c *CToken) ExchangeRate() (uint256.Int, error) {
	if c.totalSupply.IsZero() {
		return c.initialExchangeRate, nil
	}
	return fpmath.MulDivDown(c.Cash(), fpmath.Scale, c.totalSupply)
}

func (c *CToken) AccountSnapshot(account uuid.UUID) (AccountSnapshot, error) {
	rate, err := c.ExchangeRate()
	if err != nil {
		return AccountSnapshot{}, err
	}
	return AccountSnapshot{Shares: c.balances[account], ExchangeRate: rate}, nil
}

// Deposit is the collateral side of Mint.
func (c *CToken) Deposit(tx *txn.Tx, caller uuid.UUID, amount uint256.Int, recipient uuid.UUID) (uint256.Int, error) {
	release, err := c.lock.enter()
	if err != nil {
		return uint256.Int{}, err
	}
	defer release()

	if err := c.gateway.MintAllowed(tx, c.id, recipient); err != nil {
		return uint256.Int{}, fmt.Errorf("deposit %s: %w", c.id, err)
	}
	rate, err := c.ExchangeRate()
	if err != nil {
		return uint256.Int{}, err
	}
	return mintAtRate(tx, &c.shareLedger, c.underlying, c.account, caller, amount, recipient, rate)
}

func (c *CToken) Redeem(tx *txn.Tx, redeemer uuid.UUID, shares uint256.Int) (uint256.Int, error) {
	release, err := c.lock.enter()
	if err != nil {
		return uint256.Int{}, err
	}
	defer release()

	if shares.IsZero() {
		return uint256.Int{}, ErrZeroShares
	}
	if err := c.gateway.RedeemAllowed(tx, c.id, redeemer, shares); err != nil {
		return uint256.Int{}, fmt.Errorf("redeem %s: %w", c.id, err)
	}
	rate, err := c.ExchangeRate()
	if err != nil {
		return uint256.Int{}, err
	}
	amount, err := fpmath.MulWadDown(shares, rate)
	if err != nil {
		return uint256.Int{}, err
	}
	if err := redeemFresh(tx, &c.shareLedger, c.underlying, c.account, redeemer, shares, amount); err != nil {
		return uint256.Int{}, err
	}
	return amount, nil
}

func (c *CToken) RedeemUnderlying(tx *txn.Tx, redeemer uuid.UUID, amount uint256.Int) (uint256.Int, error) {
	release, err := c.lock.enter()
	if err != nil {
		return uint256.Int{}, err
	}
	defer release()

	rate, err := c.ExchangeRate()
	if err != nil {
		return uint256.Int{}, err
	}
	shares, err := sharesFor(amount, rate)
	if err != nil {
		return uint256.Int{}, err
	}
	if err := c.gateway.RedeemAllowed(tx, c.id, redeemer, shares); err != nil {
		return uint256.Int{}, fmt.Errorf("redeem %s: %w", c.id, err)
	}
	if err := redeemFresh(tx, &c.shareLedger, c.underlying, c.account, redeemer, shares, amount); err != nil {
		return uint256.Int{}, err
	}
	return shares, nil
}

// Seize moves shares from borrower to liquidator on behalf of the debt
// market seizerMarket. Allowances, the self-transfer guard and
// TransferAllowed are all bypassed.
func (c *CToken) Seize(tx *txn.Tx, seizerMarket string, liquidator, borrower uuid.UUID, shares uint256.Int) error {
	release, err := c.lock.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := c.gateway.SeizeAllowed(tx, c.id, seizerMarket); err != nil {
		return fmt.Errorf("seize %s: %w", c.id, err)
	}
	return c.moveShares(tx, borrower, liquidator, shares)
}

func (c *CToken) Transfer(tx *txn.Tx, caller, to uuid.UUID, shares uint256.Int) error {
	release, err := c.lock.enter()
	if err != nil {
		return err
	}
	defer release()
	return c.transferTokens(tx, caller, caller, to, shares)
}

func (c *CToken) TransferFrom(tx *txn.Tx, spender, from, to uuid.UUID, shares uint256.Int) error {
	release, err := c.lock.enter()
	if err != nil {
		return err
	}
	defer release()
	return c.transferTokens(tx, spender, from, to, shares)
}

func (c *CToken) Approve(tx *txn.Tx, owner, spender uuid.UUID, amount uint256.Int) error {
	release, err := c.lock.enter()
	if err != nil {
		return err
	}
	defer release()
	c.approve(tx, owner, spender, amount)
	return nil
}

type CTokenState struct {
	ID     string     `json:"id"`
	Shares ShareState `json:"shares"`
}

func (c *CToken) Export() *CTokenState {
	return &CTokenState{ID: c.id, Shares: c.exportShares()}
}

func (c *CToken) Import(st *CTokenState) error {
	if st.ID != c.id {
		return fmt.Errorf("ctoken %s: importing state of %s", c.id, st.ID)
	}
	return c.importShares(st.Shares)
}
