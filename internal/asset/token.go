// Package asset keeps the balances of the underlying assets the markets
// custody. A market's cash is always read from here, never cached.
package asset

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("asset: insufficient balance")
	ErrTransferFailed      = errors.New("asset: transfer failed")
	ErrInvalidFee          = errors.New("asset: fee must be below 10000 bps")
)

const bpsDenominator = 10_000

// Hook runs after balances moved, inside the same transaction. It models a
// token that calls back into the receiver; a non-nil error aborts the
// transfer and everything around it.
type Hook func(tx *txn.Tx, from, to uuid.UUID, amount uint256.Int) error

// Token is an in-memory balance ledger for one underlying asset.
type Token struct {
	symbol      string
	feeBps      uint64
	feeSink     uuid.UUID
	balances    map[uuid.UUID]uint256.Int
	totalIssued uint256.Int
	hook        Hook
}

// NewToken creates a token. feeBps > 0 makes every transfer deliver less than
// the requested amount, with the difference credited to the token's fee sink.
func NewToken(symbol string, feeBps uint64) (*Token, error) {
	if feeBps >= bpsDenominator {
		return nil, fmt.Errorf("%w: %s has %d", ErrInvalidFee, symbol, feeBps)
	}
	return &Token{
		symbol:   symbol,
		feeBps:   feeBps,
		feeSink:  ledger.SystemAccount("fee:" + symbol),
		balances: make(map[uuid.UUID]uint256.Int),
	}, nil
}

func (t *Token) Symbol() string {
	return t.symbol
}

// SetHook installs a transfer callback. Passing nil removes it.
func (t *Token) SetHook(h Hook) {
	t.hook = h
}

func (t *Token) BalanceOf(account uuid.UUID) uint256.Int {
	return t.balances[account]
}

func (t *Token) TotalIssued() uint256.Int {
	return t.totalIssued
}

// Faucet issues new units to an account.
func (t *Token) Faucet(tx *txn.Tx, to uuid.UUID, amount uint256.Int) error {
	issued, err := fpmath.Add(t.totalIssued, amount)
	if err != nil {
		return fmt.Errorf("faucet %s: %w", t.symbol, err)
	}
	bal, err := fpmath.Add(t.balances[to], amount)
	if err != nil {
		return fmt.Errorf("faucet %s: %w", t.symbol, err)
	}
	txn.Set(tx, &t.totalIssued, issued)
	txn.SetMap(tx, t.balances, to, bal)
	tx.Emit(&ledger.UnderlyingTransfer{Asset: t.symbol, From: ledger.ZeroAccount, To: to, Amount: amount})
	return nil
}

// TransferIn pulls amount from `from` into `to` and returns what `to`
// actually received, measured as its balance delta.
func (t *Token) TransferIn(tx *txn.Tx, from, to uuid.UUID, amount uint256.Int) (uint256.Int, error) {
	before := t.BalanceOf(to)
	if err := t.transfer(tx, from, to, amount); err != nil {
		return uint256.Int{}, err
	}
	after := t.BalanceOf(to)
	received, err := fpmath.Sub(after, before)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: balance of receiver decreased", ErrTransferFailed)
	}
	return received, nil
}

// TransferOut pushes amount from `from` to `to`.
func (t *Token) TransferOut(tx *txn.Tx, from, to uuid.UUID, amount uint256.Int) error {
	return t.transfer(tx, from, to, amount)
}

func (t *Token) transfer(tx *txn.Tx, from, to uuid.UUID, amount uint256.Int) error {
	fromBal := t.balances[from]
	if fromBal.Lt(&amount) {
		return fmt.Errorf("%w: %s has %s %s, needs %s",
			ErrInsufficientBalance, from, fromBal.Dec(), t.symbol, amount.Dec())
	}

	fee, err := fpmath.MulDivDown(amount, fpmath.U(t.feeBps), fpmath.U(bpsDenominator))
	if err != nil {
		return fmt.Errorf("transfer %s: %w", t.symbol, err)
	}
	net, err := fpmath.Sub(amount, fee)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", t.symbol, err)
	}

	if err := t.debit(tx, from, amount); err != nil {
		return err
	}
	if err := t.credit(tx, to, net); err != nil {
		return err
	}
	tx.Emit(&ledger.UnderlyingTransfer{Asset: t.symbol, From: from, To: to, Amount: net})

	if !fee.IsZero() {
		if err := t.credit(tx, t.feeSink, fee); err != nil {
			return err
		}
		tx.Emit(&ledger.UnderlyingTransfer{Asset: t.symbol, From: from, To: t.feeSink, Amount: fee})
	}

	if t.hook != nil {
		if err := t.hook(tx, from, to, net); err != nil {
			return fmt.Errorf("%w: %s hook: %w", ErrTransferFailed, t.symbol, err)
		}
	}
	return nil
}

func (t *Token) debit(tx *txn.Tx, account uuid.UUID, amount uint256.Int) error {
	bal, err := fpmath.Sub(t.balances[account], amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
	}
	txn.SetMap(tx, t.balances, account, bal)
	return nil
}

func (t *Token) credit(tx *txn.Tx, account uuid.UUID, amount uint256.Int) error {
	bal, err := fpmath.Add(t.balances[account], amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", t.symbol, err)
	}
	txn.SetMap(tx, t.balances, account, bal)
	return nil
}

// ValidateConservation checks that balances sum to what was issued.
func (t *Token) ValidateConservation() error {
	return conserved(t.symbol, t.balances, t.totalIssued)
}

func conserved(symbol string, balances map[uuid.UUID]uint256.Int, issued uint256.Int) error {
	var sum uint256.Int
	for account, bal := range balances {
		if _, overflow := sum.AddOverflow(&sum, &bal); overflow {
			return fmt.Errorf("%s balances overflow at %s", symbol, account)
		}
	}
	if !sum.Eq(&issued) {
		return fmt.Errorf("%s balances sum to %s, issued %s", symbol, sum.Dec(), issued.Dec())
	}
	return nil
}

// Holding is one account balance in an exported token state.
type Holding struct {
	Account uuid.UUID   `json:"account"`
	Balance uint256.Int `json:"balance"`
}

// State is the serializable form of a Token. Marshal it through a pointer.
type State struct {
	Symbol      string      `json:"symbol"`
	TotalIssued uint256.Int `json:"total_issued"`
	Holdings    []Holding   `json:"holdings"`
}

// Export returns the token state with holdings sorted by account.
func (t *Token) Export() *State {
	holdings := make([]Holding, 0, len(t.balances))
	for account, bal := range t.balances {
		if bal.IsZero() {
			continue
		}
		holdings = append(holdings, Holding{Account: account, Balance: bal})
	}
	sort.Slice(holdings, func(i, j int) bool {
		return bytes.Compare(holdings[i].Account[:], holdings[j].Account[:]) < 0
	})
	return &State{Symbol: t.symbol, TotalIssued: t.totalIssued, Holdings: holdings}
}

// Import replaces the token's balances with an exported state. A state
// that does not conserve supply leaves the token untouched.
func (t *Token) Import(s *State) error {
	if s.Symbol != t.symbol {
		return fmt.Errorf("import %s: state belongs to %s", t.symbol, s.Symbol)
	}
	balances := make(map[uuid.UUID]uint256.Int, len(s.Holdings))
	for _, h := range s.Holdings {
		balances[h.Account] = h.Balance
	}
	if err := conserved(t.symbol, balances, s.TotalIssued); err != nil {
		return fmt.Errorf("import %s: %w", t.symbol, err)
	}
	t.balances = balances
	t.totalIssued = s.TotalIssued
	return nil
}
