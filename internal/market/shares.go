package market

import (
	"bytes"
	"fmt"
	"sort"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type allowanceKey struct {
	owner   uuid.UUID
	spender uuid.UUID
}

// shareLedger is the share balance, allowance and supply bookkeeping common to
// debt and collateral markets. Every mutation is journaled on the tx.
type shareLedger struct {
	id      string
	gateway RiskPolicy
	gauge   Gauge

	totalSupply uint256.Int
	balances    map[uuid.UUID]uint256.Int
	allowances  map[allowanceKey]uint256.Int
}

func newShareLedger(id string, gateway RiskPolicy, gauge Gauge) shareLedger {
	if gauge == nil {
		gauge = nopGauge{}
	}
	return shareLedger{
		id:         id,
		gateway:    gateway,
		gauge:      gauge,
		balances:   make(map[uuid.UUID]uint256.Int),
		allowances: make(map[allowanceKey]uint256.Int),
	}
}

func (s *shareLedger) ID() string {
	return s.id
}

func (s *shareLedger) BalanceOf(account uuid.UUID) uint256.Int {
	return s.balances[account]
}

func (s *shareLedger) TotalSupply() uint256.Int {
	return s.totalSupply
}

func (s *shareLedger) Allowance(owner, spender uuid.UUID) uint256.Int {
	return s.allowances[allowanceKey{owner, spender}]
}

func (s *shareLedger) approve(tx *txn.Tx, owner, spender uuid.UUID, amount uint256.Int) {
	key := allowanceKey{owner, spender}
	if amount.IsZero() {
		txn.DeleteMap(tx, s.allowances, key)
	} else {
		txn.SetMap(tx, s.allowances, key, amount)
	}
	tx.Emit(&ledger.Approval{MarketID: s.id, Owner: owner, Spender: spender, Amount: amount})
}

// transferTokens moves shares on behalf of spender. The check order matters:
// a self transfer is rejected before anything else is consulted.
func (s *shareLedger) transferTokens(tx *txn.Tx, spender, from, to uuid.UUID, shares uint256.Int) error {
	if from == to {
		return ErrTransferNotAllowed
	}
	if err := s.gateway.TransferAllowed(tx, s.id, from, shares); err != nil {
		return fmt.Errorf("transfer %s: %w", s.id, err)
	}

	if spender != from {
		key := allowanceKey{from, spender}
		allowed := s.allowances[key]
		if allowed.Lt(&shares) {
			return fmt.Errorf("%w: %s may spend %s of %s, wants %s",
				ErrInsufficientAllowance, spender, allowed.Dec(), from, shares.Dec())
		}
		remaining, _ := fpmath.Sub(allowed, shares)
		if remaining.IsZero() {
			txn.DeleteMap(tx, s.allowances, key)
		} else {
			txn.SetMap(tx, s.allowances, key, remaining)
		}
	}

	return s.moveShares(tx, from, to, shares)
}

// moveShares debits from, credits to, notifies the gauge and emits Transfer.
// It performs no authorization; seize relies on that.
func (s *shareLedger) moveShares(tx *txn.Tx, from, to uuid.UUID, shares uint256.Int) error {
	if err := s.debit(tx, from, shares); err != nil {
		return err
	}
	if err := s.credit(tx, to, shares); err != nil {
		return err
	}
	if err := s.gauge.Withdraw(tx, s.id, from, shares); err != nil {
		return fmt.Errorf("gauge withdraw: %w", err)
	}
	if err := s.gauge.Deposit(tx, s.id, to, shares); err != nil {
		return fmt.Errorf("gauge deposit: %w", err)
	}
	tx.Emit(&ledger.Transfer{MarketID: s.id, From: from, To: to, Amount: shares})
	return nil
}

// mintShares increases supply and the recipient balance. The caller emits
// the Mint and Transfer logs.
func (s *shareLedger) mintShares(tx *txn.Tx, to uuid.UUID, shares uint256.Int) error {
	supply, err := fpmath.Add(s.totalSupply, shares)
	if err != nil {
		return err
	}
	if err := s.credit(tx, to, shares); err != nil {
		return err
	}
	txn.Set(tx, &s.totalSupply, supply)
	if err := s.gauge.Deposit(tx, s.id, to, shares); err != nil {
		return fmt.Errorf("gauge deposit: %w", err)
	}
	return nil
}

func (s *shareLedger) burnShares(tx *txn.Tx, from uuid.UUID, shares uint256.Int) error {
	if err := s.debit(tx, from, shares); err != nil {
		return err
	}
	supply, err := fpmath.Sub(s.totalSupply, shares)
	if err != nil {
		return fmt.Errorf("%w: total supply: %v", ErrLedgerDesync, err)
	}
	txn.Set(tx, &s.totalSupply, supply)
	if err := s.gauge.Withdraw(tx, s.id, from, shares); err != nil {
		return fmt.Errorf("gauge withdraw: %w", err)
	}
	return nil
}

func (s *shareLedger) debit(tx *txn.Tx, account uuid.UUID, shares uint256.Int) error {
	bal := s.balances[account]
	if bal.Lt(&shares) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s",
			ErrInsufficientShares, account, bal.Dec(), s.id, shares.Dec())
	}
	next, _ := fpmath.Sub(bal, shares)
	if next.IsZero() {
		txn.DeleteMap(tx, s.balances, account)
	} else {
		txn.SetMap(tx, s.balances, account, next)
	}
	return nil
}

func (s *shareLedger) credit(tx *txn.Tx, account uuid.UUID, shares uint256.Int) error {
	if shares.IsZero() {
		return nil
	}
	next, err := fpmath.Add(s.balances[account], shares)
	if err != nil {
		return err
	}
	txn.SetMap(tx, s.balances, account, next)
	return nil
}

// ShareBalance is one exported holder balance.
type ShareBalance struct {
	Account uuid.UUID   `json:"account"`
	Shares  uint256.Int `json:"shares"`
}

// AllowanceState is one exported owner/spender allowance.
type AllowanceState struct {
	Owner   uuid.UUID   `json:"owner"`
	Spender uuid.UUID   `json:"spender"`
	Amount  uint256.Int `json:"amount"`
}

type ShareState struct {
	TotalSupply uint256.Int      `json:"total_supply"`
	Balances    []ShareBalance   `json:"balances"`
	Allowances  []AllowanceState `json:"allowances"`
}

func (s *shareLedger) exportShares() ShareState {
	out := ShareState{TotalSupply: s.totalSupply}
	for account, bal := range s.balances {
		out.Balances = append(out.Balances, ShareBalance{Account: account, Shares: bal})
	}
	sortByAccount(out.Balances, func(b ShareBalance) uuid.UUID { return b.Account })
	for key, amount := range s.allowances {
		out.Allowances = append(out.Allowances, AllowanceState{Owner: key.owner, Spender: key.spender, Amount: amount})
	}
	sort.Slice(out.Allowances, func(i, j int) bool {
		a, b := out.Allowances[i], out.Allowances[j]
		if c := bytes.Compare(a.Owner[:], b.Owner[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Spender[:], b.Spender[:]) < 0
	})
	return out
}

func (s *shareLedger) importShares(st ShareState) error {
	var sum uint256.Int
	balances := make(map[uuid.UUID]uint256.Int, len(st.Balances))
	for _, b := range st.Balances {
		var err error
		if sum, err = fpmath.Add(sum, b.Shares); err != nil {
			return err
		}
		balances[b.Account] = b.Shares
	}
	if !sum.Eq(&st.TotalSupply) {
		return fmt.Errorf("%w: %s balances sum to %s, supply is %s", ErrLedgerDesync, s.id, sum.Dec(), st.TotalSupply.Dec())
	}
	allowances := make(map[allowanceKey]uint256.Int, len(st.Allowances))
	for _, a := range st.Allowances {
		allowances[allowanceKey{a.Owner, a.Spender}] = a.Amount
	}
	s.totalSupply = st.TotalSupply
	s.balances = balances
	s.allowances = allowances
	return nil
}

func sortByAccount[T any](s []T, key func(T) uuid.UUID) {
	sort.Slice(s, func(i, j int) bool {
		a, b := key(s[i]), key(s[j])
		return bytes.Compare(a[:], b[:]) < 0
	})
}
