// Package gauge accrues emissions to market share holders. Markets notify it
// of every balance change; the pool keeps a per-share reward accumulator.
package gauge

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"LendLedger/internal/asset"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrInsufficientStake = errors.New("gauge: insufficient stake")

// Treasury funds reward claims.
var Treasury = ledger.SystemAccount("gauge")

type poolState struct {
	RewardPerSecond     uint256.Int
	AccRewardPerShare   uint256.Int // 1e18-scaled
	LastRewardTimestamp int64
	TotalStaked         uint256.Int
}

type userInfo struct {
	Staked     uint256.Int
	RewardDebt uint256.Int
	Pending    uint256.Int
}

type marketPool struct {
	state poolState
	users map[uuid.UUID]userInfo
}

// Pool tracks staked share balances per market and account.
type Pool struct {
	rewards *asset.Token
	markets map[string]*marketPool
}

// NewPool creates a gauge pool paying out in rewards. rewards may be nil, in
// which case balances are tracked but Claim fails.
func NewPool(rewards *asset.Token) *Pool {
	return &Pool{rewards: rewards, markets: make(map[string]*marketPool)}
}

func (p *Pool) market(tx *txn.Tx, market string) *marketPool {
	mp, ok := p.markets[market]
	if !ok {
		mp = &marketPool{users: make(map[uuid.UUID]userInfo)}
		txn.SetMap(tx, p.markets, market, mp)
	}
	return mp
}

// SetRewardRate changes the emission rate of a market from now on.
func (p *Pool) SetRewardRate(tx *txn.Tx, market string, perSecond uint256.Int) error {
	mp := p.market(tx, market)
	next, err := mp.accrued(tx.Now())
	if err != nil {
		return err
	}
	next.RewardPerSecond = perSecond
	txn.Set(tx, &mp.state, next)
	return nil
}

// Deposit records that account gained amount shares in market.
func (p *Pool) Deposit(tx *txn.Tx, market string, account uuid.UUID, amount uint256.Int) error {
	return p.move(tx, market, account, amount, true)
}

// Withdraw records that account lost amount shares in market.
func (p *Pool) Withdraw(tx *txn.Tx, market string, account uuid.UUID, amount uint256.Int) error {
	return p.move(tx, market, account, amount, false)
}

func (p *Pool) move(tx *txn.Tx, market string, account uuid.UUID, amount uint256.Int, deposit bool) error {
	mp := p.market(tx, market)
	state, err := mp.accrued(tx.Now())
	if err != nil {
		return err
	}
	user, err := settle(mp.users[account], state.AccRewardPerShare)
	if err != nil {
		return err
	}

	if deposit {
		if user.Staked, err = fpmath.Add(user.Staked, amount); err != nil {
			return err
		}
		if state.TotalStaked, err = fpmath.Add(state.TotalStaked, amount); err != nil {
			return err
		}
	} else {
		if user.Staked.Lt(&amount) {
			return fmt.Errorf("%w: %s staked %s in %s, withdrawing %s",
				ErrInsufficientStake, account, user.Staked.Dec(), market, amount.Dec())
		}
		user.Staked, _ = fpmath.Sub(user.Staked, amount)
		if state.TotalStaked, err = fpmath.Sub(state.TotalStaked, amount); err != nil {
			return err
		}
	}

	if user.RewardDebt, err = fpmath.MulWadDown(user.Staked, state.AccRewardPerShare); err != nil {
		return err
	}
	txn.Set(tx, &mp.state, state)
	txn.SetMap(tx, mp.users, account, user)
	return nil
}

// Claim pays out the pending rewards of account in market.
func (p *Pool) Claim(tx *txn.Tx, market string, account uuid.UUID) (uint256.Int, error) {
	if p.rewards == nil {
		return uint256.Int{}, errors.New("gauge: no reward token configured")
	}
	mp := p.market(tx, market)
	state, err := mp.accrued(tx.Now())
	if err != nil {
		return uint256.Int{}, err
	}
	user, err := settle(mp.users[account], state.AccRewardPerShare)
	if err != nil {
		return uint256.Int{}, err
	}
	amount := user.Pending
	user.Pending = uint256.Int{}

	txn.Set(tx, &mp.state, state)
	txn.SetMap(tx, mp.users, account, user)

	if !amount.IsZero() {
		if err := p.rewards.TransferOut(tx, Treasury, account, amount); err != nil {
			return uint256.Int{}, fmt.Errorf("pay rewards: %w", err)
		}
	}
	tx.Emit(&ledger.RewardsClaimed{MarketID: market, Account: account, Amount: amount})
	return amount, nil
}

// Staked returns the balance the gauge believes account holds in market.
func (p *Pool) Staked(market string, account uuid.UUID) uint256.Int {
	mp, ok := p.markets[market]
	if !ok {
		return uint256.Int{}
	}
	return mp.users[account].Staked
}

// PendingRewards is a read-only view of what Claim would pay at now.
func (p *Pool) PendingRewards(market string, account uuid.UUID, now int64) (uint256.Int, error) {
	mp, ok := p.markets[market]
	if !ok {
		return uint256.Int{}, nil
	}
	state, err := mp.accrued(now)
	if err != nil {
		return uint256.Int{}, err
	}
	user, err := settle(mp.users[account], state.AccRewardPerShare)
	if err != nil {
		return uint256.Int{}, err
	}
	return user.Pending, nil
}

// accrued returns the pool state advanced to now without writing it.
func (mp *marketPool) accrued(now int64) (poolState, error) {
	s := mp.state
	if now <= s.LastRewardTimestamp {
		return s, nil
	}
	if !s.TotalStaked.IsZero() && !s.RewardPerSecond.IsZero() {
		emitted, err := fpmath.Mul(s.RewardPerSecond, fpmath.U(uint64(now-s.LastRewardTimestamp)))
		if err != nil {
			return s, err
		}
		perShare, err := fpmath.MulDivDown(emitted, fpmath.Scale, s.TotalStaked)
		if err != nil {
			return s, err
		}
		if s.AccRewardPerShare, err = fpmath.Add(s.AccRewardPerShare, perShare); err != nil {
			return s, err
		}
	}
	s.LastRewardTimestamp = now
	return s, nil
}

func settle(u userInfo, acc uint256.Int) (userInfo, error) {
	earned, err := fpmath.MulWadDown(u.Staked, acc)
	if err != nil {
		return u, err
	}
	delta, err := fpmath.Sub(earned, u.RewardDebt)
	if err != nil {
		return u, err
	}
	if u.Pending, err = fpmath.Add(u.Pending, delta); err != nil {
		return u, err
	}
	u.RewardDebt = earned
	return u, nil
}

// StakerState is one exported account position in a gauge market.
type StakerState struct {
	Account    uuid.UUID   `json:"account"`
	Staked     uint256.Int `json:"staked"`
	RewardDebt uint256.Int `json:"reward_debt"`
	Pending    uint256.Int `json:"pending"`
}

// MarketState is the exported accumulator of one gauge market.
type MarketState struct {
	Market              string        `json:"market"`
	RewardPerSecond     uint256.Int   `json:"reward_per_second"`
	AccRewardPerShare   uint256.Int   `json:"acc_reward_per_share"`
	LastRewardTimestamp int64         `json:"last_reward_timestamp"`
	TotalStaked         uint256.Int   `json:"total_staked"`
	Stakers             []StakerState `json:"stakers"`
}

func (p *Pool) Export() []MarketState {
	names := make([]string, 0, len(p.markets))
	for name := range p.markets {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]MarketState, 0, len(names))
	for _, name := range names {
		mp := p.markets[name]
		ms := MarketState{
			Market:              name,
			RewardPerSecond:     mp.state.RewardPerSecond,
			AccRewardPerShare:   mp.state.AccRewardPerShare,
			LastRewardTimestamp: mp.state.LastRewardTimestamp,
			TotalStaked:         mp.state.TotalStaked,
		}
		for account, u := range mp.users {
			ms.Stakers = append(ms.Stakers, StakerState{Account: account, Staked: u.Staked, RewardDebt: u.RewardDebt, Pending: u.Pending})
		}
		sort.Slice(ms.Stakers, func(i, j int) bool {
			return bytes.Compare(ms.Stakers[i].Account[:], ms.Stakers[j].Account[:]) < 0
		})
		out = append(out, ms)
	}
	return out
}

func (p *Pool) Import(states []MarketState) {
	p.markets = make(map[string]*marketPool, len(states))
	for _, ms := range states {
		mp := &marketPool{
			state: poolState{
				RewardPerSecond:     ms.RewardPerSecond,
				AccRewardPerShare:   ms.AccRewardPerShare,
				LastRewardTimestamp: ms.LastRewardTimestamp,
				TotalStaked:         ms.TotalStaked,
			},
			users: make(map[uuid.UUID]userInfo, len(ms.Stakers)),
		}
		for _, s := range ms.Stakers {
			mp.users[s.Account] = userInfo{Staked: s.Staked, RewardDebt: s.RewardDebt, Pending: s.Pending}
		}
		p.markets[ms.Market] = mp
	}
}
