package gauge_test

import (
	"testing"

	"LendLedger/internal/asset"
	"LendLedger/internal/gauge"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T) (*gauge.Pool, *asset.Token) {
	t.Helper()
	rewards, err := asset.NewToken("LEND", 0)
	require.NoError(t, err)
	_, err = txn.Run(0, func(tx *txn.Tx) error {
		return rewards.Faucet(tx, gauge.Treasury, fpmath.U(1_000_000))
	})
	require.NoError(t, err)
	return gauge.NewPool(rewards), rewards
}

func run(t *testing.T, now int64, fn func(tx *txn.Tx) error) {
	t.Helper()
	_, err := txn.Run(now, fn)
	require.NoError(t, err)
}

func TestDepositWithdraw_TracksStake(t *testing.T) {
	p, _ := newPool(t)
	alice := uuid.New()

	run(t, 1, func(tx *txn.Tx) error { return p.Deposit(tx, "dUSDC", alice, fpmath.U(100)) })
	run(t, 2, func(tx *txn.Tx) error { return p.Withdraw(tx, "dUSDC", alice, fpmath.U(40)) })

	staked := p.Staked("dUSDC", alice)
	assert.Equal(t, uint64(60), staked.Uint64())
}

func TestWithdraw_MoreThanStakedFails(t *testing.T) {
	p, _ := newPool(t)
	alice := uuid.New()
	run(t, 1, func(tx *txn.Tx) error { return p.Deposit(tx, "dUSDC", alice, fpmath.U(10)) })

	_, err := txn.Run(2, func(tx *txn.Tx) error {
		return p.Withdraw(tx, "dUSDC", alice, fpmath.U(11))
	})
	require.ErrorIs(t, err, gauge.ErrInsufficientStake)

	staked := p.Staked("dUSDC", alice)
	assert.Equal(t, uint64(10), staked.Uint64())
}

func TestRewards_SplitByStakeAndTime(t *testing.T) {
	p, rewards := newPool(t)
	alice, bob := uuid.New(), uuid.New()

	run(t, 0, func(tx *txn.Tx) error { return p.SetRewardRate(tx, "dUSDC", fpmath.U(10)) })
	run(t, 0, func(tx *txn.Tx) error { return p.Deposit(tx, "dUSDC", alice, fpmath.U(100)) })
	// alice alone for 10s: 100 rewards
	run(t, 10, func(tx *txn.Tx) error { return p.Deposit(tx, "dUSDC", bob, fpmath.U(300)) })
	// both for 10s: alice 25, bob 75

	pendingAlice, err := p.PendingRewards("dUSDC", alice, 20)
	require.NoError(t, err)
	pendingBob, err := p.PendingRewards("dUSDC", bob, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(125), pendingAlice.Uint64())
	assert.Equal(t, uint64(75), pendingBob.Uint64())

	var claimed uint256.Int
	run(t, 20, func(tx *txn.Tx) error {
		var err error
		claimed, err = p.Claim(tx, "dUSDC", alice)
		return err
	})
	assert.Equal(t, uint64(125), claimed.Uint64())
	bal := rewards.BalanceOf(alice)
	assert.Equal(t, uint64(125), bal.Uint64())

	after, err := p.PendingRewards("dUSDC", alice, 20)
	require.NoError(t, err)
	assert.True(t, after.IsZero())
}

func TestClaim_WithoutRewardToken(t *testing.T) {
	p := gauge.NewPool(nil)
	_, err := txn.Run(1, func(tx *txn.Tx) error {
		_, err := p.Claim(tx, "dUSDC", uuid.New())
		return err
	})
	require.Error(t, err)
}

func TestExportImport(t *testing.T) {
	p, rewards := newPool(t)
	run(t, 0, func(tx *txn.Tx) error { return p.SetRewardRate(tx, "dUSDC", fpmath.U(3)) })
	run(t, 1, func(tx *txn.Tx) error { return p.Deposit(tx, "dUSDC", uuid.New(), fpmath.U(7)) })
	run(t, 5, func(tx *txn.Tx) error { return p.Deposit(tx, "cWETH", uuid.New(), fpmath.U(9)) })

	restored := gauge.NewPool(rewards)
	restored.Import(p.Export())
	assert.Equal(t, p.Export(), restored.Export())
}
