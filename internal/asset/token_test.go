package asset_test

import (
	"errors"
	"testing"

	"LendLedger/internal/asset"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustToken(t *testing.T, feeBps uint64) *asset.Token {
	t.Helper()
	tok, err := asset.NewToken("USDC", feeBps)
	require.NoError(t, err)
	return tok
}

func fund(t *testing.T, tok *asset.Token, to uuid.UUID, amount uint64) {
	t.Helper()
	_, err := txn.Run(1, func(tx *txn.Tx) error {
		return tok.Faucet(tx, to, fpmath.U(amount))
	})
	require.NoError(t, err)
}

func TestTransferIn_ReturnsReceived(t *testing.T) {
	tok := mustToken(t, 0)
	alice, market := uuid.New(), ledger.MarketAccount("dUSDC")
	fund(t, tok, alice, 1000)

	var received uint256.Int
	logs, err := txn.Run(2, func(tx *txn.Tx) error {
		var err error
		received, err = tok.TransferIn(tx, alice, market, fpmath.U(400))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(400), received.Uint64())
	bal := tok.BalanceOf(alice)
	assert.Equal(t, uint64(600), bal.Uint64())
	require.Len(t, logs, 1)
	assert.Equal(t, ledger.LogTypeUnderlyingTransfer, logs[0].LogType())
	require.NoError(t, tok.ValidateConservation())
}

func TestTransferIn_FeeOnTransfer(t *testing.T) {
	tok := mustToken(t, 100) // 1%
	alice, market := uuid.New(), ledger.MarketAccount("dUSDC")
	fund(t, tok, alice, 1000)

	var received uint256.Int
	_, err := txn.Run(2, func(tx *txn.Tx) error {
		var err error
		received, err = tok.TransferIn(tx, alice, market, fpmath.U(1000))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(990), received.Uint64())
	require.NoError(t, tok.ValidateConservation())
}

func TestTransfer_InsufficientBalanceFailsLoudly(t *testing.T) {
	tok := mustToken(t, 0)
	alice := uuid.New()
	fund(t, tok, alice, 10)

	_, err := txn.Run(2, func(tx *txn.Tx) error {
		return tok.TransferOut(tx, alice, uuid.New(), fpmath.U(11))
	})
	require.ErrorIs(t, err, asset.ErrInsufficientBalance)
	bal := tok.BalanceOf(alice)
	assert.Equal(t, uint64(10), bal.Uint64())
}

func TestTransfer_HookFailureRollsBack(t *testing.T) {
	tok := mustToken(t, 0)
	alice, bob := uuid.New(), uuid.New()
	fund(t, tok, alice, 100)

	tok.SetHook(func(tx *txn.Tx, from, to uuid.UUID, amount uint256.Int) error {
		return errors.New("receiver rejected")
	})

	_, err := txn.Run(2, func(tx *txn.Tx) error {
		return tok.TransferOut(tx, alice, bob, fpmath.U(50))
	})
	require.ErrorIs(t, err, asset.ErrTransferFailed)

	aliceBal, bobBal := tok.BalanceOf(alice), tok.BalanceOf(bob)
	assert.Equal(t, uint64(100), aliceBal.Uint64())
	assert.True(t, bobBal.IsZero())
}

func TestExportImport_RoundTrip(t *testing.T) {
	tok := mustToken(t, 0)
	fund(t, tok, uuid.New(), 100)
	fund(t, tok, uuid.New(), 250)

	restored := mustToken(t, 0)
	require.NoError(t, restored.Import(tok.Export()))
	assert.Equal(t, tok.Export(), restored.Export())

	other, err := asset.NewToken("WETH", 0)
	require.NoError(t, err)
	require.Error(t, other.Import(tok.Export()))
}

func TestImport_UnbalancedStateLeavesTokenUntouched(t *testing.T) {
	alice := uuid.New()
	tok := mustToken(t, 0)
	fund(t, tok, alice, 100)
	before := tok.Export()

	bad := &asset.State{
		Symbol:      "USDC",
		TotalIssued: fpmath.U(500),
		Holdings:    []asset.Holding{{Account: uuid.New(), Balance: fpmath.U(400)}},
	}
	require.Error(t, tok.Import(bad))
	assert.Equal(t, before, tok.Export())
	assert.NoError(t, tok.ValidateConservation())
}

func TestNewToken_RejectsFullFee(t *testing.T) {
	_, err := asset.NewToken("BAD", 10_000)
	require.ErrorIs(t, err, asset.ErrInvalidFee)
}
