package oracle_test

import (
	"testing"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/oracle"
	"LendLedger/internal/txn"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T) *oracle.Router {
	t.Helper()
	dev, err := fpmath.FromDecimal(decimal.RequireFromString("0.05"))
	require.NoError(t, err)
	return oracle.NewRouter(oracle.Config{MaxAge: 3600, MaxDeviation: dev})
}

func update(t *testing.T, r *oracle.Router, asset, feed string, price uint64, at int64) {
	t.Helper()
	_, err := txn.Run(at, func(tx *txn.Tx) error {
		return r.Update(tx, asset, feed, fpmath.Wad(price), at)
	})
	require.NoError(t, err)
}

func TestPrice_MissingFeedIsBadSource(t *testing.T) {
	r := newRouter(t)
	_, code := r.Price("WETH", 100)
	assert.Equal(t, oracle.BadSource, code)
}

func TestPrice_FreshPrimary(t *testing.T) {
	r := newRouter(t)
	update(t, r, "WETH", oracle.FeedPrimary, 2000, 100)

	price, code := r.Price("WETH", 200)
	assert.Equal(t, oracle.NoError, code)
	assert.Equal(t, fpmath.Wad(2000), price)
}

func TestPrice_StaleIsBadSource(t *testing.T) {
	r := newRouter(t)
	update(t, r, "WETH", oracle.FeedPrimary, 2000, 100)

	_, code := r.Price("WETH", 100+3601)
	assert.Equal(t, oracle.BadSource, code)

	_, err := r.PriceAtLeast("WETH", 100+3601, oracle.BadSource)
	require.ErrorIs(t, err, oracle.ErrBadPrice)
}

func TestPrice_DeviationIsCaution(t *testing.T) {
	r := newRouter(t)
	update(t, r, "WETH", oracle.FeedPrimary, 2000, 100)
	update(t, r, "WETH", oracle.FeedSecondary, 2050, 100) // 2.5%

	_, code := r.Price("WETH", 100)
	assert.Equal(t, oracle.NoError, code)

	update(t, r, "WETH", oracle.FeedSecondary, 2200, 101) // 10%
	_, code = r.Price("WETH", 101)
	assert.Equal(t, oracle.Caution, code)

	// caution passes a BadSource breakpoint but fails a Caution one
	_, err := r.PriceAtLeast("WETH", 101, oracle.BadSource)
	require.NoError(t, err)
	_, err = r.PriceAtLeast("WETH", 101, oracle.Caution)
	require.ErrorIs(t, err, oracle.ErrBadPrice)
}

func TestUpdate_RollbackRestoresPreviousPrice(t *testing.T) {
	r := newRouter(t)
	update(t, r, "WETH", oracle.FeedPrimary, 2000, 100)

	_, err := txn.Run(200, func(tx *txn.Tx) error {
		require.NoError(t, r.Update(tx, "WETH", oracle.FeedPrimary, fpmath.Wad(1), 200))
		return assert.AnError
	})
	require.Error(t, err)

	price, _ := r.Price("WETH", 150)
	assert.Equal(t, fpmath.Wad(2000), price)
}

func TestUpdate_UnknownFeed(t *testing.T) {
	r := newRouter(t)
	_, err := txn.Run(1, func(tx *txn.Tx) error {
		return r.Update(tx, "WETH", "tertiary", fpmath.Wad(1), 1)
	})
	require.ErrorIs(t, err, oracle.ErrUnknownFeed)
}

func TestUpdate_OlderObservationIgnored(t *testing.T) {
	r := newRouter(t)
	update(t, r, "USDC", oracle.FeedPrimary, 1, 5000)

	logs, err := txn.Run(5000, func(tx *txn.Tx) error {
		return r.Update(tx, "USDC", oracle.FeedPrimary, fpmath.Wad(2), 1000)
	})
	require.NoError(t, err)
	assert.Empty(t, logs)

	price, code := r.Price("USDC", 5000)
	assert.Equal(t, oracle.NoError, code)
	assert.Equal(t, fpmath.Wad(1), price)
}

func TestUpdate_FutureObservationRefused(t *testing.T) {
	r := newRouter(t)
	update(t, r, "USDC", oracle.FeedPrimary, 1, 100)

	_, err := txn.Run(100, func(tx *txn.Tx) error {
		return r.Update(tx, "USDC", oracle.FeedPrimary, fpmath.Wad(2), 101)
	})
	require.ErrorIs(t, err, oracle.ErrFutureTime)

	price, _ := r.Price("USDC", 100)
	assert.Equal(t, fpmath.Wad(1), price)
}

func TestExportImport(t *testing.T) {
	r := newRouter(t)
	update(t, r, "WETH", oracle.FeedPrimary, 2000, 100)
	update(t, r, "USDC", oracle.FeedPrimary, 1, 100)

	restored := newRouter(t)
	require.NoError(t, restored.Import(r.Export([]string{"USDC", "WETH"})))
	assert.Equal(t, r.Export([]string{"USDC", "WETH"}), restored.Export([]string{"USDC", "WETH"}))
}
