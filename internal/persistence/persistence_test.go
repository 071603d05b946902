package persistence_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/persistence"
	"LendLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope(seq int64) *event.EventEnvelope {
	market := "dUSDC"
	env := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: uuid.NewString(),
		EventType:      event.EventTypeBorrow,
		MarketID:       &market,
		Timestamp:      time.Unix(1_700_000_000+seq, 0).UTC(),
		SourceSequence: seq - 1,
		Payload:        []byte(`{"market":"dUSDC","amount":"5"}`),
	}
	env.StateHash[0] = byte(seq)
	env.PrevHash[0] = byte(seq - 1)
	return env
}

func testBatch(seq int64) *ledger.Batch {
	borrower := uuid.New()
	return ledger.NewBatch("ref", seq, 1_700_000_000, []ledger.Log{
		&ledger.Borrow{MarketID: "dUSDC", Borrower: borrower, Recipient: borrower, BorrowAmount: *uint256.NewInt(5)},
		&ledger.UnderlyingTransfer{Asset: "USDC", To: borrower, Amount: *uint256.NewInt(5)},
	})
}

func TestEventRowRoundTrip(t *testing.T) {
	env := testEnvelope(7)
	row := persistence.NewEventRow(env)
	assert.Equal(t, "borrow", row.EventType)

	back, err := row.Envelope()
	require.NoError(t, err)
	assert.Equal(t, env, back)

	row.StateHash = row.StateHash[:31]
	_, err = row.Envelope()
	assert.Error(t, err)

	row = persistence.NewEventRow(env)
	row.EventType = "trade_fill"
	_, err = row.Envelope()
	assert.Error(t, err)
}

func TestNewLogRows(t *testing.T) {
	rows, err := persistence.NewLogRows(testBatch(3))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 0, rows[0].Idx)
	assert.Equal(t, "borrow", rows[0].LogType)
	require.NotNil(t, rows[0].Market)
	assert.Equal(t, "dUSDC", *rows[0].Market)

	assert.Equal(t, 1, rows[1].Idx)
	assert.Nil(t, rows[1].Market)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rows[0].Data, &decoded))
	assert.Equal(t, "5", decoded["borrow_amount"])

	empty, err := persistence.NewLogRows(ledger.NewBatch("ref", 4, 0, nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPendingMigrations(t *testing.T) {
	files := fstest.MapFS{
		"000002_projections.up.sql": {Data: []byte("SELECT 2")},
		"000001_event_log.up.sql":   {Data: []byte("SELECT 1")},
		"000001_event_log.down.sql": {Data: []byte("SELECT -1")},
		"000003_more.up.sql":        {Data: []byte("SELECT 3")},
		"README.md":                 {Data: []byte("notes")},
	}

	pending, err := persistence.PendingMigrations(files, map[string]bool{"000002": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_event_log.up.sql", "000003_more.up.sql"}, pending)

	assert.Equal(t, "000001", persistence.MigrationVersion("000001_event_log.up.sql"))
}

func TestShippedMigrationsArePaired(t *testing.T) {
	dir := testutil.MigrationsDir(t)
	pending, err := persistence.PendingMigrations(os.DirFS(dir), nil)
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	for _, up := range pending {
		down := up[:len(up)-len(".up.sql")] + ".down.sql"
		_, err := os.Stat(dir + "/" + down)
		assert.NoError(t, err, "missing %s", down)
	}
}

// --- Postgres ---

func TestWorkerPersistsAndReplays(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ch := make(chan persistence.CoreOutput, 4)
	worker := persistence.NewPersistenceWorker(db, ch, 2, 20*time.Millisecond, nil, zerolog.Nop())

	var envs []*event.EventEnvelope
	for seq := int64(1); seq <= 3; seq++ {
		env := testEnvelope(seq)
		envs = append(envs, env)
		out, err := persistence.NewCoreOutput(env, testBatch(seq))
		require.NoError(t, err)
		ch <- out
	}
	close(ch)
	require.NoError(t, worker.Run(context.Background()))

	ctx := context.Background()
	mgr := persistence.NewSnapshotManager(db)
	latest, err := mgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)

	loaded, err := mgr.LoadEventsFrom(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, envs[1], loaded[0])
	assert.Equal(t, envs[1].Payload, loaded[0].Payload)

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate("borrow", envs[0].IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)

	keys, err := mgr.RecentIdempotencyKeys(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{
		core.CompositeKey("borrow", envs[1].IdempotencyKey),
		core.CompositeKey("borrow", envs[2].IdempotencyKey),
	}, keys)
}

func TestWorkerPersistsRejections(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	refused := &core.Rejection{
		AfterSequence:  1,
		EventType:      "borrow",
		IdempotencyKey: uuid.NewString(),
		Partition:      "market:dUSDC",
		SourceSequence: 1,
		Reason:         "insufficient cash",
		Timestamp:      time.Unix(1_700_000_002, 0).UTC(),
	}

	ch := make(chan persistence.CoreOutput, 4)
	out, err := persistence.NewCoreOutput(testEnvelope(1), testBatch(1))
	require.NoError(t, err)
	ch <- out
	ch <- persistence.NewRejectionOutput(refused)
	ch <- persistence.NewRejectionOutput(refused) // redelivery
	close(ch)
	worker := persistence.NewPersistenceWorker(db, ch, 10, 20*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, worker.Run(context.Background()))

	ctx := context.Background()
	mgr := persistence.NewSnapshotManager(db)
	got, lastID, err := mgr.LoadRejectionsFrom(ctx, 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, *refused, got[0])

	more, _, err := mgr.LoadRejectionsFrom(ctx, 0, lastID, 10)
	require.NoError(t, err)
	assert.Empty(t, more)

	after, _, err := mgr.LoadRejectionsFrom(ctx, 2, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, after, "rejections before a snapshot are covered by it")

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate("borrow", refused.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestSnapshotOnlyRestoredOnceVerified(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	mgr := persistence.NewSnapshotManager(db)

	snap := &core.SnapshotState{
		Sequence:        42,
		SequenceState:   map[string]int64{"market:dUSDC": 9},
		IdempotencyKeys: []string{"borrow:a"},
	}
	snap.StateHash[0] = 0xaa

	size, err := mgr.SaveSnapshot(ctx, snap, time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	assert.Positive(t, size)

	got, err := mgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "unverified snapshot must not be restored")

	require.NoError(t, mgr.MarkVerified(ctx, 42))
	got, err = mgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.StateHash, got.StateHash)
	assert.Equal(t, snap.SequenceState, got.SequenceState)
}
