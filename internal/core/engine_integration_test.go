package core_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/lendtroller"
	"LendLedger/internal/market"
	"LendLedger/internal/oracle"
	"LendLedger/internal/protocol"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const testProtocol = `
admin = "00000000-0000-4000-8000-000000000001"
genesis = 1000

[lendtroller]
close_factor = "0.5"
liquidation_incentive = "1.08"
min_hold_period = 60

[oracle]
max_age = 3600
max_deviation = "0.05"

[[assets]]
symbol = "USDC"

[[assets]]
symbol = "WETH"

[[markets]]
id = "dUSDC"
kind = "debt"
underlying = "USDC"
initial_exchange_rate = "1"
reserve_factor = "0.1"

[markets.rate_model]
base_rate_per_year = "0.02"
multiplier_per_year = "0.1"
jump_multiplier_per_year = "2"
kink = "0.8"

[[markets]]
id = "cWETH"
kind = "collateral"
underlying = "WETH"
initial_exchange_rate = "1"
collateral_factor = "0.75"
`

var (
	admin      = uuid.MustParse("00000000-0000-4000-8000-000000000001")
	supplier   = uuid.MustParse("00000000-0000-4000-8000-0000000000a1")
	borrower   = uuid.MustParse("00000000-0000-4000-8000-0000000000b1")
	liquidator = uuid.MustParse("00000000-0000-4000-8000-0000000000c1")
)

// --- Test helpers ---

func newProtocol(t *testing.T) *protocol.Protocol {
	t.Helper()
	cfg, err := config.DecodeProtocol(strings.NewReader(testProtocol))
	if err != nil {
		t.Fatalf("decode protocol: %v", err)
	}
	p, err := protocol.New(cfg)
	if err != nil {
		t.Fatalf("build protocol: %v", err)
	}
	return p
}

// newTestCore creates a core with buffered channels, no DB checker and no
// metrics.
func newTestCore(t *testing.T) (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	t.Helper()
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewDeterministicCore(1, newProtocol(t), persistChan, projChan, nil, nil)
	return c, persistChan, projChan
}

func hdr(seq, ts int64) event.Header {
	return event.Header{CommandID: uuid.New(), Sequence: seq, Timestamp: ts}
}

func u(v uint64) uint256.Int { return *uint256.NewInt(v) }

func wad(v uint64) uint256.Int {
	x := uint256.NewInt(v)
	return *x.Mul(x, uint256.NewInt(1_000_000_000_000_000_000))
}

func mustApply(t *testing.T, c *core.DeterministicCore, evt event.Event) {
	t.Helper()
	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("%s (%s): %v", evt.EventType(), evt.IdempotencyKey(), err)
	}
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

// setupBorrow funds everyone, prices both assets and opens a 9000 USDC
// borrow against 10 WETH.
func setupBorrow(t *testing.T, c *core.DeterministicCore) {
	t.Helper()
	mustApply(t, c, &event.Faucet{Header: hdr(0, 1000), Asset: "USDC", Account: supplier, Amount: u(10_000)})
	mustApply(t, c, &event.Faucet{Header: hdr(1, 1000), Asset: "WETH", Account: borrower, Amount: u(10)})
	mustApply(t, c, &event.Faucet{Header: hdr(2, 1000), Asset: "USDC", Account: liquidator, Amount: u(10_000)})

	mustApply(t, c, &event.PriceUpdate{Header: hdr(0, 1000), Asset: "USDC", Feed: oracle.FeedPrimary, Price: wad(1)})
	mustApply(t, c, &event.PriceUpdate{Header: hdr(0, 1000), Asset: "WETH", Feed: oracle.FeedPrimary, Price: wad(2000)})

	mustApply(t, c, &event.Mint{Header: hdr(0, 1001), Market: "dUSDC", Minter: supplier, Amount: u(10_000)})
	mustApply(t, c, &event.Mint{Header: hdr(0, 1001), Market: "cWETH", Minter: borrower, Amount: u(10)})
	mustApply(t, c, &event.EnterMarkets{Header: hdr(3, 1002), Account: borrower, Markets: []string{"cWETH"}})
	mustApply(t, c, &event.Borrow{Header: hdr(1, 1002), Market: "dUSDC", Borrower: borrower, Amount: u(9_000)})
}

// --- Tests ---

func TestSupplyBorrowLiquidate(t *testing.T) {
	c, persistChan, projChan := newTestCore(t)
	setupBorrow(t, c)

	p := c.Protocol()
	usdc, _ := p.Asset("USDC")
	if bal := usdc.BalanceOf(borrower); bal.Uint64() != 9_000 {
		t.Fatalf("borrower USDC = %s, want 9000", bal.Dec())
	}

	liq, err := p.Lendtroller.AccountLiquidity(borrower, 1002)
	if err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if !liq.Shortfall.IsZero() {
		t.Fatalf("unexpected shortfall %s", liq.Shortfall.Dec())
	}

	// WETH halves: 10 * 1000 * 0.75 = 7500 of collateral against 9000 debt.
	mustApply(t, c, &event.PriceUpdate{Header: hdr(1, 1003), Asset: "WETH", Feed: oracle.FeedPrimary, Price: wad(1000)})
	liq, err = p.Lendtroller.AccountLiquidity(borrower, 1003)
	if err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if liq.Shortfall.IsZero() {
		t.Fatal("expected shortfall after price drop")
	}

	mustApply(t, c, &event.LiquidateUser{
		Header:           hdr(2, 1003),
		Market:           "dUSDC",
		CollateralMarket: "cWETH",
		Liquidator:       liquidator,
		Borrower:         borrower,
		RepayAmount:      u(4_000),
	})

	cweth, _ := p.CollateralMarket("cWETH")
	// 4000 * 1.08 * 1 / (1000 * 1) = 4.32 shares, rounded down.
	if got := cweth.BalanceOf(liquidator); got.Uint64() != 4 {
		t.Fatalf("liquidator seized %s shares, want 4", got.Dec())
	}
	if got := cweth.BalanceOf(borrower); got.Uint64() != 6 {
		t.Fatalf("borrower kept %s shares, want 6", got.Dec())
	}

	outputs := drain(persistChan)
	if len(outputs) != 11 {
		t.Fatalf("persisted %d envelopes, want 11", len(outputs))
	}
	last := outputs[len(outputs)-1]
	if last.Envelope.EventType != event.EventTypeLiquidateUser {
		t.Fatalf("last envelope is %s", last.Envelope.EventType)
	}
	var found bool
	for _, l := range last.Batch.Logs {
		if l.LogType() == ledger.LogTypeLiquidated {
			found = true
		}
	}
	if !found {
		t.Fatal("liquidation batch has no liquidated log")
	}

	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i+1) {
			t.Fatalf("envelope %d has sequence %d", i, o.Envelope.Sequence)
		}
		if i > 0 && o.Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Fatalf("hash chain broken at sequence %d", o.Envelope.Sequence)
		}
	}
	if outputs[0].Envelope.PrevHash != core.GenesisHash() {
		t.Fatal("first envelope does not chain from genesis")
	}

	if len(last.Markets) != 2 || last.Markets[0].ID != "cWETH" || last.Markets[1].ID != "dUSDC" {
		t.Fatalf("liquidation touched markets %+v", last.Markets)
	}
	positions := make(map[string]core.PositionView)
	for _, pv := range last.Positions {
		positions[pv.Account.String()+"/"+pv.Market] = pv
	}
	if pv := positions[liquidator.String()+"/cWETH"]; pv.Shares.Uint64() != 4 {
		t.Fatalf("liquidator view holds %s shares", pv.Shares.Dec())
	}
	if pv := positions[borrower.String()+"/cWETH"]; pv.Shares.Uint64() != 6 || !pv.Entered {
		t.Fatalf("borrower collateral view %+v", pv)
	}
	if pv, ok := positions[borrower.String()+"/dUSDC"]; !ok || pv.BorrowBalance.Uint64() >= 9_000 {
		t.Fatalf("borrower debt view %+v", pv)
	}
	if got := len(drain(projChan)); got != 11 {
		t.Fatalf("projected %d outputs, want 11", got)
	}
}

func TestRejectedCommandRollsBack(t *testing.T) {
	c, persistChan, _ := newTestCore(t)
	setupBorrow(t, c)
	drain(persistChan)
	before := c.GetStateHash()
	seq := c.GetSequence()

	d, _ := c.Protocol().DebtMarket("dUSDC")
	debtBefore := d.State().TotalBorrows

	// Only 1000 of cash is left in the market.
	err := c.ProcessEvent(&event.Borrow{Header: hdr(2, 1003), Market: "dUSDC", Borrower: borrower, Amount: u(2_000)})
	var rejected *core.RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if !errors.Is(err, lendtroller.ErrInsufficientLiquidity) && !errors.Is(err, market.ErrInsufficientCash) {
		t.Fatalf("unexpected rejection cause: %v", err)
	}

	debtAfter := d.State().TotalBorrows
	if !debtAfter.Eq(&debtBefore) {
		t.Fatalf("total borrows moved from %s to %s", debtBefore.Dec(), debtAfter.Dec())
	}
	if c.GetStateHash() != before || c.GetSequence() != seq {
		t.Fatal("rejected command advanced the chain")
	}
	outputs := drain(persistChan)
	if len(outputs) != 1 || outputs[0].Envelope != nil || outputs[0].Rejection == nil {
		t.Fatalf("rejected command produced %+v, want one rejection record", outputs)
	}
	r := outputs[0].Rejection
	if r.Partition != "market:dUSDC" || r.SourceSequence != 2 || r.AfterSequence != seq-1 || r.EventType != "borrow" {
		t.Fatalf("rejection record %+v", r)
	}

	// The rejected command consumed source sequence 2.
	mustApply(t, c, &event.AccrueInterest{Header: hdr(3, 1004), Market: "dUSDC"})
}

func TestRecoveryRestoresRejectedSequence(t *testing.T) {
	c, persistChan, _ := newTestCore(t)

	mustApply(t, c, &event.Faucet{Header: hdr(0, 1000), Asset: "USDC", Account: supplier, Amount: u(100)})
	refused := &event.Faucet{Header: hdr(1, 1001), Asset: "NOPE", Account: supplier, Amount: u(100)}
	var rejected *core.RejectedError
	if err := c.ProcessEvent(refused); !errors.As(err, &rejected) {
		t.Fatalf("expected rejection, got %v", err)
	}

	var envelopes []*event.EventEnvelope
	var rejections []core.Rejection
	for _, o := range drain(persistChan) {
		if o.Rejection != nil {
			rejections = append(rejections, *o.Rejection)
			continue
		}
		envelopes = append(envelopes, o.Envelope)
	}
	if len(envelopes) != 1 || len(rejections) != 1 {
		t.Fatalf("got %d envelopes and %d rejections", len(envelopes), len(rejections))
	}

	// Without the rejection record the restarted core waits for sequence 1.
	stalled, _, _ := newTestCore(t)
	if err := stalled.ReplayEnvelope(envelopes[0]); err != nil {
		t.Fatalf("replay: %v", err)
	}
	next := &event.Faucet{Header: hdr(2, 1002), Asset: "USDC", Account: borrower, Amount: u(5)}
	if err := stalled.ProcessEvent(next); !errors.Is(err, core.ErrSequenceGap) {
		t.Fatalf("expected gap without rejection record, got %v", err)
	}

	recovered, recoveredPersist, _ := newTestCore(t)
	if err := recovered.ReplayEnvelope(envelopes[0]); err != nil {
		t.Fatalf("replay: %v", err)
	}
	for _, r := range rejections {
		recovered.RestoreRejection(r)
	}
	mustApply(t, recovered, next)
	mustApply(t, c, next)
	if recovered.GetStateHash() != c.GetStateHash() {
		t.Fatal("recovered core diverged")
	}

	// The refused command ID stays consumed.
	mustApply(t, recovered, refused)
	if n := len(drain(recoveredPersist)); n != 1 {
		t.Fatalf("recovered core persisted %d outputs, want 1", n)
	}
}

func TestDuplicateCommandSkipped(t *testing.T) {
	c, persistChan, _ := newTestCore(t)

	faucet := &event.Faucet{Header: hdr(0, 1000), Asset: "USDC", Account: supplier, Amount: u(100)}
	mustApply(t, c, faucet)
	mustApply(t, c, faucet)

	if n := len(drain(persistChan)); n != 1 {
		t.Fatalf("persisted %d envelopes, want 1", n)
	}
	usdc, _ := c.Protocol().Asset("USDC")
	if bal := usdc.BalanceOf(supplier); bal.Uint64() != 100 {
		t.Fatalf("duplicate applied twice: balance %s", bal.Dec())
	}
}

func TestSequenceGapRejected(t *testing.T) {
	c, persistChan, _ := newTestCore(t)

	err := c.ProcessEvent(&event.Faucet{Header: hdr(5, 1000), Asset: "USDC", Account: supplier, Amount: u(1)})
	if !errors.Is(err, core.ErrSequenceGap) {
		t.Fatalf("expected sequence gap, got %v", err)
	}
	mustApply(t, c, &event.Faucet{Header: hdr(0, 1000), Asset: "USDC", Account: supplier, Amount: u(1)})

	err = c.ProcessEvent(&event.Faucet{Header: hdr(0, 1000), Asset: "USDC", Account: borrower, Amount: u(1)})
	if !errors.Is(err, core.ErrOutOfOrder) {
		t.Fatalf("expected out-of-order, got %v", err)
	}
	if n := len(drain(persistChan)); n != 1 {
		t.Fatalf("persisted %d envelopes, want 1", n)
	}
}

func TestPriceGapsToleratedStaleIgnored(t *testing.T) {
	c, persistChan, _ := newTestCore(t)

	mustApply(t, c, &event.PriceUpdate{Header: hdr(4, 1000), Asset: "WETH", Feed: oracle.FeedPrimary, Price: wad(2000)})
	mustApply(t, c, &event.PriceUpdate{Header: hdr(9, 1001), Asset: "WETH", Feed: oracle.FeedPrimary, Price: wad(2100)})
	// Stale: below the last accepted sequence.
	mustApply(t, c, &event.PriceUpdate{Header: hdr(7, 1002), Asset: "WETH", Feed: oracle.FeedPrimary, Price: wad(1)})
	// Feeds are sequenced independently.
	mustApply(t, c, &event.PriceUpdate{Header: hdr(0, 1002), Asset: "WETH", Feed: oracle.FeedSecondary, Price: wad(2100)})

	if n := len(drain(persistChan)); n != 3 {
		t.Fatalf("persisted %d envelopes, want 3", n)
	}
	price, code := c.Protocol().Oracle.Price("WETH", 1002)
	want := wad(2100)
	if code != oracle.NoError || !price.Eq(&want) {
		t.Fatalf("price = %s (%s), want 2100e18", price.Dec(), code)
	}
}

func TestNoLogCommandStillChains(t *testing.T) {
	c, persistChan, _ := newTestCore(t)

	mustApply(t, c, &event.SetPaused{Header: hdr(0, 1000), Caller: admin, Action: "transfer", Paused: true})
	outputs := drain(persistChan)
	if len(outputs) != 1 {
		t.Fatalf("persisted %d envelopes, want 1", len(outputs))
	}
	if len(outputs[0].Batch.Logs) != 0 {
		t.Fatalf("pause emitted %d logs", len(outputs[0].Batch.Logs))
	}
	if outputs[0].Envelope.StateHash == core.GenesisHash() {
		t.Fatal("state hash did not advance")
	}
}

func TestSnapshotRestoreReproducesState(t *testing.T) {
	c, persistChan, _ := newTestCore(t)
	setupBorrow(t, c)
	first := drain(persistChan)[0].Envelope

	snap := c.CreateSnapshotState()
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var decoded core.SnapshotState
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}

	restored, _, _ := newTestCore(t)
	if err := restored.RestoreFromSnapshot(&decoded); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.GetStateHash() != c.GetStateHash() || restored.GetSequence() != c.GetSequence() {
		t.Fatal("restored chain tip differs")
	}

	next := &event.AccrueInterest{Header: hdr(2, 5000), Market: "dUSDC"}
	mustApply(t, c, next)
	mustApply(t, restored, next)
	if restored.GetStateHash() != c.GetStateHash() {
		t.Fatal("restored core diverged on the next command")
	}

	// The restored LRU still knows the pre-snapshot commands.
	dup, err := event.Decode(first.EventType, first.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	restoredHash := restored.GetStateHash()
	mustApply(t, restored, dup)
	if restored.GetStateHash() != restoredHash {
		t.Fatal("duplicate command was applied after restore")
	}
}

func TestReplayEnvelopesReproducesHash(t *testing.T) {
	c, persistChan, _ := newTestCore(t)
	setupBorrow(t, c)
	outputs := drain(persistChan)

	replica, replicaPersist, _ := newTestCore(t)
	for _, o := range outputs {
		if err := replica.ReplayEnvelope(o.Envelope); err != nil {
			t.Fatalf("replay %d: %v", o.Envelope.Sequence, err)
		}
	}
	if replica.GetStateHash() != c.GetStateHash() {
		t.Fatal("replayed hash differs")
	}
	if n := len(drain(replicaPersist)); n != 0 {
		t.Fatalf("replay persisted %d envelopes", n)
	}

	// Partition sequences resume where the log left off.
	mustApply(t, replica, &event.Borrow{Header: hdr(2, 1003), Market: "dUSDC", Borrower: borrower, Amount: u(1)})
	if n := len(drain(replicaPersist)); n != 1 {
		t.Fatalf("post-replay borrow persisted %d envelopes, want 1", n)
	}
}

func TestReplayDetectsTampering(t *testing.T) {
	c, persistChan, _ := newTestCore(t)
	mustApply(t, c, &event.Faucet{Header: hdr(0, 1000), Asset: "USDC", Account: supplier, Amount: u(100)})
	env := drain(persistChan)[0].Envelope
	env.StateHash[0] ^= 0xff

	replica, _, _ := newTestCore(t)
	if err := replica.ReplayEnvelope(env); !errors.Is(err, core.ErrStateDivergence) {
		t.Fatalf("expected divergence, got %v", err)
	}
}
