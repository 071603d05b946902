package core

import (
	"slices"
	"sort"

	"LendLedger/internal/ledger"
	"LendLedger/internal/market"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// MarketView is a market's totals right after a command.
type MarketView struct {
	ID               string
	Kind             string
	Underlying       string
	Cash             uint256.Int
	TotalSupply      uint256.Int
	ExchangeRate     uint256.Int
	CollateralFactor uint256.Int

	// Debt markets only.
	TotalBorrows  uint256.Int
	TotalReserves uint256.Int
	BorrowIndex   uint256.Int
	ReserveFactor uint256.Int
	BorrowRate    uint256.Int
	SupplyRate    uint256.Int
}

// PositionView is one account's holding in one market right after a
// command.
type PositionView struct {
	Account       uuid.UUID
	Market        string
	Shares        uint256.Int
	BorrowBalance uint256.Int
	ExchangeRate  uint256.Int
	Entered       bool
}

// views captures every market and position the batch touched. Reads only,
// so it must run on the processing goroutine before the next command.
func (c *DeterministicCore) views(batch *ledger.Batch) ([]MarketView, []PositionView) {
	markets := make(map[string]struct{})
	type key struct {
		account uuid.UUID
		market  string
	}
	positions := make(map[key]struct{})
	touch := func(id string, accounts ...uuid.UUID) {
		if id == "" {
			return
		}
		markets[id] = struct{}{}
		for _, a := range accounts {
			if c.isUserAccount(a) {
				positions[key{a, id}] = struct{}{}
			}
		}
	}

	for _, l := range batch.Logs {
		switch e := l.(type) {
		case *ledger.AccrueInterest, *ledger.NewReserveFactor,
			*ledger.ReservesAdded, *ledger.ReservesReduced:
			touch(e.Market())
		case *ledger.Mint:
			touch(e.MarketID, e.Recipient)
		case *ledger.Redeem:
			touch(e.MarketID, e.Redeemer)
		case *ledger.Borrow:
			touch(e.MarketID, e.Borrower)
		case *ledger.Repay:
			touch(e.MarketID, e.Borrower)
		case *ledger.Transfer:
			touch(e.MarketID, e.From, e.To)
		case *ledger.Liquidated:
			touch(e.MarketID, e.Borrower)
			touch(e.CollateralMarket, e.Borrower, e.Liquidator)
		case *ledger.MarketEntered:
			touch(e.MarketID, e.Account)
		case *ledger.MarketExited:
			touch(e.MarketID, e.Account)
		}
	}

	mv := make([]MarketView, 0, len(markets))
	for id := range markets {
		if v, ok := c.marketView(id); ok {
			mv = append(mv, v)
		}
	}
	sort.Slice(mv, func(i, j int) bool { return mv[i].ID < mv[j].ID })

	pv := make([]PositionView, 0, len(positions))
	for k := range positions {
		if v, ok := c.positionView(k.account, k.market); ok {
			pv = append(pv, v)
		}
	}
	sort.Slice(pv, func(i, j int) bool {
		if pv[i].Market != pv[j].Market {
			return pv[i].Market < pv[j].Market
		}
		return pv[i].Account.String() < pv[j].Account.String()
	})
	return mv, pv
}

func (c *DeterministicCore) isUserAccount(a uuid.UUID) bool {
	if a == ledger.ZeroAccount {
		return false
	}
	for _, id := range c.proto.MarketIDs() {
		if m, err := c.proto.Market(id); err == nil && m.Account() == a {
			return false
		}
	}
	return true
}

func (c *DeterministicCore) marketView(id string) (MarketView, bool) {
	m, err := c.proto.Market(id)
	if err != nil {
		return MarketView{}, false
	}
	v := MarketView{
		ID:          id,
		Kind:        m.TokenType().String(),
		Underlying:  m.Underlying(),
		Cash:        m.Cash(),
		TotalSupply: m.TotalSupply(),
	}
	if rate, err := m.ExchangeRate(); err == nil {
		v.ExchangeRate = rate
	}
	if cf, err := c.proto.Lendtroller.CollateralFactor(id); err == nil {
		v.CollateralFactor = cf
	}
	if d, ok := m.(*market.DToken); ok {
		st := d.State()
		v.TotalBorrows = st.TotalBorrows
		v.TotalReserves = st.TotalReserves
		v.BorrowIndex = st.BorrowIndex
		v.ReserveFactor = st.ReserveFactor
		if r, err := d.BorrowRatePerSecond(); err == nil {
			v.BorrowRate = r
		}
		if r, err := d.SupplyRatePerSecond(); err == nil {
			v.SupplyRate = r
		}
	}
	return v, true
}

func (c *DeterministicCore) positionView(account uuid.UUID, id string) (PositionView, bool) {
	m, err := c.proto.Market(id)
	if err != nil {
		return PositionView{}, false
	}
	snap, err := m.AccountSnapshot(account)
	if err != nil {
		return PositionView{}, false
	}
	return PositionView{
		Account:       account,
		Market:        id,
		Shares:        snap.Shares,
		BorrowBalance: snap.BorrowBalance,
		ExchangeRate:  snap.ExchangeRate,
		Entered:       slices.Contains(c.proto.Lendtroller.AssetsIn(account), id),
	}, true
}
