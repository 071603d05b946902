package protocol

import (
	"fmt"

	"LendLedger/internal/asset"
	"LendLedger/internal/gauge"
	"LendLedger/internal/lendtroller"
	"LendLedger/internal/market"
	"LendLedger/internal/oracle"
)

// State is the full serializable protocol state. Topology is not part of
// it: a state is only importable into a Protocol built from the same
// config.
type State struct {
	Assets      []*asset.State        `json:"assets"`
	Prices      []oracle.FeedState    `json:"prices"`
	Gauge       []gauge.MarketState   `json:"gauge"`
	Lendtroller *lendtroller.State    `json:"lendtroller"`
	Debt        []*market.DTokenState `json:"debt"`
	Collateral  []*market.CTokenState `json:"collateral"`
}

// Export captures every component in a deterministic order.
func (p *Protocol) Export() *State {
	st := &State{
		Prices:      p.Oracle.Export(p.Assets()),
		Gauge:       p.Gauge.Export(),
		Lendtroller: p.Lendtroller.Export(),
	}
	for _, sym := range p.Assets() {
		st.Assets = append(st.Assets, p.assets[sym].Export())
	}
	for _, id := range p.order {
		if d, ok := p.debt[id]; ok {
			st.Debt = append(st.Debt, d.Export())
		} else {
			st.Collateral = append(st.Collateral, p.collateral[id].Export())
		}
	}
	return st
}

// Import restores an exported state. On error the protocol is left partly
// restored and must be discarded.
func (p *Protocol) Import(st *State) error {
	for _, as := range st.Assets {
		tok, err := p.Asset(as.Symbol)
		if err != nil {
			return err
		}
		if err := tok.Import(as); err != nil {
			return err
		}
	}
	if err := p.Oracle.Import(st.Prices); err != nil {
		return err
	}
	p.Gauge.Import(st.Gauge)
	if st.Lendtroller != nil {
		if err := p.Lendtroller.Import(st.Lendtroller); err != nil {
			return err
		}
	}
	for _, ds := range st.Debt {
		d, err := p.DebtMarket(ds.ID)
		if err != nil {
			return err
		}
		if err := d.Import(ds); err != nil {
			return err
		}
	}
	for _, cs := range st.Collateral {
		c, err := p.CollateralMarket(cs.ID)
		if err != nil {
			return err
		}
		if err := c.Import(cs); err != nil {
			return err
		}
	}
	return p.CheckSolvency()
}

// CheckSolvency verifies that every underlying ledger conserves its supply
// and that every debt market can still price its shares.
func (p *Protocol) CheckSolvency() error {
	for _, sym := range p.Assets() {
		if err := p.assets[sym].ValidateConservation(); err != nil {
			return err
		}
	}
	for _, id := range p.order {
		m, _ := p.Market(id)
		if _, err := m.ExchangeRate(); err != nil {
			return fmt.Errorf("market %s: %w", id, err)
		}
	}
	return nil
}
