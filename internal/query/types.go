package query

import (
	"fmt"
	"time"

	"LendLedger/internal/irm"
	fpmath "LendLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Raw amounts are integer strings in underlying base units. Rates, indices
// and factors are decimal fractions; APRs are annualized per-second rates.

// MarketResponse is a market's projected totals.
type MarketResponse struct {
	MarketID         string          `json:"market_id"`
	Kind             string          `json:"kind"`
	Underlying       string          `json:"underlying"`
	Cash             string          `json:"cash"`
	TotalSupply      string          `json:"total_supply"`
	TotalBorrows     string          `json:"total_borrows"`
	TotalReserves    string          `json:"total_reserves"`
	ExchangeRate     decimal.Decimal `json:"exchange_rate"`
	BorrowIndex      decimal.Decimal `json:"borrow_index"`
	CollateralFactor decimal.Decimal `json:"collateral_factor"`
	ReserveFactor    decimal.Decimal `json:"reserve_factor"`
	Utilization      decimal.Decimal `json:"utilization"`
	BorrowAPR        decimal.Decimal `json:"borrow_apr"`
	SupplyAPR        decimal.Decimal `json:"supply_apr"`
	LastSequence     int64           `json:"last_sequence"`
	UpdatedAt        time.Time       `json:"updated_at"`
	AsOfSequence     int64           `json:"as_of_sequence"`
}

// MarketsResponse lists every projected market.
type MarketsResponse struct {
	Markets      []MarketResponse `json:"markets"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// PositionResponse is one account's holding in one market.
type PositionResponse struct {
	Account           uuid.UUID       `json:"account"`
	MarketID          string          `json:"market_id"`
	Shares            string          `json:"shares"`
	UnderlyingBalance decimal.Decimal `json:"underlying_balance"`
	BorrowBalance     string          `json:"borrow_balance"`
	Entered           bool            `json:"entered"`
	LastSequence      int64           `json:"last_sequence"`
	AsOfSequence      int64           `json:"as_of_sequence"`
}

// LiquidationRecord is one executed liquidation.
type LiquidationRecord struct {
	Sequence         int64     `json:"sequence"`
	DebtMarket       string    `json:"debt_market"`
	CollateralMarket string    `json:"collateral_market"`
	Liquidator       uuid.UUID `json:"liquidator"`
	Borrower         uuid.UUID `json:"borrower"`
	RepayAmount      string    `json:"repay_amount"`
	SeizeTokens      string    `json:"seize_tokens"`
	Timestamp        time.Time `json:"timestamp"`
}

// LiquidationsResponse pages a borrower's liquidations, newest first.
// NextBefore is the cursor for the following page, nil on the last one.
type LiquidationsResponse struct {
	Liquidations []LiquidationRecord `json:"liquidations"`
	NextBefore   *int64              `json:"next_before,omitempty"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	LatestSequence  int64   `json:"latest_sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}

// marketRow holds projections.markets columns as scanned text.
type marketRow struct {
	id, kind, underlying                          string
	cash, supply, exchangeRate, collateralFactor  string
	borrows, reserves, borrowIndex, reserveFactor string
	borrowRate, supplyRate                        string
	lastSequence                                  int64
	updatedAt                                     time.Time
}

func (r marketRow) response(asOf int64) (*MarketResponse, error) {
	wads, err := parseWads(r.exchangeRate, r.borrowIndex, r.collateralFactor, r.reserveFactor)
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", r.id, err)
	}
	rates, err := parseRaw(r.borrowRate, r.supplyRate)
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", r.id, err)
	}
	util, err := utilization(r.cash, r.borrows, r.reserves)
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", r.id, err)
	}
	return &MarketResponse{
		MarketID:         r.id,
		Kind:             r.kind,
		Underlying:       r.underlying,
		Cash:             r.cash,
		TotalSupply:      r.supply,
		TotalBorrows:     r.borrows,
		TotalReserves:    r.reserves,
		ExchangeRate:     wads[0],
		BorrowIndex:      wads[1],
		CollateralFactor: wads[2],
		ReserveFactor:    wads[3],
		Utilization:      util,
		BorrowAPR:        irm.Annualize(rates[0]),
		SupplyAPR:        irm.Annualize(rates[1]),
		LastSequence:     r.lastSequence,
		UpdatedAt:        r.updatedAt.UTC(),
		AsOfSequence:     asOf,
	}, nil
}

// underlyingValue converts shares at a wad exchange rate, rounding down.
func underlyingValue(shares, exchangeRate string) (decimal.Decimal, error) {
	s, err := decimal.NewFromString(shares)
	if err != nil {
		return decimal.Zero, err
	}
	wads, err := parseWads(exchangeRate)
	if err != nil {
		return decimal.Zero, err
	}
	return s.Mul(wads[0]).Floor(), nil
}

// utilization is borrows / (cash + borrows - reserves), zero with no
// borrows.
func utilization(cash, borrows, reserves string) (decimal.Decimal, error) {
	vals := make([]decimal.Decimal, 3)
	for i, s := range []string{cash, borrows, reserves} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, err
		}
		vals[i] = d
	}
	if vals[1].IsZero() {
		return decimal.Zero, nil
	}
	denom := vals[0].Add(vals[1]).Sub(vals[2])
	if !denom.IsPositive() {
		return decimal.Zero, nil
	}
	return vals[1].DivRound(denom, fpmath.Decimals), nil
}

func parseWads(raw ...string) ([]decimal.Decimal, error) {
	ints, err := parseRaw(raw...)
	if err != nil {
		return nil, err
	}
	out := make([]decimal.Decimal, len(ints))
	for i, v := range ints {
		out[i] = fpmath.ToDecimal(v)
	}
	return out, nil
}

func parseRaw(raw ...string) ([]uint256.Int, error) {
	out := make([]uint256.Int, len(raw))
	for i, s := range raw {
		v, err := uint256.FromDecimal(s)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", s, err)
		}
		out[i] = *v
	}
	return out, nil
}
