package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"LendLedger/internal/core"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a queried market or position has no
// projected row.
var ErrNotFound = errors.New("not found")

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// QueryService reads the projection tables. Every response carries
// as_of_sequence, the last command the projections reflect.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

const marketColumns = `
	market_id, kind, underlying,
	cash::text, total_supply::text, exchange_rate::text, collateral_factor::text,
	total_borrows::text, total_reserves::text, borrow_index::text, reserve_factor::text,
	borrow_rate::text, supply_rate::text, last_sequence, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMarket(s scanner) (marketRow, error) {
	var r marketRow
	err := s.Scan(
		&r.id, &r.kind, &r.underlying,
		&r.cash, &r.supply, &r.exchangeRate, &r.collateralFactor,
		&r.borrows, &r.reserves, &r.borrowIndex, &r.reserveFactor,
		&r.borrowRate, &r.supplyRate, &r.lastSequence, &r.updatedAt,
	)
	return r, err
}

// GetMarket returns one market's totals and current rates.
func (qs *QueryService) GetMarket(ctx context.Context, marketID string) (*MarketResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row, err := scanMarket(qs.db.QueryRowContext(ctx,
		`SELECT `+marketColumns+` FROM projections.markets WHERE market_id = $1`, marketID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", marketID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.response(asOf)
}

// ListMarkets returns every projected market ordered by ID.
func (qs *QueryService) ListMarkets(ctx context.Context) (*MarketsResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `SELECT `+marketColumns+` FROM projections.markets ORDER BY market_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &MarketsResponse{Markets: []MarketResponse{}, AsOfSequence: asOf}
	for rows.Next() {
		row, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		m, err := row.response(asOf)
		if err != nil {
			return nil, err
		}
		resp.Markets = append(resp.Markets, *m)
	}
	return resp, rows.Err()
}

// GetAccountPosition returns an account's shares, their underlying value
// and its borrow balance in one market.
func (qs *QueryService) GetAccountPosition(ctx context.Context, account uuid.UUID, marketID string) (*PositionResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var (
		p            = PositionResponse{Account: account, MarketID: marketID, AsOfSequence: asOf}
		exchangeRate string
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT shares::text, borrow_balance::text, exchange_rate::text, entered, last_sequence
		FROM projections.account_positions
		WHERE account_id = $1 AND market_id = $2
	`, account, marketID).Scan(&p.Shares, &p.BorrowBalance, &exchangeRate, &p.Entered, &p.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", account, marketID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if p.UnderlyingBalance, err = underlyingValue(p.Shares, exchangeRate); err != nil {
		return nil, fmt.Errorf("position %s/%s: %w", account, marketID, err)
	}
	return &p, nil
}

// ListLiquidations pages a borrower's liquidations, newest first. before
// is the exclusive sequence cursor from a previous page.
func (qs *QueryService) ListLiquidations(ctx context.Context, borrower uuid.UUID, limit int, before *int64) (*LiquidationsResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	limit = clampLimit(limit)

	query := `
		SELECT sequence, debt_market, collateral_market, liquidator, borrower,
		       repay_amount::text, seize_tokens::text, timestamp
		FROM projections.liquidations
		WHERE borrower = $1
	`
	args := []interface{}{borrower}
	argIdx := 2

	if before != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *before)
		argIdx++
	}

	query += " ORDER BY sequence DESC, idx DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit+1)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &LiquidationsResponse{Liquidations: []LiquidationRecord{}, AsOfSequence: asOf}
	for rows.Next() {
		var r LiquidationRecord
		if err := rows.Scan(
			&r.Sequence, &r.DebtMarket, &r.CollateralMarket, &r.Liquidator, &r.Borrower,
			&r.RepayAmount, &r.SeizeTokens, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		r.Timestamp = r.Timestamp.UTC()
		resp.Liquidations = append(resp.Liquidations, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(resp.Liquidations) > limit {
		resp.Liquidations = resp.Liquidations[:limit]
		next := resp.Liquidations[limit-1].Sequence
		resp.NextBefore = &next
	}
	return resp, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity over the persisted event
// log, including the link from genesis.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}
	genesis := core.GenesisHash()

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM event_log.events`,
	).Scan(&report.LatestSequence); err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE (e1.sequence = 1 AND e1.prev_hash != $1)
		   OR (e1.sequence > 1 AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash))
		ORDER BY e1.sequence
		LIMIT 10
	`, genesis[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}
