package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"

	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionOutput is the read-model slice of one committed command.
type ProjectionOutput struct {
	Sequence     int64
	EventType    string
	Timestamp    time.Time
	Markets      []core.MarketView
	Positions    []core.PositionView
	Liquidations []Liquidation
}

// Liquidation is a row of projections.liquidations.
type Liquidation struct {
	Idx int
	*ledger.Liquidated
}

// FromCore extracts what the projections need from a core output.
func FromCore(out core.CoreOutput) ProjectionOutput {
	po := ProjectionOutput{
		Sequence:  out.Envelope.Sequence,
		EventType: out.Envelope.EventType.String(),
		Timestamp: out.Envelope.Timestamp,
		Markets:   out.Markets,
		Positions: out.Positions,
	}
	for i, l := range out.Batch.Logs {
		if liq, ok := l.(*ledger.Liquidated); ok {
			po.Liquidations = append(po.Liquidations, Liquidation{Idx: i, Liquidated: liq})
		}
	}
	return po
}

// ProjectionWorker writes market, position and liquidation read models.
// Its channel drops when full, so a missed output leaves the rows it
// would have touched stale until the next command touches them.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run applies outputs until ctx is cancelled or the input closes. Outputs
// at or below the stored watermark are skipped, which makes replays after
// a restart harmless.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	last, err := Watermark(ctx, pw.db)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	pw.lastSeq = last

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if out.Sequence <= pw.lastSeq {
				continue
			}
			if out.Sequence > pw.lastSeq+1 {
				pw.logger.Warn().Int64("from", pw.lastSeq+1).Int64("to", out.Sequence-1).Msg("projection skipped outputs")
			}

			start := time.Now()
			if err := pw.apply(ctx, out); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", out.Sequence).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("all").Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = out.Sequence
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, out ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range out.Markets {
		if err := upsertMarket(ctx, tx, out, m); err != nil {
			return fmt.Errorf("market %s: %w", m.ID, err)
		}
	}
	for _, p := range out.Positions {
		if err := upsertPosition(ctx, tx, out, p); err != nil {
			return fmt.Errorf("position %s/%s: %w", p.Account, p.Market, err)
		}
	}
	for _, l := range out.Liquidations {
		if err := insertLiquidation(ctx, tx, out, l); err != nil {
			return fmt.Errorf("liquidation: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, out.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func upsertMarket(ctx context.Context, tx *sql.Tx, out ProjectionOutput, m core.MarketView) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.markets
			(market_id, kind, underlying, cash, total_supply, exchange_rate, collateral_factor,
			 total_borrows, total_reserves, borrow_index, reserve_factor, borrow_rate, supply_rate,
			 last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (market_id) DO UPDATE SET
			cash = $4, total_supply = $5, exchange_rate = $6, collateral_factor = $7,
			total_borrows = $8, total_reserves = $9, borrow_index = $10, reserve_factor = $11,
			borrow_rate = $12, supply_rate = $13, last_sequence = $14, updated_at = $15
	`, m.ID, m.Kind, m.Underlying,
		m.Cash.Dec(), m.TotalSupply.Dec(), m.ExchangeRate.Dec(), m.CollateralFactor.Dec(),
		m.TotalBorrows.Dec(), m.TotalReserves.Dec(), m.BorrowIndex.Dec(), m.ReserveFactor.Dec(),
		m.BorrowRate.Dec(), m.SupplyRate.Dec(), out.Sequence, out.Timestamp)
	return err
}

func upsertPosition(ctx context.Context, tx *sql.Tx, out ProjectionOutput, p core.PositionView) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.account_positions
			(account_id, market_id, shares, borrow_balance, exchange_rate, entered, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, market_id) DO UPDATE SET
			shares = $3, borrow_balance = $4, exchange_rate = $5, entered = $6,
			last_sequence = $7, updated_at = $8
	`, p.Account, p.Market, p.Shares.Dec(), p.BorrowBalance.Dec(), p.ExchangeRate.Dec(),
		p.Entered, out.Sequence, out.Timestamp)
	return err
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, out ProjectionOutput, l Liquidation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(sequence, idx, debt_market, collateral_market, liquidator, borrower,
			 repay_amount, seize_tokens, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence, idx) DO NOTHING
	`, out.Sequence, l.Idx, l.MarketID, l.CollateralMarket, l.Liquidator, l.Borrower,
		l.RepayAmount.Dec(), l.SeizeTokens.Dec(), out.Timestamp)
	return err
}

// Watermark returns the last sequence the projections reflect.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, workerID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// RebuildLiquidations reloads the liquidation history from the protocol
// log. Market and position rows carry state the log does not, so they are
// refreshed by the next command that touches them instead.
func RebuildLiquidations(ctx context.Context, db *sql.DB) (int64, error) {
	if _, err := db.ExecContext(ctx, `TRUNCATE projections.liquidations`); err != nil {
		return 0, fmt.Errorf("truncate: %w", err)
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(sequence, idx, debt_market, collateral_market, liquidator, borrower,
			 repay_amount, seize_tokens, timestamp)
		SELECT sequence, idx,
		       data->>'market_id', data->>'collateral_market',
		       (data->>'liquidator')::uuid, (data->>'borrower')::uuid,
		       (data->>'repay_amount')::numeric, (data->>'seize_tokens')::numeric,
		       timestamp
		FROM event_log.logs
		WHERE log_type = 'liquidated'
	`)
	if err != nil {
		return 0, fmt.Errorf("rebuild liquidations: %w", err)
	}
	return res.RowsAffected()
}
