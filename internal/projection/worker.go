package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"LeverLedger/internal/core"
	"LeverLedger/internal/event"
	"LeverLedger/internal/ledger"
)

const watermarkID = "main"

// ProjectionWorker maintains the read-side tables from committed outputs.
// Its input is fed with non-blocking sends, so a slow worker misses outputs;
// a gap is logged and the tables can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.Output
	lastSeq   int64
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.Output, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		logger:    logger.With().Str("worker", "projection").Logger(),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			if pw.lastSeq > 0 && seq != pw.lastSeq+1 {
				pw.logger.Warn().
					Int64("expected", pw.lastSeq+1).
					Int64("got", seq).
					Msg("projection gap, rebuild to resync")
			}

			if err := pw.Apply(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
			}
			pw.lastSeq = seq
		}
	}
}

// Apply projects one output in a single transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, output core.Output) error {
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := updateBalance(ctx, tx, j, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	for _, rec := range output.Records {
		if liq, ok := rec.(event.PositionLiquidated); ok {
			if err := insertLiquidation(ctx, tx, seq, liq); err != nil {
				return fmt.Errorf("liquidation projection: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func updateBalance(ctx context.Context, tx *sql.Tx, j ledger.Journal, seq int64) error {
	const upsert = `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4`

	// Debit increases, credit decreases.
	if _, err := tx.ExecContext(ctx, upsert, j.DebitAccount.AccountPath(), j.Asset, j.Amount, seq); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, upsert, j.CreditAccount.AccountPath(), j.Asset, -j.Amount, seq)
	return err
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, seq int64, r event.PositionLiquidated) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(sequence, position_id, owner, liquidator, asset, health_factor,
			 debt_outstanding, collateral_seized, liquidator_bonus, bad_debt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (sequence, position_id) DO NOTHING
	`, seq, int64(r.PositionID), r.Owner, r.Liquidator, r.Asset, r.HealthFactor,
		r.DebtOutstanding, r.CollateralSeized, r.LiquidatorBonus, r.BadDebtRecorded)
	return err
}

// RebuildProjections rebuilds every projection table from the persisted log.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []struct {
		name  string
		query string
	}{
		{"truncate balances", `TRUNCATE projections.balances`},
		{"truncate liquidations", `TRUNCATE projections.liquidations`},
		{"balances", `
			INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
			SELECT account_path, asset, SUM(delta), MAX(sequence)
			FROM (
				SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM event_log.journal
				UNION ALL
				SELECT credit_account, asset, -amount, sequence FROM event_log.journal
			) moves
			GROUP BY account_path, asset`},
		{"liquidations", `
			INSERT INTO projections.liquidations
				(sequence, position_id, owner, liquidator, asset, health_factor,
				 debt_outstanding, collateral_seized, liquidator_bonus, bad_debt)
			SELECT sequence,
				(payload->>'position_id')::BIGINT,
				(payload->>'owner')::UUID,
				(payload->>'liquidator')::UUID,
				payload->>'asset',
				(payload->>'health_factor')::BIGINT,
				(payload->>'debt_outstanding')::BIGINT,
				(payload->>'collateral_seized')::BIGINT,
				(payload->>'liquidator_bonus')::BIGINT,
				(payload->>'bad_debt_recorded')::BIGINT
			FROM event_log.records
			WHERE record_type = 'position_liquidated'
			ORDER BY sequence, idx`},
		{"watermark", `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			SELECT '` + watermarkID + `', COALESCE(MAX(sequence), 0), NOW() FROM event_log.events
			ON CONFLICT (worker_id) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()`},
	}

	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.query); err != nil {
			return fmt.Errorf("rebuild %s: %w", s.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
