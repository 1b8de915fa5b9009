package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"LeverLedger/internal/fault"
	"LeverLedger/internal/observability"
)

// ErrNoDatabase is returned by history queries when the service runs
// without Postgres.
var ErrNoDatabase = fault.NotFound("query: history store not configured")

const (
	defaultPageSize = 100
	maxPageSize     = 1_000
)

// QueryService answers reads. Live state (pools, accounts, positions, tiers)
// is read from the engine between commands; history is read from the event
// log and projection tables, tagged with the projection watermark.
type QueryService struct {
	db      *sql.DB
	live    EngineReader
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, live EngineReader, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, live: live, metrics: metrics}
}

// track records one request against endpoint; call the result with the
// request's error.
func (qs *QueryService) track(endpoint string) func(error) {
	start := time.Now()
	return func(err error) {
		if qs.metrics == nil {
			return
		}
		status := "ok"
		if err != nil {
			status = fault.Label(err)
		}
		qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
		qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return min(limit, maxPageSize)
}

// GetBalances returns the projected ledger balances of an account.
func (qs *QueryService) GetBalances(ctx context.Context, account uuid.UUID) (_ []BalanceEntry, _ int64, err error) {
	defer func(done func(error)) { done(err) }(qs.track("get_balances"))
	if qs.db == nil {
		return nil, 0, ErrNoDatabase
	}

	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset, balance, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path, asset
	`, accountPrefix(account))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []BalanceEntry
	for rows.Next() {
		var b BalanceEntry
		if err := rows.Scan(&b.AccountPath, &b.Asset, &b.Balance, &b.LastSequence); err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, asOf, rows.Err()
}

// GetJournalHistory returns journal entries touching an account, newest
// first. beforeSequence pages backwards; zero starts at the tip.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	beforeSequence int64,
) (_ []JournalHistoryEntry, err error) {
	defer func(done func(error)) { done(err) }(qs.track("journal_history"))
	if qs.db == nil {
		return nil, ErrNoDatabase
	}

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix(account)}
	if beforeSequence > 0 {
		args = append(args, beforeSequence)
		query += fmt.Sprintf(" AND sequence < $%d", len(args))
	}
	args = append(args, pageSize(limit))
	query += fmt.Sprintf(" ORDER BY sequence DESC, journal_id LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetRecords returns stored records in log order after afterSequence,
// optionally filtered by record type.
func (qs *QueryService) GetRecords(
	ctx context.Context,
	recordType string,
	afterSequence int64,
	limit int,
) (_ []RecordEntry, err error) {
	defer func(done func(error)) { done(err) }(qs.track("records"))
	if qs.db == nil {
		return nil, ErrNoDatabase
	}

	query := `SELECT sequence, idx, record_type, payload FROM event_log.records WHERE sequence > $1`
	args := []any{afterSequence}
	if recordType != "" {
		args = append(args, recordType)
		query += fmt.Sprintf(" AND record_type = $%d", len(args))
	}
	args = append(args, pageSize(limit))
	query += fmt.Sprintf(" ORDER BY sequence, idx LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecordEntry
	for rows.Next() {
		var r RecordEntry
		if err := rows.Scan(&r.Sequence, &r.Index, &r.RecordType, &r.Payload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetLiquidations returns an owner's projected liquidations, newest first.
// A nil owner lists every liquidation.
func (qs *QueryService) GetLiquidations(ctx context.Context, owner uuid.UUID, limit int) (_ []LiquidationEntry, err error) {
	defer func(done func(error)) { done(err) }(qs.track("liquidations"))
	if qs.db == nil {
		return nil, ErrNoDatabase
	}

	query := `
		SELECT sequence, position_id, owner, liquidator, asset, health_factor,
		       debt_outstanding, collateral_seized, liquidator_bonus, bad_debt
		FROM projections.liquidations`
	var args []any
	if owner != uuid.Nil {
		args = append(args, owner)
		query += " WHERE owner = $1"
	}
	args = append(args, pageSize(limit))
	query += fmt.Sprintf(" ORDER BY sequence DESC, position_id LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiquidationEntry
	for rows.Next() {
		var (
			l  LiquidationEntry
			id int64
		)
		if err := rows.Scan(
			&l.Sequence, &id, &l.Owner, &l.Liquidator, &l.Asset, &l.HealthFactor,
			&l.DebtOutstanding, &l.CollateralSeized, &l.LiquidatorBonus, &l.BadDebt,
		); err != nil {
			return nil, err
		}
		l.PositionID = uint64(id)
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the persisted hash chain, sequence continuity and
// the zero-sum of projected balances per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (_ *IntegrityReport, err error) {
	defer func(done func(error)) { done(err) }(qs.track("verify_integrity"))
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	report := &IntegrityReport{}

	report.HashChainBreaks, err = qs.int64Column(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}

	report.SequenceGaps, err = qs.int64Column(ctx, `
		SELECT e1.sequence + 1
		FROM event_log.events e1
		WHERE e1.sequence < (SELECT MAX(sequence) FROM event_log.events)
		  AND NOT EXISTS (SELECT 1 FROM event_log.events e2 WHERE e2.sequence = e1.sequence + 1)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("sequence gaps: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) <> 0
		ORDER BY asset
	`)
	if err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u UnbalancedAsset
		if err := rows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) int64Column(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

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

// accountPrefix matches every ledger account of a user.
func accountPrefix(account uuid.UUID) string {
	return "user:" + strings.ToLower(account.String()) + ":%"
}
