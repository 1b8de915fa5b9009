// Package liquidation force-closes unhealthy positions through the vault's
// settlement path, pays the liquidator and settles any shortfall as bad debt.
package liquidation

import (
	"errors"
	"fmt"
	"sort"

	"LeverLedger/internal/event"
	"LeverLedger/internal/fault"
	"LeverLedger/internal/fees"
	"LeverLedger/internal/ledger"
	fpmath "LeverLedger/internal/math"
	"LeverLedger/internal/state"
	"LeverLedger/internal/vault"

	"github.com/google/uuid"
)

var (
	ErrNotLiquidatable   = fault.Health("liquidation: position is not liquidatable")
	ErrSelfLiquidation   = fault.Authorization("liquidation: owner cannot liquidate own position")
	ErrNotKeeper         = fault.Authorization("liquidation: keeper-only mode and caller is not a keeper")
	ErrLiquidationActive = fault.Conflict("liquidation: already in progress")
	ErrEmptyBatch        = fault.Validation("liquidation: empty batch")
	ErrBatchTooLarge     = fault.Validation("liquidation: batch too large")
	ErrNoneLiquidated    = fault.Validation("liquidation: no position in the batch was liquidated")
	ErrKeeperExists      = fault.Conflict("liquidation: keeper already registered")
	ErrKeeperNotFound    = fault.Conflict("liquidation: not a keeper")
	ErrInvalidKeeper     = fault.Validation("liquidation: keeper id must not be nil")
)

type Config struct {
	MaxBatchSize int
}

var DefaultConfig = Config{MaxBatchSize: 20}

// Engine liquidates positions. It holds no position state of its own and
// reaches positions by id through the vault.
type Engine struct {
	cfg    Config
	vault  *vault.Vault
	active bool
}

func NewEngine(cfg Config, v *vault.Vault) (*Engine, error) {
	if cfg.MaxBatchSize <= 0 {
		return nil, fault.Validationf("max_batch_size must be > 0, got %d", cfg.MaxBatchSize)
	}
	return &Engine{cfg: cfg, vault: v}, nil
}

// Outcome is the distribution of one liquidation.
// DebtRepaid + LiquidatorBonus + InsuranceRouted == CollateralSeized and
// DebtRepaid + BadDebtRecorded == DebtOutstanding.
type Outcome struct {
	PositionID       uint64
	Owner            uuid.UUID
	HealthFactor     int64
	DebtOutstanding  int64
	DebtRepaid       int64
	CollateralSeized int64
	LiquidatorBonus  int64
	InsuranceRouted  int64
	BadDebtRecorded  int64
	InsuranceCovered int64
	Socialized       int64
}

func (o *Outcome) add(x Outcome) {
	o.DebtOutstanding += x.DebtOutstanding
	o.DebtRepaid += x.DebtRepaid
	o.CollateralSeized += x.CollateralSeized
	o.LiquidatorBonus += x.LiquidatorBonus
	o.InsuranceRouted += x.InsuranceRouted
	o.BadDebtRecorded += x.BadDebtRecorded
	o.InsuranceCovered += x.InsuranceCovered
	o.Socialized += x.Socialized
}

// Liquidate force-closes position id on behalf of caller.
func (e *Engine) Liquidate(tx *state.Txn, caller uuid.UUID, id uint64) (Outcome, error) {
	if e.active {
		return Outcome{}, ErrLiquidationActive
	}
	e.active = true
	defer func() { e.active = false }()

	if tx.Settings().KeeperOnly && !tx.IsKeeper(caller) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotKeeper, caller)
	}

	h, err := e.vault.Assess(tx, id)
	if err != nil {
		return Outcome{}, err
	}
	pos, err := e.vault.Position(tx, id)
	if err != nil {
		return Outcome{}, err
	}
	if pos.Owner == caller {
		return Outcome{}, fmt.Errorf("%w: position %d", ErrSelfLiquidation, id)
	}
	if !h.Liquidatable {
		return Outcome{}, fmt.Errorf("%w: position %d health=%s threshold=%s", ErrNotLiquidatable, id,
			fpmath.FormatFixed(h.HealthFactor, fpmath.PrecisionConfig),
			fpmath.FormatFixed(h.Threshold, fpmath.PrecisionConfig))
	}

	s, err := e.vault.Settle(tx, id, state.PositionStatusLiquidated)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		PositionID:       id,
		Owner:            pos.Owner,
		HealthFactor:     h.HealthFactor,
		DebtOutstanding:  s.Debt,
		CollateralSeized: s.CurrentValue,
	}
	value, debt := s.CurrentValue, s.Debt
	bonus := fpmath.ApplyBps(value, h.Tier.LiquidationBonusBps)

	// Solvent: debt first, then the bonus out of what is left, the rest
	// routed to the fee collector. Underwater: bonus first, the remainder
	// against the debt.
	if value >= debt {
		out.DebtRepaid = debt
		out.LiquidatorBonus = min(bonus, value-debt)
		out.InsuranceRouted = value - debt - out.LiquidatorBonus
	} else {
		out.LiquidatorBonus = min(bonus, value)
		out.DebtRepaid = value - out.LiquidatorBonus
	}

	if out.DebtRepaid > 0 {
		if _, err := s.Repay(out.DebtRepaid); err != nil {
			return Outcome{}, err
		}
	}
	if s.Outstanding() > 0 {
		cov, err := s.WriteOff()
		if err != nil {
			return Outcome{}, err
		}
		out.BadDebtRecorded = cov.Shortfall
		out.InsuranceCovered = cov.Covered
		out.Socialized = cov.Socialized
	}
	if err := s.PayOut(caller, out.LiquidatorBonus, ledger.JournalTypeLiquidationBonus); err != nil {
		return Outcome{}, err
	}
	if err := s.CollectFee(out.InsuranceRouted, fees.FeeTypeLiquidation, ledger.JournalTypeLiquidationRoute); err != nil {
		return Outcome{}, err
	}
	if err := s.Finish(); err != nil {
		return Outcome{}, err
	}

	tx.Emit(event.PositionLiquidated{
		PositionID:       id,
		Owner:            pos.Owner,
		Liquidator:       caller,
		Asset:            pos.Asset,
		ExitPrice:        s.Price,
		HealthFactor:     h.HealthFactor,
		DebtOutstanding:  out.DebtOutstanding,
		DebtRepaid:       out.DebtRepaid,
		CollateralSeized: out.CollateralSeized,
		LiquidatorBonus:  out.LiquidatorBonus,
		InsuranceRouted:  out.InsuranceRouted,
		BadDebtRecorded:  out.BadDebtRecorded,
	})
	return out, nil
}

// Failure is one id of a batch that could not be liquidated.
type Failure struct {
	PositionID uint64
	Err        error
}

type BatchResult struct {
	Outcomes []Outcome
	Failures []Failure
	Totals   Outcome
}

// BatchLiquidate is best effort. Each id runs in its own nested transaction;
// a failing id is rolled back alone and reported. If no id succeeds the
// joined errors are returned and the caller must drop the transaction.
func (e *Engine) BatchLiquidate(tx *state.Txn, caller uuid.UUID, ids []uint64) (BatchResult, error) {
	if len(ids) == 0 {
		return BatchResult{}, ErrEmptyBatch
	}
	if len(ids) > e.cfg.MaxBatchSize {
		return BatchResult{}, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(ids), e.cfg.MaxBatchSize)
	}

	var res BatchResult
	for _, id := range ids {
		sub := tx.Begin()
		out, err := e.Liquidate(sub, caller, id)
		if err == nil {
			err = sub.Commit()
		}
		if err != nil {
			sub.Rollback()
			res.Failures = append(res.Failures, Failure{PositionID: id, Err: err})
			continue
		}
		res.Outcomes = append(res.Outcomes, out)
		res.Totals.add(out)
	}

	if len(res.Outcomes) == 0 {
		errs := make([]error, 0, len(res.Failures)+1)
		errs = append(errs, ErrNoneLiquidated)
		for _, f := range res.Failures {
			errs = append(errs, fmt.Errorf("position %d: %w", f.PositionID, f.Err))
		}
		return res, errors.Join(errs...)
	}
	return res, nil
}

// AddKeeper puts a keeper on the allow-list.
func (e *Engine) AddKeeper(tx *state.Txn, keeper uuid.UUID) error {
	if keeper == uuid.Nil {
		return ErrInvalidKeeper
	}
	if tx.IsKeeper(keeper) {
		return fmt.Errorf("%w: %s", ErrKeeperExists, keeper)
	}
	tx.Keepers.Put(keeper, true)
	tx.Emit(event.KeeperChanged{Keeper: keeper, Added: true})
	return nil
}

func (e *Engine) RemoveKeeper(tx *state.Txn, keeper uuid.UUID) error {
	if !tx.IsKeeper(keeper) {
		return fmt.Errorf("%w: %s", ErrKeeperNotFound, keeper)
	}
	tx.Keepers.Delete(keeper)
	tx.Emit(event.KeeperChanged{Keeper: keeper, Added: false})
	return nil
}

// SetKeeperOnly restricts liquidation to keepers when enabled.
func (e *Engine) SetKeeperOnly(tx *state.Txn, enabled bool) {
	tx.Settings().KeeperOnly = enabled
	tx.Emit(event.KeeperModeChanged{Enabled: enabled})
}

// Keepers lists the allow-list in id order.
func (e *Engine) Keepers(tx *state.Txn) []uuid.UUID {
	var out []uuid.UUID
	for _, k := range tx.Keepers.Keys() {
		if tx.IsKeeper(k) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
