package fees

import (
	"fmt"

	"LeverLedger/internal/event"
	"LeverLedger/internal/fault"
	fpmath "LeverLedger/internal/math"
	"LeverLedger/internal/state"
)

type FeeType string

const (
	FeeTypeEntry       FeeType = "entry"
	FeeTypePerformance FeeType = "performance"
	FeeTypeLiquidation FeeType = "liquidation"
)

var ErrUnknownPosition = fault.NotFound("fees: no entry recorded for position")

// ValueTracker records each position's cost basis and prices the
// profit-only platform fee. Calls run inside the caller's transaction.
type ValueTracker interface {
	RecordEntry(tx *state.Txn, positionID uint64, asset string, depositValue int64) error
	CalculateValueIncrease(tx *state.Txn, positionID uint64, currentValue int64) (valueIncrease, platformFee, userAmount int64, err error)
	CollectFees(tx *state.Txn, token string, amount int64, feeType FeeType) error
}

// Tracker is the in-process ValueTracker.
type Tracker struct {
	platformFeeBps int64
}

func NewTracker(platformFeeBps int64) (*Tracker, error) {
	if platformFeeBps < 0 || platformFeeBps > fpmath.BpsDenominator {
		return nil, fault.Validationf("platform_fee_bps must be in [0, %d], got %d", fpmath.BpsDenominator, platformFeeBps)
	}
	return &Tracker{platformFeeBps: platformFeeBps}, nil
}

// RecordEntry sets (or resets, after added collateral) the position's basis.
func (t *Tracker) RecordEntry(tx *state.Txn, positionID uint64, asset string, depositValue int64) error {
	if depositValue < 0 {
		return fault.Validationf("fees: negative deposit value %d", depositValue)
	}
	tx.FeeEntries.Put(positionID, &state.FeeEntry{
		PositionID:   positionID,
		Asset:        asset,
		DepositValue: depositValue,
	})
	return nil
}

// CalculateValueIncrease splits currentValue into the platform's fee and the
// user's share. Only value above the recorded basis is charged.
func (t *Tracker) CalculateValueIncrease(tx *state.Txn, positionID uint64, currentValue int64) (int64, int64, int64, error) {
	entry, ok := tx.FeeEntries.Peek(positionID)
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: %d", ErrUnknownPosition, positionID)
	}
	if currentValue <= entry.DepositValue {
		return 0, 0, currentValue, nil
	}

	increase := currentValue - entry.DepositValue
	fee := fpmath.ApplyBps(increase, t.platformFeeBps)
	return increase, fee, currentValue - fee, nil
}

// CollectFees books fees already moved into the fee account.
func (t *Tracker) CollectFees(tx *state.Txn, token string, amount int64, feeType FeeType) error {
	if amount <= 0 {
		return nil
	}
	key := state.FeeKey{Token: token, FeeType: string(feeType)}
	total, _ := tx.FeeTotals.Get(key)
	total += amount
	tx.FeeTotals.Put(key, total)

	tx.Emit(event.FeesCollected{
		Token:   token,
		FeeType: string(feeType),
		Amount:  amount,
		Total:   total,
	})
	return nil
}
