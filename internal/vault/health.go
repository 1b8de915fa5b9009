package vault

import (
	"fmt"

	"LeverLedger/internal/emode"
	fpmath "LeverLedger/internal/math"
	"LeverLedger/internal/state"

	"github.com/google/uuid"
)

// Health is a position's risk snapshot at the current price.
type Health struct {
	PositionID   uint64
	Price        int64
	CurrentValue int64
	Debt         int64
	HealthFactor int64 // Precision scale; fpmath.Infinite without debt
	Threshold    int64 // health factor below which the position is liquidatable
	Tier         state.Tier
	Liquidatable bool
}

func currentValue(pos *state.Position, price int64) int64 {
	return fpmath.MulDiv(pos.TotalExposure, price, pos.EntryPrice, fpmath.RoundDown)
}

// HealthFactorOf is value * Precision / debt, infinite when debt is zero.
func HealthFactorOf(value, debt int64) int64 {
	if debt <= 0 {
		return fpmath.Infinite
	}
	return fpmath.MulDiv(value, fpmath.Precision, debt, fpmath.RoundDown)
}

// Assess prices an active position and compares it to its owner's tier.
func (v *Vault) Assess(tx *state.Txn, id uint64) (Health, error) {
	pos, ok := tx.Positions.Peek(id)
	if !ok {
		return Health{}, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	if !pos.IsActive() {
		return Health{}, fmt.Errorf("%w: position %d is %s", ErrPositionNotActive, id, pos.Status)
	}

	price, err := v.price(tx, pos.Asset)
	if err != nil {
		return Health{}, err
	}
	debt, err := v.pool.LineOutstanding(tx, pos.Owner, id, pos.QuoteAsset)
	if err != nil {
		return Health{}, err
	}

	tier := v.tiers.AccountTier(tx, pos.Owner, pos.QuoteAsset)
	h := Health{
		PositionID:   id,
		Price:        price,
		CurrentValue: currentValue(pos, price),
		Debt:         debt,
		Threshold:    emode.LiquidationHealth(tier),
		Tier:         *tier,
	}
	h.HealthFactor = HealthFactorOf(h.CurrentValue, debt)
	h.Liquidatable = debt > 0 && h.HealthFactor < h.Threshold
	return h, nil
}

func (v *Vault) HealthFactor(tx *state.Txn, id uint64) (int64, error) {
	h, err := v.Assess(tx, id)
	if err != nil {
		return 0, err
	}
	return h.HealthFactor, nil
}

func (v *Vault) IsLiquidatable(tx *state.Txn, id uint64) (bool, error) {
	h, err := v.Assess(tx, id)
	if err != nil {
		return false, err
	}
	return h.Liquidatable, nil
}

// CollateralValue sums the current value of the account's active positions
// funded in asset. It is the pool's view of collateral held in the vault.
func (v *Vault) CollateralValue(tx *state.Txn, account uuid.UUID, asset string) (int64, error) {
	var total int64
	for _, pos := range tx.PositionsOf(account, true) {
		if pos.QuoteAsset != asset {
			continue
		}
		price, err := v.price(tx, pos.Asset)
		if err != nil {
			return 0, err
		}
		total += currentValue(pos, price)
	}
	return total, nil
}
