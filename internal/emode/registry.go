// Package emode is the risk tier registry. Tiers trade a higher loan-to-value
// for an assumed correlation between the account's collateral and its debt.
package emode

import (
	"fmt"
	"slices"

	"LeverLedger/internal/event"
	"LeverLedger/internal/fault"
	fpmath "LeverLedger/internal/math"
	"LeverLedger/internal/state"

	"github.com/google/uuid"
)

const DefaultTierID uint32 = 0

var (
	ErrUnknownTier         = fault.NotFound("emode: unknown tier")
	ErrTierSwitchUnhealthy = fault.Health("emode: debt exceeds the new tier's loan-to-value")
	ErrTierAssetMismatch   = fault.Health("emode: open position outside the tier's asset class")
)

// Limits bound what an admin may register.
type Limits struct {
	MaxLTVBps   int64 // exclusive
	MaxBonusBps int64 // inclusive
}

var DefaultLimits = Limits{
	MaxLTVBps:   9_900,
	MaxBonusBps: 1_000,
}

// DefaultTier applies to every account that never opted into a tier.
var DefaultTier = state.Tier{
	ID:                      DefaultTierID,
	LTVBps:                  8_000,
	LiquidationThresholdBps: 8_500,
	LiquidationBonusBps:     500,
	Label:                   "default",
}

// Registry manages risk tiers. Tier rows live in the transaction store so
// additions and updates commit atomically with the command that made them.
type Registry struct {
	limits      Limits
	defaultTier state.Tier
}

func NewRegistry(defaultTier state.Tier, limits Limits) (*Registry, error) {
	r := &Registry{limits: limits, defaultTier: defaultTier}
	defaultTier.ID = DefaultTierID
	if err := r.ValidateTier(&defaultTier); err != nil {
		return nil, fmt.Errorf("invalid default tier: %w", err)
	}
	r.defaultTier = defaultTier
	return r, nil
}

// ValidateTier checks that tier parameters are within valid ranges:
// 0 < ltv < max_ltv, ltv < threshold <= 100%, 0 <= bonus <= max_bonus.
func (r *Registry) ValidateTier(t *state.Tier) error {
	if t.LTVBps <= 0 {
		return fault.Validationf("ltv_bps must be > 0, got %d", t.LTVBps)
	}
	if t.LTVBps >= r.limits.MaxLTVBps {
		return fault.Validationf("ltv_bps must be < %d, got %d", r.limits.MaxLTVBps, t.LTVBps)
	}
	if t.LiquidationThresholdBps <= t.LTVBps {
		return fault.Validationf("liquidation_threshold_bps (%d) must be > ltv_bps (%d)", t.LiquidationThresholdBps, t.LTVBps)
	}
	if t.LiquidationThresholdBps > fpmath.BpsDenominator {
		return fault.Validationf("liquidation_threshold_bps must be <= %d, got %d", fpmath.BpsDenominator, t.LiquidationThresholdBps)
	}
	if t.LiquidationBonusBps < 0 || t.LiquidationBonusBps > r.limits.MaxBonusBps {
		return fault.Validationf("liquidation_bonus_bps must be in [0, %d], got %d", r.limits.MaxBonusBps, t.LiquidationBonusBps)
	}
	if t.Label == "" {
		return fault.Validation("label must not be empty")
	}
	return nil
}

// AddTier registers a new tier and returns its id.
func (r *Registry) AddTier(tx *state.Txn, ltv, threshold, bonus int64, label string, assets []string) (uint32, error) {
	t := &state.Tier{
		LTVBps:                  ltv,
		LiquidationThresholdBps: threshold,
		LiquidationBonusBps:     bonus,
		Label:                   label,
		Assets:                  normalizeAssets(assets),
	}
	if err := r.ValidateTier(t); err != nil {
		return 0, fmt.Errorf("add tier: %w", err)
	}

	settings := tx.Settings()
	t.ID = settings.NextTierID
	settings.NextTierID++
	tx.Tiers.Put(t.ID, t)

	tx.Emit(tierRecord(t, true))
	return t.ID, nil
}

// UpdateTier is the explicit admin path for changing a tier that open debt
// may already reference.
func (r *Registry) UpdateTier(tx *state.Txn, id uint32, ltv, threshold, bonus int64, label string, assets []string) error {
	if _, err := r.Tier(tx, id); err != nil {
		return err
	}
	t := &state.Tier{
		ID:                      id,
		LTVBps:                  ltv,
		LiquidationThresholdBps: threshold,
		LiquidationBonusBps:     bonus,
		Label:                   label,
		Assets:                  normalizeAssets(assets),
	}
	if err := r.ValidateTier(t); err != nil {
		return fmt.Errorf("update tier %d: %w", id, err)
	}
	tx.Tiers.Put(id, t)

	tx.Emit(tierRecord(t, false))
	return nil
}

// Tier returns a tier by id. Tier 0 falls back to the configured default
// until an admin overrides it.
func (r *Registry) Tier(tx *state.Txn, id uint32) (*state.Tier, error) {
	if t, ok := tx.Tiers.Peek(id); ok {
		return t, nil
	}
	if id == DefaultTierID {
		d := r.defaultTier
		return &d, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownTier, id)
}

// Tiers lists every tier, default first.
func (r *Registry) Tiers(tx *state.Txn) []*state.Tier {
	ids := tx.Tiers.Keys()
	slices.Sort(ids)

	out := make([]*state.Tier, 0, len(ids)+1)
	if !slices.Contains(ids, DefaultTierID) {
		d := r.defaultTier
		out = append(out, &d)
	}
	for _, id := range ids {
		t, _ := tx.Tiers.Peek(id)
		out = append(out, t)
	}
	return out
}

// AccountTier resolves the tier an account is in for the given pool.
func (r *Registry) AccountTier(tx *state.Txn, account uuid.UUID, asset string) *state.Tier {
	id := DefaultTierID
	if e, ok := tx.PeekAccount(asset, account); ok {
		id = e.RiskTier
	}
	t, err := r.Tier(tx, id)
	if err != nil {
		d := r.defaultTier
		return &d
	}
	return t
}

// SwitchCheck is what the caller knows about the account at switch time.
type SwitchCheck struct {
	Debt            int64
	CollateralValue int64
	ExposureAssets  []string // assets of the account's active positions
}

// SetUserTier moves an account into a tier. With debt outstanding, the new
// tier's LTV must still cover it; when the tier names an asset class, every
// active position must belong to it.
func (r *Registry) SetUserTier(tx *state.Txn, account uuid.UUID, asset string, id uint32, check SwitchCheck) error {
	tier, err := r.Tier(tx, id)
	if err != nil {
		return err
	}

	from := DefaultTierID
	if e, ok := tx.PeekAccount(asset, account); ok {
		from = e.RiskTier
	}
	if from == id {
		return nil
	}

	for _, a := range check.ExposureAssets {
		if !tier.Admits(a) {
			return fmt.Errorf("%w: tier %d (%s) does not admit %s", ErrTierAssetMismatch, id, tier.Label, a)
		}
	}

	if check.Debt > 0 {
		maxBorrow := fpmath.ApplyBps(check.CollateralValue, tier.LTVBps)
		if check.Debt > maxBorrow {
			return fmt.Errorf("%w: debt=%d max=%d", ErrTierSwitchUnhealthy, check.Debt, maxBorrow)
		}
	}

	entry := tx.Account(asset, account)
	entry.RiskTier = id
	entry.LastInterestTimestamp = tx.Now()
	if entry.IsEmpty() {
		tx.Accounts.Delete(state.AccountRef{Asset: asset, Account: account})
	}

	tx.Emit(event.TierSwitched{Account: account, Asset: asset, From: from, To: id})
	return nil
}

// LiquidationHealth is the health-factor boundary of a tier:
// a position is liquidatable below Precision * 10_000 / threshold.
func LiquidationHealth(t *state.Tier) int64 {
	return fpmath.MulDiv(fpmath.Precision, fpmath.BpsDenominator, t.LiquidationThresholdBps, fpmath.RoundDown)
}

func normalizeAssets(assets []string) []string {
	if len(assets) == 0 {
		return nil
	}
	out := slices.Clone(assets)
	slices.Sort(out)
	return slices.Compact(out)
}

func tierRecord(t *state.Tier, created bool) event.TierChanged {
	return event.TierChanged{
		TierID:                  t.ID,
		LTVBps:                  t.LTVBps,
		LiquidationThresholdBps: t.LiquidationThresholdBps,
		LiquidationBonusBps:     t.LiquidationBonusBps,
		Label:                   t.Label,
		Assets:                  t.Assets,
		Created:                 created,
	}
}
