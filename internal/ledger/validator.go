package ledger

import (
	"fmt"
	"sort"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateNoOverdraft verifies no internal account went negative.
func (v *InvariantValidator) ValidateNoOverdraft() error {
	var bad []string
	v.tracker.balances.RangeBalances(func(key AccountKey, balance int64) {
		if balance < 0 && !key.AllowsNegative() {
			bad = append(bad, fmt.Sprintf("%s=%d", key.AccountPath(), balance))
		}
	})
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("overdrawn accounts: %v", bad)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	assets := make([]string, 0, len(totals))
	for asset := range totals {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		if total := totals[asset]; total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", asset, total)
		}
	}

	return nil
}
