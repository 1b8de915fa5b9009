package ledger

import (
	"fmt"

	"LeverLedger/internal/fault"
)

// BalanceStore is the backing map of account balances. The state package
// provides a transactional implementation; MapStore is the plain one.
type BalanceStore interface {
	Balance(key AccountKey) int64
	SetBalance(key AccountKey, balance int64)
	RangeBalances(fn func(key AccountKey, balance int64))
}

// MapStore is a BalanceStore over a plain map.
type MapStore map[AccountKey]int64

func (m MapStore) Balance(key AccountKey) int64 { return m[key] }

func (m MapStore) SetBalance(key AccountKey, balance int64) {
	if balance == 0 {
		delete(m, key)
		return
	}
	m[key] = balance
}

func (m MapStore) RangeBalances(fn func(AccountKey, int64)) {
	for k, v := range m {
		fn(k, v)
	}
}

var ErrInsufficientBalance = fault.Transfer("ledger: insufficient balance")

// BalanceTracker maintains account balances
type BalanceTracker struct {
	balances BalanceStore
}

func NewBalanceTracker(store BalanceStore) *BalanceTracker {
	if store == nil {
		store = MapStore{}
	}
	return &BalanceTracker{balances: store}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances.SetBalance(j.DebitAccount, bt.balances.Balance(j.DebitAccount)+j.Amount)
	bt.balances.SetBalance(j.CreditAccount, bt.balances.Balance(j.CreditAccount)-j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances.Balance(key)
}

// ValidateSufficient checks the credit side of a transfer can fund it.
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required int64) error {
	if key.AllowsNegative() {
		return nil
	}
	if have := bt.GetBalance(key); have < required {
		return fmt.Errorf("%w: %s have=%d need=%d", ErrInsufficientBalance, key.AccountPath(), have, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 && !key.AllowsNegative() {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]int64 {
	totals := make(map[string]int64)

	bt.balances.RangeBalances(func(key AccountKey, balance int64) {
		totals[key.Asset] += balance
	})

	return totals
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64)
	bt.balances.RangeBalances(func(k AccountKey, v int64) {
		snapshot[k] = v
	})
	return snapshot
}
