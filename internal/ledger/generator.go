package ledger

import (
	"fmt"

	"LeverLedger/internal/fault"
)

// JournalGenerator turns token movements into journals, checking each one
// against the running balances before applying it, so later movements in the
// same command observe earlier ones.
type JournalGenerator struct {
	tracker  *BalanceTracker
	journals []Journal
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{tracker: tracker}
}

// Transfer moves amount of asset from one account to another.
// Moves funds: from (credit) → to (debit)
func (jg *JournalGenerator) Transfer(from, to AccountKey, amount int64, jt JournalType) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return fault.Validationf("transfer %s: negative amount %d", jt, amount)
	}
	if from.Asset != to.Asset {
		return fmt.Errorf("transfer %s: asset mismatch %s -> %s", jt, from.Asset, to.Asset)
	}
	if from == to {
		return fmt.Errorf("transfer %s: self transfer on %s", jt, from.AccountPath())
	}
	if err := jg.tracker.ValidateSufficient(from, amount); err != nil {
		return fmt.Errorf("transfer %s: %w", jt, err)
	}

	j := Journal{
		DebitAccount:  to,
		CreditAccount: from,
		Asset:         from.Asset,
		Amount:        amount,
		JournalType:   jt,
	}
	jg.tracker.ApplyJournal(j)
	jg.journals = append(jg.journals, j)
	return nil
}

// Journals returns the movements generated so far.
func (jg *JournalGenerator) Journals() []Journal {
	return jg.journals
}

// Balance reads through to the tracker.
func (jg *JournalGenerator) Balance(key AccountKey) int64 {
	return jg.tracker.GetBalance(key)
}

// Absorb appends journals already reflected in the tracker's balances. Used when
// a nested transaction folds into its parent.
func (jg *JournalGenerator) Absorb(journals []Journal) {
	jg.journals = append(jg.journals, journals...)
}
