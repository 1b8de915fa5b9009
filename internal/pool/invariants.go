package pool

import (
	"fmt"

	"LeverLedger/internal/ledger"
	"LeverLedger/internal/state"
)

// CheckInvariants verifies every pool against its accounts, debt lines and
// ledger cash. A failure means a bug, never bad input.
func (l *Ledger) CheckInvariants(tx *state.Txn) error {
	shares := make(map[string]int64)
	borrowed := make(map[string]int64)
	for _, ref := range tx.Accounts.Keys() {
		e, _ := tx.Accounts.Peek(ref)
		if e.Shares < 0 || e.Borrowed < 0 || e.Principal < 0 {
			return fmt.Errorf("account %s/%s: negative field shares=%d borrowed=%d principal=%d",
				ref.Asset, ref.Account, e.Shares, e.Borrowed, e.Principal)
		}
		shares[ref.Asset] += e.Shares
		borrowed[ref.Asset] += e.Borrowed
	}

	lines := make(map[string]int64)
	for _, ref := range tx.Lines.Keys() {
		dl, _ := tx.Lines.Peek(ref)
		if dl.Debt <= 0 || dl.Principal < 0 || dl.Principal > dl.Debt {
			return fmt.Errorf("line %s/%s/%d: principal=%d debt=%d", ref.Asset, ref.Account, ref.Line, dl.Principal, dl.Debt)
		}
		lines[ref.Asset] += dl.Debt
	}

	for _, asset := range tx.Pools.Keys() {
		p, _ := tx.Pools.Peek(asset)

		if shares[asset] != p.TotalShares {
			return fmt.Errorf("pool %s: account shares %d != total shares %d", asset, shares[asset], p.TotalShares)
		}
		if borrowed[asset] != p.TotalBorrowed || lines[asset] != p.TotalBorrowed {
			return fmt.Errorf("pool %s: account debt %d, line debt %d, total borrowed %d",
				asset, borrowed[asset], lines[asset], p.TotalBorrowed)
		}
		if p.TotalBorrowed > p.TotalDeposits {
			return fmt.Errorf("pool %s: borrowed %d exceeds deposits %d", asset, p.TotalBorrowed, p.TotalDeposits)
		}
		if p.TotalShares == 0 && p.TotalDeposits != 0 {
			return fmt.Errorf("pool %s: %d deposits without shares", asset, p.TotalDeposits)
		}
		if p.TotalDeposits == 0 && p.TotalShares != 0 {
			return fmt.Errorf("pool %s: %d shares without deposits", asset, p.TotalShares)
		}
		if p.InsuranceReserve < 0 {
			return fmt.Errorf("pool %s: negative insurance reserve %d", asset, p.InsuranceReserve)
		}

		cash := tx.Balance(ledger.PoolCashKey(asset))
		if cash+p.TotalBorrowed != p.TotalDeposits+p.InsuranceReserve {
			return fmt.Errorf("pool %s: cash %d + borrowed %d != deposits %d + reserve %d",
				asset, cash, p.TotalBorrowed, p.TotalDeposits, p.InsuranceReserve)
		}
	}
	return nil
}
