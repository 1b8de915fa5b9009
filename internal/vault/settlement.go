package vault

import (
	"fmt"

	"LeverLedger/internal/fees"
	"LeverLedger/internal/ledger"
	"LeverLedger/internal/pool"
	"LeverLedger/internal/state"

	"github.com/google/uuid"
)

// Settlement is a position being closed out. Its current value sits in
// vault custody and is handed out piece by piece; Close and the liquidation
// engine differ only in how they split it.
type Settlement struct {
	v   *Vault
	tx  *state.Txn
	pos *state.Position

	Price        int64
	CurrentValue int64
	Debt         int64 // line debt at settlement, interest included

	remaining  int64
	repaid     int64
	writtenOff bool
}

// Settle marks the position terminal at the current price and settles its
// PnL against the market so custody holds exactly its current value.
func (v *Vault) Settle(tx *state.Txn, id uint64, terminal state.PositionStatus) (*Settlement, error) {
	pos, err := v.lookup(tx, id)
	if err != nil {
		return nil, err
	}
	if !pos.IsActive() {
		return nil, fmt.Errorf("%w: position %d is %s", ErrPositionNotActive, id, pos.Status)
	}
	if !pos.Status.CanTransitionTo(terminal) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, pos.Status, terminal)
	}

	price, err := v.price(tx, pos.Asset)
	if err != nil {
		return nil, err
	}
	debt, err := v.pool.LineOutstanding(tx, pos.Owner, id, pos.QuoteAsset)
	if err != nil {
		return nil, err
	}
	value := currentValue(pos, price)

	custody := ledger.VaultCustodyKey(pos.QuoteAsset)
	market := ledger.MarketKey(pos.QuoteAsset)
	switch {
	case value > pos.TotalExposure:
		err = tx.Transfer(market, custody, value-pos.TotalExposure, ledger.JournalTypePnLSettle)
	case value < pos.TotalExposure:
		err = tx.Transfer(custody, market, pos.TotalExposure-value, ledger.JournalTypePnLSettle)
	}
	if err != nil {
		return nil, fmt.Errorf("settle pnl: %w", err)
	}

	pos.Status = terminal
	pos.ClosedAt = tx.Now()
	pos.ExitPrice = price

	return &Settlement{
		v:            v,
		tx:           tx,
		pos:          pos,
		Price:        price,
		CurrentValue: value,
		Debt:         debt,
		remaining:    value,
	}, nil
}

func (s *Settlement) Position() state.Position { return *s.pos }

// Remaining is the value not yet handed out.
func (s *Settlement) Remaining() int64 { return s.remaining }

// Outstanding is the debt neither repaid nor written off.
func (s *Settlement) Outstanding() int64 {
	if s.writtenOff {
		return 0
	}
	return s.Debt - s.repaid
}

func (s *Settlement) take(amount int64) error {
	if amount < 0 || amount > s.remaining {
		return fmt.Errorf("settlement of position %d: %d requested, %d remaining", s.pos.ID, amount, s.remaining)
	}
	s.remaining -= amount
	return nil
}

// Repay returns amount of the position's value to the pool and reports the
// interest part.
func (s *Settlement) Repay(amount int64) (int64, error) {
	if amount > s.Outstanding() {
		return 0, fmt.Errorf("%w: amount=%d outstanding=%d", pool.ErrRepayExceedsDebt, amount, s.Outstanding())
	}
	if err := s.take(amount); err != nil {
		return 0, err
	}
	interest, err := s.v.pool.Repay(s.tx, ID, s.pos.Owner, s.pos.ID, s.pos.QuoteAsset, amount)
	if err != nil {
		return 0, err
	}
	s.repaid += amount
	return interest, nil
}

// WriteOff settles the unpaid debt as bad debt.
func (s *Settlement) WriteOff() (pool.Coverage, error) {
	if s.Outstanding() == 0 {
		return pool.Coverage{}, nil
	}
	cov, err := s.v.pool.WriteOff(s.tx, ID, s.pos.Owner, s.pos.ID, s.pos.QuoteAsset)
	if err != nil {
		return pool.Coverage{}, err
	}
	s.writtenOff = true
	return cov, nil
}

// PayOut sends amount to an account's wallet.
func (s *Settlement) PayOut(to uuid.UUID, amount int64, jt ledger.JournalType) error {
	if err := s.take(amount); err != nil {
		return err
	}
	return s.tx.Transfer(ledger.VaultCustodyKey(s.pos.QuoteAsset), ledger.WalletKey(to, s.pos.QuoteAsset), amount, jt)
}

// CollectFee moves amount to the fee account and books it with the tracker.
func (s *Settlement) CollectFee(amount int64, feeType fees.FeeType, jt ledger.JournalType) error {
	if err := s.take(amount); err != nil {
		return err
	}
	quote := s.pos.QuoteAsset
	if err := s.tx.Transfer(ledger.VaultCustodyKey(quote), ledger.FeesKey(quote), amount, jt); err != nil {
		return err
	}
	return s.v.fees.CollectFees(s.tx, quote, amount, feeType)
}

// Finish checks every unit of value and debt was accounted for.
func (s *Settlement) Finish() error {
	if s.remaining != 0 {
		return fmt.Errorf("settlement of position %d: %d left undistributed", s.pos.ID, s.remaining)
	}
	if s.Outstanding() != 0 {
		return fmt.Errorf("settlement of position %d: %d debt left open", s.pos.ID, s.Outstanding())
	}
	s.tx.FeeEntries.Delete(s.pos.ID)
	return nil
}
