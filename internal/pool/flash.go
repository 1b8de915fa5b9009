package pool

import (
	"fmt"

	"LeverLedger/internal/event"
	"LeverLedger/internal/fault"
	"LeverLedger/internal/ledger"
	fpmath "LeverLedger/internal/math"
	"LeverLedger/internal/state"

	"github.com/google/uuid"
)

var (
	ErrFlashLoanActive    = fault.Conflict("pool: flash loan already in flight")
	ErrFlashLoanNotRepaid = fault.Validation("pool: flash loan not repaid")
	ErrFlashContextClosed = fault.Validation("pool: flash loan context used after settlement")
)

// FlashLoan is the outstanding-debt record of one flash loan. Only
// FlashContext.Repay reduces it.
type FlashLoan struct {
	ID       uuid.UUID
	Receiver uuid.UUID
	Asset    string
	Amount   int64
	Fee      int64
	Repaid   int64
}

// Owed is what must be repaid before settlement.
func (f FlashLoan) Owed() int64 { return f.Amount + f.Fee }

// FlashReceiver is an in-process borrower. It gets the loaned tokens in its
// wallet and must repay through the context before returning.
type FlashReceiver interface {
	OnFlashLoan(fc *FlashContext, loan FlashLoan, data []byte) error
}

// FlashContext is the receiver's handle on the loan while the callback runs.
type FlashContext struct {
	l      *Ledger
	tx     *state.Txn
	loan   *FlashLoan
	closed bool
}

// Repay moves amount from the receiver's wallet back to pool cash against
// the loan record.
func (fc *FlashContext) Repay(amount int64) error {
	if fc.closed {
		return ErrFlashContextClosed
	}
	if amount <= 0 {
		return ErrZeroAmount
	}
	wallet := ledger.WalletKey(fc.loan.Receiver, fc.loan.Asset)
	if err := fc.tx.Transfer(wallet, ledger.PoolCashKey(fc.loan.Asset), amount, ledger.JournalTypeFlashRepay); err != nil {
		return fmt.Errorf("flash repay: %w", err)
	}
	fc.loan.Repaid += amount
	return nil
}

// Deposit is an ordinary pool deposit by the receiver. It mints shares and
// does not count toward the loan.
func (fc *FlashContext) Deposit(amount int64) (int64, error) {
	if fc.closed {
		return 0, ErrFlashContextClosed
	}
	return fc.l.Deposit(fc.tx, fc.loan.Receiver, fc.loan.Asset, amount)
}

// Balance is the receiver's wallet balance in the loan asset.
func (fc *FlashContext) Balance() int64 {
	return fc.tx.Balance(ledger.WalletKey(fc.loan.Receiver, fc.loan.Asset))
}

func (fc *FlashContext) Loan() FlashLoan { return *fc.loan }

// FlashLoan lends amount to receiver for the duration of the callback.
// The whole transaction must be dropped by the caller when an error is
// returned; the pool's fields are only touched once repayment is verified.
func (l *Ledger) FlashLoan(tx *state.Txn, loanID, receiverID uuid.UUID, receiver FlashReceiver, asset string, amount int64, data []byte) (FlashLoan, error) {
	if l.flashActive {
		return FlashLoan{}, ErrFlashLoanActive
	}
	if amount <= 0 {
		return FlashLoan{}, ErrZeroAmount
	}
	p, err := l.load(tx, asset)
	if err != nil {
		return FlashLoan{}, err
	}
	l.accrue(tx, p)
	if amount > p.Available() {
		return FlashLoan{}, fmt.Errorf("%w: requested=%d available=%d", ErrInsufficientLiquidity, amount, p.Available())
	}

	l.flashActive = true
	defer func() { l.flashActive = false }()

	loan := &FlashLoan{
		ID:       loanID,
		Receiver: receiverID,
		Asset:    asset,
		Amount:   amount,
		Fee:      fpmath.ApplyBpsUp(amount, l.cfg.FlashFeeBps),
	}
	wallet := ledger.WalletKey(receiverID, asset)
	if err := tx.Transfer(ledger.PoolCashKey(asset), wallet, amount, ledger.JournalTypeFlashIssue); err != nil {
		return FlashLoan{}, fmt.Errorf("flash issue: %w", err)
	}

	fc := &FlashContext{l: l, tx: tx, loan: loan}
	cbErr := receiver.OnFlashLoan(fc, *loan, data)
	fc.closed = true
	if cbErr != nil {
		return *loan, fmt.Errorf("flash receiver %s: %w", receiverID, cbErr)
	}
	if loan.Repaid < loan.Owed() {
		return *loan, fmt.Errorf("%w: owed=%d repaid=%d", ErrFlashLoanNotRepaid, loan.Owed(), loan.Repaid)
	}

	if excess := loan.Repaid - loan.Owed(); excess > 0 {
		if err := tx.Transfer(ledger.PoolCashKey(asset), wallet, excess, ledger.JournalTypeFlashRefund); err != nil {
			return *loan, fmt.Errorf("flash refund: %w", err)
		}
		loan.Repaid -= excess
	}

	// Deposit may have run inside the callback; reload the claimed row.
	p, _ = tx.Pool(asset)
	p.TotalDeposits += loan.Fee
	p.FlashFeesEarned += loan.Fee

	tx.Emit(event.FlashLoanSettled{
		LoanID:        loan.ID,
		Receiver:      receiverID,
		Asset:         asset,
		Amount:        loan.Amount,
		Fee:           loan.Fee,
		Repaid:        loan.Repaid,
		TotalDeposits: p.TotalDeposits,
	})
	return *loan, nil
}

// FlashActive reports whether a flash loan is in flight.
func (l *Ledger) FlashActive() bool { return l.flashActive }
