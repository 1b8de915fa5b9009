package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeWalletCredit JournalType = iota
	JournalTypeWalletDebit
	JournalTypePoolDeposit
	JournalTypePoolWithdraw
	JournalTypeBorrow
	JournalTypeRepay
	JournalTypeCollateral
	JournalTypeEntryFee
	JournalTypePnLSettle
	JournalTypePayout
	JournalTypePlatformFee
	JournalTypeLiquidationBonus
	JournalTypeLiquidationRoute
	JournalTypeFlashIssue
	JournalTypeFlashRepay
	JournalTypeFlashRefund
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeWalletCredit:
		return "wallet_credit"
	case JournalTypeWalletDebit:
		return "wallet_debit"
	case JournalTypePoolDeposit:
		return "pool_deposit"
	case JournalTypePoolWithdraw:
		return "pool_withdraw"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeCollateral:
		return "collateral"
	case JournalTypeEntryFee:
		return "entry_fee"
	case JournalTypePnLSettle:
		return "pnl_settle"
	case JournalTypePayout:
		return "payout"
	case JournalTypePlatformFee:
		return "platform_fee"
	case JournalTypeLiquidationBonus:
		return "liquidation_bonus"
	case JournalTypeLiquidationRoute:
		return "liquidation_route"
	case JournalTypeFlashIssue:
		return "flash_issue"
	case JournalTypeFlashRepay:
		return "flash_repay"
	case JournalTypeFlashRefund:
		return "flash_refund"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Asset         string      // Asset being transferred
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// NewBatch starts an empty batch for one command.
func NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// Append stamps the journals with the batch identity and adds them.
func (b *Batch) Append(journals ...Journal) {
	for _, j := range journals {
		j.JournalID = uuid.New()
		j.BatchID = b.BatchID
		j.EventRef = b.EventRef
		j.Sequence = b.Sequence
		j.Timestamp = b.Timestamp
		b.Journals = append(b.Journals, j)
	}
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from the credit account to the debit
// account, so every entry balances by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s mixes assets: %s -> %s (%s)",
				j.JournalID, j.CreditAccount.Asset, j.DebitAccount.Asset, j.Asset)
		}
	}

	return nil
}
