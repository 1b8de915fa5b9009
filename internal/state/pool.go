package state

import (
	"github.com/google/uuid"

	fpmath "LeverLedger/internal/math"
)

// PoolState is the aggregate ledger of one pooled asset.
type PoolState struct {
	Asset            string
	TotalDeposits    int64
	TotalBorrowed    int64
	TotalShares      int64
	LastAccrual      int64 // unix seconds
	AccrualCarry     int64 // interest numerator below one unit, kept for the next accrual
	InsuranceReserve int64
	TotalBadDebt     int64
	SocializedLoss   int64 // bad debt not covered by the reserve, charged to depositors
	FlashFeesEarned  int64
	Model            fpmath.RateModel
}

func (p *PoolState) Clone() *PoolState {
	c := *p
	return &c
}

// Available is the unborrowed liquidity depositors can withdraw or the vault can borrow.
func (p *PoolState) Available() int64 {
	return p.TotalDeposits - p.TotalBorrowed
}

// AccountRef keys a user's entry in one pool.
type AccountRef struct {
	Asset   string
	Account uuid.UUID
}

// AccountEntry is a user's ledger entry inside one pool.
type AccountEntry struct {
	Asset                 string
	Account               uuid.UUID
	Shares                int64
	Borrowed              int64 // sum of the account's debt lines, grows with accrual
	Principal             int64
	RiskTier              uint32
	LastInterestTimestamp int64
}

func (e *AccountEntry) Clone() *AccountEntry {
	c := *e
	return &c
}

// IsEmpty reports whether the entry carries nothing worth keeping.
func (e *AccountEntry) IsEmpty() bool {
	return e.Shares == 0 && e.Borrowed == 0 && e.Principal == 0 && e.RiskTier == 0
}

// LineRef keys one debt line. The vault uses position ids as line ids.
type LineRef struct {
	Asset   string
	Account uuid.UUID
	Line    uint64
}

// Less orders lines by account then line id.
func (r LineRef) Less(o LineRef) bool {
	if r.Asset != o.Asset {
		return r.Asset < o.Asset
	}
	if c := compareUUID(r.Account, o.Account); c != 0 {
		return c < 0
	}
	return r.Line < o.Line
}

// DebtLine is one borrowing of an account.
type DebtLine struct {
	Ref       LineRef
	Principal int64
	Debt      int64 // principal plus accrued interest
}

func (l *DebtLine) Clone() *DebtLine {
	c := *l
	return &c
}

func compareUUID(a, b uuid.UUID) int {
	for i := 0; i < 16; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
