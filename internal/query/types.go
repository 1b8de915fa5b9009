package query

import (
	"encoding/json"

	"github.com/google/uuid"

	fpmath "LeverLedger/internal/math"
)

// PoolResponse is a pool brought up to the last command time.
type PoolResponse struct {
	Asset            string           `json:"asset"`
	TotalDeposits    int64            `json:"total_deposits"`
	TotalBorrowed    int64            `json:"total_borrowed"`
	TotalShares      int64            `json:"total_shares"`
	Available        int64            `json:"available"`
	InsuranceReserve int64            `json:"insurance_reserve"`
	TotalBadDebt     int64            `json:"total_bad_debt"`
	SocializedLoss   int64            `json:"socialized_loss"`
	FlashFeesEarned  int64            `json:"flash_fees_earned"`
	Utilization      int64            `json:"utilization"` // Precision scale
	BorrowRateBps    int64            `json:"borrow_rate_bps"`
	SupplyRateBps    int64            `json:"supply_rate_bps"`
	RateModel        fpmath.RateModel `json:"rate_model"`
	LastAccrual      int64            `json:"last_accrual"`

	// Human-readable renderings of the fixed-point fields above
	Display PoolDisplay `json:"display"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

type PoolDisplay struct {
	TotalDeposits string `json:"total_deposits"`
	TotalBorrowed string `json:"total_borrowed"`
	Utilization   string `json:"utilization"`
	BorrowRate    string `json:"borrow_rate"`
	SupplyRate    string `json:"supply_rate"`
}

// AccountResponse is one account's standing in one pool.
type AccountResponse struct {
	Account         uuid.UUID    `json:"account"`
	Asset           string       `json:"asset"`
	WalletBalance   int64        `json:"wallet_balance"`
	Shares          int64        `json:"shares"`
	DepositValue    int64        `json:"deposit_value"`
	Outstanding     int64        `json:"outstanding"`
	CollateralValue int64        `json:"collateral_value"` // active vault positions funded in Asset
	Tier            TierResponse `json:"tier"`
	AsOfSequence    int64        `json:"as_of_sequence"`
}

// TierResponse is a risk tier.
type TierResponse struct {
	ID                      uint32   `json:"id"`
	Label                   string   `json:"label"`
	LTVBps                  int64    `json:"ltv_bps"`
	LiquidationThresholdBps int64    `json:"liquidation_threshold_bps"`
	LiquidationBonusBps     int64    `json:"liquidation_bonus_bps"`
	Assets                  []string `json:"assets,omitempty"`
}

// PositionResponse is a vault position. Health is set for active positions
// whose exposure asset has a fresh price.
type PositionResponse struct {
	ID             uint64          `json:"id"`
	Owner          uuid.UUID       `json:"owner"`
	Asset          string          `json:"asset"`
	QuoteAsset     string          `json:"quote_asset"`
	DepositAmount  int64           `json:"deposit_amount"`
	Leverage       int64           `json:"leverage"`
	TotalExposure  int64           `json:"total_exposure"`
	BorrowedAmount int64           `json:"borrowed_amount"`
	EntryPrice     int64           `json:"entry_price"`
	EntryTimestamp int64           `json:"entry_timestamp"`
	Status         string          `json:"status"`
	ClosedAt       int64           `json:"closed_at,omitempty"`
	ExitPrice      int64           `json:"exit_price,omitempty"`
	Health         *HealthResponse `json:"health,omitempty"`
	HealthError    string          `json:"health_error,omitempty"`
	AsOfSequence   int64           `json:"as_of_sequence"`
}

type HealthResponse struct {
	Price        int64  `json:"price"`
	CurrentValue int64  `json:"current_value"`
	Debt         int64  `json:"debt"`
	HealthFactor string `json:"health_factor"` // decimal, "inf" without debt
	Threshold    string `json:"threshold"`
	Liquidatable bool   `json:"liquidatable"`
}

// KeepersResponse lists the liquidation keepers.
type KeepersResponse struct {
	KeeperOnly   bool        `json:"keeper_only"`
	Keepers      []uuid.UUID `json:"keepers"`
	AsOfSequence int64       `json:"as_of_sequence"`
}

// PriceResponse is the latest oracle observation of an asset.
type PriceResponse struct {
	Asset        string `json:"asset"`
	Price        int64  `json:"price"`
	Display      string `json:"display"`
	AgeSeconds   int64  `json:"age_seconds"`
	Stale        bool   `json:"stale"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// BalanceEntry is a projected ledger balance.
type BalanceEntry struct {
	AccountPath  string `json:"account_path"`
	Asset        string `json:"asset"`
	Balance      int64  `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// RecordEntry is a stored observability record.
type RecordEntry struct {
	Sequence   int64           `json:"sequence"`
	Index      int             `json:"index"`
	RecordType string          `json:"record_type"`
	Payload    json.RawMessage `json:"payload"`
}

// LiquidationEntry is a projected liquidation.
type LiquidationEntry struct {
	Sequence         int64     `json:"sequence"`
	PositionID       uint64    `json:"position_id"`
	Owner            uuid.UUID `json:"owner"`
	Liquidator       uuid.UUID `json:"liquidator"`
	Asset            string    `json:"asset"`
	HealthFactor     int64     `json:"health_factor"`
	DebtOutstanding  int64     `json:"debt_outstanding"`
	CollateralSeized int64     `json:"collateral_seized"`
	LiquidatorBonus  int64     `json:"liquidator_bonus"`
	BadDebt          int64     `json:"bad_debt"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance int64  `json:"imbalance"`
}
