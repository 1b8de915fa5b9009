package event

import "github.com/google/uuid"

// Record is a structured observability record emitted for every state
// transition. Records are buffered in the transaction and only leave the
// engine once the command commits.
type Record interface {
	RecordType() string
}

type WalletCredited struct {
	Account uuid.UUID `json:"account"`
	Asset   string    `json:"asset"`
	Amount  int64     `json:"amount"`
	Balance int64     `json:"balance"`
}

type WalletDebited struct {
	Account uuid.UUID `json:"account"`
	Asset   string    `json:"asset"`
	Amount  int64     `json:"amount"`
	Balance int64     `json:"balance"`
}

type PriceUpdated struct {
	Asset       string `json:"asset"`
	Price       int64  `json:"price"`
	Sequence    int64  `json:"sequence"`
	PublishedAt int64  `json:"published_at"`
}

type InterestAccrued struct {
	Asset            string `json:"asset"`
	Elapsed          int64  `json:"elapsed"`
	RateBps          int64  `json:"rate_bps"`
	Utilization      int64  `json:"utilization"`
	Interest         int64  `json:"interest"`
	InsuranceCut     int64  `json:"insurance_cut"`
	TotalDeposits    int64  `json:"total_deposits"`
	TotalBorrowed    int64  `json:"total_borrowed"`
	InsuranceReserve int64  `json:"insurance_reserve"`
}

type Deposited struct {
	Account       uuid.UUID `json:"account"`
	Asset         string    `json:"asset"`
	Amount        int64     `json:"amount"`
	Shares        int64     `json:"shares"`
	AccountShares int64     `json:"account_shares"`
	TotalDeposits int64     `json:"total_deposits"`
	TotalShares   int64     `json:"total_shares"`
}

type Withdrawn struct {
	Account       uuid.UUID `json:"account"`
	Asset         string    `json:"asset"`
	Amount        int64     `json:"amount"`
	Shares        int64     `json:"shares"`
	AccountShares int64     `json:"account_shares"`
	TotalDeposits int64     `json:"total_deposits"`
	TotalShares   int64     `json:"total_shares"`
}

type Borrowed struct {
	Account         uuid.UUID `json:"account"`
	Line            uint64    `json:"line"`
	Asset           string    `json:"asset"`
	Amount          int64     `json:"amount"`
	AccountBorrowed int64     `json:"account_borrowed"`
	TotalBorrowed   int64     `json:"total_borrowed"`
}

type Repaid struct {
	Account         uuid.UUID `json:"account"`
	Line            uint64    `json:"line"`
	Asset           string    `json:"asset"`
	Amount          int64     `json:"amount"`
	InterestPaid    int64     `json:"interest_paid"`
	AccountBorrowed int64     `json:"account_borrowed"`
	TotalBorrowed   int64     `json:"total_borrowed"`
}

type BadDebtSettled struct {
	Account          uuid.UUID `json:"account"`
	Line             uint64    `json:"line"`
	Asset            string    `json:"asset"`
	Shortfall        int64     `json:"shortfall"`
	InsuranceCovered int64     `json:"insurance_covered"`
	Socialized       int64     `json:"socialized"`
	TotalBadDebt     int64     `json:"total_bad_debt"`
	InsuranceReserve int64     `json:"insurance_reserve"`
	TotalDeposits    int64     `json:"total_deposits"`
}

// SharesRetired is emitted when a socialized loss wipes out a pool's deposits
// and the worthless shares are cancelled.
type SharesRetired struct {
	Asset   string `json:"asset"`
	Shares  int64  `json:"shares"`
	Holders int    `json:"holders"`
}

type PositionOpened struct {
	PositionID    uint64    `json:"position_id"`
	Owner         uuid.UUID `json:"owner"`
	Asset         string    `json:"asset"`
	Amount        int64     `json:"amount"`
	EntryFee      int64     `json:"entry_fee"`
	DepositAmount int64     `json:"deposit_amount"`
	Leverage      int64     `json:"leverage"`
	TotalExposure int64     `json:"total_exposure"`
	Borrowed      int64     `json:"borrowed"`
	EntryPrice    int64     `json:"entry_price"`
}

type CollateralAdded struct {
	PositionID    uint64    `json:"position_id"`
	Owner         uuid.UUID `json:"owner"`
	Amount        int64     `json:"amount"`
	DepositAmount int64     `json:"deposit_amount"`
	TotalExposure int64     `json:"total_exposure"`
}

type PositionClosed struct {
	PositionID   uint64    `json:"position_id"`
	Owner        uuid.UUID `json:"owner"`
	Asset        string    `json:"asset"`
	ExitPrice    int64     `json:"exit_price"`
	CurrentValue int64     `json:"current_value"`
	DebtRepaid   int64     `json:"debt_repaid"`
	InterestPaid int64     `json:"interest_paid"`
	PlatformFee  int64     `json:"platform_fee"`
	Payout       int64     `json:"payout"`
	BadDebt      int64     `json:"bad_debt"`
}

type PositionLiquidated struct {
	PositionID       uint64    `json:"position_id"`
	Owner            uuid.UUID `json:"owner"`
	Liquidator       uuid.UUID `json:"liquidator"`
	Asset            string    `json:"asset"`
	ExitPrice        int64     `json:"exit_price"`
	HealthFactor     int64     `json:"health_factor"`
	DebtOutstanding  int64     `json:"debt_outstanding"`
	DebtRepaid       int64     `json:"debt_repaid"`
	CollateralSeized int64     `json:"collateral_seized"`
	LiquidatorBonus  int64     `json:"liquidator_bonus"`
	InsuranceRouted  int64     `json:"insurance_routed"`
	BadDebtRecorded  int64     `json:"bad_debt_recorded"`
}

type TierSwitched struct {
	Account uuid.UUID `json:"account"`
	Asset   string    `json:"asset"`
	From    uint32    `json:"from"`
	To      uint32    `json:"to"`
}

type TierChanged struct {
	TierID                  uint32   `json:"tier_id"`
	LTVBps                  int64    `json:"ltv_bps"`
	LiquidationThresholdBps int64    `json:"liquidation_threshold_bps"`
	LiquidationBonusBps     int64    `json:"liquidation_bonus_bps"`
	Label                   string   `json:"label"`
	Assets                  []string `json:"assets,omitempty"`
	Created                 bool     `json:"created"`
}

type RateModelUpdated struct {
	Asset      string `json:"asset"`
	BaseBps    int64  `json:"base_bps"`
	Slope1Bps  int64  `json:"slope1_bps"`
	Slope2Bps  int64  `json:"slope2_bps"`
	OptimalBps int64  `json:"optimal_bps"`
}

type FlashLoanSettled struct {
	LoanID        uuid.UUID `json:"loan_id"`
	Receiver      uuid.UUID `json:"receiver"`
	Asset         string    `json:"asset"`
	Amount        int64     `json:"amount"`
	Fee           int64     `json:"fee"`
	Repaid        int64     `json:"repaid"`
	TotalDeposits int64     `json:"total_deposits"`
}

type KeeperChanged struct {
	Keeper uuid.UUID `json:"keeper"`
	Added  bool      `json:"added"`
}

type KeeperModeChanged struct {
	Enabled bool `json:"enabled"`
}

type FeesCollected struct {
	Token   string `json:"token"`
	FeeType string `json:"fee_type"`
	Amount  int64  `json:"amount"`
	Total   int64  `json:"total"`
}

func (WalletCredited) RecordType() string     { return "wallet_credited" }
func (WalletDebited) RecordType() string      { return "wallet_debited" }
func (PriceUpdated) RecordType() string       { return "price_updated" }
func (InterestAccrued) RecordType() string    { return "interest_accrued" }
func (Deposited) RecordType() string          { return "deposited" }
func (Withdrawn) RecordType() string          { return "withdrawn" }
func (Borrowed) RecordType() string           { return "borrowed" }
func (Repaid) RecordType() string             { return "repaid" }
func (BadDebtSettled) RecordType() string     { return "bad_debt_settled" }
func (SharesRetired) RecordType() string      { return "shares_retired" }
func (PositionOpened) RecordType() string     { return "position_opened" }
func (CollateralAdded) RecordType() string    { return "collateral_added" }
func (PositionClosed) RecordType() string     { return "position_closed" }
func (PositionLiquidated) RecordType() string { return "position_liquidated" }
func (TierSwitched) RecordType() string       { return "tier_switched" }
func (TierChanged) RecordType() string        { return "tier_changed" }
func (RateModelUpdated) RecordType() string   { return "rate_model_updated" }
func (FlashLoanSettled) RecordType() string   { return "flash_loan_settled" }
func (KeeperChanged) RecordType() string      { return "keeper_changed" }
func (KeeperModeChanged) RecordType() string  { return "keeper_mode_changed" }
func (FeesCollected) RecordType() string      { return "fees_collected" }
