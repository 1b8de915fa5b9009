// Package vault runs the leveraged position lifecycle: it takes the user's
// deposit, borrows the rest of the exposure from the pool and settles the
// position back out on close.
package vault

import (
	"fmt"
	"slices"

	"LeverLedger/internal/emode"
	"LeverLedger/internal/event"
	"LeverLedger/internal/fault"
	"LeverLedger/internal/fees"
	"LeverLedger/internal/ledger"
	fpmath "LeverLedger/internal/math"
	"LeverLedger/internal/oracle"
	"LeverLedger/internal/pool"
	"LeverLedger/internal/state"

	"github.com/google/uuid"
)

var (
	ErrUnsupportedAsset   = fault.Validation("vault: unsupported asset")
	ErrZeroAmount         = fault.Validation("vault: amount must be positive")
	ErrLeverageOutOfRange = fault.Validation("vault: leverage out of range")
	ErrLeverageExceedsLTV = fault.Health("vault: borrow exceeds the tier's loan-to-value")
	ErrUnknownPosition    = fault.NotFound("vault: unknown position")
	ErrNotOwner           = fault.Authorization("vault: caller does not own the position")
	ErrPositionNotActive  = fault.Conflict("vault: position is not active")
	ErrInvalidTransition  = fault.Validation("vault: invalid position transition")
)

// ID is the identity the vault borrows under.
var ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("leverledger:vault"))

type Config struct {
	QuoteAsset  string   // pool asset positions are funded in
	Assets      []string // exposure assets
	EntryFeeBps int64
	MinLeverage int64 // Precision scale
	MaxLeverage int64
	MaxPriceAge int64 // seconds
}

var DefaultConfig = Config{
	QuoteAsset:  "USDC",
	Assets:      []string{"BTC", "ETH"},
	EntryFeeBps: 10,
	MinLeverage: fpmath.Precision,
	MaxLeverage: 5 * fpmath.Precision,
	MaxPriceAge: 60,
}

func (c Config) Validate() error {
	if c.QuoteAsset == "" {
		return fault.Validation("vault: quote asset required")
	}
	if len(c.Assets) == 0 {
		return fault.Validation("vault: at least one exposure asset required")
	}
	if c.EntryFeeBps < 0 || c.EntryFeeBps >= fpmath.BpsDenominator {
		return fault.Validationf("entry_fee_bps must be in [0, %d), got %d", fpmath.BpsDenominator, c.EntryFeeBps)
	}
	if c.MinLeverage < fpmath.Precision {
		return fault.Validationf("min_leverage must be >= %d, got %d", fpmath.Precision, c.MinLeverage)
	}
	if c.MaxLeverage < c.MinLeverage {
		return fault.Validationf("max_leverage (%d) must be >= min_leverage (%d)", c.MaxLeverage, c.MinLeverage)
	}
	if c.MaxPriceAge <= 0 {
		return fault.Validationf("max_price_age must be > 0, got %d", c.MaxPriceAge)
	}
	return nil
}

// Vault owns positions and is the pool's one registered borrower.
type Vault struct {
	cfg    Config
	pool   *pool.Ledger
	tiers  *emode.Registry
	prices oracle.PriceSource
	fees   fees.ValueTracker
}

// New builds the vault and registers it with the pool.
func New(cfg Config, p *pool.Ledger, tiers *emode.Registry, prices oracle.PriceSource, ft fees.ValueTracker) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("vault config: %w", err)
	}
	cfg.Assets = slices.Clone(cfg.Assets)
	slices.Sort(cfg.Assets)

	v := &Vault{cfg: cfg, pool: p, tiers: tiers, prices: prices, fees: ft}
	if err := p.RegisterVault(ID, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) Config() Config { return v.cfg }

func (v *Vault) supports(asset string) bool {
	_, ok := slices.BinarySearch(v.cfg.Assets, asset)
	return ok
}

func (v *Vault) price(tx *state.Txn, asset string) (int64, error) {
	return oracle.FreshPrice(v.prices, asset, tx.Now(), v.cfg.MaxPriceAge)
}

// Open takes amount from the owner's wallet, charges the entry fee and
// borrows the rest of the exposure from the pool.
func (v *Vault) Open(tx *state.Txn, owner uuid.UUID, asset string, amount, leverage int64) (uint64, error) {
	if !v.supports(asset) {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAsset, asset)
	}
	if amount <= 0 {
		return 0, ErrZeroAmount
	}
	if leverage < v.cfg.MinLeverage || leverage > v.cfg.MaxLeverage {
		return 0, fmt.Errorf("%w: %s not in [%s, %s]", ErrLeverageOutOfRange,
			fpmath.FormatFixed(leverage, fpmath.PrecisionConfig),
			fpmath.FormatFixed(v.cfg.MinLeverage, fpmath.PrecisionConfig),
			fpmath.FormatFixed(v.cfg.MaxLeverage, fpmath.PrecisionConfig))
	}

	quote := v.cfg.QuoteAsset
	tier := v.tiers.AccountTier(tx, owner, quote)
	if !tier.Admits(asset) {
		return 0, fmt.Errorf("%w: tier %d (%s) does not admit %s", emode.ErrTierAssetMismatch, tier.ID, tier.Label, asset)
	}

	price, err := v.price(tx, asset)
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}

	fee := fpmath.ApplyBps(amount, v.cfg.EntryFeeBps)
	net := amount - fee
	exposure := fpmath.MulDiv(net, leverage, fpmath.Precision, fpmath.RoundDown)
	borrow := exposure - net
	if borrow > fpmath.ApplyBps(exposure, tier.LTVBps) {
		return 0, fmt.Errorf("%w: borrow=%d exposure=%d ltv=%d", ErrLeverageExceedsLTV, borrow, exposure, tier.LTVBps)
	}

	settings := tx.Settings()
	id := settings.NextPositionID
	settings.NextPositionID++

	wallet := ledger.WalletKey(owner, quote)
	if err := tx.Transfer(wallet, ledger.VaultCustodyKey(quote), net, ledger.JournalTypeCollateral); err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	if err := tx.Transfer(wallet, ledger.FeesKey(quote), fee, ledger.JournalTypeEntryFee); err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	if borrow > 0 {
		if err := v.pool.Borrow(tx, ID, owner, id, quote, borrow); err != nil {
			return 0, fmt.Errorf("open: %w", err)
		}
	}

	if err := v.fees.RecordEntry(tx, id, quote, net); err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	if err := v.fees.CollectFees(tx, quote, fee, fees.FeeTypeEntry); err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}

	pos := &state.Position{
		ID:             id,
		Owner:          owner,
		Asset:          asset,
		QuoteAsset:     quote,
		DepositAmount:  net,
		Leverage:       leverage,
		TotalExposure:  exposure,
		BorrowedAmount: borrow,
		EntryPrice:     price,
		EntryTimestamp: tx.Now(),
		Status:         state.PositionStatusActive,
	}
	tx.Positions.Put(id, pos)

	tx.Emit(event.PositionOpened{
		PositionID:    id,
		Owner:         owner,
		Asset:         asset,
		Amount:        amount,
		EntryFee:      fee,
		DepositAmount: net,
		Leverage:      leverage,
		TotalExposure: exposure,
		Borrowed:      borrow,
		EntryPrice:    price,
	})
	return id, nil
}

// AddCollateral tops up an active position without borrowing more.
func (v *Vault) AddCollateral(tx *state.Txn, caller uuid.UUID, id uint64, amount int64) error {
	pos, err := v.owned(tx, caller, id)
	if err != nil {
		return err
	}
	if amount <= 0 {
		return ErrZeroAmount
	}

	if err := tx.Transfer(ledger.WalletKey(caller, pos.QuoteAsset), ledger.VaultCustodyKey(pos.QuoteAsset), amount, ledger.JournalTypeCollateral); err != nil {
		return fmt.Errorf("add collateral: %w", err)
	}

	pos.DepositAmount += amount
	pos.TotalExposure += amount
	if err := v.fees.RecordEntry(tx, id, pos.QuoteAsset, pos.DepositAmount); err != nil {
		return fmt.Errorf("add collateral: %w", err)
	}

	tx.Emit(event.CollateralAdded{
		PositionID:    id,
		Owner:         caller,
		Amount:        amount,
		DepositAmount: pos.DepositAmount,
		TotalExposure: pos.TotalExposure,
	})
	return nil
}

// CloseResult is what a close paid out.
type CloseResult struct {
	PositionID   uint64
	ExitPrice    int64
	CurrentValue int64
	DebtRepaid   int64
	InterestPaid int64
	PlatformFee  int64
	Payout       int64
	BadDebt      int64
}

// Close settles the position at the current price: debt first, then the
// platform's share of any profit, then the owner.
func (v *Vault) Close(tx *state.Txn, caller uuid.UUID, id uint64) (CloseResult, error) {
	if _, err := v.owned(tx, caller, id); err != nil {
		return CloseResult{}, err
	}
	s, err := v.Settle(tx, id, state.PositionStatusClosed)
	if err != nil {
		return CloseResult{}, fmt.Errorf("close: %w", err)
	}

	res := CloseResult{PositionID: id, ExitPrice: s.Price, CurrentValue: s.CurrentValue}

	if repay := min(s.Remaining(), s.Debt); repay > 0 {
		if res.InterestPaid, err = s.Repay(repay); err != nil {
			return CloseResult{}, fmt.Errorf("close: %w", err)
		}
		res.DebtRepaid = repay
	}
	if s.Outstanding() > 0 {
		cov, err := s.WriteOff()
		if err != nil {
			return CloseResult{}, fmt.Errorf("close: %w", err)
		}
		res.BadDebt = cov.Shortfall
	}

	// Only equity above the deposit basis is charged.
	_, fee, _, err := v.fees.CalculateValueIncrease(tx, id, s.Remaining())
	if err != nil {
		return CloseResult{}, fmt.Errorf("close: %w", err)
	}
	if err := s.CollectFee(fee, fees.FeeTypePerformance, ledger.JournalTypePlatformFee); err != nil {
		return CloseResult{}, fmt.Errorf("close: %w", err)
	}
	res.PlatformFee = fee

	res.Payout = s.Remaining()
	if err := s.PayOut(caller, res.Payout, ledger.JournalTypePayout); err != nil {
		return CloseResult{}, fmt.Errorf("close: %w", err)
	}
	if err := s.Finish(); err != nil {
		return CloseResult{}, err
	}

	tx.Emit(event.PositionClosed{
		PositionID:   id,
		Owner:        caller,
		Asset:        s.Position().Asset,
		ExitPrice:    res.ExitPrice,
		CurrentValue: res.CurrentValue,
		DebtRepaid:   res.DebtRepaid,
		InterestPaid: res.InterestPaid,
		PlatformFee:  res.PlatformFee,
		Payout:       res.Payout,
		BadDebt:      res.BadDebt,
	})
	return res, nil
}

// Position returns a copy of a position.
func (v *Vault) Position(tx *state.Txn, id uint64) (state.Position, error) {
	pos, ok := tx.Positions.Peek(id)
	if !ok {
		return state.Position{}, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	return *pos, nil
}

// Exposures lists the assets of the account's active positions.
func (v *Vault) Exposures(tx *state.Txn, account uuid.UUID) []string {
	var out []string
	for _, pos := range tx.PositionsOf(account, true) {
		out = append(out, pos.Asset)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (v *Vault) lookup(tx *state.Txn, id uint64) (*state.Position, error) {
	pos, ok := tx.Position(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	return pos, nil
}

func (v *Vault) owned(tx *state.Txn, caller uuid.UUID, id uint64) (*state.Position, error) {
	pos, err := v.lookup(tx, id)
	if err != nil {
		return nil, err
	}
	if pos.Owner != caller {
		return nil, fmt.Errorf("%w: position %d", ErrNotOwner, id)
	}
	if !pos.IsActive() {
		return nil, fmt.Errorf("%w: position %d is %s", ErrPositionNotActive, id, pos.Status)
	}
	return pos, nil
}
