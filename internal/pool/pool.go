// Package pool is the interest-bearing pooled ledger: deposits mint shares,
// the registered vault borrows against debt lines, and interest accrues on
// every mutating call.
package pool

import (
	"fmt"
	"slices"

	"LeverLedger/internal/emode"
	"LeverLedger/internal/event"
	"LeverLedger/internal/fault"
	"LeverLedger/internal/ledger"
	fpmath "LeverLedger/internal/math"
	"LeverLedger/internal/state"

	"github.com/google/uuid"
)

var (
	ErrUnknownPool           = fault.NotFound("pool: unknown asset")
	ErrZeroAmount            = fault.Validation("pool: amount must be positive")
	ErrZeroShares            = fault.Validation("pool: deposit too small to mint a share")
	ErrZeroWithdrawal        = fault.Validation("pool: withdrawal rounds to zero")
	ErrInsufficientShares    = fault.Validation("pool: insufficient shares")
	ErrInsufficientLiquidity = fault.Liquidity("pool: insufficient liquidity")
	ErrPoolInsolvent         = fault.Liquidity("pool: no deposits back the outstanding shares")
	ErrUnhealthyWithdraw     = fault.Health("pool: withdrawal would breach loan-to-value")
	ErrNotVault              = fault.Authorization("pool: caller is not the registered vault")
	ErrVaultRegistered       = fault.Conflict("pool: vault already registered")
	ErrUnknownLine           = fault.NotFound("pool: unknown debt line")
	ErrRepayExceedsDebt      = fault.Validation("pool: repay exceeds line debt")
)

// Config is owned by the Ledger; the rate model is per pool and changes
// through SetRateModel only.
type Config struct {
	Assets           []string
	ReserveFactorBps int64
	FlashFeeBps      int64
	RateModel        fpmath.RateModel
}

var DefaultConfig = Config{
	Assets:           []string{"USDC"},
	ReserveFactorBps: 1_000,
	FlashFeeBps:      5,
	RateModel:        fpmath.DefaultRateModel,
}

func (c Config) Validate() error {
	if len(c.Assets) == 0 {
		return fault.Validation("pool: at least one asset required")
	}
	if c.ReserveFactorBps < 0 || c.ReserveFactorBps > fpmath.BpsDenominator {
		return fault.Validationf("reserve_factor_bps must be in [0, %d], got %d", fpmath.BpsDenominator, c.ReserveFactorBps)
	}
	if c.FlashFeeBps < 0 || c.FlashFeeBps > fpmath.BpsDenominator {
		return fault.Validationf("flash_fee_bps must be in [0, %d], got %d", fpmath.BpsDenominator, c.FlashFeeBps)
	}
	return c.RateModel.Validate()
}

// CollateralValuer values an account's holdings outside the pool (the
// vault's open positions) for the withdrawal health check.
type CollateralValuer interface {
	CollateralValue(tx *state.Txn, account uuid.UUID, asset string) (int64, error)
}

// Ledger operates every configured pool. State lives in the transaction;
// the Ledger itself only holds configuration and the vault registration.
type Ledger struct {
	cfg   Config
	tiers *emode.Registry

	vault      uuid.UUID
	valuer     CollateralValuer
	registered bool

	flashActive bool
}

func NewLedger(cfg Config, tiers *emode.Registry) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool config: %w", err)
	}
	cfg.Assets = slices.Clone(cfg.Assets)
	slices.Sort(cfg.Assets)
	return &Ledger{cfg: cfg, tiers: tiers}, nil
}

// RegisterVault authorizes the one borrower. It can only happen once.
func (l *Ledger) RegisterVault(id uuid.UUID, valuer CollateralValuer) error {
	if l.registered {
		return fmt.Errorf("%w: %s", ErrVaultRegistered, l.vault)
	}
	l.vault = id
	l.valuer = valuer
	l.registered = true
	return nil
}

func (l *Ledger) Assets() []string { return l.cfg.Assets }

func (l *Ledger) Config() Config { return l.cfg }

func (l *Ledger) requireVault(caller uuid.UUID) error {
	if !l.registered || caller != l.vault {
		return fmt.Errorf("%w: %s", ErrNotVault, caller)
	}
	return nil
}

// load returns the pool of asset, creating it on first touch.
func (l *Ledger) load(tx *state.Txn, asset string) (*state.PoolState, error) {
	if p, ok := tx.Pool(asset); ok {
		return p, nil
	}
	if _, found := slices.BinarySearch(l.cfg.Assets, asset); !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPool, asset)
	}
	p := &state.PoolState{
		Asset:       asset,
		LastAccrual: tx.Now(),
		Model:       l.cfg.RateModel,
	}
	tx.Pools.Put(asset, p)
	return p, nil
}

// View returns a read-only copy of a pool, zero-valued if untouched.
func (l *Ledger) View(tx *state.Txn, asset string) (state.PoolState, error) {
	if p, ok := tx.Pools.Peek(asset); ok {
		return *p, nil
	}
	if _, found := slices.BinarySearch(l.cfg.Assets, asset); !found {
		return state.PoolState{}, fmt.Errorf("%w: %q", ErrUnknownPool, asset)
	}
	return state.PoolState{Asset: asset, Model: l.cfg.RateModel}, nil
}

// Accrue brings a pool's interest up to the transaction time.
func (l *Ledger) Accrue(tx *state.Txn, asset string) (int64, error) {
	p, err := l.load(tx, asset)
	if err != nil {
		return 0, err
	}
	return l.accrue(tx, p), nil
}

func (l *Ledger) accrue(tx *state.Txn, p *state.PoolState) int64 {
	now := tx.Now()
	elapsed := now - p.LastAccrual
	if elapsed <= 0 {
		return 0
	}
	p.LastAccrual = now
	if p.TotalBorrowed == 0 {
		p.AccrualCarry = 0
		return 0
	}

	util := fpmath.Utilization(p.TotalBorrowed, p.TotalDeposits)
	rate := p.Model.Rate(util)
	var interest int64
	interest, p.AccrualCarry = fpmath.AccruedInterestCarry(p.TotalBorrowed, rate, elapsed, p.AccrualCarry)
	if interest == 0 {
		return 0
	}

	// The cut may not exceed the unborrowed headroom, or borrowed would
	// overtake deposits.
	cut := fpmath.ApplyBps(interest, l.cfg.ReserveFactorBps)
	if headroom := p.TotalDeposits - p.TotalBorrowed; cut > headroom {
		cut = max(headroom, 0)
	}

	l.spreadInterest(tx, p, interest)

	p.TotalDeposits += interest - cut
	p.InsuranceReserve += cut
	p.TotalBorrowed += interest

	tx.Emit(event.InterestAccrued{
		Asset:            p.Asset,
		Elapsed:          elapsed,
		RateBps:          rate,
		Utilization:      util,
		Interest:         interest,
		InsuranceCut:     cut,
		TotalDeposits:    p.TotalDeposits,
		TotalBorrowed:    p.TotalBorrowed,
		InsuranceReserve: p.InsuranceReserve,
	})
	return interest
}

// spreadInterest compounds interest into every debt line pro rata to its
// debt. The rounding residual lands on the first line.
func (l *Ledger) spreadInterest(tx *state.Txn, p *state.PoolState, interest int64) {
	lines := tx.PoolLines(p.Asset)
	if len(lines) == 0 {
		return
	}

	shares := make([]int64, len(lines))
	var assigned int64
	for i, line := range lines {
		shares[i] = fpmath.MulDiv(interest, line.Debt, p.TotalBorrowed, fpmath.RoundDown)
		assigned += shares[i]
	}
	shares[0] += interest - assigned

	for i, line := range lines {
		if shares[i] == 0 {
			continue
		}
		line.Debt += shares[i]
		entry := tx.Account(p.Asset, line.Ref.Account)
		entry.Borrowed += shares[i]
	}
}

// Deposit moves amount from the account's wallet into the pool and mints shares.
func (l *Ledger) Deposit(tx *state.Txn, account uuid.UUID, asset string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrZeroAmount
	}
	p, err := l.load(tx, asset)
	if err != nil {
		return 0, err
	}
	l.accrue(tx, p)

	var shares int64
	switch {
	case p.TotalShares == 0:
		shares = amount
	case p.TotalDeposits == 0:
		return 0, ErrPoolInsolvent
	default:
		shares = fpmath.MulDiv(amount, p.TotalShares, p.TotalDeposits, fpmath.RoundDown)
	}
	if shares == 0 {
		return 0, fmt.Errorf("%w: amount=%d", ErrZeroShares, amount)
	}

	if err := tx.Transfer(ledger.WalletKey(account, asset), ledger.PoolCashKey(asset), amount, ledger.JournalTypePoolDeposit); err != nil {
		return 0, fmt.Errorf("deposit: %w", err)
	}

	entry := tx.Account(asset, account)
	entry.Shares += shares
	p.TotalDeposits += amount
	p.TotalShares += shares

	tx.Emit(event.Deposited{
		Account:       account,
		Asset:         asset,
		Amount:        amount,
		Shares:        shares,
		AccountShares: entry.Shares,
		TotalDeposits: p.TotalDeposits,
		TotalShares:   p.TotalShares,
	})
	return shares, nil
}

// Withdraw burns shares and pays their value back to the account's wallet.
func (l *Ledger) Withdraw(tx *state.Txn, account uuid.UUID, asset string, shares int64) (int64, error) {
	if shares <= 0 {
		return 0, ErrZeroAmount
	}
	p, err := l.load(tx, asset)
	if err != nil {
		return 0, err
	}
	held := int64(0)
	if e, ok := tx.PeekAccount(asset, account); ok {
		held = e.Shares
	}
	if held < shares {
		return 0, fmt.Errorf("%w: held=%d requested=%d", ErrInsufficientShares, held, shares)
	}
	l.accrue(tx, p)

	amount := fpmath.MulDiv(shares, p.TotalDeposits, p.TotalShares, fpmath.RoundDown)
	if amount == 0 {
		return 0, fmt.Errorf("%w: shares=%d", ErrZeroWithdrawal, shares)
	}
	if amount > p.Available() {
		return 0, fmt.Errorf("%w: requested=%d available=%d", ErrInsufficientLiquidity, amount, p.Available())
	}

	entry := tx.Account(asset, account)
	if entry.Borrowed > 0 {
		if err := l.checkWithdrawHealth(tx, p, entry, amount); err != nil {
			return 0, err
		}
	}

	if err := tx.Transfer(ledger.PoolCashKey(asset), ledger.WalletKey(account, asset), amount, ledger.JournalTypePoolWithdraw); err != nil {
		return 0, fmt.Errorf("withdraw: %w", err)
	}

	entry.Shares -= shares
	p.TotalDeposits -= amount
	p.TotalShares -= shares
	l.prune(tx, entry)

	tx.Emit(event.Withdrawn{
		Account:       account,
		Asset:         asset,
		Amount:        amount,
		Shares:        shares,
		AccountShares: entry.Shares,
		TotalDeposits: p.TotalDeposits,
		TotalShares:   p.TotalShares,
	})
	return amount, nil
}

// checkWithdrawHealth rejects a withdrawal after which the account's debt
// would exceed its tier's LTV of the collateral left behind.
func (l *Ledger) checkWithdrawHealth(tx *state.Txn, p *state.PoolState, entry *state.AccountEntry, amount int64) error {
	collateral := depositValue(p, entry.Shares)
	if l.valuer != nil {
		v, err := l.valuer.CollateralValue(tx, entry.Account, p.Asset)
		if err != nil {
			return fmt.Errorf("withdraw: value collateral: %w", err)
		}
		collateral += v
	}

	tier := l.tiers.AccountTier(tx, entry.Account, p.Asset)
	maxBorrow := fpmath.ApplyBps(max(collateral-amount, 0), tier.LTVBps)
	if entry.Borrowed > maxBorrow {
		return fmt.Errorf("%w: debt=%d max=%d tier=%d", ErrUnhealthyWithdraw, entry.Borrowed, maxBorrow, tier.ID)
	}
	return nil
}

// Borrow draws amount on one debt line into vault custody.
func (l *Ledger) Borrow(tx *state.Txn, caller, account uuid.UUID, line uint64, asset string, amount int64) error {
	if err := l.requireVault(caller); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrZeroAmount
	}
	p, err := l.load(tx, asset)
	if err != nil {
		return err
	}
	l.accrue(tx, p)

	if amount > p.Available() {
		return fmt.Errorf("%w: requested=%d available=%d", ErrInsufficientLiquidity, amount, p.Available())
	}
	if err := tx.Transfer(ledger.PoolCashKey(asset), ledger.VaultCustodyKey(asset), amount, ledger.JournalTypeBorrow); err != nil {
		return fmt.Errorf("borrow: %w", err)
	}

	ref := state.LineRef{Asset: asset, Account: account, Line: line}
	dl, ok := tx.Lines.Get(ref)
	if !ok {
		dl = &state.DebtLine{Ref: ref}
		tx.Lines.Put(ref, dl)
	}
	dl.Principal += amount
	dl.Debt += amount

	entry := tx.Account(asset, account)
	entry.Borrowed += amount
	entry.Principal += amount
	entry.LastInterestTimestamp = tx.Now()
	p.TotalBorrowed += amount

	tx.Emit(event.Borrowed{
		Account:         account,
		Line:            line,
		Asset:           asset,
		Amount:          amount,
		AccountBorrowed: entry.Borrowed,
		TotalBorrowed:   p.TotalBorrowed,
	})
	return nil
}

// Repay returns amount from vault custody against a debt line. Principal is
// retired pro rata; the rest is interest depositors already earned.
func (l *Ledger) Repay(tx *state.Txn, caller, account uuid.UUID, line uint64, asset string, amount int64) (int64, error) {
	if err := l.requireVault(caller); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrZeroAmount
	}
	p, err := l.load(tx, asset)
	if err != nil {
		return 0, err
	}
	l.accrue(tx, p)

	ref := state.LineRef{Asset: asset, Account: account, Line: line}
	dl, ok := tx.Lines.Get(ref)
	if !ok {
		return 0, fmt.Errorf("%w: %s/%d", ErrUnknownLine, account, line)
	}
	if amount > dl.Debt {
		return 0, fmt.Errorf("%w: amount=%d debt=%d", ErrRepayExceedsDebt, amount, dl.Debt)
	}

	principal := dl.Principal
	if amount < dl.Debt {
		principal = fpmath.MulDiv(amount, dl.Principal, dl.Debt, fpmath.RoundDown)
	}
	interestPaid := amount - principal

	if err := tx.Transfer(ledger.VaultCustodyKey(asset), ledger.PoolCashKey(asset), amount, ledger.JournalTypeRepay); err != nil {
		return 0, fmt.Errorf("repay: %w", err)
	}

	dl.Debt -= amount
	dl.Principal -= principal
	if dl.Debt == 0 {
		tx.Lines.Delete(ref)
	}

	entry := tx.Account(asset, account)
	entry.Borrowed -= amount
	entry.Principal -= principal
	entry.LastInterestTimestamp = tx.Now()
	p.TotalBorrowed -= amount
	l.prune(tx, entry)

	tx.Emit(event.Repaid{
		Account:         account,
		Line:            line,
		Asset:           asset,
		Amount:          amount,
		InterestPaid:    interestPaid,
		AccountBorrowed: entry.Borrowed,
		TotalBorrowed:   p.TotalBorrowed,
	})
	return interestPaid, nil
}

// WriteOff settles whatever debt is left on a line as bad debt. The insurance
// reserve absorbs it first; the uncovered rest is socialized across
// depositors by lowering total deposits, which lowers the share price.
func (l *Ledger) WriteOff(tx *state.Txn, caller, account uuid.UUID, line uint64, asset string) (Coverage, error) {
	if err := l.requireVault(caller); err != nil {
		return Coverage{}, err
	}
	p, err := l.load(tx, asset)
	if err != nil {
		return Coverage{}, err
	}
	l.accrue(tx, p)

	ref := state.LineRef{Asset: asset, Account: account, Line: line}
	dl, ok := tx.Lines.Get(ref)
	if !ok {
		return Coverage{}, fmt.Errorf("%w: %s/%d", ErrUnknownLine, account, line)
	}

	cov := ComputeCoverage(p.InsuranceReserve, dl.Debt)
	p.InsuranceReserve -= cov.Covered
	p.TotalDeposits -= cov.Socialized
	p.SocializedLoss += cov.Socialized
	p.TotalBadDebt += cov.Shortfall
	p.TotalBorrowed -= cov.Shortfall

	entry := tx.Account(asset, account)
	entry.Borrowed -= dl.Debt
	entry.Principal -= dl.Principal
	tx.Lines.Delete(ref)
	l.prune(tx, entry)

	tx.Emit(event.BadDebtSettled{
		Account:          account,
		Line:             line,
		Asset:            asset,
		Shortfall:        cov.Shortfall,
		InsuranceCovered: cov.Covered,
		Socialized:       cov.Socialized,
		TotalBadDebt:     p.TotalBadDebt,
		InsuranceReserve: p.InsuranceReserve,
		TotalDeposits:    p.TotalDeposits,
	})
	if p.TotalDeposits == 0 && p.TotalShares > 0 {
		l.retireShares(tx, p)
	}
	return cov, nil
}

// retireShares cancels every share of a pool whose deposits a socialized loss
// took to zero. The shares redeem for nothing, and leaving them would block
// every later deposit; the next depositor mints at par.
func (l *Ledger) retireShares(tx *state.Txn, p *state.PoolState) {
	var holders int
	for _, ref := range tx.Accounts.Keys() {
		if ref.Asset != p.Asset {
			continue
		}
		e, _ := tx.Accounts.Get(ref)
		if e.Shares == 0 {
			continue
		}
		holders++
		e.Shares = 0
		l.prune(tx, e)
	}

	tx.Emit(event.SharesRetired{
		Asset:   p.Asset,
		Shares:  p.TotalShares,
		Holders: holders,
	})
	p.TotalShares = 0
}

// Outstanding is the account's accrued debt across all of its lines.
func (l *Ledger) Outstanding(tx *state.Txn, account uuid.UUID, asset string) (int64, error) {
	if _, err := l.Accrue(tx, asset); err != nil {
		return 0, err
	}
	if e, ok := tx.PeekAccount(asset, account); ok {
		return e.Borrowed, nil
	}
	return 0, nil
}

// LineOutstanding is the accrued debt of a single line.
func (l *Ledger) LineOutstanding(tx *state.Txn, account uuid.UUID, line uint64, asset string) (int64, error) {
	if _, err := l.Accrue(tx, asset); err != nil {
		return 0, err
	}
	if dl, ok := tx.Lines.Peek(state.LineRef{Asset: asset, Account: account, Line: line}); ok {
		return dl.Debt, nil
	}
	return 0, nil
}

// DepositValue is what the account's shares redeem for right now.
func (l *Ledger) DepositValue(tx *state.Txn, account uuid.UUID, asset string) (int64, error) {
	p, err := l.load(tx, asset)
	if err != nil {
		return 0, err
	}
	l.accrue(tx, p)
	e, ok := tx.PeekAccount(asset, account)
	if !ok {
		return 0, nil
	}
	return depositValue(p, e.Shares), nil
}

// SetRateModel swaps a pool's curve. Interest up to now accrues at the old rate.
func (l *Ledger) SetRateModel(tx *state.Txn, asset string, m fpmath.RateModel) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("set rate model: %w", err)
	}
	p, err := l.load(tx, asset)
	if err != nil {
		return err
	}
	l.accrue(tx, p)
	p.Model = m

	tx.Emit(event.RateModelUpdated{
		Asset:      asset,
		BaseBps:    m.BaseBps,
		Slope1Bps:  m.Slope1Bps,
		Slope2Bps:  m.Slope2Bps,
		OptimalBps: m.OptimalBps,
	})
	return nil
}

func (l *Ledger) prune(tx *state.Txn, e *state.AccountEntry) {
	if e.IsEmpty() {
		tx.Accounts.Delete(state.AccountRef{Asset: e.Asset, Account: e.Account})
	}
}

func depositValue(p *state.PoolState, shares int64) int64 {
	if shares == 0 || p.TotalShares == 0 {
		return 0
	}
	return fpmath.MulDiv(shares, p.TotalDeposits, p.TotalShares, fpmath.RoundDown)
}
