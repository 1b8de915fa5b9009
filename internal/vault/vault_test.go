package vault

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeverLedger/internal/emode"
	"LeverLedger/internal/fault"
	"LeverLedger/internal/fees"
	"LeverLedger/internal/ledger"
	fpmath "LeverLedger/internal/math"
	"LeverLedger/internal/oracle"
	"LeverLedger/internal/pool"
	"LeverLedger/internal/state"
)

const (
	usdc  = "USDC"
	btc   = "BTC"
	unit  = int64(1_000_000)
	price = int64(100_000_000)
	t0    = int64(1_700_000_000)
	x     = fpmath.Precision
)

var (
	lp     = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	trader = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	other  = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
)

type fixture struct {
	s     *state.Store
	pool  *pool.Ledger
	tiers *emode.Registry
	feed  *oracle.Feed
	v     *Vault
	seq   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tiers, err := emode.NewRegistry(emode.DefaultTier, emode.DefaultLimits)
	require.NoError(t, err)
	pl, err := pool.NewLedger(pool.DefaultConfig, tiers)
	require.NoError(t, err)
	ft, err := fees.NewTracker(1_000)
	require.NoError(t, err)

	f := &fixture{s: state.NewStore(), pool: pl, tiers: tiers, feed: oracle.NewFeed(60)}
	f.v, err = New(DefaultConfig, pl, tiers, f.feed, ft)
	require.NoError(t, err)

	f.step(t, t0, func(tx *state.Txn) {
		credit(t, tx, lp, 100_000*unit)
		credit(t, tx, trader, 10_000*unit)
		_, err := pl.Deposit(tx, lp, usdc, 100_000*unit)
		require.NoError(t, err)
	})
	f.setPrice(t, btc, 50_000*price, t0)
	return f
}

func credit(t *testing.T, tx *state.Txn, account uuid.UUID, amount int64) {
	t.Helper()
	ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc)
	require.NoError(t, tx.Transfer(ext, ledger.WalletKey(account, usdc), amount, ledger.JournalTypeWalletCredit))
}

func (f *fixture) step(t *testing.T, now int64, fn func(tx *state.Txn)) {
	t.Helper()
	tx := f.s.Begin(now)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func (f *fixture) setPrice(t *testing.T, asset string, p, at int64) {
	t.Helper()
	f.seq++
	applied, err := f.feed.Apply(oracle.Observation{Asset: asset, Price: p, Sequence: f.seq, PublishedAt: at})
	require.NoError(t, err)
	require.True(t, applied)
}

func (f *fixture) open(t *testing.T, amount, leverage int64) uint64 {
	t.Helper()
	var id uint64
	f.step(t, t0, func(tx *state.Txn) {
		var err error
		id, err = f.v.Open(tx, trader, btc, amount, leverage)
		require.NoError(t, err)
	})
	return id
}

func (f *fixture) wallet(account uuid.UUID) int64 {
	return f.s.Tracker().GetBalance(ledger.WalletKey(account, usdc))
}

func (f *fixture) requireConsistent(t *testing.T) {
	t.Helper()
	require.NoError(t, f.pool.CheckInvariants(f.s.Begin(0)))
	require.NoError(t, ledger.NewInvariantValidator(f.s.Tracker()).ValidateGlobalBalance())
}

// --- Open ---

func TestOpen_ScenarioA(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 1_000*unit, 5*x)

	pos, err := f.v.Position(f.s.Begin(t0), id)
	require.NoError(t, err)
	assert.Equal(t, 999*unit, pos.DepositAmount)
	assert.Equal(t, 4_995*unit, pos.TotalExposure)
	assert.Equal(t, 3_996*unit, pos.BorrowedAmount)
	assert.Equal(t, 50_000*price, pos.EntryPrice)
	assert.Equal(t, 9_000*unit, f.wallet(trader))
	assert.Equal(t, unit, f.s.Tracker().GetBalance(ledger.FeesKey(usdc)))

	f.setPrice(t, btc, 40_000*price, t0)
	h, err := f.v.Assess(f.s.Begin(t0), id)
	require.NoError(t, err)
	assert.Equal(t, x, h.HealthFactor)
	assert.Equal(t, int64(1_176_470), h.Threshold)
	assert.True(t, h.Liquidatable)
	f.requireConsistent(t)
}

func TestOpen_UnitLeverageNeverBorrows(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 1_000*unit, x)

	tx := f.s.Begin(t0)
	pos, err := f.v.Position(tx, id)
	require.NoError(t, err)
	assert.Zero(t, pos.BorrowedAmount)
	assert.Equal(t, pos.DepositAmount, pos.TotalExposure)

	f.setPrice(t, btc, 1_000*price, t0)
	hf, err := f.v.HealthFactor(f.s.Begin(t0), id)
	require.NoError(t, err)
	assert.Equal(t, fpmath.Infinite, hf)

	liq, err := f.v.IsLiquidatable(f.s.Begin(t0), id)
	require.NoError(t, err)
	assert.False(t, liq)
}

func TestOpen_Rejections(t *testing.T) {
	f := newFixture(t)
	tx := f.s.Begin(t0)

	tests := []struct {
		name     string
		asset    string
		amount   int64
		leverage int64
		want     error
	}{
		{"unsupported asset", "DOGE", unit, 2 * x, ErrUnsupportedAsset},
		{"zero amount", btc, 0, 2 * x, ErrZeroAmount},
		{"leverage below 1.0", btc, unit, x / 2, ErrLeverageOutOfRange},
		{"leverage above 5.0", btc, unit, 5*x + 1, ErrLeverageOutOfRange},
		{"no price", "ETH", unit, 2 * x, oracle.ErrNoPrice},
		{"wallet too small", btc, 20_000 * unit, 2 * x, fault.ErrTransfer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.v.Open(tx.Begin(), trader, tt.asset, tt.amount, tt.leverage)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOpen_StalePriceAborts(t *testing.T) {
	f := newFixture(t)
	tx := f.s.Begin(t0 + 61)

	_, err := f.v.Open(tx, trader, btc, unit, 2*x)
	assert.ErrorIs(t, err, oracle.ErrStalePrice)
	assert.ErrorIs(t, err, fault.ErrStaleData)
}

func TestOpen_TierAssetClassEnforced(t *testing.T) {
	f := newFixture(t)
	f.step(t, t0, func(tx *state.Txn) {
		id, err := f.tiers.AddTier(tx, 9_000, 9_300, 200, "eth-correlated", []string{"ETH"})
		require.NoError(t, err)
		require.NoError(t, f.tiers.SetUserTier(tx, trader, usdc, id, emode.SwitchCheck{}))
	})

	_, err := f.v.Open(f.s.Begin(t0), trader, btc, unit, 2*x)
	assert.ErrorIs(t, err, emode.ErrTierAssetMismatch)
}

func TestOpen_BorrowBoundedByTierLTV(t *testing.T) {
	f := newFixture(t)
	f.step(t, t0, func(tx *state.Txn) {
		id, err := f.tiers.AddTier(tx, 5_000, 6_000, 500, "conservative", nil)
		require.NoError(t, err)
		require.NoError(t, f.tiers.SetUserTier(tx, trader, usdc, id, emode.SwitchCheck{}))
	})

	tx := f.s.Begin(t0)
	_, err := f.v.Open(tx.Begin(), trader, btc, 1_000*unit, 3*x)
	assert.ErrorIs(t, err, ErrLeverageExceedsLTV)

	_, err = f.v.Open(tx.Begin(), trader, btc, 1_000*unit, 2*x)
	assert.NoError(t, err)
}

// --- AddCollateral ---

func TestAddCollateral_ImprovesHealth(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 1_000*unit, 5*x)
	f.setPrice(t, btc, 40_000*price, t0)

	before, err := f.v.HealthFactor(f.s.Begin(t0), id)
	require.NoError(t, err)

	f.step(t, t0, func(tx *state.Txn) {
		require.NoError(t, f.v.AddCollateral(tx, trader, id, 500*unit))
	})

	tx := f.s.Begin(t0)
	pos, err := f.v.Position(tx, id)
	require.NoError(t, err)
	assert.Equal(t, 1_499*unit, pos.DepositAmount)
	assert.Equal(t, 5_495*unit, pos.TotalExposure)
	assert.Equal(t, 3_996*unit, pos.BorrowedAmount)

	after, err := f.v.HealthFactor(tx, id)
	require.NoError(t, err)
	assert.Greater(t, after, before)
	f.requireConsistent(t)
}

func TestAddCollateral_Rejections(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 1_000*unit, 2*x)
	tx := f.s.Begin(t0)

	assert.ErrorIs(t, f.v.AddCollateral(tx, other, id, unit), ErrNotOwner)
	assert.ErrorIs(t, f.v.AddCollateral(tx, trader, id, 0), ErrZeroAmount)
	assert.ErrorIs(t, f.v.AddCollateral(tx, trader, 99, unit), ErrUnknownPosition)
}

// --- Close ---

func TestClose_ProfitChargesPlatformFee(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 1_000*unit, 2*x)
	f.setPrice(t, btc, 55_000*price, t0)

	var res CloseResult
	f.step(t, t0, func(tx *state.Txn) {
		var err error
		res, err = f.v.Close(tx, trader, id)
		require.NoError(t, err)
	})

	assert.Equal(t, int64(2_197_800_000), res.CurrentValue)
	assert.Equal(t, 999*unit, res.DebtRepaid)
	assert.Zero(t, res.InterestPaid)
	assert.Equal(t, int64(19_980_000), res.PlatformFee)
	assert.Equal(t, int64(1_178_820_000), res.Payout)
	assert.Zero(t, res.BadDebt)
	assert.Equal(t, 9_000*unit+res.Payout, f.wallet(trader))

	pos, err := f.v.Position(f.s.Begin(t0), id)
	require.NoError(t, err)
	assert.Equal(t, state.PositionStatusClosed, pos.Status)
	assert.Equal(t, 55_000*price, pos.ExitPrice)
	assert.Zero(t, f.s.Tracker().GetBalance(ledger.VaultCustodyKey(usdc)))
	f.requireConsistent(t)
}

func TestClose_LossChargesNoFee(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 1_000*unit, 2*x)
	f.setPrice(t, btc, 47_500*price, t0)

	tx := f.s.Begin(t0)
	res, err := f.v.Close(tx, trader, id)
	require.NoError(t, err)

	assert.Equal(t, int64(1_898_100_000), res.CurrentValue)
	assert.Zero(t, res.PlatformFee)
	assert.Equal(t, int64(899_100_000), res.Payout)
}

func TestClose_UnderwaterWritesOffBadDebt(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 1_000*unit, 5*x)
	f.setPrice(t, btc, 37_500*price, t0)

	var res CloseResult
	f.step(t, t0, func(tx *state.Txn) {
		var err error
		res, err = f.v.Close(tx, trader, id)
		require.NoError(t, err)
	})

	assert.Equal(t, int64(3_746_250_000), res.CurrentValue)
	assert.Equal(t, int64(3_746_250_000), res.DebtRepaid)
	assert.Equal(t, int64(249_750_000), res.BadDebt)
	assert.Zero(t, res.PlatformFee)
	assert.Zero(t, res.Payout)

	p, err := f.pool.View(f.s.Begin(t0), usdc)
	require.NoError(t, err)
	assert.Zero(t, p.TotalBorrowed)
	assert.Equal(t, int64(249_750_000), p.TotalBadDebt)
	assert.Equal(t, 100_000*unit-249_750_000, p.TotalDeposits)
	f.requireConsistent(t)
}

func TestClose_Rejections(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 1_000*unit, 2*x)

	_, err := f.v.Close(f.s.Begin(t0), other, id)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.ErrorIs(t, err, fault.ErrAuthorization)

	_, err = f.v.Close(f.s.Begin(t0+120), trader, id)
	assert.ErrorIs(t, err, fault.ErrStaleData)

	f.step(t, t0, func(tx *state.Txn) {
		_, err := f.v.Close(tx, trader, id)
		require.NoError(t, err)
	})
	_, err = f.v.Close(f.s.Begin(t0), trader, id)
	assert.ErrorIs(t, err, ErrPositionNotActive)
}

func TestClose_RepaysAccruedInterest(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 1_000*unit, 2*x)

	later := t0 + 31_536_000
	f.setPrice(t, btc, 50_000*price, later)

	var res CloseResult
	f.step(t, later, func(tx *state.Txn) {
		var err error
		res, err = f.v.Close(tx, trader, id)
		require.NoError(t, err)
	})

	assert.Greater(t, res.InterestPaid, int64(0))
	assert.Equal(t, 999*unit+res.InterestPaid, res.DebtRepaid)
	assert.Zero(t, res.PlatformFee)
	f.requireConsistent(t)
}

// --- Collateral valuation ---

func TestCollateralValue_SumsActivePositions(t *testing.T) {
	f := newFixture(t)
	f.open(t, 1_000*unit, 2*x)
	f.open(t, 1_000*unit, x)
	f.setPrice(t, btc, 60_000*price, t0)

	v, err := f.v.CollateralValue(f.s.Begin(t0), trader, usdc)
	require.NoError(t, err)
	// (1998 + 999) * 1.2
	assert.Equal(t, int64(3_596_400_000), v)
	assert.Equal(t, []string{btc}, f.v.Exposures(f.s.Begin(t0), trader))
}

func TestNew_SecondVaultRejected(t *testing.T) {
	f := newFixture(t)
	ft, err := fees.NewTracker(0)
	require.NoError(t, err)
	_, err = New(DefaultConfig, f.pool, f.tiers, f.feed, ft)
	assert.ErrorIs(t, err, pool.ErrVaultRegistered)
}
