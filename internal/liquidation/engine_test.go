package liquidation

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
	"LeverLedger/internal/vault"
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
	lp         = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	trader     = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	liquidator = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
)

type fixture struct {
	s    *state.Store
	pool *pool.Ledger
	feed *oracle.Feed
	v    *vault.Vault
	e    *Engine
	seq  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tiers, err := emode.NewRegistry(emode.DefaultTier, emode.DefaultLimits)
	require.NoError(t, err)
	pl, err := pool.NewLedger(pool.DefaultConfig, tiers)
	require.NoError(t, err)
	ft, err := fees.NewTracker(1_000)
	require.NoError(t, err)

	f := &fixture{s: state.NewStore(), pool: pl, feed: oracle.NewFeed(60)}
	f.v, err = vault.New(vault.DefaultConfig, pl, tiers, f.feed, ft)
	require.NoError(t, err)
	f.e, err = NewEngine(DefaultConfig, f.v)
	require.NoError(t, err)

	f.step(t, func(tx *state.Txn) {
		ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc)
		require.NoError(t, tx.Transfer(ext, ledger.WalletKey(lp, usdc), 100_000*unit, ledger.JournalTypeWalletCredit))
		require.NoError(t, tx.Transfer(ext, ledger.WalletKey(trader, usdc), 10_000*unit, ledger.JournalTypeWalletCredit))
		_, err := pl.Deposit(tx, lp, usdc, 100_000*unit)
		require.NoError(t, err)
	})
	f.setPrice(t, 50_000*price)
	return f
}

func (f *fixture) step(t *testing.T, fn func(tx *state.Txn)) {
	t.Helper()
	tx := f.s.Begin(t0)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func (f *fixture) setPrice(t *testing.T, p int64) {
	t.Helper()
	f.seq++
	_, err := f.feed.Apply(oracle.Observation{Asset: btc, Price: p, Sequence: f.seq, PublishedAt: t0})
	require.NoError(t, err)
}

func (f *fixture) open(t *testing.T, leverage int64) uint64 {
	t.Helper()
	var id uint64
	f.step(t, func(tx *state.Txn) {
		var err error
		id, err = f.v.Open(tx, trader, btc, 1_000*unit, leverage)
		require.NoError(t, err)
	})
	return id
}

func (f *fixture) liquidate(t *testing.T, caller uuid.UUID, id uint64) Outcome {
	t.Helper()
	var out Outcome
	f.step(t, func(tx *state.Txn) {
		var err error
		out, err = f.e.Liquidate(tx, caller, id)
		require.NoError(t, err)
	})
	return out
}

func (f *fixture) requireConsistent(t *testing.T) {
	t.Helper()
	require.NoError(t, f.pool.CheckInvariants(f.s.Begin(0)))
	require.NoError(t, ledger.NewInvariantValidator(f.s.Tracker()).ValidateGlobalBalance())
}

func requireIdentities(t *testing.T, o Outcome) {
	t.Helper()
	require.Equal(t, o.CollateralSeized, o.DebtRepaid+o.LiquidatorBonus+o.InsuranceRouted, "value distribution")
	require.Equal(t, o.DebtOutstanding, o.DebtRepaid+o.BadDebtRecorded, "debt settlement")
	require.Equal(t, o.BadDebtRecorded, o.InsuranceCovered+o.Socialized, "bad debt coverage")
}

// --- Distribution ---

func TestLiquidate_SolventRoutesSurplus(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 5*x)
	f.setPrice(t, 45_000*price) // HF 1.125

	out := f.liquidate(t, liquidator, id)
	requireIdentities(t, out)

	assert.Equal(t, int64(4_495_500_000), out.CollateralSeized)
	assert.Equal(t, 3_996*unit, out.DebtRepaid)
	assert.Equal(t, int64(224_775_000), out.LiquidatorBonus)
	assert.Equal(t, int64(274_725_000), out.InsuranceRouted)
	assert.Zero(t, out.BadDebtRecorded)
	assert.Equal(t, int64(1_125_000), out.HealthFactor)

	tr := f.s.Tracker()
	assert.Equal(t, out.LiquidatorBonus, tr.GetBalance(ledger.WalletKey(liquidator, usdc)))
	// entry fee plus the routed surplus
	assert.Equal(t, unit+out.InsuranceRouted, tr.GetBalance(ledger.FeesKey(usdc)))

	pos, err := f.v.Position(f.s.Begin(t0), id)
	require.NoError(t, err)
	assert.Equal(t, state.PositionStatusLiquidated, pos.Status)
	f.requireConsistent(t)
}

func TestLiquidate_BonusCappedBySurplus(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 5*x)
	f.setPrice(t, 42_000*price)

	out := f.liquidate(t, liquidator, id)
	requireIdentities(t, out)

	assert.Equal(t, int64(4_195_800_000), out.CollateralSeized)
	assert.Equal(t, 3_996*unit, out.DebtRepaid)
	assert.Equal(t, int64(199_800_000), out.LiquidatorBonus)
	assert.Zero(t, out.InsuranceRouted)
	f.requireConsistent(t)
}

func TestLiquidate_ShortfallBecomesBadDebt(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 5*x)
	f.setPrice(t, 37_500*price)

	out := f.liquidate(t, liquidator, id)
	requireIdentities(t, out)

	assert.Equal(t, int64(3_746_250_000), out.CollateralSeized)
	assert.Equal(t, int64(187_312_500), out.LiquidatorBonus)
	assert.Equal(t, int64(3_558_937_500), out.DebtRepaid)
	assert.Equal(t, int64(437_062_500), out.BadDebtRecorded)
	assert.Zero(t, out.InsuranceCovered)
	assert.Equal(t, out.BadDebtRecorded, out.Socialized)

	p, err := f.pool.View(f.s.Begin(t0), usdc)
	require.NoError(t, err)
	assert.Equal(t, out.BadDebtRecorded, p.TotalBadDebt)
	assert.Equal(t, 100_000*unit-out.Socialized, p.TotalDeposits)
	assert.Zero(t, p.TotalBorrowed)
	f.requireConsistent(t)
}

func TestLiquidate_ShortfallDrawsReserveFirst(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 5*x)

	// a year of interest funds the reserve
	later := t0 + 31_536_000
	f.seq++
	_, err := f.feed.Apply(oracle.Observation{Asset: btc, Price: 37_500 * price, Sequence: f.seq, PublishedAt: later})
	require.NoError(t, err)

	tx := f.s.Begin(later)
	_, err = f.pool.Accrue(tx, usdc)
	require.NoError(t, err)
	before, err := f.pool.View(tx, usdc)
	require.NoError(t, err)
	require.Positive(t, before.InsuranceReserve)

	out, err := f.e.Liquidate(tx, liquidator, id)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	requireIdentities(t, out)

	assert.Equal(t, before.InsuranceReserve, out.InsuranceCovered)
	assert.Equal(t, out.BadDebtRecorded-before.InsuranceReserve, out.Socialized)
	f.requireConsistent(t)
}

// --- Preconditions ---

func TestLiquidate_Rejections(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 5*x)
	tx := f.s.Begin(t0)

	_, err := f.e.Liquidate(tx.Begin(), liquidator, id)
	assert.ErrorIs(t, err, ErrNotLiquidatable)
	assert.ErrorIs(t, err, fault.ErrHealth)

	f.setPrice(t, 40_000*price)

	_, err = f.e.Liquidate(tx.Begin(), trader, id)
	assert.ErrorIs(t, err, ErrSelfLiquidation)
	assert.ErrorIs(t, err, fault.ErrAuthorization)

	_, err = f.e.Liquidate(tx.Begin(), liquidator, 42)
	assert.ErrorIs(t, err, vault.ErrUnknownPosition)

	_, err = f.e.Liquidate(f.s.Begin(t0+61), liquidator, id)
	assert.ErrorIs(t, err, fault.ErrStaleData)
}

func TestLiquidate_NeverWithoutDebt(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, x)
	f.setPrice(t, 1*price)

	_, err := f.e.Liquidate(f.s.Begin(t0), liquidator, id)
	assert.ErrorIs(t, err, ErrNotLiquidatable)
}

func TestLiquidate_RaceLoserFailsCleanly(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 5*x)
	f.setPrice(t, 40_000*price)

	f.liquidate(t, liquidator, id)

	_, err := f.e.Liquidate(f.s.Begin(t0), uuid.New(), id)
	assert.ErrorIs(t, err, vault.ErrPositionNotActive)
	f.requireConsistent(t)
}

func TestLiquidate_SingleFlight(t *testing.T) {
	f := newFixture(t)
	f.e.active = true
	_, err := f.e.Liquidate(f.s.Begin(t0), liquidator, 1)
	assert.ErrorIs(t, err, ErrLiquidationActive)
}

// --- Keepers ---

func TestKeeperOnlyMode(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 5*x)
	f.setPrice(t, 40_000*price)
	f.step(t, func(tx *state.Txn) { f.e.SetKeeperOnly(tx, true) })

	_, err := f.e.Liquidate(f.s.Begin(t0), liquidator, id)
	assert.ErrorIs(t, err, ErrNotKeeper)

	f.step(t, func(tx *state.Txn) { require.NoError(t, f.e.AddKeeper(tx, liquidator)) })
	f.liquidate(t, liquidator, id)
}

func TestKeeperRegistry_IdempotencyChecked(t *testing.T) {
	f := newFixture(t)
	tx := f.s.Begin(t0)

	require.NoError(t, f.e.AddKeeper(tx, liquidator))
	assert.ErrorIs(t, f.e.AddKeeper(tx, liquidator), ErrKeeperExists)
	assert.ErrorIs(t, f.e.AddKeeper(tx, uuid.Nil), ErrInvalidKeeper)
	assert.Equal(t, []uuid.UUID{liquidator}, f.e.Keepers(tx))

	require.NoError(t, f.e.RemoveKeeper(tx, liquidator))
	assert.ErrorIs(t, f.e.RemoveKeeper(tx, liquidator), ErrKeeperNotFound)
	assert.Empty(t, f.e.Keepers(tx))
}

// --- Batch ---

func TestBatchLiquidate_BoundsChecked(t *testing.T) {
	f := newFixture(t)
	tx := f.s.Begin(t0)

	_, err := f.e.BatchLiquidate(tx, liquidator, nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	ids := make([]uint64, DefaultConfig.MaxBatchSize+1)
	_, err = f.e.BatchLiquidate(tx, liquidator, ids)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestBatchLiquidate_BestEffortReportsEveryFailure(t *testing.T) {
	f := newFixture(t)
	risky := f.open(t, 5*x)
	safe := f.open(t, 2*x)
	f.setPrice(t, 45_000*price)

	var res BatchResult
	f.step(t, func(tx *state.Txn) {
		var err error
		res, err = f.e.BatchLiquidate(tx, liquidator, []uint64{safe, risky, 999, risky})
		require.NoError(t, err)
	})

	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, risky, res.Outcomes[0].PositionID)
	requireIdentities(t, res.Totals)

	require.Len(t, res.Failures, 3)
	assert.Equal(t, safe, res.Failures[0].PositionID)
	assert.ErrorIs(t, res.Failures[0].Err, ErrNotLiquidatable)
	assert.ErrorIs(t, res.Failures[1].Err, vault.ErrUnknownPosition)
	assert.ErrorIs(t, res.Failures[2].Err, vault.ErrPositionNotActive)

	pos, err := f.v.Position(f.s.Begin(t0), safe)
	require.NoError(t, err)
	assert.True(t, pos.IsActive())
	f.requireConsistent(t)
}

func TestBatchLiquidate_NoneSucceedReturnsJoinedErrors(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, 2*x)
	b := f.open(t, 2*x)

	_, err := f.e.BatchLiquidate(f.s.Begin(t0), liquidator, []uint64{a, b})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoneLiquidated)
	assert.ErrorIs(t, err, ErrNotLiquidatable)
}

func TestBatchLiquidate_TotalsAggregate(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, 5*x)
	b := f.open(t, 5*x)
	f.setPrice(t, 45_000*price)

	var res BatchResult
	f.step(t, func(tx *state.Txn) {
		var err error
		res, err = f.e.BatchLiquidate(tx, liquidator, []uint64{a, b})
		require.NoError(t, err)
	})

	require.Len(t, res.Outcomes, 2)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 2*3_996*unit, res.Totals.DebtRepaid)
	assert.Equal(t, 2*int64(224_775_000), res.Totals.LiquidatorBonus)
	requireIdentities(t, res.Totals)
	f.requireConsistent(t)
}
