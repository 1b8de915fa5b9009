package query_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeverLedger/internal/core"
	"LeverLedger/internal/event"
	"LeverLedger/internal/fault"
	fpmath "LeverLedger/internal/math"
	"LeverLedger/internal/observability"
	"LeverLedger/internal/query"
)

var (
	admin  = uuid.MustParse("00000000-0000-0000-0000-0000000000ad")
	lp     = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	trader = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

const (
	unit  = int64(1_000_000)
	price = int64(100_000_000)
	t0    = int64(1_700_000_000)
)

type fixture struct {
	runner  *core.Runner
	qs      *query.QueryService
	metrics *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := core.DefaultConfig
	cfg.Admin = admin
	m := observability.NewMetrics(prometheus.NewRegistry())
	e, err := core.NewEngine(cfg, nil, nil, nil, m, zerolog.Nop())
	require.NoError(t, err)

	runner := core.NewRunner(e, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go runner.Run(ctx)
	t.Cleanup(cancel)

	return &fixture{runner: runner, qs: query.NewQueryService(nil, runner, m), metrics: m}
}

func (f *fixture) submit(t *testing.T, evt event.Event) core.Result {
	t.Helper()
	res, err := f.runner.Submit(context.Background(), evt)
	require.NoError(t, err, "%s", evt.EventType())
	return res
}

func meta(caller uuid.UUID, ts int64) event.Meta {
	return event.Meta{RequestID: uuid.New(), Caller: caller, Timestamp: time.Unix(ts, 0).UTC()}
}

// seed funds the pool, prices BTC at 50k and opens a 2x position.
func (f *fixture) seed(t *testing.T) uint64 {
	t.Helper()
	f.submit(t, &event.WalletCredit{Meta: meta(admin, t0), Account: lp, Asset: "USDC", Amount: 100_000 * unit})
	f.submit(t, &event.WalletCredit{Meta: meta(admin, t0), Account: trader, Asset: "USDC", Amount: 10_000 * unit})
	f.submit(t, &event.Deposit{Meta: meta(lp, t0), Asset: "USDC", Amount: 100_000 * unit})
	f.submit(t, &event.PriceUpdate{Meta: meta(admin, t0), Asset: "BTC", Price: 50_000 * price, Sequence: 1, PublishedAt: t0})
	res := f.submit(t, &event.OpenPosition{Meta: meta(trader, t0+10), Asset: "BTC", Amount: 1_000 * unit, Leverage: 2 * fpmath.Precision})
	return res.Value.(uint64)
}

func TestPoolQueries(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	p, err := f.qs.GetPool(ctx, "USDC")
	require.NoError(t, err)
	assert.Equal(t, 100_000*unit, p.TotalDeposits)
	assert.Positive(t, p.TotalBorrowed)
	assert.Equal(t, p.TotalDeposits-p.TotalBorrowed, p.Available)
	assert.Equal(t, fpmath.Utilization(p.TotalBorrowed, p.TotalDeposits), p.Utilization)
	assert.Equal(t, fpmath.DefaultRateModel.Rate(p.Utilization), p.BorrowRateBps)
	assert.Less(t, p.SupplyRateBps, p.BorrowRateBps)
	assert.Equal(t, "100000.000000", p.Display.TotalDeposits)
	assert.Equal(t, int64(5), p.AsOfSequence)

	pools, err := f.qs.ListPools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, len(core.DefaultConfig.Pool.Assets))

	_, err = f.qs.GetPool(ctx, "DOGE")
	require.ErrorIs(t, err, fault.ErrNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueryRequests.WithLabelValues("get_pool", "not_found")))
}

func TestAccountQuery(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	acct, err := f.qs.GetAccount(ctx, lp, "USDC")
	require.NoError(t, err)
	assert.Zero(t, acct.WalletBalance)
	assert.Positive(t, acct.Shares)
	assert.GreaterOrEqual(t, acct.DepositValue, 100_000*unit)
	assert.Zero(t, acct.Outstanding)
	assert.Equal(t, "default", acct.Tier.Label)

	acct, err = f.qs.GetAccount(ctx, trader, "USDC")
	require.NoError(t, err)
	assert.Equal(t, 9_000*unit, acct.WalletBalance)
	assert.Positive(t, acct.Outstanding)
	assert.Positive(t, acct.CollateralValue)
}

func TestPositionQueries(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t)
	ctx := context.Background()

	pos, err := f.qs.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Active", pos.Status)
	assert.Equal(t, trader, pos.Owner)
	require.NotNil(t, pos.Health, pos.HealthError)
	assert.False(t, pos.Health.Liquidatable)

	ids, err := f.qs.LiquidatablePositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	f.submit(t, &event.PriceUpdate{Meta: meta(admin, t0+20), Asset: "BTC", Price: 20_000 * price, Sequence: 2, PublishedAt: t0 + 20})

	list, err := f.qs.GetPositions(ctx, trader, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].Health)
	assert.True(t, list[0].Health.Liquidatable)

	ids, err = f.qs.LiquidatablePositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{id}, ids)

	_, err = f.qs.GetPosition(ctx, 999)
	require.ErrorIs(t, err, fault.ErrNotFound)
}

func TestStalePriceSurfacesAsHealthError(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t)
	ctx := context.Background()

	// Any command moves the clock past the price's max age.
	f.submit(t, &event.Accrue{Meta: meta(admin, t0+3_600), Asset: "USDC"})

	pos, err := f.qs.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, pos.Health)
	assert.NotEmpty(t, pos.HealthError)

	pr, err := f.qs.GetPrice(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, pr.Stale)
	assert.Equal(t, int64(3_600), pr.AgeSeconds)
	assert.Equal(t, "50000.00000000", pr.Display)
}

func TestTierAndKeeperQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tiers, err := f.qs.ListTiers(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 1)
	assert.Equal(t, uint32(0), tiers[0].ID)

	_, err = f.qs.GetTier(ctx, 7)
	require.ErrorIs(t, err, fault.ErrNotFound)

	keeper := uuid.New()
	f.submit(t, &event.AddKeeper{Meta: meta(admin, t0), Keeper: keeper})
	f.submit(t, &event.SetKeeperOnly{Meta: meta(admin, t0), Enabled: true})

	k, err := f.qs.GetKeepers(ctx)
	require.NoError(t, err)
	assert.True(t, k.KeeperOnly)
	assert.Equal(t, []uuid.UUID{keeper}, k.Keepers)
}

func TestHistoryWithoutDatabase(t *testing.T) {
	f := newFixture(t)
	_, err := f.qs.GetRecords(context.Background(), "", 0, 10)
	assert.True(t, errors.Is(err, query.ErrNoDatabase))
	_, err = f.qs.VerifyIntegrity(context.Background())
	assert.ErrorIs(t, err, fault.ErrNotFound)
}
