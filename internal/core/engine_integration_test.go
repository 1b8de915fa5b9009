package core_test

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
	"LeverLedger/internal/ledger"
	"LeverLedger/internal/liquidation"
	fpmath "LeverLedger/internal/math"
	"LeverLedger/internal/observability"
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
	admin      = uuid.MustParse("00000000-0000-0000-0000-0000000000ad")
	lp         = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	trader     = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	liquidator = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
	borrower   = uuid.MustParse("00000000-0000-0000-0000-00000000000f")
)

// --- Test helpers ---

type harness struct {
	e        *core.Engine
	persist  chan core.Output
	publish  chan core.Output
	metrics  *observability.Metrics
	priceSeq int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		persist: make(chan core.Output, 1024),
		publish: make(chan core.Output, 1024),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	h.e = newEngine(t, h.persist, h.publish, h.metrics)
	return h
}

func newEngine(t *testing.T, persist, publish chan core.Output, m *observability.Metrics) *core.Engine {
	t.Helper()
	cfg := core.DefaultConfig
	cfg.Admin = admin
	cfg.GlobalCheckInterval = 1
	e, err := core.NewEngine(cfg, persist, publish, nil, m, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func meta(caller uuid.UUID, ts int64) event.Meta {
	return event.Meta{RequestID: uuid.New(), Caller: caller, Timestamp: time.Unix(ts, 0).UTC()}
}

func (h *harness) must(t *testing.T, evt event.Event) core.Result {
	t.Helper()
	res, err := h.e.Process(evt)
	require.NoError(t, err, "%s", evt.EventType())
	return res
}

func (h *harness) credit(t *testing.T, account uuid.UUID, amount int64) {
	t.Helper()
	h.must(t, &event.WalletCredit{Meta: meta(admin, t0), Account: account, Asset: usdc, Amount: amount})
}

func (h *harness) setPrice(t *testing.T, ts, p int64) {
	t.Helper()
	h.priceSeq++
	h.must(t, &event.PriceUpdate{Meta: meta(admin, ts), Asset: btc, Price: p, Sequence: h.priceSeq, PublishedAt: ts})
}

// seed funds the pool with 100k from the LP, gives the trader 10k and
// prices BTC at 50k.
func (h *harness) seed(t *testing.T) {
	t.Helper()
	h.credit(t, lp, 100_000*unit)
	h.credit(t, trader, 10_000*unit)
	h.must(t, &event.Deposit{Meta: meta(lp, t0), Asset: usdc, Amount: 100_000 * unit})
	h.setPrice(t, t0, 50_000*price)
}

func (h *harness) open(t *testing.T, ts, leverage int64) uint64 {
	t.Helper()
	res := h.must(t, &event.OpenPosition{Meta: meta(trader, ts), Asset: btc, Amount: 1_000 * unit, Leverage: leverage})
	return res.Value.(uint64)
}

func (h *harness) balance(key ledger.AccountKey) int64 {
	return h.e.Store().Tracker().GetBalance(key)
}

func drain(ch chan core.Output) []core.Output {
	var out []core.Output
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

type repayReceiver struct {
	extra int64 // repaid on top of amount+fee
	calls int
}

func (r *repayReceiver) OnFlashLoan(fc *pool.FlashContext, loan pool.FlashLoan, _ []byte) error {
	r.calls++
	return fc.Repay(loan.Owed() + r.extra)
}

type stingyReceiver struct{}

func (stingyReceiver) OnFlashLoan(fc *pool.FlashContext, loan pool.FlashLoan, _ []byte) error {
	return fc.Repay(loan.Amount)
}

// --- Construction ---

func TestNewEngine_RequiresAdmin(t *testing.T) {
	_, err := core.NewEngine(core.DefaultConfig, nil, nil, nil, nil, zerolog.Nop())
	require.ErrorIs(t, err, fault.ErrValidation)
}

func TestNewEngine_VaultQuoteMustHavePool(t *testing.T) {
	cfg := core.DefaultConfig
	cfg.Admin = admin
	cfg.Vault.QuoteAsset = "DAI"
	_, err := core.NewEngine(cfg, nil, nil, nil, nil, zerolog.Nop())
	require.ErrorIs(t, err, fault.ErrValidation)
}

// --- Pipeline ---

func TestProcess_AssignsSequenceAndChainsHashes(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	outs := drain(h.persist)
	require.Len(t, outs, 4)
	for i, o := range outs {
		assert.Equal(t, int64(i+1), o.Envelope.Sequence)
		assert.Equal(t, o.Envelope.Sequence, o.Batch.Sequence)
		if i > 0 {
			assert.Equal(t, outs[i-1].Envelope.StateHash, o.Envelope.PrevHash, "hash chain broken at %d", i)
		}
	}
	assert.Equal(t, outs[3].Envelope.StateHash, h.e.StateHash())
	assert.Equal(t, int64(5), h.e.Sequence())

	// price updates move no tokens
	assert.Empty(t, outs[3].Batch.Journals)
	assert.Len(t, drain(h.publish), 4)
	assert.Equal(t, 5.0, testutil.ToFloat64(h.metrics.CoreSequence))
}

func TestProcess_DuplicateRejected(t *testing.T) {
	h := newHarness(t)
	evt := &event.WalletCredit{Meta: meta(admin, t0), Account: lp, Asset: usdc, Amount: unit}
	h.must(t, evt)

	_, err := h.e.Process(evt)
	require.ErrorIs(t, err, core.ErrDuplicate)
	require.ErrorIs(t, err, fault.ErrConflict)
	assert.Equal(t, unit, h.balance(ledger.WalletKey(lp, usdc)))
	assert.Equal(t, int64(2), h.e.Sequence())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.IdempotencyDuplicates.WithLabelValues("WalletCredit", "lru")))
}

func TestProcess_AdminCommandsGated(t *testing.T) {
	h := newHarness(t)
	cmds := []event.Event{
		&event.WalletCredit{Meta: meta(lp, t0), Account: lp, Asset: usdc, Amount: unit},
		&event.PriceUpdate{Meta: meta(lp, t0), Asset: btc, Price: price, Sequence: 1},
		&event.AddTier{Meta: meta(lp, t0), LTVBps: 9000, LiquidationThresholdBps: 9300, LiquidationBonusBps: 200},
		&event.SetKeeperOnly{Meta: meta(lp, t0), Enabled: true},
		&event.SetRateModel{Meta: meta(lp, t0), Asset: usdc, Model: fpmath.DefaultRateModel},
		&event.Accrue{Meta: meta(lp, t0), Asset: usdc},
	}
	for _, c := range cmds {
		_, err := h.e.Process(c)
		require.ErrorIs(t, err, core.ErrNotAdmin, "%s", c.EventType())
		require.ErrorIs(t, err, fault.ErrAuthorization)
	}
	assert.Equal(t, int64(1), h.e.Sequence())
	assert.Empty(t, drain(h.persist))
}

func TestProcess_MissingTimestamp(t *testing.T) {
	h := newHarness(t)
	_, err := h.e.Process(&event.Deposit{Meta: event.Meta{RequestID: uuid.New(), Caller: lp}, Asset: usdc, Amount: unit})
	require.ErrorIs(t, err, core.ErrMissingTime)
}

func TestProcess_RejectionLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	drain(h.persist)
	before := h.e.StateHash()

	_, err := h.e.Process(&event.OpenPosition{Meta: meta(trader, t0), Asset: btc, Amount: 1_000 * unit, Leverage: 6 * x})
	require.ErrorIs(t, err, vault.ErrLeverageOutOfRange)

	_, err = h.e.Process(&event.Withdraw{Meta: meta(lp, t0), Asset: usdc, Shares: 200_000 * unit})
	require.ErrorIs(t, err, pool.ErrInsufficientShares)

	assert.Equal(t, before, h.e.StateHash())
	assert.Equal(t, 10_000*unit, h.balance(ledger.WalletKey(trader, usdc)))
	assert.Empty(t, drain(h.persist))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CoreEventsRejected.WithLabelValues("OpenPosition", "validation")))
}

func TestProcess_WalletDebitNeedsFunds(t *testing.T) {
	h := newHarness(t)
	h.credit(t, lp, 10*unit)

	_, err := h.e.Process(&event.WalletDebit{Meta: meta(admin, t0), Account: lp, Asset: usdc, Amount: 11 * unit})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	h.must(t, &event.WalletDebit{Meta: meta(admin, t0), Account: lp, Asset: usdc, Amount: 4 * unit})
	assert.Equal(t, 6*unit, h.balance(ledger.WalletKey(lp, usdc)))
	assert.Equal(t, 4*unit, h.balance(ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, usdc)))
	assert.Equal(t, -10*unit, h.balance(ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc)))

	_, err = h.e.Process(&event.WalletCredit{Meta: meta(admin, t0), Account: lp, Asset: "DAI", Amount: unit})
	require.ErrorIs(t, err, core.ErrUnknownAsset)
}

func TestProcess_PriceReplayRejected(t *testing.T) {
	h := newHarness(t)
	h.setPrice(t, t0, 50_000*price)

	_, err := h.e.Process(&event.PriceUpdate{Meta: meta(admin, t0), Asset: btc, Price: 51_000 * price, Sequence: h.priceSeq})
	require.ErrorIs(t, err, core.ErrPriceNotApplied)

	p, _, err := h.e.Feed().GetPrice(btc, t0)
	require.NoError(t, err)
	assert.Equal(t, 50_000*price, p)
}

func TestProcess_PriceWithoutPublishTimeUsesCommandTime(t *testing.T) {
	h := newHarness(t)
	h.must(t, &event.PriceUpdate{Meta: meta(admin, t0+30), Asset: btc, Price: price, Sequence: 1})

	_, age, err := h.e.Feed().GetPrice(btc, t0+30)
	require.NoError(t, err)
	assert.Zero(t, age)
}

func TestProcess_CommandTimeNeverRunsBackwards(t *testing.T) {
	h := newHarness(t)
	h.credit(t, lp, unit)
	h.must(t, &event.WalletCredit{Meta: meta(admin, t0+100), Account: lp, Asset: usdc, Amount: unit})
	h.must(t, &event.WalletCredit{Meta: meta(admin, t0+50), Account: lp, Asset: usdc, Amount: unit})

	assert.Equal(t, t0+100, h.e.Store().Settings().LastTimestamp)
}

func TestProcess_FutureDatedUserCommandRejected(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	id := h.open(t, t0, 5*x)
	h.credit(t, liquidator, unit)
	before, err := h.e.Pool().View(h.e.View(), usdc)
	require.NoError(t, err)
	seq := h.e.Sequence()

	fiveYears := t0 + 5*365*24*3600
	_, err = h.e.Process(&event.Accrue{Meta: meta(liquidator, fiveYears), Asset: usdc})
	require.ErrorIs(t, err, core.ErrNotAdmin)

	_, err = h.e.Process(&event.Deposit{Meta: meta(liquidator, fiveYears), Asset: usdc, Amount: unit})
	require.ErrorIs(t, err, core.ErrClockSkew)
	require.ErrorIs(t, err, fault.ErrValidation)

	assert.Equal(t, seq, h.e.Sequence())
	assert.Equal(t, t0, h.e.Store().Settings().LastTimestamp)
	after, err := h.e.Pool().View(h.e.View(), usdc)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// the owner is unaffected and can still close at the fresh price
	h.must(t, &event.ClosePosition{Meta: meta(trader, t0+10), PositionID: id})
}

func TestProcess_ClockSkewFollowsTrustedTime(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	// within the skew of the last admin command
	h.must(t, &event.Deposit{Meta: meta(trader, t0+300), Asset: usdc, Amount: unit})
	_, err := h.e.Process(&event.Deposit{Meta: meta(trader, t0+301), Asset: usdc, Amount: unit})
	require.ErrorIs(t, err, core.ErrClockSkew)

	// a later admin command moves trusted time forward
	h.setPrice(t, t0+600, 50_000*price)
	h.must(t, &event.Deposit{Meta: meta(trader, t0+601), Asset: usdc, Amount: unit})

	// so does the receive time an ingress stamps
	late := &event.Deposit{Meta: meta(trader, t0+7_200), Asset: usdc, Amount: unit}
	late.MarkReceived(time.Unix(t0+7_100, 0))
	h.must(t, late)
	assert.Equal(t, t0+7_100, h.e.Store().Settings().TrustedTime)
	assert.Equal(t, t0+7_200, h.e.Store().Settings().LastTimestamp)
}

// --- Lifecycle ---

func TestLifecycle_OpenCloseSettles(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	id := h.open(t, t0, 2*x)
	h.setPrice(t, t0, 60_000*price)

	res := h.must(t, &event.ClosePosition{Meta: meta(trader, t0), PositionID: id})
	closed := res.Value.(vault.CloseResult)
	assert.Positive(t, closed.Payout)
	assert.Positive(t, closed.PlatformFee)

	pos, err := h.e.Vault().Position(h.e.View(), id)
	require.NoError(t, err)
	assert.Equal(t, state.PositionStatusClosed, pos.Status)

	debt, err := h.e.Pool().Outstanding(h.e.View(), vault.ID, usdc)
	require.NoError(t, err)
	assert.Zero(t, debt)
	assert.Zero(t, h.balance(ledger.VaultCustodyKey(usdc)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PositionsOpened.WithLabelValues(btc)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PositionsClosed.WithLabelValues(btc)))
}

func TestLifecycle_AddCollateralOwnerOnly(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	id := h.open(t, t0, 3*x)

	_, err := h.e.Process(&event.AddCollateral{Meta: meta(lp, t0), PositionID: id, Amount: unit})
	require.ErrorIs(t, err, vault.ErrNotOwner)

	h.must(t, &event.AddCollateral{Meta: meta(trader, t0), PositionID: id, Amount: 100 * unit})
}

func TestLifecycle_LiquidationThroughEngine(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	id := h.open(t, t0, 5*x)
	h.setPrice(t, t0, 45_000*price)

	res := h.must(t, &event.Liquidate{Meta: meta(liquidator, t0), PositionID: id})
	out := res.Value.(liquidation.Outcome)
	assert.Equal(t, int64(4_495_500_000), out.CollateralSeized)
	assert.Equal(t, 3_996*unit, out.DebtRepaid)
	assert.Equal(t, out.LiquidatorBonus, h.balance(ledger.WalletKey(liquidator, usdc)))

	_, err := h.e.Process(&event.Liquidate{Meta: meta(liquidator, t0), PositionID: id})
	require.ErrorIs(t, err, vault.ErrPositionNotActive)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Liquidations.WithLabelValues(btc, "solvent")))
}

func TestLifecycle_BadDebtIsSocialized(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	id := h.open(t, t0, 5*x)
	h.setPrice(t, t0, 37_500*price)

	res := h.must(t, &event.Liquidate{Meta: meta(liquidator, t0), PositionID: id})
	out := res.Value.(liquidation.Outcome)
	assert.Equal(t, int64(437_062_500), out.BadDebtRecorded)

	p, err := h.e.Pool().View(h.e.View(), usdc)
	require.NoError(t, err)
	assert.Equal(t, out.BadDebtRecorded, p.TotalBadDebt)
	assert.Equal(t, 100_000*unit-out.Socialized, p.TotalDeposits)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Liquidations.WithLabelValues(btc, "bad_debt")))
}

func TestLifecycle_BatchLiquidateKeepsSurvivors(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	risky := h.open(t, t0, 5*x)
	safe := h.open(t, t0, 1*x)
	h.setPrice(t, t0, 45_000*price)

	res := h.must(t, &event.BatchLiquidate{Meta: meta(liquidator, t0), PositionIDs: []uint64{safe, risky}})
	batch := res.Value.(liquidation.BatchResult)
	require.Len(t, batch.Outcomes, 1)
	require.Len(t, batch.Failures, 1)
	assert.Equal(t, safe, batch.Failures[0].PositionID)

	_, err := h.e.Process(&event.BatchLiquidate{Meta: meta(liquidator, t0), PositionIDs: []uint64{safe}})
	require.ErrorIs(t, err, liquidation.ErrNoneLiquidated)
}

func TestLifecycle_KeeperOnlyMode(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	id := h.open(t, t0, 5*x)
	h.setPrice(t, t0, 45_000*price)

	h.must(t, &event.SetKeeperOnly{Meta: meta(admin, t0), Enabled: true})
	_, err := h.e.Process(&event.Liquidate{Meta: meta(liquidator, t0), PositionID: id})
	require.ErrorIs(t, err, liquidation.ErrNotKeeper)

	h.must(t, &event.AddKeeper{Meta: meta(admin, t0), Keeper: liquidator})
	h.must(t, &event.Liquidate{Meta: meta(liquidator, t0), PositionID: id})
}

func TestLifecycle_StalePriceBlocksOpen(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	_, err := h.e.Process(&event.OpenPosition{Meta: meta(trader, t0+61), Asset: btc, Amount: 1_000 * unit, Leverage: 2 * x})
	require.ErrorIs(t, err, fault.ErrStaleData)
}

func TestLifecycle_InterestAccrues(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.open(t, t0, 5*x)

	res := h.must(t, &event.Accrue{Meta: meta(admin, t0+365*24*3600), Asset: usdc})
	assert.Positive(t, res.Value.(int64))

	p, err := h.e.Pool().View(h.e.View(), usdc)
	require.NoError(t, err)
	assert.Positive(t, p.InsuranceReserve)
	assert.Greater(t, p.TotalBorrowed, 4_000*unit)
}

// --- Risk tiers ---

func TestTiers_AddAndSwitch(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	res := h.must(t, &event.AddTier{
		Meta: meta(admin, t0), LTVBps: 9000, LiquidationThresholdBps: 9300,
		LiquidationBonusBps: 200, Label: "btc-correlated", Assets: []string{btc},
	})
	tierID := res.Value.(uint32)
	assert.Equal(t, uint32(1), tierID)

	h.must(t, &event.SetUserTier{Meta: meta(trader, t0), TierID: tierID})
	tier := h.e.Tiers().AccountTier(h.e.View(), trader, usdc)
	assert.Equal(t, "btc-correlated", tier.Label)

	_, err := h.e.Process(&event.SetUserTier{Meta: meta(trader, t0), TierID: 7})
	require.ErrorIs(t, err, fault.ErrNotFound)
}

func TestTiers_UpdateValidated(t *testing.T) {
	h := newHarness(t)
	_, err := h.e.Process(&event.UpdateTier{
		Meta: meta(admin, t0), TierID: 0, LTVBps: 9000, LiquidationThresholdBps: 8000, LiquidationBonusBps: 200,
	})
	require.ErrorIs(t, err, fault.ErrValidation)
}

// --- Flash loans ---

func TestFlashLoan_RepaidWithFee(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	receiverID := uuid.New()
	r := &repayReceiver{}
	require.NoError(t, h.e.RegisterReceiver(receiverID, r))
	require.ErrorIs(t, h.e.RegisterReceiver(receiverID, r), core.ErrReceiverExists)

	h.must(t, &event.WalletCredit{Meta: meta(admin, t0), Account: receiverID, Asset: usdc, Amount: 100 * unit})
	res := h.must(t, &event.FlashLoan{Meta: meta(borrower, t0), ReceiverID: receiverID, Asset: usdc, Amount: 50_000 * unit})
	loan := res.Value.(pool.FlashLoan)

	assert.Equal(t, 1, r.calls)
	assert.Equal(t, int64(25*unit), loan.Fee)
	assert.Equal(t, 100*unit-loan.Fee, h.balance(ledger.WalletKey(receiverID, usdc)))

	p, err := h.e.Pool().View(h.e.View(), usdc)
	require.NoError(t, err)
	assert.Equal(t, 100_000*unit+loan.Fee, p.TotalDeposits)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FlashLoans.WithLabelValues(usdc)))
}

func TestFlashLoan_ShortRepaymentRollsBack(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	receiverID := uuid.New()
	require.NoError(t, h.e.RegisterReceiver(receiverID, stingyReceiver{}))
	drain(h.persist)

	_, err := h.e.Process(&event.FlashLoan{Meta: meta(borrower, t0), ReceiverID: receiverID, Asset: usdc, Amount: 1_000 * unit})
	require.ErrorIs(t, err, pool.ErrFlashLoanNotRepaid)
	assert.Zero(t, h.balance(ledger.WalletKey(receiverID, usdc)))
	assert.Equal(t, 100_000*unit, h.balance(ledger.PoolCashKey(usdc)))
	assert.False(t, h.e.Pool().FlashActive())
	assert.Empty(t, drain(h.persist))
}

func TestFlashLoan_UnknownReceiver(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	_, err := h.e.Process(&event.FlashLoan{Meta: meta(borrower, t0), ReceiverID: uuid.New(), Asset: usdc, Amount: unit})
	require.ErrorIs(t, err, core.ErrUnknownReceiver)
}

// --- Recovery ---

func scenario(t *testing.T, h *harness) {
	t.Helper()
	h.seed(t)
	id := h.open(t, t0, 5*x)
	h.open(t, t0+10, 2*x)
	h.must(t, &event.AddTier{Meta: meta(admin, t0+20), LTVBps: 9000, LiquidationThresholdBps: 9300, LiquidationBonusBps: 200, Label: "e"})
	h.setPrice(t, t0+30, 45_000*price)
	h.must(t, &event.Liquidate{Meta: meta(liquidator, t0+30), PositionID: id})
	h.must(t, &event.Accrue{Meta: meta(admin, t0+3600), Asset: usdc})
}

func TestReplay_RebuildsIdenticalState(t *testing.T) {
	h := newHarness(t)
	scenario(t, h)
	outs := drain(h.persist)

	replica := newEngine(t, nil, nil, nil)
	for _, o := range outs {
		require.NoError(t, replica.Replay(o.Envelope))
	}
	assert.Equal(t, h.e.StateHash(), replica.StateHash())
	assert.Equal(t, h.e.Sequence(), replica.Sequence())
	assert.Equal(t, h.e.Store().Image(), replica.Store().Image())

	// replayed keys are deduplicated afterwards
	evt, err := event.Decode(outs[0].Envelope.EventType, outs[0].Envelope.Payload)
	require.NoError(t, err)
	_, err = replica.Process(evt)
	require.ErrorIs(t, err, core.ErrDuplicate)
}

func TestReplay_DetectsTamperedLog(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	outs := drain(h.persist)

	replica := newEngine(t, nil, nil, nil)
	require.NoError(t, replica.Replay(outs[0].Envelope))

	tampered := *outs[1].Envelope
	tampered.StateHash[0] ^= 0xff
	require.ErrorIs(t, replica.Replay(&tampered), core.ErrReplayMismatch)

	gap := *outs[3].Envelope
	require.Error(t, replica.Replay(&gap))
}

func TestSnapshot_RestoreThenReplayTail(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.open(t, t0, 5*x)
	snap := h.e.CreateSnapshot()
	drain(h.persist)

	h.setPrice(t, t0+30, 45_000*price)
	h.must(t, &event.Liquidate{Meta: meta(liquidator, t0+30), PositionID: 1})
	tail := drain(h.persist)

	replica := newEngine(t, nil, nil, nil)
	require.NoError(t, replica.RestoreFromSnapshot(snap))
	assert.Equal(t, snap.StateHash, replica.StateHash())
	for _, o := range tail {
		require.NoError(t, replica.Replay(o.Envelope))
	}
	assert.Equal(t, h.e.StateHash(), replica.StateHash())
	assert.Equal(t, h.e.Store().Image(), replica.Store().Image())
}

func TestSnapshot_RejectsEmpty(t *testing.T) {
	e := newEngine(t, nil, nil, nil)
	require.Error(t, e.RestoreFromSnapshot(&core.Snapshot{}))
}

// --- Runner ---

func TestRunner_SerializesCommandsAndQueries(t *testing.T) {
	e := newEngine(t, nil, nil, nil)
	r := core.NewRunner(e, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := r.Submit(ctx, &event.WalletCredit{Meta: meta(admin, t0), Account: lp, Asset: usdc, Amount: unit})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	var bal int64
	require.NoError(t, r.Query(ctx, func(e *core.Engine) error {
		bal = e.Store().Tracker().GetBalance(ledger.WalletKey(lp, usdc))
		return nil
	}))
	assert.Equal(t, n*unit, bal)

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(n), snap.Sequence)

	queryErr := errors.New("boom")
	require.ErrorIs(t, r.Query(ctx, func(*core.Engine) error { return queryErr }), queryErr)

	cancel()
	require.NoError(t, <-done)
	_, err = r.Submit(context.Background(), &event.Accrue{Meta: meta(admin, t0), Asset: usdc})
	require.ErrorIs(t, err, core.ErrRunnerStopped)
}
