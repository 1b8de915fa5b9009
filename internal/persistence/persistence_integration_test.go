package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeverLedger/internal/core"
	"LeverLedger/internal/event"
	fpmath "LeverLedger/internal/math"
	"LeverLedger/internal/persistence"
	"LeverLedger/internal/testutil"
)

var (
	admin  = uuid.MustParse("00000000-0000-0000-0000-0000000000ad")
	trader = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

const (
	unit = int64(1_000_000)
	t0   = int64(1_700_000_000)
)

func newEngine(t *testing.T, persist chan core.Output) *core.Engine {
	t.Helper()
	cfg := core.DefaultConfig
	cfg.Admin = admin
	e, err := core.NewEngine(cfg, persist, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func meta(caller uuid.UUID, ts int64) event.Meta {
	return event.Meta{RequestID: uuid.New(), Caller: caller, Timestamp: time.Unix(ts, 0).UTC()}
}

func TestPersistAndRecover(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	persist := make(chan core.Output, 64)
	e := newEngine(t, persist)
	credit := &event.WalletCredit{Meta: meta(admin, t0), Account: trader, Asset: "USDC", Amount: 20_000 * unit}
	cmds := []event.Event{
		credit,
		&event.Deposit{Meta: meta(trader, t0), Asset: "USDC", Amount: 10_000 * unit},
		&event.PriceUpdate{Meta: meta(admin, t0), Asset: "BTC", Price: 50_000 * 100_000_000, Sequence: 1, PublishedAt: t0},
		&event.OpenPosition{Meta: meta(trader, t0+10), Asset: "BTC", Amount: 1_000 * unit, Leverage: 2 * fpmath.Precision},
	}
	for _, c := range cmds {
		_, err := e.Process(c)
		require.NoError(t, err, "%s", c.EventType())
	}
	close(persist)

	worker := persistence.NewPersistenceWorker(db, persist, 2, 5*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(cmds)), latest)

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate("WalletCredit", credit.IdempotencyKey())
	require.NoError(t, err)
	assert.True(t, dup)

	var journals int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.journal`).Scan(&journals))
	assert.Positive(t, journals)

	t.Run("cold replay", func(t *testing.T) {
		fresh := newEngine(t, make(chan core.Output, 64))
		stats, err := persistence.Recover(ctx, fresh, sm, 3, nil, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, len(cmds), stats.Replayed)
		assert.Equal(t, int64(0), stats.SnapshotSequence)
		assert.Equal(t, e.StateHash(), fresh.StateHash())
		assert.Equal(t, e.Sequence(), fresh.Sequence())
	})

	t.Run("snapshot then tail", func(t *testing.T) {
		snap := e.CreateSnapshot()
		_, err := sm.SaveSnapshot(ctx, snap)
		require.NoError(t, err)

		none, err := sm.LoadLatestSnapshot(ctx)
		require.NoError(t, err)
		assert.Nil(t, none, "unverified snapshots are not loaded")

		n, err := sm.VerifySnapshots(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		fresh := newEngine(t, make(chan core.Output, 64))
		stats, err := persistence.Recover(ctx, fresh, sm, 100, nil, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, snap.Sequence, stats.SnapshotSequence)
		assert.Zero(t, stats.Replayed)
		assert.Equal(t, e.StateHash(), fresh.StateHash())
		assert.Equal(t, e.Store().Image(), fresh.Store().Image())
	})
}

func TestVerifySnapshots_RejectsForeignHash(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	persist := make(chan core.Output, 4)
	e := newEngine(t, persist)
	_, err := e.Process(&event.WalletCredit{Meta: meta(admin, t0), Account: trader, Asset: "USDC", Amount: unit})
	require.NoError(t, err)
	close(persist)
	require.NoError(t, persistence.NewPersistenceWorker(db, persist, 10, time.Millisecond, nil, zerolog.Nop()).Run(ctx))

	snap := e.CreateSnapshot()
	snap.StateHash[0] ^= 0xff
	sm := persistence.NewSnapshotManager(db)
	_, err = sm.SaveSnapshot(ctx, snap)
	require.NoError(t, err)

	n, err := sm.VerifySnapshots(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
