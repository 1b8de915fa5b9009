package projection_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeverLedger/internal/core"
	"LeverLedger/internal/event"
	"LeverLedger/internal/ledger"
	"LeverLedger/internal/persistence"
	"LeverLedger/internal/projection"
	"LeverLedger/internal/testutil"
)

var (
	admin  = uuid.MustParse("00000000-0000-0000-0000-0000000000ad")
	trader = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

const unit = int64(1_000_000)

func meta(caller uuid.UUID) event.Meta {
	return event.Meta{RequestID: uuid.New(), Caller: caller, Timestamp: time.Unix(1_700_000_000, 0).UTC()}
}

func balances(t *testing.T, db *sql.DB) map[string]int64 {
	t.Helper()
	rows, err := db.Query(`SELECT account_path, balance FROM projections.balances`)
	require.NoError(t, err)
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			path string
			bal  int64
		)
		require.NoError(t, rows.Scan(&path, &bal))
		out[path] = bal
	}
	require.NoError(t, rows.Err())
	return out
}

func TestProjectionMatchesRebuild(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	persist := make(chan core.Output, 16)
	cfg := core.DefaultConfig
	cfg.Admin = admin
	e, err := core.NewEngine(cfg, persist, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	for _, c := range []event.Event{
		&event.WalletCredit{Meta: meta(admin), Account: trader, Asset: "USDC", Amount: 20_000 * unit},
		&event.Deposit{Meta: meta(trader), Asset: "USDC", Amount: 10_000 * unit},
	} {
		_, err := e.Process(c)
		require.NoError(t, err)
	}
	close(persist)

	var outputs []core.Output
	for o := range persist {
		outputs = append(outputs, o)
	}
	rerun := make(chan core.Output, len(outputs))
	for _, o := range outputs {
		rerun <- o
	}
	close(rerun)
	require.NoError(t, persistence.NewPersistenceWorker(db, rerun, 10, time.Millisecond, nil, zerolog.Nop()).Run(ctx))

	pw := projection.NewProjectionWorker(db, nil, zerolog.Nop())
	for _, o := range outputs {
		require.NoError(t, pw.Apply(ctx, o))
	}

	live := balances(t, db)
	assert.Equal(t, 10_000*unit, live[ledger.WalletKey(trader, "USDC").AccountPath()])
	assert.Equal(t, 10_000*unit, live[ledger.PoolCashKey("USDC").AccountPath()])
	assert.Equal(t, -20_000*unit,
		live[ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "USDC").AccountPath()])

	var sum int64
	for _, b := range live {
		sum += b
	}
	assert.Zero(t, sum)

	require.NoError(t, projection.RebuildProjections(ctx, db, zerolog.Nop()))
	assert.Equal(t, live, balances(t, db))

	var watermark int64
	require.NoError(t, db.QueryRow(`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`).Scan(&watermark))
	assert.Equal(t, int64(2), watermark)
}
