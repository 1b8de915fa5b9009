package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"LeverLedger/internal/emode"
	"LeverLedger/internal/event"
	"LeverLedger/internal/fault"
	"LeverLedger/internal/fees"
	"LeverLedger/internal/ledger"
	"LeverLedger/internal/liquidation"
	fpmath "LeverLedger/internal/math"
	"LeverLedger/internal/observability"
	"LeverLedger/internal/oracle"
	"LeverLedger/internal/pool"
	"LeverLedger/internal/state"
	"LeverLedger/internal/vault"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrDuplicate       = fault.Conflict("core: duplicate command")
	ErrNotAdmin        = fault.Authorization("core: command requires the admin identity")
	ErrMissingTime     = fault.Validation("core: command timestamp required")
	ErrClockSkew       = fault.Validation("core: command timestamp too far ahead of trusted time")
	ErrUnknownAsset    = fault.Validation("core: unknown asset")
	ErrUnknownReceiver = fault.NotFound("core: unknown flash loan receiver")
	ErrReceiverExists  = fault.Conflict("core: flash loan receiver already registered")
	ErrPriceNotApplied = fault.Conflict("core: price observation replayed or out of order")
	ErrReplayMismatch  = errors.New("core: replayed state hash does not match the event log")
)

// Config wires the components the engine owns.
type Config struct {
	Admin               uuid.UUID
	Pool                pool.Config
	Vault               vault.Config
	Liquidation         liquidation.Config
	DefaultTier         state.Tier
	TierLimits          emode.Limits
	PlatformFeeBps      int64
	IdempotencyCapacity int
	GlobalCheckInterval int64 // full ledger scan every N commands; 1 checks every command
	MaxClockSkew        int64 // seconds a user command may run ahead of trusted time
}

var DefaultConfig = Config{
	Pool:                pool.DefaultConfig,
	Vault:               vault.DefaultConfig,
	Liquidation:         liquidation.DefaultConfig,
	DefaultTier:         emode.DefaultTier,
	TierLimits:          emode.DefaultLimits,
	PlatformFeeBps:      1_000,
	IdempotencyCapacity: 1_000_000,
	GlobalCheckInterval: 1_000,
	MaxClockSkew:        300,
}

// Output is everything one applied command produced.
type Output struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Records  []event.Record
}

// Result is the command's return value alongside its log sequence.
type Result struct {
	Sequence int64
	Value    any
}

// Engine is the single-threaded command processor. Every command runs in one
// state transaction: it either commits whole or leaves nothing behind.
type Engine struct {
	cfg         Config
	store       *state.Store
	feed        *oracle.Feed
	fees        *fees.Tracker
	tiers       *emode.Registry
	pool        *pool.Ledger
	vault       *vault.Vault
	liquidation *liquidation.Engine
	receivers   map[uuid.UUID]pool.FlashReceiver

	sequence    int64
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan chan<- Output
	publishChan chan<- Output
}

func NewEngine(
	cfg Config,
	persistChan, publishChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*Engine, error) {
	if cfg.Admin == uuid.Nil {
		return nil, fault.Validation("core: admin id required")
	}
	if cfg.MaxClockSkew <= 0 {
		return nil, fault.Validationf("core: max clock skew must be positive, got %d", cfg.MaxClockSkew)
	}
	if !slices.Contains(cfg.Pool.Assets, cfg.Vault.QuoteAsset) {
		return nil, fault.Validationf("core: vault quote asset %q has no pool", cfg.Vault.QuoteAsset)
	}

	tiers, err := emode.NewRegistry(cfg.DefaultTier, cfg.TierLimits)
	if err != nil {
		return nil, err
	}
	pl, err := pool.NewLedger(cfg.Pool, tiers)
	if err != nil {
		return nil, err
	}
	feed := oracle.NewFeed(cfg.Vault.MaxPriceAge)
	ft, err := fees.NewTracker(cfg.PlatformFeeBps)
	if err != nil {
		return nil, err
	}
	v, err := vault.New(cfg.Vault, pl, tiers, feed, ft)
	if err != nil {
		return nil, err
	}
	liq, err := liquidation.NewEngine(cfg.Liquidation, v)
	if err != nil {
		return nil, err
	}
	idem, err := NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker, metrics)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:         cfg,
		store:       state.NewStore(),
		feed:        feed,
		fees:        ft,
		tiers:       tiers,
		pool:        pl,
		vault:       v,
		liquidation: liq,
		receivers:   make(map[uuid.UUID]pool.FlashReceiver),
		sequence:    1,
		hasher:      NewStateHasher(),
		idempotency: idem,
		metrics:     metrics,
		logger:      logger,
		persistChan: persistChan,
		publishChan: publishChan,
	}, nil
}

// RegisterReceiver makes an in-process flash loan receiver callable by id.
// Receivers must be registered identically before replay.
func (e *Engine) RegisterReceiver(id uuid.UUID, r pool.FlashReceiver) error {
	if id == uuid.Nil {
		return fault.Validation("core: receiver id must not be nil")
	}
	if _, ok := e.receivers[id]; ok {
		return fmt.Errorf("%w: %s", ErrReceiverExists, id)
	}
	e.receivers[id] = r
	return nil
}

// Process is the main processing pipeline.
func (e *Engine) Process(evt event.Event) (Result, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	key := evt.IdempotencyKey()

	if e.idempotency.IsDuplicate(eventType, key) {
		e.reject(eventType, "duplicate")
		return Result{}, fmt.Errorf("%w: %s %s", ErrDuplicate, eventType, key)
	}

	value, out, err := e.apply(evt)
	if err != nil {
		e.reject(eventType, fault.Label(err))
		e.logger.Debug().
			Str("event_type", eventType).
			Str("idempotency_key", key).
			Str("reason", fault.Label(err)).
			Err(err).
			Msg("command rejected")
		return Result{}, err
	}

	e.emit(out)
	e.idempotency.MarkProcessed(eventType, key)

	if e.metrics != nil {
		e.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		e.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
	}
	return Result{Sequence: out.Envelope.Sequence, Value: value}, nil
}

// Replay re-applies a logged command during recovery and checks it lands on
// the same state hash. Outputs are not re-emitted.
func (e *Engine) Replay(env *event.EventEnvelope) error {
	if env.Sequence != e.sequence {
		return fmt.Errorf("replay: expected sequence %d, got %d", e.sequence, env.Sequence)
	}
	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	_, out, err := e.apply(evt)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	if out.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("%w: seq %d got %x want %x", ErrReplayMismatch, env.Sequence,
			out.Envelope.StateHash[:8], env.StateHash[:8])
	}
	e.idempotency.MarkProcessed(env.EventType.String(), env.IdempotencyKey)
	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

func (e *Engine) apply(evt event.Event) (any, Output, error) {
	et := evt.EventType()
	if et.IsAdmin() && evt.Actor() != e.cfg.Admin {
		return nil, Output{}, fmt.Errorf("%w: %s by %s", ErrNotAdmin, et, evt.Actor())
	}
	ts := evt.OccurredAt()
	if ts.IsZero() {
		return nil, Output{}, ErrMissingTime
	}
	settings := e.store.Settings()
	trusted := max(settings.TrustedTime, evt.ReceivedTime().Unix())
	if et.IsAdmin() {
		trusted = max(trusted, ts.Unix())
	} else if ts.Unix() > trusted+e.cfg.MaxClockSkew {
		return nil, Output{}, fmt.Errorf("%w: %s at %d, trusted %d, skew %ds",
			ErrClockSkew, et, ts.Unix(), trusted, e.cfg.MaxClockSkew)
	}
	// Command time never runs backwards inside the engine.
	now := max(ts.Unix(), settings.LastTimestamp)

	payload, err := event.Encode(evt)
	if err != nil {
		return nil, Output{}, fmt.Errorf("encode %s: %w", et, err)
	}

	tx := e.store.Begin(now)
	value, err := e.dispatch(tx, evt)
	if err != nil {
		tx.Rollback()
		return nil, Output{}, err
	}
	tx.Settings().LastTimestamp = now
	tx.Settings().TrustedTime = trusted

	batch := ledger.NewBatch(evt.IdempotencyKey(), e.sequence, ts.UnixMicro())
	batch.Append(tx.Journals()...)
	if len(batch.Journals) > 0 {
		if err := batch.Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch for %s: %v", et, err))
		}
	}
	if err := tx.Commit(); err != nil {
		panic(fmt.Sprintf("FATAL: commit %s: %v", et, err))
	}
	records := tx.Records()

	if err := e.postCheckInvariants(now); err != nil {
		e.logger.Error().Err(err).Int64("sequence", e.sequence).Msg("invariant violated")
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, e.computeStateDigest(batch, records))

	out := Output{
		Envelope: &event.EventEnvelope{
			Sequence:       e.sequence,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      et,
			Actor:          evt.Actor(),
			Timestamp:      ts,
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batch:   batch,
		Records: records,
	}
	e.observe(out, now)
	e.sequence++
	return value, out, nil
}

func (e *Engine) dispatch(tx *state.Txn, evt event.Event) (any, error) {
	caller := evt.Actor()
	switch c := evt.(type) {
	case *event.WalletCredit:
		return nil, e.handleWalletCredit(tx, c)
	case *event.WalletDebit:
		return nil, e.handleWalletDebit(tx, c)
	case *event.PriceUpdate:
		return nil, e.handlePriceUpdate(tx, c)
	case *event.Deposit:
		return e.pool.Deposit(tx, caller, c.Asset, c.Amount)
	case *event.Withdraw:
		return e.pool.Withdraw(tx, caller, c.Asset, c.Shares)
	case *event.SetUserTier:
		return nil, e.handleSetUserTier(tx, c)
	case *event.AddTier:
		return e.tiers.AddTier(tx, c.LTVBps, c.LiquidationThresholdBps, c.LiquidationBonusBps, c.Label, c.Assets)
	case *event.UpdateTier:
		return nil, e.tiers.UpdateTier(tx, c.TierID, c.LTVBps, c.LiquidationThresholdBps, c.LiquidationBonusBps, c.Label, c.Assets)
	case *event.SetRateModel:
		return nil, e.pool.SetRateModel(tx, c.Asset, c.Model)
	case *event.OpenPosition:
		return e.vault.Open(tx, caller, c.Asset, c.Amount, c.Leverage)
	case *event.AddCollateral:
		return nil, e.vault.AddCollateral(tx, caller, c.PositionID, c.Amount)
	case *event.ClosePosition:
		return e.vault.Close(tx, caller, c.PositionID)
	case *event.Liquidate:
		return e.liquidation.Liquidate(tx, caller, c.PositionID)
	case *event.BatchLiquidate:
		if e.metrics != nil {
			e.metrics.BatchLiquidateSize.Observe(float64(len(c.PositionIDs)))
		}
		return e.liquidation.BatchLiquidate(tx, caller, c.PositionIDs)
	case *event.AddKeeper:
		return nil, e.liquidation.AddKeeper(tx, c.Keeper)
	case *event.RemoveKeeper:
		return nil, e.liquidation.RemoveKeeper(tx, c.Keeper)
	case *event.SetKeeperOnly:
		e.liquidation.SetKeeperOnly(tx, c.Enabled)
		return nil, nil
	case *event.FlashLoan:
		return e.handleFlashLoan(tx, c)
	case *event.Accrue:
		return e.pool.Accrue(tx, c.Asset)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

func (e *Engine) requireAsset(asset string) error {
	if !slices.Contains(e.pool.Assets(), asset) {
		return fmt.Errorf("%w: %q", ErrUnknownAsset, asset)
	}
	return nil
}

func (e *Engine) handleWalletCredit(tx *state.Txn, c *event.WalletCredit) error {
	if err := e.requireAsset(c.Asset); err != nil {
		return err
	}
	if c.Amount <= 0 {
		return fault.Validationf("wallet credit: amount must be positive, got %d", c.Amount)
	}
	if c.Account == uuid.Nil {
		return fault.Validation("wallet credit: account required")
	}

	wallet := ledger.WalletKey(c.Account, c.Asset)
	ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, c.Asset)
	if err := tx.Transfer(ext, wallet, c.Amount, ledger.JournalTypeWalletCredit); err != nil {
		return err
	}
	tx.Emit(event.WalletCredited{Account: c.Account, Asset: c.Asset, Amount: c.Amount, Balance: tx.Balance(wallet)})
	return nil
}

func (e *Engine) handleWalletDebit(tx *state.Txn, c *event.WalletDebit) error {
	if err := e.requireAsset(c.Asset); err != nil {
		return err
	}
	if c.Amount <= 0 {
		return fault.Validationf("wallet debit: amount must be positive, got %d", c.Amount)
	}

	wallet := ledger.WalletKey(c.Account, c.Asset)
	ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, c.Asset)
	if err := tx.Transfer(wallet, ext, c.Amount, ledger.JournalTypeWalletDebit); err != nil {
		return err
	}
	tx.Emit(event.WalletDebited{Account: c.Account, Asset: c.Asset, Amount: c.Amount, Balance: tx.Balance(wallet)})
	return nil
}

// handlePriceUpdate feeds the oracle. The feed lives outside the transaction,
// so nothing after Apply may fail.
func (e *Engine) handlePriceUpdate(tx *state.Txn, c *event.PriceUpdate) error {
	obs := oracle.Observation{
		Asset:       c.Asset,
		Price:       c.Price,
		Sequence:    c.Sequence,
		PublishedAt: c.PublishedAt,
	}
	if obs.PublishedAt == 0 {
		obs.PublishedAt = tx.Now()
	}
	applied, err := e.feed.Apply(obs)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: %s sequence %d", ErrPriceNotApplied, c.Asset, c.Sequence)
	}
	tx.Emit(event.PriceUpdated{Asset: obs.Asset, Price: obs.Price, Sequence: obs.Sequence, PublishedAt: obs.PublishedAt})
	return nil
}

// handleSetUserTier gathers what the registry needs to judge the switch:
// pool debt, collateral in the pool and in the vault, and open exposure.
func (e *Engine) handleSetUserTier(tx *state.Txn, c *event.SetUserTier) error {
	asset := c.Asset
	if asset == "" {
		asset = e.vault.Config().QuoteAsset
	}
	account := c.Actor()

	debt, err := e.pool.Outstanding(tx, account, asset)
	if err != nil {
		return err
	}
	deposits, err := e.pool.DepositValue(tx, account, asset)
	if err != nil {
		return err
	}
	var positions int64
	if debt > 0 {
		if positions, err = e.vault.CollateralValue(tx, account, asset); err != nil {
			return err
		}
	}

	return e.tiers.SetUserTier(tx, account, asset, c.TierID, emode.SwitchCheck{
		Debt:            debt,
		CollateralValue: deposits + positions,
		ExposureAssets:  e.vault.Exposures(tx, account),
	})
}

func (e *Engine) handleFlashLoan(tx *state.Txn, c *event.FlashLoan) (pool.FlashLoan, error) {
	r, ok := e.receivers[c.ReceiverID]
	if !ok {
		return pool.FlashLoan{}, fmt.Errorf("%w: %s", ErrUnknownReceiver, c.ReceiverID)
	}
	return e.pool.FlashLoan(tx, c.RequestID, c.ReceiverID, r, c.Asset, c.Amount, c.Data)
}

// postCheckInvariants runs after every commit. Pool invariants are checked
// each time; the full ledger scan runs every GlobalCheckInterval commands.
func (e *Engine) postCheckInvariants(now int64) error {
	if err := e.pool.CheckInvariants(e.store.Begin(now)); err != nil {
		return fmt.Errorf("post-check pool: %w", err)
	}

	if n := e.cfg.GlobalCheckInterval; n > 0 && e.sequence%n == 0 {
		v := ledger.NewInvariantValidator(e.store.Tracker())
		if err := v.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check zero-sum at seq %d: %w", e.sequence, err)
		}
		if err := v.ValidateNoOverdraft(); err != nil {
			return fmt.Errorf("post-check overdraft at seq %d: %w", e.sequence, err)
		}
	}
	return nil
}

// computeStateDigest creates canonical bytes for the state hash: the new
// balance of every account the command touched, then every record it emitted.
func (e *Engine) computeStateDigest(batch *ledger.Batch, records []event.Record) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	tracker := e.store.Tracker()
	digest := make([]byte, 0, len(accounts)*64+len(records)*128)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, tracker.GetBalance(key))
	}

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			panic(fmt.Sprintf("FATAL: record %s not encodable: %v", rec.RecordType(), err))
		}
		digest = append(digest, rec.RecordType()...)
		digest = append(digest, data...)
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// emit hands the output to persistence (blocking, so nothing applied is ever
// lost) and to the publisher (dropped when full; consumers can rebuild from
// the event log).
func (e *Engine) emit(out Output) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (e *Engine) reject(eventType, reason string) {
	if e.metrics != nil {
		e.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

// observe feeds the committed output into the domain metrics.
func (e *Engine) observe(out Output, now int64) {
	if e.metrics == nil {
		return
	}
	m := e.metrics
	for _, j := range out.Batch.Journals {
		m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}

	quote := e.vault.Config().QuoteAsset
	for _, rec := range out.Records {
		m.CoreRecords.WithLabelValues(rec.RecordType()).Inc()
		switch r := rec.(type) {
		case event.InterestAccrued:
			m.InterestAccrued.WithLabelValues(r.Asset).Add(float64(r.Interest))
		case event.FlashLoanSettled:
			m.FlashLoans.WithLabelValues(r.Asset).Inc()
			m.FlashLoanFees.WithLabelValues(r.Asset).Add(float64(r.Fee))
		case event.PositionOpened:
			m.PositionsOpened.WithLabelValues(r.Asset).Inc()
		case event.PositionClosed:
			m.PositionsClosed.WithLabelValues(r.Asset).Inc()
		case event.PositionLiquidated:
			outcome := "solvent"
			if r.BadDebtRecorded > 0 {
				outcome = "bad_debt"
			}
			m.Liquidations.WithLabelValues(r.Asset, outcome).Inc()
			m.LiquidationBonus.WithLabelValues(quote).Add(float64(r.LiquidatorBonus))
		case event.BadDebtSettled:
			m.BadDebt.WithLabelValues(r.Asset).Add(float64(r.Shortfall))
			m.SocializedLoss.WithLabelValues(r.Asset).Add(float64(r.Socialized))
		}
	}

	view := e.store.Begin(now)
	for _, asset := range e.pool.Assets() {
		p, err := e.pool.View(view, asset)
		if err != nil {
			continue
		}
		m.PoolDeposits.WithLabelValues(asset).Set(float64(p.TotalDeposits))
		m.PoolBorrowed.WithLabelValues(asset).Set(float64(p.TotalBorrowed))
		m.PoolReserve.WithLabelValues(asset).Set(float64(p.InsuranceReserve))
		m.PoolUtilization.WithLabelValues(asset).Set(
			float64(fpmath.Utilization(p.TotalBorrowed, p.TotalDeposits)) / float64(fpmath.Precision))
	}
}

// --- Accessors ---

// View opens a throwaway transaction at the last command time for reads.
// Dropping it discards any accrual the read triggered.
func (e *Engine) View() *state.Txn {
	return e.store.Begin(e.store.Settings().LastTimestamp)
}

func (e *Engine) Config() Config                   { return e.cfg }
func (e *Engine) Pool() *pool.Ledger               { return e.pool }
func (e *Engine) Vault() *vault.Vault              { return e.vault }
func (e *Engine) Tiers() *emode.Registry           { return e.tiers }
func (e *Engine) Liquidation() *liquidation.Engine { return e.liquidation }
func (e *Engine) Feed() *oracle.Feed               { return e.feed }
func (e *Engine) Store() *state.Store              { return e.store }

// Sequence returns the next sequence to assign.
func (e *Engine) Sequence() int64 { return e.sequence }

// StateHash returns the current state hash (chain tip).
func (e *Engine) StateHash() [32]byte { return e.hasher.GetPrevHash() }
