package state

import (
	"fmt"
	"sort"

	"LeverLedger/internal/event"
	"LeverLedger/internal/ledger"

	"github.com/google/uuid"
)

type settingsKey struct{}

type tables struct {
	Pools      *Table[string, *PoolState]
	Accounts   *Table[AccountRef, *AccountEntry]
	Lines      *Table[LineRef, *DebtLine]
	Positions  *Table[uint64, *Position]
	Tiers      *Table[uint32, *Tier]
	Keepers    *Table[uuid.UUID, bool]
	FeeEntries *Table[uint64, *FeeEntry]
	FeeTotals  *Table[FeeKey, int64]
	Balances   *Table[ledger.AccountKey, int64]
	settings   *Table[settingsKey, *Settings]
}

func newTables() tables {
	t := tables{
		Pools:      NewTable[string]((*PoolState).Clone),
		Accounts:   NewTable[AccountRef]((*AccountEntry).Clone),
		Lines:      NewTable[LineRef]((*DebtLine).Clone),
		Positions:  NewTable[uint64]((*Position).Clone),
		Tiers:      NewTable[uint32]((*Tier).Clone),
		Keepers:    NewTable[uuid.UUID](identity[bool]),
		FeeEntries: NewTable[uint64]((*FeeEntry).Clone),
		FeeTotals:  NewTable[FeeKey](identity[int64]),
		Balances:   NewTable[ledger.AccountKey](identity[int64]),
		settings:   NewTable[settingsKey]((*Settings).Clone),
	}
	t.settings.Put(settingsKey{}, &Settings{NextPositionID: 1, NextTierID: 1})
	return t
}

func (t *tables) child() tables {
	return tables{
		Pools:      t.Pools.Child(),
		Accounts:   t.Accounts.Child(),
		Lines:      t.Lines.Child(),
		Positions:  t.Positions.Child(),
		Tiers:      t.Tiers.Child(),
		Keepers:    t.Keepers.Child(),
		FeeEntries: t.FeeEntries.Child(),
		FeeTotals:  t.FeeTotals.Child(),
		Balances:   t.Balances.Child(),
		settings:   t.settings.Child(),
	}
}

func (t *tables) commit() {
	t.Pools.Commit()
	t.Accounts.Commit()
	t.Lines.Commit()
	t.Positions.Commit()
	t.Tiers.Commit()
	t.Keepers.Commit()
	t.FeeEntries.Commit()
	t.FeeTotals.Commit()
	t.Balances.Commit()
	t.settings.Commit()
}

// Store is the committed engine state.
type Store struct {
	tables
}

func NewStore() *Store {
	return &Store{tables: newTables()}
}

// Begin opens a transaction stamped with the command time (unix seconds).
func (s *Store) Begin(now int64) *Txn {
	return newTxn(s.tables.child(), nil, now)
}

// Settings returns a copy of the committed settings.
func (s *Store) Settings() Settings {
	v, _ := s.settings.Peek(settingsKey{})
	return *v
}

// Tracker exposes the committed ledger for invariant checks and hashing.
func (s *Store) Tracker() *ledger.BalanceTracker {
	return ledger.NewBalanceTracker(balanceStore{s.tables.Balances})
}

// Txn is one atomic unit of work. Nothing it does is visible outside until
// Commit; dropping it discards every table write, journal and record.
type Txn struct {
	tables

	parent  *Txn
	now     int64
	tracker *ledger.BalanceTracker
	gen     *ledger.JournalGenerator
	records []event.Record
	done    bool
}

func newTxn(t tables, parent *Txn, now int64) *Txn {
	tx := &Txn{tables: t, parent: parent, now: now}
	tx.tracker = ledger.NewBalanceTracker(balanceStore{t.Balances})
	tx.gen = ledger.NewJournalGenerator(tx.tracker)
	return tx
}

// Begin opens a nested transaction (a savepoint).
func (tx *Txn) Begin() *Txn {
	return newTxn(tx.tables.child(), tx, tx.now)
}

// Commit folds the transaction into its parent, or into the store for a
// top-level transaction.
func (tx *Txn) Commit() error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true
	tx.tables.commit()
	if tx.parent != nil {
		tx.parent.gen.Absorb(tx.gen.Journals())
		tx.parent.records = append(tx.parent.records, tx.records...)
	}
	return nil
}

// Rollback marks the transaction finished without applying it.
func (tx *Txn) Rollback() {
	tx.done = true
}

func (tx *Txn) Now() int64 { return tx.now }

func (tx *Txn) Settings() *Settings {
	s, _ := tx.settings.Get(settingsKey{})
	return s
}

// Transfer moves tokens between ledger accounts inside the transaction.
func (tx *Txn) Transfer(from, to ledger.AccountKey, amount int64, jt ledger.JournalType) error {
	return tx.gen.Transfer(from, to, amount, jt)
}

func (tx *Txn) Balance(key ledger.AccountKey) int64 {
	return tx.tracker.GetBalance(key)
}

// Journals returns the token movements made so far.
func (tx *Txn) Journals() []ledger.Journal {
	return tx.gen.Journals()
}

// Emit buffers an observability record; it is only published on commit.
func (tx *Txn) Emit(rec event.Record) {
	tx.records = append(tx.records, rec)
}

func (tx *Txn) Records() []event.Record {
	return tx.records
}

// Pool returns the pool of asset.
func (tx *Txn) Pool(asset string) (*PoolState, bool) {
	return tx.Pools.Get(asset)
}

// Account returns the account's entry in a pool, creating an empty one.
func (tx *Txn) Account(asset string, account uuid.UUID) *AccountEntry {
	ref := AccountRef{Asset: asset, Account: account}
	if e, ok := tx.Accounts.Get(ref); ok {
		return e
	}
	e := &AccountEntry{Asset: asset, Account: account}
	tx.Accounts.Put(ref, e)
	return e
}

// PeekAccount reads an entry without creating or claiming it.
func (tx *Txn) PeekAccount(asset string, account uuid.UUID) (*AccountEntry, bool) {
	return tx.Accounts.Peek(AccountRef{Asset: asset, Account: account})
}

// Position returns a position by id.
func (tx *Txn) Position(id uint64) (*Position, bool) {
	return tx.Positions.Get(id)
}

// LinesOf returns the account's debt lines in a pool, ordered by line id.
func (tx *Txn) LinesOf(asset string, account uuid.UUID) []*DebtLine {
	var refs []LineRef
	for _, ref := range tx.Lines.Keys() {
		if ref.Asset == asset && ref.Account == account {
			refs = append(refs, ref)
		}
	}
	return tx.claimLines(refs)
}

// PoolLines returns every debt line of a pool, ordered by account then line.
func (tx *Txn) PoolLines(asset string) []*DebtLine {
	var refs []LineRef
	for _, ref := range tx.Lines.Keys() {
		if ref.Asset == asset {
			refs = append(refs, ref)
		}
	}
	return tx.claimLines(refs)
}

func (tx *Txn) claimLines(refs []LineRef) []*DebtLine {
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	lines := make([]*DebtLine, 0, len(refs))
	for _, ref := range refs {
		if l, ok := tx.Lines.Get(ref); ok {
			lines = append(lines, l)
		}
	}
	return lines
}

// PositionsOf returns the owner's positions ordered by id.
func (tx *Txn) PositionsOf(owner uuid.UUID, activeOnly bool) []*Position {
	ids := tx.Positions.Keys()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []*Position
	for _, id := range ids {
		p, ok := tx.Positions.Peek(id)
		if !ok || p.Owner != owner || (activeOnly && !p.IsActive()) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Tier returns a registered tier.
func (tx *Txn) Tier(id uint32) (*Tier, bool) {
	return tx.Tiers.Get(id)
}

// IsKeeper reports keeper membership.
func (tx *Txn) IsKeeper(id uuid.UUID) bool {
	v, ok := tx.Keepers.Peek(id)
	return ok && v
}

// balanceStore adapts a balance table to the ledger's BalanceStore.
type balanceStore struct {
	t *Table[ledger.AccountKey, int64]
}

func (b balanceStore) Balance(key ledger.AccountKey) int64 {
	v, _ := b.t.Peek(key)
	return v
}

func (b balanceStore) SetBalance(key ledger.AccountKey, balance int64) {
	if balance == 0 {
		b.t.Delete(key)
		return
	}
	b.t.Put(key, balance)
}

func (b balanceStore) RangeBalances(fn func(ledger.AccountKey, int64)) {
	for _, k := range b.t.Keys() {
		v, _ := b.t.Peek(k)
		fn(k, v)
	}
}
