package state

import (
	"sort"

	"LeverLedger/internal/ledger"

	"github.com/google/uuid"
)

// BalanceRow is one ledger balance in an Image.
type BalanceRow struct {
	Key     ledger.AccountKey `json:"key"`
	Balance int64             `json:"balance"`
}

// FeeTotalRow is one per-token, per-type fee total in an Image.
type FeeTotalRow struct {
	Key   FeeKey `json:"key"`
	Total int64  `json:"total"`
}

// Image is a serializable copy of every committed table, rows sorted by key
// so equal stores produce equal images.
type Image struct {
	Pools      []PoolState    `json:"pools"`
	Accounts   []AccountEntry `json:"accounts"`
	Lines      []DebtLine     `json:"lines"`
	Positions  []Position     `json:"positions"`
	Tiers      []Tier         `json:"tiers"`
	Keepers    []uuid.UUID    `json:"keepers"`
	FeeEntries []FeeEntry     `json:"fee_entries"`
	FeeTotals  []FeeTotalRow  `json:"fee_totals"`
	Balances   []BalanceRow   `json:"balances"`
	Settings   Settings       `json:"settings"`
}

// Image copies the committed state.
func (s *Store) Image() *Image {
	img := &Image{}

	for _, k := range sortedKeys(s.Pools, func(a, b string) bool { return a < b }) {
		v, _ := s.Pools.Peek(k)
		img.Pools = append(img.Pools, *v)
	}
	for _, k := range sortedKeys(s.Accounts, func(a, b AccountRef) bool {
		if a.Asset != b.Asset {
			return a.Asset < b.Asset
		}
		return compareUUID(a.Account, b.Account) < 0
	}) {
		v, _ := s.Accounts.Peek(k)
		img.Accounts = append(img.Accounts, *v)
	}
	for _, k := range sortedKeys(s.Lines, LineRef.Less) {
		v, _ := s.Lines.Peek(k)
		img.Lines = append(img.Lines, *v)
	}
	for _, k := range sortedKeys(s.Positions, func(a, b uint64) bool { return a < b }) {
		v, _ := s.Positions.Peek(k)
		img.Positions = append(img.Positions, *v)
	}
	for _, k := range sortedKeys(s.Tiers, func(a, b uint32) bool { return a < b }) {
		v, _ := s.Tiers.Peek(k)
		img.Tiers = append(img.Tiers, *v.Clone())
	}
	img.Keepers = sortedKeys(s.Keepers, func(a, b uuid.UUID) bool { return compareUUID(a, b) < 0 })
	for _, k := range sortedKeys(s.FeeEntries, func(a, b uint64) bool { return a < b }) {
		v, _ := s.FeeEntries.Peek(k)
		img.FeeEntries = append(img.FeeEntries, *v)
	}
	for _, k := range sortedKeys(s.FeeTotals, func(a, b FeeKey) bool {
		if a.Token != b.Token {
			return a.Token < b.Token
		}
		return a.FeeType < b.FeeType
	}) {
		v, _ := s.FeeTotals.Peek(k)
		img.FeeTotals = append(img.FeeTotals, FeeTotalRow{Key: k, Total: v})
	}
	for _, k := range sortedKeys(s.Balances, func(a, b ledger.AccountKey) bool {
		return a.AccountPath() < b.AccountPath()
	}) {
		v, _ := s.Balances.Peek(k)
		img.Balances = append(img.Balances, BalanceRow{Key: k, Balance: v})
	}
	settings, _ := s.settings.Peek(settingsKey{})
	img.Settings = *settings

	return img
}

// Restore replaces the store contents with img.
func (s *Store) Restore(img *Image) {
	t := newTables()
	for i := range img.Pools {
		p := img.Pools[i]
		t.Pools.Put(p.Asset, &p)
	}
	for i := range img.Accounts {
		e := img.Accounts[i]
		t.Accounts.Put(AccountRef{Asset: e.Asset, Account: e.Account}, &e)
	}
	for i := range img.Lines {
		l := img.Lines[i]
		t.Lines.Put(l.Ref, &l)
	}
	for i := range img.Positions {
		p := img.Positions[i]
		t.Positions.Put(p.ID, &p)
	}
	for i := range img.Tiers {
		t.Tiers.Put(img.Tiers[i].ID, img.Tiers[i].Clone())
	}
	for _, k := range img.Keepers {
		t.Keepers.Put(k, true)
	}
	for i := range img.FeeEntries {
		e := img.FeeEntries[i]
		t.FeeEntries.Put(e.PositionID, &e)
	}
	for _, r := range img.FeeTotals {
		t.FeeTotals.Put(r.Key, r.Total)
	}
	for _, r := range img.Balances {
		t.Balances.Put(r.Key, r.Balance)
	}
	settings := img.Settings
	t.settings.Put(settingsKey{}, &settings)
	s.tables = t
}

func sortedKeys[K comparable, V any](t *Table[K, V], less func(a, b K) bool) []K {
	keys := t.Keys()
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}
