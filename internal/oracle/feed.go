// Package oracle holds the price source the risk engine reads. The engine
// never synthesizes a price: a missing or stale observation fails the
// calling operation.
package oracle

import (
	"fmt"
	"sort"

	"LeverLedger/internal/fault"
)

var (
	ErrNoPrice    = fault.StaleData("oracle: no price")
	ErrStalePrice = fault.StaleData("oracle: price too old")
	ErrBadPrice   = fault.Validation("oracle: price must be positive")
)

// PriceSource is the capability the vault and liquidation engine consume.
// Ages are in seconds relative to the caller's command time.
type PriceSource interface {
	GetPrice(asset string, now int64) (price int64, age int64, err error)
	IsStale(asset string, now int64) bool
}

// FreshPrice reads a price and rejects it when older than maxAge seconds.
func FreshPrice(src PriceSource, asset string, now, maxAge int64) (int64, error) {
	price, age, err := src.GetPrice(asset, now)
	if err != nil {
		return 0, err
	}
	if age > maxAge {
		return 0, fmt.Errorf("%w: %s age=%ds max=%ds", ErrStalePrice, asset, age, maxAge)
	}
	return price, nil
}

// Observation is the latest accepted price of one asset.
type Observation struct {
	Asset       string `json:"asset"`
	Price       int64  `json:"price"`
	Sequence    int64  `json:"sequence"`
	PublishedAt int64  `json:"published_at"`
}

// Feed is the in-process PriceSource, fed by price update commands.
// Not thread-safe. Only the single-threaded core touches it.
type Feed struct {
	maxAge int64
	prices map[string]Observation
	gaps   map[string]int64
}

func NewFeed(maxAgeSeconds int64) *Feed {
	return &Feed{
		maxAge: maxAgeSeconds,
		prices: make(map[string]Observation),
		gaps:   make(map[string]int64),
	}
}

// Apply accepts an observation. Sequence gaps are tolerated and counted;
// an observation at or below the current sequence is ignored and reported
// as not applied.
func (f *Feed) Apply(obs Observation) (bool, error) {
	if obs.Price <= 0 {
		return false, fmt.Errorf("%w: %s got %d", ErrBadPrice, obs.Asset, obs.Price)
	}
	if obs.Asset == "" {
		return false, fault.Validation("oracle: empty asset")
	}

	prev, ok := f.prices[obs.Asset]
	if ok {
		if obs.Sequence <= prev.Sequence {
			return false, nil
		}
		if obs.PublishedAt < prev.PublishedAt {
			return false, fault.Validationf("oracle: %s publish time went backwards: %d < %d",
				obs.Asset, obs.PublishedAt, prev.PublishedAt)
		}
		if obs.Sequence > prev.Sequence+1 {
			f.gaps[obs.Asset]++
		}
	}

	f.prices[obs.Asset] = obs
	return true, nil
}

func (f *Feed) GetPrice(asset string, now int64) (int64, int64, error) {
	obs, ok := f.prices[asset]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}
	age := now - obs.PublishedAt
	if age < 0 {
		age = 0
	}
	return obs.Price, age, nil
}

func (f *Feed) IsStale(asset string, now int64) bool {
	_, age, err := f.GetPrice(asset, now)
	return err != nil || age > f.maxAge
}

// MaxAge is the staleness bound used by IsStale.
func (f *Feed) MaxAge() int64 { return f.maxAge }

// Gaps returns how many sequence gaps were observed for asset.
func (f *Feed) Gaps(asset string) int64 { return f.gaps[asset] }

// Observations returns every latest observation, ordered by asset.
func (f *Feed) Observations() []Observation {
	out := make([]Observation, 0, len(f.prices))
	for _, obs := range f.prices {
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Restore replaces the feed contents, used when loading a snapshot.
func (f *Feed) Restore(obs []Observation) {
	f.prices = make(map[string]Observation, len(obs))
	for _, o := range obs {
		f.prices[o.Asset] = o
	}
}
