package state

import "slices"

// Tier is a risk profile. Tier 0 is the default every account starts in.
type Tier struct {
	ID                      uint32
	LTVBps                  int64
	LiquidationThresholdBps int64
	LiquidationBonusBps     int64
	Label                   string
	Assets                  []string // correlated asset class; empty = unrestricted
}

func (t *Tier) Clone() *Tier {
	c := *t
	c.Assets = slices.Clone(t.Assets)
	return &c
}

// Admits reports whether an exposure asset belongs to the tier's asset class.
func (t *Tier) Admits(asset string) bool {
	return len(t.Assets) == 0 || slices.Contains(t.Assets, asset)
}

// FeeKey keys collected fee totals.
type FeeKey struct {
	Token   string
	FeeType string
}

// FeeEntry is the value tracker's cost basis for one position.
type FeeEntry struct {
	PositionID   uint64
	Asset        string
	DepositValue int64
}

func (e *FeeEntry) Clone() *FeeEntry {
	c := *e
	return &c
}

// Settings holds engine-wide counters and admin switches.
type Settings struct {
	NextPositionID uint64
	NextTierID     uint32
	KeeperOnly     bool
	LastTimestamp  int64 // latest command time seen, unix seconds
	TrustedTime    int64 // latest admin command or ingress receive time, unix seconds
}

func (s *Settings) Clone() *Settings {
	c := *s
	return &c
}
