package state

import (
	"github.com/google/uuid"
)

// PositionStatus tracks the position lifecycle
type PositionStatus int32

const (
	PositionStatusActive PositionStatus = iota
	PositionStatusClosed
	PositionStatusLiquidated
)

// Position is a leveraged exposure owned by the vault.
type Position struct {
	ID             uint64
	Owner          uuid.UUID
	Asset          string // exposure asset, priced by the oracle
	QuoteAsset     string // pool asset the position is funded in
	DepositAmount  int64
	Leverage       int64 // Precision scale
	TotalExposure  int64
	BorrowedAmount int64 // principal borrowed at open
	EntryPrice     int64
	EntryTimestamp int64
	Status         PositionStatus
	ClosedAt       int64
	ExitPrice      int64
}

func (p *Position) Clone() *Position {
	c := *p
	return &c
}

func (p *Position) IsActive() bool {
	return p.Status == PositionStatusActive
}

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusActive:
		return "Active"
	case PositionStatusClosed:
		return "Closed"
	case PositionStatusLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		PositionStatusActive: {
			PositionStatusClosed,
			PositionStatusLiquidated,
		},
		// Closed and Liquidated are terminal.
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = appendUint64LE(buf, p.ID)
	buf = append(buf, p.Owner[:]...)

	buf = append(buf, byte(len(p.Asset)))
	buf = append(buf, []byte(p.Asset)...)

	buf = appendInt64LE(buf, p.DepositAmount)
	buf = appendInt64LE(buf, p.Leverage)
	buf = appendInt64LE(buf, p.TotalExposure)
	buf = appendInt64LE(buf, p.BorrowedAmount)
	buf = appendInt64LE(buf, p.EntryPrice)

	buf = append(buf, byte(p.Status))

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return appendUint64LE(buf, uint64(v))
}

func appendUint64LE(buf []byte, v uint64) []byte {
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
