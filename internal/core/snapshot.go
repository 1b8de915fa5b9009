package core

import (
	"fmt"
	"time"

	"LeverLedger/internal/oracle"
	"LeverLedger/internal/state"
)

// Snapshot is the full in-memory engine state at a sequence boundary:
// committed tables, oracle prices, the hash chain tip and the recent
// idempotency keys for LRU warming.
type Snapshot struct {
	Sequence        int64                `json:"sequence"` // last applied sequence
	StateHash       [32]byte             `json:"state_hash"`
	State           *state.Image         `json:"state"`
	Prices          []oracle.Observation `json:"prices"`
	IdempotencyKeys []string             `json:"idempotency_keys"`
	CreatedAt       time.Time            `json:"created_at"`
}

// CreateSnapshot captures the engine between commands. Must be called on the
// engine goroutine.
func (e *Engine) CreateSnapshot() *Snapshot {
	return &Snapshot{
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.GetPrevHash(),
		State:           e.store.Image(),
		Prices:          e.feed.Observations(),
		IdempotencyKeys: e.idempotency.Keys(),
		CreatedAt:       time.Now().UTC(),
	}
}

// RestoreFromSnapshot replaces the engine state. Commands after
// snap.Sequence must then be replayed in order.
func (e *Engine) RestoreFromSnapshot(snap *Snapshot) error {
	if snap == nil || snap.State == nil {
		return fmt.Errorf("restore: empty snapshot")
	}
	if snap.Sequence < 0 {
		return fmt.Errorf("restore: invalid sequence %d", snap.Sequence)
	}

	e.store.Restore(snap.State)
	e.feed.Restore(snap.Prices)
	e.idempotency.Warm(snap.IdempotencyKeys)
	e.hasher.SetPrevHash(snap.StateHash)
	e.sequence = snap.Sequence + 1

	if err := e.pool.CheckInvariants(e.View()); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	e.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("idempotency_keys", len(snap.IdempotencyKeys)).
		Msg("state restored from snapshot")
	return nil
}
