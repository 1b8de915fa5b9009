package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"LeverLedger/internal/core"
	"LeverLedger/internal/observability"
)

// RecoveryStats describes one startup recovery.
type RecoveryStats struct {
	SnapshotSequence int64 // 0 on a cold start
	Replayed         int
	LastSequence     int64
	Duration         time.Duration
}

// Recover restores the engine from the latest verified snapshot, then
// replays the event log tail page by page. Every replayed command must land
// on its logged state hash.
func Recover(
	ctx context.Context,
	engine *core.Engine,
	sm *SnapshotManager,
	pageSize int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (RecoveryStats, error) {
	start := time.Now()
	var stats RecoveryStats

	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return stats, err
	}
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return stats, err
		}
		stats.SnapshotSequence = snap.Sequence
	} else {
		logger.Info().Msg("no verified snapshot, replaying full event log")
	}

	next := engine.Sequence()
	for {
		envs, err := sm.LoadEventsFrom(ctx, next, pageSize)
		if err != nil {
			return stats, fmt.Errorf("load events from %d: %w", next, err)
		}
		for _, env := range envs {
			if err := engine.Replay(env); err != nil {
				return stats, err
			}
			stats.Replayed++
		}
		if len(envs) < pageSize {
			break
		}
		next = engine.Sequence()
	}

	stats.LastSequence = engine.Sequence() - 1
	stats.Duration = time.Since(start)
	if metrics != nil {
		metrics.ReplayDuration.Set(stats.Duration.Seconds())
		metrics.CoreSequence.Set(float64(engine.Sequence()))
	}
	logger.Info().
		Int64("snapshot_sequence", stats.SnapshotSequence).
		Int("replayed", stats.Replayed).
		Int64("last_sequence", stats.LastSequence).
		Dur("duration", stats.Duration).
		Msg("recovery complete")
	return stats, nil
}
