package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"LeverLedger/internal/core"
	"LeverLedger/internal/observability"
	"LeverLedger/internal/persistence"
)

// fanOut copies every published output to each consumer. A full consumer
// misses the output; projections resync through a rebuild and the event log
// is always complete.
func fanOut(ctx context.Context, in <-chan core.Output, metrics *observability.Metrics, outs ...chan<- core.Output) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-in:
			if !ok {
				return
			}
			for _, ch := range outs {
				select {
				case ch <- out:
				default:
					if metrics != nil {
						metrics.PublishDrops.Inc()
					}
				}
			}
		}
	}
}

const channelReportInterval = 5 * time.Second

func reportChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]chan core.Output) {
	ticker := time.NewTicker(channelReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, ch := range chans {
				metrics.SetChannelMetrics(name, len(ch), cap(ch))
			}
		}
	}
}

const snapshotCheckInterval = 10 * time.Second

type snapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *core.Snapshot) (int, error)
	VerifySnapshots(ctx context.Context) (int64, error)
}

// snapshotSource is satisfied by *core.Runner.
type snapshotSource interface {
	Snapshot(ctx context.Context) (*core.Snapshot, error)
	Query(ctx context.Context, fn func(*core.Engine) error) error
}

var _ snapshotStore = (*persistence.SnapshotManager)(nil)

// snapshotter saves an engine snapshot every interval commands and marks
// saved snapshots verified once the event log has caught up with them.
type snapshotter struct {
	runner   snapshotSource
	sm       snapshotStore
	interval int64
	metrics  *observability.Metrics
	logger   zerolog.Logger

	last int64 // sequence of the last saved snapshot
}

func (s *snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(snapshotCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

func (s *snapshotter) tick(ctx context.Context) error {
	if n, err := s.sm.VerifySnapshots(ctx); err != nil {
		return fmt.Errorf("verify snapshots: %w", err)
	} else if n > 0 {
		s.logger.Info().Int64("verified", n).Msg("snapshots verified")
	}
	if s.interval <= 0 {
		return nil
	}
	return s.maybeTake(ctx)
}

func (s *snapshotter) maybeTake(ctx context.Context) error {
	var applied int64
	if err := s.runner.Query(ctx, func(e *core.Engine) error {
		applied = e.Sequence() - 1
		return nil
	}); err != nil {
		return err
	}
	if applied-s.last < s.interval {
		return nil
	}
	snap, err := s.runner.Snapshot(ctx)
	if err != nil {
		return err
	}
	return s.save(ctx, snap)
}

// take saves a snapshot unconditionally, unless nothing was applied since
// the last one.
func (s *snapshotter) take(ctx context.Context) error {
	snap, err := s.runner.Snapshot(ctx)
	if err != nil {
		return err
	}
	if snap.Sequence == s.last {
		return nil
	}
	return s.save(ctx, snap)
}

func (s *snapshotter) save(ctx context.Context, snap *core.Snapshot) error {
	size, err := s.sm.SaveSnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.last = snap.Sequence
	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}
