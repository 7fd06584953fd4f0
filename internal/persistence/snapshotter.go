package persistence

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"
)

// HashSource returns the state hash logged with a command.
type HashSource interface {
	StateHashAt(ctx context.Context, commandSeq int64) ([]byte, bool, error)
}

// Snapshotter periodically snapshots the processor. A snapshot only becomes
// loadable once the command log holds its command and agrees on the hash.
type Snapshotter struct {
	proc     *core.Processor
	store    SnapshotStore
	hashes   HashSource
	every    int64
	interval time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger

	lastSeq int64
	pending []*core.SnapshotState
}

func NewSnapshotter(proc *core.Processor, store SnapshotStore, hashes HashSource, every int64, interval time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Snapshotter{
		proc:     proc,
		store:    store,
		hashes:   hashes,
		every:    every,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
	}
}

func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("snapshot tick failed")
			}
		}
	}
}

// Tick takes a snapshot when enough commands passed and verifies pending ones.
func (s *Snapshotter) Tick(ctx context.Context) error {
	if seq, _ := s.proc.Sequence(); s.every > 0 && seq-s.lastSeq >= s.every {
		if err := s.take(ctx); err != nil {
			return err
		}
	}
	return s.verify(ctx)
}

func (s *Snapshotter) take(ctx context.Context) error {
	start := time.Now()
	snap := s.proc.CreateSnapshotState()
	if err := s.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot %d: %w", snap.CommandSeq, err)
	}
	s.lastSeq = snap.CommandSeq
	s.pending = append(s.pending, snap)

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotLastSeq.Set(float64(snap.CommandSeq))
	}
	s.logger.Info().Int64("command_seq", snap.CommandSeq).Dur("took", time.Since(start)).Msg("snapshot saved")
	return nil
}

func (s *Snapshotter) verify(ctx context.Context) error {
	remaining := s.pending[:0]
	for _, snap := range s.pending {
		logged, ok, err := s.hashes.StateHashAt(ctx, snap.CommandSeq)
		if err != nil {
			return err
		}
		if !ok {
			remaining = append(remaining, snap)
			continue
		}
		if !bytes.Equal(logged, snap.StateHash.Bytes()) {
			s.logger.Error().
				Int64("command_seq", snap.CommandSeq).
				Hex("logged", logged).
				Hex("snapshot", snap.StateHash.Bytes()).
				Msg("snapshot hash disagrees with command log, discarded")
			continue
		}
		if err := s.store.MarkVerified(ctx, snap.CommandSeq); err != nil {
			return err
		}
	}
	s.pending = remaining
	return nil
}
