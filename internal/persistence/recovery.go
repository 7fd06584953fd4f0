package persistence

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpSettle/internal/core"
)

// CommandSource pages through the command log.
type CommandSource interface {
	After(ctx context.Context, seq int64, limit int) ([]LoggedCommand, error)
}

// RecoveryReport describes what Recover did.
type RecoveryReport struct {
	SnapshotSeq int64
	Replayed    int
	CommandSeq  int64
	Took        time.Duration
}

// Recover restores proc from the latest verified snapshot, then replays the
// command log after it page by page. The state hash after every page must
// match the one logged with its last command.
func Recover(ctx context.Context, proc *core.Processor, snapshots SnapshotStore, log CommandSource, pageSize int, logger zerolog.Logger) (RecoveryReport, error) {
	start := time.Now()
	var report RecoveryReport
	if pageSize <= 0 {
		pageSize = 1000
	}

	if snapshots != nil {
		snap, err := snapshots.LoadLatest(ctx)
		if err != nil {
			return report, err
		}
		if snap != nil {
			if err := proc.RestoreFromSnapshot(snap); err != nil {
				return report, err
			}
			report.SnapshotSeq = snap.CommandSeq
			logger.Info().Int64("command_seq", snap.CommandSeq).Msg("restored snapshot")
		}
	}

	next := report.SnapshotSeq
	for {
		page, err := log.After(ctx, next, pageSize)
		if err != nil {
			return report, fmt.Errorf("read command log after %d: %w", next, err)
		}
		if len(page) == 0 {
			break
		}

		cmds := make([]core.Command, len(page))
		for i, lc := range page {
			if lc.Seq != next+int64(i)+1 {
				return report, fmt.Errorf("command log gap: want %d, got %d", next+int64(i)+1, lc.Seq)
			}
			cmds[i] = lc.Command
		}
		if err := proc.Replay(ctx, cmds); err != nil {
			return report, err
		}

		last := page[len(page)-1]
		if got := proc.StateHash(); !bytes.Equal(got.Bytes(), last.StateHash) {
			return report, fmt.Errorf("state hash mismatch at command %d: log %x, replay %x", last.Seq, last.StateHash, got)
		}
		report.Replayed += len(page)
		next = last.Seq
	}

	report.CommandSeq, _ = proc.Sequence()
	report.Took = time.Since(start)
	logger.Info().
		Int64("snapshot_seq", report.SnapshotSeq).
		Int("replayed", report.Replayed).
		Int64("command_seq", report.CommandSeq).
		Dur("took", report.Took).
		Msg("recovery complete")
	return report, nil
}
