package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"
)

// maxFlushAttempts bounds retries of one batch. The worker never drops a batch
// on its own; after the last attempt it stops and the service shuts down.
const maxFlushAttempts = 20

// Worker drains the processor's persist channel and batch-writes the command
// log. The processor blocks on that channel, so a slow worker stalls intake
// instead of losing commands.
type Worker struct {
	db           *sql.DB
	writer       *CommandLogWriter
	input        <-chan core.Output
	flushed      chan<- core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

type WorkerOptions struct {
	BatchSize    int
	FlushTimeout time.Duration
	// Flushed, when set, receives each output after its batch commits. Sends
	// are non-blocking.
	Flushed chan<- core.Output
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

func NewWorker(db *sql.DB, input <-chan core.Output, opts WorkerOptions) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Millisecond
	}
	return &Worker{
		db:           db,
		writer:       NewCommandLogWriter(db),
		input:        input,
		flushed:      opts.Flushed,
		batchSize:    opts.BatchSize,
		flushTimeout: opts.FlushTimeout,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

// Run batches outputs and flushes when the batch is full or the timer fires.
// It returns after a final flush when ctx is done or the input is closed.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]core.Output, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.flushWithRetry(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			// Drain what the processor already handed over.
		drain:
			for {
				select {
				case out, ok := <-w.input:
					if !ok {
						break drain
					}
					batch = append(batch, out)
				default:
					break drain
				}
			}
			if err := flush(context.Background()); err != nil {
				w.logger.Error().Err(err).Int("commands", len(batch)).Msg("final flush failed")
				return err
			}
			return ctx.Err()

		case out, ok := <-w.input:
			if !ok {
				return flush(context.Background())
			}
			batch = append(batch, out)
			if len(batch) >= w.batchSize {
				if err := flush(ctx); err != nil {
					return err
				}
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if err := flush(ctx); err != nil {
				return err
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

func (w *Worker) flushWithRetry(ctx context.Context, batch []core.Output) error {
	err := retry.Do(
		func() error {
			return w.Flush(ctx, batch)
		},
		retry.Attempts(maxFlushAttempts),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			w.logger.Warn().Err(err).Uint("attempt", n+1).Int("commands", len(batch)).Msg("command log flush failed, retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("flush %d commands: %w", len(batch), err)
	}

	if w.flushed != nil {
		for _, out := range batch {
			select {
			case w.flushed <- out:
			default:
				if w.metrics != nil {
					w.metrics.ProjectionDrops.WithLabelValues("publisher").Inc()
				}
			}
		}
	}
	return nil
}

// Flush writes one batch in a single transaction.
func (w *Worker) Flush(ctx context.Context, batch []core.Output) error {
	start := time.Now()

	commands := make([]CommandRow, 0, len(batch))
	var events []EventRow
	for _, out := range batch {
		cmd, evts, err := RowsFromOutput(out)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		commands = append(commands, cmd)
		events = append(events, evts...)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteCommandBatch(ctx, tx, commands); err != nil {
		w.recordError("write_commands")
		return err
	}
	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		w.recordError("write_events")
		return err
	}
	if err := tx.Commit(); err != nil {
		w.recordError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(commands)))
		w.metrics.PersistCommandsWritten.Add(float64(len(commands)))
		w.metrics.PersistLastSequence.Set(float64(commands[len(commands)-1].CommandSeq))
	}
	return nil
}

func (w *Worker) recordError(stage string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
