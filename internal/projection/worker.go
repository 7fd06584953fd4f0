package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/persistence"
)

const (
	checkpointName = "main"
	catchUpPage    = 500
)

// EventSource pages through the persisted event log.
type EventSource interface {
	EventsAfter(ctx context.Context, seq int64, limit int) ([]persistence.EventRow, error)
}

// Worker folds committed envelopes into the projection tables. Its input may
// drop outputs; a sequence gap makes the worker catch up from the event log,
// so projections are eventually consistent with the command log.
type Worker struct {
	db      *sql.DB
	input   <-chan core.Output
	log     EventSource
	metrics *observability.Metrics
	logger  zerolog.Logger

	lastSeq   int64
	onApplied []func(context.Context, []event.EventEnvelope)
}

func NewWorker(db *sql.DB, input <-chan core.Output, log EventSource, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		db:      db,
		input:   input,
		log:     log,
		metrics: metrics,
		logger:  logger,
	}
}

// OnApplied registers fn to run after each committed batch, e.g. to evict
// read caches. It must be called before Run.
func (w *Worker) OnApplied(fn func(context.Context, []event.EventEnvelope)) {
	w.onApplied = append(w.onApplied, fn)
}

// LastSequence is the last event folded into the projections.
func (w *Worker) LastSequence() int64 {
	return w.lastSeq
}

// Run starts the projection worker loop.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.loadCheckpoint(ctx); err != nil {
		return err
	}
	if err := w.CatchUp(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("initial projection catch-up failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-w.input:
			if !ok {
				return nil
			}
			if err := w.Handle(ctx, out); err != nil {
				// Retried through catch-up on the next gap or restart.
				w.logger.Warn().Err(err).Int64("command_seq", out.CommandSeq).Msg("projection update failed")
			}
		}
	}
}

// Handle folds one output, catching up first if earlier events were missed.
func (w *Worker) Handle(ctx context.Context, out core.Output) error {
	if len(out.Envelopes) == 0 {
		return nil
	}
	if out.Envelopes[0].Sequence > w.lastSeq+1 {
		if err := w.CatchUp(ctx); err != nil {
			return err
		}
	}

	fresh := out.Envelopes[:0:0]
	for _, env := range out.Envelopes {
		if env.Sequence > w.lastSeq {
			fresh = append(fresh, env)
		}
	}
	return w.Apply(ctx, fresh)
}

// CatchUp folds every logged event after the checkpoint.
func (w *Worker) CatchUp(ctx context.Context) error {
	if w.log == nil {
		return nil
	}
	for {
		rows, err := w.log.EventsAfter(ctx, w.lastSeq, catchUpPage)
		if err != nil {
			return fmt.Errorf("read events after %d: %w", w.lastSeq, err)
		}
		if len(rows) == 0 {
			return nil
		}

		envs := make([]event.EventEnvelope, len(rows))
		for i, row := range rows {
			if envs[i], err = row.Envelope(); err != nil {
				return err
			}
		}
		if err := w.Apply(ctx, envs); err != nil {
			return err
		}
		w.logger.Debug().Int64("last_sequence", w.lastSeq).Int("events", len(envs)).Msg("projection caught up")
	}
}

// Apply writes envs and the checkpoint in one transaction.
func (w *Worker) Apply(ctx context.Context, envs []event.EventEnvelope) error {
	if len(envs) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, env := range envs {
		stmts, err := Plan(env)
		if err != nil {
			return fmt.Errorf("plan event %d: %w", env.Sequence, err)
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.SQL, st.Args...); err != nil {
				return fmt.Errorf("project %s at %d: %w", env.EventType, env.Sequence, err)
			}
		}
	}

	last := envs[len(envs)-1].Sequence
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projection.checkpoints (name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, checkpointName, last); err != nil {
		return fmt.Errorf("checkpoint update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	w.lastSeq = last
	for _, fn := range w.onApplied {
		fn(ctx, envs)
	}

	if w.metrics != nil {
		w.metrics.ProjectionUpdateDur.WithLabelValues(checkpointName).Observe(time.Since(start).Seconds())
	}
	return nil
}

func (w *Worker) loadCheckpoint(ctx context.Context) error {
	err := w.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projection.checkpoints WHERE name = $1`, checkpointName,
	).Scan(&w.lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		w.lastSeq = 0
		return nil
	}
	return err
}

// Rebuild truncates the projection tables and refolds the whole event log.
func Rebuild(ctx context.Context, db *sql.DB, log EventSource, logger zerolog.Logger) error {
	for _, stmt := range []string{
		`TRUNCATE projection.markets, projection.positions, projection.requests, projection.liquidations`,
		`DELETE FROM projection.checkpoints WHERE name = 'main'`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	w := NewWorker(db, nil, log, nil, logger)
	if err := w.CatchUp(ctx); err != nil {
		return err
	}
	logger.Info().Int64("last_sequence", w.lastSeq).Msg("projection rebuild complete")
	return nil
}
