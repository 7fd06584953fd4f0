package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"PerpSettle/internal/core"
)

// snapshotFormat is bumped whenever the JSON layout of core.SnapshotState
// changes incompatibly.
const snapshotFormat = 1

// SnapshotStore persists processor snapshots. LoadLatest returns nil, nil
// when no verified snapshot exists.
type SnapshotStore interface {
	Save(ctx context.Context, snap *core.SnapshotState) error
	LoadLatest(ctx context.Context) (*core.SnapshotState, error)
	MarkVerified(ctx context.Context, commandSeq int64) error
}

type snapshotRecord struct {
	ID        uuid.UUID
	Data      []byte
	CreatedAt time.Time
}

func encodeSnapshot(snap *core.SnapshotState) (snapshotRecord, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return snapshotRecord{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	return snapshotRecord{ID: uuid.New(), Data: data, CreatedAt: time.Now().UTC()}, nil
}

func decodeSnapshot(data []byte, format int) (*core.SnapshotState, error) {
	if format != snapshotFormat {
		return nil, fmt.Errorf("snapshot format %d, want %d", format, snapshotFormat)
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// === Postgres ===

type PostgresSnapshotStore struct {
	db *sql.DB
}

func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

func (s *PostgresSnapshotStore) Save(ctx context.Context, snap *core.SnapshotState) error {
	rec, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlement.snapshots
			(snapshot_id, command_seq, event_seq, state_hash, data, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (command_seq) DO UPDATE SET data = $5, state_hash = $4, size_bytes = $7
	`, rec.ID, snap.CommandSeq, snap.EventSeq, snap.StateHash.Bytes(), rec.Data, snapshotFormat, len(rec.Data), rec.CreatedAt)
	return err
}

func (s *PostgresSnapshotStore) LoadLatest(ctx context.Context) (*core.SnapshotState, error) {
	var (
		data   []byte
		format int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM settlement.snapshots
		WHERE verified = TRUE
		ORDER BY command_seq DESC
		LIMIT 1
	`).Scan(&data, &format)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decodeSnapshot(data, format)
}

func (s *PostgresSnapshotStore) MarkVerified(ctx context.Context, commandSeq int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE settlement.snapshots SET verified = TRUE WHERE command_seq = $1`, commandSeq)
	return err
}

// === SQLite ===

// SQLiteSnapshotStore keeps snapshots in a local file, for single-node
// deployments that run without Postgres next to the processor.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// OpenSQLiteSnapshotStore opens (or creates) the snapshot database at path.
// ":memory:" works for tests.
func OpenSQLiteSnapshotStore(ctx context.Context, path string) (*SQLiteSnapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id    TEXT PRIMARY KEY,
			command_seq    INTEGER NOT NULL UNIQUE,
			event_seq      INTEGER NOT NULL,
			state_hash     BLOB    NOT NULL,
			data           BLOB    NOT NULL,
			format_version INTEGER NOT NULL,
			size_bytes     INTEGER NOT NULL,
			verified       INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT    NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}
	return &SQLiteSnapshotStore{db: db}, nil
}

func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteSnapshotStore) Save(ctx context.Context, snap *core.SnapshotState) error {
	rec, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots
			(snapshot_id, command_seq, event_seq, state_hash, data, format_version, size_bytes, verified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (command_seq) DO UPDATE SET
			data = excluded.data, state_hash = excluded.state_hash, size_bytes = excluded.size_bytes
	`, rec.ID.String(), snap.CommandSeq, snap.EventSeq, snap.StateHash.Bytes(), rec.Data, snapshotFormat, len(rec.Data),
		rec.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteSnapshotStore) LoadLatest(ctx context.Context) (*core.SnapshotState, error) {
	var (
		data   []byte
		format int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM snapshots
		WHERE verified = 1
		ORDER BY command_seq DESC
		LIMIT 1
	`).Scan(&data, &format)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decodeSnapshot(data, format)
}

func (s *SQLiteSnapshotStore) MarkVerified(ctx context.Context, commandSeq int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE snapshots SET verified = 1 WHERE command_seq = ?`, commandSeq)
	return err
}
