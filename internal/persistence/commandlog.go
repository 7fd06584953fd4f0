package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"PerpSettle/internal/core"
)

// CommandLog reads the persisted command log back for replay.
type CommandLog struct {
	db *sql.DB
}

func NewCommandLog(db *sql.DB) *CommandLog {
	return &CommandLog{db: db}
}

// LoggedCommand is a command with its position in the log.
type LoggedCommand struct {
	Seq       int64
	Command   core.Command
	StateHash []byte
}

// After returns up to limit commands with command_seq > seq, in order.
func (l *CommandLog) After(ctx context.Context, seq int64, limit int) ([]LoggedCommand, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT command_seq, command, state_hash
		FROM settlement.commands
		WHERE command_seq > $1
		ORDER BY command_seq ASC
		LIMIT $2
	`, seq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LoggedCommand
	for rows.Next() {
		var (
			lc  LoggedCommand
			raw []byte
		)
		if err := rows.Scan(&lc.Seq, &raw, &lc.StateHash); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &lc.Command); err != nil {
			return nil, fmt.Errorf("decode command %d: %w", lc.Seq, err)
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}

// LatestSeq returns the highest command_seq, or 0 for an empty log.
func (l *CommandLog) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(command_seq) FROM settlement.commands`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// EventsAfter returns persisted envelopes with sequence > seq, used by
// projection rebuilds.
func (l *CommandLog) EventsAfter(ctx context.Context, seq int64, limit int) ([]EventRow, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT sequence, command_seq, command_id, event_index, event_type, market,
		       block_number, payload, state_hash, prev_hash
		FROM settlement.events
		WHERE sequence > $1
		ORDER BY sequence ASC
		LIMIT $2
	`, seq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.CommandSeq, &e.CommandID, &e.EventIndex, &e.EventType, &e.Market,
			&e.BlockNumber, &e.Payload, &e.StateHash, &e.PrevHash,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StateHashAt returns the state hash logged with command seq.
func (l *CommandLog) StateHashAt(ctx context.Context, seq int64) ([]byte, bool, error) {
	var hash []byte
	err := l.db.QueryRowContext(ctx, `SELECT state_hash FROM settlement.commands WHERE command_seq = $1`, seq).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return hash, true, nil
}
