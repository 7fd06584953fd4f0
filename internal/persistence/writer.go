package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
)

// CommandRow is a row of settlement.commands.
type CommandRow struct {
	CommandSeq  int64
	CommandID   string
	CommandType string
	Caller      string
	HeadBlock   int64
	Command     []byte // JSON-encoded core.Command, head included
	StateHash   []byte
}

// EventRow is a row of settlement.events.
type EventRow struct {
	Sequence    int64
	CommandSeq  int64
	CommandID   string
	EventIndex  int
	EventType   string
	Market      *string
	BlockNumber int64
	Payload     []byte
	StateHash   []byte
	PrevHash    []byte
}

// Envelope rebuilds the sealed envelope a row was written from.
func (r EventRow) Envelope() (event.EventEnvelope, error) {
	et, ok := event.ParseEventType(r.EventType)
	if !ok {
		return event.EventEnvelope{}, fmt.Errorf("event %d: unknown type %q", r.Sequence, r.EventType)
	}
	env := event.EventEnvelope{
		Sequence:    r.Sequence,
		CommandID:   r.CommandID,
		Index:       r.EventIndex,
		EventType:   et,
		BlockNumber: uint64(r.BlockNumber),
		Payload:     r.Payload,
		StateHash:   common.BytesToHash(r.StateHash),
		PrevHash:    common.BytesToHash(r.PrevHash),
	}
	if r.Market != nil {
		m := common.HexToAddress(*r.Market)
		env.Market = &m
	}
	return env, nil
}

// RowsFromOutput flattens one processor output into its rows.
func RowsFromOutput(out core.Output) (CommandRow, []EventRow, error) {
	if out.Command.Head == nil {
		return CommandRow{}, nil, fmt.Errorf("command %s has no head", out.Command.ID)
	}
	raw, err := json.Marshal(out.Command)
	if err != nil {
		return CommandRow{}, nil, fmt.Errorf("marshal command %s: %w", out.Command.ID, err)
	}

	cmd := CommandRow{
		CommandSeq:  out.CommandSeq,
		CommandID:   out.Command.ID,
		CommandType: string(out.Command.Type),
		Caller:      out.Command.Caller.Hex(),
		HeadBlock:   int64(out.Command.Head.BlockNumber),
		Command:     raw,
		StateHash:   out.StateHash.Bytes(),
	}

	events := make([]EventRow, len(out.Envelopes))
	for i, env := range out.Envelopes {
		var market *string
		if env.Market != nil {
			m := env.Market.Hex()
			market = &m
		}
		events[i] = EventRow{
			Sequence:    env.Sequence,
			CommandSeq:  out.CommandSeq,
			CommandID:   env.CommandID,
			EventIndex:  env.Index,
			EventType:   env.EventType.String(),
			Market:      market,
			BlockNumber: int64(env.BlockNumber),
			Payload:     env.Payload,
			StateHash:   env.StateHash.Bytes(),
			PrevHash:    env.PrevHash.Bytes(),
		}
	}
	return cmd, events, nil
}

// CommandLogWriter batch-inserts commands and their events. Inserts are
// idempotent on the sequence columns so a retried batch is harmless.
type CommandLogWriter struct {
	db *sql.DB
}

func NewCommandLogWriter(db *sql.DB) *CommandLogWriter {
	return &CommandLogWriter{db: db}
}

// WriteCommandBatch writes a batch of commands using a multi-row INSERT.
func (w *CommandLogWriter) WriteCommandBatch(ctx context.Context, tx *sql.Tx, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}

	const cols = 7
	values := make([]string, 0, len(commands))
	args := make([]interface{}, 0, len(commands)*cols)
	for i, c := range commands {
		values = append(values, placeholders(i*cols, cols))
		args = append(args, c.CommandSeq, c.CommandID, c.CommandType, c.Caller, c.HeadBlock, c.Command, c.StateHash)
	}

	query := `INSERT INTO settlement.commands
		(command_seq, command_id, command_type, caller, head_block, command, state_hash)
		VALUES ` + strings.Join(values, ", ") + ` ON CONFLICT (command_seq) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteEventBatch writes a batch of events using a multi-row INSERT.
func (w *CommandLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 10
	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)
	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.CommandSeq, e.CommandID, e.EventIndex, e.EventType,
			e.Market, e.BlockNumber, e.Payload, e.StateHash, e.PrevHash,
		)
	}

	query := `INSERT INTO settlement.events
		(sequence, command_seq, command_id, event_index, event_type, market, block_number, payload, state_hash, prev_hash)
		VALUES ` + strings.Join(values, ", ") + ` ON CONFLICT (sequence) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($n+1, ..., $n+cols)".
func placeholders(base, cols int) string {
	var b strings.Builder
	b.WriteByte('(')
	for c := 1; c <= cols; c++ {
		if c > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+c)
	}
	b.WriteByte(')')
	return b.String()
}
