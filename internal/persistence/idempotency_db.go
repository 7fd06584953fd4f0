package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CommandLogChecker is the durable dedup tier: a command is a duplicate if
// the command log already holds its (type, id).
type CommandLogChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewCommandLogChecker(db *sql.DB) *CommandLogChecker {
	return &CommandLogChecker{db: db, timeout: 500 * time.Millisecond}
}

func (c *CommandLogChecker) IsDuplicate(commandType string, commandID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1
		FROM settlement.commands
		WHERE command_type = $1 AND command_id = $2
		LIMIT 1
	`, commandType, commandID).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns the composite keys of the newest limit commands, oldest
// first, for warming the in-memory tier after a cold start.
func (c *CommandLogChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT command_type, command_id FROM (
			SELECT command_seq, command_type, command_id
			FROM settlement.commands
			ORDER BY command_seq DESC
			LIMIT $1
		) recent
		ORDER BY command_seq ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var typ, id string
		if err := rows.Scan(&typ, &id); err != nil {
			return nil, err
		}
		keys = append(keys, typ+":"+id)
	}
	return keys, rows.Err()
}
