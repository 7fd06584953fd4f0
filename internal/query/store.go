package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned for lookups of a single missing row.
var ErrNotFound = errors.New("not found")

// Store is the read path over the projection schema.
type Store interface {
	Markets(ctx context.Context) ([]MarketResponse, error)
	Positions(ctx context.Context, account string, status string) ([]PositionResponse, error)
	Position(ctx context.Context, key string) (*PositionResponse, error)
	Requests(ctx context.Context, filter RequestFilter) ([]RequestResponse, error)
	Liquidations(ctx context.Context, account string, limit int) ([]LiquidationResponse, error)
	ProjectedSequence(ctx context.Context) (int64, error)
}

// RequestFilter selects requests. Empty fields do not filter.
type RequestFilter struct {
	Account string
	Kind    string
	Status  string
	Limit   int
}

// PostgresStore reads projections with pgx. NUMERIC columns are read as text
// so 256-bit values survive intact.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Markets(ctx context.Context) ([]MarketResponse, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT market_token, index_token, long_token, short_token, created_seq
		FROM projection.markets
		ORDER BY created_seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MarketResponse
	for rows.Next() {
		var m MarketResponse
		if err := rows.Scan(&m.MarketToken, &m.IndexToken, &m.LongToken, &m.ShortToken, &m.CreatedSeq); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const positionColumns = `
	position_key, account, market, collateral_token, is_long,
	size_in_usd::TEXT, size_in_tokens::TEXT, collateral_amount::TEXT, realized_pnl_usd::TEXT,
	status, last_sequence`

func scanPosition(row pgx.Row) (PositionResponse, error) {
	var p PositionResponse
	err := row.Scan(
		&p.PositionKey, &p.Account, &p.Market, &p.CollateralToken, &p.IsLong,
		&p.SizeInUsd, &p.SizeInTokens, &p.CollateralAmount, &p.RealizedPnlUsd,
		&p.Status, &p.LastSequence,
	)
	p.SizeInUsdDisplay = FormatUSDString(p.SizeInUsd)
	p.RealizedPnl = FormatUSDString(p.RealizedPnlUsd)
	return p, err
}

func (s *PostgresStore) Positions(ctx context.Context, account string, status string) ([]PositionResponse, error) {
	query := `SELECT ` + positionColumns + ` FROM projection.positions WHERE account = $1`
	args := []any{account}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY last_sequence DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionResponse
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Position(ctx context.Context, key string) (*PositionResponse, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM projection.positions WHERE position_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", key, err)
	}
	return &p, nil
}

func (s *PostgresStore) Requests(ctx context.Context, f RequestFilter) ([]RequestResponse, error) {
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("account", f.Account)
	add("kind", f.Kind)
	add("status", f.Status)

	query := `
		SELECT request_key, kind, account, market, order_type, execution_fee::TEXT,
		       status, created_block, keeper, fee_refunded, last_sequence
		FROM projection.requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(f.Limit))
	query += fmt.Sprintf(` ORDER BY created_block, last_sequence LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RequestResponse
	for rows.Next() {
		var r RequestResponse
		if err := rows.Scan(
			&r.RequestKey, &r.Kind, &r.Account, &r.Market, &r.OrderType, &r.ExecutionFee,
			&r.Status, &r.CreatedBlock, &r.Keeper, &r.FeeRefunded, &r.LastSequence,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Liquidations(ctx context.Context, account string, limit int) ([]LiquidationResponse, error) {
	query := `
		SELECT sequence, position_key, account, market, keeper, reason,
		       size_in_usd::TEXT, pnl_usd::TEXT, deficit::TEXT, oracle_block
		FROM projection.liquidations`
	args := []any{}
	if account != "" {
		args = append(args, account)
		query += ` WHERE account = $1`
	}
	args = append(args, limitOrDefault(limit))
	query += fmt.Sprintf(` ORDER BY sequence DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiquidationResponse
	for rows.Next() {
		var l LiquidationResponse
		if err := rows.Scan(
			&l.Sequence, &l.PositionKey, &l.Account, &l.Market, &l.Keeper, &l.Reason,
			&l.SizeInUsd, &l.PnlUsd, &l.Deficit, &l.OracleBlock,
		); err != nil {
			return nil, err
		}
		l.SizeInUsdDisplay = FormatUSDString(l.SizeInUsd)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ProjectedSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_sequence FROM projection.checkpoints WHERE name = 'main'`).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// HashChainBreaks returns event sequences whose prev_hash does not match the
// previous event's state_hash.
func (s *PostgresStore) HashChainBreaks(ctx context.Context, limit int) ([]int64, int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sequence FROM (
			SELECT sequence, prev_hash,
			       LAG(state_hash) OVER (ORDER BY sequence) AS expected
			FROM settlement.events
		) chained
		WHERE expected IS NOT NULL AND prev_hash <> expected
		ORDER BY sequence
		LIMIT $1`, limitOrDefault(limit))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var breaks []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, 0, err
		}
		breaks = append(breaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var last int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM settlement.events`).Scan(&last); err != nil {
		return nil, 0, err
	}
	return breaks, last, nil
}

// LoggedStateHash is the state hash of the last logged command.
func (s *PostgresStore) LoggedStateHash(ctx context.Context) ([]byte, error) {
	var hash []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state_hash FROM settlement.commands ORDER BY command_seq DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return hash, err
}

func limitOrDefault(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
