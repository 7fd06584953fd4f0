package projection

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"PerpSettle/internal/event"
	"PerpSettle/internal/request"
)

// Statement is one write against the projection schema.
type Statement struct {
	SQL  string
	Args []any
}

const (
	StatusPending   = "pending"
	StatusExecuted  = "executed"
	StatusCancelled = "cancelled"

	PositionOpen       = "open"
	PositionClosed     = "closed"
	PositionLiquidated = "liquidated"
)

const insertRequest = `
	INSERT INTO projection.requests
		(request_key, kind, account, market, order_type, execution_fee, status, created_block, last_sequence)
	VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)
	ON CONFLICT (request_key) DO NOTHING`

const settleRequest = `
	UPDATE projection.requests
	SET status = $2, keeper = $3, fee_refunded = $4, last_sequence = $5
	WHERE request_key = $1`

// Plan maps one envelope to the statements that fold it into the projection
// tables. Events without a projection return no statements.
func Plan(env event.EventEnvelope) ([]Statement, error) {
	evt, err := event.Decode(env)
	if err != nil {
		return nil, err
	}
	seq := env.Sequence

	switch e := evt.(type) {
	case *event.MarketCreated:
		return one(`
			INSERT INTO projection.markets (market_token, index_token, long_token, short_token, created_seq)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (market_token) DO NOTHING`,
			e.MarketToken.Hex(), e.IndexToken.Hex(), e.LongToken.Hex(), e.ShortToken.Hex(), seq), nil

	case *event.DepositCreated:
		return one(insertRequest, e.Key.Hex(), request.KindDeposit, e.Account.Hex(), e.Market.Hex(), nil, dec(e.ExecutionFee), e.UpdatedAtBlock, seq), nil
	case *event.WithdrawalCreated:
		return one(insertRequest, e.Key.Hex(), request.KindWithdrawal, e.Account.Hex(), e.Market.Hex(), nil, dec(e.ExecutionFee), e.UpdatedAtBlock, seq), nil
	case *event.OrderCreated:
		return one(insertRequest, e.Key.Hex(), request.KindOrder, e.Account.Hex(), e.Market.Hex(), e.OrderType, dec(e.ExecutionFee), e.UpdatedAtBlock, seq), nil

	case *event.OrderUpdated:
		return one(`
			UPDATE projection.requests SET created_block = $2, last_sequence = $3
			WHERE request_key = $1`,
			e.Key.Hex(), e.UpdatedAtBlock, seq), nil

	case *event.DepositExecuted:
		return one(settleRequest, e.Key.Hex(), StatusExecuted, e.Keeper.Hex(), nil, seq), nil
	case *event.WithdrawalExecuted:
		return one(settleRequest, e.Key.Hex(), StatusExecuted, e.Keeper.Hex(), nil, seq), nil
	case *event.OrderExecuted:
		return one(settleRequest, e.Key.Hex(), StatusExecuted, e.Keeper.Hex(), nil, seq), nil

	case *event.DepositCancelled:
		return one(settleRequest, e.Key.Hex(), StatusCancelled, e.CancelledBy.Hex(), e.FeeRefunded, seq), nil
	case *event.WithdrawalCancelled:
		return one(settleRequest, e.Key.Hex(), StatusCancelled, e.CancelledBy.Hex(), e.FeeRefunded, seq), nil
	case *event.OrderCancelled:
		return one(settleRequest, e.Key.Hex(), StatusCancelled, e.CancelledBy.Hex(), e.FeeRefunded, seq), nil

	case *event.PositionIncreased:
		return one(`
			INSERT INTO projection.positions
				(position_key, account, market, collateral_token, is_long,
				 size_in_usd, size_in_tokens, collateral_amount, status, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'open', $9)
			ON CONFLICT (position_key) DO UPDATE SET
				size_in_usd = EXCLUDED.size_in_usd,
				size_in_tokens = EXCLUDED.size_in_tokens,
				collateral_amount = EXCLUDED.collateral_amount,
				realized_pnl_usd = CASE WHEN projection.positions.status = 'open'
					THEN projection.positions.realized_pnl_usd ELSE 0 END,
				status = 'open',
				last_sequence = EXCLUDED.last_sequence,
				updated_at = NOW()`,
			e.PositionKey.Hex(), e.Account.Hex(), e.Market.Hex(), e.CollateralToken.Hex(), e.IsLong,
			dec(e.SizeInUsd), dec(e.SizeInTokens), dec(e.CollateralAmount), seq), nil

	case *event.PositionDecreased:
		status := PositionOpen
		if e.Closed {
			status = PositionClosed
		}
		return one(`
			UPDATE projection.positions SET
				size_in_usd = $2,
				size_in_tokens = CASE WHEN $5::text = 'closed' THEN 0 ELSE size_in_tokens - $3 END,
				collateral_amount = $4,
				status = $5::text,
				realized_pnl_usd = realized_pnl_usd + $6,
				last_sequence = $7,
				updated_at = NOW()
			WHERE position_key = $1`,
			e.PositionKey.Hex(), dec(e.SizeInUsd), dec(e.SizeDeltaTokens), dec(e.CollateralAmount),
			status, signed(e.RealizedPnlUsd), seq), nil

	case *event.PositionLiquidated:
		return []Statement{
			{
				SQL: `
					UPDATE projection.positions SET
						size_in_usd = 0, size_in_tokens = 0, collateral_amount = 0,
						status = 'liquidated',
						realized_pnl_usd = realized_pnl_usd + $2,
						last_sequence = $3,
						updated_at = NOW()
					WHERE position_key = $1`,
				Args: []any{e.PositionKey.Hex(), signed(e.PnlUsd), seq},
			},
			{
				SQL: `
					INSERT INTO projection.liquidations
						(sequence, position_key, account, market, keeper, reason,
						 size_in_usd, pnl_usd, deficit, oracle_block)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
					ON CONFLICT (sequence) DO NOTHING`,
				Args: []any{
					seq, e.PositionKey.Hex(), e.Account.Hex(), e.Market.Hex(), e.Keeper.Hex(), e.Reason,
					dec(e.SizeInUsd), signed(e.PnlUsd), dec(e.Deficit), e.OracleBlock,
				},
			},
		}, nil

	case *event.SwapExecuted, *event.RiskParamUpdated, *event.RoleUpdated, *event.OracleSignerUpdated:
		return nil, nil
	}
	return nil, fmt.Errorf("no projection for %s", env.EventType)
}

func one(sql string, args ...any) []Statement {
	return []Statement{{SQL: sql, Args: args}}
}

// dec renders an amount for a NUMERIC(78,0) column.
func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func signed(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
