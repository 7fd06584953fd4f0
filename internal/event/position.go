package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PositionIncreased carries the post-trade position next to the deltas that produced it.
type PositionIncreased struct {
	PositionKey      common.Hash    `json:"position_key"`
	OrderKey         common.Hash    `json:"order_key"`
	Account          common.Address `json:"account"`
	Market           common.Address `json:"market"`
	CollateralToken  common.Address `json:"collateral_token"`
	IsLong           bool           `json:"is_long"`
	ExecutionPrice   *uint256.Int   `json:"execution_price"`
	SizeDeltaUsd     *uint256.Int   `json:"size_delta_usd"`
	SizeDeltaTokens  *uint256.Int   `json:"size_delta_tokens"`
	CollateralDelta  *uint256.Int   `json:"collateral_delta"`
	PositionFee      *uint256.Int   `json:"position_fee"`
	BorrowingFee     *uint256.Int   `json:"borrowing_fee"`
	SizeInUsd        *uint256.Int   `json:"size_in_usd"`
	SizeInTokens     *uint256.Int   `json:"size_in_tokens"`
	CollateralAmount *uint256.Int   `json:"collateral_amount"`
}

func (p *PositionIncreased) EventType() EventType {
	return EventTypePositionIncreased
}

func (p *PositionIncreased) MarketID() *common.Address {
	return marketRef(p.Market)
}

type PositionDecreased struct {
	PositionKey      common.Hash    `json:"position_key"`
	OrderKey         common.Hash    `json:"order_key"`
	Account          common.Address `json:"account"`
	Market           common.Address `json:"market"`
	CollateralToken  common.Address `json:"collateral_token"`
	IsLong           bool           `json:"is_long"`
	ExecutionPrice   *uint256.Int   `json:"execution_price"`
	SizeDeltaUsd     *uint256.Int   `json:"size_delta_usd"`
	SizeDeltaTokens  *uint256.Int   `json:"size_delta_tokens"`
	RealizedPnlUsd   *big.Int       `json:"realized_pnl_usd"`
	PositionFee      *uint256.Int   `json:"position_fee"`
	BorrowingFee     *uint256.Int   `json:"borrowing_fee"`
	OutputAmount     *uint256.Int   `json:"output_amount"`
	OutputToken      common.Address `json:"output_token"`
	SizeInUsd        *uint256.Int   `json:"size_in_usd"`
	CollateralAmount *uint256.Int   `json:"collateral_amount"`
	Closed           bool           `json:"closed"`
}

func (p *PositionDecreased) EventType() EventType {
	return EventTypePositionDecreased
}

func (p *PositionDecreased) MarketID() *common.Address {
	return marketRef(p.Market)
}

// PositionLiquidated records a forced full close. Deficit is the loss the pool
// absorbed beyond the position's collateral.
type PositionLiquidated struct {
	PositionKey     common.Hash    `json:"position_key"`
	Account         common.Address `json:"account"`
	Market          common.Address `json:"market"`
	CollateralToken common.Address `json:"collateral_token"`
	IsLong          bool           `json:"is_long"`
	Keeper          common.Address `json:"keeper"`
	Reason          string         `json:"reason"`
	IndexPrice      *uint256.Int   `json:"index_price"`
	SizeInUsd       *uint256.Int   `json:"size_in_usd"`
	PnlUsd          *big.Int       `json:"pnl_usd"`
	LiquidationFee  *uint256.Int   `json:"liquidation_fee"`
	Deficit         *uint256.Int   `json:"deficit"`
	Refund          *uint256.Int   `json:"refund"`
	OracleBlock     uint64         `json:"oracle_block"`
}

func (p *PositionLiquidated) EventType() EventType {
	return EventTypePositionLiquidated
}

func (p *PositionLiquidated) MarketID() *common.Address {
	return marketRef(p.Market)
}
