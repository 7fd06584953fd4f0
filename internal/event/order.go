package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type OrderCreated struct {
	Key                          common.Hash      `json:"key"`
	Account                      common.Address   `json:"account"`
	Market                       common.Address   `json:"market"`
	OrderType                    string           `json:"order_type"`
	IsLong                       bool             `json:"is_long"`
	InitialCollateralToken       common.Address   `json:"initial_collateral_token"`
	SwapPath                     []common.Address `json:"swap_path"`
	SizeDeltaUsd                 *uint256.Int     `json:"size_delta_usd"`
	InitialCollateralDeltaAmount *uint256.Int     `json:"initial_collateral_delta_amount"`
	AcceptablePrice              *uint256.Int     `json:"acceptable_price"`
	ExecutionFee                 *uint256.Int     `json:"execution_fee"`
	UpdatedAtBlock               uint64           `json:"updated_at_block"`
}

func (o *OrderCreated) EventType() EventType {
	return EventTypeOrderCreated
}

func (o *OrderCreated) MarketID() *common.Address {
	return marketRef(o.Market)
}

type OrderUpdated struct {
	Key                     common.Hash    `json:"key"`
	Account                 common.Address `json:"account"`
	Market                  common.Address `json:"market"`
	SizeDeltaUsd            *uint256.Int   `json:"size_delta_usd"`
	AcceptablePrice         *uint256.Int   `json:"acceptable_price"`
	AcceptableUsdAdjustment *big.Int       `json:"acceptable_usd_adjustment"`
	MinOutputAmount         *uint256.Int   `json:"min_output_amount"`
	UpdatedAtBlock          uint64         `json:"updated_at_block"`
}

func (o *OrderUpdated) EventType() EventType {
	return EventTypeOrderUpdated
}

func (o *OrderUpdated) MarketID() *common.Address {
	return marketRef(o.Market)
}

type OrderExecuted struct {
	Key          common.Hash    `json:"key"`
	Account      common.Address `json:"account"`
	Market       common.Address `json:"market"`
	OrderType    string         `json:"order_type"`
	Keeper       common.Address `json:"keeper"`
	ExecutionFee *uint256.Int   `json:"execution_fee"`
	OracleBlock  uint64         `json:"oracle_block"`
}

func (o *OrderExecuted) EventType() EventType {
	return EventTypeOrderExecuted
}

func (o *OrderExecuted) MarketID() *common.Address {
	return marketRef(o.Market)
}

type OrderCancelled struct {
	Key          common.Hash    `json:"key"`
	Account      common.Address `json:"account"`
	Market       common.Address `json:"market"`
	CancelledBy  common.Address `json:"cancelled_by"`
	ExecutionFee *uint256.Int   `json:"execution_fee"`
	FeeRefunded  bool           `json:"fee_refunded"`
}

func (o *OrderCancelled) EventType() EventType {
	return EventTypeOrderCancelled
}

func (o *OrderCancelled) MarketID() *common.Address {
	return marketRef(o.Market)
}

// SwapExecuted is emitted once per hop of a swap path.
type SwapExecuted struct {
	OrderKey  common.Hash    `json:"order_key"`
	Market    common.Address `json:"market"`
	TokenIn   common.Address `json:"token_in"`
	TokenOut  common.Address `json:"token_out"`
	AmountIn  *uint256.Int   `json:"amount_in"`
	AmountOut *uint256.Int   `json:"amount_out"`
	FeeAmount *uint256.Int   `json:"fee_amount"`
}

func (s *SwapExecuted) EventType() EventType {
	return EventTypeSwapExecuted
}

func (s *SwapExecuted) MarketID() *common.Address {
	return marketRef(s.Market)
}
