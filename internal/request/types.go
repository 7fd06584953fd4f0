package request

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PerpSettle/internal/types"
)

// Deposit adds long and/or short tokens to a market's pool in exchange for market tokens.
type Deposit struct {
	Key              common.Hash    `json:"key"`
	Account          common.Address `json:"account"`
	Market           common.Address `json:"market"`
	LongTokenAmount  *uint256.Int   `json:"long_token_amount"`
	ShortTokenAmount *uint256.Int   `json:"short_token_amount"`
	MinMarketTokens  *uint256.Int   `json:"min_market_tokens"`
	ExecutionFee     *uint256.Int   `json:"execution_fee"`
	FeeToken         common.Address `json:"fee_token"`
	UpdatedAtBlock   uint64         `json:"updated_at_block"`
}

// Withdrawal burns market tokens for long and/or short tokens. Each market token
// amount is paid out in the token of its side.
type Withdrawal struct {
	Key                     common.Hash    `json:"key"`
	Account                 common.Address `json:"account"`
	Market                  common.Address `json:"market"`
	MarketTokensLongAmount  *uint256.Int   `json:"market_tokens_long_amount"`
	MarketTokensShortAmount *uint256.Int   `json:"market_tokens_short_amount"`
	MinLongTokenAmount      *uint256.Int   `json:"min_long_token_amount"`
	MinShortTokenAmount     *uint256.Int   `json:"min_short_token_amount"`
	ExecutionFee            *uint256.Int   `json:"execution_fee"`
	FeeToken                common.Address `json:"fee_token"`
	UpdatedAtBlock          uint64         `json:"updated_at_block"`
}

// Order is a pending swap, position increase or position decrease. For stop-loss
// decreases AcceptablePrice is the trigger price.
//
// FeeToken on every request is the token the execution fee was escrowed in;
// the fee is released in that token even if the native token changes later.
type Order struct {
	Key                          common.Hash      `json:"key"`
	Account                      common.Address   `json:"account"`
	Market                       common.Address   `json:"market"`
	InitialCollateralToken       common.Address   `json:"initial_collateral_token"`
	SwapPath                     []common.Address `json:"swap_path"`
	SizeDeltaUsd                 *uint256.Int     `json:"size_delta_usd"`
	InitialCollateralDeltaAmount *uint256.Int     `json:"initial_collateral_delta_amount"`
	AcceptablePrice              *uint256.Int     `json:"acceptable_price"`
	AcceptableUsdAdjustment      *big.Int         `json:"acceptable_usd_adjustment"`
	MinOutputAmount              *uint256.Int     `json:"min_output_amount"`
	ExecutionFee                 *uint256.Int     `json:"execution_fee"`
	FeeToken                     common.Address   `json:"fee_token"`
	OrderType                    OrderType        `json:"order_type"`
	IsLong                       bool             `json:"is_long"`
	HasCollateralInNative        bool             `json:"has_collateral_in_native"`
	UpdatedAtBlock               uint64           `json:"updated_at_block"`
}

// OrderType selects the execution path of an order.
type OrderType uint8

const (
	MarketSwap OrderType = iota
	LimitSwap
	MarketIncrease
	LimitIncrease
	MarketDecrease
	LimitDecrease
	StopLossDecrease
	Liquidation
)

var orderTypeNames = [...]string{
	MarketSwap:       "MARKET_SWAP",
	LimitSwap:        "LIMIT_SWAP",
	MarketIncrease:   "MARKET_INCREASE",
	LimitIncrease:    "LIMIT_INCREASE",
	MarketDecrease:   "MARKET_DECREASE",
	LimitDecrease:    "LIMIT_DECREASE",
	StopLossDecrease: "STOP_LOSS_DECREASE",
	Liquidation:      "LIQUIDATION",
}

func (t OrderType) String() string {
	if int(t) < len(orderTypeNames) {
		return orderTypeNames[t]
	}
	return fmt.Sprintf("ORDER_TYPE(%d)", uint8(t))
}

func (t OrderType) Valid() bool {
	return int(t) < len(orderTypeNames)
}

func (t OrderType) IsSwap() bool {
	return t == MarketSwap || t == LimitSwap
}

func (t OrderType) IsIncrease() bool {
	return t == MarketIncrease || t == LimitIncrease
}

func (t OrderType) IsDecrease() bool {
	return t == MarketDecrease || t == LimitDecrease || t == StopLossDecrease || t == Liquidation
}

func (t OrderType) IsLimit() bool {
	return t == LimitSwap || t == LimitIncrease || t == LimitDecrease || t == StopLossDecrease
}

// IsUpdatable reports whether the owner may edit a pending order of this type.
// Market orders execute at the next oracle block and are not editable.
func (t OrderType) IsUpdatable() bool {
	return t.IsLimit()
}

func (t OrderType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, types.ErrInvalidOrderType.Wrapf("%d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *OrderType) UnmarshalText(text []byte) error {
	parsed, err := ParseOrderType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseOrderType accepts the canonical upper-snake name, case-insensitively.
func ParseOrderType(s string) (OrderType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, candidate := range orderTypeNames {
		if candidate == name {
			return OrderType(i), nil
		}
	}
	return 0, types.ErrInvalidOrderType.Wrapf("%q", s)
}
