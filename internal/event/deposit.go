package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type DepositCreated struct {
	Key              common.Hash    `json:"key"`
	Account          common.Address `json:"account"`
	Market           common.Address `json:"market"`
	LongTokenAmount  *uint256.Int   `json:"long_token_amount"`
	ShortTokenAmount *uint256.Int   `json:"short_token_amount"`
	MinMarketTokens  *uint256.Int   `json:"min_market_tokens"`
	ExecutionFee     *uint256.Int   `json:"execution_fee"`
	UpdatedAtBlock   uint64         `json:"updated_at_block"`
}

func (d *DepositCreated) EventType() EventType {
	return EventTypeDepositCreated
}

func (d *DepositCreated) MarketID() *common.Address {
	return marketRef(d.Market)
}

type DepositExecuted struct {
	Key              common.Hash    `json:"key"`
	Account          common.Address `json:"account"`
	Market           common.Address `json:"market"`
	Keeper           common.Address `json:"keeper"`
	LongTokenAmount  *uint256.Int   `json:"long_token_amount"`
	ShortTokenAmount *uint256.Int   `json:"short_token_amount"`
	DepositUsd       *uint256.Int   `json:"deposit_usd"`
	MarketTokens     *uint256.Int   `json:"market_tokens"`
	ExecutionFee     *uint256.Int   `json:"execution_fee"`
	OracleBlock      uint64         `json:"oracle_block"`
}

func (d *DepositExecuted) EventType() EventType {
	return EventTypeDepositExecuted
}

func (d *DepositExecuted) MarketID() *common.Address {
	return marketRef(d.Market)
}

// DepositCancelled is emitted for owner and forced keeper cancellations.
// FeeRefunded is false when the keeper kept the execution fee.
type DepositCancelled struct {
	Key          common.Hash    `json:"key"`
	Account      common.Address `json:"account"`
	Market       common.Address `json:"market"`
	CancelledBy  common.Address `json:"cancelled_by"`
	ExecutionFee *uint256.Int   `json:"execution_fee"`
	FeeRefunded  bool           `json:"fee_refunded"`
}

func (d *DepositCancelled) EventType() EventType {
	return EventTypeDepositCancelled
}

func (d *DepositCancelled) MarketID() *common.Address {
	return marketRef(d.Market)
}
