package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type WithdrawalCreated struct {
	Key                     common.Hash    `json:"key"`
	Account                 common.Address `json:"account"`
	Market                  common.Address `json:"market"`
	MarketTokensLongAmount  *uint256.Int   `json:"market_tokens_long_amount"`
	MarketTokensShortAmount *uint256.Int   `json:"market_tokens_short_amount"`
	ExecutionFee            *uint256.Int   `json:"execution_fee"`
	UpdatedAtBlock          uint64         `json:"updated_at_block"`
}

func (w *WithdrawalCreated) EventType() EventType {
	return EventTypeWithdrawalCreated
}

func (w *WithdrawalCreated) MarketID() *common.Address {
	return marketRef(w.Market)
}

type WithdrawalExecuted struct {
	Key               common.Hash    `json:"key"`
	Account           common.Address `json:"account"`
	Market            common.Address `json:"market"`
	Keeper            common.Address `json:"keeper"`
	MarketTokensBurnt *uint256.Int   `json:"market_tokens_burnt"`
	LongTokenAmount   *uint256.Int   `json:"long_token_amount"`
	ShortTokenAmount  *uint256.Int   `json:"short_token_amount"`
	ExecutionFee      *uint256.Int   `json:"execution_fee"`
	OracleBlock       uint64         `json:"oracle_block"`
}

func (w *WithdrawalExecuted) EventType() EventType {
	return EventTypeWithdrawalExecuted
}

func (w *WithdrawalExecuted) MarketID() *common.Address {
	return marketRef(w.Market)
}

type WithdrawalCancelled struct {
	Key          common.Hash    `json:"key"`
	Account      common.Address `json:"account"`
	Market       common.Address `json:"market"`
	CancelledBy  common.Address `json:"cancelled_by"`
	ExecutionFee *uint256.Int   `json:"execution_fee"`
	FeeRefunded  bool           `json:"fee_refunded"`
}

func (w *WithdrawalCancelled) EventType() EventType {
	return EventTypeWithdrawalCancelled
}

func (w *WithdrawalCancelled) MarketID() *common.Address {
	return marketRef(w.Market)
}
