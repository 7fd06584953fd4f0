package market

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/types"
)

// PriceSource resolves a token price (USD per smallest unit, 1e30 scale).
type PriceSource interface {
	PriceOf(token common.Address) (*uint256.Int, error)
}

// Prices are the three prices a market needs.
type Prices struct {
	IndexTokenPrice *uint256.Int
	LongTokenPrice  *uint256.Int
	ShortTokenPrice *uint256.Int
}

// PricesOf resolves the prices of m from source.
func PricesOf(m Market, source PriceSource) (Prices, error) {
	index, err := source.PriceOf(m.IndexToken)
	if err != nil {
		return Prices{}, err
	}
	long, err := source.PriceOf(m.LongToken)
	if err != nil {
		return Prices{}, err
	}
	short, err := source.PriceOf(m.ShortToken)
	if err != nil {
		return Prices{}, err
	}
	return Prices{IndexTokenPrice: index, LongTokenPrice: long, ShortTokenPrice: short}, nil
}

// PoolState is a read-only copy of the pool counters of one market.
type PoolState struct {
	LongTokenAmount           *uint256.Int
	ShortTokenAmount          *uint256.Int
	LongOpenInterest          *uint256.Int
	ShortOpenInterest         *uint256.Int
	LongOpenInterestInTokens  *uint256.Int
	ShortOpenInterestInTokens *uint256.Int
}

// NetPnl is the aggregate unrealized PnL of traders on one side at indexPrice.
// Longs gain when tokens*price exceeds the entry USD, shorts the reverse.
func NetPnl(state PoolState, indexPrice *uint256.Int, isLong bool) (*big.Int, error) {
	var (
		openInterest = state.ShortOpenInterest
		inTokens     = state.ShortOpenInterestInTokens
	)
	if isLong {
		openInterest = state.LongOpenInterest
		inTokens = state.LongOpenInterestInTokens
	}

	current, err := fpmath.Mul(inTokens, indexPrice)
	if err != nil {
		return nil, err
	}

	pnl := new(big.Int).Sub(current.ToBig(), openInterest.ToBig())
	if !isLong {
		pnl.Neg(pnl)
	}
	if err := fpmath.CheckInt256(pnl); err != nil {
		return nil, err
	}
	return pnl, nil
}

// PoolValue is the USD value of the pool tokens minus what traders are owed:
// trader profit is a liability of the pool, trader loss an asset.
func PoolValue(state PoolState, prices Prices) (*uint256.Int, error) {
	longUsd, err := fpmath.Mul(state.LongTokenAmount, prices.LongTokenPrice)
	if err != nil {
		return nil, err
	}
	shortUsd, err := fpmath.Mul(state.ShortTokenAmount, prices.ShortTokenPrice)
	if err != nil {
		return nil, err
	}
	value, err := fpmath.Add(longUsd, shortUsd)
	if err != nil {
		return nil, err
	}

	longPnl, err := NetPnl(state, prices.IndexTokenPrice, true)
	if err != nil {
		return nil, err
	}
	shortPnl, err := NetPnl(state, prices.IndexTokenPrice, false)
	if err != nil {
		return nil, err
	}

	result := new(big.Int).Sub(value.ToBig(), longPnl)
	result.Sub(result, shortPnl)
	if result.Sign() < 0 {
		return nil, types.ErrInvalidPoolValue.Wrapf("pool value %s is negative", result.String())
	}
	return fpmath.ToUnsigned(result)
}

// MarketTokensToMint converts a deposit into market tokens. An empty market mints
// at 1 USD per token.
func MarketTokensToMint(depositUsd, poolValue, supply *uint256.Int) (*uint256.Int, error) {
	if supply.IsZero() {
		return fpmath.Div(depositUsd, fpmath.MarketTokenSeedDivisor, fpmath.RoundDown)
	}
	if poolValue.IsZero() {
		return nil, types.ErrInvalidPoolValue.Wrapf("zero pool value with supply %s", supply.Dec())
	}
	return fpmath.MulDiv(depositUsd, supply, poolValue, fpmath.RoundDown)
}

// MarketTokensToUsd is the USD claim of marketTokens on the pool.
func MarketTokensToUsd(marketTokens, poolValue, supply *uint256.Int) (*uint256.Int, error) {
	if supply.IsZero() {
		return nil, types.ErrInvalidPoolValue.Wrap("market token supply is zero")
	}
	return fpmath.MulDiv(marketTokens, poolValue, supply, fpmath.RoundDown)
}

// ValidateReserve checks that the pool of the side's collateral token, scaled by
// the reserve factor, still covers that side's open interest.
func ValidateReserve(m Market, state PoolState, prices Prices, reserveFactor *uint256.Int, isLong bool) error {
	var (
		poolAmount   = state.ShortTokenAmount
		price        = prices.ShortTokenPrice
		openInterest = state.ShortOpenInterest
	)
	if isLong {
		poolAmount = state.LongTokenAmount
		price = prices.LongTokenPrice
		openInterest = state.LongOpenInterest
	}

	poolUsd, err := fpmath.Mul(poolAmount, price)
	if err != nil {
		return err
	}
	reserved, err := fpmath.ApplyFactor(poolUsd, reserveFactor)
	if err != nil {
		return err
	}
	if reserved.Lt(openInterest) {
		return types.ErrInsufficientReserve.Wrapf("market %s long=%t: reserve %s < open interest %s",
			m.MarketToken.Hex(), isLong, reserved.Dec(), openInterest.Dec())
	}
	return nil
}

// SwapOutput quotes a swap of amountIn of tokenIn priced priceIn into a token
// priced priceOut. The fee is taken in tokenIn and stays in the pool.
func SwapOutput(amountIn, priceIn, priceOut, feeFactor *uint256.Int) (amountOut, fee *uint256.Int, err error) {
	if priceIn.IsZero() || priceOut.IsZero() {
		return nil, nil, types.ErrInvalidPrice.Wrap("zero swap price")
	}

	fee, err = fpmath.ApplyFactor(amountIn, feeFactor)
	if err != nil {
		return nil, nil, err
	}
	net, err := fpmath.Sub(amountIn, fee)
	if err != nil {
		return nil, nil, err
	}
	amountOut, err = fpmath.MulDiv(net, priceIn, priceOut, fpmath.RoundDown)
	if err != nil {
		return nil, nil, err
	}
	return amountOut, fee, nil
}

// PriceOfToken picks the price of one of the market's collateral tokens.
func (p Prices) PriceOfToken(m Market, token common.Address) (*uint256.Int, error) {
	switch token {
	case m.LongToken:
		return p.LongTokenPrice, nil
	case m.ShortToken:
		return p.ShortTokenPrice, nil
	default:
		return nil, types.ErrInvalidToken.Wrapf("%s not in market %s", token.Hex(), m.MarketToken.Hex())
	}
}
