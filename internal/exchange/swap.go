package exchange

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/types"
)

// swapAlong routes amountIn of tokenIn held by from through each market of
// path and delivers the output to receiver. Each hop swaps into the other
// collateral token of its market; the swap fee stays in that market's pool.
// With an empty path the tokens move from from to receiver unchanged.
func (e *Exchange) swapAlong(
	orderKey common.Hash,
	prices *oracle.ValidatedPrices,
	tokenIn common.Address,
	amountIn *uint256.Int,
	path []common.Address,
	from, receiver common.Address,
) (common.Address, *uint256.Int, error) {
	holder := from
	token, amount := tokenIn, amountIn.Clone()
	feeFactor := e.store.GetUint(ledger.SwapFeeFactorKey)

	for _, marketToken := range path {
		m, err := e.registry.Get(marketToken)
		if err != nil {
			return common.Address{}, nil, types.ErrInvalidSwapPath.Wrapf("hop %s: %s", marketToken.Hex(), err)
		}
		tokenOut, err := m.OtherToken(token)
		if err != nil {
			return common.Address{}, nil, types.ErrInvalidSwapPath.Wrapf("hop %s: %s", marketToken.Hex(), err)
		}

		marketPrices, err := market.PricesOf(m, prices)
		if err != nil {
			return common.Address{}, nil, err
		}
		priceIn, err := marketPrices.PriceOfToken(m, token)
		if err != nil {
			return common.Address{}, nil, err
		}
		priceOut, err := marketPrices.PriceOfToken(m, tokenOut)
		if err != nil {
			return common.Address{}, nil, err
		}

		amountOut, fee, err := market.SwapOutput(amount, priceIn, priceOut, feeFactor)
		if err != nil {
			return common.Address{}, nil, err
		}

		if err := e.transfer(token, holder, m.MarketToken, amount); err != nil {
			return common.Address{}, nil, err
		}
		if err := e.registry.IncreasePoolAmount(m, token, amount); err != nil {
			return common.Address{}, nil, err
		}
		if err := e.registry.DecreasePoolAmount(m, tokenOut, amountOut); err != nil {
			return common.Address{}, nil, err
		}
		isLongSide := tokenOut == m.LongToken
		if err := market.ValidateReserve(m, e.registry.State(m), marketPrices, e.registry.ReserveFactor(m.MarketToken), isLongSide); err != nil {
			return common.Address{}, nil, err
		}
		e.touch(m.MarketToken)

		e.emit(&event.SwapExecuted{
			OrderKey:  orderKey,
			Market:    m.MarketToken,
			TokenIn:   token,
			TokenOut:  tokenOut,
			AmountIn:  amount,
			AmountOut: amountOut,
			FeeAmount: fee,
		})

		holder = m.MarketToken
		token, amount = tokenOut, amountOut
	}

	if err := e.transfer(token, holder, receiver, amount); err != nil {
		return common.Address{}, nil, err
	}
	return token, amount, nil
}
