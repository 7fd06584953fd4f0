package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/position"
	"PerpSettle/internal/request"
	"PerpSettle/internal/types"
)

func gasKindOf(t request.OrderType) string {
	switch {
	case t.IsIncrease():
		return ledger.GasKindIncrease
	case t.IsDecrease():
		return ledger.GasKindDecrease
	default:
		return ledger.GasKindSwap
	}
}

// ExecuteOrder executes a pending order against the price-set bound to its
// block. Requires ORDER_KEEPER. On failure the order stays pending.
func (e *Exchange) ExecuteOrder(keeper common.Address, key common.Hash, ps *oracle.PriceSet) error {
	return e.atomic("ExecuteOrder", func() error {
		if err := e.requireRole(keeper, types.RoleOrderKeeper); err != nil {
			return err
		}
		o, ok := e.orders.Get(key)
		if !ok {
			return types.ErrRequestNotFound.Wrapf("order %s", key.Hex())
		}

		prices, err := e.gateway.ValidateAt(ps, o.UpdatedAtBlock)
		if err != nil {
			return err
		}
		if err := e.guard.ValidateExecutionFee(gasKindOf(o.OrderType), len(o.SwapPath), o.ExecutionFee); err != nil {
			return err
		}

		switch {
		case o.OrderType.IsIncrease():
			err = e.executeIncrease(o, prices)
		case o.OrderType.IsDecrease():
			err = e.executeDecrease(o, prices)
		case o.OrderType.IsSwap():
			err = e.executeSwap(o, prices)
		default:
			err = types.ErrInvalidOrderType.Wrapf("%s", o.OrderType)
		}
		if err != nil {
			return err
		}

		if err := e.payExecutionFee(ledger.OrderVault, keeper, o.FeeToken, o.ExecutionFee); err != nil {
			return err
		}
		e.orders.Remove(key)

		e.emit(&event.OrderExecuted{
			Key:          key,
			Account:      o.Account,
			Market:       o.Market,
			OrderType:    o.OrderType.String(),
			Keeper:       keeper,
			ExecutionFee: o.ExecutionFee,
			OracleBlock:  prices.BlockNumber(),
		})
		return nil
	})
}

// priceAcceptable checks the index price against the order bound. Increases
// buy (longs want a lower price), decreases sell (longs want a higher price),
// and stop-losses trigger once the price has moved against the position.
func priceAcceptable(t request.OrderType, isLong bool, price, bound *uint256.Int) bool {
	switch {
	case t.IsIncrease():
		if isLong {
			return !price.Gt(bound)
		}
		return !price.Lt(bound)
	case t == request.StopLossDecrease:
		if isLong {
			return !price.Gt(bound)
		}
		return !price.Lt(bound)
	default:
		if isLong {
			return !price.Lt(bound)
		}
		return !price.Gt(bound)
	}
}

// checkUsdAdjustment requires the USD adjustment applied to the trader, the
// negated position fee, to be at least the order's acceptable adjustment.
func checkUsdAdjustment(positionFee *uint256.Int, acceptable *big.Int) error {
	if acceptable == nil {
		return nil
	}
	adjustment := new(big.Int).Neg(positionFee.ToBig())
	if adjustment.Cmp(acceptable) < 0 {
		return types.ErrUsdAdjustmentNotAccepted.Wrapf("adjustment %s, acceptable %s", adjustment.String(), acceptable.String())
	}
	return nil
}

func (e *Exchange) riskParams() position.RiskParams {
	maxLeverage := e.store.GetUint(ledger.MaxLeverageKey)
	if maxLeverage.IsZero() {
		maxLeverage = new(uint256.Int).SetAllOne()
	}
	return position.RiskParams{
		MaxLeverage:      maxLeverage,
		MinCollateralUsd: e.store.GetUint(ledger.MinCollateralUsdKey),
	}
}

func (e *Exchange) executeIncrease(o request.Order, prices *oracle.ValidatedPrices) error {
	m, err := e.registry.Get(o.Market)
	if err != nil {
		return err
	}

	collateralToken, collateralDelta, err := e.swapAlong(o.Key, prices, o.InitialCollateralToken,
		o.InitialCollateralDeltaAmount, o.SwapPath, ledger.OrderVault, m.MarketToken)
	if err != nil {
		return err
	}
	if len(o.SwapPath) > 0 && collateralDelta.Lt(o.MinOutputAmount) {
		return types.ErrInsufficientSwapOutput.Wrapf("output %s, minimum %s", collateralDelta.Dec(), o.MinOutputAmount.Dec())
	}
	if !m.HasToken(collateralToken) {
		return types.ErrInvalidCollateralToken.Wrapf("%s not in market %s", collateralToken.Hex(), m.MarketToken.Hex())
	}

	marketPrices, err := market.PricesOf(m, prices)
	if err != nil {
		return err
	}
	indexPrice := marketPrices.IndexTokenPrice
	if !priceAcceptable(o.OrderType, o.IsLong, indexPrice, o.AcceptablePrice) {
		return types.ErrOrderPriceNotAcceptable.Wrapf("price %s, acceptable %s", indexPrice.Dec(), o.AcceptablePrice.Dec())
	}
	collateralPrice, err := marketPrices.PriceOfToken(m, collateralToken)
	if err != nil {
		return err
	}

	key := position.Key{Account: o.Account, Market: m.MarketToken, CollateralToken: collateralToken, IsLong: o.IsLong}
	current, ok := e.positions.Get(key)
	if !ok {
		current = position.New(key)
	}

	block := prices.BlockNumber()
	cumulative, err := e.registry.UpdateCumulativeBorrowingFactor(m.MarketToken, o.IsLong, block)
	if err != nil {
		return err
	}
	borrowingFee, err := position.PendingBorrowingFee(current, cumulative)
	if err != nil {
		return err
	}
	positionFee, err := fpmath.ApplyFactor(o.SizeDeltaUsd, e.store.GetUint(ledger.PositionFeeFactorKey))
	if err != nil {
		return err
	}
	if err := checkUsdAdjustment(positionFee, o.AcceptableUsdAdjustment); err != nil {
		return err
	}

	feeUsd, err := fpmath.Add(positionFee, borrowingFee)
	if err != nil {
		return err
	}
	feeTokens, err := fpmath.ToTokens(feeUsd, collateralPrice, fpmath.RoundUp)
	if err != nil {
		return err
	}
	collateral, err := fpmath.Add(current.CollateralAmount, collateralDelta)
	if err != nil {
		return err
	}
	if collateral.Lt(feeTokens) {
		return types.ErrInsufficientCollateral.Wrapf("collateral %s cannot cover fees %s", collateral.Dec(), feeTokens.Dec())
	}
	collateral = new(uint256.Int).Sub(collateral, feeTokens)

	if err := e.registry.IncreaseCollateralSum(m, collateralToken, collateralDelta); err != nil {
		return err
	}
	if err := e.registry.DecreaseCollateralSum(m, collateralToken, feeTokens); err != nil {
		return err
	}
	if err := e.registry.IncreasePoolAmount(m, collateralToken, feeTokens); err != nil {
		return err
	}

	mode := fpmath.RoundUp
	if o.IsLong {
		mode = fpmath.RoundDown
	}
	sizeDeltaTokens, err := fpmath.ToTokens(o.SizeDeltaUsd, indexPrice, mode)
	if err != nil {
		return err
	}

	next := current
	if next.SizeInUsd, err = fpmath.Add(current.SizeInUsd, o.SizeDeltaUsd); err != nil {
		return err
	}
	if next.SizeInTokens, err = fpmath.Add(current.SizeInTokens, sizeDeltaTokens); err != nil {
		return err
	}
	next.CollateralAmount = collateral
	next.BorrowingFactor = cumulative
	next.IncreasedAtBlock = block
	if next.IsEmpty() {
		return types.ErrInvalidAmount.Wrap("increase leaves a position without size")
	}

	if err := e.registry.IncreaseOpenInterest(m.MarketToken, o.IsLong, o.SizeDeltaUsd, sizeDeltaTokens); err != nil {
		return err
	}
	if err := market.ValidateReserve(m, e.registry.State(m), marketPrices, e.registry.ReserveFactor(m.MarketToken), o.IsLong); err != nil {
		return err
	}

	health, err := position.Evaluate(next, collateralPrice, indexPrice, fpmath.Zero(), e.riskParams())
	if err != nil {
		return err
	}
	if err := position.ValidateHealth(health); err != nil {
		return err
	}

	e.positions.Set(next)
	e.touch(m.MarketToken)

	e.emit(&event.PositionIncreased{
		PositionKey:      key.Hash(),
		OrderKey:         o.Key,
		Account:          o.Account,
		Market:           m.MarketToken,
		CollateralToken:  collateralToken,
		IsLong:           o.IsLong,
		ExecutionPrice:   indexPrice,
		SizeDeltaUsd:     o.SizeDeltaUsd,
		SizeDeltaTokens:  sizeDeltaTokens,
		CollateralDelta:  collateralDelta,
		PositionFee:      positionFee,
		BorrowingFee:     borrowingFee,
		SizeInUsd:        next.SizeInUsd,
		SizeInTokens:     next.SizeInTokens,
		CollateralAmount: next.CollateralAmount,
	})
	return nil
}

func (e *Exchange) executeDecrease(o request.Order, prices *oracle.ValidatedPrices) error {
	m, err := e.registry.Get(o.Market)
	if err != nil {
		return err
	}

	key := position.Key{Account: o.Account, Market: m.MarketToken, CollateralToken: o.InitialCollateralToken, IsLong: o.IsLong}
	current, ok := e.positions.Get(key)
	if !ok {
		return types.ErrEmptyPosition.Wrapf("position %s", key.Hash().Hex())
	}
	if o.SizeDeltaUsd.Gt(current.SizeInUsd) {
		return types.ErrInvalidDecreaseSize.Wrapf("size delta %s, position size %s", o.SizeDeltaUsd.Dec(), current.SizeInUsd.Dec())
	}

	marketPrices, err := market.PricesOf(m, prices)
	if err != nil {
		return err
	}
	indexPrice := marketPrices.IndexTokenPrice
	if !priceAcceptable(o.OrderType, o.IsLong, indexPrice, o.AcceptablePrice) {
		return types.ErrOrderPriceNotAcceptable.Wrapf("%s: price %s, bound %s", o.OrderType, indexPrice.Dec(), o.AcceptablePrice.Dec())
	}

	res, err := e.decreasePosition(m, current, decreaseArgs{
		sizeDeltaUsd:         o.SizeDeltaUsd,
		collateralDelta:      o.InitialCollateralDeltaAmount,
		marketPrices:         marketPrices,
		block:                prices.BlockNumber(),
		acceptableAdjustment: o.AcceptableUsdAdjustment,
	})
	if err != nil {
		return err
	}

	outToken, outAmount, err := e.swapAlong(o.Key, prices, current.CollateralToken, res.output, o.SwapPath, m.MarketToken, o.Account)
	if err != nil {
		return err
	}
	if outAmount.Lt(o.MinOutputAmount) {
		return types.ErrInsufficientSwapOutput.Wrapf("output %s, minimum %s", outAmount.Dec(), o.MinOutputAmount.Dec())
	}

	e.emit(&event.PositionDecreased{
		PositionKey:      key.Hash(),
		OrderKey:         o.Key,
		Account:          o.Account,
		Market:           m.MarketToken,
		CollateralToken:  current.CollateralToken,
		IsLong:           o.IsLong,
		ExecutionPrice:   indexPrice,
		SizeDeltaUsd:     o.SizeDeltaUsd,
		SizeDeltaTokens:  res.sizeDeltaTokens,
		RealizedPnlUsd:   res.pnl,
		PositionFee:      res.positionFee,
		BorrowingFee:     res.borrowingFee,
		OutputAmount:     outAmount,
		OutputToken:      outToken,
		SizeInUsd:        res.next.SizeInUsd,
		CollateralAmount: res.next.CollateralAmount,
		Closed:           res.closed,
	})
	return nil
}

func (e *Exchange) executeSwap(o request.Order, prices *oracle.ValidatedPrices) error {
	_, amountOut, err := e.swapAlong(o.Key, prices, o.InitialCollateralToken, o.InitialCollateralDeltaAmount,
		o.SwapPath, ledger.OrderVault, o.Account)
	if err != nil {
		return err
	}
	if amountOut.Lt(o.MinOutputAmount) {
		return types.ErrInsufficientSwapOutput.Wrapf("output %s, minimum %s", amountOut.Dec(), o.MinOutputAmount.Dec())
	}
	return nil
}
