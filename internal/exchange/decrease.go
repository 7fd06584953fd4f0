package exchange

import (
	"math/big"

	"github.com/holiman/uint256"

	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/position"
	"PerpSettle/internal/types"
)

type decreaseArgs struct {
	sizeDeltaUsd    *uint256.Int
	collateralDelta *uint256.Int
	marketPrices    market.Prices
	block           uint64

	// nil skips the adjustment check (liquidations)
	acceptableAdjustment *big.Int

	// charged on top of the position and borrowing fees
	extraFeeUsd *uint256.Int

	// a closing decrease whose losses exceed the collateral leaves the
	// shortfall to the pool instead of failing
	absorbDeficit bool
}

type decreaseResult struct {
	next            position.Position
	sizeDeltaTokens *uint256.Int
	pnl             *big.Int
	positionFee     *uint256.Int
	borrowingFee    *uint256.Int
	output          *uint256.Int
	deficit         *uint256.Int
	closed          bool
}

// decreasePosition settles a decrease of p: realized PnL against the pool of
// the collateral token, fees to the pool, the rest of the released collateral
// as output. The output stays in the market's custody for the caller to route.
func (e *Exchange) decreasePosition(m market.Market, p position.Position, args decreaseArgs) (decreaseResult, error) {
	closing := args.sizeDeltaUsd.Eq(p.SizeInUsd)
	indexPrice := args.marketPrices.IndexTokenPrice
	collateralPrice, err := args.marketPrices.PriceOfToken(m, p.CollateralToken)
	if err != nil {
		return decreaseResult{}, err
	}

	cumulative, err := e.registry.UpdateCumulativeBorrowingFactor(m.MarketToken, p.IsLong, args.block)
	if err != nil {
		return decreaseResult{}, err
	}
	borrowingFee, err := position.PendingBorrowingFee(p, cumulative)
	if err != nil {
		return decreaseResult{}, err
	}
	positionFee, err := fpmath.ApplyFactor(args.sizeDeltaUsd, e.store.GetUint(ledger.PositionFeeFactorKey))
	if err != nil {
		return decreaseResult{}, err
	}
	if err := checkUsdAdjustment(positionFee, args.acceptableAdjustment); err != nil {
		return decreaseResult{}, err
	}

	feeUsd, err := fpmath.Add(positionFee, borrowingFee)
	if err != nil {
		return decreaseResult{}, err
	}
	if args.extraFeeUsd != nil {
		if feeUsd, err = fpmath.Add(feeUsd, args.extraFeeUsd); err != nil {
			return decreaseResult{}, err
		}
	}
	feeTokens, err := fpmath.ToTokens(feeUsd, collateralPrice, fpmath.RoundUp)
	if err != nil {
		return decreaseResult{}, err
	}

	sizeDeltaTokens, err := position.SizeDeltaInTokens(p, args.sizeDeltaUsd)
	if err != nil {
		return decreaseResult{}, err
	}
	pnl, err := position.RealizedPnl(p, indexPrice, sizeDeltaTokens)
	if err != nil {
		return decreaseResult{}, err
	}

	profitTokens, lossTokens := fpmath.Zero(), fpmath.Zero()
	switch pnl.Sign() {
	case 1:
		usd, err := fpmath.ToUnsigned(pnl)
		if err != nil {
			return decreaseResult{}, err
		}
		if profitTokens, err = fpmath.ToTokens(usd, collateralPrice, fpmath.RoundDown); err != nil {
			return decreaseResult{}, err
		}
	case -1:
		usd, err := fpmath.Abs(pnl)
		if err != nil {
			return decreaseResult{}, err
		}
		if lossTokens, err = fpmath.ToTokens(usd, collateralPrice, fpmath.RoundUp); err != nil {
			return decreaseResult{}, err
		}
	}

	// fees come out of profit first, then collateral
	feeFromProfit := fpmath.Min(profitTokens, feeTokens)
	profitNet := new(uint256.Int).Sub(profitTokens, feeFromProfit)
	feeNet := new(uint256.Int).Sub(feeTokens, feeFromProfit)
	debit, err := fpmath.Add(lossTokens, feeNet)
	if err != nil {
		return decreaseResult{}, err
	}

	collateral := p.CollateralAmount
	var (
		poolGain      *uint256.Int
		deficit       = fpmath.Zero()
		output        *uint256.Int
		newCollateral = fpmath.Zero()
	)
	if closing {
		switch {
		case !collateral.Lt(debit):
			poolGain = debit
			output = new(uint256.Int).Sub(collateral, debit)
			if output, err = fpmath.Add(output, profitNet); err != nil {
				return decreaseResult{}, err
			}
		case args.absorbDeficit:
			poolGain = collateral.Clone()
			deficit = new(uint256.Int).Sub(debit, collateral)
			output = profitNet
		default:
			return decreaseResult{}, types.ErrInsufficientCollateral.Wrapf("collateral %s, losses and fees %s", collateral.Dec(), debit.Dec())
		}
	} else {
		need, err := fpmath.Add(debit, args.collateralDelta)
		if err != nil {
			return decreaseResult{}, err
		}
		if collateral.Lt(need) {
			return decreaseResult{}, types.ErrInsufficientCollateral.Wrapf("collateral %s, losses, fees and withdrawal %s", collateral.Dec(), need.Dec())
		}
		poolGain = debit
		newCollateral = new(uint256.Int).Sub(collateral, need)
		if output, err = fpmath.Add(args.collateralDelta, profitNet); err != nil {
			return decreaseResult{}, err
		}
	}

	if !profitTokens.IsZero() {
		if err := e.registry.DecreasePoolAmount(m, p.CollateralToken, profitTokens); err != nil {
			return decreaseResult{}, err
		}
	}
	gain, err := fpmath.Add(poolGain, feeFromProfit)
	if err != nil {
		return decreaseResult{}, err
	}
	if err := e.registry.IncreasePoolAmount(m, p.CollateralToken, gain); err != nil {
		return decreaseResult{}, err
	}
	if err := e.registry.DecreaseCollateralSum(m, p.CollateralToken, new(uint256.Int).Sub(collateral, newCollateral)); err != nil {
		return decreaseResult{}, err
	}
	if err := e.registry.DecreaseOpenInterest(m.MarketToken, p.IsLong, args.sizeDeltaUsd, sizeDeltaTokens); err != nil {
		return decreaseResult{}, err
	}

	next := p
	next.SizeInUsd = new(uint256.Int).Sub(p.SizeInUsd, args.sizeDeltaUsd)
	next.SizeInTokens = new(uint256.Int).Sub(p.SizeInTokens, sizeDeltaTokens)
	next.CollateralAmount = newCollateral
	next.BorrowingFactor = cumulative
	next.DecreasedAtBlock = args.block

	if !closing {
		health, err := position.Evaluate(next, collateralPrice, indexPrice, fpmath.Zero(), e.riskParams())
		if err != nil {
			return decreaseResult{}, err
		}
		if health.Liquidatable {
			return decreaseResult{}, types.ErrInsufficientCollateral.Wrapf("decrease leaves position unhealthy: %s", health.Reason)
		}
	}

	e.positions.Set(next)
	e.touch(m.MarketToken)

	return decreaseResult{
		next:            next,
		sizeDeltaTokens: sizeDeltaTokens,
		pnl:             pnl,
		positionFee:     positionFee,
		borrowingFee:    borrowingFee,
		output:          output,
		deficit:         deficit,
		closed:          closing,
	}, nil
}
