package exchange

import (
	"github.com/ethereum/go-ethereum/common"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/position"
	"PerpSettle/internal/types"
)

// LiquidatePosition force-closes an unhealthy position. Requires
// LIQUIDATION_KEEPER. The price-set must pass the oracle window and must not
// predate the position's last increase or decrease.
func (e *Exchange) LiquidatePosition(keeper common.Address, positionKey common.Hash, ps *oracle.PriceSet) error {
	return e.atomic("LiquidatePosition", func() error {
		if err := e.requireRole(keeper, types.RoleLiquidationKeeper); err != nil {
			return err
		}
		p, ok := e.positions.GetByHash(positionKey)
		if !ok {
			return types.ErrEmptyPosition.Wrapf("position %s", positionKey.Hex())
		}

		prices, err := e.gateway.Validate(ps)
		if err != nil {
			return err
		}
		if floor := max(p.IncreasedAtBlock, p.DecreasedAtBlock); prices.BlockNumber() < floor {
			return types.ErrOracleBlockMismatch.Wrapf("price block %d before position update at %d", prices.BlockNumber(), floor)
		}
		m, err := e.registry.Get(p.Market)
		if err != nil {
			return err
		}
		marketPrices, err := market.PricesOf(m, prices)
		if err != nil {
			return err
		}

		health, err := e.healthOf(m, p, marketPrices, prices.BlockNumber())
		if err != nil {
			return err
		}
		if !health.Liquidatable {
			return types.ErrNotLiquidatable.Wrapf("position %s: remaining collateral %s", positionKey.Hex(), health.Remaining.String())
		}

		liquidationFee, err := fpmath.ApplyFactor(p.SizeInUsd, e.store.GetUint(ledger.LiquidationFeeFactorKey))
		if err != nil {
			return err
		}
		res, err := e.decreasePosition(m, p, decreaseArgs{
			sizeDeltaUsd:    p.SizeInUsd,
			collateralDelta: fpmath.Zero(),
			marketPrices:    marketPrices,
			block:           prices.BlockNumber(),
			extraFeeUsd:     liquidationFee,
			absorbDeficit:   true,
		})
		if err != nil {
			return err
		}
		if err := e.transfer(p.CollateralToken, m.MarketToken, p.Account, res.output); err != nil {
			return err
		}

		if e.metrics != nil {
			e.metrics.Liquidations.WithLabelValues(m.MarketToken.Hex(), health.Reason).Inc()
			if !res.deficit.IsZero() {
				e.metrics.LiquidationDebt.WithLabelValues(m.MarketToken.Hex()).Inc()
			}
		}
		e.logger.Info().
			Str("position", positionKey.Hex()).
			Str("account", p.Account.Hex()).
			Str("reason", health.Reason).
			Str("deficit", res.deficit.Dec()).
			Msg("position liquidated")

		e.emit(&event.PositionLiquidated{
			PositionKey:     positionKey,
			Account:         p.Account,
			Market:          m.MarketToken,
			CollateralToken: p.CollateralToken,
			IsLong:          p.IsLong,
			Keeper:          keeper,
			Reason:          health.Reason,
			IndexPrice:      marketPrices.IndexTokenPrice,
			SizeInUsd:       p.SizeInUsd,
			PnlUsd:          res.pnl,
			LiquidationFee:  liquidationFee,
			Deficit:         res.deficit,
			Refund:          res.output,
			OracleBlock:     prices.BlockNumber(),
		})
		return nil
	})
}

// healthOf evaluates p with the borrowing fee accrued to block and the fee of
// closing it.
func (e *Exchange) healthOf(m market.Market, p position.Position, prices market.Prices, block uint64) (position.Health, error) {
	collateralPrice, err := prices.PriceOfToken(m, p.CollateralToken)
	if err != nil {
		return position.Health{}, err
	}
	cumulative, err := e.registry.CumulativeBorrowingFactor(m.MarketToken, p.IsLong, block)
	if err != nil {
		return position.Health{}, err
	}
	borrowingFee, err := position.PendingBorrowingFee(p, cumulative)
	if err != nil {
		return position.Health{}, err
	}
	closingFee, err := fpmath.ApplyFactor(p.SizeInUsd, e.store.GetUint(ledger.PositionFeeFactorKey))
	if err != nil {
		return position.Health{}, err
	}
	pending, err := fpmath.Add(borrowingFee, closingFee)
	if err != nil {
		return position.Health{}, err
	}
	return position.Evaluate(p, collateralPrice, prices.IndexTokenPrice, pending, e.riskParams())
}

// PositionHealth evaluates a position at already validated prices without
// mutating state. Used by liquidation keepers to pick candidates.
func (e *Exchange) PositionHealth(positionKey common.Hash, prices market.PriceSource, block uint64) (position.Health, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.positions.GetByHash(positionKey)
	if !ok {
		return position.Health{}, types.ErrEmptyPosition.Wrapf("position %s", positionKey.Hex())
	}
	m, err := e.registry.Get(p.Market)
	if err != nil {
		return position.Health{}, err
	}
	marketPrices, err := market.PricesOf(m, prices)
	if err != nil {
		return position.Health{}, err
	}
	return e.healthOf(m, p, marketPrices, block)
}
