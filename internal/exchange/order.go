package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/request"
	"PerpSettle/internal/types"
)

type OrderParams struct {
	Market                       common.Address    `json:"market"`
	InitialCollateralToken       common.Address    `json:"initial_collateral_token"`
	SwapPath                     []common.Address  `json:"swap_path"`
	SizeDeltaUsd                 *uint256.Int      `json:"size_delta_usd"`
	InitialCollateralDeltaAmount *uint256.Int      `json:"initial_collateral_delta_amount"`
	AcceptablePrice              *uint256.Int      `json:"acceptable_price"`
	AcceptableUsdAdjustment      *big.Int          `json:"acceptable_usd_adjustment"`
	MinOutputAmount              *uint256.Int      `json:"min_output_amount"`
	ExecutionFee                 *uint256.Int      `json:"execution_fee"`
	NativeAmount                 *uint256.Int      `json:"native_amount"`
	OrderType                    request.OrderType `json:"order_type"`
	IsLong                       bool              `json:"is_long"`
	HasCollateralInNative        bool              `json:"has_collateral_in_native"`
}

// UpdateOrderParams are the fields an owner may change on a limit or stop order.
type UpdateOrderParams struct {
	SizeDeltaUsd            *uint256.Int `json:"size_delta_usd"`
	AcceptablePrice         *uint256.Int `json:"acceptable_price"`
	AcceptableUsdAdjustment *big.Int     `json:"acceptable_usd_adjustment"`
	MinOutputAmount         *uint256.Int `json:"min_output_amount"`
}

// escrowsCollateral reports whether creating an order of type t moves the
// initial collateral into the order vault.
func escrowsCollateral(t request.OrderType) bool {
	return t.IsIncrease() || t.IsSwap()
}

// CreateOrder validates and stores an order. Increase and swap orders escrow
// their initial collateral next to the execution fee.
func (e *Exchange) CreateOrder(account common.Address, p OrderParams) (common.Hash, error) {
	var key common.Hash
	err := e.atomic("CreateOrder", func() error {
		if !p.OrderType.Valid() || p.OrderType == request.Liquidation {
			return types.ErrInvalidOrderType.Wrapf("%s cannot be created", p.OrderType)
		}
		if _, err := e.registry.Get(p.Market); err != nil {
			return err
		}
		for _, hop := range p.SwapPath {
			if !e.registry.Exists(hop) {
				return types.ErrInvalidSwapPath.Wrapf("market %s not found", hop.Hex())
			}
		}
		if p.OrderType.IsSwap() && len(p.SwapPath) == 0 {
			return types.ErrInvalidSwapPath.Wrap("swap order without a path")
		}

		fee := orZero(p.ExecutionFee)
		collateral := orZero(p.InitialCollateralDeltaAmount)
		nativeAmount := orZero(p.NativeAmount)

		feeToken, err := e.escrowOrder(account, p, fee, collateral, nativeAmount)
		if err != nil {
			return err
		}

		key, err = e.nextKey(request.KindOrder)
		if err != nil {
			return err
		}

		adjustment := new(big.Int)
		if p.AcceptableUsdAdjustment != nil {
			if err := fpmath.CheckInt256(p.AcceptableUsdAdjustment); err != nil {
				return err
			}
			adjustment.Set(p.AcceptableUsdAdjustment)
		}

		o := request.Order{
			Key:                          key,
			Account:                      account,
			Market:                       p.Market,
			InitialCollateralToken:       p.InitialCollateralToken,
			SwapPath:                     append([]common.Address(nil), p.SwapPath...),
			SizeDeltaUsd:                 orZero(p.SizeDeltaUsd),
			InitialCollateralDeltaAmount: collateral,
			AcceptablePrice:              orZero(p.AcceptablePrice),
			AcceptableUsdAdjustment:      adjustment,
			MinOutputAmount:              orZero(p.MinOutputAmount),
			ExecutionFee:                 fee,
			FeeToken:                     feeToken,
			OrderType:                    p.OrderType,
			IsLong:                       p.IsLong,
			HasCollateralInNative:        p.HasCollateralInNative,
			UpdatedAtBlock:               e.chain.BlockNumber(),
		}
		e.orders.Set(key, o)

		e.emit(&event.OrderCreated{
			Key:                          key,
			Account:                      account,
			Market:                       o.Market,
			OrderType:                    o.OrderType.String(),
			IsLong:                       o.IsLong,
			InitialCollateralToken:       o.InitialCollateralToken,
			SwapPath:                     o.SwapPath,
			SizeDeltaUsd:                 o.SizeDeltaUsd,
			InitialCollateralDeltaAmount: o.InitialCollateralDeltaAmount,
			AcceptablePrice:              o.AcceptablePrice,
			ExecutionFee:                 fee,
			UpdatedAtBlock:               o.UpdatedAtBlock,
		})
		return nil
	})
	return key, err
}

// escrowOrder moves the fee and, for increase and swap orders, the initial
// collateral into the order vault, and returns the fee token. Collateral sent
// in the native token is attached together with the fee.
func (e *Exchange) escrowOrder(account common.Address, p OrderParams, fee, collateral, nativeAmount *uint256.Int) (common.Address, error) {
	if !p.HasCollateralInNative || !escrowsCollateral(p.OrderType) {
		feeToken, err := e.escrowExecutionFee(account, ledger.OrderVault, fee, nativeAmount)
		if err != nil {
			return common.Address{}, err
		}
		if escrowsCollateral(p.OrderType) {
			return feeToken, e.transfer(p.InitialCollateralToken, account, ledger.OrderVault, collateral)
		}
		return feeToken, nil
	}

	native := e.nativeToken()
	if native == (common.Address{}) || p.InitialCollateralToken != native {
		return common.Address{}, types.ErrInvalidFeeAmount.Wrapf("native collateral requires collateral token %s", native.Hex())
	}
	expected, err := fpmath.Add(fee, collateral)
	if err != nil {
		return common.Address{}, err
	}
	if !nativeAmount.Eq(expected) {
		return common.Address{}, types.ErrInvalidFeeAmount.Wrapf("native amount %s, fee + collateral %s", nativeAmount.Dec(), expected.Dec())
	}
	return native, e.transfer(native, account, ledger.OrderVault, nativeAmount)
}

// UpdateOrder edits a pending limit or stop order and refreshes its block.
// Only the owner may update.
func (e *Exchange) UpdateOrder(caller common.Address, key common.Hash, p UpdateOrderParams) error {
	return e.atomic("UpdateOrder", func() error {
		o, ok := e.orders.Get(key)
		if !ok {
			return types.ErrRequestNotFound.Wrapf("order %s", key.Hex())
		}
		if caller != o.Account {
			return types.ErrUnauthorized.Wrapf("%s does not own order %s", caller.Hex(), key.Hex())
		}
		if !o.OrderType.IsUpdatable() {
			return types.ErrOrderNotUpdatable.Wrapf("%s", o.OrderType)
		}

		adjustment := new(big.Int)
		if p.AcceptableUsdAdjustment != nil {
			if err := fpmath.CheckInt256(p.AcceptableUsdAdjustment); err != nil {
				return err
			}
			adjustment.Set(p.AcceptableUsdAdjustment)
		}

		o.SizeDeltaUsd = orZero(p.SizeDeltaUsd)
		o.AcceptablePrice = orZero(p.AcceptablePrice)
		o.AcceptableUsdAdjustment = adjustment
		o.MinOutputAmount = orZero(p.MinOutputAmount)
		o.UpdatedAtBlock = e.chain.BlockNumber()
		e.orders.Set(key, o)

		e.emit(&event.OrderUpdated{
			Key:                     key,
			Account:                 o.Account,
			Market:                  o.Market,
			SizeDeltaUsd:            o.SizeDeltaUsd,
			AcceptablePrice:         o.AcceptablePrice,
			AcceptableUsdAdjustment: new(big.Int).Set(adjustment),
			MinOutputAmount:         o.MinOutputAmount,
			UpdatedAtBlock:          o.UpdatedAtBlock,
		})
		return nil
	})
}

// CancelOrder returns every escrowed amount to the owner. A forced keeper
// cancellation keeps the execution fee. Prices and pools are never touched.
func (e *Exchange) CancelOrder(caller common.Address, key common.Hash) error {
	return e.atomic("CancelOrder", func() error {
		o, ok := e.orders.Get(key)
		if !ok {
			return types.ErrRequestNotFound.Wrapf("order %s", key.Hex())
		}
		forced, err := e.authorizeCancel(caller, o.Account, o.UpdatedAtBlock)
		if err != nil {
			return err
		}

		if escrowsCollateral(o.OrderType) {
			if err := e.transfer(o.InitialCollateralToken, ledger.OrderVault, o.Account, o.InitialCollateralDeltaAmount); err != nil {
				return err
			}
		}
		if err := e.settleCancelledFee(ledger.OrderVault, caller, o.Account, o.FeeToken, o.ExecutionFee, forced); err != nil {
			return err
		}
		e.orders.Remove(key)

		e.emit(&event.OrderCancelled{
			Key:          key,
			Account:      o.Account,
			Market:       o.Market,
			CancelledBy:  caller,
			ExecutionFee: o.ExecutionFee,
			FeeRefunded:  !forced,
		})
		return nil
	})
}
