package position

import (
	"math/big"

	"github.com/holiman/uint256"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/types"
)

// RiskParams are the solvency thresholds applied to every position.
type RiskParams struct {
	MaxLeverage      *uint256.Int // 1e30 scale: 100x = 100e30
	MinCollateralUsd *uint256.Int
}

// Reasons a position is unhealthy.
const (
	ReasonCollateralExhausted = "collateral exhausted"
	ReasonMinCollateral       = "below min collateral"
	ReasonMaxLeverage         = "max leverage exceeded"
)

// Health is the solvency breakdown of a position at a set of prices.
type Health struct {
	CollateralUsd *uint256.Int
	PnlUsd        *big.Int
	PendingFees   *uint256.Int
	Remaining     *big.Int // CollateralUsd + PnlUsd - PendingFees
	Liquidatable  bool
	Reason        string
}

// PnlUsd is the unrealized PnL of the whole position at indexPrice.
func PnlUsd(p Position, indexPrice *uint256.Int) (*big.Int, error) {
	current, err := fpmath.Mul(p.SizeInTokens, indexPrice)
	if err != nil {
		return nil, err
	}
	pnl := new(big.Int).Sub(current.ToBig(), p.SizeInUsd.ToBig())
	if !p.IsLong {
		pnl.Neg(pnl)
	}
	if err := fpmath.CheckInt256(pnl); err != nil {
		return nil, err
	}
	return pnl, nil
}

// SizeDeltaInTokens is the share of SizeInTokens closed by sizeDeltaUsd.
// Longs round up, shorts round down.
func SizeDeltaInTokens(p Position, sizeDeltaUsd *uint256.Int) (*uint256.Int, error) {
	if sizeDeltaUsd.Eq(p.SizeInUsd) {
		return p.SizeInTokens.Clone(), nil
	}
	mode := fpmath.RoundDown
	if p.IsLong {
		mode = fpmath.RoundUp
	}
	return fpmath.MulDiv(p.SizeInTokens, sizeDeltaUsd, p.SizeInUsd, mode)
}

// RealizedPnl is the part of the position PnL realized by closing sizeDeltaInTokens.
func RealizedPnl(p Position, indexPrice, sizeDeltaInTokens *uint256.Int) (*big.Int, error) {
	total, err := PnlUsd(p, indexPrice)
	if err != nil {
		return nil, err
	}
	if p.SizeInTokens.IsZero() {
		return new(big.Int), nil
	}
	return fpmath.SignedMulDiv(total, sizeDeltaInTokens, p.SizeInTokens, fpmath.RoundDown)
}

// PendingBorrowingFee is the borrowing fee accrued since the last settlement.
func PendingBorrowingFee(p Position, cumulativeFactor *uint256.Int) (*uint256.Int, error) {
	if p.BorrowingFactor == nil || !cumulativeFactor.Gt(p.BorrowingFactor) {
		return new(uint256.Int), nil
	}
	delta := new(uint256.Int).Sub(cumulativeFactor, p.BorrowingFactor)
	return fpmath.ApplyFactor(p.SizeInUsd, delta)
}

// Evaluate computes the health of p. The position is liquidatable when the
// remaining collateral is not positive, is below the minimum, or supports less
// than size / MaxLeverage. No step divides by the remaining collateral.
func Evaluate(p Position, collateralPrice, indexPrice, pendingFees *uint256.Int, params RiskParams) (Health, error) {
	collateralUsd, err := fpmath.Mul(p.CollateralAmount, collateralPrice)
	if err != nil {
		return Health{}, err
	}
	pnl, err := PnlUsd(p, indexPrice)
	if err != nil {
		return Health{}, err
	}

	remaining := new(big.Int).Add(collateralUsd.ToBig(), pnl)
	remaining.Sub(remaining, pendingFees.ToBig())

	h := Health{
		CollateralUsd: collateralUsd,
		PnlUsd:        pnl,
		PendingFees:   pendingFees.Clone(),
		Remaining:     remaining,
	}

	if remaining.Sign() <= 0 {
		h.Liquidatable = true
		h.Reason = ReasonCollateralExhausted
		return h, nil
	}
	if remaining.Cmp(params.MinCollateralUsd.ToBig()) < 0 {
		h.Liquidatable = true
		h.Reason = ReasonMinCollateral
		return h, nil
	}

	exposure := new(big.Int).Mul(p.SizeInUsd.ToBig(), fpmath.FloatPrecision.ToBig())
	allowed := new(big.Int).Mul(params.MaxLeverage.ToBig(), remaining)
	if exposure.Cmp(allowed) > 0 {
		h.Liquidatable = true
		h.Reason = ReasonMaxLeverage
	}
	return h, nil
}

// ValidateHealth converts an unhealthy evaluation into the error an increase
// or a non-closing decrease must fail with.
func ValidateHealth(h Health) error {
	if !h.Liquidatable {
		return nil
	}
	if h.Reason == ReasonMaxLeverage {
		return types.ErrMaxLeverageExceeded.Wrapf("remaining collateral %s", h.Remaining.String())
	}
	return types.ErrInsufficientCollateral.Wrapf("%s: remaining collateral %s", h.Reason, h.Remaining.String())
}

// Leverage is size / remaining collateral on the 1e30 scale. Only meaningful
// for healthy positions.
func Leverage(p Position, h Health) (*uint256.Int, error) {
	if h.Remaining.Sign() <= 0 {
		return nil, types.ErrInsufficientCollateral.Wrap("no remaining collateral")
	}
	remaining, err := fpmath.ToUnsigned(h.Remaining)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(p.SizeInUsd, fpmath.FloatPrecision, remaining, fpmath.RoundDown)
}
