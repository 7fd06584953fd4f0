package query

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const usdDecimals = 30

// FormatUSD renders a 30-decimal USD integer with cents.
func FormatUSD(v *uint256.Int) string {
	if v == nil {
		return "0.00"
	}
	return decimal.NewFromBigInt(v.ToBig(), -usdDecimals).StringFixed(2)
}

// FormatSignedUSD is FormatUSD for PnL values.
func FormatSignedUSD(v *big.Int) string {
	if v == nil {
		return "0.00"
	}
	return decimal.NewFromBigInt(v, -usdDecimals).StringFixed(2)
}

// FormatUSDString renders a NUMERIC column read as text. Unparseable input is
// returned unchanged.
func FormatUSDString(s string) string {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return s
	}
	return d.Shift(-usdDecimals).StringFixed(2)
}

// FormatFactor renders a 30-decimal factor such as a reserve factor.
func FormatFactor(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -usdDecimals).String()
}
