package query

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"

	fpmath "PerpSettle/internal/math"
)

func TestFormatUSD(t *testing.T) {
	usd := func(n uint64) *uint256.Int {
		return new(uint256.Int).Mul(uint256.NewInt(n), fpmath.FloatPrecision)
	}

	assert.Equal(t, "20000.00", FormatUSD(usd(20_000)))
	assert.Equal(t, "0.00", FormatUSD(nil))
	assert.Equal(t, "0.50", FormatUSD(new(uint256.Int).Div(fpmath.FloatPrecision, uint256.NewInt(2))))

	loss := new(big.Int).Neg(usd(250).ToBig())
	assert.Equal(t, "-250.00", FormatSignedUSD(loss))

	assert.Equal(t, "1234.00", FormatUSDString(usd(1234).Dec()))
	assert.Equal(t, "garbage", FormatUSDString("garbage"))

	assert.Equal(t, "0.5", FormatFactor(new(uint256.Int).Div(fpmath.FloatPrecision, uint256.NewInt(2))))
}
