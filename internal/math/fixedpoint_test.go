package math_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/types"
)

var maxUint256 = new(uint256.Int).SetAllOne()

func TestAddSubOverflow(t *testing.T) {
	_, err := fpmath.Add(maxUint256, uint256.NewInt(1))
	require.True(t, errors.Is(err, types.ErrOverflow))

	_, err = fpmath.Sub(uint256.NewInt(1), uint256.NewInt(2))
	require.True(t, errors.Is(err, types.ErrUnderflow))

	sum, err := fpmath.Add(uint256.NewInt(2), uint256.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), sum.Uint64())
}

func TestMulDivRounding(t *testing.T) {
	tests := []struct {
		name string
		a, b uint64
		d    uint64
		mode fpmath.RoundingMode
		want uint64
	}{
		{"exact down", 10, 10, 5, fpmath.RoundDown, 20},
		{"exact up", 10, 10, 5, fpmath.RoundUp, 20},
		{"truncates", 10, 1, 3, fpmath.RoundDown, 3},
		{"rounds up", 10, 1, 3, fpmath.RoundUp, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(uint256.NewInt(tt.a), uint256.NewInt(tt.b), uint256.NewInt(tt.d), tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Uint64())
		})
	}
}

func TestMulDivWideIntermediate(t *testing.T) {
	// (2^256-1) * 1e30 / 1e30 fits even though the product does not.
	got, err := fpmath.MulDiv(maxUint256, fpmath.FloatPrecision, fpmath.FloatPrecision, fpmath.RoundDown)
	require.NoError(t, err)
	assert.True(t, got.Eq(maxUint256))

	_, err = fpmath.MulDiv(maxUint256, uint256.NewInt(2), uint256.NewInt(1), fpmath.RoundUp)
	require.True(t, errors.Is(err, types.ErrOverflow))
}

func TestMulDivByZero(t *testing.T) {
	_, err := fpmath.MulDiv(uint256.NewInt(1), uint256.NewInt(1), uint256.NewInt(0), fpmath.RoundDown)
	require.True(t, errors.Is(err, types.ErrDivisionByZero))
	assert.Equal(t, types.KindValidation, types.Classify(err))

	_, err = fpmath.ToTokens(uint256.NewInt(1), uint256.NewInt(0), fpmath.RoundDown)
	require.True(t, errors.Is(err, types.ErrInvalidPrice))
}

func TestApplyFactor(t *testing.T) {
	half := uint256.MustFromDecimal("500000000000000000000000000000")
	got, err := fpmath.ApplyFactor(uint256.NewInt(1001), half)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), got.Uint64())

	got, err = fpmath.ApplyFactorRoundUp(uint256.NewInt(1001), half)
	require.NoError(t, err)
	assert.Equal(t, uint64(501), got.Uint64())
}

func TestSignedMulDiv(t *testing.T) {
	got, err := fpmath.SignedMulDiv(big.NewInt(-10), uint256.NewInt(1), uint256.NewInt(3), fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), got.Int64())

	got, err = fpmath.SignedMulDiv(big.NewInt(-10), uint256.NewInt(1), uint256.NewInt(3), fpmath.RoundUp)
	require.NoError(t, err)
	assert.Equal(t, int64(-4), got.Int64())

	_, err = fpmath.ToUnsigned(big.NewInt(-1))
	require.True(t, errors.Is(err, types.ErrUnderflow))
}

func TestCheckInt256(t *testing.T) {
	limit := new(big.Int).Lsh(big.NewInt(1), 255)
	require.True(t, errors.Is(fpmath.CheckInt256(limit), types.ErrOverflow))
	require.NoError(t, fpmath.CheckInt256(new(big.Int).Neg(limit)))
	require.True(t, errors.Is(fpmath.CheckInt256(new(big.Int).Sub(new(big.Int).Neg(limit), big.NewInt(1))), types.ErrUnderflow))
}

func TestExp10(t *testing.T) {
	assert.Equal(t, "1000000000000000000000000000000", fpmath.Exp10(30).Dec())
	assert.True(t, fpmath.Exp10(30).Eq(fpmath.FloatPrecision))
}
