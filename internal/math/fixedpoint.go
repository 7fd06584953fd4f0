package math

import (
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"PerpSettle/internal/types"
)

var (
	// FloatPrecision is the scale of USD values, prices and factors (1e30).
	FloatPrecision = uint256.MustFromDecimal("1000000000000000000000000000000")

	// MarketTokenSeedDivisor converts a 1e30 USD value into an 18-decimal market token
	// amount at the 1:1 seed ratio used when a market has no supply.
	MarketTokenSeedDivisor = uint256.NewInt(1_000_000_000_000)

	maxInt256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minInt256 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// Scratch big.Ints for intermediate products wider than 256 bits.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Exp10 returns 10^n.
func Exp10(n uint64) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(n))
}

// Add returns a + b.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, types.ErrOverflow.Wrapf("%s + %s", a.Dec(), b.Dec())
	}
	return z, nil
}

// Sub returns a - b.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, types.ErrUnderflow.Wrapf("%s - %s", a.Dec(), b.Dec())
	}
	return z, nil
}

// Mul returns a * b.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, types.ErrOverflow.Wrapf("%s * %s", a.Dec(), b.Dec())
	}
	return z, nil
}

// MulDiv returns a * b / d with a 512-bit intermediate product.
func MulDiv(a, b, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, types.ErrDivisionByZero.Wrapf("%s * %s / 0", a.Dec(), b.Dec())
	}

	if mode == RoundDown {
		z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
		if overflow {
			return nil, types.ErrOverflow.Wrapf("%s * %s / %s", a.Dec(), b.Dec(), d.Dec())
		}
		return z, nil
	}

	product := getBig()
	quotient := getBig()
	remainder := getBig()
	defer func() {
		putBig(product)
		putBig(quotient)
		putBig(remainder)
	}()

	product.Mul(a.ToBig(), b.ToBig())
	quotient.QuoRem(product, d.ToBig(), remainder)
	if remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1))
	}

	z, overflow := uint256.FromBig(quotient)
	if overflow {
		return nil, types.ErrOverflow.Wrapf("%s * %s / %s", a.Dec(), b.Dec(), d.Dec())
	}
	return z, nil
}

// Div returns a / d.
func Div(a, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	return MulDiv(a, uint256.NewInt(1), d, mode)
}

// ApplyFactor returns value * factor / FloatPrecision, rounded down.
func ApplyFactor(value, factor *uint256.Int) (*uint256.Int, error) {
	return MulDiv(value, factor, FloatPrecision, RoundDown)
}

// ApplyFactorRoundUp returns value * factor / FloatPrecision, rounded up.
func ApplyFactorRoundUp(value, factor *uint256.Int) (*uint256.Int, error) {
	return MulDiv(value, factor, FloatPrecision, RoundUp)
}

// ToFactor returns value * FloatPrecision / divisor.
func ToFactor(value, divisor *uint256.Int) (*uint256.Int, error) {
	return MulDiv(value, FloatPrecision, divisor, RoundDown)
}

// ToUsd converts a token amount into a USD value at price.
func ToUsd(amount, price *uint256.Int) (*uint256.Int, error) {
	return Mul(amount, price)
}

// ToTokens converts a USD value into a token amount at price.
func ToTokens(usd, price *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if price.IsZero() {
		return nil, types.ErrInvalidPrice.Wrap("zero price")
	}
	return Div(usd, price, mode)
}

// Min returns the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// --- signed values (PnL, adjustments) ---

// Signed widens x into a big.Int.
func Signed(x *uint256.Int) *big.Int {
	return x.ToBig()
}

// CheckInt256 rejects values outside the int256 range.
func CheckInt256(x *big.Int) error {
	if x.Cmp(maxInt256) > 0 {
		return types.ErrOverflow.Wrapf("%s exceeds int256", x.String())
	}
	if x.Cmp(minInt256) < 0 {
		return types.ErrUnderflow.Wrapf("%s below int256", x.String())
	}
	return nil
}

// ToUnsigned narrows a non-negative big.Int into 256 bits.
func ToUnsigned(x *big.Int) (*uint256.Int, error) {
	if x.Sign() < 0 {
		return nil, types.ErrUnderflow.Wrapf("negative value %s", x.String())
	}
	z, overflow := uint256.FromBig(x)
	if overflow {
		return nil, types.ErrOverflow.Wrapf("%s exceeds uint256", x.String())
	}
	return z, nil
}

// Abs returns |x| as an unsigned value.
func Abs(x *big.Int) (*uint256.Int, error) {
	return ToUnsigned(new(big.Int).Abs(x))
}

// SignedMulDiv returns x * y / d preserving the sign of x. RoundUp rounds away from zero.
func SignedMulDiv(x *big.Int, y, d *uint256.Int, mode RoundingMode) (*big.Int, error) {
	magnitude, err := Abs(x)
	if err != nil {
		return nil, err
	}

	scaled, err := MulDiv(magnitude, y, d, mode)
	if err != nil {
		return nil, err
	}

	result := scaled.ToBig()
	if x.Sign() < 0 {
		result.Neg(result)
	}
	if err := CheckInt256(result); err != nil {
		return nil, err
	}
	return result, nil
}
