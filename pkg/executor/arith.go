package executor

import (
	"errors"
	"math"
	"math/bits"
)

// ErrOverflow is returned by overflow-checked arithmetic whose
// mathematical result does not fit in a machine word.
var ErrOverflow = errors.New("executor: integer overflow")

// FloorDiv is INT_FLOORDIV: C division truncating towards zero. Division
// by zero yields 0 and MinInt64 / -1 wraps.
func FloorDiv(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	if b == -1 {
		return -a
	}
	return a / b
}

// Mod is INT_MOD with the sign of the dividend. Modulo by zero yields 0.
func Mod(a, b int64) int64 {
	if b == 0 || b == -1 {
		return 0
	}
	return a % b
}

// Lshift shifts left; the count is masked to [0, 63].
func Lshift(a, n int64) int64 { return a << (uint64(n) & 63) }

// Rshift is the arithmetic right shift; the count is masked to [0, 63].
func Rshift(a, n int64) int64 { return a >> (uint64(n) & 63) }

// UintRshift is the logical right shift; the count is masked to [0, 63].
func UintRshift(a, n int64) int64 { return int64(uint64(a) >> (uint64(n) & 63)) }

// UintMulHigh returns the high word of the unsigned 128-bit product.
func UintMulHigh(a, b int64) int64 {
	hi, _ := bits.Mul64(uint64(a), uint64(b))
	return int64(hi)
}

// Signext sign-extends v from its low 8*n bits.
func Signext(v, n int64) int64 {
	if n <= 0 || n >= 8 {
		return v
	}
	shift := uint(64 - 8*n)
	return v << shift >> shift
}

// AddOvf adds with overflow detection.
func AddOvf(a, b int64) (int64, error) {
	r := a + b
	if (r^a)&(r^b) < 0 {
		return r, ErrOverflow
	}
	return r, nil
}

// SubOvf subtracts with overflow detection.
func SubOvf(a, b int64) (int64, error) {
	r := a - b
	if (a^b)&(a^r) < 0 {
		return r, ErrOverflow
	}
	return r, nil
}

// MulOvf multiplies with overflow detection.
func MulOvf(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	r := a * b
	if r/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return r, ErrOverflow
	}
	return r, nil
}

// ForceGeZero clamps negative values to zero.
func ForceGeZero(a int64) int64 {
	if a < 0 {
		return 0
	}
	return a
}

// CastFloatToInt truncates towards zero. NaN and out-of-range values give
// MinInt64 the way hardware conversions do.
func CastFloatToInt(f float64) int64 {
	if math.IsNaN(f) || f >= 9.223372036854775807e18 || f < -9.223372036854775808e18 {
		return math.MinInt64
	}
	return int64(f)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
