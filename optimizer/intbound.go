package optimizer

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

// IntBound is the abstract value of an integer box: a signed interval
// [Lower, Upper] combined with a known-bits pair. A bit is known when its
// TMask bit is 0; its value is then the TValue bit. TValue never has a
// bit set where TMask does.
type IntBound struct {
	Lower, Upper int64
	TValue       uint64
	TMask        uint64
}

// Unbounded returns a bound that knows nothing.
func Unbounded() *IntBound {
	return &IntBound{Lower: math.MinInt64, Upper: math.MaxInt64, TMask: math.MaxUint64}
}

// ConstBound returns the bound of exactly v.
func ConstBound(v int64) *IntBound {
	return &IntBound{Lower: v, Upper: v, TValue: uint64(v)}
}

// BoundRange returns the bound [lo, hi] with the bits implied by it.
func BoundRange(lo, hi int64) *IntBound {
	b := &IntBound{Lower: lo, Upper: hi, TMask: math.MaxUint64}
	b.syncBits()
	return b
}

func booleanBound() *IntBound { return BoundRange(0, 1) }

func nonNegative() *IntBound { return BoundRange(0, math.MaxInt64) }

// Clone returns a copy of b.
func (b *IntBound) Clone() *IntBound {
	c := *b
	return &c
}

// IsConstant reports whether exactly one value satisfies b.
func (b *IntBound) IsConstant() bool { return b.Lower == b.Upper }

// Constant returns the value of a constant bound.
func (b *IntBound) Constant() int64 { return b.Lower }

// IsUnbounded reports whether b carries no information.
func (b *IntBound) IsUnbounded() bool {
	return b.Lower == math.MinInt64 && b.Upper == math.MaxInt64 && b.TMask == math.MaxUint64
}

// KnownNonNegative reports whether every value of b is >= 0.
func (b *IntBound) KnownNonNegative() bool { return b.Lower >= 0 }

// Contains reports whether v satisfies b.
func (b *IntBound) Contains(v int64) bool {
	return b.Lower <= v && v <= b.Upper && uint64(v)&^b.TMask == b.TValue
}

// ContainsBound reports whether every value of o satisfies b.
func (b *IntBound) ContainsBound(o *IntBound) bool {
	if o.Lower < b.Lower || o.Upper > b.Upper {
		return false
	}
	// Every bit known in b must be known with the same value in o.
	if o.TMask&^b.TMask != 0 {
		return false
	}
	return o.TValue&^b.TMask == b.TValue
}

func (b *IntBound) KnownLT(o *IntBound) bool { return b.Upper < o.Lower }
func (b *IntBound) KnownLE(o *IntBound) bool { return b.Upper <= o.Lower }
func (b *IntBound) KnownGT(o *IntBound) bool { return b.Lower > o.Upper }
func (b *IntBound) KnownGE(o *IntBound) bool { return b.Lower >= o.Upper }

// KnownNE reports whether no value satisfies both b and o.
func (b *IntBound) KnownNE(o *IntBound) bool {
	if b.KnownLT(o) || b.KnownGT(o) {
		return true
	}
	return (b.TValue^o.TValue)&^b.TMask&^o.TMask != 0
}

// KnownEQ reports whether b and o are the same constant.
func (b *IntBound) KnownEQ(o *IntBound) bool {
	return b.IsConstant() && o.IsConstant() && b.Lower == o.Lower
}

func (b *IntBound) String() string {
	s := ""
	switch {
	case b.IsConstant():
		return fmt.Sprintf("[%d]", b.Lower)
	case b.Lower == math.MinInt64 && b.Upper == math.MaxInt64:
		s = "[?]"
	case b.Lower == math.MinInt64:
		s = fmt.Sprintf("[..%d]", b.Upper)
	case b.Upper == math.MaxInt64:
		s = fmt.Sprintf("[%d..]", b.Lower)
	default:
		s = fmt.Sprintf("[%d..%d]", b.Lower, b.Upper)
	}
	if known := ^b.TMask; known != 0 && known != ^uint64(0) {
		s += fmt.Sprintf(" bits=%#x/%#x", b.TValue, known)
	}
	return s
}

// ============================================================================
// Narrowing
// ============================================================================

// errEmptyBound reports that narrowing left no possible value.
var errEmptyBound = errors.New("integer bound became empty")

// Intersect narrows b to the values that also satisfy o. It reports
// whether b changed, and fails when no value is left.
func (b *IntBound) Intersect(o *IntBound) (bool, error) {
	old := *b
	if o.Lower > b.Lower {
		b.Lower = o.Lower
	}
	if o.Upper < b.Upper {
		b.Upper = o.Upper
	}
	if (b.TValue^o.TValue)&^b.TMask&^o.TMask != 0 {
		return false, errEmptyBound
	}
	b.TValue |= o.TValue
	b.TMask &= o.TMask
	b.TValue &^= b.TMask
	if err := b.sync(); err != nil {
		return false, err
	}
	return *b != old, nil
}

// MakeLE narrows b to values <= v.
func (b *IntBound) MakeLE(v int64) (bool, error) {
	return b.Intersect(&IntBound{Lower: math.MinInt64, Upper: v, TMask: math.MaxUint64})
}

// MakeLT narrows b to values < v.
func (b *IntBound) MakeLT(v int64) (bool, error) {
	if v == math.MinInt64 {
		return false, errEmptyBound
	}
	return b.MakeLE(v - 1)
}

// MakeGE narrows b to values >= v.
func (b *IntBound) MakeGE(v int64) (bool, error) {
	return b.Intersect(&IntBound{Lower: v, Upper: math.MaxInt64, TMask: math.MaxUint64})
}

// MakeGT narrows b to values > v.
func (b *IntBound) MakeGT(v int64) (bool, error) {
	if v == math.MaxInt64 {
		return false, errEmptyBound
	}
	return b.MakeGE(v + 1)
}

// sync makes the interval and the known bits agree with each other.
func (b *IntBound) sync() error {
	for i := 0; i < 4; i++ {
		if b.Lower > b.Upper {
			return errEmptyBound
		}
		before := *b
		if !b.syncBits() {
			return errEmptyBound
		}
		b.syncBounds()
		if *b == before {
			break
		}
	}
	if b.Lower > b.Upper || !b.Contains(b.Lower) && b.IsConstant() {
		return errEmptyBound
	}
	return nil
}

// syncBits derives known bits from the interval: the common prefix of the
// two ends is known. It reports false on a contradiction.
func (b *IntBound) syncBits() bool {
	lo, hi := uint64(b.Lower), uint64(b.Upper)
	var known uint64
	if d := lo ^ hi; d == 0 {
		known = math.MaxUint64
	} else if n := bits.Len64(d); n < 64 {
		known = ^uint64(0) << uint(n)
	}
	if (lo^b.TValue)&known&^b.TMask != 0 {
		return false
	}
	b.TValue = (b.TValue &^ known) | (lo & known)
	b.TMask &^= known
	return true
}

// syncBounds intersects the interval with the range the known bits allow.
func (b *IntBound) syncBounds() {
	const sign = uint64(1) << 63
	minBits := int64(b.TValue | b.TMask&sign)
	maxBits := int64(b.TValue | b.TMask&^sign)
	if minBits > b.Lower {
		b.Lower = minBits
	}
	if maxBits < b.Upper {
		b.Upper = maxBits
	}
}

// ============================================================================
// Transfer functions
// ============================================================================

func addOverflows(a, b int64) bool {
	s := a + b
	return (a >= 0) == (b >= 0) && (s >= 0) != (a >= 0)
}

func subOverflows(a, b int64) bool {
	s := a - b
	return (a >= 0) != (b >= 0) && (s >= 0) != (a >= 0)
}

func mulOverflows(a, b int64) bool {
	if a == 0 || b == 0 {
		return false
	}
	p := a * b
	return p/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64)
}

func fromParts(lo, hi int64, loOK bool, val, mask uint64) *IntBound {
	r := &IntBound{Lower: math.MinInt64, Upper: math.MaxInt64, TValue: val &^ mask, TMask: mask}
	if loOK {
		r.Lower, r.Upper = lo, hi
	}
	if err := r.sync(); err != nil {
		return Unbounded()
	}
	return r
}

// Add is the bound of a+b with wrapping.
func (b *IntBound) Add(o *IntBound) *IntBound {
	sm := b.TMask + o.TMask
	sv := b.TValue + o.TValue
	chi := (sm + sv) ^ sv
	mu := chi | b.TMask | o.TMask
	ok := !addOverflows(b.Lower, o.Lower) && !addOverflows(b.Upper, o.Upper)
	return fromParts(b.Lower+o.Lower, b.Upper+o.Upper, ok, sv, mu)
}

// AddNoOverflow reports whether a+b cannot overflow.
func (b *IntBound) AddNoOverflow(o *IntBound) bool {
	return !addOverflows(b.Lower, o.Lower) && !addOverflows(b.Upper, o.Upper)
}

// Sub is the bound of a-b with wrapping.
func (b *IntBound) Sub(o *IntBound) *IntBound {
	dv := b.TValue - o.TValue
	alpha := dv + b.TMask
	beta := dv - o.TMask
	mu := (alpha ^ beta) | b.TMask | o.TMask
	ok := !subOverflows(b.Lower, o.Upper) && !subOverflows(b.Upper, o.Lower)
	return fromParts(b.Lower-o.Upper, b.Upper-o.Lower, ok, dv, mu)
}

// SubNoOverflow reports whether a-b cannot overflow.
func (b *IntBound) SubNoOverflow(o *IntBound) bool {
	return !subOverflows(b.Lower, o.Upper) && !subOverflows(b.Upper, o.Lower)
}

// Mul is the bound of a*b with wrapping.
func (b *IntBound) Mul(o *IntBound) *IntBound {
	if !b.MulNoOverflow(o) {
		return b.mulBits(o)
	}
	p := [4]int64{b.Lower * o.Lower, b.Lower * o.Upper, b.Upper * o.Lower, b.Upper * o.Upper}
	lo, hi := p[0], p[0]
	for _, v := range p[1:] {
		lo, hi = min(lo, v), max(hi, v)
	}
	r := b.mulBits(o)
	if _, err := r.Intersect(BoundRange(lo, hi)); err != nil {
		return BoundRange(lo, hi)
	}
	return r
}

// mulBits keeps the trailing zero bits of a product.
func (b *IntBound) mulBits(o *IntBound) *IntBound {
	tz := func(x *IntBound) int {
		known := ^x.TMask
		n := 0
		for n < 64 && known&(1<<uint(n)) != 0 && x.TValue&(1<<uint(n)) == 0 {
			n++
		}
		return n
	}
	n := tz(b) + tz(o)
	if n >= 64 {
		return ConstBound(0)
	}
	r := Unbounded()
	r.TMask = ^uint64(0) << uint(n)
	return r
}

// MulNoOverflow reports whether a*b cannot overflow.
func (b *IntBound) MulNoOverflow(o *IntBound) bool {
	return !mulOverflows(b.Lower, o.Lower) && !mulOverflows(b.Lower, o.Upper) &&
		!mulOverflows(b.Upper, o.Lower) && !mulOverflows(b.Upper, o.Upper)
}

// And is the bound of a&b.
func (b *IntBound) And(o *IntBound) *IntBound {
	val := b.TValue & o.TValue
	mask := (b.TMask | b.TValue) & (o.TMask | o.TValue) &^ val
	lo, hi, ok := int64(0), int64(0), false
	switch {
	case b.KnownNonNegative() && o.KnownNonNegative():
		lo, hi, ok = 0, min(b.Upper, o.Upper), true
	case b.KnownNonNegative():
		lo, hi, ok = 0, b.Upper, true
	case o.KnownNonNegative():
		lo, hi, ok = 0, o.Upper, true
	}
	return fromParts(lo, hi, ok, val, mask)
}

func upperPow2(v int64) int64 {
	n := bits.Len64(uint64(v))
	if n >= 63 {
		return math.MaxInt64
	}
	return int64(1)<<uint(n) - 1
}

// Or is the bound of a|b.
func (b *IntBound) Or(o *IntBound) *IntBound {
	val := b.TValue | o.TValue
	mask := (b.TMask | o.TMask) &^ val
	if b.KnownNonNegative() && o.KnownNonNegative() {
		return fromParts(max(b.Lower, o.Lower), upperPow2(b.Upper|o.Upper), true, val, mask)
	}
	return fromParts(0, 0, false, val, mask)
}

// Xor is the bound of a^b.
func (b *IntBound) Xor(o *IntBound) *IntBound {
	mask := b.TMask | o.TMask
	val := (b.TValue ^ o.TValue) &^ mask
	if b.KnownNonNegative() && o.KnownNonNegative() {
		return fromParts(0, upperPow2(b.Upper|o.Upper), true, val, mask)
	}
	return fromParts(0, 0, false, val, mask)
}

// shiftCount returns a constant shift count in [0, 63].
func shiftCount(o *IntBound) (uint, bool) {
	if !o.IsConstant() || o.Lower < 0 || o.Lower > 63 {
		return 0, false
	}
	return uint(o.Lower), true
}

// Lshift is the bound of a<<b.
func (b *IntBound) Lshift(o *IntBound) *IntBound {
	c, ok := shiftCount(o)
	if !ok {
		return Unbounded()
	}
	lo, hi := b.Lower<<c, b.Upper<<c
	fits := lo>>c == b.Lower && hi>>c == b.Upper
	return fromParts(lo, hi, fits, b.TValue<<c, b.TMask<<c)
}

// LshiftNoOverflow reports whether a<<b loses no bits.
func (b *IntBound) LshiftNoOverflow(o *IntBound) bool {
	c, ok := shiftCount(o)
	return ok && (b.Lower<<c)>>c == b.Lower && (b.Upper<<c)>>c == b.Upper
}

// Rshift is the bound of the arithmetic shift a>>b.
func (b *IntBound) Rshift(o *IntBound) *IntBound {
	c, ok := shiftCount(o)
	if !ok {
		if o.Lower < 0 || o.Upper > 63 {
			return Unbounded()
		}
		switch {
		case b.Lower >= 0:
			return BoundRange(0, b.Upper)
		case b.Upper < 0:
			return BoundRange(b.Lower, -1)
		}
		return BoundRange(b.Lower, b.Upper)
	}
	return fromParts(b.Lower>>c, b.Upper>>c, true, uint64(int64(b.TValue)>>c), uint64(int64(b.TMask)>>c))
}

// UintRshift is the bound of the logical shift a>>b.
func (b *IntBound) UintRshift(o *IntBound) *IntBound {
	c, ok := shiftCount(o)
	if !ok {
		if b.Lower >= 0 && o.Lower >= 0 && o.Upper <= 63 {
			return BoundRange(0, b.Upper)
		}
		return Unbounded()
	}
	if b.Lower >= 0 {
		return fromParts(b.Lower>>c, b.Upper>>c, true, b.TValue>>c, b.TMask>>c)
	}
	return fromParts(0, 0, false, b.TValue>>c, b.TMask>>c)
}

// FloorDiv is the bound of a/b, rounding towards zero; x/0 is 0.
func (b *IntBound) FloorDiv(o *IntBound) *IntBound {
	if o.IsConstant() {
		c := o.Lower
		switch {
		case c == 0:
			return ConstBound(0)
		case c == -1:
			return b.Neg()
		case c > 0:
			return BoundRange(b.Lower/c, b.Upper/c)
		default:
			return BoundRange(b.Upper/c, b.Lower/c)
		}
	}
	if b.KnownNonNegative() && o.Lower > 0 {
		return BoundRange(0, b.Upper/o.Lower)
	}
	if b.KnownNonNegative() && o.KnownNonNegative() {
		return BoundRange(0, b.Upper)
	}
	return Unbounded()
}

// Mod is the bound of a%b; the result takes the sign of a, and x%0 is 0.
func (b *IntBound) Mod(o *IntBound) *IntBound {
	var m int64
	switch {
	case o.IsConstant():
		c := o.Lower
		if c == 0 || c == -1 || c == 1 {
			return ConstBound(0)
		}
		if c == math.MinInt64 {
			m = math.MaxInt64
		} else if c < 0 {
			m = -c - 1
		} else {
			m = c - 1
		}
	case o.Lower > 0:
		m = o.Upper - 1
	case o.Upper < 0 && o.Lower > math.MinInt64:
		m = -o.Lower - 1
	default:
		if b.KnownNonNegative() {
			return BoundRange(0, b.Upper)
		}
		return Unbounded()
	}
	switch {
	case b.KnownNonNegative():
		return BoundRange(0, min(b.Upper, m))
	case b.Upper <= 0:
		return BoundRange(max(b.Lower, -m), 0)
	}
	return BoundRange(max(b.Lower, -m), min(b.Upper, m))
}

// Neg is the bound of -a.
func (b *IntBound) Neg() *IntBound {
	if b.Lower == math.MinInt64 {
		return Unbounded()
	}
	return BoundRange(-b.Upper, -b.Lower)
}

// Invert is the bound of ^a.
func (b *IntBound) Invert() *IntBound {
	return fromParts(^b.Upper, ^b.Lower, true, ^b.TValue&^b.TMask, b.TMask)
}

// Signext is the bound of a sign-extended from n bytes.
func (b *IntBound) Signext(n int64) *IntBound {
	if n <= 0 || n >= 8 {
		return b.Clone()
	}
	half := int64(1) << uint(8*n-1)
	r := BoundRange(-half, half-1)
	if r.ContainsBound(b) {
		return b.Clone()
	}
	return r
}

// FitsSignext reports whether sign-extending a from n bytes is a no-op.
func (b *IntBound) FitsSignext(n int64) bool {
	if n <= 0 || n >= 8 {
		return true
	}
	half := int64(1) << uint(8*n-1)
	return b.Lower >= -half && b.Upper <= half-1
}

// fieldBound returns the bound of an integer field of size bytes.
func fieldBound(size int, signed bool) *IntBound {
	if size <= 0 || size >= 8 {
		return Unbounded()
	}
	if signed {
		half := int64(1) << uint(8*size-1)
		return BoundRange(-half, half-1)
	}
	return BoundRange(0, int64(1)<<uint(8*size)-1)
}
