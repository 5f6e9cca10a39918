package optimizer

import (
	"math"
	"math/bits"

	"github.com/chazu/rjit/pkg/trace"
)

// IntBounds tracks the integer interval and known bits of every int box.
// Comparisons whose outcome follows from the bounds fold to constants,
// guards narrow the bounds of what they test, and overflow checks that
// cannot fail are dropped.
type IntBounds struct {
	base
}

func (p *IntBounds) Name() string { return "intbounds" }

func (p *IntBounds) propagate(op *trace.Op) error {
	o := p.o
	switch n := op.Num; {
	case n.IsComparison() && n <= trace.OpUintGe:
		if r, ok := foldComparison(n, o.boundOf(op.Args[0]), o.boundOf(op.Args[1])); ok {
			o.makeEqual(op.Result, boolConst(r))
			return nil
		}
		return p.emitBounded(op, booleanBound())

	case n == trace.OpIntIsTrue || n == trace.OpIntIsZero:
		b := o.boundOf(op.Args[0])
		zero := ConstBound(0)
		switch {
		case b.KnownNE(zero):
			o.makeEqual(op.Result, boolConst(n == trace.OpIntIsTrue))
			return nil
		case b.KnownEQ(zero):
			o.makeEqual(op.Result, boolConst(n == trace.OpIntIsZero))
			return nil
		}
		return p.emitBounded(op, booleanBound())

	case n == trace.OpGuardTrue || n == trace.OpGuardFalse:
		want := n == trace.OpGuardTrue
		if v, ok := o.intConst(op.Args[0]); ok {
			if (v != 0) == want {
				return nil
			}
			return invalidLoop("%s on a value that is always %d", n, v)
		}
		arg := o.get(op.Args[0])
		if err := p.emit(op); err != nil {
			return err
		}
		return p.learnFromGuard(arg, want)

	case n.IsOvf():
		a, b := o.boundOf(op.Args[0]), o.boundOf(op.Args[1])
		var plain trace.Opnum
		var safe bool
		switch n {
		case trace.OpIntAddOvf:
			plain, safe = trace.OpIntAdd, a.AddNoOverflow(b)
		case trace.OpIntSubOvf:
			plain, safe = trace.OpIntSub, a.SubNoOverflow(b)
		default:
			plain, safe = trace.OpIntMul, a.MulNoOverflow(b)
		}
		r := arithBound(plain, a, b)
		if safe {
			op.Num = plain
			o.ovfRemoved = true
		}
		return p.emitBounded(op, r)

	case n == trace.OpIntAnd:
		if mask, ok := o.intConst(op.Args[1]); ok && coversRange(mask, o.boundOf(op.Args[0])) {
			o.makeEqual(op.Result, op.Args[0])
			return nil
		}
		if mask, ok := o.intConst(op.Args[0]); ok && coversRange(mask, o.boundOf(op.Args[1])) {
			o.makeEqual(op.Result, op.Args[1])
			return nil
		}
		return p.emitArith(op)

	case n == trace.OpIntFloordiv || n == trace.OpIntMod:
		if d, ok := o.intConst(op.Args[1]); ok && d > 0 && d&(d-1) == 0 && o.boundOf(op.Args[0]).KnownNonNegative() {
			if n == trace.OpIntFloordiv {
				op.Num = trace.OpIntRshift
				op.Args = []trace.Value{op.Args[0], trace.ConstInt{V: int64(bits.TrailingZeros64(uint64(d)))}}
			} else {
				op.Num = trace.OpIntAnd
				op.Args = []trace.Value{op.Args[0], trace.ConstInt{V: d - 1}}
			}
		}
		return p.emitArith(op)

	case n == trace.OpIntSignext:
		if size, ok := o.intConst(op.Args[1]); ok && o.boundOf(op.Args[0]).FitsSignext(size) {
			o.makeEqual(op.Result, op.Args[0])
			return nil
		}
		return p.emitArith(op)

	case n == trace.OpIntForceGeZero:
		if o.boundOf(op.Args[0]).KnownNonNegative() {
			o.makeEqual(op.Result, op.Args[0])
			return nil
		}
		return p.emitBounded(op, nonNegative())

	case n >= trace.OpIntAdd && n <= trace.OpUintRshift, n == trace.OpIntNeg, n == trace.OpIntInvert:
		return p.emitArith(op)

	case n == trace.OpStrlen, n == trace.OpUnicodelen, n == trace.OpArraylenGc:
		return p.emitBounded(op, nonNegative())
	case n == trace.OpStrgetitem:
		return p.emitBounded(op, BoundRange(0, 255))
	case n == trace.OpUnicodegetitem:
		return p.emitBounded(op, BoundRange(0, 0x10FFFF))

	case n == trace.OpGetfieldGcI, n == trace.OpGetfieldRawI:
		f := op.FieldDescr()
		return p.emitBounded(op, fieldBound(f.FieldSize, f.Signed))
	case n == trace.OpGetinteriorfieldGcI:
		f := op.Descr.(*trace.InteriorFieldDescr).Field
		return p.emitBounded(op, fieldBound(f.FieldSize, f.Signed))
	case n == trace.OpGetarrayitemGcI, n == trace.OpGetarrayitemRawI, n == trace.OpRawLoadI:
		d := op.ArrayDescr()
		return p.emitBounded(op, fieldBound(d.ItemSize, d.Signed))
	}
	return p.emit(op)
}

// emitArith emits an arithmetic op and records the bound of its result.
func (p *IntBounds) emitArith(op *trace.Op) error {
	var b *IntBound
	if len(op.Args) == 1 {
		a := p.o.boundOf(op.Args[0])
		if op.Num == trace.OpIntNeg {
			b = a.Neg()
		} else {
			b = a.Invert()
		}
	} else {
		b = arithBound(op.Num, p.o.boundOf(op.Args[0]), p.o.boundOf(op.Args[1]))
	}
	return p.emitBounded(op, b)
}

func (p *IntBounds) emitBounded(op *trace.Op, b *IntBound) error {
	if err := p.emit(op); err != nil {
		return err
	}
	if op.Result == nil || b == nil || b.IsUnbounded() {
		return nil
	}
	return p.o.narrow(op.Result, b)
}

// learnFromGuard narrows the arguments of the comparison that defined v,
// now known to be want.
func (p *IntBounds) learnFromGuard(v trace.Value, want bool) error {
	o := p.o
	box, ok := v.(*trace.Box)
	if !ok {
		return nil
	}
	def := o.defs[box]
	if def == nil {
		return nil
	}
	num := def.Num
	if !want {
		num = negateComparison(num)
	}
	switch num {
	case trace.OpIntIsTrue:
		return o.narrow(def.Args[0], nonZeroHint(o.boundOf(def.Args[0])))
	case trace.OpIntIsZero:
		return o.narrow(def.Args[0], ConstBound(0))
	}
	if len(def.Args) != 2 || !num.IsComparison() {
		return nil
	}
	a, b := def.Args[0], def.Args[1]
	ab, bb := o.boundOf(a).Clone(), o.boundOf(b).Clone()
	na, nb := Unbounded(), Unbounded()
	var err error
	switch num {
	case trace.OpIntLt:
		_, err = na.MakeLT(bb.Upper)
		if err == nil {
			_, err = nb.MakeGT(ab.Lower)
		}
	case trace.OpIntLe:
		_, err = na.MakeLE(bb.Upper)
		if err == nil {
			_, err = nb.MakeGE(ab.Lower)
		}
	case trace.OpIntGt:
		_, err = na.MakeGT(bb.Lower)
		if err == nil {
			_, err = nb.MakeLT(ab.Upper)
		}
	case trace.OpIntGe:
		_, err = na.MakeGE(bb.Lower)
		if err == nil {
			_, err = nb.MakeLE(ab.Upper)
		}
	case trace.OpIntEq:
		na, nb = bb, ab
	case trace.OpUintLt, trace.OpUintLe:
		if !bb.KnownNonNegative() {
			return nil
		}
		na = BoundRange(0, bb.Upper)
		if num == trace.OpUintLt {
			_, err = na.MakeLT(bb.Upper)
		}
	default:
		return nil
	}
	if err != nil {
		return invalidLoop("guard on %s can never pass", def)
	}
	if err := o.narrow(a, na); err != nil {
		return err
	}
	return o.narrow(b, nb)
}

// nonZeroHint returns what x != 0 implies for a bound that is known on
// one side of zero.
func nonZeroHint(b *IntBound) *IntBound {
	switch {
	case b.Lower == 0:
		return BoundRange(1, math.MaxInt64)
	case b.Upper == 0:
		return BoundRange(math.MinInt64, -1)
	}
	return Unbounded()
}

func boolConst(b bool) trace.ConstInt {
	if b {
		return trace.Const1
	}
	return trace.Const0
}

func negateComparison(n trace.Opnum) trace.Opnum {
	switch n {
	case trace.OpIntLt:
		return trace.OpIntGe
	case trace.OpIntLe:
		return trace.OpIntGt
	case trace.OpIntGt:
		return trace.OpIntLe
	case trace.OpIntGe:
		return trace.OpIntLt
	case trace.OpIntEq:
		return trace.OpIntNe
	case trace.OpIntNe:
		return trace.OpIntEq
	case trace.OpIntIsTrue:
		return trace.OpIntIsZero
	case trace.OpIntIsZero:
		return trace.OpIntIsTrue
	}
	return trace.OpInvalid
}

// foldComparison decides an integer comparison from the bounds of its
// operands.
func foldComparison(n trace.Opnum, a, b *IntBound) (result, known bool) {
	switch n {
	case trace.OpUintLt, trace.OpUintLe, trace.OpUintGt, trace.OpUintGe:
		if !a.KnownNonNegative() || !b.KnownNonNegative() {
			return false, false
		}
		n = signedComparison[n]
	}
	switch n {
	case trace.OpIntLt:
		if a.KnownLT(b) {
			return true, true
		}
		if a.KnownGE(b) {
			return false, true
		}
	case trace.OpIntLe:
		if a.KnownLE(b) {
			return true, true
		}
		if a.KnownGT(b) {
			return false, true
		}
	case trace.OpIntGt:
		if a.KnownGT(b) {
			return true, true
		}
		if a.KnownLE(b) {
			return false, true
		}
	case trace.OpIntGe:
		if a.KnownGE(b) {
			return true, true
		}
		if a.KnownLT(b) {
			return false, true
		}
	case trace.OpIntEq:
		if a.KnownEQ(b) {
			return true, true
		}
		if a.KnownNE(b) {
			return false, true
		}
	case trace.OpIntNe:
		if a.KnownNE(b) {
			return true, true
		}
		if a.KnownEQ(b) {
			return false, true
		}
	}
	return false, false
}

var signedComparison = map[trace.Opnum]trace.Opnum{
	trace.OpUintLt: trace.OpIntLt,
	trace.OpUintLe: trace.OpIntLe,
	trace.OpUintGt: trace.OpIntGt,
	trace.OpUintGe: trace.OpIntGe,
}

// arithBound is the bound of a binary integer operation.
func arithBound(n trace.Opnum, a, b *IntBound) *IntBound {
	switch n {
	case trace.OpIntAdd:
		return a.Add(b)
	case trace.OpIntSub:
		return a.Sub(b)
	case trace.OpIntMul:
		return a.Mul(b)
	case trace.OpIntAnd:
		return a.And(b)
	case trace.OpIntOr:
		return a.Or(b)
	case trace.OpIntXor:
		return a.Xor(b)
	case trace.OpIntLshift:
		return a.Lshift(b)
	case trace.OpIntRshift:
		return a.Rshift(b)
	case trace.OpUintRshift:
		return a.UintRshift(b)
	case trace.OpIntFloordiv:
		return a.FloorDiv(b)
	case trace.OpIntMod:
		return a.Mod(b)
	case trace.OpIntSignext:
		if b.IsConstant() {
			return a.Signext(b.Constant())
		}
	}
	return Unbounded()
}

// coversRange reports whether x & mask == x for every x in b.
func coversRange(mask int64, b *IntBound) bool {
	if !b.KnownNonNegative() {
		return mask == -1
	}
	return uint64(upperPow2(b.Upper))&^uint64(mask) == 0
}
