package optimizer

import (
	"errors"
	"math/bits"

	"github.com/chazu/rjit/pkg/executor"
	"github.com/chazu/rjit/pkg/memory"
	"github.com/chazu/rjit/pkg/trace"
)

// Rewrite folds operations on constants, applies algebraic identities,
// removes guards that are already known to hold, and merges consecutive
// guards on the same reference.
type Rewrite struct {
	base
}

func (p *Rewrite) Name() string { return "rewrite" }

// needsMachine lists the pure operations that read the heap.
var needsMachine = map[trace.Opnum]bool{
	trace.OpArraylenGc:     true,
	trace.OpStrlen:         true,
	trace.OpStrgetitem:     true,
	trace.OpUnicodelen:     true,
	trace.OpUnicodegetitem: true,
	trace.OpCastPtrToInt:   true,
	trace.OpCastIntToPtr:   true,
}

func (p *Rewrite) propagate(op *trace.Op) error {
	o := p.o
	n := op.Num

	if folded, err := p.fold(op); folded || err != nil {
		return err
	}

	switch {
	case n.IsGuard():
		return p.guard(op)
	case n.IsSameAs():
		o.makeEqual(op.Result, op.Args[0])
		return nil
	case n >= trace.OpIntAdd && n <= trace.OpIntSignext:
		if r := p.intIdentity(op); r != nil {
			o.makeEqual(op.Result, r)
			return nil
		}
	case n.IsComparison() || n == trace.OpPtrEq || n == trace.OpPtrNe || n == trace.OpInstancePtrEq || n == trace.OpInstancePtrNe:
		if r, ok := p.compareSelf(op); ok {
			o.makeEqual(op.Result, boolConst(r))
			return nil
		}
	case n == trace.OpIntIsTrue:
		if b := o.boundOf(op.Args[0]); b.Lower >= 0 && b.Upper <= 1 {
			o.makeEqual(op.Result, op.Args[0])
			return nil
		}
	}

	switch n {
	case trace.OpFloatMul:
		if f, ok := trace.AsFloat(o.get(op.Args[1])); ok && f == 1 {
			o.makeEqual(op.Result, op.Args[0])
			return nil
		}
		if f, ok := trace.AsFloat(o.get(op.Args[0])); ok && f == 1 {
			o.makeEqual(op.Result, op.Args[1])
			return nil
		}
	case trace.OpFloatNeg:
		if d := p.def(op.Args[0]); d != nil && d.Num == trace.OpFloatNeg {
			o.makeEqual(op.Result, d.Args[0])
			return nil
		}
	case trace.OpCastIntToPtr:
		if d := p.def(op.Args[0]); d != nil && d.Num == trace.OpCastPtrToInt {
			o.makeEqual(op.Result, d.Args[0])
			return nil
		}
	case trace.OpCastPtrToInt:
		if d := p.def(op.Args[0]); d != nil && d.Num == trace.OpCastIntToPtr {
			o.makeEqual(op.Result, d.Args[0])
			return nil
		}
	case trace.OpConvertFloatBytesToLonglong:
		if d := p.def(op.Args[0]); d != nil && d.Num == trace.OpConvertLonglongBytesToFloat {
			o.makeEqual(op.Result, d.Args[0])
			return nil
		}
	case trace.OpConvertLonglongBytesToFloat:
		if d := p.def(op.Args[0]); d != nil && d.Num == trace.OpConvertFloatBytesToLonglong {
			o.makeEqual(op.Result, d.Args[0])
			return nil
		}
	case trace.OpPtrEq, trace.OpPtrNe, trace.OpInstancePtrEq, trace.OpInstancePtrNe:
		if r, ok := p.comparePtrs(op); ok {
			o.makeEqual(op.Result, boolConst(r))
			return nil
		}
	case trace.OpCondCallN:
		c, ok := o.intConst(op.Args[0])
		if !ok {
			break
		}
		if c == 0 {
			return nil
		}
		call := trace.NewOp(trace.OpCallN, append([]trace.Value(nil), op.Args[1:]...), op.Descr)
		return p.emit(call)
	case trace.OpRecordExactClass:
		cls, ok := o.intConst(op.Args[1])
		if !ok {
			break
		}
		if known, ok := o.knownClass(op.Args[0]); ok && known == cls {
			return nil
		}
		if err := p.emit(op); err != nil {
			return err
		}
		o.setClass(op.Args[0], cls)
		return nil
	}
	return p.emit(op)
}

func (p *Rewrite) def(v trace.Value) *trace.Op {
	if b, ok := p.o.get(v).(*trace.Box); ok {
		return p.o.defs[b]
	}
	return nil
}

// ============================================================================
// Constant folding
// ============================================================================

// fold evaluates op when all its arguments are constants.
func (p *Rewrite) fold(op *trace.Op) (bool, error) {
	o := p.o
	n := op.Num
	if op.Result == nil || !(n.IsAlwaysPure() || n.IsOvf()) || n.IsCallPure() {
		return false, nil
	}
	args := make([]trace.Const, len(op.Args))
	for i, a := range op.Args {
		c, ok := o.constOf(a)
		if !ok {
			return false, nil
		}
		args[i] = c
	}
	if needsMachine[n] && o.cpu == nil {
		if r, ok := foldStringOp(n, args); ok {
			o.makeEqual(op.Result, r)
			return true, nil
		}
		return false, nil
	}
	r, err := safeExecute(o.cpu, n, op.Descr, args)
	switch {
	case errors.Is(err, executor.ErrOverflow):
		// Leave it to the guard to fail.
		return false, nil
	case err != nil:
		return false, nil
	}
	if n.IsOvf() {
		o.ovfRemoved = true
	}
	o.makeEqual(op.Result, r)
	return true, nil
}

// safeExecute runs the executor, turning a memory fault into an error.
func safeExecute(m executor.Machine, n trace.Opnum, d trace.Descr, args []trace.Const) (r trace.Const, err error) {
	defer func() {
		if x := recover(); x != nil {
			f, ok := x.(*memory.Fault)
			if !ok {
				panic(x)
			}
			r, err = nil, f
		}
	}()
	return executor.Execute(m, n, d, args...)
}

// foldStringOp evaluates string length and indexing on constants without
// a machine.
func foldStringOp(n trace.Opnum, args []trace.Const) (trace.Const, bool) {
	chars, ok := constChars(args[0])
	if !ok {
		return nil, false
	}
	switch n {
	case trace.OpStrlen, trace.OpUnicodelen:
		return trace.ConstInt{V: int64(len(chars))}, true
	case trace.OpStrgetitem, trace.OpUnicodegetitem:
		i, ok := trace.AsInt(args[1])
		if !ok || i < 0 || i >= int64(len(chars)) {
			return nil, false
		}
		return trace.ConstInt{V: int64(chars[i])}, true
	}
	return nil, false
}

// ============================================================================
// Algebra
// ============================================================================

// intIdentity returns the value op reduces to, or rewrites op in place
// and returns nil.
func (p *Rewrite) intIdentity(op *trace.Op) trace.Value {
	o := p.o
	if len(op.Args) != 2 {
		return nil
	}
	a, b := o.get(op.Args[0]), o.get(op.Args[1])
	x, aok := o.intConst(a)
	y, bok := o.intConst(b)
	if aok && !bok && op.Num.IsCommutative() {
		a, b, x, y, aok, bok = b, a, y, x, bok, aok
		op.Args[0], op.Args[1] = a, b
	}

	switch op.Num {
	case trace.OpIntAdd:
		if bok && y == 0 {
			return a
		}
		if bok {
			return p.reassociate(op, a, y)
		}
	case trace.OpIntSub:
		switch {
		case bok && y == 0:
			return a
		case a == b:
			return trace.Const0
		case bok:
			if d := p.def(a); d != nil && (d.Num == trace.OpIntAdd || d.Num == trace.OpIntSub) && !trace.IsBox(p.o.get(d.Args[1])) {
				op.Num = trace.OpIntAdd
				op.Args[1] = trace.ConstInt{V: -y}
				return p.reassociate(op, a, -y)
			}
		}
	case trace.OpIntMul:
		switch {
		case bok && y == 1:
			return a
		case bok && y == 0:
			return trace.Const0
		case bok && y == -1:
			op.Num = trace.OpIntNeg
			op.Args = []trace.Value{a}
		case bok && y > 0 && y&(y-1) == 0:
			op.Num = trace.OpIntLshift
			op.Args[1] = trace.ConstInt{V: int64(bits.TrailingZeros64(uint64(y)))}
			p.combineShifts(op)
		}
	case trace.OpIntFloordiv:
		if bok && y == 1 {
			return a
		}
	case trace.OpIntAnd:
		switch {
		case bok && y == -1:
			return a
		case bok && y == 0:
			return trace.Const0
		case a == b:
			return a
		}
	case trace.OpIntOr:
		switch {
		case bok && y == 0:
			return a
		case a == b:
			return a
		}
	case trace.OpIntXor:
		switch {
		case bok && y == 0:
			return a
		case a == b:
			return trace.Const0
		}
	case trace.OpIntLshift, trace.OpIntRshift, trace.OpUintRshift:
		if bok && y == 0 {
			return a
		}
		if aok && x == 0 {
			return trace.Const0
		}
		if op.Num == trace.OpIntLshift {
			p.combineShifts(op)
		}
	}
	return nil
}

// combineShifts turns (x << c1) << c2 into x << (c1+c2) while the sum
// stays below the word size.
func (p *Rewrite) combineShifts(op *trace.Op) {
	c2, ok := p.o.intConst(op.Args[1])
	if !ok || c2 < 0 || c2 >= 64 {
		return
	}
	d := p.def(op.Args[0])
	if d == nil || d.Num != trace.OpIntLshift {
		return
	}
	c1, ok := p.o.intConst(d.Args[1])
	if !ok || c1 < 0 || c1+c2 >= 64 {
		return
	}
	op.Args = []trace.Value{p.o.get(d.Args[0]), trace.ConstInt{V: c1 + c2}}
}

// reassociate turns (x + c1) + c2 into x + (c1+c2). It returns x when
// the constants cancel out.
func (p *Rewrite) reassociate(op *trace.Op, a trace.Value, c int64) trace.Value {
	d := p.def(a)
	if d == nil || (d.Num != trace.OpIntAdd && d.Num != trace.OpIntSub) {
		return nil
	}
	c1, ok := p.o.intConst(d.Args[1])
	if !ok {
		return nil
	}
	sum := c1 + c
	if d.Num == trace.OpIntSub {
		sum = c - c1
	}
	if sum == 0 {
		return p.o.get(d.Args[0])
	}
	op.Args = []trace.Value{d.Args[0], trace.ConstInt{V: sum}}
	return nil
}

// compareSelf folds comparisons of a value with itself.
func (p *Rewrite) compareSelf(op *trace.Op) (bool, bool) {
	if len(op.Args) != 2 || p.o.get(op.Args[0]) != p.o.get(op.Args[1]) {
		return false, false
	}
	if _, ok := p.o.get(op.Args[0]).(*trace.Box); !ok {
		return false, false
	}
	switch op.Num {
	case trace.OpIntLt, trace.OpIntGt, trace.OpIntNe, trace.OpUintLt, trace.OpUintGt, trace.OpPtrNe, trace.OpInstancePtrNe:
		return false, true
	case trace.OpIntLe, trace.OpIntGe, trace.OpIntEq, trace.OpUintLe, trace.OpUintGe, trace.OpPtrEq, trace.OpInstancePtrEq:
		return true, true
	}
	return false, false
}

// comparePtrs folds a pointer comparison between a null and a non-null
// value.
func (p *Rewrite) comparePtrs(op *trace.Op) (bool, bool) {
	o := p.o
	a, b := op.Args[0], op.Args[1]
	differ := (o.isNull(a) && o.isNonnull(b)) || (o.isNonnull(a) && o.isNull(b))
	if !differ {
		return false, false
	}
	eq := op.Num == trace.OpPtrEq || op.Num == trace.OpInstancePtrEq
	return !eq, true
}

// ============================================================================
// Guards
// ============================================================================

func (p *Rewrite) guard(op *trace.Op) error {
	o := p.o
	switch op.Num {
	case trace.OpGuardTrue, trace.OpGuardFalse:
		if v, ok := o.intConst(op.Args[0]); ok {
			if (v != 0) == (op.Num == trace.OpGuardTrue) {
				return nil
			}
			return invalidLoop("%s on constant %d", op.Num, v)
		}
		arg := o.get(op.Args[0])
		if err := p.emit(op); err != nil {
			return err
		}
		if b, ok := arg.(*trace.Box); ok {
			o.makeEqual(b, boolConst(op.Num == trace.OpGuardTrue))
		}
		return nil

	case trace.OpGuardValue:
		return p.guardValue(op)

	case trace.OpGuardNonnull:
		switch {
		case o.isNonnull(op.Args[0]):
			return nil
		case o.isNull(op.Args[0]):
			return invalidLoop("guard_nonnull on NULL")
		}
		if err := p.emit(op); err != nil {
			return err
		}
		o.setNonnull(op.Args[0])
		return nil

	case trace.OpGuardIsnull:
		switch {
		case o.isNull(op.Args[0]):
			return nil
		case o.isNonnull(op.Args[0]):
			return invalidLoop("guard_isnull on a non-null value")
		}
		arg := o.get(op.Args[0])
		if err := p.emit(op); err != nil {
			return err
		}
		if b, ok := arg.(*trace.Box); ok {
			o.makeEqual(b, trace.ConstNull)
		}
		return nil

	case trace.OpGuardClass, trace.OpGuardNonnullClass:
		return p.guardClass(op)
	}
	return p.emit(op)
}

func (p *Rewrite) guardValue(op *trace.Op) error {
	o := p.o
	v := o.get(op.Args[0])
	c, ok := o.constOf(op.Args[1])
	if !ok {
		return p.emit(op)
	}
	if vc, ok := v.(trace.Const); ok {
		if vc == c {
			return nil
		}
		return invalidLoop("guard_value(%s, %s) always fails", vc, c)
	}
	b := v.(*trace.Box)
	if b.Kind() == trace.Ref {
		if cp, ok := c.(trace.ConstPtr); ok && cp.V != nil {
			if known, ok := o.knownClass(b); ok {
				if cc, ok := cp.V.(classed); ok && cc.Class() != known {
					return invalidLoop("guard_value(%s) contradicts its known class", b)
				}
			}
		}
		if cp, ok := c.(trace.ConstPtr); ok && cp.V == nil && o.isNonnull(b) {
			return invalidLoop("guard_value(%s, NULL) on a nonnull value", b)
		}
		if pos, ok := o.guardPos[b]; ok {
			prev := o.out[pos]
			merged := prev.Copy()
			merged.Num = trace.OpGuardValue
			merged.Args = []trace.Value{b, c}
			o.replaceOut(pos, merged)
			o.makeEqual(b, c)
			return nil
		}
	}
	if err := p.emit(op); err != nil {
		return err
	}
	o.makeEqual(b, c)
	return nil
}

func (p *Rewrite) guardClass(op *trace.Op) error {
	o := p.o
	cls, ok := o.intConst(op.Args[1])
	if !ok {
		return p.emit(op)
	}
	v := o.get(op.Args[0])
	if o.isNull(v) {
		if op.Num == trace.OpGuardNonnullClass {
			return invalidLoop("guard_nonnull_class on NULL")
		}
	}
	if known, ok := o.knownClass(v); ok {
		if known == cls {
			return nil
		}
		return invalidLoop("guard_class(%s) expects %#x, class is %#x", v, cls, known)
	}
	b, isBox := v.(*trace.Box)
	if !isBox {
		return p.emit(op)
	}
	if pos, ok := o.guardPos[b]; ok && o.out[pos].Num == trace.OpGuardNonnull {
		merged := o.out[pos].Copy()
		merged.Num = trace.OpGuardNonnullClass
		merged.Args = []trace.Value{b, trace.ConstInt{V: cls}}
		o.replaceOut(pos, merged)
		o.setClass(b, cls)
		return nil
	}
	if op.Num == trace.OpGuardNonnullClass && o.isNonnull(b) {
		op.Num = trace.OpGuardClass
	}
	if err := p.emit(op); err != nil {
		return err
	}
	o.setClass(b, cls)
	return nil
}
