package optimizer

import (
	"github.com/chazu/rjit/pkg/trace"
)

// Simplify is always the last pass. It lowers the operations only the
// optimizer understands into ones the back-end runs.
type Simplify struct {
	base
}

func (p *Simplify) Name() string { return "simplify" }

func (p *Simplify) propagate(op *trace.Op) error {
	o := p.o
	n := op.Num
	switch {
	case n.IsSameAs():
		o.makeEqual(op.Result, op.Args[0])
		return nil

	case n.IsDebug(), n == trace.OpRecordExactClass, n == trace.OpVirtualRefFinish:
		return nil

	case n == trace.OpVirtualRefR:
		o.makeEqual(op.Result, op.Args[0])
		return nil

	case n.IsCallPure(), n.IsCallLoopinvariant():
		op.Num = trace.PlainCallOf(n)

	case n.IsFoldableGuard():
		if p.guardHolds(op) {
			return nil
		}
	}
	return p.emit(op)
}

// guardHolds reports whether a guard on constants always passes.
func (p *Simplify) guardHolds(op *trace.Op) bool {
	o := p.o
	switch op.Num {
	case trace.OpGuardTrue, trace.OpGuardFalse:
		v, ok := o.intConst(op.Args[0])
		return ok && (v != 0) == (op.Num == trace.OpGuardTrue)
	case trace.OpGuardValue:
		a, aok := o.constOf(op.Args[0])
		b, bok := o.constOf(op.Args[1])
		return aok && bok && sameValue(a, b)
	case trace.OpGuardNonnull:
		c, ok := o.get(op.Args[0]).(trace.ConstPtr)
		return ok && c.V != nil
	case trace.OpGuardIsnull:
		c, ok := o.get(op.Args[0]).(trace.ConstPtr)
		return ok && c.V == nil
	}
	return false
}
