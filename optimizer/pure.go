package optimizer

import (
	"maps"
	"slices"

	"github.com/chazu/rjit/pkg/memory"
	"github.com/chazu/rjit/pkg/trace"
)

// pureEntry is an emitted operation whose result only depends on its
// arguments.
type pureEntry struct {
	descr  trace.Descr
	args   []trace.Value
	result trace.Value
	// ovf marks results of overflow-checked arithmetic. A plain lookup
	// may use them; an overflow-checked lookup may only use them.
	ovf bool
}

var ovfPlain = map[trace.Opnum]trace.Opnum{
	trace.OpIntAddOvf: trace.OpIntAdd,
	trace.OpIntSubOvf: trace.OpIntSub,
	trace.OpIntMulOvf: trace.OpIntMul,
}

// Pure removes recomputations of side-effect-free operations, folds
// elidable calls and caches loop-invariant calls.
type Pure struct {
	base

	entries map[trace.Opnum][]*pureEntry
	loopinv map[int64]trace.Value
}

func (p *Pure) Name() string { return "pure" }

func (p *Pure) setup(o *Optimizer, idx int) {
	p.base.setup(o, idx)
	p.entries = make(map[trace.Opnum][]*pureEntry)
	p.loopinv = make(map[int64]trace.Value)
}

func (p *Pure) propagate(op *trace.Op) error {
	o := p.o
	n := op.Num
	switch {
	case n.IsOvf():
		plain := ovfPlain[n]
		if r := p.lookup(plain, nil, op.Args, true); r != nil {
			o.makeEqual(op.Result, r)
			o.ovfRemoved = true
			return nil
		}
		if err := p.emit(op); err != nil {
			return err
		}
		p.record(plain, nil, op.Args, op.Result, true)
		return nil

	case n.IsCallPure():
		return p.callPure(op)

	case n.IsPlainCall() && op.EffectInfo() != nil && op.EffectInfo().IsElidable():
		return p.callPure(op)

	case n.IsCallLoopinvariant():
		return p.loopInvariant(op)

	case n.IsGetfieldGc() && op.FieldDescr() != nil && op.FieldDescr().Immutable:
		return p.cse(op)

	case n.IsAlwaysPure() && !n.IsSameAs():
		return p.cse(op)
	}
	return p.emit(op)
}

// cse reuses an earlier result of op or emits and records it.
func (p *Pure) cse(op *trace.Op) error {
	o := p.o
	if r := p.lookup(op.Num, op.Descr, op.Args, false); r != nil {
		o.makeEqual(op.Result, r)
		return nil
	}
	if op.Num.IsCommutative() && len(op.Args) == 2 {
		if r := p.lookup(op.Num, op.Descr, []trace.Value{op.Args[1], op.Args[0]}, false); r != nil {
			o.makeEqual(op.Result, r)
			return nil
		}
	}
	if err := p.emit(op); err != nil {
		return err
	}
	p.record(op.Num, op.Descr, op.Args, op.Result, false)
	return nil
}

func (p *Pure) lookup(num trace.Opnum, descr trace.Descr, args []trace.Value, ovfOnly bool) trace.Value {
	o := p.o
next:
	for _, e := range p.entries[num] {
		if e.descr != descr || len(e.args) != len(args) || (ovfOnly && !e.ovf) {
			continue
		}
		for i, a := range args {
			if !sameValue(o.get(a), o.get(e.args[i])) {
				continue next
			}
		}
		return o.get(e.result)
	}
	return nil
}

// record remembers result = num(args). Additions and subtractions also
// record their inverses.
func (p *Pure) record(num trace.Opnum, descr trace.Descr, args []trace.Value, result *trace.Box, ovf bool) {
	if result == nil {
		return
	}
	o := p.o
	args = resolveAll(o, args)
	r := o.get(result)
	if _, isConst := r.(trace.Const); isConst {
		return
	}
	p.entries[num] = append(p.entries[num], &pureEntry{descr: descr, args: args, result: r, ovf: ovf})
	// The inverse of a checked operation that did not overflow cannot
	// overflow either, so checked lookups may use it too.
	switch num {
	case trace.OpIntAdd:
		p.addEntry(trace.OpIntSub, r, args[1], args[0], ovf)
		p.addEntry(trace.OpIntSub, r, args[0], args[1], ovf)
	case trace.OpIntSub:
		p.addEntry(trace.OpIntAdd, r, args[1], args[0], ovf)
		p.addEntry(trace.OpIntSub, args[0], r, args[1], ovf)
	}
}

func (p *Pure) addEntry(num trace.Opnum, a, b, result trace.Value, ovf bool) {
	p.entries[num] = append(p.entries[num], &pureEntry{args: []trace.Value{a, b}, result: result, ovf: ovf})
}

func resolveAll(o *Optimizer, vs []trace.Value) []trace.Value {
	out := make([]trace.Value, len(vs))
	for i, v := range vs {
		out[i] = o.get(v)
	}
	return out
}

// sameValue compares two resolved values. Constants compare by value.
func sameValue(a, b trace.Value) bool {
	switch x := a.(type) {
	case trace.ConstInt:
		y, ok := b.(trace.ConstInt)
		return ok && x.V == y.V
	case trace.ConstFloat:
		y, ok := b.(trace.ConstFloat)
		return ok && x.Bits == y.Bits
	case trace.ConstPtr:
		y, ok := b.(trace.ConstPtr)
		return ok && x.V == y.V
	}
	return a == b
}

// ============================================================================
// Calls
// ============================================================================

func (p *Pure) callPure(op *trace.Op) error {
	o := p.o
	consts, allConst := constArgs(o, op.Args)
	if allConst && op.Num.IsCallPure() {
		for _, r := range o.opts.CallPureResults {
			if sameConsts(r.Args, consts) {
				o.makeEqual(op.Result, r.Result)
				return nil
			}
		}
	}
	key := trace.CallPureOf(op.Num)
	if op.Result != nil {
		if r := p.lookup(key, op.Descr, op.Args, false); r != nil {
			o.makeEqual(op.Result, r)
			return nil
		}
	}
	ei := op.EffectInfo()
	if allConst && o.cpu != nil && ei != nil && ei.IsElidable() && !ei.CheckCanRaise(false) {
		if r, ok := p.evalCall(consts, op.CallDescr()); ok {
			if op.Result != nil {
				o.makeEqual(op.Result, r)
			}
			return nil
		}
	}
	if op.Num.IsCallPure() {
		op.Num = trace.PlainCallOf(op.Num)
	}
	if err := p.emit(op); err != nil {
		return err
	}
	p.record(key, op.Descr, op.Args, op.Result, false)
	return nil
}

// evalCall runs an elidable call on constant arguments.
func (p *Pure) evalCall(args []trace.Const, cd *trace.CallDescr) (r trace.Const, ok bool) {
	fn, isInt := args[0].(trace.ConstInt)
	if !isInt {
		return nil, false
	}
	defer func() {
		if x := recover(); x != nil {
			if _, fault := x.(*memory.Fault); !fault {
				panic(x)
			}
			r, ok = nil, false
		}
	}()
	res, err := p.o.cpu.BhCall(fn.V, args[1:], cd)
	if err != nil {
		log.Debugf("constant call %s not folded: %v", cd, err)
		return nil, false
	}
	return res, true
}

func (p *Pure) loopInvariant(op *trace.Op) error {
	o := p.o
	fn, known := o.intConst(op.Args[0])
	if known {
		if r := p.loopinv[fn]; r != nil {
			o.makeEqual(op.Result, r)
			return nil
		}
	}
	op.Num = trace.PlainCallOf(op.Num)
	if err := p.emit(op); err != nil {
		return err
	}
	if known && op.Result != nil {
		p.loopinv[fn] = o.get(op.Result)
	}
	return nil
}

func constArgs(o *Optimizer, args []trace.Value) ([]trace.Const, bool) {
	out := make([]trace.Const, len(args))
	for i, a := range args {
		c, ok := o.constOf(a)
		if !ok {
			return nil, false
		}
		out[i] = c
	}
	return out, true
}

func sameConsts(a, b []trace.Const) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameValue(a[i], b[i]) {
			return false
		}
	}
	return true
}

// ============================================================================
// Short preamble
// ============================================================================

// exportShort returns the recorded operations computable from values
// for which avail holds. Their results become extra loop inputs.
func (p *Pure) exportShort(avail func(trace.Value) bool) []*trace.Op {
	o := p.o
	var out []*trace.Op
	for _, num := range sortedOpnums(p.entries) {
		if num.IsCall() {
			continue
		}
	entries:
		for _, e := range p.entries[num] {
			if e.ovf {
				continue
			}
			r, ok := o.get(e.result).(*trace.Box)
			if !ok || o.virtuals[r] != nil {
				continue
			}
			args := resolveAll(o, e.args)
			for _, a := range args {
				if !avail(a) {
					continue entries
				}
			}
			out = append(out, trace.NewOpWithResult(num, args, r, e.descr))
		}
	}
	return out
}

// importShort records a producer of the loop header.
func (p *Pure) importShort(op *trace.Op) {
	p.entries[op.Num] = append(p.entries[op.Num], &pureEntry{descr: op.Descr, args: op.Args, result: op.Result})
}

func sortedOpnums[V any](m map[trace.Opnum]V) []trace.Opnum {
	return slices.Sorted(maps.Keys(m))
}
