package optimizer

import (
	"cmp"
	"maps"
	"math"
	"slices"

	"github.com/chazu/rjit/pkg/trace"
	"github.com/chazu/rjit/resume"
)

// lazySet is a field store the heap pass has not emitted yet.
type lazySet struct {
	descr *trace.FieldDescr
	obj   trace.Value
	op    *trace.Op
}

type itemKey struct {
	obj trace.Value
	idx int64
}

// Heap caches the contents of fields and array items across the trace.
// Loads whose value is known are removed, stores that write the known
// value are dropped, and field stores are delayed until something may
// observe them.
type Heap struct {
	base

	fields    map[*trace.FieldDescr]map[trace.Value]trace.Value
	items     map[*trace.ArrayDescr]map[itemKey]trace.Value
	interiors map[*trace.InteriorFieldDescr]map[itemKey]trace.Value
	immutable map[*trace.FieldDescr]map[trace.Value]trace.Value

	lazy []*lazySet

	// fresh holds objects allocated by the trace. Two of them never alias.
	fresh map[*trace.Box]bool

	invalidationChecked bool
	// dropNextGNI drops the GUARD_NOT_INVALIDATED protecting a removed
	// QUASIIMMUT_FIELD.
	dropNextGNI bool
}

func (p *Heap) Name() string { return "heap" }

func (p *Heap) setup(o *Optimizer, idx int) {
	p.base.setup(o, idx)
	p.fields = make(map[*trace.FieldDescr]map[trace.Value]trace.Value)
	p.items = make(map[*trace.ArrayDescr]map[itemKey]trace.Value)
	p.interiors = make(map[*trace.InteriorFieldDescr]map[itemKey]trace.Value)
	p.immutable = make(map[*trace.FieldDescr]map[trace.Value]trace.Value)
	p.fresh = make(map[*trace.Box]bool)
}

func (p *Heap) propagate(op *trace.Op) error {
	o := p.o
	n := op.Num
	switch {
	case n == trace.OpSetfieldGc:
		return p.setfield(op)

	case n.IsGetfieldGc():
		return p.getfield(op)

	case n == trace.OpSetarrayitemGc:
		return p.setitem(op, p.itemCache(op.ArrayDescr()))

	case n.IsGetarrayitemGc():
		return p.getitem(op, p.itemCache(op.ArrayDescr()))

	case n == trace.OpSetinteriorfieldGc:
		return p.setitem(op, p.interiorCache(op.Descr.(*trace.InteriorFieldDescr)))

	case n.IsGetinteriorfieldGc():
		return p.getitem(op, p.interiorCache(op.Descr.(*trace.InteriorFieldDescr)))

	case n == trace.OpQuasiimmutField:
		return p.quasiImmut(op)

	case n == trace.OpGuardNotInvalidated:
		if p.dropNextGNI {
			p.dropNextGNI = false
			return nil
		}
		if p.invalidationChecked {
			return nil
		}
		p.invalidationChecked = true
		return p.guard(op)

	case n.IsGuard():
		return p.guard(op)

	case n.IsMalloc():
		if err := p.emit(op); err != nil {
			return err
		}
		if b, ok := o.get(op.Result).(*trace.Box); ok {
			p.fresh[b] = true
		}
		return nil

	case n == trace.OpLabel, n.IsFinal(), n.IsEscape(), n.IsCallMayForce(), n.IsCallAssembler(), n.IsCallReleaseGil():
		if err := p.forceAll(); err != nil {
			return err
		}
		p.clearCaches()
		p.invalidationChecked = false
		return p.emit(op)

	case n.IsCall():
		return p.call(op)

	case n == trace.OpZeroArray:
		if err := p.forceAll(); err != nil {
			return err
		}
		delete(p.items, op.ArrayDescr())
	}
	return p.emit(op)
}

// mayAlias reports whether two resolved references may be the same
// object.
func (p *Heap) mayAlias(a, b trace.Value) bool {
	if sameValue(a, b) {
		return true
	}
	ab, aBox := a.(*trace.Box)
	bb, bBox := b.(*trace.Box)
	switch {
	case !aBox && !bBox:
		return false
	case aBox && bBox:
		return !(p.fresh[ab] && p.fresh[bb])
	}
	return true
}

// ============================================================================
// Fields
// ============================================================================

func (p *Heap) setfield(op *trace.Op) error {
	o := p.o
	f := op.FieldDescr()
	obj, v := o.get(op.Args[0]), o.get(op.Args[1])

	if f.Immutable {
		if cache := p.immutable[f]; cache != nil {
			if old := cache[obj]; old != nil && !sameValue(o.get(old), v) && !o.isVirtual(old) && !o.isVirtual(v) {
				return &BogusImmutableFieldError{Field: f, Old: o.get(old), New: v}
			}
		}
		return p.emit(op)
	}

	cache := p.fields[f]
	if cache != nil {
		if cur, ok := cache[obj]; ok && sameValue(o.get(cur), v) {
			return nil
		}
	}
	// Pending stores to possibly aliased objects must land first.
	if err := p.forceLazy(func(l *lazySet) bool {
		return l.descr == f && !sameValue(o.get(l.obj), obj) && p.mayAlias(o.get(l.obj), obj)
	}); err != nil {
		return err
	}
	if cache == nil {
		cache = make(map[trace.Value]trace.Value)
		p.fields[f] = cache
	}
	for k := range cache {
		if p.mayAlias(k, obj) {
			delete(cache, k)
		}
	}
	cache[obj] = v
	for _, l := range p.lazy {
		if l.descr == f && sameValue(o.get(l.obj), obj) {
			l.op = op
			return nil
		}
	}
	p.lazy = append(p.lazy, &lazySet{descr: f, obj: obj, op: op})
	return nil
}

func (p *Heap) getfield(op *trace.Op) error {
	o := p.o
	f := op.FieldDescr()
	obj := o.get(op.Args[0])
	if f.Immutable {
		if err := p.emit(op); err != nil {
			return err
		}
		cache := p.immutable[f]
		if cache == nil {
			cache = make(map[trace.Value]trace.Value)
			p.immutable[f] = cache
		}
		cache[obj] = o.get(op.Result)
		return nil
	}
	if cache := p.fields[f]; cache != nil {
		if v, ok := cache[obj]; ok {
			o.makeEqual(op.Result, v)
			return nil
		}
	}
	if err := p.forceLazy(func(l *lazySet) bool {
		return l.descr == f && p.mayAlias(o.get(l.obj), obj)
	}); err != nil {
		return err
	}
	if err := p.emit(op); err != nil {
		return err
	}
	cache := p.fields[f]
	if cache == nil {
		cache = make(map[trace.Value]trace.Value)
		p.fields[f] = cache
	}
	cache[obj] = o.get(op.Result)
	return nil
}

// forceLazy emits the delayed stores selected by which, in order.
func (p *Heap) forceLazy(which func(*lazySet) bool) error {
	var keep, emit []*lazySet
	for _, l := range p.lazy {
		if which(l) {
			emit = append(emit, l)
		} else {
			keep = append(keep, l)
		}
	}
	p.lazy = keep
	for _, l := range emit {
		if err := p.emit(l.op); err != nil {
			return err
		}
	}
	return nil
}

func (p *Heap) forceAll() error {
	return p.forceLazy(func(*lazySet) bool { return true })
}

func (p *Heap) flush() error { return p.forceAll() }

func (p *Heap) clearCaches() {
	clear(p.fields)
	clear(p.items)
	clear(p.interiors)
}

// ============================================================================
// Arrays
// ============================================================================

func (p *Heap) itemCache(d *trace.ArrayDescr) map[itemKey]trace.Value {
	c := p.items[d]
	if c == nil {
		c = make(map[itemKey]trace.Value)
		p.items[d] = c
	}
	return c
}

func (p *Heap) interiorCache(d *trace.InteriorFieldDescr) map[itemKey]trace.Value {
	c := p.interiors[d]
	if c == nil {
		c = make(map[itemKey]trace.Value)
		p.interiors[d] = c
	}
	return c
}

func (p *Heap) setitem(op *trace.Op, cache map[itemKey]trace.Value) error {
	o := p.o
	obj, v := o.get(op.Args[0]), o.get(op.Args[2])
	idx, known := o.intConst(op.Args[1])
	if known {
		if cur, ok := cache[itemKey{obj, idx}]; ok && sameValue(o.get(cur), v) {
			return nil
		}
	}
	if err := p.emit(op); err != nil {
		return err
	}
	for k := range cache {
		if p.mayAlias(k.obj, obj) && (!known || k.idx == idx) {
			delete(cache, k)
		}
	}
	if known {
		cache[itemKey{obj, idx}] = v
	}
	return nil
}

func (p *Heap) getitem(op *trace.Op, cache map[itemKey]trace.Value) error {
	o := p.o
	obj := o.get(op.Args[0])
	idx, known := o.intConst(op.Args[1])
	if known {
		if v, ok := cache[itemKey{obj, idx}]; ok {
			o.makeEqual(op.Result, v)
			return nil
		}
	}
	if err := p.emit(op); err != nil {
		return err
	}
	if known {
		cache[itemKey{obj, idx}] = o.get(op.Result)
	}
	return nil
}

// ============================================================================
// Calls and guards
// ============================================================================

func (p *Heap) call(op *trace.Op) error {
	ei := op.EffectInfo()
	if ei == nil || ei.HasRandomEffects() || ei.ForcesVirtuals() {
		if err := p.forceAll(); err != nil {
			return err
		}
		p.clearCaches()
		p.invalidationChecked = false
		return p.emit(op)
	}
	if err := p.forceLazy(func(l *lazySet) bool {
		return ei.CheckReadField(l.descr) || ei.CheckWriteField(l.descr)
	}); err != nil {
		return err
	}
	if err := p.emit(op); err != nil {
		return err
	}
	for f := range p.fields {
		if ei.CheckWriteField(f) {
			delete(p.fields, f)
		}
	}
	for d := range p.items {
		if ei.CheckWriteArray(d) {
			delete(p.items, d)
		}
	}
	for d := range p.interiors {
		if ei.CheckWriteInterior(d) {
			delete(p.interiors, d)
		}
	}
	if ei.CanInvalidate {
		p.invalidationChecked = false
	}
	return nil
}

// guard emits the delayed stores a failing guard needs. Stores of
// virtual values are replayed by the resume data instead.
func (p *Heap) guard(op *trace.Op) error {
	o := p.o
	var pending []*lazySet
	if err := p.forceLazy(func(l *lazySet) bool {
		v := o.get(l.op.Args[1])
		if o.isVirtual(v) && !o.isVirtual(l.obj) {
			pending = append(pending, l)
			return false
		}
		return true
	}); err != nil {
		return err
	}
	o.pendingForGuard = nil
	for _, l := range pending {
		o.pendingForGuard = append(o.pendingForGuard, pendingSet(l.descr, o.get(l.obj), o.get(l.op.Args[1])))
	}
	return p.emit(op)
}

// ============================================================================
// Quasi-immutable fields
// ============================================================================

// quasiImmut handles QUASIIMMUT_FIELD(obj). On a constant object the
// current field value is recorded and the loop is registered to be
// invalidated when the field changes.
func (p *Heap) quasiImmut(op *trace.Op) error {
	o := p.o
	f := op.FieldDescr()
	if qd, ok := op.Descr.(*trace.QuasiImmutDescr); ok {
		f = qd.Field
	}
	c, isConst := o.get(op.Args[0]).(trace.ConstPtr)
	switch {
	case f == nil:
		return p.emit(op)
	case !isConst || c.V == nil:
		p.dropNextGNI = true
		return nil
	case o.cpu == nil:
		return p.emit(op)
	}
	for _, d := range o.quasiDeps {
		if d.Object == c.V && d.Field == f {
			return nil
		}
	}
	value := o.cpu.BhGetfieldGc(c.V, f)
	o.quasiDeps = append(o.quasiDeps, QuasiDep{Object: c.V, Field: f})
	op.Descr = trace.NewQuasiImmutDescr(c.V, f, value)
	if err := p.emit(op); err != nil {
		return err
	}
	if p.fields[f] == nil {
		p.fields[f] = make(map[trace.Value]trace.Value)
	}
	p.fields[f][c] = value
	return nil
}

// ============================================================================
// Short preamble
// ============================================================================

// exportShort returns loads of cached fields of objects for which avail
// holds. Only box results are exported.
func (p *Heap) exportShort(avail func(trace.Value) bool) []*trace.Op {
	o := p.o
	var out []*trace.Op
	for _, f := range sortedFields(p.fields) {
		for _, obj := range sortedKeys(p.fields[f]) {
			r, ok := o.get(p.fields[f][obj]).(*trace.Box)
			if !ok || o.virtuals[r] != nil || !avail(obj) || !o.isNonnull(obj) {
				continue
			}
			out = append(out, trace.NewOpWithResult(trace.GetfieldGcFor(f.Type), []trace.Value{obj}, r, f))
		}
	}
	return out
}

// importShort seeds the field cache from a producer of the loop header.
func (p *Heap) importShort(op *trace.Op) {
	f := op.FieldDescr()
	if f == nil || !op.Num.IsGetfieldGc() {
		return
	}
	if p.fields[f] == nil {
		p.fields[f] = make(map[trace.Value]trace.Value)
	}
	p.fields[f][op.Args[0]] = op.Result
}

func pendingSet(f *trace.FieldDescr, obj, v trace.Value) resume.PendingSet {
	return resume.PendingSet{Descr: f, Target: obj, Value: v, Index: -1}
}

func sortedFields[V any](m map[*trace.FieldDescr]V) []*trace.FieldDescr {
	return slices.SortedFunc(maps.Keys(m), func(a, b *trace.FieldDescr) int {
		return cmp.Compare(a.DescrID(), b.DescrID())
	})
}

// sortedKeys orders boxes by creation; constants come last.
func sortedKeys[V any](m map[trace.Value]V) []trace.Value {
	return slices.SortedStableFunc(maps.Keys(m), func(a, b trace.Value) int {
		return cmp.Compare(valueOrder(a), valueOrder(b))
	})
}

func valueOrder(v trace.Value) int64 {
	if b, ok := v.(*trace.Box); ok {
		return b.ID()
	}
	return math.MaxInt64
}
