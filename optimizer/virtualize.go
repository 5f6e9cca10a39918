package optimizer

import (
	"github.com/chazu/rjit/pkg/trace"
)

// VirtualRefDescr is the layout of the object VIRTUAL_REF_R returns.
var VirtualRefDescr = trace.NewSizeDescr("JitVirtualRef", true,
	trace.FieldSpec{Name: "virtual_token", Type: trace.Ref},
	trace.FieldSpec{Name: "forced", Type: trace.Ref},
)

var (
	vrefTokenField  = VirtualRefDescr.FieldByName("virtual_token")
	vrefForcedField = VirtualRefDescr.FieldByName("forced")
)

// Virtualize removes allocations that do not escape. Stores into a
// virtual object update its contents, loads read them back, and the
// object is only built when something outside the trace may see it.
type Virtualize struct {
	base
}

func (p *Virtualize) Name() string { return "virtualize" }

func (p *Virtualize) propagate(op *trace.Op) error {
	o := p.o
	n := op.Num
	switch {
	case n == trace.OpNew || n == trace.OpNewWithVtable:
		o.virtuals[op.Result] = newVStruct(op.Descr.(*trace.SizeDescr))
		return nil

	case n == trace.OpNewArray || n == trace.OpNewArrayClear:
		return p.newArray(op)

	case n == trace.OpSetfieldGc:
		if v, ok := o.virtualOf(op.Args[0]).(*vstruct); ok {
			v.fields[op.FieldDescr()] = o.get(op.Args[1])
			return nil
		}

	case n.IsGetfieldGc():
		if v, ok := o.virtualOf(op.Args[0]).(*vstruct); ok {
			o.makeEqual(op.Result, v.getField(op.FieldDescr()))
			return nil
		}

	case n == trace.OpArraylenGc:
		switch v := o.virtualOf(op.Args[0]).(type) {
		case *varray:
			o.makeEqual(op.Result, trace.ConstInt{V: int64(len(v.items))})
			return nil
		case *varraystruct:
			o.makeEqual(op.Result, trace.ConstInt{V: int64(v.length)})
			return nil
		}

	case n == trace.OpSetarrayitemGc:
		if v, ok := o.virtualOf(op.Args[0]).(*varray); ok {
			if i, ok := o.intConst(op.Args[1]); ok && i >= 0 && i < int64(len(v.items)) {
				v.items[i] = o.get(op.Args[2])
				return nil
			}
			return p.forceArgAndEmit(op, 0)
		}

	case n.IsGetarrayitemGc():
		if v, ok := o.virtualOf(op.Args[0]).(*varray); ok {
			if i, ok := o.intConst(op.Args[1]); ok && i >= 0 && i < int64(len(v.items)) {
				o.makeEqual(op.Result, v.get(int(i)))
				return nil
			}
			return p.forceArgAndEmit(op, 0)
		}

	case n == trace.OpSetinteriorfieldGc:
		if v, ok := o.virtualOf(op.Args[0]).(*varraystruct); ok {
			d := op.Descr.(*trace.InteriorFieldDescr)
			if i, ok := o.intConst(op.Args[1]); ok && i >= 0 && i < int64(v.length) {
				if j := v.fieldIndex(d); j >= 0 {
					v.items[i][j] = o.get(op.Args[2])
					return nil
				}
			}
			return p.forceArgAndEmit(op, 0)
		}

	case n.IsGetinteriorfieldGc():
		if v, ok := o.virtualOf(op.Args[0]).(*varraystruct); ok {
			d := op.Descr.(*trace.InteriorFieldDescr)
			if i, ok := o.intConst(op.Args[1]); ok && i >= 0 && i < int64(v.length) {
				if j := v.fieldIndex(d); j >= 0 {
					x := v.items[i][j]
					if x == nil {
						x = trace.ZeroOf(d.Field.Type)
					}
					o.makeEqual(op.Result, x)
					return nil
				}
			}
			return p.forceArgAndEmit(op, 0)
		}

	case n == trace.OpZeroArray:
		if v, ok := o.virtualOf(op.Args[0]).(*varray); ok {
			start, ok1 := o.intConst(op.Args[1])
			length, ok2 := o.intConst(op.Args[2])
			if ok1 && ok2 && start >= 0 && start+length <= int64(len(v.items)) {
				for i := start; i < start+length; i++ {
					v.items[i] = trace.ZeroOf(v.descr.ItemType)
				}
				return nil
			}
		}

	case n == trace.OpCallI && op.EffectInfo() != nil && op.EffectInfo().OopSpec == trace.OSRawMallocVarsizeChar:
		if size, ok := o.intConst(op.Args[1]); ok && size >= 0 {
			o.virtuals[op.Result] = &vrawbuffer{size: size, fn: op.Args[0], calldescr: op.CallDescr()}
			return nil
		}

	case n == trace.OpCallN && op.EffectInfo() != nil && op.EffectInfo().OopSpec == trace.OSRawFree:
		if _, ok := o.virtualOf(op.Args[1]).(*vrawbuffer); ok {
			return nil
		}

	case n == trace.OpIntAdd:
		if off, ok := o.intConst(op.Args[1]); ok {
			switch v := o.virtualOf(op.Args[0]).(type) {
			case *vrawbuffer:
				o.virtuals[op.Result] = &vrawslice{base: o.get(op.Args[0]), offset: off}
				return nil
			case *vrawslice:
				o.virtuals[op.Result] = &vrawslice{base: v.base, offset: v.offset + off}
				return nil
			}
		}

	case n == trace.OpRawStore || n == trace.OpSetarrayitemRaw:
		if buf, off, ok := p.rawTarget(op); ok {
			if buf.write(off, op.ArrayDescr(), o.get(op.Args[2])) {
				return nil
			}
			return p.forceArgAndEmit(op, 0)
		}

	case n == trace.OpRawLoadI || n == trace.OpRawLoadF || n == trace.OpGetarrayitemRawI || n == trace.OpGetarrayitemRawF:
		if buf, off, ok := p.rawTarget(op); ok {
			if x, ok := buf.read(off, op.ArrayDescr()); ok {
				o.makeEqual(op.Result, x)
				return nil
			}
			return p.forceArgAndEmit(op, 0)
		}

	case n == trace.OpPtrEq || n == trace.OpPtrNe || n == trace.OpInstancePtrEq || n == trace.OpInstancePtrNe:
		a, b := o.get(op.Args[0]), o.get(op.Args[1])
		if a != b && (o.isVirtual(a) || o.isVirtual(b)) {
			eq := n == trace.OpPtrEq || n == trace.OpInstancePtrEq
			o.makeEqual(op.Result, boolConst(!eq))
			return nil
		}

	case n == trace.OpVirtualRefR:
		v := newVStruct(VirtualRefDescr)
		v.fields[vrefTokenField] = o.get(op.Args[1])
		o.virtuals[op.Result] = v
		return nil

	case n == trace.OpVirtualRefFinish:
		return p.vrefFinish(op)

	case n.IsCall() && op.EffectInfo() != nil && op.EffectInfo().OopSpec == trace.OSJitForceVirtual:
		if v, ok := o.virtualOf(op.Args[1]).(*vstruct); ok && v.descr == VirtualRefDescr {
			if forced := v.fields[vrefForcedField]; forced != nil && !o.isNull(forced) {
				o.makeEqual(op.Result, forced)
				return nil
			}
		}

	case n == trace.OpQuasiimmutField:
		if o.isVirtual(op.Args[0]) {
			return nil
		}
	}
	return p.emit(op)
}

func (p *Virtualize) newArray(op *trace.Op) error {
	o := p.o
	d := op.ArrayDescr()
	n, ok := o.intConst(op.Args[0])
	if !ok || n < 0 || n > int64(o.opts.MaxVirtualArray) {
		return p.emit(op)
	}
	if d.IsArrayOfStructs() {
		o.virtuals[op.Result] = newVArrayStruct(d, int(n))
		return nil
	}
	v := &varray{descr: d, clear: op.Num == trace.OpNewArrayClear, items: make([]trace.Value, n)}
	if v.clear {
		for i := range v.items {
			v.items[i] = trace.ZeroOf(d.ItemType)
		}
	}
	o.virtuals[op.Result] = v
	return nil
}

// rawTarget resolves the buffer and byte offset of a raw access on a
// virtual raw buffer or slice.
func (p *Virtualize) rawTarget(op *trace.Op) (*vrawbuffer, int64, bool) {
	o := p.o
	idx, ok := o.intConst(op.Args[1])
	if !ok {
		return nil, 0, false
	}
	off := idx
	if op.Num == trace.OpSetarrayitemRaw || op.Num == trace.OpGetarrayitemRawI || op.Num == trace.OpGetarrayitemRawF {
		off = idx * int64(op.ArrayDescr().ItemSize)
	}
	switch v := o.virtualOf(op.Args[0]).(type) {
	case *vrawbuffer:
		return v, off, true
	case *vrawslice:
		if buf, ok := o.virtualOf(v.base).(*vrawbuffer); ok {
			return buf, off + v.offset, true
		}
	}
	return nil, 0, false
}

// forceArgAndEmit forces argument i and emits op.
func (p *Virtualize) forceArgAndEmit(op *trace.Op, i int) error {
	v, err := p.o.forceValue(op.Args[i], p.next())
	if err != nil {
		return err
	}
	op.Args[i] = v
	return p.emit(op)
}

// vrefFinish ends the life of a virtual reference: the referenced object
// is recorded as forced and the token is cleared.
func (p *Virtualize) vrefFinish(op *trace.Op) error {
	o := p.o
	obj := o.get(op.Args[1])
	if v, ok := o.virtualOf(op.Args[0]).(*vstruct); ok && v.descr == VirtualRefDescr {
		if !o.isNull(obj) {
			v.fields[vrefForcedField] = obj
		}
		v.fields[vrefTokenField] = trace.ConstNull
		return nil
	}
	if !o.isNull(obj) {
		if _, err := o.emitNew(p.next(), trace.OpSetfieldGc, vrefForcedField, op.Args[0], obj); err != nil {
			return err
		}
	}
	_, err := o.emitNew(p.next(), trace.OpSetfieldGc, vrefTokenField, op.Args[0], trace.ConstNull)
	return err
}
