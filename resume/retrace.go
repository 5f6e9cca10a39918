package resume

import (
	"fmt"

	"github.com/chazu/rjit/pkg/trace"
)

// Retrace is the start of a bridge: one input box per fail argument,
// the operations that rebuild virtual objects, and the decoded frames
// expressed over those boxes.
type Retrace struct {
	Inputs []*trace.Box
	Ops    []*trace.Op
	State  *State
}

// ReadForRetrace decodes d into fresh boxes. Materializing a virtual
// records its allocation and stores in Ops.
func ReadForRetrace(d *Data, helpers Helpers) (*Retrace, error) {
	rt := &retracer{helpers: helpers, inputs: make([]*trace.Box, d.Count())}
	for i, k := range d.FailKinds {
		if k == trace.Void {
			k = trace.Int // hole; never read
		}
		rt.inputs[i] = trace.NewBox(k)
	}
	st, err := Decode(d, rt)
	if err != nil {
		return nil, err
	}
	return &Retrace{Inputs: rt.inputs, Ops: rt.ops, State: st}, nil
}

type retracer struct {
	helpers Helpers
	inputs  []*trace.Box
	ops     []*trace.Op
}

func (rt *retracer) emit(num trace.Opnum, descr trace.Descr, args ...trace.Value) *trace.Op {
	op := trace.NewOp(num, args, descr)
	rt.ops = append(rt.ops, op)
	return op
}

func (rt *retracer) call(os trace.OopSpec, args ...trace.Value) trace.Value {
	fn, cd, ok := rt.helpers.CallInfo(os)
	if !ok {
		panic(materializeError{fmt.Errorf("resume: no helper for %s", os)})
	}
	return rt.emit(trace.CallFor(cd.Result), cd, append([]trace.Value{fn}, args...)...).Result
}

func (rt *retracer) Const(c trace.Const) trace.Value { return c }

func (rt *retracer) Failarg(i int, k trace.Kind) trace.Value {
	if rt.inputs[i].Kind() != k {
		integrity("fail argument %d is %s, want %s", i, rt.inputs[i].Kind(), k)
	}
	return rt.inputs[i]
}

func (rt *retracer) New(d *trace.SizeDescr) trace.Value {
	return rt.emit(trace.OpNew, d).Result
}

func (rt *retracer) NewWithVtable(d *trace.SizeDescr) trace.Value {
	return rt.emit(trace.OpNewWithVtable, d).Result
}

func (rt *retracer) NewArray(d *trace.ArrayDescr, n int) trace.Value {
	num := trace.OpNewArray
	if d.Clear {
		num = trace.OpNewArrayClear
	}
	return rt.emit(num, d, trace.ConstInt{V: int64(n)}).Result
}

func (rt *retracer) SetField(obj trace.Value, d *trace.FieldDescr, v trace.Value) {
	rt.emit(trace.OpSetfieldGc, d, obj, v)
}

func (rt *retracer) SetArrayItem(arr trace.Value, d *trace.ArrayDescr, i int64, v trace.Value) {
	rt.emit(trace.OpSetarrayitemGc, d, arr, trace.ConstInt{V: i}, v)
}

func (rt *retracer) SetInteriorField(arr trace.Value, d *trace.InteriorFieldDescr, i int64, v trace.Value) {
	rt.emit(trace.OpSetinteriorfieldGc, d, arr, trace.ConstInt{V: i}, v)
}

func (rt *retracer) RawMalloc(size int64) trace.Value {
	return rt.call(trace.OSRawMallocVarsizeChar, trace.ConstInt{V: size})
}

func (rt *retracer) RawStore(buf trace.Value, d *trace.ArrayDescr, off int64, v trace.Value) {
	rt.emit(trace.OpRawStore, d, buf, trace.ConstInt{V: off}, v)
}

func (rt *retracer) RawSlice(base trace.Value, off int64) trace.Value {
	return rt.emit(trace.OpIntAdd, nil, base, trace.ConstInt{V: off}).Result
}

func (rt *retracer) NewString(uni bool, n int) trace.Value {
	num := trace.OpNewstr
	if uni {
		num = trace.OpNewunicode
	}
	return rt.emit(num, nil, trace.ConstInt{V: int64(n)}).Result
}

func (rt *retracer) SetChar(uni bool, s trace.Value, i int, c trace.Value) {
	num := trace.OpStrsetitem
	if uni {
		num = trace.OpUnicodesetitem
	}
	rt.emit(num, nil, s, trace.ConstInt{V: int64(i)}, c)
}

func (rt *retracer) Concat(uni bool, left, right trace.Value) trace.Value {
	os := trace.OSStrConcat
	if uni {
		os = trace.OSUniConcat
	}
	return rt.call(os, left, right)
}

func (rt *retracer) Slice(uni bool, s, start, length trace.Value) trace.Value {
	os := trace.OSStrSlice
	if uni {
		os = trace.OSUniSlice
	}
	stop := rt.emit(trace.OpIntAdd, nil, start, length).Result
	return rt.call(os, s, start, stop)
}
