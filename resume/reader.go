package resume

import (
	"fmt"

	"github.com/chazu/rjit/pkg/trace"
)

// IntegrityError reports a blob that does not agree with its consumer,
// such as a number decoded for a slot of another kind. Readers panic with
// it; the jit driver recovers it.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string { return "resume: inconsistent blob: " + e.Reason }

func integrity(format string, args ...any) {
	panic(&IntegrityError{Reason: fmt.Sprintf(format, args...)})
}

// materializeError carries an error out of a Materializer call.
type materializeError struct{ err error }

// Materializer builds the values a blob decodes to. The blackhole
// materializer returns constants and performs allocations directly; the
// re-tracing materializer returns fresh boxes and records operations.
type Materializer interface {
	Const(c trace.Const) trace.Value
	Failarg(index int, k trace.Kind) trace.Value

	New(d *trace.SizeDescr) trace.Value
	NewWithVtable(d *trace.SizeDescr) trace.Value
	NewArray(d *trace.ArrayDescr, length int) trace.Value
	SetField(obj trace.Value, d *trace.FieldDescr, v trace.Value)
	SetArrayItem(arr trace.Value, d *trace.ArrayDescr, index int64, v trace.Value)
	SetInteriorField(arr trace.Value, d *trace.InteriorFieldDescr, index int64, v trace.Value)

	RawMalloc(size int64) trace.Value
	RawStore(buf trace.Value, d *trace.ArrayDescr, offset int64, v trace.Value)
	RawSlice(base trace.Value, offset int64) trace.Value

	NewString(uni bool, length int) trace.Value
	SetChar(uni bool, s trace.Value, index int, c trace.Value)
	Concat(uni bool, left, right trace.Value) trace.Value
	Slice(uni bool, s, start, length trace.Value) trace.Value
}

// Frame is one rebuilt interpreter frame.
type Frame struct {
	JitCode trace.JitCode
	PC      int
	Values  []trace.Value
}

// State is everything decoded from a blob.
type State struct {
	Frames []Frame
	Vable  []trace.Value
	Vref   []trace.Value
}

type decoder struct {
	d     *Data
	m     Materializer
	cache []trace.Value
}

func (r *decoder) decode(n Num, want trace.Kind) trace.Value {
	v, tag := Untag(n)
	var out trace.Value
	switch {
	case n == NullRef:
		out = r.m.Const(trace.ConstNull)
	case n == Uninitialized:
		integrity("uninitialized number outside a virtual")
	case n == Unassigned || n == UnassignedVirtual:
		integrity("%s was never assigned", n)
	case tag == TagConst:
		if v < 0 || v >= len(r.d.Consts) {
			integrity("constant %d out of range", v)
		}
		out = r.m.Const(r.d.Consts[v])
	case tag == TagInt:
		out = r.m.Const(trace.ConstInt{V: int64(v)})
	case tag == TagBox:
		idx := v
		if idx < 0 {
			idx += r.d.Count()
		}
		if idx < 0 || idx >= r.d.Count() || r.d.FailKinds[idx] == trace.Void {
			integrity("box %d is not a live fail argument", v)
		}
		out = r.m.Failarg(idx, r.d.FailKinds[idx])
	default:
		idx := v
		if idx < 0 {
			idx += len(r.d.Virtuals)
		}
		out = r.virtual(idx)
	}
	if want != trace.Void && out.Kind() != want {
		integrity("%s decodes to a %s value, consumer wants %s", n, out.Kind(), want)
	}
	return out
}

func (r *decoder) virtual(idx int) trace.Value {
	if idx < 0 || idx >= len(r.d.Virtuals) || r.d.Virtuals[idx] == nil {
		integrity("virtual %d does not exist", idx)
	}
	if v := r.cache[idx]; v != nil {
		// Either already built or under construction: a cycle.
		return v
	}
	return r.d.Virtuals[idx].allocate(r, idx)
}

// ============================================================================
// Allocation, then fill
// ============================================================================

func (v *VirtualInstance) allocate(r *decoder, idx int) trace.Value {
	obj := r.m.NewWithVtable(v.Descr)
	r.cache[idx] = obj
	fillFields(r, obj, v.Fields, v.Nums)
	return obj
}

func (v *VirtualStruct) allocate(r *decoder, idx int) trace.Value {
	obj := r.m.New(v.Descr)
	r.cache[idx] = obj
	fillFields(r, obj, v.Fields, v.Nums)
	return obj
}

func fillFields(r *decoder, obj trace.Value, fields []*trace.FieldDescr, nums []Num) {
	for i, f := range fields {
		if nums[i] == Uninitialized {
			continue
		}
		r.m.SetField(obj, f, r.decode(nums[i], f.Type))
	}
}

func (v *VirtualArray) allocate(r *decoder, idx int) trace.Value {
	arr := r.m.NewArray(v.Descr, len(v.Nums))
	r.cache[idx] = arr
	for i, n := range v.Nums {
		if n == Uninitialized {
			continue
		}
		r.m.SetArrayItem(arr, v.Descr, int64(i), r.decode(n, v.Descr.ItemType))
	}
	return arr
}

func (v *VirtualArrayStruct) allocate(r *decoder, idx int) trace.Value {
	arr := r.m.NewArray(v.Descr, v.Length)
	r.cache[idx] = arr
	for i := 0; i < v.Length; i++ {
		for j, f := range v.Fields {
			n := v.Nums[i*len(v.Fields)+j]
			if n == Uninitialized {
				continue
			}
			r.m.SetInteriorField(arr, f, int64(i), r.decode(n, f.Field.Type))
		}
	}
	return arr
}

func (v *VirtualRawBuffer) allocate(r *decoder, idx int) trace.Value {
	buf := r.m.RawMalloc(v.Size)
	r.cache[idx] = buf
	for i, off := range v.Offsets {
		r.m.RawStore(buf, v.Descrs[i], off, r.decode(v.Nums[i], v.Descrs[i].ItemType))
	}
	return buf
}

func (v *VirtualRawSlice) allocate(r *decoder, idx int) trace.Value {
	s := r.m.RawSlice(r.decode(v.Nums[0], trace.Int), v.Offset)
	r.cache[idx] = s
	return s
}

func (v *VirtualStr) allocate(r *decoder, idx int) trace.Value {
	s := r.m.NewString(v.Uni, len(v.Nums))
	r.cache[idx] = s
	for i, n := range v.Nums {
		if n == Uninitialized {
			continue
		}
		r.m.SetChar(v.Uni, s, i, r.decode(n, trace.Int))
	}
	return s
}

func (v *VirtualConcat) allocate(r *decoder, idx int) trace.Value {
	s := r.m.Concat(v.Uni, r.decode(v.Nums[0], trace.Ref), r.decode(v.Nums[1], trace.Ref))
	r.cache[idx] = s
	return s
}

func (v *VirtualSlice) allocate(r *decoder, idx int) trace.Value {
	s := r.m.Slice(v.Uni, r.decode(v.Nums[0], trace.Ref), r.decode(v.Nums[1], trace.Int), r.decode(v.Nums[2], trace.Int))
	r.cache[idx] = s
	return s
}

// ============================================================================
// Decoding
// ============================================================================

// Decode walks d with m: pending stores first, then every frame from the
// outermost inwards, then the virtualizable and vref lists.
func Decode(d *Data, m Materializer) (st *State, err error) {
	defer func() {
		if p := recover(); p != nil {
			me, ok := p.(materializeError)
			if !ok {
				panic(p)
			}
			err = me.err
		}
	}()
	r := &decoder{d: d, m: m, cache: make([]trace.Value, len(d.Virtuals))}

	for _, p := range d.Pending {
		target := r.decode(p.Target, trace.Void)
		switch pd := p.Descr.(type) {
		case *trace.FieldDescr:
			m.SetField(target, pd, r.decode(p.Value, pd.Type))
		case *trace.ArrayDescr:
			m.SetArrayItem(target, pd, p.Index, r.decode(p.Value, pd.ItemType))
		case *trace.InteriorFieldDescr:
			m.SetInteriorField(target, pd, p.Index, r.decode(p.Value, pd.Field.Type))
		default:
			integrity("pending store with descr %v", p.Descr)
		}
	}

	st = &State{}
	nums, infos := d.frames()
	for i, n := range nums {
		f := Frame{Values: make([]trace.Value, len(n.Nums))}
		var kinds []trace.Kind
		if fi := infos[i]; fi != nil {
			f.JitCode, f.PC, kinds = fi.JitCode, fi.PC, fi.Kinds
		}
		for j, num := range n.Nums {
			want := trace.Void
			if j < len(kinds) {
				want = kinds[j]
			}
			f.Values[j] = r.decode(num, want)
		}
		st.Frames = append(st.Frames, f)
	}
	for _, n := range d.VableNums {
		st.Vable = append(st.Vable, r.decode(n, trace.Void))
	}
	for _, n := range d.VrefNums {
		st.Vref = append(st.Vref, r.decode(n, trace.Void))
	}
	return st, nil
}
