package resume

import (
	"errors"
	"slices"
	"testing"

	"github.com/chazu/rjit/backend"
	"github.com/chazu/rjit/pkg/memory"
	"github.com/chazu/rjit/pkg/trace"
)

// ============================================================================
// Helpers
// ============================================================================

type testVirtual struct {
	shape VirtualInfo
	items []trace.Value
}

func (v *testVirtual) Shape() VirtualInfo   { return v.shape }
func (v *testVirtual) Items() []trace.Value { return v.items }

type testSource struct {
	fwd  map[*trace.Box]trace.Value
	virt map[*trace.Box]*testVirtual
}

func newSource() *testSource {
	return &testSource{fwd: make(map[*trace.Box]trace.Value), virt: make(map[*trace.Box]*testVirtual)}
}

func (s *testSource) Resolve(v trace.Value) (trace.Value, Virtual) {
	b, ok := v.(*trace.Box)
	if !ok {
		return v, nil
	}
	if r, ok := s.fwd[b]; ok {
		return r, nil
	}
	if vi, ok := s.virt[b]; ok {
		return b, vi
	}
	return b, nil
}

type deadFrame []trace.Const

func (df deadFrame) Value(i int) trace.Const { return df[i] }

func liveValues(failargs []trace.Value, env map[*trace.Box]trace.Const) deadFrame {
	df := make(deadFrame, len(failargs))
	for i, v := range failargs {
		if b, ok := v.(*trace.Box); ok {
			df[i] = env[b]
		}
	}
	return df
}

func pointDescr() *trace.SizeDescr {
	return trace.NewSizeDescr("Point", true,
		trace.FieldSpec{Name: "x", Type: trace.Int},
		trace.FieldSpec{Name: "next", Type: trace.Ref},
	)
}

func structOf(t *testing.T, v trace.Value) *memory.Struct {
	t.Helper()
	c, ok := v.(trace.ConstPtr)
	if !ok {
		t.Fatalf("value %v is not a pointer", v)
	}
	s, ok := c.V.(*memory.Struct)
	if !ok {
		t.Fatalf("value %v is not a struct", v)
	}
	return s
}

// ============================================================================
// Tags
// ============================================================================

func TestTagRoundTrip(t *testing.T) {
	tests := []struct {
		value, tag int
	}{
		{0, TagConst},
		{5, TagInt},
		{-1, TagInt},
		{payloadMax, TagBox},
		{payloadMin, TagVirtual},
		{-3, TagBox},
	}
	for _, tt := range tests {
		n, err := Tag(tt.value, tt.tag)
		if err != nil {
			t.Fatalf("Tag(%d, %d): %v", tt.value, tt.tag, err)
		}
		v, tag := Untag(n)
		if v != tt.value || tag != tt.tag {
			t.Errorf("Untag(Tag(%d, %d)) = (%d, %d)", tt.value, tt.tag, v, tag)
		}
	}
}

func TestTagOverflow(t *testing.T) {
	for _, v := range []int{payloadMax + 1, payloadMin - 1, 1 << 20} {
		if _, err := Tag(v, TagInt); !errors.Is(err, ErrTagOverflow) {
			t.Errorf("Tag(%d) error = %v, want ErrTagOverflow", v, err)
		}
	}
}

func TestLargeConstantGoesToPool(t *testing.T) {
	m := NewMemo(0)
	small, _ := m.getConst(trace.ConstInt{V: 7})
	if _, tag := Untag(small); tag != TagInt {
		t.Errorf("small int tag = %d, want TagInt", tag)
	}
	big, _ := m.getConst(trace.ConstInt{V: 1 << 40})
	again, _ := m.getConst(trace.ConstInt{V: 1 << 40})
	if big != again {
		t.Errorf("same constant numbered %s then %s", big, again)
	}
	if null, _ := m.getConst(trace.ConstNull); null != NullRef {
		t.Errorf("NULL numbered %s", null)
	}
	if len(m.Consts()) != 1 {
		t.Errorf("pool = %v, want one entry", m.Consts())
	}
}

// ============================================================================
// Numbering
// ============================================================================

func TestFramesAreShared(t *testing.T) {
	m := NewMemo(0)
	src := newSource()
	a, b := trace.NewBox(trace.Int), trace.NewBox(trace.Ref)
	outer := &trace.Snapshot{JitCode: trace.StaticJitCode("outer"), PC: 3, Boxes: []trace.Value{a, trace.ConstInt{V: 5}}}
	s1 := &trace.TopSnapshot{Snapshot: trace.Snapshot{Prev: outer, JitCode: trace.StaticJitCode("inner"), PC: 7, Boxes: []trace.Value{b}}}
	s2 := &trace.TopSnapshot{Snapshot: trace.Snapshot{Prev: outer, JitCode: trace.StaticJitCode("inner"), PC: 9, Boxes: []trace.Value{b, a}}}

	fa1, d1, err := m.Finish(src, s1, nil)
	if err != nil {
		t.Fatal(err)
	}
	fa2, d2, err := m.Finish(src, s2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d1.Numb.Prev != d2.Numb.Prev {
		t.Errorf("outer frame numbered twice")
	}
	if len(fa1) != 2 || fa1[0] != a || fa1[1] != b {
		t.Errorf("failargs 1 = %v", fa1)
	}
	if len(fa2) != 2 {
		t.Errorf("failargs 2 = %v", fa2)
	}
	if got := d2.Numb.Nums[1]; got != mustTag(0, TagBox) {
		t.Errorf("a in inner frame = %s, want b0", got)
	}
	if got := d1.Numb.Prev.Nums[1]; got != mustTag(5, TagInt) {
		t.Errorf("constant 5 = %s, want #5", got)
	}
}

func TestForwardedBoxIsRenumbered(t *testing.T) {
	m := NewMemo(0)
	src := newSource()
	a := trace.NewBox(trace.Int)
	snap := trace.SingleFrame([]trace.Value{a})
	if _, _, err := m.Finish(src, snap, nil); err != nil {
		t.Fatal(err)
	}
	src.fwd[a] = trace.ConstInt{V: 3}
	fa, d, err := m.Finish(src, snap, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(fa) != 0 {
		t.Errorf("failargs = %v, want none", fa)
	}
	if d.Numb.Nums[0] != mustTag(3, TagInt) {
		t.Errorf("slot = %s, want #3", d.Numb.Nums[0])
	}
}

// ============================================================================
// Virtuals
// ============================================================================

func TestVirtualBlackhole(t *testing.T) {
	cpu := backend.New(backend.Options{})
	m := NewMemo(0)
	src := newSource()
	pd := pointDescr()
	p, x := trace.NewBox(trace.Ref), trace.NewBox(trace.Int)
	src.virt[p] = &testVirtual{
		shape: &VirtualInstance{Descr: pd, Fields: pd.Fields},
		items: []trace.Value{x, p},
	}

	fa, d, err := m.Finish(src, trace.SingleFrame([]trace.Value{p}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(fa) != 1 || fa[0] != x {
		t.Fatalf("failargs = %v, want [x]", fa)
	}
	if len(d.Virtuals) != 1 {
		t.Fatalf("virtuals = %v", d.Virtuals)
	}
	if got := d.Virtuals[0].FieldNums()[0]; got != mustTag(-1, TagBox) {
		t.Errorf("field x numbered %s, want b-1", got)
	}

	st, err := ReadBlackhole(d, cpu, liveValues(fa, map[*trace.Box]trace.Const{x: trace.ConstInt{V: 42}}))
	if err != nil {
		t.Fatal(err)
	}
	s := structOf(t, st.Frames[0].Values[0])
	if s.Fields[0] != (trace.ConstInt{V: 42}) {
		t.Errorf("x = %v, want 42", s.Fields[0])
	}
	if next := structOf(t, s.Fields[1]); next != s {
		t.Errorf("self reference not preserved")
	}
}

func TestVirtualInfoReused(t *testing.T) {
	m := NewMemo(0)
	src := newSource()
	pd := pointDescr()
	p, x := trace.NewBox(trace.Ref), trace.NewBox(trace.Int)
	src.virt[p] = &testVirtual{shape: &VirtualInstance{Descr: pd, Fields: pd.Fields}, items: []trace.Value{x, nil}}
	inner := trace.NewBox(trace.Int)
	if _, _, err := m.Finish(src, trace.SingleFrame([]trace.Value{inner, p}), nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Finish(src, trace.SingleFrame([]trace.Value{p}), nil); err != nil {
		t.Fatal(err)
	}
	if got := m.Stats().ReusedVinfos; got != 1 {
		t.Errorf("reused vinfos = %d, want 1", got)
	}
}

func TestConcatBlackhole(t *testing.T) {
	cpu := backend.New(backend.Options{})
	m := NewMemo(0)
	src := newSource()
	s := trace.NewBox(trace.Ref)
	left := trace.ConstPtr{V: memory.NewStr("ab")}
	right := trace.NewBox(trace.Ref)
	src.virt[s] = &testVirtual{shape: &VirtualConcat{}, items: []trace.Value{left, right}}

	fa, d, err := m.Finish(src, trace.SingleFrame([]trace.Value{s}), nil)
	if err != nil {
		t.Fatal(err)
	}
	df := liveValues(fa, map[*trace.Box]trace.Const{right: trace.ConstPtr{V: memory.NewStr("cde")}})
	st, err := ReadBlackhole(d, cpu, df)
	if err != nil {
		t.Fatal(err)
	}
	str, ok := st.Frames[0].Values[0].(trace.ConstPtr).V.(*memory.Str)
	if !ok || str.String() != "abcde" {
		t.Errorf("rebuilt string = %v, want abcde", st.Frames[0].Values[0])
	}
}

func TestPendingSetfieldReplayed(t *testing.T) {
	cpu := backend.New(backend.Options{})
	m := NewMemo(0)
	src := newSource()
	pd := pointDescr()
	obj, v := trace.NewBox(trace.Ref), trace.NewBox(trace.Ref)
	src.virt[v] = &testVirtual{shape: &VirtualInstance{Descr: pd, Fields: pd.Fields}, items: []trace.Value{trace.ConstInt{V: 9}, nil}}
	pending := []PendingSet{{Descr: pd.Fields[1], Target: obj, Value: v, Index: -1}}

	fa, d, err := m.Finish(src, trace.SingleFrame([]trace.Value{obj}), pending)
	if err != nil {
		t.Fatal(err)
	}
	target, err := cpu.BhNewWithVtable(pd)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ReadBlackhole(d, cpu, liveValues(fa, map[*trace.Box]trace.Const{obj: trace.ConstPtr{V: target}})); err != nil {
		t.Fatal(err)
	}
	next := structOf(t, target.(*memory.Struct).Fields[1])
	if next.Fields[0] != (trace.ConstInt{V: 9}) {
		t.Errorf("pending store wrote %v", next)
	}
}

func TestCompaction(t *testing.T) {
	m := NewMemo(4)
	src := newSource()
	ad := trace.NewArrayDescr("ints", trace.Int, 8, true, false)
	xs := []trace.Value{trace.NewBox(trace.Int), trace.NewBox(trace.Int), trace.NewBox(trace.Int), trace.NewBox(trace.Int)}

	a1 := trace.NewBox(trace.Ref)
	src.virt[a1] = &testVirtual{shape: &VirtualArray{Descr: ad}, items: xs}
	fa1, _, err := m.Finish(src, trace.SingleFrame([]trace.Value{a1}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(fa1) != 4 {
		t.Fatalf("failargs 1 = %v", fa1)
	}

	a2 := trace.NewBox(trace.Ref)
	src.virt[a2] = &testVirtual{shape: &VirtualArray{Descr: ad}, items: xs[:1]}
	fa2, d2, err := m.Finish(src, trace.SingleFrame([]trace.Value{a2}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(fa2) != 4 || fa2[3] != xs[0] {
		t.Errorf("failargs 2 = %v, want x0 in the last slot", fa2)
	}
	holes := 0
	for _, k := range d2.FailKinds {
		if k == trace.Void {
			holes++
		}
	}
	if holes != 3 {
		t.Errorf("holes = %d, want 3", holes)
	}
	st := m.Stats()
	if st.Compactions != 1 || st.BoxHoles != 3 {
		t.Errorf("stats = %+v", st)
	}

	fa3, _, err := m.Finish(src, trace.SingleFrame([]trace.Value{a2}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(fa3) != 1 {
		t.Errorf("failargs after compaction = %v, want one slot", fa3)
	}
}

// ============================================================================
// Re-tracing
// ============================================================================

func TestReadForRetrace(t *testing.T) {
	cpu := backend.New(backend.Options{})
	m := NewMemo(0)
	src := newSource()
	pd := pointDescr()
	p, x := trace.NewBox(trace.Ref), trace.NewBox(trace.Int)
	src.virt[p] = &testVirtual{shape: &VirtualInstance{Descr: pd, Fields: pd.Fields}, items: []trace.Value{x, nil}}
	_, d, err := m.Finish(src, trace.SingleFrame([]trace.Value{x, p}), nil)
	if err != nil {
		t.Fatal(err)
	}
	rt, err := ReadForRetrace(d, cpu)
	if err != nil {
		t.Fatal(err)
	}
	if len(rt.Inputs) != 1 || rt.Inputs[0].Kind() != trace.Int {
		t.Fatalf("inputs = %v", rt.Inputs)
	}
	if len(rt.Ops) != 2 || rt.Ops[0].Num != trace.OpNewWithVtable || rt.Ops[1].Num != trace.OpSetfieldGc {
		t.Fatalf("ops = %v", rt.Ops)
	}
	if rt.Ops[1].Args[1] != rt.Inputs[0] {
		t.Errorf("setfield stores %v, want the input box", rt.Ops[1].Args[1])
	}
	vals := rt.State.Frames[0].Values
	if vals[0] != rt.Inputs[0] || vals[1] != rt.Ops[0].Result {
		t.Errorf("frame = %v", vals)
	}
}

func TestRetraceSlice(t *testing.T) {
	cpu := backend.New(backend.Options{})
	m := NewMemo(0)
	src := newSource()
	s, base, start := trace.NewBox(trace.Ref), trace.NewBox(trace.Ref), trace.NewBox(trace.Int)
	src.virt[s] = &testVirtual{shape: &VirtualSlice{}, items: []trace.Value{base, start, trace.ConstInt{V: 2}}}
	_, d, err := m.Finish(src, trace.SingleFrame([]trace.Value{s}), nil)
	if err != nil {
		t.Fatal(err)
	}
	rt, err := ReadForRetrace(d, cpu)
	if err != nil {
		t.Fatal(err)
	}
	if len(rt.Ops) != 2 || rt.Ops[0].Num != trace.OpIntAdd || !rt.Ops[1].Num.IsCall() {
		t.Fatalf("ops = %v", rt.Ops)
	}
	if rt.Ops[1].CallDescr().Effect.OopSpec != trace.OSStrSlice {
		t.Errorf("call oopspec = %s", rt.Ops[1].CallDescr().Effect.OopSpec)
	}
}

// ============================================================================
// Integrity and wire format
// ============================================================================

func TestKindMismatchPanics(t *testing.T) {
	d := &Data{
		Numb:      &Numbering{Nums: []Num{mustTag(0, TagBox)}},
		Frames:    &FrameInfo{Kinds: []trace.Kind{trace.Ref}},
		FailKinds: []trace.Kind{trace.Int},
	}
	defer func() {
		p := recover()
		if _, ok := p.(*IntegrityError); !ok {
			t.Errorf("recovered %v, want *IntegrityError", p)
		}
	}()
	Decode(d, &blackhole{df: deadFrame{trace.ConstInt{V: 1}}})
	t.Errorf("Decode returned normally")
}

func TestHoleIsNotReadable(t *testing.T) {
	d := &Data{
		Numb:      &Numbering{Nums: []Num{mustTag(0, TagBox)}},
		FailKinds: []trace.Kind{trace.Void},
	}
	defer func() {
		if _, ok := recover().(*IntegrityError); !ok {
			t.Errorf("reading a hole did not fail")
		}
	}()
	Decode(d, &blackhole{df: deadFrame{nil}})
}

func TestWireRoundTrip(t *testing.T) {
	cpu := backend.New(backend.Options{})
	m := NewMemo(0)
	src := newSource()
	pd := pointDescr()
	p, x := trace.NewBox(trace.Ref), trace.NewBox(trace.Int)
	big := trace.ConstInt{V: 1 << 40}
	src.virt[p] = &testVirtual{shape: &VirtualInstance{Descr: pd, Fields: pd.Fields}, items: []trace.Value{x, nil}}
	outer := &trace.Snapshot{JitCode: trace.StaticJitCode("f"), PC: 1, Boxes: []trace.Value{big, trace.NewConstFloat(1.5)}}
	snap := &trace.TopSnapshot{Snapshot: trace.Snapshot{Prev: outer, JitCode: trace.StaticJitCode("g"), PC: 4, Boxes: []trace.Value{p, trace.ConstNull}}}
	fa, d, err := m.Finish(src, snap, nil)
	if err != nil {
		t.Fatal(err)
	}

	tables := NewTables()
	blob, err := Marshal(d, tables)
	if err != nil {
		t.Fatal(err)
	}
	again, err := Marshal(d, tables)
	if err != nil {
		t.Fatal(err)
	}
	if string(blob) != string(again) {
		t.Errorf("encoding is not deterministic")
	}
	d2, err := Unmarshal(blob, tables)
	if err != nil {
		t.Fatal(err)
	}
	if d2.String() != d.String() {
		t.Errorf("decoded blob\n%s\nwant\n%s", d2, d)
	}

	st, err := ReadBlackhole(d2, cpu, liveValues(fa, map[*trace.Box]trace.Const{x: trace.ConstInt{V: 5}}))
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Frames) != 2 || st.Frames[0].JitCode.Name() != "f" || st.Frames[1].PC != 4 {
		t.Fatalf("frames = %+v", st.Frames)
	}
	if st.Frames[0].Values[0] != big {
		t.Errorf("pooled constant = %v", st.Frames[0].Values[0])
	}
	if f, ok := st.Frames[0].Values[1].(trace.ConstFloat); !ok || f.Float() != 1.5 {
		t.Errorf("float constant = %v", st.Frames[0].Values[1])
	}
	if structOf(t, st.Frames[1].Values[0]).Fields[0] != (trace.ConstInt{V: 5}) {
		t.Errorf("virtual field lost")
	}
	if !st.Frames[1].Values[1].(trace.ConstPtr).IsNull() {
		t.Errorf("NULL slot = %v", st.Frames[1].Values[1])
	}
}

// rebuilder decodes a blob back into boxes and test virtuals, so the
// result can be numbered again.
type rebuilder struct {
	src    *testSource
	inputs []*trace.Box
}

func (r *rebuilder) Const(c trace.Const) trace.Value { return c }

func (r *rebuilder) Failarg(i int, k trace.Kind) trace.Value {
	if r.inputs[i] == nil {
		r.inputs[i] = trace.NewBox(k)
	}
	return r.inputs[i]
}

func (r *rebuilder) New(d *trace.SizeDescr) trace.Value {
	return r.object(&VirtualStruct{Descr: d, Fields: d.Fields}, len(d.Fields))
}

func (r *rebuilder) NewWithVtable(d *trace.SizeDescr) trace.Value {
	return r.object(&VirtualInstance{Descr: d, Fields: d.Fields}, len(d.Fields))
}

func (r *rebuilder) object(shape VirtualInfo, n int) trace.Value {
	b := trace.NewBox(trace.Ref)
	r.src.virt[b] = &testVirtual{shape: shape, items: make([]trace.Value, n)}
	return b
}

func (r *rebuilder) SetField(obj trace.Value, d *trace.FieldDescr, v trace.Value) {
	vi := r.src.virt[obj.(*trace.Box)]
	var fields []*trace.FieldDescr
	switch s := vi.shape.(type) {
	case *VirtualInstance:
		fields = s.Fields
	case *VirtualStruct:
		fields = s.Fields
	}
	vi.items[slices.Index(fields, d)] = v
}

func (r *rebuilder) NewArray(*trace.ArrayDescr, int) trace.Value {
	panic("not used")
}

func (r *rebuilder) SetArrayItem(trace.Value, *trace.ArrayDescr, int64, trace.Value) {
	panic("not used")
}

func (r *rebuilder) SetInteriorField(trace.Value, *trace.InteriorFieldDescr, int64, trace.Value) {
	panic("not used")
}

func (r *rebuilder) RawMalloc(int64) trace.Value {
	panic("not used")
}

func (r *rebuilder) RawStore(trace.Value, *trace.ArrayDescr, int64, trace.Value) {
	panic("not used")
}

func (r *rebuilder) RawSlice(trace.Value, int64) trace.Value {
	panic("not used")
}

func (r *rebuilder) NewString(bool, int) trace.Value {
	panic("not used")
}

func (r *rebuilder) SetChar(bool, trace.Value, int, trace.Value) {
	panic("not used")
}

func (r *rebuilder) Concat(bool, trace.Value, trace.Value) trace.Value {
	panic("not used")
}

func (r *rebuilder) Slice(bool, trace.Value, trace.Value, trace.Value) trace.Value {
	panic("not used")
}

// A blob that is decoded and numbered again encodes to the same bytes,
// and the blackhole reading of both agrees.
func TestDecodeReencode(t *testing.T) {
	cpu := backend.New(backend.Options{})
	src := newSource()
	pd := pointDescr()
	p, x, y := trace.NewBox(trace.Ref), trace.NewBox(trace.Int), trace.NewBox(trace.Int)
	src.virt[p] = &testVirtual{shape: &VirtualInstance{Descr: pd, Fields: pd.Fields}, items: []trace.Value{x, p}}
	outer := &trace.Snapshot{JitCode: trace.StaticJitCode("f"), PC: 2, Boxes: []trace.Value{y, trace.ConstInt{V: 1 << 40}}}
	snap := &trace.TopSnapshot{Snapshot: trace.Snapshot{Prev: outer, JitCode: trace.StaticJitCode("g"), PC: 7, Boxes: []trace.Value{p, trace.ConstNull, x}}}
	fa, d, err := NewMemo(0).Finish(src, snap, nil)
	if err != nil {
		t.Fatal(err)
	}
	env := map[*trace.Box]trace.Const{x: trace.ConstInt{V: 3}, y: trace.ConstInt{V: 4}}
	want, err := ReadBlackhole(d, cpu, liveValues(fa, env))
	if err != nil {
		t.Fatal(err)
	}

	rb := &rebuilder{src: newSource(), inputs: make([]*trace.Box, d.Count())}
	st, err := Decode(d, rb)
	if err != nil {
		t.Fatal(err)
	}
	var chain *trace.Snapshot
	for _, f := range st.Frames {
		chain = &trace.Snapshot{Prev: chain, JitCode: f.JitCode, PC: f.PC, Boxes: f.Values}
	}
	fa2, d2, err := NewMemo(0).Finish(rb.src, &trace.TopSnapshot{Snapshot: *chain}, nil)
	if err != nil {
		t.Fatal(err)
	}

	tables := NewTables()
	blob, err := Marshal(d, tables)
	if err != nil {
		t.Fatal(err)
	}
	blob2, err := Marshal(d2, tables)
	if err != nil {
		t.Fatal(err)
	}
	if string(blob) != string(blob2) {
		t.Errorf("re-encoded blob differs\n%s\nwant\n%s", d2, d)
	}

	env2 := make(map[*trace.Box]trace.Const)
	for i, v := range fa {
		if b, ok := v.(*trace.Box); ok {
			env2[rb.inputs[i]] = env[b]
		}
	}
	got, err := ReadBlackhole(d2, cpu, liveValues(fa2, env2))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Frames) != len(want.Frames) {
		t.Fatalf("frames = %d, want %d", len(got.Frames), len(want.Frames))
	}
	gs := structOf(t, got.Frames[1].Values[0])
	if gs.Fields[0] != (trace.ConstInt{V: 3}) || structOf(t, gs.Fields[1]) != gs {
		t.Errorf("virtual decoded as %v", gs)
	}
	if got.Frames[0].Values[0] != want.Frames[0].Values[0] || got.Frames[1].Values[2] != want.Frames[1].Values[2] {
		t.Errorf("frames = %v, want %v", got.Frames, want.Frames)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte{0xff, 0x00}, NewTables()); err == nil {
		t.Errorf("garbage decoded without error")
	}
}
