package trace

import (
	"strings"
	"testing"
)

func TestAllOpnumsHaveMetadata(t *testing.T) {
	seen := make(map[string]Opnum)
	for _, n := range AllOpnums() {
		info := GetOpInfo(n)
		if info.Name == "" || strings.HasPrefix(info.Name, "unknown") {
			t.Errorf("opnum %d has no metadata", n)
			continue
		}
		if prev, ok := seen[info.Name]; ok {
			t.Errorf("name %q used by %d and %d", info.Name, prev, n)
		}
		seen[info.Name] = n
		if got, ok := OpnumByName(info.Name); !ok || got != n {
			t.Errorf("OpnumByName(%q) = %d, %v; want %d", info.Name, got, ok, n)
		}
	}
}

func TestOpnumRanges(t *testing.T) {
	guards := []Opnum{
		OpGuardTrue, OpGuardFalse, OpGuardValue, OpGuardClass, OpGuardNonnull,
		OpGuardNonnullClass, OpGuardIsnull, OpGuardException, OpGuardNoException,
		OpGuardOverflow, OpGuardNoOverflow, OpGuardNotForced, OpGuardNotForced2,
		OpGuardNotInvalidated,
	}
	for _, g := range guards {
		if !g.IsGuard() {
			t.Errorf("%s should be a guard", g)
		}
		if !g.HasDescr() {
			t.Errorf("%s should carry a descr", g)
		}
	}
	if OpIntAdd.IsGuard() || OpJump.IsGuard() {
		t.Error("non-guards classified as guards")
	}
	if !OpJump.IsFinal() || !OpFinish.IsFinal() || OpLabel.IsFinal() {
		t.Error("final range is wrong")
	}
	for _, n := range AllOpnums() {
		if n.IsAlwaysPure() && !n.HasNoSideEffect() {
			t.Errorf("%s is pure but outside the no-side-effect range", n)
		}
		if n.IsCallPure() && !n.IsAlwaysPure() {
			t.Errorf("%s should be pure", n)
		}
	}
}

func TestPerKindFamilies(t *testing.T) {
	tests := []struct {
		got, want Opnum
	}{
		{CallFor(Int), OpCallI},
		{CallFor(Void), OpCallN},
		{CallPureOf(OpCallR), OpCallPureR},
		{PlainCallOf(OpCallPureF), OpCallF},
		{PlainCallOf(OpCallLoopinvariantI), OpCallI},
		{GetfieldGcFor(Ref), OpGetfieldGcR},
		{SameAsFor(Float), OpSameAsF},
		{GetinteriorfieldGcFor(Int), OpGetinteriorfieldGcI},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %s, want %s", tt.got, tt.want)
		}
	}
}

func TestConstEquality(t *testing.T) {
	var a, b Value = ConstInt{5}, ConstInt{5}
	if a != b {
		t.Error("equal int constants should compare equal")
	}
	nan1 := NewConstFloat(0)
	nan1.Bits = 0x7ff8000000000001
	nan2 := ConstFloat{Bits: 0x7ff8000000000001}
	if Value(nan1) != Value(nan2) {
		t.Error("float constants compare by bits")
	}
	if ConstNull != (ConstPtr{}) {
		t.Error("NULL should be the zero ConstPtr")
	}
	if NewBox(Int) == NewBox(Int) {
		t.Error("boxes must have identity")
	}
}

func TestVerify(t *testing.T) {
	i0 := NewNamedBox(Int, "i0")
	op1 := NewOp(OpIntAdd, []Value{i0, ConstInt{1}}, nil)
	fin := NewOp(OpFinish, []Value{op1.Result}, NewFinishDescr("done"))
	if err := Verify([]*Box{i0}, []*Op{op1, fin}); err != nil {
		t.Fatalf("valid trace rejected: %v", err)
	}

	stray := NewBox(Int)
	bad := NewOp(OpIntAdd, []Value{stray, ConstInt{1}}, nil)
	err := Verify([]*Box{i0}, []*Op{bad, fin})
	if err == nil {
		t.Fatal("forward reference not detected")
	}
	if !strings.Contains(err.Error(), "used before definition") {
		t.Errorf("unexpected error: %v", err)
	}

	noDescr := NewOp(OpGuardTrue, []Value{i0}, nil)
	if err := Verify([]*Box{i0}, []*Op{noDescr}); err == nil {
		t.Error("guard without descr accepted")
	}

	arity := NewOp(OpIntAdd, []Value{i0}, nil)
	if err := Verify([]*Box{i0}, []*Op{arity}); err == nil {
		t.Error("wrong arity accepted")
	}

	early := NewOp(OpFinish, nil, NewFinishDescr("early"))
	if err := Verify([]*Box{i0}, []*Op{early, op1}); err == nil {
		t.Error("final op in the middle accepted")
	}
}

func TestFormatOp(t *testing.T) {
	i0 := NewNamedBox(Int, "i0")
	op := NewOp(OpIntAdd, []Value{i0, ConstInt{1}}, nil)
	op.Result.Name = "i1"
	if got := FormatOp(op); got != "i1 = int_add(i0, 1)" {
		t.Errorf("FormatOp = %q", got)
	}
	g := NewOp(OpGuardTrue, []Value{op.Result}, NewFailDescr("g1"))
	g.FailArgs = []Value{i0, ConstNull}
	if got := FormatOp(g); got != "guard_true(i1, descr=g1) [i0, NULL]" {
		t.Errorf("FormatOp = %q", got)
	}
}

func TestSizeDescrLayout(t *testing.T) {
	d := NewSizeDescr("Node", true,
		FieldSpec{Name: "value", Type: Int},
		FieldSpec{Name: "flag", Type: Int, Size: 1},
		FieldSpec{Name: "next", Type: Ref},
	)
	if d.Vtable == nil || VtableAt(d.Vtable.Addr) != d.Vtable {
		t.Fatal("vtable not registered")
	}
	value, flag, next := d.FieldByName("value"), d.FieldByName("flag"), d.FieldByName("next")
	if value.Offset != 8 || flag.Offset != 16 || next.Offset != 24 {
		t.Errorf("offsets = %d %d %d", value.Offset, flag.Offset, next.Offset)
	}
	if d.Size != 32 {
		t.Errorf("size = %d, want 32", d.Size)
	}
	if !value.Signed || flag.Signed {
		t.Error("word ints are signed, sized ints follow their declaration")
	}
	for i, f := range d.Fields {
		if f.Index != i {
			t.Errorf("field %s index %d, want %d", f.Name, f.Index, i)
		}
	}
}

func TestEffectInfo(t *testing.T) {
	d := NewSizeDescr("S", false, FieldSpec{Name: "x", Type: Int}, FieldSpec{Name: "y", Type: Int})
	x, y := d.Fields[0], d.Fields[1]
	e := &EffectInfo{Extra: EffectCannotRaise, WriteFields: []*FieldDescr{x}}
	if !e.CheckWriteField(x) || e.CheckWriteField(y) {
		t.Error("write set lookup wrong")
	}
	if e.CheckCanRaise(false) {
		t.Error("cannot-raise call reported as raising")
	}
	if !RandomEffects.CheckWriteField(y) {
		t.Error("random effects must write everything")
	}
	om := &EffectInfo{Extra: EffectElidableOrMemoryError}
	if !om.IsElidable() || om.CheckCanRaise(true) || !om.CheckCanRaise(false) {
		t.Error("elidable-or-memoryerror classification wrong")
	}
}

func TestSnapshotFrames(t *testing.T) {
	outer := &Snapshot{JitCode: StaticJitCode("outer"), PC: 3}
	top := &TopSnapshot{Snapshot: Snapshot{Prev: outer, JitCode: StaticJitCode("inner"), PC: 7}}
	frames := top.Frames()
	if len(frames) != 2 || frames[0] != outer || frames[1].PC != 7 {
		t.Errorf("frames = %v", frames)
	}
}
