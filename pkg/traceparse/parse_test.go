package traceparse

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/rjit/pkg/memory"
	"github.com/chazu/rjit/pkg/trace"
)

func TestLexer(t *testing.T) {
	toks := Tokenize(`i1 = int_add(i0, -3, 0x10, 2.5, s"a\"b", u"é") -> [x | y] # comment`)
	want := []TokenType{
		TokenIdentifier, TokenAssign, TokenIdentifier, TokenLParen,
		TokenIdentifier, TokenComma, TokenInteger, TokenComma, TokenInteger, TokenComma,
		TokenFloat, TokenComma, TokenStr, TokenComma, TokenUnicode, TokenRParen,
		TokenArrow, TokenLBracket, TokenIdentifier, TokenBar, TokenIdentifier, TokenRBracket,
		TokenEOF,
	}
	if len(toks) != len(want) {
		t.Fatalf("got %d tokens %v, want %d", len(toks), toks, len(want))
	}
	for i, tok := range toks {
		if tok.Type != want[i] {
			t.Errorf("token %d = %s, want %s", i, tok, want[i])
		}
	}
	if toks[12].Literal != `a"b` {
		t.Errorf("string literal = %q", toks[12].Literal)
	}
}

func TestParseSimpleTrace(t *testing.T) {
	p, err := Parse(`
		[i0, p1]
		i2 = int_add(i0, 1)
		i3 = int_le(i2, 9)
		guard_true(i3) [i2, p1]
		finish(i2, descr=done)
	`)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Inputs) != 2 || p.Inputs[1].Kind() != trace.Ref {
		t.Fatalf("inputs = %v", p.Inputs)
	}
	if len(p.Ops) != 3+1 {
		t.Fatalf("got %d ops", len(p.Ops))
	}
	g := p.Ops[2]
	if g.FailDescr() == nil || len(g.FailArgs) != 2 || g.Snapshot == nil {
		t.Errorf("guard = %s, snapshot %v", g, g.Snapshot)
	}
	if fd := p.Ops[3].FailDescr(); fd == nil || !fd.Final || fd.Name != "done" {
		t.Errorf("finish descr = %v", p.Ops[3].Descr)
	}
	if err := trace.VerifyTrace(p.Trace()); err != nil {
		t.Error(err)
	}
}

func TestParseDeclarations(t *testing.T) {
	p, err := Parse(`
		struct Node vtable { value: int, next: ref, tag: uint8 immutable, ver: int quasi }
		struct Point { x: float, y: float }
		array Points of Point clear
		array Bytes uint8
		call concat(r, r) -> r effect=elidable-or-memoryerror oopspec=STR_CONCAT
		call touch(r) -> v effect=can-raise writes=Node.value|Points.x

		[p0]
		p1 = new_with_vtable(descr=Node)
		setfield_gc(p1, p0, descr=Node.next)
		i2 = getfield_gc_i(p1, descr=Node.tag)
		guard_class(p1, ConstClass(Node)) []
		p3 = call_r(concat, s"ab", s"cde")
		call_n(touch, p1)
		f4 = getinteriorfield_gc_f(p0, 0, descr=Points.x)
		finish(i2)
	`)
	if err != nil {
		t.Fatal(err)
	}
	node := p.NS.Descrs["Node"].(*trace.SizeDescr)
	if node.Vtable == nil || len(node.Fields) != 4 {
		t.Fatalf("Node = %+v", node)
	}
	tag := p.NS.Descrs["Node.tag"].(*trace.FieldDescr)
	if tag.FieldSize != 1 || tag.Signed || !tag.Immutable {
		t.Errorf("Node.tag = %+v", tag)
	}
	if !p.NS.Descrs["Node.ver"].(*trace.FieldDescr).QuasiImmut {
		t.Error("Node.ver is not quasi-immutable")
	}
	call := p.Ops[4]
	cd := call.CallDescr()
	if cd == nil || cd.Effect.OopSpec != trace.OSStrConcat || !cd.Effect.IsElidable() {
		t.Errorf("concat call descr = %v", call.Descr)
	}
	if s, ok := memory.StrOf(call.Args[1]); !ok || s != "ab" {
		t.Errorf("string constant = %v", call.Args[1])
	}
	touch := p.Ops[5].CallDescr()
	if touch == nil || len(touch.Effect.WriteFields) != 1 || len(touch.Effect.WriteInteriors) != 1 {
		t.Errorf("touch effects = %+v", touch)
	}
	if cls, ok := trace.AsInt(p.Ops[3].Args[1]); !ok || cls != node.Vtable.Addr {
		t.Errorf("ConstClass = %v", p.Ops[3].Args[1])
	}
}

func TestParseSnapshotFrames(t *testing.T) {
	p := MustParse(`
		[i0, i1, i2]
		guard_true(i0) [i1 | i2, 5]
		finish()
	`)
	snap := p.Ops[0].Snapshot
	frames := snap.Frames()
	if len(frames) != 2 {
		t.Fatalf("got %d frames", len(frames))
	}
	if len(frames[0].Boxes) != 1 || len(frames[1].Boxes) != 2 {
		t.Errorf("frames = %v / %v", frames[0].Boxes, frames[1].Boxes)
	}
	if len(p.Ops[0].FailArgs) != 3 {
		t.Errorf("failargs = %v", p.Ops[0].FailArgs)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"[i0]\ni1 = int_add(i0, i9)", "used before definition"},
		{"[i0]\ni1 = no_such_op(i0)", "unknown operation"},
		{"[x0]", "cannot infer"},
		{"[i0]\ni0 = int_add(i0, 1)", "defined twice"},
		{"[i0]\njump(i0)", "needs a descr"},
		{"[p0]\ni1 = getfield_gc_i(p0, descr=Nope.x)", "unknown descr"},
	}
	for _, tt := range tests {
		_, err := Parse(tt.src)
		var se *SyntaxError
		if !errors.As(err, &se) {
			t.Errorf("%q: err = %v, want a SyntaxError", tt.src, err)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%q: err = %v, want %q", tt.src, err, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	ns := NewNamespace()
	src := `
		struct Node vtable { value: int }
		[i0, p1, f2]
		i3 = int_mul(i0, -7)
		f4 = float_add(f2, 1.5)
		i5 = getfield_gc_i(p1, descr=Node.value)
		guard_value(i5, 3) [i0, f4]
		label(i3, p1, f4, descr=top)
		jump(i3, p1, f4, descr=top)
	`
	first, err := ns.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	printed := trace.Format(first.Trace())
	second, err := ns.Parse(printed)
	if err != nil {
		t.Fatalf("reparse of\n%s: %v", printed, err)
	}
	if err := Equivalent(second.Trace(), first.Trace(), CompareOptions{FailArgs: true}); err != nil {
		t.Errorf("round trip differs: %v\n%s", err, printed)
	}
}

func TestEquivalentDetectsDifferences(t *testing.T) {
	a := MustParse("[i0]\ni1 = int_add(i0, 1)\nfinish(i1)")
	b := MustParse("[i9]\ni7 = int_add(i9, 1)\nfinish(i7)")
	if err := Equivalent(a.Trace(), b.Trace(), CompareOptions{}); err != nil {
		t.Errorf("renamed traces differ: %v", err)
	}
	c := MustParse("[i0]\ni1 = int_add(i0, 2)\nfinish(i1)")
	if err := Equivalent(a.Trace(), c.Trace(), CompareOptions{}); err == nil {
		t.Error("different constants compare equal")
	}
	d := MustParse("[i0]\ni1 = int_add(i0, 1)\nfinish(i0)")
	if err := Equivalent(a.Trace(), d.Trace(), CompareOptions{}); err == nil {
		t.Error("different finish arguments compare equal")
	}
}
