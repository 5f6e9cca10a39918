package memory

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/rjit/pkg/trace"
)

func TestStructFields(t *testing.T) {
	h := NewHeap()
	d := trace.NewSizeDescr("Point", true,
		trace.FieldSpec{Name: "x", Type: trace.Int},
		trace.FieldSpec{Name: "b", Type: trace.Int, Size: 1, Signed: true},
		trace.FieldSpec{Name: "next", Type: trace.Ref},
	)
	obj, err := h.BhNewWithVtable(d)
	if err != nil {
		t.Fatal(err)
	}
	x, b, next := d.FieldByName("x"), d.FieldByName("b"), d.FieldByName("next")

	if got := h.BhGetfieldGc(obj, next); got != trace.ConstNull {
		t.Errorf("fresh ref field = %s, want NULL", got)
	}
	h.BhSetfieldGc(obj, trace.ConstInt{V: 42}, x)
	h.BhSetfieldGc(obj, trace.ConstInt{V: 0xff}, b)
	if got := h.BhGetfieldGc(obj, x); got != (trace.ConstInt{V: 42}) {
		t.Errorf("x = %s", got)
	}
	if got := h.BhGetfieldGc(obj, b); got != (trace.ConstInt{V: -1}) {
		t.Errorf("signed byte field = %s, want -1", got)
	}
	if h.BhClassof(obj) != d.Vtable.Addr {
		t.Error("classof does not match the vtable")
	}
}

func TestCyclicStructPrints(t *testing.T) {
	h := NewHeap()
	d := trace.NewSizeDescr("Node", true,
		trace.FieldSpec{Name: "v", Type: trace.Int},
		trace.FieldSpec{Name: "next", Type: trace.Ref},
	)
	obj, err := h.BhNewWithVtable(d)
	if err != nil {
		t.Fatal(err)
	}
	h.BhSetfieldGc(obj, trace.ConstInt{V: 20}, d.FieldByName("v"))
	h.BhSetfieldGc(obj, trace.ConstPtr{V: obj}, d.FieldByName("next"))

	got := trace.ConstPtr{V: obj}.String()
	if !strings.HasPrefix(got, "ConstPtr(Node{v=20 next=Node@") {
		t.Errorf("printed %s", got)
	}
}

func TestArenaRoundTrip(t *testing.T) {
	a := NewArena()
	p := a.Malloc(16)
	if err := a.StoreInt(p+4, 2, -2); err != nil {
		t.Fatal(err)
	}
	v, err := a.LoadInt(p+4, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xfffe {
		t.Errorf("unsigned load = %#x, want 0xfffe", v)
	}
	v, _ = a.LoadInt(p+4, 2, true)
	if v != -2 {
		t.Errorf("signed load = %d, want -2", v)
	}
	if err := a.StoreFloat(p+8, 2.5); err != nil {
		t.Fatal(err)
	}
	if f, _ := a.LoadFloat(p + 8); f != 2.5 {
		t.Errorf("float load = %v", f)
	}
	if _, err := a.LoadInt(p+12, 8, true); !errors.Is(err, ErrBadAddress) {
		t.Errorf("out-of-block load: err = %v", err)
	}
	if err := a.Free(p); err != nil {
		t.Fatal(err)
	}
	if _, err := a.LoadInt(p, 8, true); !errors.Is(err, ErrBadAddress) {
		t.Errorf("load after free: err = %v", err)
	}
}

func TestHeapLimit(t *testing.T) {
	h := NewHeap()
	h.SetLimit(64)
	if _, err := h.BhNewstr(8); err != nil {
		t.Fatalf("small alloc failed: %v", err)
	}
	if _, err := h.BhNewstr(1000); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("err = %v, want ErrOutOfMemory", err)
	}
}

func TestQuasiImmutWatcher(t *testing.T) {
	h := NewHeap()
	d := trace.NewSizeDescr("Cell", false, trace.FieldSpec{Name: "v", Type: trace.Int, QuasiImmut: true})
	obj, _ := h.BhNew(d)
	fired := 0
	h.WatchQuasiImmut(obj, d.Fields[0], func() { fired++ })
	h.BhSetfieldGc(obj, trace.ConstInt{V: 1}, d.Fields[0])
	h.BhSetfieldGc(obj, trace.ConstInt{V: 2}, d.Fields[0])
	if fired != 1 {
		t.Errorf("watcher fired %d times, want 1", fired)
	}
}

func TestStrings(t *testing.T) {
	h := NewHeap()
	src := NewStr("hello")
	dst, _ := h.BhNewstr(3)
	h.BhCopystrcontent(src, dst, 1, 0, 3)
	if got := dst.(*Str).String(); got != "ell" {
		t.Errorf("copy = %q", got)
	}
	if h.BhStrgetitem(src, 4) != 'o' {
		t.Error("strgetitem wrong")
	}
	if got := src.TraceLiteral(); got != `s"hello"` {
		t.Errorf("literal = %s", got)
	}
}

func TestFaultOnBadAccess(t *testing.T) {
	h := NewHeap()
	defer func() {
		r := recover()
		if _, ok := r.(*Fault); !ok {
			t.Errorf("recovered %v, want *Fault", r)
		}
	}()
	d := trace.NewSizeDescr("S", false, trace.FieldSpec{Name: "x", Type: trace.Int})
	h.BhGetfieldGc(nil, d.Fields[0])
}

func TestCastPtrToInt(t *testing.T) {
	h := NewHeap()
	s := NewStr("x")
	n := h.BhCastPtrToInt(s)
	if n == 0 || h.BhCastPtrToInt(s) != n {
		t.Fatal("handle not stable")
	}
	if h.BhCastIntToPtr(n) != trace.RefValue(s) {
		t.Error("round trip failed")
	}
}
