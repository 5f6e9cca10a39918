package executor

import (
	"errors"
	"math"
	"testing"

	"github.com/chazu/rjit/pkg/memory"
	"github.com/chazu/rjit/pkg/trace"
)

// testMachine adds a tiny function table to the heap.
type testMachine struct {
	*memory.Heap
	funcs map[int64]func(args []trace.Const) (trace.Const, error)
}

func (m *testMachine) BhCall(fn int64, args []trace.Const, d *trace.CallDescr) (trace.Const, error) {
	return m.funcs[fn](args)
}

func (m *testMachine) BhCallReleaseGil(mode, fn int64, args []trace.Const, d *trace.CallDescr) (trace.Const, error) {
	return m.funcs[fn](args)
}

func (m *testMachine) BhCallAssembler(*trace.JitCellToken, []trace.Const, trace.Kind) (trace.Const, error) {
	return nil, errors.New("no assembler")
}

func newTestMachine() *testMachine {
	return &testMachine{Heap: memory.NewHeap(), funcs: map[int64]func([]trace.Const) (trace.Const, error){}}
}

func ci(v int64) trace.Const { return trace.ConstInt{V: v} }

func TestIntegerSemantics(t *testing.T) {
	m := newTestMachine()
	tests := []struct {
		num  trace.Opnum
		args []trace.Const
		want int64
	}{
		{trace.OpIntAdd, []trace.Const{ci(math.MaxInt64), ci(1)}, math.MinInt64},
		{trace.OpIntFloordiv, []trace.Const{ci(-7), ci(2)}, -3},
		{trace.OpIntFloordiv, []trace.Const{ci(7), ci(0)}, 0},
		{trace.OpIntMod, []trace.Const{ci(-7), ci(2)}, -1},
		{trace.OpIntLshift, []trace.Const{ci(1), ci(65)}, 2},
		{trace.OpIntRshift, []trace.Const{ci(-8), ci(1)}, -4},
		{trace.OpUintRshift, []trace.Const{ci(-1), ci(60)}, 15},
		{trace.OpIntSignext, []trace.Const{ci(0xff), ci(1)}, -1},
		{trace.OpIntSignext, []trace.Const{ci(0x7fff), ci(2)}, 0x7fff},
		{trace.OpIntSignext, []trace.Const{ci(0x80000000), ci(4)}, -0x80000000},
		{trace.OpUintMulHigh, []trace.Const{ci(-1), ci(2)}, 1},
		{trace.OpUintLt, []trace.Const{ci(1), ci(-1)}, 1},
		{trace.OpIntLt, []trace.Const{ci(1), ci(-1)}, 0},
		{trace.OpIntForceGeZero, []trace.Const{ci(-5)}, 0},
		{trace.OpIntIsZero, []trace.Const{ci(0)}, 1},
	}
	for _, tt := range tests {
		got, err := Execute(m, tt.num, nil, tt.args...)
		if err != nil {
			t.Errorf("%s%v: %v", tt.num, tt.args, err)
			continue
		}
		if got != ci(tt.want) {
			t.Errorf("%s%v = %s, want %d", tt.num, tt.args, got, tt.want)
		}
	}
}

func TestOverflowChecks(t *testing.T) {
	m := newTestMachine()
	if _, err := Execute(m, trace.OpIntAddOvf, nil, ci(math.MaxInt64-1), ci(2)); !errors.Is(err, ErrOverflow) {
		t.Errorf("add overflow: err = %v", err)
	}
	if _, err := Execute(m, trace.OpIntSubOvf, nil, ci(math.MinInt64), ci(1)); !errors.Is(err, ErrOverflow) {
		t.Errorf("sub overflow: err = %v", err)
	}
	if _, err := Execute(m, trace.OpIntMulOvf, nil, ci(math.MinInt64), ci(-1)); !errors.Is(err, ErrOverflow) {
		t.Errorf("mul overflow: err = %v", err)
	}
	got, err := Execute(m, trace.OpIntMulOvf, nil, ci(1<<31), ci(1<<31))
	if err != nil || got != ci(1<<62) {
		t.Errorf("mul = %v, %v", got, err)
	}
}

func TestFloatSemantics(t *testing.T) {
	m := newTestMachine()
	nan := trace.NewConstFloat(math.NaN())
	one := trace.NewConstFloat(1)
	for _, num := range []trace.Opnum{trace.OpFloatLt, trace.OpFloatLe, trace.OpFloatEq, trace.OpFloatGt, trace.OpFloatGe} {
		got, _ := Execute(m, num, nil, nan, one)
		if got != ci(0) {
			t.Errorf("%s(NaN, 1) = %s, want 0", num, got)
		}
	}
	got, _ := Execute(m, trace.OpFloatNe, nil, nan, one)
	if got != ci(1) {
		t.Errorf("float_ne(NaN, 1) = %s, want 1", got)
	}
	sum, _ := Execute(m, trace.OpFloatAdd, nil, nan, one)
	if !math.IsNaN(sum.(trace.ConstFloat).Float()) {
		t.Error("NaN does not propagate")
	}
	i, _ := Execute(m, trace.OpCastFloatToInt, nil, trace.NewConstFloat(-2.7))
	if i != ci(-2) {
		t.Errorf("cast_float_to_int(-2.7) = %s", i)
	}
}

func TestMemoryOps(t *testing.T) {
	m := newTestMachine()
	d := trace.NewSizeDescr("Node", true, trace.FieldSpec{Name: "value", Type: trace.Int})
	obj, err := Execute(m, trace.OpNewWithVtable, d)
	if err != nil {
		t.Fatal(err)
	}
	f := d.Fields[0]
	if _, err := Execute(m, trace.OpSetfieldGc, f, obj, ci(42)); err != nil {
		t.Fatal(err)
	}
	got, _ := Execute(m, trace.OpGetfieldGcI, f, obj)
	if got != ci(42) {
		t.Errorf("getfield = %s", got)
	}

	arr := trace.NewArrayDescr("Arr", trace.Int, 0, true, true)
	a, _ := Execute(m, trace.OpNewArrayClear, arr, ci(3))
	Execute(m, trace.OpSetarrayitemGc, arr, a, ci(2), ci(7))
	if n, _ := Execute(m, trace.OpArraylenGc, arr, a); n != ci(3) {
		t.Errorf("arraylen = %s", n)
	}
	if v, _ := Execute(m, trace.OpGetarrayitemGcI, arr, a, ci(2)); v != ci(7) {
		t.Errorf("item = %s", v)
	}
}

func TestCalls(t *testing.T) {
	m := newTestMachine()
	m.funcs[100] = func(args []trace.Const) (trace.Const, error) {
		return ci(args[0].(trace.ConstInt).V * 2), nil
	}
	m.funcs[200] = func([]trace.Const) (trace.Const, error) {
		return nil, &Raised{Exc: "boom"}
	}
	cd := trace.NewCallDescr("double", []trace.Kind{trace.Int}, trace.Int, nil)
	got, err := Execute(m, trace.OpCallI, cd, ci(100), ci(21))
	if err != nil || got != ci(42) {
		t.Errorf("call = %v, %v", got, err)
	}
	_, err = Execute(m, trace.OpCallN, cd, ci(200))
	var r *Raised
	if !errors.As(err, &r) || r.Exc != "boom" {
		t.Errorf("err = %v, want Raised", err)
	}
	if _, err := Execute(m, trace.OpCondCallN, cd, ci(0), ci(200)); err != nil {
		t.Errorf("cond_call with false condition called: %v", err)
	}
}

func TestNotExecutable(t *testing.T) {
	for _, num := range []trace.Opnum{trace.OpGuardTrue, trace.OpJump, trace.OpLabel, trace.OpForceToken} {
		if CanExecute(num) {
			t.Errorf("%s should not be executable", num)
		}
		if _, err := Execute(nil, num, nil); !errors.Is(err, ErrNotExecutable) {
			t.Errorf("%s: err = %v", num, err)
		}
	}
}

func TestTablesCoverPureOps(t *testing.T) {
	for _, num := range trace.AllOpnums() {
		if num.IsAlwaysPure() && !CanExecute(num) {
			t.Errorf("pure op %s has no implementation", num)
		}
	}
}
