package backend

import (
	"errors"
	"math"
	"testing"

	"github.com/chazu/rjit/pkg/executor"
	"github.com/chazu/rjit/pkg/trace"
)

func box(k trace.Kind) *trace.Box { return trace.NewBox(k) }

func ci(v int64) trace.ConstInt { return trace.ConstInt{V: v} }

func guard(num trace.Opnum, args []trace.Value, fail ...trace.Value) *trace.Op {
	op := trace.NewOp(num, args, trace.NewFailDescr(""))
	op.FailArgs = fail
	return op
}

func TestLinearAdd(t *testing.T) {
	cpu := New(Options{})
	i0 := box(trace.Int)
	add := trace.NewOp(trace.OpIntAdd, []trace.Value{i0, ci(1)}, nil)
	d1 := trace.NewFinishDescr("D1")
	finish := trace.NewOp(trace.OpFinish, []trace.Value{add.Result}, d1)
	token := trace.NewJitCellToken("linear")
	if _, err := cpu.CompileLoop([]*trace.Box{i0}, []*trace.Op{add, finish}, token); err != nil {
		t.Fatal(err)
	}
	df, err := cpu.ExecuteToken(token, ci(2))
	if err != nil {
		t.Fatal(err)
	}
	if cpu.LatestDescr(df) != d1 {
		t.Errorf("latest descr = %s, want D1", cpu.LatestDescr(df))
	}
	if got := cpu.IntValue(df, 0); got != 3 {
		t.Errorf("slot 0 = %d, want 3", got)
	}
	if cpu.TotalCompiledLoops() != 1 {
		t.Errorf("compiled loops = %d", cpu.TotalCompiledLoops())
	}
}

func TestCountedLoopWithBridge(t *testing.T) {
	cpu := New(Options{})
	i0 := box(trace.Int)
	target := trace.NewTargetToken("loop")
	label := trace.NewOp(trace.OpLabel, []trace.Value{i0}, target)
	add := trace.NewOp(trace.OpIntAdd, []trace.Value{i0, ci(1)}, nil)
	le := trace.NewOp(trace.OpIntLe, []trace.Value{add.Result, ci(9)}, nil)
	g := guard(trace.OpGuardTrue, []trace.Value{le.Result}, add.Result)
	jump := trace.NewOp(trace.OpJump, []trace.Value{add.Result}, target)
	token := trace.NewJitCellToken("counted")
	if _, err := cpu.CompileLoop([]*trace.Box{i0}, []*trace.Op{label, add, le, g, jump}, token); err != nil {
		t.Fatal(err)
	}

	df, err := cpu.ExecuteToken(token, ci(2))
	if err != nil {
		t.Fatal(err)
	}
	if cpu.LatestDescr(df) != g.FailDescr() {
		t.Fatalf("left through %s, want the guard", cpu.LatestDescr(df))
	}
	if got := cpu.IntValue(df, 0); got != 10 {
		t.Errorf("slot 0 = %d, want 10", got)
	}

	i1b := box(trace.Int)
	le2 := trace.NewOp(trace.OpIntLe, []trace.Value{i1b, ci(19)}, nil)
	g2 := guard(trace.OpGuardTrue, []trace.Value{le2.Result}, i1b)
	jump2 := trace.NewOp(trace.OpJump, []trace.Value{i1b}, target)
	if _, err := cpu.CompileBridge(g.FailDescr(), []*trace.Box{i1b}, []*trace.Op{le2, g2, jump2}, token); err != nil {
		t.Fatal(err)
	}
	if !g.FailDescr().Bridged() {
		t.Error("guard not marked as bridged")
	}

	df, err = cpu.ExecuteToken(token, ci(2))
	if err != nil {
		t.Fatal(err)
	}
	if cpu.LatestDescr(df) != g2.FailDescr() {
		t.Fatalf("left through %s, want the bridge guard", cpu.LatestDescr(df))
	}
	if got := cpu.IntValue(df, 0); got != 20 {
		t.Errorf("slot 0 = %d, want 20", got)
	}
	if cpu.TotalCompiledBridges() != 1 {
		t.Errorf("compiled bridges = %d", cpu.TotalCompiledBridges())
	}
}

func TestOverflowGuard(t *testing.T) {
	cpu := New(Options{})
	i0 := box(trace.Int)
	add := trace.NewOp(trace.OpIntAddOvf, []trace.Value{ci(math.MaxInt64 - 1), ci(2)}, nil)
	g := guard(trace.OpGuardNoOverflow, nil)
	finish := trace.NewOp(trace.OpFinish, []trace.Value{add.Result}, trace.NewFinishDescr("done"))
	token := trace.NewJitCellToken("ovf")
	if _, err := cpu.CompileLoop([]*trace.Box{i0}, []*trace.Op{add, g, finish}, token); err != nil {
		t.Fatal(err)
	}
	df, err := cpu.ExecuteToken(token, ci(0))
	if err != nil {
		t.Fatal(err)
	}
	if cpu.LatestDescr(df) != g.FailDescr() {
		t.Errorf("left through %s, want the overflow guard", cpu.LatestDescr(df))
	}
}

func TestInvalidation(t *testing.T) {
	cpu := New(Options{})
	i0 := box(trace.Int)
	g := guard(trace.OpGuardNotInvalidated, nil, i0)
	finish := trace.NewOp(trace.OpFinish, []trace.Value{i0}, trace.NewFinishDescr("done"))
	token := trace.NewJitCellToken("inv")
	if _, err := cpu.CompileLoop([]*trace.Box{i0}, []*trace.Op{g, finish}, token); err != nil {
		t.Fatal(err)
	}
	df, _ := cpu.ExecuteToken(token, ci(1))
	if cpu.LatestDescr(df) == g.FailDescr() {
		t.Fatal("guard failed before invalidation")
	}
	cpu.InvalidateLoop(token)
	for _, in := range []int64{1, 2, -5} {
		df, _ := cpu.ExecuteToken(token, ci(in))
		if cpu.LatestDescr(df) != g.FailDescr() {
			t.Errorf("input %d: left through %s after invalidation", in, cpu.LatestDescr(df))
		}
	}
}

func TestQuasiImmutableStoreInvalidates(t *testing.T) {
	cpu := New(Options{})
	cls := trace.NewSizeDescr("Cell", true, trace.FieldSpec{Name: "version", Type: trace.Int, QuasiImmut: true})
	obj, _ := cpu.BhNewWithVtable(cls)
	f := cls.FieldByName("version")

	i0 := box(trace.Int)
	qd := trace.NewQuasiImmutDescr(obj, f, ci(0))
	q := trace.NewOp(trace.OpQuasiimmutField, []trace.Value{trace.ConstPtr{V: obj}}, qd)
	g := guard(trace.OpGuardNotInvalidated, nil)
	finish := trace.NewOp(trace.OpFinish, []trace.Value{i0}, trace.NewFinishDescr("done"))
	token := trace.NewJitCellToken("qmut")
	if _, err := cpu.CompileLoop([]*trace.Box{i0}, []*trace.Op{q, g, finish}, token); err != nil {
		t.Fatal(err)
	}
	cpu.BhSetfieldGc(obj, ci(1), f)
	if !token.Invalidated() {
		t.Fatal("store to quasi-immutable field did not invalidate the loop")
	}
	df, _ := cpu.ExecuteToken(token, ci(0))
	if cpu.LatestDescr(df) != g.FailDescr() {
		t.Errorf("left through %s", cpu.LatestDescr(df))
	}
}

func TestExceptionGuards(t *testing.T) {
	cpu := New(Options{})
	excClass := trace.NewSizeDescr("ValueError", true)
	exc, _ := cpu.BhNewWithVtable(excClass)
	fn := cpu.RegisterFunc("raiser", func([]trace.Const) (trace.Const, error) {
		return nil, &executor.Raised{Exc: exc}
	})
	cd := trace.NewCallDescr("raiser", nil, trace.Int, &trace.EffectInfo{Extra: trace.EffectCanRaise})

	i0 := box(trace.Int)
	call := trace.NewOp(trace.OpCallI, []trace.Value{ci(fn)}, cd)
	g := guard(trace.OpGuardNoException, nil, i0)
	finish := trace.NewOp(trace.OpFinish, []trace.Value{call.Result}, trace.NewFinishDescr("done"))
	token := trace.NewJitCellToken("exc")
	if _, err := cpu.CompileLoop([]*trace.Box{i0}, []*trace.Op{call, g, finish}, token); err != nil {
		t.Fatal(err)
	}
	df, err := cpu.ExecuteToken(token, ci(7))
	if err != nil {
		t.Fatal(err)
	}
	if cpu.LatestDescr(df) != g.FailDescr() {
		t.Fatalf("left through %s", cpu.LatestDescr(df))
	}
	if got := cpu.GrabExcValue(df); got != exc {
		t.Errorf("exception = %v", got)
	}
	if cpu.GrabExcValue(df) != nil {
		t.Error("exception not consumed")
	}

	call2 := trace.NewOp(trace.OpCallI, []trace.Value{ci(fn)}, cd)
	ge := trace.NewOp(trace.OpGuardException, []trace.Value{excClass.Vtable.ClassConst()}, trace.NewFailDescr(""))
	finish2 := trace.NewOp(trace.OpFinish, []trace.Value{ge.Result}, trace.NewFinishDescr("caught"))
	token2 := trace.NewJitCellToken("catch")
	if _, err := cpu.CompileLoop([]*trace.Box{}, []*trace.Op{call2, ge, finish2}, token2); err != nil {
		t.Fatal(err)
	}
	df, err = cpu.ExecuteToken(token2)
	if err != nil {
		t.Fatal(err)
	}
	if cpu.RefValue(df, 0) != exc {
		t.Errorf("caught %v", cpu.RefValue(df, 0))
	}
}

func TestForce(t *testing.T) {
	cpu := New(Options{})
	var forced *DeadFrame
	fn := cpu.RegisterFunc("forcer", func(args []trace.Const) (trace.Const, error) {
		df, err := cpu.Force(args[0].(trace.ConstPtr).V)
		if err != nil {
			return nil, err
		}
		cpu.SetSavedataRef(df, "saved")
		forced = df
		return nil, nil
	})
	cd := trace.NewCallDescr("forcer", []trace.Kind{trace.Ref}, trace.Void, &trace.EffectInfo{Extra: trace.EffectForcesVirtualOrVirtualizable})

	i0 := box(trace.Int)
	tok := trace.NewOp(trace.OpForceToken, nil, nil)
	call := trace.NewOp(trace.OpCallMayForceN, []trace.Value{ci(fn), tok.Result}, cd)
	g := guard(trace.OpGuardNotForced, nil, i0)
	finish := trace.NewOp(trace.OpFinish, []trace.Value{i0}, trace.NewFinishDescr("done"))
	token := trace.NewJitCellToken("force")
	if _, err := cpu.CompileLoop([]*trace.Box{i0}, []*trace.Op{tok, call, g, finish}, token); err != nil {
		t.Fatal(err)
	}
	df, err := cpu.ExecuteToken(token, ci(5))
	if err != nil {
		t.Fatal(err)
	}
	if df != forced || !df.Forced() {
		t.Fatal("guard_not_forced did not leave with the forced frame")
	}
	if cpu.LatestDescr(df) != g.FailDescr() || cpu.IntValue(df, 0) != 5 {
		t.Errorf("forced frame = %s", df)
	}
	if cpu.SavedataRef(df) != "saved" {
		t.Errorf("savedata = %v", cpu.SavedataRef(df))
	}
}

func TestReleaseGilErrno(t *testing.T) {
	cpu := New(Options{})
	var seen int64
	fn := cpu.RegisterFunc("libc", func(args []trace.Const) (trace.Const, error) {
		seen = cpu.Errno()
		cpu.SetErrno(args[0].(trace.ConstInt).V)
		return trace.Const0, nil
	})
	cd := trace.NewCallDescr("libc", []trace.Kind{trace.Int}, trace.Int, &trace.EffectInfo{Extra: trace.EffectCannotRaise})

	cpu.WithThread(func() {
		if _, err := cpu.BhCallReleaseGil(SaveErrno, fn, []trace.Const{ci(11)}, cd); err != nil {
			t.Fatal(err)
		}
		if _, err := cpu.BhCallReleaseGil(SaveErrno|AltErrno, fn, []trace.Const{ci(22)}, cd); err != nil {
			t.Fatal(err)
		}
		if cpu.SavedErrno(false) != 11 || cpu.SavedErrno(true) != 22 {
			t.Errorf("saved errno = %d/%d, want 11/22", cpu.SavedErrno(false), cpu.SavedErrno(true))
		}
		cpu.BhCallReleaseGil(ReadsavedErrno, fn, []trace.Const{ci(0)}, cd)
		if seen != 11 {
			t.Errorf("callee saw errno %d, want 11", seen)
		}
		cpu.BhCallReleaseGil(ReadsavedErrno|AltErrno, fn, []trace.Const{ci(0)}, cd)
		if seen != 22 {
			t.Errorf("callee saw alt errno %d, want 22", seen)
		}
		cpu.SetErrno(99)
		cpu.BhCallReleaseGil(ZeroErrnoBefore, fn, []trace.Const{ci(0)}, cd)
		if seen != 0 {
			t.Errorf("callee saw errno %d, want 0", seen)
		}
	})
}

func TestMemoryError(t *testing.T) {
	cpu := New(Options{HeapLimit: 64})
	d := trace.NewArrayDescr("Big", trace.Int, 0, true, true)
	alloc := trace.NewOp(trace.OpNewArrayClear, []trace.Value{ci(1024)}, d)
	finish := trace.NewOp(trace.OpFinish, []trace.Value{alloc.Result}, trace.NewFinishDescr("done"))
	token := trace.NewJitCellToken("oom")
	if _, err := cpu.CompileLoop(nil, []*trace.Op{alloc, finish}, token); err != nil {
		t.Fatal(err)
	}
	df, err := cpu.ExecuteToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if cpu.LatestDescr(df) != cpu.MemoryErrorDescr() {
		t.Errorf("left through %s, want MemoryError", cpu.LatestDescr(df))
	}
	if cpu.GrabExcValue(df) != cpu.MemoryErrorValue() {
		t.Error("pending exception is not the MemoryError instance")
	}
}

func TestCodeBudgetAndFree(t *testing.T) {
	cpu := New(Options{CodeBudget: 4 * bytesPerOp})
	mk := func() (*trace.JitCellToken, []*trace.Box, []*trace.Op) {
		i0 := box(trace.Int)
		a := trace.NewOp(trace.OpIntAdd, []trace.Value{i0, ci(1)}, nil)
		f := trace.NewOp(trace.OpFinish, []trace.Value{a.Result}, trace.NewFinishDescr(""))
		return trace.NewJitCellToken(""), []*trace.Box{i0}, []*trace.Op{a, f}
	}
	t1, in1, ops1 := mk()
	if _, err := cpu.CompileLoop(in1, ops1, t1); err != nil {
		t.Fatal(err)
	}
	t2, in2, ops2 := mk()
	if _, err := cpu.CompileLoop(in2, ops2, t2); err != nil {
		t.Fatal(err)
	}
	t3, in3, ops3 := mk()
	if _, err := cpu.CompileLoop(in3, ops3, t3); !errors.Is(err, ErrCodeBudget) {
		t.Fatalf("third loop: err = %v, want ErrCodeBudget", err)
	}
	if err := cpu.FreeLoopAndBridges(t1); err != nil {
		t.Fatal(err)
	}
	if _, err := cpu.ExecuteToken(t1, ci(0)); !errors.Is(err, ErrFreedLoop) {
		t.Errorf("execute freed loop: err = %v", err)
	}
	if _, err := cpu.CompileLoop(in3, ops3, t3); err != nil {
		t.Errorf("after free: %v", err)
	}
	if cpu.TotalFreedLoops() != 1 {
		t.Errorf("freed loops = %d", cpu.TotalFreedLoops())
	}
}

func TestCallAssemblerRedirect(t *testing.T) {
	cpu := New(Options{})
	mk := func(k int64) *trace.JitCellToken {
		i0 := box(trace.Int)
		m := trace.NewOp(trace.OpIntMul, []trace.Value{i0, ci(k)}, nil)
		f := trace.NewOp(trace.OpFinish, []trace.Value{m.Result}, trace.NewFinishDescr(""))
		tok := trace.NewJitCellToken("")
		if _, err := cpu.CompileLoop([]*trace.Box{i0}, []*trace.Op{m, f}, tok); err != nil {
			t.Fatal(err)
		}
		return tok
	}
	double, triple := mk(2), mk(3)
	got, err := cpu.BhCallAssembler(double, []trace.Const{ci(7)}, trace.Int)
	if err != nil || got != ci(14) {
		t.Fatalf("call_assembler = %v, %v", got, err)
	}
	cpu.RedirectCallAssembler(double, triple)
	got, _ = cpu.BhCallAssembler(double, []trace.Const{ci(7)}, trace.Int)
	if got != ci(21) {
		t.Errorf("redirected call_assembler = %v, want 21", got)
	}
}

func TestStringBuiltins(t *testing.T) {
	cpu := New(Options{})
	addr, d, ok := cpu.CallInfo(trace.OSStrConcat)
	if !ok {
		t.Fatal("no STR_CONCAT helper")
	}
	if !d.Effect.IsElidable() {
		t.Error("concat helper is not elidable")
	}
	a, _ := cpu.newString(false, []rune("ab"))
	b, _ := cpu.newString(false, []rune("cde"))
	res, err := cpu.BhCall(addr.V, []trace.Const{a, b}, d)
	if err != nil {
		t.Fatal(err)
	}
	if cpu.BhStrlen(res.(trace.ConstPtr).V) != 5 {
		t.Errorf("concat length = %d", cpu.BhStrlen(res.(trace.ConstPtr).V))
	}
	eq, d, _ := cpu.CallInfo(trace.OSStreqNonnullChar)
	one, _ := cpu.newString(false, []rune("x"))
	if r, _ := cpu.BhCall(eq.V, []trace.Const{one, ci('x')}, d); r != trace.Const1 {
		t.Errorf("streq_nonnull_char = %v", r)
	}
}
