package jit

import (
	"errors"
	"testing"

	"github.com/chazu/rjit/backend"
	"github.com/chazu/rjit/optimizer"
	"github.com/chazu/rjit/pkg/trace"
	"github.com/chazu/rjit/pkg/traceparse"
)

const countedLoop = `
loop L

[i0]
i1 = int_add(i0, 1)
i2 = int_lt(i1, 10)
guard_true(i2) [i1]
jump(i1, descr=L)
`

func compile(t *testing.T, d *Driver, name, src string) (*Loop, *traceparse.Namespace) {
	t.Helper()
	ns := traceparse.NewNamespace()
	p, err := ns.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	loop, err := d.CompileLoop(name, p.Inputs, p.Ops)
	if err != nil {
		t.Fatal(err)
	}
	return loop, ns
}

func ci(v int64) trace.ConstInt { return trace.ConstInt{V: v} }

func TestRunToGuardExit(t *testing.T) {
	d := New(backend.New(backend.Options{}), Options{})
	loop, _ := compile(t, d, "L", countedLoop)
	if !loop.Unrolled || loop.Result.Preamble == nil {
		t.Fatalf("loop was not peeled: %+v", loop.Result)
	}

	ex, err := d.Run(loop, ci(0))
	if err != nil {
		t.Fatal(err)
	}
	if ex.Final {
		t.Fatal("loop finished")
	}
	if len(ex.Frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(ex.Frames))
	}
	if got := ex.Frames[0].Values; len(got) != 1 || got[0] != ci(10) {
		t.Errorf("frame values = %v, want [10]", got)
	}
	if st := d.Stats(); st.LoopsCompiled != 1 || st.GuardFailures != 1 || st.LiveLoops != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestLinearTraceFinishes(t *testing.T) {
	d := New(backend.New(backend.Options{}), Options{})
	loop, _ := compile(t, d, "add", `
		[i0, i1]
		i2 = int_add(i0, i1)
		finish(i2)
	`)
	ex, err := d.Run(loop, ci(40), ci(2))
	if err != nil {
		t.Fatal(err)
	}
	if !ex.Final || len(ex.Values) != 1 || ex.Values[0] != ci(42) {
		t.Errorf("exit = %+v", ex)
	}
}

func TestHotGuardGetsBridge(t *testing.T) {
	d := New(backend.New(backend.Options{}), Options{TraceEagerness: 3})
	loop, ns := compile(t, d, "L", countedLoop)

	var hot *GuardProfile
	d.Profiler().OnHot = func(p *GuardProfile) { hot = p }

	var exit *Exit
	for i := 1; i <= 3; i++ {
		ex, err := d.Run(loop, ci(0))
		if err != nil {
			t.Fatal(err)
		}
		if ex.Hot != (i == 3) {
			t.Errorf("run %d: hot = %v", i, ex.Hot)
		}
		exit = ex
	}
	if hot == nil || hot.Guard != exit.Descr || hot.Loop != loop.Token {
		t.Fatalf("hot profile = %+v", hot)
	}

	rt, err := d.BridgeStart(exit.Descr)
	if err != nil {
		t.Fatal(err)
	}
	if len(rt.Inputs) != 1 {
		t.Fatalf("bridge inputs = %v", rt.Inputs)
	}

	p, err := ns.Parse(`
		[i5]
		i6 = int_add(i5, 1)
		jump(i6, descr=L)
	`)
	if err != nil {
		t.Fatal(err)
	}
	p.Ops[len(p.Ops)-1].Descr = loop.Token
	b, err := d.CompileBridge(exit.Descr, p.Inputs, p.Ops)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Retrace || b.Result.Loop != loop.Result.Preamble {
		t.Errorf("bridge enters %v, retrace %v", b.Result.Loop, b.Retrace)
	}
	if d.Profiler().Profile(exit.Descr) != nil {
		t.Error("bridged guard still profiled")
	}

	// 0..10 in the loop, 11 through the bridge, then the preamble's
	// guard fails on 12.
	ex, err := d.Run(loop, ci(0))
	if err != nil {
		t.Fatal(err)
	}
	if ex.Descr == exit.Descr {
		t.Fatal("left through the bridged guard")
	}
	if len(ex.Values) != 1 || ex.Values[0] != ci(12) {
		t.Errorf("exit values = %v, want [12]", ex.Values)
	}
	if st := d.Stats(); st.BridgesCompiled != 1 || st.Retraces != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRetraceLimit(t *testing.T) {
	d := New(backend.New(backend.Options{}), Options{RetraceLimit: 1})
	loop, ns := compile(t, d, "L", countedLoop)
	ex, err := d.Run(loop, ci(0))
	if err != nil {
		t.Fatal(err)
	}
	loop.Token.Retraces.Store(1)
	p, err := ns.Parse(`
		[i5]
		jump(i5, descr=L)
	`)
	if err != nil {
		t.Fatal(err)
	}
	p.Ops[0].Descr = loop.Token
	b, err := d.CompileBridge(ex.Descr, p.Inputs, p.Ops)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Result.RetraceRequested || b.Retrace {
		t.Errorf("requested %v, granted %v", b.Result.RetraceRequested, b.Retrace)
	}
}

func TestInvalidLoopFallsBackToSimpleLoop(t *testing.T) {
	d := New(backend.New(backend.Options{}), Options{})
	// The second iteration enters with 1, so the peeled body's guard
	// can never pass.
	loop, _ := compile(t, d, "L", `
		loop L

		[i0]
		i1 = int_eq(i0, 0)
		guard_true(i1) [i0]
		jump(1, descr=L)
	`)
	if loop.Unrolled || loop.Result.Preamble != nil {
		t.Error("invalid peeled loop was kept")
	}
	st := d.Stats()
	if st.InvalidLoops != 1 || st.AbortedUnrolls != 1 {
		t.Errorf("stats = %+v", st)
	}
	ex, err := d.Run(loop, ci(0))
	if err != nil {
		t.Fatal(err)
	}
	if ex.Final || ex.Values[0] != ci(1) {
		t.Errorf("exit = %+v", ex)
	}
}

func TestInvalidLinearTrace(t *testing.T) {
	d := New(backend.New(backend.Options{}), Options{})
	p := traceparse.MustParse(`
		[i0]
		guard_true(0) [i0]
		finish(i0)
	`)
	_, err := d.CompileLoop("dead", p.Inputs, p.Ops)
	if !errors.Is(err, optimizer.ErrInvalidLoop) {
		t.Fatalf("err = %v, want an invalid loop", err)
	}
	if _, ok := d.Loop("dead"); ok {
		t.Error("failed loop registered")
	}
}

func TestDisabled(t *testing.T) {
	d := New(backend.New(backend.Options{}), Options{Disabled: true})
	p := traceparse.MustParse("[i0]\nfinish(i0)")
	if _, err := d.CompileLoop("x", p.Inputs, p.Ops); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v", err)
	}
}

func TestQuasiImmutableInvalidation(t *testing.T) {
	cpu := backend.New(backend.Options{})
	d := New(cpu, Options{})
	ns := traceparse.NewNamespace()
	if _, err := ns.Parse(`struct Cfg { ver: int quasi }`); err != nil {
		t.Fatal(err)
	}
	ver := ns.Descrs["Cfg.ver"].(*trace.FieldDescr)
	cfg, err := cpu.BhNew(ns.Descrs["Cfg"].(*trace.SizeDescr))
	if err != nil {
		t.Fatal(err)
	}
	ns.Refs["cfg"] = cfg
	p, err := ns.Parse(`
		[i0]
		quasiimmut_field(ConstPtr(cfg), descr=Cfg.ver)
		guard_not_invalidated() [i0]
		i1 = getfield_gc_i(ConstPtr(cfg), descr=Cfg.ver)
		i2 = int_add(i0, i1)
		finish(i2)
	`)
	if err != nil {
		t.Fatal(err)
	}
	loop, err := d.CompileLoop("cfg", p.Inputs, p.Ops)
	if err != nil {
		t.Fatal(err)
	}
	if ex, _ := d.Run(loop, ci(5)); !ex.Final || ex.Values[0] != ci(5) {
		t.Fatalf("exit = %+v", ex)
	}

	cpu.BhSetfieldGc(cfg, ci(1), ver)
	ex, err := d.Run(loop, ci(5))
	if err != nil {
		t.Fatal(err)
	}
	if ex.Final || !ex.Invalidated {
		t.Errorf("exit after store = %+v", ex)
	}
	if got := d.CollectInvalidated(); len(got) != 1 || got[0] != "cfg" {
		t.Errorf("collected %v", got)
	}
	if st := d.Stats(); st.LiveLoops != 0 || st.FreedLoops != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRecompileReplacesLoop(t *testing.T) {
	cpu := backend.New(backend.Options{})
	d := New(cpu, Options{})
	first, _ := compile(t, d, "L", countedLoop)
	second, _ := compile(t, d, "L", countedLoop)
	if got, _ := d.Loop("L"); got != second {
		t.Error("second compile did not replace the loop")
	}
	if _, err := d.Run(first, ci(0)); !errors.Is(err, backend.ErrFreedLoop) {
		t.Errorf("running the replaced loop: %v", err)
	}
	if err := d.FreeLoop("L"); err != nil {
		t.Fatal(err)
	}
	if err := d.FreeLoop("L"); !errors.Is(err, ErrUnknownLoop) {
		t.Errorf("second free: %v", err)
	}
}

type recorder struct{ got []*Compiled }

func (r *recorder) RecordCompile(c *Compiled) error {
	r.got = append(r.got, c)
	return nil
}

func TestRecorder(t *testing.T) {
	d := New(backend.New(backend.Options{}), Options{})
	r := &recorder{}
	d.SetRecorder(r)
	loop, _ := compile(t, d, "L", countedLoop)
	if len(r.got) != 1 || r.got[0].Token != loop.Token || r.got[0].IsBridge() || r.got[0].InputOps != 4 {
		t.Errorf("recorded %+v", r.got)
	}
}

func TestProfilerTopGuards(t *testing.T) {
	p := NewGuardProfiler(100)
	a, b := trace.NewFailDescr("a"), trace.NewFailDescr("b")
	for i := 0; i < 3; i++ {
		a.RecordFailure()
		p.Record(a)
	}
	b.RecordFailure()
	p.Record(b)
	top := p.TopGuards(1)
	if len(top) != 1 || top[0].Guard != a {
		t.Errorf("top = %+v", top)
	}
	if st := p.Stats(); st.Guards != 2 || st.TotalExits != 4 || st.HotGuards != 0 {
		t.Errorf("stats = %+v", st)
	}
	if p.Record(trace.NewFinishDescr("done")) {
		t.Error("finish exit recorded as hot")
	}
	p.Reset()
	if p.Profile(a) != nil {
		t.Error("profile survived Reset")
	}
}
