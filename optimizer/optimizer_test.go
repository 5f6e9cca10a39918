package optimizer

import (
	"bytes"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"golang.org/x/tools/txtar"

	"github.com/chazu/rjit/backend"
	"github.com/chazu/rjit/pkg/trace"
	"github.com/chazu/rjit/pkg/traceparse"
)

// ============================================================================
// Golden traces
// ============================================================================

// Each testdata/*.txtar file holds an "in" trace and the "out" trace the
// chain must produce. An optional "passes" section overrides the chain
// and a "loop" section names the loop token, which makes the trace go
// through OptimizeLoop.
func TestGolden(t *testing.T) {
	files, err := filepath.Glob("testdata/*.txtar")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 {
		t.Fatal("no testdata")
	}
	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".txtar")
		t.Run(name, func(t *testing.T) {
			ar, err := txtar.ParseFile(file)
			if err != nil {
				t.Fatal(err)
			}
			sections := make(map[string]string)
			for _, f := range ar.Files {
				sections[f.Name] = string(f.Data)
			}
			runGolden(t, sections)
		})
	}
}

func runGolden(t *testing.T, sections map[string]string) {
	t.Helper()
	ns := traceparse.NewNamespace()
	in, err := ns.Parse(sections["in"])
	if err != nil {
		t.Fatalf("in: %v", err)
	}
	opts := Options{Passes: strings.TrimSpace(sections["passes"])}

	var res *Result
	if loop := strings.TrimSpace(sections["loop"]); loop != "" {
		cell, ok := ns.Descrs[loop].(*trace.JitCellToken)
		if !ok {
			t.Fatalf("%s is not a loop", loop)
		}
		res, err = OptimizeLoop(cell, in.Inputs, in.Ops, opts)
	} else {
		res, err = Optimize(in.Inputs, in.Ops, opts)
	}
	if err != nil {
		t.Fatal(err)
	}

	want, err := ns.Parse(sections["out"])
	if err != nil {
		t.Fatalf("out: %v", err)
	}
	if err := traceparse.Equivalent(res.Trace(), want.Trace(), traceparse.CompareOptions{}); err != nil {
		t.Errorf("%v\ngot:\n%s", err, printed(res))
	}
	if err := trace.VerifyTrace(res.Trace()); err != nil {
		t.Errorf("result does not verify: %v", err)
	}
}

// Optimizing an optimized linear trace again changes nothing.
func TestGoldenIdempotent(t *testing.T) {
	files, err := filepath.Glob("testdata/*.txtar")
	if err != nil {
		t.Fatal(err)
	}
	for _, file := range files {
		ar, err := txtar.ParseFile(file)
		if err != nil {
			t.Fatal(err)
		}
		sections := make(map[string]string)
		for _, f := range ar.Files {
			sections[f.Name] = string(f.Data)
		}
		if strings.TrimSpace(sections["loop"]) != "" {
			continue
		}
		name := strings.TrimSuffix(filepath.Base(file), ".txtar")
		t.Run(name, func(t *testing.T) {
			ns := traceparse.NewNamespace()
			in, err := ns.Parse(sections["in"])
			if err != nil {
				t.Fatal(err)
			}
			opts := Options{Passes: strings.TrimSpace(sections["passes"])}
			once, err := Optimize(in.Inputs, in.Ops, opts)
			if err != nil {
				t.Fatal(err)
			}
			again, err := ns.Parse(printed(once))
			if err != nil {
				t.Fatalf("reparse: %v\n%s", err, printed(once))
			}
			twice, err := Optimize(again.Inputs, again.Ops, opts)
			if err != nil {
				t.Fatal(err)
			}
			if err := traceparse.Equivalent(twice.Trace(), once.Trace(), traceparse.CompareOptions{}); err != nil {
				t.Errorf("%v\nonce:\n%s\ntwice:\n%s", err, printed(once), printed(twice))
			}
		})
	}
}

func printed(res *Result) string {
	var buf bytes.Buffer
	trace.Fprint(&buf, res.Inputs, res.Ops)
	return buf.String()
}

// ============================================================================
// Pass chain
// ============================================================================

func TestBuildChain(t *testing.T) {
	tests := []struct {
		chain  string
		names  []string
		unroll bool
	}{
		{"", []string{"simplify"}, false},
		{DefaultPasses, []string{"intbounds", "rewrite", "virtualize", "string", "earlyforce", "pure", "heap", "simplify"}, true},
		{"heap:bogus:pure:heap", []string{"heap", "pure", "simplify"}, false},
		{"unroll: rewrite ", []string{"rewrite", "simplify"}, true},
	}
	for _, tt := range tests {
		passes, unroll := BuildChain(tt.chain)
		if got := PassNames(passes); !slices.Equal(got, tt.names) {
			t.Errorf("BuildChain(%q) = %v, want %v", tt.chain, got, tt.names)
		}
		if unroll != tt.unroll {
			t.Errorf("BuildChain(%q) unroll = %v, want %v", tt.chain, unroll, tt.unroll)
		}
	}
}

// ============================================================================
// Optimized traces on the backend
// ============================================================================

const countedLoop = `
loop L

[i0]
i1 = int_add(i0, 1)
i2 = int_lt(i1, 10)
guard_true(i2) [i1]
jump(i1, descr=L)
`

func TestUnrolledLoopRuns(t *testing.T) {
	ns := traceparse.NewNamespace()
	p, err := ns.Parse(countedLoop)
	if err != nil {
		t.Fatal(err)
	}
	cell := ns.Descrs["L"].(*trace.JitCellToken)
	res, err := OptimizeLoop(cell, p.Inputs, p.Ops, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Preamble == nil || res.Loop == nil || res.Preamble == res.Loop {
		t.Fatalf("labels = %v, %v", res.Preamble, res.Loop)
	}

	cpu := backend.New(backend.Options{})
	if _, err := cpu.CompileLoop(res.Inputs, res.Ops, cell); err != nil {
		t.Fatal(err)
	}
	df, err := cpu.ExecuteToken(cell, trace.ConstInt{V: 0})
	if err != nil {
		t.Fatal(err)
	}
	if got := cpu.IntValue(df, 0); got != 10 {
		t.Errorf("left the loop with %d, want 10", got)
	}
}

func TestVirtualElidedRuns(t *testing.T) {
	ns := traceparse.NewNamespace()
	p, err := ns.Parse(`
		struct Cell vtable { value: int }

		[i0]
		p1 = new_with_vtable(descr=Cell)
		setfield_gc(p1, i0, descr=Cell.value)
		i2 = getfield_gc_i(p1, descr=Cell.value)
		i3 = int_add(i2, 1)
		finish(i3)
	`)
	if err != nil {
		t.Fatal(err)
	}
	res, err := Optimize(p.Inputs, p.Ops, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for _, op := range res.Ops {
		if op.Num.IsMalloc() {
			t.Errorf("allocation survived: %s", op)
		}
	}
	cpu := backend.New(backend.Options{})
	token := trace.NewJitCellToken("virtual")
	if _, err := cpu.CompileLoop(res.Inputs, res.Ops, token); err != nil {
		t.Fatal(err)
	}
	df, err := cpu.ExecuteToken(token, trace.ConstInt{V: 41})
	if err != nil {
		t.Fatal(err)
	}
	if got := cpu.IntValue(df, 0); got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
}

func TestQuasiImmutableField(t *testing.T) {
	cpu := backend.New(backend.Options{})
	ns := traceparse.NewNamespace()
	if _, err := ns.Parse(`struct Cfg { ver: int quasi }`); err != nil {
		t.Fatal(err)
	}
	sd := ns.Descrs["Cfg"].(*trace.SizeDescr)
	ver := ns.Descrs["Cfg.ver"].(*trace.FieldDescr)
	cfg, err := cpu.BhNew(sd)
	if err != nil {
		t.Fatal(err)
	}
	cpu.BhSetfieldGc(cfg, trace.ConstInt{V: 7}, ver)
	ns.Refs["cfg"] = cfg

	p, err := ns.Parse(`
		[i0]
		quasiimmut_field(ConstPtr(cfg), descr=Cfg.ver)
		guard_not_invalidated() [i0]
		i1 = getfield_gc_i(ConstPtr(cfg), descr=Cfg.ver)
		quasiimmut_field(ConstPtr(cfg), descr=Cfg.ver)
		guard_not_invalidated() [i0]
		finish(i1)
	`)
	if err != nil {
		t.Fatal(err)
	}
	res, err := Optimize(p.Inputs, p.Ops, Options{CPU: cpu})
	if err != nil {
		t.Fatal(err)
	}
	want, err := ns.Parse(`
		[i0]
		quasiimmut_field(ConstPtr(cfg), descr=Cfg.ver)
		guard_not_invalidated()
		finish(7)
	`)
	if err != nil {
		t.Fatal(err)
	}
	if err := traceparse.Equivalent(res.Trace(), want.Trace(), traceparse.CompareOptions{}); err != nil {
		t.Fatalf("%v\ngot:\n%s", err, printed(res))
	}
	if len(res.QuasiDeps) != 1 || res.QuasiDeps[0].Field != ver {
		t.Errorf("quasi deps = %v", res.QuasiDeps)
	}

	token := trace.NewJitCellToken("cfg")
	if _, err := cpu.CompileLoop(res.Inputs, res.Ops, token); err != nil {
		t.Fatal(err)
	}
	df, err := cpu.ExecuteToken(token, trace.ConstInt{V: 0})
	if err != nil {
		t.Fatal(err)
	}
	if fd := cpu.LatestDescr(df); fd == nil || !fd.Final {
		t.Fatalf("left through %v before the store", fd)
	}

	cpu.BhSetfieldGc(cfg, trace.ConstInt{V: 8}, ver)
	if !token.Invalidated() {
		t.Fatal("store did not invalidate the loop")
	}
	df, err = cpu.ExecuteToken(token, trace.ConstInt{V: 0})
	if err != nil {
		t.Fatal(err)
	}
	if fd := cpu.LatestDescr(df); fd == nil || fd.Final {
		t.Errorf("left through %v after the store, want the invalidation guard", fd)
	}
}

// ============================================================================
// Bridges
// ============================================================================

func firstGuard(t *testing.T, ops []*trace.Op, from int) *trace.FailDescr {
	t.Helper()
	for _, op := range ops[from:] {
		if op.Num.IsGuard() {
			return op.FailDescr()
		}
	}
	t.Fatal("no guard")
	return nil
}

func labelIndex(ops []*trace.Op, tt *trace.TargetToken) int {
	for i, op := range ops {
		if op.Num == trace.OpLabel && op.Descr == tt {
			return i
		}
	}
	return -1
}

func TestBridgeToSimpleLoop(t *testing.T) {
	ns := traceparse.NewNamespace()
	p, err := ns.Parse(`
		loop L

		[i0]
		i1 = int_add(i0, 1)
		i2 = int_le(i1, 9)
		guard_true(i2) [i1]
		jump(i1, descr=L)
	`)
	if err != nil {
		t.Fatal(err)
	}
	cell := ns.Descrs["L"].(*trace.JitCellToken)
	opts := Options{Passes: "intbounds:rewrite:virtualize:pure:heap"}
	res, err := OptimizeLoop(cell, p.Inputs, p.Ops, opts)
	if err != nil {
		t.Fatal(err)
	}
	cpu := backend.New(backend.Options{})
	if _, err := cpu.CompileLoop(res.Inputs, res.Ops, cell); err != nil {
		t.Fatal(err)
	}
	exit := firstGuard(t, res.Ops, 0)

	b, err := ns.Parse(`
		[i5]
		i6 = int_le(i5, 19)
		guard_true(i6) [i5]
		jump(i5, descr=L)
	`)
	if err != nil {
		t.Fatal(err)
	}
	bres, err := OptimizeBridge(b.Inputs, b.Ops, opts)
	if err != nil {
		t.Fatal(err)
	}
	if bres.Loop != res.Loop || bres.RetraceRequested {
		t.Errorf("bridge target = %v, retrace %v", bres.Loop, bres.RetraceRequested)
	}
	if _, err := cpu.CompileBridge(exit, bres.Inputs, bres.Ops, cell); err != nil {
		t.Fatal(err)
	}
	df, err := cpu.ExecuteToken(cell, trace.ConstInt{V: 2})
	if err != nil {
		t.Fatal(err)
	}
	if got := cpu.IntValue(df, 0); got != 20 {
		t.Errorf("left with %d, want 20", got)
	}
}

func TestBridgeToPeeledLoop(t *testing.T) {
	tests := []struct {
		name    string
		bridge  string
		peeled  bool
		retrace bool
	}{
		{
			name: "state matches",
			bridge: `
				[i5]
				i6 = int_and(i5, 7)
				jump(i6, descr=L)
			`,
			peeled: true,
		},
		{
			name: "state unknown",
			bridge: `
				[i5]
				jump(i5, descr=L)
			`,
			retrace: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ns := traceparse.NewNamespace()
			p, err := ns.Parse(countedLoop)
			if err != nil {
				t.Fatal(err)
			}
			cell := ns.Descrs["L"].(*trace.JitCellToken)
			res, err := OptimizeLoop(cell, p.Inputs, p.Ops, Options{})
			if err != nil {
				t.Fatal(err)
			}
			b, err := ns.Parse(tt.bridge)
			if err != nil {
				t.Fatal(err)
			}
			bres, err := OptimizeBridge(b.Inputs, b.Ops, Options{})
			if err != nil {
				t.Fatal(err)
			}
			want := res.Preamble
			if tt.peeled {
				want = res.Loop
			}
			if bres.Loop != want {
				t.Errorf("bridge jumps to %v, want %v", bres.Loop, want)
			}
			if bres.RetraceRequested != tt.retrace {
				t.Errorf("retrace requested = %v, want %v", bres.RetraceRequested, tt.retrace)
			}
			last := bres.Ops[len(bres.Ops)-1]
			if last.Num != trace.OpJump || last.Descr != want {
				t.Errorf("bridge ends with %s", last)
			}

			cpu := backend.New(backend.Options{})
			if _, err := cpu.CompileLoop(res.Inputs, res.Ops, cell); err != nil {
				t.Fatal(err)
			}
			exit := firstGuard(t, res.Ops, labelIndex(res.Ops, res.Loop))
			if _, err := cpu.CompileBridge(exit, bres.Inputs, bres.Ops, cell); err != nil {
				t.Fatal(err)
			}
		})
	}
}

// ============================================================================
// Guards that can never pass
// ============================================================================

func TestGuardValueNullAfterNonnull(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		invalid bool
	}{
		{"after guard_nonnull", `
			[p0]
			guard_nonnull(p0) [p0]
			guard_value(p0, NULL) [p0]
			finish(p0)
		`, true},
		{"unknown pointer", `
			[p0]
			guard_value(p0, NULL) [p0]
			finish(p0)
		`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := traceparse.NewNamespace().Parse(tt.src)
			if err != nil {
				t.Fatal(err)
			}
			res, err := Optimize(p.Inputs, p.Ops, Options{})
			if tt.invalid {
				if !errors.Is(err, ErrInvalidLoop) {
					t.Fatalf("err = %v, want an invalid loop", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if n := len(res.Ops); n != 2 || res.Ops[0].Num != trace.OpGuardValue {
				t.Errorf("got:\n%s", printed(res))
			}
		})
	}
}
