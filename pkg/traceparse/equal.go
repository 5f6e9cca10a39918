package traceparse

import (
	"fmt"

	"github.com/chazu/rjit/pkg/trace"
)

// CompareOptions selects what Equivalent checks beyond opnums, arguments
// and non-guard descriptors.
type CompareOptions struct {
	// FailArgs compares guard fail arguments as sets.
	FailArgs bool
}

// Equivalent reports whether two traces are equal up to box renaming.
// Constants and descriptors compare by their printed form; guard
// descriptors are ignored. The returned error names the first difference.
func Equivalent(got, want *trace.Trace, opts CompareOptions) error {
	if len(got.Inputs) != len(want.Inputs) {
		return fmt.Errorf("got %d inputs, want %d", len(got.Inputs), len(want.Inputs))
	}
	fwd := make(map[*trace.Box]*trace.Box)
	back := make(map[*trace.Box]*trace.Box)
	bind := func(w, g *trace.Box) error {
		if prev, ok := fwd[w]; ok && prev != g {
			return fmt.Errorf("%s is bound to both %s and %s", w, prev, g)
		}
		if prev, ok := back[g]; ok && prev != w {
			return fmt.Errorf("%s is bound to both %s and %s", g, prev, w)
		}
		fwd[w], back[g] = g, w
		return nil
	}
	for i := range want.Inputs {
		if got.Inputs[i].Kind() != want.Inputs[i].Kind() {
			return fmt.Errorf("input %d: kind %s, want %s", i, got.Inputs[i].Kind(), want.Inputs[i].Kind())
		}
		if err := bind(want.Inputs[i], got.Inputs[i]); err != nil {
			return err
		}
	}

	sameValue := func(g, w trace.Value) bool {
		wb, wok := w.(*trace.Box)
		gb, gok := g.(*trace.Box)
		switch {
		case wok != gok:
			return false
		case wok:
			return fwd[wb] == gb
		case w == nil || g == nil:
			return w == nil && g == nil
		}
		return g.String() == w.String()
	}

	n := len(got.Ops)
	if len(want.Ops) < n {
		n = len(want.Ops)
	}
	for i := 0; i < n; i++ {
		g, w := got.Ops[i], want.Ops[i]
		where := func(format string, args ...any) error {
			return fmt.Errorf("op %d: got %s, want %s: %s", i, g, w, fmt.Sprintf(format, args...))
		}
		if g.Num != w.Num {
			return where("opnum differs")
		}
		if len(g.Args) != len(w.Args) {
			return where("argument count differs")
		}
		for j := range w.Args {
			if !sameValue(g.Args[j], w.Args[j]) {
				return where("argument %d differs", j)
			}
		}
		if !g.Num.IsGuard() && g.Num != trace.OpFinish {
			switch {
			case (g.Descr == nil) != (w.Descr == nil):
				return where("descr presence differs")
			case g.Descr != nil && g.Descr.String() != w.Descr.String():
				return where("descr differs")
			}
		}
		if opts.FailArgs && g.Num.IsGuard() {
			if len(g.FailArgs) != len(w.FailArgs) {
				return where("fail argument count differs")
			}
		outer:
			for _, wv := range w.FailArgs {
				for _, gv := range g.FailArgs {
					if sameValue(gv, wv) {
						continue outer
					}
				}
				return where("fail argument %s missing", wv)
			}
		}
		if (g.Result == nil) != (w.Result == nil) {
			return where("result presence differs")
		}
		if w.Result != nil {
			if err := bind(w.Result, g.Result); err != nil {
				return where("%v", err)
			}
		}
	}
	if len(got.Ops) != len(want.Ops) {
		if len(got.Ops) > n {
			return fmt.Errorf("extra op %d: %s", n, got.Ops[n])
		}
		return fmt.Errorf("missing op %d: %s", n, want.Ops[n])
	}
	return nil
}
