package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/chazu/rjit/jit"
	"github.com/chazu/rjit/pkg/trace"
	"github.com/chazu/rjit/pkg/traceparse"
)

// handleRunCommand processes the `rjit run` subcommand.
// Usage:
//
//	rjit run loop.trace 0         # compile, run once with i0=0
//	rjit run -n 500 loop.trace 0  # run repeatedly until a guard gets hot
func handleRunCommand(e *env, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	times := fs.Int("n", 1, "Number of runs")
	stats := fs.Bool("stats", false, "Print driver statistics afterwards")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: rjit run [-n N] [-stats] FILE [ARGS...]")
	}
	path := fs.Arg(0)
	consts, err := parseConsts(fs.Args()[1:])
	if err != nil {
		return err
	}

	d, _, closeLog, err := e.openDriver()
	if err != nil {
		return err
	}
	defer closeLog()

	p, err := parseFile(traceparse.NewNamespace(), path)
	if err != nil {
		return err
	}
	if len(consts) != len(p.Inputs) {
		return fmt.Errorf("%s takes %d arguments, got %d", path, len(p.Inputs), len(consts))
	}
	loop, err := d.CompileLoop(loopName(path, p.Ops), p.Inputs, p.Ops)
	if err != nil {
		return err
	}

	for i := 0; i < *times; i++ {
		ex, err := d.Run(loop, consts...)
		if err != nil {
			return err
		}
		if i == *times-1 || ex.Hot {
			printExit(e.out, ex)
		}
		if ex.Invalidated {
			break
		}
	}
	if *stats {
		printStats(e.out, d.Stats())
	}
	return nil
}

func printExit(w io.Writer, ex *jit.Exit) {
	vals := make([]trace.Value, len(ex.Values))
	for i, c := range ex.Values {
		vals[i] = c
	}
	switch {
	case ex.MemoryError:
		fmt.Fprintln(w, "memory error")
	case ex.Final:
		fmt.Fprintf(w, "finish %s: %s\n", ex.Descr, trace.FormatValues(vals))
	default:
		fmt.Fprintf(w, "guard %s failed (%d times): %s\n", ex.Descr, ex.Descr.Failures(), trace.FormatValues(vals))
		for i, f := range ex.Frames {
			name := "?"
			if f.JitCode != nil {
				name = f.JitCode.Name()
			}
			fmt.Fprintf(w, "  frame %d %s@%d: %s\n", i, name, f.PC, trace.FormatValues(f.Values))
		}
	}
	if ex.Exception != nil {
		fmt.Fprintf(w, "  exception %v\n", ex.Exception)
	}
	if ex.Hot {
		fmt.Fprintln(w, "  guard is hot")
	}
	if ex.Invalidated {
		fmt.Fprintln(w, "  loop invalidated")
	}
}

func printStats(w io.Writer, st jit.Stats) {
	fmt.Fprintf(w, "loops %d, bridges %d, live %d, freed %d\n", st.LoopsCompiled, st.BridgesCompiled, st.LiveLoops, st.FreedLoops)
	fmt.Fprintf(w, "guard failures %d, retraces %d\n", st.GuardFailures, st.Retraces)
	fmt.Fprintf(w, "invalid loops %d, aborted unrolls %d, integrity errors %d\n", st.InvalidLoops, st.AbortedUnrolls, st.IntegrityErrors)
	fmt.Fprintf(w, "compile time %s\n", st.CompileTime)
}
