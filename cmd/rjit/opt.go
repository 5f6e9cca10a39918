package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chazu/rjit/optimizer"
	"github.com/chazu/rjit/pkg/trace"
	"github.com/chazu/rjit/pkg/traceparse"
)

// handleOptCommand processes the `rjit opt` subcommand.
// Usage:
//
//	rjit opt loop.trace           # optimize with the configured chain
//	rjit opt -chain loop.trace    # also print the pass chain
//	rjit opt -verify loop.trace   # check the result's well-formedness
func handleOptCommand(e *env, args []string) error {
	fs := flag.NewFlagSet("opt", flag.ExitOnError)
	chain := fs.Bool("chain", false, "Print the pass chain before the trace")
	verify := fs.Bool("verify", false, "Verify the optimized trace")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: rjit opt [-chain] [-verify] FILE")
	}

	p, err := parseFile(traceparse.NewNamespace(), fs.Arg(0))
	if err != nil {
		return err
	}
	if *chain {
		passes, unroll := optimizer.BuildChain(e.cfg.Optimizer.Enable)
		fmt.Fprintf(e.out, "# passes: %s", strings.Join(optimizer.PassNames(passes), ":"))
		if unroll {
			fmt.Fprint(e.out, " (unrolled)")
		}
		fmt.Fprintln(e.out)
	}
	res, err := optimize(e, p)
	if err != nil {
		return err
	}
	if *verify {
		if err := trace.VerifyTrace(res.Trace()); err != nil {
			return fmt.Errorf("optimized trace: %w", err)
		}
	}
	printResult(e.out, p, res, 0)
	return nil
}

// optimize runs the configured chain over p: the loop optimizer when the
// trace jumps back to a declared loop, the linear one otherwise.
func optimize(e *env, p *traceparse.Parsed) (*optimizer.Result, error) {
	opts := e.cfg.OptimizerOptions()
	if cell := loopCell(p.Ops); cell != nil {
		return optimizer.OptimizeLoop(cell, p.Inputs, p.Ops, opts)
	}
	return optimizer.Optimize(p.Inputs, p.Ops, opts)
}

func printResult(w io.Writer, p *traceparse.Parsed, res *optimizer.Result, elapsed time.Duration) {
	trace.Fprint(w, res.Inputs, res.Ops)
	fmt.Fprintf(w, "# %d -> %d ops", len(p.Ops), len(res.Ops))
	if elapsed > 0 {
		fmt.Fprintf(w, " in %s", elapsed)
	}
	if res.Preamble != nil {
		fmt.Fprint(w, ", peeled")
	}
	if len(res.QuasiDeps) > 0 {
		fmt.Fprintf(w, ", %d quasi-immutable deps", len(res.QuasiDeps))
	}
	fmt.Fprintln(w)
}
