// rjit CLI - optimizes, compiles and runs textual traces
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/rjit/backend"
	"github.com/chazu/rjit/config"
	"github.com/chazu/rjit/jit"
	"github.com/chazu/rjit/pkg/trace"
	"github.com/chazu/rjit/pkg/traceparse"
	"github.com/chazu/rjit/store"
)

func main() {
	verbosity := flag.Int("v", -1, "Log verbosity (overrides rjit.toml)")
	configDir := flag.String("config", ".", "Directory to search upwards for rjit.toml")
	passes := flag.String("passes", "", "Optimizer chain, e.g. 'intbounds:rewrite:pure' (overrides rjit.toml)")
	noStore := flag.Bool("no-store", false, "Do not record compilations in the JIT log")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rjit [options] <command> [arguments]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  opt FILE              Optimize a trace and print the result\n")
		fmt.Fprintf(os.Stderr, "  run FILE [ARGS...]    Compile a trace and run it\n")
		fmt.Fprintf(os.Stderr, "  watch FILE            Re-optimize a trace whenever it changes\n")
		fmt.Fprintf(os.Stderr, "  repl                  Interactive trace shell\n")
		fmt.Fprintf(os.Stderr, "  log [list|show|prune] Inspect the JIT log\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  rjit opt loop.trace\n")
		fmt.Fprintf(os.Stderr, "  rjit -passes intbounds:rewrite run loop.trace 0\n")
		fmt.Fprintf(os.Stderr, "  rjit log show L\n")
	}
	flag.Parse()

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if *verbosity >= 0 {
		cfg.Log.Verbosity = *verbosity
	}
	if *passes != "" {
		cfg.Optimizer.Enable = *passes
	}
	if *noStore {
		cfg.Store.Disabled = true
	}
	cfg.ConfigureLogging()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	e := &env{cfg: cfg, out: os.Stdout}
	switch args[0] {
	case "opt":
		err = handleOptCommand(e, args[1:])
	case "run":
		err = handleRunCommand(e, args[1:])
	case "watch":
		err = handleWatchCommand(e, args[1:])
	case "repl":
		err = handleREPLCommand(e, args[1:])
	case "log":
		err = handleLogCommand(e, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is what every command shares.
type env struct {
	cfg *config.Config
	out io.Writer
}

// openDriver creates a driver on a fresh CPU, recording into the JIT log
// unless the log is disabled. The returned function closes the log.
func (e *env) openDriver() (*jit.Driver, *store.Log, func(), error) {
	bopts, err := e.cfg.BackendOptions()
	if err != nil {
		return nil, nil, nil, err
	}
	d := jit.New(backend.New(bopts), e.cfg.JITOptions())
	if e.cfg.Store.Disabled {
		return d, nil, func() {}, nil
	}
	l, err := store.Open(e.cfg.StorePath())
	if err != nil {
		return nil, nil, nil, err
	}
	d.SetRecorder(l)
	return d, l, func() { l.Close() }, nil
}

func (e *env) openStore() (*store.Log, error) {
	if e.cfg.Store.Disabled {
		return nil, fmt.Errorf("the JIT log is disabled")
	}
	return store.Open(e.cfg.StorePath())
}

// parseFile parses a trace file in ns.
func parseFile(ns *traceparse.Namespace, path string) (*traceparse.Parsed, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	p, err := ns.Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// loopCell returns the loop token the trace's closing jump targets.
func loopCell(ops []*trace.Op) *trace.JitCellToken {
	if n := len(ops); n > 0 && ops[n-1].Num == trace.OpJump {
		if c, ok := ops[n-1].Descr.(*trace.JitCellToken); ok {
			return c
		}
	}
	return nil
}

// loopName names the loop compiled from a file: the jump target's name,
// or the file name without its extension.
func loopName(path string, ops []*trace.Op) string {
	if c := loopCell(ops); c != nil && c.Name != "" {
		return c.Name
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// parseConsts parses run arguments: integers, floats (with a '.') and
// "null".
func parseConsts(args []string) ([]trace.Const, error) {
	out := make([]trace.Const, len(args))
	for i, a := range args {
		switch {
		case a == "null" || a == "NULL":
			out[i] = trace.ConstPtr{}
		case strings.ContainsAny(a, ".eE") && !strings.HasPrefix(a, "0x"):
			f, err := strconv.ParseFloat(a, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out[i] = trace.NewConstFloat(f)
		default:
			v, err := strconv.ParseInt(a, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out[i] = trace.ConstInt{V: v}
		}
	}
	return out, nil
}
