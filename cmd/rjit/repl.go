package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/chazu/rjit/jit"
	"github.com/chazu/rjit/pkg/trace"
	"github.com/chazu/rjit/pkg/traceparse"
	"github.com/chazu/rjit/store"
)

const (
	newPrompt  = "\033[32m>\033[0m "
	contPrompt = "\033[32m.\033[0m "
)

// repl holds an interactive session: one driver, one namespace, and the
// trace typed since the last command.
type repl struct {
	e       *env
	d       *jit.Driver
	log     *store.Log
	ns      *traceparse.Namespace
	pending strings.Builder
	last    *jit.Exit
}

// handleREPLCommand starts an interactive trace shell. Trace lines are
// collected until an empty line; commands start with ':'.
func handleREPLCommand(e *env, args []string) error {
	d, l, closeLog, err := e.openDriver()
	if err != nil {
		return err
	}
	defer closeLog()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            newPrompt,
		HistoryFile:       filepath.Join(os.TempDir(), "rjit-history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	rl.CaptureExitSignal()

	r := &repl{e: e, d: d, log: l, ns: traceparse.NewNamespace()}
	fmt.Fprintln(e.out, "rjit REPL (type ':help' for commands, 'exit' to quit)")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if r.pending.Len() == 0 {
				return nil
			}
			r.pending.Reset()
			rl.SetPrompt(newPrompt)
			continue
		} else if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case r.pending.Len() == 0 && (trimmed == "exit" || trimmed == "quit"):
			return nil
		case r.pending.Len() == 0 && strings.HasPrefix(trimmed, ":"):
			if err := r.command(strings.Fields(trimmed)); err != nil {
				fmt.Fprintf(e.out, "error: %v\n", err)
			}
		case trimmed == "":
			if r.pending.Len() > 0 {
				rl.SetPrompt(newPrompt)
				r.check()
			}
		default:
			r.pending.WriteString(line)
			r.pending.WriteByte('\n')
			rl.SetPrompt(contPrompt)
		}
	}
}

// check parses the pending trace so syntax errors show up immediately.
// Declarations take effect in the session namespace.
func (r *repl) check() {
	p, err := r.ns.Parse(r.pending.String())
	if err != nil {
		fmt.Fprintf(r.e.out, "error: %v\n", err)
		r.pending.Reset()
		return
	}
	if len(p.Ops) == 0 {
		r.pending.Reset()
		return
	}
	fmt.Fprintf(r.e.out, "%d ops; :opt, :compile NAME or :bridge\n", len(p.Ops))
}

// parsePending parses the pending trace afresh; every use gets its own
// boxes and guard descriptors.
func (r *repl) parsePending() (*traceparse.Parsed, error) {
	if r.pending.Len() == 0 {
		return nil, fmt.Errorf("no trace entered")
	}
	return r.ns.Parse(r.pending.String())
}

func (r *repl) command(fields []string) error {
	out := r.e.out
	switch fields[0] {
	case ":help", ":h", ":?":
		fmt.Fprintln(out, "Commands:")
		fmt.Fprintln(out, "  :opt                 Optimize the entered trace")
		fmt.Fprintln(out, "  :compile NAME        Compile the entered trace as loop NAME")
		fmt.Fprintln(out, "  :run NAME ARGS...    Run loop NAME")
		fmt.Fprintln(out, "  :retrace             Show the inputs a bridge at the last guard exit gets")
		fmt.Fprintln(out, "  :bridge              Compile the entered trace at the last guard exit")
		fmt.Fprintln(out, "  :loops               List compiled loops")
		fmt.Fprintln(out, "  :free NAME           Free loop NAME and its bridges")
		fmt.Fprintln(out, "  :collect             Free invalidated loops")
		fmt.Fprintln(out, "  :passes [CHAIN]      Show or set the pass chain")
		fmt.Fprintln(out, "  :stats               Driver statistics")
		fmt.Fprintln(out, "  :log [NAME|ID]       List or show the JIT log")
		fmt.Fprintln(out, "  :resume ID POS       Decode a logged guard's resume data")
		fmt.Fprintln(out, "  :clear               Drop the entered trace")
		fmt.Fprintln(out, "  exit, quit           Leave")
		return nil

	case ":opt":
		p, err := r.parsePending()
		if err != nil {
			return err
		}
		res, err := optimize(r.e, p)
		if err != nil {
			return err
		}
		printResult(out, p, res, 0)
		return nil

	case ":compile":
		if len(fields) != 2 {
			return fmt.Errorf("usage: :compile NAME")
		}
		p, err := r.parsePending()
		if err != nil {
			return err
		}
		loop, err := r.d.CompileLoop(fields[1], p.Inputs, p.Ops)
		if err != nil {
			return err
		}
		r.pending.Reset()
		fmt.Fprintf(out, "compiled %s: %d -> %d ops", loop, len(p.Ops), len(loop.Result.Ops))
		if loop.Unrolled {
			fmt.Fprint(out, ", peeled")
		}
		fmt.Fprintln(out)
		return nil

	case ":run":
		if len(fields) < 2 {
			return fmt.Errorf("usage: :run NAME ARGS...")
		}
		loop, ok := r.d.Loop(fields[1])
		if !ok {
			return fmt.Errorf("%s: %w", fields[1], jit.ErrUnknownLoop)
		}
		consts, err := parseConsts(fields[2:])
		if err != nil {
			return err
		}
		ex, err := r.d.Run(loop, consts...)
		if err != nil {
			return err
		}
		r.last = ex
		printExit(out, ex)
		return nil

	case ":retrace":
		fd, err := r.lastGuard()
		if err != nil {
			return err
		}
		rt, err := r.d.BridgeStart(fd)
		if err != nil {
			return err
		}
		trace.Fprint(out, rt.Inputs, rt.Ops)
		return nil

	case ":bridge":
		fd, err := r.lastGuard()
		if err != nil {
			return err
		}
		p, err := r.parsePending()
		if err != nil {
			return err
		}
		r.bindJumps(p.Ops)
		b, err := r.d.CompileBridge(fd, p.Inputs, p.Ops)
		if err != nil {
			return err
		}
		r.pending.Reset()
		fmt.Fprintf(out, "bridge at %s: %d ops", fd, len(b.Result.Ops))
		if b.Retrace {
			fmt.Fprint(out, ", retrace")
		}
		fmt.Fprintln(out)
		return nil

	case ":loops":
		for _, name := range r.d.Loops() {
			loop, _ := r.d.Loop(name)
			fmt.Fprintf(out, "%s  %s  %d ops\n", name, loop.Token.UUID, len(loop.Result.Ops))
		}
		return nil

	case ":free":
		if len(fields) != 2 {
			return fmt.Errorf("usage: :free NAME")
		}
		return r.d.FreeLoop(fields[1])

	case ":collect":
		for _, name := range r.d.CollectInvalidated() {
			fmt.Fprintf(out, "freed %s\n", name)
		}
		return nil

	case ":passes":
		if len(fields) > 1 {
			r.e.cfg.Optimizer.Enable = fields[1]
		}
		fmt.Fprintln(out, r.e.cfg.Optimizer.Enable)
		return nil

	case ":stats":
		printStats(out, r.d.Stats())
		if top := r.d.Profiler().TopGuards(5); len(top) > 0 {
			fmt.Fprintln(out, "hottest guards:")
			for _, g := range top {
				fmt.Fprintf(out, "  %s in %s: %d exits\n", g.Guard, g.Loop, g.Exits)
			}
		}
		return nil

	case ":log":
		if r.log == nil {
			return fmt.Errorf("the JIT log is disabled")
		}
		if len(fields) == 1 {
			return listLog(out, r.log)
		}
		return showLog(out, r.log, fields[1])

	case ":resume":
		if r.log == nil {
			return fmt.Errorf("the JIT log is disabled")
		}
		if len(fields) != 3 {
			return fmt.Errorf("usage: :resume ID POS")
		}
		id, err := r.log.Lookup(fields[1])
		if err != nil {
			return err
		}
		pos, err := strconv.Atoi(fields[2])
		if err != nil {
			return err
		}
		data, err := r.log.Resume(id, pos)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, data)
		return nil

	case ":clear":
		r.pending.Reset()
		return nil

	default:
		return fmt.Errorf("unknown command %s (type :help for commands)", fields[0])
	}
}

func (r *repl) lastGuard() (*trace.FailDescr, error) {
	if r.last == nil || r.last.Final || r.last.MemoryError {
		return nil, fmt.Errorf("no guard exit to attach to; :run a loop first")
	}
	return r.last.Descr, nil
}

// bindJumps points jumps at loops declared in the namespace to the
// compiled loop of the same name.
func (r *repl) bindJumps(ops []*trace.Op) {
	for _, op := range ops {
		if op.Num != trace.OpJump {
			continue
		}
		if t, ok := op.Descr.(*trace.JitCellToken); ok && t.Compiled == nil {
			if loop, ok := r.d.Loop(t.Name); ok {
				op.Descr = loop.Token
			}
		}
	}
}
