// Package jit drives the optimizer, the resume engine and the back-end:
// it compiles loops and bridges, runs them, turns guard exits into
// interpreter frames and decides when a failing guard deserves a bridge.
package jit

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/rjit/backend"
	"github.com/chazu/rjit/optimizer"
	"github.com/chazu/rjit/pkg/trace"
	"github.com/chazu/rjit/resume"
)

var log = commonlog.GetLogger("rjit.jit")

const (
	// DefaultTraceEagerness is the number of failures after which a guard
	// gets a bridge.
	DefaultTraceEagerness = 200
	// DefaultRetraceLimit bounds the specializations asked for per loop.
	DefaultRetraceLimit = 5
)

var (
	// ErrDisabled is returned when compiling with the JIT switched off.
	ErrDisabled = errors.New("jit: disabled")
	// ErrUnknownLoop is returned for loop names that were never compiled.
	ErrUnknownLoop = errors.New("jit: unknown loop")
	// ErrNoResumeData is returned for guards without a resume blob.
	ErrNoResumeData = errors.New("jit: guard has no resume data")
)

// Options configures a Driver.
type Options struct {
	// Disabled switches compilation off.
	Disabled bool
	// Passes is the optimizer chain; optimizer.DefaultPasses when empty.
	Passes          string
	FailargsLimit   int
	MaxVirtualArray int
	UnrollRetries   int
	// Dump logs every pass's output at debug level.
	Dump bool

	// TraceEagerness is the guard failure count that makes a guard hot.
	TraceEagerness int64
	// RetraceLimit bounds how many bridges of one loop may ask for a
	// retrace before requests are ignored.
	RetraceLimit int32
}

// Recorder receives every compiled loop and bridge.
type Recorder interface {
	RecordCompile(c *Compiled) error
}

// Compiled describes one compilation.
type Compiled struct {
	Token *trace.JitCellToken
	// Guard is the guard a bridge is attached to; nil for loops.
	Guard  *trace.FailDescr
	Result *optimizer.Result
	// InputOps is the number of operations before optimization.
	InputOps int
	Elapsed  time.Duration
	At       time.Time
}

// IsBridge reports whether c is a bridge.
func (c *Compiled) IsBridge() bool { return c.Guard != nil }

// Loop is a compiled loop.
type Loop struct {
	Name   string
	Token  *trace.JitCellToken
	Result *optimizer.Result

	// Unrolled is false when the loop was compiled without peeling,
	// either by configuration or after an invalid peeled loop.
	Unrolled bool
}

func (l *Loop) String() string { return l.Name }

// Bridge is a compiled bridge.
type Bridge struct {
	Guard  *trace.FailDescr
	Result *optimizer.Result
	// Retrace is set when the bridge entered the loop's preamble and the
	// loop has retraces left.
	Retrace bool
}

// Exit describes how a run left compiled code.
type Exit struct {
	Descr *trace.FailDescr
	// Final is set for FINISH exits.
	Final bool
	// Values holds the dead frame's slots.
	Values []trace.Const
	// Exception is the pending exception, if any.
	Exception trace.RefValue
	// Frames holds the interpreter frames rebuilt from the guard's
	// resume data, outermost first.
	Frames []resume.Frame
	// Hot is set when this exit made the guard hot.
	Hot bool
	// Invalidated is set when the loop was invalidated.
	Invalidated bool
	// MemoryError is set when an allocation exceeded the heap limit.
	MemoryError bool
}

// Stats holds driver statistics.
type Stats struct {
	LoopsCompiled   uint64
	BridgesCompiled uint64
	InvalidLoops    uint64
	AbortedUnrolls  uint64
	GuardFailures   uint64
	Retraces        uint64
	IntegrityErrors uint64
	FreedLoops      uint64
	CompileTime     time.Duration
	LiveLoops       int
}

// Driver compiles and runs traces on one CPU.
type Driver struct {
	cpu      *backend.CPU
	opts     Options
	profiler *GuardProfiler
	recorder Recorder

	mu    sync.RWMutex
	loops map[string]*Loop

	loopsCompiled   atomic.Uint64
	bridgesCompiled atomic.Uint64
	invalidLoops    atomic.Uint64
	abortedUnrolls  atomic.Uint64
	guardFailures   atomic.Uint64
	retraces        atomic.Uint64
	integrityErrors atomic.Uint64
	freedLoops      atomic.Uint64
	compileTime     atomic.Int64
}

// New returns a driver compiling onto cpu.
func New(cpu *backend.CPU, opts Options) *Driver {
	if opts.Passes == "" {
		opts.Passes = optimizer.DefaultPasses
	}
	if opts.RetraceLimit <= 0 {
		opts.RetraceLimit = DefaultRetraceLimit
	}
	return &Driver{
		cpu:      cpu,
		opts:     opts,
		profiler: NewGuardProfiler(opts.TraceEagerness),
		loops:    make(map[string]*Loop),
	}
}

// CPU returns the back-end.
func (d *Driver) CPU() *backend.CPU { return d.cpu }

// Profiler returns the guard profiler.
func (d *Driver) Profiler() *GuardProfiler { return d.profiler }

// SetRecorder installs r to receive every compilation.
func (d *Driver) SetRecorder(r Recorder) { d.recorder = r }

func (d *Driver) optimizerOptions(passes string) optimizer.Options {
	return optimizer.Options{
		Passes:          passes,
		Dump:            d.opts.Dump,
		CPU:             d.cpu,
		FailargsLimit:   d.opts.FailargsLimit,
		MaxVirtualArray: d.opts.MaxVirtualArray,
		UnrollRetries:   d.opts.UnrollRetries,
	}
}

// withoutUnroll returns the chain with loop peeling removed.
func withoutUnroll(passes string) string {
	var kept []string
	for _, name := range strings.Split(passes, ":") {
		if strings.TrimSpace(name) != "unroll" {
			kept = append(kept, name)
		}
	}
	return strings.Join(kept, ":")
}

// guarded runs fn, turning a resume integrity panic into an error.
func (d *Driver) guarded(what string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			ie, ok := p.(*resume.IntegrityError)
			if !ok {
				panic(p)
			}
			d.integrityErrors.Add(1)
			log.Errorf("%s: %s", what, ie)
			err = fmt.Errorf("%s: %w", what, ie)
		}
	}()
	return fn()
}

// ============================================================================
// Loops
// ============================================================================

// CompileLoop optimizes and compiles a trace under name. A trace ending
// in a JUMP is a loop; any other trace is compiled linearly. A peeled
// loop the optimizer rejects as invalid is compiled again without
// peeling. Compiling a name again replaces the previous loop.
func (d *Driver) CompileLoop(name string, inputs []*trace.Box, ops []*trace.Op) (*Loop, error) {
	if d.opts.Disabled {
		return nil, ErrDisabled
	}
	start := time.Now()
	cell := trace.NewJitCellToken(name)
	retarget(ops, name, cell)
	_, unroll := optimizer.BuildChain(d.opts.Passes)
	loop := &Loop{Name: name, Token: cell, Unrolled: unroll}

	err := d.guarded("compile "+name, func() error {
		res, err := d.optimizeLoop(cell, inputs, ops, d.opts.Passes)
		if errors.Is(err, optimizer.ErrInvalidLoop) && unroll {
			d.invalidLoops.Add(1)
			d.abortedUnrolls.Add(1)
			log.Noticef("%s: %s, compiling without unrolling", name, err)
			cell.Targets = nil
			loop.Unrolled = false
			res, err = d.optimizeLoop(cell, inputs, ops, withoutUnroll(d.opts.Passes))
		}
		if err != nil {
			if errors.Is(err, optimizer.ErrInvalidLoop) {
				d.invalidLoops.Add(1)
			}
			return err
		}
		loop.Result = res
		_, err = d.cpu.CompileLoop(res.Inputs, res.Ops, cell)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("compile loop %s: %w", name, err)
	}

	elapsed := time.Since(start)
	d.compileTime.Add(int64(elapsed))
	d.loopsCompiled.Add(1)
	log.Infof("compiled loop %s: %d ops in, %d ops out, %s", name, len(ops), len(loop.Result.Ops), elapsed)

	d.mu.Lock()
	old := d.loops[name]
	d.loops[name] = loop
	d.mu.Unlock()
	if old != nil {
		d.free(old)
	}
	d.record(&Compiled{Token: cell, Result: loop.Result, InputOps: len(ops), Elapsed: elapsed, At: start})
	return loop, nil
}

func (d *Driver) optimizeLoop(cell *trace.JitCellToken, inputs []*trace.Box, ops []*trace.Op, passes string) (*optimizer.Result, error) {
	opts := d.optimizerOptions(passes)
	if len(ops) > 0 && ops[len(ops)-1].Num == trace.OpJump {
		return optimizer.OptimizeLoop(cell, inputs, ops, opts)
	}
	return optimizer.Optimize(inputs, ops, opts)
}

// retarget points jumps to a placeholder token named name at cell, so
// traces written before the loop existed can refer to it by name.
func retarget(ops []*trace.Op, name string, cell *trace.JitCellToken) {
	for _, op := range ops {
		if op.Num != trace.OpJump {
			continue
		}
		if t, ok := op.Descr.(*trace.JitCellToken); ok && t != cell && t.Name == name && t.Compiled == nil {
			op.Descr = cell
		}
	}
}

// Loop returns the loop compiled under name.
func (d *Driver) Loop(name string) (*Loop, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.loops[name]
	return l, ok
}

// Loops returns the names of all live loops.
func (d *Driver) Loops() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.loops))
	for name := range d.loops {
		names = append(names, name)
	}
	return names
}

// FreeLoop releases the loop compiled under name with its bridges.
func (d *Driver) FreeLoop(name string) error {
	d.mu.Lock()
	l, ok := d.loops[name]
	delete(d.loops, name)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("free %s: %w", name, ErrUnknownLoop)
	}
	return d.free(l)
}

func (d *Driver) free(l *Loop) error {
	if err := d.cpu.FreeLoopAndBridges(l.Token); err != nil {
		return fmt.Errorf("free %s: %w", l.Name, err)
	}
	d.freedLoops.Add(1)
	return nil
}

// CollectInvalidated frees every loop a quasi-immutable store
// invalidated and returns their names.
func (d *Driver) CollectInvalidated() []string {
	d.mu.Lock()
	var dead []*Loop
	for name, l := range d.loops {
		if l.Token.Invalidated() {
			dead = append(dead, l)
			delete(d.loops, name)
		}
	}
	d.mu.Unlock()
	names := make([]string, 0, len(dead))
	for _, l := range dead {
		if err := d.free(l); err != nil {
			log.Warningf("%s", err)
		}
		names = append(names, l.Name)
	}
	return names
}

// ============================================================================
// Bridges
// ============================================================================

// BridgeStart decodes the resume data of guard fd for re-tracing: the
// returned inputs stand for the guard's fail arguments, and its operations
// rebuild the virtual objects the guard carried.
func (d *Driver) BridgeStart(fd *trace.FailDescr) (rt *resume.Retrace, err error) {
	data, ok := fd.Resume.(*resume.Data)
	if !ok {
		return nil, fmt.Errorf("retrace %s: %w", fd, ErrNoResumeData)
	}
	err = d.guarded("retrace "+fd.String(), func() error {
		var err error
		rt, err = resume.ReadForRetrace(data, d.cpu)
		return err
	})
	return rt, err
}

// CompileBridge optimizes a trace starting at guard fd and attaches it.
// inputs must line up with the guard's fail arguments.
func (d *Driver) CompileBridge(fd *trace.FailDescr, inputs []*trace.Box, ops []*trace.Op) (*Bridge, error) {
	if d.opts.Disabled {
		return nil, ErrDisabled
	}
	if fd.Token == nil {
		return nil, fmt.Errorf("compile bridge at %s: guard belongs to no loop", fd)
	}
	start := time.Now()
	b := &Bridge{Guard: fd}
	err := d.guarded("compile bridge at "+fd.String(), func() error {
		res, err := optimizer.OptimizeBridge(inputs, ops, d.optimizerOptions(d.opts.Passes))
		if err != nil {
			return err
		}
		b.Result = res
		_, err = d.cpu.CompileBridge(fd, res.Inputs, res.Ops, fd.Token)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("compile bridge at %s: %w", fd, err)
	}
	if b.Result.RetraceRequested {
		if n := fd.Token.Retraces.Add(1); n <= d.opts.RetraceLimit {
			b.Retrace = true
			d.retraces.Add(1)
		} else {
			log.Debugf("%s: retrace limit %d reached", fd.Token, d.opts.RetraceLimit)
		}
	}
	d.profiler.Forget(fd)

	elapsed := time.Since(start)
	d.compileTime.Add(int64(elapsed))
	d.bridgesCompiled.Add(1)
	log.Infof("compiled bridge at %s in %s: %d ops, %s", fd, fd.Token, len(b.Result.Ops), elapsed)
	d.record(&Compiled{Token: fd.Token, Guard: fd, Result: b.Result, InputOps: len(ops), Elapsed: elapsed, At: start})
	return b, nil
}

func (d *Driver) record(c *Compiled) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordCompile(c); err != nil {
		log.Warningf("recording %s: %s", c.Token, err)
	}
}

// ============================================================================
// Running
// ============================================================================

// Run enters loop with args and reports how it left. A guard exit has its
// interpreter frames rebuilt from the resume data.
func (d *Driver) Run(loop *Loop, args ...trace.Const) (*Exit, error) {
	df, err := d.cpu.ExecuteToken(loop.Token, args...)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", loop, err)
	}
	fd := d.cpu.LatestDescr(df)
	ex := &Exit{
		Descr:       fd,
		Final:       fd.Final,
		Values:      df.Values(),
		Exception:   d.cpu.GrabExcValue(df),
		Invalidated: loop.Token.Invalidated(),
	}
	if fd == d.cpu.MemoryErrorDescr() {
		ex.MemoryError = true
		return ex, nil
	}
	if fd.Final {
		return ex, nil
	}

	d.guardFailures.Add(1)
	ex.Hot = d.profiler.Record(fd)
	log.Debugf("%s left through %s (%d failures)", loop, fd, fd.Failures())

	data, ok := fd.Resume.(*resume.Data)
	if !ok {
		return ex, nil
	}
	err = d.guarded("blackhole "+fd.String(), func() error {
		st, err := resume.ReadBlackhole(data, d.cpu, df)
		if err != nil {
			return err
		}
		ex.Frames = st.Frames
		return nil
	})
	if err != nil {
		return ex, fmt.Errorf("run %s: %w", loop, err)
	}
	return ex, nil
}

// Stats returns driver statistics.
func (d *Driver) Stats() Stats {
	d.mu.RLock()
	live := len(d.loops)
	d.mu.RUnlock()
	return Stats{
		LoopsCompiled:   d.loopsCompiled.Load(),
		BridgesCompiled: d.bridgesCompiled.Load(),
		InvalidLoops:    d.invalidLoops.Load(),
		AbortedUnrolls:  d.abortedUnrolls.Load(),
		GuardFailures:   d.guardFailures.Load(),
		Retraces:        d.retraces.Load(),
		IntegrityErrors: d.integrityErrors.Load(),
		FreedLoops:      d.freedLoops.Load(),
		CompileTime:     time.Duration(d.compileTime.Load()),
		LiveLoops:       live,
	}
}
