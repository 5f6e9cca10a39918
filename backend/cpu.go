// Package backend is an interpreting back-end: it "compiles" optimized
// traces by validating and registering them, and executes them directly
// over the runtime heap. It implements the whole CPU contract the
// optimizer and the resume engine rely on: loops, bridges, dead frames,
// forcing, invalidation, call-assembler redirection and the bh_* family.
package backend

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jtolds/gls"
	"github.com/tliron/commonlog"

	"github.com/chazu/rjit/pkg/memory"
	"github.com/chazu/rjit/pkg/trace"
)

var (
	// ErrFreedLoop is returned when entering or patching a freed loop.
	ErrFreedLoop = errors.New("backend: loop was freed")
	// ErrUnknownLoop is returned for loop tokens that were never compiled.
	ErrUnknownLoop = errors.New("backend: unknown loop")
	// ErrUnknownFunc is returned for calls to unregistered addresses.
	ErrUnknownFunc = errors.New("backend: unknown function address")
	// ErrCodeBudget is returned when compiling would exceed the code budget.
	ErrCodeBudget = errors.New("backend: code budget exhausted")
	// ErrUnknownTarget is returned for jumps to unregistered labels.
	ErrUnknownTarget = errors.New("backend: unknown jump target")
)

// bytesPerOp is the code size charged against the budget per operation.
const bytesPerOp = 16

var log = commonlog.GetLogger("rjit.backend")

// Options configures a CPU.
type Options struct {
	// CodeBudget bounds the total size of live compiled code in bytes;
	// 0 means unlimited.
	CodeBudget int64
	// HeapLimit bounds heap allocations in bytes; 0 means unlimited.
	HeapLimit int64
	// GIL, when set, is released around CALL_RELEASE_GIL callees.
	GIL sync.Locker
}

// AsmInfo describes a compiled piece of code.
type AsmInfo struct {
	Addr int64
	Size int64
	Ops  int
}

// compiledCode is a loop or bridge body.
type compiledCode struct {
	token  *trace.JitCellToken
	inputs []*trace.Box
	ops    []*trace.Op
	info   AsmInfo
	bridge bool
}

type compiledLoop struct {
	code    *compiledCode
	bridges []*compiledCode
	labels  []*trace.TargetToken
	freed   bool
}

type targetEntry struct {
	code  *compiledCode
	index int
	loop  *compiledLoop
}

// CPU is the interpreting back-end.
type CPU struct {
	*memory.Heap

	// GIL is released around CALL_RELEASE_GIL callees when set.
	GIL sync.Locker

	// AssemblerHelper computes the result of a CALL_ASSEMBLER whose callee
	// left through a guard rather than a final FINISH; it is the front-end's
	// fallback path.
	AssemblerHelper func(df *DeadFrame, result trace.Kind) (trace.Const, error)

	mu        sync.RWMutex
	loops     map[*trace.JitCellToken]*compiledLoop
	targets   map[*trace.TargetToken]*targetEntry
	bridges   map[*trace.FailDescr]*compiledCode
	redirects map[*trace.JitCellToken]*trace.JitCellToken
	funcs     map[int64]*function
	builtins  map[trace.OopSpec]*builtin
	nextAddr  int64

	codeBudget int64
	codeUsed   int64

	totalLoops   atomic.Int64
	totalBridges atomic.Int64
	totalFreed   atomic.Int64

	gls         *gls.ContextManager
	memErrDescr *trace.FailDescr
	memErrExc   trace.RefValue
}

// New returns a CPU over a fresh heap.
func New(opts Options) *CPU {
	c := &CPU{
		Heap:       memory.NewHeap(),
		GIL:        opts.GIL,
		loops:      make(map[*trace.JitCellToken]*compiledLoop),
		targets:    make(map[*trace.TargetToken]*targetEntry),
		bridges:    make(map[*trace.FailDescr]*compiledCode),
		redirects:  make(map[*trace.JitCellToken]*trace.JitCellToken),
		funcs:      make(map[int64]*function),
		builtins:   make(map[trace.OopSpec]*builtin),
		nextAddr:   0x100000,
		codeBudget: opts.CodeBudget,
		gls:        gls.NewContextManager(),
	}
	c.memErrDescr = trace.NewFailDescr("MemoryError")
	memErrClass := trace.NewSizeDescr("MemoryError", true)
	c.memErrExc, _ = c.BhNewWithVtable(memErrClass)
	c.Heap.SetLimit(opts.HeapLimit)
	c.registerBuiltins()
	return c
}

// MemoryErrorDescr is the exit taken when an allocation fails; the
// exception value is the MemoryError instance.
func (c *CPU) MemoryErrorDescr() *trace.FailDescr { return c.memErrDescr }

// MemoryErrorValue returns the MemoryError instance raised on allocation
// failure.
func (c *CPU) MemoryErrorValue() trace.RefValue { return c.memErrExc }

// TotalCompiledLoops returns the number of CompileLoop calls that
// succeeded.
func (c *CPU) TotalCompiledLoops() int64 { return c.totalLoops.Load() }

// TotalCompiledBridges returns the number of CompileBridge calls that
// succeeded.
func (c *CPU) TotalCompiledBridges() int64 { return c.totalBridges.Load() }

// TotalFreedLoops returns the number of loops freed.
func (c *CPU) TotalFreedLoops() int64 { return c.totalFreed.Load() }

// CodeUsed returns the bytes of live compiled code.
func (c *CPU) CodeUsed() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.codeUsed
}

// ============================================================================
// Compilation
// ============================================================================

// assemble validates ops and charges them against the code budget. The
// caller holds c.mu.
func (c *CPU) assemble(inputs []*trace.Box, ops []*trace.Op, token *trace.JitCellToken) (*compiledCode, error) {
	if err := trace.Verify(inputs, ops); err != nil {
		return nil, err
	}
	size := int64(len(ops)) * bytesPerOp
	if c.codeBudget > 0 && c.codeUsed+size > c.codeBudget {
		return nil, fmt.Errorf("%d bytes needed, %d of %d in use: %w", size, c.codeUsed, c.codeBudget, ErrCodeBudget)
	}
	c.codeUsed += size
	addr := c.nextAddr
	c.nextAddr += (size + 63) &^ 63
	return &compiledCode{
		token:  token,
		inputs: inputs,
		ops:    ops,
		info:   AsmInfo{Addr: addr, Size: size, Ops: len(ops)},
	}, nil
}

// register records labels, guard ownership and quasi-immutable watchers
// of code. The caller holds c.mu.
func (c *CPU) register(code *compiledCode, loop *compiledLoop) {
	for i, op := range code.ops {
		switch {
		case op.Num == trace.OpLabel:
			if tt, ok := op.Descr.(*trace.TargetToken); ok {
				if tt.Cell == nil {
					code.token.AddTarget(tt)
				}
				c.targets[tt] = &targetEntry{code: code, index: i, loop: loop}
				loop.labels = append(loop.labels, tt)
			}
		case op.Num.IsGuard():
			if fd := op.FailDescr(); fd != nil && fd.Token == nil {
				fd.Token = code.token
			}
		case op.Num == trace.OpQuasiimmutField:
			if qd, ok := op.Descr.(*trace.QuasiImmutDescr); ok {
				token := code.token
				c.Heap.WatchQuasiImmut(qd.Struct, qd.Field, func() {
					log.Infof("quasi-immutable %s changed, invalidating %s", qd.Field, token)
					c.InvalidateLoop(token)
				})
			}
		}
	}
}

// CompileLoop assembles a loop for token.
func (c *CPU) CompileLoop(inputs []*trace.Box, ops []*trace.Op, token *trace.JitCellToken) (*AsmInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.loops[token]; ok && !old.freed {
		return nil, fmt.Errorf("compile loop %s: token already compiled", token)
	}
	code, err := c.assemble(inputs, ops, token)
	if err != nil {
		return nil, fmt.Errorf("compile loop %s: %w", token, err)
	}
	loop := &compiledLoop{code: code}
	c.register(code, loop)
	c.loops[token] = loop
	token.Compiled = code.info
	c.totalLoops.Add(1)
	log.Infof("compiled loop %s: %d ops at %#x", token, len(ops), code.info.Addr)
	return &code.info, nil
}

// CompileBridge assembles ops as the failure path of the guard owning
// descr inside parent.
func (c *CPU) CompileBridge(descr *trace.FailDescr, inputs []*trace.Box, ops []*trace.Op, parent *trace.JitCellToken) (*AsmInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	loop, ok := c.loops[parent]
	if !ok {
		return nil, fmt.Errorf("compile bridge for %s: %w", descr, ErrUnknownLoop)
	}
	if loop.freed {
		return nil, fmt.Errorf("compile bridge for %s: %w", descr, ErrFreedLoop)
	}
	code, err := c.assemble(inputs, ops, parent)
	if err != nil {
		return nil, fmt.Errorf("compile bridge for %s: %w", descr, err)
	}
	code.bridge = true
	c.register(code, loop)
	loop.bridges = append(loop.bridges, code)
	c.bridges[descr] = code
	descr.SetBridged()
	c.totalBridges.Add(1)
	log.Debugf("compiled bridge at %s in %s: %d ops", descr, parent, len(ops))
	return &code.info, nil
}

// InvalidateLoop makes every GUARD_NOT_INVALIDATED of token fail from now
// on.
func (c *CPU) InvalidateLoop(token *trace.JitCellToken) {
	token.Invalidate()
}

// RedirectCallAssembler makes every CALL_ASSEMBLER targeting from run the
// loop of to instead.
func (c *CPU) RedirectCallAssembler(from, to *trace.JitCellToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redirects[from] = to
}

// FreeLoopAndBridges releases the code of token and all its bridges.
func (c *CPU) FreeLoopAndBridges(token *trace.JitCellToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	loop, ok := c.loops[token]
	if !ok {
		return fmt.Errorf("free %s: %w", token, ErrUnknownLoop)
	}
	if loop.freed {
		return fmt.Errorf("free %s: %w", token, ErrFreedLoop)
	}
	loop.freed = true
	c.codeUsed -= loop.code.info.Size
	for _, b := range loop.bridges {
		c.codeUsed -= b.info.Size
	}
	for _, tt := range loop.labels {
		delete(c.targets, tt)
	}
	for fd, b := range c.bridges {
		if b.token == token {
			delete(c.bridges, fd)
		}
	}
	c.totalFreed.Add(1)
	log.Infof("freed loop %s and %d bridges", token, len(loop.bridges))
	return nil
}

// ============================================================================
// Descriptor factories
// ============================================================================

// SizeDescrOf builds the descriptor of a struct type.
func (c *CPU) SizeDescrOf(name string, withVtable bool, fields ...trace.FieldSpec) *trace.SizeDescr {
	return trace.NewSizeDescr(name, withVtable, fields...)
}

// FieldDescrOf returns the named field of a struct descriptor.
func (c *CPU) FieldDescrOf(st *trace.SizeDescr, name string) (*trace.FieldDescr, error) {
	if f := st.FieldByName(name); f != nil {
		return f, nil
	}
	return nil, fmt.Errorf("backend: %s has no field %q", st, name)
}

// ArrayDescrOf builds the descriptor of a primitive or pointer array.
func (c *CPU) ArrayDescrOf(name string, item trace.Kind, itemSize int, signed, clear bool) *trace.ArrayDescr {
	return trace.NewArrayDescr(name, item, itemSize, signed, clear)
}

// InteriorFieldDescrOf returns the interior descriptor for field of the
// items of an array of structs.
func (c *CPU) InteriorFieldDescrOf(arr *trace.ArrayDescr, field string) (*trace.InteriorFieldDescr, error) {
	if d := arr.Interior(field); d != nil {
		return d, nil
	}
	return nil, fmt.Errorf("backend: %s has no interior field %q", arr, field)
}

// CallDescrOf builds a call descriptor.
func (c *CPU) CallDescrOf(name string, args []trace.Kind, result trace.Kind, effect *trace.EffectInfo) *trace.CallDescr {
	return trace.NewCallDescr(name, args, result, effect)
}
