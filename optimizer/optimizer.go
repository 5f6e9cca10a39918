// Package optimizer rewrites traces through a configurable chain of
// passes. Every pass sees each operation in turn and either forwards it
// (possibly rewritten) to the next pass, replaces its result by a known
// value, or consumes it. A final emitter forces whatever is still
// virtual, numbers guard state through the resume memo, and appends the
// operation to the output.
package optimizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/rjit/pkg/trace"
	"github.com/chazu/rjit/resume"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("rjit.optimizer")

// DefaultPasses is the full chain with loop peeling.
const DefaultPasses = "intbounds:rewrite:virtualize:string:earlyforce:pure:heap:unroll"

// Defaults for Options fields left at zero.
const (
	DefaultMaxVirtualArray = 128
	DefaultUnrollRetries   = 8
)

// ============================================================================
// Errors
// ============================================================================

// ErrInvalidLoop is matched by every InvalidLoopError.
var ErrInvalidLoop = errors.New("invalid loop")

// InvalidLoopError aborts optimization of a trace that can never run to
// its end, or whose peeled loop cannot be closed.
type InvalidLoopError struct {
	Reason string
}

func (e *InvalidLoopError) Error() string { return "invalid loop: " + e.Reason }

// Is makes errors.Is(err, ErrInvalidLoop) hold.
func (e *InvalidLoopError) Is(target error) bool { return target == ErrInvalidLoop }

func invalidLoop(format string, args ...any) error {
	return &InvalidLoopError{Reason: fmt.Sprintf(format, args...)}
}

// BogusImmutableFieldError reports a store to an immutable field that
// contradicts a value already read from it.
type BogusImmutableFieldError struct {
	Field *trace.FieldDescr
	Old   trace.Value
	New   trace.Value
}

func (e *BogusImmutableFieldError) Error() string {
	return fmt.Sprintf("immutable field %s written with %s after reading %s", e.Field, e.New, e.Old)
}

// ============================================================================
// Options and results
// ============================================================================

// CallPureResult is the result the tracer observed for a CALL_PURE with
// constant arguments (the callee address first).
type CallPureResult struct {
	Args   []trace.Const
	Result trace.Const
}

// Options configures one optimization.
type Options struct {
	// Passes is the colon-separated chain, DefaultPasses when empty.
	Passes string
	// Dump logs the operation list after every run at debug level.
	Dump bool
	// CallPureResults folds matching CALL_PURE operations.
	CallPureResults []CallPureResult
	// CPU, when set, enables folding of loads from constant objects,
	// string helpers and elidable calls.
	CPU resume.CPU
	// FailargsLimit bounds the live values of one guard.
	FailargsLimit int
	// MaxVirtualArray is the largest array length kept virtual.
	MaxVirtualArray int
	// UnrollRetries bounds how often the peeled loop is re-run to
	// generalize its entry state.
	UnrollRetries int
	// Memo numbers guard state; a fresh one is used when nil.
	Memo *resume.Memo
}

func (opts Options) withDefaults() Options {
	if opts.Passes == "" {
		opts.Passes = DefaultPasses
	}
	if opts.FailargsLimit <= 0 {
		opts.FailargsLimit = resume.DefaultFailargsLimit
	}
	if opts.MaxVirtualArray <= 0 {
		opts.MaxVirtualArray = DefaultMaxVirtualArray
	}
	if opts.UnrollRetries <= 0 {
		opts.UnrollRetries = DefaultUnrollRetries
	}
	if opts.Memo == nil {
		opts.Memo = resume.NewMemo(opts.FailargsLimit)
	}
	return opts
}

// QuasiDep is a quasi-immutable field the optimized trace relies on.
type QuasiDep struct {
	Object trace.RefValue
	Field  *trace.FieldDescr
}

// Result is an optimized trace.
type Result struct {
	Inputs []*trace.Box
	Ops    []*trace.Op

	// Preamble and Loop are the two labels of a peeled loop. Loop is the
	// only label of a loop that was not peeled.
	Preamble *trace.TargetToken
	Loop     *trace.TargetToken

	QuasiDeps []QuasiDep

	// RetraceRequested is set for a bridge whose state could not be
	// proven compatible with the peeled loop it jumps to.
	RetraceRequested bool
}

// Trace returns the result as a trace.
func (r *Result) Trace() *trace.Trace {
	return &trace.Trace{Inputs: r.Inputs, Ops: r.Ops}
}

// ============================================================================
// Pass chain
// ============================================================================

// Pass is one stage of the chain.
type Pass interface {
	Name() string

	setup(o *Optimizer, idx int)
	propagate(op *trace.Op) error
	flush() error
}

// base is embedded by every pass.
type base struct {
	o   *Optimizer
	idx int
}

func (b *base) setup(o *Optimizer, idx int) { b.o, b.idx = o, idx }

// emit hands op to the next pass.
func (b *base) emit(op *trace.Op) error { return b.o.emitAt(b.idx+1, op) }

// next is the level of the pass after this one.
func (b *base) next() int { return b.idx + 1 }

func (b *base) flush() error { return nil }

var passFactories = map[string]func() Pass{
	"intbounds":  func() Pass { return &IntBounds{} },
	"rewrite":    func() Pass { return &Rewrite{} },
	"virtualize": func() Pass { return &Virtualize{} },
	"string":     func() Pass { return &String{} },
	"earlyforce": func() Pass { return &EarlyForce{} },
	"pure":       func() Pass { return &Pure{} },
	"heap":       func() Pass { return &Heap{} },
}

// BuildChain parses a colon-separated pass list. Unknown names are
// skipped and duplicates dropped; Simplify always comes last. The second
// result reports whether "unroll" was listed.
func BuildChain(s string) ([]Pass, bool) {
	var passes []Pass
	seen := make(map[string]bool)
	unroll := false
	for _, name := range strings.Split(s, ":") {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if name == "unroll" {
			unroll = true
			continue
		}
		mk, ok := passFactories[name]
		if !ok {
			log.Debugf("unknown pass %q skipped", name)
			continue
		}
		passes = append(passes, mk())
	}
	passes = append(passes, &Simplify{})
	return passes, unroll
}

// PassNames returns the names of passes, in order.
func PassNames(passes []Pass) []string {
	names := make([]string, len(passes))
	for i, p := range passes {
		names[i] = p.Name()
	}
	return names
}

// ============================================================================
// Optimizer state
// ============================================================================

// ptrInfo is what is known about a reference box.
type ptrInfo struct {
	nonnull bool
	known   bool
	class   int64
}

// Optimizer is the state shared by the passes of one run.
type Optimizer struct {
	opts   Options
	passes []Pass
	cpu    resume.CPU
	memo   *resume.Memo

	fwd      map[*trace.Box]trace.Value
	bounds   map[*trace.Box]*IntBound
	ptrs     map[*trace.Box]*ptrInfo
	virtuals map[*trace.Box]vobj
	defs     map[*trace.Box]*trace.Op
	guardPos map[*trace.Box]int
	strlens  map[*trace.Box]trace.Value

	out []*trace.Op

	// pendingForGuard holds the delayed stores the next guard must
	// replay on failure.
	pendingForGuard []resume.PendingSet
	quasiDeps       []QuasiDep

	// ovfRemoved is set when the current overflow-checked operation was
	// proven not to overflow.
	ovfRemoved bool
	// lastCallRaises tells whether the last call left an op that may
	// raise in the output.
	lastCallRaises bool

	keepNames   bool
	freshGuards bool
}

func newOptimizer(opts Options) *Optimizer {
	passes, _ := BuildChain(opts.Passes)
	o := &Optimizer{
		opts:     opts,
		passes:   passes,
		cpu:      opts.CPU,
		memo:     opts.Memo,
		fwd:      make(map[*trace.Box]trace.Value),
		bounds:   make(map[*trace.Box]*IntBound),
		ptrs:     make(map[*trace.Box]*ptrInfo),
		virtuals: make(map[*trace.Box]vobj),
		defs:     make(map[*trace.Box]*trace.Op),
		guardPos: make(map[*trace.Box]int),
		strlens:  make(map[*trace.Box]trace.Value),
	}
	for i, p := range passes {
		p.setup(o, i)
	}
	return o
}

// findPass returns the first pass of type T in the chain.
func findPass[T Pass](o *Optimizer) (T, bool) {
	for _, p := range o.passes {
		if t, ok := p.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// get follows the forwarding table.
func (o *Optimizer) get(v trace.Value) trace.Value {
	for {
		b, ok := v.(*trace.Box)
		if !ok {
			return v
		}
		n, ok := o.fwd[b]
		if !ok {
			return b
		}
		v = n
	}
}

// Resolve implements resume.Source.
func (o *Optimizer) Resolve(v trace.Value) (trace.Value, resume.Virtual) {
	if v == nil {
		return nil, nil
	}
	r := o.get(v)
	if b, ok := r.(*trace.Box); ok {
		if vo := o.virtuals[b]; vo != nil {
			return b, vo
		}
	}
	return r, nil
}

// makeEqual forwards b to v.
func (o *Optimizer) makeEqual(b *trace.Box, v trace.Value) {
	v = o.get(v)
	if v == trace.Value(b) {
		return
	}
	o.fwd[b] = v
}

func (o *Optimizer) isVirtual(v trace.Value) bool {
	b, ok := o.get(v).(*trace.Box)
	return ok && o.virtuals[b] != nil
}

func (o *Optimizer) virtualOf(v trace.Value) vobj {
	if b, ok := o.get(v).(*trace.Box); ok {
		return o.virtuals[b]
	}
	return nil
}

func (o *Optimizer) constOf(v trace.Value) (trace.Const, bool) {
	c, ok := o.get(v).(trace.Const)
	return c, ok
}

func (o *Optimizer) intConst(v trace.Value) (int64, bool) {
	return trace.AsInt(o.get(v))
}

// ============================================================================
// Integer bounds and pointer info
// ============================================================================

// boundOf returns the bound of v. The result must not be modified.
func (o *Optimizer) boundOf(v trace.Value) *IntBound {
	switch x := o.get(v).(type) {
	case trace.ConstInt:
		return ConstBound(x.V)
	case *trace.Box:
		if b := o.bounds[x]; b != nil {
			return b
		}
	}
	return Unbounded()
}

// narrow intersects the bound of v with nb. A bound that becomes a
// single value turns v into that constant.
func (o *Optimizer) narrow(v trace.Value, nb *IntBound) error {
	switch x := o.get(v).(type) {
	case trace.ConstInt:
		if !nb.Contains(x.V) {
			return invalidLoop("%d is outside %s", x.V, nb)
		}
	case *trace.Box:
		if x.Kind() != trace.Int {
			return nil
		}
		cur := o.bounds[x]
		if cur == nil {
			cur = Unbounded()
			o.bounds[x] = cur
		}
		if _, err := cur.Intersect(nb); err != nil {
			return invalidLoop("bound of %s: %v", x, err)
		}
		if cur.IsConstant() {
			o.makeEqual(x, trace.ConstInt{V: cur.Constant()})
		}
	}
	return nil
}

func (o *Optimizer) ptr(b *trace.Box) *ptrInfo {
	p := o.ptrs[b]
	if p == nil {
		p = &ptrInfo{}
		o.ptrs[b] = p
	}
	return p
}

// classed is implemented by heap objects that carry a vtable.
type classed interface {
	Class() int64
}

func (o *Optimizer) isNonnull(v trace.Value) bool {
	switch x := o.get(v).(type) {
	case trace.ConstPtr:
		return x.V != nil
	case *trace.Box:
		if o.virtuals[x] != nil {
			return true
		}
		if p := o.ptrs[x]; p != nil {
			return p.nonnull
		}
	}
	return false
}

func (o *Optimizer) isNull(v trace.Value) bool {
	c, ok := o.get(v).(trace.ConstPtr)
	return ok && c.V == nil
}

func (o *Optimizer) knownClass(v trace.Value) (int64, bool) {
	switch x := o.get(v).(type) {
	case trace.ConstPtr:
		if c, ok := x.V.(classed); ok {
			return c.Class(), true
		}
	case *trace.Box:
		if vo := o.virtuals[x]; vo != nil {
			return vo.class()
		}
		if p := o.ptrs[x]; p != nil && p.known {
			return p.class, true
		}
	}
	return 0, false
}

func (o *Optimizer) setNonnull(v trace.Value) {
	if b, ok := o.get(v).(*trace.Box); ok && b.Kind() == trace.Ref {
		o.ptr(b).nonnull = true
	}
}

func (o *Optimizer) setClass(v trace.Value, cls int64) {
	if b, ok := o.get(v).(*trace.Box); ok && b.Kind() == trace.Ref {
		p := o.ptr(b)
		p.nonnull, p.known, p.class = true, true, cls
	}
}

// ============================================================================
// Dispatch
// ============================================================================

// send runs one operation of the input trace through the chain. The op
// is copied; its result gets a fresh box that the original forwards to.
func (o *Optimizer) send(op *trace.Op) error {
	c := op.Copy()
	for i, a := range c.Args {
		c.Args[i] = o.get(a)
	}
	if op.Result != nil {
		nb := trace.NewBox(op.Result.Kind())
		if o.keepNames {
			nb.Name = op.Result.Name
		}
		c.Result = nb
		o.fwd[op.Result] = nb
	}
	if c.Num.IsGuard() && o.freshGuards {
		name := ""
		if fd := op.FailDescr(); fd != nil {
			name = fd.Name
		}
		c.Descr = trace.NewFailDescr(name)
	}

	switch c.Num {
	case trace.OpGuardNoOverflow:
		if o.ovfRemoved {
			o.ovfRemoved = false
			return nil
		}
	case trace.OpGuardOverflow:
		if o.ovfRemoved {
			return invalidLoop("guard_overflow after an operation that cannot overflow")
		}
	case trace.OpGuardNoException:
		if !o.lastCallRaises {
			return nil
		}
	}
	o.ovfRemoved = false
	o.pendingForGuard = nil

	start := len(o.out)
	if err := o.emitAt(0, c); err != nil {
		return err
	}
	switch {
	case c.Num.CanRaise():
		o.lastCallRaises = mayRaise(o.out[start:])
	case !c.Num.IsGuard():
		o.lastCallRaises = false
	}
	return nil
}

// mayRaise reports whether any of ops is a call that can raise.
func mayRaise(ops []*trace.Op) bool {
	for _, op := range ops {
		if !op.Num.IsCall() {
			continue
		}
		if op.Num.IsCallAssembler() {
			return true
		}
		ei := op.EffectInfo()
		if ei == nil || ei.CheckCanRaise(false) {
			return true
		}
	}
	return false
}

// emitAt hands op to the pass at level, or to the final emitter.
func (o *Optimizer) emitAt(level int, op *trace.Op) error {
	if level < len(o.passes) {
		return o.passes[level].propagate(op)
	}
	return o.emitFinal(op)
}

// emitNew builds an operation and hands it to level. Callers read the
// result through get, since downstream passes may replace it.
func (o *Optimizer) emitNew(level int, num trace.Opnum, descr trace.Descr, args ...trace.Value) (*trace.Op, error) {
	op := trace.NewOp(num, args, descr)
	return op, o.emitAt(level, op)
}

// emitFinal forces virtual arguments, numbers guard state and appends op
// to the output.
func (o *Optimizer) emitFinal(op *trace.Op) error {
	for i, a := range op.Args {
		v := o.get(a)
		if b, ok := v.(*trace.Box); ok && o.virtuals[b] != nil {
			fv, err := o.force(b, len(o.passes))
			if err != nil {
				return err
			}
			v = fv
		}
		op.Args[i] = v
	}
	if op.Num.IsGuard() {
		if err := o.storeFinalBoxes(op); err != nil {
			return err
		}
	}
	if op.Result != nil {
		o.defs[op.Result] = op
	}
	switch op.Num {
	case trace.OpGuardNonnull, trace.OpGuardClass, trace.OpGuardValue, trace.OpGuardNonnullClass:
		if b, ok := op.Args[0].(*trace.Box); ok {
			o.guardPos[b] = len(o.out)
		}
	}
	o.out = append(o.out, op)
	return nil
}

// storeFinalBoxes builds the resume blob of guard op.
func (o *Optimizer) storeFinalBoxes(op *trace.Op) error {
	snap := op.Snapshot
	if snap == nil {
		var live []trace.Value
		for _, v := range op.FailArgs {
			if v != nil {
				live = append(live, v)
			}
		}
		snap = trace.SingleFrame(live)
	}
	failargs, data, err := o.memo.Finish(o, snap, o.pendingForGuard)
	if err != nil {
		return fmt.Errorf("guard %s: %w", op.Descr, err)
	}
	o.pendingForGuard = nil
	op.FailArgs = failargs
	op.Snapshot = nil
	if fd := op.FailDescr(); fd != nil {
		fd.Resume = data
	}
	return nil
}

// flushPasses lets every pass emit what it still holds back.
func (o *Optimizer) flushPasses() error {
	for _, p := range o.passes {
		if err := p.flush(); err != nil {
			return fmt.Errorf("flush %s: %w", p.Name(), err)
		}
	}
	return nil
}

// replaceOut swaps the already emitted op at index i.
func (o *Optimizer) replaceOut(i int, op *trace.Op) {
	o.out[i] = op
	if op.Result != nil {
		o.defs[op.Result] = op
	}
}

func (o *Optimizer) dump(what string) {
	if !o.opts.Dump {
		return
	}
	var sb strings.Builder
	trace.Fprint(&sb, nil, o.out)
	log.Debugf("after %s [%s]:\n%s", what, strings.Join(PassNames(o.passes), ":"), sb.String())
}

// ============================================================================
// Linear optimization
// ============================================================================

// Optimize runs the chain once over a linear trace, including its final
// operation.
func Optimize(inputs []*trace.Box, ops []*trace.Op, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	o := newOptimizer(opts)
	o.keepNames = true
	for _, op := range ops {
		if err := o.send(op); err != nil {
			return nil, err
		}
	}
	if err := o.flushPasses(); err != nil {
		return nil, err
	}
	o.dump("linear run")
	return &Result{Inputs: inputs, Ops: o.out, QuasiDeps: o.quasiDeps}, nil
}
