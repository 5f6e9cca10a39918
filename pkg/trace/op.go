package trace

// JitCode is the front-end's handle for the code of one interpreter frame.
type JitCode interface {
	Name() string
}

// StaticJitCode is a JitCode identified by name only.
type StaticJitCode string

func (c StaticJitCode) Name() string { return string(c) }

// Snapshot is one interpreter frame captured at a guard: the frame's
// jitcode and pc plus the values of its live registers. Frames are linked
// through Prev towards the outermost caller and may be shared between
// guards.
type Snapshot struct {
	Prev    *Snapshot
	JitCode JitCode
	PC      int
	Boxes   []Value
}

// TopSnapshot is the innermost frame of a guard's snapshot chain plus the
// virtualizable and virtual-ref boxes of the trace.
type TopSnapshot struct {
	Snapshot
	VableBoxes []Value
	VrefBoxes  []Value
}

// Frames returns the chain from the outermost frame to the innermost.
func (s *TopSnapshot) Frames() []*Snapshot {
	var out []*Snapshot
	for f := &s.Snapshot; f != nil; f = f.Prev {
		out = append(out, f)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// SingleFrame builds a one-frame snapshot over boxes.
func SingleFrame(boxes []Value) *TopSnapshot {
	return &TopSnapshot{Snapshot: Snapshot{Boxes: boxes}}
}

// Op is one operation record.
type Op struct {
	Num      Opnum
	Args     []Value
	Result   *Box
	Descr    Descr
	FailArgs []Value
	Snapshot *TopSnapshot
}

// NewOp builds an operation and, when the opnum produces a value, a fresh
// result box of the right kind.
func NewOp(num Opnum, args []Value, descr Descr) *Op {
	op := &Op{Num: num, Args: args, Descr: descr}
	if k := num.ResultKind(); k != Void {
		op.Result = NewBox(k)
	}
	return op
}

// NewOpWithResult builds an operation defining an existing box.
func NewOpWithResult(num Opnum, args []Value, result *Box, descr Descr) *Op {
	return &Op{Num: num, Args: args, Result: result, Descr: descr}
}

// Arg returns the i-th argument.
func (op *Op) Arg(i int) Value { return op.Args[i] }

// NumArgs returns the argument count.
func (op *Op) NumArgs() int { return len(op.Args) }

// Kind returns the result kind of the operation.
func (op *Op) Kind() Kind {
	if op.Result != nil {
		return op.Result.Kind()
	}
	return Void
}

// IsGuard reports whether op is a guard.
func (op *Op) IsGuard() bool { return op.Num.IsGuard() }

// FailDescr returns the guard or finish descriptor, or nil.
func (op *Op) FailDescr() *FailDescr {
	fd, _ := op.Descr.(*FailDescr)
	return fd
}

// CallDescr returns the call descriptor, or nil.
func (op *Op) CallDescr() *CallDescr {
	cd, _ := op.Descr.(*CallDescr)
	return cd
}

// FieldDescr returns the field descriptor, or nil.
func (op *Op) FieldDescr() *FieldDescr {
	fd, _ := op.Descr.(*FieldDescr)
	return fd
}

// ArrayDescr returns the array descriptor, or nil.
func (op *Op) ArrayDescr() *ArrayDescr {
	ad, _ := op.Descr.(*ArrayDescr)
	return ad
}

// EffectInfo returns the effect info of a call, or nil for non-calls.
func (op *Op) EffectInfo() *EffectInfo {
	if cd := op.CallDescr(); cd != nil {
		return cd.Effect
	}
	return nil
}

// Copy returns a shallow copy with its own argument slices and the same
// result box.
func (op *Op) Copy() *Op {
	c := *op
	c.Args = append([]Value(nil), op.Args...)
	if op.FailArgs != nil {
		c.FailArgs = append([]Value(nil), op.FailArgs...)
	}
	return &c
}

// CopyWithArgs returns a copy with new arguments and a fresh result box.
func (op *Op) CopyWithArgs(num Opnum, args []Value) *Op {
	c := NewOp(num, args, op.Descr)
	c.FailArgs = op.FailArgs
	c.Snapshot = op.Snapshot
	return c
}

func (op *Op) String() string { return FormatOp(op) }

// Trace is a list of operations over a set of input boxes.
type Trace struct {
	Inputs []*Box
	Ops    []*Op
}

// Last returns the final operation, or nil.
func (t *Trace) Last() *Op {
	if len(t.Ops) == 0 {
		return nil
	}
	return t.Ops[len(t.Ops)-1]
}

// InputValues returns the inputs as a Value slice.
func (t *Trace) InputValues() []Value {
	vs := make([]Value, len(t.Inputs))
	for i, b := range t.Inputs {
		vs[i] = b
	}
	return vs
}
