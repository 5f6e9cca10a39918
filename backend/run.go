package backend

import (
	"errors"
	"fmt"

	"github.com/chazu/rjit/pkg/executor"
	"github.com/chazu/rjit/pkg/memory"
	"github.com/chazu/rjit/pkg/trace"
)

// ForceToken is the value of FORCE_TOKEN: a handle on a running frame
// that a callee can pass to Force.
type ForceToken struct {
	f *frame
}

func (t *ForceToken) String() string { return "force_token" }

// frame is the register state of one ExecuteToken invocation.
type frame struct {
	cpu    *CPU
	code   *compiledCode
	pc     int
	regs   map[*trace.Box]trace.Const
	exc    trace.RefValue
	ovf    bool
	forced *DeadFrame
}

// ExecuteToken runs the loop of token on args until a FINISH or an
// unbridged failing guard, and returns the resulting dead frame.
func (c *CPU) ExecuteToken(token *trace.JitCellToken, args ...trace.Const) (df *DeadFrame, err error) {
	c.mu.RLock()
	loop, ok := c.loops[token]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("execute %s: %w", token, ErrUnknownLoop)
	}
	if loop.freed {
		return nil, fmt.Errorf("execute %s: %w", token, ErrFreedLoop)
	}
	if len(args) != len(loop.code.inputs) {
		return nil, fmt.Errorf("execute %s: %d arguments, want %d", token, len(args), len(loop.code.inputs))
	}
	c.WithThread(func() {
		df, err = c.run(loop.code, args)
	})
	return df, err
}

func (c *CPU) run(code *compiledCode, args []trace.Const) (df *DeadFrame, err error) {
	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(*memory.Fault)
			if !ok {
				panic(r)
			}
			df, err = nil, fmt.Errorf("execute %s: %w", code.token, f)
		}
	}()
	f := &frame{cpu: c}
	f.enter(code, 0, code.inputs, args)
	for {
		df, err := f.step()
		if df != nil || err != nil {
			return df, err
		}
	}
}

func (f *frame) enter(code *compiledCode, pc int, boxes []*trace.Box, values []trace.Const) {
	f.code, f.pc = code, pc
	f.regs = make(map[*trace.Box]trace.Const, len(code.ops))
	for i, b := range boxes {
		f.regs[b] = values[i]
	}
}

func (f *frame) get(v trace.Value) trace.Const {
	switch x := v.(type) {
	case nil:
		return nil
	case trace.Const:
		return x
	case *trace.Box:
		c, ok := f.regs[x]
		if !ok {
			panic(&memory.Fault{Err: fmt.Errorf("%s read before definition", x)})
		}
		return c
	}
	panic(fmt.Sprintf("backend: unexpected value %T", v))
}

func (f *frame) values(vs []trace.Value) []trace.Const {
	out := make([]trace.Const, len(vs))
	for i, v := range vs {
		out[i] = f.get(v)
	}
	return out
}

// step executes the op at pc. It returns a dead frame when execution left
// the compiled code.
func (f *frame) step() (*DeadFrame, error) {
	c := f.cpu
	op := f.code.ops[f.pc]
	switch {
	case op.Num == trace.OpLabel:
		f.pc++
		return nil, nil

	case op.Num == trace.OpJump:
		return nil, f.jump(op)

	case op.Num == trace.OpFinish:
		return &DeadFrame{descr: op.FailDescr(), values: f.values(op.Args), exc: f.exc}, nil

	case op.Num.IsGuard():
		if f.guard(op) {
			f.pc++
			return nil, nil
		}
		return f.fail(op), nil

	case op.Num == trace.OpForceToken:
		f.regs[op.Result] = trace.ConstPtr{V: &ForceToken{f: f}}
		f.pc++
		return nil, nil
	}

	args := f.values(op.Args)
	if op.Num.IsCall() {
		f.exc = nil
	}
	res, err := executor.Execute(c, op.Num, op.Descr, args...)
	if op.Num.IsOvf() {
		f.ovf = errors.Is(err, executor.ErrOverflow)
		if f.ovf {
			err = nil
		}
	}
	if err != nil {
		var raised *executor.Raised
		switch {
		case errors.As(err, &raised):
			f.exc = raised.Exc
			res = trace.ZeroOf(op.Num.ResultKind())
		case errors.Is(err, memory.ErrOutOfMemory):
			log.Debugf("out of memory at %s in %s", op, f.code.token)
			return &DeadFrame{descr: c.memErrDescr, exc: c.memErrExc}, nil
		default:
			return nil, fmt.Errorf("execute %s: %s: %w", f.code.token, op, err)
		}
	}
	if op.Result != nil {
		f.regs[op.Result] = res
	}
	f.pc++
	return nil, nil
}

func (f *frame) jump(op *trace.Op) error {
	c := f.cpu
	values := f.values(op.Args)
	switch d := op.Descr.(type) {
	case *trace.TargetToken:
		c.mu.RLock()
		e, ok := c.targets[d]
		c.mu.RUnlock()
		if !ok {
			return fmt.Errorf("jump to %s: %w", d, ErrUnknownTarget)
		}
		if e.loop.freed {
			return fmt.Errorf("jump to %s: %w", d, ErrFreedLoop)
		}
		label := e.code.ops[e.index]
		if f.code != e.code {
			f.enter(e.code, e.index+1, nil, nil)
		} else {
			f.pc = e.index + 1
		}
		for i, a := range label.Args {
			f.regs[a.(*trace.Box)] = values[i]
		}
	case *trace.JitCellToken:
		c.mu.RLock()
		loop, ok := c.loops[d]
		c.mu.RUnlock()
		if !ok {
			return fmt.Errorf("jump to %s: %w", d, ErrUnknownLoop)
		}
		if loop.freed {
			return fmt.Errorf("jump to %s: %w", d, ErrFreedLoop)
		}
		f.enter(loop.code, 0, loop.code.inputs, values)
	default:
		return fmt.Errorf("jump with descr %v: %w", op.Descr, ErrUnknownTarget)
	}
	return nil
}

func sameConst(a, b trace.Const) bool {
	switch x := a.(type) {
	case trace.ConstInt:
		y, ok := b.(trace.ConstInt)
		return ok && x.V == y.V
	case trace.ConstFloat:
		y, ok := b.(trace.ConstFloat)
		return ok && x.Bits == y.Bits
	case trace.ConstPtr:
		y, ok := b.(trace.ConstPtr)
		return ok && x.V == y.V
	}
	return false
}

func (f *frame) classOf(ref trace.RefValue) int64 {
	if s, ok := ref.(*memory.Struct); ok {
		return s.Class()
	}
	return 0
}

// guard evaluates op and reports whether execution continues.
func (f *frame) guard(op *trace.Op) bool {
	switch op.Num {
	case trace.OpGuardTrue:
		return f.get(op.Args[0]).(trace.ConstInt).V != 0
	case trace.OpGuardFalse:
		return f.get(op.Args[0]).(trace.ConstInt).V == 0
	case trace.OpGuardValue:
		return sameConst(f.get(op.Args[0]), f.get(op.Args[1]))
	case trace.OpGuardClass, trace.OpGuardNonnullClass:
		p := f.get(op.Args[0]).(trace.ConstPtr).V
		return p != nil && f.classOf(p) == f.get(op.Args[1]).(trace.ConstInt).V
	case trace.OpGuardNonnull:
		return f.get(op.Args[0]).(trace.ConstPtr).V != nil
	case trace.OpGuardIsnull:
		return f.get(op.Args[0]).(trace.ConstPtr).V == nil
	case trace.OpGuardNoException:
		return f.exc == nil
	case trace.OpGuardException:
		if f.exc == nil || f.classOf(f.exc) != f.get(op.Args[0]).(trace.ConstInt).V {
			return false
		}
		f.regs[op.Result] = trace.ConstPtr{V: f.exc}
		f.exc = nil
		return true
	case trace.OpGuardNoOverflow:
		return !f.ovf
	case trace.OpGuardOverflow:
		return f.ovf
	case trace.OpGuardNotForced, trace.OpGuardNotForced2:
		return f.forced == nil
	case trace.OpGuardNotInvalidated:
		return !f.code.token.Invalidated()
	}
	panic(fmt.Sprintf("backend: unknown guard %s", op.Num))
}

// fail leaves through the failing guard op, or continues in its bridge.
func (f *frame) fail(op *trace.Op) *DeadFrame {
	c := f.cpu
	fd := op.FailDescr()
	n := fd.RecordFailure()
	log.Debugf("guard %s failed (%d) in %s", fd, n, f.code.token)
	if (op.Num == trace.OpGuardNotForced || op.Num == trace.OpGuardNotForced2) && f.forced != nil {
		df := f.forced
		df.exc = f.exc
		return df
	}
	values := f.values(op.FailArgs)
	c.mu.RLock()
	bridge, ok := c.bridges[fd]
	c.mu.RUnlock()
	if ok {
		f.enter(bridge, 0, bridge.inputs, values)
		return nil
	}
	return &DeadFrame{descr: fd, values: values, exc: f.exc}
}

// Force preempts the frame identified by token at its next
// GUARD_NOT_FORCED and returns the dead frame that guard will leave
// with. It is called from callees of the running trace.
func (c *CPU) Force(token trace.RefValue) (*DeadFrame, error) {
	ft, ok := token.(*ForceToken)
	if !ok || ft.f == nil {
		return nil, fmt.Errorf("force: %v is not a force token", token)
	}
	f := ft.f
	if f.forced != nil {
		return f.forced, nil
	}
	for _, op := range f.code.ops[f.pc+1:] {
		if op.Num != trace.OpGuardNotForced && op.Num != trace.OpGuardNotForced2 {
			continue
		}
		values := make([]trace.Const, len(op.FailArgs))
		for i, v := range op.FailArgs {
			switch x := v.(type) {
			case nil:
			case *trace.Box:
				if c, ok := f.regs[x]; ok {
					values[i] = c
				} else {
					values[i] = trace.ZeroOf(x.Kind())
				}
			case trace.Const:
				values[i] = x
			}
		}
		f.forced = &DeadFrame{descr: op.FailDescr(), values: values, forced: true}
		return f.forced, nil
	}
	return nil, fmt.Errorf("force: no guard_not_forced after %s", f.code.ops[f.pc])
}
