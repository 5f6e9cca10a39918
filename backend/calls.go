package backend

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/chazu/rjit/pkg/executor"
	"github.com/chazu/rjit/pkg/memory"
	"github.com/chazu/rjit/pkg/trace"
)

// Func is a Go callee reachable from compiled code through CALL ops.
type Func func(args []trace.Const) (trace.Const, error)

type function struct {
	name string
	fn   Func
}

type builtin struct {
	addr  int64
	descr *trace.CallDescr
}

// RegisterFunc assigns an address to fn and returns it.
func (c *CPU) RegisterFunc(name string, fn Func) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := c.nextAddr
	c.nextAddr += 64
	c.funcs[addr] = &function{name: name, fn: fn}
	return addr
}

// FuncAddr looks up the address of a registered function by name.
func (c *CPU) FuncAddr(name string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for addr, f := range c.funcs {
		if f.name == name {
			return addr, true
		}
	}
	return 0, false
}

// FuncName returns the name registered at addr.
func (c *CPU) FuncName(addr int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if f, ok := c.funcs[addr]; ok {
		return f.name
	}
	return fmt.Sprintf("%#x", addr)
}

func (c *CPU) lookup(addr int64) (*function, error) {
	c.mu.RLock()
	f, ok := c.funcs[addr]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("call %#x: %w", addr, ErrUnknownFunc)
	}
	return f, nil
}

// CallInfo returns the address and call descriptor of the helper the
// optimizer emits for oopspec.
func (c *CPU) CallInfo(oopspec trace.OopSpec) (trace.ConstInt, *trace.CallDescr, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.builtins[oopspec]
	if !ok {
		return trace.ConstInt{}, nil, false
	}
	return trace.ConstInt{V: b.addr}, b.descr, true
}

// BhCall calls the function at fn.
func (c *CPU) BhCall(fn int64, args []trace.Const, d *trace.CallDescr) (trace.Const, error) {
	f, err := c.lookup(fn)
	if err != nil {
		return nil, err
	}
	res, err := f.fn(args)
	if err != nil {
		return trace.ZeroOf(d.Result), err
	}
	if res == nil && d.Result != trace.Void {
		res = trace.ZeroOf(d.Result)
	}
	return res, nil
}

// BhCallReleaseGil calls fn with the GIL released, applying the errno
// protocol selected by mode around the call.
func (c *CPU) BhCallReleaseGil(mode, fn int64, args []trace.Const, d *trace.CallDescr) (trace.Const, error) {
	f, err := c.lookup(fn)
	if err != nil {
		return nil, err
	}
	c.beforeCall(mode)
	if c.GIL != nil {
		c.GIL.Unlock()
	}
	res, err := f.fn(args)
	if c.GIL != nil {
		c.GIL.Lock()
	}
	c.afterCall(mode)
	if err != nil {
		return trace.ZeroOf(d.Result), err
	}
	if res == nil && d.Result != trace.Void {
		res = trace.ZeroOf(d.Result)
	}
	return res, nil
}

// BhCallAssembler runs the loop of token (or its redirection) and returns
// the value its FINISH produced.
func (c *CPU) BhCallAssembler(token *trace.JitCellToken, args []trace.Const, result trace.Kind) (trace.Const, error) {
	c.mu.RLock()
	for {
		to, ok := c.redirects[token]
		if !ok {
			break
		}
		token = to
	}
	c.mu.RUnlock()
	df, err := c.ExecuteToken(token, args...)
	if err != nil {
		return nil, err
	}
	if df.descr.Final {
		if df.exc != nil {
			return trace.ZeroOf(result), &executor.Raised{Exc: df.exc}
		}
		if result == trace.Void || len(df.values) == 0 {
			return trace.ZeroOf(result), nil
		}
		return df.values[0], nil
	}
	if c.AssemblerHelper == nil {
		return nil, fmt.Errorf("call_assembler %s left through %s without a helper", token, df.descr)
	}
	return c.AssemblerHelper(df, result)
}

// ============================================================================
// Built-in helpers
// ============================================================================

func effect(extra trace.ExtraEffect, os trace.OopSpec) *trace.EffectInfo {
	return &trace.EffectInfo{Extra: extra, OopSpec: os}
}

func (c *CPU) addBuiltin(os trace.OopSpec, name string, args []trace.Kind, result trace.Kind, extra trace.ExtraEffect, fn Func) {
	addr := c.nextAddr
	c.nextAddr += 64
	c.funcs[addr] = &function{name: name, fn: fn}
	c.builtins[os] = &builtin{addr: addr, descr: trace.NewCallDescr(name, args, result, effect(extra, os))}
}

func ref(args []trace.Const, i int) trace.RefValue { return args[i].(trace.ConstPtr).V }
func num(args []trace.Const, i int) int64          { return args[i].(trace.ConstInt).V }

func boolConst(b bool) trace.Const {
	if b {
		return trace.Const1
	}
	return trace.Const0
}

func (c *CPU) chars(v trace.RefValue) []rune {
	switch s := v.(type) {
	case *memory.Str:
		r := make([]rune, len(s.Chars))
		for i, b := range s.Chars {
			r[i] = rune(b)
		}
		return r
	case *memory.Unicode:
		return s.Chars
	}
	panic(&memory.Fault{Err: fmt.Errorf("%T is not a string", v)})
}

func (c *CPU) newString(uni bool, r []rune) (trace.Const, error) {
	if uni {
		obj, err := c.BhNewunicode(int64(len(r)))
		if err != nil {
			return nil, err
		}
		copy(obj.(*memory.Unicode).Chars, r)
		return trace.ConstPtr{V: obj}, nil
	}
	obj, err := c.BhNewstr(int64(len(r)))
	if err != nil {
		return nil, err
	}
	for i, ch := range r {
		obj.(*memory.Str).Chars[i] = byte(ch)
	}
	return trace.ConstPtr{V: obj}, nil
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (c *CPU) registerStringBuiltins(uni bool, prefix string, ops [11]trace.OopSpec) {
	r, i := trace.Ref, trace.Int
	concat, slice, equal := ops[0], ops[1], ops[2]
	sliceChecknull, sliceNonnull, sliceChar := ops[3], ops[4], ops[5]
	nonnull, nonnullChar, checknullChar, lengthok, cmp := ops[6], ops[7], ops[8], ops[9], ops[10]

	c.addBuiltin(concat, prefix+"_concat", []trace.Kind{r, r}, r, trace.EffectElidableOrMemoryError,
		func(args []trace.Const) (trace.Const, error) {
			return c.newString(uni, append(append([]rune(nil), c.chars(ref(args, 0))...), c.chars(ref(args, 1))...))
		})
	c.addBuiltin(slice, prefix+"_slice", []trace.Kind{r, i, i}, r, trace.EffectElidableOrMemoryError,
		func(args []trace.Const) (trace.Const, error) {
			s := c.chars(ref(args, 0))
			start, stop := num(args, 1), num(args, 2)
			if start < 0 || stop > int64(len(s)) || start > stop {
				panic(&memory.Fault{Err: fmt.Errorf("slice [%d:%d] of length %d", start, stop, len(s))})
			}
			return c.newString(uni, s[start:stop])
		})
	c.addBuiltin(equal, prefix+"_equal", []trace.Kind{r, r}, i, trace.EffectElidableCannotRaise,
		func(args []trace.Const) (trace.Const, error) {
			a, b := ref(args, 0), ref(args, 1)
			if a == nil || b == nil {
				return boolConst(a == nil && b == nil), nil
			}
			return boolConst(runesEqual(c.chars(a), c.chars(b))), nil
		})
	sliceEq := func(args []trace.Const, other []rune) bool {
		s := c.chars(ref(args, 0))
		start, length := num(args, 1), num(args, 2)
		return runesEqual(s[start:start+length], other)
	}
	c.addBuiltin(sliceChecknull, prefix+"eq_slice_checknull", []trace.Kind{r, i, i, r}, i, trace.EffectElidableCannotRaise,
		func(args []trace.Const) (trace.Const, error) {
			if ref(args, 3) == nil {
				return trace.Const0, nil
			}
			return boolConst(sliceEq(args, c.chars(ref(args, 3)))), nil
		})
	c.addBuiltin(sliceNonnull, prefix+"eq_slice_nonnull", []trace.Kind{r, i, i, r}, i, trace.EffectElidableCannotRaise,
		func(args []trace.Const) (trace.Const, error) {
			return boolConst(sliceEq(args, c.chars(ref(args, 3)))), nil
		})
	c.addBuiltin(sliceChar, prefix+"eq_slice_char", []trace.Kind{r, i, i, i}, i, trace.EffectElidableCannotRaise,
		func(args []trace.Const) (trace.Const, error) {
			return boolConst(sliceEq(args, []rune{rune(num(args, 3))})), nil
		})
	c.addBuiltin(nonnull, prefix+"eq_nonnull", []trace.Kind{r, r}, i, trace.EffectElidableCannotRaise,
		func(args []trace.Const) (trace.Const, error) {
			return boolConst(runesEqual(c.chars(ref(args, 0)), c.chars(ref(args, 1)))), nil
		})
	c.addBuiltin(nonnullChar, prefix+"eq_nonnull_char", []trace.Kind{r, i}, i, trace.EffectElidableCannotRaise,
		func(args []trace.Const) (trace.Const, error) {
			s := c.chars(ref(args, 0))
			return boolConst(len(s) == 1 && int64(s[0]) == num(args, 1)), nil
		})
	c.addBuiltin(checknullChar, prefix+"eq_checknull_char", []trace.Kind{r, i}, i, trace.EffectElidableCannotRaise,
		func(args []trace.Const) (trace.Const, error) {
			if ref(args, 0) == nil {
				return trace.Const0, nil
			}
			s := c.chars(ref(args, 0))
			return boolConst(len(s) == 1 && int64(s[0]) == num(args, 1)), nil
		})
	c.addBuiltin(lengthok, prefix+"eq_lengthok", []trace.Kind{r, r}, i, trace.EffectElidableCannotRaise,
		func(args []trace.Const) (trace.Const, error) {
			return boolConst(runesEqual(c.chars(ref(args, 0)), c.chars(ref(args, 1)))), nil
		})
	c.addBuiltin(cmp, prefix+"_cmp", []trace.Kind{r, r}, i, trace.EffectElidableCannotRaise,
		func(args []trace.Const) (trace.Const, error) {
			a, b := c.chars(ref(args, 0)), c.chars(ref(args, 1))
			return trace.ConstInt{V: int64(strings.Compare(string(a), string(b)))}, nil
		})
}

func (c *CPU) registerBuiltins() {
	c.registerStringBuiltins(false, "str", [11]trace.OopSpec{
		trace.OSStrConcat, trace.OSStrSlice, trace.OSStrEqual,
		trace.OSStreqSliceChecknull, trace.OSStreqSliceNonnull, trace.OSStreqSliceChar,
		trace.OSStreqNonnull, trace.OSStreqNonnullChar, trace.OSStreqChecknullChar,
		trace.OSStreqLengthok, trace.OSStrCmp,
	})
	c.registerStringBuiltins(true, "uni", [11]trace.OopSpec{
		trace.OSUniConcat, trace.OSUniSlice, trace.OSUniEqual,
		trace.OSUnieqSliceChecknull, trace.OSUnieqSliceNonnull, trace.OSUnieqSliceChar,
		trace.OSUnieqNonnull, trace.OSUnieqNonnullChar, trace.OSUnieqChecknullChar,
		trace.OSUnieqLengthok, trace.OSUniCmp,
	})

	c.addBuiltin(trace.OSMathSqrt, "sqrt", []trace.Kind{trace.Float}, trace.Float, trace.EffectElidableCannotRaise,
		func(args []trace.Const) (trace.Const, error) {
			return trace.NewConstFloat(math.Sqrt(args[0].(trace.ConstFloat).Float())), nil
		})
	c.addBuiltin(trace.OSMathReadTimestamp, "read_timestamp", nil, trace.Int, trace.EffectCannotRaise,
		func([]trace.Const) (trace.Const, error) {
			return trace.ConstInt{V: time.Now().UnixNano()}, nil
		})
	c.addBuiltin(trace.OSRawMallocVarsizeChar, "raw_malloc_varsize", []trace.Kind{trace.Int}, trace.Int, trace.EffectCanRaise,
		func(args []trace.Const) (trace.Const, error) {
			return trace.ConstInt{V: c.Arena.Malloc(num(args, 0))}, nil
		})
	c.addBuiltin(trace.OSRawFree, "raw_free", []trace.Kind{trace.Int}, trace.Void, trace.EffectCannotRaise,
		func(args []trace.Const) (trace.Const, error) {
			if err := c.Arena.Free(num(args, 0)); err != nil {
				panic(&memory.Fault{Err: err})
			}
			return nil, nil
		})
	c.addBuiltin(trace.OSArraycopy, "arraycopy", []trace.Kind{trace.Ref, trace.Ref, trace.Int, trace.Int, trace.Int}, trace.Void, trace.EffectCannotRaise,
		func(args []trace.Const) (trace.Const, error) {
			src, dst := ref(args, 0).(*memory.Array), ref(args, 1).(*memory.Array)
			from, to, n := num(args, 2), num(args, 3), num(args, 4)
			if src == dst && from < to {
				for k := n - 1; k >= 0; k-- {
					dst.Items[to+k] = src.Items[from+k]
				}
				return nil, nil
			}
			copy(dst.Items[to:to+n], src.Items[from:from+n])
			return nil, nil
		})
}
