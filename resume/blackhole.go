package resume

import (
	"fmt"

	"github.com/chazu/rjit/pkg/executor"
	"github.com/chazu/rjit/pkg/trace"
)

// Helpers gives the address and descriptor of the runtime helper that
// implements an oopspec.
type Helpers interface {
	CallInfo(os trace.OopSpec) (trace.ConstInt, *trace.CallDescr, bool)
}

// CPU is what blackhole decoding needs from the back-end.
type CPU interface {
	executor.Machine
	Helpers
}

// Failargs is the dead frame a guard exit produced.
type Failargs interface {
	Value(i int) trace.Const
}

// BlackholeBuilder receives the rebuilt frames, outermost first, so the
// interpreter can continue from the guard.
type BlackholeBuilder interface {
	PushFrame(code trace.JitCode, pc int, registers []trace.Const)
}

// ReadBlackhole decodes d directly into values, allocating virtuals on the
// heap of cpu and reading live values from df.
func ReadBlackhole(d *Data, cpu CPU, df Failargs) (*State, error) {
	return Decode(d, &blackhole{cpu: cpu, df: df})
}

// Blackhole decodes d and pushes every frame onto bb.
func Blackhole(d *Data, cpu CPU, df Failargs, bb BlackholeBuilder) error {
	st, err := ReadBlackhole(d, cpu, df)
	if err != nil {
		return err
	}
	for _, f := range st.Frames {
		regs := make([]trace.Const, len(f.Values))
		for i, v := range f.Values {
			regs[i] = v.(trace.Const)
		}
		bb.PushFrame(f.JitCode, f.PC, regs)
	}
	return nil
}

type blackhole struct {
	cpu CPU
	df  Failargs
}

func (b *blackhole) check(err error) {
	if err != nil {
		panic(materializeError{err})
	}
}

func (b *blackhole) helper(os trace.OopSpec, args ...trace.Const) trace.Const {
	fn, cd, ok := b.cpu.CallInfo(os)
	if !ok {
		panic(materializeError{fmt.Errorf("resume: no helper for %s", os)})
	}
	res, err := b.cpu.BhCall(fn.V, args, cd)
	b.check(err)
	return res
}

func refOf(v trace.Value) trace.RefValue {
	r, _ := trace.AsRef(v)
	return r
}

func intOf(v trace.Value) int64 {
	n, _ := trace.AsInt(v)
	return n
}

func (b *blackhole) Const(c trace.Const) trace.Value { return c }

func (b *blackhole) Failarg(i int, k trace.Kind) trace.Value {
	v := b.df.Value(i)
	if v == nil || v.Kind() != k {
		integrity("fail argument %d is %v, want a %s value", i, v, k)
	}
	return v
}

func (b *blackhole) New(d *trace.SizeDescr) trace.Value {
	ref, err := b.cpu.BhNew(d)
	b.check(err)
	return trace.ConstPtr{V: ref}
}

func (b *blackhole) NewWithVtable(d *trace.SizeDescr) trace.Value {
	ref, err := b.cpu.BhNewWithVtable(d)
	b.check(err)
	return trace.ConstPtr{V: ref}
}

func (b *blackhole) NewArray(d *trace.ArrayDescr, n int) trace.Value {
	ref, err := b.cpu.BhNewArray(d, int64(n))
	b.check(err)
	return trace.ConstPtr{V: ref}
}

func (b *blackhole) SetField(obj trace.Value, d *trace.FieldDescr, v trace.Value) {
	b.cpu.BhSetfieldGc(refOf(obj), v.(trace.Const), d)
}

func (b *blackhole) SetArrayItem(arr trace.Value, d *trace.ArrayDescr, i int64, v trace.Value) {
	b.cpu.BhSetarrayitemGc(refOf(arr), i, v.(trace.Const), d)
}

func (b *blackhole) SetInteriorField(arr trace.Value, d *trace.InteriorFieldDescr, i int64, v trace.Value) {
	b.cpu.BhSetinteriorfieldGc(refOf(arr), i, v.(trace.Const), d)
}

func (b *blackhole) RawMalloc(size int64) trace.Value {
	return b.helper(trace.OSRawMallocVarsizeChar, trace.ConstInt{V: size})
}

func (b *blackhole) RawStore(buf trace.Value, d *trace.ArrayDescr, off int64, v trace.Value) {
	b.cpu.BhRawStore(intOf(buf), off, v.(trace.Const), d)
}

func (b *blackhole) RawSlice(base trace.Value, off int64) trace.Value {
	return trace.ConstInt{V: intOf(base) + off}
}

func (b *blackhole) NewString(uni bool, n int) trace.Value {
	var (
		ref trace.RefValue
		err error
	)
	if uni {
		ref, err = b.cpu.BhNewunicode(int64(n))
	} else {
		ref, err = b.cpu.BhNewstr(int64(n))
	}
	b.check(err)
	return trace.ConstPtr{V: ref}
}

func (b *blackhole) SetChar(uni bool, s trace.Value, i int, c trace.Value) {
	if uni {
		b.cpu.BhUnicodesetitem(refOf(s), int64(i), intOf(c))
	} else {
		b.cpu.BhStrsetitem(refOf(s), int64(i), intOf(c))
	}
}

func (b *blackhole) Concat(uni bool, left, right trace.Value) trace.Value {
	os := trace.OSStrConcat
	if uni {
		os = trace.OSUniConcat
	}
	return b.helper(os, left.(trace.Const), right.(trace.Const))
}

func (b *blackhole) Slice(uni bool, s, start, length trace.Value) trace.Value {
	os := trace.OSStrSlice
	if uni {
		os = trace.OSUniSlice
	}
	from := intOf(start)
	return b.helper(os, s.(trace.Const), trace.ConstInt{V: from}, trace.ConstInt{V: from + intOf(length)})
}
