package executor

import (
	"errors"
	"fmt"
	"math"

	"github.com/chazu/rjit/pkg/trace"
)

// ErrNotExecutable is returned for operations that only the back-end can
// run (guards, control flow, force tokens).
var ErrNotExecutable = errors.New("executor: operation is not executable")

type (
	noDescrFunc   func(m Machine, args []trace.Const) (trace.Const, error)
	withDescrFunc func(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error)
)

// The two dispatch tables, indexed by opnum. Each executable opnum lives
// in exactly one of them, selected by its has-descr flag.
var (
	noDescr   []noDescrFunc
	withDescr []withDescrFunc
)

func init() {
	noDescr = make([]noDescrFunc, trace.OpnumCount())
	withDescr = make([]withDescrFunc, trace.OpnumCount())
	for num, fn := range plainImpls {
		if num.HasDescr() {
			panic(fmt.Sprintf("executor: %s carries a descr but has a plain implementation", num))
		}
		noDescr[num] = fn
	}
	for num, fn := range descrImpls {
		if !num.HasDescr() {
			panic(fmt.Sprintf("executor: %s has no descr but has a descr implementation", num))
		}
		withDescr[num] = fn
	}
}

// Execute runs one operation on constant arguments. Void operations
// return a nil Const. Overflow-checked operations return ErrOverflow along
// with the wrapped result; calls may return *Raised.
func Execute(m Machine, num trace.Opnum, descr trace.Descr, args ...trace.Const) (trace.Const, error) {
	if int(num) >= len(noDescr) {
		return nil, fmt.Errorf("%s: %w", num, ErrNotExecutable)
	}
	if fn := noDescr[num]; fn != nil {
		return fn(m, args)
	}
	if fn := withDescr[num]; fn != nil {
		return fn(m, descr, args)
	}
	return nil, fmt.Errorf("%s: %w", num, ErrNotExecutable)
}

// CanExecute reports whether Execute handles num.
func CanExecute(num trace.Opnum) bool {
	return int(num) < len(noDescr) && (noDescr[num] != nil || withDescr[num] != nil)
}

// ============================================================================
// Argument helpers
// ============================================================================

func intArg(args []trace.Const, i int) int64 {
	switch c := args[i].(type) {
	case trace.ConstInt:
		return c.V
	case trace.ConstPtr:
		if c.V == nil {
			return 0
		}
	}
	panic(fmt.Sprintf("executor: arg %d is %s, want int", i, args[i]))
}

func refArg(args []trace.Const, i int) trace.RefValue {
	if c, ok := args[i].(trace.ConstPtr); ok {
		return c.V
	}
	panic(fmt.Sprintf("executor: arg %d is %s, want ref", i, args[i]))
}

func floatArg(args []trace.Const, i int) float64 {
	if c, ok := args[i].(trace.ConstFloat); ok {
		return c.Float()
	}
	panic(fmt.Sprintf("executor: arg %d is %s, want float", i, args[i]))
}

func mkInt(v int64) (trace.Const, error)     { return trace.ConstInt{V: v}, nil }
func mkBool(b bool) (trace.Const, error)     { return trace.ConstInt{V: boolInt(b)}, nil }
func mkFloat(f float64) (trace.Const, error) { return trace.NewConstFloat(f), nil }
func mkRef(r trace.RefValue, err error) (trace.Const, error) {
	if err != nil {
		return nil, err
	}
	return trace.ConstPtr{V: r}, nil
}

func intBinary(f func(a, b int64) int64) noDescrFunc {
	return func(_ Machine, args []trace.Const) (trace.Const, error) {
		return mkInt(f(intArg(args, 0), intArg(args, 1)))
	}
}

func intCompare(f func(a, b int64) bool) noDescrFunc {
	return func(_ Machine, args []trace.Const) (trace.Const, error) {
		return mkBool(f(intArg(args, 0), intArg(args, 1)))
	}
}

func uintCompare(f func(a, b uint64) bool) noDescrFunc {
	return func(_ Machine, args []trace.Const) (trace.Const, error) {
		return mkBool(f(uint64(intArg(args, 0)), uint64(intArg(args, 1))))
	}
}

func floatBinary(f func(a, b float64) float64) noDescrFunc {
	return func(_ Machine, args []trace.Const) (trace.Const, error) {
		return mkFloat(f(floatArg(args, 0), floatArg(args, 1)))
	}
}

func floatCompare(f func(a, b float64) bool) noDescrFunc {
	return func(_ Machine, args []trace.Const) (trace.Const, error) {
		return mkBool(f(floatArg(args, 0), floatArg(args, 1)))
	}
}

func ovf(f func(a, b int64) (int64, error)) noDescrFunc {
	return func(_ Machine, args []trace.Const) (trace.Const, error) {
		r, err := f(intArg(args, 0), intArg(args, 1))
		return trace.ConstInt{V: r}, err
	}
}

func identity(_ Machine, args []trace.Const) (trace.Const, error) { return args[0], nil }

func nop(Machine, []trace.Const) (trace.Const, error) { return nil, nil }

func escape(k trace.Kind) noDescrFunc {
	return func(_ Machine, args []trace.Const) (trace.Const, error) {
		if k == trace.Void {
			return nil, nil
		}
		for _, a := range args {
			if a.Kind() == k {
				return a, nil
			}
		}
		return trace.ZeroOf(k), nil
	}
}

func refEq(args []trace.Const) bool { return refArg(args, 0) == refArg(args, 1) }

// ============================================================================
// Operations without a descriptor
// ============================================================================

var plainImpls = map[trace.Opnum]noDescrFunc{
	trace.OpIntAdd:      intBinary(func(a, b int64) int64 { return a + b }),
	trace.OpIntSub:      intBinary(func(a, b int64) int64 { return a - b }),
	trace.OpIntMul:      intBinary(func(a, b int64) int64 { return a * b }),
	trace.OpUintMulHigh: intBinary(UintMulHigh),
	trace.OpIntFloordiv: intBinary(FloorDiv),
	trace.OpIntMod:      intBinary(Mod),
	trace.OpIntAnd:      intBinary(func(a, b int64) int64 { return a & b }),
	trace.OpIntOr:       intBinary(func(a, b int64) int64 { return a | b }),
	trace.OpIntXor:      intBinary(func(a, b int64) int64 { return a ^ b }),
	trace.OpIntLshift:   intBinary(Lshift),
	trace.OpIntRshift:   intBinary(Rshift),
	trace.OpUintRshift:  intBinary(UintRshift),
	trace.OpIntSignext:  intBinary(Signext),

	trace.OpFloatAdd:     floatBinary(func(a, b float64) float64 { return a + b }),
	trace.OpFloatSub:     floatBinary(func(a, b float64) float64 { return a - b }),
	trace.OpFloatMul:     floatBinary(func(a, b float64) float64 { return a * b }),
	trace.OpFloatTruediv: floatBinary(func(a, b float64) float64 { return a / b }),
	trace.OpFloatNeg: func(_ Machine, args []trace.Const) (trace.Const, error) {
		return mkFloat(-floatArg(args, 0))
	},
	trace.OpFloatAbs: func(_ Machine, args []trace.Const) (trace.Const, error) {
		return mkFloat(math.Abs(floatArg(args, 0)))
	},

	trace.OpCastFloatToInt: func(_ Machine, args []trace.Const) (trace.Const, error) {
		return mkInt(CastFloatToInt(floatArg(args, 0)))
	},
	trace.OpCastIntToFloat: func(_ Machine, args []trace.Const) (trace.Const, error) {
		return mkFloat(float64(intArg(args, 0)))
	},
	trace.OpConvertFloatBytesToLonglong: func(_ Machine, args []trace.Const) (trace.Const, error) {
		return mkInt(int64(args[0].(trace.ConstFloat).Bits))
	},
	trace.OpConvertLonglongBytesToFloat: func(_ Machine, args []trace.Const) (trace.Const, error) {
		return trace.ConstFloat{Bits: uint64(intArg(args, 0))}, nil
	},
	trace.OpCastPtrToInt: func(m Machine, args []trace.Const) (trace.Const, error) {
		return mkInt(m.BhCastPtrToInt(refArg(args, 0)))
	},
	trace.OpCastIntToPtr: func(m Machine, args []trace.Const) (trace.Const, error) {
		return trace.ConstPtr{V: m.BhCastIntToPtr(intArg(args, 0))}, nil
	},

	trace.OpIntLt:  intCompare(func(a, b int64) bool { return a < b }),
	trace.OpIntLe:  intCompare(func(a, b int64) bool { return a <= b }),
	trace.OpIntEq:  intCompare(func(a, b int64) bool { return a == b }),
	trace.OpIntNe:  intCompare(func(a, b int64) bool { return a != b }),
	trace.OpIntGt:  intCompare(func(a, b int64) bool { return a > b }),
	trace.OpIntGe:  intCompare(func(a, b int64) bool { return a >= b }),
	trace.OpUintLt: uintCompare(func(a, b uint64) bool { return a < b }),
	trace.OpUintLe: uintCompare(func(a, b uint64) bool { return a <= b }),
	trace.OpUintGt: uintCompare(func(a, b uint64) bool { return a > b }),
	trace.OpUintGe: uintCompare(func(a, b uint64) bool { return a >= b }),

	trace.OpFloatLt: floatCompare(func(a, b float64) bool { return a < b }),
	trace.OpFloatLe: floatCompare(func(a, b float64) bool { return a <= b }),
	trace.OpFloatEq: floatCompare(func(a, b float64) bool { return a == b }),
	trace.OpFloatNe: floatCompare(func(a, b float64) bool { return a != b }),
	trace.OpFloatGt: floatCompare(func(a, b float64) bool { return a > b }),
	trace.OpFloatGe: floatCompare(func(a, b float64) bool { return a >= b }),

	trace.OpIntIsZero: func(_ Machine, args []trace.Const) (trace.Const, error) {
		return mkBool(intArg(args, 0) == 0)
	},
	trace.OpIntIsTrue: func(_ Machine, args []trace.Const) (trace.Const, error) {
		return mkBool(intArg(args, 0) != 0)
	},
	trace.OpIntNeg: func(_ Machine, args []trace.Const) (trace.Const, error) {
		return mkInt(-intArg(args, 0))
	},
	trace.OpIntInvert: func(_ Machine, args []trace.Const) (trace.Const, error) {
		return mkInt(^intArg(args, 0))
	},
	trace.OpIntForceGeZero: func(_ Machine, args []trace.Const) (trace.Const, error) {
		return mkInt(ForceGeZero(intArg(args, 0)))
	},

	trace.OpSameAsI: identity,
	trace.OpSameAsR: identity,
	trace.OpSameAsF: identity,

	trace.OpPtrEq:         func(_ Machine, args []trace.Const) (trace.Const, error) { return mkBool(refEq(args)) },
	trace.OpPtrNe:         func(_ Machine, args []trace.Const) (trace.Const, error) { return mkBool(!refEq(args)) },
	trace.OpInstancePtrEq: func(_ Machine, args []trace.Const) (trace.Const, error) { return mkBool(refEq(args)) },
	trace.OpInstancePtrNe: func(_ Machine, args []trace.Const) (trace.Const, error) { return mkBool(!refEq(args)) },

	trace.OpStrlen: func(m Machine, args []trace.Const) (trace.Const, error) {
		return mkInt(m.BhStrlen(refArg(args, 0)))
	},
	trace.OpStrgetitem: func(m Machine, args []trace.Const) (trace.Const, error) {
		return mkInt(m.BhStrgetitem(refArg(args, 0), intArg(args, 1)))
	},
	trace.OpUnicodelen: func(m Machine, args []trace.Const) (trace.Const, error) {
		return mkInt(m.BhUnicodelen(refArg(args, 0)))
	},
	trace.OpUnicodegetitem: func(m Machine, args []trace.Const) (trace.Const, error) {
		return mkInt(m.BhUnicodegetitem(refArg(args, 0), intArg(args, 1)))
	},

	trace.OpNewstr: func(m Machine, args []trace.Const) (trace.Const, error) {
		return mkRef(m.BhNewstr(intArg(args, 0)))
	},
	trace.OpNewunicode: func(m Machine, args []trace.Const) (trace.Const, error) {
		return mkRef(m.BhNewunicode(intArg(args, 0)))
	},
	trace.OpStrsetitem: func(m Machine, args []trace.Const) (trace.Const, error) {
		m.BhStrsetitem(refArg(args, 0), intArg(args, 1), intArg(args, 2))
		return nil, nil
	},
	trace.OpUnicodesetitem: func(m Machine, args []trace.Const) (trace.Const, error) {
		m.BhUnicodesetitem(refArg(args, 0), intArg(args, 1), intArg(args, 2))
		return nil, nil
	},
	trace.OpCopystrcontent: func(m Machine, args []trace.Const) (trace.Const, error) {
		m.BhCopystrcontent(refArg(args, 0), refArg(args, 1), intArg(args, 2), intArg(args, 3), intArg(args, 4))
		return nil, nil
	},
	trace.OpCopyunicodecontent: func(m Machine, args []trace.Const) (trace.Const, error) {
		m.BhCopyunicodecontent(refArg(args, 0), refArg(args, 1), intArg(args, 2), intArg(args, 3), intArg(args, 4))
		return nil, nil
	},

	trace.OpVirtualRefR:           identity,
	trace.OpVirtualRefFinish:      nop,
	trace.OpRecordExactClass:      nop,
	trace.OpDebugMergePoint:       nop,
	trace.OpEnterPortalFrame:      nop,
	trace.OpLeavePortalFrame:      nop,
	trace.OpJitDebug:              nop,
	trace.OpForceSpill:            nop,
	trace.OpKeepalive:             nop,
	trace.OpIncrementDebugCounter: nop,
	trace.OpEscapeI:               escape(trace.Int),
	trace.OpEscapeR:               escape(trace.Ref),
	trace.OpEscapeF:               escape(trace.Float),
	trace.OpEscapeN:               escape(trace.Void),

	trace.OpIntAddOvf: ovf(AddOvf),
	trace.OpIntSubOvf: ovf(SubOvf),
	trace.OpIntMulOvf: ovf(MulOvf),
}

// ============================================================================
// Operations with a descriptor
// ============================================================================

func fieldOf(d trace.Descr) *trace.FieldDescr {
	if f, ok := d.(*trace.FieldDescr); ok {
		return f
	}
	panic(fmt.Sprintf("executor: descr %v is not a field", d))
}

func arrayOf(d trace.Descr) *trace.ArrayDescr {
	if a, ok := d.(*trace.ArrayDescr); ok {
		return a
	}
	panic(fmt.Sprintf("executor: descr %v is not an array", d))
}

func sizeOf(d trace.Descr) *trace.SizeDescr {
	if s, ok := d.(*trace.SizeDescr); ok {
		return s
	}
	panic(fmt.Sprintf("executor: descr %v is not a size descr", d))
}

func callOf(d trace.Descr) *trace.CallDescr {
	if c, ok := d.(*trace.CallDescr); ok {
		return c
	}
	panic(fmt.Sprintf("executor: descr %v is not a call descr", d))
}

func getfieldGc(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
	return m.BhGetfieldGc(refArg(args, 0), fieldOf(d)), nil
}

func getfieldRaw(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
	return m.BhGetfieldRaw(intArg(args, 0), fieldOf(d)), nil
}

func getarrayitemGc(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
	return m.BhGetarrayitemGc(refArg(args, 0), intArg(args, 1), arrayOf(d)), nil
}

func getarrayitemRaw(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
	return m.BhGetarrayitemRaw(intArg(args, 0), intArg(args, 1), arrayOf(d)), nil
}

func getinteriorfieldGc(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
	return m.BhGetinteriorfieldGc(refArg(args, 0), intArg(args, 1), d.(*trace.InteriorFieldDescr)), nil
}

func rawLoad(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
	return m.BhRawLoad(intArg(args, 0), intArg(args, 1), arrayOf(d)), nil
}

func call(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
	return m.BhCall(intArg(args, 0), args[1:], callOf(d))
}

func callReleaseGil(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
	return m.BhCallReleaseGil(intArg(args, 0), intArg(args, 1), args[2:], callOf(d))
}

func callAssembler(k trace.Kind) withDescrFunc {
	return func(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
		tok, ok := d.(*trace.JitCellToken)
		if !ok {
			return nil, fmt.Errorf("call_assembler: descr %v is not a loop token", d)
		}
		return m.BhCallAssembler(tok, args, k)
	}
}

var descrImpls = map[trace.Opnum]withDescrFunc{
	trace.OpArraylenGc: func(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
		return mkInt(m.BhArraylenGc(refArg(args, 0), arrayOf(d)))
	},

	trace.OpGetfieldGcI:         getfieldGc,
	trace.OpGetfieldGcR:         getfieldGc,
	trace.OpGetfieldGcF:         getfieldGc,
	trace.OpGetfieldRawI:        getfieldRaw,
	trace.OpGetfieldRawF:        getfieldRaw,
	trace.OpGetarrayitemGcI:     getarrayitemGc,
	trace.OpGetarrayitemGcR:     getarrayitemGc,
	trace.OpGetarrayitemGcF:     getarrayitemGc,
	trace.OpGetarrayitemRawI:    getarrayitemRaw,
	trace.OpGetarrayitemRawF:    getarrayitemRaw,
	trace.OpGetinteriorfieldGcI: getinteriorfieldGc,
	trace.OpGetinteriorfieldGcR: getinteriorfieldGc,
	trace.OpGetinteriorfieldGcF: getinteriorfieldGc,
	trace.OpRawLoadI:            rawLoad,
	trace.OpRawLoadF:            rawLoad,

	trace.OpNew: func(m Machine, d trace.Descr, _ []trace.Const) (trace.Const, error) {
		return mkRef(m.BhNew(sizeOf(d)))
	},
	trace.OpNewWithVtable: func(m Machine, d trace.Descr, _ []trace.Const) (trace.Const, error) {
		return mkRef(m.BhNewWithVtable(sizeOf(d)))
	},
	trace.OpNewArray: func(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
		return mkRef(m.BhNewArray(arrayOf(d), intArg(args, 0)))
	},
	trace.OpNewArrayClear: func(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
		return mkRef(m.BhNewArray(arrayOf(d), intArg(args, 0)))
	},

	trace.OpSetfieldGc: func(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
		m.BhSetfieldGc(refArg(args, 0), args[1], fieldOf(d))
		return nil, nil
	},
	trace.OpSetfieldRaw: func(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
		m.BhSetfieldRaw(intArg(args, 0), args[1], fieldOf(d))
		return nil, nil
	},
	trace.OpSetarrayitemGc: func(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
		m.BhSetarrayitemGc(refArg(args, 0), intArg(args, 1), args[2], arrayOf(d))
		return nil, nil
	},
	trace.OpSetarrayitemRaw: func(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
		m.BhSetarrayitemRaw(intArg(args, 0), intArg(args, 1), args[2], arrayOf(d))
		return nil, nil
	},
	trace.OpSetinteriorfieldGc: func(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
		m.BhSetinteriorfieldGc(refArg(args, 0), intArg(args, 1), args[2], d.(*trace.InteriorFieldDescr))
		return nil, nil
	},
	trace.OpRawStore: func(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
		m.BhRawStore(intArg(args, 0), intArg(args, 1), args[2], arrayOf(d))
		return nil, nil
	},
	trace.OpZeroArray: func(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
		m.BhZeroArray(refArg(args, 0), intArg(args, 1), intArg(args, 2), arrayOf(d))
		return nil, nil
	},
	trace.OpQuasiimmutField: func(Machine, trace.Descr, []trace.Const) (trace.Const, error) {
		return nil, nil
	},

	trace.OpCallI:              call,
	trace.OpCallR:              call,
	trace.OpCallF:              call,
	trace.OpCallN:              call,
	trace.OpCallPureI:          call,
	trace.OpCallPureR:          call,
	trace.OpCallPureF:          call,
	trace.OpCallPureN:          call,
	trace.OpCallMayForceI:      call,
	trace.OpCallMayForceR:      call,
	trace.OpCallMayForceF:      call,
	trace.OpCallMayForceN:      call,
	trace.OpCallLoopinvariantI: call,
	trace.OpCallLoopinvariantR: call,
	trace.OpCallLoopinvariantF: call,
	trace.OpCallLoopinvariantN: call,
	trace.OpCallReleaseGilI:    callReleaseGil,
	trace.OpCallReleaseGilF:    callReleaseGil,
	trace.OpCallReleaseGilN:    callReleaseGil,
	trace.OpCallAssemblerI:     callAssembler(trace.Int),
	trace.OpCallAssemblerR:     callAssembler(trace.Ref),
	trace.OpCallAssemblerF:     callAssembler(trace.Float),
	trace.OpCallAssemblerN:     callAssembler(trace.Void),
	trace.OpCondCallN: func(m Machine, d trace.Descr, args []trace.Const) (trace.Const, error) {
		if intArg(args, 0) == 0 {
			return nil, nil
		}
		_, err := m.BhCall(intArg(args, 1), args[2:], callOf(d))
		return nil, err
	},
}
