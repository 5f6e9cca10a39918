package trace

import "fmt"

// Opnum identifies a trace operation.
// Opnums are organized into contiguous ranges by family so that the
// classification helpers below are simple range checks.
type Opnum uint16

const (
	OpInvalid Opnum = iota

	// ========================================================================
	// Final operations
	// ========================================================================

	OpJump   // jump(args..., descr=target)
	OpFinish // finish(args..., descr=fail)

	// ========================================================================
	// Control
	// ========================================================================

	OpLabel // label(args..., descr=target)

	// ========================================================================
	// Guards (foldable first)
	// ========================================================================

	OpGuardTrue
	OpGuardFalse
	OpGuardValue
	OpGuardClass
	OpGuardNonnull
	OpGuardIsnull
	OpGuardNonnullClass
	OpGuardNoException
	OpGuardException
	OpGuardNoOverflow
	OpGuardOverflow
	OpGuardNotForced
	OpGuardNotForced2
	OpGuardNotInvalidated

	// ========================================================================
	// Always pure
	// ========================================================================

	OpIntAdd
	OpIntSub
	OpIntMul
	OpUintMulHigh
	OpIntFloordiv
	OpIntMod
	OpIntAnd
	OpIntOr
	OpIntXor
	OpIntLshift
	OpIntRshift
	OpUintRshift
	OpIntSignext

	OpFloatAdd
	OpFloatSub
	OpFloatMul
	OpFloatTruediv
	OpFloatNeg
	OpFloatAbs

	OpCastFloatToInt
	OpCastIntToFloat
	OpConvertFloatBytesToLonglong
	OpConvertLonglongBytesToFloat
	OpCastPtrToInt
	OpCastIntToPtr

	OpIntLt
	OpIntLe
	OpIntEq
	OpIntNe
	OpIntGt
	OpIntGe
	OpUintLt
	OpUintLe
	OpUintGt
	OpUintGe
	OpFloatLt
	OpFloatLe
	OpFloatEq
	OpFloatNe
	OpFloatGt
	OpFloatGe

	OpIntIsZero
	OpIntIsTrue
	OpIntNeg
	OpIntInvert
	OpIntForceGeZero

	OpSameAsI
	OpSameAsR
	OpSameAsF

	OpPtrEq
	OpPtrNe
	OpInstancePtrEq
	OpInstancePtrNe

	OpArraylenGc
	OpStrlen
	OpStrgetitem
	OpUnicodelen
	OpUnicodegetitem

	OpCallPureI
	OpCallPureR
	OpCallPureF
	OpCallPureN

	// ========================================================================
	// No side effect (removable when unused)
	// ========================================================================

	OpGetfieldGcI
	OpGetfieldGcR
	OpGetfieldGcF
	OpGetfieldRawI
	OpGetfieldRawF
	OpGetarrayitemGcI
	OpGetarrayitemGcR
	OpGetarrayitemGcF
	OpGetarrayitemRawI
	OpGetarrayitemRawF
	OpGetinteriorfieldGcI
	OpGetinteriorfieldGcR
	OpGetinteriorfieldGcF
	OpRawLoadI
	OpRawLoadF

	OpNew
	OpNewWithVtable
	OpNewArray
	OpNewArrayClear
	OpNewstr
	OpNewunicode

	OpForceToken
	OpVirtualRefR

	// ========================================================================
	// Side effects
	// ========================================================================

	OpSetfieldGc
	OpSetfieldRaw
	OpSetarrayitemGc
	OpSetarrayitemRaw
	OpSetinteriorfieldGc
	OpRawStore
	OpStrsetitem
	OpUnicodesetitem
	OpCopystrcontent
	OpCopyunicodecontent
	OpZeroArray
	OpQuasiimmutField
	OpVirtualRefFinish
	OpRecordExactClass
	OpDebugMergePoint
	OpEnterPortalFrame
	OpLeavePortalFrame
	OpJitDebug
	OpEscapeI
	OpEscapeR
	OpEscapeF
	OpEscapeN
	OpForceSpill
	OpKeepalive
	OpIncrementDebugCounter

	// ========================================================================
	// Calls (may raise)
	// ========================================================================

	OpCallI
	OpCallR
	OpCallF
	OpCallN
	OpCondCallN
	OpCallAssemblerI
	OpCallAssemblerR
	OpCallAssemblerF
	OpCallAssemblerN
	OpCallMayForceI
	OpCallMayForceR
	OpCallMayForceF
	OpCallMayForceN
	OpCallLoopinvariantI
	OpCallLoopinvariantR
	OpCallLoopinvariantF
	OpCallLoopinvariantN
	OpCallReleaseGilI
	OpCallReleaseGilF
	OpCallReleaseGilN

	// ========================================================================
	// Overflow-checked arithmetic
	// ========================================================================

	OpIntAddOvf
	OpIntSubOvf
	OpIntMulOvf

	opCount
)

// OpInfo provides metadata about each operation.
type OpInfo struct {
	Name     string // textual name used by the printer and parser
	Arity    int    // number of arguments (-1 = variable)
	HasDescr bool   // operation carries a descriptor
	Pure     bool   // no side effect and no exception
	Result   Kind   // kind of the result box (Void = none)
}

// opInfoTable maps opnums to their metadata.
var opInfoTable = [opCount]OpInfo{
	OpInvalid: {"invalid", 0, false, false, Void},

	// Final and control
	OpJump:   {"jump", -1, true, false, Void},
	OpFinish: {"finish", -1, true, false, Void},
	OpLabel:  {"label", -1, true, false, Void},

	// Guards
	OpGuardTrue:           {"guard_true", 1, true, false, Void},
	OpGuardFalse:          {"guard_false", 1, true, false, Void},
	OpGuardValue:          {"guard_value", 2, true, false, Void},
	OpGuardClass:          {"guard_class", 2, true, false, Void},
	OpGuardNonnull:        {"guard_nonnull", 1, true, false, Void},
	OpGuardIsnull:         {"guard_isnull", 1, true, false, Void},
	OpGuardNonnullClass:   {"guard_nonnull_class", 2, true, false, Void},
	OpGuardNoException:    {"guard_no_exception", 0, true, false, Void},
	OpGuardException:      {"guard_exception", 1, true, false, Ref},
	OpGuardNoOverflow:     {"guard_no_overflow", 0, true, false, Void},
	OpGuardOverflow:       {"guard_overflow", 0, true, false, Void},
	OpGuardNotForced:      {"guard_not_forced", 0, true, false, Void},
	OpGuardNotForced2:     {"guard_not_forced_2", 0, true, false, Void},
	OpGuardNotInvalidated: {"guard_not_invalidated", 0, true, false, Void},

	// Integer arithmetic
	OpIntAdd:      {"int_add", 2, false, true, Int},
	OpIntSub:      {"int_sub", 2, false, true, Int},
	OpIntMul:      {"int_mul", 2, false, true, Int},
	OpUintMulHigh: {"uint_mul_high", 2, false, true, Int},
	OpIntFloordiv: {"int_floordiv", 2, false, true, Int},
	OpIntMod:      {"int_mod", 2, false, true, Int},
	OpIntAnd:      {"int_and", 2, false, true, Int},
	OpIntOr:       {"int_or", 2, false, true, Int},
	OpIntXor:      {"int_xor", 2, false, true, Int},
	OpIntLshift:   {"int_lshift", 2, false, true, Int},
	OpIntRshift:   {"int_rshift", 2, false, true, Int},
	OpUintRshift:  {"uint_rshift", 2, false, true, Int},
	OpIntSignext:  {"int_signext", 2, false, true, Int},

	// Float arithmetic
	OpFloatAdd:     {"float_add", 2, false, true, Float},
	OpFloatSub:     {"float_sub", 2, false, true, Float},
	OpFloatMul:     {"float_mul", 2, false, true, Float},
	OpFloatTruediv: {"float_truediv", 2, false, true, Float},
	OpFloatNeg:     {"float_neg", 1, false, true, Float},
	OpFloatAbs:     {"float_abs", 1, false, true, Float},

	// Conversions
	OpCastFloatToInt:              {"cast_float_to_int", 1, false, true, Int},
	OpCastIntToFloat:              {"cast_int_to_float", 1, false, true, Float},
	OpConvertFloatBytesToLonglong: {"convert_float_bytes_to_longlong", 1, false, true, Int},
	OpConvertLonglongBytesToFloat: {"convert_longlong_bytes_to_float", 1, false, true, Float},
	OpCastPtrToInt:                {"cast_ptr_to_int", 1, false, true, Int},
	OpCastIntToPtr:                {"cast_int_to_ptr", 1, false, true, Ref},

	// Comparisons
	OpIntLt:   {"int_lt", 2, false, true, Int},
	OpIntLe:   {"int_le", 2, false, true, Int},
	OpIntEq:   {"int_eq", 2, false, true, Int},
	OpIntNe:   {"int_ne", 2, false, true, Int},
	OpIntGt:   {"int_gt", 2, false, true, Int},
	OpIntGe:   {"int_ge", 2, false, true, Int},
	OpUintLt:  {"uint_lt", 2, false, true, Int},
	OpUintLe:  {"uint_le", 2, false, true, Int},
	OpUintGt:  {"uint_gt", 2, false, true, Int},
	OpUintGe:  {"uint_ge", 2, false, true, Int},
	OpFloatLt: {"float_lt", 2, false, true, Int},
	OpFloatLe: {"float_le", 2, false, true, Int},
	OpFloatEq: {"float_eq", 2, false, true, Int},
	OpFloatNe: {"float_ne", 2, false, true, Int},
	OpFloatGt: {"float_gt", 2, false, true, Int},
	OpFloatGe: {"float_ge", 2, false, true, Int},

	// Unary integer
	OpIntIsZero:      {"int_is_zero", 1, false, true, Int},
	OpIntIsTrue:      {"int_is_true", 1, false, true, Int},
	OpIntNeg:         {"int_neg", 1, false, true, Int},
	OpIntInvert:      {"int_invert", 1, false, true, Int},
	OpIntForceGeZero: {"int_force_ge_zero", 1, false, true, Int},

	OpSameAsI: {"same_as_i", 1, false, true, Int},
	OpSameAsR: {"same_as_r", 1, false, true, Ref},
	OpSameAsF: {"same_as_f", 1, false, true, Float},

	// Pointer comparisons
	OpPtrEq:         {"ptr_eq", 2, false, true, Int},
	OpPtrNe:         {"ptr_ne", 2, false, true, Int},
	OpInstancePtrEq: {"instance_ptr_eq", 2, false, true, Int},
	OpInstancePtrNe: {"instance_ptr_ne", 2, false, true, Int},

	// Lengths and string items
	OpArraylenGc:     {"arraylen_gc", 1, true, true, Int},
	OpStrlen:         {"strlen", 1, false, true, Int},
	OpStrgetitem:     {"strgetitem", 2, false, true, Int},
	OpUnicodelen:     {"unicodelen", 1, false, true, Int},
	OpUnicodegetitem: {"unicodegetitem", 2, false, true, Int},

	// Pure call mirrors
	OpCallPureI: {"call_pure_i", -1, true, true, Int},
	OpCallPureR: {"call_pure_r", -1, true, true, Ref},
	OpCallPureF: {"call_pure_f", -1, true, true, Float},
	OpCallPureN: {"call_pure_n", -1, true, true, Void},

	// Loads
	OpGetfieldGcI:         {"getfield_gc_i", 1, true, false, Int},
	OpGetfieldGcR:         {"getfield_gc_r", 1, true, false, Ref},
	OpGetfieldGcF:         {"getfield_gc_f", 1, true, false, Float},
	OpGetfieldRawI:        {"getfield_raw_i", 1, true, false, Int},
	OpGetfieldRawF:        {"getfield_raw_f", 1, true, false, Float},
	OpGetarrayitemGcI:     {"getarrayitem_gc_i", 2, true, false, Int},
	OpGetarrayitemGcR:     {"getarrayitem_gc_r", 2, true, false, Ref},
	OpGetarrayitemGcF:     {"getarrayitem_gc_f", 2, true, false, Float},
	OpGetarrayitemRawI:    {"getarrayitem_raw_i", 2, true, false, Int},
	OpGetarrayitemRawF:    {"getarrayitem_raw_f", 2, true, false, Float},
	OpGetinteriorfieldGcI: {"getinteriorfield_gc_i", 2, true, false, Int},
	OpGetinteriorfieldGcR: {"getinteriorfield_gc_r", 2, true, false, Ref},
	OpGetinteriorfieldGcF: {"getinteriorfield_gc_f", 2, true, false, Float},
	OpRawLoadI:            {"raw_load_i", 2, true, false, Int},
	OpRawLoadF:            {"raw_load_f", 2, true, false, Float},

	// Allocation
	OpNew:           {"new", 0, true, false, Ref},
	OpNewWithVtable: {"new_with_vtable", 0, true, false, Ref},
	OpNewArray:      {"new_array", 1, true, false, Ref},
	OpNewArrayClear: {"new_array_clear", 1, true, false, Ref},
	OpNewstr:        {"newstr", 1, false, false, Ref},
	OpNewunicode:    {"newunicode", 1, false, false, Ref},
	OpForceToken:    {"force_token", 0, false, false, Ref},
	OpVirtualRefR:   {"virtual_ref_r", 2, false, false, Ref},

	// Stores
	OpSetfieldGc:         {"setfield_gc", 2, true, false, Void},
	OpSetfieldRaw:        {"setfield_raw", 2, true, false, Void},
	OpSetarrayitemGc:     {"setarrayitem_gc", 3, true, false, Void},
	OpSetarrayitemRaw:    {"setarrayitem_raw", 3, true, false, Void},
	OpSetinteriorfieldGc: {"setinteriorfield_gc", 3, true, false, Void},
	OpRawStore:           {"raw_store", 3, true, false, Void},
	OpStrsetitem:         {"strsetitem", 3, false, false, Void},
	OpUnicodesetitem:     {"unicodesetitem", 3, false, false, Void},
	OpCopystrcontent:     {"copystrcontent", 5, false, false, Void},
	OpCopyunicodecontent: {"copyunicodecontent", 5, false, false, Void},
	OpZeroArray:          {"zero_array", 3, true, false, Void},

	// Hints and debugging
	OpQuasiimmutField:       {"quasiimmut_field", 1, true, false, Void},
	OpVirtualRefFinish:      {"virtual_ref_finish", 2, false, false, Void},
	OpRecordExactClass:      {"record_exact_class", 2, false, false, Void},
	OpDebugMergePoint:       {"debug_merge_point", -1, false, false, Void},
	OpEnterPortalFrame:      {"enter_portal_frame", 2, false, false, Void},
	OpLeavePortalFrame:      {"leave_portal_frame", 1, false, false, Void},
	OpJitDebug:              {"jit_debug", -1, false, false, Void},
	OpEscapeI:               {"escape_i", -1, false, false, Int},
	OpEscapeR:               {"escape_r", -1, false, false, Ref},
	OpEscapeF:               {"escape_f", -1, false, false, Float},
	OpEscapeN:               {"escape_n", -1, false, false, Void},
	OpForceSpill:            {"force_spill", 1, false, false, Void},
	OpKeepalive:             {"keepalive", 1, false, false, Void},
	OpIncrementDebugCounter: {"increment_debug_counter", 1, false, false, Void},

	// Calls
	OpCallI:              {"call_i", -1, true, false, Int},
	OpCallR:              {"call_r", -1, true, false, Ref},
	OpCallF:              {"call_f", -1, true, false, Float},
	OpCallN:              {"call_n", -1, true, false, Void},
	OpCondCallN:          {"cond_call_n", -1, true, false, Void},
	OpCallAssemblerI:     {"call_assembler_i", -1, true, false, Int},
	OpCallAssemblerR:     {"call_assembler_r", -1, true, false, Ref},
	OpCallAssemblerF:     {"call_assembler_f", -1, true, false, Float},
	OpCallAssemblerN:     {"call_assembler_n", -1, true, false, Void},
	OpCallMayForceI:      {"call_may_force_i", -1, true, false, Int},
	OpCallMayForceR:      {"call_may_force_r", -1, true, false, Ref},
	OpCallMayForceF:      {"call_may_force_f", -1, true, false, Float},
	OpCallMayForceN:      {"call_may_force_n", -1, true, false, Void},
	OpCallLoopinvariantI: {"call_loopinvariant_i", -1, true, false, Int},
	OpCallLoopinvariantR: {"call_loopinvariant_r", -1, true, false, Ref},
	OpCallLoopinvariantF: {"call_loopinvariant_f", -1, true, false, Float},
	OpCallLoopinvariantN: {"call_loopinvariant_n", -1, true, false, Void},
	OpCallReleaseGilI:    {"call_release_gil_i", -1, true, false, Int},
	OpCallReleaseGilF:    {"call_release_gil_f", -1, true, false, Float},
	OpCallReleaseGilN:    {"call_release_gil_n", -1, true, false, Void},

	// Overflow-checked
	OpIntAddOvf: {"int_add_ovf", 2, false, false, Int},
	OpIntSubOvf: {"int_sub_ovf", 2, false, false, Int},
	OpIntMulOvf: {"int_mul_ovf", 2, false, false, Int},
}

var opByName = func() map[string]Opnum {
	m := make(map[string]Opnum, opCount)
	for i := Opnum(1); i < opCount; i++ {
		m[opInfoTable[i].Name] = i
	}
	return m
}()

// GetOpInfo returns metadata for an opnum.
func GetOpInfo(n Opnum) OpInfo {
	if n < opCount {
		return opInfoTable[n]
	}
	return OpInfo{Name: fmt.Sprintf("unknown(%d)", uint16(n)), Arity: -1}
}

// OpnumByName looks up an opnum by its textual name.
func OpnumByName(name string) (Opnum, bool) {
	n, ok := opByName[name]
	return n, ok
}

// String returns the textual name of an opnum.
func (n Opnum) String() string { return GetOpInfo(n).Name }

// Arity returns the argument count, or -1 for varargs operations.
func (n Opnum) Arity() int { return GetOpInfo(n).Arity }

// HasDescr reports whether the operation carries a descriptor.
func (n Opnum) HasDescr() bool { return GetOpInfo(n).HasDescr }

// ResultKind returns the kind of the result box.
func (n Opnum) ResultKind() Kind { return GetOpInfo(n).Result }

// IsAlwaysPure reports whether the operation has no side effect and cannot
// raise.
func (n Opnum) IsAlwaysPure() bool { return GetOpInfo(n).Pure }

// IsFinal returns true for JUMP and FINISH.
func (n Opnum) IsFinal() bool { return n >= OpJump && n <= OpFinish }

// IsGuard returns true for every guard operation.
func (n Opnum) IsGuard() bool { return n >= OpGuardTrue && n <= OpGuardNotInvalidated }

// IsFoldableGuard returns true for guards that check a value directly.
func (n Opnum) IsFoldableGuard() bool { return n >= OpGuardTrue && n <= OpGuardNonnullClass }

// HasNoSideEffect returns true for operations that may be removed if
// their result is unused.
func (n Opnum) HasNoSideEffect() bool { return n >= OpIntAdd && n <= OpVirtualRefR }

// IsMalloc returns true for allocation operations.
func (n Opnum) IsMalloc() bool { return n >= OpNew && n <= OpNewunicode }

// IsCall returns true for every call flavour, including pure mirrors.
func (n Opnum) IsCall() bool {
	return (n >= OpCallI && n <= OpCallReleaseGilN) || n.IsCallPure()
}

// IsCallPure returns true for the CALL_PURE mirrors.
func (n Opnum) IsCallPure() bool { return n >= OpCallPureI && n <= OpCallPureN }

// IsCallAssembler returns true for CALL_ASSEMBLER_*.
func (n Opnum) IsCallAssembler() bool { return n >= OpCallAssemblerI && n <= OpCallAssemblerN }

// IsCallMayForce returns true for CALL_MAY_FORCE_*.
func (n Opnum) IsCallMayForce() bool { return n >= OpCallMayForceI && n <= OpCallMayForceN }

// IsCallLoopinvariant returns true for CALL_LOOPINVARIANT_*.
func (n Opnum) IsCallLoopinvariant() bool {
	return n >= OpCallLoopinvariantI && n <= OpCallLoopinvariantN
}

// IsCallReleaseGil returns true for CALL_RELEASE_GIL_*.
func (n Opnum) IsCallReleaseGil() bool { return n >= OpCallReleaseGilI && n <= OpCallReleaseGilN }

// IsPlainCall returns true for CALL_I/R/F/N.
func (n Opnum) IsPlainCall() bool { return n >= OpCallI && n <= OpCallN }

// IsOvf returns true for overflow-checked arithmetic.
func (n Opnum) IsOvf() bool { return n >= OpIntAddOvf && n <= OpIntMulOvf }

// CanRaise returns true for operations that may leave an exception or
// overflow flag to be checked by the following guard.
func (n Opnum) CanRaise() bool { return n >= OpCallI && n <= OpIntMulOvf }

// IsComparison returns true for int, uint and float comparisons.
func (n Opnum) IsComparison() bool { return n >= OpIntLt && n <= OpFloatGe }

// IsSameAs returns true for SAME_AS_*.
func (n Opnum) IsSameAs() bool { return n >= OpSameAsI && n <= OpSameAsF }

// IsGetfieldGc returns true for GETFIELD_GC_*.
func (n Opnum) IsGetfieldGc() bool { return n >= OpGetfieldGcI && n <= OpGetfieldGcF }

// IsGetarrayitemGc returns true for GETARRAYITEM_GC_*.
func (n Opnum) IsGetarrayitemGc() bool { return n >= OpGetarrayitemGcI && n <= OpGetarrayitemGcF }

// IsGetinteriorfieldGc returns true for GETINTERIORFIELD_GC_*.
func (n Opnum) IsGetinteriorfieldGc() bool {
	return n >= OpGetinteriorfieldGcI && n <= OpGetinteriorfieldGcF
}

// IsEscape returns true for ESCAPE_*.
func (n Opnum) IsEscape() bool { return n >= OpEscapeI && n <= OpEscapeN }

// IsDebug returns true for operations that only carry debug information.
func (n Opnum) IsDebug() bool {
	return n == OpDebugMergePoint || n == OpJitDebug || n == OpEnterPortalFrame ||
		n == OpLeavePortalFrame || n == OpIncrementDebugCounter
}

// IsCommutative returns true for binary operations whose arguments may be
// swapped.
func (n Opnum) IsCommutative() bool {
	switch n {
	case OpIntAdd, OpIntMul, OpIntAnd, OpIntOr, OpIntXor, OpIntEq, OpIntNe,
		OpUintMulHigh, OpFloatAdd, OpFloatMul, OpFloatEq, OpFloatNe,
		OpPtrEq, OpPtrNe, OpInstancePtrEq, OpInstancePtrNe, OpIntAddOvf, OpIntMulOvf:
		return true
	}
	return false
}

// AllOpnums returns every defined opnum in enum order.
func AllOpnums() []Opnum {
	ops := make([]Opnum, 0, opCount-1)
	for i := Opnum(1); i < opCount; i++ {
		ops = append(ops, i)
	}
	return ops
}

// OpnumCount returns the size of the opnum space (for table sizing).
func OpnumCount() int { return int(opCount) }

// ============================================================================
// Per-kind families
// ============================================================================

// family tables are indexed by Kind: Void, Int, Ref, Float.
var (
	callOps          = [4]Opnum{OpCallN, OpCallI, OpCallR, OpCallF}
	callPureOps      = [4]Opnum{OpCallPureN, OpCallPureI, OpCallPureR, OpCallPureF}
	callMayForceOps  = [4]Opnum{OpCallMayForceN, OpCallMayForceI, OpCallMayForceR, OpCallMayForceF}
	callAssemblerOps = [4]Opnum{OpCallAssemblerN, OpCallAssemblerI, OpCallAssemblerR, OpCallAssemblerF}
	callLoopinvOps   = [4]Opnum{OpCallLoopinvariantN, OpCallLoopinvariantI, OpCallLoopinvariantR, OpCallLoopinvariantF}
	callReleaseOps   = [4]Opnum{OpCallReleaseGilN, OpCallReleaseGilI, OpInvalid, OpCallReleaseGilF}
	sameAsOps        = [4]Opnum{OpInvalid, OpSameAsI, OpSameAsR, OpSameAsF}
	escapeOps        = [4]Opnum{OpEscapeN, OpEscapeI, OpEscapeR, OpEscapeF}
	getfieldGcOps    = [4]Opnum{OpInvalid, OpGetfieldGcI, OpGetfieldGcR, OpGetfieldGcF}
	getfieldRawOps   = [4]Opnum{OpInvalid, OpGetfieldRawI, OpInvalid, OpGetfieldRawF}
	getarrayGcOps    = [4]Opnum{OpInvalid, OpGetarrayitemGcI, OpGetarrayitemGcR, OpGetarrayitemGcF}
	getarrayRawOps   = [4]Opnum{OpInvalid, OpGetarrayitemRawI, OpInvalid, OpGetarrayitemRawF}
	getinteriorOps   = [4]Opnum{OpInvalid, OpGetinteriorfieldGcI, OpGetinteriorfieldGcR, OpGetinteriorfieldGcF}
	rawLoadOps       = [4]Opnum{OpInvalid, OpRawLoadI, OpInvalid, OpRawLoadF}
)

func CallFor(k Kind) Opnum               { return callOps[k] }
func CallPureFor(k Kind) Opnum           { return callPureOps[k] }
func CallMayForceFor(k Kind) Opnum       { return callMayForceOps[k] }
func CallAssemblerFor(k Kind) Opnum      { return callAssemblerOps[k] }
func CallLoopinvariantFor(k Kind) Opnum  { return callLoopinvOps[k] }
func CallReleaseGilFor(k Kind) Opnum     { return callReleaseOps[k] }
func SameAsFor(k Kind) Opnum             { return sameAsOps[k] }
func EscapeFor(k Kind) Opnum             { return escapeOps[k] }
func GetfieldGcFor(k Kind) Opnum         { return getfieldGcOps[k] }
func GetfieldRawFor(k Kind) Opnum        { return getfieldRawOps[k] }
func GetarrayitemGcFor(k Kind) Opnum     { return getarrayGcOps[k] }
func GetarrayitemRawFor(k Kind) Opnum    { return getarrayRawOps[k] }
func GetinteriorfieldGcFor(k Kind) Opnum { return getinteriorOps[k] }
func RawLoadFor(k Kind) Opnum            { return rawLoadOps[k] }

// PlainCallOf maps any call flavour to the CALL_* of the same result kind.
func PlainCallOf(n Opnum) Opnum { return callOps[n.ResultKind()] }

// CallPureOf maps a call to its CALL_PURE_* mirror.
func CallPureOf(n Opnum) Opnum { return callPureOps[n.ResultKind()] }
