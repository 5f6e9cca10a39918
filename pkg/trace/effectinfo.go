package trace

// ExtraEffect classifies what a call may do beyond its explicit read and
// write sets. Higher values are strictly less optimizable.
type ExtraEffect uint8

const (
	EffectElidableCannotRaise ExtraEffect = iota
	EffectLoopInvariant
	EffectCannotRaise
	EffectElidableOrMemoryError
	EffectElidableCanRaise
	EffectCanRaise
	EffectForcesVirtualOrVirtualizable
	EffectRandomEffects
)

func (e ExtraEffect) String() string {
	switch e {
	case EffectElidableCannotRaise:
		return "elidable"
	case EffectLoopInvariant:
		return "loopinvariant"
	case EffectCannotRaise:
		return "cannot-raise"
	case EffectElidableOrMemoryError:
		return "elidable-or-memoryerror"
	case EffectElidableCanRaise:
		return "elidable-can-raise"
	case EffectCanRaise:
		return "can-raise"
	case EffectForcesVirtualOrVirtualizable:
		return "forces-virtual"
	case EffectRandomEffects:
		return "random"
	}
	return "unknown"
}

// ParseExtraEffect parses the textual form produced by String.
func ParseExtraEffect(s string) (ExtraEffect, bool) {
	for e := EffectElidableCannotRaise; e <= EffectRandomEffects; e++ {
		if e.String() == s {
			return e, true
		}
	}
	return 0, false
}

// OopSpec names a known intrinsic implemented by a call.
type OopSpec uint8

const (
	OSNone OopSpec = iota
	OSArraycopy
	OSStrConcat
	OSStrSlice
	OSStrEqual
	OSStreqSliceChecknull
	OSStreqSliceNonnull
	OSStreqSliceChar
	OSStreqNonnull
	OSStreqNonnullChar
	OSStreqChecknullChar
	OSStreqLengthok
	OSStrCmp
	OSUniConcat
	OSUniSlice
	OSUniEqual
	OSUnieqSliceChecknull
	OSUnieqSliceNonnull
	OSUnieqSliceChar
	OSUnieqNonnull
	OSUnieqNonnullChar
	OSUnieqChecknullChar
	OSUnieqLengthok
	OSUniCmp
	OSMathSqrt
	OSMathReadTimestamp
	OSRawMallocVarsizeChar
	OSRawFree
	OSJitForceVirtual
	oopSpecCount
)

var oopSpecNames = [oopSpecCount]string{
	OSNone:                 "NONE",
	OSArraycopy:            "ARRAYCOPY",
	OSStrConcat:            "STR_CONCAT",
	OSStrSlice:             "STR_SLICE",
	OSStrEqual:             "STR_EQUAL",
	OSStreqSliceChecknull:  "STREQ_SLICE_CHECKNULL",
	OSStreqSliceNonnull:    "STREQ_SLICE_NONNULL",
	OSStreqSliceChar:       "STREQ_SLICE_CHAR",
	OSStreqNonnull:         "STREQ_NONNULL",
	OSStreqNonnullChar:     "STREQ_NONNULL_CHAR",
	OSStreqChecknullChar:   "STREQ_CHECKNULL_CHAR",
	OSStreqLengthok:        "STREQ_LENGTHOK",
	OSStrCmp:               "STR_CMP",
	OSUniConcat:            "UNI_CONCAT",
	OSUniSlice:             "UNI_SLICE",
	OSUniEqual:             "UNI_EQUAL",
	OSUnieqSliceChecknull:  "UNIEQ_SLICE_CHECKNULL",
	OSUnieqSliceNonnull:    "UNIEQ_SLICE_NONNULL",
	OSUnieqSliceChar:       "UNIEQ_SLICE_CHAR",
	OSUnieqNonnull:         "UNIEQ_NONNULL",
	OSUnieqNonnullChar:     "UNIEQ_NONNULL_CHAR",
	OSUnieqChecknullChar:   "UNIEQ_CHECKNULL_CHAR",
	OSUnieqLengthok:        "UNIEQ_LENGTHOK",
	OSUniCmp:               "UNI_CMP",
	OSMathSqrt:             "MATH_SQRT",
	OSMathReadTimestamp:    "MATH_READ_TIMESTAMP",
	OSRawMallocVarsizeChar: "RAW_MALLOC_VARSIZE_CHAR",
	OSRawFree:              "RAW_FREE",
	OSJitForceVirtual:      "JIT_FORCE_VIRTUAL",
}

func (o OopSpec) String() string {
	if o < oopSpecCount {
		return oopSpecNames[o]
	}
	return "UNKNOWN"
}

// ParseOopSpec resolves an oopspec name.
func ParseOopSpec(s string) (OopSpec, bool) {
	for i, n := range oopSpecNames {
		if n == s {
			return OopSpec(i), true
		}
	}
	return OSNone, false
}

// EffectInfo describes the side effects of a call. Read and write sets are
// small slices searched linearly.
type EffectInfo struct {
	Extra   ExtraEffect
	OopSpec OopSpec

	ReadFields     []*FieldDescr
	WriteFields    []*FieldDescr
	ReadArrays     []*ArrayDescr
	WriteArrays    []*ArrayDescr
	ReadInteriors  []*InteriorFieldDescr
	WriteInteriors []*InteriorFieldDescr

	// CanInvalidate is set for calls that may mutate a quasi-immutable
	// field.
	CanInvalidate bool
}

// RandomEffects is the effect info of a call about which nothing is known.
var RandomEffects = &EffectInfo{Extra: EffectRandomEffects, CanInvalidate: true}

// IsElidable reports whether two calls with equal arguments return equal
// results.
func (e *EffectInfo) IsElidable() bool {
	switch e.Extra {
	case EffectElidableCannotRaise, EffectElidableOrMemoryError, EffectElidableCanRaise:
		return true
	}
	return false
}

// IsLoopInvariant reports whether the call result is constant over a loop.
func (e *EffectInfo) IsLoopInvariant() bool { return e.Extra == EffectLoopInvariant }

// CheckCanRaise reports whether the callee may raise. With ignoreMemoryError
// an elidable-or-memoryerror callee counts as infallible.
func (e *EffectInfo) CheckCanRaise(ignoreMemoryError bool) bool {
	switch e.Extra {
	case EffectElidableCannotRaise, EffectLoopInvariant, EffectCannotRaise:
		return false
	case EffectElidableOrMemoryError:
		return !ignoreMemoryError
	}
	return true
}

// ForcesVirtuals reports whether the callee may force virtuals or
// virtualizables of the caller.
func (e *EffectInfo) ForcesVirtuals() bool { return e.Extra >= EffectForcesVirtualOrVirtualizable }

// HasRandomEffects reports whether the call may touch anything.
func (e *EffectInfo) HasRandomEffects() bool { return e.Extra == EffectRandomEffects }

// CheckReadField reports whether the call may read d.
func (e *EffectInfo) CheckReadField(d *FieldDescr) bool {
	return e.HasRandomEffects() || containsDescr(e.ReadFields, d)
}

// CheckWriteField reports whether the call may write d.
func (e *EffectInfo) CheckWriteField(d *FieldDescr) bool {
	return e.HasRandomEffects() || containsDescr(e.WriteFields, d)
}

// CheckReadArray reports whether the call may read items of arrays of d.
func (e *EffectInfo) CheckReadArray(d *ArrayDescr) bool {
	return e.HasRandomEffects() || containsDescr(e.ReadArrays, d)
}

// CheckWriteArray reports whether the call may write items of arrays of d.
func (e *EffectInfo) CheckWriteArray(d *ArrayDescr) bool {
	return e.HasRandomEffects() || containsDescr(e.WriteArrays, d)
}

// CheckWriteInterior reports whether the call may write the interior field.
func (e *EffectInfo) CheckWriteInterior(d *InteriorFieldDescr) bool {
	return e.HasRandomEffects() || containsDescr(e.WriteInteriors, d) ||
		containsDescr(e.WriteArrays, d.Array)
}

// WritesNothing reports whether the call has an empty write set.
func (e *EffectInfo) WritesNothing() bool {
	return !e.HasRandomEffects() && len(e.WriteFields) == 0 &&
		len(e.WriteArrays) == 0 && len(e.WriteInteriors) == 0
}

func containsDescr[T comparable](list []T, d T) bool {
	for _, x := range list {
		if x == d {
			return true
		}
	}
	return false
}
