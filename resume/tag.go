// Package resume encodes, for every guard of an optimized trace, what is
// needed to rebuild the interpreter state when the guard fails, and
// decodes it again either straight into values (blackhole mode) or into
// fresh boxes plus allocation operations (re-tracing mode).
//
// A resume blob is a linked list of Numbering segments, one per snapshot
// frame, holding 16-bit tagged numbers. The two low bits select the
// meaning of the remaining signed 14-bit payload:
//
//	TagConst    index into the constant pool (or a reserved sentinel)
//	TagInt      a small integer stored inline
//	TagBox      index into the guard's fail-args vector; negative
//	            indices count from the end of the vector
//	TagVirtual  index into the blob's virtual infos; negative indices
//	            count from the end
package resume

import (
	"errors"
	"fmt"
)

// Tags of a Num.
const (
	TagConst   = 0
	TagInt     = 1
	TagBox     = 2
	TagVirtual = 3

	tagBits = 2
	tagMask = 1<<tagBits - 1

	payloadMin = -(1 << 13)
	payloadMax = 1<<13 - 1
)

// Num is a tagged small integer.
type Num int16

// ErrTagOverflow is returned when a payload does not fit in 14 bits.
var ErrTagOverflow = errors.New("resume: tagged value overflow")

// Tag packs value and tag into a Num.
func Tag(value int, tag int) (Num, error) {
	if value < payloadMin || value > payloadMax {
		return 0, fmt.Errorf("%w: %d", ErrTagOverflow, value)
	}
	return Num(int16(value<<tagBits | tag)), nil
}

func mustTag(value int, tag int) Num {
	n, err := Tag(value, tag)
	if err != nil {
		panic(err)
	}
	return n
}

// Untag splits a Num into its payload and tag.
func Untag(n Num) (value int, tag int) {
	return int(n) >> tagBits, int(n) & tagMask
}

// Reserved numbers.
var (
	// NullRef encodes the NULL reference.
	NullRef = mustTag(-1, TagConst)
	// Uninitialized marks a virtual field that keeps its default.
	Uninitialized = mustTag(-2, TagConst)
	// Unassigned and UnassignedVirtual never appear in a finished blob;
	// they mark slots whose number is not known yet.
	Unassigned        = mustTag(payloadMin, TagBox)
	UnassignedVirtual = mustTag(payloadMin, TagVirtual)
)

// fitsInline reports whether v can be stored as a TagInt payload.
func fitsInline(v int64) bool { return v >= payloadMin && v <= payloadMax }

func (n Num) String() string {
	v, t := Untag(n)
	switch {
	case n == NullRef:
		return "NULL"
	case n == Uninitialized:
		return "uninit"
	}
	switch t {
	case TagConst:
		return fmt.Sprintf("c%d", v)
	case TagInt:
		return fmt.Sprintf("#%d", v)
	case TagBox:
		return fmt.Sprintf("b%d", v)
	}
	return fmt.Sprintf("v%d", v)
}
