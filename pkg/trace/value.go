// Package trace implements the operation records, value cells and
// descriptors shared by the optimizer, the resume-data engine and the
// back-end.
//
// A trace is a linear list of operations over boxes. Every box has exactly
// one defining operation (or is an input argument); constants are shared
// by value.
package trace

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Kind is the type category of a value cell.
type Kind uint8

const (
	Void Kind = iota
	Int
	Ref
	Float
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "i"
	case Ref:
		return "r"
	case Float:
		return "f"
	}
	return "v"
}

// RefValue is an opaque heap reference. nil is the NULL reference.
type RefValue = any

// Value is an operand: either a *Box or one of the constant types.
type Value interface {
	Kind() Kind
	IsConst() bool
	String() string
}

// Const is a constant operand. Constants compare by value with ==.
type Const interface {
	Value
	isConst()
}

// ============================================================================
// Boxes
// ============================================================================

var boxIDs atomic.Int64

// Box is a dataflow node with identity. Boxes are compared by pointer.
type Box struct {
	id   int64
	kind Kind

	// Name is an optional display name used by the printer and parser.
	Name string
}

// NewBox returns a fresh box of the given kind.
func NewBox(k Kind) *Box {
	return &Box{id: boxIDs.Add(1), kind: k}
}

// NewNamedBox returns a fresh box carrying a display name.
func NewNamedBox(k Kind, name string) *Box {
	b := NewBox(k)
	b.Name = name
	return b
}

func (b *Box) Kind() Kind    { return b.kind }
func (b *Box) IsConst() bool { return false }
func (b *Box) ID() int64     { return b.id }

func (b *Box) String() string {
	if b.Name != "" {
		return b.Name
	}
	prefix := b.kind.String()
	if b.kind == Ref {
		prefix = "p"
	}
	return fmt.Sprintf("%s%d", prefix, b.id)
}

// ============================================================================
// Constants
// ============================================================================

// ConstInt is an integer constant (machine word).
type ConstInt struct{ V int64 }

// ConstFloat is a float constant stored as its IEEE-754 bits, so that two
// NaN constants with the same payload compare equal.
type ConstFloat struct{ Bits uint64 }

// ConstPtr is a reference constant.
type ConstPtr struct{ V RefValue }

func (ConstInt) Kind() Kind       { return Int }
func (ConstInt) IsConst() bool    { return true }
func (ConstInt) isConst()         {}
func (c ConstInt) String() string { return fmt.Sprintf("%d", c.V) }

func (ConstFloat) Kind() Kind    { return Float }
func (ConstFloat) IsConst() bool { return true }
func (ConstFloat) isConst()      {}
func (c ConstFloat) Float() float64 {
	return math.Float64frombits(c.Bits)
}
func (c ConstFloat) String() string {
	f := c.Float()
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%.1f", f)
	}
	return fmt.Sprintf("%v", f)
}

func (ConstPtr) Kind() Kind     { return Ref }
func (ConstPtr) IsConst() bool  { return true }
func (ConstPtr) isConst()       {}
func (c ConstPtr) IsNull() bool { return c.V == nil }
func (c ConstPtr) String() string {
	if c.V == nil {
		return "NULL"
	}
	if l, ok := c.V.(Literal); ok {
		return l.TraceLiteral()
	}
	if s, ok := c.V.(fmt.Stringer); ok {
		return "ConstPtr(" + s.String() + ")"
	}
	return fmt.Sprintf("ConstPtr(%p)", c.V)
}

// Literal is implemented by heap objects that have a textual constant
// form in traces, such as strings.
type Literal interface {
	TraceLiteral() string
}

// NewConstFloat builds a float constant from a float64.
func NewConstFloat(f float64) ConstFloat {
	return ConstFloat{Bits: math.Float64bits(f)}
}

// Common constants.
var (
	Const0    = ConstInt{0}
	Const1    = ConstInt{1}
	ConstNull = ConstPtr{}
)

// ZeroOf returns the default constant for a kind (0, 0.0 or NULL).
func ZeroOf(k Kind) Const {
	switch k {
	case Ref:
		return ConstNull
	case Float:
		return ConstFloat{}
	}
	return Const0
}

// AsInt returns the integer payload of an int constant.
func AsInt(v Value) (int64, bool) {
	c, ok := v.(ConstInt)
	return c.V, ok
}

// AsRef returns the reference payload of a pointer constant.
func AsRef(v Value) (RefValue, bool) {
	c, ok := v.(ConstPtr)
	return c.V, ok
}

// AsFloat returns the float payload of a float constant.
func AsFloat(v Value) (float64, bool) {
	c, ok := v.(ConstFloat)
	return c.Float(), ok
}

// IsBox reports whether v is a *Box.
func IsBox(v Value) bool {
	_, ok := v.(*Box)
	return ok
}
