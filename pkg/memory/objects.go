// Package memory is the runtime object model executed by the interpreting
// back-end: GC structs, arrays, arrays of structs, byte and unicode
// strings, and a raw-memory arena addressed by integers.
package memory

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/rjit/pkg/trace"
)

// Struct is a fixed-size GC object. Fields are indexed by FieldDescr.Index.
type Struct struct {
	Descr  *trace.SizeDescr
	Fields []trace.Const
}

func newStruct(d *trace.SizeDescr) *Struct {
	s := &Struct{Descr: d, Fields: make([]trace.Const, len(d.Fields))}
	for i, f := range d.Fields {
		s.Fields[i] = trace.ZeroOf(f.Type)
	}
	return s
}

// Class returns the vtable address of the object, or 0 for plain structs.
func (s *Struct) Class() int64 {
	if s.Descr.Vtable == nil {
		return 0
	}
	return s.Descr.Vtable.Addr
}

// String shows the fields of s. Referenced structs are shown by name and
// address only, so cyclic objects print.
func (s *Struct) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Descr.Fields {
		v := s.Fields[i].String()
		if c, ok := s.Fields[i].(trace.ConstPtr); ok {
			if t, ok := c.V.(*Struct); ok {
				v = t.ref()
			}
		}
		parts[i] = f.Name + "=" + v
	}
	return s.Descr.Name + "{" + strings.Join(parts, " ") + "}"
}

func (s *Struct) ref() string { return fmt.Sprintf("%s@%p", s.Descr.Name, s) }

// Array is a GC array. Primitive and pointer items live in Items; items of
// an array of structs live in Structs.
type Array struct {
	Descr   *trace.ArrayDescr
	Items   []trace.Const
	Structs [][]trace.Const
}

func newArray(d *trace.ArrayDescr, n int) *Array {
	a := &Array{Descr: d}
	if d.IsArrayOfStructs() {
		a.Structs = make([][]trace.Const, n)
		for i := range a.Structs {
			item := make([]trace.Const, len(d.Struct.Fields))
			for j, f := range d.Struct.Fields {
				item[j] = trace.ZeroOf(f.Type)
			}
			a.Structs[i] = item
		}
		return a
	}
	a.Items = make([]trace.Const, n)
	zero := trace.ZeroOf(d.ItemType)
	for i := range a.Items {
		a.Items[i] = zero
	}
	return a
}

// Len returns the number of items.
func (a *Array) Len() int {
	if a.Descr.IsArrayOfStructs() {
		return len(a.Structs)
	}
	return len(a.Items)
}

func (a *Array) String() string {
	return fmt.Sprintf("%s[%d]", a.Descr.Name, a.Len())
}

// Str is a byte string.
type Str struct {
	Chars []byte
}

// NewStr returns a string object holding s.
func NewStr(s string) *Str { return &Str{Chars: []byte(s)} }

func (s *Str) String() string { return string(s.Chars) }

// TraceLiteral renders the string the way the trace parser reads it.
func (s *Str) TraceLiteral() string { return "s" + strconv.Quote(string(s.Chars)) }

// Unicode is a string of code points.
type Unicode struct {
	Chars []rune
}

// NewUnicode returns a unicode object holding s.
func NewUnicode(s string) *Unicode { return &Unicode{Chars: []rune(s)} }

func (u *Unicode) String() string { return string(u.Chars) }

// TraceLiteral renders the string the way the trace parser reads it.
func (u *Unicode) TraceLiteral() string { return "u" + strconv.Quote(string(u.Chars)) }

// StrOf returns the contents of a string constant.
func StrOf(v trace.Value) (string, bool) {
	c, ok := v.(trace.ConstPtr)
	if !ok {
		return "", false
	}
	switch s := c.V.(type) {
	case *Str:
		return string(s.Chars), true
	case *Unicode:
		return string(s.Chars), true
	}
	return "", false
}

// sizeOf approximates the heap footprint of an allocation, for the heap
// limit.
func sizeOf(v any) int64 {
	switch o := v.(type) {
	case *Struct:
		return int64(o.Descr.Size) + trace.WordSize
	case *Array:
		return int64(o.Len()*o.Descr.ItemSize) + 2*trace.WordSize
	case *Str:
		return int64(len(o.Chars)) + 2*trace.WordSize
	case *Unicode:
		return int64(4*len(o.Chars)) + 2*trace.WordSize
	}
	return trace.WordSize
}
