package trace

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// DescrKind tags the variant of a descriptor.
type DescrKind uint8

const (
	DescrSize DescrKind = iota + 1
	DescrField
	DescrArray
	DescrInterior
	DescrCall
	DescrFail
	DescrQuasiImmut
	DescrLoop
	DescrTarget
)

func (k DescrKind) String() string {
	switch k {
	case DescrSize:
		return "size"
	case DescrField:
		return "field"
	case DescrArray:
		return "array"
	case DescrInterior:
		return "interior"
	case DescrCall:
		return "call"
	case DescrFail:
		return "fail"
	case DescrQuasiImmut:
		return "quasiimmut"
	case DescrLoop:
		return "loop"
	case DescrTarget:
		return "target"
	}
	return "unknown"
}

// Descr is an opaque handle attached to memory, call, guard and control
// operations. Each concrete descriptor carries a process-unique id.
type Descr interface {
	DescrKind() DescrKind
	DescrID() int64
	String() string
}

var descrIDs atomic.Int64

func nextDescrID() int64 { return descrIDs.Add(1) }

// ============================================================================
// Vtables
// ============================================================================

// Vtable identifies the class of an instance. Class constants in traces are
// ConstInt{Addr}.
type Vtable struct {
	Name string
	Addr int64
	Size *SizeDescr
}

var vtables = struct {
	sync.RWMutex
	byAddr map[int64]*Vtable
	next   int64
}{byAddr: make(map[int64]*Vtable), next: 0x1000}

// NewVtable registers a vtable and assigns it a class address.
func NewVtable(name string) *Vtable {
	vtables.Lock()
	defer vtables.Unlock()
	vtables.next += 0x10
	vt := &Vtable{Name: name, Addr: vtables.next}
	vtables.byAddr[vt.Addr] = vt
	return vt
}

// VtableAt returns the vtable registered at addr.
func VtableAt(addr int64) *Vtable {
	vtables.RLock()
	defer vtables.RUnlock()
	return vtables.byAddr[addr]
}

// ClassConst returns the class constant for this vtable.
func (v *Vtable) ClassConst() ConstInt { return ConstInt{v.Addr} }

func (v *Vtable) String() string { return v.Name }

// ============================================================================
// Size and field descriptors
// ============================================================================

// SizeDescr describes a fixed-size object.
type SizeDescr struct {
	id     int64
	Name   string
	Size   int
	Vtable *Vtable
	// Fields are sorted by offset; FieldDescr.Index is the position here.
	Fields []*FieldDescr
}

func (d *SizeDescr) DescrKind() DescrKind { return DescrSize }
func (d *SizeDescr) DescrID() int64       { return d.id }
func (d *SizeDescr) String() string       { return d.Name }

// IsObject reports whether instances carry a vtable.
func (d *SizeDescr) IsObject() bool { return d.Vtable != nil }

// FieldByName returns the named field or nil.
func (d *SizeDescr) FieldByName(name string) *FieldDescr {
	for _, f := range d.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FieldDescr describes one field of a struct.
type FieldDescr struct {
	id         int64
	Name       string
	Owner      *SizeDescr
	Offset     int
	FieldSize  int
	Type       Kind
	Signed     bool
	Immutable  bool
	QuasiImmut bool
	Index      int
}

func (d *FieldDescr) DescrKind() DescrKind { return DescrField }
func (d *FieldDescr) DescrID() int64       { return d.id }

func (d *FieldDescr) String() string {
	if d.Owner != nil {
		return d.Owner.Name + "." + d.Name
	}
	return d.Name
}

// IsPointer reports whether the field holds a GC reference.
func (d *FieldDescr) IsPointer() bool { return d.Type == Ref }

// IsFloat reports whether the field holds a float.
func (d *FieldDescr) IsFloat() bool { return d.Type == Float }

// FieldSpec declares a field when building a SizeDescr.
type FieldSpec struct {
	Name       string
	Type       Kind
	Size       int // bytes; 0 means word size
	Signed     bool
	Immutable  bool
	QuasiImmut bool
}

// WordSize is the machine word in bytes.
const WordSize = 8

// NewSizeDescr builds a size descriptor with fields laid out in
// declaration order. withVtable reserves a header word for the class.
func NewSizeDescr(name string, withVtable bool, fields ...FieldSpec) *SizeDescr {
	d := &SizeDescr{id: nextDescrID(), Name: name}
	offset := 0
	if withVtable {
		d.Vtable = NewVtable(name)
		d.Vtable.Size = d
		offset = WordSize
	}
	for i, fs := range fields {
		size := fs.Size
		if size == 0 {
			size = WordSize
		}
		signed := fs.Signed
		if fs.Size == 0 && fs.Type == Int {
			signed = true
		}
		if align := size; offset%align != 0 {
			offset += align - offset%align
		}
		d.Fields = append(d.Fields, &FieldDescr{
			id:         nextDescrID(),
			Name:       fs.Name,
			Owner:      d,
			Offset:     offset,
			FieldSize:  size,
			Type:       fs.Type,
			Signed:     signed,
			Immutable:  fs.Immutable,
			QuasiImmut: fs.QuasiImmut,
			Index:      i,
		})
		offset += size
	}
	d.Size = offset
	sort.SliceStable(d.Fields, func(i, j int) bool { return d.Fields[i].Offset < d.Fields[j].Offset })
	for i, f := range d.Fields {
		f.Index = i
	}
	return d
}

// ============================================================================
// Array descriptors
// ============================================================================

// ArrayDescr describes a GC array, an array of structs, or (with Raw set)
// raw memory items.
type ArrayDescr struct {
	id       int64
	Name     string
	ItemSize int
	ItemType Kind
	Signed   bool
	Clear    bool
	Raw      bool
	// Struct is set for arrays of structs; items are accessed through
	// InteriorFields.
	Struct         *SizeDescr
	InteriorFields []*InteriorFieldDescr
}

func (d *ArrayDescr) DescrKind() DescrKind { return DescrArray }
func (d *ArrayDescr) DescrID() int64       { return d.id }
func (d *ArrayDescr) String() string       { return d.Name }

// IsArrayOfPointers reports whether items are GC references.
func (d *ArrayDescr) IsArrayOfPointers() bool { return d.ItemType == Ref && d.Struct == nil }

// IsArrayOfStructs reports whether items are inline structs.
func (d *ArrayDescr) IsArrayOfStructs() bool { return d.Struct != nil }

// NewArrayDescr builds a primitive array descriptor.
func NewArrayDescr(name string, item Kind, itemSize int, signed, clear bool) *ArrayDescr {
	if itemSize == 0 {
		itemSize = WordSize
		signed = item == Int
	}
	return &ArrayDescr{id: nextDescrID(), Name: name, ItemSize: itemSize, ItemType: item, Signed: signed, Clear: clear}
}

// NewRawArrayDescr builds a descriptor for raw memory accesses.
func NewRawArrayDescr(name string, item Kind, itemSize int, signed bool) *ArrayDescr {
	d := NewArrayDescr(name, item, itemSize, signed, false)
	d.Raw = true
	return d
}

// NewStructArrayDescr builds an array-of-structs descriptor whose items
// have the layout of st.
func NewStructArrayDescr(name string, st *SizeDescr, clear bool) *ArrayDescr {
	d := &ArrayDescr{id: nextDescrID(), Name: name, ItemSize: st.Size, ItemType: Void, Clear: clear, Struct: st}
	for _, f := range st.Fields {
		d.InteriorFields = append(d.InteriorFields, &InteriorFieldDescr{id: nextDescrID(), Array: d, Field: f})
	}
	return d
}

// Interior returns the interior descriptor for the named field.
func (d *ArrayDescr) Interior(name string) *InteriorFieldDescr {
	for _, f := range d.InteriorFields {
		if f.Field.Name == name {
			return f
		}
	}
	return nil
}

// InteriorFieldDescr addresses one field of an item of an array of structs.
type InteriorFieldDescr struct {
	id    int64
	Array *ArrayDescr
	Field *FieldDescr
}

func (d *InteriorFieldDescr) DescrKind() DescrKind { return DescrInterior }
func (d *InteriorFieldDescr) DescrID() int64       { return d.id }
func (d *InteriorFieldDescr) String() string       { return d.Array.Name + "." + d.Field.Name }

// ============================================================================
// Call descriptors
// ============================================================================

// CallDescr describes a call signature and its effects.
type CallDescr struct {
	id     int64
	Name   string
	Args   []Kind
	Result Kind
	Effect *EffectInfo
}

func (d *CallDescr) DescrKind() DescrKind { return DescrCall }
func (d *CallDescr) DescrID() int64       { return d.id }
func (d *CallDescr) String() string       { return d.Name }

// NewCallDescr builds a call descriptor. A nil effect means random effects.
func NewCallDescr(name string, args []Kind, result Kind, effect *EffectInfo) *CallDescr {
	if effect == nil {
		effect = RandomEffects
	}
	return &CallDescr{id: nextDescrID(), Name: name, Args: args, Result: result, Effect: effect}
}

// ============================================================================
// Fail and quasi-immutable descriptors
// ============================================================================

// FailDescr identifies one guard or FINISH exit. The resume blob and the
// attached bridge are the only mutable parts.
type FailDescr struct {
	id   int64
	Name string
	// Final marks FINISH descriptors of a completed frame.
	Final bool

	// Resume holds the resume blob attached by the optimizer.
	Resume any
	// Token is the loop the guard belongs to.
	Token *JitCellToken

	failures atomic.Int64
	bridge   atomic.Bool
}

// NewFailDescr returns a fresh fail descriptor.
func NewFailDescr(name string) *FailDescr {
	return &FailDescr{id: nextDescrID(), Name: name}
}

// NewFinishDescr returns a fail descriptor marking a completed frame.
func NewFinishDescr(name string) *FailDescr {
	return &FailDescr{id: nextDescrID(), Name: name, Final: true}
}

func (d *FailDescr) DescrKind() DescrKind { return DescrFail }
func (d *FailDescr) DescrID() int64       { return d.id }

func (d *FailDescr) String() string {
	if d.Name != "" {
		return d.Name
	}
	return fmt.Sprintf("Guard%d", d.id)
}

// RecordFailure bumps the failure counter and returns the new count.
func (d *FailDescr) RecordFailure() int64 { return d.failures.Add(1) }

// Failures returns how many times this exit was taken.
func (d *FailDescr) Failures() int64 { return d.failures.Load() }

// SetBridged marks the guard as having a bridge attached.
func (d *FailDescr) SetBridged() { d.bridge.Store(true) }

// Bridged reports whether a bridge is attached.
func (d *FailDescr) Bridged() bool { return d.bridge.Load() }

// QuasiImmutDescr records the value a quasi-immutable field had on a given
// object while tracing.
type QuasiImmutDescr struct {
	id     int64
	Struct RefValue
	Field  *FieldDescr
	Value  Const
}

// NewQuasiImmutDescr builds a quasi-immutable descriptor.
func NewQuasiImmutDescr(obj RefValue, field *FieldDescr, value Const) *QuasiImmutDescr {
	return &QuasiImmutDescr{id: nextDescrID(), Struct: obj, Field: field, Value: value}
}

func (d *QuasiImmutDescr) DescrKind() DescrKind { return DescrQuasiImmut }
func (d *QuasiImmutDescr) DescrID() int64       { return d.id }
func (d *QuasiImmutDescr) String() string       { return "qmut(" + d.Field.String() + ")" }
