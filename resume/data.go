package resume

import (
	"fmt"
	"strings"

	"github.com/chazu/rjit/pkg/trace"
)

// Data is the resume blob attached to one guard.
type Data struct {
	// Numb is the innermost frame's numbering; Prev links towards the
	// outermost frame. Segments are shared between guards.
	Numb *Numbering
	// Frames parallels Numb with the (jitcode, pc) of every frame.
	Frames *FrameInfo
	// Consts is the constant pool referenced by TagConst numbers.
	Consts   []trace.Const
	Virtuals []VirtualInfo
	Pending  []PendingField

	VableNums []Num
	VrefNums  []Num

	// FailKinds has the kind of every slot of the fail-args vector, with
	// Void for holes.
	FailKinds []trace.Kind
}

// Count returns the length of the fail-args vector.
func (d *Data) Count() int { return len(d.FailKinds) }

// Numbering is one frame's tagged numbers.
type Numbering struct {
	Prev *Numbering
	Nums []Num
}

// FrameInfo identifies one frame: its code, pc and the kind of each slot.
type FrameInfo struct {
	Prev    *FrameInfo
	JitCode trace.JitCode
	PC      int
	Kinds   []trace.Kind
}

// PendingField is a store the optimizer delayed past the guard. Index is
// -1 for a field store and the item index for an array store.
type PendingField struct {
	Descr  trace.Descr
	Target Num
	Value  Num
	Index  int64
}

// frames returns numbering and frame segments from outermost to innermost.
func (d *Data) frames() ([]*Numbering, []*FrameInfo) {
	var nums []*Numbering
	var infos []*FrameInfo
	f := d.Frames
	for n := d.Numb; n != nil; n = n.Prev {
		nums = append(nums, n)
		infos = append(infos, f)
		if f != nil {
			f = f.Prev
		}
	}
	for i, j := 0, len(nums)-1; i < j; i, j = i+1, j-1 {
		nums[i], nums[j] = nums[j], nums[i]
		infos[i], infos[j] = infos[j], infos[i]
	}
	return nums, infos
}

func (d *Data) String() string {
	var sb strings.Builder
	nums, infos := d.frames()
	for i, n := range nums {
		if i > 0 {
			sb.WriteString(" | ")
		}
		if fi := infos[i]; fi != nil && fi.JitCode != nil {
			fmt.Fprintf(&sb, "%s@%d: ", fi.JitCode.Name(), fi.PC)
		}
		sb.WriteString(joinNums(n.Nums))
	}
	for i, v := range d.Virtuals {
		fmt.Fprintf(&sb, "\n  v%d = %v", i, v)
	}
	for _, p := range d.Pending {
		fmt.Fprintf(&sb, "\n  pending %s[%d] %s <- %s", p.Descr, p.Index, p.Target, p.Value)
	}
	return sb.String()
}

func joinNums(nums []Num) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = n.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ============================================================================
// Virtual infos
// ============================================================================

// VirtualInfo describes how to rebuild one virtual object. The numbers
// returned by FieldNums refer to the same numbering space as the frames.
type VirtualInfo interface {
	FieldNums() []Num
	// WithNums returns a copy of the info carrying nums.
	WithNums(nums []Num) VirtualInfo
	// SameShape reports whether other describes an object of the same
	// layout, ignoring the numbers.
	SameShape(other VirtualInfo) bool
	String() string

	allocate(r *decoder, index int) trace.Value
}

type numList struct{ Nums []Num }

func (n numList) FieldNums() []Num { return n.Nums }

// VirtualInstance is an object with a vtable.
type VirtualInstance struct {
	Descr  *trace.SizeDescr
	Fields []*trace.FieldDescr
	numList
}

// VirtualStruct is an object without a vtable.
type VirtualStruct struct {
	Descr  *trace.SizeDescr
	Fields []*trace.FieldDescr
	numList
}

// VirtualArray is a GC array whose length is the number of items.
type VirtualArray struct {
	Descr *trace.ArrayDescr
	Clear bool
	numList
}

// VirtualArrayStruct is an array of structs; Nums holds Length items of
// len(Fields) numbers each.
type VirtualArrayStruct struct {
	Descr  *trace.ArrayDescr
	Fields []*trace.InteriorFieldDescr
	Length int
	numList
}

// VirtualRawBuffer is raw memory of Size bytes with a value stored at
// each of Offsets.
type VirtualRawBuffer struct {
	Size    int64
	Offsets []int64
	Descrs  []*trace.ArrayDescr
	numList
}

// VirtualRawSlice points Offset bytes into the buffer numbered by Nums[0].
type VirtualRawSlice struct {
	Offset int64
	numList
}

// VirtualStr is a string built from the characters in Nums.
type VirtualStr struct {
	Uni bool
	numList
}

// VirtualConcat is the concatenation of Nums[0] and Nums[1].
type VirtualConcat struct {
	Uni bool
	numList
}

// VirtualSlice is the substring of Nums[0] starting at Nums[1] with
// length Nums[2].
type VirtualSlice struct {
	Uni bool
	numList
}

func (v *VirtualInstance) WithNums(n []Num) VirtualInfo {
	c := *v
	c.Nums = n
	return &c
}
func (v *VirtualStruct) WithNums(n []Num) VirtualInfo {
	c := *v
	c.Nums = n
	return &c
}
func (v *VirtualArray) WithNums(n []Num) VirtualInfo {
	c := *v
	c.Nums = n
	return &c
}
func (v *VirtualArrayStruct) WithNums(n []Num) VirtualInfo {
	c := *v
	c.Nums = n
	return &c
}
func (v *VirtualRawBuffer) WithNums(n []Num) VirtualInfo {
	c := *v
	c.Nums = n
	return &c
}
func (v *VirtualRawSlice) WithNums(n []Num) VirtualInfo {
	c := *v
	c.Nums = n
	return &c
}
func (v *VirtualStr) WithNums(n []Num) VirtualInfo {
	c := *v
	c.Nums = n
	return &c
}
func (v *VirtualConcat) WithNums(n []Num) VirtualInfo {
	c := *v
	c.Nums = n
	return &c
}
func (v *VirtualSlice) WithNums(n []Num) VirtualInfo {
	c := *v
	c.Nums = n
	return &c
}

func sameFields[T comparable](a, b []T) bool {
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

func (v *VirtualInstance) SameShape(o VirtualInfo) bool {
	w, ok := o.(*VirtualInstance)
	return ok && w.Descr == v.Descr && sameFields(w.Fields, v.Fields)
}
func (v *VirtualStruct) SameShape(o VirtualInfo) bool {
	w, ok := o.(*VirtualStruct)
	return ok && w.Descr == v.Descr && sameFields(w.Fields, v.Fields)
}
func (v *VirtualArray) SameShape(o VirtualInfo) bool {
	w, ok := o.(*VirtualArray)
	return ok && w.Descr == v.Descr && w.Clear == v.Clear && len(w.Nums) == len(v.Nums)
}
func (v *VirtualArrayStruct) SameShape(o VirtualInfo) bool {
	w, ok := o.(*VirtualArrayStruct)
	return ok && w.Descr == v.Descr && w.Length == v.Length && sameFields(w.Fields, v.Fields)
}
func (v *VirtualRawBuffer) SameShape(o VirtualInfo) bool {
	w, ok := o.(*VirtualRawBuffer)
	return ok && w.Size == v.Size && sameFields(w.Offsets, v.Offsets) && sameFields(w.Descrs, v.Descrs)
}
func (v *VirtualRawSlice) SameShape(o VirtualInfo) bool {
	w, ok := o.(*VirtualRawSlice)
	return ok && w.Offset == v.Offset
}
func (v *VirtualStr) SameShape(o VirtualInfo) bool {
	w, ok := o.(*VirtualStr)
	return ok && w.Uni == v.Uni && len(w.Nums) == len(v.Nums)
}
func (v *VirtualConcat) SameShape(o VirtualInfo) bool {
	w, ok := o.(*VirtualConcat)
	return ok && w.Uni == v.Uni
}
func (v *VirtualSlice) SameShape(o VirtualInfo) bool {
	w, ok := o.(*VirtualSlice)
	return ok && w.Uni == v.Uni
}

func (v *VirtualInstance) String() string {
	return fmt.Sprintf("instance(%s) %s", v.Descr, joinNums(v.Nums))
}
func (v *VirtualStruct) String() string {
	return fmt.Sprintf("struct(%s) %s", v.Descr, joinNums(v.Nums))
}
func (v *VirtualArray) String() string {
	return fmt.Sprintf("array(%s) %s", v.Descr, joinNums(v.Nums))
}
func (v *VirtualArrayStruct) String() string {
	return fmt.Sprintf("arraystruct(%s, %d) %s", v.Descr, v.Length, joinNums(v.Nums))
}
func (v *VirtualRawBuffer) String() string {
	return fmt.Sprintf("rawbuffer(%d, %v) %s", v.Size, v.Offsets, joinNums(v.Nums))
}
func (v *VirtualRawSlice) String() string {
	return fmt.Sprintf("rawslice(+%d) %s", v.Offset, joinNums(v.Nums))
}
func (v *VirtualStr) String() string {
	return fmt.Sprintf("%s %s", strName(v.Uni, "str"), joinNums(v.Nums))
}
func (v *VirtualConcat) String() string {
	return fmt.Sprintf("%s %s", strName(v.Uni, "concat"), joinNums(v.Nums))
}
func (v *VirtualSlice) String() string {
	return fmt.Sprintf("%s %s", strName(v.Uni, "slice"), joinNums(v.Nums))
}

func strName(uni bool, name string) string {
	if uni {
		return "uni" + name
	}
	return name
}
