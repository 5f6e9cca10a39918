package memory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chazu/rjit/pkg/trace"
)

// ErrOutOfMemory is returned by allocations past the heap limit.
var ErrOutOfMemory = errors.New("memory: heap limit exceeded")

// Fault is the panic value of an invalid memory access, the equivalent of
// a segmentation fault in compiled code.
type Fault struct {
	Err error
}

func (f *Fault) Error() string { return "memory fault: " + f.Err.Error() }
func (f *Fault) Unwrap() error { return f.Err }

func fault(format string, args ...any) {
	panic(&Fault{Err: fmt.Errorf(format, args...)})
}

type watchKey struct {
	obj   trace.RefValue
	field *trace.FieldDescr
}

// Heap owns every object reachable from compiled code and implements the
// low-level bh_* operations on them.
type Heap struct {
	Arena *Arena

	limit atomic.Int64
	used  atomic.Int64

	mu       sync.Mutex
	watchers map[watchKey][]func()
	handles  map[trace.RefValue]int64
	byHandle map[int64]trace.RefValue
}

// NewHeap returns an empty heap without a limit.
func NewHeap() *Heap {
	return &Heap{
		Arena:    NewArena(),
		watchers: make(map[watchKey][]func()),
		handles:  make(map[trace.RefValue]int64),
		byHandle: make(map[int64]trace.RefValue),
	}
}

// SetLimit bounds the bytes that may be allocated; 0 disables the limit.
func (h *Heap) SetLimit(bytes int64) { h.limit.Store(bytes) }

// Used returns the bytes allocated so far.
func (h *Heap) Used() int64 { return h.used.Load() }

// ResetUsage forgets past allocations for limit accounting.
func (h *Heap) ResetUsage() { h.used.Store(0) }

func (h *Heap) charge(obj any) (trace.RefValue, error) {
	n := h.used.Add(sizeOf(obj))
	if lim := h.limit.Load(); lim > 0 && n > lim {
		h.used.Add(-sizeOf(obj))
		return nil, ErrOutOfMemory
	}
	return obj, nil
}

// WatchQuasiImmut registers fn to run once when field of obj is next
// written.
func (h *Heap) WatchQuasiImmut(obj trace.RefValue, field *trace.FieldDescr, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := watchKey{obj, field}
	h.watchers[k] = append(h.watchers[k], fn)
}

func (h *Heap) fireWatchers(obj trace.RefValue, field *trace.FieldDescr) {
	h.mu.Lock()
	k := watchKey{obj, field}
	fns := h.watchers[k]
	delete(h.watchers, k)
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// ============================================================================
// Allocation
// ============================================================================

func (h *Heap) BhNew(d *trace.SizeDescr) (trace.RefValue, error) {
	return h.charge(newStruct(d))
}

func (h *Heap) BhNewWithVtable(d *trace.SizeDescr) (trace.RefValue, error) {
	if d.Vtable == nil {
		return nil, fmt.Errorf("new_with_vtable: %s has no vtable", d)
	}
	return h.charge(newStruct(d))
}

func (h *Heap) BhNewArray(d *trace.ArrayDescr, n int64) (trace.RefValue, error) {
	if n < 0 {
		return nil, fmt.Errorf("new_array: negative length %d", n)
	}
	return h.charge(newArray(d, int(n)))
}

func (h *Heap) BhNewstr(n int64) (trace.RefValue, error) {
	if n < 0 {
		return nil, fmt.Errorf("newstr: negative length %d", n)
	}
	return h.charge(&Str{Chars: make([]byte, n)})
}

func (h *Heap) BhNewunicode(n int64) (trace.RefValue, error) {
	if n < 0 {
		return nil, fmt.Errorf("newunicode: negative length %d", n)
	}
	return h.charge(&Unicode{Chars: make([]rune, n)})
}

// ============================================================================
// Fields
// ============================================================================

func asStruct(obj trace.RefValue, op string) *Struct {
	s, ok := obj.(*Struct)
	if !ok {
		fault("%s on %T", op, obj)
	}
	return s
}

func (h *Heap) BhGetfieldGc(obj trace.RefValue, d *trace.FieldDescr) trace.Const {
	return asStruct(obj, "getfield "+d.String()).Fields[d.Index]
}

func (h *Heap) BhSetfieldGc(obj trace.RefValue, v trace.Const, d *trace.FieldDescr) {
	s := asStruct(obj, "setfield "+d.String())
	s.Fields[d.Index] = fitField(v, d.Type, d.FieldSize, d.Signed)
	if d.QuasiImmut {
		h.fireWatchers(obj, d)
	}
}

func (h *Heap) BhGetfieldRaw(addr int64, d *trace.FieldDescr) trace.Const {
	return h.load(addr+int64(d.Offset), d.Type, d.FieldSize, d.Signed)
}

func (h *Heap) BhSetfieldRaw(addr int64, v trace.Const, d *trace.FieldDescr) {
	h.store(addr+int64(d.Offset), v, d.FieldSize)
}

// ============================================================================
// Arrays
// ============================================================================

func asArray(arr trace.RefValue, op string) *Array {
	a, ok := arr.(*Array)
	if !ok {
		fault("%s on %T", op, arr)
	}
	return a
}

func checkIndex(op string, i int64, n int) {
	if i < 0 || i >= int64(n) {
		fault("%s index %d out of range [0, %d)", op, i, n)
	}
}

func (h *Heap) BhArraylenGc(arr trace.RefValue, d *trace.ArrayDescr) int64 {
	return int64(asArray(arr, "arraylen_gc").Len())
}

func (h *Heap) BhGetarrayitemGc(arr trace.RefValue, i int64, d *trace.ArrayDescr) trace.Const {
	a := asArray(arr, "getarrayitem_gc")
	checkIndex("getarrayitem_gc", i, len(a.Items))
	return a.Items[i]
}

func (h *Heap) BhSetarrayitemGc(arr trace.RefValue, i int64, v trace.Const, d *trace.ArrayDescr) {
	a := asArray(arr, "setarrayitem_gc")
	checkIndex("setarrayitem_gc", i, len(a.Items))
	a.Items[i] = fitField(v, d.ItemType, d.ItemSize, d.Signed)
}

func (h *Heap) BhGetarrayitemRaw(addr, i int64, d *trace.ArrayDescr) trace.Const {
	return h.load(addr+i*int64(d.ItemSize), d.ItemType, d.ItemSize, d.Signed)
}

func (h *Heap) BhSetarrayitemRaw(addr, i int64, v trace.Const, d *trace.ArrayDescr) {
	h.store(addr+i*int64(d.ItemSize), v, d.ItemSize)
}

func (h *Heap) BhGetinteriorfieldGc(arr trace.RefValue, i int64, d *trace.InteriorFieldDescr) trace.Const {
	a := asArray(arr, "getinteriorfield_gc")
	checkIndex("getinteriorfield_gc", i, len(a.Structs))
	return a.Structs[i][d.Field.Index]
}

func (h *Heap) BhSetinteriorfieldGc(arr trace.RefValue, i int64, v trace.Const, d *trace.InteriorFieldDescr) {
	a := asArray(arr, "setinteriorfield_gc")
	checkIndex("setinteriorfield_gc", i, len(a.Structs))
	f := d.Field
	a.Structs[i][f.Index] = fitField(v, f.Type, f.FieldSize, f.Signed)
}

// BhZeroArray clears length items starting at start.
func (h *Heap) BhZeroArray(arr trace.RefValue, start, length int64, d *trace.ArrayDescr) {
	a := asArray(arr, "zero_array")
	for i := start; i < start+length; i++ {
		if d.IsArrayOfStructs() {
			checkIndex("zero_array", i, len(a.Structs))
			for j, f := range d.Struct.Fields {
				a.Structs[i][j] = trace.ZeroOf(f.Type)
			}
			continue
		}
		checkIndex("zero_array", i, len(a.Items))
		a.Items[i] = trace.ZeroOf(d.ItemType)
	}
}

func (h *Heap) BhRawLoad(addr, offset int64, d *trace.ArrayDescr) trace.Const {
	return h.load(addr+offset, d.ItemType, d.ItemSize, d.Signed)
}

func (h *Heap) BhRawStore(addr, offset int64, v trace.Const, d *trace.ArrayDescr) {
	h.store(addr+offset, v, d.ItemSize)
}

// ============================================================================
// Strings
// ============================================================================

func asStr(s trace.RefValue, op string) *Str {
	v, ok := s.(*Str)
	if !ok {
		fault("%s on %T", op, s)
	}
	return v
}

func asUnicode(s trace.RefValue, op string) *Unicode {
	v, ok := s.(*Unicode)
	if !ok {
		fault("%s on %T", op, s)
	}
	return v
}

func (h *Heap) BhStrlen(s trace.RefValue) int64 { return int64(len(asStr(s, "strlen").Chars)) }

func (h *Heap) BhStrgetitem(s trace.RefValue, i int64) int64 {
	str := asStr(s, "strgetitem")
	checkIndex("strgetitem", i, len(str.Chars))
	return int64(str.Chars[i])
}

func (h *Heap) BhStrsetitem(s trace.RefValue, i, c int64) {
	str := asStr(s, "strsetitem")
	checkIndex("strsetitem", i, len(str.Chars))
	str.Chars[i] = byte(c)
}

func (h *Heap) BhCopystrcontent(src, dst trace.RefValue, srcStart, dstStart, length int64) {
	from, to := asStr(src, "copystrcontent"), asStr(dst, "copystrcontent")
	if length == 0 {
		return
	}
	checkIndex("copystrcontent", srcStart+length-1, len(from.Chars))
	checkIndex("copystrcontent", dstStart+length-1, len(to.Chars))
	copy(to.Chars[dstStart:dstStart+length], from.Chars[srcStart:srcStart+length])
}

func (h *Heap) BhUnicodelen(s trace.RefValue) int64 {
	return int64(len(asUnicode(s, "unicodelen").Chars))
}

func (h *Heap) BhUnicodegetitem(s trace.RefValue, i int64) int64 {
	u := asUnicode(s, "unicodegetitem")
	checkIndex("unicodegetitem", i, len(u.Chars))
	return int64(u.Chars[i])
}

func (h *Heap) BhUnicodesetitem(s trace.RefValue, i, c int64) {
	u := asUnicode(s, "unicodesetitem")
	checkIndex("unicodesetitem", i, len(u.Chars))
	u.Chars[i] = rune(c)
}

func (h *Heap) BhCopyunicodecontent(src, dst trace.RefValue, srcStart, dstStart, length int64) {
	from, to := asUnicode(src, "copyunicodecontent"), asUnicode(dst, "copyunicodecontent")
	if length == 0 {
		return
	}
	checkIndex("copyunicodecontent", srcStart+length-1, len(from.Chars))
	checkIndex("copyunicodecontent", dstStart+length-1, len(to.Chars))
	copy(to.Chars[dstStart:dstStart+length], from.Chars[srcStart:srcStart+length])
}

// ============================================================================
// Classes and casts
// ============================================================================

// BhClassof returns the vtable address of obj.
func (h *Heap) BhClassof(obj trace.RefValue) int64 {
	return asStruct(obj, "classof").Class()
}

// BhCastPtrToInt returns a stable integer handle for a GC reference.
func (h *Heap) BhCastPtrToInt(p trace.RefValue) int64 {
	if p == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if n, ok := h.handles[p]; ok {
		return n
	}
	n := int64(len(h.handles)+1) * trace.WordSize
	h.handles[p] = n
	h.byHandle[n] = p
	return n
}

// BhCastIntToPtr is the inverse of BhCastPtrToInt.
func (h *Heap) BhCastIntToPtr(n int64) trace.RefValue {
	if n == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byHandle[n]
}

// ============================================================================
// Helpers
// ============================================================================

func (h *Heap) load(addr int64, k trace.Kind, size int, signed bool) trace.Const {
	if k == trace.Float {
		f, err := h.Arena.LoadFloat(addr)
		if err != nil {
			panic(&Fault{Err: err})
		}
		return trace.NewConstFloat(f)
	}
	v, err := h.Arena.LoadInt(addr, size, signed)
	if err != nil {
		panic(&Fault{Err: err})
	}
	return trace.ConstInt{V: v}
}

func (h *Heap) store(addr int64, v trace.Const, size int) {
	var err error
	switch c := v.(type) {
	case trace.ConstFloat:
		err = h.Arena.StoreFloat(addr, c.Float())
	case trace.ConstInt:
		err = h.Arena.StoreInt(addr, size, c.V)
	default:
		err = fmt.Errorf("raw store of %s", v)
	}
	if err != nil {
		panic(&Fault{Err: err})
	}
}

// fitField narrows integer values to the declared width and checks kinds.
func fitField(v trace.Const, k trace.Kind, size int, signed bool) trace.Const {
	if v.Kind() != k {
		fault("store of %s value into %s slot", v.Kind(), k)
	}
	if c, ok := v.(trace.ConstInt); ok && size < trace.WordSize {
		return trace.ConstInt{V: narrow(c.V, size, signed)}
	}
	return v
}
