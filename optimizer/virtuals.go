package optimizer

import (
	"sort"

	"github.com/chazu/rjit/pkg/memory"
	"github.com/chazu/rjit/pkg/trace"
	"github.com/chazu/rjit/resume"
)

// vobj is an allocation the optimizer removed. It stays virtual until it
// escapes; forcing it emits the allocation and the stores that rebuild
// its contents.
type vobj interface {
	resume.Virtual

	class() (int64, bool)
	// force emits the allocation with b as its result at level.
	force(o *Optimizer, b *trace.Box, level int) error
	// rebuild returns an object of the same shape holding items.
	rebuild(items []trace.Value) vobj
}

// force materializes the virtual behind b, if any, and returns the value
// now standing for b.
func (o *Optimizer) force(b *trace.Box, level int) (trace.Value, error) {
	v := o.virtuals[b]
	if v == nil {
		return o.get(b), nil
	}
	delete(o.virtuals, b)
	if err := v.force(o, b, level); err != nil {
		return nil, err
	}
	return o.get(b), nil
}

// forceValue forces v if it is virtual.
func (o *Optimizer) forceValue(v trace.Value, level int) (trace.Value, error) {
	r := o.get(v)
	if b, ok := r.(*trace.Box); ok && o.virtuals[b] != nil {
		return o.force(b, level)
	}
	return r, nil
}

func isZeroConst(v trace.Value) bool {
	switch c := v.(type) {
	case trace.ConstInt:
		return c.V == 0
	case trace.ConstFloat:
		return c.Bits == 0
	case trace.ConstPtr:
		return c.V == nil
	}
	return false
}

// ============================================================================
// Structs
// ============================================================================

type vstruct struct {
	descr  *trace.SizeDescr
	fields map[*trace.FieldDescr]trace.Value
}

func newVStruct(d *trace.SizeDescr) *vstruct {
	return &vstruct{descr: d, fields: make(map[*trace.FieldDescr]trace.Value)}
}

func (v *vstruct) Shape() resume.VirtualInfo {
	if v.descr.IsObject() {
		return &resume.VirtualInstance{Descr: v.descr, Fields: v.descr.Fields}
	}
	return &resume.VirtualStruct{Descr: v.descr, Fields: v.descr.Fields}
}

func (v *vstruct) Items() []trace.Value {
	items := make([]trace.Value, len(v.descr.Fields))
	for i, f := range v.descr.Fields {
		items[i] = v.fields[f]
	}
	return items
}

func (v *vstruct) class() (int64, bool) {
	if v.descr.IsObject() {
		return v.descr.Vtable.Addr, true
	}
	return 0, false
}

func (v *vstruct) getField(f *trace.FieldDescr) trace.Value {
	if x := v.fields[f]; x != nil {
		return x
	}
	return trace.ZeroOf(f.Type)
}

func (v *vstruct) force(o *Optimizer, b *trace.Box, level int) error {
	num := trace.OpNew
	if v.descr.IsObject() {
		num = trace.OpNewWithVtable
	}
	if err := o.emitAt(level, trace.NewOpWithResult(num, nil, b, v.descr)); err != nil {
		return err
	}
	if cls, ok := v.class(); ok {
		o.setClass(b, cls)
	} else {
		o.setNonnull(b)
	}
	for _, f := range v.descr.Fields {
		x := v.fields[f]
		if x == nil || isZeroConst(o.get(x)) {
			continue
		}
		if _, err := o.emitNew(level, trace.OpSetfieldGc, f, b, x); err != nil {
			return err
		}
	}
	return nil
}

func (v *vstruct) rebuild(items []trace.Value) vobj {
	n := newVStruct(v.descr)
	for i, f := range v.descr.Fields {
		if items[i] != nil {
			n.fields[f] = items[i]
		}
	}
	return n
}

// ============================================================================
// Arrays
// ============================================================================

type varray struct {
	descr *trace.ArrayDescr
	clear bool
	items []trace.Value
}

func (v *varray) Shape() resume.VirtualInfo {
	return &resume.VirtualArray{Descr: v.descr, Clear: v.clear}
}

func (v *varray) Items() []trace.Value { return v.items }

func (v *varray) class() (int64, bool) { return 0, false }

func (v *varray) get(i int) trace.Value {
	if x := v.items[i]; x != nil {
		return x
	}
	return trace.ZeroOf(v.descr.ItemType)
}

func (v *varray) force(o *Optimizer, b *trace.Box, level int) error {
	num := trace.OpNewArray
	if v.clear {
		num = trace.OpNewArrayClear
	}
	n := trace.ConstInt{V: int64(len(v.items))}
	if err := o.emitAt(level, trace.NewOpWithResult(num, []trace.Value{n}, b, v.descr)); err != nil {
		return err
	}
	o.setNonnull(b)
	for i, x := range v.items {
		if x == nil || (v.clear && isZeroConst(o.get(x))) {
			continue
		}
		if _, err := o.emitNew(level, trace.OpSetarrayitemGc, v.descr, b, trace.ConstInt{V: int64(i)}, x); err != nil {
			return err
		}
	}
	return nil
}

func (v *varray) rebuild(items []trace.Value) vobj {
	return &varray{descr: v.descr, clear: v.clear, items: append([]trace.Value(nil), items...)}
}

type varraystruct struct {
	descr  *trace.ArrayDescr
	length int
	// items[i][j] is field InteriorFields[j] of item i.
	items [][]trace.Value
}

func newVArrayStruct(d *trace.ArrayDescr, n int) *varraystruct {
	v := &varraystruct{descr: d, length: n, items: make([][]trace.Value, n)}
	for i := range v.items {
		v.items[i] = make([]trace.Value, len(d.InteriorFields))
	}
	return v
}

func (v *varraystruct) Shape() resume.VirtualInfo {
	return &resume.VirtualArrayStruct{Descr: v.descr, Fields: v.descr.InteriorFields, Length: v.length}
}

func (v *varraystruct) Items() []trace.Value {
	var out []trace.Value
	for _, item := range v.items {
		out = append(out, item...)
	}
	return out
}

func (v *varraystruct) class() (int64, bool) { return 0, false }

func (v *varraystruct) fieldIndex(d *trace.InteriorFieldDescr) int {
	for j, f := range v.descr.InteriorFields {
		if f == d {
			return j
		}
	}
	return -1
}

func (v *varraystruct) force(o *Optimizer, b *trace.Box, level int) error {
	num := trace.OpNewArray
	if v.descr.Clear {
		num = trace.OpNewArrayClear
	}
	n := trace.ConstInt{V: int64(v.length)}
	if err := o.emitAt(level, trace.NewOpWithResult(num, []trace.Value{n}, b, v.descr)); err != nil {
		return err
	}
	o.setNonnull(b)
	for i, item := range v.items {
		for j, x := range item {
			if x == nil || isZeroConst(o.get(x)) {
				continue
			}
			d := v.descr.InteriorFields[j]
			if _, err := o.emitNew(level, trace.OpSetinteriorfieldGc, d, b, trace.ConstInt{V: int64(i)}, x); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *varraystruct) rebuild(items []trace.Value) vobj {
	n := newVArrayStruct(v.descr, v.length)
	w := len(v.descr.InteriorFields)
	for i := range n.items {
		copy(n.items[i], items[i*w:(i+1)*w])
	}
	return n
}

// ============================================================================
// Raw memory
// ============================================================================

type rawEntry struct {
	offset int64
	descr  *trace.ArrayDescr
	value  trace.Value
}

type vrawbuffer struct {
	size      int64
	fn        trace.Value
	calldescr *trace.CallDescr
	// entries are sorted by offset and never overlap.
	entries []rawEntry
}

func (v *vrawbuffer) Shape() resume.VirtualInfo {
	info := &resume.VirtualRawBuffer{Size: v.size}
	for _, e := range v.entries {
		info.Offsets = append(info.Offsets, e.offset)
		info.Descrs = append(info.Descrs, e.descr)
	}
	return info
}

func (v *vrawbuffer) Items() []trace.Value {
	items := make([]trace.Value, len(v.entries))
	for i, e := range v.entries {
		items[i] = e.value
	}
	return items
}

func (v *vrawbuffer) class() (int64, bool) { return 0, false }

// write stores x at offset. It fails when the store partially overlaps an
// existing one, or falls outside the buffer.
func (v *vrawbuffer) write(offset int64, d *trace.ArrayDescr, x trace.Value) bool {
	end := offset + int64(d.ItemSize)
	if offset < 0 || end > v.size {
		return false
	}
	for i, e := range v.entries {
		eend := e.offset + int64(e.descr.ItemSize)
		if e.offset == offset && e.descr.ItemSize == d.ItemSize && e.descr.ItemType == d.ItemType {
			v.entries[i] = rawEntry{offset, d, x}
			return true
		}
		if offset < eend && e.offset < end {
			return false
		}
	}
	v.entries = append(v.entries, rawEntry{offset, d, x})
	sort.Slice(v.entries, func(i, j int) bool { return v.entries[i].offset < v.entries[j].offset })
	return true
}

// read returns the value stored at offset by a store of the same shape.
func (v *vrawbuffer) read(offset int64, d *trace.ArrayDescr) (trace.Value, bool) {
	for _, e := range v.entries {
		if e.offset == offset && e.descr.ItemSize == d.ItemSize && e.descr.ItemType == d.ItemType {
			return e.value, true
		}
	}
	return nil, false
}

func (v *vrawbuffer) force(o *Optimizer, b *trace.Box, level int) error {
	call := trace.NewOpWithResult(trace.OpCallI, []trace.Value{v.fn, trace.ConstInt{V: v.size}}, b, v.calldescr)
	if err := o.emitAt(level, call); err != nil {
		return err
	}
	for _, e := range v.entries {
		if _, err := o.emitNew(level, trace.OpRawStore, e.descr, b, trace.ConstInt{V: e.offset}, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (v *vrawbuffer) rebuild(items []trace.Value) vobj {
	n := &vrawbuffer{size: v.size, fn: v.fn, calldescr: v.calldescr}
	for i, e := range v.entries {
		n.entries = append(n.entries, rawEntry{e.offset, e.descr, items[i]})
	}
	return n
}

type vrawslice struct {
	base   trace.Value
	offset int64
}

func (v *vrawslice) Shape() resume.VirtualInfo { return &resume.VirtualRawSlice{Offset: v.offset} }
func (v *vrawslice) Items() []trace.Value      { return []trace.Value{v.base} }
func (v *vrawslice) class() (int64, bool)      { return 0, false }

func (v *vrawslice) force(o *Optimizer, b *trace.Box, level int) error {
	base, err := o.forceValue(v.base, level)
	if err != nil {
		return err
	}
	return o.emitAt(level, trace.NewOpWithResult(trace.OpIntAdd, []trace.Value{base, trace.ConstInt{V: v.offset}}, b, nil))
}

func (v *vrawslice) rebuild(items []trace.Value) vobj {
	return &vrawslice{base: items[0], offset: v.offset}
}

// ============================================================================
// Strings
// ============================================================================

func newstrOp(uni bool) trace.Opnum {
	if uni {
		return trace.OpNewunicode
	}
	return trace.OpNewstr
}

func strlenOp(uni bool) trace.Opnum {
	if uni {
		return trace.OpUnicodelen
	}
	return trace.OpStrlen
}

func setitemOp(uni bool) trace.Opnum {
	if uni {
		return trace.OpUnicodesetitem
	}
	return trace.OpStrsetitem
}

func copyOp(uni bool) trace.Opnum {
	if uni {
		return trace.OpCopyunicodecontent
	}
	return trace.OpCopystrcontent
}

// makeString builds a string constant from character codes.
func makeString(uni bool, chars []rune) trace.ConstPtr {
	if uni {
		return trace.ConstPtr{V: &memory.Unicode{Chars: append([]rune(nil), chars...)}}
	}
	b := make([]byte, len(chars))
	for i, c := range chars {
		b[i] = byte(c)
	}
	return trace.ConstPtr{V: &memory.Str{Chars: b}}
}

// constChars returns the characters of a string constant.
func constChars(c trace.Value) ([]rune, bool) {
	p, ok := c.(trace.ConstPtr)
	if !ok {
		return nil, false
	}
	switch s := p.V.(type) {
	case *memory.Str:
		out := make([]rune, len(s.Chars))
		for i, b := range s.Chars {
			out[i] = rune(b)
		}
		return out, true
	case *memory.Unicode:
		return s.Chars, true
	}
	return nil, false
}

type vstr struct {
	uni   bool
	chars []trace.Value
}

func (v *vstr) Shape() resume.VirtualInfo { return &resume.VirtualStr{Uni: v.uni} }
func (v *vstr) Items() []trace.Value      { return v.chars }
func (v *vstr) class() (int64, bool)      { return 0, false }

func (v *vstr) force(o *Optimizer, b *trace.Box, level int) error {
	if chars, ok := o.constString(b, v); ok {
		o.makeEqual(b, makeString(v.uni, chars))
		return nil
	}
	n := trace.ConstInt{V: int64(len(v.chars))}
	if err := o.emitAt(level, trace.NewOpWithResult(newstrOp(v.uni), []trace.Value{n}, b, nil)); err != nil {
		return err
	}
	o.setNonnull(b)
	o.strlens[b] = n
	for i, c := range v.chars {
		if c == nil {
			continue
		}
		if _, err := o.emitNew(level, setitemOp(v.uni), nil, b, trace.ConstInt{V: int64(i)}, c); err != nil {
			return err
		}
	}
	return nil
}

func (v *vstr) rebuild(items []trace.Value) vobj {
	return &vstr{uni: v.uni, chars: append([]trace.Value(nil), items...)}
}

type vconcat struct {
	uni         bool
	left, right trace.Value
	length      trace.Value
}

func (v *vconcat) Shape() resume.VirtualInfo { return &resume.VirtualConcat{Uni: v.uni} }
func (v *vconcat) Items() []trace.Value      { return []trace.Value{v.left, v.right} }
func (v *vconcat) class() (int64, bool)      { return 0, false }

func (v *vconcat) force(o *Optimizer, b *trace.Box, level int) error {
	if chars, ok := o.constString(b, v); ok {
		o.makeEqual(b, makeString(v.uni, chars))
		return nil
	}
	total, err := o.strlen(b, v, level, v.uni)
	if err != nil {
		return err
	}
	if err := o.emitAt(level, trace.NewOpWithResult(newstrOp(v.uni), []trace.Value{total}, b, nil)); err != nil {
		return err
	}
	o.setNonnull(b)
	o.strlens[b] = total
	off, err := o.copyInto(b, v.left, trace.Const0, level, v.uni)
	if err != nil {
		return err
	}
	_, err = o.copyInto(b, v.right, off, level, v.uni)
	return err
}

func (v *vconcat) rebuild(items []trace.Value) vobj {
	return &vconcat{uni: v.uni, left: items[0], right: items[1]}
}

type vslice struct {
	uni                bool
	s, start, length trace.Value
}

func (v *vslice) Shape() resume.VirtualInfo { return &resume.VirtualSlice{Uni: v.uni} }
func (v *vslice) Items() []trace.Value      { return []trace.Value{v.s, v.start, v.length} }
func (v *vslice) class() (int64, bool)      { return 0, false }

func (v *vslice) force(o *Optimizer, b *trace.Box, level int) error {
	if chars, ok := o.constString(b, v); ok {
		o.makeEqual(b, makeString(v.uni, chars))
		return nil
	}
	src, err := o.forceValue(v.s, level)
	if err != nil {
		return err
	}
	length := o.get(v.length)
	if err := o.emitAt(level, trace.NewOpWithResult(newstrOp(v.uni), []trace.Value{length}, b, nil)); err != nil {
		return err
	}
	o.setNonnull(b)
	o.strlens[b] = length
	_, err = o.emitNew(level, copyOp(v.uni), nil, src, b, o.get(v.start), trace.Const0, length)
	return err
}

func (v *vslice) rebuild(items []trace.Value) vobj {
	return &vslice{uni: v.uni, s: items[0], start: items[1], length: items[2]}
}

// ============================================================================
// String helpers
// ============================================================================

// stringChars returns the characters of v when all of them are known.
func (o *Optimizer) stringChars(v trace.Value) ([]rune, bool) {
	r := o.get(v)
	if b, ok := r.(*trace.Box); ok {
		if vo := o.virtuals[b]; vo != nil {
			return o.constString(b, vo)
		}
		return nil, false
	}
	return constChars(r)
}

func (o *Optimizer) constString(_ *trace.Box, vo vobj) ([]rune, bool) {
	switch v := vo.(type) {
	case *vstr:
		out := make([]rune, len(v.chars))
		for i, c := range v.chars {
			if c == nil {
				return nil, false
			}
			n, ok := o.intConst(c)
			if !ok {
				return nil, false
			}
			out[i] = rune(n)
		}
		return out, true
	case *vconcat:
		l, ok := o.stringChars(v.left)
		if !ok {
			return nil, false
		}
		r, ok := o.stringChars(v.right)
		if !ok {
			return nil, false
		}
		return append(append([]rune(nil), l...), r...), true
	case *vslice:
		s, ok := o.stringChars(v.s)
		if !ok {
			return nil, false
		}
		start, ok1 := o.intConst(v.start)
		n, ok2 := o.intConst(v.length)
		if !ok1 || !ok2 || start < 0 || n < 0 || start+n > int64(len(s)) {
			return nil, false
		}
		return s[start : start+n], true
	}
	return nil, false
}

// strlenOf returns the length of string v, emitting a length operation
// at level when it is not known.
func (o *Optimizer) strlenOf(v trace.Value, level int, uni bool) (trace.Value, error) {
	r := o.get(v)
	if chars, ok := constChars(r); ok {
		return trace.ConstInt{V: int64(len(chars))}, nil
	}
	b, ok := r.(*trace.Box)
	if !ok {
		return nil, invalidLoop("length of non-string %s", r)
	}
	if vo := o.virtuals[b]; vo != nil {
		return o.strlen(b, vo, level, uni)
	}
	if n := o.strlens[b]; n != nil {
		return o.get(n), nil
	}
	op, err := o.emitNew(level, strlenOp(uni), nil, b)
	if err != nil {
		return nil, err
	}
	n := o.get(op.Result)
	if err := o.narrow(n, nonNegative()); err != nil {
		return nil, err
	}
	o.strlens[b] = n
	return o.get(n), nil
}

func (o *Optimizer) strlen(b *trace.Box, vo vobj, level int, uni bool) (trace.Value, error) {
	switch v := vo.(type) {
	case *vstr:
		return trace.ConstInt{V: int64(len(v.chars))}, nil
	case *vconcat:
		if v.length != nil {
			return o.get(v.length), nil
		}
		l, err := o.strlenOf(v.left, level, uni)
		if err != nil {
			return nil, err
		}
		r, err := o.strlenOf(v.right, level, uni)
		if err != nil {
			return nil, err
		}
		n, err := o.intOp(level, trace.OpIntAdd, l, r)
		if err != nil {
			return nil, err
		}
		v.length = n
		return n, nil
	case *vslice:
		return o.get(v.length), nil
	}
	return nil, invalidLoop("length of non-string virtual %s", b)
}

// copyInto emits the stores that copy src into dst at off and returns the
// offset after it.
func (o *Optimizer) copyInto(dst *trace.Box, src, off trace.Value, level int, uni bool) (trace.Value, error) {
	r := o.get(src)
	if b, ok := r.(*trace.Box); ok {
		switch v := o.virtuals[b].(type) {
		case *vstr:
			for i, c := range v.chars {
				idx, err := o.intOp(level, trace.OpIntAdd, off, trace.ConstInt{V: int64(i)})
				if err != nil {
					return nil, err
				}
				if c == nil {
					c = trace.Const0
				}
				if _, err := o.emitNew(level, setitemOp(uni), nil, dst, idx, c); err != nil {
					return nil, err
				}
			}
			return o.intOp(level, trace.OpIntAdd, off, trace.ConstInt{V: int64(len(v.chars))})
		case *vconcat:
			mid, err := o.copyInto(dst, v.left, off, level, uni)
			if err != nil {
				return nil, err
			}
			return o.copyInto(dst, v.right, mid, level, uni)
		case *vslice:
			s, err := o.forceValue(v.s, level)
			if err != nil {
				return nil, err
			}
			if _, err := o.emitNew(level, copyOp(uni), nil, s, dst, o.get(v.start), off, o.get(v.length)); err != nil {
				return nil, err
			}
			return o.intOp(level, trace.OpIntAdd, off, o.get(v.length))
		}
	}
	n, err := o.strlenOf(r, level, uni)
	if err != nil {
		return nil, err
	}
	s, err := o.forceValue(r, level)
	if err != nil {
		return nil, err
	}
	if _, err := o.emitNew(level, copyOp(uni), nil, s, dst, trace.Const0, off, n); err != nil {
		return nil, err
	}
	return o.intOp(level, trace.OpIntAdd, off, n)
}

// intOp computes a op b, folding constants and the identities of zero,
// and emits the operation at level otherwise.
func (o *Optimizer) intOp(level int, num trace.Opnum, a, b trace.Value) (trace.Value, error) {
	a, b = o.get(a), o.get(b)
	x, aok := o.intConst(a)
	y, bok := o.intConst(b)
	if aok && bok {
		switch num {
		case trace.OpIntAdd:
			return trace.ConstInt{V: x + y}, nil
		case trace.OpIntSub:
			return trace.ConstInt{V: x - y}, nil
		}
	}
	switch {
	case bok && y == 0:
		return a, nil
	case aok && x == 0 && num == trace.OpIntAdd:
		return b, nil
	}
	op, err := o.emitNew(level, num, nil, a, b)
	if err != nil {
		return nil, err
	}
	return o.get(op.Result), nil
}
