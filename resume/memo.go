package resume

import (
	"fmt"

	"github.com/chazu/rjit/pkg/trace"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("rjit.resume")

// DefaultFailargsLimit is the per-guard fail-args limit used when a Memo
// is created without one.
const DefaultFailargsLimit = 1000

// Virtual is the optimizer's description of an object that was never
// allocated.
type Virtual interface {
	// Shape returns the layout of the object; its numbers are ignored.
	Shape() VirtualInfo
	// Items returns the contents in the order of Shape. A nil item keeps
	// its default value.
	Items() []trace.Value
}

// Source resolves trace values for the builder.
type Source interface {
	// Resolve returns the current replacement of v. When the replacement
	// stands for a virtual object, the second result describes it and the
	// first is the box identifying it.
	Resolve(v trace.Value) (trace.Value, Virtual)
}

// PendingSet is a delayed store handed to the builder by the heap cache.
type PendingSet struct {
	Descr  trace.Descr
	Target trace.Value
	Value  trace.Value
	Index  int64
}

// Stats counts what a Memo produced.
type Stats struct {
	Guards       int
	Virtuals     int
	VirtualHoles int
	BoxHoles     int
	ReusedVinfos int
	Compactions  int
	Consts       int
}

// Memo holds numbering state shared by all guards compiled by one JIT:
// the constant pool, numberings of snapshot frames, and the numbers given
// to boxes and virtuals that are only reachable through virtual fields.
type Memo struct {
	FailargsLimit int

	consts   []trace.Const
	constIdx map[trace.Const]int

	numberings map[*trace.Snapshot]*numbered

	cachedBoxes    map[*trace.Box]int
	cachedVirtuals map[*trace.Box]int
	vinfos         map[*trace.Box]VirtualInfo

	stats Stats
}

// NewMemo returns an empty memo.
func NewMemo(failargsLimit int) *Memo {
	if failargsLimit <= 0 {
		failargsLimit = DefaultFailargsLimit
	}
	return &Memo{
		FailargsLimit:  failargsLimit,
		constIdx:       make(map[trace.Const]int),
		numberings:     make(map[*trace.Snapshot]*numbered),
		cachedBoxes:    make(map[*trace.Box]int),
		cachedVirtuals: make(map[*trace.Box]int),
		vinfos:         make(map[*trace.Box]VirtualInfo),
	}
}

// Stats returns a copy of the memo's counters.
func (m *Memo) Stats() Stats {
	s := m.stats
	s.Consts = len(m.consts)
	return s
}

// Consts returns the constant pool.
func (m *Memo) Consts() []trace.Const { return m.consts[:len(m.consts):len(m.consts)] }

// ============================================================================
// Constants
// ============================================================================

func (m *Memo) getConst(c trace.Const) (Num, error) {
	switch c := c.(type) {
	case trace.ConstInt:
		if fitsInline(c.V) {
			return Tag(int(c.V), TagInt)
		}
	case trace.ConstPtr:
		if c.IsNull() {
			return NullRef, nil
		}
	}
	idx, ok := m.constIdx[c]
	if !ok {
		idx = len(m.consts)
		m.consts = append(m.consts, c)
		m.constIdx[c] = idx
	}
	return Tag(idx, TagConst)
}

// ============================================================================
// Snapshot numbering
// ============================================================================

// env is the numbering state accumulated from the outermost frame inwards.
type env struct {
	tags     map[*trace.Box]Num
	boxes    []*trace.Box
	virtuals []*trace.Box
}

func newEnv() *env { return &env{tags: make(map[*trace.Box]Num)} }

func (e *env) clone() *env {
	c := &env{
		tags:     make(map[*trace.Box]Num, len(e.tags)),
		boxes:    append([]*trace.Box(nil), e.boxes...),
		virtuals: append([]*trace.Box(nil), e.virtuals...),
	}
	for b, t := range e.tags {
		c.tags[b] = t
	}
	return c
}

// numbered caches the numbering of one snapshot frame together with the
// resolved values it was computed from.
type numbered struct {
	prev  *Numbering
	numb  *Numbering
	frame *FrameInfo
	keys  []key
	env   *env
}

type key struct {
	value   trace.Value
	virtual bool
}

func resolveKeys(src Source, vs []trace.Value) []key {
	keys := make([]key, len(vs))
	for i, v := range vs {
		r, virt := src.Resolve(v)
		keys[i] = key{value: r, virtual: virt != nil}
	}
	return keys
}

func sameKeys(a, b []key) bool {
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

func (m *Memo) tagKey(e *env, k key) (Num, error) {
	if c, ok := k.value.(trace.Const); ok {
		return m.getConst(c)
	}
	b, ok := k.value.(*trace.Box)
	if !ok {
		return 0, fmt.Errorf("resume: cannot number %v", k.value)
	}
	if t, ok := e.tags[b]; ok {
		return t, nil
	}
	var (
		t   Num
		err error
	)
	if k.virtual {
		t, err = Tag(len(e.virtuals), TagVirtual)
		e.virtuals = append(e.virtuals, b)
	} else {
		t, err = Tag(len(e.boxes), TagBox)
		e.boxes = append(e.boxes, b)
	}
	if err != nil {
		return 0, err
	}
	e.tags[b] = t
	return t, nil
}

// number numbers snap and its callers, reusing cached frames whose values
// still resolve the same way. The returned env is owned by the caller.
func (m *Memo) number(src Source, snap *trace.Snapshot) (*Numbering, *FrameInfo, *env, error) {
	if snap == nil {
		return nil, nil, newEnv(), nil
	}
	prev, prevFrame, e, err := m.number(src, snap.Prev)
	if err != nil {
		return nil, nil, nil, err
	}
	keys := resolveKeys(src, snap.Boxes)
	if c := m.numberings[snap]; c != nil && c.prev == prev && sameKeys(c.keys, keys) {
		return c.numb, c.frame, c.env.clone(), nil
	}
	nums := make([]Num, len(keys))
	kinds := make([]trace.Kind, len(keys))
	for i, k := range keys {
		if nums[i], err = m.tagKey(e, k); err != nil {
			return nil, nil, nil, err
		}
		kinds[i] = k.value.Kind()
	}
	numb := &Numbering{Prev: prev, Nums: nums}
	frame := &FrameInfo{Prev: prevFrame, JitCode: snap.JitCode, PC: snap.PC, Kinds: kinds}
	m.numberings[snap] = &numbered{prev: prev, numb: numb, frame: frame, keys: keys, env: e.clone()}
	return numb, frame, e, nil
}

func (m *Memo) numberList(src Source, e *env, vs []trace.Value) ([]Num, error) {
	if len(vs) == 0 {
		return nil, nil
	}
	nums := make([]Num, len(vs))
	for i, k := range resolveKeys(src, vs) {
		n, err := m.tagKey(e, k)
		if err != nil {
			return nil, err
		}
		nums[i] = n
	}
	return nums, nil
}

// ============================================================================
// Boxes and virtuals reached through virtual fields
// ============================================================================

// assignBox gives box a stable negative index, placing it into live.
func (m *Memo) assignBox(box *trace.Box, live *[]trace.Value) int {
	if num, ok := m.cachedBoxes[box]; ok {
		(*live)[-num-1] = box
		return num
	}
	*live = append(*live, box)
	num := -len(*live)
	m.cachedBoxes[box] = num
	return num
}

func (m *Memo) assignVirtual(box *trace.Box) int {
	if num, ok := m.cachedVirtuals[box]; ok {
		return num
	}
	num := -len(m.cachedVirtuals) - 1
	m.cachedVirtuals[box] = num
	return num
}

func (m *Memo) clearBoxVirtualNumbers() {
	m.cachedBoxes = make(map[*trace.Box]int)
	m.cachedVirtuals = make(map[*trace.Box]int)
	m.vinfos = make(map[*trace.Box]VirtualInfo)
	m.stats.Compactions++
}

// invalidationNeeded is the compaction heuristic.
func (m *Memo) invalidationNeeded(nlive, nholes int) bool {
	return nlive > m.FailargsLimit/2 && nholes > nlive/3
}

// ============================================================================
// Finish
// ============================================================================

// Finish numbers the guard state described by snap plus the pending
// stores, and returns the guard's fail arguments (nil entries are holes)
// with the resume blob.
func (m *Memo) Finish(src Source, snap *trace.TopSnapshot, pending []PendingSet) ([]trace.Value, *Data, error) {
	if snap == nil {
		snap = &trace.TopSnapshot{}
	}
	numb, frame, e, err := m.number(src, &snap.Snapshot)
	if err != nil {
		return nil, nil, err
	}
	vable, err := m.numberList(src, e, snap.VableBoxes)
	if err != nil {
		return nil, nil, err
	}
	vref, err := m.numberList(src, e, snap.VrefBoxes)
	if err != nil {
		return nil, nil, err
	}

	type pendingKeys struct{ target, value key }
	pkeys := make([]pendingKeys, len(pending))
	for i, p := range pending {
		ks := resolveKeys(src, []trace.Value{p.Target, p.Value})
		pkeys[i] = pendingKeys{ks[0], ks[1]}
		for _, k := range ks {
			if _, err := m.tagKey(e, k); err != nil {
				return nil, nil, err
			}
		}
	}

	// Walk the contents of every virtual reachable from the frames.
	var (
		order    = append([]*trace.Box(nil), e.virtuals...)
		shapes   = make(map[*trace.Box]VirtualInfo)
		contents = make(map[*trace.Box][]trace.Value)
		extra    []*trace.Box
		newVirts []*trace.Box
		seen     = make(map[*trace.Box]bool)
	)
	var visit func(box *trace.Box, v Virtual)
	visit = func(box *trace.Box, v Virtual) {
		if _, done := shapes[box]; done {
			return
		}
		shapes[box] = v.Shape()
		items := v.Items()
		resolved := make([]trace.Value, len(items))
		contents[box] = resolved
		for i, it := range items {
			if it == nil {
				continue
			}
			r, rv := src.Resolve(it)
			resolved[i] = r
			b, ok := r.(*trace.Box)
			if !ok {
				continue
			}
			_, inEnv := e.tags[b]
			if rv != nil {
				if !inEnv && !seen[b] {
					seen[b] = true
					newVirts = append(newVirts, b)
					order = append(order, b)
				}
				visit(b, rv)
			} else if !inEnv && !seen[b] {
				seen[b] = true
				extra = append(extra, b)
			}
		}
	}
	for _, b := range e.virtuals {
		_, v := src.Resolve(b)
		if v == nil {
			return nil, nil, fmt.Errorf("resume: %s is no longer virtual", b)
		}
		visit(b, v)
	}

	live := make([]trace.Value, len(m.cachedBoxes))
	for _, b := range extra {
		t, err := Tag(m.assignBox(b, &live), TagBox)
		if err != nil {
			return nil, nil, err
		}
		e.tags[b] = t
	}
	for _, b := range newVirts {
		t, err := Tag(m.assignVirtual(b), TagVirtual)
		if err != nil {
			return nil, nil, err
		}
		e.tags[b] = t
	}
	nholes := len(live) - len(extra)
	for i, j := 0, len(live)-1; i < j; i, j = i+1, j-1 {
		live[i], live[j] = live[j], live[i]
	}
	failargs := make([]trace.Value, 0, len(e.boxes)+len(live))
	for _, b := range e.boxes {
		failargs = append(failargs, b)
	}
	failargs = append(failargs, live...)

	tagged := func(v trace.Value) (Num, error) {
		if v == nil {
			return Uninitialized, nil
		}
		if c, ok := v.(trace.Const); ok {
			return m.getConst(c)
		}
		t, ok := e.tags[v.(*trace.Box)]
		if !ok {
			return 0, fmt.Errorf("resume: %s was not numbered", v)
		}
		return t, nil
	}

	nv := len(e.virtuals) + len(m.cachedVirtuals)
	virtuals := make([]VirtualInfo, nv)
	for _, b := range order {
		items := contents[b]
		fnums := make([]Num, len(items))
		for i, it := range items {
			if fnums[i], err = tagged(it); err != nil {
				return nil, nil, err
			}
		}
		vi := shapes[b].WithNums(fnums)
		if prev := m.vinfos[b]; prev != nil && prev.SameShape(vi) && sameFields(prev.FieldNums(), fnums) {
			vi = prev
			m.stats.ReusedVinfos++
		} else {
			m.vinfos[b] = vi
		}
		idx, _ := Untag(e.tags[b])
		if idx < 0 {
			idx += nv
		}
		virtuals[idx] = vi
	}

	pend := make([]PendingField, len(pending))
	for i, p := range pending {
		t, err := tagged(pkeys[i].target.value)
		if err != nil {
			return nil, nil, err
		}
		v, err := tagged(pkeys[i].value.value)
		if err != nil {
			return nil, nil, err
		}
		pend[i] = PendingField{Descr: p.Descr, Target: t, Value: v, Index: p.Index}
	}

	kinds := make([]trace.Kind, len(failargs))
	for i, v := range failargs {
		if v != nil {
			kinds[i] = v.Kind()
		}
	}

	m.stats.Guards++
	m.stats.Virtuals += len(order)
	m.stats.VirtualHoles += nv - len(order)
	m.stats.BoxHoles += nholes
	if m.invalidationNeeded(len(failargs), nholes) {
		log.Debugf("clearing box and virtual numbers: %d live, %d holes", len(failargs), nholes)
		m.clearBoxVirtualNumbers()
	}

	d := &Data{
		Numb:      numb,
		Frames:    frame,
		Consts:    m.Consts(),
		Virtuals:  virtuals,
		Pending:   pend,
		VableNums: vable,
		VrefNums:  vref,
		FailKinds: kinds,
	}
	return failargs, d, nil
}
