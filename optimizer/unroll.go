package optimizer

import (
	"fmt"
	"strconv"

	"github.com/chazu/rjit/pkg/trace"
)

// ============================================================================
// Virtual state
// ============================================================================

type vsKind uint8

const (
	vsLeaf vsKind = iota
	vsConst
	vsVirtual
	vsNil
)

// stateNode describes one value entering a peeled loop.
type stateNode struct {
	kind vsKind

	// vsConst
	c trace.Const

	// vsLeaf
	box        *trace.Box
	bound      *IntBound
	nonnull    bool
	class      int64
	classKnown bool

	// vsVirtual
	shape    vobj
	vbox     *trace.Box
	children []*stateNode
}

// VirtualState is what a peeled loop assumes about the values its jump
// passes: which of them are virtual and with what shape, which are
// constants, and the bounds and pointer facts of the rest. The leaves
// are the boxes of the loop label.
type VirtualState struct {
	nodes  []*stateNode
	Leaves []*trace.Box
}

func (vs *VirtualState) String() string {
	return fmt.Sprintf("VirtualState(%d values, %d leaves)", len(vs.nodes), len(vs.Leaves))
}

// ShortPreamble lists the operations that recompute the extra inputs of a
// peeled loop label from its leaves. A jump to the label runs them first.
type ShortPreamble struct {
	Producers []*trace.Op
}

type genFlag uint8

const (
	genLeaf genFlag = 1 << iota
	genNoBound
	genNoPtr
)

// generalization records, per value path, which assumptions failed on a
// previous attempt.
type generalization map[string]genFlag

func childPath(path string, i int) string { return path + "." + strconv.Itoa(i) }

// sameShape reports whether two virtuals have the same layout.
func sameShape(a, b vobj) bool {
	switch x := a.(type) {
	case *vstruct:
		y, ok := b.(*vstruct)
		return ok && x.descr == y.descr
	case *varray:
		y, ok := b.(*varray)
		return ok && x.descr == y.descr && x.clear == y.clear && len(x.items) == len(y.items)
	case *varraystruct:
		y, ok := b.(*varraystruct)
		return ok && x.descr == y.descr && x.length == y.length
	case *vrawbuffer:
		y, ok := b.(*vrawbuffer)
		if !ok || x.size != y.size || len(x.entries) != len(y.entries) {
			return false
		}
		for i := range x.entries {
			if x.entries[i].offset != y.entries[i].offset || x.entries[i].descr != y.entries[i].descr {
				return false
			}
		}
		return true
	case *vrawslice:
		y, ok := b.(*vrawslice)
		return ok && x.offset == y.offset
	case *vstr:
		y, ok := b.(*vstr)
		return ok && x.uni == y.uni && len(x.chars) == len(y.chars)
	case *vconcat:
		y, ok := b.(*vconcat)
		return ok && x.uni == y.uni
	case *vslice:
		y, ok := b.(*vslice)
		return ok && x.uni == y.uni
	}
	return false
}

// buildState describes values, forcing what gen or aliasing requires to
// be a leaf. Forcing emits at level 0.
func (o *Optimizer) buildState(values []trace.Value, gen generalization) (*VirtualState, error) {
	occ := make(map[*trace.Box]int)
	var count func(v trace.Value)
	count = func(v trace.Value) {
		if v == nil {
			return
		}
		b, ok := o.get(v).(*trace.Box)
		if !ok || o.virtuals[b] == nil {
			return
		}
		occ[b]++
		if occ[b] == 1 {
			for _, x := range o.virtuals[b].Items() {
				count(x)
			}
		}
	}
	for _, v := range values {
		count(v)
	}

	var build func(v trace.Value, path string) (*stateNode, error)
	build = func(v trace.Value, path string) (*stateNode, error) {
		if v == nil {
			return &stateNode{kind: vsNil}, nil
		}
		r := o.get(v)
		flags := gen[path]
		if c, ok := r.(trace.Const); ok && flags&genLeaf == 0 {
			return &stateNode{kind: vsConst, c: c}, nil
		}
		if b, ok := r.(*trace.Box); ok && o.virtuals[b] != nil && occ[b] == 1 && flags&genLeaf == 0 {
			vo := o.virtuals[b]
			n := &stateNode{kind: vsVirtual, shape: vo, vbox: b}
			for i, x := range vo.Items() {
				child, err := build(x, childPath(path, i))
				if err != nil {
					return nil, err
				}
				n.children = append(n.children, child)
			}
			return n, nil
		}
		fv, err := o.forceValue(r, 0)
		if err != nil {
			return nil, err
		}
		n := &stateNode{kind: vsLeaf}
		if b, ok := fv.(*trace.Box); ok {
			n.box = b
		} else {
			// A constant that must become a box gets one below.
			n.c = fv.(trace.Const)
		}
		return n, nil
	}

	vs := &VirtualState{}
	for i, v := range values {
		n, err := build(v, strconv.Itoa(i))
		if err != nil {
			return nil, err
		}
		vs.nodes = append(vs.nodes, n)
	}
	return vs, nil
}

// checkForced reports the virtual nodes whose object was forced after the
// state was built.
func (o *Optimizer) checkForced(vs *VirtualState, gen generalization) bool {
	changed := false
	var walk func(n *stateNode, path string)
	walk = func(n *stateNode, path string) {
		if n.kind != vsVirtual {
			return
		}
		if o.virtuals[n.vbox] == nil {
			gen[path] |= genLeaf
			changed = true
			return
		}
		for i, c := range n.children {
			walk(c, childPath(path, i))
		}
	}
	for i, n := range vs.nodes {
		walk(n, strconv.Itoa(i))
	}
	return changed
}

// assignLeaves gives every leaf its own label box and records the facts
// known about it. Constants and repeated boxes get a SAME_AS copy.
func (o *Optimizer) assignLeaves(vs *VirtualState, gen generalization) error {
	used := make(map[*trace.Box]bool)
	var walk func(n *stateNode, path string) error
	walk = func(n *stateNode, path string) error {
		switch n.kind {
		case vsVirtual:
			for i, c := range n.children {
				if err := walk(c, childPath(path, i)); err != nil {
					return err
				}
			}
			return nil
		case vsLeaf:
		default:
			return nil
		}
		flags := gen[path]
		fromConst := n.box == nil
		if fromConst || used[n.box] {
			var src trace.Value = n.box
			if fromConst {
				src = n.c
			}
			cp := trace.NewOp(trace.SameAsFor(src.Kind()), []trace.Value{src}, nil)
			if err := o.emitFinal(cp); err != nil {
				return err
			}
			n.box = cp.Result
		}
		used[n.box] = true
		vs.Leaves = append(vs.Leaves, n.box)
		if fromConst {
			return nil
		}
		switch n.box.Kind() {
		case trace.Int:
			if flags&genNoBound == 0 {
				if b := o.boundOf(n.box); !b.IsUnbounded() {
					n.bound = b.Clone()
				}
			}
		case trace.Ref:
			if flags&genNoPtr == 0 {
				n.nonnull = o.isNonnull(n.box)
				n.class, n.classKnown = o.knownClass(n.box)
			}
		}
		return nil
	}
	for i, n := range vs.nodes {
		if err := walk(n, strconv.Itoa(i)); err != nil {
			return err
		}
	}
	return nil
}

// importState seeds a fresh optimizer with vs and returns the value each
// node stands for.
func (o *Optimizer) importState(vs *VirtualState) []trace.Value {
	var imp func(n *stateNode) trace.Value
	imp = func(n *stateNode) trace.Value {
		switch n.kind {
		case vsNil:
			return nil
		case vsConst:
			return n.c
		case vsLeaf:
			if n.bound != nil {
				o.bounds[n.box] = n.bound.Clone()
			}
			if n.classKnown {
				o.setClass(n.box, n.class)
			} else if n.nonnull {
				o.setNonnull(n.box)
			}
			return n.box
		}
		items := make([]trace.Value, len(n.children))
		for i, c := range n.children {
			items[i] = imp(c)
		}
		b := trace.NewBox(n.vbox.Kind())
		o.virtuals[b] = n.shape.rebuild(items)
		return b
	}
	out := make([]trace.Value, len(vs.nodes))
	for i, n := range vs.nodes {
		out[i] = imp(n)
	}
	return out
}

// checkState matches values against vs. Every assumption that does not
// hold is recorded in gen; the result reports whether any failed.
func (o *Optimizer) checkState(vs *VirtualState, values []trace.Value, gen generalization) bool {
	failed := false
	fail := func(path string, f genFlag) {
		gen[path] |= f
		failed = true
	}
	seen := make(map[*trace.Box]bool)
	var check func(n *stateNode, v trace.Value, path, parent string)
	check = func(n *stateNode, v trace.Value, path, parent string) {
		var r trace.Value
		if v != nil {
			r = o.get(v)
		}
		switch n.kind {
		case vsNil:
			if r != nil && !isZeroConst(r) {
				fail(parent, genLeaf)
			}
		case vsConst:
			if r == nil && isZeroConst(n.c) {
				return
			}
			if c, ok := r.(trace.Const); !ok || !sameValue(c, n.c) {
				fail(path, genLeaf)
			}
		case vsLeaf:
			if r == nil {
				return
			}
			if n.bound != nil && !n.bound.ContainsBound(o.boundOf(r)) {
				fail(path, genNoBound)
			}
			if n.nonnull && !o.isNonnull(r) {
				fail(path, genNoPtr)
			}
			if n.classKnown {
				if cls, ok := o.knownClass(r); !ok || cls != n.class {
					fail(path, genNoPtr)
				}
			}
		case vsVirtual:
			b, _ := r.(*trace.Box)
			vo := o.virtualOf(r)
			if vo == nil || seen[b] || !sameShape(n.shape, vo) {
				fail(path, genLeaf)
				return
			}
			seen[b] = true
			items := vo.Items()
			for i, c := range n.children {
				check(c, items[i], childPath(path, i), path)
			}
		}
	}
	for i, n := range vs.nodes {
		check(n, values[i], strconv.Itoa(i), "")
	}
	delete(gen, "")
	return failed
}

// flatten returns the values of the leaves of vs in values, which must
// match it.
func (o *Optimizer) flatten(vs *VirtualState, values []trace.Value) []trace.Value {
	var out []trace.Value
	var walk func(n *stateNode, v trace.Value)
	walk = func(n *stateNode, v trace.Value) {
		switch n.kind {
		case vsLeaf:
			if v == nil {
				out = append(out, trace.ZeroOf(n.box.Kind()))
				return
			}
			out = append(out, o.get(v))
		case vsVirtual:
			items := o.virtualOf(v).Items()
			for i, c := range n.children {
				walk(c, items[i])
			}
		}
	}
	for i, n := range vs.nodes {
		walk(n, values[i])
	}
	return out
}

// ============================================================================
// Short preamble
// ============================================================================

// exportShort collects the producers of the pure and heap passes that
// only read leaves of vs and whose result is not already a leaf.
func (o *Optimizer) exportShort(vs *VirtualState) []*trace.Op {
	leaves := make(map[*trace.Box]bool, len(vs.Leaves))
	for _, b := range vs.Leaves {
		leaves[b] = true
	}
	avail := func(v trace.Value) bool {
		switch x := v.(type) {
		case *trace.Box:
			return leaves[x]
		case trace.Const:
			return true
		}
		return false
	}
	var candidates []*trace.Op
	if p, ok := findPass[*Pure](o); ok {
		candidates = append(candidates, p.exportShort(avail)...)
	}
	if h, ok := findPass[*Heap](o); ok {
		candidates = append(candidates, h.exportShort(avail)...)
	}
	var out []*trace.Op
	seen := make(map[*trace.Box]bool)
	for _, op := range candidates {
		// Results must be computed inside the preamble, not trace inputs.
		if leaves[op.Result] || seen[op.Result] || o.defs[op.Result] == nil {
			continue
		}
		seen[op.Result] = true
		out = append(out, op)
	}
	return out
}

func (o *Optimizer) importShort(producers []*trace.Op) {
	p, hasPure := findPass[*Pure](o)
	h, hasHeap := findPass[*Heap](o)
	for _, op := range producers {
		switch {
		case op.Num.IsGetfieldGc() && !op.FieldDescr().Immutable:
			if hasHeap {
				h.importShort(op)
			}
		case hasPure:
			p.importShort(op)
		}
	}
}

// runProducers recomputes the extra label inputs at the end of a loop or
// bridge, with the leaves bound to leafValues.
func (o *Optimizer) runProducers(vs *VirtualState, sp *ShortPreamble, leafValues []trace.Value) ([]trace.Value, error) {
	if sp == nil {
		return nil, nil
	}
	index := make(map[*trace.Box]int, len(vs.Leaves))
	for i, b := range vs.Leaves {
		index[b] = i
	}
	out := make([]trace.Value, len(sp.Producers))
	for i, p := range sp.Producers {
		args := make([]trace.Value, len(p.Args))
		for j, a := range p.Args {
			if b, ok := a.(*trace.Box); ok {
				args[j] = leafValues[index[b]]
			} else {
				args[j] = a
			}
		}
		op, err := o.emitNew(0, p.Num, p.Descr, args...)
		if err != nil {
			return nil, err
		}
		out[i] = o.get(op.Result)
	}
	return out, nil
}

// ============================================================================
// Loop peeling
// ============================================================================

// splitLoop strips a leading LABEL and a trailing JUMP from ops.
func splitLoop(ops []*trace.Op) (body []*trace.Op, jump *trace.Op) {
	if len(ops) > 0 && ops[0].Num == trace.OpLabel {
		ops = ops[1:]
	}
	if n := len(ops); n > 0 && ops[n-1].Num == trace.OpJump {
		return ops[:n-1], ops[n-1]
	}
	return ops, nil
}

// OptimizeLoop optimizes a loop trace for cell. With "unroll" in the
// chain, one iteration is peeled off as a preamble so the loop body can
// assume what the preamble established; the result then has two labels.
// Otherwise the trace gets a single label the JUMP returns to.
func OptimizeLoop(cell *trace.JitCellToken, inputs []*trace.Box, ops []*trace.Op, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	_, unroll := BuildChain(opts.Passes)
	body, jump := splitLoop(ops)
	if jump != nil && len(jump.Args) != len(inputs) {
		return nil, fmt.Errorf("%s: jump passes %d values to a loop of %d inputs", cell, len(jump.Args), len(inputs))
	}
	if !unroll || jump == nil {
		return optimizeSimpleLoop(cell, inputs, body, jump, opts)
	}

	gen := make(generalization)
	for attempt := 0; attempt < opts.UnrollRetries; attempt++ {
		res, retry, err := peel(cell, inputs, body, jump, opts, gen)
		if err != nil {
			return nil, err
		}
		if !retry {
			return res, nil
		}
		log.Debugf("%s: loop state generalized, attempt %d", cell, attempt+1)
	}
	return nil, invalidLoop("loop state of %s did not converge after %d attempts", cell, opts.UnrollRetries)
}

func optimizeSimpleLoop(cell *trace.JitCellToken, inputs []*trace.Box, body []*trace.Op, jump *trace.Op, opts Options) (*Result, error) {
	o := newOptimizer(opts)
	o.keepNames = true
	tt := trace.NewTargetToken(cell.String())
	args := make([]trace.Value, len(inputs))
	for i, b := range inputs {
		args[i] = b
	}
	o.out = append(o.out, trace.NewOp(trace.OpLabel, args, tt))
	for _, op := range body {
		if err := o.send(op); err != nil {
			return nil, err
		}
	}
	if jump != nil {
		j := jump.Copy()
		j.Descr = tt
		if err := o.send(j); err != nil {
			return nil, err
		}
	}
	if err := o.flushPasses(); err != nil {
		return nil, err
	}
	o.dump("loop")
	cell.AddTarget(tt)
	return &Result{Inputs: inputs, Ops: o.out, Loop: tt, QuasiDeps: o.quasiDeps}, nil
}

// peel runs the preamble and the loop body once. It reports retry when
// the state at the end of the body does not match the state the body
// assumed; gen then holds the weaker assumptions to try next.
func peel(cell *trace.JitCellToken, inputs []*trace.Box, body []*trace.Op, jump *trace.Op, opts Options, gen generalization) (*Result, bool, error) {
	// Preamble.
	o1 := newOptimizer(opts)
	o1.keepNames = true
	for _, op := range body {
		if err := o1.send(op); err != nil {
			return nil, false, err
		}
	}
	if err := o1.flushPasses(); err != nil {
		return nil, false, err
	}
	endValues := make([]trace.Value, len(jump.Args))
	for i, a := range jump.Args {
		endValues[i] = o1.get(a)
	}
	vs, err := o1.buildState(endValues, gen)
	if err != nil {
		return nil, false, err
	}
	if err := o1.flushPasses(); err != nil {
		return nil, false, err
	}
	if o1.checkForced(vs, gen) {
		return nil, true, nil
	}
	if err := o1.assignLeaves(vs, gen); err != nil {
		return nil, false, err
	}
	sp := &ShortPreamble{Producers: o1.exportShort(vs)}
	o1.dump("preamble")

	// Loop body.
	o2 := newOptimizer(opts)
	o2.freshGuards = true
	entry := o2.importState(vs)
	for i, in := range inputs {
		if entry[i] == nil {
			entry[i] = trace.ZeroOf(in.Kind())
		}
		o2.makeEqual(in, entry[i])
	}
	o2.importShort(sp.Producers)
	for _, op := range body {
		if err := o2.send(op); err != nil {
			return nil, false, err
		}
	}
	loopValues := make([]trace.Value, len(jump.Args))
	for i, a := range jump.Args {
		loopValues[i] = o2.get(a)
	}
	if o2.checkState(vs, loopValues, gen) {
		return nil, true, nil
	}
	leafValues := o2.flatten(vs, loopValues)
	tail := len(o2.out)
	extras, err := o2.runProducers(vs, sp, leafValues)
	if err != nil {
		return nil, false, err
	}

	preTT := trace.NewTargetToken(cell.String())
	loopTT := trace.NewTargetToken(cell.String() + "_loop")
	loopTT.VirtualState = vs
	loopTT.ShortPreamble = sp

	if _, err := o2.emitNew(0, trace.OpJump, loopTT, append(leafValues, extras...)...); err != nil {
		return nil, false, err
	}
	if err := o2.flushPasses(); err != nil {
		return nil, false, err
	}
	o2.out = pruneExtras(o2.out, tail, len(vs.Leaves), sp)
	o2.dump("loop body")

	preArgs := make([]trace.Value, len(inputs))
	for i, b := range inputs {
		preArgs[i] = b
	}
	labelArgs := make([]trace.Value, 0, len(vs.Leaves)+len(sp.Producers))
	for _, b := range vs.Leaves {
		labelArgs = append(labelArgs, b)
	}
	for _, p := range sp.Producers {
		labelArgs = append(labelArgs, p.Result)
	}

	out := make([]*trace.Op, 0, len(o1.out)+len(o2.out)+2)
	out = append(out, trace.NewOp(trace.OpLabel, preArgs, preTT))
	out = append(out, o1.out...)
	out = append(out, trace.NewOp(trace.OpLabel, labelArgs, loopTT))
	out = append(out, o2.out...)

	cell.AddTarget(preTT)
	cell.AddTarget(loopTT)
	return &Result{
		Inputs:    inputs,
		Ops:       out,
		Preamble:  preTT,
		Loop:      loopTT,
		QuasiDeps: append(o1.quasiDeps, o2.quasiDeps...),
	}, false, nil
}

// pruneExtras removes the extra label inputs the loop body never reads,
// together with the pure operations emitted only to compute them at the
// jump. ops ends with the loop's JUMP; producers were emitted from tail.
func pruneExtras(ops []*trace.Op, tail, nLeaves int, sp *ShortPreamble) []*trace.Op {
	if len(sp.Producers) == 0 || len(ops) == 0 {
		return ops
	}
	jump := ops[len(ops)-1]
	uses := make(map[*trace.Box]int)
	count := func(op *trace.Op, delta int) {
		for _, a := range op.Args {
			if b, ok := a.(*trace.Box); ok {
				uses[b] += delta
			}
		}
		for _, a := range op.FailArgs {
			if b, ok := a.(*trace.Box); ok {
				uses[b] += delta
			}
		}
	}
	for _, op := range ops[:len(ops)-1] {
		count(op, 1)
	}

	var producers []*trace.Op
	args := append([]trace.Value(nil), jump.Args[:nLeaves]...)
	for i, p := range sp.Producers {
		if uses[p.Result] == 0 {
			continue
		}
		producers = append(producers, p)
		args = append(args, jump.Args[nLeaves+i])
	}
	if len(producers) == len(sp.Producers) {
		return ops
	}
	sp.Producers = producers
	jump.Args = args
	count(jump, 1)

	dead := make(map[*trace.Op]bool)
	for i := len(ops) - 2; i >= tail && i >= 0; i-- {
		op := ops[i]
		if op.Result == nil || !op.Num.IsAlwaysPure() || uses[op.Result] > 0 {
			continue
		}
		dead[op] = true
		count(op, -1)
	}
	if len(dead) == 0 {
		return ops
	}
	out := ops[:0]
	for _, op := range ops {
		if !dead[op] {
			out = append(out, op)
		}
	}
	return out
}
