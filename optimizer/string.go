package optimizer

import (
	"github.com/chazu/rjit/pkg/trace"
)

// strOops names the helpers of one string flavour.
type strOops struct {
	uni                                  bool
	concat, slice, equal                 trace.OopSpec
	sliceChecknull, sliceNonnull         trace.OopSpec
	sliceChar, nonnull, nonnullChar      trace.OopSpec
	checknullChar, lengthok, cmp         trace.OopSpec
}

var (
	byteOops = strOops{
		concat: trace.OSStrConcat, slice: trace.OSStrSlice, equal: trace.OSStrEqual,
		sliceChecknull: trace.OSStreqSliceChecknull, sliceNonnull: trace.OSStreqSliceNonnull,
		sliceChar: trace.OSStreqSliceChar, nonnull: trace.OSStreqNonnull, nonnullChar: trace.OSStreqNonnullChar,
		checknullChar: trace.OSStreqChecknullChar, lengthok: trace.OSStreqLengthok, cmp: trace.OSStrCmp,
	}
	uniOops = strOops{
		uni:    true,
		concat: trace.OSUniConcat, slice: trace.OSUniSlice, equal: trace.OSUniEqual,
		sliceChecknull: trace.OSUnieqSliceChecknull, sliceNonnull: trace.OSUnieqSliceNonnull,
		sliceChar: trace.OSUnieqSliceChar, nonnull: trace.OSUnieqNonnull, nonnullChar: trace.OSUnieqNonnullChar,
		checknullChar: trace.OSUnieqChecknullChar, lengthok: trace.OSUnieqLengthok, cmp: trace.OSUniCmp,
	}
)

// stringCall classifies a call to a string helper.
func stringCall(op *trace.Op) (trace.OopSpec, strOops, bool) {
	if !op.Num.IsCall() {
		return trace.OSNone, strOops{}, false
	}
	ei := op.EffectInfo()
	if ei == nil {
		return trace.OSNone, strOops{}, false
	}
	switch os := ei.OopSpec; {
	case os >= trace.OSStrConcat && os <= trace.OSStrCmp:
		return os, byteOops, true
	case os >= trace.OSUniConcat && os <= trace.OSUniCmp:
		return os, uniOops, true
	}
	return trace.OSNone, strOops{}, false
}

// String keeps strings built inside the trace virtual: concatenation,
// slicing and character stores on fresh strings. Equality tests are
// decided when possible and otherwise routed to specialized helpers.
type String struct {
	base
}

func (p *String) Name() string { return "string" }

func (p *String) propagate(op *trace.Op) error {
	o := p.o
	if os, f, ok := stringCall(op); ok {
		switch os {
		case f.concat:
			o.virtuals[op.Result] = &vconcat{uni: f.uni, left: o.get(op.Args[1]), right: o.get(op.Args[2])}
			o.setNonnull(op.Result)
			return nil
		case f.slice:
			return p.slice(op, f.uni)
		case f.equal:
			return p.equal(op, f)
		case f.cmp:
			a, aok := o.stringChars(op.Args[1])
			b, bok := o.stringChars(op.Args[2])
			if aok && bok {
				o.makeEqual(op.Result, trace.ConstInt{V: int64(compareRunes(a, b))})
				return nil
			}
		}
		return p.emit(op)
	}

	switch op.Num {
	case trace.OpNewstr, trace.OpNewunicode:
		n, ok := o.intConst(op.Args[0])
		if ok && n >= 0 && n <= int64(o.opts.MaxVirtualArray) {
			o.virtuals[op.Result] = &vstr{uni: op.Num == trace.OpNewunicode, chars: make([]trace.Value, n)}
			return nil
		}
		if err := p.emit(op); err != nil {
			return err
		}
		o.strlens[op.Result] = op.Args[0]
		return nil

	case trace.OpStrsetitem, trace.OpUnicodesetitem:
		if v, ok := o.virtualOf(op.Args[0]).(*vstr); ok {
			if i, ok := o.intConst(op.Args[1]); ok && i >= 0 && i < int64(len(v.chars)) {
				v.chars[i] = o.get(op.Args[2])
				return nil
			}
		}

	case trace.OpStrgetitem, trace.OpUnicodegetitem:
		if o.isVirtual(op.Args[0]) {
			c, err := p.getChar(op.Args[0], op.Args[1], op.Num == trace.OpUnicodegetitem)
			if err != nil {
				return err
			}
			o.makeEqual(op.Result, c)
			return nil
		}

	case trace.OpStrlen, trace.OpUnicodelen:
		uni := op.Num == trace.OpUnicodelen
		r := o.get(op.Args[0])
		if b, ok := r.(*trace.Box); ok {
			if vo := o.virtuals[b]; vo != nil {
				n, err := o.strlen(b, vo, p.next(), uni)
				if err != nil {
					return err
				}
				o.makeEqual(op.Result, n)
				return nil
			}
			if n := o.strlens[b]; n != nil {
				o.makeEqual(op.Result, n)
				return nil
			}
			if err := p.emit(op); err != nil {
				return err
			}
			o.strlens[b] = op.Result
			return nil
		}

	case trace.OpCopystrcontent, trace.OpCopyunicodecontent:
		if done, err := p.copyContent(op); done || err != nil {
			return err
		}
	}
	return p.emit(op)
}

func compareRunes(a, b []rune) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// slice turns a slice call (s, start, stop) into a virtual slice.
func (p *String) slice(op *trace.Op, uni bool) error {
	o := p.o
	s, start, stop := o.get(op.Args[1]), o.get(op.Args[2]), o.get(op.Args[3])
	length, err := o.intOp(p.next(), trace.OpIntSub, stop, start)
	if err != nil {
		return err
	}
	if inner, ok := o.virtualOf(s).(*vslice); ok {
		start, err = o.intOp(p.next(), trace.OpIntAdd, inner.start, start)
		if err != nil {
			return err
		}
		s = inner.s
	}
	o.virtuals[op.Result] = &vslice{uni: uni, s: s, start: start, length: length}
	return nil
}

// getChar returns character idx of s, reading it from a virtual when
// the index is known.
func (p *String) getChar(s, idx trace.Value, uni bool) (trace.Value, error) {
	o := p.o
	s = o.get(s)
	i, known := o.intConst(idx)
	switch v := o.virtualOf(s).(type) {
	case *vstr:
		if known && i >= 0 && i < int64(len(v.chars)) {
			if c := v.chars[i]; c != nil {
				return o.get(c), nil
			}
			return trace.Const0, nil
		}
	case *vslice:
		at, err := o.intOp(p.next(), trace.OpIntAdd, v.start, idx)
		if err != nil {
			return nil, err
		}
		return p.getChar(v.s, at, uni)
	case *vconcat:
		if known {
			if l, ok := p.knownLen(v.left); ok {
				if i < l {
					return p.getChar(v.left, idx, uni)
				}
				return p.getChar(v.right, trace.ConstInt{V: i - l}, uni)
			}
		}
	}
	if chars, ok := constChars(s); ok && known && i >= 0 && i < int64(len(chars)) {
		return trace.ConstInt{V: int64(chars[i])}, nil
	}
	fs, err := o.forceValue(s, p.next())
	if err != nil {
		return nil, err
	}
	num := trace.OpStrgetitem
	if uni {
		num = trace.OpUnicodegetitem
	}
	op, err := o.emitNew(p.next(), num, nil, fs, o.get(idx))
	if err != nil {
		return nil, err
	}
	return o.get(op.Result), nil
}

// knownLen returns the length of s when it is a constant.
func (p *String) knownLen(s trace.Value) (int64, bool) {
	o := p.o
	r := o.get(s)
	if chars, ok := constChars(r); ok {
		return int64(len(chars)), true
	}
	switch v := o.virtualOf(r).(type) {
	case *vstr:
		return int64(len(v.chars)), true
	case *vconcat:
		l, ok1 := p.knownLen(v.left)
		rl, ok2 := p.knownLen(v.right)
		return l + rl, ok1 && ok2
	case *vslice:
		return o.intConst(v.length)
	}
	return 0, false
}

// copyContent copies into a virtual string when every position is known.
func (p *String) copyContent(op *trace.Op) (bool, error) {
	o := p.o
	uni := op.Num == trace.OpCopyunicodecontent
	dst, ok := o.virtualOf(op.Args[1]).(*vstr)
	if !ok {
		return false, nil
	}
	srcStart, ok1 := o.intConst(op.Args[2])
	dstStart, ok2 := o.intConst(op.Args[3])
	n, ok3 := o.intConst(op.Args[4])
	if !ok1 || !ok2 || !ok3 || dstStart < 0 || n < 0 || dstStart+n > int64(len(dst.chars)) {
		return false, nil
	}
	for k := int64(0); k < n; k++ {
		c, err := p.getChar(op.Args[0], trace.ConstInt{V: srcStart + k}, uni)
		if err != nil {
			return false, err
		}
		dst.chars[dstStart+k] = c
	}
	return true, nil
}

// ============================================================================
// Equality
// ============================================================================

func (p *String) equal(op *trace.Op, f strOops) error {
	o := p.o
	a, b := o.get(op.Args[1]), o.get(op.Args[2])
	if a == b {
		o.makeEqual(op.Result, trace.Const1)
		return nil
	}
	if ac, ok := o.stringChars(a); ok {
		if bc, ok := o.stringChars(b); ok {
			o.makeEqual(op.Result, boolConst(compareRunes(ac, bc) == 0))
			return nil
		}
	}
	if o.isNull(a) || o.isNull(b) {
		if o.isNull(a) && o.isNull(b) {
			o.makeEqual(op.Result, trace.Const1)
			return nil
		}
		other := a
		if o.isNull(a) {
			other = b
		}
		if o.isNonnull(other) {
			o.makeEqual(op.Result, trace.Const0)
			return nil
		}
	}
	if la, ok := p.knownLen(a); ok {
		if lb, ok := p.knownLen(b); ok && la != lb {
			o.makeEqual(op.Result, trace.Const0)
			return nil
		}
	}
	if r, done, err := p.equalOneSided(a, b, f); done || err != nil {
		if err == nil {
			o.makeEqual(op.Result, r)
		}
		return err
	}
	if r, done, err := p.equalOneSided(b, a, f); done || err != nil {
		if err == nil {
			o.makeEqual(op.Result, r)
		}
		return err
	}
	if o.isNonnull(a) && o.isNonnull(b) {
		if r, ok, err := p.callHelper(f.nonnull, a, b); ok || err != nil {
			if err == nil {
				o.makeEqual(op.Result, r)
			}
			return err
		}
	}
	return p.emit(op)
}

// equalOneSided specializes s == k where k is a constant string.
func (p *String) equalOneSided(s, k trace.Value, f strOops) (trace.Value, bool, error) {
	o := p.o
	chars, ok := constChars(k)
	if !ok {
		return nil, false, nil
	}
	if sl, ok := o.virtualOf(s).(*vslice); ok {
		base, err := o.forceValue(sl.s, p.next())
		if err != nil {
			return nil, false, err
		}
		if len(chars) == 1 {
			return p.callHelper(f.sliceChar, base, o.get(sl.start), o.get(sl.length), trace.ConstInt{V: int64(chars[0])})
		}
		return p.callHelper(f.sliceNonnull, base, o.get(sl.start), o.get(sl.length), k)
	}
	switch len(chars) {
	case 0:
		if !o.isNonnull(s) {
			return nil, false, nil
		}
		n, err := o.strlenOf(s, p.next(), f.uni)
		if err != nil {
			return nil, false, err
		}
		if c, ok := o.intConst(n); ok {
			return boolConst(c == 0), true, nil
		}
		eq, err := o.emitNew(p.next(), trace.OpIntEq, nil, n, trace.Const0)
		if err != nil {
			return nil, false, err
		}
		return o.get(eq.Result), true, nil
	case 1:
		c := trace.ConstInt{V: int64(chars[0])}
		if o.isNonnull(s) {
			return p.callHelper(f.nonnullChar, s, c)
		}
		return p.callHelper(f.checknullChar, s, c)
	}
	return nil, false, nil
}

// callHelper emits a call to the helper for os. It reports false when
// no helper is registered.
func (p *String) callHelper(os trace.OopSpec, args ...trace.Value) (trace.Value, bool, error) {
	o := p.o
	if o.cpu == nil {
		return nil, false, nil
	}
	fn, cd, ok := o.cpu.CallInfo(os)
	if !ok {
		return nil, false, nil
	}
	call, err := o.emitNew(p.next(), trace.CallFor(cd.Result), cd, append([]trace.Value{fn}, args...)...)
	if err != nil {
		return nil, false, err
	}
	return o.get(call.Result), true, nil
}
