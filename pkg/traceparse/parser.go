// Package traceparse reads the textual trace format printed by
// trace.Fprint, extended with inline descriptor declarations:
//
//	struct Node vtable { value: int, next: ref, tag: uint8 immutable }
//	array Items ref clear
//	array Points of Point
//	call concat(r, r) -> r effect=elidable-or-memoryerror oopspec=STR_CONCAT
//	loop outer
//
//	[i0, p1]
//	i2 = int_add(i0, 1)
//	guard_true(i2, descr=g0) [i0 | p1]
//	p3 = call_r(concat, p1, s"x", descr=concat)
//	jump(i2, p3, descr=loop)
//
// Box kinds come from the name prefix of inputs (i, p or r, f) and from
// the opcode for results. Guard fail arguments list snapshot frames
// outermost first, separated by '|'.
package traceparse

import (
	"fmt"
	"math"
	"strconv"

	"github.com/chazu/rjit/pkg/memory"
	"github.com/chazu/rjit/pkg/trace"
)

// SyntaxError describes a parse failure.
type SyntaxError struct {
	Pos Position
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %s: %s", e.Pos, e.Msg)
}

// Namespace holds the descriptors, callee addresses and reference
// constants shared by the traces parsed through it.
type Namespace struct {
	Descrs map[string]trace.Descr
	Refs   map[string]trace.RefValue

	// Funcs resolves callee names to addresses. Unresolved callees of
	// declared calls get synthetic addresses.
	Funcs func(name string) (int64, bool)

	funcAddrs map[string]int64
	strs      map[string]trace.RefValue
}

// NewNamespace returns an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{
		Descrs:    make(map[string]trace.Descr),
		Refs:      make(map[string]trace.RefValue),
		funcAddrs: make(map[string]int64),
		strs:      make(map[string]trace.RefValue),
	}
}

// FuncAddr returns the address used for callee name.
func (ns *Namespace) FuncAddr(name string) (int64, bool) {
	if ns.Funcs != nil {
		if a, ok := ns.Funcs(name); ok {
			ns.funcAddrs[name] = a
			return a, true
		}
	}
	if a, ok := ns.funcAddrs[name]; ok {
		return a, true
	}
	if _, ok := ns.Descrs[name].(*trace.CallDescr); ok {
		a := int64(0x7f0000 + 0x10*len(ns.funcAddrs))
		ns.funcAddrs[name] = a
		return a, true
	}
	return 0, false
}

// Parsed is a parsed trace.
type Parsed struct {
	Inputs []*trace.Box
	Ops    []*trace.Op
	Boxes  map[string]*trace.Box
	NS     *Namespace
}

// Trace returns the parsed trace.
func (p *Parsed) Trace() *trace.Trace {
	return &trace.Trace{Inputs: p.Inputs, Ops: p.Ops}
}

// Parse parses src in a fresh namespace.
func Parse(src string) (*Parsed, error) {
	return NewNamespace().Parse(src)
}

// MustParse is Parse for tests; it panics on error.
func MustParse(src string) *Parsed {
	p, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return p
}

// Parse parses src, declaring new descriptors in ns.
func (ns *Namespace) Parse(src string) (*Parsed, error) {
	p := &parser{
		ns:   ns,
		toks: Tokenize(src),
		out:  &Parsed{Boxes: make(map[string]*trace.Box), NS: ns},
	}
	if err := p.parse(); err != nil {
		return nil, err
	}
	return p.out, nil
}

type parser struct {
	ns     *Namespace
	toks   []Token
	pos    int
	out    *Parsed
	inputs bool
}

func (p *parser) peek() Token { return p.toks[p.pos] }

func (p *parser) next() Token {
	t := p.toks[p.pos]
	if t.Type != TokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t Token, format string, args ...any) error {
	return &SyntaxError{Pos: t.Pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(typ TokenType) (Token, error) {
	t := p.next()
	if t.Type != typ {
		return t, p.errorf(t, "expected %s, got %s", typ, t)
	}
	return t, nil
}

func (p *parser) accept(typ TokenType) bool {
	if p.peek().Type == typ {
		p.next()
		return true
	}
	return false
}

func (p *parser) acceptWord(word string) bool {
	if t := p.peek(); t.Type == TokenIdentifier && t.Literal == word {
		p.next()
		return true
	}
	return false
}

func (p *parser) endOfLine() error {
	t := p.next()
	if t.Type != TokenNewline && t.Type != TokenEOF {
		return p.errorf(t, "unexpected %s at end of line", t)
	}
	return nil
}

func (p *parser) parse() error {
	for {
		t := p.peek()
		switch {
		case t.Type == TokenEOF:
			return nil
		case t.Type == TokenNewline:
			p.next()
			continue
		case t.Type == TokenError:
			return p.errorf(t, "invalid token %q", t.Literal)
		case t.Type == TokenLBracket && !p.inputs:
			if err := p.parseInputs(); err != nil {
				return err
			}
		case t.Type == TokenIdentifier && t.Literal == "struct":
			if err := p.parseStruct(); err != nil {
				return err
			}
		case t.Type == TokenIdentifier && t.Literal == "array":
			if err := p.parseArray(); err != nil {
				return err
			}
		case t.Type == TokenIdentifier && t.Literal == "call" && p.toks[p.pos+1].Type == TokenIdentifier:
			if err := p.parseCallDecl(); err != nil {
				return err
			}
		case t.Type == TokenIdentifier && t.Literal == "loop" && p.toks[p.pos+1].Type == TokenIdentifier:
			p.next()
			name := p.next().Literal
			p.ns.Descrs[name] = trace.NewJitCellToken(name)
		default:
			if err := p.parseOp(); err != nil {
				return err
			}
		}
		if err := p.endOfLine(); err != nil {
			return err
		}
	}
}

// ============================================================================
// Declarations
// ============================================================================

// typeSpec parses int, int8..int32, uint8..uint32, ref or float.
func typeSpec(name string) (k trace.Kind, size int, signed bool, ok bool) {
	switch name {
	case "int":
		return trace.Int, trace.WordSize, true, true
	case "int8", "int16", "int32":
		n, _ := strconv.Atoi(name[3:])
		return trace.Int, n / 8, true, true
	case "uint8", "uint16", "uint32":
		n, _ := strconv.Atoi(name[4:])
		return trace.Int, n / 8, false, true
	case "ref":
		return trace.Ref, trace.WordSize, false, true
	case "float":
		return trace.Float, 8, false, true
	}
	return 0, 0, false, false
}

func (p *parser) parseStruct() error {
	p.next()
	name, err := p.expect(TokenIdentifier)
	if err != nil {
		return err
	}
	withVtable := p.acceptWord("vtable")
	if _, err := p.expect(TokenLBrace); err != nil {
		return err
	}
	var fields []trace.FieldSpec
	for !p.accept(TokenRBrace) {
		if len(fields) > 0 {
			if _, err := p.expect(TokenComma); err != nil {
				return err
			}
		}
		fname, err := p.expect(TokenIdentifier)
		if err != nil {
			return err
		}
		if _, err := p.expect(TokenColon); err != nil {
			return err
		}
		tt := p.next()
		k, size, signed, ok := typeSpec(tt.Literal)
		if !ok {
			return p.errorf(tt, "unknown field type %q", tt.Literal)
		}
		fs := trace.FieldSpec{Name: fname.Literal, Type: k, Size: size, Signed: signed}
		for {
			if p.acceptWord("immutable") {
				fs.Immutable = true
			} else if p.acceptWord("quasi") {
				fs.QuasiImmut = true
			} else {
				break
			}
		}
		fields = append(fields, fs)
	}
	sd := trace.NewSizeDescr(name.Literal, withVtable, fields...)
	p.ns.Descrs[sd.Name] = sd
	for _, f := range sd.Fields {
		p.ns.Descrs[f.String()] = f
	}
	return nil
}

func (p *parser) parseArray() error {
	p.next()
	name, err := p.expect(TokenIdentifier)
	if err != nil {
		return err
	}
	var ad *trace.ArrayDescr
	if p.acceptWord("of") {
		st, err := p.expect(TokenIdentifier)
		if err != nil {
			return err
		}
		sd, ok := p.ns.Descrs[st.Literal].(*trace.SizeDescr)
		if !ok {
			return p.errorf(st, "unknown struct %q", st.Literal)
		}
		ad = trace.NewStructArrayDescr(name.Literal, sd, false)
	} else {
		tt := p.next()
		k, size, signed, ok := typeSpec(tt.Literal)
		if !ok {
			return p.errorf(tt, "unknown item type %q", tt.Literal)
		}
		ad = trace.NewArrayDescr(name.Literal, k, size, signed, false)
	}
	for {
		if p.acceptWord("clear") {
			ad.Clear = true
		} else if p.acceptWord("raw") {
			ad.Raw = true
		} else {
			break
		}
	}
	p.ns.Descrs[ad.Name] = ad
	for _, d := range ad.InteriorFields {
		p.ns.Descrs[d.String()] = d
	}
	return nil
}

func kindLetter(t Token) (trace.Kind, bool) {
	switch t.Literal {
	case "i":
		return trace.Int, true
	case "r", "p":
		return trace.Ref, true
	case "f":
		return trace.Float, true
	case "v":
		return trace.Void, true
	}
	return 0, false
}

func (p *parser) parseCallDecl() error {
	p.next()
	name, err := p.expect(TokenIdentifier)
	if err != nil {
		return err
	}
	if _, err := p.expect(TokenLParen); err != nil {
		return err
	}
	var args []trace.Kind
	for !p.accept(TokenRParen) {
		if len(args) > 0 {
			if _, err := p.expect(TokenComma); err != nil {
				return err
			}
		}
		t := p.next()
		k, ok := kindLetter(t)
		if !ok || k == trace.Void {
			return p.errorf(t, "bad argument kind %q", t.Literal)
		}
		args = append(args, k)
	}
	if _, err := p.expect(TokenArrow); err != nil {
		return err
	}
	rt := p.next()
	result, ok := kindLetter(rt)
	if !ok {
		return p.errorf(rt, "bad result kind %q", rt.Literal)
	}
	ei := &trace.EffectInfo{Extra: trace.EffectCanRaise}
	for p.peek().Type == TokenIdentifier {
		key := p.next()
		if _, err := p.expect(TokenAssign); err != nil {
			return err
		}
		val := p.next()
		switch key.Literal {
		case "effect":
			e, ok := trace.ParseExtraEffect(val.Literal)
			if !ok {
				return p.errorf(val, "unknown effect %q", val.Literal)
			}
			ei.Extra = e
		case "oopspec":
			o, ok := trace.ParseOopSpec(val.Literal)
			if !ok {
				return p.errorf(val, "unknown oopspec %q", val.Literal)
			}
			ei.OopSpec = o
		case "reads", "writes":
			names := []string{val.Literal}
			for p.accept(TokenBar) {
				names = append(names, p.next().Literal)
			}
			for _, n := range names {
				if err := p.addEffect(ei, key.Literal == "writes", n, val); err != nil {
					return err
				}
			}
		case "invalidates":
			ei.CanInvalidate = val.Literal == "true"
		default:
			return p.errorf(key, "unknown call attribute %q", key.Literal)
		}
	}
	if ei.Extra == trace.EffectRandomEffects {
		ei.CanInvalidate = true
	}
	p.ns.Descrs[name.Literal] = trace.NewCallDescr(name.Literal, args, result, ei)
	return nil
}

func (p *parser) addEffect(ei *trace.EffectInfo, write bool, name string, at Token) error {
	switch d := p.ns.Descrs[name].(type) {
	case *trace.FieldDescr:
		if write {
			ei.WriteFields = append(ei.WriteFields, d)
		} else {
			ei.ReadFields = append(ei.ReadFields, d)
		}
	case *trace.ArrayDescr:
		if write {
			ei.WriteArrays = append(ei.WriteArrays, d)
		} else {
			ei.ReadArrays = append(ei.ReadArrays, d)
		}
	case *trace.InteriorFieldDescr:
		if write {
			ei.WriteInteriors = append(ei.WriteInteriors, d)
		} else {
			ei.ReadInteriors = append(ei.ReadInteriors, d)
		}
	default:
		return p.errorf(at, "unknown descriptor %q in effect list", name)
	}
	return nil
}

// ============================================================================
// Trace body
// ============================================================================

func (p *parser) parseInputs() error {
	p.next()
	p.inputs = true
	for !p.accept(TokenRBracket) {
		if len(p.out.Inputs) > 0 {
			if _, err := p.expect(TokenComma); err != nil {
				return err
			}
		}
		t, err := p.expect(TokenIdentifier)
		if err != nil {
			return err
		}
		var k trace.Kind
		switch t.Literal[0] {
		case 'i':
			k = trace.Int
		case 'p', 'r':
			k = trace.Ref
		case 'f':
			k = trace.Float
		default:
			return p.errorf(t, "cannot infer the kind of input %q", t.Literal)
		}
		if _, dup := p.out.Boxes[t.Literal]; dup {
			return p.errorf(t, "input %s listed twice", t.Literal)
		}
		b := trace.NewNamedBox(k, t.Literal)
		p.out.Boxes[t.Literal] = b
		p.out.Inputs = append(p.out.Inputs, b)
	}
	return nil
}

func (p *parser) parseOp() error {
	p.inputs = true
	first, err := p.expect(TokenIdentifier)
	if err != nil {
		return err
	}
	resultName := ""
	opTok := first
	if p.accept(TokenAssign) {
		resultName = first.Literal
		if opTok, err = p.expect(TokenIdentifier); err != nil {
			return err
		}
	}
	num, ok := trace.OpnumByName(opTok.Literal)
	if !ok {
		return p.errorf(opTok, "unknown operation %q", opTok.Literal)
	}
	if _, err := p.expect(TokenLParen); err != nil {
		return err
	}

	var args []trace.Value
	descrName := ""
	var descrTok Token
	for !p.accept(TokenRParen) {
		if len(args) > 0 || descrName != "" {
			if _, err := p.expect(TokenComma); err != nil {
				return err
			}
		}
		if t := p.peek(); t.Type == TokenIdentifier && t.Literal == "descr" && p.toks[p.pos+1].Type == TokenAssign {
			p.next()
			p.next()
			descrTok = p.next()
			descrName = descrTok.Literal
			continue
		}
		v, err := p.parseValue()
		if err != nil {
			return err
		}
		args = append(args, v)
	}

	op := &trace.Op{Num: num, Args: args}
	if err := p.resolveDescr(op, descrName, descrTok); err != nil {
		return err
	}

	if num.IsGuard() {
		if err := p.parseFailArgs(op); err != nil {
			return err
		}
	}

	if k := num.ResultKind(); k != trace.Void {
		if resultName == "" {
			op.Result = trace.NewBox(k)
		} else {
			if _, dup := p.out.Boxes[resultName]; dup {
				return p.errorf(first, "box %s defined twice", resultName)
			}
			op.Result = trace.NewNamedBox(k, resultName)
			p.out.Boxes[resultName] = op.Result
		}
	} else if resultName != "" {
		return p.errorf(first, "%s produces no value", num)
	}
	p.out.Ops = append(p.out.Ops, op)
	return nil
}

func (p *parser) resolveDescr(op *trace.Op, name string, at Token) error {
	num := op.Num
	switch {
	case num.IsGuard():
		if name == "" {
			op.Descr = trace.NewFailDescr("")
			return nil
		}
		if d, ok := p.ns.Descrs[name].(*trace.FailDescr); ok {
			op.Descr = d
			return nil
		}
		d := trace.NewFailDescr(name)
		p.ns.Descrs[name] = d
		op.Descr = d
		return nil
	case num == trace.OpFinish:
		if name == "" {
			name = "finish"
		}
		if d, ok := p.ns.Descrs[name].(*trace.FailDescr); ok {
			op.Descr = d
			return nil
		}
		d := trace.NewFinishDescr(name)
		p.ns.Descrs[name] = d
		op.Descr = d
		return nil
	case num == trace.OpLabel || num == trace.OpJump:
		if name == "" {
			return p.errorf(at, "%s needs a descr", num)
		}
		switch d := p.ns.Descrs[name].(type) {
		case *trace.TargetToken, *trace.JitCellToken:
			op.Descr = d
			return nil
		case nil:
			tt := trace.NewTargetToken(name)
			p.ns.Descrs[name] = tt
			op.Descr = tt
			return nil
		}
		return p.errorf(at, "%s is not a jump target", name)
	case num == trace.OpQuasiimmutField:
		f, ok := p.ns.Descrs[name].(*trace.FieldDescr)
		if !ok {
			return p.errorf(at, "quasiimmut_field needs a field descr, got %q", name)
		}
		var obj trace.RefValue
		if len(op.Args) > 0 {
			obj, _ = trace.AsRef(op.Args[0])
		}
		op.Descr = trace.NewQuasiImmutDescr(obj, f, nil)
		return nil
	case num.IsCall() && name == "" && len(op.Args) > 0:
		if d := p.calleeDescr(op); d != nil {
			op.Descr = d
			return nil
		}
	}
	if name == "" {
		if num.HasDescr() {
			return p.errorf(at, "%s needs a descr", num)
		}
		return nil
	}
	d, ok := p.ns.Descrs[name]
	if !ok {
		return p.errorf(at, "unknown descr %q", name)
	}
	op.Descr = d
	return nil
}

// calleeDescr finds the call descriptor declared under the callee's name.
func (p *parser) calleeDescr(op *trace.Op) *trace.CallDescr {
	idx := 0
	if op.Num.IsCallReleaseGil() || op.Num == trace.OpCondCallN {
		idx = 1
	}
	if idx >= len(op.Args) {
		return nil
	}
	addr, ok := trace.AsInt(op.Args[idx])
	if !ok {
		return nil
	}
	for name, a := range p.ns.funcAddrs {
		if a == addr {
			d, _ := p.ns.Descrs[name].(*trace.CallDescr)
			return d
		}
	}
	return nil
}

func (p *parser) parseFailArgs(op *trace.Op) error {
	if !p.accept(TokenLBracket) {
		op.Snapshot = trace.SingleFrame(nil)
		return nil
	}
	frames := [][]trace.Value{nil}
	for !p.accept(TokenRBracket) {
		cur := frames[len(frames)-1]
		if p.accept(TokenBar) {
			frames = append(frames, nil)
			continue
		}
		if len(cur) > 0 {
			if _, err := p.expect(TokenComma); err != nil {
				return err
			}
		}
		var v trace.Value
		if p.acceptWord("None") {
			v = nil
		} else {
			var err error
			if v, err = p.parseValue(); err != nil {
				return err
			}
		}
		frames[len(frames)-1] = append(frames[len(frames)-1], v)
	}
	var snap *trace.Snapshot
	for i, boxes := range frames {
		jc := trace.StaticJitCode(fmt.Sprintf("f%d", i))
		if i == len(frames)-1 {
			top := &trace.TopSnapshot{Snapshot: trace.Snapshot{Prev: snap, JitCode: jc, PC: len(p.out.Ops), Boxes: boxes}}
			op.Snapshot = top
			break
		}
		snap = &trace.Snapshot{Prev: snap, JitCode: jc, PC: len(p.out.Ops), Boxes: boxes}
	}
	for _, boxes := range frames {
		op.FailArgs = append(op.FailArgs, boxes...)
	}
	return nil
}

func (p *parser) parseValue() (trace.Value, error) {
	t := p.next()
	switch t.Type {
	case TokenInteger:
		v, err := strconv.ParseInt(t.Literal, 0, 64)
		if err != nil {
			u, uerr := strconv.ParseUint(t.Literal, 0, 64)
			if uerr != nil {
				return nil, p.errorf(t, "bad integer %q", t.Literal)
			}
			v = int64(u)
		}
		return trace.ConstInt{V: v}, nil
	case TokenFloat:
		switch t.Literal {
		case "NaN":
			return trace.NewConstFloat(math.NaN()), nil
		case "Inf", "+Inf":
			return trace.NewConstFloat(math.Inf(1)), nil
		case "-Inf":
			return trace.NewConstFloat(math.Inf(-1)), nil
		}
		f, err := strconv.ParseFloat(t.Literal, 64)
		if err != nil {
			return nil, p.errorf(t, "bad float %q", t.Literal)
		}
		return trace.NewConstFloat(f), nil
	case TokenStr, TokenUnicode:
		key := t.Type.String() + ":" + t.Literal
		obj, ok := p.ns.strs[key]
		if !ok {
			if t.Type == TokenStr {
				obj = memory.NewStr(t.Literal)
			} else {
				obj = memory.NewUnicode(t.Literal)
			}
			p.ns.strs[key] = obj
		}
		return trace.ConstPtr{V: obj}, nil
	case TokenIdentifier:
		return p.identValue(t)
	}
	return nil, p.errorf(t, "expected a value, got %s", t)
}

func (p *parser) identValue(t Token) (trace.Value, error) {
	name := t.Literal
	if b, ok := p.out.Boxes[name]; ok {
		return b, nil
	}
	switch name {
	case "NULL":
		return trace.ConstNull, nil
	case "ConstClass", "ConstPtr":
		if _, err := p.expect(TokenLParen); err != nil {
			return nil, err
		}
		arg, err := p.expect(TokenIdentifier)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		if name == "ConstPtr" {
			ref, ok := p.ns.Refs[arg.Literal]
			if !ok {
				return nil, p.errorf(arg, "unknown reference %q", arg.Literal)
			}
			return trace.ConstPtr{V: ref}, nil
		}
		sd, ok := p.ns.Descrs[arg.Literal].(*trace.SizeDescr)
		if !ok || sd.Vtable == nil {
			return nil, p.errorf(arg, "%q is not a class", arg.Literal)
		}
		return sd.Vtable.ClassConst(), nil
	}
	if addr, ok := p.ns.FuncAddr(name); ok {
		return trace.ConstInt{V: addr}, nil
	}
	if isBoxName(name) {
		return nil, p.errorf(t, "box %s used before definition", name)
	}
	return nil, p.errorf(t, "unknown name %q", name)
}
