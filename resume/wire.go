package resume

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chazu/rjit/pkg/trace"
	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("resume: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Tables holds what a blob refers to but cannot carry: descriptors, heap
// references and jitcodes. Marshal appends unseen entries; Unmarshal looks
// them up by index, so the same Tables must be used on both sides.
type Tables struct {
	Descrs   []trace.Descr
	Refs     []trace.RefValue
	JitCodes []trace.JitCode

	descrIdx map[trace.Descr]int
	refIdx   map[trace.RefValue]int
	codeIdx  map[trace.JitCode]int
}

// NewTables returns empty tables.
func NewTables() *Tables {
	return &Tables{
		descrIdx: make(map[trace.Descr]int),
		refIdx:   make(map[trace.RefValue]int),
		codeIdx:  make(map[trace.JitCode]int),
	}
}

func (t *Tables) descr(d trace.Descr) int {
	if d == nil {
		return -1
	}
	if i, ok := t.descrIdx[d]; ok {
		return i
	}
	t.descrIdx[d] = len(t.Descrs)
	t.Descrs = append(t.Descrs, d)
	return len(t.Descrs) - 1
}

func (t *Tables) ref(r trace.RefValue) int {
	if r == nil {
		return -1
	}
	if i, ok := t.refIdx[r]; ok {
		return i
	}
	t.refIdx[r] = len(t.Refs)
	t.Refs = append(t.Refs, r)
	return len(t.Refs) - 1
}

func (t *Tables) code(c trace.JitCode) int {
	if c == nil {
		return -1
	}
	if i, ok := t.codeIdx[c]; ok {
		return i
	}
	t.codeIdx[c] = len(t.JitCodes)
	t.JitCodes = append(t.JitCodes, c)
	return len(t.JitCodes) - 1
}

func lookup[T any](tab []T, i int, what string) (T, error) {
	var zero T
	if i == -1 {
		return zero, nil
	}
	if i < 0 || i >= len(tab) {
		return zero, fmt.Errorf("resume: %s index %d out of range", what, i)
	}
	return tab[i], nil
}

// ============================================================================
// Wire structs
// ============================================================================

type wireData struct {
	Segments  [][]byte      `cbor:"1,keyasint"`
	Frames    []wireFrame   `cbor:"2,keyasint,omitempty"`
	Consts    []wireConst   `cbor:"3,keyasint,omitempty"`
	Virtuals  []*wireVinfo  `cbor:"4,keyasint,omitempty"`
	Pending   []wirePending `cbor:"5,keyasint,omitempty"`
	Vable     []byte        `cbor:"6,keyasint,omitempty"`
	Vref      []byte        `cbor:"7,keyasint,omitempty"`
	FailKinds []byte        `cbor:"8,keyasint,omitempty"`
}

type wireFrame struct {
	Code  int    `cbor:"1,keyasint"`
	PC    int    `cbor:"2,keyasint"`
	Kinds []byte `cbor:"3,keyasint,omitempty"`
}

type wireConst struct {
	Kind byte  `cbor:"1,keyasint"`
	Int  int64 `cbor:"2,keyasint,omitempty"`
	Ref  int   `cbor:"3,keyasint,omitempty"`
}

const (
	wireInstance byte = iota + 1
	wireStruct
	wireArray
	wireArrayStruct
	wireRawBuffer
	wireRawSlice
	wireStr
	wireConcat
	wireSlice
)

type wireVinfo struct {
	Kind    byte    `cbor:"1,keyasint"`
	Descr   int     `cbor:"2,keyasint"`
	Fields  []int   `cbor:"3,keyasint,omitempty"`
	Flag    bool    `cbor:"4,keyasint,omitempty"`
	Length  int     `cbor:"5,keyasint,omitempty"`
	Size    int64   `cbor:"6,keyasint,omitempty"`
	Offsets []int64 `cbor:"7,keyasint,omitempty"`
	Nums    []byte  `cbor:"8,keyasint,omitempty"`
}

type wirePending struct {
	Descr  int   `cbor:"1,keyasint"`
	Target int16 `cbor:"2,keyasint"`
	Value  int16 `cbor:"3,keyasint"`
	Index  int64 `cbor:"4,keyasint"`
}

func packNums(nums []Num) []byte {
	b := make([]byte, 2*len(nums))
	for i, n := range nums {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(n))
	}
	return b
}

func unpackNums(b []byte) ([]Num, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("resume: odd number segment length %d", len(b))
	}
	nums := make([]Num, len(b)/2)
	for i := range nums {
		nums[i] = Num(int16(binary.LittleEndian.Uint16(b[2*i:])))
	}
	return nums, nil
}

func packKinds(ks []trace.Kind) []byte {
	b := make([]byte, len(ks))
	for i, k := range ks {
		b[i] = byte(k)
	}
	return b
}

func unpackKinds(b []byte) []trace.Kind {
	ks := make([]trace.Kind, len(b))
	for i, k := range b {
		ks[i] = trace.Kind(k)
	}
	return ks
}

// ============================================================================
// Marshal
// ============================================================================

// Marshal encodes d as canonical CBOR, recording external references in t.
func Marshal(d *Data, t *Tables) ([]byte, error) {
	w := &wireData{
		Vable:     packNums(d.VableNums),
		Vref:      packNums(d.VrefNums),
		FailKinds: packKinds(d.FailKinds),
	}
	nums, infos := d.frames()
	for i, n := range nums {
		w.Segments = append(w.Segments, packNums(n.Nums))
		wf := wireFrame{Code: -1}
		if fi := infos[i]; fi != nil {
			wf = wireFrame{Code: t.code(fi.JitCode), PC: fi.PC, Kinds: packKinds(fi.Kinds)}
		}
		w.Frames = append(w.Frames, wf)
	}
	for _, c := range d.Consts {
		switch c := c.(type) {
		case trace.ConstInt:
			w.Consts = append(w.Consts, wireConst{Kind: byte(trace.Int), Int: c.V})
		case trace.ConstFloat:
			w.Consts = append(w.Consts, wireConst{Kind: byte(trace.Float), Int: int64(c.Bits)})
		case trace.ConstPtr:
			w.Consts = append(w.Consts, wireConst{Kind: byte(trace.Ref), Ref: t.ref(c.V)})
		default:
			return nil, fmt.Errorf("resume: cannot encode constant %v", c)
		}
	}
	for _, v := range d.Virtuals {
		wv, err := marshalVinfo(v, t)
		if err != nil {
			return nil, err
		}
		w.Virtuals = append(w.Virtuals, wv)
	}
	for _, p := range d.Pending {
		w.Pending = append(w.Pending, wirePending{
			Descr:  t.descr(p.Descr),
			Target: int16(p.Target),
			Value:  int16(p.Value),
			Index:  p.Index,
		})
	}
	return cborEncMode.Marshal(w)
}

func descrList[T trace.Descr](t *Tables, ds []T) []int {
	out := make([]int, len(ds))
	for i, d := range ds {
		out[i] = t.descr(d)
	}
	return out
}

func marshalVinfo(v VirtualInfo, t *Tables) (*wireVinfo, error) {
	if v == nil {
		return nil, nil
	}
	w := &wireVinfo{Descr: -1, Nums: packNums(v.FieldNums())}
	switch v := v.(type) {
	case *VirtualInstance:
		w.Kind, w.Descr, w.Fields = wireInstance, t.descr(v.Descr), descrList(t, v.Fields)
	case *VirtualStruct:
		w.Kind, w.Descr, w.Fields = wireStruct, t.descr(v.Descr), descrList(t, v.Fields)
	case *VirtualArray:
		w.Kind, w.Descr, w.Flag = wireArray, t.descr(v.Descr), v.Clear
	case *VirtualArrayStruct:
		w.Kind, w.Descr, w.Fields, w.Length = wireArrayStruct, t.descr(v.Descr), descrList(t, v.Fields), v.Length
	case *VirtualRawBuffer:
		w.Kind, w.Size, w.Offsets, w.Fields = wireRawBuffer, v.Size, v.Offsets, descrList(t, v.Descrs)
	case *VirtualRawSlice:
		w.Kind, w.Size = wireRawSlice, v.Offset
	case *VirtualStr:
		w.Kind, w.Flag = wireStr, v.Uni
	case *VirtualConcat:
		w.Kind, w.Flag = wireConcat, v.Uni
	case *VirtualSlice:
		w.Kind, w.Flag = wireSlice, v.Uni
	default:
		return nil, fmt.Errorf("resume: cannot encode virtual %v", v)
	}
	return w, nil
}

// ============================================================================
// Unmarshal
// ============================================================================

// Unmarshal decodes a blob produced by Marshal with the same tables.
func Unmarshal(b []byte, t *Tables) (*Data, error) {
	var w wireData
	if err := cbor.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("resume: unmarshal data: %w", err)
	}
	if len(w.Frames) != len(w.Segments) {
		return nil, fmt.Errorf("resume: %d frames for %d segments", len(w.Frames), len(w.Segments))
	}
	d := &Data{FailKinds: unpackKinds(w.FailKinds)}
	var err error
	for i, seg := range w.Segments {
		n := &Numbering{Prev: d.Numb}
		if n.Nums, err = unpackNums(seg); err != nil {
			return nil, err
		}
		wf := w.Frames[i]
		code, err := lookup(t.JitCodes, wf.Code, "jitcode")
		if err != nil {
			return nil, err
		}
		d.Numb = n
		d.Frames = &FrameInfo{Prev: d.Frames, JitCode: code, PC: wf.PC, Kinds: unpackKinds(wf.Kinds)}
	}
	if d.VableNums, err = unpackNums(w.Vable); err != nil {
		return nil, err
	}
	if d.VrefNums, err = unpackNums(w.Vref); err != nil {
		return nil, err
	}
	for _, c := range w.Consts {
		switch trace.Kind(c.Kind) {
		case trace.Int:
			d.Consts = append(d.Consts, trace.ConstInt{V: c.Int})
		case trace.Float:
			d.Consts = append(d.Consts, trace.ConstFloat{Bits: uint64(c.Int)})
		case trace.Ref:
			r, err := lookup(t.Refs, c.Ref, "ref")
			if err != nil {
				return nil, err
			}
			d.Consts = append(d.Consts, trace.ConstPtr{V: r})
		default:
			return nil, fmt.Errorf("resume: constant of kind %d", c.Kind)
		}
	}
	for _, wv := range w.Virtuals {
		v, err := unmarshalVinfo(wv, t)
		if err != nil {
			return nil, err
		}
		d.Virtuals = append(d.Virtuals, v)
	}
	for _, p := range w.Pending {
		descr, err := lookup(t.Descrs, p.Descr, "descr")
		if err != nil {
			return nil, err
		}
		d.Pending = append(d.Pending, PendingField{Descr: descr, Target: Num(p.Target), Value: Num(p.Value), Index: p.Index})
	}
	return d, nil
}

func typedDescr[T trace.Descr](t *Tables, i int) (T, error) {
	var zero T
	d, err := lookup(t.Descrs, i, "descr")
	if err != nil || d == nil {
		return zero, err
	}
	td, ok := d.(T)
	if !ok {
		return zero, fmt.Errorf("resume: descr %d is %s, not %T", i, d, zero)
	}
	return td, nil
}

func typedDescrs[T trace.Descr](t *Tables, idx []int) ([]T, error) {
	out := make([]T, len(idx))
	for i, n := range idx {
		d, err := typedDescr[T](t, n)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func unmarshalVinfo(w *wireVinfo, t *Tables) (VirtualInfo, error) {
	if w == nil {
		return nil, nil
	}
	nums, err := unpackNums(w.Nums)
	if err != nil {
		return nil, err
	}
	nl := numList{Nums: nums}
	switch w.Kind {
	case wireInstance, wireStruct:
		sd, err := typedDescr[*trace.SizeDescr](t, w.Descr)
		if err != nil {
			return nil, err
		}
		fields, err := typedDescrs[*trace.FieldDescr](t, w.Fields)
		if err != nil {
			return nil, err
		}
		if w.Kind == wireInstance {
			return &VirtualInstance{Descr: sd, Fields: fields, numList: nl}, nil
		}
		return &VirtualStruct{Descr: sd, Fields: fields, numList: nl}, nil
	case wireArray:
		ad, err := typedDescr[*trace.ArrayDescr](t, w.Descr)
		if err != nil {
			return nil, err
		}
		return &VirtualArray{Descr: ad, Clear: w.Flag, numList: nl}, nil
	case wireArrayStruct:
		ad, err := typedDescr[*trace.ArrayDescr](t, w.Descr)
		if err != nil {
			return nil, err
		}
		fields, err := typedDescrs[*trace.InteriorFieldDescr](t, w.Fields)
		if err != nil {
			return nil, err
		}
		if len(fields) > 0 && len(nums) != w.Length*len(fields) {
			return nil, fmt.Errorf("resume: array of structs with %d numbers for %d items", len(nums), w.Length)
		}
		return &VirtualArrayStruct{Descr: ad, Fields: fields, Length: w.Length, numList: nl}, nil
	case wireRawBuffer:
		descrs, err := typedDescrs[*trace.ArrayDescr](t, w.Fields)
		if err != nil {
			return nil, err
		}
		if len(descrs) != len(w.Offsets) || len(nums) != len(w.Offsets) {
			return nil, fmt.Errorf("resume: raw buffer with mismatched entries")
		}
		if w.Size < 0 || w.Size > math.MaxInt32 {
			return nil, fmt.Errorf("resume: raw buffer size %d", w.Size)
		}
		return &VirtualRawBuffer{Size: w.Size, Offsets: w.Offsets, Descrs: descrs, numList: nl}, nil
	case wireRawSlice:
		if len(nums) != 1 {
			return nil, fmt.Errorf("resume: raw slice with %d numbers", len(nums))
		}
		return &VirtualRawSlice{Offset: w.Size, numList: nl}, nil
	case wireStr:
		return &VirtualStr{Uni: w.Flag, numList: nl}, nil
	case wireConcat:
		if len(nums) != 2 {
			return nil, fmt.Errorf("resume: concat with %d numbers", len(nums))
		}
		return &VirtualConcat{Uni: w.Flag, numList: nl}, nil
	case wireSlice:
		if len(nums) != 3 {
			return nil, fmt.Errorf("resume: slice with %d numbers", len(nums))
		}
		return &VirtualSlice{Uni: w.Flag, numList: nl}, nil
	}
	return nil, fmt.Errorf("resume: unknown virtual kind %d", w.Kind)
}
