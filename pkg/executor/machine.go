// Package executor executes single trace operations on constant arguments.
// It is used for constant folding in the optimizer, by the interpreting
// back-end, and by the resume reader to materialize objects.
package executor

import (
	"fmt"

	"github.com/chazu/rjit/pkg/trace"
)

// Machine is the bh_* family: the low-level operations through which
// objects are allocated, read and written, and functions are called. They
// are the only operations the resume reader and the back-end use to touch
// memory.
type Machine interface {
	BhNew(d *trace.SizeDescr) (trace.RefValue, error)
	BhNewWithVtable(d *trace.SizeDescr) (trace.RefValue, error)
	BhNewArray(d *trace.ArrayDescr, length int64) (trace.RefValue, error)
	BhNewstr(length int64) (trace.RefValue, error)
	BhNewunicode(length int64) (trace.RefValue, error)

	BhGetfieldGc(obj trace.RefValue, d *trace.FieldDescr) trace.Const
	BhSetfieldGc(obj trace.RefValue, v trace.Const, d *trace.FieldDescr)
	BhGetfieldRaw(addr int64, d *trace.FieldDescr) trace.Const
	BhSetfieldRaw(addr int64, v trace.Const, d *trace.FieldDescr)

	BhArraylenGc(arr trace.RefValue, d *trace.ArrayDescr) int64
	BhGetarrayitemGc(arr trace.RefValue, index int64, d *trace.ArrayDescr) trace.Const
	BhSetarrayitemGc(arr trace.RefValue, index int64, v trace.Const, d *trace.ArrayDescr)
	BhGetarrayitemRaw(addr, index int64, d *trace.ArrayDescr) trace.Const
	BhSetarrayitemRaw(addr, index int64, v trace.Const, d *trace.ArrayDescr)
	BhGetinteriorfieldGc(arr trace.RefValue, index int64, d *trace.InteriorFieldDescr) trace.Const
	BhSetinteriorfieldGc(arr trace.RefValue, index int64, v trace.Const, d *trace.InteriorFieldDescr)
	BhZeroArray(arr trace.RefValue, start, length int64, d *trace.ArrayDescr)
	BhRawLoad(addr, offset int64, d *trace.ArrayDescr) trace.Const
	BhRawStore(addr, offset int64, v trace.Const, d *trace.ArrayDescr)

	BhStrlen(s trace.RefValue) int64
	BhStrgetitem(s trace.RefValue, index int64) int64
	BhStrsetitem(s trace.RefValue, index, c int64)
	BhCopystrcontent(src, dst trace.RefValue, srcStart, dstStart, length int64)
	BhUnicodelen(s trace.RefValue) int64
	BhUnicodegetitem(s trace.RefValue, index int64) int64
	BhUnicodesetitem(s trace.RefValue, index, c int64)
	BhCopyunicodecontent(src, dst trace.RefValue, srcStart, dstStart, length int64)

	BhClassof(obj trace.RefValue) int64
	BhCastPtrToInt(p trace.RefValue) int64
	BhCastIntToPtr(n int64) trace.RefValue

	// BhCall calls the function at address fn. A callee that raises
	// returns a *Raised error.
	BhCall(fn int64, args []trace.Const, d *trace.CallDescr) (trace.Const, error)
	// BhCallReleaseGil is BhCall wrapped in the errno protocol selected by
	// mode, with the global lock released around the callee.
	BhCallReleaseGil(mode, fn int64, args []trace.Const, d *trace.CallDescr) (trace.Const, error)
	// BhCallAssembler runs the loop of token to completion and returns its
	// result.
	BhCallAssembler(token *trace.JitCellToken, args []trace.Const, result trace.Kind) (trace.Const, error)
}

// Raised is the error of a call whose callee raised an exception.
type Raised struct {
	Exc trace.RefValue
}

func (r *Raised) Error() string { return fmt.Sprintf("raised %v", r.Exc) }
