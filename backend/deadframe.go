package backend

import (
	"fmt"

	"github.com/chazu/rjit/pkg/trace"
)

// DeadFrame is the state left behind by a trace exit: the exit's
// descriptor, the values of its fail arguments, the pending exception and
// any data attached by a forcing callback.
type DeadFrame struct {
	descr    *trace.FailDescr
	values   []trace.Const
	exc      trace.RefValue
	savedata trace.RefValue
	forced   bool
}

// Len returns the number of fail-argument slots.
func (df *DeadFrame) Len() int { return len(df.values) }

// Value returns slot i as a constant.
func (df *DeadFrame) Value(i int) trace.Const { return df.values[i] }

// Values returns a copy of all slots.
func (df *DeadFrame) Values() []trace.Const { return append([]trace.Const(nil), df.values...) }

// Forced reports whether the frame was produced by Force.
func (df *DeadFrame) Forced() bool { return df.forced }

func (df *DeadFrame) String() string {
	return fmt.Sprintf("deadframe(%s, %v)", df.descr, df.values)
}

// LatestDescr returns the descriptor of the exit that produced df.
func (c *CPU) LatestDescr(df *DeadFrame) *trace.FailDescr { return df.descr }

// IntValue reads slot i as an integer.
func (c *CPU) IntValue(df *DeadFrame, i int) int64 {
	v, ok := df.values[i].(trace.ConstInt)
	if !ok {
		panic(fmt.Sprintf("backend: slot %d holds %s, not an int", i, df.values[i]))
	}
	return v.V
}

// RefValue reads slot i as a reference.
func (c *CPU) RefValue(df *DeadFrame, i int) trace.RefValue {
	v, ok := df.values[i].(trace.ConstPtr)
	if !ok {
		panic(fmt.Sprintf("backend: slot %d holds %s, not a ref", i, df.values[i]))
	}
	return v.V
}

// FloatValue reads slot i as a float.
func (c *CPU) FloatValue(df *DeadFrame, i int) float64 {
	v, ok := df.values[i].(trace.ConstFloat)
	if !ok {
		panic(fmt.Sprintf("backend: slot %d holds %s, not a float", i, df.values[i]))
	}
	return v.Float()
}

// GrabExcValue returns the pending exception and clears it.
func (c *CPU) GrabExcValue(df *DeadFrame) trace.RefValue {
	exc := df.exc
	df.exc = nil
	return exc
}

// SetSavedataRef attaches an opaque reference to df.
func (c *CPU) SetSavedataRef(df *DeadFrame, ref trace.RefValue) { df.savedata = ref }

// SavedataRef returns the reference attached with SetSavedataRef.
func (c *CPU) SavedataRef(df *DeadFrame) trace.RefValue { return df.savedata }
