package trace

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// JitCellToken identifies a compiled loop and everything attached to it.
type JitCellToken struct {
	id   int64
	UUID uuid.UUID
	Name string

	// Targets lists the labels inside the loop, in emission order. The
	// first target is the preamble entry when the loop was unrolled.
	Targets []*TargetToken

	// Compiled is the back-end's handle for the loop.
	Compiled any

	// Retraces counts how often a bridge asked for a new specialization.
	Retraces atomic.Int32

	invalidated atomic.Bool
}

// NewJitCellToken returns a fresh loop token.
func NewJitCellToken(name string) *JitCellToken {
	return &JitCellToken{id: nextDescrID(), UUID: uuid.New(), Name: name}
}

func (t *JitCellToken) DescrKind() DescrKind { return DescrLoop }
func (t *JitCellToken) DescrID() int64       { return t.id }

func (t *JitCellToken) String() string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("Loop%d", t.id)
}

// Invalidate marks every GUARD_NOT_INVALIDATED in the loop as failing.
func (t *JitCellToken) Invalidate() { t.invalidated.Store(true) }

// Invalidated reports whether the loop was invalidated.
func (t *JitCellToken) Invalidated() bool { return t.invalidated.Load() }

// AddTarget appends tt to the loop's targets and sets its owner.
func (t *JitCellToken) AddTarget(tt *TargetToken) {
	tt.Cell = t
	t.Targets = append(t.Targets, tt)
}

// TargetToken identifies a LABEL that JUMPs and bridges may enter.
type TargetToken struct {
	id   int64
	Name string
	Cell *JitCellToken

	// VirtualState and ShortPreamble are filled by the loop peeler for the
	// label of a peeled loop body; both are nil for a preamble label.
	VirtualState  any
	ShortPreamble any
}

// NewTargetToken returns a fresh target token.
func NewTargetToken(name string) *TargetToken {
	return &TargetToken{id: nextDescrID(), Name: name}
}

func (t *TargetToken) DescrKind() DescrKind { return DescrTarget }
func (t *TargetToken) DescrID() int64       { return t.id }

func (t *TargetToken) String() string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("Target%d", t.id)
}
