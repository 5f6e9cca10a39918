package optimizer

import (
	"fmt"

	"github.com/chazu/rjit/pkg/trace"
)

// OptimizeBridge optimizes the trace attached to a failing guard. When
// the trace ends in a JUMP, it is redirected to the newest label of the
// target loop whose virtual state its values satisfy. If no peeled label
// accepts them the bridge enters the loop's preamble and the result asks
// for a retrace.
func OptimizeBridge(inputs []*trace.Box, ops []*trace.Op, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	body, jump := splitLoop(ops)
	o := newOptimizer(opts)
	o.keepNames = true
	for _, op := range body {
		if err := o.send(op); err != nil {
			return nil, err
		}
	}
	res := &Result{Inputs: inputs}
	if jump != nil {
		if err := o.closeBridge(jump, res); err != nil {
			return nil, err
		}
	}
	if err := o.flushPasses(); err != nil {
		return nil, err
	}
	o.dump("bridge")
	res.Ops = o.out
	res.QuasiDeps = o.quasiDeps
	return res, nil
}

func jumpCell(jump *trace.Op) (*trace.JitCellToken, error) {
	switch d := jump.Descr.(type) {
	case *trace.JitCellToken:
		return d, nil
	case *trace.TargetToken:
		if d.Cell == nil {
			return nil, fmt.Errorf("jump to %s: target has no loop", d)
		}
		return d.Cell, nil
	}
	return nil, fmt.Errorf("jump with descr %v: not a loop target", jump.Descr)
}

// closeBridge emits the bridge's final jump.
func (o *Optimizer) closeBridge(jump *trace.Op, res *Result) error {
	cell, err := jumpCell(jump)
	if err != nil {
		return err
	}
	values := make([]trace.Value, len(jump.Args))
	for i, a := range jump.Args {
		values[i] = o.get(a)
	}
	if len(cell.Targets) == 0 {
		_, err := o.emitNew(0, trace.OpJump, cell, values...)
		return err
	}

	peeled := false
	for i := len(cell.Targets) - 1; i >= 0; i-- {
		tt := cell.Targets[i]
		vs, ok := tt.VirtualState.(*VirtualState)
		if !ok {
			continue
		}
		peeled = true
		if o.checkState(vs, values, make(generalization)) {
			log.Debugf("bridge values do not match %s", tt)
			continue
		}
		sp, _ := tt.ShortPreamble.(*ShortPreamble)
		leaves := o.flatten(vs, values)
		extras, err := o.runProducers(vs, sp, leaves)
		if err != nil {
			return err
		}
		res.Loop = tt
		_, err = o.emitNew(0, trace.OpJump, tt, append(leaves, extras...)...)
		return err
	}

	entry := cell.Targets[0]
	if peeled {
		res.RetraceRequested = true
		log.Debugf("bridge to %s enters the preamble, retrace requested", cell)
	}
	res.Loop = entry
	_, err = o.emitNew(0, trace.OpJump, entry, values...)
	return err
}
