package optimizer

import (
	"github.com/chazu/rjit/pkg/trace"
)

// EarlyForce materializes virtual arguments before the passes that follow
// it, so pure and heap see the real allocations instead of having them
// appear at the final emitter.
type EarlyForce struct {
	base
}

func (p *EarlyForce) Name() string { return "earlyforce" }

func (p *EarlyForce) propagate(op *trace.Op) error {
	o := p.o
	switch {
	case op.Num.IsGuard():
		if err := p.limitGuard(op); err != nil {
			return err
		}
		return p.emit(op)
	case keepsVirtuals(op):
		return p.emit(op)
	}
	for i, a := range op.Args {
		v, err := o.forceValue(a, p.next())
		if err != nil {
			return err
		}
		op.Args[i] = v
	}
	return p.emit(op)
}

// keepsVirtuals lists the operations that may take a virtual argument
// past this pass without forcing it.
func keepsVirtuals(op *trace.Op) bool {
	switch op.Num {
	case trace.OpSetfieldGc, trace.OpSetarrayitemGc, trace.OpSetinteriorfieldGc,
		trace.OpQuasiimmutField, trace.OpSameAsI, trace.OpSameAsR, trace.OpSameAsF,
		trace.OpVirtualRefFinish:
		return true
	}
	if op.Num == trace.OpCallN {
		if ei := op.EffectInfo(); ei != nil && ei.OopSpec == trace.OSRawFree {
			return true
		}
	}
	return false
}

// limitGuard forces the virtuals a guard keeps alive once its live set
// would exceed the fail-arguments limit.
func (p *EarlyForce) limitGuard(op *trace.Op) error {
	o := p.o
	live := guardLive(op)
	total := 0
	seen := make(map[*trace.Box]bool)
	var count func(v trace.Value)
	count = func(v trace.Value) {
		b, ok := o.get(v).(*trace.Box)
		if !ok || seen[b] {
			return
		}
		seen[b] = true
		total++
		if vo := o.virtuals[b]; vo != nil {
			for _, x := range vo.Items() {
				if x != nil {
					count(x)
				}
			}
		}
	}
	for _, v := range live {
		count(v)
	}
	if total <= o.opts.FailargsLimit {
		return nil
	}
	log.Debugf("guard %s keeps %d values alive, forcing its virtuals", op.Descr, total)
	for _, v := range live {
		if _, err := o.forceValue(v, p.next()); err != nil {
			return err
		}
	}
	return nil
}

// guardLive returns the values a guard's resume state refers to.
func guardLive(op *trace.Op) []trace.Value {
	var live []trace.Value
	if op.Snapshot == nil {
		for _, v := range op.FailArgs {
			if v != nil {
				live = append(live, v)
			}
		}
		return live
	}
	live = append(live, op.Snapshot.VableBoxes...)
	live = append(live, op.Snapshot.VrefBoxes...)
	for s := &op.Snapshot.Snapshot; s != nil; s = s.Prev {
		for _, v := range s.Boxes {
			if v != nil {
				live = append(live, v)
			}
		}
	}
	return live
}
