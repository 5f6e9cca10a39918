package trace

import (
	"fmt"
	"strings"
)

// Verify checks the structural integrity of a trace: no forward references,
// argument counts, descriptor presence, guard descriptors and the position
// of final operations. It returns an error describing all violations found,
// or nil if valid.
func Verify(inputs []*Box, ops []*Op) error {
	var errs []string

	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	defined := make(map[*Box]bool, len(inputs)+len(ops))
	for i, b := range inputs {
		if b == nil {
			add("input %d is nil", i)
			continue
		}
		if defined[b] {
			add("input %s listed twice", b)
		}
		defined[b] = true
	}

	checkUse := func(i int, op *Op, where string, v Value) {
		if v == nil {
			add("op %d (%s): nil %s", i, op.Num, where)
			return
		}
		if b, ok := v.(*Box); ok && !defined[b] {
			add("op %d (%s): %s %s used before definition", i, op.Num, where, b)
		}
	}

	for i, op := range ops {
		if op.Num == OpInvalid || int(op.Num) >= int(opCount) {
			add("op %d: invalid opnum %d", i, op.Num)
			continue
		}
		info := GetOpInfo(op.Num)

		if info.Arity >= 0 && len(op.Args) != info.Arity {
			add("op %d (%s): got %d args, want %d", i, op.Num, len(op.Args), info.Arity)
		}
		if info.HasDescr && op.Descr == nil {
			add("op %d (%s): missing descr", i, op.Num)
		}
		if !info.HasDescr && op.Descr != nil {
			add("op %d (%s): unexpected descr %s", i, op.Num, op.Descr)
		}

		for j, a := range op.Args {
			checkUse(i, op, fmt.Sprintf("arg[%d]", j), a)
		}

		switch {
		case op.Num.IsGuard():
			if _, ok := op.Descr.(*FailDescr); !ok {
				add("op %d (%s): guard descr is %T, want *FailDescr", i, op.Num, op.Descr)
			}
			for j, a := range op.FailArgs {
				if a == nil {
					continue // hole left by resume numbering
				}
				checkUse(i, op, fmt.Sprintf("failarg[%d]", j), a)
			}
		case op.Num == OpFinish:
			if _, ok := op.Descr.(*FailDescr); !ok {
				add("op %d (finish): descr is %T, want *FailDescr", i, op.Descr)
			}
		case op.Num == OpJump || op.Num == OpLabel:
			switch op.Descr.(type) {
			case *TargetToken, *JitCellToken:
			default:
				add("op %d (%s): descr is %T, want a target", i, op.Num, op.Descr)
			}
			if op.Num == OpLabel {
				for j, a := range op.Args {
					if _, ok := a.(*Box); !ok {
						add("op %d (label): arg[%d] %s is not a box", i, j, a)
					}
				}
			}
		}

		if op.Num.IsFinal() && i != len(ops)-1 {
			add("op %d (%s): final operation is not last", i, op.Num)
		}

		want := info.Result
		switch {
		case want == Void && op.Result != nil:
			add("op %d (%s): void operation defines %s", i, op.Num, op.Result)
		case want != Void && op.Result == nil:
			add("op %d (%s): missing result box", i, op.Num)
		case op.Result != nil && op.Result.Kind() != want:
			add("op %d (%s): result %s has kind %s, want %s", i, op.Num, op.Result, op.Result.Kind(), want)
		}
		if op.Result != nil {
			if defined[op.Result] {
				add("op %d (%s): result %s defined twice", i, op.Num, op.Result)
			}
			defined[op.Result] = true
		}
	}

	return combineErrors(errs)
}

// VerifyTrace is Verify applied to a Trace.
func VerifyTrace(t *Trace) error { return Verify(t.Inputs, t.Ops) }

func combineErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("trace verification failed:\n  %s", strings.Join(errs, "\n  "))
}
