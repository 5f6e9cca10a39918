package trace

import (
	"fmt"
	"io"
	"strings"
)

// Fprint writes the textual form of a trace to w.
//
// Format:
//
//	[i0, p1]
//	i2 = int_add(i0, 1)
//	guard_true(i2, descr=Guard7) [i0, p1]
//	finish(i2, descr=done)
func Fprint(w io.Writer, inputs []*Box, ops []*Op) {
	names := make([]string, len(inputs))
	for i, b := range inputs {
		names[i] = b.String()
	}
	fmt.Fprintf(w, "[%s]\n", strings.Join(names, ", "))
	for _, op := range ops {
		fmt.Fprintln(w, FormatOp(op))
	}
}

// Format returns the textual form of a trace.
func Format(t *Trace) string {
	var sb strings.Builder
	Fprint(&sb, t.Inputs, t.Ops)
	return sb.String()
}

// FormatOp returns the textual form of a single operation.
func FormatOp(op *Op) string {
	var sb strings.Builder
	if op.Result != nil {
		sb.WriteString(op.Result.String())
		sb.WriteString(" = ")
	}
	sb.WriteString(op.Num.String())
	sb.WriteByte('(')
	for i, a := range op.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatValue(a))
	}
	if op.Descr != nil {
		if len(op.Args) > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("descr=")
		sb.WriteString(op.Descr.String())
	}
	sb.WriteByte(')')
	if op.Num.IsGuard() {
		sb.WriteString(" [")
		for i, a := range op.FailArgs {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(formatValue(a))
		}
		sb.WriteByte(']')
	}
	return sb.String()
}

func formatValue(v Value) string {
	if v == nil {
		return "None"
	}
	return v.String()
}

// FormatValues joins the textual forms of vs.
func FormatValues(vs []Value) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = formatValue(v)
	}
	return strings.Join(parts, ", ")
}
