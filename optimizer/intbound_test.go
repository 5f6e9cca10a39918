package optimizer

import (
	"math"
	"strings"
	"testing"
)

func TestIntBoundArithmetic(t *testing.T) {
	tests := []struct {
		name   string
		got    *IntBound
		lo, hi int64
	}{
		{"add", BoundRange(0, 10).Add(ConstBound(1)), 1, 11},
		{"sub", BoundRange(5, 10).Sub(BoundRange(1, 2)), 3, 9},
		{"mul", BoundRange(2, 3).Mul(BoundRange(4, 5)), 8, 15},
		{"and mask", BoundRange(0, 100).And(ConstBound(0xFF)), 0, 100},
		{"mod pow2", BoundRange(0, 100).Mod(ConstBound(8)), 0, 7},
		{"floordiv", BoundRange(10, 20).FloorDiv(ConstBound(2)), 5, 10},
		{"lshift", BoundRange(0, 3).Lshift(ConstBound(2)), 0, 12},
		{"signext byte", BoundRange(0, 300).Signext(1), -128, 127},
		{"signext fits", BoundRange(-5, 5).Signext(1), -5, 5},
		{"neg", BoundRange(1, 4).Neg(), -4, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got.Lower != tt.lo || tt.got.Upper != tt.hi {
				t.Errorf("got %s, want [%d..%d]", tt.got, tt.lo, tt.hi)
			}
		})
	}
}

func TestIntBoundNegMinIsUnbounded(t *testing.T) {
	if b := BoundRange(math.MinInt64, 0).Neg(); !b.IsUnbounded() {
		t.Errorf("neg of a range including MinInt64 = %s", b)
	}
}

func TestIntBoundOverflow(t *testing.T) {
	if BoundRange(0, math.MaxInt64).AddNoOverflow(ConstBound(1)) {
		t.Error("[0..Max] + 1 reported as not overflowing")
	}
	if !BoundRange(0, 10).AddNoOverflow(ConstBound(1)) {
		t.Error("[0..10] + 1 reported as overflowing")
	}
}

func TestIntBoundNarrowing(t *testing.T) {
	b := Unbounded()
	if changed, err := b.MakeGE(0); err != nil || !changed {
		t.Fatalf("MakeGE(0) = %v, %v", changed, err)
	}
	if _, err := b.MakeLT(10); err != nil {
		t.Fatal(err)
	}
	if b.Lower != 0 || b.Upper != 9 {
		t.Errorf("got %s, want [0..9]", b)
	}
	if changed, _ := b.MakeLE(20); changed {
		t.Error("MakeLE(20) changed [0..9]")
	}
	if !b.KnownNonNegative() || !b.KnownLT(ConstBound(10)) {
		t.Errorf("%s: comparisons not known", b)
	}

	empty := BoundRange(0, 5)
	if _, err := empty.Intersect(BoundRange(10, 20)); err == nil {
		t.Error("disjoint intersection succeeded")
	}
}

func TestIntBoundKnownBits(t *testing.T) {
	b := BoundRange(0, 3).Lshift(ConstBound(2))
	if !b.Contains(4) {
		t.Errorf("%s does not contain 4", b)
	}
	if b.Contains(5) {
		t.Errorf("%s contains 5", b)
	}
}

func TestIntBoundContainsBound(t *testing.T) {
	outer, inner := BoundRange(0, 10), BoundRange(2, 5)
	if !outer.ContainsBound(inner) {
		t.Errorf("%s does not contain %s", outer, inner)
	}
	if inner.ContainsBound(outer) {
		t.Errorf("%s contains %s", inner, outer)
	}
}

func TestIntBoundString(t *testing.T) {
	tests := []struct {
		b    *IntBound
		want string
	}{
		{ConstBound(7), "[7]"},
		{Unbounded(), "[?]"},
		{BoundRange(0, 9), "[0..9]"},
		{BoundRange(math.MinInt64, 9), "[..9]"},
		{BoundRange(3, math.MaxInt64), "[3..]"},
	}
	for _, tt := range tests {
		// Known high bits are appended after the interval.
		if got := tt.b.String(); !strings.HasPrefix(got, tt.want) {
			t.Errorf("String() = %q, want prefix %q", got, tt.want)
		}
	}
}
