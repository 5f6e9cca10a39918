package store

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/rjit/backend"
	"github.com/chazu/rjit/jit"
	"github.com/chazu/rjit/pkg/trace"
	"github.com/chazu/rjit/pkg/traceparse"
)

const countedLoop = `
loop L

[i0]
i1 = int_add(i0, 1)
i2 = int_lt(i1, 10)
guard_true(i2) [i1]
jump(i1, descr=L)
`

// logLoopAndBridge compiles the counted loop and a bridge at its loop
// guard through a driver recording into l.
func logLoopAndBridge(t *testing.T, l *Log) *jit.Loop {
	t.Helper()
	d := jit.New(backend.New(backend.Options{}), jit.Options{})
	d.SetRecorder(l)
	ns := traceparse.NewNamespace()
	p, err := ns.Parse(countedLoop)
	if err != nil {
		t.Fatal(err)
	}
	loop, err := d.CompileLoop("L", p.Inputs, p.Ops)
	if err != nil {
		t.Fatal(err)
	}
	ex, err := d.Run(loop, trace.ConstInt{V: 0})
	if err != nil {
		t.Fatal(err)
	}
	b, err := ns.Parse("[i5]\njump(i5, descr=L)")
	if err != nil {
		t.Fatal(err)
	}
	b.Ops[0].Descr = loop.Token
	if _, err := d.CompileBridge(ex.Descr, b.Inputs, b.Ops); err != nil {
		t.Fatal(err)
	}
	return loop
}

func TestRecordAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "jit.db")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	loop := logLoopAndBridge(t, l)

	entries, err := l.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	le, be := entries[0], entries[1]
	if le.Kind != KindLoop || le.ID != loop.Token.UUID || le.Name != "L" || le.InputOps != 4 {
		t.Errorf("loop entry = %+v", le)
	}
	if be.Kind != KindBridge || be.LoopID != loop.Token.UUID || be.Guard == "" || !be.Retrace {
		t.Errorf("bridge entry = %+v", be)
	}
	if le.Session != l.Session() {
		t.Errorf("session = %s, want %s", le.Session, l.Session())
	}

	rec, err := l.Show(le.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Ops, "label(") || !strings.Contains(rec.Ops, "L_loop") {
		t.Errorf("ops = %q", rec.Ops)
	}
	if len(rec.Guards) != 2 {
		t.Fatalf("got %d guards, want one per peeled iteration", len(rec.Guards))
	}
	for _, g := range rec.Guards {
		if g.Op != "guard_true" || g.BlobSize == 0 || g.ResumeText == "" {
			t.Errorf("guard = %+v", g)
		}
	}

	data, err := l.Resume(le.ID, rec.Guards[1].Position)
	if err != nil {
		t.Fatal(err)
	}
	if data.Count() != 1 || data.String() != rec.Guards[1].ResumeText {
		t.Errorf("decoded %q, logged %q", data, rec.Guards[1].ResumeText)
	}
}

func TestLookup(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "jit.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	loop := logLoopAndBridge(t, l)

	for _, key := range []string{"L", loop.Token.UUID.String(), loop.Token.UUID.String()[:8]} {
		id, err := l.Lookup(key)
		if err != nil {
			t.Errorf("Lookup(%q): %v", key, err)
			continue
		}
		if id != loop.Token.UUID {
			t.Errorf("Lookup(%q) = %s", key, id)
		}
	}
	if _, err := l.Lookup("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(nope): %v", err)
	}
}

func TestForeignSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jit.db")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	loop := logLoopAndBridge(t, l)
	rec, err := l.Show(loop.Token.UUID)
	if err != nil {
		t.Fatal(err)
	}
	l.Close()

	other, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if _, err := other.Show(loop.Token.UUID); err != nil {
		t.Errorf("show from another session: %v", err)
	}
	if _, err := other.Resume(loop.Token.UUID, rec.Guards[0].Position); !errors.Is(err, ErrForeignSession) {
		t.Errorf("resume from another session: %v", err)
	}
	if _, err := other.Resume(loop.Token.UUID, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("resume of a missing guard: %v", err)
	}
}

func TestPrune(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "jit.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	logLoopAndBridge(t, l)

	if n, err := l.Prune(time.Now().Add(-time.Hour)); err != nil || n != 0 {
		t.Errorf("Prune(an hour ago) = %d, %v", n, err)
	}
	if n, err := l.Prune(time.Now().Add(time.Hour)); err != nil || n != 2 {
		t.Errorf("Prune(in an hour) = %d, %v", n, err)
	}
	if entries, _ := l.List(); len(entries) != 0 {
		t.Errorf("%d entries left", len(entries))
	}
}

func TestCompressRoundTrip(t *testing.T) {
	in := []byte(strings.Repeat("i1 = int_add(i0, 1)\n", 50))
	z, err := compress(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(z) >= len(in) {
		t.Errorf("compressed %d bytes to %d", len(in), len(z))
	}
	out, err := decompress(z)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(in) {
		t.Error("round trip changed the data")
	}
}
