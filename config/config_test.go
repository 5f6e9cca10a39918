package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/rjit/jit"
	"github.com/chazu/rjit/optimizer"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[optimizer]
enable = "intbounds:rewrite:pure"
failargs-limit = 100
max-virtual-array = 64
unroll-retries = 2

[jit]
trace-eagerness = 50
retrace-limit = 3

[backend]
code-budget = "1MiB"
heap-limit = "64k"

[log]
verbosity = 2
file = "rjit.log"

[store]
path = "/tmp/jit.db"
`)
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Optimizer.Enable != "intbounds:rewrite:pure" {
		t.Errorf("optimizer enable = %q", c.Optimizer.Enable)
	}
	jo := c.JITOptions()
	if jo.FailargsLimit != 100 || jo.MaxVirtualArray != 64 || jo.UnrollRetries != 2 {
		t.Errorf("jit options = %+v", jo)
	}
	if jo.TraceEagerness != 50 || jo.RetraceLimit != 3 {
		t.Errorf("jit thresholds = %d, %d", jo.TraceEagerness, jo.RetraceLimit)
	}
	bo, err := c.BackendOptions()
	if err != nil {
		t.Fatal(err)
	}
	if bo.CodeBudget != 1<<20 {
		t.Errorf("code budget = %d, want %d", bo.CodeBudget, 1<<20)
	}
	if bo.HeapLimit != 64<<10 {
		t.Errorf("heap limit = %d, want %d", bo.HeapLimit, 64<<10)
	}
	if c.StorePath() != "/tmp/jit.db" {
		t.Errorf("store path = %q", c.StorePath())
	}
	if c.Log.Verbosity != 2 || c.Log.File != "rjit.log" {
		t.Errorf("log = %+v", c.Log)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[jit]\ndisabled = true\n")
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !c.JIT.Disabled {
		t.Error("jit disabled = false, want true")
	}
	if c.Optimizer.Enable != optimizer.DefaultPasses {
		t.Errorf("optimizer enable = %q, want the default chain", c.Optimizer.Enable)
	}
	if c.JIT.TraceEagerness != jit.DefaultTraceEagerness || c.JIT.RetraceLimit != jit.DefaultRetraceLimit {
		t.Errorf("jit = %+v", c.JIT)
	}
	if want := filepath.Join(c.Dir, ".rjit", "jitlog.db"); c.StorePath() != want {
		t.Errorf("store path = %q, want %q", c.StorePath(), want)
	}
	bo, err := c.BackendOptions()
	if err != nil || bo.CodeBudget != 0 || bo.HeapLimit != 0 {
		t.Errorf("backend options = %+v, %v", bo, err)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad size", "[backend]\ncode-budget = \"lots\"\n", "code-budget"},
		{"unknown key", "[jit]\neagerness = 3\n", "unknown keys"},
		{"syntax", "[jit\n", "parse error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.content)
			_, err := Load(dir)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[jit]\nretrace-limit = 7\n")
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	c, err := FindAndLoad(sub)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.JIT.RetraceLimit != 7 {
		t.Fatalf("config = %+v", c)
	}
	abs, _ := filepath.Abs(root)
	if c.Dir != abs {
		t.Errorf("dir = %q, want %q", c.Dir, abs)
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if c.Optimizer.Enable != optimizer.DefaultPasses || c.Store.Path == "" {
		t.Errorf("default = %+v", c)
	}
}
