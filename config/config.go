// Package config handles rjit.toml configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/tliron/commonlog"

	"github.com/chazu/rjit/backend"
	"github.com/chazu/rjit/jit"
	"github.com/chazu/rjit/optimizer"
)

// FileName is the name of the configuration file.
const FileName = "rjit.toml"

// Config represents an rjit.toml configuration.
type Config struct {
	Optimizer Optimizer `toml:"optimizer"`
	JIT       JIT       `toml:"jit"`
	Backend   Backend   `toml:"backend"`
	Log       Log       `toml:"log"`
	Store     Store     `toml:"store"`

	// Dir is the directory containing the rjit.toml file (set at load time).
	Dir string `toml:"-"`
}

// Optimizer configures the optimizer chain.
type Optimizer struct {
	// Enable is the colon-separated pass list.
	Enable          string `toml:"enable"`
	FailargsLimit   int    `toml:"failargs-limit"`
	MaxVirtualArray int    `toml:"max-virtual-array"`
	UnrollRetries   int    `toml:"unroll-retries"`
	Dump            bool   `toml:"dump"`
}

// JIT configures the driver.
type JIT struct {
	Disabled       bool  `toml:"disabled"`
	TraceEagerness int64 `toml:"trace-eagerness"`
	RetraceLimit   int32 `toml:"retrace-limit"`
}

// Backend configures the back-end. Sizes are human-readable, such as
// "64MiB" or "512k".
type Backend struct {
	CodeBudget string `toml:"code-budget"`
	HeapLimit  string `toml:"heap-limit"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Store configures the JIT log.
type Store struct {
	Path     string `toml:"path"`
	Disabled bool   `toml:"disabled"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Optimizer.Enable == "" {
		c.Optimizer.Enable = optimizer.DefaultPasses
	}
	if c.JIT.TraceEagerness == 0 {
		c.JIT.TraceEagerness = jit.DefaultTraceEagerness
	}
	if c.JIT.RetraceLimit == 0 {
		c.JIT.RetraceLimit = jit.DefaultRetraceLimit
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(".rjit", "jitlog.db")
	}
}

// Load parses an rjit.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	c.applyDefaults()
	if _, err := c.BackendOptions(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find an rjit.toml file, then
// loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// JITOptions returns the driver options.
func (c *Config) JITOptions() jit.Options {
	return jit.Options{
		Disabled:        c.JIT.Disabled,
		Passes:          c.Optimizer.Enable,
		FailargsLimit:   c.Optimizer.FailargsLimit,
		MaxVirtualArray: c.Optimizer.MaxVirtualArray,
		UnrollRetries:   c.Optimizer.UnrollRetries,
		Dump:            c.Optimizer.Dump,
		TraceEagerness:  c.JIT.TraceEagerness,
		RetraceLimit:    c.JIT.RetraceLimit,
	}
}

// OptimizerOptions returns the options for running the optimizer alone.
func (c *Config) OptimizerOptions() optimizer.Options {
	return optimizer.Options{
		Passes:          c.Optimizer.Enable,
		Dump:            c.Optimizer.Dump,
		FailargsLimit:   c.Optimizer.FailargsLimit,
		MaxVirtualArray: c.Optimizer.MaxVirtualArray,
		UnrollRetries:   c.Optimizer.UnrollRetries,
	}
}

// BackendOptions returns the back-end options with sizes parsed.
func (c *Config) BackendOptions() (backend.Options, error) {
	var opts backend.Options
	var err error
	if opts.CodeBudget, err = size("code-budget", c.Backend.CodeBudget); err != nil {
		return opts, err
	}
	if opts.HeapLimit, err = size("heap-limit", c.Backend.HeapLimit); err != nil {
		return opts, err
	}
	return opts, nil
}

func size(key, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("backend.%s: %w", key, err)
	}
	return n, nil
}

// StorePath returns the JIT log path, relative paths resolved against Dir.
func (c *Config) StorePath() string {
	if filepath.IsAbs(c.Store.Path) || c.Dir == "" {
		return c.Store.Path
	}
	return filepath.Join(c.Dir, c.Store.Path)
}

// ConfigureLogging applies the [log] section.
func (c *Config) ConfigureLogging() {
	var path *string
	if c.Log.File != "" {
		p := c.Log.File
		if !filepath.IsAbs(p) && c.Dir != "" {
			p = filepath.Join(c.Dir, p)
		}
		path = &p
	}
	commonlog.Configure(c.Log.Verbosity, path)
}
