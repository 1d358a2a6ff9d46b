// Package config handles probe.toml run configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "probe.toml"

var ErrInvalid = errors.New("config: invalid configuration")

// Config represents a probe.toml file.
type Config struct {
	Target      Target      `toml:"target"`
	Units       Units       `toml:"units"`
	Diagnostics Diagnostics `toml:"diagnostics"`
	Run         Run         `toml:"run"`
	Tests       []Test      `toml:"test"`
	Store       Store       `toml:"store"`

	// Dir is the directory containing the probe.toml file (set at load time).
	Dir string `toml:"-"`
}

// Target names the method to instrument. An empty method selects
// inspection mode.
type Target struct {
	Method string `toml:"method"`
}

// Units configures where unit files are read from and which namespaces are
// never instrumented.
type Units struct {
	Dirs    []string `toml:"dirs"`
	Exclude []string `toml:"exclude"`
}

// Diagnostics configures dumping of rewritten units.
type Diagnostics struct {
	DumpDir  string `toml:"dump-dir"`
	Compress bool   `toml:"compress"`
}

// Run configures test execution.
type Run struct {
	Parallelism int      `toml:"parallelism"`
	Timeout     Duration `toml:"timeout"`
}

// Test is one test to run: a message sent to a fresh instance of a unit.
type Test struct {
	Name   string `toml:"name"`
	Unit   string `toml:"unit"`
	Method string `toml:"method"`
}

// Store configures the controller's result database.
type Store struct {
	Path string `toml:"path"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults
const (
	DefaultParallelism = 4
	DefaultTimeout     = 30 * time.Second
	DefaultStorePath   = "exitprobe.db"
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: %s: unknown key %s", ErrInvalid, path, undecoded[0])
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find a probe.toml file, then loads
// and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (c *Config) applyDefaults() {
	if len(c.Units.Dirs) == 0 {
		c.Units.Dirs = []string{"units"}
	}
	if c.Units.Exclude == nil {
		c.Units.Exclude = []string{"exitprobe"}
	}
	if c.Run.Parallelism <= 0 {
		c.Run.Parallelism = DefaultParallelism
	}
	if c.Run.Timeout.Duration <= 0 {
		c.Run.Timeout.Duration = DefaultTimeout
	}
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
	for i := range c.Tests {
		if c.Tests[i].Name == "" {
			c.Tests[i].Name = c.Tests[i].Unit + ">>" + c.Tests[i].Method
		}
	}
}

// Validate checks the fields that have no sensible default.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Tests))
	for i, t := range c.Tests {
		if t.Unit == "" || t.Method == "" {
			return fmt.Errorf("%w: test %d needs unit and method", ErrInvalid, i)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: duplicate test name %q", ErrInvalid, t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// UnitDirPaths returns absolute paths for the configured unit directories.
func (c *Config) UnitDirPaths() []string {
	return c.resolve(c.Units.Dirs)
}

// DumpDirPath returns the absolute dump directory, or "" when dumping is
// off.
func (c *Config) DumpDirPath() string {
	if c.Diagnostics.DumpDir == "" {
		return ""
	}
	return c.resolve([]string{c.Diagnostics.DumpDir})[0]
}

// StorePath returns the absolute path of the result database.
func (c *Config) StorePath() string {
	return c.resolve([]string{c.Store.Path})[0]
}

func (c *Config) resolve(dirs []string) []string {
	paths := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if filepath.IsAbs(d) || c.Dir == "" {
			paths = append(paths, d)
		} else {
			paths = append(paths, filepath.Join(c.Dir, d))
		}
	}
	return paths
}
