// Package config loads the pit.yaml file that describes how a timer chip is
// wired into a machine.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/i8254/internal/i8254"
)

const (
	Filename = "pit.yaml"

	DefaultLogLevel = "info"
)

// Config is the on-disk description of a PIT.
type Config struct {
	Version int `yaml:"version"`

	// Tick is the length of one input clock tick. Zero means the PC rate of
	// 1193182 Hz.
	Tick           time.Duration `yaml:"tick,omitempty"`
	// PortBase of zero selects 0x40.
	PortBase       uint16        `yaml:"portBase"`
	TerminalPolicy string        `yaml:"terminalPolicy"`
	LogLevel       string        `yaml:"logLevel"`

	// Gates holds the initial gate level of counters 0, 1 and 2. Missing
	// entries default high.
	Gates []bool `yaml:"gates,omitempty"`
}

// Default returns the configuration of a stock PC timer.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.PortBase == 0 {
		c.PortBase = i8254.DefaultPortBase
	}
	if c.TerminalPolicy == "" {
		c.TerminalPolicy = i8254.HoldAtZero.String()
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate checks the fields that normalize cannot fill in.
func (c Config) Validate() error {
	if c.Tick < 0 {
		return fmt.Errorf("tick %v is negative", c.Tick)
	}
	if _, err := i8254.ParseTerminalPolicy(c.TerminalPolicy); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if len(c.Gates) > 3 {
		return fmt.Errorf("gates lists %d counters, the chip has 3", len(c.Gates))
	}
	if int(c.PortBase)+i8254.PortCount > 0x10000 {
		return fmt.Errorf("port base 0x%04x leaves no room for %d ports", c.PortBase, i8254.PortCount)
	}
	return nil
}

// Policy returns the parsed terminal count policy.
func (c Config) Policy() i8254.TerminalPolicy {
	p, err := i8254.ParseTerminalPolicy(c.TerminalPolicy)
	if err != nil {
		return i8254.HoldAtZero
	}
	return p
}

// Level returns the parsed slog level.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Gate returns the initial gate level of counter n.
func (c Config) Gate(n int) bool {
	if n < 0 || n >= len(c.Gates) {
		return true
	}
	return c.Gates[n]
}

// ChipOptions turns the configuration into options for i8254.New.
func (c Config) ChipOptions() []i8254.Option {
	return []i8254.Option{
		i8254.WithPortBase(c.PortBase),
		i8254.WithTerminalPolicy(c.Policy()),
	}
}

// NewChip builds a chip from the configuration, gates included.
func (c Config) NewChip(clock i8254.Clock) *i8254.Chip {
	chip := i8254.New(clock, c.ChipOptions()...)
	for n := 0; n < 3; n++ {
		chip.SetGate(n, c.Gate(n))
	}
	return chip
}

// Parse decodes a configuration from YAML.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", Filename, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", Filename, err)
	}
	return cfg, nil
}

// Load reads path, or pit.yaml inside path when it names a directory.
func Load(path string) (Config, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, Filename)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", Filename, err)
	}
	return Parse(data)
}

// Write stores cfg at path with defaults filled in.
func Write(path string, cfg Config) error {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid %s: %w", Filename, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", Filename, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", Filename, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", Filename, err)
	}
	return nil
}
