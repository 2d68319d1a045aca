// Package script replays guest port traffic against a timer chip from a YAML
// description and checks what the guest would have observed.
package script

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/i8254/internal/i8254"
)

// Script is a named sequence of steps run against a fresh chip.
type Script struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	PortBase       uint16   `yaml:"portBase,omitempty"`
	TerminalPolicy string   `yaml:"terminalPolicy,omitempty"`
	Timeout        Duration `yaml:"timeout,omitempty"`

	Steps []Step `yaml:"steps"`
}

// Step holds exactly one action.
type Step struct {
	Name string `yaml:"name,omitempty"`

	Out          *PortWrite   `yaml:"out,omitempty"`
	In           *PortRead    `yaml:"in,omitempty"`
	Read16       *PortRead    `yaml:"read16,omitempty"`
	Advance      uint64       `yaml:"advance,omitempty"`
	Gate         *GateLevel   `yaml:"gate,omitempty"`
	Latch        *int         `yaml:"latch,omitempty"`
	ExpectOutput *OutputCheck `yaml:"expectOutput,omitempty"`
}

// PortWrite is a guest OUT of one or more bytes to the same port.
type PortWrite struct {
	Port   uint16  `yaml:"port"`
	Value  uint8   `yaml:"value,omitempty"`
	Values []uint8 `yaml:"values,omitempty"`
}

func (w PortWrite) bytes() []uint8 {
	if len(w.Values) > 0 {
		return w.Values
	}
	return []uint8{w.Value}
}

// PortRead is a guest IN. Expect is optional.
type PortRead struct {
	Port   uint16  `yaml:"port"`
	Expect *uint16 `yaml:"expect,omitempty"`
}

// GateLevel drives a counter's gate input.
type GateLevel struct {
	Counter int  `yaml:"counter"`
	High    bool `yaml:"high"`
}

// OutputCheck asserts the level of a counter's OUT pin.
type OutputCheck struct {
	Counter int  `yaml:"counter"`
	High    bool `yaml:"high"`
}

// Kind names the action a step performs.
func (s Step) Kind() string {
	switch {
	case s.Out != nil:
		return "out"
	case s.In != nil:
		return "in"
	case s.Read16 != nil:
		return "read16"
	case s.Advance != 0:
		return "advance"
	case s.Gate != nil:
		return "gate"
	case s.Latch != nil:
		return "latch"
	case s.ExpectOutput != nil:
		return "expectOutput"
	default:
		return ""
	}
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{
		s.Out != nil, s.In != nil, s.Read16 != nil, s.Advance != 0,
		s.Gate != nil, s.Latch != nil, s.ExpectOutput != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

func validCounter(n int) bool { return n >= 0 && n < 3 }

// Validate checks that every step carries one well-formed action.
func (s *Script) Validate() error {
	if _, err := i8254.ParseTerminalPolicy(s.TerminalPolicy); err != nil {
		return err
	}
	for i, step := range s.Steps {
		if n := step.actions(); n != 1 {
			return fmt.Errorf("step %d: want exactly one action, have %d", i, n)
		}
		switch {
		case step.Out != nil && len(step.Out.Values) > 0 && step.Out.Value != 0:
			return fmt.Errorf("step %d: out has both value and values", i)
		case step.Gate != nil && !validCounter(step.Gate.Counter):
			return fmt.Errorf("step %d: no counter %d", i, step.Gate.Counter)
		case step.Latch != nil && !validCounter(*step.Latch):
			return fmt.Errorf("step %d: no counter %d", i, *step.Latch)
		case step.ExpectOutput != nil && !validCounter(step.ExpectOutput.Counter):
			return fmt.Errorf("step %d: no counter %d", i, step.ExpectOutput.Counter)
		}
	}
	return nil
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Parse decodes and validates a script.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("script %q: %w", s.Name, err)
	}
	return &s, nil
}

// Load reads a script from a YAML file.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script file: %w", err)
	}
	return Parse(data)
}
