package i8254

import (
	"errors"
	"fmt"
)

// ErrInvalidState is wrapped by Restore when a snapshot field is out of range.
var ErrInvalidState = errors.New("invalid chip state")

// CounterState is the saved form of a Counter.
type CounterState struct {
	Gate bool `yaml:"gate"`

	Access    AccessMode `yaml:"access"`
	NewMode   Mode       `yaml:"newMode"`
	NewBCD    bool       `yaml:"newBCD"`
	NewCount  uint16     `yaml:"newCount"`
	NullCount bool       `yaml:"nullCount"`
	Write     uint8      `yaml:"write"`

	Running  bool   `yaml:"running"`
	Reload   uint16 `yaml:"reload"`
	Mode     Mode   `yaml:"mode"`
	BCD      bool   `yaml:"bcd"`
	Start    uint64 `yaml:"start"`
	Held     uint64 `yaml:"held"`
	LowSince uint64 `yaml:"lowSince"`

	Latched    bool   `yaml:"latched"`
	LatchValue uint16 `yaml:"latchValue"`

	StatusLatched bool `yaml:"statusLatched"`
	Status        byte `yaml:"status"`

	Read      uint8  `yaml:"read"`
	ReadValue uint16 `yaml:"readValue"`
}

// State is the saved form of a Chip. Base is in the units of the clock the
// chip was running from.
type State struct {
	Base     uint64          `yaml:"base"`
	PortBase uint16          `yaml:"portBase"`
	Policy   TerminalPolicy  `yaml:"policy"`
	Counters [3]CounterState `yaml:"counters"`
}

// Snapshot captures the chip's complete state.
func (c *Chip) Snapshot() State {
	st := State{
		Base:     c.base,
		PortBase: c.portBase,
		Policy:   c.policy,
	}
	for i := range c.counters {
		st.Counters[i] = c.counters[i].snapshot()
	}
	return st
}

// Restore replaces the chip's state with st. The clock and load hook are
// kept. On error the chip is unchanged.
func (c *Chip) Restore(st State) error {
	if st.Policy > WrapAround {
		return fmt.Errorf("i8254: terminal policy %d: %w", st.Policy, ErrInvalidState)
	}
	for i := range st.Counters {
		if err := st.Counters[i].validate(); err != nil {
			return fmt.Errorf("i8254: counter %d: %w", i, err)
		}
	}

	c.base = st.Base
	c.portBase = st.PortBase
	c.policy = st.Policy
	for i := range c.counters {
		c.counters[i].restore(st.Counters[i])
	}
	return nil
}

func (s CounterState) validate() error {
	switch {
	case s.Access > AccessLSBMSB || s.Access == AccessLatch:
		return fmt.Errorf("access mode %d: %w", s.Access, ErrInvalidState)
	case s.NewMode > ModeHardwareStrobe:
		return fmt.Errorf("staged mode %d: %w", s.NewMode, ErrInvalidState)
	case s.Mode > ModeHardwareStrobe:
		return fmt.Errorf("mode %d: %w", s.Mode, ErrInvalidState)
	case writeState(s.Write) > writeAwaitMSB:
		return fmt.Errorf("write state %d: %w", s.Write, ErrInvalidState)
	case readState(s.Read) > readMSB:
		return fmt.Errorf("read state %d: %w", s.Read, ErrInvalidState)
	}
	return nil
}

func (c *Counter) snapshot() CounterState {
	return CounterState{
		Gate:          c.gate,
		Access:        c.access,
		NewMode:       c.newMode,
		NewBCD:        c.newBCD,
		NewCount:      c.newCount,
		NullCount:     c.nullCount,
		Write:         uint8(c.write),
		Running:       c.running,
		Reload:        c.reload,
		Mode:          c.mode,
		BCD:           c.bcd,
		Start:         c.start,
		Held:          c.held,
		LowSince:      c.lowSince,
		Latched:       c.latched,
		LatchValue:    c.latchValue,
		StatusLatched: c.statusLatched,
		Status:        c.status,
		Read:          uint8(c.read),
		ReadValue:     c.readValue,
	}
}

func (c *Counter) restore(s CounterState) {
	*c = Counter{
		gate:          s.Gate,
		access:        s.Access,
		newMode:       s.NewMode,
		newBCD:        s.NewBCD,
		newCount:      s.NewCount,
		nullCount:     s.NullCount,
		write:         writeState(s.Write),
		running:       s.Running,
		reload:        s.Reload,
		mode:          s.Mode,
		bcd:           s.BCD,
		start:         s.Start,
		held:          s.Held,
		lowSince:      s.LowSince,
		latched:       s.Latched,
		latchValue:    s.LatchValue,
		statusLatched: s.StatusLatched,
		status:        s.Status,
		read:          readState(s.Read),
		readValue:     s.ReadValue,
	}
}
