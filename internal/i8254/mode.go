package i8254

import "fmt"

// Mode is one of the six 8254 counter operating modes.
type Mode uint8

const (
	ModeInterruptOnTerminalCount Mode = 0
	ModeOneShot                  Mode = 1
	ModeRateGenerator            Mode = 2
	ModeSquareWave               Mode = 3
	ModeSoftwareStrobe           Mode = 4
	ModeHardwareStrobe           Mode = 5
)

// modeAlias maps the 3-bit mode field of a control word to the mode the chip
// runs. The 8254 only partially decodes bit 3 of the field, so patterns 6 and
// 7 select modes 2 and 3. Guests have been seen to write these, keep them.
var modeAlias = [8]Mode{
	ModeInterruptOnTerminalCount,
	ModeOneShot,
	ModeRateGenerator,
	ModeSquareWave,
	ModeSoftwareStrobe,
	ModeHardwareStrobe,
	ModeRateGenerator, // 110
	ModeSquareWave,    // 111
}

// decodeMode returns the mode selected by the 3-bit field v.
func decodeMode(v byte) Mode {
	return modeAlias[v&0x7]
}

func (m Mode) String() string {
	switch m {
	case ModeInterruptOnTerminalCount:
		return "interrupt-on-terminal-count"
	case ModeOneShot:
		return "hardware-retriggerable-one-shot"
	case ModeRateGenerator:
		return "rate-generator"
	case ModeSquareWave:
		return "square-wave"
	case ModeSoftwareStrobe:
		return "software-triggered-strobe"
	case ModeHardwareStrobe:
		return "hardware-triggered-strobe"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// periodic reports whether the counter reloads itself on terminal count.
func (m Mode) periodic() bool {
	return m == ModeRateGenerator || m == ModeSquareWave
}

// gated reports whether a low gate suspends counting in this mode.
func (m Mode) gated() bool {
	return m == ModeOneShot || m == ModeRateGenerator || m == ModeHardwareStrobe
}

// retriggered reports whether a rising gate edge restarts the count.
func (m Mode) retriggered() bool {
	return m == ModeOneShot || m == ModeHardwareStrobe
}

// AccessMode selects how a 16-bit count is moved across the 8-bit data port.
type AccessMode uint8

const (
	AccessLatch  AccessMode = 0
	AccessLSB    AccessMode = 1
	AccessMSB    AccessMode = 2
	AccessLSBMSB AccessMode = 3
)

func (a AccessMode) String() string {
	switch a {
	case AccessLatch:
		return "latch"
	case AccessLSB:
		return "lsb"
	case AccessMSB:
		return "msb"
	case AccessLSBMSB:
		return "lsb/msb"
	default:
		return fmt.Sprintf("access(%d)", uint8(a))
	}
}

// TerminalPolicy picks what a one-shot counter (modes 0, 1, 4 and 5) does
// once it reaches zero. Both behaviours exist across 8253/8254 parts.
type TerminalPolicy uint8

const (
	// HoldAtZero keeps reading 0 after terminal count.
	HoldAtZero TerminalPolicy = iota
	// WrapAround keeps decrementing through 0xFFFF (9999 in BCD).
	WrapAround
)

func (p TerminalPolicy) String() string {
	switch p {
	case HoldAtZero:
		return "hold"
	case WrapAround:
		return "wrap"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParseTerminalPolicy is the inverse of TerminalPolicy.String.
func ParseTerminalPolicy(s string) (TerminalPolicy, error) {
	switch s {
	case "", "hold":
		return HoldAtZero, nil
	case "wrap":
		return WrapAround, nil
	default:
		return HoldAtZero, fmt.Errorf("i8254: unknown terminal policy %q", s)
	}
}
