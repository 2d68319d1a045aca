package i8254

import "fmt"

const (
	// DefaultPortBase is the I/O address of counter 0 on a PC.
	DefaultPortBase uint16 = 0x40

	// PortCount is the size of the chip's I/O window.
	PortCount = 4
)

// Offsets of the chip's registers within its I/O window.
const (
	Counter0Offset uint16 = iota
	Counter1Offset
	Counter2Offset
	ControlOffset
)

type portTarget uint8

const (
	targetCounter0 portTarget = iota
	targetCounter1
	targetCounter2
	targetControl
)

// decodePort resolves port against a window starting at base.
func decodePort(base, port uint16) (portTarget, bool) {
	if port < base || port-base >= PortCount {
		return 0, false
	}
	return portTarget(port - base), true
}

// PortError reports an access to a port the chip never claimed.
type PortError struct {
	Op   string
	Port uint16
}

func (e *PortError) Error() string {
	return fmt.Sprintf("i8254: %s of unclaimed port 0x%04x", e.Op, e.Port)
}

// unclaimed is called for accesses outside the window. Callers are meant to
// check ClaimPort first; builds with the pitdebug tag panic here.
func unclaimed(op string, port uint16) {
	if strictPorts {
		panic(&PortError{Op: op, Port: port})
	}
}
