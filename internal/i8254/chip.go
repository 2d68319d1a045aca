// Package i8254 emulates the Intel 8253/8254 programmable interval timer as
// seen from the I/O bus.
//
// Counts are never decremented in place. Each counter remembers the tick at
// which its count was loaded and derives the current value from the clock
// whenever the guest looks, so results do not depend on how often the host
// gets around to calling in.
//
// A Chip is not safe for concurrent use. Hosts that share one between
// vCPUs must serialise whole accesses, since latch reads and two byte writes
// span several calls.
package i8254

// Clock returns a monotonically non-decreasing count of input clock ticks.
type Clock func() uint64

// LoadHook is called when counter n commits a newly written count.
type LoadHook func(n int)

// Chip is the three-counter timer.
type Chip struct {
	counters [3]Counter
	base     uint64
	clock    Clock

	portBase uint16
	policy   TerminalPolicy
	onLoad   LoadHook
}

// Option configures a Chip.
type Option func(*Chip)

// WithPortBase moves the chip's I/O window, e.g. to 0x48 for a second PIT.
// Any base is accepted, including 0.
func WithPortBase(base uint16) Option {
	return func(c *Chip) {
		c.portBase = base
	}
}

// WithTerminalPolicy selects what one-shot counters do after reaching zero.
func WithTerminalPolicy(p TerminalPolicy) Option {
	return func(c *Chip) {
		c.policy = p
	}
}

// WithLoadHook installs fn to be told about every committed count.
func WithLoadHook(fn LoadHook) Option {
	return func(c *Chip) {
		c.onLoad = fn
	}
}

// New returns an initialised chip reading time from clock.
func New(clock Clock, opts ...Option) *Chip {
	c := &Chip{portBase: DefaultPortBase}
	for _, opt := range opts {
		opt(c)
	}
	c.Init(clock)
	return c
}

// Init resets all three counters to their power-on state and restarts the
// chip's time base at the clock's current reading. Options are kept.
func (c *Chip) Init(clock Clock) {
	if clock == nil {
		clock = func() uint64 { return 0 }
	}
	c.clock = clock
	c.base = clock()
	for i := range c.counters {
		c.counters[i].reset()
	}
}

// Reset is Init with the clock already installed.
func (c *Chip) Reset() {
	c.Init(c.clock)
}

// PortBase returns the address of counter 0's data port.
func (c *Chip) PortBase() uint16 { return c.portBase }

// Policy returns the terminal count policy in force.
func (c *Chip) Policy() TerminalPolicy { return c.policy }

// now is modular so a restored base may sit ahead of the clock's reading.
func (c *Chip) now() uint64 {
	return c.clock() - c.base
}

// ClaimPort reports whether port lies in the chip's I/O window.
func (c *Chip) ClaimPort(port uint16) bool {
	_, ok := decodePort(c.portBase, port)
	return ok
}

// Outb performs a guest write of value to port.
func (c *Chip) Outb(port uint16, value byte) {
	target, ok := decodePort(c.portBase, port)
	if !ok {
		unclaimed("write", port)
		return
	}
	if target == targetControl {
		c.writeControl(value)
		return
	}
	n := int(target)
	if c.counters[n].writeByte(value, c.now()) && c.onLoad != nil {
		c.onLoad(n)
	}
}

// Inb performs a guest read of port.
func (c *Chip) Inb(port uint16) byte {
	target, ok := decodePort(c.portBase, port)
	if !ok {
		unclaimed("read", port)
		return 0xFF
	}
	if target == targetControl {
		// The control register is write-only; the bus floats high.
		return 0xFF
	}
	return c.counters[target].readByte(c.now(), c.policy)
}

func (c *Chip) writeControl(value byte) {
	cmd := decodeCommand(value)
	switch cmd.kind {
	case cmdReadBack:
		now := c.now()
		for i, sel := range cmd.selected {
			if !sel {
				continue
			}
			if cmd.latchStatus {
				c.counters[i].latchStatus(now)
			}
			if cmd.latchCount {
				c.counters[i].latchCount(now, c.policy)
			}
		}
	case cmdLatch:
		c.counters[cmd.counter].latchCount(c.now(), c.policy)
	default:
		c.counters[cmd.counter].program(cmd.access, cmd.mode, cmd.bcd)
	}
}

func (c *Chip) counter(n int) *Counter {
	if n < 0 || n >= len(c.counters) {
		return nil
	}
	return &c.counters[n]
}

// SetGate drives the gate input of counter n.
func (c *Chip) SetGate(n int, high bool) {
	if ctr := c.counter(n); ctr != nil {
		ctr.setGate(high, c.now())
	}
}

// Gate returns the gate input level of counter n.
func (c *Chip) Gate(n int) bool {
	if ctr := c.counter(n); ctr != nil {
		return ctr.gate
	}
	return false
}

// Output returns the OUT pin level of counter n.
func (c *Chip) Output(n int) bool {
	if ctr := c.counter(n); ctr != nil {
		return ctr.output(c.now())
	}
	return false
}

// TerminalCount reports whether one-shot counter n has counted out.
func (c *Chip) TerminalCount(n int) bool {
	if ctr := c.counter(n); ctr != nil {
		return ctr.terminalCount(c.now())
	}
	return false
}

// NullCount reports whether counter n has a control word with no count
// committed after it.
func (c *Chip) NullCount(n int) bool {
	if ctr := c.counter(n); ctr != nil {
		return ctr.nullCount
	}
	return false
}

// Count returns the live count of counter n without touching any latch.
func (c *Chip) Count(n int) uint16 {
	if ctr := c.counter(n); ctr != nil {
		return ctr.value(c.now(), c.policy)
	}
	return 0
}

// Reload describes the running count of counter n: the number of input
// ticks in one pass from the reload value down to zero, and the mode.
func (c *Chip) Reload(n int) (ticks uint64, mode Mode, running bool) {
	ctr := c.counter(n)
	if ctr == nil || !ctr.running {
		return 0, 0, false
	}
	return span(ctr.reload, ctr.bcd), ctr.mode, true
}

// Remaining returns the input ticks until counter n next reaches zero. It
// reports false for an idle counter and for a one-shot that has already
// counted out.
func (c *Chip) Remaining(n int) (uint64, bool) {
	if ctr := c.counter(n); ctr != nil {
		return ctr.remaining(c.now())
	}
	return 0, false
}
