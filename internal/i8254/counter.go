package i8254

// writeState tracks the data-port write transaction of a counter.
type writeState uint8

const (
	// writeIdle means no control word has been written since reset, so
	// there is no access mode to assemble a count with.
	writeIdle writeState = iota
	writeAwaitLSB
	writeAwaitMSB
)

// readState is the read cursor for LSB/MSB access.
type readState uint8

const (
	readLSB readState = iota
	readMSB
)

func firstWrite(a AccessMode) writeState {
	if a == AccessMSB {
		return writeAwaitMSB
	}
	return writeAwaitLSB
}

func firstRead(a AccessMode) readState {
	if a == AccessMSB {
		return readMSB
	}
	return readLSB
}

// Counter is one of the three 16-bit down counters of the chip. All tick
// values are relative to the owning Chip's base time.
type Counter struct {
	gate bool

	// Staged by the last control word, committed by a complete data write.
	access    AccessMode
	newMode   Mode
	newBCD    bool
	newCount  uint16
	nullCount bool
	write     writeState

	running bool
	reload  uint16
	mode    Mode
	bcd     bool
	start   uint64
	// held is the number of ticks the gate has suspended counting since
	// start, not counting a suspension still in progress.
	held     uint64
	lowSince uint64

	latched    bool
	latchValue uint16

	statusLatched bool
	status        byte

	read      readState
	readValue uint16
}

func (c *Counter) reset() {
	*c = Counter{
		gate:      true,
		access:    AccessLSBMSB,
		nullCount: true,
	}
}

// elapsed returns the number of ticks the counter has spent counting.
func (c *Counter) elapsed(now uint64) uint64 {
	if !c.running || now < c.start {
		return 0
	}
	e := now - c.start
	held := c.held
	if !c.gate && c.mode.gated() && now > c.lowSince {
		held += now - c.lowSince
	}
	if held >= e {
		return 0
	}
	return e - held
}

func (c *Counter) value(now uint64, p TerminalPolicy) uint16 {
	if !c.running {
		return c.reload
	}
	return Effective(c.mode, c.reload, c.elapsed(now), c.bcd, p)
}

func (c *Counter) output(now uint64) bool {
	if c.nullCount && c.write != writeIdle {
		// A control word sets OUT low for mode 0 and high for every other
		// mode until the new count is written.
		return c.newMode != ModeInterruptOnTerminalCount
	}
	if !c.running {
		return true
	}
	return output(c.mode, c.reload, c.elapsed(now), c.bcd)
}

func (c *Counter) terminalCount(now uint64) bool {
	if !c.running || c.mode.periodic() {
		return false
	}
	return c.elapsed(now) >= span(c.reload, c.bcd)
}

// remaining returns the ticks until the count next reaches zero. One-shot
// modes report false once they have counted out.
func (c *Counter) remaining(now uint64) (uint64, bool) {
	if !c.running {
		return 0, false
	}
	n := span(c.reload, c.bcd)
	e := c.elapsed(now)
	if c.mode.periodic() {
		return n - e%n, true
	}
	if e >= n {
		return 0, false
	}
	return n - e, true
}

// program applies a mode-set control word. The running count is left
// untouched until the new count has been written in full.
func (c *Counter) program(access AccessMode, mode Mode, bcd bool) {
	c.access = access
	c.newMode = mode
	c.newBCD = bcd
	c.nullCount = true
	c.write = firstWrite(access)
	c.read = firstRead(access)
	c.latched = false
	c.statusLatched = false
}

// writeByte feeds one data-port byte into the write transaction and reports
// whether it completed a count.
func (c *Counter) writeByte(value byte, now uint64) bool {
	switch c.write {
	case writeAwaitLSB:
		if c.access == AccessLSBMSB {
			c.newCount = c.newCount&0xFF00 | uint16(value)
			c.write = writeAwaitMSB
			return false
		}
		c.newCount = uint16(value)
	case writeAwaitMSB:
		if c.access == AccessLSBMSB {
			c.newCount = c.newCount&0x00FF | uint16(value)<<8
		} else {
			c.newCount = uint16(value) << 8
		}
		c.write = firstWrite(c.access)
	default:
		// No control word yet. Keep the byte but there is nothing to
		// commit it against.
		c.newCount = c.newCount&0xFF00 | uint16(value)
		return false
	}
	c.commit(now)
	return true
}

func (c *Counter) commit(now uint64) {
	c.reload = c.newCount
	c.mode = c.newMode
	c.bcd = c.newBCD
	c.running = true
	c.start = now
	c.held = 0
	c.lowSince = now
	c.nullCount = false
}

func (c *Counter) setGate(high bool, now uint64) {
	if high == c.gate {
		return
	}
	c.gate = high
	if !high {
		c.lowSince = now
		return
	}
	if !c.running {
		return
	}
	switch {
	case c.mode.retriggered():
		c.start = now
		c.held = 0
	case c.mode.gated():
		if now > c.lowSince {
			c.held += now - c.lowSince
		}
	}
}

// latchCount freezes the current count for readout. A newer latch replaces
// one that has not been fully read.
func (c *Counter) latchCount(now uint64, p TerminalPolicy) {
	c.latchValue = c.value(now, p)
	c.latched = true
	c.read = firstRead(c.access)
}

// latchStatus freezes the status byte. It is ignored while an earlier
// status byte is still waiting to be read.
func (c *Counter) latchStatus(now uint64) {
	if c.statusLatched {
		return
	}
	c.status = c.statusByte(now)
	c.statusLatched = true
}

func (c *Counter) statusByte(now uint64) byte {
	var s byte
	if c.output(now) {
		s |= 1 << 7
	}
	if c.nullCount {
		s |= 1 << 6
	}
	s |= byte(c.access&0x3) << 4
	s |= byte(c.newMode&0x7) << 1
	if c.newBCD {
		s |= 1
	}
	return s
}

// readByte returns the next byte of a data-port read.
func (c *Counter) readByte(now uint64, p TerminalPolicy) byte {
	if c.statusLatched {
		c.statusLatched = false
		return c.status
	}

	value := c.readValue
	switch {
	case c.latched:
		value = c.latchValue
	case c.access != AccessLSBMSB || c.read == readLSB:
		value = c.value(now, p)
		c.readValue = value
	}

	var out byte
	done := true
	switch {
	case c.access == AccessMSB:
		out = byte(value >> 8)
	case c.access == AccessLSBMSB && c.read == readLSB:
		out = byte(value)
		c.read = readMSB
		done = false
	case c.access == AccessLSBMSB:
		out = byte(value >> 8)
		c.read = readLSB
	default:
		out = byte(value)
	}
	if done {
		c.latched = false
	}
	return out
}
