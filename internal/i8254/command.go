package i8254

type commandKind uint8

const (
	cmdProgram commandKind = iota
	cmdLatch
	cmdReadBack
)

// command is a decoded control word.
//
//	D7 D6   counter select (3 = read-back)
//	D5 D4   access mode (0 = counter latch)
//	D3..D1  mode
//	D0      BCD
//
// Read-back words reuse the low six bits: D5 clear latches the count, D4
// clear latches the status, D3..D1 select counters 2..0.
type command struct {
	kind    commandKind
	counter int
	access  AccessMode
	mode    Mode
	bcd     bool

	latchCount  bool
	latchStatus bool
	selected    [3]bool
}

// decodeCommand never rejects a byte; every pattern has a meaning on the
// real part.
func decodeCommand(b byte) command {
	sel := int(b>>6) & 0x3
	if sel == 3 {
		return command{
			kind:        cmdReadBack,
			latchCount:  b&(1<<5) == 0,
			latchStatus: b&(1<<4) == 0,
			selected:    [3]bool{b&(1<<1) != 0, b&(1<<2) != 0, b&(1<<3) != 0},
		}
	}
	access := AccessMode(b>>4) & 0x3
	if access == AccessLatch {
		return command{kind: cmdLatch, counter: sel}
	}
	return command{
		kind:    cmdProgram,
		counter: sel,
		access:  access,
		mode:    decodeMode(b >> 1),
		bcd:     b&1 == 1,
	}
}

// ControlWord encodes a mode-set control word for counter n.
func ControlWord(n int, access AccessMode, mode Mode, bcd bool) byte {
	b := byte(n&0x3)<<6 | byte(access&0x3)<<4 | byte(mode&0x7)<<1
	if bcd {
		b |= 1
	}
	return b
}

// LatchWord encodes a counter latch command for counter n.
func LatchWord(n int) byte {
	return byte(n&0x3) << 6
}

// ReadBackWord encodes a read-back command. counters is a bit set with bit
// i selecting counter i.
func ReadBackWord(counters uint8, count, status bool) byte {
	b := byte(0xC0) | (counters&0x7)<<1
	if !count {
		b |= 1 << 5
	}
	if !status {
		b |= 1 << 4
	}
	return b
}
