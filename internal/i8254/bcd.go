package i8254

const (
	binaryRange = 1 << 16
	bcdRange    = 10000
)

// bcdSub subtracts n from the packed four digit BCD value v one nibble at a
// time. The borrow out of the thousands digit is dropped, which is how the
// chip wraps 0000 to 9999. Nibbles above 9 are carried through unchanged
// rather than normalised.
func bcdSub(v uint16, n uint32) uint16 {
	n %= bcdRange
	var out uint16
	var borrow uint16
	for shift := uint(0); shift < 16; shift += 4 {
		d := (v >> shift) & 0xF
		s := uint16(n%10) + borrow
		n /= 10
		if d >= s {
			d -= s
			borrow = 0
		} else {
			d = d + 10 - s
			borrow = 1
		}
		out |= (d & 0xF) << shift
	}
	return out
}

// bcdValue returns the decimal weight of the packed digits in v.
func bcdValue(v uint16) uint32 {
	return uint32(v>>12&0xF)*1000 +
		uint32(v>>8&0xF)*100 +
		uint32(v>>4&0xF)*10 +
		uint32(v&0xF)
}

// ValidBCD reports whether every nibble of v is a decimal digit.
func ValidBCD(v uint16) bool {
	for shift := uint(0); shift < 16; shift += 4 {
		if (v>>shift)&0xF > 9 {
			return false
		}
	}
	return true
}

// countDown decrements v by n in the counter's number domain.
func countDown(v uint16, n uint32, bcd bool) uint16 {
	if bcd {
		return bcdSub(v, n)
	}
	return v - uint16(n)
}

// span is the number of input ticks needed to count reload down to zero.
// A reload of zero stands for the full range of the counter.
func span(reload uint16, bcd bool) uint64 {
	if bcd {
		if n := bcdValue(reload); n != 0 {
			return uint64(n)
		}
		return bcdRange
	}
	if reload == 0 {
		return binaryRange
	}
	return uint64(reload)
}

func fullRange(bcd bool) uint64 {
	if bcd {
		return bcdRange
	}
	return binaryRange
}

// Effective returns the count a counter loaded with reload shows after
// elapsed input ticks of counting. It holds no state.
func Effective(mode Mode, reload uint16, elapsed uint64, bcd bool, policy TerminalPolicy) uint16 {
	n := span(reload, bcd)
	if mode.periodic() {
		return countDown(reload, uint32(elapsed%n), bcd)
	}
	if elapsed >= n && policy == HoldAtZero {
		return 0
	}
	return countDown(reload, uint32(elapsed%fullRange(bcd)), bcd)
}

// output returns the OUT pin level of a running counter.
func output(mode Mode, reload uint16, elapsed uint64, bcd bool) bool {
	n := span(reload, bcd)
	switch mode {
	case ModeInterruptOnTerminalCount, ModeOneShot:
		return elapsed >= n
	case ModeRateGenerator:
		// low for the single tick where the count is 1
		return elapsed%n != n-1
	case ModeSquareWave:
		// odd counts spend the extra tick high
		return elapsed%n < (n+1)/2
	default:
		return elapsed != n
	}
}
