package sweep

import (
	"context"

	"github.com/tinyrange/i8254/internal/i8254"
)

const (
	binaryRange = 1 << 16
	bcdRange    = 10000

	// ctxStride is how many inputs pass between context checks.
	ctxStride = 4096
)

func toBCD(d uint32) uint16 {
	return uint16(d/1000%10)<<12 | uint16(d/100%10)<<8 | uint16(d/10%10)<<4 | uint16(d%10)
}

func newChip(o Options, ticks *uint64) *i8254.Chip {
	return i8254.New(func() uint64 { return *ticks },
		i8254.WithPortBase(o.PortBase),
		i8254.WithTerminalPolicy(o.Policy),
	)
}

func load(chip *i8254.Chip, n int, mode i8254.Mode, bcd bool, reload uint16) {
	base := chip.PortBase()
	chip.Outb(base+i8254.ControlOffset, i8254.ControlWord(n, i8254.AccessLSBMSB, mode, bcd))
	chip.Outb(base+uint16(n), byte(reload))
	chip.Outb(base+uint16(n), byte(reload>>8))
}

func read16(chip *i8254.Chip, port uint16) uint16 {
	lo := chip.Inb(port)
	hi := chip.Inb(port)
	return uint16(hi)<<8 | uint16(lo)
}

func cancelled(ctx context.Context, i int) error {
	if i%ctxStride != 0 {
		return nil
	}
	return ctx.Err()
}

// latchRoundTrip loads every reload value, latches it before any tick
// passes, advances the clock and expects the latched value back.
func latchRoundTrip(ctx context.Context, o Options, r *recorder) error {
	var ticks uint64
	chip := newChip(o, &ticks)
	data := o.PortBase + i8254.Counter0Offset
	ctrl := o.PortBase + i8254.ControlOffset

	for v := 0; v < binaryRange; v++ {
		if err := cancelled(ctx, v); err != nil {
			return err
		}
		reload := uint16(v)
		load(chip, 0, i8254.ModeInterruptOnTerminalCount, false, reload)
		chip.Outb(ctrl, i8254.LatchWord(0))
		ticks += 7
		got := read16(chip, data)
		r.check(uint32(v), got == reload, "latched 0x%04x", got)
	}
	for d := uint32(0); d < bcdRange; d++ {
		if err := cancelled(ctx, int(d)); err != nil {
			return err
		}
		reload := toBCD(d)
		load(chip, 0, i8254.ModeInterruptOnTerminalCount, true, reload)
		chip.Outb(ctrl, i8254.LatchWord(0))
		ticks += 7
		got := read16(chip, data)
		r.check(uint32(reload), got == reload, "latched bcd %04x", got)
	}
	return nil
}

// byteOrder checks each access mode returns the bytes it was written with.
func byteOrder(ctx context.Context, o Options, r *recorder) error {
	var ticks uint64
	chip := newChip(o, &ticks)
	data := o.PortBase + i8254.Counter1Offset
	ctrl := o.PortBase + i8254.ControlOffset

	for v := 0; v < binaryRange; v++ {
		if err := cancelled(ctx, v); err != nil {
			return err
		}
		lo, hi := byte(v), byte(v>>8)

		chip.Outb(ctrl, i8254.ControlWord(1, i8254.AccessLSB, i8254.ModeRateGenerator, false))
		chip.Outb(data, lo)
		got := chip.Inb(data)
		r.check(uint32(v), got == lo && chip.Count(1) == uint16(lo), "lsb only read 0x%02x, count 0x%04x", got, chip.Count(1))

		chip.Outb(ctrl, i8254.ControlWord(1, i8254.AccessMSB, i8254.ModeRateGenerator, false))
		chip.Outb(data, hi)
		got = chip.Inb(data)
		r.check(uint32(v), got == hi && chip.Count(1) == uint16(hi)<<8, "msb only read 0x%02x, count 0x%04x", got, chip.Count(1))

		load(chip, 1, i8254.ModeRateGenerator, false, uint16(v))
		gotLo := chip.Inb(data)
		gotHi := chip.Inb(data)
		r.check(uint32(v), gotLo == lo && gotHi == hi, "lsb/msb read %02x %02x", gotLo, gotHi)
	}
	return nil
}

// periodicity checks modes 2 and 3 repeat with the reload's span.
func periodicity(ctx context.Context, o Options, r *recorder) error {
	for _, mode := range []i8254.Mode{i8254.ModeRateGenerator, i8254.ModeSquareWave} {
		for v := 0; v < binaryRange; v++ {
			if err := cancelled(ctx, v); err != nil {
				return err
			}
			reload := uint16(v)
			n := uint64(reload)
			if n == 0 {
				n = binaryRange
			}
			at0 := i8254.Effective(mode, reload, 0, false, o.Policy)
			atN := i8254.Effective(mode, reload, n, false, o.Policy)
			r.check(uint32(v), at0 == atN, "%v: 0x%04x at 0, 0x%04x at %d", mode, at0, atN, n)

			k := n/2 + 1
			a := i8254.Effective(mode, reload, k, false, o.Policy)
			b := i8254.Effective(mode, reload, n+k, false, o.Policy)
			r.check(uint32(v), a == b, "%v: 0x%04x at %d, 0x%04x at %d", mode, a, k, b, n+k)
		}
	}
	return nil
}

// bcdBoundary checks one decrement from every decimal value, including
// 0000 wrapping to 9999.
func bcdBoundary(ctx context.Context, o Options, r *recorder) error {
	for d := uint32(0); d < bcdRange; d++ {
		if err := cancelled(ctx, int(d)); err != nil {
			return err
		}
		v := toBCD(d)
		want := toBCD((d + bcdRange - 1) % bcdRange)
		got := i8254.Effective(i8254.ModeInterruptOnTerminalCount, v, 1, true, i8254.WrapAround)
		r.check(uint32(v), got == want && i8254.ValidBCD(got), "%04x - 1 = %04x, want %04x", v, got, want)
	}
	return nil
}

// gateFreeze checks a low gate holds the count of a rate generator and of
// a one-shot, and that a rate generator carries on where it stopped.
func gateFreeze(ctx context.Context, o Options, r *recorder) error {
	var ticks uint64
	chip := newChip(o, &ticks)

	for v := 0; v < binaryRange; v++ {
		if err := cancelled(ctx, v); err != nil {
			return err
		}
		reload := uint16(v)
		load(chip, 1, i8254.ModeRateGenerator, false, reload)
		ticks++
		before := chip.Count(1)
		chip.SetGate(1, false)
		ticks += 1000
		during := chip.Count(1)
		chip.SetGate(1, true)
		ticks++
		after := chip.Count(1)

		want := i8254.Effective(i8254.ModeRateGenerator, reload, 2, false, o.Policy)
		r.check(uint32(v), during == before && after == want,
			"count 0x%04x before, 0x%04x gated, 0x%04x after (want 0x%04x)", before, during, after, want)

		load(chip, 1, i8254.ModeOneShot, false, reload)
		ticks++
		before = chip.Count(1)
		chip.SetGate(1, false)
		ticks += 1000
		during = chip.Count(1)
		chip.SetGate(1, true)
		r.check(uint32(v), during == before, "one-shot count 0x%04x before, 0x%04x gated", before, during)
	}
	return nil
}

// latchIsolation checks a latch on counter 0 leaves counter 2 live, and
// that reprogramming counter 0 cancels its pending latch.
func latchIsolation(ctx context.Context, o Options, r *recorder) error {
	var ticks uint64
	chip := newChip(o, &ticks)
	ctrl := o.PortBase + i8254.ControlOffset

	for v := 0; v < binaryRange; v++ {
		if err := cancelled(ctx, v); err != nil {
			return err
		}
		reload := uint16(v)
		load(chip, 0, i8254.ModeRateGenerator, false, reload)
		load(chip, 2, i8254.ModeRateGenerator, false, ^reload)
		ticks += 3
		chip.Outb(ctrl, i8254.LatchWord(0))
		ticks += 5

		other := read16(chip, o.PortBase+i8254.Counter2Offset)
		latched := read16(chip, o.PortBase+i8254.Counter0Offset)
		wantOther := i8254.Effective(i8254.ModeRateGenerator, ^reload, 8, false, o.Policy)
		wantLatched := i8254.Effective(i8254.ModeRateGenerator, reload, 3, false, o.Policy)
		r.check(uint32(v), other == wantOther && latched == wantLatched,
			"counter 2 read 0x%04x (want 0x%04x), counter 0 latched 0x%04x (want 0x%04x)",
			other, wantOther, latched, wantLatched)

		// A mode-set word drops a latch that was never read.
		chip.Outb(ctrl, i8254.LatchWord(0))
		ticks += 2
		chip.Outb(ctrl, i8254.ControlWord(0, i8254.AccessLSBMSB, i8254.ModeRateGenerator, false))
		live := read16(chip, o.PortBase+i8254.Counter0Offset)
		wantLive := i8254.Effective(i8254.ModeRateGenerator, reload, 10, false, o.Policy)
		r.check(uint32(v), live == wantLive, "read 0x%04x after mode set, want live 0x%04x", live, wantLive)
	}
	return nil
}

// portClaim checks the chip claims its four ports and nothing else.
func portClaim(ctx context.Context, o Options, r *recorder) error {
	var ticks uint64
	chip := newChip(o, &ticks)
	base := int(o.PortBase)

	for p := 0; p < binaryRange; p++ {
		if err := cancelled(ctx, p); err != nil {
			return err
		}
		want := p >= base && p < base+i8254.PortCount
		got := chip.ClaimPort(uint16(p))
		r.check(uint32(p), got == want, "claimed=%v", got)
	}
	return nil
}
