package chipset

import (
	"bytes"
	"encoding/gob"
	"errors"
	"sync"
	"testing"
	"time"

	corechipset "github.com/tinyrange/i8254/internal/chipset"
	"github.com/tinyrange/i8254/internal/hv"
)

const (
	pitChannel0Port uint16 = 0x40
	pitChannel1Port uint16 = 0x41
	pitChannel2Port uint16 = 0x42
	pitControlPort  uint16 = 0x43
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(0, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testIRQLine struct {
	mu     sync.Mutex
	events []bool
}

func (l *testIRQLine) SetLevel(level bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, level)
}

func (l *testIRQLine) PulseInterrupt() {
	l.SetLevel(true)
	l.SetLevel(false)
}

func (l *testIRQLine) getEvents() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.events...)
}

type manualTimer struct {
	period   time.Duration
	periodic bool
	cb       func()
	stopped  bool
}

func (m *manualTimer) Stop() {
	m.stopped = true
}

func (m *manualTimer) Fire() {
	if m.stopped || m.cb == nil {
		return
	}
	m.cb()
}

type manualTimerFactory struct {
	timers []*manualTimer
}

func (m *manualTimerFactory) Factory(period time.Duration, periodic bool, cb func()) timerHandle {
	timer := &manualTimer{period: period, periodic: periodic, cb: cb}
	m.timers = append(m.timers, timer)
	return timer
}

func (m *manualTimerFactory) last(t *testing.T) *manualTimer {
	t.Helper()
	if len(m.timers) == 0 {
		t.Fatalf("no timer armed")
	}
	return m.timers[len(m.timers)-1]
}

func newTestPIT(t *testing.T, irq corechipset.LineInterrupt) (*PIT, *testClock, *manualTimerFactory) {
	t.Helper()
	clock := newTestClock()
	factory := &manualTimerFactory{}
	pit := NewPIT(irq,
		WithPITClock(clock.Now),
		WithPITTimerFactory(factory.Factory),
		WithPITTick(1*time.Millisecond),
	)
	if err := pit.Init(nil); err != nil {
		t.Fatalf("init pit: %v", err)
	}
	return pit, clock, factory
}

func writePort(t *testing.T, dev hv.X86IOPortDevice, port uint16, value byte) {
	t.Helper()
	if err := dev.WriteIOPort(nil, port, []byte{value}); err != nil {
		t.Fatalf("write port 0x%02x: %v", port, err)
	}
}

func readPort(t *testing.T, dev hv.X86IOPortDevice, port uint16) byte {
	t.Helper()
	buf := []byte{0}
	if err := dev.ReadIOPort(nil, port, buf); err != nil {
		t.Fatalf("read port 0x%02x: %v", port, err)
	}
	return buf[0]
}

func readPitCounter(t *testing.T, pit *PIT, port uint16) uint16 {
	t.Helper()
	low := readPort(t, pit, port)
	high := readPort(t, pit, port)
	return uint16(high)<<8 | uint16(low)
}

func TestPITChannel0GeneratesInterrupts(t *testing.T) {
	irq := &testIRQLine{}
	pit, clock, factory := newTestPIT(t, irq)

	writePort(t, pit, pitControlPort, 0x36)
	writePort(t, pit, pitChannel0Port, 0x04)
	writePort(t, pit, pitChannel0Port, 0x00)

	if len(factory.timers) != 1 {
		t.Fatalf("expected one timer, got %d", len(factory.timers))
	}
	timer := factory.timers[0]
	if timer.period != 4*time.Millisecond || !timer.periodic {
		t.Fatalf("expected periodic 4ms timer, got %v periodic=%v", timer.period, timer.periodic)
	}

	initial := readPitCounter(t, pit, pitChannel0Port)
	if initial != 4 {
		t.Fatalf("expected counter 4, got %d", initial)
	}

	clock.advance(timer.period)
	timer.Fire()

	events := irq.getEvents()
	if len(events) != 2 || !events[0] || events[1] {
		t.Fatalf("expected one irq pulse, got %v", events)
	}

	clock.advance(2 * time.Millisecond)
	next := readPitCounter(t, pit, pitChannel0Port)
	if next >= initial {
		t.Fatalf("expected counter to decrease, had %d then %d", initial, next)
	}
}

// TestPITMode2PeriodicTimer tests mode 2 (rate generator) periodic behavior.
func TestPITMode2PeriodicTimer(t *testing.T) {
	irq := &testIRQLine{}
	pit, clock, factory := newTestPIT(t, irq)

	// channel 0, access low/high, mode 2, binary
	writePort(t, pit, pitControlPort, 0x34)
	writePort(t, pit, pitChannel0Port, 0x05)
	writePort(t, pit, pitChannel0Port, 0x00)

	timer := factory.last(t)
	if timer.period != 5*time.Millisecond {
		t.Fatalf("expected period 5ms, got %v", timer.period)
	}

	for i := 0; i < 3; i++ {
		clock.advance(timer.period)
		timer.Fire()

		if got := len(irq.getEvents()); got != (i+1)*2 {
			t.Fatalf("after %d periods expected %d level changes, got %d", i+1, (i+1)*2, got)
		}

		clock.advance(1 * time.Millisecond)
		counter := readPitCounter(t, pit, pitChannel0Port)
		// one extra tick per pass: 6, 12 and 18 ticks in
		if want := uint16(4 - i); counter != want {
			t.Fatalf("after period %d, expected counter %d, got %d", i+1, want, counter)
		}
	}
}

// TestPITMode0OneShot tests mode 0 (interrupt on terminal count).
func TestPITMode0OneShot(t *testing.T) {
	irq := &testIRQLine{}
	pit, clock, factory := newTestPIT(t, irq)

	// channel 0, access low/high, mode 0, binary
	writePort(t, pit, pitControlPort, 0x30)
	writePort(t, pit, pitChannel0Port, 0x03)
	writePort(t, pit, pitChannel0Port, 0x00)

	timer := factory.last(t)
	if timer.periodic || timer.period != 3*time.Millisecond {
		t.Fatalf("expected one-shot 3ms timer, got %v periodic=%v", timer.period, timer.periodic)
	}

	clock.advance(1 * time.Millisecond)
	if counter := readPitCounter(t, pit, pitChannel0Port); counter != 2 {
		t.Fatalf("during countdown, expected counter 2, got %d", counter)
	}

	clock.advance(2 * time.Millisecond)
	if counter := readPitCounter(t, pit, pitChannel0Port); counter != 0 {
		t.Fatalf("after countdown, expected counter 0, got %d", counter)
	}
	timer.Fire()
	timer.Fire()
	if got := len(irq.getEvents()); got != 2 {
		t.Fatalf("one-shot pulsed %d level changes, want 2", got)
	}

	clock.advance(10 * time.Millisecond)
	if counter := readPitCounter(t, pit, pitChannel0Port); counter != 0 {
		t.Fatalf("one-shot timer reloaded: expected counter 0, got %d", counter)
	}
}

func TestPITReloadRearmsTimer(t *testing.T) {
	irq := &testIRQLine{}
	pit, _, factory := newTestPIT(t, irq)

	writePort(t, pit, pitControlPort, 0x34)
	writePort(t, pit, pitChannel0Port, 0x10)
	writePort(t, pit, pitChannel0Port, 0x00)
	first := factory.last(t)

	// A control word alone leaves the running count and its timer alone.
	writePort(t, pit, pitControlPort, 0x34)
	if first.stopped {
		t.Fatalf("control word stopped the running timer")
	}

	writePort(t, pit, pitChannel0Port, 0x20)
	writePort(t, pit, pitChannel0Port, 0x00)
	if !first.stopped {
		t.Fatalf("old timer still running after reload")
	}
	second := factory.last(t)
	if second == first || second.period != 0x20*time.Millisecond {
		t.Fatalf("expected new 32ms timer, got %v", second.period)
	}

	first.Fire()
	if got := len(irq.getEvents()); got != 0 {
		t.Fatalf("stale timer raised irq")
	}
}

func TestPITCounterLatchAndReadback(t *testing.T) {
	pit, clock, _ := newTestPIT(t, nil)

	writePort(t, pit, pitControlPort, 0x34)
	writePort(t, pit, pitChannel0Port, 0x34)
	writePort(t, pit, pitChannel0Port, 0x12)

	clock.advance(2 * time.Millisecond)
	writePort(t, pit, pitControlPort, 0x00)
	clock.advance(5 * time.Millisecond)
	if got := readPitCounter(t, pit, pitChannel0Port); got != 0x1232 {
		t.Fatalf("latched %04x, want 1232", got)
	}
	if got := readPitCounter(t, pit, pitChannel0Port); got != 0x122D {
		t.Fatalf("live %04x, want 122d", got)
	}

	// read-back: counter 0, status and count
	writePort(t, pit, pitControlPort, 0xC2)
	clock.advance(5 * time.Millisecond)
	status := readPort(t, pit, pitChannel0Port)
	if status != 0xB4 {
		t.Fatalf("status 0x%02x, want 0xb4", status)
	}
	if got := readPitCounter(t, pit, pitChannel0Port); got != 0x122D {
		t.Fatalf("read-back count %04x, want 122d", got)
	}

	if got := readPort(t, pit, pitControlPort); got != 0xFF {
		t.Fatalf("control port read 0x%02x", got)
	}
}

func TestPITDefaultTickRate(t *testing.T) {
	clock := newTestClock()
	pit := NewPIT(nil, WithPITClock(clock.Now), WithPITTimerFactory((&manualTimerFactory{}).Factory))

	// counter 1, low/high, mode 2, count 65536
	writePort(t, pit, pitControlPort, 0x74)
	writePort(t, pit, pitChannel1Port, 0x00)
	writePort(t, pit, pitChannel1Port, 0x00)

	clock.advance(time.Second)
	want := uint16(65536 - pitInputFrequency%65536)
	if got := readPitCounter(t, pit, pitChannel1Port); got != want {
		t.Fatalf("after one second counter %d, want %d", got, want)
	}
}

// TestPITChannel2GateViaPort61 drives counter 2 in mode 1 from port 0x61:
// counting is held while the gate is low and restarts on the rising edge.
func TestPITChannel2GateViaPort61(t *testing.T) {
	pit, clock, _ := newTestPIT(t, nil)
	port61 := NewPort61(pit)
	if err := port61.Init(nil); err != nil {
		t.Fatalf("init port61: %v", err)
	}

	// channel 2, access low/high, mode 1, binary
	writePort(t, pit, pitControlPort, 0xB2)
	writePort(t, pit, pitChannel2Port, 0x0A)
	writePort(t, pit, pitChannel2Port, 0x00)

	if v := readPort(t, port61, pitPort61); v&port61Gate2 != 0 {
		t.Fatalf("gate should be low initially, got 0x%02x", v)
	}

	clock.advance(20 * time.Millisecond)
	if v := readPort(t, port61, pitPort61); v&port61Out2 != 0 {
		t.Fatalf("output should stay low while gate is low, got 0x%02x", v)
	}

	writePort(t, port61, pitPort61, port61Gate2)
	clock.advance(5 * time.Millisecond)
	if v := readPort(t, port61, pitPort61); v&port61Out2 != 0 {
		t.Fatalf("output should be low mid count, got 0x%02x", v)
	}

	clock.advance(5 * time.Millisecond)
	if v := readPort(t, port61, pitPort61); v&port61Out2 == 0 {
		t.Fatalf("output should be high after count, got 0x%02x", v)
	}
}

func TestPITPort61Bits(t *testing.T) {
	pit, _, _ := newTestPIT(t, nil)
	port61 := NewPort61(pit)

	writePort(t, port61, pitPort61, port61Gate2|port61SpeakerData)
	first := readPort(t, port61, pitPort61)
	if first&port61Gate2 == 0 || first&port61SpeakerData == 0 {
		t.Fatalf("expected gate and speaker bits, got 0x%02x", first)
	}
	second := readPort(t, port61, pitPort61)
	if (first^second)&port61Refresh == 0 {
		t.Fatalf("expected refresh bit to toggle, got 0x%02x then 0x%02x", first, second)
	}

	if err := port61.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if v := readPort(t, port61, pitPort61); v&(port61Gate2|port61SpeakerData) != 0 {
		t.Fatalf("reset left bits set: 0x%02x", v)
	}
}

func TestPITInvalidAccess(t *testing.T) {
	pit, _, _ := newTestPIT(t, nil)

	if err := pit.WriteIOPort(nil, pitControlPort, []byte{0x34, 0x00}); !errors.Is(err, hv.ErrInvalidAccessSize) {
		t.Fatalf("expected invalid size error, got %v", err)
	}
	if err := pit.ReadIOPort(nil, pitChannel0Port, nil); !errors.Is(err, hv.ErrInvalidAccessSize) {
		t.Fatalf("expected invalid size error, got %v", err)
	}
	if err := pit.ReadIOPort(nil, 0x44, []byte{0}); err == nil {
		t.Fatalf("expected error for unclaimed port")
	}
}

func TestPITSnapshotGobRoundTrip(t *testing.T) {
	pit, clock, _ := newTestPIT(t, nil)
	writePort(t, pit, pitControlPort, 0x34)
	writePort(t, pit, pitChannel0Port, 100)
	writePort(t, pit, pitChannel0Port, 0)
	clock.advance(30 * time.Millisecond)

	snap, err := pit.CaptureSnapshot()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded hv.DeviceSnapshot
	if err := gob.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}

	irq := &testIRQLine{}
	restored, restoredClock, factory := newTestPIT(t, irq)
	restoredClock.advance(time.Hour)
	if err := restored.RestoreSnapshot(decoded); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := readPitCounter(t, restored, pitChannel0Port); got != 70 {
		t.Fatalf("restored counter %d, want 70", got)
	}

	// The rest of the interrupted pass first, then whole periods.
	phase := factory.last(t)
	if phase.period != 70*time.Millisecond || phase.periodic {
		t.Fatalf("restored timer %v periodic=%v, want one-shot 70ms", phase.period, phase.periodic)
	}
	restoredClock.advance(70 * time.Millisecond)
	phase.Fire()
	if got := len(irq.getEvents()); got != 2 {
		t.Fatalf("expected one pulse at the end of the pass, got %d level changes", got)
	}
	if timer := factory.last(t); timer == phase || timer.period != 100*time.Millisecond || !timer.periodic {
		t.Fatalf("expected periodic 100ms timer after first pass, got %v periodic=%v", timer.period, timer.periodic)
	}

	if err := restored.RestoreSnapshot(struct{}{}); err == nil {
		t.Fatalf("expected error for foreign snapshot")
	}
}

func TestPITRestoreOneShot(t *testing.T) {
	pit, clock, _ := newTestPIT(t, nil)
	writePort(t, pit, pitControlPort, 0x30)
	writePort(t, pit, pitChannel0Port, 10)
	writePort(t, pit, pitChannel0Port, 0)

	clock.advance(6 * time.Millisecond)
	mid, err := pit.CaptureSnapshot()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	clock.advance(14 * time.Millisecond)
	done, err := pit.CaptureSnapshot()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	restored, _, factory := newTestPIT(t, nil)
	if err := restored.RestoreSnapshot(mid); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if timer := factory.last(t); timer.period != 4*time.Millisecond || timer.periodic {
		t.Fatalf("mid-count restore armed %v periodic=%v, want one-shot 4ms", timer.period, timer.periodic)
	}

	irq := &testIRQLine{}
	expired, _, expiredFactory := newTestPIT(t, irq)
	if err := expired.RestoreSnapshot(done); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(expiredFactory.timers) != 0 {
		t.Fatalf("restore after terminal count armed %d timers", len(expiredFactory.timers))
	}
	if got := len(irq.getEvents()); got != 0 {
		t.Fatalf("restore after terminal count raised irq")
	}
}

func TestPITStopStartResumesCount(t *testing.T) {
	irq := &testIRQLine{}
	pit, clock, factory := newTestPIT(t, irq)
	writePort(t, pit, pitControlPort, 0x30)
	writePort(t, pit, pitChannel0Port, 10)
	writePort(t, pit, pitChannel0Port, 0)

	clock.advance(4 * time.Millisecond)
	if err := pit.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := pit.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	timer := factory.last(t)
	if len(factory.timers) != 2 || timer.period != 6*time.Millisecond {
		t.Fatalf("start armed %v, want remaining 6ms", timer.period)
	}

	clock.advance(6 * time.Millisecond)
	timer.Fire()
	if err := pit.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := pit.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(factory.timers) != 2 {
		t.Fatalf("start re-armed a one-shot that already fired")
	}
	if got := len(irq.getEvents()); got != 2 {
		t.Fatalf("expected a single pulse, got %d level changes", got)
	}
}

func TestPITResetDisarms(t *testing.T) {
	pit, _, factory := newTestPIT(t, nil)
	writePort(t, pit, pitControlPort, 0x34)
	writePort(t, pit, pitChannel0Port, 0x10)
	writePort(t, pit, pitChannel0Port, 0x00)

	if err := pit.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !factory.last(t).stopped {
		t.Fatalf("timer survived reset")
	}
	if err := pit.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(factory.timers) != 1 {
		t.Fatalf("start armed a timer for an unloaded counter")
	}
}

func TestPITChipsetDispatch(t *testing.T) {
	var mu sync.Mutex
	var levels []bool
	builder := corechipset.NewBuilder(corechipset.InterruptSinkFunc(func(line uint8, level bool) {
		mu.Lock()
		defer mu.Unlock()
		if line == 0 {
			levels = append(levels, level)
		}
	}))

	pit, clock, factory := newTestPIT(t, builder.Lines().AllocateLine(0))
	if err := builder.RegisterDevice("pit", pit); err != nil {
		t.Fatalf("register pit: %v", err)
	}
	if err := builder.RegisterDevice("port61", NewPort61(pit)); err != nil {
		t.Fatalf("register port61: %v", err)
	}
	cs, err := builder.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := cs.Init(nil); err != nil {
		t.Fatalf("init: %v", err)
	}

	for _, b := range []struct {
		port  uint16
		value byte
	}{{pitControlPort, 0x34}, {pitChannel0Port, 0x08}, {pitChannel0Port, 0x00}} {
		if err := cs.HandlePIO(nil, b.port, []byte{b.value}, true); err != nil {
			t.Fatalf("write 0x%02x: %v", b.port, err)
		}
	}

	clock.advance(3 * time.Millisecond)
	// A word read at 0x40 reaches counter 0 and counter 1 one byte each.
	word := make([]byte, 2)
	if err := cs.HandlePIO(nil, pitChannel0Port, word, false); err != nil {
		t.Fatalf("word read: %v", err)
	}
	if word[0] != 5 || word[1] != 0 {
		t.Fatalf("word read got % x", word)
	}

	factory.last(t).Fire()
	if got := cs.Lines().Pulses(0); got != 1 {
		t.Fatalf("expected one pulse on irq0, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(levels) != 2 || !levels[0] || levels[1] {
		t.Fatalf("unexpected irq0 levels %v", levels)
	}
}
