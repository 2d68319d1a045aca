package chipset

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	corechipset "github.com/tinyrange/i8254/internal/chipset"
	"github.com/tinyrange/i8254/internal/hv"
	"github.com/tinyrange/i8254/internal/i8254"
)

const (
	pitPort61 = 0x61

	pitInputFrequency = 1193182
)

// PIT wires the 8254 core into a PC: wall-clock time becomes input clock
// ticks, counter 0 drives IRQ0 and counter 2's gate belongs to port 0x61.
type PIT struct {
	mu sync.Mutex

	now   func() time.Time
	epoch time.Time
	// Input ticks per rateDen nanoseconds.
	rateNum uint64
	rateDen uint64

	chip     *i8254.Chip
	chipOpts []i8254.Option

	irq          corechipset.LineInterrupt
	timerFactory timerFactory
	timer        timerHandle
	timerGen     uint64

	log *slog.Logger
}

// PITOption customises the PIT instance, mainly for tests.
type PITOption func(*PIT)

// WithPITClock overrides the time base used to compute counter state.
func WithPITClock(now func() time.Time) PITOption {
	return func(p *PIT) {
		if now != nil {
			p.now = now
		}
	}
}

// WithPITTick overrides the duration of a single PIT tick.
func WithPITTick(d time.Duration) PITOption {
	return func(p *PIT) {
		if d > 0 {
			p.rateNum = 1
			p.rateDen = uint64(d)
		}
	}
}

// WithPITTimerFactory injects a custom timer factory (used in tests).
func WithPITTimerFactory(factory func(time.Duration, bool, func()) timerHandle) PITOption {
	return func(p *PIT) {
		if factory != nil {
			p.timerFactory = factory
		}
	}
}

// WithPITLogger sets the logger for programming events.
func WithPITLogger(log *slog.Logger) PITOption {
	return func(p *PIT) {
		if log != nil {
			p.log = log
		}
	}
}

// WithPITTerminalPolicy selects what one-shot counters do at zero.
func WithPITTerminalPolicy(policy i8254.TerminalPolicy) PITOption {
	return func(p *PIT) {
		p.chipOpts = append(p.chipOpts, i8254.WithTerminalPolicy(policy))
	}
}

// WithPITPortBase moves the data and control ports.
func WithPITPortBase(base uint16) PITOption {
	return func(p *PIT) {
		p.chipOpts = append(p.chipOpts, i8254.WithPortBase(base))
	}
}

// NewPIT builds a programmable interval timer whose counter 0 pulses irq.
func NewPIT(irq corechipset.LineInterrupt, opts ...PITOption) *PIT {
	pit := &PIT{
		now:          time.Now,
		rateNum:      pitInputFrequency,
		rateDen:      uint64(time.Second),
		irq:          irq,
		timerFactory: defaultTimerFactory,
		log:          slog.Default(),
	}
	if pit.irq == nil {
		pit.irq = corechipset.LineInterruptDetached()
	}
	for _, opt := range opts {
		opt(pit)
	}
	pit.epoch = pit.now()
	chipOpts := append(pit.chipOpts, i8254.WithLoadHook(pit.loadedLocked))
	pit.chip = i8254.New(pit.ticks, chipOpts...)
	// Counter 2's gate follows port 0x61 bit 0, which powers up clear.
	pit.chip.SetGate(2, false)
	return pit
}

// ticks converts the wall clock to input clock ticks since the epoch.
func (p *PIT) ticks() uint64 {
	d := p.now().Sub(p.epoch)
	if d <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(d), p.rateNum)
	if hi >= p.rateDen {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, p.rateDen)
	return q
}

func (p *PIT) ticksToDuration(n uint64) time.Duration {
	hi, lo := bits.Mul64(n, p.rateDen)
	if hi >= p.rateNum {
		return time.Duration(1<<63 - 1)
	}
	q, _ := bits.Div64(hi, lo, p.rateNum)
	return time.Duration(q)
}

// Init implements hv.Device.
func (p *PIT) Init(vm hv.VirtualMachine) error {
	_ = vm
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (p *PIT) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armChannel0Locked()
	return nil
}

// Stop implements chipset.ChangeDeviceState.
func (p *PIT) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disarmChannel0Locked()
	return nil
}

// Reset implements chipset.ChangeDeviceState.
func (p *PIT) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disarmChannel0Locked()
	p.chip.Reset()
	p.chip.SetGate(2, false)
	return nil
}

// IOPorts implements hv.X86IOPortDevice.
func (p *PIT) IOPorts() []uint16 {
	base := p.chip.PortBase()
	ports := make([]uint16, 0, i8254.PortCount)
	for port := base; port < base+i8254.PortCount; port++ {
		if p.chip.ClaimPort(port) {
			ports = append(ports, port)
		}
	}
	return ports
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (p *PIT) SupportsPortIO() *corechipset.PortIOIntercept {
	return &corechipset.PortIOIntercept{
		Ports:     p.IOPorts(),
		Handler:   p,
		ByteLanes: true,
	}
}

// ReadIOPort implements hv.X86IOPortDevice.
func (p *PIT) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pit: invalid read size %d: %w", len(data), hv.ErrInvalidAccessSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.chip.ClaimPort(port) {
		return fmt.Errorf("pit: invalid read port 0x%04x", port)
	}
	data[0] = p.chip.Inb(port)
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (p *PIT) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pit: invalid write size %d: %w", len(data), hv.ErrInvalidAccessSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.chip.ClaimPort(port) {
		return fmt.Errorf("pit: invalid write port 0x%04x", port)
	}
	if port == p.chip.PortBase()+i8254.ControlOffset {
		p.log.Debug("pit: control word", "value", fmt.Sprintf("0x%02x", data[0]))
	}
	p.chip.Outb(port, data[0])
	return nil
}

// loadedLocked runs from inside Outb when a counter commits a new count.
func (p *PIT) loadedLocked(n int) {
	ticks, mode, _ := p.chip.Reload(n)
	p.log.Debug("pit: counter loaded", "counter", n, "ticks", ticks, "mode", mode)
	if n == 0 {
		p.armChannel0Locked()
	}
}

// armChannel0Locked schedules IRQ0 for the next time counter 0 reaches
// zero. A periodic count caught mid-pass gets a one-shot for the rest of
// the pass and switches to its full period when that fires.
func (p *PIT) armChannel0Locked() {
	p.disarmChannel0Locked()
	period, mode, running := p.chip.Reload(0)
	if !running || period == 0 {
		return
	}
	next, ok := p.chip.Remaining(0)
	if !ok {
		return
	}
	periodic := mode == i8254.ModeRateGenerator || mode == i8254.ModeSquareWave
	if periodic && next != period {
		p.scheduleChannel0Locked(next, false, true)
		return
	}
	p.scheduleChannel0Locked(next, periodic, false)
}

func (p *PIT) scheduleChannel0Locked(ticks uint64, periodic, rearm bool) {
	d := p.ticksToDuration(ticks)
	if d <= 0 {
		return
	}
	p.timerGen++
	gen := p.timerGen
	p.timer = p.timerFactory(d, periodic, func() { p.handleChannel0Tick(gen, periodic, rearm) })
}

func (p *PIT) disarmChannel0Locked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *PIT) handleChannel0Tick(gen uint64, periodic, rearm bool) {
	p.mu.Lock()
	if gen != p.timerGen || p.timer == nil {
		p.mu.Unlock()
		return
	}
	if !periodic {
		p.timer = nil
	}
	if rearm {
		if period, _, running := p.chip.Reload(0); running {
			p.scheduleChannel0Locked(period, true, false)
		}
	}
	irq := p.irq
	p.mu.Unlock()

	irq.PulseInterrupt()
}

// SetChannel2Gate drives counter 2's gate input.
func (p *PIT) SetChannel2Gate(high bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chip.SetGate(2, high)
}

// Channel2OutputHigh returns counter 2's OUT level.
func (p *PIT) Channel2OutputHigh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chip.Output(2)
}

// State returns the chip's register state.
func (p *PIT) State() i8254.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chip.Snapshot()
}

// Snapshot support ----------------------------------------------------------

type pitSnapshot struct {
	Chip i8254.State
	// Ticks is the chip clock reading when the snapshot was taken.
	Ticks uint64
}

// DeviceId implements hv.DeviceSnapshotter.
func (p *PIT) DeviceId() string { return "pit" }

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (p *PIT) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return &pitSnapshot{
		Chip:  p.chip.Snapshot(),
		Ticks: p.ticks(),
	}, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter. Guest-visible time
// resumes from the moment of capture.
func (p *PIT) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*pitSnapshot)
	if !ok {
		return fmt.Errorf("pit: invalid snapshot type")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st := data.Chip
	st.Base += p.ticks() - data.Ticks
	if err := p.chip.Restore(st); err != nil {
		return fmt.Errorf("pit: restore: %w", err)
	}
	p.armChannel0Locked()
	return nil
}

var (
	_ hv.X86IOPortDevice        = (*PIT)(nil)
	_ hv.DeviceSnapshotter      = (*PIT)(nil)
	_ corechipset.ChipsetDevice = (*PIT)(nil)
)
