package chipset

import (
	"fmt"
	"sync"

	corechipset "github.com/tinyrange/i8254/internal/chipset"
	"github.com/tinyrange/i8254/internal/hv"
)

const (
	port61Gate2       = 1 << 0
	port61SpeakerData = 1 << 1
	port61Refresh     = 1 << 4
	port61Out2        = 1 << 5
)

// Port61 implements the legacy port 0x61 speaker/timer gate register.
type Port61 struct {
	mu  sync.Mutex
	pit *PIT

	gate        bool
	speakerData bool
	refresh     bool
}

func NewPort61(pit *PIT) *Port61 {
	return &Port61{
		pit: pit,
	}
}

func (p *Port61) Init(vm hv.VirtualMachine) error {
	_ = vm
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (p *Port61) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (p *Port61) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (p *Port61) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = false
	p.speakerData = false
	p.refresh = false
	if p.pit != nil {
		p.pit.SetChannel2Gate(false)
	}
	return nil
}

func (p *Port61) IOPorts() []uint16 { return []uint16{pitPort61} }

// SupportsPortIO implements chipset.ChipsetDevice.
func (p *Port61) SupportsPortIO() *corechipset.PortIOIntercept {
	return &corechipset.PortIOIntercept{
		Ports:     p.IOPorts(),
		Handler:   p,
		ByteLanes: true,
	}
}

func (p *Port61) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("port61: invalid read size %d: %w", len(data), hv.ErrInvalidAccessSize)
	}
	if port != pitPort61 {
		return fmt.Errorf("port61: invalid read port 0x%04x", port)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var val byte
	if p.gate {
		val |= port61Gate2
	}
	if p.speakerData {
		val |= port61SpeakerData
	}
	if p.refresh {
		val |= port61Refresh
	}
	if p.pit != nil && p.pit.Channel2OutputHigh() {
		val |= port61Out2
	}

	// Toggle refresh bit each read to simulate periodic toggling.
	p.refresh = !p.refresh
	data[0] = val
	return nil
}

func (p *Port61) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("port61: invalid write size %d: %w", len(data), hv.ErrInvalidAccessSize)
	}
	if port != pitPort61 {
		return fmt.Errorf("port61: invalid write port 0x%04x", port)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	val := data[0]
	p.gate = val&port61Gate2 != 0
	p.speakerData = val&port61SpeakerData != 0

	if p.pit != nil {
		p.pit.SetChannel2Gate(p.gate)
	}

	return nil
}

var (
	_ hv.X86IOPortDevice        = (*Port61)(nil)
	_ corechipset.ChipsetDevice = (*Port61)(nil)
)
