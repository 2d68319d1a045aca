package chipset

import (
	"fmt"
	"log/slog"
)

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

type pioBinding struct {
	handler   PortIOHandler
	byteLanes bool
}

// ChipsetBuilder registers devices and their intercepts before creating a Chipset.
type ChipsetBuilder struct {
	devices map[string]ChipsetDevice
	pio     map[uint16]pioBinding
	lines   *LineSet
	log     *slog.Logger
}

// NewBuilder returns an empty ChipsetBuilder instance. Interrupt lines
// handed out by Lines are forwarded to sink.
func NewBuilder(sink InterruptSink) *ChipsetBuilder {
	return &ChipsetBuilder{
		devices: make(map[string]ChipsetDevice),
		pio:     make(map[uint16]pioBinding),
		lines:   NewLineSet(sink),
		log:     slog.Default(),
	}
}

// WithLogger sets the logger handed to the built Chipset.
func (b *ChipsetBuilder) WithLogger(log *slog.Logger) *ChipsetBuilder {
	if log != nil {
		b.log = log
	}
	return b
}

// Lines returns the interrupt line set devices should allocate from.
func (b *ChipsetBuilder) Lines() *LineSet {
	return b.lines
}

// RegisterDevice adds a chipset device and wires up its intercepts.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided port I/O ports with nil handler", name)
		}
		for _, port := range intercept.Ports {
			if err := b.withPio(port, intercept.Handler, intercept.ByteLanes); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	b.devices[name] = dev
	return nil
}

// WithPioPort registers a single I/O port handler.
func (b *ChipsetBuilder) WithPioPort(port uint16, handler PortIOHandler) error {
	return b.withPio(port, handler, false)
}

func (b *ChipsetBuilder) withPio(port uint16, handler PortIOHandler, byteLanes bool) error {
	if handler == nil {
		return fmt.Errorf("PIO handler for port 0x%x is nil", port)
	}
	if _, exists := b.pio[port]; exists {
		return fmt.Errorf("PIO port 0x%x already registered", port)
	}
	b.pio[port] = pioBinding{handler: handler, byteLanes: byteLanes}
	return nil
}

// Build finalizes the chipset layout and returns the constructed Chipset.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	devices := make(map[string]ChipsetDevice, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	pio := make(map[uint16]pioBinding, len(b.pio))
	for port, binding := range b.pio {
		pio[port] = binding
	}

	return &Chipset{
		devices: devices,
		pio:     pio,
		lines:   b.lines,
		log:     b.log,
	}, nil
}

// Chipset represents the built dispatch tables for chipset devices.
type Chipset struct {
	devices map[string]ChipsetDevice
	pio     map[uint16]pioBinding
	lines   *LineSet
	log     *slog.Logger
}
