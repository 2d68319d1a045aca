package chipset

import (
	"fmt"
	"sort"

	"github.com/tinyrange/i8254/internal/hv"
)

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Init hands vm to every registered device.
func (c *Chipset) Init(vm hv.VirtualMachine) error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Init(vm); err != nil {
			return fmt.Errorf("chipset: init device %q: %w", name, err)
		}
	}
	return nil
}

// Claims reports whether any device serves port.
func (c *Chipset) Claims(port uint16) bool {
	_, ok := c.pio[port]
	return ok
}

// Lines returns the interrupt line set shared by the devices.
func (c *Chipset) Lines() *LineSet {
	return c.lines
}

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(ctx hv.ExitContext, port uint16, data []byte, isWrite bool) error {
	binding, ok := c.pio[port]
	if !ok {
		c.log.Debug("unclaimed port access", "port", fmt.Sprintf("0x%04x", port), "size", len(data), "write", isWrite)
		return fmt.Errorf("chipset: no handler for I/O port 0x%04x", port)
	}
	if !binding.byteLanes || len(data) <= 1 {
		return c.dispatch(ctx, binding.handler, port, data, isWrite)
	}

	for i := range data {
		lane := port + uint16(i)
		laneBinding, ok := c.pio[lane]
		if !ok {
			if isWrite {
				continue
			}
			data[i] = 0xFF
			continue
		}
		if err := c.dispatch(ctx, laneBinding.handler, lane, data[i:i+1], isWrite); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chipset) dispatch(ctx hv.ExitContext, handler PortIOHandler, port uint16, data []byte, isWrite bool) error {
	if isWrite {
		return handler.WriteIOPort(ctx, port, data)
	}
	return handler.ReadIOPort(ctx, port, data)
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
