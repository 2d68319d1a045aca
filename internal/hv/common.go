// Package hv holds the contract between virtual devices and the host that
// drives them.
package hv

import (
	"errors"
	"fmt"
)

// ErrInvalidAccessSize is returned for port accesses of a width the device
// does not decode.
var ErrInvalidAccessSize = errors.New("invalid access size")

// ExitContext identifies the guest access that led to a device call.
type ExitContext interface {
	VCPU() int
}

// VCPUExit is the trivial ExitContext.
type VCPUExit int

func (e VCPUExit) VCPU() int { return int(e) }

type VirtualMachine interface {
	AddDevice(dev Device) error
}

type Device interface {
	Init(vm VirtualMachine) error
}

type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(ctx ExitContext, port uint16, data []byte) error
	WriteIOPort(ctx ExitContext, port uint16, data []byte) error
}

type SimpleX86IOPortDevice struct {
	Ports []uint16

	ReadFunc  func(port uint16, data []byte) error
	WriteFunc func(port uint16, data []byte) error
}

func (d SimpleX86IOPortDevice) IOPorts() []uint16 { return d.Ports }
func (d SimpleX86IOPortDevice) ReadIOPort(ctx ExitContext, port uint16, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(port, data)
	}
	return fmt.Errorf("unhandled read from I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) WriteIOPort(ctx ExitContext, port uint16, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(port, data)
	}
	return fmt.Errorf("unhandled write to I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) Init(vm VirtualMachine) error {
	return nil
}

// DeviceSnapshot is an opaque, gob-encodable device state.
type DeviceSnapshot any

// DeviceSnapshotter is implemented by devices whose state survives a VM
// snapshot.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}

var (
	_ X86IOPortDevice = SimpleX86IOPortDevice{}
)
