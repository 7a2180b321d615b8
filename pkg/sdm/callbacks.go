package sdm

import (
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/device"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/form"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/transfer"
)

// ArmADICallbacks is the transfer surface a host provides for Arm ADI
// targets: memory-window access plus register batches, both addressed
// through device descriptors.
type ArmADICallbacks struct {
	// ReadMemory performs count consecutive aligned transfers of the given
	// width starting at addr, packing results little-endian into buf.
	ReadMemory func(dev *device.Descriptor, addr uint64, size transfer.Size, count int,
		attrs transfer.Attributes, buf []byte, refcon any) error

	// WriteMemory is the write counterpart of ReadMemory.
	WriteMemory func(dev *device.Descriptor, addr uint64, size transfer.Size, count int,
		attrs transfer.Attributes, buf []byte, refcon any) error

	// RegisterAccess executes an ordered single-width batch against one
	// device, reporting how many entries fully completed.
	RegisterAccess func(dev *device.Descriptor, size transfer.Size,
		ops []transfer.RegisterOp, refcon any) (completed int, err error)
}

// NexusCallbacks is the transfer surface for Nexus 5001 targets. Nexus
// exposes register tool access only; there is no memory window.
type NexusCallbacks struct {
	RegisterAccess func(dev *device.Descriptor, size transfer.Size,
		ops []transfer.RegisterOp, refcon any) (completed int, err error)
}

// CallbackTable is the fixed set of host operations available to the plugin.
// Optional capabilities are represented by nil fields; Open validates that
// the set required for the selected architecture is present, so later calls
// never re-check. Every callback receives the session refcon unchanged.
type CallbackTable struct {
	// UpdateProgress is advisory and may be nil; a host that ignores
	// progress must not break the protocol.
	UpdateProgress func(msg string, percent uint8, refcon any)

	// SetErrorMessage is advisory and may be nil.
	SetErrorMessage func(msg string, refcon any)

	// ResetStart and ResetFinish perform the two stages of a target reset.
	// They are optional but must be provided as a pair, and a plugin must
	// always invoke them as a matched pair with the same reset type.
	ResetStart  func(t protocol.ResetType, refcon any) error
	ResetFinish func(t protocol.ResetType, refcon any) error

	// PresentForm blocks until the user completes or cancels the form.
	// On completion output slots are populated in place; on cancellation
	// it returns UserCancelled and all output slots are undefined.
	PresentForm func(f *form.Form, refcon any) error

	// Exactly one architecture variant matching OpenParameters.Architecture
	// must be set.
	ArmADI *ArmADICallbacks
	Nexus  *NexusCallbacks
}

func (t *CallbackTable) validate(arch protocol.Architecture) error {
	if (t.ResetStart == nil) != (t.ResetFinish == nil) {
		return protocol.Errorf(protocol.RequestFailed, "reset callbacks must be provided as a pair")
	}
	if t.PresentForm == nil {
		return protocol.Errorf(protocol.RequestFailed, "presentForm callback missing")
	}
	switch arch {
	case protocol.ArmADIv5, protocol.ArmADIv6:
		if t.ArmADI == nil || t.Nexus != nil {
			return protocol.Errorf(protocol.RequestFailed, "%s session requires the Arm ADI callback set", arch)
		}
		if t.ArmADI.ReadMemory == nil || t.ArmADI.WriteMemory == nil || t.ArmADI.RegisterAccess == nil {
			return protocol.Errorf(protocol.RequestFailed, "incomplete Arm ADI callback set")
		}
	case protocol.Nexus5001:
		if t.Nexus == nil || t.ArmADI != nil {
			return protocol.Errorf(protocol.RequestFailed, "%s session requires the Nexus callback set", arch)
		}
		if t.Nexus.RegisterAccess == nil {
			return protocol.Errorf(protocol.RequestFailed, "incomplete Nexus callback set")
		}
	default:
		return protocol.Errorf(protocol.RequestFailed, "unknown architecture %v", arch)
	}
	return nil
}

// transport is the architecture union collapsed at open time. Methods thread
// the stored refcon; nothing re-checks the architecture per call.
type transport interface {
	readMemory(dev *device.Descriptor, addr uint64, size transfer.Size, count int,
		attrs transfer.Attributes, buf []byte) error
	writeMemory(dev *device.Descriptor, addr uint64, size transfer.Size, count int,
		attrs transfer.Attributes, buf []byte) error
	registerAccess(dev *device.Descriptor, size transfer.Size, ops []transfer.RegisterOp) (int, error)
}

type adiTransport struct {
	cb     *ArmADICallbacks
	refcon any
}

func (t adiTransport) readMemory(dev *device.Descriptor, addr uint64, size transfer.Size, count int,
	attrs transfer.Attributes, buf []byte) error {
	return t.cb.ReadMemory(dev, addr, size, count, attrs, buf, t.refcon)
}

func (t adiTransport) writeMemory(dev *device.Descriptor, addr uint64, size transfer.Size, count int,
	attrs transfer.Attributes, buf []byte) error {
	return t.cb.WriteMemory(dev, addr, size, count, attrs, buf, t.refcon)
}

func (t adiTransport) registerAccess(dev *device.Descriptor, size transfer.Size, ops []transfer.RegisterOp) (int, error) {
	return t.cb.RegisterAccess(dev, size, ops, t.refcon)
}

type nexusTransport struct {
	cb     *NexusCallbacks
	refcon any
}

func (t nexusTransport) readMemory(*device.Descriptor, uint64, transfer.Size, int,
	transfer.Attributes, []byte) error {
	return protocol.Errorf(protocol.UnsupportedOperation, "nexus transport has no memory window")
}

func (t nexusTransport) writeMemory(*device.Descriptor, uint64, transfer.Size, int,
	transfer.Attributes, []byte) error {
	return protocol.Errorf(protocol.UnsupportedOperation, "nexus transport has no memory window")
}

func (t nexusTransport) registerAccess(dev *device.Descriptor, size transfer.Size, ops []transfer.RegisterOp) (int, error) {
	return t.cb.RegisterAccess(dev, size, ops, t.refcon)
}

func newTransport(p *OpenParameters) transport {
	if p.Callbacks.ArmADI != nil {
		return adiTransport{cb: p.Callbacks.ArmADI, refcon: p.Refcon}
	}
	return nexusTransport{cb: p.Callbacks.Nexus, refcon: p.Refcon}
}
