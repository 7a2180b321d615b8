package sdm

import (
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/device"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/form"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/transfer"
)

// Plugin is the contract a Secure Debug Manager implements. The session
// layer guarantees single-call-in-flight and state ordering, so a plugin
// never sees Authenticate before Open, ResumeBoot before a successful
// Authenticate, or anything after Close.
//
// A plugin must not retain references passed into a call beyond its
// duration, with one exception: the Host handed to Open lives for the whole
// session.
type Plugin interface {
	// Open initializes the plugin for a new session. The Host is valid
	// until Close returns.
	Open(h *Host) error

	// ProtectionState reports whether the target currently requires
	// authentication. Plugins that cannot determine it return
	// UnsupportedOperation; that is not fatal and the host may proceed to
	// Authenticate regardless.
	ProtectionState() (protocol.ProtectionState, error)

	// Authenticate performs one authentication round. It is free to use
	// the Host's transfer, form, reset and progress operations any number
	// of times in any order the protocol requires.
	Authenticate(p AuthenticateParams) error

	// ResumeBoot releases a target stalled in early boot after a
	// successful authentication. Plugins for targets that never stall
	// return UnsupportedOperation.
	ResumeBoot() error

	// Close releases all plugin-owned resources.
	Close() error
}

// Host is the session-owned façade a plugin drives the debug host through.
// It stores the open parameters' refcon once and threads it through every
// callback; plugins never handle the refcon themselves.
type Host struct {
	params *OpenParameters
	t      transport
}

// Params returns the session's open parameters. The record is immutable for
// the session lifetime.
func (h *Host) Params() *OpenParameters { return h.params }

// ReadMemory performs count consecutive aligned transfers from the device
// into buf.
func (h *Host) ReadMemory(dev *device.Descriptor, addr uint64, size transfer.Size, count int,
	attrs transfer.Attributes, buf []byte) error {
	return h.t.readMemory(dev, addr, size, count, attrs, buf)
}

// WriteMemory performs count consecutive aligned transfers from buf to the
// device.
func (h *Host) WriteMemory(dev *device.Descriptor, addr uint64, size transfer.Size, count int,
	attrs transfer.Attributes, buf []byte) error {
	return h.t.writeMemory(dev, addr, size, count, attrs, buf)
}

// RegisterAccess executes an ordered single-width register batch against one
// device and reports how many entries fully completed.
func (h *Host) RegisterAccess(dev *device.Descriptor, size transfer.Size, ops []transfer.RegisterOp) (int, error) {
	return h.t.registerAccess(dev, size, ops)
}

// Progress reports advisory progress. Safe to call whether or not the host
// provided the callback.
func (h *Host) Progress(msg string, percent uint8) {
	if cb := h.params.Callbacks.UpdateProgress; cb != nil {
		cb(msg, percent, h.params.Refcon)
	}
}

// ReportError surfaces an advisory error message to the host.
func (h *Host) ReportError(msg string) {
	if cb := h.params.Callbacks.SetErrorMessage; cb != nil {
		cb(msg, h.params.Refcon)
	}
}

// PresentForm blocks until the user completes or cancels the form. The form
// is validated before presentation; cancellation surfaces as UserCancelled
// and all output slots are then undefined.
func (h *Host) PresentForm(f *form.Form) error {
	if err := f.Validate(); err != nil {
		return err
	}
	return h.params.Callbacks.PresentForm(f, h.params.Refcon)
}

// CanReset reports whether the host provided reset callbacks. Plugins with
// an optional reset step check this instead of probing WithReset for
// UnsupportedOperation.
func (h *Host) CanReset() bool { return h.params.Callbacks.ResetStart != nil }

// WithReset brackets fn between matched resetStart and resetFinish calls
// carrying the same reset type. resetFinish runs even when fn fails, and a
// finish failure is only reported if fn itself succeeded. Hosts without
// reset capability yield UnsupportedOperation.
func (h *Host) WithReset(t protocol.ResetType, fn func() error) error {
	cbs := h.params.Callbacks
	if cbs.ResetStart == nil {
		return protocol.Errorf(protocol.UnsupportedOperation, "host has no reset capability")
	}
	if err := cbs.ResetStart(t, h.params.Refcon); err != nil {
		return err
	}
	err := fn()
	if ferr := cbs.ResetFinish(t, h.params.Refcon); err == nil {
		err = ferr
	}
	return err
}
