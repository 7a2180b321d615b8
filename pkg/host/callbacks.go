// Package host provides reference debug-host pieces for driving SDM plugins:
// a callback table built over any transfer port (the target simulator or a
// CMSIS-DAP USB probe), and a console form presenter. A production debugger
// supplies its own equivalents; these implement the same contract end to end.
package host

import (
	"log/slog"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/device"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/form"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/sdm"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/transfer"
)

// Options configures a host-side callback table.
type Options struct {
	// Port carries the transfers: a target simulator or a probe.
	Port transfer.Port

	// Refcon is the opaque context value registered with the session. Every
	// callback verifies it received this exact value back.
	Refcon any

	// PresentForm handles user-input requests. Required.
	PresentForm func(f *form.Form) error

	// ResetStart and ResetFinish perform the two reset stages. Optional,
	// pair-or-neither.
	ResetStart  func(protocol.ResetType) error
	ResetFinish func(protocol.ResetType) error

	// PollCeiling overrides the executor's bound on unbudgeted polls.
	PollCeiling uint32

	// Progress receives advisory progress reports. Defaults to slog.
	Progress func(msg string, percent uint8)

	// ErrorSink receives advisory error messages. Defaults to slog.
	ErrorSink func(msg string)
}

// NewCallbackTable builds an Arm ADI callback table over the configured
// port. Device descriptors are resolved to concrete addresses and transfers
// run through a transfer.Executor, the same pipeline a production debugger
// implements natively against its probe stack.
func NewCallbackTable(opts Options) (*sdm.CallbackTable, error) {
	if opts.Port == nil {
		return nil, protocol.Errorf(protocol.RequestFailed, "no transfer port")
	}
	if opts.PresentForm == nil {
		return nil, protocol.Errorf(protocol.RequestFailed, "no form presenter")
	}
	if opts.Progress == nil {
		opts.Progress = func(msg string, percent uint8) {
			slog.Debug("sdm progress", "message", msg, "percent", percent)
		}
	}
	if opts.ErrorSink == nil {
		opts.ErrorSink = func(msg string) {
			slog.Warn("sdm plugin error", "message", msg)
		}
	}

	exec := transfer.Executor{PollCeiling: opts.PollCeiling}

	checkRefcon := func(refcon any) error {
		if refcon != opts.Refcon {
			return protocol.Errorf(protocol.RequestFailed, "callback carried foreign refcon")
		}
		return nil
	}

	table := &sdm.CallbackTable{
		UpdateProgress: func(msg string, percent uint8, refcon any) {
			if checkRefcon(refcon) != nil {
				slog.Warn("progress callback carried foreign refcon")
				return
			}
			opts.Progress(msg, percent)
		},
		SetErrorMessage: func(msg string, refcon any) {
			if checkRefcon(refcon) != nil {
				slog.Warn("error callback carried foreign refcon")
				return
			}
			opts.ErrorSink(msg)
		},
		PresentForm: func(f *form.Form, refcon any) error {
			if err := checkRefcon(refcon); err != nil {
				return err
			}
			return opts.PresentForm(f)
		},
		ArmADI: &sdm.ArmADICallbacks{
			ReadMemory: func(dev *device.Descriptor, addr uint64, size transfer.Size, count int,
				attrs transfer.Attributes, buf []byte, refcon any) error {
				if err := checkRefcon(refcon); err != nil {
					return err
				}
				base, err := resolveMemorySpan(dev, addr, size, count)
				if err != nil {
					return err
				}
				return exec.ReadMemory(opts.Port, base, size, count, attrs, buf)
			},
			WriteMemory: func(dev *device.Descriptor, addr uint64, size transfer.Size, count int,
				attrs transfer.Attributes, buf []byte, refcon any) error {
				if err := checkRefcon(refcon); err != nil {
					return err
				}
				base, err := resolveMemorySpan(dev, addr, size, count)
				if err != nil {
					return err
				}
				return exec.WriteMemory(opts.Port, base, size, count, attrs, buf)
			},
			RegisterAccess: func(dev *device.Descriptor, size transfer.Size,
				ops []transfer.RegisterOp, refcon any) (int, error) {
				if err := checkRefcon(refcon); err != nil {
					return 0, err
				}
				return registerAccess(&exec, opts.Port, dev, size, ops)
			},
		},
	}

	if (opts.ResetStart == nil) != (opts.ResetFinish == nil) {
		return nil, protocol.Errorf(protocol.RequestFailed, "reset hooks must be provided as a pair")
	}
	if opts.ResetStart != nil {
		start, finish := opts.ResetStart, opts.ResetFinish
		table.ResetStart = func(t protocol.ResetType, refcon any) error {
			if err := checkRefcon(refcon); err != nil {
				return err
			}
			return start(t)
		}
		table.ResetFinish = func(t protocol.ResetType, refcon any) error {
			if err := checkRefcon(refcon); err != nil {
				return err
			}
			return finish(t)
		}
	}

	return table, nil
}

// resolveMemorySpan resolves the start of a block transfer and bounds-checks
// its final byte, so a run of transfers cannot walk out of a component
// window even when the first address is inside it.
func resolveMemorySpan(dev *device.Descriptor, addr uint64, size transfer.Size, count int) (uint64, error) {
	base, err := dev.ResolveMemory(addr)
	if err != nil {
		return 0, err
	}
	if count > 1 {
		last := addr + uint64((count-1)*size.Bytes())
		if _, err := dev.ResolveMemory(last); err != nil {
			return 0, err
		}
	}
	return base, nil
}

// registerAccess resolves batch entry addresses against the device one entry
// at a time, so an entry with an out-of-window address fails in order: the
// entries before it execute and are counted, matching the batch abort
// contract.
func registerAccess(exec *transfer.Executor, port transfer.Port, dev *device.Descriptor,
	size transfer.Size, ops []transfer.RegisterOp) (int, error) {

	resolved := make([]transfer.RegisterOp, 0, len(ops))
	var resolveErr error
	for i := range ops {
		addr, err := dev.ResolveRegister(ops[i].Addr)
		if err != nil {
			resolveErr = err
			break
		}
		op := ops[i]
		op.Addr = addr
		resolved = append(resolved, op)
	}

	done, err := exec.RegisterAccess(port, size, resolved)
	for i := 0; i < done; i++ {
		ops[i].Value = resolved[i].Value
	}
	if err != nil {
		return done, err
	}
	return done, resolveErr
}
