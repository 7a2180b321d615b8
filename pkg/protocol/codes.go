// Package protocol defines the wire-level contract shared by debug hosts and
// Secure Debug Manager plugins: the return-code taxonomy, interface version,
// debug architecture selectors, and the connect/reset enumerations fixed at
// session open.
package protocol

import (
	"errors"
	"fmt"
)

// Code is the terminal result of an SDM operation. Every fallible call on
// either side of the host/plugin boundary ends in exactly one Code; there is
// no richer failure channel across the boundary. Codes implement error so
// that they compose with errors.Is and %w wrapping inside either side.
type Code int

const (
	// Success means the operation completed. It is never returned as a
	// non-nil error; a nil error from any API means Success.
	Success Code = iota

	// RequestFailed is the generic failure: malformed parameters, a call
	// that is illegal in the current session state, or a target policy
	// rejection that is not a credential problem.
	RequestFailed

	// InvalidUserCredentials means the target rejected the presented
	// credential. Not retryable without new user input.
	InvalidUserCredentials

	// InvalidArgument reports a caller mistake detected before touching the
	// target: unaligned address, out-of-window component offset, bad
	// transfer width for the request shape.
	InvalidArgument

	// UserCancelled means the user dismissed a form without completing it.
	// All form output fields are undefined afterwards.
	UserCancelled

	// UnsupportedOperation is permanent for the current configuration: the
	// target or plugin cannot perform the request at all (for example
	// ResumeBoot on a target that never stalls boot).
	UnsupportedOperation

	// IOError is a transport-level transmit/receive failure. A retry
	// candidate at the host's discretion.
	IOError

	// TimeoutError means the target gave no response in time, including a
	// poll whose retry budget ran out. A retry candidate.
	TimeoutError

	// UnsupportedTransferSize means the resolved device cannot perform the
	// requested transfer width. Permanent for that device.
	UnsupportedTransferSize

	// TransferFault is a target-reported access fault (the transfer reached
	// the target and was refused), as opposed to TransferError.
	TransferFault

	// TransferError is a transport-reported failure below the target: the
	// probe or link failed while carrying the transfer.
	TransferError

	// InternalError covers unclassified plugin-side failures.
	InternalError
)

var codeNames = map[Code]string{
	Success:                 "success",
	RequestFailed:           "request failed",
	InvalidUserCredentials:  "invalid user credentials",
	InvalidArgument:         "invalid argument",
	UserCancelled:           "user cancelled",
	UnsupportedOperation:    "unsupported operation",
	IOError:                 "i/o error",
	TimeoutError:            "timeout",
	UnsupportedTransferSize: "unsupported transfer size",
	TransferFault:           "transfer fault",
	TransferError:           "transfer error",
	InternalError:           "internal error",
}

// String implements Stringer.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error implements the standard error interface.
func (c Code) Error() string { return "sdm: " + c.String() }

// Err converts a Code to its error form: nil for Success, the Code itself
// otherwise.
func (c Code) Err() error {
	if c == Success {
		return nil
	}
	return c
}

// Errorf wraps a Code with context while keeping it visible to errors.Is and
// CodeOf.
func Errorf(c Code, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, c)...)
}

// CodeOf extracts the Code from an error chain. A nil error is Success;
// an error with no Code in its chain is InternalError.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return InternalError
}

// Retryable reports whether the failure is a retry candidate: timeouts and
// transient transport errors. Credential and cancellation failures need new
// user input; unsupported-operation and unsupported-size failures are
// permanent for the configuration.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case IOError, TimeoutError, TransferError:
		return true
	}
	return false
}
