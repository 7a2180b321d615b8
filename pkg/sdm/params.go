// Package sdm implements the Secure Debug Manager session protocol between a
// debug host and an SDM plugin: the open/authenticate/resume/close lifecycle
// state machine, the host callback table the plugin reaches the target
// through, and the contract a plugin implements.
package sdm

import (
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
)

// OpenParameters carries everything fixed at session open. The record and
// every reference inside it must remain valid for the whole session; that is
// the host's obligation.
type OpenParameters struct {
	// Version is the interface version the host speaks. A major mismatch
	// fails Open.
	Version protocol.Version

	// Architecture selects the debug transport family and thereby which
	// callback variant the table must carry.
	Architecture protocol.Architecture

	// Callbacks is the host-provided operation table.
	Callbacks *CallbackTable

	// Refcon is the host's opaque context value. It accompanies every
	// callback invocation unchanged; the host correlates callbacks back to
	// the session purely through it.
	Refcon any

	// ResourceDir is the plugin's resource directory (sequence files,
	// message catalogs).
	ResourceDir string

	// ManifestPath locates the plugin manifest file.
	ManifestPath string

	// Flags is reserved and must be zero.
	Flags uint32

	// Locales is the host's locale preference list in priority order.
	Locales []string

	// ConnectMode tells the plugin how the host brings the target up.
	ConnectMode protocol.ConnectMode
}

// AuthenticateParams parameterizes one authentication round.
type AuthenticateParams struct {
	// IsLastAuthentication tells the plugin no further rounds will follow,
	// letting it finalize, for example unlocking additional permissions
	// only on the final round of a multiple-authentication negotiation.
	IsLastAuthentication bool
}

func (p *OpenParameters) validate() error {
	if p == nil {
		return protocol.Errorf(protocol.RequestFailed, "nil open parameters")
	}
	if !p.Version.Compatible() {
		return protocol.Errorf(protocol.RequestFailed,
			"interface version %s incompatible with %s", p.Version, protocol.CurrentVersion)
	}
	if p.Flags != 0 {
		return protocol.Errorf(protocol.RequestFailed, "reserved flags 0x%X set", p.Flags)
	}
	if p.Callbacks == nil {
		return protocol.Errorf(protocol.RequestFailed, "no callback table")
	}
	return p.Callbacks.validate(p.Architecture)
}
