package protocol

import "fmt"

// Version is the host/plugin interface version. A major mismatch means the
// two sides are incompatible; minor revisions only append capabilities and
// never change existing semantics.
type Version struct {
	Major uint16
	Minor uint16
}

// CurrentVersion is the interface version this implementation speaks.
var CurrentVersion = Version{Major: 1, Minor: 1}

// Compatible reports whether a peer speaking v can interoperate with this
// implementation.
func (v Version) Compatible() bool { return v.Major == CurrentVersion.Major }

// String implements Stringer.
func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Architecture selects the debug transport family the session speaks. The
// value is fixed at open and selects which callback variant the host must
// provide.
type Architecture uint8

const (
	// ArmADIv5 is the Arm Debug Interface v5: 8-bit AP selector, MEM-AP
	// memory windows, CoreSight components behind MEM-APs.
	ArmADIv5 Architecture = iota + 1

	// ArmADIv6 widens AP addressing and allows components addressed
	// directly in the debug port's own space.
	ArmADIv6

	// Nexus5001 is the IEEE-ISTO 5001 tool-access transport. Register
	// access only; there is no memory window abstraction.
	Nexus5001
)

// String implements Stringer.
func (a Architecture) String() string {
	switch a {
	case ArmADIv5:
		return "arm-adiv5"
	case ArmADIv6:
		return "arm-adiv6"
	case Nexus5001:
		return "nexus-5001"
	}
	return fmt.Sprintf("architecture(%d)", uint8(a))
}

// ConnectMode tells the plugin how the host intends to bring the target up.
type ConnectMode uint8

const (
	// ConnectLoad loads the program before letting the target run.
	ConnectLoad ConnectMode = iota
	// ConnectRestart restarts the target after loading.
	ConnectRestart
	// ConnectAttach attaches to an already running target.
	ConnectAttach
)

// String implements Stringer.
func (m ConnectMode) String() string {
	switch m {
	case ConnectLoad:
		return "load"
	case ConnectRestart:
		return "restart"
	case ConnectAttach:
		return "attach"
	}
	return fmt.Sprintf("connect-mode(%d)", uint8(m))
}

// ResetType names the reset a plugin asks the host to perform via the
// resetStart/resetFinish callback pair. Both halves of the pair must carry
// the same type.
type ResetType uint8

const (
	ResetNone ResetType = iota
	// ResetHardware is a full system reset via the nSRST pin.
	ResetHardware
	ResetSoftware
)

// String implements Stringer.
func (r ResetType) String() string {
	switch r {
	case ResetNone:
		return "none"
	case ResetHardware:
		return "hardware"
	case ResetSoftware:
		return "software"
	}
	return fmt.Sprintf("reset(%d)", uint8(r))
}

// ProtectionState reports whether the target currently requires
// authentication to unlock some or all debug access.
type ProtectionState uint8

const (
	// Unlocked means debug access is already open.
	Unlocked ProtectionState = iota
	// Locked means some or all debug access requires authentication.
	Locked
)

// String implements Stringer.
func (s ProtectionState) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Locked:
		return "locked"
	}
	return fmt.Sprintf("protection-state(%d)", uint8(s))
}
