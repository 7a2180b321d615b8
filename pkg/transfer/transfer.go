// Package transfer implements the data-transfer primitives an SDM plugin
// drives a target with: aligned memory reads and writes and ordered register
// batches of read/write/poll operations executed against one device.
package transfer

import "fmt"

// Size is the width of a single transfer.
type Size uint8

const (
	Size8  Size = 1
	Size16 Size = 2
	Size32 Size = 4
	Size64 Size = 8
)

// Bytes returns the transfer width in bytes.
func (s Size) Bytes() int { return int(s) }

// Valid reports whether s is one of the defined widths.
func (s Size) Valid() bool {
	switch s {
	case Size8, Size16, Size32, Size64:
		return true
	}
	return false
}

// String implements Stringer.
func (s Size) String() string {
	if s.Valid() {
		return fmt.Sprintf("%d-bit", int(s)*8)
	}
	return fmt.Sprintf("size(%d)", uint8(s))
}

// Attributes is the architecture-defined transfer attribute bitmask. The
// abstracted bits cover the Arm ADI security and privilege controls; bits not
// otherwise abstracted pass through raw to the transport.
type Attributes uint32

const (
	// AttrNonSecure performs the transfer as non-secure.
	AttrNonSecure Attributes = 1 << 0
	// AttrNonPrivileged performs the transfer as non-privileged.
	AttrNonPrivileged Attributes = 1 << 1

	// attrRawShift positions the raw pass-through mask above the
	// abstracted bits.
	attrRawShift = 16
)

// Raw builds attributes carrying a raw architecture mask not otherwise
// abstracted.
func Raw(mask uint16) Attributes { return Attributes(mask) << attrRawShift }

// RawMask extracts the raw pass-through bits.
func (a Attributes) RawMask() uint16 { return uint16(a >> attrRawShift) }

// Op tags one register batch entry.
type Op uint8

const (
	// OpRead fetches one register-width value into the entry's Value slot.
	OpRead Op = iota
	// OpWrite stores the entry's Value slot to the register.
	OpWrite
	// OpPoll repeatedly reads the register, masks the value, and compares
	// against the entry's Value until match or the retry budget runs out.
	OpPoll
)

// String implements Stringer.
func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpPoll:
		return "poll"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// RegisterOp is one entry of a register-access batch. Addr is interpreted
// relative to the device descriptor the batch targets. Value is the read
// destination, write source, or poll match value depending on the tag. Mask
// and Retries apply to polls only; a zero retry budget means retry
// indefinitely, bounded only by the executor's ceiling.
type RegisterOp struct {
	Op      Op
	Addr    uint64
	Value   uint64
	Mask    uint64
	Retries uint32
}

// String implements Stringer.
func (r RegisterOp) String() string {
	switch r.Op {
	case OpWrite:
		return fmt.Sprintf("write 0x%X <- 0x%X", r.Addr, r.Value)
	case OpPoll:
		return fmt.Sprintf("poll 0x%X mask 0x%X == 0x%X retries %d", r.Addr, r.Mask, r.Value, r.Retries)
	default:
		return fmt.Sprintf("read 0x%X", r.Addr)
	}
}
