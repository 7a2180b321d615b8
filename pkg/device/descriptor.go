// Package device models the addressable units of a debug target, Access
// Ports and the CoreSight components reached through them, and resolves a
// descriptor plus a call-relative address down to the concrete address the
// transport drives on the wire.
package device

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
)

// ComponentWindowSize is the addressable region of a CoreSight component:
// a fixed 4KB window within its enclosing MEM-AP's memory space.
const ComponentWindowSize = 0x1000

// MaxAPSelV5 bounds the ADIv5 AP selector (APSEL is 8 bits).
const MaxAPSelV5 = 0xFF

// Kind tags the descriptor variant.
type Kind uint8

const (
	// KindAccessPort addresses an Access Port: its own register space for
	// register access, or the memory space it exposes if it is a MEM-AP.
	KindAccessPort Kind = iota
	// KindComponent addresses a CoreSight component through the 4KB window
	// of an enclosing MEM-AP, or directly in the debug port's own space.
	KindComponent
)

// String implements Stringer.
func (k Kind) String() string {
	switch k {
	case KindAccessPort:
		return "access-port"
	case KindComponent:
		return "component"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Descriptor describes one addressable unit on the target. Descriptors are
// read-only once built and owned by the caller for the duration of a single
// call; a Component's MemAP field owns its enclosing descriptor, forming a
// shallow tree rather than a graph.
type Descriptor struct {
	Kind Kind

	// DP is the debug port index the unit hangs off.
	DP int

	// Address locates an Access Port: the 8-bit APSEL for ADIv5, or the AP
	// base address in the DP address space for ADIv6.
	Address uint64

	// Base is the base address of the memory window a MEM-AP exposes.
	// Meaningful only for Access Ports used for memory access.
	Base uint64

	// MemAP is the enclosing MEM-AP of a component. Nil means the component
	// is addressed directly in the debug port's own space, which only
	// ADIv6-style architectures support.
	MemAP *Descriptor

	// BaseOffset is the component window's offset within the enclosing
	// address space.
	BaseOffset uint64
}

// AccessPortV5 builds an ADIv5 Access Port descriptor. apsel must fit the
// 8-bit APSEL field.
func AccessPortV5(dp int, apsel uint64, base uint64) (*Descriptor, error) {
	if apsel > MaxAPSelV5 {
		return nil, protocol.Errorf(protocol.InvalidArgument, "apsel 0x%X exceeds 8-bit APSEL", apsel)
	}
	return &Descriptor{Kind: KindAccessPort, DP: dp, Address: apsel, Base: base}, nil
}

// AccessPortV6 builds an ADIv6 Access Port descriptor with a wide AP address.
func AccessPortV6(dp int, apAddr uint64, base uint64) *Descriptor {
	return &Descriptor{Kind: KindAccessPort, DP: dp, Address: apAddr, Base: base}
}

// Component builds a CoreSight component descriptor inside the window of the
// given MEM-AP.
func Component(memAP *Descriptor, baseOffset uint64) *Descriptor {
	return &Descriptor{Kind: KindComponent, DP: memAP.DP, MemAP: memAP, BaseOffset: baseOffset}
}

// DPComponent builds a component addressed directly in the debug port's own
// space, with no enclosing MEM-AP.
func DPComponent(dp int, baseOffset uint64) *Descriptor {
	return &Descriptor{Kind: KindComponent, DP: dp, BaseOffset: baseOffset}
}

// maxDepth caps descriptor nesting during resolution. Real topologies are one
// level deep; the cap only guards against accidental cycles.
const maxDepth = 16

// ResolveRegister resolves addr as a register offset within the descriptor's
// register space. For an Access Port this is the AP's own register file; for
// a component it is an offset into the 4KB window. Resolution is pure and
// deterministic.
func (d *Descriptor) ResolveRegister(addr uint64) (uint64, error) {
	return d.resolve(addr, true, 0)
}

// ResolveMemory resolves addr within the memory space the descriptor exposes.
// Only meaningful for MEM-APs and components; a non-memory AP fails at the
// target, not here.
func (d *Descriptor) ResolveMemory(addr uint64) (uint64, error) {
	return d.resolve(addr, false, 0)
}

func (d *Descriptor) resolve(addr uint64, register bool, depth int) (uint64, error) {
	if d == nil {
		return 0, protocol.Errorf(protocol.InvalidArgument, "nil device descriptor")
	}
	if depth > maxDepth {
		return 0, protocol.Errorf(protocol.InvalidArgument, "descriptor nesting exceeds %d levels", maxDepth)
	}

	switch d.Kind {
	case KindAccessPort:
		if register {
			return d.Address + addr, nil
		}
		return d.Base + addr, nil

	case KindComponent:
		if addr >= ComponentWindowSize {
			return 0, protocol.Errorf(protocol.InvalidArgument,
				"offset 0x%X outside 4KB component window", addr)
		}
		if d.MemAP == nil {
			// Addressed in the DP's own space.
			return d.BaseOffset + addr, nil
		}
		base, err := d.MemAP.resolve(0, false, depth+1)
		if err != nil {
			return 0, err
		}
		return base + d.BaseOffset + addr, nil
	}
	return 0, protocol.Errorf(protocol.InvalidArgument, "unknown descriptor kind %d", d.Kind)
}

// String implements Stringer.
func (d *Descriptor) String() string {
	switch d.Kind {
	case KindAccessPort:
		return fmt.Sprintf("ap(dp=%d addr=0x%X base=0x%X)", d.DP, d.Address, d.Base)
	case KindComponent:
		if d.MemAP != nil {
			return fmt.Sprintf("component(%s +0x%X)", d.MemAP, d.BaseOffset)
		}
		return fmt.Sprintf("component(dp=%d +0x%X)", d.DP, d.BaseOffset)
	}
	return d.Kind.String()
}
