package transfer

import (
	"encoding/binary"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
)

// Port is the word-level access the executor drives. Implementations map a
// pre-resolved concrete address onto the physical transport: a simulator's
// memory, a CMSIS-DAP probe, a Nexus tool-access client.
type Port interface {
	// ReadWord reads one value of the given width at addr.
	ReadWord(addr uint64, size Size, attrs Attributes) (uint64, error)
	// WriteWord writes one value of the given width at addr.
	WriteWord(addr uint64, size Size, attrs Attributes, v uint64) error
	// Supports reports whether the port can perform transfers of the width.
	Supports(size Size) bool
}

// DefaultPollCeiling bounds unbudgeted polls (Retries == 0). A host may
// lower it for tests or raise it for slow targets.
const DefaultPollCeiling = 1 << 20

// Executor performs memory transfers and register batches over a Port.
// The zero value is ready to use with the default poll ceiling.
type Executor struct {
	// PollCeiling overrides DefaultPollCeiling when non-zero.
	PollCeiling uint32
}

func (e *Executor) ceiling() uint32 {
	if e.PollCeiling != 0 {
		return e.PollCeiling
	}
	return DefaultPollCeiling
}

func checkTransfer(port Port, addr uint64, size Size) error {
	if !size.Valid() {
		return protocol.Errorf(protocol.InvalidArgument, "invalid transfer size %d", size)
	}
	if !port.Supports(size) {
		return protocol.Errorf(protocol.UnsupportedTransferSize, "%s transfers unsupported", size)
	}
	if addr%uint64(size.Bytes()) != 0 {
		return protocol.Errorf(protocol.InvalidArgument,
			"address 0x%X not aligned to %s transfer", addr, size)
	}
	return nil
}

// ReadMemory performs count consecutive transfers of the given width starting
// at addr, packing values little-endian into buf. buf must hold
// count*size.Bytes() bytes.
func (e *Executor) ReadMemory(port Port, addr uint64, size Size, count int, attrs Attributes, buf []byte) error {
	if err := checkTransfer(port, addr, size); err != nil {
		return err
	}
	if len(buf) < count*size.Bytes() {
		return protocol.Errorf(protocol.InvalidArgument,
			"buffer %d bytes, need %d", len(buf), count*size.Bytes())
	}
	for n := 0; n < count; n++ {
		v, err := port.ReadWord(addr+uint64(n*size.Bytes()), size, attrs)
		if err != nil {
			return err
		}
		putWord(buf[n*size.Bytes():], size, v)
	}
	return nil
}

// WriteMemory performs count consecutive transfers of the given width
// starting at addr, drawing values little-endian from buf.
func (e *Executor) WriteMemory(port Port, addr uint64, size Size, count int, attrs Attributes, buf []byte) error {
	if err := checkTransfer(port, addr, size); err != nil {
		return err
	}
	if len(buf) < count*size.Bytes() {
		return protocol.Errorf(protocol.InvalidArgument,
			"buffer %d bytes, need %d", len(buf), count*size.Bytes())
	}
	for n := 0; n < count; n++ {
		v := getWord(buf[n*size.Bytes():], size)
		if err := port.WriteWord(addr+uint64(n*size.Bytes()), size, attrs, v); err != nil {
			return err
		}
	}
	return nil
}

// RegisterAccess executes an ordered batch of register operations against one
// device at a single transfer width. The batch aborts at the first failing
// entry; completed reports how many entries fully finished so the caller can
// diagnose partial progress. An empty batch completes zero entries and
// succeeds.
func (e *Executor) RegisterAccess(port Port, size Size, ops []RegisterOp) (completed int, err error) {
	if !size.Valid() {
		return 0, protocol.Errorf(protocol.InvalidArgument, "invalid transfer size %d", size)
	}
	if !port.Supports(size) {
		return 0, protocol.Errorf(protocol.UnsupportedTransferSize, "%s transfers unsupported", size)
	}

	for i := range ops {
		op := &ops[i]
		switch op.Op {
		case OpRead:
			v, rerr := port.ReadWord(op.Addr, size, 0)
			if rerr != nil {
				return i, rerr
			}
			op.Value = v

		case OpWrite:
			if werr := port.WriteWord(op.Addr, size, 0, op.Value); werr != nil {
				return i, werr
			}

		case OpPoll:
			if perr := e.poll(port, size, op); perr != nil {
				return i, perr
			}

		default:
			return i, protocol.Errorf(protocol.InvalidArgument, "unknown register op %d", op.Op)
		}
	}
	return len(ops), nil
}

func (e *Executor) poll(port Port, size Size, op *RegisterOp) error {
	budget := op.Retries
	unbounded := budget == 0
	if unbounded {
		budget = e.ceiling()
	}

	for n := uint32(0); n < budget; n++ {
		v, err := port.ReadWord(op.Addr, size, 0)
		if err != nil {
			return err
		}
		if v&op.Mask == op.Value {
			return nil
		}
	}
	if unbounded {
		// Exhausting the implementation ceiling is not the caller's budget
		// running out; report it as the target never responding.
		return protocol.Errorf(protocol.TimeoutError,
			"poll of 0x%X hit ceiling of %d reads", op.Addr, budget)
	}
	return protocol.Errorf(protocol.TimeoutError,
		"poll of 0x%X exhausted %d retries", op.Addr, op.Retries)
}

func putWord(b []byte, size Size, v uint64) {
	switch size {
	case Size8:
		b[0] = byte(v)
	case Size16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case Size32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case Size64:
		binary.LittleEndian.PutUint64(b, v)
	}
}

func getWord(b []byte, size Size) uint64 {
	switch size {
	case Size8:
		return uint64(b[0])
	case Size16:
		return uint64(binary.LittleEndian.Uint16(b))
	case Size32:
		return uint64(binary.LittleEndian.Uint32(b))
	case Size64:
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}
