package host

import (
	"encoding/binary"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
)

// CMSIS-DAP command IDs used by the probe port.
const (
	dapCmdInfo              = 0x00
	dapCmdConnect           = 0x02
	dapCmdDisconnect        = 0x03
	dapCmdTransferConfigure = 0x04
	dapCmdTransfer          = 0x05
	dapCmdWriteABORT        = 0x08
	dapCmdResetTarget       = 0x0A
	dapCmdSWJClock          = 0x11
	dapCmdSWJSequence       = 0x12
)

const (
	dapPortSWD  = 0x01
	dapStatusOK = 0x00
)

// DAP_Transfer request bits.
const (
	dapReqAP   = 1 << 0 // AP access (DP otherwise)
	dapReqRead = 1 << 1 // read (write otherwise)
)

// DAP_Transfer response: ACK in bits [2:0], protocol error in bit 3.
const (
	dapAckOK       = 0x1
	dapAckWait     = 0x2
	dapAckFault    = 0x4
	dapProtocolErr = 1 << 3
)

// dapOp is one entry of a DAP_Transfer batch.
type dapOp struct {
	req   byte
	value uint32 // write data; ignored for reads
}

func dapRead(ap bool, reg byte) dapOp  { return dapOp{req: dapReqByte(ap, true, reg)} }
func dapWrite(ap bool, reg byte, v uint32) dapOp {
	return dapOp{req: dapReqByte(ap, false, reg), value: v}
}

func dapReqByte(ap, read bool, reg byte) byte {
	r := reg & 0x0C
	if ap {
		r |= dapReqAP
	}
	if read {
		r |= dapReqRead
	}
	return r
}

// encodeTransfer builds a DAP_Transfer command for DAP index 0.
func encodeTransfer(ops []dapOp) []byte {
	cmd := make([]byte, 3, 3+5*len(ops))
	cmd[0] = dapCmdTransfer
	cmd[1] = 0 // DAP index, always 0 on SWD
	cmd[2] = byte(len(ops))
	for _, op := range ops {
		cmd = append(cmd, op.req)
		if op.req&dapReqRead == 0 {
			cmd = binary.LittleEndian.AppendUint32(cmd, op.value)
		}
	}
	return cmd
}

// decodeTransfer parses a DAP_Transfer response, returning the values of the
// read entries in batch order. A short batch or a bad ACK maps onto the
// transfer error taxonomy: a target-signalled fault is distinct from a
// protocol-level failure.
func decodeTransfer(resp []byte, ops []dapOp) ([]uint32, error) {
	if len(resp) < 3 || resp[0] != dapCmdTransfer {
		return nil, protocol.Errorf(protocol.TransferError, "malformed transfer response")
	}
	count := int(resp[1])
	ack := resp[2]

	if ack&dapProtocolErr != 0 {
		return nil, protocol.Errorf(protocol.TransferError, "SWD protocol error after %d entries", count)
	}
	switch ack & 0x7 {
	case dapAckOK:
	case dapAckWait:
		return nil, protocol.Errorf(protocol.TimeoutError, "target kept WAITing after %d entries", count)
	case dapAckFault:
		return nil, protocol.Errorf(protocol.TransferFault, "target FAULT after %d entries", count)
	default:
		return nil, protocol.Errorf(protocol.TransferError, "no SWD ACK after %d entries", count)
	}
	if count != len(ops) {
		return nil, protocol.Errorf(protocol.TransferError,
			"probe executed %d of %d entries", count, len(ops))
	}

	reads := 0
	for _, op := range ops {
		if op.req&dapReqRead != 0 {
			reads++
		}
	}
	if len(resp) < 3+4*reads {
		return nil, protocol.Errorf(protocol.TransferError, "truncated transfer data")
	}
	values := make([]uint32, 0, reads)
	for i := 0; i < reads; i++ {
		values = append(values, binary.LittleEndian.Uint32(resp[3+4*i:]))
	}
	return values, nil
}

func encodeConnect(port byte) []byte { return []byte{dapCmdConnect, port} }

func decodeConnect(resp []byte, port byte) error {
	if len(resp) < 2 || resp[0] != dapCmdConnect {
		return protocol.Errorf(protocol.IOError, "malformed connect response")
	}
	if resp[1] != port {
		return protocol.Errorf(protocol.IOError, "probe refused port %d (got %d)", port, resp[1])
	}
	return nil
}

func encodeDisconnect() []byte { return []byte{dapCmdDisconnect} }

func encodeSetClock(hz uint32) []byte {
	cmd := make([]byte, 5)
	cmd[0] = dapCmdSWJClock
	binary.LittleEndian.PutUint32(cmd[1:], hz)
	return cmd
}

// encodeTransferConfigure sets idle cycles and the probe's WAIT/match retry
// budgets.
func encodeTransferConfigure(idleCycles byte, waitRetry, matchRetry uint16) []byte {
	cmd := make([]byte, 6)
	cmd[0] = dapCmdTransferConfigure
	cmd[1] = idleCycles
	binary.LittleEndian.PutUint16(cmd[2:], waitRetry)
	binary.LittleEndian.PutUint16(cmd[4:], matchRetry)
	return cmd
}

// encodeSWJSequence clocks raw bits onto SWDIO/TMS.
func encodeSWJSequence(bitCount int, bits []byte) []byte {
	cmd := make([]byte, 2+len(bits))
	cmd[0] = dapCmdSWJSequence
	cmd[1] = byte(bitCount) // 0 means 256
	copy(cmd[2:], bits)
	return cmd
}

func encodeWriteABORT(v uint32) []byte {
	cmd := make([]byte, 6)
	cmd[0] = dapCmdWriteABORT
	cmd[1] = 0 // DAP index
	binary.LittleEndian.PutUint32(cmd[2:], v)
	return cmd
}

func encodeResetTarget() []byte { return []byte{dapCmdResetTarget} }

// decodeStatus checks the single status byte commands share.
func decodeStatus(resp []byte, cmd byte) error {
	if len(resp) < 2 || resp[0] != cmd {
		return protocol.Errorf(protocol.IOError, "malformed response to command 0x%02X", cmd)
	}
	if resp[1] != dapStatusOK {
		return protocol.Errorf(protocol.IOError, "command 0x%02X failed with status 0x%02X", cmd, resp[1])
	}
	return nil
}
