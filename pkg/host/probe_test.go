package host

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/transfer"
)

// scriptedConn replays canned responses and records every command sent.
type scriptedConn struct {
	t         *testing.T
	responses [][]byte
	commands  [][]byte
	closed    bool
}

func (c *scriptedConn) WriteRead(cmd []byte) ([]byte, error) {
	c.commands = append(c.commands, append([]byte(nil), cmd...))
	if len(c.responses) == 0 {
		c.t.Fatalf("unscripted command 0x%02X", cmd[0])
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedConn) Close() error {
	c.closed = true
	return nil
}

func transferResp(ack byte, count int, values ...uint32) []byte {
	resp := []byte{dapCmdTransfer, byte(count), ack}
	for _, v := range values {
		resp = binary.LittleEndian.AppendUint32(resp, v)
	}
	return resp
}

func TestEncodeTransferLayout(t *testing.T) {
	got := encodeTransfer([]dapOp{
		dapWrite(true, apRegTAR, 0x1A01_0004),
		dapRead(true, apRegDRW),
	})
	want := []byte{
		dapCmdTransfer, 0x00, 0x02,
		dapReqAP | apRegTAR, 0x04, 0x00, 0x01, 0x1A,
		dapReqAP | dapReqRead | apRegDRW,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("encoded transfer (-want +got):\n%s", diff)
	}
}

func TestDecodeTransferAckMapping(t *testing.T) {
	ops := []dapOp{dapRead(false, dpRegDPIDR)}
	cases := []struct {
		name string
		resp []byte
		want protocol.Code
	}{
		{"wait", transferResp(dapAckWait, 0), protocol.TimeoutError},
		{"fault", transferResp(dapAckFault, 0), protocol.TransferFault},
		{"protocol error", transferResp(dapAckOK | dapProtocolErr, 1), protocol.TransferError},
		{"no ack", transferResp(0x7, 0), protocol.TransferError},
		{"short batch", transferResp(dapAckOK, 0), protocol.TransferError},
		{"truncated data", []byte{dapCmdTransfer, 1, dapAckOK, 0xAA}, protocol.TransferError},
		{"wrong command", []byte{dapCmdInfo, 1, dapAckOK}, protocol.TransferError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := decodeTransfer(c.resp, ops)
			if got := protocol.CodeOf(err); got != c.want {
				t.Errorf("code %v, want %v", got, c.want)
			}
		})
	}

	values, err := decodeTransfer(transferResp(dapAckOK, 1, 0x0BC1_2477), ops)
	if err != nil {
		t.Fatalf("decodeTransfer: %v", err)
	}
	if diff := cmp.Diff([]uint32{0x0BC1_2477}, values); diff != "" {
		t.Errorf("read values (-want +got):\n%s", diff)
	}
}

func TestProbeReadWordCachesCSW(t *testing.T) {
	conn := &scriptedConn{t: t, responses: [][]byte{
		transferResp(dapAckOK, 3, 0xCAFE_F00D), // CSW + TAR + DRW read
		transferResp(dapAckOK, 2, 0xDEAD_BEEF), // TAR + DRW read, CSW cached
	}}
	p := newProbe(conn, 2)

	v, err := p.ReadWord(0x1A01_0000, transfer.Size32, 0)
	if err != nil {
		t.Fatalf("ReadWord: %v", err)
	}
	if v != 0xCAFE_F00D {
		t.Errorf("read 0x%X, want 0xCAFEF00D", v)
	}
	if got := conn.commands[0][2]; got != 3 {
		t.Errorf("first batch has %d entries, want 3 (CSW setup)", got)
	}

	if _, err := p.ReadWord(0x1A01_0004, transfer.Size32, 0); err != nil {
		t.Fatalf("second ReadWord: %v", err)
	}
	if got := conn.commands[1][2]; got != 2 {
		t.Errorf("second batch has %d entries, want 2 (CSW unchanged)", got)
	}
}

func TestProbeSubWordLanes(t *testing.T) {
	// A byte read at offset 2 arrives on lane 2 of DRW.
	conn := &scriptedConn{t: t, responses: [][]byte{
		transferResp(dapAckOK, 3, 0x00AB_0000),
	}}
	p := newProbe(conn, 0)

	v, err := p.ReadWord(0x2000_0002, transfer.Size8, 0)
	if err != nil {
		t.Fatalf("ReadWord: %v", err)
	}
	if v != 0xAB {
		t.Errorf("read 0x%X, want 0xAB", v)
	}

	// A halfword write at offset 2 must drive lanes 2 and 3.
	conn.responses = [][]byte{transferResp(dapAckOK, 3)}
	if err := p.WriteWord(0x2000_0002, transfer.Size16, 0, 0x1234); err != nil {
		t.Fatalf("WriteWord: %v", err)
	}
	cmd := conn.commands[1]
	// Layout: header(3) + CSW(5) + TAR(5) + DRW req + value.
	drw := binary.LittleEndian.Uint32(cmd[3+5+5+1:])
	if drw != 0x1234_0000 {
		t.Errorf("DRW value 0x%X, want 0x12340000", drw)
	}
}

func TestProbeFaultClearsStickyAndCSW(t *testing.T) {
	conn := &scriptedConn{t: t, responses: [][]byte{
		transferResp(dapAckFault, 1),                // access faults
		{dapCmdWriteABORT, dapStatusOK},             // sticky clear
		transferResp(dapAckOK, 3, 0x0000_0001),      // retry re-sends CSW
	}}
	p := newProbe(conn, 0)

	_, err := p.ReadWord(0x4000_0000, transfer.Size32, 0)
	if got := protocol.CodeOf(err); got != protocol.TransferFault {
		t.Fatalf("code %v, want TransferFault", got)
	}
	if conn.commands[1][0] != dapCmdWriteABORT {
		t.Fatalf("expected ABORT write after fault, got command 0x%02X", conn.commands[1][0])
	}

	if _, err := p.ReadWord(0x4000_0000, transfer.Size32, 0); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := conn.commands[2][2]; got != 3 {
		t.Errorf("retry batch has %d entries, want 3 (CSW re-sent after fault)", got)
	}
}

func TestProbeRejectsWideTransfers(t *testing.T) {
	p := newProbe(&scriptedConn{t: t}, 0)
	if p.Supports(transfer.Size64) {
		t.Error("probe claims 64-bit support")
	}
	_, err := p.ReadWord(0x0, transfer.Size64, 0)
	if got := protocol.CodeOf(err); got != protocol.UnsupportedTransferSize {
		t.Errorf("code %v, want UnsupportedTransferSize", got)
	}
}

func TestProbeCloseDisconnects(t *testing.T) {
	conn := &scriptedConn{t: t, responses: [][]byte{
		{dapCmdDisconnect, dapStatusOK},
	}}
	p := newProbe(conn, 0)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !conn.closed {
		t.Error("USB connection not closed")
	}
	if conn.commands[0][0] != dapCmdDisconnect {
		t.Errorf("first command 0x%02X, want DAP_Disconnect", conn.commands[0][0])
	}
}
