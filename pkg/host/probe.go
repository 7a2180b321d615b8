package host

import (
	"log/slog"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/transfer"
)

// DP register addresses (SWD, bank 0).
const (
	dpRegDPIDR    = 0x00
	dpRegCtrlStat = 0x04
	dpRegSelect   = 0x08
)

// MEM-AP register addresses within bank 0.
const (
	apRegCSW = 0x00
	apRegTAR = 0x04
	apRegDRW = 0x0C
)

// CSW fields for an AHB-AP style MEM-AP.
const (
	cswDeviceEn = 1 << 6
	cswHNonSec  = 1 << 30
	// Prot 0x23: data access, privileged, bufferable.
	cswProt     = 0x23 << 24
	cswHPrivBit = 1 << 25
)

// CTRL/STAT power-up request and acknowledge bits.
const (
	ctrlStatPowerReq = 0x5000_0000
	ctrlStatPowerAck = 0xA000_0000
)

// ABORT value clearing all sticky error flags.
const abortClearAll = 0x1E

// packetConn is the command/response pipe Probe drives; usbConn implements
// it, tests substitute a scripted one.
type packetConn interface {
	WriteRead(cmd []byte) ([]byte, error)
	Close() error
}

// Probe drives a target over SWD through a CMSIS-DAP probe, presenting the
// selected MEM-AP's memory space as a transfer.Port of concrete addresses.
type Probe struct {
	conn  packetConn
	apsel uint64

	csw    uint32
	cswSet bool
}

// OpenProbe connects to the probe at the given USB identity, brings the SWD
// link up, powers the debug domain and selects the MEM-AP.
func OpenProbe(vid, pid uint16, apsel uint64) (*Probe, error) {
	conn, err := openUSB(vid, pid)
	if err != nil {
		return nil, err
	}
	p := &Probe{conn: conn, apsel: apsel}
	if err := p.connect(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func newProbe(conn packetConn, apsel uint64) *Probe {
	return &Probe{conn: conn, apsel: apsel}
}

func (p *Probe) command(cmd []byte) ([]byte, error) {
	return p.conn.WriteRead(cmd)
}

func (p *Probe) statusCommand(cmd []byte) error {
	resp, err := p.command(cmd)
	if err != nil {
		return err
	}
	return decodeStatus(resp, cmd[0])
}

// connect performs the SWD bring-up: clock, port select, line reset with the
// JTAG-to-SWD switch, DPIDR read, debug power-up, AP select.
func (p *Probe) connect() error {
	if err := p.statusCommand(encodeSetClock(1_000_000)); err != nil {
		return err
	}
	resp, err := p.command(encodeConnect(dapPortSWD))
	if err != nil {
		return err
	}
	if err := decodeConnect(resp, dapPortSWD); err != nil {
		return err
	}
	if err := p.statusCommand(encodeTransferConfigure(2, 64, 0)); err != nil {
		return err
	}
	if err := p.lineReset(); err != nil {
		return err
	}

	idr, err := p.dpRead(dpRegDPIDR)
	if err != nil {
		return protocol.Errorf(protocol.IOError, "target not responding on SWD: %w", err)
	}
	slog.Debug("SWD link up", "dpidr", idr)

	if err := p.powerUp(); err != nil {
		return err
	}
	// SELECT: AP address in [31:24], bank 0.
	return p.dpWrite(dpRegSelect, uint32(p.apsel)<<24)
}

// lineReset clocks >50 ones, the JTAG-to-SWD select sequence, >50 more ones
// and a few idle cycles.
func (p *Probe) lineReset() error {
	seq := []byte{
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, // 56 ones
		0x9E, 0xE7, // JTAG-to-SWD
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, // 56 ones
		0x00, // idle
	}
	return p.statusCommand(encodeSWJSequence(len(seq)*8, seq))
}

func (p *Probe) powerUp() error {
	if err := p.dpWrite(dpRegCtrlStat, ctrlStatPowerReq); err != nil {
		return err
	}
	for i := 0; i < 100; i++ {
		stat, err := p.dpRead(dpRegCtrlStat)
		if err != nil {
			return err
		}
		if stat&ctrlStatPowerAck == ctrlStatPowerAck {
			return nil
		}
	}
	return protocol.Errorf(protocol.TimeoutError, "debug power-up not acknowledged")
}

func (p *Probe) dpRead(reg byte) (uint32, error) {
	values, err := p.transact([]dapOp{dapRead(false, reg)})
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

func (p *Probe) dpWrite(reg byte, v uint32) error {
	_, err := p.transact([]dapOp{dapWrite(false, reg, v)})
	return err
}

// transact runs one DAP_Transfer batch, clearing sticky errors after a
// target fault so the link stays usable.
func (p *Probe) transact(ops []dapOp) ([]uint32, error) {
	resp, err := p.command(encodeTransfer(ops))
	if err != nil {
		return nil, err
	}
	values, err := decodeTransfer(resp, ops)
	if protocol.CodeOf(err) == protocol.TransferFault {
		if _, aerr := p.command(encodeWriteABORT(abortClearAll)); aerr != nil {
			slog.Warn("sticky error clear failed", "error", aerr)
		}
		p.cswSet = false
	}
	return values, err
}

func cswFor(size transfer.Size, attrs transfer.Attributes) (uint32, error) {
	v := uint32(cswProt | cswDeviceEn)
	switch size {
	case transfer.Size8:
	case transfer.Size16:
		v |= 0x1
	case transfer.Size32:
		v |= 0x2
	default:
		return 0, protocol.Errorf(protocol.UnsupportedTransferSize,
			"MEM-AP data width caps transfers at 32 bits")
	}
	if attrs&transfer.AttrNonSecure != 0 {
		v |= cswHNonSec
	}
	if attrs&transfer.AttrNonPrivileged != 0 {
		v &^= cswHPrivBit
	}
	return v, nil
}

// Supports implements transfer.Port. DRW is 32 bits wide.
func (p *Probe) Supports(size transfer.Size) bool {
	return size == transfer.Size8 || size == transfer.Size16 || size == transfer.Size32
}

// access prepares CSW and TAR, then reads or writes DRW.
func (p *Probe) access(addr uint64, size transfer.Size, attrs transfer.Attributes,
	read bool, value uint32) (uint32, error) {

	csw, err := cswFor(size, attrs)
	if err != nil {
		return 0, err
	}
	if addr > 0xFFFF_FFFF {
		return 0, protocol.Errorf(protocol.InvalidArgument,
			"address 0x%X beyond the 32-bit MEM-AP space", addr)
	}

	var ops []dapOp
	if !p.cswSet || p.csw != csw {
		ops = append(ops, dapWrite(true, apRegCSW, csw))
	}
	ops = append(ops, dapWrite(true, apRegTAR, uint32(addr)))
	if read {
		ops = append(ops, dapRead(true, apRegDRW))
	} else {
		ops = append(ops, dapWrite(true, apRegDRW, value))
	}

	values, err := p.transact(ops)
	if err != nil {
		return 0, err
	}
	p.csw, p.cswSet = csw, true
	if read {
		return values[0], nil
	}
	return 0, nil
}

// ReadWord implements transfer.Port. Sub-word values arrive on the byte lane
// selected by the low address bits.
func (p *Probe) ReadWord(addr uint64, size transfer.Size, attrs transfer.Attributes) (uint64, error) {
	raw, err := p.access(addr, size, attrs, true, 0)
	if err != nil {
		return 0, err
	}
	lane := 8 * uint(addr&0x3)
	switch size {
	case transfer.Size8:
		return uint64(raw>>lane) & 0xFF, nil
	case transfer.Size16:
		return uint64(raw>>lane) & 0xFFFF, nil
	default:
		return uint64(raw), nil
	}
}

// WriteWord implements transfer.Port.
func (p *Probe) WriteWord(addr uint64, size transfer.Size, attrs transfer.Attributes, v uint64) error {
	lane := 8 * uint(addr&0x3)
	_, err := p.access(addr, size, attrs, false, uint32(v)<<lane)
	return err
}

// ResetTarget pulses the probe's target reset. Suitable as a ResetStart hook;
// the matching finish stage has nothing left to do.
func (p *Probe) ResetTarget(protocol.ResetType) error {
	return p.statusCommand(encodeResetTarget())
}

// ResetDone is the no-op finish stage paired with ResetTarget.
func (p *Probe) ResetDone(protocol.ResetType) error { return nil }

// Close releases the SWD link and the USB device.
func (p *Probe) Close() error {
	if _, err := p.command(encodeDisconnect()); err != nil {
		slog.Warn("probe disconnect failed", "error", err)
	}
	return p.conn.Close()
}
