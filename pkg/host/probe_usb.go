package host

import (
	"time"

	"github.com/google/gousb"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
)

// Default CMSIS-DAP v2 bulk probe identity (Raspberry Pi Debug Probe).
const (
	DefaultProbeVID = 0x2E8A
	DefaultProbePID = 0x000C
)

const (
	defaultPacketSize = 64
	defaultUSBTimeout = 5 * time.Second
)

// usbConn is the bulk-endpoint pipe to a CMSIS-DAP v2 probe. Commands and
// responses travel as fixed-size packets on a vendor-class interface.
type usbConn struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
}

func openUSB(vid, pid uint16) (*usbConn, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, protocol.Errorf(protocol.IOError, "open probe: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, protocol.Errorf(protocol.IOError,
			"no probe at VID:0x%04X PID:0x%04X", vid, pid)
	}

	// Needed on Linux when a CDC/kernel driver has the interface.
	_ = dev.SetAutoDetach(true)

	c := &usbConn{ctx: ctx, dev: dev, packetSize: defaultPacketSize}
	if err := c.claim(); err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	return c, nil
}

// claim finds the vendor-class interface and its bulk endpoint pair.
func (c *usbConn) claim() error {
	cfg, err := c.dev.Config(1)
	if err != nil {
		return protocol.Errorf(protocol.IOError, "probe config: %w", err)
	}

	num := -1
	for _, intf := range cfg.Desc.Interfaces {
		if len(intf.AltSettings) > 0 && intf.AltSettings[0].Class == gousb.ClassVendorSpec {
			num = intf.Number
			break
		}
	}
	if num == -1 {
		num = 0
	}

	intf, err := cfg.Interface(num, 0)
	if err != nil {
		return protocol.Errorf(protocol.IOError, "claim interface %d: %w", num, err)
	}
	c.intf = intf

	var outNum, inNum int
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionOut:
			if outNum == 0 {
				outNum = ep.Number
			}
		case gousb.EndpointDirectionIn:
			if inNum == 0 {
				inNum = ep.Number
				c.packetSize = ep.MaxPacketSize
			}
		}
	}
	if outNum == 0 || inNum == 0 {
		intf.Close()
		return protocol.Errorf(protocol.IOError, "probe has no bulk endpoint pair")
	}

	if c.epOut, err = intf.OutEndpoint(outNum); err != nil {
		intf.Close()
		return protocol.Errorf(protocol.IOError, "open OUT endpoint: %w", err)
	}
	if c.epIn, err = intf.InEndpoint(inNum); err != nil {
		intf.Close()
		return protocol.Errorf(protocol.IOError, "open IN endpoint: %w", err)
	}
	return nil
}

// WriteRead performs one command/response transaction. Packets are padded to
// the endpoint size on the way out.
func (c *usbConn) WriteRead(cmd []byte) ([]byte, error) {
	packet := make([]byte, c.packetSize)
	copy(packet, cmd)
	if _, err := c.epOut.Write(packet); err != nil {
		return nil, protocol.Errorf(protocol.IOError, "probe write: %w", err)
	}

	resp := make([]byte, c.packetSize)
	n, err := c.epIn.Read(resp)
	if err != nil {
		return nil, protocol.Errorf(protocol.IOError, "probe read: %w", err)
	}
	return resp[:n], nil
}

func (c *usbConn) Close() error {
	if c.intf != nil {
		c.intf.Close()
		c.intf = nil
	}
	if c.dev != nil {
		c.dev.Close()
		c.dev = nil
	}
	if c.ctx != nil {
		c.ctx.Close()
		c.ctx = nil
	}
	return nil
}

// ProbeInfo describes one enumerated debug probe.
type ProbeInfo struct {
	VID, PID     uint16
	SerialNumber string
	Description  string
}

// EnumerateProbes lists connected probes matching the given identity.
func EnumerateProbes(vid, pid uint16) ([]ProbeInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})
	if err != nil {
		return nil, protocol.Errorf(protocol.IOError, "enumerate probes: %w", err)
	}

	probes := make([]ProbeInfo, 0, len(devs))
	for _, dev := range devs {
		serial, _ := dev.SerialNumber()
		manufacturer, _ := dev.Manufacturer()
		product, _ := dev.Product()
		probes = append(probes, ProbeInfo{
			VID:          uint16(dev.Desc.Vendor),
			PID:          uint16(dev.Desc.Product),
			SerialNumber: serial,
			Description:  manufacturer + " " + product,
		})
		dev.Close()
	}
	return probes, nil
}
