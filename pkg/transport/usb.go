package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/gousb"
)

// Vendor request, host to device, device recipient.
const ftdiControlOut uint8 = 0x40

// USB talks to the FTDI bridge through libusb, bypassing the kernel serial
// driver.
type USB struct {
	usb  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
	timeout    time.Duration
	logger     *log.Logger

	// ctx is cancelled by Close to unblock a pending Read.
	ctx    context.Context
	cancel context.CancelFunc

	rmu  sync.Mutex
	rbuf []byte // payload already stripped of status bytes
	pkt  []byte
}

// OpenUSB claims the first FTDI bridge matching cfg and configures its
// UART for the protocol.
func OpenUSB(cfg Config, logger *log.Logger) (*USB, error) {
	usb := gousb.NewContext()

	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == cfg.VendorID && uint16(desc.Product) == cfg.ProductID
	})
	var dev *gousb.Device
	for _, d := range devs {
		if dev != nil {
			d.Close()
			continue
		}
		if cfg.Serial != "" {
			if sn, _ := d.SerialNumber(); sn != cfg.Serial {
				d.Close()
				continue
			}
		}
		dev = d
	}
	if dev == nil {
		usb.Close()
		if err != nil {
			return nil, fmt.Errorf("transport: usb: %w", err)
		}
		return nil, fmt.Errorf("%w (VID:0x%04X PID:0x%04X)", ErrNotFound, cfg.VendorID, cfg.ProductID)
	}

	// Detach ftdi_sio on Linux; not fatal where unsupported.
	_ = dev.SetAutoDetach(true)

	ctx, cancel := context.WithCancel(context.Background())
	t := &USB{
		usb:     usb,
		dev:     dev,
		timeout: cfg.Timeout,
		logger:  discardLogger(logger),
		ctx:     ctx,
		cancel:  cancel,
	}
	if err := t.claimInterface(); err != nil {
		t.Close()
		return nil, err
	}
	if err := t.setup(cfg); err != nil {
		t.Close()
		return nil, err
	}
	t.pkt = make([]byte, t.packetSize*8)
	return t, nil
}

// claimInterface claims interface 0 (channel A) and its bulk endpoints.
func (t *USB) claimInterface() error {
	cfg, err := t.dev.Config(1)
	if err != nil {
		return fmt.Errorf("transport: usb config: %w", err)
	}
	t.cfg = cfg

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		return fmt.Errorf("transport: claim interface 0: %w", err)
	}
	t.intf = intf

	var inNum, outNum int
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			inNum = ep.Number
			t.packetSize = ep.MaxPacketSize
		case gousb.EndpointDirectionOut:
			outNum = ep.Number
		}
	}
	if inNum == 0 || outNum == 0 {
		return fmt.Errorf("transport: bulk endpoints not found")
	}

	if t.epIn, err = intf.InEndpoint(inNum); err != nil {
		return fmt.Errorf("transport: open IN endpoint: %w", err)
	}
	if t.epOut, err = intf.OutEndpoint(outNum); err != nil {
		return fmt.Errorf("transport: open OUT endpoint: %w", err)
	}
	return nil
}

// setup resets the UART, selects 8N1 without flow control at cfg.Baud and
// flushes both FIFOs.
func (t *USB) setup(cfg Config) error {
	value, index, actual, err := ftdiBaudDivisor(cfg.Baud)
	if err != nil {
		return err
	}
	steps := []struct {
		name       string
		req        uint8
		value, idx uint16
	}{
		{"reset", ftdiReqReset, ftdiResetSIO, ftdiInterfaceA},
		{"bitmode", ftdiReqSetBitmode, ftdiBitmodeReset, ftdiInterfaceA},
		{"baud rate", ftdiReqSetBaudRate, value, index},
		{"line format", ftdiReqSetData, ftdiData8N1, ftdiInterfaceA},
		{"flow control", ftdiReqSetFlowCtrl, 0, ftdiInterfaceA},
		{"latency", ftdiReqSetLatency, uint16(cfg.Latency / time.Millisecond), ftdiInterfaceA},
		{"purge rx", ftdiReqReset, ftdiPurgeRX, ftdiInterfaceA},
		{"purge tx", ftdiReqReset, ftdiPurgeTX, ftdiInterfaceA},
	}
	for _, s := range steps {
		if _, err := t.dev.Control(ftdiControlOut, s.req, s.value, s.idx, nil); err != nil {
			return fmt.Errorf("transport: ftdi %s: %w", s.name, err)
		}
	}
	t.logger.Printf("transport: ftdi ready, %d baud, %d byte packets", actual, t.packetSize)
	return nil
}

// Write sends p in one bulk transfer.
func (t *USB) Write(p []byte) (int, error) {
	ctx := t.ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	n, err := t.epOut.WriteContext(ctx, p)
	if err != nil {
		return n, fmt.Errorf("transport: usb write: %w", err)
	}
	return n, nil
}

// Read returns payload bytes. Transfers holding only status bytes, which
// the chip sends every latency period, are skipped.
func (t *USB) Read(p []byte) (int, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()

	for len(t.rbuf) == 0 {
		n, err := t.epIn.ReadContext(t.ctx, t.pkt)
		if err != nil {
			if t.ctx.Err() != nil {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("transport: usb read: %w", err)
		}
		t.rbuf = stripModemStatus(t.rbuf, t.pkt[:n], t.packetSize)
	}
	n := copy(p, t.rbuf)
	t.rbuf = t.rbuf[n:]
	return n, nil
}

// Close releases USB resources. A blocked Read returns io.EOF.
func (t *USB) Close() error {
	t.cancel()
	// Wait for a Read to unwind before its endpoint goes away.
	t.rmu.Lock()
	defer t.rmu.Unlock()
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.usb != nil {
		t.usb.Close()
		t.usb = nil
	}
	return nil
}
