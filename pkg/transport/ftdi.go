package transport

import "fmt"

const (
	// USB identifiers of the FTDI bridge on the pulse generator.
	VendorIDFTDI    = 0x0403
	ProductIDFT232H = 0x6014

	// DefaultBaud is the virtual UART rate. The bridge runs at USB speed
	// regardless, but both ends must agree.
	DefaultBaud = 3_000_000

	// Every bulk IN packet starts with two modem status bytes.
	ftdiStatusLen = 2
)

// FTDI vendor control requests (host to device).
const (
	ftdiReqReset       = 0x00
	ftdiReqSetFlowCtrl = 0x02
	ftdiReqSetBaudRate = 0x03
	ftdiReqSetData     = 0x04
	ftdiReqSetLatency  = 0x09
	ftdiReqSetBitmode  = 0x0B

	ftdiResetSIO     = 0
	ftdiPurgeRX      = 1
	ftdiPurgeTX      = 2
	ftdiData8N1      = 0x0008
	ftdiBitmodeReset = 0x0000

	// wIndex of channel A on H-series parts.
	ftdiInterfaceA = 1
)

// ftdiFracCode encodes divisor eighths as the chip expects them.
var ftdiFracCode = [8]uint32{0, 3, 2, 4, 1, 5, 6, 7}

// ftdiBaudDivisor computes the wValue/wIndex pair of SET_BAUDRATE for an
// H-series chip clocked at 120 MHz, and the rate actually achieved.
func ftdiBaudDivisor(baud int) (value, index uint16, actual int, err error) {
	const clk = 120_000_000
	const clkDiv = 10
	if baud <= 0 {
		return 0, 0, 0, fmt.Errorf("transport: invalid baud %d", baud)
	}

	var encoded uint32
	switch {
	case baud >= clk/clkDiv:
		encoded, actual = 0, clk/clkDiv
	case baud >= clk/(clkDiv+clkDiv/2):
		encoded, actual = 1, clk/(clkDiv+clkDiv/2)
	case baud >= clk/(2*clkDiv):
		encoded, actual = 2, clk/(2*clkDiv)
	default:
		divisor := clk * 16 / clkDiv / baud
		best := divisor / 2
		if divisor&1 != 0 {
			best++
		}
		if best > 0x20000 {
			best = 0x1FFFF
		}
		actual = clk * 16 / clkDiv / best
		actual = (actual + 1) / 2
		encoded = uint32(best>>3) | ftdiFracCode[best&7]<<14
	}
	// Select the 120 MHz reference.
	encoded |= 0x20000

	// Reject rates more than 3% off.
	if diff := actual - baud; diff*100 > baud*3 || -diff*100 > baud*3 {
		return 0, 0, actual, fmt.Errorf("transport: baud %d unreachable (closest %d)", baud, actual)
	}
	value = uint16(encoded)
	index = uint16(encoded>>8)&0xFF00 | ftdiInterfaceA
	return value, index, actual, nil
}

// stripModemStatus removes the status header of every max-size packet in a
// bulk IN transfer and returns the payload bytes, appended to dst.
func stripModemStatus(dst, buf []byte, packetSize int) []byte {
	for len(buf) > 0 {
		n := min(packetSize, len(buf))
		if n > ftdiStatusLen {
			dst = append(dst, buf[ftdiStatusLen:n]...)
		}
		buf = buf[n:]
	}
	return dst
}
