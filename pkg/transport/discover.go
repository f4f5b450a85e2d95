package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

var knownBridges = []struct {
	VendorID    uint16
	ProductID   uint16
	Description string
}{
	{VendorIDFTDI, ProductIDFT232H, "FTDI FT232H (pulse generator)"},
	{VendorIDFTDI, 0x6010, "FTDI FT2232H"},
	{VendorIDFTDI, 0x6001, "FTDI FT232R"},
}

// Discover enumerates attached FTDI bridges, both as raw USB devices and as
// kernel ttys. It always ends with the simulator entry so the tools work
// without hardware.
func Discover(ctx context.Context) ([]Info, error) {
	var results []Info
	usb := gousb.NewContext()
	defer usb.Close()

	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if info, ok := classifyUSBDevice(desc); ok {
			results = append(results, info)
		}
		return false
	})
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return results, err
	}

	results = append(results, discoverSerial()...)
	results = append(results, Info{
		Kind:        KindSim,
		Description: "Simulator (no hardware)",
	})
	return results, ctx.Err()
}

func classifyUSBDevice(desc *gousb.DeviceDesc) (Info, bool) {
	for _, known := range knownBridges {
		if uint16(desc.Vendor) == known.VendorID && uint16(desc.Product) == known.ProductID {
			return Info{
				Kind:        KindUSB,
				Description: known.Description,
				VendorID:    known.VendorID,
				ProductID:   known.ProductID,
				Path:        fmt.Sprintf("usb:%d.%d", desc.Bus, desc.Address),
			}, true
		}
	}
	return Info{}, false
}
