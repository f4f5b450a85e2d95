// Package transport provides the byte streams that connect the host to a
// pulse generator: the FTDI USB bridge driven directly through libusb, the
// same bridge as a virtual COM port, and an in-process simulator.
//
// Every transport is an io.ReadWriteCloser carrying the framed protocol
// from package protocol. Nothing above this package knows which one is in
// use.
package transport

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"
)

// Transport is a full-duplex byte stream to the device. Read blocks until
// at least one byte arrives and returns io.EOF once the transport is closed.
type Transport interface {
	io.ReadWriteCloser
}

// Kind categorizes transports.
type Kind string

const (
	KindUSB    Kind = "ftdi-usb"
	KindSerial Kind = "serial"
	KindSim    Kind = "simulator"
)

// ParseKind accepts the names used on the command line.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindUSB, "usb":
		return KindUSB, nil
	case KindSerial, "tty":
		return KindSerial, nil
	case KindSim, "sim":
		return KindSim, nil
	}
	return "", fmt.Errorf("transport: unknown kind %q", s)
}

// ErrNotFound is returned when no matching device is attached.
var ErrNotFound = errors.New("transport: device not found")

// ErrUnsupported is returned for transports the platform cannot provide.
var ErrUnsupported = errors.New("transport: not supported on this platform")

// Info describes a detected device or transport.
type Info struct {
	Kind        Kind
	Description string
	VendorID    uint16
	ProductID   uint16
	Serial      string
	Path        string
}

// Label returns a user-friendly description.
func (i Info) Label() string {
	switch {
	case i.Description != "" && i.Path != "":
		return fmt.Sprintf("%s (%s)", i.Description, i.Path)
	case i.Description != "":
		return i.Description
	case i.Path != "":
		return fmt.Sprintf("%s %s", i.Kind, i.Path)
	}
	return fmt.Sprintf("%s (%04X:%04X)", i.Kind, i.VendorID, i.ProductID)
}

// Config selects and tunes a transport.
type Config struct {
	Kind Kind

	// USB selection. Serial, when set, must match the device serial number.
	VendorID  uint16
	ProductID uint16
	Serial    string

	// Path is the tty of the serial transport. Empty picks the first
	// discovered FTDI tty.
	Path string

	Baud    int
	Latency time.Duration // FTDI receive latency timer
	Timeout time.Duration // write timeout, 0 = none
}

// DefaultConfig returns the settings of the stock pulse generator.
func DefaultConfig() Config {
	return Config{
		Kind:      KindSerial,
		VendorID:  VendorIDFTDI,
		ProductID: ProductIDFT232H,
		Baud:      DefaultBaud,
		Latency:   2 * time.Millisecond,
		Timeout:   5 * time.Second,
	}
}

// Validate checks the configuration for the selected kind.
func (c Config) Validate() error {
	switch c.Kind {
	case KindSim:
		return nil
	case KindUSB, KindSerial:
	default:
		return fmt.Errorf("transport: unknown kind %q", c.Kind)
	}
	if c.Baud <= 0 {
		return fmt.Errorf("transport: baud must be positive, got %d", c.Baud)
	}
	if c.Latency < time.Millisecond || c.Latency > 255*time.Millisecond {
		return fmt.Errorf("transport: latency %v outside 1ms..255ms", c.Latency)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("transport: negative timeout %v", c.Timeout)
	}
	return nil
}

// Open connects the transport described by cfg. A simulator opened here
// uses default options; use NewSim for a configured one.
func Open(cfg Config, logger *log.Logger) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindUSB:
		return OpenUSB(cfg, logger)
	case KindSerial:
		return OpenSerial(cfg)
	default:
		return NewSim(WithSimLogger(logger)), nil
	}
}

func discardLogger(l *log.Logger) *log.Logger {
	if l == nil {
		return log.New(io.Discard, "", 0)
	}
	return l
}
