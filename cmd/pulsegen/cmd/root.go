package cmd

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/device"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/transport"
)

var (
	// Global flags
	verbose bool

	// Transport flags
	ifaceKind  string
	portPath   string
	usbSerial  string
	vendorID   uint16
	productID  uint16
	baudRate   int
	usbLatency time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "pulsegen",
	Short: "Pulse sequencer host tool",
	Long: `Load and run instruction programs on the FPGA pulse generator, or
play them on the built-in simulator.

Examples:
  pulsegen interfaces                              # List connected generators
  pulsegen compile testdata/rabi.pulse             # Show the instructions a program becomes
  pulsegen simulate testdata/blink.pulse           # Trace a program on the simulator
  pulsegen run --port /dev/ttyUSB0 blink.pulse     # Run a program on hardware
  pulsegen state --interface usb                   # Print the device state`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	def := transport.DefaultConfig()

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.StringVarP(&ifaceKind, "interface", "i", string(def.Kind),
		"transport (serial, usb, sim)")
	pf.StringVarP(&portPath, "port", "p", "",
		"serial device path (default: first FTDI tty)")
	pf.StringVarP(&usbSerial, "serial", "s", "",
		"USB serial number (if multiple generators)")
	pf.Uint16Var(&vendorID, "vid", def.VendorID, "USB vendor ID")
	pf.Uint16Var(&productID, "pid", def.ProductID, "USB product ID")
	pf.IntVar(&baudRate, "baud", def.Baud, "UART baud rate")
	pf.DurationVar(&usbLatency, "latency", def.Latency, "FTDI latency timer")
}

// logger returns the diagnostic logger, nil unless --verbose.
func logger() *log.Logger {
	if !verbose {
		return nil
	}
	return log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)
}

// transportConfig builds the transport settings from the flags.
func transportConfig() (transport.Config, error) {
	kind, err := transport.ParseKind(ifaceKind)
	if err != nil {
		return transport.Config{}, err
	}
	cfg := transport.DefaultConfig()
	cfg.Kind = kind
	cfg.Path = portPath
	cfg.Serial = usbSerial
	cfg.VendorID = vendorID
	cfg.ProductID = productID
	cfg.Baud = baudRate
	cfg.Latency = usbLatency
	return cfg, cfg.Validate()
}

// openGenerator connects to the generator selected by the flags.
func openGenerator() (*device.Generator, error) {
	cfg, err := transportConfig()
	if err != nil {
		return nil, err
	}
	if verbose {
		fmt.Printf("Opening %s transport...\n", cfg.Kind)
	}
	gen, err := device.Open(cfg,
		device.WithLogger(logger()),
		device.WithPrinter(newMessagePrinter(os.Stdout)))
	if err != nil {
		return nil, fmt.Errorf("failed to open generator: %w", err)
	}
	return gen, nil
}
