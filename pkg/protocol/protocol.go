// Package protocol defines the byte-level contract between the host and the
// pulse generator: the commands the host writes, the messages the device
// sends back, and stream decoders for both directions.
//
// Every frame starts with a one-byte identifier that fixes the frame length.
// Multi-byte fields are little-endian, like the instruction record.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
)

// Clock and timing constants of the device.
const (
	ClockHz          = 100_000_000
	CycleNanoseconds = 10

	// DefaultPowerlinePeriod is one 50 Hz mains period in clock cycles.
	DefaultPowerlinePeriod = ClockHz / 50
)

var (
	// ErrProtocolDesync reports a malformed or unrecognized frame.
	ErrProtocolDesync = errors.New("protocol: desynchronized stream")
	// ErrInvalidOption reports a device option outside its range.
	ErrInvalidOption = errors.New("protocol: invalid option")
)

// Host to device identifiers.
const (
	CmdLoadInstruction  = instr.Identifier
	CmdEcho             = 0x96
	CmdDeviceOptions    = 0xC6
	CmdAction           = 0x4C
	CmdStaticState      = 0xBD
	CmdPowerlineOptions = 0xDC
)

// Frame lengths of host to device commands, identifier included.
const (
	loadInstructionSize  = instr.RecordSize
	echoSize             = 2
	deviceOptionsSize    = 14
	actionSize           = 2
	staticStateSize      = 4
	powerlineOptionsSize = 7
)

// Kind discriminates device to host messages. Its value is the identifier
// byte that starts the frame.
type Kind byte

const (
	KindNotification   Kind = 0xFB
	KindPowerlineState Kind = 0xFC
	KindDeviceState    Kind = 0xFD
	KindEcho           Kind = 0xCB
	KindError          Kind = 0xFF
)

var kindNames = map[Kind]string{
	KindNotification:   "notification",
	KindPowerlineState: "powerlinestate",
	KindDeviceState:    "devicestate",
	KindEcho:           "echo",
	KindError:          "error",
}

var kindSizes = map[Kind]int{
	KindNotification:   4,
	KindPowerlineState: 10,
	KindDeviceState:    19,
	KindEcho:           2,
	KindError:          4,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(0x%02X)", byte(k))
}

// ParseKind resolves a message kind by name.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown message kind %q", s)
}

// RunMode selects what happens when the final address completes.
type RunMode byte

const (
	RunSingle RunMode = iota
	RunContinuous
)

func (m RunMode) String() string {
	switch m {
	case RunSingle:
		return "single"
	case RunContinuous:
		return "continuous"
	}
	return fmt.Sprintf("runmode(%d)", byte(m))
}

// ParseRunMode accepts "single" or "continuous".
func ParseRunMode(s string) (RunMode, error) {
	switch strings.ToLower(s) {
	case "single":
		return RunSingle, nil
	case "continuous":
		return RunContinuous, nil
	}
	return 0, fmt.Errorf("%w: run mode %q", ErrInvalidOption, s)
}

// TriggerMode selects which trigger sources start a run.
type TriggerMode byte

const (
	TriggerSoftware TriggerMode = iota
	TriggerHardware
	TriggerPowerline
)

func (m TriggerMode) String() string {
	switch m {
	case TriggerSoftware:
		return "software"
	case TriggerHardware:
		return "hardware"
	case TriggerPowerline:
		return "powerline"
	}
	return fmt.Sprintf("triggermode(%d)", byte(m))
}

// ParseTriggerMode accepts "software", "hardware" or "powerline".
func ParseTriggerMode(s string) (TriggerMode, error) {
	switch strings.ToLower(s) {
	case "software":
		return TriggerSoftware, nil
	case "hardware":
		return TriggerHardware, nil
	case "powerline":
		return TriggerPowerline, nil
	}
	return 0, fmt.Errorf("%w: trigger mode %q", ErrInvalidOption, s)
}

// Ptr returns a pointer to v, for filling optional fields.
func Ptr[T any](v T) *T { return &v }
