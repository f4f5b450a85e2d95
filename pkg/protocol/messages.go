package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
)

// Message is a frame sent by the device. Concrete types are Notification,
// DeviceState, PowerlineState, Echo and DeviceError.
type Message interface {
	Kind() Kind
	Encode() []byte
}

// Notification reports why the device interrupted the host. Several reasons
// can be set on one notification.
type Notification struct {
	Address   uint16 // address of the instruction executing when it was sent
	Tagged    bool   // instruction carried notify_computer
	Triggered bool   // main trigger fired with notify_on_main_trig
	Finished  bool   // a run finished after notify_when_current_run_finished
}

const (
	reasonTagged = 1 << iota
	reasonTriggered
	reasonFinished
)

func (Notification) Kind() Kind { return KindNotification }

func (n Notification) Encode() []byte {
	b := make([]byte, kindSizes[KindNotification])
	b[0] = byte(KindNotification)
	binary.LittleEndian.PutUint16(b[1:], n.Address)
	if n.Tagged {
		b[3] |= reasonTagged
	}
	if n.Triggered {
		b[3] |= reasonTriggered
	}
	if n.Finished {
		b[3] |= reasonFinished
	}
	return b
}

func (n Notification) String() string {
	var reasons []string
	if n.Tagged {
		reasons = append(reasons, "address")
	}
	if n.Triggered {
		reasons = append(reasons, "triggered")
	}
	if n.Finished {
		reasons = append(reasons, "finished")
	}
	return fmt.Sprintf("notification address=%d reason=%s", n.Address, strings.Join(reasons, ","))
}

// DeviceState is the coordinator report returned for a state request.
type DeviceState struct {
	Coordinator uint8 // coordinator state, see package coordinator
	Address     uint16
	Settings    Settings

	SoftwareRunEnable            bool
	HardwareRunEnable            bool
	DisableAfterCurrentRun       bool
	NotifyWhenCurrentRunFinished bool
	TriggerOut                   bool // an instruction is holding hard_trig_out
	MainTrigger                  bool

	Outputs uint32
}

const (
	dsNotifyOnMainTrig = 1 << iota
	dsSoftwareRunEnable
	dsHardwareRunEnable
	dsDisableAfterCurrentRun
	dsNotifyWhenFinished
	dsTriggerOut
	dsMainTrigger
)

func (DeviceState) Kind() Kind { return KindDeviceState }

func (s DeviceState) Encode() []byte {
	b := make([]byte, kindSizes[KindDeviceState])
	b[0] = byte(KindDeviceState)
	b[1] = s.Coordinator
	binary.LittleEndian.PutUint16(b[2:], s.Address)
	binary.LittleEndian.PutUint16(b[4:], s.Settings.FinalRAMAddress)
	b[6] = byte(s.Settings.RunMode)
	b[7] = byte(s.Settings.TriggerMode)
	instr.PutUint48(b[8:], s.Settings.TriggerTime)
	b[14] = s.Settings.TriggerLength

	flags := []struct {
		set bool
		bit byte
	}{
		{s.Settings.NotifyOnMainTrig, dsNotifyOnMainTrig},
		{s.SoftwareRunEnable, dsSoftwareRunEnable},
		{s.HardwareRunEnable, dsHardwareRunEnable},
		{s.DisableAfterCurrentRun, dsDisableAfterCurrentRun},
		{s.NotifyWhenCurrentRunFinished, dsNotifyWhenFinished},
		{s.TriggerOut, dsTriggerOut},
		{s.MainTrigger, dsMainTrigger},
	}
	for _, f := range flags {
		if f.set {
			b[15] |= f.bit
		}
	}
	instr.PutUint24(b[16:], s.Outputs)
	return b
}

func decodeDeviceState(b []byte) DeviceState {
	f := b[15]
	return DeviceState{
		Coordinator: b[1],
		Address:     binary.LittleEndian.Uint16(b[2:]),
		Settings: Settings{
			FinalRAMAddress:  binary.LittleEndian.Uint16(b[4:]),
			RunMode:          RunMode(b[6]),
			TriggerMode:      TriggerMode(b[7]),
			TriggerTime:      instr.Uint48(b[8:]),
			TriggerLength:    b[14],
			NotifyOnMainTrig: f&dsNotifyOnMainTrig != 0,
		},
		SoftwareRunEnable:            f&dsSoftwareRunEnable != 0,
		HardwareRunEnable:            f&dsHardwareRunEnable != 0,
		DisableAfterCurrentRun:       f&dsDisableAfterCurrentRun != 0,
		NotifyWhenCurrentRunFinished: f&dsNotifyWhenFinished != 0,
		TriggerOut:                   f&dsTriggerOut != 0,
		MainTrigger:                  f&dsMainTrigger != 0,
		Outputs:                      instr.Uint24(b[16:]),
	}
}

// PowerlineState reports the mains synchronisation of the device.
type PowerlineState struct {
	TriggerOnPowerline bool
	Locked             bool   // a stable mains period has been measured
	Period             uint32 // cycles per mains period
	Delay              uint32 // cycles added after each zero-crossing
}

func (PowerlineState) Kind() Kind { return KindPowerlineState }

func (s PowerlineState) Encode() []byte {
	b := make([]byte, kindSizes[KindPowerlineState])
	b[0] = byte(KindPowerlineState)
	if s.TriggerOnPowerline {
		b[1] |= 1
	}
	if s.Locked {
		b[1] |= 2
	}
	binary.LittleEndian.PutUint32(b[2:], s.Period)
	binary.LittleEndian.PutUint32(b[6:], s.Delay)
	return b
}

// Echo carries back the byte of an EchoRequest.
type Echo struct {
	Value byte
}

func (Echo) Kind() Kind { return KindEcho }

func (e Echo) Encode() []byte { return []byte{byte(KindEcho), e.Value} }

// ErrorCode classifies a DeviceError.
type ErrorCode byte

const (
	ErrCodeUnknownCommand ErrorCode = iota + 1
	ErrCodeInvalidInstruction
	ErrCodeInvalidOption
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeUnknownCommand:
		return "unknown command"
	case ErrCodeInvalidInstruction:
		return "invalid instruction"
	case ErrCodeInvalidOption:
		return "invalid option"
	}
	return fmt.Sprintf("error code %d", byte(c))
}

// DeviceError is sent when the device rejects a frame.
type DeviceError struct {
	Code   ErrorCode
	Detail uint16 // offending identifier or address
}

func (DeviceError) Kind() Kind { return KindError }

func (e DeviceError) Encode() []byte {
	b := make([]byte, kindSizes[KindError])
	b[0] = byte(KindError)
	b[1] = byte(e.Code)
	binary.LittleEndian.PutUint16(b[2:], e.Detail)
	return b
}

func (e DeviceError) Error() string {
	return fmt.Sprintf("device error: %v (0x%04X)", e.Code, e.Detail)
}

// DecodeMessage parses one complete device frame.
func DecodeMessage(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrProtocolDesync)
	}
	k := Kind(frame[0])
	size, ok := kindSizes[k]
	if !ok {
		return nil, fmt.Errorf("%w: unknown message identifier 0x%02X", ErrProtocolDesync, frame[0])
	}
	if len(frame) != size {
		return nil, fmt.Errorf("%w: %v frame has %d bytes, want %d", ErrProtocolDesync, k, len(frame), size)
	}

	switch k {
	case KindNotification:
		if frame[3]&^byte(reasonTagged|reasonTriggered|reasonFinished) != 0 {
			return nil, fmt.Errorf("%w: notification reasons 0x%02X", ErrProtocolDesync, frame[3])
		}
		return Notification{
			Address:   binary.LittleEndian.Uint16(frame[1:]),
			Tagged:    frame[3]&reasonTagged != 0,
			Triggered: frame[3]&reasonTriggered != 0,
			Finished:  frame[3]&reasonFinished != 0,
		}, nil
	case KindDeviceState:
		return decodeDeviceState(frame), nil
	case KindPowerlineState:
		return PowerlineState{
			TriggerOnPowerline: frame[1]&1 != 0,
			Locked:             frame[1]&2 != 0,
			Period:             binary.LittleEndian.Uint32(frame[2:]),
			Delay:              binary.LittleEndian.Uint32(frame[6:]),
		}, nil
	case KindEcho:
		return Echo{Value: frame[1]}, nil
	default:
		return DeviceError{Code: ErrorCode(frame[1]), Detail: binary.LittleEndian.Uint16(frame[2:])}, nil
	}
}
