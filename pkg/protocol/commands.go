package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
)

// Command is a frame written by the host.
type Command interface {
	Identifier() byte
	Encode() ([]byte, error)
}

// Settings is the full persistent device configuration.
type Settings struct {
	FinalRAMAddress  uint16
	RunMode          RunMode
	TriggerMode      TriggerMode
	TriggerTime      uint64 // cycles from run start to main trigger
	TriggerLength    uint8  // cycles the main trigger is held
	NotifyOnMainTrig bool
}

// DefaultSettings is the power-up configuration.
func DefaultSettings() Settings {
	return Settings{
		RunMode:       RunSingle,
		TriggerMode:   TriggerSoftware,
		TriggerLength: 1,
	}
}

// DeviceOptions is a partial settings update. Nil fields keep their current
// device value, so writes are idempotent and independent per field.
type DeviceOptions struct {
	FinalRAMAddress  *uint16
	RunMode          *RunMode
	TriggerMode      *TriggerMode
	TriggerTime      *uint64
	TriggerLength    *uint8
	NotifyOnMainTrig *bool
}

// Presence mask bits of the device options frame.
const (
	optFinalRAMAddress = 1 << iota
	optRunMode
	optTriggerMode
	optTriggerTime
	optTriggerLength
	optNotifyOnMainTrig
)

func (DeviceOptions) Identifier() byte { return CmdDeviceOptions }

// Validate checks the fields that are set.
func (o DeviceOptions) Validate() error {
	if o.FinalRAMAddress != nil && *o.FinalRAMAddress > instr.MaxAddress {
		return fmt.Errorf("%w: final_ram_address %d exceeds %d", ErrInvalidOption, *o.FinalRAMAddress, instr.MaxAddress)
	}
	if o.RunMode != nil && *o.RunMode > RunContinuous {
		return fmt.Errorf("%w: %v", ErrInvalidOption, *o.RunMode)
	}
	if o.TriggerMode != nil && *o.TriggerMode > TriggerPowerline {
		return fmt.Errorf("%w: %v", ErrInvalidOption, *o.TriggerMode)
	}
	if o.TriggerTime != nil && *o.TriggerTime > instr.MaxCountdown {
		return fmt.Errorf("%w: trigger_time %d exceeds 2^48-1", ErrInvalidOption, *o.TriggerTime)
	}
	if o.TriggerLength != nil && *o.TriggerLength == 0 {
		return fmt.Errorf("%w: trigger_length must be 1..255", ErrInvalidOption)
	}
	return nil
}

// Apply copies the set fields into s.
func (o DeviceOptions) Apply(s *Settings) {
	if o.FinalRAMAddress != nil {
		s.FinalRAMAddress = *o.FinalRAMAddress
	}
	if o.RunMode != nil {
		s.RunMode = *o.RunMode
	}
	if o.TriggerMode != nil {
		s.TriggerMode = *o.TriggerMode
	}
	if o.TriggerTime != nil {
		s.TriggerTime = *o.TriggerTime
	}
	if o.TriggerLength != nil {
		s.TriggerLength = *o.TriggerLength
	}
	if o.NotifyOnMainTrig != nil {
		s.NotifyOnMainTrig = *o.NotifyOnMainTrig
	}
}

// Encode builds the device options frame: identifier, presence mask, then
// every field at a fixed offset.
func (o DeviceOptions) Encode() ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, deviceOptionsSize)
	b[0] = CmdDeviceOptions
	var mask byte
	if o.FinalRAMAddress != nil {
		mask |= optFinalRAMAddress
		binary.LittleEndian.PutUint16(b[2:], *o.FinalRAMAddress)
	}
	if o.RunMode != nil {
		mask |= optRunMode
		b[4] = byte(*o.RunMode)
	}
	if o.TriggerMode != nil {
		mask |= optTriggerMode
		b[5] = byte(*o.TriggerMode)
	}
	if o.TriggerTime != nil {
		mask |= optTriggerTime
		instr.PutUint48(b[6:], *o.TriggerTime)
	}
	if o.TriggerLength != nil {
		mask |= optTriggerLength
		b[12] = *o.TriggerLength
	}
	if o.NotifyOnMainTrig != nil {
		mask |= optNotifyOnMainTrig
		b[13] = boolByte(*o.NotifyOnMainTrig)
	}
	b[1] = mask
	return b, nil
}

func decodeDeviceOptions(b []byte) (DeviceOptions, error) {
	var o DeviceOptions
	mask := b[1]
	if mask&^byte(0x3F) != 0 {
		return o, fmt.Errorf("%w: device options mask 0x%02X", ErrProtocolDesync, mask)
	}
	if mask&optFinalRAMAddress != 0 {
		o.FinalRAMAddress = Ptr(binary.LittleEndian.Uint16(b[2:]))
	}
	if mask&optRunMode != 0 {
		o.RunMode = Ptr(RunMode(b[4]))
	}
	if mask&optTriggerMode != 0 {
		o.TriggerMode = Ptr(TriggerMode(b[5]))
	}
	if mask&optTriggerTime != 0 {
		o.TriggerTime = Ptr(instr.Uint48(b[6:]))
	}
	if mask&optTriggerLength != 0 {
		o.TriggerLength = Ptr(b[12])
	}
	if mask&optNotifyOnMainTrig != 0 {
		o.NotifyOnMainTrig = Ptr(b[13] != 0)
	}
	if err := o.Validate(); err != nil {
		return o, fmt.Errorf("%w: %w", ErrProtocolDesync, err)
	}
	return o, nil
}

// Action is a one-shot directive to the output coordinator. Several flags
// may be combined in one frame.
type Action struct {
	TriggerNow                   bool
	DisableAfterCurrentRun       bool
	NotifyWhenCurrentRunFinished bool
	ResetOutputCoordinator       bool
	RequestState                 bool
	RequestPowerlineState        bool
	SoftwareRunEnable            *bool // nil leaves the enable unchanged
}

// Action flag bits.
const (
	ActTriggerNow = 1 << iota
	ActDisableAfterCurrentRun
	ActNotifyWhenCurrentRunFinished
	ActResetOutputCoordinator
	ActRequestState
	ActRequestPowerlineState
	ActSetSoftwareRunEnable
	ActSoftwareRunEnable
)

func (Action) Identifier() byte { return CmdAction }

func (a Action) Encode() ([]byte, error) {
	var f byte
	if a.TriggerNow {
		f |= ActTriggerNow
	}
	if a.DisableAfterCurrentRun {
		f |= ActDisableAfterCurrentRun
	}
	if a.NotifyWhenCurrentRunFinished {
		f |= ActNotifyWhenCurrentRunFinished
	}
	if a.ResetOutputCoordinator {
		f |= ActResetOutputCoordinator
	}
	if a.RequestState {
		f |= ActRequestState
	}
	if a.RequestPowerlineState {
		f |= ActRequestPowerlineState
	}
	if a.SoftwareRunEnable != nil {
		f |= ActSetSoftwareRunEnable
		if *a.SoftwareRunEnable {
			f |= ActSoftwareRunEnable
		}
	}
	return []byte{CmdAction, f}, nil
}

func decodeAction(b []byte) Action {
	f := b[1]
	a := Action{
		TriggerNow:                   f&ActTriggerNow != 0,
		DisableAfterCurrentRun:       f&ActDisableAfterCurrentRun != 0,
		NotifyWhenCurrentRunFinished: f&ActNotifyWhenCurrentRunFinished != 0,
		ResetOutputCoordinator:       f&ActResetOutputCoordinator != 0,
		RequestState:                 f&ActRequestState != 0,
		RequestPowerlineState:        f&ActRequestPowerlineState != 0,
	}
	if f&ActSetSoftwareRunEnable != 0 {
		a.SoftwareRunEnable = Ptr(f&ActSoftwareRunEnable != 0)
	}
	return a
}

// StaticState sets the outputs while the coordinator is not running.
type StaticState struct {
	State uint32
}

func (StaticState) Identifier() byte { return CmdStaticState }

func (s StaticState) Encode() ([]byte, error) {
	if s.State&^instr.StateMask != 0 {
		return nil, fmt.Errorf("%w: static state 0x%X", instr.ErrEncodingRange, s.State)
	}
	b := make([]byte, staticStateSize)
	b[0] = CmdStaticState
	instr.PutUint24(b[1:], s.State)
	return b, nil
}

// PowerlineOptions is a partial update of the powerline trigger settings.
type PowerlineOptions struct {
	TriggerOnPowerline *bool
	Delay              *uint32 // cycles after the zero-crossing
}

const (
	plTriggerOnPowerline = 1 << iota
	plDelay
)

func (PowerlineOptions) Identifier() byte { return CmdPowerlineOptions }

func (o PowerlineOptions) Encode() ([]byte, error) {
	b := make([]byte, powerlineOptionsSize)
	b[0] = CmdPowerlineOptions
	if o.TriggerOnPowerline != nil {
		b[1] |= plTriggerOnPowerline
		b[2] = boolByte(*o.TriggerOnPowerline)
	}
	if o.Delay != nil {
		b[1] |= plDelay
		binary.LittleEndian.PutUint32(b[3:], *o.Delay)
	}
	return b, nil
}

func decodePowerlineOptions(b []byte) (PowerlineOptions, error) {
	var o PowerlineOptions
	if b[1]&^byte(plTriggerOnPowerline|plDelay) != 0 {
		return o, fmt.Errorf("%w: powerline options mask 0x%02X", ErrProtocolDesync, b[1])
	}
	if b[1]&plTriggerOnPowerline != 0 {
		o.TriggerOnPowerline = Ptr(b[2] != 0)
	}
	if b[1]&plDelay != 0 {
		o.Delay = Ptr(binary.LittleEndian.Uint32(b[3:]))
	}
	return o, nil
}

// EchoRequest asks the device to send Value back.
type EchoRequest struct {
	Value byte
}

func (EchoRequest) Identifier() byte { return CmdEcho }

func (e EchoRequest) Encode() ([]byte, error) {
	return []byte{CmdEcho, e.Value}, nil
}

// LoadInstruction writes one instruction into device memory.
type LoadInstruction struct {
	instr.Instruction
}

func (LoadInstruction) Identifier() byte { return CmdLoadInstruction }

func (l LoadInstruction) Encode() ([]byte, error) {
	r, err := instr.Encode(l.Instruction)
	if err != nil {
		return nil, err
	}
	return r[:], nil
}

func commandSize(id byte) (int, bool) {
	switch id {
	case CmdLoadInstruction:
		return loadInstructionSize, true
	case CmdEcho:
		return echoSize, true
	case CmdDeviceOptions:
		return deviceOptionsSize, true
	case CmdAction:
		return actionSize, true
	case CmdStaticState:
		return staticStateSize, true
	case CmdPowerlineOptions:
		return powerlineOptionsSize, true
	}
	return 0, false
}

// DecodeCommand parses one complete host frame.
func DecodeCommand(frame []byte) (Command, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrProtocolDesync)
	}
	size, ok := commandSize(frame[0])
	if !ok {
		return nil, fmt.Errorf("%w: unknown command 0x%02X", ErrProtocolDesync, frame[0])
	}
	if len(frame) != size {
		return nil, fmt.Errorf("%w: command 0x%02X has %d bytes, want %d", ErrProtocolDesync, frame[0], len(frame), size)
	}

	switch frame[0] {
	case CmdLoadInstruction:
		var r instr.Record
		copy(r[:], frame)
		in, err := instr.Decode(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocolDesync, err)
		}
		return LoadInstruction{in}, nil
	case CmdEcho:
		return EchoRequest{Value: frame[1]}, nil
	case CmdDeviceOptions:
		o, err := decodeDeviceOptions(frame)
		if err != nil {
			return nil, err
		}
		return o, nil
	case CmdAction:
		return decodeAction(frame), nil
	case CmdStaticState:
		return StaticState{State: instr.Uint24(frame[1:])}, nil
	default:
		o, err := decodePowerlineOptions(frame)
		if err != nil {
			return nil, err
		}
		return o, nil
	}
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
