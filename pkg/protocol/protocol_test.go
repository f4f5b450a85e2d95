package protocol

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
)

func TestEncodeDeviceOptions(t *testing.T) {
	tests := []struct {
		name string
		opts DeviceOptions
		want []byte
	}{
		{
			name: "empty update",
			opts: DeviceOptions{},
			want: []byte{CmdDeviceOptions, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		},
		{
			name: "final address only",
			opts: DeviceOptions{FinalRAMAddress: Ptr(uint16(0x0103))},
			want: []byte{CmdDeviceOptions, optFinalRAMAddress, 0x03, 0x01, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		},
		{
			name: "all fields",
			opts: DeviceOptions{
				FinalRAMAddress:  Ptr(uint16(3)),
				RunMode:          Ptr(RunContinuous),
				TriggerMode:      Ptr(TriggerHardware),
				TriggerTime:      Ptr(uint64(0x010203)),
				TriggerLength:    Ptr(uint8(255)),
				NotifyOnMainTrig: Ptr(true),
			},
			want: []byte{CmdDeviceOptions, 0x3F, 3, 0, 1, 1, 0x03, 0x02, 0x01, 0, 0, 0, 255, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.opts.Encode()
			if err != nil {
				t.Fatalf("Encode returned error: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("Encode() = % X\nwant       % X", got, tt.want)
			}
			cmd, err := DecodeCommand(got)
			if err != nil {
				t.Fatalf("DecodeCommand returned error: %v", err)
			}
			if !reflect.DeepEqual(cmd, tt.opts) {
				t.Fatalf("DecodeCommand() = %+v, want %+v", cmd, tt.opts)
			}
		})
	}
}

func TestDeviceOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts DeviceOptions
	}{
		{"final address past memory", DeviceOptions{FinalRAMAddress: Ptr(uint16(instr.MemorySize))}},
		{"zero trigger length", DeviceOptions{TriggerLength: Ptr(uint8(0))}},
		{"trigger time too wide", DeviceOptions{TriggerTime: Ptr(uint64(1 << 48))}},
		{"unknown run mode", DeviceOptions{RunMode: Ptr(RunMode(7))}},
		{"unknown trigger mode", DeviceOptions{TriggerMode: Ptr(TriggerMode(3))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.opts.Encode(); !errors.Is(err, ErrInvalidOption) {
				t.Fatalf("Encode() err = %v, want ErrInvalidOption", err)
			}
		})
	}
}

func TestDeviceOptionsApplyKeepsUnsetFields(t *testing.T) {
	s := DefaultSettings()
	DeviceOptions{FinalRAMAddress: Ptr(uint16(9)), RunMode: Ptr(RunContinuous)}.Apply(&s)
	DeviceOptions{TriggerTime: Ptr(uint64(80))}.Apply(&s)

	want := Settings{
		FinalRAMAddress: 9,
		RunMode:         RunContinuous,
		TriggerMode:     TriggerSoftware,
		TriggerTime:     80,
		TriggerLength:   1,
	}
	if s != want {
		t.Fatalf("settings = %+v, want %+v", s, want)
	}
}

func TestActionFlags(t *testing.T) {
	tests := []struct {
		name string
		a    Action
		want byte
	}{
		{"trigger", Action{TriggerNow: true}, ActTriggerNow},
		{"finish notify", Action{TriggerNow: true, DisableAfterCurrentRun: true, NotifyWhenCurrentRunFinished: true},
			ActTriggerNow | ActDisableAfterCurrentRun | ActNotifyWhenCurrentRunFinished},
		{"reset", Action{ResetOutputCoordinator: true}, ActResetOutputCoordinator},
		{"enable off", Action{SoftwareRunEnable: Ptr(false)}, ActSetSoftwareRunEnable},
		{"enable on", Action{SoftwareRunEnable: Ptr(true)}, ActSetSoftwareRunEnable | ActSoftwareRunEnable},
		{"requests", Action{RequestState: true, RequestPowerlineState: true}, ActRequestState | ActRequestPowerlineState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := tt.a.Encode()
			if !bytes.Equal(got, []byte{CmdAction, tt.want}) {
				t.Fatalf("Encode() = % X, want 4C %02X", got, tt.want)
			}
			back, err := DecodeCommand(got)
			if err != nil {
				t.Fatalf("DecodeCommand returned error: %v", err)
			}
			if !reflect.DeepEqual(back, tt.a) {
				t.Fatalf("DecodeCommand() = %+v, want %+v", back, tt.a)
			}
		})
	}
}

func TestStaticStateRange(t *testing.T) {
	got, err := StaticState{State: 0b101}.Encode()
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	if !bytes.Equal(got, []byte{CmdStaticState, 0x05, 0, 0}) {
		t.Fatalf("Encode() = % X", got)
	}
	if _, err := (StaticState{State: 1 << 24}).Encode(); !errors.Is(err, instr.ErrEncodingRange) {
		t.Fatalf("err = %v, want ErrEncodingRange", err)
	}
}

func TestMessages(t *testing.T) {
	msgs := []Message{
		Notification{Address: 3, Tagged: true},
		Notification{Address: 0, Triggered: true, Finished: true},
		DeviceState{
			Coordinator: 2,
			Address:     5946,
			Settings: Settings{
				FinalRAMAddress:  3,
				RunMode:          RunContinuous,
				TriggerMode:      TriggerPowerline,
				TriggerTime:      80,
				TriggerLength:    50,
				NotifyOnMainTrig: true,
			},
			SoftwareRunEnable: true,
			HardwareRunEnable: true,
			TriggerOut:        true,
			Outputs:           0xC00001,
		},
		PowerlineState{TriggerOnPowerline: true, Locked: true, Period: DefaultPowerlinePeriod, Delay: 500000},
		Echo{Value: 'x'},
		DeviceError{Code: ErrCodeUnknownCommand, Detail: 0x42},
	}

	for _, m := range msgs {
		t.Run(m.Kind().String(), func(t *testing.T) {
			frame := m.Encode()
			if Kind(frame[0]) != m.Kind() {
				t.Fatalf("frame identifier 0x%02X, want %v", frame[0], m.Kind())
			}
			got, err := DecodeMessage(frame)
			if err != nil {
				t.Fatalf("DecodeMessage returned error: %v", err)
			}
			if !reflect.DeepEqual(got, m) {
				t.Fatalf("DecodeMessage() = %+v, want %+v", got, m)
			}
		})
	}
}

func TestMessageDecoderResynchronises(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(Notification{Address: 1, Tagged: true}.Encode())
	stream.Write([]byte{0x00, 0x13}) // noise
	stream.Write(Notification{Address: 3, Tagged: true}.Encode())
	stream.Write(Echo{Value: 7}.Encode())

	d := NewMessageDecoder(&stream)
	var got []Message
	desyncs := 0
	for {
		m, err := d.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrProtocolDesync) {
			desyncs++
			continue
		}
		if err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
		got = append(got, m)
	}

	want := []Message{
		Notification{Address: 1, Tagged: true},
		Notification{Address: 3, Tagged: true},
		Echo{Value: 7},
	}
	if desyncs != 2 {
		t.Errorf("desyncs = %d, want 2", desyncs)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("messages = %+v, want %+v", got, want)
	}
}

func TestMessageDecoderTruncated(t *testing.T) {
	frame := Notification{Address: 1}.Encode()
	d := NewMessageDecoder(bytes.NewReader(frame[:2]))
	if _, err := d.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestCommandDecoder(t *testing.T) {
	cmds := []Command{
		LoadInstruction{instr.Instruction{Address: 1, State: 0b11, Countdown: 2, LoopTo: 0, Loops: 1, NotifyComputer: true}},
		DeviceOptions{FinalRAMAddress: Ptr(uint16(3)), RunMode: Ptr(RunSingle)},
		PowerlineOptions{TriggerOnPowerline: Ptr(true), Delay: Ptr(uint32(1000))},
		StaticState{State: 0xFF},
		EchoRequest{Value: 0xA5},
		Action{TriggerNow: true},
	}
	stream, err := EncodeCommands(cmds...)
	if err != nil {
		t.Fatalf("EncodeCommands returned error: %v", err)
	}

	d := NewCommandDecoder(bytes.NewReader(stream))
	for i, want := range cmds {
		got, err := d.Next()
		if err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("command %d = %+v, want %+v", i, got, want)
		}
	}
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("trailing Next() err = %v, want io.EOF", err)
	}
}

func TestDecodeCommandMalformedInstruction(t *testing.T) {
	r, _ := instr.Encode(instr.Instruction{Countdown: 1})
	r[6] = 0 // countdown 0
	_, err := DecodeCommand(r[:])
	if !errors.Is(err, ErrProtocolDesync) || !errors.Is(err, instr.ErrMalformedRecord) {
		t.Fatalf("err = %v, want ErrProtocolDesync wrapping ErrMalformedRecord", err)
	}
}

func TestParseModes(t *testing.T) {
	if m, err := ParseRunMode("Continuous"); err != nil || m != RunContinuous {
		t.Errorf("ParseRunMode = %v, %v", m, err)
	}
	if m, err := ParseTriggerMode("powerline"); err != nil || m != TriggerPowerline {
		t.Errorf("ParseTriggerMode = %v, %v", m, err)
	}
	if _, err := ParseTriggerMode("manual"); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("ParseTriggerMode(manual) err = %v", err)
	}
	if k, err := ParseKind("devicestate"); err != nil || k != KindDeviceState {
		t.Errorf("ParseKind = %v, %v", k, err)
	}
}
