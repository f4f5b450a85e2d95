// Package program reads the text files the pulsegen tool runs: device
// options, powerline settings and either explicit instructions or sampled
// waveforms for the compiler.
package program

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
)

var (
	// ErrSyntax wraps errors of the grammar.
	ErrSyntax = errors.New("program: syntax error")
	// ErrInvalid reports a well-formed statement with bad content.
	ErrInvalid = errors.New("program: invalid statement")
)

// Waveform is a waveform statement: named channels of boolean samples.
type Waveform struct {
	Name    string
	Samples map[string][]bool
	Pos     lexer.Position
}

// Program is a checked program file.
type Program struct {
	Options      protocol.DeviceOptions
	Powerline    protocol.PowerlineOptions
	Instructions []instr.Instruction // sorted by address
	Waveforms    []Waveform          // in file order
}

// HasPowerline reports whether the file set any powerline option.
func (p *Program) HasPowerline() bool {
	return p.Powerline.TriggerOnPowerline != nil || p.Powerline.Delay != nil
}

func invalid(pos lexer.Position, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, pos, fmt.Sprintf(format, args...))
}

func build(f *File) (*Program, error) {
	p := &Program{}
	seen := make(map[uint16]lexer.Position)
	names := make(map[string]bool)

	for _, st := range f.Stmts {
		switch {
		case st.Options != nil:
			if err := applyOptions(&p.Options, st.Options.Fields); err != nil {
				return nil, err
			}
		case st.Powerline != nil:
			if err := applyPowerline(&p.Powerline, st.Powerline.Fields); err != nil {
				return nil, err
			}
		case st.Instr != nil:
			in, err := buildInstr(st.Instr)
			if err != nil {
				return nil, err
			}
			if prev, dup := seen[in.Address]; dup {
				return nil, invalid(st.Instr.Pos, "address %d already written at %s", in.Address, prev)
			}
			seen[in.Address] = st.Instr.Pos
			p.Instructions = append(p.Instructions, in)
		case st.Waveform != nil:
			w, err := buildWaveform(st.Waveform)
			if err != nil {
				return nil, err
			}
			if names[w.Name] {
				return nil, invalid(w.Pos, "waveform %q declared twice", w.Name)
			}
			names[w.Name] = true
			p.Waveforms = append(p.Waveforms, w)
		}
	}

	if len(p.Instructions) > 0 && len(p.Waveforms) > 0 {
		return nil, fmt.Errorf("%w: instr and waveform statements cannot be mixed", ErrInvalid)
	}
	sort.Slice(p.Instructions, func(i, j int) bool {
		return p.Instructions[i].Address < p.Instructions[j].Address
	})
	return p, nil
}

func applyOptions(o *protocol.DeviceOptions, fields []*Field) error {
	for _, f := range fields {
		switch f.Key {
		case "final_ram_address":
			v, err := f.number(instr.MaxAddress)
			if err != nil {
				return err
			}
			o.FinalRAMAddress = protocol.Ptr(uint16(v))
		case "run_mode":
			w, err := f.name()
			if err != nil {
				return err
			}
			m, err := protocol.ParseRunMode(w)
			if err != nil {
				return invalid(f.Pos, "%v", err)
			}
			o.RunMode = &m
		case "trigger_mode":
			w, err := f.name()
			if err != nil {
				return err
			}
			m, err := protocol.ParseTriggerMode(w)
			if err != nil {
				return invalid(f.Pos, "%v", err)
			}
			o.TriggerMode = &m
		case "trigger_time":
			v, err := f.number(instr.MaxCountdown)
			if err != nil {
				return err
			}
			o.TriggerTime = protocol.Ptr(v)
		case "trigger_length":
			v, err := f.number(math.MaxUint8)
			if err != nil {
				return err
			}
			if v == 0 {
				return invalid(f.Pos, "trigger_length must be 1..255")
			}
			o.TriggerLength = protocol.Ptr(uint8(v))
		case "notify_on_main_trig":
			b, err := f.boolean()
			if err != nil {
				return err
			}
			o.NotifyOnMainTrig = protocol.Ptr(b)
		default:
			return invalid(f.Pos, "unknown option %q", f.Key)
		}
	}
	return nil
}

func applyPowerline(o *protocol.PowerlineOptions, fields []*Field) error {
	for _, f := range fields {
		switch f.Key {
		case "trigger_on_powerline":
			b, err := f.boolean()
			if err != nil {
				return err
			}
			o.TriggerOnPowerline = protocol.Ptr(b)
		case "powerline_trigger_delay":
			v, err := f.number(math.MaxUint32)
			if err != nil {
				return err
			}
			o.Delay = protocol.Ptr(uint32(v))
		default:
			return invalid(f.Pos, "unknown powerline option %q", f.Key)
		}
	}
	return nil
}

func buildInstr(st *InstrStmt) (instr.Instruction, error) {
	addr, err := parseNumber(st.Address, instr.MaxAddress)
	if err != nil {
		return instr.Instruction{}, invalid(st.Pos, "address: %v", err)
	}
	in := instr.Instruction{Address: uint16(addr)}

	for _, f := range st.Fields {
		var err error
		switch f.Key {
		case "state":
			in.State, err = f.stateMask()
		case "countdown":
			in.Countdown, err = f.number(instr.MaxCountdown)
		case "loopto":
			var v uint64
			v, err = f.number(instr.MaxLoopTo)
			in.LoopTo = uint16(v)
		case "loops":
			var v uint64
			v, err = f.number(instr.MaxLoops)
			in.Loops = uint32(v)
		case "stop_and_wait":
			in.StopAndWait, err = f.flag()
		case "hard_trig_out":
			in.HardTrigOut, err = f.flag()
		case "notify_computer":
			in.NotifyComputer, err = f.flag()
		case "auto_trigger_on_powerline":
			in.AutoTriggerOnPowerline, err = f.flag()
		default:
			err = invalid(f.Pos, "unknown instruction field %q", f.Key)
		}
		if err != nil {
			return instr.Instruction{}, err
		}
	}
	if err := in.Validate(); err != nil {
		return instr.Instruction{}, invalid(st.Pos, "%v", err)
	}
	return in, nil
}

func buildWaveform(st *WaveformStmt) (Waveform, error) {
	w := Waveform{Name: st.Name, Samples: make(map[string][]bool), Pos: st.Pos}
	for _, ch := range st.Channels {
		if _, dup := w.Samples[ch.Name]; dup {
			return Waveform{}, invalid(ch.Pos, "channel %q given twice", ch.Name)
		}
		samples, err := parsePattern(ch.Pattern)
		if err != nil {
			return Waveform{}, invalid(ch.Pos, "channel %q: %v", ch.Name, err)
		}
		w.Samples[ch.Name] = samples
	}
	return w, nil
}

// parsePattern reads a string of '0' and '1' samples; '_' and spaces are
// separators.
func parsePattern(s string) ([]bool, error) {
	out := make([]bool, 0, len(s))
	for i, r := range s {
		switch r {
		case '0':
			out = append(out, false)
		case '1':
			out = append(out, true)
		case '_', ' ':
		default:
			return nil, fmt.Errorf("bad sample %q at offset %d", r, i)
		}
	}
	return out, nil
}

// parseNumber accepts decimal and 0x/0b/0o literals with '_' separators.
func parseNumber(raw string, max uint64) (uint64, error) {
	s := raw
	base := 10
	if len(s) > 1 && s[0] == '0' {
		switch s[1] {
		case 'x', 'X':
			base, s = 16, s[2:]
		case 'b', 'B':
			base, s = 2, s[2:]
		case 'o', 'O':
			base, s = 8, s[2:]
		}
	}
	s = strings.ReplaceAll(s, "_", "")
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", raw)
	}
	if v > max {
		return 0, fmt.Errorf("%s exceeds %d", raw, max)
	}
	return v, nil
}

func (f *Field) number(max uint64) (uint64, error) {
	if f.Value == nil || f.Value.Number == nil {
		return 0, invalid(f.Pos, "%s needs a number", f.Key)
	}
	v, err := parseNumber(*f.Value.Number, max)
	if err != nil {
		return 0, invalid(f.Pos, "%s: %v", f.Key, err)
	}
	return v, nil
}

func (f *Field) name() (string, error) {
	if f.Value == nil || f.Value.Word == nil {
		return "", invalid(f.Pos, "%s needs a name", f.Key)
	}
	return *f.Value.Word, nil
}

func (f *Field) boolean() (bool, error) {
	if f.Value == nil {
		return false, invalid(f.Pos, "%s needs true or false", f.Key)
	}
	return f.flag()
}

// flag reads a boolean; a bare key means true.
func (f *Field) flag() (bool, error) {
	if f.Value == nil {
		return true, nil
	}
	switch {
	case f.Value.Word != nil && *f.Value.Word == "true":
		return true, nil
	case f.Value.Word != nil && *f.Value.Word == "false":
		return false, nil
	case f.Value.Number != nil && (*f.Value.Number == "0" || *f.Value.Number == "1"):
		return *f.Value.Number == "1", nil
	}
	return false, invalid(f.Pos, "%s must be true or false", f.Key)
}

// stateMask reads a 24-bit mask or a list of channel levels, position i being
// channel i.
func (f *Field) stateMask() (uint32, error) {
	switch {
	case f.Value == nil:
		return 0, invalid(f.Pos, "state needs a value")
	case f.Value.Empty:
		return 0, nil
	case f.Value.List != nil:
		levels := make([]int, len(f.Value.List))
		for i, raw := range f.Value.List {
			v, err := parseNumber(raw, 1)
			if err != nil {
				return 0, invalid(f.Pos, "state level %d: %v", i, err)
			}
			levels[i] = int(v)
		}
		s, err := instr.StateFromLevels(levels)
		if err != nil {
			return 0, invalid(f.Pos, "%v", err)
		}
		return s, nil
	}
	v, err := f.number(instr.StateMask)
	return uint32(v), err
}
