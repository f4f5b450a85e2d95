// Package compiler turns per-channel boolean sample arrays into the minimal
// instruction list that reproduces them, and places that list in
// instruction memory.
package compiler

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/memory"
)

// ChannelMapper resolves a channel identifier to an output bit (0..23).
type ChannelMapper func(channel string) (int, error)

var digitalChannel = regexp.MustCompile(`^d_ch(\d+)$`)

// DefaultChannelMapper accepts generic digital channel names ("d_ch1" is bit
// 0) and bare bit numbers ("0".."23").
func DefaultChannelMapper(channel string) (int, error) {
	if m := digitalChannel.FindStringSubmatch(channel); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > instr.NumChannels {
			return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
		}
		return n - 1, nil
	}
	n, err := strconv.Atoi(channel)
	if err != nil || n < 0 || n >= instr.NumChannels {
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	return n, nil
}

// Tagger adjusts the instruction emitted for run index i. It may set tags
// and loop fields; the compiler owns Address, State and Countdown.
type Tagger func(i int, in *instr.Instruction)

type compileOptions struct {
	taggers []Tagger
}

// Option customizes a single Compile call.
type Option func(*compileOptions)

// WithTagger registers a per-instruction tag override.
func WithTagger(t Tagger) Option {
	return func(o *compileOptions) { o.taggers = append(o.taggers, t) }
}

// Waveform is a compiled artifact that owns a contiguous range of
// instruction memory until it is deleted.
type Waveform struct {
	Name         string
	StartMemory  uint16
	Instructions []instr.Instruction
	Samples      int // input length in samples
}

// Len returns the number of memory slots the waveform occupies.
func (w *Waveform) Len() int { return len(w.Instructions) }

// EndMemory returns the last address the waveform occupies.
func (w *Waveform) EndMemory() uint16 {
	return w.StartMemory + uint16(len(w.Instructions)) - 1
}

// Duration returns the total hold time in clock cycles.
func (w *Waveform) Duration() uint64 {
	var total uint64
	for _, in := range w.Instructions {
		total += in.Countdown
	}
	return total
}

// Compiler builds waveforms into memory claimed from an Allocator.
type Compiler struct {
	alloc *memory.Allocator

	// Mapper resolves channel names; DefaultChannelMapper when nil.
	Mapper ChannelMapper
	// CyclesPerSample scales sample counts to clock cycles; 1 when zero.
	CyclesPerSample uint64
}

// New returns a compiler that places waveforms through alloc.
func New(alloc *memory.Allocator) *Compiler {
	return &Compiler{alloc: alloc, Mapper: DefaultChannelMapper, CyclesPerSample: 1}
}

// Compile converts samples (channel identifier -> sample array, all of equal
// length) into a waveform. On any error nothing stays allocated.
func (c *Compiler) Compile(name string, samples map[string][]bool, opts ...Option) (*Waveform, error) {
	var o compileOptions
	for _, opt := range opts {
		opt(&o)
	}

	rows, n, err := c.stack(samples)
	if err != nil {
		return nil, err
	}
	runs, err := RunLengths(rows)
	if err != nil {
		return nil, err
	}

	scale := c.CyclesPerSample
	if scale == 0 {
		scale = 1
	}
	for _, r := range runs {
		if r.Duration > instr.MaxCountdown/scale {
			return nil, fmt.Errorf("%w: run of %d samples exceeds the countdown width", instr.ErrEncodingRange, r.Duration)
		}
	}

	start, err := c.alloc.Allocate(len(runs))
	if err != nil {
		return nil, fmt.Errorf("compiler: waveform %q: %w", name, err)
	}

	ins := make([]instr.Instruction, len(runs))
	for i, r := range runs {
		ins[i] = instr.Instruction{
			Address:   start + uint16(i),
			State:     r.State,
			Countdown: r.Duration * scale,
		}
		for _, tag := range o.taggers {
			tag(i, &ins[i])
		}
		ins[i].Address = start + uint16(i)
		ins[i].State = r.State
		ins[i].Countdown = r.Duration * scale
		if err := ins[i].Validate(); err != nil {
			err = fmt.Errorf("compiler: waveform %q instruction %d: %w", name, i, err)
			if rerr := c.alloc.Release(start, len(runs)); rerr != nil {
				err = fmt.Errorf("%w (releasing %d slots at %d: %v)", err, len(runs), start, rerr)
			}
			return nil, err
		}
	}

	return &Waveform{
		Name:         name,
		StartMemory:  start,
		Instructions: ins,
		Samples:      n,
	}, nil
}

// stack orders the channel arrays by bit position.
func (c *Compiler) stack(samples map[string][]bool) ([][]bool, int, error) {
	mapper := c.Mapper
	if mapper == nil {
		mapper = DefaultChannelMapper
	}

	rows := make([][]bool, instr.NumChannels)
	owner := make(map[int]string, len(samples))
	n := -1
	for ch, data := range samples {
		bit, err := mapper(ch)
		if err != nil {
			return nil, 0, err
		}
		if bit < 0 || bit >= instr.NumChannels {
			return nil, 0, fmt.Errorf("%w: %q maps to bit %d", ErrUnknownChannel, ch, bit)
		}
		if prev, dup := owner[bit]; dup {
			return nil, 0, fmt.Errorf("%w: %q and %q both map to bit %d", ErrUnknownChannel, prev, ch, bit)
		}
		owner[bit] = ch
		if n == -1 {
			n = len(data)
		} else if len(data) != n {
			return nil, 0, fmt.Errorf("%w: %q has %d samples, want %d", ErrLengthMismatch, ch, len(data), n)
		}
		rows[bit] = data
	}
	if n <= 0 {
		return nil, 0, fmt.Errorf("%w: no samples", ErrDegenerateDuration)
	}
	// Channels that were not supplied stay low for the whole waveform.
	return rows, n, nil
}
