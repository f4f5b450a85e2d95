// Package pulser manages named waveforms on a pulse generator: it compiles
// sampled channels into instruction memory, points the entry slot at the
// waveform to play and switches the output on and off.
//
// Address 0 is reserved. A loaded waveform is entered through a copy of its
// first instruction at address 0 that branches once to the rest of the
// waveform, so any waveform can play regardless of where it was placed.
// The entry slot is rewritten before every trigger so its loop counter is
// fresh whatever the device's loop policy.
package pulser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/compiler"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/coordinator"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/memory"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
)

var (
	// ErrAnalogUnsupported is returned for analog samples; every output is
	// digital.
	ErrAnalogUnsupported = errors.New("pulser: no analog outputs")
	// ErrUnknownWaveform means no waveform has that name.
	ErrUnknownWaveform = errors.New("pulser: unknown waveform")
	// ErrNotLoaded means PulserOn was called with nothing loaded.
	ErrNotLoaded = errors.New("pulser: no waveform loaded")
	// ErrEntryLoop means the first instruction of a waveform loops, which
	// the entry slot cannot reproduce.
	ErrEntryLoop = errors.New("pulser: first instruction loops")
)

// entryAddress is the slot every run starts from.
const entryAddress = 0

// Device is the part of a generator handle the pulser drives.
type Device interface {
	WriteInstructions(ins ...instr.Instruction) error
	WriteDeviceOptions(o protocol.DeviceOptions) error
	WriteAction(a protocol.Action) error
	WriteStaticState(state uint32) error
	GetState(ctx context.Context) (protocol.DeviceState, error)
}

// Status summarizes the device for callers that only need on or off.
type Status int

const (
	StatusFailed  Status = -1
	StatusStopped Status = 0
	StatusRunning Status = 1
)

var statusNames = map[Status]string{
	StatusFailed:  "Failed request or failed communication with device",
	StatusStopped: "Device has stopped, but can receive commands",
	StatusRunning: "Device is active and running",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Option configures a Pulser.
type Option func(*Pulser)

// WithLogger routes diagnostics to l.
func WithLogger(l *log.Logger) Option {
	return func(p *Pulser) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pulser is the waveform manager of one device.
type Pulser struct {
	dev    Device
	cfg    Config
	alloc  *memory.Allocator
	comp   *compiler.Compiler
	reg    *compiler.Registry
	logger *log.Logger

	mu     sync.Mutex
	loaded string
	entry  instr.Instruction
}

// New validates cfg and returns a manager for dev with empty memory.
func New(dev Device, cfg *Config, opts ...Option) (*Pulser, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	alloc := memory.NewAllocator()
	if err := alloc.Reserve(entryAddress, 1); err != nil {
		return nil, err
	}
	comp := compiler.New(alloc)
	comp.Mapper = cfg.mapper()
	comp.CyclesPerSample = cfg.CyclesPerSample()

	p := &Pulser{
		dev:    dev,
		cfg:    *cfg,
		alloc:  alloc,
		comp:   comp,
		reg:    compiler.NewRegistry(alloc),
		logger: log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// WriteWaveform compiles digital samples (channel name -> samples) into
// device memory under name, replacing any waveform of that name. It returns
// the number of samples written.
func (p *Pulser) WriteWaveform(name string, analog map[string][]float32, digital map[string][]bool, opts ...compiler.Option) (int, error) {
	if len(analog) > 0 {
		return 0, ErrAnalogUnsupported
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// The old copy is released first so its memory can be reused.
	if _, err := p.reg.Delete(name); err != nil {
		return 0, err
	}
	if p.loaded == name {
		p.loaded = ""
	}

	w, err := p.comp.Compile(name, digital, opts...)
	if err != nil {
		return 0, err
	}
	if err := p.dev.WriteInstructions(w.Instructions...); err != nil {
		if rerr := p.alloc.Release(w.StartMemory, w.Len()); rerr != nil {
			p.logger.Printf("pulser: releasing %q at %d: %v", name, w.StartMemory, rerr)
		}
		return 0, err
	}
	if err := p.reg.Add(w); err != nil {
		return 0, err
	}
	p.logger.Printf("pulser: wrote %q: %d samples as %d instructions at %d..%d",
		name, w.Samples, w.Len(), w.StartMemory, w.EndMemory())
	return w.Samples, nil
}

// LoadWaveform makes name the waveform the next trigger plays: the entry
// slot gets a copy of its first instruction and the run ends after its
// last one.
func (p *Pulser) LoadWaveform(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.reg.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownWaveform, name)
	}

	entry, final, err := entrySlot(w)
	if err != nil {
		return err
	}

	if err := p.dev.WriteInstructions(entry); err != nil {
		return err
	}
	if err := p.dev.WriteDeviceOptions(protocol.DeviceOptions{FinalRAMAddress: protocol.Ptr(final)}); err != nil {
		return err
	}
	p.loaded = name
	p.entry = entry
	return nil
}

// entrySlot builds the copy of w's first instruction that starts every run
// and returns the final address of the run. The copy branches once to the
// second instruction; a single-instruction waveform runs from the slot
// alone and may keep a loop onto itself.
func entrySlot(w *compiler.Waveform) (instr.Instruction, uint16, error) {
	entry := w.Instructions[0]
	entry.Address = entryAddress
	if w.Len() == 1 {
		switch {
		case entry.Loops == 0:
			entry.LoopTo = 0
		case entry.LoopTo == w.StartMemory:
			entry.LoopTo = entryAddress
		default:
			return instr.Instruction{}, 0, fmt.Errorf("%w: %q loops to %d", ErrEntryLoop, w.Name, entry.LoopTo)
		}
		return entry, entryAddress, nil
	}
	if entry.Loops > 0 {
		return instr.Instruction{}, 0, fmt.Errorf("%w: %q loops %d times to %d", ErrEntryLoop, w.Name, entry.Loops, entry.LoopTo)
	}
	entry.LoopTo = w.StartMemory + 1
	entry.Loops = 1
	return entry, w.EndMemory(), nil
}

// DeleteWaveform frees the named waveforms and returns those that existed.
func (p *Pulser) DeleteWaveform(names ...string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deleted, err := p.reg.Delete(names...)
	for _, name := range deleted {
		if name == p.loaded {
			p.loaded = ""
		}
	}
	return deleted, err
}

// ClearAll stops the output and forgets every waveform.
func (p *Pulser) ClearAll() error {
	if err := p.PulserOff(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = ""
	return p.reg.Clear()
}

// PulserOn triggers the loaded waveform.
func (p *Pulser) PulserOn() error {
	p.mu.Lock()
	loaded, entry := p.loaded, p.entry
	p.mu.Unlock()
	if loaded == "" {
		return ErrNotLoaded
	}
	// Writing the slot reloads its counter, which a previous run used up.
	if err := p.dev.WriteInstructions(entry); err != nil {
		return err
	}
	return p.dev.WriteAction(protocol.Action{TriggerNow: true})
}

// PulserOff stops any run and re-arms at the entry slot.
func (p *Pulser) PulserOff() error {
	return p.dev.WriteAction(protocol.Action{ResetOutputCoordinator: true})
}

// LaserOn stops any run and holds only the laser channel high.
func (p *Pulser) LaserOn() error {
	if err := p.PulserOff(); err != nil {
		return err
	}
	return p.dev.WriteStaticState(1 << p.cfg.LaserChannel)
}

// Status asks the device whether it is running.
func (p *Pulser) Status(ctx context.Context) (Status, error) {
	st, err := p.dev.GetState(ctx)
	if err != nil {
		return StatusFailed, err
	}
	switch coordinator.State(st.Coordinator) {
	case coordinator.StateRunning, coordinator.StateStoppedAndWaiting:
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

// Loaded returns the name of the loaded waveform, or "".
func (p *Pulser) Loaded() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// WaveformNames lists the written waveforms.
func (p *Pulser) WaveformNames() []string {
	return p.reg.Names()
}

// Waveform returns a written waveform.
func (p *Pulser) Waveform(name string) (*compiler.Waveform, bool) {
	return p.reg.Get(name)
}

// SampleRate returns the configured sample rate in Hz.
func (p *Pulser) SampleRate() float64 {
	return p.cfg.SampleRate
}

// FreeMemory returns the number of unused instruction slots.
func (p *Pulser) FreeMemory() int {
	return p.alloc.Free()
}
