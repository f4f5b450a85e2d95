// Package coordinator simulates the output coordinator of the pulse
// generator: the state machine that walks instruction memory, holds each
// state for its countdown, follows loops and reacts to triggers, run enables
// and the powerline.
//
// A Coordinator is a plain value advanced by Advance. It starts no
// goroutines and is not safe for concurrent use; the simulated transport
// serializes access to it.
package coordinator

import (
	"fmt"
	"io"
	"log"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
)

// The address counter is 16 bits wide while memory has 8192 slots, so
// addresses past the end alias back into memory.
const addressMask = instr.MemorySize - 1

// Sink receives every message the coordinator emits.
type Sink func(protocol.Message)

// EntryHook is called each time an instruction starts executing.
type EntryHook func(addr uint16, in instr.Instruction)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSink delivers notifications and reports to s.
func WithSink(s Sink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithEntryHook observes instruction entry, typically to trace execution.
func WithEntryHook(h EntryHook) Option {
	return func(c *Coordinator) { c.hook = h }
}

// WithLoopPolicy selects how loop counters behave across runs.
func WithLoopPolicy(p LoopPolicy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithPowerlinePeriod sets the simulated mains period in clock cycles.
func WithPowerlinePeriod(cycles uint32) Option {
	return func(c *Coordinator) {
		if cycles > 0 {
			c.plPeriod = cycles
		}
	}
}

// WithLogger routes diagnostics to l.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// Coordinator is the simulated device state.
type Coordinator struct {
	mem   [instr.MemorySize]instr.Instruction
	loops [instr.MemorySize]uint32 // working loop counters

	settings protocol.Settings
	policy   LoopPolicy

	state     State
	resume    State // restored when the run enable returns
	addr      uint16
	remaining uint64
	clock     uint64

	outputs uint32
	static  uint32
	trigOut bool

	mainWaiting bool
	mainWait    uint64
	mainActive  bool
	mainHold    uint64

	plTrigger bool
	plDelay   uint32
	plPeriod  uint32
	plPending bool
	plWait    uint64

	disableAfterRun    bool
	notifyWhenFinished bool
	deferred           bool // a trigger took effect while disabled
	swEnable           bool
	hwEnable           bool

	sink   Sink
	hook   EntryHook
	logger *log.Logger
}

// New returns a coordinator in its power-up state: Idle, memory zeroed,
// default settings, both run enables high.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		settings: protocol.DefaultSettings(),
		state:    StateIdle,
		plPeriod: protocol.DefaultPowerlinePeriod,
		swEnable: true,
		hwEnable: true,
		logger:   log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Write stores instructions in memory. Writing is legal at any time,
// including mid-run; the new content takes effect the next time the slot is
// entered.
func (c *Coordinator) Write(ins ...instr.Instruction) error {
	for _, in := range ins {
		if err := in.Validate(); err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
		c.mem[in.Address] = in
		c.loops[in.Address] = in.Loops
	}
	return nil
}

// Instruction returns the content of the slot addr maps to.
func (c *Coordinator) Instruction(addr uint16) instr.Instruction {
	return c.mem[addr&addressMask]
}

// SetOptions applies a partial settings update immediately.
func (c *Coordinator) SetOptions(o protocol.DeviceOptions) error {
	if err := o.Validate(); err != nil {
		return err
	}
	o.Apply(&c.settings)
	return nil
}

// Settings returns the current device settings.
func (c *Coordinator) Settings() protocol.Settings { return c.settings }

// SetPowerline applies a partial powerline options update.
func (c *Coordinator) SetPowerline(o protocol.PowerlineOptions) {
	if o.TriggerOnPowerline != nil {
		c.plTrigger = *o.TriggerOnPowerline
	}
	if o.Delay != nil {
		c.plDelay = *o.Delay
	}
}

// SetStaticState sets the outputs driven while no run is in progress.
func (c *Coordinator) SetStaticState(state uint32) error {
	if state&^instr.StateMask != 0 {
		return fmt.Errorf("%w: static state 0x%X", instr.ErrEncodingRange, state)
	}
	c.static = state
	if c.stopped() {
		c.outputs = state
	}
	return nil
}

// SetHardwareRunEnable drives the hardware run enable input.
func (c *Coordinator) SetHardwareRunEnable(enabled bool) {
	c.hwEnable = enabled
	c.updateEnable()
}

// Trigger delivers a software trigger. It is accepted in every trigger mode
// and reports whether the coordinator took it.
func (c *Coordinator) Trigger() bool {
	ok := c.trigger()
	c.processEvents()
	return ok
}

// HardwareTrigger delivers an edge on the trigger input, which only counts
// in hardware trigger mode.
func (c *Coordinator) HardwareTrigger() bool {
	if c.settings.TriggerMode != protocol.TriggerHardware {
		return false
	}
	return c.Trigger()
}

// Reset re-arms the coordinator at address 0 from any state, Disabled
// included. Loop counters are reloaded and pending directives dropped. A
// low run enable keeps rejecting triggers until it returns. This is the
// recovery for runaway addressing.
func (c *Coordinator) Reset() {
	c.reloadLoops()
	c.disableAfterRun = false
	c.notifyWhenFinished = false
	c.stop()
	c.state = StateArmed
}

// Apply executes an action frame. Flags are applied in a fixed order: run
// enable, reset, pending directives, trigger, then state requests.
func (c *Coordinator) Apply(a protocol.Action) {
	if a.SoftwareRunEnable != nil {
		c.swEnable = *a.SoftwareRunEnable
		c.updateEnable()
	}
	if a.ResetOutputCoordinator {
		c.Reset()
	}
	if a.DisableAfterCurrentRun {
		c.disableAfterRun = true
	}
	if a.NotifyWhenCurrentRunFinished {
		c.notifyWhenFinished = true
	}
	if a.TriggerNow {
		c.trigger()
	}
	c.processEvents()
	if a.RequestState {
		c.emit(c.Report())
	}
	if a.RequestPowerlineState {
		c.emit(c.PowerlineReport())
	}
}

// Handle executes one host command.
func (c *Coordinator) Handle(cmd protocol.Command) error {
	switch cmd := cmd.(type) {
	case protocol.LoadInstruction:
		return c.Write(cmd.Instruction)
	case protocol.DeviceOptions:
		return c.SetOptions(cmd)
	case protocol.Action:
		c.Apply(cmd)
	case protocol.StaticState:
		return c.SetStaticState(cmd.State)
	case protocol.PowerlineOptions:
		c.SetPowerline(cmd)
	case protocol.EchoRequest:
		c.emit(protocol.Echo{Value: cmd.Value})
	default:
		return fmt.Errorf("coordinator: unsupported command %T", cmd)
	}
	return nil
}

// State returns the run state.
func (c *Coordinator) State() State { return c.state }

// Address returns the address counter. While stopped and waiting it holds
// the pre-loaded instruction.
func (c *Coordinator) Address() uint16 { return c.addr }

// Outputs returns the 24 channel levels currently driven.
func (c *Coordinator) Outputs() uint32 { return c.outputs }

// Clock returns the number of cycles simulated since power-up.
func (c *Coordinator) Clock() uint64 { return c.clock }

// TriggerOut reports whether an instruction is holding hard_trig_out.
func (c *Coordinator) TriggerOut() bool { return c.trigOut }

// MainTrigger reports whether the main trigger is asserted.
func (c *Coordinator) MainTrigger() bool { return c.mainActive }

// Report builds the device state message.
func (c *Coordinator) Report() protocol.DeviceState {
	return protocol.DeviceState{
		Coordinator:                  uint8(c.state),
		Address:                      c.addr,
		Settings:                     c.settings,
		SoftwareRunEnable:            c.swEnable,
		HardwareRunEnable:            c.hwEnable,
		DisableAfterCurrentRun:       c.disableAfterRun,
		NotifyWhenCurrentRunFinished: c.notifyWhenFinished,
		TriggerOut:                   c.trigOut,
		MainTrigger:                  c.mainActive,
		Outputs:                      c.outputs,
	}
}

// PowerlineReport builds the powerline state message. The simulated mains
// is always locked.
func (c *Coordinator) PowerlineReport() protocol.PowerlineState {
	return protocol.PowerlineState{
		TriggerOnPowerline: c.plTrigger,
		Locked:             true,
		Period:             c.plPeriod,
		Delay:              c.plDelay,
	}
}

func (c *Coordinator) emit(m protocol.Message) {
	if c.sink != nil {
		c.sink(m)
	}
}

// stopped reports whether no run is in progress, looking through Disabled.
func (c *Coordinator) stopped() bool {
	s := c.state
	if s == StateDisabled {
		s = c.resume
	}
	return s == StateIdle || s == StateArmed
}

// setState changes state, deferring the change while run enable is low.
func (c *Coordinator) setState(s State) {
	if c.state == StateDisabled {
		c.resume = s
		return
	}
	c.state = s
}

func (c *Coordinator) enabled() bool { return c.swEnable && c.hwEnable }

// updateEnable enters or leaves Disabled. A trigger that took effect while
// disabled is realigned to the mains once the enable returns.
func (c *Coordinator) updateEnable() {
	enabled := c.enabled()
	switch {
	case !enabled && c.state != StateDisabled:
		c.resume = c.state
		c.state = StateDisabled
	case enabled && c.state == StateDisabled:
		c.state = c.resume
		if c.deferred {
			c.deferred = false
			c.schedulePowerline()
		}
	}
}

func (c *Coordinator) reloadLoops() {
	for i := range c.mem {
		c.loops[i] = c.mem[i].Loops
	}
}
