package instr

import (
	"errors"
	"fmt"
	"strings"
)

// Device limits.
const (
	MemorySize   = 8192 // instruction memory slots
	MaxAddress   = MemorySize - 1
	NumChannels  = 24 // digital outputs
	StateMask    = 1<<NumChannels - 1
	MaxCountdown = 1<<48 - 1 // widest countdown the timer holds
	MaxLoopTo    = 0xFFFF    // width of the coordinator address counter
	MaxLoops     = 0xFFFFFFFF
)

var (
	// ErrEncodingRange reports a field that does not fit its bit width.
	ErrEncodingRange = errors.New("instr: field out of range")
	// ErrMalformedRecord reports a record that no valid instruction encodes to.
	ErrMalformedRecord = errors.New("instr: malformed record")
)

// Instruction is one memory-resident record of the pulse sequencer.
type Instruction struct {
	Address   uint16
	State     uint32 // bit i drives channel i
	Countdown uint64 // clock cycles the state is held, never 0
	LoopTo    uint16
	Loops     uint32 // remaining branches to LoopTo; 0 never branches

	StopAndWait            bool
	HardTrigOut            bool
	NotifyComputer         bool
	AutoTriggerOnPowerline bool
}

// Validate checks every field against the width the device stores.
func (in Instruction) Validate() error {
	if in.Address > MaxAddress {
		return fmt.Errorf("%w: address %d exceeds %d", ErrEncodingRange, in.Address, MaxAddress)
	}
	if in.State&^StateMask != 0 {
		return fmt.Errorf("%w: state 0x%X sets a bit above channel %d", ErrEncodingRange, in.State, NumChannels-1)
	}
	if in.Countdown == 0 {
		return fmt.Errorf("%w: countdown 0 at address %d", ErrEncodingRange, in.Address)
	}
	if in.Countdown > MaxCountdown {
		return fmt.Errorf("%w: countdown %d exceeds 2^48-1", ErrEncodingRange, in.Countdown)
	}
	return nil
}

// Tags returns the names of the tags that are set.
func (in Instruction) Tags() []string {
	var tags []string
	if in.StopAndWait {
		tags = append(tags, "stop_and_wait")
	}
	if in.HardTrigOut {
		tags = append(tags, "hard_trig_out")
	}
	if in.NotifyComputer {
		tags = append(tags, "notify_computer")
	}
	if in.AutoTriggerOnPowerline {
		tags = append(tags, "auto_trigger_on_powerline")
	}
	return tags
}

func (in Instruction) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%4d: state=%024b countdown=%d", in.Address, in.State, in.Countdown)
	if in.Loops > 0 {
		fmt.Fprintf(&b, " loopto=%d loops=%d", in.LoopTo, in.Loops)
	}
	if tags := in.Tags(); len(tags) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(tags, ","))
	}
	return b.String()
}
