package coordinator

import (
	"errors"
	"reflect"
	"testing"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
)

// recorder collects the trace and messages of a coordinator under test.
type recorder struct {
	trace []uint16
	msgs  []protocol.Message
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]Option{
		WithEntryHook(func(addr uint16, _ instr.Instruction) { rec.trace = append(rec.trace, addr) }),
		WithSink(func(m protocol.Message) { rec.msgs = append(rec.msgs, m) }),
	}, opts...)
	return New(opts...), rec
}

func (r *recorder) notifications() []protocol.Notification {
	var out []protocol.Notification
	for _, m := range r.msgs {
		if n, ok := m.(protocol.Notification); ok {
			out = append(out, n)
		}
	}
	return out
}

func mustWrite(t *testing.T, c *Coordinator, ins ...instr.Instruction) {
	t.Helper()
	if err := c.Write(ins...); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
}

func mustOptions(t *testing.T, c *Coordinator, final uint16, mode protocol.RunMode) {
	t.Helper()
	err := c.SetOptions(protocol.DeviceOptions{
		FinalRAMAddress: protocol.Ptr(final),
		RunMode:         protocol.Ptr(mode),
		TriggerMode:     protocol.Ptr(protocol.TriggerSoftware),
		TriggerTime:     protocol.Ptr(uint64(0)),
		TriggerLength:   protocol.Ptr(uint8(1)),
	})
	if err != nil {
		t.Fatalf("SetOptions returned error: %v", err)
	}
}

func TestLoopsNormally(t *testing.T) {
	c, rec := newTestCoordinator(t)
	mustWrite(t, c,
		instr.Instruction{Address: 0, State: 0b11111101, Countdown: 1, NotifyComputer: true},
		instr.Instruction{Address: 1, State: 0b10101010, Countdown: 2, NotifyComputer: true},
		instr.Instruction{Address: 2, State: 0b00001111, Countdown: 3, LoopTo: 1, Loops: 2, NotifyComputer: true},
		instr.Instruction{Address: 3, State: 0b00011000, Countdown: 4, LoopTo: 0, Loops: 1, NotifyComputer: true},
	)
	mustOptions(t, c, 3, protocol.RunSingle)

	c.Apply(protocol.Action{TriggerNow: true, NotifyWhenCurrentRunFinished: true})
	used := c.RunUntilIdle(1_000_000)

	want := []uint16{0, 1, 2, 1, 2, 1, 2, 3, 0, 1, 2, 1, 2, 1, 2, 3}
	if !reflect.DeepEqual(rec.trace, want) {
		t.Fatalf("trace = %v\nwant    %v", rec.trace, want)
	}
	if c.State() != StateArmed || c.Address() != 0 {
		t.Fatalf("after run: state %v address %d, want Armed at 0", c.State(), c.Address())
	}
	// 2*(1 + 3*2 + 3*3 + 4)
	if used != 40 {
		t.Fatalf("run took %d cycles, want 40", used)
	}

	ns := rec.notifications()
	if len(ns) != len(want)+1 {
		t.Fatalf("got %d notifications, want %d", len(ns), len(want)+1)
	}
	last := ns[len(ns)-1]
	if !last.Finished || last.Address != 3 {
		t.Fatalf("last notification = %+v, want finished at 3", last)
	}
}

func TestLoopsFarJump(t *testing.T) {
	c, rec := newTestCoordinator(t)
	mustWrite(t, c,
		instr.Instruction{Address: 0, State: 1, Countdown: 1, LoopTo: 2, Loops: 1},
		instr.Instruction{Address: 1, State: 2, Countdown: 1},
		instr.Instruction{Address: 2, State: 3, Countdown: 1, LoopTo: 0, Loops: 1},
		instr.Instruction{Address: 3, State: 4, Countdown: 1, LoopTo: 5946, Loops: 1},
		instr.Instruction{Address: 5946, State: 5, Countdown: 1},
		instr.Instruction{Address: 5947, State: 6, Countdown: 1},
		instr.Instruction{Address: 5948, State: 7, Countdown: 1},
		instr.Instruction{Address: 5949, State: 8, Countdown: 1, LoopTo: 3, Loops: 1},
	)
	mustOptions(t, c, 3, protocol.RunSingle)

	c.Trigger()
	c.RunUntilIdle(1000)

	want := []uint16{0, 2, 0, 1, 2, 3, 5946, 5947, 5948, 5949, 3}
	if !reflect.DeepEqual(rec.trace, want) {
		t.Fatalf("trace = %v\nwant    %v", rec.trace, want)
	}
}

func TestLoopBranchesTwiceThenFallsThrough(t *testing.T) {
	c, rec := newTestCoordinator(t)
	mustWrite(t, c,
		instr.Instruction{Address: 0, Countdown: 1},
		instr.Instruction{Address: 1, Countdown: 1, LoopTo: 0, Loops: 2},
		instr.Instruction{Address: 2, Countdown: 1},
	)
	mustOptions(t, c, 2, protocol.RunSingle)
	c.Trigger()
	c.RunUntilIdle(100)

	want := []uint16{0, 1, 0, 1, 0, 1, 2}
	if !reflect.DeepEqual(rec.trace, want) {
		t.Fatalf("trace = %v, want %v", rec.trace, want)
	}
}

func TestLoopPolicy(t *testing.T) {
	program := []instr.Instruction{
		{Address: 0, Countdown: 1, LoopTo: 2, Loops: 1},
		{Address: 1, Countdown: 1},
		{Address: 2, Countdown: 1},
	}
	tests := []struct {
		policy LoopPolicy
		runs   [][]uint16
	}{
		{LoopsReloadEachRun, [][]uint16{{0, 2}, {0, 2}, {0, 2}}},
		{LoopsPersistAcrossRuns, [][]uint16{{0, 2}, {0, 1, 2}, {0, 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			c, rec := newTestCoordinator(t, WithLoopPolicy(tt.policy))
			mustWrite(t, c, program...)
			mustOptions(t, c, 2, protocol.RunSingle)
			for i, want := range tt.runs {
				rec.trace = nil
				c.Trigger()
				c.RunUntilIdle(100)
				if !reflect.DeepEqual(rec.trace, want) {
					t.Fatalf("run %d trace = %v, want %v", i, rec.trace, want)
				}
			}
		})
	}
}

func TestStopAndWait(t *testing.T) {
	c, rec := newTestCoordinator(t)
	mustWrite(t, c,
		instr.Instruction{Address: 0, State: 0b11111101, Countdown: 1},
		instr.Instruction{Address: 1, State: 0b10101010, Countdown: 1, StopAndWait: true, NotifyComputer: true},
		instr.Instruction{Address: 2, State: 0b00001111, Countdown: 1},
		instr.Instruction{Address: 3, State: 0b00011000, Countdown: 1, StopAndWait: true, NotifyComputer: true},
		instr.Instruction{Address: 4, State: 0b00011001, Countdown: 1},
	)
	mustOptions(t, c, 4, protocol.RunSingle)

	c.Trigger()
	if used := c.RunUntilIdle(1000); used != 2 {
		t.Fatalf("ran %d cycles before waiting, want 2", used)
	}
	if c.State() != StateStoppedAndWaiting || c.Address() != 2 {
		t.Fatalf("state %v address %d, want StoppedAndWaiting with 2 pre-loaded", c.State(), c.Address())
	}
	if c.Outputs() != 0b10101010 {
		t.Fatalf("outputs = %b, want the state of instruction 1 held", c.Outputs())
	}

	// The timer is halted: time passing changes nothing.
	c.Advance(1_000_000)
	if c.State() != StateStoppedAndWaiting || len(rec.trace) != 2 {
		t.Fatalf("coordinator moved while waiting: %v %v", c.State(), rec.trace)
	}

	// The pre-loaded instruction executes at the trigger instant.
	clock := c.Clock()
	c.Trigger()
	if c.Outputs() != 0b00001111 || c.Clock() != clock {
		t.Fatalf("outputs = %b at clock %d, want instruction 2 asserted at %d", c.Outputs(), c.Clock(), clock)
	}
	c.RunUntilIdle(1000)
	if c.State() != StateStoppedAndWaiting || c.Address() != 4 {
		t.Fatalf("state %v address %d, want waiting on 4", c.State(), c.Address())
	}

	c.Apply(protocol.Action{TriggerNow: true, NotifyWhenCurrentRunFinished: true})
	c.RunUntilIdle(1000)
	if c.State() != StateArmed {
		t.Fatalf("state = %v, want Armed", c.State())
	}
	if want := []uint16{0, 1, 2, 3, 4}; !reflect.DeepEqual(rec.trace, want) {
		t.Fatalf("trace = %v, want %v", rec.trace, want)
	}
	ns := rec.notifications()
	if len(ns) != 3 || ns[0].Address != 1 || ns[1].Address != 3 || !ns[2].Finished {
		t.Fatalf("notifications = %+v", ns)
	}
}

func TestStopAndWaitOnFinalAddress(t *testing.T) {
	program := []instr.Instruction{
		{Address: 0, State: 1, Countdown: 2},
		{Address: 1, State: 2, Countdown: 2, StopAndWait: true},
	}

	t.Run("single finishes", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		mustWrite(t, c, program...)
		mustOptions(t, c, 1, protocol.RunSingle)
		c.Trigger()
		c.RunUntilIdle(100)
		if c.State() != StateArmed {
			t.Fatalf("state = %v, want Armed", c.State())
		}
	})

	t.Run("continuous waits on address 0", func(t *testing.T) {
		c, rec := newTestCoordinator(t)
		mustWrite(t, c, program...)
		mustOptions(t, c, 1, protocol.RunContinuous)
		c.Trigger()
		c.RunUntilIdle(100)
		if c.State() != StateStoppedAndWaiting || c.Address() != 0 {
			t.Fatalf("state %v address %d, want waiting on 0", c.State(), c.Address())
		}
		c.Trigger()
		c.RunUntilIdle(100)
		if want := []uint16{0, 1, 0, 1}; !reflect.DeepEqual(rec.trace, want) {
			t.Fatalf("trace = %v, want %v", rec.trace, want)
		}
	})
}

func TestSingleRunTimingAndStaticState(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if err := c.SetStaticState(0b101); err != nil {
		t.Fatalf("SetStaticState returned error: %v", err)
	}
	if c.Outputs() != 0b101 {
		t.Fatalf("outputs = %b, want static 101", c.Outputs())
	}
	mustWrite(t, c,
		instr.Instruction{Address: 0, State: 0xF0, Countdown: 10},
		instr.Instruction{Address: 1, State: 0x0F, Countdown: 20},
	)
	mustOptions(t, c, 1, protocol.RunSingle)

	c.Trigger()
	if c.State() != StateRunning || c.Outputs() != 0xF0 {
		t.Fatalf("state %v outputs %X after trigger", c.State(), c.Outputs())
	}
	c.Advance(9)
	if c.Outputs() != 0xF0 {
		t.Fatalf("outputs changed early")
	}
	c.Advance(1)
	if c.Outputs() != 0x0F {
		t.Fatalf("outputs = %X at cycle 10, want 0F", c.Outputs())
	}
	c.Advance(20)
	if c.State() != StateArmed || c.Outputs() != 0b101 {
		t.Fatalf("state %v outputs %b at cycle 30, want Armed with static state", c.State(), c.Outputs())
	}
	if err := c.SetStaticState(1 << 24); !errors.Is(err, instr.ErrEncodingRange) {
		t.Fatalf("err = %v, want ErrEncodingRange", err)
	}
}

func TestTriggerIgnoredWhileRunning(t *testing.T) {
	c, rec := newTestCoordinator(t)
	mustWrite(t, c, instr.Instruction{Address: 0, Countdown: 100})
	mustOptions(t, c, 0, protocol.RunSingle)

	if !c.Trigger() {
		t.Fatalf("first trigger rejected")
	}
	c.Advance(50)
	if c.Trigger() {
		t.Fatalf("trigger accepted while running")
	}
	c.RunUntilIdle(1000)
	if len(rec.trace) != 1 {
		t.Fatalf("trace = %v, want a single entry", rec.trace)
	}
	if c.HardwareTrigger() {
		t.Fatalf("hardware trigger accepted in software mode")
	}
}

func TestHardwareTriggerMode(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustWrite(t, c, instr.Instruction{Address: 0, Countdown: 5})
	if err := c.SetOptions(protocol.DeviceOptions{TriggerMode: protocol.Ptr(protocol.TriggerHardware)}); err != nil {
		t.Fatalf("SetOptions returned error: %v", err)
	}
	if !c.HardwareTrigger() || c.State() != StateRunning {
		t.Fatalf("hardware trigger not taken: %v", c.State())
	}
	c.RunUntilIdle(100)
	// Software triggers work in every mode.
	if !c.Trigger() {
		t.Fatalf("software trigger rejected in hardware mode")
	}
}

func TestContinuousDisableAfterCurrentRun(t *testing.T) {
	c, rec := newTestCoordinator(t)
	mustWrite(t, c,
		instr.Instruction{Address: 0, Countdown: 1},
		instr.Instruction{Address: 1, Countdown: 1},
		instr.Instruction{Address: 2, Countdown: 2},
		instr.Instruction{Address: 3, Countdown: 1},
	)
	mustOptions(t, c, 3, protocol.RunContinuous)

	c.Trigger()
	c.Advance(5 * 3) // three full runs of 5 cycles
	if c.State() != StateRunning {
		t.Fatalf("state = %v, want Running", c.State())
	}
	if len(rec.trace) != 13 {
		t.Fatalf("trace = %v, want 3 runs plus the entry of the fourth", rec.trace)
	}

	c.Apply(protocol.Action{DisableAfterCurrentRun: true, NotifyWhenCurrentRunFinished: true})
	c.RunUntilIdle(100)
	if c.State() != StateArmed {
		t.Fatalf("state = %v, want Armed", c.State())
	}
	if len(rec.trace) != 16 {
		t.Fatalf("trace length %d, want the fourth run to complete", len(rec.trace))
	}
	ns := rec.notifications()
	if len(ns) != 1 || !ns[0].Finished {
		t.Fatalf("notifications = %+v, want one finished", ns)
	}
	if c.Report().DisableAfterCurrentRun {
		t.Fatalf("disable directive still pending after the run")
	}
}

func TestMainTrigger(t *testing.T) {
	c, rec := newTestCoordinator(t)
	mustWrite(t, c,
		instr.Instruction{Address: 0, Countdown: 1},
		instr.Instruction{Address: 1, Countdown: 2},
		instr.Instruction{Address: 2, Countdown: 2},
		instr.Instruction{Address: 3, Countdown: 1},
	)
	err := c.SetOptions(protocol.DeviceOptions{
		FinalRAMAddress:  protocol.Ptr(uint16(3)),
		TriggerTime:      protocol.Ptr(uint64(2)),
		TriggerLength:    protocol.Ptr(uint8(3)),
		NotifyOnMainTrig: protocol.Ptr(true),
	})
	if err != nil {
		t.Fatalf("SetOptions returned error: %v", err)
	}

	c.Trigger()
	c.Advance(1)
	if c.MainTrigger() || len(rec.msgs) != 0 {
		t.Fatalf("main trigger fired early")
	}
	c.Advance(1)
	if !c.MainTrigger() {
		t.Fatalf("main trigger not asserted at trigger_time")
	}
	ns := rec.notifications()
	if len(ns) != 1 || !ns[0].Triggered || ns[0].Address != 1 {
		t.Fatalf("notifications = %+v, want triggered at address 1", ns)
	}
	c.Advance(2)
	if !c.MainTrigger() {
		t.Fatalf("main trigger released before trigger_length")
	}
	c.Advance(1)
	if c.MainTrigger() {
		t.Fatalf("main trigger held past trigger_length")
	}
}

func TestMainTriggerCancelledWhenRunEnds(t *testing.T) {
	c, rec := newTestCoordinator(t)
	mustWrite(t, c, instr.Instruction{Address: 0, Countdown: 5})
	err := c.SetOptions(protocol.DeviceOptions{
		TriggerTime:      protocol.Ptr(uint64(80)),
		NotifyOnMainTrig: protocol.Ptr(true),
	})
	if err != nil {
		t.Fatalf("SetOptions returned error: %v", err)
	}
	c.Trigger()
	c.Advance(200)
	if len(rec.msgs) != 0 || c.MainTrigger() {
		t.Fatalf("main trigger fired after the run ended: %+v", rec.msgs)
	}
}

func TestHardTrigOut(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustWrite(t, c,
		instr.Instruction{Address: 0, Countdown: 1},
		instr.Instruction{Address: 1, Countdown: 3, HardTrigOut: true},
		instr.Instruction{Address: 2, Countdown: 1},
	)
	mustOptions(t, c, 2, protocol.RunSingle)
	c.Trigger()
	if c.TriggerOut() {
		t.Fatalf("trigger out asserted on untagged instruction")
	}
	c.Advance(1)
	if !c.TriggerOut() {
		t.Fatalf("trigger out not asserted on tagged instruction")
	}
	c.Advance(2)
	if !c.TriggerOut() {
		t.Fatalf("trigger out released early")
	}
	c.Advance(1)
	if c.TriggerOut() {
		t.Fatalf("trigger out held past the instruction")
	}
}

func TestRunawayAddressingAndReset(t *testing.T) {
	c, rec := newTestCoordinator(t)
	mustWrite(t, c,
		instr.Instruction{Address: 0, Countdown: 1, NotifyComputer: true},
		instr.Instruction{Address: 1, Countdown: 1, NotifyComputer: true},
		instr.Instruction{Address: 2, Countdown: 300_000_000, NotifyComputer: true},
		instr.Instruction{Address: 3, Countdown: 100, NotifyComputer: true},
		instr.Instruction{Address: 4999, Countdown: instr.MaxCountdown, NotifyComputer: true},
	)
	mustOptions(t, c, 3, protocol.RunSingle)
	c.Apply(protocol.Action{TriggerNow: true, NotifyWhenCurrentRunFinished: true})
	c.Advance(100)
	if c.Address() != 2 {
		t.Fatalf("address = %d, want 2", c.Address())
	}

	// Lowering the final address behind the counter mid-run.
	if err := c.SetOptions(protocol.DeviceOptions{FinalRAMAddress: protocol.Ptr(uint16(1))}); err != nil {
		t.Fatalf("SetOptions returned error: %v", err)
	}
	c.RunUntilIdle(1_000_000_000)
	if c.State() != StateRunning || c.Address() != 4999 {
		t.Fatalf("state %v address %d, want stuck running the stale slot 4999", c.State(), c.Address())
	}
	for _, n := range rec.notifications() {
		if n.Finished {
			t.Fatalf("run reported finished during runaway")
		}
	}

	c.Apply(protocol.Action{ResetOutputCoordinator: true})
	if c.State() != StateArmed || c.Address() != 0 {
		t.Fatalf("after reset: state %v address %d, want Armed at 0", c.State(), c.Address())
	}

	rec.msgs = nil
	c.Apply(protocol.Action{TriggerNow: true, NotifyWhenCurrentRunFinished: true})
	c.RunUntilIdle(100)
	ns := rec.notifications()
	if len(ns) == 0 || !ns[len(ns)-1].Finished || ns[len(ns)-1].Address != 1 {
		t.Fatalf("notifications after reset = %+v, want finished at 1", ns)
	}
}

func TestRunawayWrapsAddressCounter(t *testing.T) {
	c, rec := newTestCoordinator(t)
	mustWrite(t, c,
		instr.Instruction{Address: 0, Countdown: 1},
		instr.Instruction{Address: 1, Countdown: 1},
		instr.Instruction{Address: 2, Countdown: 10},
		instr.Instruction{Address: 3, Countdown: 1},
	)
	mustOptions(t, c, 3, protocol.RunSingle)
	c.Trigger()
	c.Advance(3)
	if err := c.SetOptions(protocol.DeviceOptions{FinalRAMAddress: protocol.Ptr(uint16(1))}); err != nil {
		t.Fatalf("SetOptions returned error: %v", err)
	}
	c.RunUntilIdle(1 << 20)
	if c.State() != StateArmed {
		t.Fatalf("state = %v, want Armed after the counter wrapped", c.State())
	}
	// Entries: 0,1,2 then 3..65535, then 0,1 after the wrap.
	if got, want := len(rec.trace), 3+(65536-3)+2; got != want {
		t.Fatalf("executed %d instructions, want %d", got, want)
	}
}

func TestRunEnable(t *testing.T) {
	c, rec := newTestCoordinator(t)
	mustWrite(t, c,
		instr.Instruction{Address: 0, Countdown: 4},
		instr.Instruction{Address: 1, Countdown: 4},
	)
	mustOptions(t, c, 1, protocol.RunContinuous)
	c.Trigger()
	c.Advance(2)

	c.Apply(protocol.Action{SoftwareRunEnable: protocol.Ptr(false)})
	if c.State() != StateDisabled {
		t.Fatalf("state = %v, want Disabled", c.State())
	}
	c.Advance(1000)
	if len(rec.trace) != 1 {
		t.Fatalf("coordinator advanced while disabled: %v", rec.trace)
	}
	if c.Trigger() {
		t.Fatalf("trigger accepted while disabled")
	}

	// Both enables must be high.
	c.SetHardwareRunEnable(false)
	c.Apply(protocol.Action{SoftwareRunEnable: protocol.Ptr(true)})
	if c.State() != StateDisabled {
		t.Fatalf("state = %v, want Disabled while hardware enable is low", c.State())
	}
	c.SetHardwareRunEnable(true)
	if c.State() != StateRunning {
		t.Fatalf("state = %v, want Running restored", c.State())
	}
	c.Advance(2)
	if want := []uint16{0, 1}; !reflect.DeepEqual(rec.trace, want) {
		t.Fatalf("trace = %v, want %v", rec.trace, want)
	}
}

func TestResetWhileDisabled(t *testing.T) {
	c, _ := newTestCoordinator(t)
	mustWrite(t, c, instr.Instruction{Address: 0, Countdown: 10})
	c.Trigger()
	c.SetHardwareRunEnable(false)
	c.Reset()
	if c.State() != StateArmed || c.Address() != 0 {
		t.Fatalf("state = %v at %d, want Armed at 0", c.State(), c.Address())
	}
	if c.Trigger() {
		t.Fatalf("trigger accepted with the run enable low")
	}
	c.SetHardwareRunEnable(true)
	if c.State() != StateArmed {
		t.Fatalf("state = %v, want Armed", c.State())
	}
	if !c.Trigger() || c.State() != StateRunning {
		t.Fatalf("state = %v after trigger, want Running", c.State())
	}
}

func TestPowerlineTriggerHeldWhileDisabled(t *testing.T) {
	c, _ := newTestCoordinator(t, WithPowerlinePeriod(1000))
	mustWrite(t, c, instr.Instruction{Address: 0, Countdown: 10})
	c.SetPowerline(protocol.PowerlineOptions{
		TriggerOnPowerline: protocol.Ptr(true),
		Delay:              protocol.Ptr(uint32(100)),
	})

	c.Advance(250)
	if !c.Trigger() {
		t.Fatalf("trigger rejected")
	}
	c.Advance(100)
	c.SetHardwareRunEnable(false)
	c.Advance(1000) // the trigger comes due at 1100
	if c.State() != StateDisabled {
		t.Fatalf("state = %v, want Disabled", c.State())
	}

	// The held trigger starts at the first crossing after the enable returns.
	c.SetHardwareRunEnable(true)
	c.Advance(749)
	if c.State() == StateRunning {
		t.Fatalf("running at clock %d, before the crossing", c.Clock())
	}
	c.Advance(1)
	if c.State() != StateRunning || c.Clock() != 2100 {
		t.Fatalf("state %v at clock %d, want Running at 2100", c.State(), c.Clock())
	}
}

func TestPowerlineGlobalTrigger(t *testing.T) {
	c, _ := newTestCoordinator(t, WithPowerlinePeriod(1000))
	mustWrite(t, c, instr.Instruction{Address: 0, Countdown: 10})
	c.SetPowerline(protocol.PowerlineOptions{
		TriggerOnPowerline: protocol.Ptr(true),
		Delay:              protocol.Ptr(uint32(100)),
	})

	c.Advance(250)
	if !c.Trigger() {
		t.Fatalf("trigger rejected")
	}
	c.Advance(849)
	if c.State() == StateRunning {
		t.Fatalf("running before the zero-crossing plus delay")
	}
	c.Advance(1)
	if c.State() != StateRunning || c.Clock() != 1100 {
		t.Fatalf("state %v at clock %d, want Running at 1100", c.State(), c.Clock())
	}

	r := c.PowerlineReport()
	if !r.TriggerOnPowerline || !r.Locked || r.Period != 1000 || r.Delay != 100 {
		t.Fatalf("PowerlineReport() = %+v", r)
	}
}

func TestAutoTriggerOnPowerlineTag(t *testing.T) {
	var entries []uint64
	var c *Coordinator
	c = New(WithPowerlinePeriod(1000), WithEntryHook(func(addr uint16, _ instr.Instruction) {
		entries = append(entries, c.Clock())
	}))
	mustWrite(t, c,
		instr.Instruction{Address: 0, Countdown: 100},
		instr.Instruction{Address: 1, Countdown: 100, StopAndWait: true},
		instr.Instruction{Address: 2, Countdown: 200, AutoTriggerOnPowerline: true},
		instr.Instruction{Address: 3, Countdown: 300},
	)
	mustOptions(t, c, 3, protocol.RunSingle)
	c.Trigger()
	c.RunUntilIdle(10_000)

	if c.State() != StateArmed {
		t.Fatalf("state = %v, want Armed", c.State())
	}
	want := []uint64{0, 100, 1000, 1200}
	if !reflect.DeepEqual(entries, want) {
		t.Fatalf("entry clocks = %v, want %v", entries, want)
	}
}

func TestHandleCommands(t *testing.T) {
	c, rec := newTestCoordinator(t)
	cmds := []protocol.Command{
		protocol.LoadInstruction{Instruction: instr.Instruction{Address: 0, State: 7, Countdown: 3}},
		protocol.DeviceOptions{FinalRAMAddress: protocol.Ptr(uint16(0)), NotifyOnMainTrig: protocol.Ptr(true)},
		protocol.StaticState{State: 0x10},
		protocol.PowerlineOptions{Delay: protocol.Ptr(uint32(5))},
		protocol.EchoRequest{Value: 0x42},
		protocol.Action{TriggerNow: true, RequestState: true, RequestPowerlineState: true},
	}
	for _, cmd := range cmds {
		if err := c.Handle(cmd); err != nil {
			t.Fatalf("Handle(%T) returned error: %v", cmd, err)
		}
	}

	var kinds []protocol.Kind
	for _, m := range rec.msgs {
		kinds = append(kinds, m.Kind())
	}
	want := []protocol.Kind{protocol.KindEcho, protocol.KindNotification, protocol.KindDeviceState, protocol.KindPowerlineState}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("message kinds = %v, want %v", kinds, want)
	}
	st := rec.msgs[2].(protocol.DeviceState)
	if State(st.Coordinator) != StateRunning || st.Outputs != 7 || !st.MainTrigger || !st.SoftwareRunEnable {
		t.Fatalf("DeviceState = %+v", st)
	}
	if pl := rec.msgs[3].(protocol.PowerlineState); pl.Delay != 5 {
		t.Fatalf("PowerlineState = %+v", pl)
	}
}

func TestStateString(t *testing.T) {
	if StateStoppedAndWaiting.String() != "StoppedAndWaiting" {
		t.Fatalf("String() = %q", StateStoppedAndWaiting.String())
	}
	if State(42).String() != "State(42)" {
		t.Fatalf("String() = %q", State(42).String())
	}
}
