package coordinator

import "github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"

// Advance simulates the given number of clock cycles.
func (c *Coordinator) Advance(cycles uint64) {
	for cycles > 0 {
		cycles -= c.step(cycles)
	}
}

// RunUntilIdle advances until nothing more can happen without outside input
// (a trigger, an enable or a reset) or until maxCycles have elapsed. It
// returns the cycles consumed. A continuous run never goes idle on its own.
func (c *Coordinator) RunUntilIdle(maxCycles uint64) uint64 {
	var used uint64
	for used < maxCycles {
		if _, ok := c.nextEvent(); !ok {
			break
		}
		used += c.step(maxCycles - used)
	}
	return used
}

// step moves time forward to the nearest event, or by limit if that comes
// first, then handles every event due at the new instant.
func (c *Coordinator) step(limit uint64) uint64 {
	d := limit
	if next, ok := c.nextEvent(); ok && next < d {
		d = next
	}
	c.elapse(d)
	c.processEvents()
	return d
}

// nextEvent returns the distance in cycles to the nearest scheduled event.
// The instruction countdown and the main trigger timers are halted while
// the run enable is low; the mains keeps running.
func (c *Coordinator) nextEvent() (uint64, bool) {
	var d uint64
	ok := false
	consider := func(v uint64) {
		if !ok || v < d {
			d, ok = v, true
		}
	}
	if c.state == StateRunning {
		consider(c.remaining)
	}
	if c.state != StateDisabled {
		if c.mainWaiting {
			consider(c.mainWait)
		}
		if c.mainActive {
			consider(c.mainHold)
		}
	}
	if c.plPending {
		consider(c.plWait)
	}
	return d, ok
}

func (c *Coordinator) elapse(d uint64) {
	c.clock += d
	if c.state == StateRunning {
		c.remaining -= d
	}
	if c.state != StateDisabled {
		if c.mainWaiting {
			c.mainWait -= d
		}
		if c.mainActive {
			c.mainHold -= d
		}
	}
	if c.plPending {
		c.plWait -= d
	}
}

// processEvents handles everything due now. Each branch either clears its
// event or reschedules it at least one cycle ahead.
func (c *Coordinator) processEvents() {
	for {
		halted := c.state == StateDisabled
		switch {
		case !halted && c.mainActive && c.mainHold == 0:
			c.mainActive = false
		case !halted && c.mainWaiting && c.mainWait == 0:
			c.fireMain()
		case c.state == StateRunning && c.remaining == 0:
			c.complete()
		case c.plPending && c.plWait == 0:
			c.plPending = false
			c.fire()
		default:
			return
		}
	}
}

// trigger accepts a trigger event, aligning it to the mains when powerline
// triggering is in force. Triggers while running or disabled are ignored,
// as are triggers after a reset until the run enable is high again.
func (c *Coordinator) trigger() bool {
	if !c.enabled() {
		return false
	}
	switch c.state {
	case StateIdle, StateArmed, StateStoppedAndWaiting:
	default:
		return false
	}
	if c.plTrigger || c.settings.TriggerMode == protocol.TriggerPowerline {
		c.schedulePowerline()
		return true
	}
	c.plPending = false
	c.fire()
	return true
}

// schedulePowerline arms a trigger at the next zero-crossing plus the
// configured delay.
func (c *Coordinator) schedulePowerline() {
	p := uint64(c.plPeriod)
	c.plPending = true
	c.plWait = (p-c.clock%p)%p + uint64(c.plDelay)
}

// fire is the instant a trigger takes effect. A powerline trigger that comes
// due while disabled is kept for when the enable returns.
func (c *Coordinator) fire() {
	switch c.state {
	case StateDisabled:
		c.deferred = true
	case StateIdle, StateArmed:
		c.startRun()
	case StateStoppedAndWaiting:
		c.state = StateRunning
		c.enter(c.addr)
	}
}

func (c *Coordinator) startRun() {
	if c.policy == LoopsReloadEachRun {
		c.reloadLoops()
	}
	c.state = StateRunning
	c.mainActive = false
	c.mainWaiting = true
	c.mainWait = c.settings.TriggerTime
	c.enter(c.addr)
}

func (c *Coordinator) fireMain() {
	c.mainWaiting = false
	c.mainActive = true
	c.mainHold = uint64(c.settings.TriggerLength)
	if c.mainHold == 0 {
		c.mainHold = 1
	}
	if c.settings.NotifyOnMainTrig {
		c.emit(protocol.Notification{Address: c.addr, Triggered: true})
	}
}

// enter starts executing the instruction at addr. Stale memory may hold a
// countdown of 0, which the hardware mishandles; the simulation holds such
// a slot for one cycle.
func (c *Coordinator) enter(addr uint16) {
	c.addr = addr
	in := c.mem[addr&addressMask]
	c.outputs = in.State
	c.trigOut = in.HardTrigOut
	c.remaining = in.Countdown
	if c.remaining == 0 {
		c.remaining = 1
	}
	if c.hook != nil {
		c.hook(addr, in)
	}
	if in.NotifyComputer {
		c.emit(protocol.Notification{Address: addr, Tagged: true})
	}
}

// complete runs when the current instruction's countdown expires.
func (c *Coordinator) complete() {
	idx := c.addr & addressMask
	in := c.mem[idx]
	c.trigOut = false

	next := c.addr + 1
	fallThrough := true
	if c.loops[idx] > 0 {
		c.loops[idx]--
		next = in.LoopTo
		fallThrough = false
	} else {
		c.loops[idx] = in.Loops
		if next == 0 {
			c.logger.Printf("coordinator: address counter wrapped to 0")
		}
	}

	// The end of the run is only recognised on a fall-through from the
	// final address; a branch taken there keeps running.
	if fallThrough && c.addr == c.settings.FinalRAMAddress {
		c.endRun(in.StopAndWait)
		return
	}
	if in.StopAndWait {
		c.wait(next)
		return
	}
	c.enter(next)
}

// wait pre-loads next and halts the timer until the next trigger. The
// outputs keep the state of the instruction that just completed.
func (c *Coordinator) wait(next uint16) {
	c.state = StateStoppedAndWaiting
	c.addr = next
	c.trigOut = false
	if c.mem[next&addressMask].AutoTriggerOnPowerline {
		c.schedulePowerline()
	}
}

func (c *Coordinator) endRun(stopAndWait bool) {
	if c.notifyWhenFinished {
		c.notifyWhenFinished = false
		c.emit(protocol.Notification{Address: c.addr, Finished: true})
	}

	if c.settings.RunMode == protocol.RunContinuous && !c.disableAfterRun {
		if c.policy == LoopsReloadEachRun {
			c.reloadLoops()
		}
		if stopAndWait {
			c.wait(0)
			return
		}
		c.enter(0)
		return
	}
	c.disableAfterRun = false
	c.stop()
}

// stop returns to Armed at address 0, dropping the main trigger and any
// pending powerline trigger. The outputs fall back to the static state.
func (c *Coordinator) stop() {
	c.setState(StateArmed)
	c.addr = 0
	c.remaining = 0
	c.outputs = c.static
	c.trigOut = false
	c.mainWaiting = false
	c.mainActive = false
	c.plPending = false
	c.deferred = false
}
