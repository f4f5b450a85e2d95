// Package memory tracks which instruction-memory slots of the pulse
// generator hold live waveforms.
//
// The allocator is first-fit and never relocates: fragmentation shows up as
// ErrOutOfMemory rather than being healed behind the caller's back, because
// relocating a waveform would mean rewriting it on the device.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
)

// Capacity is the number of addressable instruction slots.
const Capacity = instr.MemorySize

var (
	// ErrOutOfMemory means no contiguous free run of the requested length exists.
	ErrOutOfMemory = errors.New("memory: not enough contiguous instruction memory")
	// ErrInvalidRange reports a length or range outside the instruction memory.
	ErrInvalidRange = errors.New("memory: invalid range")
)

// Allocator owns the free-memory map. All methods are safe for concurrent
// use; a single mutex covers the scan-and-mark pair.
type Allocator struct {
	mu   sync.Mutex
	free [Capacity]bool // true = free
}

// NewAllocator returns an allocator with every slot free.
func NewAllocator() *Allocator {
	a := &Allocator{}
	a.reset()
	return a
}

// Allocate claims the lowest run of length free slots and returns its first
// address.
func (a *Allocator) Allocate(length int) (uint16, error) {
	if length <= 0 || length > Capacity {
		return 0, fmt.Errorf("%w: length %d", ErrInvalidRange, length)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	run := 0
	for addr := 0; addr < Capacity; addr++ {
		if !a.free[addr] {
			run = 0
			continue
		}
		run++
		if run == length {
			start := addr - length + 1
			a.mark(start, length, false)
			return uint16(start), nil
		}
	}
	return 0, fmt.Errorf("%w: need %d slots, largest free run is %d", ErrOutOfMemory, length, a.largestRun())
}

// Reserve claims exactly [start, start+length). It fails without changing
// anything if any slot in the range is already in use.
func (a *Allocator) Reserve(start uint16, length int) error {
	if err := checkRange(start, length); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for addr := int(start); addr < int(start)+length; addr++ {
		if !a.free[addr] {
			return fmt.Errorf("%w: slot %d already in use", ErrOutOfMemory, addr)
		}
	}
	a.mark(int(start), length, false)
	return nil
}

// Release marks [start, start+length) free. There is no ownership check;
// the caller is responsible for only releasing ranges it owns.
func (a *Allocator) Release(start uint16, length int) error {
	if err := checkRange(start, length); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.mark(int(start), length, true)
	return nil
}

// Reset frees every slot. Only call this on full reinitialization, never
// while a waveform the device still runs is expected to stay resident.
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
}

// Free returns the number of free slots.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, f := range a.free {
		if f {
			n++
		}
	}
	return n
}

// LargestFreeRun returns the length of the longest contiguous free run.
func (a *Allocator) LargestFreeRun() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.largestRun()
}

// IsFree reports whether a single slot is free.
func (a *Allocator) IsFree(addr uint16) bool {
	if int(addr) >= Capacity {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free[addr]
}

// Snapshot returns a copy of the free-memory map.
func (a *Allocator) Snapshot() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]bool, Capacity)
	copy(out, a.free[:])
	return out
}

func (a *Allocator) reset() {
	for i := range a.free {
		a.free[i] = true
	}
}

func (a *Allocator) mark(start, length int, free bool) {
	for addr := start; addr < start+length; addr++ {
		a.free[addr] = free
	}
}

func (a *Allocator) largestRun() int {
	best, run := 0, 0
	for _, f := range a.free {
		if !f {
			run = 0
			continue
		}
		run++
		if run > best {
			best = run
		}
	}
	return best
}

func checkRange(start uint16, length int) error {
	if length <= 0 || int(start)+length > Capacity {
		return fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, start, int(start)+length)
	}
	return nil
}
