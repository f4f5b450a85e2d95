package compiler

import (
	"errors"
	"fmt"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
)

var (
	// ErrDegenerateDuration means a run would need countdown 0.
	ErrDegenerateDuration = errors.New("compiler: degenerate waveform duration")
	// ErrLengthMismatch means the channel sample arrays differ in length.
	ErrLengthMismatch = errors.New("compiler: channel sample arrays differ in length")
	// ErrUnknownChannel means a channel identifier has no bit position.
	ErrUnknownChannel = errors.New("compiler: unknown channel")
)

// Run is one constant-state interval of a waveform.
type Run struct {
	State    uint32
	Duration uint64 // samples
}

// RunLengths reduces a bit-ordered sample matrix to its minimal list of
// constant-state runs. rows[i] holds the samples of output bit i; a nil row
// is a channel that stays low.
//
// Conceptually the matrix is padded with an all-low column on both sides, so
// there is always an edge at sample 0 and at sample N. Every column boundary
// where any channel changes value is an edge, and each interval between
// consecutive edges becomes one run carrying the state valid on it.
func RunLengths(rows [][]bool) ([]Run, error) {
	if len(rows) > instr.NumChannels {
		return nil, fmt.Errorf("%w: %d rows, device has %d channels", ErrUnknownChannel, len(rows), instr.NumChannels)
	}

	n := -1
	for bit, row := range rows {
		if row == nil {
			continue
		}
		if n == -1 {
			n = len(row)
		} else if len(row) != n {
			return nil, fmt.Errorf("%w: bit %d has %d samples, want %d", ErrLengthMismatch, bit, len(row), n)
		}
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: waveform has no samples", ErrDegenerateDuration)
	}

	column := func(i int) uint32 {
		var state uint32
		for bit, row := range rows {
			if row != nil && row[i] {
				state |= 1 << bit
			}
		}
		return state
	}

	// edges holds sample indices where a new run begins, plus n as terminator.
	edges := []int{0}
	states := []uint32{column(0)}
	prev := states[0]
	for i := 1; i < n; i++ {
		cur := column(i)
		if cur^prev != 0 {
			edges = append(edges, i)
			states = append(states, cur)
		}
		prev = cur
	}
	edges = append(edges, n)

	runs := make([]Run, len(states))
	for k := range states {
		d := edges[k+1] - edges[k]
		if d <= 0 {
			return nil, fmt.Errorf("%w: run %d", ErrDegenerateDuration, k)
		}
		runs[k] = Run{State: states[k], Duration: uint64(d)}
	}
	return runs, nil
}
