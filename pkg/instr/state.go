package instr

import "fmt"

// StateFromBools packs a per-channel sequence into an output mask. Position i
// drives channel i; channels past the end of the sequence are low.
func StateFromBools(levels []bool) (uint32, error) {
	if len(levels) > NumChannels {
		return 0, fmt.Errorf("%w: %d channel levels, device has %d", ErrEncodingRange, len(levels), NumChannels)
	}
	var state uint32
	for i, high := range levels {
		if high {
			state |= 1 << i
		}
	}
	return state, nil
}

// StateFromLevels is StateFromBools for 0/1 integer sequences.
func StateFromLevels(levels []int) (uint32, error) {
	if len(levels) > NumChannels {
		return 0, fmt.Errorf("%w: %d channel levels, device has %d", ErrEncodingRange, len(levels), NumChannels)
	}
	var state uint32
	for i, v := range levels {
		switch v {
		case 0:
		case 1:
			state |= 1 << i
		default:
			return 0, fmt.Errorf("%w: channel %d level %d is not 0 or 1", ErrEncodingRange, i, v)
		}
	}
	return state, nil
}

// StateBits unpacks an output mask into NumChannels levels.
func StateBits(state uint32) []bool {
	levels := make([]bool, NumChannels)
	for i := range levels {
		levels[i] = state&(1<<i) != 0
	}
	return levels
}
