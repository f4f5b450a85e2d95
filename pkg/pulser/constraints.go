package pulser

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
)

// Range is a scalar constraint. Sample rates must also divide the clock.
type Range struct {
	Min, Max, Step, Default float64
	Unit                    string
}

// Constraints describes what the hardware can play.
type Constraints struct {
	SampleRate     Range
	DigitalLow     Range
	DigitalHigh    Range
	WaveformLength struct {
		Min, Max uint64 // in clock cycles
	}
	Channels []string // generic names, d_ch1..d_ch24
}

// GetConstraints reports the fixed limits of the pulse generator: a 100 MHz
// clock, 24 digital outputs at 3.3 V and runs up to 2^48-1 cycles.
func GetConstraints() Constraints {
	c := Constraints{
		SampleRate:  Range{Min: 1, Max: protocol.ClockHz, Default: protocol.ClockHz, Unit: "Hz"},
		DigitalLow:  Range{Unit: "V"},
		DigitalHigh: Range{Min: 3.3, Max: 3.3, Default: 3.3, Unit: "V"},
	}
	c.WaveformLength.Min = 1
	c.WaveformLength.Max = instr.MaxCountdown
	for i := 1; i <= instr.NumChannels; i++ {
		c.Channels = append(c.Channels, fmt.Sprintf("d_ch%d", i))
	}
	return c
}
