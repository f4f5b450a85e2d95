package pulser

import (
	"fmt"
	"sort"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/compiler"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
)

// Config assigns experiment roles to output bits and sets the sample rate
// of incoming waveforms.
type Config struct {
	// Role channels (output bit numbers, 0..23)
	LaserChannel        int // laser gate, also driven by LaserOn (default: 0)
	MWXChannel          int // microwave x switch (default: 1)
	MWXBChannel         int // microwave -x switch (default: 2)
	MWYChannel          int // microwave y switch (default: 3)
	MWYBChannel         int // microwave -y switch (default: 4)
	ODMRFreqStepTrigger int // ODMR frequency step trigger (default: 5)
	CameraTrigger       int // camera exposure trigger (default: 6)

	// SampleRate of waveform samples in Hz. It must divide the 100 MHz
	// clock (default: 100e6).
	SampleRate float64
}

// DefaultConfig returns the channel layout of the stock setup.
func DefaultConfig() *Config {
	return &Config{
		LaserChannel:        0,
		MWXChannel:          1,
		MWXBChannel:         2,
		MWYChannel:          3,
		MWYBChannel:         4,
		ODMRFreqStepTrigger: 5,
		CameraTrigger:       6,
		SampleRate:          protocol.ClockHz,
	}
}

// Roles maps role names, as accepted in waveform channel keys, to bits.
func (c *Config) Roles() map[string]int {
	return map[string]int{
		"laser":                  c.LaserChannel,
		"mw_x":                   c.MWXChannel,
		"mw_xb":                  c.MWXBChannel,
		"mw_y":                   c.MWYChannel,
		"mw_yb":                  c.MWYBChannel,
		"odmr_freq_step_trigger": c.ODMRFreqStepTrigger,
		"camera_trigger":         c.CameraTrigger,
	}
}

// Validate checks that roles use distinct, existing channels and that the
// sample rate is an integer fraction of the clock.
func (c *Config) Validate() error {
	roles := c.Roles()
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	sort.Strings(names)

	used := make(map[int]string)
	for _, name := range names {
		bit := roles[name]
		if bit < 0 || bit >= instr.NumChannels {
			return fmt.Errorf("pulser: %s channel %d outside 0..%d", name, bit, instr.NumChannels-1)
		}
		if other, dup := used[bit]; dup {
			return fmt.Errorf("pulser: %s and %s share channel %d", other, name, bit)
		}
		used[bit] = name
	}

	if c.SampleRate <= 0 || c.SampleRate > protocol.ClockHz {
		return fmt.Errorf("pulser: sample rate %g Hz outside (0, %d]", c.SampleRate, protocol.ClockHz)
	}
	ratio := protocol.ClockHz / c.SampleRate
	if ratio != float64(uint64(ratio)) {
		return fmt.Errorf("pulser: sample rate %g Hz does not divide the %d Hz clock", c.SampleRate, protocol.ClockHz)
	}
	return nil
}

// CyclesPerSample is the clock cycles each waveform sample lasts.
func (c *Config) CyclesPerSample() uint64 {
	return uint64(protocol.ClockHz / c.SampleRate)
}

// mapper resolves role names first, then generic channel names.
func (c *Config) mapper() compiler.ChannelMapper {
	roles := c.Roles()
	return func(channel string) (int, error) {
		if bit, ok := roles[channel]; ok {
			return bit, nil
		}
		return compiler.DefaultChannelMapper(channel)
	}
}
