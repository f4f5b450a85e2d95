package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/program"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/pulser"
)

var (
	// Program flags
	waveformName string
	sampleRate   float64
	laserChannel int
)

// barrierValue is echoed after a program load to confirm the device has
// consumed every frame.
const barrierValue = 0x5A

// target is what a program is loaded into: a generator, or a listing when
// compiling.
type target interface {
	pulser.Device
	WritePowerlineOptions(o protocol.PowerlineOptions) error
	ResetOutputCoordinator() error
}

func addProgramFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&waveformName, "waveform", "w", "",
		"waveform to load (default: the first in the file)")
	cmd.Flags().Float64Var(&sampleRate, "sample-rate", protocol.ClockHz,
		"waveform sample rate in Hz, must divide the 100 MHz clock")
	cmd.Flags().IntVar(&laserChannel, "laser", pulser.DefaultConfig().LaserChannel,
		"output bit of the laser role")
}

func readProgram(path string) (*program.Program, error) {
	parser, err := program.NewParser()
	if err != nil {
		return nil, err
	}
	prog, err := parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	if len(prog.Instructions) == 0 && len(prog.Waveforms) == 0 {
		return nil, fmt.Errorf("%s: no instructions or waveforms", path)
	}
	return prog, nil
}

// loadProgram stops the coordinator and writes prog. Waveform programs go
// through a pulser, which places them in memory and loads the selected
// one; the name of that waveform is returned.
func loadProgram(t target, prog *program.Program) (string, error) {
	if err := t.ResetOutputCoordinator(); err != nil {
		return "", err
	}
	if prog.HasPowerline() {
		if err := t.WritePowerlineOptions(prog.Powerline); err != nil {
			return "", err
		}
	}
	if err := t.WriteDeviceOptions(prog.Options); err != nil {
		return "", err
	}
	if len(prog.Waveforms) == 0 {
		return "", t.WriteInstructions(prog.Instructions...)
	}

	cfg := pulser.DefaultConfig()
	cfg.SampleRate = sampleRate
	if laserChannel != cfg.LaserChannel {
		if err := swapRole(cfg, laserChannel); err != nil {
			return "", err
		}
	}
	p, err := pulser.New(t, cfg, pulser.WithLogger(logger()))
	if err != nil {
		return "", err
	}
	for _, w := range prog.Waveforms {
		if _, err := p.WriteWaveform(w.Name, nil, w.Samples); err != nil {
			return "", fmt.Errorf("%s: waveform %s: %w", w.Pos, w.Name, err)
		}
	}

	name := waveformName
	if name == "" {
		name = prog.Waveforms[0].Name
	}
	if err := p.LoadWaveform(name); err != nil {
		return "", err
	}
	return name, nil
}

// swapRole moves the laser to bit, handing its old bit to the role that
// held bit.
func swapRole(cfg *pulser.Config, bit int) error {
	old := cfg.LaserChannel
	for _, ch := range []*int{&cfg.MWXChannel, &cfg.MWXBChannel, &cfg.MWYChannel,
		&cfg.MWYBChannel, &cfg.ODMRFreqStepTrigger, &cfg.CameraTrigger} {
		if *ch == bit {
			*ch = old
		}
	}
	cfg.LaserChannel = bit
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid --laser %d: %w", bit, err)
	}
	return nil
}
