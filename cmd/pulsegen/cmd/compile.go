package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
)

var showRecords bool

var compileCmd = &cobra.Command{
	Use:   "compile <program>",
	Short: "Print the instructions a program loads",
	Long: `Check a program file and print the instruction memory and options it would
write, without touching a device. Waveforms are compiled and placed exactly as
run and simulate place them, including the entry slot at address 0.

Examples:
  pulsegen compile blink.pulse
  pulsegen compile --records rabi.pulse      # also print the 19-byte records`,
	Args: cobra.ExactArgs(1),
	RunE: runCompile,
}

func init() {
	rootCmd.AddCommand(compileCmd)
	addProgramFlags(compileCmd)

	compileCmd.Flags().BoolVar(&showRecords, "records", false,
		"print the encoded load-instruction record of each slot")
}

// listing is a target that records the resulting memory image.
type listing struct {
	mem       map[uint16]instr.Instruction
	settings  protocol.Settings
	powerline protocol.PowerlineOptions
}

func newListing() *listing {
	return &listing{
		mem:      make(map[uint16]instr.Instruction),
		settings: protocol.DefaultSettings(),
	}
}

func (l *listing) WriteInstructions(ins ...instr.Instruction) error {
	for _, in := range ins {
		if err := in.Validate(); err != nil {
			return err
		}
		l.mem[in.Address] = in
	}
	return nil
}

func (l *listing) WriteDeviceOptions(o protocol.DeviceOptions) error {
	if err := o.Validate(); err != nil {
		return err
	}
	o.Apply(&l.settings)
	return nil
}

func (l *listing) WritePowerlineOptions(o protocol.PowerlineOptions) error {
	l.powerline = o
	return nil
}

func (l *listing) WriteAction(protocol.Action) error { return nil }
func (l *listing) WriteStaticState(uint32) error     { return nil }
func (l *listing) ResetOutputCoordinator() error     { return nil }

func (l *listing) GetState(context.Context) (protocol.DeviceState, error) {
	return protocol.DeviceState{Settings: l.settings}, nil
}

func (l *listing) instructions() []instr.Instruction {
	out := make([]instr.Instruction, 0, len(l.mem))
	for _, in := range l.mem {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func runCompile(cmd *cobra.Command, args []string) error {
	prog, err := readProgram(args[0])
	if err != nil {
		return err
	}

	l := newListing()
	loaded, err := loadProgram(l, prog)
	if err != nil {
		return err
	}

	s := l.settings
	fmt.Printf("Options: final_ram_address=%d run_mode=%s trigger_mode=%s trigger_time=%d trigger_length=%d notify_on_main_trig=%t\n",
		s.FinalRAMAddress, s.RunMode, s.TriggerMode, s.TriggerTime, s.TriggerLength, s.NotifyOnMainTrig)
	if prog.HasPowerline() {
		fmt.Printf("Powerline:")
		if p := l.powerline.TriggerOnPowerline; p != nil {
			fmt.Printf(" trigger_on_powerline=%t", *p)
		}
		if d := l.powerline.Delay; d != nil {
			fmt.Printf(" powerline_trigger_delay=%d", *d)
		}
		fmt.Println()
	}
	if loaded != "" {
		fmt.Printf("Loaded waveform: %s\n", loaded)
	}

	ins := l.instructions()
	fmt.Printf("\nInstructions (%d):\n", len(ins))
	var total uint64
	for _, in := range ins {
		fmt.Printf("  %s\n", in)
		if showRecords {
			rec, err := instr.Encode(in)
			if err != nil {
				return err
			}
			fmt.Printf("        % X\n", rec[:])
		}
		total += in.Countdown
	}
	fmt.Printf("\nMemory used: %d of %d slots\n", len(ins), instr.MemorySize)
	if loaded == "" {
		fmt.Printf("Sum of countdowns: %d cycles (%v)\n", total, cycleTime(total))
	}
	return nil
}
