package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/device"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/notify"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
)

var (
	showPowerline bool
	triggerWait   time.Duration
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Stop any run and re-arm at address 0",
	Long: `Reset the output coordinator. This stops a run in progress, reloads loop
counters and drops pending directives. Use it to recover a generator that runs
past the end of its program.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGenerator(func(ctx context.Context, gen *device.Generator) error {
			if err := gen.ResetOutputCoordinator(); err != nil {
				return err
			}
			st, err := gen.GetState(ctx)
			if err != nil {
				return err
			}
			fmt.Println(notify.Describe(st))
			return nil
		})
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the device state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGenerator(func(ctx context.Context, gen *device.Generator) error {
			st, err := gen.GetState(ctx)
			if err != nil {
				return err
			}
			fmt.Println(notify.Describe(st))
			if showPowerline {
				pl, err := gen.GetPowerlineState(ctx)
				if err != nil {
					return err
				}
				fmt.Println(notify.Describe(pl))
			}
			return nil
		})
	},
}

var staticCmd = &cobra.Command{
	Use:   "static <state>",
	Short: "Set the outputs driven while no run is in progress",
	Long: `Set the static output state. The state is a number (decimal, 0x, 0b or 0o,
bit i drives channel i+1) or a comma separated list of 0/1 levels starting at
channel 1.

Examples:
  pulsegen static 0b101
  pulsegen static 1,0,1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := parseState(args[0])
		if err != nil {
			return err
		}
		return withGenerator(func(ctx context.Context, gen *device.Generator) error {
			if err := gen.WriteStaticState(state); err != nil {
				return err
			}
			fmt.Printf("Static state %024b\n", state)
			return gen.Echo(ctx, barrierValue)
		})
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Send a software trigger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGenerator(func(ctx context.Context, gen *device.Generator) error {
			if triggerWait <= 0 {
				if err := gen.Trigger(); err != nil {
					return err
				}
				return gen.Echo(ctx, barrierValue)
			}
			if err := gen.WriteAction(protocol.Action{NotifyWhenCurrentRunFinished: true, TriggerNow: true}); err != nil {
				return err
			}
			n, err := gen.ReturnOnNotification(ctx, notify.Finished(), triggerWait)
			if err != nil {
				return fmt.Errorf("run did not finish: %w", err)
			}
			fmt.Printf("Run finished at address %d\n", n.Address)
			return nil
		})
	},
}

var echoCmd = &cobra.Command{
	Use:   "echo [value]",
	Short: "Check the connection with an echo round trip",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := uint64(barrierValue)
		if len(args) == 1 {
			v, err := strconv.ParseUint(args[0], 0, 8)
			if err != nil {
				return fmt.Errorf("invalid echo value %q: %w", args[0], err)
			}
			value = v
		}
		return withGenerator(func(ctx context.Context, gen *device.Generator) error {
			start := time.Now()
			if err := gen.Echo(ctx, byte(value)); err != nil {
				return err
			}
			fmt.Printf("Echo 0x%02X ok (%v)\n", value, time.Since(start).Round(time.Microsecond))
			return nil
		})
	},
}

var enableCmd = &cobra.Command{
	Use:       "enable <on|off>",
	Short:     "Set the software run enable",
	Long:      `Pause (off) or resume (on) the output coordinator. A paused run holds its outputs and timers.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var on bool
		switch strings.ToLower(args[0]) {
		case "on", "true", "1":
			on = true
		case "off", "false", "0":
		default:
			return fmt.Errorf("invalid run enable %q (expected on or off)", args[0])
		}
		return withGenerator(func(ctx context.Context, gen *device.Generator) error {
			if err := gen.WriteAction(protocol.Action{SoftwareRunEnable: protocol.Ptr(on)}); err != nil {
				return err
			}
			st, err := gen.GetState(ctx)
			if err != nil {
				return err
			}
			fmt.Println(notify.Describe(st))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(resetCmd, stateCmd, staticCmd, triggerCmd, echoCmd, enableCmd)

	stateCmd.Flags().BoolVar(&showPowerline, "powerline", false,
		"also print the powerline state")
	triggerCmd.Flags().DurationVar(&triggerWait, "wait", 0,
		"wait this long for the run to finish")
}

// withGenerator opens the generator selected by the flags for one command.
func withGenerator(fn func(ctx context.Context, gen *device.Generator) error) error {
	gen, err := openGenerator()
	if err != nil {
		return err
	}
	defer gen.Close()
	return fn(context.Background(), gen)
}

// parseState reads a state mask or a comma separated level list.
func parseState(s string) (uint32, error) {
	if strings.Contains(s, ",") {
		var levels []int
		for _, f := range strings.Split(s, ",") {
			v, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil {
				return 0, fmt.Errorf("invalid level %q: %w", f, err)
			}
			levels = append(levels, v)
		}
		return instr.StateFromLevels(levels)
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid state %q: %w", s, err)
	}
	if v&^instr.StateMask != 0 {
		return 0, fmt.Errorf("%w: state 0x%X", instr.ErrEncodingRange, v)
	}
	return uint32(v), nil
}
