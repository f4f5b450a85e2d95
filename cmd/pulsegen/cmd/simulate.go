package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/coordinator"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/device"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/notify"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/transport"
)

var (
	simCycles     uint64
	simTriggers   int
	simTraceLimit int
	simLoopPolicy string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate <program>",
	Short: "Trace a program on the simulated coordinator",
	Long: `Load a program into the built-in simulator, trigger it and print every
instruction entry with its clock cycle, until the run ends or the cycle budget
is spent. Stop-and-wait instructions are re-triggered automatically.

Examples:
  pulsegen simulate blink.pulse
  pulsegen simulate --cycles 1000000 --trace-limit 50 continuous.pulse
  pulsegen simulate --loop-policy persist loops.pulse`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	addProgramFlags(simulateCmd)

	simulateCmd.Flags().Uint64Var(&simCycles, "cycles", protocol.ClockHz,
		"clock cycles to simulate at most")
	simulateCmd.Flags().IntVar(&simTriggers, "triggers", 16,
		"software triggers sent to release stop-and-wait instructions")
	simulateCmd.Flags().IntVar(&simTraceLimit, "trace-limit", 200,
		"instruction entries to print (0 for none)")
	simulateCmd.Flags().StringVar(&simLoopPolicy, "loop-policy", "reload",
		"loop counters at the start of a run (reload, persist)")
}

func parseLoopPolicy(s string) (coordinator.LoopPolicy, error) {
	for _, p := range []coordinator.LoopPolicy{coordinator.LoopsReloadEachRun, coordinator.LoopsPersistAcrossRuns} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown loop policy %q (supported: reload, persist)", s)
}

// cycleTime converts clock cycles to wall time.
func cycleTime(cycles uint64) time.Duration {
	return time.Duration(cycles) * (time.Second / protocol.ClockHz)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	prog, err := readProgram(args[0])
	if err != nil {
		return err
	}
	policy, err := parseLoopPolicy(simLoopPolicy)
	if err != nil {
		return err
	}

	var coord *coordinator.Coordinator
	traced := 0
	trace := func(addr uint16, in instr.Instruction) {
		switch {
		case traced < simTraceLimit:
			fmt.Printf("%12d  %4d  %024b", coord.Clock(), addr, in.State)
			if tags := in.Tags(); len(tags) > 0 {
				fmt.Printf("  [%s]", strings.Join(tags, ","))
			}
			fmt.Println()
		case traced == simTraceLimit && simTraceLimit > 0:
			fmt.Println("... trace truncated")
		}
		traced++
	}

	sim := transport.NewSim(
		transport.WithClock(0, 0),
		transport.WithSimLogger(logger()),
		transport.WithCoordinatorOptions(
			coordinator.WithEntryHook(trace),
			coordinator.WithLoopPolicy(policy),
		),
	)
	sim.Do(func(c *coordinator.Coordinator) { coord = c })

	printer := newMessagePrinter(os.Stdout)
	gen := device.New(sim, device.WithLogger(logger()), device.WithPrinter(printer))
	defer gen.Close()

	ctx := context.Background()
	loaded, err := loadProgram(gen, prog)
	if err != nil {
		return fmt.Errorf("failed to load program: %w", err)
	}
	if loaded != "" {
		fmt.Printf("Loaded waveform %q\n", loaded)
	}

	if simTraceLimit > 0 {
		fmt.Printf("%12s  %4s  %24s\n", "cycle", "addr", "state (ch24..ch1)")
	}
	if err := gen.WriteAction(protocol.Action{NotifyWhenCurrentRunFinished: true, TriggerNow: true}); err != nil {
		return err
	}
	if err := gen.Echo(ctx, barrierValue); err != nil {
		return err
	}

	var used uint64
	triggers := simTriggers
	for used < simCycles {
		var state coordinator.State
		sim.Do(func(c *coordinator.Coordinator) {
			used += c.RunUntilIdle(simCycles - used)
			state = c.State()
		})
		if state != coordinator.StateStoppedAndWaiting || triggers == 0 {
			break
		}
		triggers--
		sim.Do(func(c *coordinator.Coordinator) { c.Trigger() })
	}

	// Flush what the run reported before the final state.
	if err := gen.Echo(ctx, barrierValue); err != nil {
		return err
	}
	msgs, err := gen.ReadAllMessages(ctx, 0)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		printer.Print(m)
	}

	st, err := gen.GetState(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Simulated %d cycles (%v), %d instruction entries\n", used, cycleTime(used), traced)
	fmt.Printf("Final state: %s\n", notify.Describe(st))
	return nil
}
