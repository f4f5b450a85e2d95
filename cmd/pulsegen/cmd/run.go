package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/coordinator"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/device"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/notify"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
)

var (
	runTimeout  time.Duration
	runDuration time.Duration
	noTrigger   bool
)

var runCmd = &cobra.Command{
	Use:   "run <program>",
	Short: "Load a program and run it on the generator",
	Long: `Load a program file into the generator, trigger it and wait for the run to
finish.

The run command will:
  1. Reset the output coordinator
  2. Write powerline and device options
  3. Write the instructions, or compile and load the waveforms
  4. Trigger the run (unless --no-trigger) and wait for it to finish

A continuous program loops until Esc is pressed, or until --duration has
passed, and then stops at the end of the current run.

Examples:
  # Run a program on the first FTDI serial port
  pulsegen run blink.pulse

  # Arm only, the run starts on the hardware trigger input
  pulsegen run --no-trigger --timeout 0 gated.pulse

  # Play the "rabi" waveform on the simulator for one second
  pulsegen run -i sim -w rabi --duration 1s sequences.pulse`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addProgramFlags(runCmd)

	runCmd.Flags().DurationVarP(&runTimeout, "timeout", "t", 10*time.Second,
		"how long to wait for a single run to finish (0 waits forever)")
	runCmd.Flags().DurationVarP(&runDuration, "duration", "d", 0,
		"stop a continuous program after this long instead of on Esc")
	runCmd.Flags().BoolVar(&noTrigger, "no-trigger", false,
		"arm the program without triggering it")
}

func runRun(cmd *cobra.Command, args []string) error {
	prog, err := readProgram(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	gen, err := openGenerator()
	if err != nil {
		return err
	}
	defer gen.Close()

	loaded, err := loadProgram(gen, prog)
	if err != nil {
		return fmt.Errorf("failed to load program: %w", err)
	}
	if err := gen.Echo(ctx, barrierValue); err != nil {
		return fmt.Errorf("generator did not confirm the program: %w", err)
	}
	st, err := gen.GetState(ctx)
	if err != nil {
		return err
	}
	settings := st.Settings

	if loaded != "" {
		fmt.Printf("Loaded waveform %q\n", loaded)
	}
	fmt.Printf("Program loaded: final address %d, %s run, %s trigger\n",
		settings.FinalRAMAddress, settings.RunMode, settings.TriggerMode)

	if settings.RunMode == protocol.RunContinuous {
		return runContinuous(ctx, gen)
	}
	return runSingle(ctx, gen)
}

func runSingle(ctx context.Context, gen *device.Generator) error {
	action := protocol.Action{NotifyWhenCurrentRunFinished: true, TriggerNow: !noTrigger}
	if err := gen.WriteAction(action); err != nil {
		return err
	}
	if noTrigger {
		fmt.Println("Armed, waiting for trigger...")
	}

	timeout := runTimeout
	if timeout <= 0 {
		timeout = notify.WaitForever
	}
	start := time.Now()
	n, err := gen.ReturnOnNotification(ctx, notify.Finished(), timeout)
	if err != nil {
		return fmt.Errorf("run did not finish: %w", err)
	}
	fmt.Printf("Run finished at address %d after %v\n", n.Address, time.Since(start).Round(time.Millisecond))
	return nil
}

func runContinuous(ctx context.Context, gen *device.Generator) error {
	if !noTrigger {
		if err := gen.Trigger(); err != nil {
			return err
		}
	}

	// Surface notifications while looping.
	watchCtx, cancelWatch := context.WithCancel(ctx)
	watched := make(chan struct{})
	printer := newMessagePrinter(os.Stdout)
	go func() {
		defer close(watched)
		for {
			n, err := gen.ReturnOnNotification(watchCtx, nil, notify.WaitForever)
			if err != nil {
				return
			}
			printer.Print(n)
		}
	}()

	var err error
	if runDuration > 0 {
		fmt.Printf("Looping for %v...\n", runDuration)
		select {
		case <-time.After(runDuration):
		case <-ctx.Done():
		}
	} else {
		fmt.Println("Looping, press Esc to stop...")
		err = waitForStopKey(ctx)
		if errors.Is(err, errNoTerminal) {
			err = fmt.Errorf("continuous program needs a terminal or --duration: %w", err)
		}
	}
	cancelWatch()
	<-watched
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// The signal context may be done; stopping must still go through.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := gen.GetState(stopCtx)
	if err != nil {
		return err
	}
	switch coordinator.State(st.Coordinator) {
	case coordinator.StateIdle, coordinator.StateArmed:
		fmt.Println("Stopped before a run started")
		return gen.ResetOutputCoordinator()
	}
	if err := gen.WriteAction(protocol.Action{DisableAfterCurrentRun: true, NotifyWhenCurrentRunFinished: true}); err != nil {
		return err
	}
	n, err := gen.ReturnOnNotification(stopCtx, notify.Finished(), notify.WaitForever)
	if err != nil {
		return fmt.Errorf("run did not stop: %w", err)
	}
	fmt.Printf("Stopped after the run ending at address %d\n", n.Address)
	return nil
}
