package cmd

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/pulser"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/transport"
)

// resetFlags restores every flag variable; cobra keeps them between
// executions of rootCmd.
func resetFlags() {
	def := transport.DefaultConfig()
	verbose = false
	ifaceKind = string(def.Kind)
	portPath = ""
	usbSerial = ""
	vendorID = def.VendorID
	productID = def.ProductID
	baudRate = def.Baud
	usbLatency = def.Latency

	waveformName = ""
	sampleRate = protocol.ClockHz
	laserChannel = pulser.DefaultConfig().LaserChannel

	runTimeout = 10 * time.Second
	runDuration = 0
	noTrigger = false
	simCycles = protocol.ClockHz
	simTriggers = 16
	simTraceLimit = 200
	simLoopPolicy = "reload"
	showRecords = false
	showPowerline = false
	triggerWait = 0
}

// execute runs the CLI with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	// Read in background to prevent pipe buffer from blocking
	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		buf.ReadFrom(r)
		close(done)
	}()

	resetFlags()
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()

	w.Close()
	os.Stdout = old
	<-done
	return buf.String(), err
}

func TestCommandsE2E(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantErr     bool
		wantContain []string
	}{
		{
			name: "compile instructions",
			args: []string{"compile", "--records", "testdata/blink.pulse"},
			wantContain: []string{
				"Options: final_ram_address=3 run_mode=single trigger_mode=software",
				"Instructions (4):",
				"   1: state=000000000000000000000000 countdown=1000 loopto=0 loops=2",
				"   2: state=000000000000000000000010 countdown=500 [notify_computer]",
				"0F 00 00",
				"Sum of countdowns: 2510 cycles (25.1µs)",
			},
		},
		{
			name: "compile waveforms",
			args: []string{"compile", "testdata/rabi.pulse"},
			wantContain: []string{
				"Loaded waveform: rabi",
				"final_ram_address=4",
				"   0: state=000000000000000000000001 countdown=5 loopto=2 loops=1",
				"   2: state=000000000000000000000011 countdown=5",
				"   4: state=000000000000000000000000 countdown=5",
				"   6: state=000000000000000000000001 countdown=5",
				"Memory used: 7 of 8192 slots",
			},
		},
		{
			name: "compile selects waveform",
			args: []string{"compile", "--waveform", "dark", "testdata/rabi.pulse"},
			wantContain: []string{
				"Loaded waveform: dark",
				"final_ram_address=6",
				"   0: state=000000000000000000000000 countdown=5 loopto=6 loops=1",
			},
		},
		{
			name: "compile with moved laser",
			args: []string{"compile", "--laser", "4", "--waveform", "dark", "testdata/rabi.pulse"},
			wantContain: []string{
				"   6: state=000000000000000000010000 countdown=5",
			},
		},
		{
			name: "simulate traces the run",
			args: []string{"simulate", "testdata/blink.pulse"},
			wantContain: []string{
				"           0     0  000000000000000000000001",
				"        6000     2  000000000000000000000010  [notify_computer]",
				"notification address=2 reason=address",
				"notification address=3 reason=finished",
				"Simulated 6510 cycles (65.1µs), 8 instruction entries",
				"Final state: devicestate Armed",
			},
		},
		{
			name: "simulate waveform",
			args: []string{"simulate", "--trace-limit", "2", "testdata/rabi.pulse"},
			wantContain: []string{
				`Loaded waveform "rabi"`,
				"... trace truncated",
				"Simulated 20 cycles",
				"4 instruction entries",
			},
		},
		{
			name: "simulate continuous stops at budget",
			args: []string{"simulate", "--trace-limit", "0", "--cycles", "250000", "testdata/continuous.pulse"},
			wantContain: []string{
				"Simulated 250000 cycles (2.5ms), 6 instruction entries",
				"Final state: devicestate Running",
			},
		},
		{
			name: "run on simulator",
			args: []string{"run", "-i", "sim", "testdata/blink.pulse"},
			wantContain: []string{
				"Program loaded: final address 3, single run, software trigger",
				"notification address=2 reason=address",
				"Run finished at address 3",
			},
		},
		{
			name: "run continuous for a while",
			args: []string{"run", "-i", "sim", "--duration", "20ms", "testdata/continuous.pulse"},
			wantContain: []string{
				"continuous run",
				"Looping for 20ms",
				"Stopped after the run ending at address 1",
			},
		},
		{
			name: "state",
			args: []string{"state", "-i", "sim", "--powerline"},
			wantContain: []string{
				"devicestate Idle address=0",
				"powerlinestate trigger_on_powerline=false locked=true period=2000000",
			},
		},
		{
			name:        "static levels",
			args:        []string{"static", "-i", "sim", "1,0,1"},
			wantContain: []string{"Static state 000000000000000000000101"},
		},
		{
			name:        "echo",
			args:        []string{"echo", "-i", "sim", "0x42"},
			wantContain: []string{"Echo 0x42 ok"},
		},
		{
			name:        "trigger and wait",
			args:        []string{"trigger", "-i", "sim", "--wait", "1s"},
			wantContain: []string{"Run finished at address 0"},
		},
		{
			name:        "enable off",
			args:        []string{"enable", "-i", "sim", "off"},
			wantContain: []string{"devicestate Disabled", "run_enable(sw=false hw=true)"},
		},
		{
			name:        "reset",
			args:        []string{"reset", "-i", "sim"},
			wantContain: []string{"devicestate Armed address=0"},
		},
		{
			name:    "invalid program",
			args:    []string{"compile", "testdata/bad.pulse"},
			wantErr: true,
		},
		{
			name:    "missing program",
			args:    []string{"simulate", "testdata/nope.pulse"},
			wantErr: true,
		},
		{
			name:    "unknown waveform",
			args:    []string{"compile", "--waveform", "nope", "testdata/rabi.pulse"},
			wantErr: true,
		},
		{
			name:    "bad sample rate",
			args:    []string{"compile", "--sample-rate", "3e7", "testdata/rabi.pulse"},
			wantErr: true,
		},
		{
			name:    "unknown interface",
			args:    []string{"state", "-i", "jtag"},
			wantErr: true,
		},
		{
			name:    "bad static state",
			args:    []string{"static", "-i", "sim", "0x1000000"},
			wantErr: true,
		},
		{
			name:    "bad loop policy",
			args:    []string{"simulate", "--loop-policy", "forever", "testdata/blink.pulse"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := execute(t, tt.args...)

			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error but got none\nOutput: %s", output)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v\nOutput: %s", err, output)
				return
			}

			for _, want := range tt.wantContain {
				if !strings.Contains(output, want) {
					t.Errorf("Output missing expected string: %q\nGot:\n%s", want, output)
				}
			}
		})
	}
}

func TestInterfacesE2E(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping USB enumeration in short mode")
	}
	output, err := execute(t, "interfaces")
	if err != nil {
		t.Fatalf("Unexpected error: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(output, "Simulator (no hardware) [simulator]") {
		t.Errorf("Output missing the simulator entry\nGot:\n%s", output)
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"0", 0, false},
		{"5", 5, false},
		{"0b1010", 10, false},
		{"0xFF_FFFF", 0xFFFFFF, false},
		{"1,1", 3, false},
		{"0, 0, 1", 4, false},
		{"0x1000000", 0, true},
		{"1,2", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := parseState(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseState(%q) = %d, %v; want %d (error %v)", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}
