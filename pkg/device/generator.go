// Package device is the host handle of a pulse generator. A Generator owns
// a transport, serializes writes to it and runs the background reader that
// feeds incoming messages to a notify.Queue.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/notify"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/transport"
)

// DefaultTimeout bounds the state queries and echo checks.
const DefaultTimeout = time.Second

// ErrEchoMismatch means the device answered an echo with another value.
var ErrEchoMismatch = errors.New("device: echo mismatch")

// Option configures a Generator.
type Option func(*Generator)

// WithLogger routes diagnostics to l.
func WithLogger(l *log.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithPrinter surfaces unclaimed messages through p. The default logs them.
func WithPrinter(p notify.Printer) Option {
	return func(g *Generator) { g.printer = p }
}

// WithTimeout sets the bound of GetState, GetPowerlineState and Echo.
func WithTimeout(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// Generator is a connected pulse generator.
type Generator struct {
	t       transport.Transport
	wmu     sync.Mutex // one frame sequence at a time on the wire
	q       *notify.Queue
	rd      *notify.Reader
	printer notify.Printer
	logger  *log.Logger
	timeout time.Duration
	once    sync.Once
}

// New takes ownership of t and starts reading from it.
func New(t transport.Transport, opts ...Option) *Generator {
	g := configure(opts)
	g.start(t)
	return g
}

// Open connects the transport described by cfg.
func Open(cfg transport.Config, opts ...Option) (*Generator, error) {
	g := configure(opts)
	t, err := transport.Open(cfg, g.logger)
	if err != nil {
		return nil, err
	}
	g.start(t)
	return g, nil
}

func configure(opts []Option) *Generator {
	g := &Generator{
		logger:  log.New(io.Discard, "", 0),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.printer == nil {
		g.printer = notify.LogPrinter(g.logger)
	}
	return g
}

func (g *Generator) start(t transport.Transport) {
	g.t = t
	g.q = notify.NewQueue(notify.WithPrinter(g.printer))
	g.rd = notify.StartReader(t, g.q, g.logger)
}

func (g *Generator) write(cmds ...protocol.Command) error {
	b, err := protocol.EncodeCommands(cmds...)
	if err != nil {
		return err
	}
	g.wmu.Lock()
	defer g.wmu.Unlock()
	if _, err := g.t.Write(b); err != nil {
		return fmt.Errorf("device: write: %w", err)
	}
	return nil
}

// WriteInstructions loads instructions into device memory. Nothing is sent
// unless every instruction encodes. Writing during a run is legal; the
// device applies each slot immediately.
func (g *Generator) WriteInstructions(ins ...instr.Instruction) error {
	b, err := instr.EncodeAll(ins)
	if err != nil {
		return err
	}
	g.wmu.Lock()
	defer g.wmu.Unlock()
	if _, err := g.t.Write(b); err != nil {
		return fmt.Errorf("device: write instructions: %w", err)
	}
	return nil
}

// WriteDeviceOptions changes the set fields; the rest keep their device
// value. Lowering FinalRAMAddress during a run can cause runaway
// addressing.
func (g *Generator) WriteDeviceOptions(o protocol.DeviceOptions) error {
	return g.write(o)
}

// WriteAction sends a one-shot directive.
func (g *Generator) WriteAction(a protocol.Action) error {
	return g.write(a)
}

// WriteStaticState sets the outputs driven while no run is in progress.
func (g *Generator) WriteStaticState(state uint32) error {
	return g.write(protocol.StaticState{State: state})
}

// WritePowerlineOptions changes the powerline trigger settings.
func (g *Generator) WritePowerlineOptions(o protocol.PowerlineOptions) error {
	return g.write(o)
}

// Trigger sends a software trigger.
func (g *Generator) Trigger() error {
	return g.write(protocol.Action{TriggerNow: true})
}

// ResetOutputCoordinator re-arms the coordinator at address 0. It is the
// recovery from runaway addressing and is safe in any state.
func (g *Generator) ResetOutputCoordinator() error {
	return g.write(protocol.Action{ResetOutputCoordinator: true})
}

// Echo checks the connection with a round trip.
func (g *Generator) Echo(ctx context.Context, v byte) error {
	if err := g.write(protocol.EchoRequest{Value: v}); err != nil {
		return err
	}
	m, err := g.q.Await(ctx, notify.OfKind(protocol.KindEcho), g.timeout)
	if err != nil {
		return fmt.Errorf("device: echo: %w", err)
	}
	if got := m.(protocol.Echo).Value; got != v {
		return fmt.Errorf("%w: sent 0x%02X, got 0x%02X", ErrEchoMismatch, v, got)
	}
	return nil
}

// GetState requests and returns the device state report.
func (g *Generator) GetState(ctx context.Context) (protocol.DeviceState, error) {
	if err := g.write(protocol.Action{RequestState: true}); err != nil {
		return protocol.DeviceState{}, err
	}
	m, err := g.q.Await(ctx, notify.OfKind(protocol.KindDeviceState), g.timeout)
	if err != nil {
		return protocol.DeviceState{}, fmt.Errorf("device: state: %w", err)
	}
	return m.(protocol.DeviceState), nil
}

// GetPowerlineState requests and returns the powerline report.
func (g *Generator) GetPowerlineState(ctx context.Context) (protocol.PowerlineState, error) {
	if err := g.write(protocol.Action{RequestPowerlineState: true}); err != nil {
		return protocol.PowerlineState{}, err
	}
	m, err := g.q.Await(ctx, notify.OfKind(protocol.KindPowerlineState), g.timeout)
	if err != nil {
		return protocol.PowerlineState{}, fmt.Errorf("device: powerline state: %w", err)
	}
	return m.(protocol.PowerlineState), nil
}

// ReturnOnNotification blocks until a notification satisfying match
// arrives. A nil match accepts any notification. Use notify.WaitForever to
// wait without bound.
func (g *Generator) ReturnOnNotification(ctx context.Context, match notify.Predicate, timeout time.Duration) (protocol.Notification, error) {
	p := notify.OfKind(protocol.KindNotification)
	if match != nil {
		p = notify.All(p, match)
	}
	m, err := g.q.Await(ctx, p, timeout)
	if err != nil {
		return protocol.Notification{}, err
	}
	return m.(protocol.Notification), nil
}

// ReturnOnMessageType blocks until a message of kind k arrives.
func (g *Generator) ReturnOnMessageType(ctx context.Context, k protocol.Kind, timeout time.Duration) (protocol.Message, error) {
	return g.q.Await(ctx, notify.OfKind(k), timeout)
}

// ReadAllMessages returns everything received until the device has been
// quiet for quiet.
func (g *Generator) ReadAllMessages(ctx context.Context, quiet time.Duration) ([]protocol.Message, error) {
	return g.q.Drain(ctx, quiet)
}

// Close stops the reader and closes the transport.
func (g *Generator) Close() error {
	var err error
	g.once.Do(func() {
		err = g.t.Close()
		<-g.rd.Done()
		if rerr := g.rd.Err(); rerr != nil {
			g.logger.Printf("device: reader stopped: %v", rerr)
		}
	})
	return err
}
