package transport

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/coordinator"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/instr"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
)

// CommandHook observes every command the simulator accepts, before it is
// applied.
type CommandHook func(protocol.Command)

// SimOption configures a Sim.
type SimOption func(*Sim)

// WithCoordinatorOptions passes options to the simulated coordinator.
func WithCoordinatorOptions(opts ...coordinator.Option) SimOption {
	return func(s *Sim) { s.copts = append(s.copts, opts...) }
}

// WithClock advances the coordinator by cycles every tick. Zero cycles
// stops the free-running clock; the caller then drives it with Advance.
func WithClock(tick time.Duration, cycles uint64) SimOption {
	return func(s *Sim) {
		if tick > 0 {
			s.tick = tick
		}
		s.cyclesPerTick = cycles
	}
}

// WithCommandHook installs h.
func WithCommandHook(h CommandHook) SimOption {
	return func(s *Sim) { s.hook = h }
}

// WithSimLogger routes diagnostics to l.
func WithSimLogger(l *log.Logger) SimOption {
	return func(s *Sim) { s.logger = discardLogger(l) }
}

// Sim plays the device side of the protocol in process: host frames are
// decoded and applied to a coordinator.Coordinator, whose messages are
// encoded back into the read stream. By default its clock follows wall
// time at the real 100 MHz rate.
type Sim struct {
	copts         []coordinator.Option
	tick          time.Duration
	cyclesPerTick uint64
	hook          CommandHook
	logger        *log.Logger

	mu       sync.Mutex // guards everything below and the coordinator
	readable *sync.Cond
	c        *coordinator.Coordinator
	out      []byte
	closed   bool
	commands int

	pr   *io.PipeReader
	pw   *io.PipeWriter
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewSim starts a simulated device.
func NewSim(opts ...SimOption) *Sim {
	s := &Sim{
		tick:          time.Millisecond,
		cyclesPerTick: protocol.ClockHz / 1000,
		logger:        discardLogger(nil),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.readable = sync.NewCond(&s.mu)
	s.c = coordinator.New(append(s.copts,
		coordinator.WithSink(s.emit),
		coordinator.WithLogger(s.logger),
	)...)
	s.pr, s.pw = io.Pipe()

	s.wg.Add(1)
	go s.serve()
	if s.cyclesPerTick > 0 {
		s.wg.Add(1)
		go s.clock()
	}
	return s
}

// emit queues m for the host. Callers hold s.mu.
func (s *Sim) emit(m protocol.Message) {
	if s.closed {
		return
	}
	s.out = append(s.out, m.Encode()...)
	s.readable.Broadcast()
}

func (s *Sim) serve() {
	defer s.wg.Done()
	dec := protocol.NewCommandDecoder(s.pr)
	for {
		cmd, err := dec.Next()
		if err != nil {
			if !errors.Is(err, protocol.ErrProtocolDesync) {
				return
			}
			s.logger.Printf("transport: sim: %v", err)
			s.report(decodeErrorCode(err), 0)
			continue
		}
		s.handle(cmd)
	}
}

func decodeErrorCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, instr.ErrMalformedRecord):
		return protocol.ErrCodeInvalidInstruction
	case errors.Is(err, protocol.ErrInvalidOption):
		return protocol.ErrCodeInvalidOption
	}
	return protocol.ErrCodeUnknownCommand
}

func (s *Sim) handle(cmd protocol.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands++
	if s.hook != nil {
		s.hook(cmd)
	}
	err := s.c.Handle(cmd)
	if err == nil {
		return
	}
	s.logger.Printf("transport: sim: %v", err)
	if in, ok := cmd.(protocol.LoadInstruction); ok {
		s.emit(protocol.DeviceError{Code: protocol.ErrCodeInvalidInstruction, Detail: in.Address})
		return
	}
	s.emit(protocol.DeviceError{Code: protocol.ErrCodeInvalidOption, Detail: uint16(cmd.Identifier())})
}

func (s *Sim) report(code protocol.ErrorCode, detail uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit(protocol.DeviceError{Code: code, Detail: detail})
}

func (s *Sim) clock() {
	defer s.wg.Done()
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.Advance(s.cyclesPerTick)
		}
	}
}

// Advance runs the coordinator for cycles clock cycles.
func (s *Sim) Advance(cycles uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Advance(cycles)
}

// Do runs fn with exclusive access to the coordinator, for driving inputs
// such as the hardware trigger or inspecting outputs.
func (s *Sim) Do(fn func(c *coordinator.Coordinator)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.c)
}

// Commands reports how many well-formed commands were received.
func (s *Sim) Commands() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands
}

// Write hands p to the device loop. It returns once the bytes are consumed.
func (s *Sim) Write(p []byte) (int, error) {
	n, err := s.pw.Write(p)
	if err != nil {
		return n, fmt.Errorf("transport: simulator closed: %w", err)
	}
	return n, nil
}

// Read blocks until the device has sent something. It returns io.EOF once
// the simulator is closed and drained.
func (s *Sim) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.out) == 0 && !s.closed {
		s.readable.Wait()
	}
	if len(s.out) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

// Close stops the device and its clock.
func (s *Sim) Close() error {
	s.once.Do(func() {
		s.pr.CloseWithError(io.EOF)
		close(s.stop)
		s.wg.Wait()

		s.mu.Lock()
		s.closed = true
		s.readable.Broadcast()
		s.mu.Unlock()
	})
	return nil
}
