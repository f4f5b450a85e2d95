package cmd

import (
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/notify"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
)

// messagePrinter shows device messages that no command waited for, one
// colored line each.
type messagePrinter struct {
	mu sync.Mutex
	w  io.Writer

	notification *color.Color
	finished     *color.Color
	report       *color.Color
	failure      *color.Color
	other        *color.Color
}

func newMessagePrinter(w io.Writer) *messagePrinter {
	return &messagePrinter{
		w:            w,
		notification: color.New(color.FgCyan),
		finished:     color.New(color.FgGreen, color.Bold),
		report:       color.New(color.FgYellow),
		failure:      color.New(color.FgRed, color.Bold),
		other:        color.New(color.FgWhite),
	}
}

func (p *messagePrinter) Print(m protocol.Message) {
	c := p.other
	switch m := m.(type) {
	case protocol.Notification:
		c = p.notification
		if m.Finished {
			c = p.finished
		}
	case protocol.DeviceState, protocol.PowerlineState:
		c = p.report
	case protocol.DeviceError:
		c = p.failure
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c.Fprintln(p.w, notify.Describe(m))
}
