package notify

import (
	"fmt"
	"log"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/coordinator"
	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
)

// Printer surfaces messages that no waiter claimed.
type Printer interface {
	Print(protocol.Message)
}

// PrinterFunc adapts a function to Printer.
type PrinterFunc func(protocol.Message)

func (f PrinterFunc) Print(m protocol.Message) { f(m) }

// Discard drops every message.
var Discard Printer = PrinterFunc(func(protocol.Message) {})

// LogPrinter writes one line per message to l.
func LogPrinter(l *log.Logger) Printer {
	if l == nil {
		return Discard
	}
	return PrinterFunc(func(m protocol.Message) {
		l.Printf("notify: %s", Describe(m))
	})
}

// Describe renders a message on one line.
func Describe(m protocol.Message) string {
	switch m := m.(type) {
	case protocol.Notification:
		return m.String()
	case protocol.DeviceState:
		return fmt.Sprintf("devicestate %s address=%d final=%d run_mode=%s trigger_mode=%s trigger_time=%d trigger_length=%d outputs=%024b run_enable(sw=%t hw=%t)",
			coordinator.State(m.Coordinator), m.Address, m.Settings.FinalRAMAddress,
			m.Settings.RunMode, m.Settings.TriggerMode, m.Settings.TriggerTime, m.Settings.TriggerLength,
			m.Outputs, m.SoftwareRunEnable, m.HardwareRunEnable)
	case protocol.PowerlineState:
		return fmt.Sprintf("powerlinestate trigger_on_powerline=%t locked=%t period=%d delay=%d",
			m.TriggerOnPowerline, m.Locked, m.Period, m.Delay)
	case protocol.Echo:
		return fmt.Sprintf("echo 0x%02X", m.Value)
	case protocol.DeviceError:
		return m.Error()
	case nil:
		return "<nil>"
	}
	return fmt.Sprintf("%v %+v", m.Kind(), m)
}
