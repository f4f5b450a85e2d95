package notify

import "github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"

// Predicate selects the message a waiter is interested in.
type Predicate func(protocol.Message) bool

// AtAddress matches the notification of a notify_computer instruction at
// addr.
func AtAddress(addr uint16) Predicate {
	return func(m protocol.Message) bool {
		n, ok := m.(protocol.Notification)
		return ok && n.Tagged && n.Address == addr
	}
}

// Finished matches a run-finished notification.
func Finished() Predicate {
	return func(m protocol.Message) bool {
		n, ok := m.(protocol.Notification)
		return ok && n.Finished
	}
}

// Triggered matches a main-trigger notification.
func Triggered() Predicate {
	return func(m protocol.Message) bool {
		n, ok := m.(protocol.Notification)
		return ok && n.Triggered
	}
}

// OfKind matches any message of kind k.
func OfKind(k protocol.Kind) Predicate {
	return func(m protocol.Message) bool { return m.Kind() == k }
}

// Anything matches every message.
func Anything() Predicate {
	return func(protocol.Message) bool { return true }
}

// All matches when every predicate does.
func All(ps ...Predicate) Predicate {
	return func(m protocol.Message) bool {
		for _, p := range ps {
			if !p(m) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one predicate does.
func Any(ps ...Predicate) Predicate {
	return func(m protocol.Message) bool {
		for _, p := range ps {
			if p(m) {
				return true
			}
		}
		return false
	}
}
