// Package notify turns the asynchronous stream of device messages into
// blocking, timeout-bounded waits.
//
// A single producer (normally a Reader) pushes decoded messages into a
// Queue. Callers wait for the first message satisfying a Predicate.
// Messages that no waiter claims are handed to a Printer and dropped, so
// they are surfaced but never returned to an unrelated caller.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
)

var (
	// ErrTimeout means no matching message arrived in time.
	ErrTimeout = errors.New("notify: timed out waiting for message")
	// ErrClosed means the message stream ended.
	ErrClosed = errors.New("notify: queue closed")
)

// WaitForever disables the timeout of Await. It is the only way to block
// without bound.
const WaitForever time.Duration = -1

// DefaultPendingLimit bounds the backlog kept while nobody waits.
const DefaultPendingLimit = 4096

type waiter struct {
	match Predicate
	ch    chan protocol.Message // buffered, receives at most one message
}

// Option configures a Queue.
type Option func(*Queue)

// WithPrinter surfaces unclaimed messages through p.
func WithPrinter(p Printer) Option {
	return func(q *Queue) {
		if p != nil {
			q.printer = p
		}
	}
}

// WithPendingLimit bounds the backlog; the oldest message is surfaced and
// dropped when it overflows.
func WithPendingLimit(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.limit = n
		}
	}
}

// Queue is the ordered message queue between the reader and waiters.
type Queue struct {
	mu      sync.Mutex
	pending []protocol.Message
	waiters []*waiter // registration order
	closed  bool
	done    chan struct{}
	limit   int
	printer Printer
}

// NewQueue returns an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		done:    make(chan struct{}),
		limit:   DefaultPendingLimit,
		printer: Discard,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push delivers m. Active waiters are offered the message in registration
// order and the first match takes it. With waiters active and no match the
// message is surfaced and dropped; with no waiter it is kept for the next
// Await.
func (q *Queue) Push(m protocol.Message) {
	var surfaced protocol.Message

	q.mu.Lock()
	switch {
	case q.closed:
	case len(q.waiters) > 0:
		if !q.offer(m) {
			surfaced = m
		}
	default:
		if len(q.pending) >= q.limit {
			surfaced = q.pending[0]
			q.pending = q.pending[1:]
		}
		q.pending = append(q.pending, m)
	}
	q.mu.Unlock()

	if surfaced != nil {
		q.printer.Print(surfaced)
	}
}

// offer hands m to the first matching waiter. Callers hold q.mu.
func (q *Queue) offer(m protocol.Message) bool {
	for i, w := range q.waiters {
		if w.match(m) {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			w.ch <- m
			return true
		}
	}
	return false
}

// Await returns the first message satisfying match. Backlogged messages are
// consumed from the front; those that do not match are surfaced and
// dropped. A timeout of 0 only inspects the backlog, WaitForever waits
// until a match, ctx is done or the queue closes.
func (q *Queue) Await(ctx context.Context, match Predicate, timeout time.Duration) (protocol.Message, error) {
	if match == nil {
		match = Anything()
	}

	q.mu.Lock()
	var skipped []protocol.Message
	var found protocol.Message
	for len(q.pending) > 0 {
		m := q.pending[0]
		q.pending = q.pending[1:]
		if match(m) {
			found = m
			break
		}
		skipped = append(skipped, m)
	}
	var w *waiter
	if found == nil && !q.closed && timeout != 0 {
		w = &waiter{match: match, ch: make(chan protocol.Message, 1)}
		q.waiters = append(q.waiters, w)
	}
	closed := q.closed
	q.mu.Unlock()

	for _, m := range skipped {
		q.printer.Print(m)
	}
	switch {
	case found != nil:
		return found, nil
	case w == nil && closed:
		return nil, ErrClosed
	case w == nil:
		return nil, ErrTimeout
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case m := <-w.ch:
		return m, nil
	case <-expired:
		return q.abandon(w, ErrTimeout)
	case <-ctx.Done():
		return q.abandon(w, ctx.Err())
	case <-q.done:
		return q.abandon(w, ErrClosed)
	}
}

// abandon unregisters w. A message delivered concurrently still wins.
func (q *Queue) abandon(w *waiter, err error) (protocol.Message, error) {
	q.mu.Lock()
	for i, other := range q.waiters {
		if other == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	select {
	case m := <-w.ch:
		return m, nil
	default:
		return nil, err
	}
}

// Drain collects every message until none arrives for quiet, or ctx is
// done. It never blocks without bound unless quiet is WaitForever.
func (q *Queue) Drain(ctx context.Context, quiet time.Duration) ([]protocol.Message, error) {
	var out []protocol.Message
	for {
		m, err := q.Await(ctx, Anything(), quiet)
		switch {
		case err == nil:
			out = append(out, m)
		case errors.Is(err, ErrTimeout), errors.Is(err, ErrClosed):
			return out, nil
		default:
			return out, err
		}
	}
}

// Pending returns the number of backlogged messages.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close ends the stream. Blocked and future waits fail with ErrClosed once
// the backlog holds no match.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
