package notify

import (
	"errors"
	"io"
	"log"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/protocol"
)

// Reader is the background loop that decodes the device stream into a
// Queue. It is the queue's only producer.
type Reader struct {
	dec    *protocol.MessageDecoder
	q      *Queue
	logger *log.Logger
	done   chan struct{}
	err    error
}

// StartReader decodes r into q on a new goroutine until r fails or reaches
// EOF, then closes q. Desynchronized bytes are logged and skipped. A nil
// logger discards the log.
func StartReader(r io.Reader, q *Queue, logger *log.Logger) *Reader {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	rd := &Reader{
		dec:    protocol.NewMessageDecoder(r),
		q:      q,
		logger: logger,
		done:   make(chan struct{}),
	}
	go rd.run()
	return rd
}

func (rd *Reader) run() {
	defer close(rd.done)
	defer rd.q.Close()

	for {
		m, err := rd.dec.Next()
		switch {
		case err == nil:
			rd.q.Push(m)
		case errors.Is(err, protocol.ErrProtocolDesync):
			rd.logger.Printf("notify: %v", err)
		case errors.Is(err, io.EOF):
			return
		default:
			rd.err = err
			return
		}
	}
}

// Done is closed when the loop has exited.
func (rd *Reader) Done() <-chan struct{} { return rd.done }

// Err returns the error that stopped the loop, nil on a clean EOF. It is
// only meaningful after Done is closed.
func (rd *Reader) Err() error {
	<-rd.done
	return rd.err
}
