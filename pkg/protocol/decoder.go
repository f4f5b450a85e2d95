package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// framer splits a byte stream into frames whose length is known from the
// leading identifier. An unknown identifier consumes exactly one byte, so the
// next read tries to resynchronise on the following byte.
type framer struct {
	r    *bufio.Reader
	size func(id byte) (int, bool)
}

func (f *framer) next() ([]byte, error) {
	id, err := f.r.ReadByte()
	if err != nil {
		return nil, err
	}
	size, ok := f.size(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown identifier 0x%02X", ErrProtocolDesync, id)
	}
	frame := make([]byte, size)
	frame[0] = id
	if _, err := io.ReadFull(f.r, frame[1:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("protocol: truncated frame 0x%02X: %w", id, err)
	}
	return frame, nil
}

// MessageDecoder reads device messages from a stream.
type MessageDecoder struct {
	f framer
}

// NewMessageDecoder wraps r, buffering it.
func NewMessageDecoder(r io.Reader) *MessageDecoder {
	return &MessageDecoder{f: framer{
		r: bufio.NewReader(r),
		size: func(id byte) (int, bool) {
			n, ok := kindSizes[Kind(id)]
			return n, ok
		},
	}}
}

// Next returns the next message. Errors wrapping ErrProtocolDesync are
// recoverable: calling Next again continues after the bad bytes. io.EOF is
// returned unwrapped at a clean end of stream.
func (d *MessageDecoder) Next() (Message, error) {
	frame, err := d.f.next()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(frame)
}

// CommandDecoder reads host commands from a stream; the simulator uses it
// to play the device side.
type CommandDecoder struct {
	f framer
}

// NewCommandDecoder wraps r, buffering it.
func NewCommandDecoder(r io.Reader) *CommandDecoder {
	return &CommandDecoder{f: framer{r: bufio.NewReader(r), size: commandSize}}
}

// Next returns the next command with the same recovery rules as
// MessageDecoder.Next.
func (d *CommandDecoder) Next() (Command, error) {
	frame, err := d.f.next()
	if err != nil {
		return nil, err
	}
	return DecodeCommand(frame)
}

// EncodeCommands concatenates the frames of several commands.
func EncodeCommands(cmds ...Command) ([]byte, error) {
	var out []byte
	for _, c := range cmds {
		b, err := c.Encode()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}
