package cmd

import (
	"context"
	"errors"
	"os"

	"golang.org/x/term"
)

var errNoTerminal = errors.New("stdin is not a terminal")

// Keys that end waitForStopKey.
const (
	keyEscape = 0x1b
	keyCtrlC  = 0x03
)

// waitForStopKey puts the terminal in raw mode and returns once Esc, q or
// Ctrl-C is pressed, or ctx is done.
func waitForStopKey(ctx context.Context) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errNoTerminal
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)

	pressed := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := os.Stdin.Read(buf); err != nil {
				pressed <- err
				return
			}
			switch buf[0] {
			case keyEscape, keyCtrlC, 'q', 'Q':
				pressed <- nil
				return
			}
		}
	}()

	select {
	case err := <-pressed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
