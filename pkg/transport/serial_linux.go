//go:build linux

package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	2000000: unix.B2000000,
	3000000: unix.B3000000,
	4000000: unix.B4000000,
}

// Serial is the bridge seen through the kernel's ftdi_sio driver.
type Serial struct {
	f       *os.File
	path    string
	timeout time.Duration
}

// OpenSerial opens cfg.Path, or the first discovered FTDI tty, in raw 8N1
// mode.
func OpenSerial(cfg Config) (*Serial, error) {
	path := cfg.Path
	if path == "" {
		ttys := discoverSerial()
		if len(ttys) == 0 {
			return nil, fmt.Errorf("%w: no FTDI serial port", ErrNotFound)
		}
		path = ttys[0].Path
	}
	speed, ok := baudRates[cfg.Baud]
	if !ok {
		return nil, fmt.Errorf("transport: baud %d not supported by the tty driver", cfg.Baud)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	if err := makeRaw(fd, speed); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: configure %s: %w", path, err)
	}
	// Drop whatever a previous session left behind.
	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)

	// A non-blocking descriptor gives a pollable file, so Close unblocks Read.
	return &Serial{f: os.NewFile(uintptr(fd), path), path: path, timeout: cfg.Timeout}, nil
}

func makeRaw(fd int, speed uint32) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

// Read returns io.EOF after Close.
func (s *Serial) Read(p []byte) (int, error) {
	n, err := s.f.Read(p)
	if errors.Is(err, os.ErrClosed) {
		return n, io.EOF
	}
	return n, err
}

func (s *Serial) Write(p []byte) (int, error) {
	if s.timeout > 0 {
		if err := s.f.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return 0, err
		}
	}
	n, err := s.f.Write(p)
	if err != nil {
		return n, fmt.Errorf("transport: write %s: %w", s.path, err)
	}
	return n, nil
}

func (s *Serial) Close() error {
	return s.f.Close()
}

// discoverSerial lists ttys bound to the ftdi_sio driver.
func discoverSerial() []Info {
	var out []Info
	ttys, _ := filepath.Glob("/sys/class/tty/ttyUSB*")
	for _, tty := range ttys {
		driver, err := filepath.EvalSymlinks(filepath.Join(tty, "device", "driver"))
		if err != nil || filepath.Base(driver) != "ftdi_sio" {
			continue
		}
		out = append(out, Info{
			Kind:        KindSerial,
			Description: "FTDI serial port",
			VendorID:    VendorIDFTDI,
			Path:        filepath.Join("/dev", filepath.Base(tty)),
		})
	}
	return out
}
