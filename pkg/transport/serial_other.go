//go:build !linux

package transport

// Serial is unavailable off Linux; use the USB transport instead.
type Serial struct{}

// OpenSerial always fails with ErrUnsupported.
func OpenSerial(Config) (*Serial, error) { return nil, ErrUnsupported }

func (*Serial) Read([]byte) (int, error)  { return 0, ErrUnsupported }
func (*Serial) Write([]byte) (int, error) { return 0, ErrUnsupported }
func (*Serial) Close() error              { return nil }

func discoverSerial() []Info { return nil }
