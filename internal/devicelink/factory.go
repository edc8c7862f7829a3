package devicelink

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenSerial opens a real serial port at path.
func OpenSerial(path string, opts PortOptions) (Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

// NewSerialLink creates a Link backed by a real serial port at the given path
// using the provided serial options.
func NewSerialLink(path string, opts PortOptions, linkOpts Options) (*Link, error) {
	return dial(OpenSerial, path, opts, linkOpts)
}

func dial(open PortOpener, path string, opts PortOptions, linkOpts Options) (*Link, error) {
	if path == "" {
		return nil, ErrNotConnected
	}
	port, err := open(path, opts)
	if err != nil {
		return nil, err
	}
	return NewLink(port, linkOpts), nil
}
