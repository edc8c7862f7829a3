package devicelink

import "io"

// Port defines the minimal interface needed for the device transport.
// This abstraction enables unit testing without real serial hardware.
type Port interface {
	io.ReadWriter
	io.Closer
}

// PortOpener opens a port at path. It lets tests replace serial.Open.
type PortOpener func(path string, opts PortOptions) (Port, error)
