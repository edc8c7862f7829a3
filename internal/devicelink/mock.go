package devicelink

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// TestablePort implements Port with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, errors, and latency.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// WriteLatency adds a delay to each Write call
	WriteLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes the next Write report one byte fewer than requested
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// WriteCalls records the number of Write calls
	WriteCalls int

	// OnWrite, if set, is called with each written frame after the port lock
	// is released. Tests use it to answer requests.
	OnWrite func(frame []byte)

	readCond *sync.Cond
}

// NewTestablePort creates a port whose reads block until data is added or
// the port is closed.
func NewTestablePort() *TestablePort {
	p := &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Read blocks until data is available, an error is injected or the port is
// closed.
func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.Closed && p.ReadError == nil && p.ReadBuffer.Len() == 0 {
		p.readCond.Wait()
	}
	if p.Closed {
		return 0, errPortClosed
	}
	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}
	return p.ReadBuffer.Read(b)
}

// Write writes to the write buffer, optionally simulating latency and errors.
func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.WriteCalls++

	if p.Closed {
		p.mu.Unlock()
		return 0, errPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		p.mu.Unlock()
		return 0, err
	}
	if p.WriteLatency > 0 {
		p.mu.Unlock()
		time.Sleep(p.WriteLatency)
		p.mu.Lock()
	}
	n := len(b)
	if p.ShortWrite {
		p.ShortWrite = false
		n--
	}
	p.WriteBuffer.Write(b[:n])
	hook := p.OnWrite
	p.mu.Unlock()

	if hook != nil {
		hook(append([]byte(nil), b[:n]...))
	}
	return n, nil
}

// Close marks the port as closed and wakes blocked readers.
func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Closed = true
	p.readCond.Broadcast()
	return p.CloseError
}

// AddReadData adds data to be returned by subsequent Read calls.
func (p *TestablePort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadBuffer.Write(data)
	p.readCond.Broadcast()
}

// InjectReadError makes the next Read fail with err.
func (p *TestablePort) InjectReadError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadError = err
	p.readCond.Broadcast()
}

// GetWrittenData returns all data written to the port.
func (p *TestablePort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.WriteBuffer.Bytes()...)
}

// IsClosed reports whether Close was called.
func (p *TestablePort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Closed
}
