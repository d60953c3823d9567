package serialmux

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// errPortClosed is what a TestableSerialPort returns after Close.
var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter for tests. Reads drain
// data queued with AddReadData and return io.EOF once it is empty, which
// ends a Monitor loop.
type TestableSerialPort struct {
	mu      sync.Mutex
	reads   bytes.Buffer
	written bytes.Buffer

	// WriteLatency delays every Write, for exercising write timeouts.
	WriteLatency time.Duration
	// WriteError fails the next Write only.
	WriteError error
	Closed     bool
}

// NewTestableSerialPort returns an open port with nothing queued.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{}
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errPortClosed
	}
	return t.reads.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	latency := t.WriteLatency
	t.mu.Unlock()
	if latency > 0 {
		time.Sleep(latency)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errPortClosed
	}
	if err := t.WriteError; err != nil {
		t.WriteError = nil
		return 0, err
	}
	return t.written.Write(p)
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return nil
}

// AddReadData queues bytes for Read, as if the radio had sent them.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads.Write(data)
}

// GetWrittenData returns a copy of everything written so far.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.written.Bytes()...)
}
