package serialmux

import "io"

// SerialPorter is the minimal port surface; go.bug.st/serial ports and the
// test ports in this package satisfy it.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
