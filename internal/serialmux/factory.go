package serialmux

import (
	"errors"
	"time"

	"go.bug.st/serial"
)

// ErrNoPorts is returned by FindPort when no serial device is attached.
var ErrNoPorts = errors.New("no serial ports found")

// FindPort returns the first serial device the OS reports.
func FindPort() (string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", ErrNoPorts
	}
	return ports[0], nil
}

// NewRealSerialMux opens the serial device at path. An empty path picks
// the first attached device.
func NewRealSerialMux(path string, opts PortOptions, writeTimeout time.Duration) (*SerialMux[serial.Port], error) {
	if path == "" {
		p, err := FindPort()
		if err != nil {
			return nil, err
		}
		path = p
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return NewSerialMux[serial.Port](port, writeTimeout), nil
}
