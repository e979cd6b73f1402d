package serial

import (
	"fmt"
	"io"
	"strings"
)

// Port is the byte stream to a device. Implementations:
// - a local serial device (USB CDC or one of the AUX UARTs)
// - a TCP connection to serialboot-sim
type Port interface {
	io.ReadWriteCloser

	// Flush flushes any buffered data
	Flush() error
}

// TCPPrefix marks a Device that is a simulator address, e.g.
// "tcp://localhost:5500"
const TCPPrefix = "tcp://"

// Parity of the AUX UART line
type Parity byte

const (
	ParityNone Parity = 'N'
	ParityOdd  Parity = 'O'
	ParityEven Parity = 'E'
)

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3") or "tcp://host:port"
	Device string

	// Line settings, ignored by USB CDC and TCP
	Baud     int
	Parity   Parity
	StopBits int

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int
}

// DefaultConfig returns 8N1 at the AUX port rate
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        115200,
		Parity:      ParityNone,
		StopBits:    1,
		ReadTimeout: 100,
	}
}

// IsTCP reports whether Device names a simulator
func (c *Config) IsTCP() bool {
	return strings.HasPrefix(c.Device, TCPPrefix)
}

// Open opens the device named by cfg
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.IsTCP() {
		return dialTCP(strings.TrimPrefix(cfg.Device, TCPPrefix))
	}
	return openNative(cfg)
}
