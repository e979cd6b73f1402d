//go:build rp2040

package main

import (
	"machine"
	"sync"
	"time"

	"serialboot/protocol"
)

// serialDevice is what machine.Serial (USB CDC) and machine.UART share
type serialDevice interface {
	Buffered() int
	ReadByte() (byte, error)
	Write(p []byte) (int, error)
}

// pollLink implements protocol.Link by polling a tinygo serial device
type pollLink struct {
	dev serialDevice
	bus sync.Mutex

	// Consecutive failed writes; the host is assumed gone after maxWriteFailures
	writeFailures uint32
}

const maxWriteFailures = 10

func newPollLink(dev serialDevice) *pollLink {
	return &pollLink{dev: dev}
}

// Receive implements protocol.Link
func (l *pollLink) Receive(timeout time.Duration) (byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if l.dev.Buffered() > 0 {
			return l.dev.ReadByte()
		}
		if timeout > 0 && time.Now().After(deadline) {
			return 0, protocol.ErrTimeout
		}
		// Yield to avoid a busy loop
		time.Sleep(100 * time.Microsecond)
	}
}

// Send implements protocol.Link
func (l *pollLink) Send(p []byte, timeout time.Duration) (int, error) {
	n, err := l.dev.Write(p)
	if err != nil || n == 0 {
		l.writeFailures++
		if err == nil {
			err = protocol.ErrTimeout
		}
		return n, err
	}
	l.writeFailures = 0
	return n, nil
}

// IsActive implements protocol.Link. A reconnecting host clears the
// failure count with its first byte.
func (l *pollLink) IsActive() bool {
	if l.writeFailures > maxWriteFailures {
		if l.dev.Buffered() == 0 {
			return false
		}
		l.writeFailures = 0
	}
	return true
}

// Claim implements protocol.Link
func (l *pollLink) Claim() {
	l.bus.Lock()
}

// Release implements protocol.Link
func (l *pollLink) Release() {
	l.bus.Unlock()
}

// InitUSB configures USB CDC, which TinyGo sets up as machine.Serial
func InitUSB() *pollLink {
	machine.Serial.Configure(machine.UARTConfig{})
	return newPollLink(machine.Serial)
}

// InitUART configures a hardware UART for an AUX port
func InitUART(uart *machine.UART, tx, rx machine.Pin, baud uint32) (*pollLink, error) {
	err := uart.Configure(machine.UARTConfig{BaudRate: baud, TX: tx, RX: rx})
	if err != nil {
		return nil, err
	}
	return newPollLink(uart), nil
}
