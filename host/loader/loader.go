package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"

	"serialboot/host/serial"
	"serialboot/protocol"
)

const (
	// ChunkSize is the payload of each write package, a whole number of
	// flash words
	ChunkSize = 248
	// ReadChunkSize is the payload requested per read package
	ReadChunkSize = protocol.MaxDataSize

	DefaultTimeout      = time.Second
	DefaultEraseTimeout = 15 * time.Second
)

var (
	ErrNotConnected   = errors.New("not connected to device")
	ErrEmptyImage     = errors.New("firmware image is empty")
	ErrUnexpectedMode = errors.New("device is not in bootloader mode")
	ErrOffsetMismatch = errors.New("device reported unexpected offset")
)

// VerifyError reports the first byte that differs from the image
type VerifyError struct {
	Offset   int
	Expected byte
	Actual   byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify failed at offset %d: expected 0x%02x, got 0x%02x", e.Offset, e.Expected, e.Actual)
}

// Progress is called after each package with bytes done and total
type Progress func(done, total int)

// Loader drives a device running the serial bootloader
type Loader struct {
	// Transport layer
	transport *protocol.HostTransport

	// Serial port
	port io.ReadWriteCloser

	Timeout      time.Duration
	EraseTimeout time.Duration

	// Connection state
	connected bool
}

// NewLoader creates a new Loader instance (not yet connected)
func NewLoader() *Loader {
	return &Loader{
		Timeout:      DefaultTimeout,
		EraseTimeout: DefaultEraseTimeout,
	}
}

// Connect connects to a device via serial port or tcp:// address
func (l *Loader) Connect(device string) error {
	return l.ConnectWithConfig(serial.DefaultConfig(device))
}

// ConnectWithConfig connects to a device with a custom serial config
func (l *Loader) ConnectWithConfig(cfg *serial.Config) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}
	glog.Infof("Opened %s", cfg.Device)
	l.Attach(port)
	return nil
}

// Attach uses an already open stream
func (l *Loader) Attach(port io.ReadWriteCloser) {
	l.port = port
	l.transport = protocol.NewHostTransport(port)
	l.transport.SetDebugHandler(func(data []byte) {
		glog.Infof("device: %s", bytes.TrimRight(data, "\r\n"))
	})
	l.connected = true
}

// SetDebugHandler replaces the handler for DebugMessage frames
func (l *Loader) SetDebugHandler(h protocol.DebugHandler) {
	if l.transport != nil {
		l.transport.SetDebugHandler(h)
	}
}

// Close closes the connection to the device
func (l *Loader) Close() error {
	l.connected = false
	if l.transport != nil {
		return l.transport.Close()
	}
	return nil
}

// IsConnected returns whether the device is connected
func (l *Loader) IsConnected() bool {
	return l.connected
}

// Stats returns the host decoder counters
func (l *Loader) Stats() (rxSuccess, rxError, dropped uint32) {
	if l.transport == nil {
		return 0, 0, 0
	}
	rxSuccess, rxError = l.transport.Stats()
	return rxSuccess, rxError, l.transport.Dropped()
}

func (l *Loader) request(cmd protocol.Command, data []byte, reply protocol.Command, timeout time.Duration) (*protocol.Message, error) {
	if !l.connected {
		return nil, ErrNotConnected
	}
	return l.transport.Request(cmd, data, reply, timeout)
}

// Ping sends a Ping and returns the round trip time
func (l *Loader) Ping() (time.Duration, error) {
	start := time.Now()
	if _, err := l.request(protocol.CmdPing, nil, protocol.CmdPing, l.Timeout); err != nil {
		return 0, fmt.Errorf("ping: %w", err)
	}
	rtt := time.Since(start)
	glog.V(1).Infof("ping %v", rtt)
	return rtt, nil
}

// RunningMode returns the device's running mode ("B" in the bootloader)
func (l *Loader) RunningMode() (string, error) {
	msg, err := l.request(protocol.CmdGetRunningMode, nil, protocol.CmdGetRunningMode, l.Timeout)
	if err != nil {
		return "", fmt.Errorf("get running mode: %w", err)
	}
	return string(msg.Data), nil
}

// DeviceInfo queries the device identity and versions
func (l *Loader) DeviceInfo() (protocol.DeviceInfo, error) {
	msg, err := l.request(protocol.CmdGetDeviceInfo, nil, protocol.CmdGetDeviceInfo, l.Timeout)
	if err != nil {
		return protocol.DeviceInfo{}, fmt.Errorf("get device info: %w", err)
	}
	info, err := protocol.ParseDeviceInfo(msg.Data)
	if err != nil {
		return protocol.DeviceInfo{}, fmt.Errorf("get device info: %w", err)
	}
	return info, nil
}

// progress decodes a status reply and checks the reported offset
func progress(cmd protocol.Command, msg *protocol.Message, want uint32) error {
	status, offset, err := protocol.DecodeProgress(msg.Data)
	if err != nil {
		return fmt.Errorf("%s reply: %w", cmd, err)
	}
	if status != protocol.StatusOK {
		return &protocol.StatusError{Command: cmd, Status: status}
	}
	if offset != want {
		return fmt.Errorf("%w: %s at %d, expected %d", ErrOffsetMismatch, cmd, offset, want)
	}
	return nil
}

// Flash erases the application area and writes image to it
func (l *Loader) Flash(image []byte, report Progress) error {
	if len(image) == 0 {
		return ErrEmptyImage
	}

	mode, err := l.RunningMode()
	if err != nil {
		return err
	}
	if mode != "B" {
		return fmt.Errorf("%w: mode %q", ErrUnexpectedMode, mode)
	}

	glog.Infof("Erasing for %d bytes", len(image))
	msg, err := l.request(protocol.CmdPrepareWriteFirmware, protocol.EncodeSize(uint32(len(image))),
		protocol.CmdNextPackage, l.EraseTimeout)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	if err := progress(protocol.CmdPrepareWriteFirmware, msg, 0); err != nil {
		return err
	}

	offset := 0
	for len(image)-offset > ChunkSize {
		chunk := image[offset : offset+ChunkSize]
		msg, err := l.request(protocol.CmdWriteFirmwarePackage, chunk, protocol.CmdNextPackage, l.Timeout)
		if err != nil {
			return fmt.Errorf("write at %d: %w", offset, err)
		}
		offset += len(chunk)
		if err := progress(protocol.CmdWriteFirmwarePackage, msg, uint32(offset)); err != nil {
			return err
		}
		glog.V(2).Infof("wrote %d/%d", offset, len(image))
		if report != nil {
			report(offset, len(image))
		}
	}

	msg, err = l.request(protocol.CmdWriteLastFirmwarePackage, image[offset:],
		protocol.CmdWriteLastFirmwarePackage, l.Timeout)
	if err != nil {
		return fmt.Errorf("write last at %d: %w", offset, err)
	}
	if err := progress(protocol.CmdWriteLastFirmwarePackage, msg, uint32(len(image))); err != nil {
		return err
	}
	if report != nil {
		report(len(image), len(image))
	}

	glog.Infof("Flashed %d bytes", len(image))
	return nil
}

// ReadBack reads n bytes of the application area starting at offset. The
// final package is sent as ReadLast, which ends any update session.
func (l *Loader) ReadBack(offset, n int, report Progress) ([]byte, error) {
	if !l.connected {
		return nil, ErrNotConnected
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		size := n - len(out)
		cmd := protocol.CmdReadLastFirmwarePackage
		if size > ReadChunkSize {
			size = ReadChunkSize
			cmd = protocol.CmdReadFirmwarePackage
		}
		pos := offset + len(out)

		req := protocol.EncodeReadRequest(uint32(pos), uint8(size))
		if err := l.transport.SendCommand(cmd, req, false, l.Timeout); err != nil {
			return nil, err
		}
		msg, err := l.transport.ExpectOneOf([]protocol.Command{cmd, protocol.CmdNextPackage}, l.Timeout)
		if err != nil {
			return nil, fmt.Errorf("read at %d: %w", pos, err)
		}
		if msg.Command == protocol.CmdNextPackage {
			if err := progress(cmd, msg, uint32(pos)); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("read at %d: device sent no data", pos)
		}
		if len(msg.Data) != size {
			return nil, fmt.Errorf("read at %d: got %d bytes, expected %d", pos, len(msg.Data), size)
		}
		out = append(out, msg.Data...)
		if report != nil {
			report(len(out), n)
		}
	}
	return out, nil
}

// Verify reads the application area back and compares it with image
func (l *Loader) Verify(image []byte, report Progress) error {
	if len(image) == 0 {
		return ErrEmptyImage
	}

	got, err := l.ReadBack(0, len(image), report)
	if err != nil {
		return err
	}
	for i := range got {
		if got[i] != image[i] {
			return &VerifyError{Offset: i, Expected: image[i], Actual: got[i]}
		}
	}

	glog.Infof("Verified %d bytes", len(image))
	return nil
}

// Exit asks the bootloader to start the application and waits for the ACK
func (l *Loader) Exit() error {
	if !l.connected {
		return ErrNotConnected
	}
	if err := l.transport.SendCommand(protocol.CmdExitBootloader, nil, true, l.Timeout); err != nil {
		return fmt.Errorf("exit bootloader: %w", err)
	}
	glog.Info("Bootloader exited")
	return nil
}
