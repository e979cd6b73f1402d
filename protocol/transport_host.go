package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrAckTimeout indicates no ACK frame arrived in time
	ErrAckTimeout = errors.New("ACK timeout")
	// ErrResponseTimeout indicates no response frame arrived in time
	ErrResponseTimeout = errors.New("response timeout")
	// ErrTransportClosed indicates the transport was closed while waiting
	ErrTransportClosed = errors.New("transport closed")
)

// Message is a response frame received by the host
type Message struct {
	Command Command
	Data    []byte
}

// DebugHandler receives the payload of DebugMessage frames
type DebugHandler func(data []byte)

// HostTransport handles the bootloader protocol from the host side. It
// uses the same generator and decoder as the device.
type HostTransport struct {
	port io.ReadWriteCloser

	decoder *Decoder
	output  *CircularBuffer

	ackChan      chan struct{}
	responseChan chan *Message

	debugMu      sync.Mutex
	debugHandler DebugHandler

	writeMutex sync.Mutex

	dropped uint32 // atomic

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHostTransport creates a host-side transport and starts its reader
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:         port,
		output:       NewCircularBuffer(2*(MaxDataSize+FrameOverhead) + 1),
		ackChan:      make(chan struct{}, 1),
		responseChan: make(chan *Message, 16),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
	t.decoder = NewDecoder(PortUSB, hostRouter{t})

	go t.readLoop()

	return t
}

// SetDebugHandler sets a callback for DebugMessage frames
func (t *HostTransport) SetDebugHandler(handler DebugHandler) {
	t.debugMu.Lock()
	defer t.debugMu.Unlock()
	t.debugHandler = handler
}

// SendCommand sends a frame and, if wantAck is set, waits for the ACK
func (t *HostTransport) SendCommand(cmd Command, data []byte, wantAck bool, timeout time.Duration) error {
	if wantAck {
		// drop a stale ACK left from an earlier exchange
		select {
		case <-t.ackChan:
		default:
		}
	}

	if err := t.writeFrame(cmd, wantAck, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd, err)
	}

	if !wantAck {
		return nil
	}
	return t.waitForAck(timeout)
}

// Request sends a frame and waits for a response carrying reply
func (t *HostTransport) Request(cmd Command, data []byte, reply Command, timeout time.Duration) (*Message, error) {
	if err := t.SendCommand(cmd, data, false, timeout); err != nil {
		return nil, err
	}
	return t.Expect(reply, timeout)
}

// writeFrame encodes a frame into the output ring and drains it to the port
func (t *HostTransport) writeFrame(cmd Command, ack bool, data []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	t.output.Claim()
	err := GenerateSegments(t.output, cmd, ack, data)
	t.output.Release()
	if err != nil {
		return err
	}

	for !t.output.IsEmpty() {
		run := t.output.Readable()
		n, err := t.port.Write(run)
		t.output.Consume(n)
		if err != nil {
			t.output.Reset()
			return err
		}
		if n == 0 {
			t.output.Reset()
			return io.ErrShortWrite
		}
	}
	return nil
}

// waitForAck waits for an ACK frame with timeout
func (t *HostTransport) waitForAck(timeout time.Duration) error {
	select {
	case <-t.ackChan:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w after %v", ErrAckTimeout, timeout)
	case <-t.stopChan:
		return ErrTransportClosed
	}
}

// ReceiveResponse returns the next response frame of any command
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	select {
	case resp := <-t.responseChan:
		return resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w after %v", ErrResponseTimeout, timeout)
	case <-t.stopChan:
		return nil, ErrTransportClosed
	}
}

// Expect returns the next response carrying cmd, discarding others
func (t *HostTransport) Expect(cmd Command, timeout time.Duration) (*Message, error) {
	return t.ExpectOneOf([]Command{cmd}, timeout)
}

// ExpectOneOf returns the next response carrying any of cmds, discarding
// others
func (t *HostTransport) ExpectOneOf(cmds []Command, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w waiting for %v", ErrResponseTimeout, cmds)
		}
		msg, err := t.ReceiveResponse(remaining)
		if err != nil {
			return nil, err
		}
		for _, cmd := range cmds {
			if msg.Command == cmd {
				return msg, nil
			}
		}
		atomic.AddUint32(&t.dropped, 1)
	}
}

// Dropped returns the number of responses discarded while waiting for
// another command
func (t *HostTransport) Dropped() uint32 {
	return atomic.LoadUint32(&t.dropped)
}

// Stats returns the decoder counters
func (t *HostTransport) Stats() (rxSuccess, rxError uint32) {
	return t.decoder.RxSuccess(), t.decoder.RxError()
}

// readLoop continuously reads from the port and feeds the decoder
func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buffer := make([]byte, 256)
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buffer)
		if n > 0 {
			t.decoder.FeedBytes(buffer[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			select {
			case <-t.stopChan:
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

// Close stops the transport and closes the port
func (t *HostTransport) Close() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stopChan)
		if t.port != nil {
			err = t.port.Close()
		}
		<-t.doneChan
	})
	return err
}

// hostRouter routes frames received by the host
type hostRouter struct {
	t *HostTransport
}

func (r hostRouter) Handler(cmd Command) Handler {
	switch cmd {
	case CmdACK:
		return r.t.handleAck
	case CmdDebugMessage:
		return r.t.handleDebug
	}
	return r.t.handleResponse
}

func (r hostRouter) Ack(port Port) {
	_ = r.t.writeFrame(CmdACK, false, nil)
}

func (t *HostTransport) handleAck(f *Frame) {
	select {
	case t.ackChan <- struct{}{}:
	default:
	}
}

func (t *HostTransport) handleDebug(f *Frame) {
	t.debugMu.Lock()
	handler := t.debugHandler
	t.debugMu.Unlock()
	if handler != nil {
		handler(copyBytes(f.Data))
	}
}

func (t *HostTransport) handleResponse(f *Frame) {
	msg := &Message{Command: f.Command, Data: copyBytes(f.Data)}
	select {
	case t.responseChan <- msg:
	default:
		// Response channel full, drop oldest
		select {
		case <-t.responseChan:
		default:
		}
		t.responseChan <- msg
	}
}

func copyBytes(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
