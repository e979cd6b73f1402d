package protocol

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Link is the byte transport underneath one port (USB CDC, a UART, a TCP
// connection to a simulator). A zero or negative timeout waits forever.
type Link interface {
	// Receive returns the next byte, ErrTimeout, or ErrLinkClosed
	Receive(timeout time.Duration) (byte, error)
	// Send writes p and returns the number of bytes accepted
	Send(p []byte, timeout time.Duration) (int, error)
	// IsActive reports whether the other side is connected
	IsActive() bool
	// Claim takes exclusive use of the transmit side
	Claim()
	// Release gives up the transmit side
	Release()
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// StreamLink adapts an io.ReadWriteCloser to Link. A background goroutine
// reads the stream so Receive can honour its timeout.
type StreamLink struct {
	rw io.ReadWriteCloser

	bytes    chan byte
	readDone chan struct{}
	closed   chan struct{}
	once     sync.Once

	bus    sync.Mutex
	active uint32 // atomic bool
}

// NewStreamLink wraps rw and starts reading from it
func NewStreamLink(rw io.ReadWriteCloser) *StreamLink {
	s := &StreamLink{
		rw:       rw,
		bytes:    make(chan byte, 256),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
		active:   1,
	}
	go s.readLoop()
	return s
}

func (s *StreamLink) readLoop() {
	defer close(s.readDone)

	buf := make([]byte, 64)
	for {
		n, err := s.rw.Read(buf)
		for _, b := range buf[:n] {
			select {
			case s.bytes <- b:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			atomic.StoreUint32(&s.active, 0)
			return
		}
	}
}

// Receive implements Link
func (s *StreamLink) Receive(timeout time.Duration) (byte, error) {
	// bytes read before the stream ended are still delivered
	select {
	case b := <-s.bytes:
		return b, nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case b := <-s.bytes:
		return b, nil
	case <-s.readDone:
		select {
		case b := <-s.bytes:
			return b, nil
		default:
		}
		return 0, ErrLinkClosed
	case <-expired:
		return 0, ErrTimeout
	}
}

// Send implements Link
func (s *StreamLink) Send(p []byte, timeout time.Duration) (int, error) {
	if !s.IsActive() {
		return 0, ErrInactive
	}
	if d, ok := s.rw.(writeDeadliner); ok {
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		_ = d.SetWriteDeadline(deadline)
	}

	n, err := s.rw.Write(p)
	if err != nil {
		if os.IsTimeout(err) {
			return n, ErrTimeout
		}
		atomic.StoreUint32(&s.active, 0)
		if errors.Is(err, io.ErrClosedPipe) {
			return n, ErrLinkClosed
		}
		return n, err
	}
	return n, nil
}

// IsActive implements Link
func (s *StreamLink) IsActive() bool {
	return atomic.LoadUint32(&s.active) != 0
}

// Claim implements Link
func (s *StreamLink) Claim() {
	s.bus.Lock()
}

// Release implements Link
func (s *StreamLink) Release() {
	s.bus.Unlock()
}

// Close marks the link inactive and closes the underlying stream
func (s *StreamLink) Close() error {
	var err error
	s.once.Do(func() {
		atomic.StoreUint32(&s.active, 0)
		close(s.closed)
		err = s.rw.Close()
	})
	return err
}

// Done is closed once the underlying stream has stopped delivering bytes
func (s *StreamLink) Done() <-chan struct{} {
	return s.readDone
}
