package serial

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"serialboot/protocol"
)

// ListenLink is the device side of a simulated port: a protocol.Link over
// whichever client is connected to a TCP listener. It is inactive until a
// client connects and again once it leaves; a new client replaces the
// current one.
type ListenLink struct {
	ln net.Listener

	// OnConnect, if set, is called from Serve for every accepted client
	OnConnect func(addr net.Addr)

	mu  sync.Mutex
	cur *protocol.StreamLink
	bus sync.Mutex
}

// NewListenLink serves clients of ln once Serve is running
func NewListenLink(ln net.Listener) *ListenLink {
	return &ListenLink{ln: ln}
}

// Addr returns the listen address
func (l *ListenLink) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts clients until ctx ends or the listener fails. The listener
// is closed on return.
func (l *ListenLink) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}

		link := protocol.NewStreamLink(conn)
		l.mu.Lock()
		prev := l.cur
		l.cur = link
		l.mu.Unlock()
		if prev != nil {
			prev.Close()
		}
		if l.OnConnect != nil {
			l.OnConnect(conn.RemoteAddr())
		}
	}
}

func (l *ListenLink) stream() *protocol.StreamLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur
}

// Receive implements protocol.Link. A departed client reads as ErrInactive
// so the port keeps waiting for the next one.
func (l *ListenLink) Receive(timeout time.Duration) (byte, error) {
	s := l.stream()
	if s == nil {
		return 0, protocol.ErrInactive
	}
	b, err := s.Receive(timeout)
	if errors.Is(err, protocol.ErrLinkClosed) {
		return 0, protocol.ErrInactive
	}
	return b, err
}

// Send implements protocol.Link
func (l *ListenLink) Send(p []byte, timeout time.Duration) (int, error) {
	s := l.stream()
	if s == nil {
		return 0, protocol.ErrInactive
	}
	n, err := s.Send(p, timeout)
	if errors.Is(err, protocol.ErrLinkClosed) {
		return n, protocol.ErrInactive
	}
	return n, err
}

// IsActive implements protocol.Link
func (l *ListenLink) IsActive() bool {
	s := l.stream()
	return s != nil && s.IsActive()
}

// Claim implements protocol.Link
func (l *ListenLink) Claim() {
	l.bus.Lock()
}

// Release implements protocol.Link
func (l *ListenLink) Release() {
	l.bus.Unlock()
}

// Close drops the current client. Serve is stopped through its context.
func (l *ListenLink) Close() error {
	l.mu.Lock()
	s := l.cur
	l.cur = nil
	l.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
