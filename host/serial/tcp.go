package serial

import (
	"fmt"
	"net"
	"time"
)

const dialTimeout = 5 * time.Second

// TCPPort is a Port backed by a connection to serialboot-sim
type TCPPort struct {
	net.Conn
}

func dialTCP(addr string) (*TCPPort, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// frames are small, don't hold them back
		tcp.SetNoDelay(true)
	}
	return &TCPPort{Conn: conn}, nil
}

// Flush is a no-op, TCP writes are not buffered here
func (p *TCPPort) Flush() error {
	return nil
}
