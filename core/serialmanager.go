package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"serialboot/protocol"
)

var (
	ErrNoPort      = errors.New("port not configured")
	ErrPortInUse   = errors.New("port already configured")
	ErrNoGenerator = errors.New("no generator for command")
)

// Mode selects what the receive task does with incoming bytes
type Mode uint8

const (
	// ModeBinary feeds the framing decoder
	ModeBinary Mode = iota
	// ModeLine feeds the legacy ASCII line parser
	ModeLine
)

func (m Mode) String() string {
	if m == ModeLine {
		return "line"
	}
	return "binary"
}

// ManagerConfig holds the port manager settings
type ManagerConfig struct {
	Mode           Mode
	BufferSize     int
	ReceiveTimeout time.Duration
	SendTimeout    time.Duration
}

const (
	DefaultBufferSize     = 1024
	DefaultReceiveTimeout = 100 * time.Millisecond
	DefaultSendTimeout    = time.Second
)

func (c *ManagerConfig) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
}

// PortStats is a snapshot of one port's counters
type PortStats struct {
	Port        protocol.Port
	RxSuccess   uint32
	RxError     uint32
	TxBytes     uint32
	DrainAborts uint32
	GenFailures uint32
}

// DataPump streams a port's transmit buffer to its link. It is woken by
// StartTransmission; redundant wake-ups while a drain runs are absorbed by
// the single-slot signal channel.
type DataPump struct {
	link    protocol.Link
	buffer  *protocol.CircularBuffer
	timeout time.Duration
	signal  chan struct{}

	txBytes uint32 // atomic
	aborts  uint32 // atomic
}

func newDataPump(link protocol.Link, buffer *protocol.CircularBuffer, timeout time.Duration) *DataPump {
	return &DataPump{
		link:    link,
		buffer:  buffer,
		timeout: timeout,
		signal:  make(chan struct{}, 1),
	}
}

// Signal wakes the pump without blocking
func (p *DataPump) Signal() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Run drains the buffer each time the pump is signalled, until ctx ends
func (p *DataPump) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.signal:
			p.Drain()
		}
	}
}

// Drain pushes committed bytes to the link until the buffer is empty. It
// returns false if the link went away or refused bytes; whatever was not
// sent stays in the buffer for the next signal.
func (p *DataPump) Drain() bool {
	if !p.link.IsActive() {
		atomic.AddUint32(&p.aborts, 1)
		return false
	}

	p.link.Claim()
	defer p.link.Release()

	for {
		run := p.buffer.Readable()
		if len(run) == 0 {
			return true
		}

		n, err := p.link.Send(run, p.timeout)
		if n > 0 {
			p.buffer.Consume(n)
			atomic.AddUint32(&p.txBytes, uint32(n))
		}
		if err != nil || n == 0 || !p.link.IsActive() {
			atomic.AddUint32(&p.aborts, 1)
			return false
		}
	}
}

type portState struct {
	port    protocol.Port
	link    protocol.Link
	buffer  *protocol.CircularBuffer
	decoder *protocol.Decoder
	lines   *LineParser
	pump    *DataPump

	genFailures uint32 // atomic
}

// SerialManager owns every port's transmit buffer, decoder and drain task,
// and routes decoded frames through a CommandTable.
type SerialManager struct {
	cfg   ManagerConfig
	table *CommandTable

	mu    sync.RWMutex
	ports [protocol.PortCount]*portState

	lineCommands *LineCommands
}

// NewSerialManager creates a manager dispatching through table
func NewSerialManager(cfg ManagerConfig, table *CommandTable) *SerialManager {
	cfg.applyDefaults()
	if table == nil {
		table = NewCommandTable()
	}
	return &SerialManager{
		cfg:          cfg,
		table:        table,
		lineCommands: DefaultLineCommands(),
	}
}

// Table returns the command table frames are dispatched through
func (m *SerialManager) Table() *CommandTable {
	return m.table
}

// Mode returns the receive mode
func (m *SerialManager) Mode() Mode {
	return m.cfg.Mode
}

// LineCommands returns the replies used in line mode
func (m *SerialManager) LineCommands() *LineCommands {
	return m.lineCommands
}

// AddPort attaches a link to port with its own transmit buffer. bufSize 0
// uses the configured default.
func (m *SerialManager) AddPort(port protocol.Port, link protocol.Link, bufSize int) error {
	if !port.Valid() {
		return ErrNoPort
	}
	if bufSize <= 0 {
		bufSize = m.cfg.BufferSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ports[port] != nil {
		return ErrPortInUse
	}

	buf := protocol.NewCircularBuffer(bufSize)
	ps := &portState{
		port:    port,
		link:    link,
		buffer:  buf,
		decoder: protocol.NewDecoder(port, m),
		pump:    newDataPump(link, buf, m.cfg.SendTimeout),
	}
	ps.lines = NewLineParser(m.lineCommands, func(reply []byte) {
		link.Claim()
		defer link.Release()
		_, _ = link.Send(reply, m.cfg.SendTimeout)
	})
	m.ports[port] = ps
	return nil
}

func (m *SerialManager) portState(port protocol.Port) *portState {
	if !port.Valid() {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ports[port]
}

// Buffer returns the transmit buffer of port, or nil
func (m *SerialManager) Buffer(port protocol.Port) *protocol.CircularBuffer {
	ps := m.portState(port)
	if ps == nil {
		return nil
	}
	return ps.buffer
}

// Decoder returns the receive decoder of port, or nil
func (m *SerialManager) Decoder(port protocol.Port) *protocol.Decoder {
	ps := m.portState(port)
	if ps == nil {
		return nil
	}
	return ps.decoder
}

// Handler implements protocol.Router
func (m *SerialManager) Handler(cmd protocol.Command) protocol.Handler {
	return m.table.Handler(cmd)
}

// Ack implements protocol.Router
func (m *SerialManager) Ack(port protocol.Port) {
	if err := m.GenerateMessage(protocol.CmdACK, port); err != nil {
		DebugPrintln("[SERIAL] ACK on " + port.String() + " failed: " + err.Error())
	}
}

// generate runs gen on port's buffer under its claim and wakes the pump on
// success
func (m *SerialManager) generate(port protocol.Port, gen Generator) error {
	ps := m.portState(port)
	if ps == nil {
		return ErrNoPort
	}

	ps.buffer.Claim()
	err := gen(ps.buffer)
	ps.buffer.Release()

	if err != nil {
		atomic.AddUint32(&ps.genFailures, 1)
		return err
	}
	ps.pump.Signal()
	return nil
}

// GenerateMessage builds the frame for cmd with its registered generator
// and queues it on port
func (m *SerialManager) GenerateMessage(cmd protocol.Command, port protocol.Port) error {
	gen := m.table.Generator(cmd)
	if gen == nil {
		return ErrNoGenerator
	}
	return m.generate(port, gen)
}

// GenerateCustomMessage queues a frame for cmd carrying data on port
func (m *SerialManager) GenerateCustomMessage(cmd protocol.Command, data []byte, port protocol.Port) error {
	return m.generate(port, func(buf *protocol.CircularBuffer) error {
		return protocol.GenerateGeneric(buf, cmd, data)
	})
}

// GenerateDebugMessage queues a DebugMessage frame on port
func (m *SerialManager) GenerateDebugMessage(data []byte, port protocol.Port) error {
	if len(data) > protocol.MaxDataSize {
		return protocol.ErrPayloadTooLarge
	}
	return m.GenerateCustomMessage(protocol.CmdDebugMessage, data, port)
}

// DebugWriter returns a writer sending each message as a DebugMessage
// frame on port, truncated to one frame
func (m *SerialManager) DebugWriter(port protocol.Port) DebugWriter {
	return func(s string) {
		if len(s) > protocol.MaxDataSize {
			s = s[:protocol.MaxDataSize]
		}
		_ = m.GenerateDebugMessage([]byte(s), port)
	}
}

// StartTransmission wakes the drain task of port
func (m *SerialManager) StartTransmission(port protocol.Port) {
	if ps := m.portState(port); ps != nil {
		ps.pump.Signal()
	}
}

// Flush waits until every transmit buffer is empty or ctx ends
func (m *SerialManager) Flush(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		pending := false
		m.mu.RLock()
		for _, ps := range m.ports {
			if ps != nil && !ps.buffer.IsEmpty() {
				pending = true
				ps.pump.Signal()
			}
		}
		m.mu.RUnlock()
		if !pending {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats returns the counters of port
func (m *SerialManager) Stats(port protocol.Port) (PortStats, bool) {
	ps := m.portState(port)
	if ps == nil {
		return PortStats{}, false
	}
	return PortStats{
		Port:        port,
		RxSuccess:   ps.decoder.RxSuccess(),
		RxError:     ps.decoder.RxError(),
		TxBytes:     atomic.LoadUint32(&ps.pump.txBytes),
		DrainAborts: atomic.LoadUint32(&ps.pump.aborts),
		GenFailures: atomic.LoadUint32(&ps.genFailures),
	}, true
}

// Run starts the receive and drain tasks of every configured port and
// blocks until ctx is done and all of them have returned
func (m *SerialManager) Run(ctx context.Context) {
	var wg sync.WaitGroup

	m.mu.RLock()
	for _, ps := range m.ports {
		if ps == nil {
			continue
		}
		ps := ps
		wg.Add(2)
		go func() {
			defer wg.Done()
			ps.pump.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			m.receive(ctx, ps)
		}()
	}
	m.mu.RUnlock()

	wg.Wait()
}

// receive feeds bytes from the port's link to its decoder or line parser.
// While the link is down it polls at the receive timeout; partial input
// from before the outage is discarded once bytes flow again.
func (m *SerialManager) receive(ctx context.Context, ps *portState) {
	lost := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := ps.link.Receive(m.cfg.ReceiveTimeout)
		if err == nil && lost {
			DebugPrintln("[SERIAL] " + ps.port.String() + " link restored")
			ps.decoder.Reset()
			ps.lines.Reset()
			lost = false
		}
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrLinkClosed):
			DebugPrintln("[SERIAL] " + ps.port.String() + " receive stopped: " + err.Error())
			return
		case errors.Is(err, protocol.ErrTimeout):
			if !lost && !ps.link.IsActive() {
				DebugPrintln("[SERIAL] " + ps.port.String() + " link inactive")
				lost = true
			}
			continue
		default:
			if !lost {
				DebugPrintln("[SERIAL] " + ps.port.String() + " link lost: " + err.Error())
				lost = true
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.ReceiveTimeout):
			}
			continue
		}

		if m.cfg.Mode == ModeLine {
			ps.lines.Feed(b)
		} else {
			ps.decoder.Feed(b)
		}
	}
}
