package core

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"serialboot/protocol"
)

// fakeLink is a chan-backed protocol.Link recording everything sent
type fakeLink struct {
	rx chan byte

	mu      sync.Mutex
	sent    bytes.Buffer
	maxSend int // bytes accepted per Send, 0 = all
	dropAt  int // go inactive once this many bytes were sent, 0 = never

	active        uint32
	inactiveReads uint32
	bus           sync.Mutex
	claims        uint32
}

func newFakeLink() *fakeLink {
	return &fakeLink{rx: make(chan byte, 1024), active: 1}
}

func (l *fakeLink) Receive(timeout time.Duration) (byte, error) {
	if !l.IsActive() {
		atomic.AddUint32(&l.inactiveReads, 1)
		return 0, protocol.ErrInactive
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b, ok := <-l.rx:
		if !ok {
			return 0, protocol.ErrLinkClosed
		}
		return b, nil
	case <-timer.C:
		return 0, protocol.ErrTimeout
	}
}

func (l *fakeLink) Send(p []byte, timeout time.Duration) (int, error) {
	if !l.IsActive() {
		return 0, protocol.ErrInactive
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(p)
	if l.maxSend > 0 && n > l.maxSend {
		n = l.maxSend
	}
	l.sent.Write(p[:n])
	if l.dropAt > 0 && l.sent.Len() >= l.dropAt {
		l.setActive(false)
	}
	return n, nil
}

func (l *fakeLink) IsActive() bool { return atomic.LoadUint32(&l.active) != 0 }

func (l *fakeLink) setActive(v bool) {
	if v {
		atomic.StoreUint32(&l.active, 1)
	} else {
		atomic.StoreUint32(&l.active, 0)
	}
}

func (l *fakeLink) Claim() {
	l.bus.Lock()
	atomic.AddUint32(&l.claims, 1)
}

func (l *fakeLink) Release() { l.bus.Unlock() }

func (l *fakeLink) feed(p []byte) {
	for _, b := range p {
		l.rx <- b
	}
}

func (l *fakeLink) output() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.sent.Bytes()...)
}

// captureRouter collects decoded frames
type captureRouter struct {
	frames []protocol.Frame
}

func (r *captureRouter) Handler(protocol.Command) protocol.Handler {
	return func(f *protocol.Frame) {
		c := *f
		c.Data = append([]byte(nil), f.Data...)
		r.frames = append(r.frames, c)
	}
}

func (r *captureRouter) Ack(protocol.Port) {}

func decodeAll(wire []byte) []protocol.Frame {
	r := &captureRouter{}
	protocol.NewDecoder(protocol.PortUSB, r).FeedBytes(wire)
	return r.frames
}

// drainBuffer takes every committed byte out of buf
func drainBuffer(buf *protocol.CircularBuffer) []byte {
	var out []byte
	for !buf.IsEmpty() {
		run := buf.Readable()
		out = append(out, run...)
		buf.Consume(len(run))
	}
	return out
}

func mustEncode(t *testing.T, cmd protocol.Command, ack bool, data []byte) []byte {
	t.Helper()
	wire, err := protocol.EncodeFrame(cmd, ack, data)
	require.NoError(t, err)
	return wire
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*SerialManager, *fakeLink) {
	t.Helper()
	m := NewSerialManager(cfg, nil)
	link := newFakeLink()
	require.NoError(t, m.AddPort(protocol.PortUSB, link, 0))
	return m, link
}

func pingTable() *CommandTable {
	t := NewCommandTable()
	t.RegisterGenerator(protocol.CmdACK, HeaderOnly(protocol.CmdACK))
	t.RegisterGenerator(protocol.CmdPing, HeaderOnly(protocol.CmdPing))
	return t
}

func TestSerialManagerPingReply(t *testing.T) {
	m := NewSerialManager(ManagerConfig{}, pingTable())
	require.NoError(t, m.AddPort(protocol.PortUSB, newFakeLink(), 0))
	m.Table().RegisterHandler(protocol.CmdPing, func(f *protocol.Frame) {
		require.NoError(t, m.GenerateMessage(protocol.CmdPing, f.Port))
	})

	m.Decoder(protocol.PortUSB).FeedBytes(mustEncode(t, protocol.CmdPing, false, nil))
	out := drainBuffer(m.Buffer(protocol.PortUSB))
	require.Equal(t, mustEncode(t, protocol.CmdPing, false, nil), out)

	// with the ACK bit the reply is followed by one ACK frame
	m.Decoder(protocol.PortUSB).FeedBytes(mustEncode(t, protocol.CmdPing, true, nil))
	out = drainBuffer(m.Buffer(protocol.PortUSB))
	expected := append(mustEncode(t, protocol.CmdPing, false, nil), mustEncode(t, protocol.CmdACK, false, nil)...)
	require.Equal(t, expected, out)
}

func TestSerialManagerGenerateErrors(t *testing.T) {
	m := NewSerialManager(ManagerConfig{}, pingTable())
	require.NoError(t, m.AddPort(protocol.PortAUX1, newFakeLink(), 64))

	require.Equal(t, ErrNoPort, m.GenerateMessage(protocol.CmdPing, protocol.PortUSB))
	require.Equal(t, ErrNoPort, m.GenerateMessage(protocol.CmdPing, protocol.Port(9)))
	require.Equal(t, ErrNoGenerator, m.GenerateMessage(protocol.CmdGetRunningMode, protocol.PortAUX1))
	require.Equal(t, ErrNoGenerator, m.GenerateMessage(protocol.Command(100), protocol.PortAUX1))
	require.Equal(t, ErrNoGenerator, m.GenerateMessage(protocol.Command(127), protocol.PortAUX1))

	require.Equal(t, protocol.ErrPayloadTooLarge,
		m.GenerateDebugMessage(make([]byte, 256), protocol.PortAUX1))
	require.Equal(t, protocol.ErrNoSpace,
		m.GenerateCustomMessage(protocol.CmdDebugMessage, make([]byte, 60), protocol.PortAUX1))

	stats, ok := m.Stats(protocol.PortAUX1)
	require.True(t, ok)
	require.Equal(t, uint32(1), stats.GenFailures)
	require.True(t, m.Buffer(protocol.PortAUX1).IsEmpty())

	require.Equal(t, ErrPortInUse, m.AddPort(protocol.PortAUX1, newFakeLink(), 0))
	require.Equal(t, ErrNoPort, m.AddPort(protocol.PortCount, newFakeLink(), 0))
}

func TestDataPumpDrain(t *testing.T) {
	m := NewSerialManager(ManagerConfig{}, pingTable())
	link := newFakeLink()
	link.maxSend = 3
	require.NoError(t, m.AddPort(protocol.PortUSB, link, 16))

	require.NoError(t, m.GenerateMessage(protocol.CmdPing, protocol.PortUSB))
	require.NoError(t, m.GenerateDebugMessage([]byte("hi"), protocol.PortUSB))

	ps := m.portState(protocol.PortUSB)
	require.True(t, ps.pump.Drain())

	expected := append(mustEncode(t, protocol.CmdPing, false, nil),
		mustEncode(t, protocol.CmdDebugMessage, false, []byte("hi"))...)
	require.Equal(t, expected, link.output())
	require.True(t, m.Buffer(protocol.PortUSB).IsEmpty())
	require.Equal(t, uint32(1), atomic.LoadUint32(&link.claims))

	stats, _ := m.Stats(protocol.PortUSB)
	require.Equal(t, uint32(len(expected)), stats.TxBytes)
	require.Equal(t, uint32(0), stats.DrainAborts)
}

func TestDataPumpAbortKeepsBytes(t *testing.T) {
	m, link := newTestManager(t, ManagerConfig{})
	m.Table().RegisterGenerator(protocol.CmdPing, HeaderOnly(protocol.CmdPing))
	ps := m.portState(protocol.PortUSB)

	require.NoError(t, m.GenerateMessage(protocol.CmdPing, protocol.PortUSB))
	require.NoError(t, m.GenerateMessage(protocol.CmdPing, protocol.PortUSB))
	ping := mustEncode(t, protocol.CmdPing, false, nil)

	// link down before the drain: nothing moves
	link.setActive(false)
	require.False(t, ps.pump.Drain())
	require.Equal(t, 2*len(ping), ps.buffer.Available())

	// link drops after the first two bytes
	link.setActive(true)
	link.maxSend = 2
	link.dropAt = 2
	require.False(t, ps.pump.Drain())
	require.Equal(t, 2*len(ping)-2, ps.buffer.Available())

	link.setActive(true)
	link.maxSend = 0
	link.dropAt = 0
	require.True(t, ps.pump.Drain())
	require.Equal(t, append(append([]byte(nil), ping...), ping...), link.output())

	stats, _ := m.Stats(protocol.PortUSB)
	require.Equal(t, uint32(2), stats.DrainAborts)
}

func TestStartTransmissionCoalesces(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	for i := 0; i < 10; i++ {
		m.StartTransmission(protocol.PortUSB)
	}
	m.StartTransmission(protocol.PortAUX4)
	require.Len(t, m.portState(protocol.PortUSB).pump.signal, 1)
}

func runManager(t *testing.T, m *SerialManager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSerialManagerRun(t *testing.T) {
	m, link := newTestManager(t, ManagerConfig{ReceiveTimeout: 5 * time.Millisecond})
	NewBootloader(m, NewMemFlash(STM32F405Layout), BootloaderConfig{Layout: STM32F405Layout, BaseSector: 2})
	runManager(t, m)

	link.feed([]byte{0x00, 0xFF, protocol.Sync}) // noise and a lone SYNC
	link.feed(mustEncode(t, protocol.CmdGetRunningMode, true, nil))

	expected := append(mustEncode(t, protocol.CmdGetRunningMode, false, []byte("B")),
		mustEncode(t, protocol.CmdACK, false, nil)...)
	require.Eventually(t, func() bool {
		return bytes.Equal(expected, link.output())
	}, time.Second, time.Millisecond)

	stats, _ := m.Stats(protocol.PortUSB)
	require.Equal(t, uint32(1), stats.RxSuccess)
	require.Equal(t, uint32(0), stats.RxError)
}

func TestSerialManagerFlush(t *testing.T) {
	m, link := newTestManager(t, ManagerConfig{})
	m.Table().RegisterGenerator(protocol.CmdPing, HeaderOnly(protocol.CmdPing))
	runManager(t, m)

	require.NoError(t, m.GenerateMessage(protocol.CmdPing, protocol.PortUSB))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Flush(ctx))
	require.Equal(t, mustEncode(t, protocol.CmdPing, false, nil), link.output())
}

func TestSerialManagerFlushTimeout(t *testing.T) {
	m, link := newTestManager(t, ManagerConfig{})
	m.Table().RegisterGenerator(protocol.CmdPing, HeaderOnly(protocol.CmdPing))
	link.setActive(false)
	runManager(t, m)

	require.NoError(t, m.GenerateMessage(protocol.CmdPing, protocol.PortUSB))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Equal(t, context.DeadlineExceeded, m.Flush(ctx))
}

func TestSerialManagerLineMode(t *testing.T) {
	m, link := newTestManager(t, ManagerConfig{Mode: ModeLine, ReceiveTimeout: 5 * time.Millisecond})
	runManager(t, m)

	// binary frames are noise in line mode
	link.feed(mustEncode(t, protocol.CmdPing, false, nil))
	link.feed([]byte("\nHELP\n"))

	require.Eventually(t, func() bool {
		return bytes.HasSuffix(link.output(), []byte("Help!\n"))
	}, time.Second, time.Millisecond)
	stats, _ := m.Stats(protocol.PortUSB)
	require.Equal(t, uint32(0), stats.RxSuccess)
}

func TestSerialManagerDebugWriter(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	w := m.DebugWriter(protocol.PortUSB)

	long := string(bytes.Repeat([]byte{'x'}, 300))
	w("boot")
	w(long)

	frames := decodeAll(drainBuffer(m.Buffer(protocol.PortUSB)))
	require.Len(t, frames, 2)
	require.Equal(t, protocol.CmdDebugMessage, frames[0].Command)
	require.Equal(t, []byte("boot"), frames[0].Data)
	require.Len(t, frames[1].Data, protocol.MaxDataSize)
}

func TestSerialManagerReceiveRecovers(t *testing.T) {
	m, link := newTestManager(t, ManagerConfig{ReceiveTimeout: 5 * time.Millisecond})

	var mu sync.Mutex
	var got []protocol.Command
	record := func(f *protocol.Frame) {
		mu.Lock()
		got = append(got, f.Command)
		mu.Unlock()
	}
	m.Table().RegisterHandler(protocol.CmdPing, record)
	m.Table().RegisterHandler(protocol.CmdDebugMessage, record)
	runManager(t, m)

	// the link drops in the middle of a frame
	wire := mustEncode(t, protocol.CmdDebugMessage, false, []byte{1, 2, 3})
	link.feed(wire[:6])
	require.Eventually(t, func() bool { return len(link.rx) == 0 }, time.Second, time.Millisecond)
	link.setActive(false)
	require.Eventually(t, func() bool {
		return atomic.LoadUint32(&link.inactiveReads) > 0
	}, time.Second, time.Millisecond)

	// after reconnecting the stale tail is noise and the next frame decodes
	link.setActive(true)
	link.feed(wire[6:])
	link.feed(mustEncode(t, protocol.CmdPing, false, nil))

	require.Eventually(t, func() bool {
		stats, _ := m.Stats(protocol.PortUSB)
		return stats.RxSuccess == 1
	}, time.Second, time.Millisecond)
	mu.Lock()
	require.Equal(t, []protocol.Command{protocol.CmdPing}, got)
	mu.Unlock()
	stats, _ := m.Stats(protocol.PortUSB)
	require.Equal(t, uint32(0), stats.RxError)
}

func TestSerialManagerConcurrentGenerate(t *testing.T) {
	m, link := newTestManager(t, ManagerConfig{BufferSize: 128})
	m.Table().RegisterGenerator(protocol.CmdACK, HeaderOnly(protocol.CmdACK))
	m.Table().RegisterGenerator(protocol.CmdPing, HeaderOnly(protocol.CmdPing))
	runManager(t, m)

	const perWriter = 200
	var unexpected uint32
	// retry keeps calling gen until it stops reporting a full buffer
	retry := func(gen func() error) {
		for {
			err := gen()
			if err == nil {
				return
			}
			if !errors.Is(err, protocol.ErrNoSpace) {
				atomic.AddUint32(&unexpected, 1)
				return
			}
			runtime.Gosched()
		}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < perWriter; i++ {
			retry(func() error { return m.GenerateMessage(protocol.CmdPing, protocol.PortUSB) })
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < perWriter; i++ {
			retry(func() error { return m.GenerateMessage(protocol.CmdACK, protocol.PortUSB) })
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < perWriter; i++ {
			data := []byte{byte(i), protocol.Sync, byte(i >> 8)}
			retry(func() error { return m.GenerateDebugMessage(data, protocol.PortUSB) })
		}
	}()
	wg.Wait()
	require.Zero(t, atomic.LoadUint32(&unexpected))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Flush(ctx))

	r := &captureRouter{}
	dec := protocol.NewDecoder(protocol.PortUSB, r)
	dec.FeedBytes(link.output())
	require.Zero(t, dec.RxError())

	counts := map[protocol.Command]int{}
	seq := 0
	for _, f := range r.frames {
		counts[f.Command]++
		if f.Command == protocol.CmdDebugMessage {
			require.Equal(t, []byte{byte(seq), protocol.Sync, byte(seq >> 8)}, f.Data)
			seq++
		}
	}
	require.Equal(t, perWriter, counts[protocol.CmdPing])
	require.Equal(t, perWriter, counts[protocol.CmdACK])
	require.Equal(t, perWriter, counts[protocol.CmdDebugMessage])
}
