package loader

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"serialboot/core"
	"serialboot/protocol"
)

var simInfo = protocol.DeviceInfo{
	UniqueID:          [protocol.UniqueIDSize]byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 1, 2, 3, 4, 5, 6, protocol.Sync},
	BootloaderVersion: "v0.3.0",
	FirmwareVersion:   "app-1.2",
	UserID:            "loader test",
}

type device struct {
	flash  *core.MemFlash
	boot   *core.Bootloader
	exited atomic.Int32
}

// newDevice runs a bootloader over one end of a pipe and attaches a
// loader to the other end
func newDevice(t *testing.T) (*Loader, *device) {
	t.Helper()

	hostConn, devConn := net.Pipe()
	link := protocol.NewStreamLink(devConn)

	d := &device{flash: core.NewMemFlash(core.STM32F405Layout)}
	m := core.NewSerialManager(core.ManagerConfig{ReceiveTimeout: 5 * time.Millisecond}, nil)
	require.NoError(t, m.AddPort(protocol.PortUSB, link, 0))
	d.boot = core.NewBootloader(m, d.flash, core.BootloaderConfig{
		Info:       simInfo,
		Layout:     core.STM32F405Layout,
		BaseSector: 2,
		OnExit:     func() { d.exited.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	l := NewLoader()
	l.Timeout = 2 * time.Second
	l.Attach(hostConn)

	t.Cleanup(func() {
		_ = l.Close()
		cancel()
		_ = link.Close()
		<-done
	})
	return l, d
}

func testImage(n int) []byte {
	image := make([]byte, n)
	for i := range image {
		image[i] = byte(i*7 + i>>8)
	}
	return image
}

func TestLoaderQueries(t *testing.T) {
	l, _ := newDevice(t)

	rtt, err := l.Ping()
	require.NoError(t, err)
	require.Greater(t, rtt, time.Duration(0))

	mode, err := l.RunningMode()
	require.NoError(t, err)
	require.Equal(t, "B", mode)

	info, err := l.DeviceInfo()
	require.NoError(t, err)
	require.Equal(t, simInfo, info)

	rx, rxErr, dropped := l.Stats()
	require.Equal(t, uint32(3), rx)
	require.Zero(t, rxErr)
	require.Zero(t, dropped)
}

func TestLoaderFlashAndVerify(t *testing.T) {
	l, d := newDevice(t)
	image := testImage(1001)

	var reports []int
	err := l.Flash(image, func(done, total int) {
		require.Equal(t, len(image), total)
		reports = append(reports, done)
	})
	require.NoError(t, err)
	require.Equal(t, []int{248, 496, 744, 992, 1001}, reports)

	active, size, offset := d.boot.Session()
	require.False(t, active)
	require.Equal(t, uint32(1001), size)
	require.Equal(t, uint32(1001), offset)

	// padded tail of the last word
	tail := make([]byte, 4)
	_, err = d.flash.ReadAt(tail, int64(d.boot.AppBase())+1000)
	require.NoError(t, err)
	require.Equal(t, []byte{image[1000], 0xFF, 0xFF, 0xFF}, tail)

	require.NoError(t, l.Verify(image, nil))

	bad := append([]byte(nil), image...)
	bad[600] ^= 0x01
	err = l.Verify(bad, nil)
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, 600, verr.Offset)
	require.Equal(t, image[600], verr.Actual)
}

func TestLoaderReadBackChunks(t *testing.T) {
	l, _ := newDevice(t)
	image := testImage(600)
	require.NoError(t, l.Flash(image, nil))

	var reports []int
	got, err := l.ReadBack(100, 500, func(done, total int) {
		require.Equal(t, 500, total)
		reports = append(reports, done)
	})
	require.NoError(t, err)
	require.Equal(t, image[100:], got)
	require.Equal(t, []int{255, 500}, reports)
}

func TestLoaderErrors(t *testing.T) {
	l, d := newDevice(t)

	require.ErrorIs(t, l.Flash(nil, nil), ErrEmptyImage)
	require.ErrorIs(t, l.Verify(nil, nil), ErrEmptyImage)

	var serr *protocol.StatusError
	err := l.Flash(make([]byte, d.boot.AppSpace()+1), nil)
	require.ErrorAs(t, err, &serr)
	require.Equal(t, protocol.StatusTooLarge, serr.Status)
	require.Equal(t, protocol.CmdPrepareWriteFirmware, serr.Command)

	_, err = l.ReadBack(int(d.boot.AppSpace())-10, 20, nil)
	require.ErrorAs(t, err, &serr)
	require.Equal(t, protocol.StatusTooLarge, serr.Status)
	require.Equal(t, protocol.CmdReadLastFirmwarePackage, serr.Command)

	// the link still works after error replies
	_, err = l.Ping()
	require.NoError(t, err)
}

func TestLoaderExit(t *testing.T) {
	l, d := newDevice(t)

	require.NoError(t, l.Exit())
	require.Equal(t, int32(1), d.exited.Load())
}

func TestLoaderNotConnected(t *testing.T) {
	l := NewLoader()
	require.False(t, l.IsConnected())

	_, err := l.Ping()
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = l.ReadBack(0, 4, nil)
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, l.Exit(), ErrNotConnected)
	require.NoError(t, l.Close())
}
