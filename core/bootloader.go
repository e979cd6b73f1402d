package core

import (
	"sync"

	"serialboot/protocol"
)

// RunningModeBootloader is the GetRunningMode reply while in the bootloader
const RunningModeBootloader = "B"

// BootloaderConfig configures the bootloader command set
type BootloaderConfig struct {
	Info protocol.DeviceInfo

	// Layout and BaseSector locate the application area
	Layout     SectorLayout
	BaseSector int

	// OnExit is called from the receive task when ExitBootloader arrives.
	// The ACK, if requested, is queued after it returns, so it must only
	// schedule the jump.
	OnExit func()
}

type updateSession struct {
	active bool
	size   uint32
	offset uint32
}

// Bootloader implements the command handlers and generators
type Bootloader struct {
	m     *SerialManager
	flash Flash
	cfg   BootloaderConfig

	infoSegments [][]byte

	mu      sync.Mutex
	session updateSession
}

// NewBootloader creates the command set and registers it on m
func NewBootloader(m *SerialManager, flash Flash, cfg BootloaderConfig) *Bootloader {
	b := &Bootloader{
		m:            m,
		flash:        flash,
		cfg:          cfg,
		infoSegments: cfg.Info.Segments(),
	}
	b.register()
	return b
}

func (b *Bootloader) register() {
	t := b.m.Table()

	t.RegisterGenerator(protocol.CmdACK, HeaderOnly(protocol.CmdACK))
	t.RegisterGenerator(protocol.CmdPing, HeaderOnly(protocol.CmdPing))
	t.RegisterGenerator(protocol.CmdGetRunningMode,
		Fixed(protocol.CmdGetRunningMode, []byte(RunningModeBootloader)))
	t.RegisterGenerator(protocol.CmdGetDeviceInfo, b.generateDeviceInfo)

	t.RegisterHandler(protocol.CmdPing, b.reply(protocol.CmdPing))
	t.RegisterHandler(protocol.CmdGetRunningMode, b.reply(protocol.CmdGetRunningMode))
	t.RegisterHandler(protocol.CmdGetDeviceInfo, b.reply(protocol.CmdGetDeviceInfo))
	t.RegisterHandler(protocol.CmdPrepareWriteFirmware, b.handlePrepare)
	t.RegisterHandler(protocol.CmdWriteFirmwarePackage, b.handleWrite)
	t.RegisterHandler(protocol.CmdWriteLastFirmwarePackage, b.handleWrite)
	t.RegisterHandler(protocol.CmdReadFirmwarePackage, b.handleRead)
	t.RegisterHandler(protocol.CmdReadLastFirmwarePackage, b.handleRead)
	t.RegisterHandler(protocol.CmdExitBootloader, b.handleExit)

	lines := b.m.LineCommands()
	lines.Set("INFO", func(string) string {
		return "Info! bl=" + b.cfg.Info.BootloaderVersion +
			" fw=" + b.cfg.Info.FirmwareVersion + "\n"
	})
	lines.Set("USERAPP", func(string) string {
		b.exit()
		return "User app!\n"
	})
}

// AppBase returns the address of the application area
func (b *Bootloader) AppBase() uint32 {
	return b.cfg.Layout.SectorAddress(b.cfg.BaseSector)
}

// AppSpace returns the size of the application area
func (b *Bootloader) AppSpace() uint32 {
	return b.cfg.Layout.SpaceFrom(b.cfg.BaseSector)
}

// Session reports the state of the firmware update session
func (b *Bootloader) Session() (active bool, size, offset uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session.active, b.session.size, b.session.offset
}

func (b *Bootloader) generateDeviceInfo(buf *protocol.CircularBuffer) error {
	return protocol.GenerateSegments(buf, protocol.CmdGetDeviceInfo, false, b.infoSegments...)
}

// reply answers a request with the registered generator of the same command
func (b *Bootloader) reply(cmd protocol.Command) protocol.Handler {
	return func(f *protocol.Frame) {
		b.send(f.Port, b.m.GenerateMessage(cmd, f.Port))
	}
}

func (b *Bootloader) send(port protocol.Port, err error) {
	if err != nil {
		DebugPrintln("[BOOT] reply on " + port.String() + " failed: " + err.Error())
	}
}

func (b *Bootloader) progress(cmd protocol.Command, port protocol.Port, status protocol.Status, offset uint32) {
	if status != protocol.StatusOK {
		DebugPrintln("[BOOT] " + cmd.String() + ": " + status.String())
	}
	b.send(port, b.m.GenerateCustomMessage(cmd, protocol.EncodeProgress(status, offset), port))
}

func (b *Bootloader) handlePrepare(f *protocol.Frame) {
	status, offset := b.prepare(f.Data)
	b.progress(protocol.CmdNextPackage, f.Port, status, offset)
}

func (b *Bootloader) prepare(data []byte) (protocol.Status, uint32) {
	size, err := protocol.DecodeSize(data)
	if err != nil || size == 0 {
		return protocol.StatusBadLength, 0
	}
	if size > b.AppSpace() {
		return protocol.StatusTooLarge, 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.session = updateSession{}
	if err := b.flash.EraseFrom(b.cfg.BaseSector, size); err != nil {
		DebugPrintln("[BOOT] erase failed: " + err.Error())
		return protocol.StatusFlashError, 0
	}
	b.session = updateSession{active: true, size: size}
	DebugPrintln("[BOOT] erased for " + utoa(size) + " bytes")
	return protocol.StatusOK, 0
}

func (b *Bootloader) handleWrite(f *protocol.Frame) {
	last := f.Command == protocol.CmdWriteLastFirmwarePackage
	status, offset := b.write(f.Data, last)

	cmd := protocol.CmdNextPackage
	if last {
		cmd = protocol.CmdWriteLastFirmwarePackage
	}
	b.progress(cmd, f.Port, status, offset)
}

// write programs one package at the session offset. Intermediate packages
// must be whole words; the last one is padded with 0xFF.
func (b *Bootloader) write(data []byte, last bool) (protocol.Status, uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &b.session
	if !s.active {
		return protocol.StatusNoSession, 0
	}
	if !last && (len(data) == 0 || len(data)%4 != 0) {
		return protocol.StatusBadLength, s.offset
	}
	if s.offset+uint32(len(data)) > s.size {
		return protocol.StatusTooLarge, s.offset
	}

	addr := b.AppBase() + s.offset
	for i := 0; i < len(data); i += 4 {
		word := [4]byte{0xFF, 0xFF, 0xFF, 0xFF}
		copy(word[:], data[i:])
		value := uint32(word[0]) | uint32(word[1])<<8 | uint32(word[2])<<16 | uint32(word[3])<<24
		if err := b.flash.ProgramWord(addr+uint32(i), value); err != nil {
			DebugPrintln("[BOOT] program failed at " + Hex32(addr+uint32(i)) + ": " + err.Error())
			s.active = false
			return protocol.StatusFlashError, s.offset
		}
	}
	s.offset += uint32(len(data))

	if last {
		s.active = false
		DebugPrintln("[BOOT] update complete, " + utoa(s.offset) + " bytes")
	}
	return protocol.StatusOK, s.offset
}

func (b *Bootloader) handleRead(f *protocol.Frame) {
	var buf [protocol.MaxDataSize]byte

	offset, n, err := protocol.DecodeReadRequest(f.Data)
	status := protocol.StatusOK
	switch {
	case err != nil || n == 0:
		status = protocol.StatusBadLength
	case uint64(offset)+uint64(n) > uint64(b.AppSpace()):
		status = protocol.StatusTooLarge
	default:
		if _, err := b.flash.ReadAt(buf[:n], int64(b.AppBase())+int64(offset)); err != nil {
			status = protocol.StatusFlashError
		}
	}

	if f.Command == protocol.CmdReadLastFirmwarePackage {
		b.mu.Lock()
		b.session = updateSession{}
		b.mu.Unlock()
	}

	if status != protocol.StatusOK {
		b.progress(protocol.CmdNextPackage, f.Port, status, offset)
		return
	}
	b.send(f.Port, b.m.GenerateCustomMessage(f.Command, buf[:n], f.Port))
}

func (b *Bootloader) handleExit(f *protocol.Frame) {
	b.exit()
}

func (b *Bootloader) exit() {
	b.mu.Lock()
	b.session = updateSession{}
	b.mu.Unlock()

	DebugPrintln("[BOOT] exit requested")
	if b.cfg.OnExit != nil {
		b.cfg.OnExit()
	}
}
