package core

import "sync"

// BlockDevice is the block device interface of tinygo's machine.Flash and
// of the external flash chips in tinygo.org/x/drivers/flash. Offsets are
// relative to the start of the device.
type BlockDevice interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	EraseBlocks(start, length int64) error
}

// programError is a device failure during ProgramWord. It matches
// ErrFlashProgram and unwraps to the device error.
type programError struct {
	err error
}

func (e programError) Error() string {
	return "flash: program failed: " + e.err.Error()
}

func (e programError) Is(target error) bool {
	return target == ErrFlashProgram
}

func (e programError) Unwrap() error {
	return e.err
}

// BlockFlash adapts a BlockDevice with uniform erase blocks to Flash. The
// device is mapped at layout.Base.
type BlockFlash struct {
	mu     sync.Mutex
	dev    BlockDevice
	layout SectorLayout
}

// NewBlockFlash maps count erase blocks of blockSize bytes at base
func NewBlockFlash(dev BlockDevice, base, blockSize uint32, count int) *BlockFlash {
	return &BlockFlash{dev: dev, layout: UniformLayout(base, blockSize, count)}
}

// Layout returns the sector layout, one sector per erase block
func (f *BlockFlash) Layout() SectorLayout {
	return f.layout
}

// EraseFrom implements Flash
func (f *BlockFlash) EraseFrom(baseSector int, size uint32) error {
	end, err := f.layout.EndSector(baseSector, size)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dev.EraseBlocks(int64(baseSector), int64(end-baseSector+1))
}

// ProgramWord implements Flash. The word is read back, so a write over
// bits that were not erased is reported.
func (f *BlockFlash) ProgramWord(addr uint32, value uint32) error {
	if addr%4 != 0 {
		return ErrFlashAlign
	}
	if addr < f.layout.Base || addr-f.layout.Base+4 > f.layout.Size() {
		return ErrFlashRange
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	off := int64(addr - f.layout.Base)
	word := [4]byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}
	if _, err := f.dev.WriteAt(word[:], off); err != nil {
		return programError{err}
	}

	var check [4]byte
	if _, err := f.dev.ReadAt(check[:], off); err != nil {
		return err
	}
	if check != word {
		return ErrFlashProgram
	}
	return nil
}

// ReadAt implements Flash
func (f *BlockFlash) ReadAt(p []byte, addr int64) (int, error) {
	base := int64(f.layout.Base)
	if addr < base || addr+int64(len(p)) > base+int64(f.layout.Size()) {
		return 0, ErrFlashRange
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dev.ReadAt(p, addr-base)
}
