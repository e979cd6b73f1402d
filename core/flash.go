package core

import (
	"errors"
	"sync"
)

var (
	ErrFlashRange    = errors.New("flash: address out of range")
	ErrFlashAlign    = errors.New("flash: unaligned word address")
	ErrFlashProgram  = errors.New("flash: program would set erased bits")
	ErrFlashTooLarge = errors.New("flash: area does not fit")
)

// Flash is the program-memory collaborator used by the firmware update
// commands. Addresses are absolute.
type Flash interface {
	// EraseFrom erases sectors starting at baseSector until size bytes fit
	EraseFrom(baseSector int, size uint32) error
	// ProgramWord writes one little-endian 32-bit word at a word-aligned address
	ProgramWord(addr uint32, value uint32) error
	// ReadAt reads len(p) bytes starting at addr
	ReadAt(p []byte, addr int64) (int, error)
}

const kb = 1024

// SectorLayout describes a flash array made of consecutive sectors
type SectorLayout struct {
	Base  uint32
	Sizes []uint32
}

// STM32F405Layout is the internal flash of the STM32F405 (1 MiB)
var STM32F405Layout = SectorLayout{
	Base: 0x08000000,
	Sizes: []uint32{
		16 * kb, 16 * kb, 16 * kb, 16 * kb,
		64 * kb,
		128 * kb, 128 * kb, 128 * kb, 128 * kb, 128 * kb, 128 * kb, 128 * kb,
	},
}

// UniformLayout returns a layout of count sectors of sectorSize bytes
func UniformLayout(base, sectorSize uint32, count int) SectorLayout {
	sizes := make([]uint32, count)
	for i := range sizes {
		sizes[i] = sectorSize
	}
	return SectorLayout{Base: base, Sizes: sizes}
}

// Size returns the total size of the array
func (l SectorLayout) Size() uint32 {
	var sum uint32
	for _, s := range l.Sizes {
		sum += s
	}
	return sum
}

// SectorAddress returns the start address of sector i
func (l SectorLayout) SectorAddress(i int) uint32 {
	addr := l.Base
	for j := 0; j < i && j < len(l.Sizes); j++ {
		addr += l.Sizes[j]
	}
	return addr
}

// SpaceFrom returns the bytes available from sector base to the end
func (l SectorLayout) SpaceFrom(base int) uint32 {
	if base < 0 || base >= len(l.Sizes) {
		return 0
	}
	return l.Base + l.Size() - l.SectorAddress(base)
}

// EndSector returns the last sector needed so that base..end holds size
// bytes
func (l SectorLayout) EndSector(base int, size uint32) (int, error) {
	if base < 0 || base >= len(l.Sizes) {
		return 0, ErrFlashRange
	}
	var sum uint32
	for i := base; i < len(l.Sizes); i++ {
		sum += l.Sizes[i]
		if sum >= size {
			return i, nil
		}
	}
	return 0, ErrFlashTooLarge
}

// MemFlash emulates NOR flash in memory. Erased bytes read 0xFF and
// programming can only clear bits.
type MemFlash struct {
	mu     sync.Mutex
	layout SectorLayout
	mem    []byte

	erases   int
	programs int
}

// NewMemFlash creates an erased flash with the given layout
func NewMemFlash(layout SectorLayout) *MemFlash {
	f := &MemFlash{
		layout: layout,
		mem:    make([]byte, layout.Size()),
	}
	for i := range f.mem {
		f.mem[i] = 0xFF
	}
	return f
}

// Layout returns the sector layout
func (f *MemFlash) Layout() SectorLayout {
	return f.layout
}

// EraseFrom implements Flash
func (f *MemFlash) EraseFrom(baseSector int, size uint32) error {
	end, err := f.layout.EndSector(baseSector, size)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for s := baseSector; s <= end; s++ {
		start := f.layout.SectorAddress(s) - f.layout.Base
		for i := start; i < start+f.layout.Sizes[s]; i++ {
			f.mem[i] = 0xFF
		}
		f.erases++
	}
	return nil
}

// ProgramWord implements Flash
func (f *MemFlash) ProgramWord(addr uint32, value uint32) error {
	if addr%4 != 0 {
		return ErrFlashAlign
	}
	if addr < f.layout.Base || addr-f.layout.Base+4 > uint32(len(f.mem)) {
		return ErrFlashRange
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	off := addr - f.layout.Base
	word := [4]byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}
	for i, b := range word {
		f.mem[off+uint32(i)] &= b
	}
	f.programs++
	for i, b := range word {
		if f.mem[off+uint32(i)] != b {
			return ErrFlashProgram
		}
	}
	return nil
}

// ReadAt implements Flash and io.ReaderAt
func (f *MemFlash) ReadAt(p []byte, addr int64) (int, error) {
	if addr < int64(f.layout.Base) || addr+int64(len(p)) > int64(f.layout.Base)+int64(len(f.mem)) {
		return 0, ErrFlashRange
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return copy(p, f.mem[addr-int64(f.layout.Base):]), nil
}

// Stats returns the number of sector erases and word programs so far
func (f *MemFlash) Stats() (erases, programs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.erases, f.programs
}
