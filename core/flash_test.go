package core

import (
	"testing"
)

func TestSectorLayoutEndSector(t *testing.T) {
	l := STM32F405Layout

	testCases := []struct {
		base    int
		size    uint32
		end     int
		wantErr error
	}{
		{0, 1, 0, nil},
		{0, 16 * kb, 0, nil},
		{0, 16*kb + 1, 1, nil},
		{2, 250 * kb, 6, nil},
		{4, 64 * kb, 4, nil},
		{4, 64*kb + 1, 5, nil},
		{11, 128 * kb, 11, nil},
		{11, 128*kb + 1, 0, ErrFlashTooLarge},
		{12, 1, 0, ErrFlashRange},
		{-1, 1, 0, ErrFlashRange},
	}

	for _, tc := range testCases {
		end, err := l.EndSector(tc.base, tc.size)
		if err != tc.wantErr {
			t.Errorf("EndSector(%d, %d) error = %v, want %v", tc.base, tc.size, err, tc.wantErr)
			continue
		}
		if err == nil && end != tc.end {
			t.Errorf("EndSector(%d, %d) = %d, want %d", tc.base, tc.size, end, tc.end)
		}
	}
}

func TestSectorLayoutAddresses(t *testing.T) {
	l := STM32F405Layout

	if l.Size() != 1024*kb {
		t.Errorf("Expected 1 MiB, got %d", l.Size())
	}
	if a := l.SectorAddress(2); a != 0x08008000 {
		t.Errorf("Sector 2 at 0x%08x", a)
	}
	if a := l.SectorAddress(5); a != 0x08020000 {
		t.Errorf("Sector 5 at 0x%08x", a)
	}
	if s := l.SpaceFrom(2); s != 1024*kb-32*kb {
		t.Errorf("SpaceFrom(2) = %d", s)
	}
	if s := l.SpaceFrom(20); s != 0 {
		t.Errorf("SpaceFrom(20) = %d", s)
	}

	u := UniformLayout(0x10000000, 4096, 8)
	if u.Size() != 8*4096 || u.SectorAddress(3) != 0x10003000 {
		t.Errorf("Unexpected uniform layout: size %d sector3 0x%08x", u.Size(), u.SectorAddress(3))
	}
}

func TestMemFlashProgram(t *testing.T) {
	l := UniformLayout(0x1000, 256, 4)
	f := NewMemFlash(l)

	if err := f.ProgramWord(0x1000, 0x44332211); err != nil {
		t.Fatalf("ProgramWord failed: %v", err)
	}

	buf := make([]byte, 6)
	if _, err := f.ReadAt(buf, 0x1000); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	expected := []byte{0x11, 0x22, 0x33, 0x44, 0xFF, 0xFF}
	for i := range expected {
		if buf[i] != expected[i] {
			t.Fatalf("byte %d: got 0x%02x, want 0x%02x", i, buf[i], expected[i])
		}
	}

	// clearing more bits is allowed, setting them is not
	if err := f.ProgramWord(0x1000, 0x44332201); err != nil {
		t.Errorf("Clearing bits failed: %v", err)
	}
	if err := f.ProgramWord(0x1000, 0xFFFFFFFF); err != ErrFlashProgram {
		t.Errorf("Expected ErrFlashProgram, got %v", err)
	}

	if err := f.ProgramWord(0x1002, 0); err != ErrFlashAlign {
		t.Errorf("Expected ErrFlashAlign, got %v", err)
	}
	if err := f.ProgramWord(0x0FFC, 0); err != ErrFlashRange {
		t.Errorf("Expected ErrFlashRange below base, got %v", err)
	}
	if err := f.ProgramWord(0x1400, 0); err != ErrFlashRange {
		t.Errorf("Expected ErrFlashRange past end, got %v", err)
	}
	if _, err := f.ReadAt(make([]byte, 2), 0x13FF); err != ErrFlashRange {
		t.Errorf("Expected ErrFlashRange on read, got %v", err)
	}
}

func TestMemFlashErase(t *testing.T) {
	l := UniformLayout(0, 256, 4)
	f := NewMemFlash(l)

	for addr := uint32(0); addr < 1024; addr += 4 {
		if err := f.ProgramWord(addr, 0); err != nil {
			t.Fatalf("ProgramWord(%d) failed: %v", addr, err)
		}
	}

	if err := f.EraseFrom(1, 257); err != nil {
		t.Fatalf("EraseFrom failed: %v", err)
	}
	erases, programs := f.Stats()
	if erases != 2 || programs != 256 {
		t.Errorf("Stats = %d erases, %d programs", erases, programs)
	}

	buf := make([]byte, 1024)
	f.ReadAt(buf, 0)
	for i, b := range buf {
		want := byte(0xFF)
		if i < 256 || i >= 768 {
			want = 0
		}
		if b != want {
			t.Fatalf("byte %d = 0x%02x, want 0x%02x", i, b, want)
		}
	}

	if err := f.EraseFrom(3, 257); err != ErrFlashTooLarge {
		t.Errorf("Expected ErrFlashTooLarge, got %v", err)
	}
}
