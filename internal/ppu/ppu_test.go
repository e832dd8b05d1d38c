package ppu

import "testing"

type fakeIRQ struct {
	vblank, stat int
}

func (f *fakeIRQ) RequestVBlank() { f.vblank++ }
func (f *fakeIRQ) RequestSTAT()   { f.stat++ }

func tickFrame(p *PPU, n int) {
	for i := 0; i < n; i++ {
		p.Tick(4)
	}
}

func TestModeSequenceOneScanline(t *testing.T) {
	irq := &fakeIRQ{}
	p := New(irq)
	if p.Mode() != OAMScan {
		t.Fatalf("initial mode = %v, want OAMScan", p.Mode())
	}
	tickFrame(p, oamScanTCycles/4)
	if p.Mode() != Draw {
		t.Fatalf("mode after OAM scan = %v, want Draw", p.Mode())
	}
	for p.Mode() == Draw {
		p.Tick(4)
	}
	if p.Mode() != HBlank {
		t.Fatalf("mode after Draw = %v, want HBlank", p.Mode())
	}
}

func TestVBlankInterruptFiresOnceEnteringVBlank(t *testing.T) {
	irq := &fakeIRQ{}
	p := New(irq)
	for int(p.ly) < 144 {
		p.Tick(4)
	}
	if irq.vblank != 1 {
		t.Fatalf("vblank interrupt count = %d, want 1", irq.vblank)
	}
	p.Tick(4)
	if irq.vblank != 1 {
		t.Fatalf("vblank interrupt count after extra tick = %d, want still 1 (edge-triggered)", irq.vblank)
	}
}

func TestLYCStatInterrupt(t *testing.T) {
	irq := &fakeIRQ{}
	p := New(irq)
	p.CPUWrite(0xFF45, 0) // LYC = 0
	p.CPUWrite(0xFF41, 0x40) // enable LYC=LY STAT source
	// LY starts at 0, so the coincidence is already true; drive one full
	// scanline so the edge detector observes it from a clean tick.
	for i := 0; i < tCyclesPerScanline/4; i++ {
		p.Tick(4)
	}
	if irq.stat == 0 {
		t.Fatalf("expected at least one STAT interrupt for LYC=LY coincidence")
	}
}

func TestLCDOffBlanksFrameBuffer(t *testing.T) {
	irq := &fakeIRQ{}
	p := New(irq)
	p.frame[0] = 3
	p.CPUWrite(0xFF40, p.lcdc&^0x80)
	fb := p.FrameBuffer()
	for _, b := range fb {
		if b != 0 {
			t.Fatalf("frame buffer not blank while LCD disabled")
		}
	}
}

func TestLCDReenableBlanksFirstFrame(t *testing.T) {
	irq := &fakeIRQ{}
	p := New(irq)
	p.CPUWrite(0xFF40, p.lcdc&^0x80)
	p.CPUWrite(0xFF40, p.lcdc|0x80)
	if !p.justEnabled {
		t.Fatalf("justEnabled should be set immediately after re-enabling the LCD")
	}
	fb := p.FrameBuffer()
	for _, b := range fb {
		if b != 0 {
			t.Fatalf("frame buffer should stay blank through the first frame after enable")
		}
	}
}

func TestBackgroundPixelPipelineProducesFullScanline(t *testing.T) {
	irq := &fakeIRQ{}
	p := New(irq)
	// Tile 0 = solid color index 3 (both bitplanes all-ones), mapped at
	// the default BG map base (0x9800) for the whole first row.
	for i := 0; i < 16; i += 2 {
		p.vram[i] = 0xFF
		p.vram[i+1] = 0xFF
	}
	// Tile map entries already default to 0 which selects tile 0. Reset
	// already leaves LCDC at 0x91 (bit4 set, 0x8000 addressing); write it
	// again explicitly for a deterministic test.
	p.CPUWrite(0xFF40, 0x91) // LCD on, BG on, 0x8000 addressing, BG map 0x9800
	for p.Mode() != HBlank {
		p.Tick(4)
	}
	for _, c := range p.frame[:screenWidth] {
		if c != 3 {
			t.Fatalf("pixel = %d, want 3 (solid tile 0 color)", c)
		}
	}
}
