// Package ppu implements the DMG picture processing unit: the scanline
// mode state machine, OAM sprite scan, and the background/window/sprite
// pixel FIFO pipeline, grounded on original_source/src/ppu.c and extended
// with window rendering (absent from that reference).
package ppu

import (
	"bytes"
	"encoding/gob"
)

// Mode is one of the PPU's scanline states.
type Mode int

const (
	HBlank Mode = iota
	VBlank
	OAMScan
	Draw
	LCDOff
)

const (
	screenWidth  = 160
	screenHeight = 144

	tCyclesPerScanline = 456
	scanlinesPerFrame  = 154
	oamScanTCycles     = 80
)

// InterruptRequester is implemented by the interrupt controller.
type InterruptRequester interface {
	RequestVBlank()
	RequestSTAT()
}

type pixel struct {
	idx      byte // 2-bit palette index
	pal      byte // OBJ only: 0=OBP0, 1=OBP1
	priority bool // OBJ only: true = behind non-zero BG
}

type pixFifo struct {
	pixels [8]pixel
	head   int // 8 == empty
}

func (f *pixFifo) clear() { f.head = 8 }

func (f *pixFifo) pop() (pixel, bool) {
	if f.head == 8 {
		return pixel{}, false
	}
	p := f.pixels[f.head]
	f.head++
	return p, true
}

func (f *pixFifo) fill(p [8]pixel) bool {
	if f.head != 8 {
		return false
	}
	f.pixels = p
	f.head = 0
	return true
}

// objFill merges newly fetched sprite pixels with any already-queued ones,
// preferring the existing (earlier, higher-priority) non-transparent pixel.
func (f *pixFifo) objFill(p [8]pixel) {
	for i := 0; i < 8; i++ {
		old, ok := f.pop()
		if ok && old.idx != 0 {
			f.pixels[i] = old
		} else {
			f.pixels[i] = p[i]
		}
	}
	f.head = 0
}

type objSlot struct {
	addr uint16
	x, y byte
}

type fetcher struct {
	dot int

	tileID  byte
	dataLo  byte
	dataHi  byte
	dataAdr uint16
	pixels  [8]pixel

	fetchX byte

	attrs byte
}

// PPU owns VRAM, OAM, the mode state machine, and the pixel pipeline.
type PPU struct {
	vram [0x2000]byte
	oam  [0xA0]byte

	lcdc, stat      byte
	scy, scx        byte
	ly, lyc         byte
	bgp, obp0, obp1 byte
	wy, wx          byte

	mode     Mode
	scanline int // T-cycles into current scanline, 0..455
	lx       int

	justEnabled bool

	prevSTATSignal   bool
	prevVBlankSignal bool

	scxDisregard int

	bgFIFO, objFIFO pixFifo
	bgFetcher       fetcher
	objFetcher      fetcher

	scanlineObjs []objSlot
	mode2Addr    uint16
	mode2Step    int // 0=CHECK, 1=PUSH/SKIP

	needObjFetch bool
	fetchObj     objSlot

	windowMode bool
	windowUsed bool
	windowLine int

	frame [screenWidth * screenHeight]byte

	irq InterruptRequester
}

// New returns a PPU in its post-boot handoff state.
func New(irq InterruptRequester) *PPU {
	p := &PPU{irq: irq}
	p.Reset()
	return p
}

// Reset restores the documented post-boot handoff register values.
func (p *PPU) Reset() {
	p.lcdc = 0x91
	p.stat = 0x85
	p.scy, p.scx = 0, 0
	p.ly, p.lyc = 0, 0
	p.bgp = 0xFC
	p.obp0, p.obp1 = 0xFF, 0xFF
	p.wy, p.wx = 0, 0
	p.scanline = 0
	p.windowLine = -1
	p.setMode(OAMScan)
}

// --- LCDC bits ---
func (p *PPU) lcdEnable() bool   { return p.lcdc&0x80 != 0 }
func (p *PPU) winMapArea() bool  { return p.lcdc&0x40 != 0 }
func (p *PPU) winEnable() bool   { return p.lcdc&0x20 != 0 }
func (p *PPU) bgDataArea() bool  { return p.lcdc&0x10 != 0 }
func (p *PPU) bgMapArea() bool   { return p.lcdc&0x08 != 0 }
func (p *PPU) objSize() bool     { return p.lcdc&0x04 != 0 } // true = 8x16
func (p *PPU) objEnable() bool   { return p.lcdc&0x02 != 0 }
func (p *PPU) bgWinEnable() bool { return p.lcdc&0x01 != 0 }

// --- STAT bits ---
func (p *PPU) lycIntSelect() bool   { return p.stat&0x40 != 0 }
func (p *PPU) mode2IntSelect() bool { return p.stat&0x20 != 0 }
func (p *PPU) mode1IntSelect() bool { return p.stat&0x10 != 0 }
func (p *PPU) mode0IntSelect() bool { return p.stat&0x08 != 0 }

func palColor(palette byte, idx byte) byte {
	return (palette >> (idx * 2)) & 0x03
}

// Mode reports the PPU's current scanline mode, used by the bus for CPU
// access-blocking rules.
func (p *PPU) Mode() Mode { return p.mode }

// FrameBuffer returns the 160x144 buffer of 2-bit palette indices. During
// LCD_OFF, or during the first frame after re-enabling the LCD, this
// returns a blanked buffer (all zero / lightest shade).
func (p *PPU) FrameBuffer() []byte {
	if p.mode == LCDOff || p.justEnabled {
		blank := make([]byte, len(p.frame))
		return blank
	}
	return p.frame[:]
}

func (p *PPU) setMode(m Mode) {
	p.mode = m
	switch m {
	case OAMScan:
		p.scanlineObjs = p.scanlineObjs[:0]
		p.mode2Addr = 0xFE00
		p.mode2Step = 0
	case Draw:
		p.lx = -8
		p.bgFIFO.clear()
		p.objFIFO.clear()
		p.bgFetcher = fetcher{fetchX: 0xF8}
		p.objFetcher = fetcher{}
		p.scxDisregard = int(p.scx) % 8
		p.windowMode = false
		p.windowUsed = false
		p.checkObjTrigger()
	case LCDOff:
		p.stat &^= 0x03
		return
	}
	p.stat = (p.stat &^ 0x03) | byte(m&0x03)
}

// Tick advances the PPU by n T-cycles (dots), one scanline-mode state
// machine step per dot, and performs interrupt rising-edge detection once
// per call (callers are expected to call this once per M-cycle with n=4).
func (p *PPU) Tick(n int) {
	if p.mode == LCDOff {
		return
	}
	for i := 0; i < n; i++ {
		switch p.mode {
		case OAMScan:
			p.oamScanDot()
		case Draw:
			p.drawDot()
		}

		p.scanline++
		if p.scanline == tCyclesPerScanline {
			p.scanline = 0
			p.ly++
			if int(p.ly) == scanlinesPerFrame {
				p.justEnabled = false
				p.ly = 0
				p.windowLine = -1
			}
			if p.windowUsed {
				p.windowLine++
			}
			if int(p.ly) >= screenHeight {
				p.setMode(VBlank)
			} else {
				p.setMode(OAMScan)
			}
		} else if p.mode == OAMScan && p.scanline == oamScanTCycles {
			p.setMode(Draw)
		} else if p.mode == Draw && p.lx == screenWidth {
			p.setMode(HBlank)
		}
	}

	p.updateInterrupts()
}

func (p *PPU) updateInterrupts() {
	statSignal := false
	if p.ly == p.lyc {
		p.stat |= 0x04
		if p.lycIntSelect() {
			statSignal = true
		}
	} else {
		p.stat &^= 0x04
	}
	if p.mode2IntSelect() && p.mode == OAMScan {
		statSignal = true
	}
	if p.mode1IntSelect() && p.mode == VBlank {
		statSignal = true
	}
	if p.mode0IntSelect() && p.mode == HBlank {
		statSignal = true
	}
	if statSignal && !p.prevSTATSignal && p.irq != nil {
		p.irq.RequestSTAT()
	}
	p.prevSTATSignal = statSignal

	vblankSignal := p.mode == VBlank
	if vblankSignal && !p.prevVBlankSignal && p.irq != nil {
		p.irq.RequestVBlank()
	}
	p.prevVBlankSignal = vblankSignal
}

func (p *PPU) oamScanDot() {
	if p.mode2Step == 0 && len(p.scanlineObjs) == 10 {
		return
	}
	switch p.mode2Step {
	case 0: // CHECK
		objY := p.oam[p.mode2Addr-0xFE00]
		top := int(objY) - 16
		height := 8
		if p.objSize() {
			height = 16
		}
		onLine := int(p.ly) >= top && int(p.ly) < top+height
		if onLine {
			p.scanlineObjs = append(p.scanlineObjs, objSlot{addr: p.mode2Addr, y: objY})
		}
		p.mode2Step = 1 // PUSH or SKIP next
	case 1: // PUSH/SKIP
		if last := len(p.scanlineObjs) - 1; last >= 0 && p.scanlineObjs[last].addr == p.mode2Addr {
			p.scanlineObjs[last].x = p.oam[p.mode2Addr+1-0xFE00]
		}
		p.mode2Addr += 4
		p.mode2Step = 0
	}
}

func (p *PPU) drawDot() {
	if p.objEnable() && p.needObjFetch {
		p.objFetcherDot()
	}
	p.bgFetcherDot()
	if p.needObjFetch {
		return
	}

	bgPix, ok := p.bgFIFO.pop()
	if !ok {
		return
	}
	objPix, objPopped := p.objFIFO.pop()

	if p.scxDisregard > 0 {
		p.scxDisregard--
		return
	}

	if !p.bgWinEnable() {
		bgPix.idx = 0
	}
	if !p.objEnable() {
		objPix.idx = 0
	}

	pickObj := false
	if objPopped {
		switch {
		case !p.bgWinEnable():
			pickObj = true
		case !p.objEnable():
			pickObj = false
		case objPix.priority && bgPix.idx != 0:
			pickObj = false
		case objPix.idx == 0:
			pickObj = false
		default:
			pickObj = true
		}
	}

	var color byte
	if pickObj {
		pal := p.obp0
		if objPix.pal == 1 {
			pal = p.obp1
		}
		color = palColor(pal, objPix.idx)
	} else {
		color = palColor(p.bgp, bgPix.idx)
	}

	if p.lx >= 0 && p.lx < screenWidth {
		p.frame[int(p.ly)*screenWidth+p.lx] = color
	}
	p.lx++
	if p.lx < screenWidth {
		p.checkObjTrigger()
	}
}

func (p *PPU) checkObjTrigger() {
	p.needObjFetch = false
	if !p.objEnable() {
		return
	}
	target := byte(p.lx + 8)
	for _, o := range p.scanlineObjs {
		if o.x == target {
			p.needObjFetch = true
			p.fetchObj = o
			return
		}
	}
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func (p *PPU) bgFetcherDot() {
	f := &p.bgFetcher
	switch f.dot {
	case 0:
		if p.winEnable() && !p.windowMode && int(p.ly) >= int(p.wy) && p.lx >= int(p.wx)-7 {
			p.windowMode = true
			p.windowUsed = true
			p.bgFIFO.clear()
			f.fetchX = 0
		}
		var tileY, tileX byte
		var mapArea bool
		if p.windowMode {
			mapArea = p.winMapArea()
			tileY = byte(max0(p.windowLine)) / 8
			tileX = f.fetchX / 8
		} else {
			mapArea = p.bgMapArea()
			tileY = byte(int(p.ly)+int(p.scy)) / 8
			tileX = byte(int(f.fetchX)+int(p.scx)) / 8
		}
		var base uint16 = 0x9800
		if mapArea {
			base |= 0x0400
		}
		idAddr := base | uint16(tileY)<<5 | uint16(tileX)
		f.dataAdr = idAddr
		f.dot++
	case 1:
		f.tileID = p.rawRead(f.dataAdr)
		f.dot++
	case 2:
		addrMode0x8000 := p.bgDataArea() || (f.tileID&0x80 != 0)
		var line byte
		if p.windowMode {
			line = byte(max0(p.windowLine)) % 8
		} else {
			line = byte(int(p.ly)+int(p.scy)) % 8
		}
		var base uint16
		if addrMode0x8000 {
			base = 0x8000 | uint16(f.tileID)<<4
		} else {
			base = uint16(0x9000 + int32(int8(f.tileID))*16)
		}
		f.dataAdr = base | uint16(line)<<1
		f.dot++
	case 3:
		f.dataLo = p.rawRead(f.dataAdr)
		f.dot++
	case 4:
		f.dataAdr++
		f.dot++
	case 5:
		f.dataHi = p.rawRead(f.dataAdr)
		f.dot++
	case 6:
		assemblePixels(&f.pixels, f.dataLo, f.dataHi, 0, false)
		f.dot++
		fallthrough
	case 7:
		if p.bgFIFO.fill(f.pixels) {
			f.fetchX += 8
			f.dot = 0
		}
	}
}

func assemblePixels(out *[8]pixel, lo, hi byte, pal byte, priority bool) {
	for i := 0; i < 8; i++ {
		bitIdx := uint(7 - i)
		idx := (hi>>bitIdx&1)<<1 | (lo >> bitIdx & 1)
		out[i] = pixel{idx: idx, pal: pal, priority: priority}
	}
}

func flipBits(b byte) byte {
	var out byte
	for i := 0; i < 8; i++ {
		out |= (b >> uint(i) & 1) << uint(7-i)
	}
	return out
}

func (p *PPU) objFetcherDot() {
	f := &p.objFetcher
	switch f.dot {
	case 0:
		f.tileID = p.rawRead(p.fetchObj.addr + 2)
		f.dot++
	case 1:
		f.attrs = p.rawRead(p.fetchObj.addr + 3)
		if p.objSize() {
			top := int(p.ly) - (int(p.fetchObj.y) - 16)
			useSecond := top >= 8
			if f.attrs&0x40 != 0 {
				useSecond = !useSecond
			}
			if useSecond {
				f.tileID |= 1
			} else {
				f.tileID &^= 1
			}
		}
		f.dot++
	case 2:
		line := byte((int(p.ly) - (int(p.fetchObj.y) - 16)) % 8)
		if f.attrs&0x40 != 0 {
			line = (^line) & 0x07
		}
		f.dataAdr = 0x8000 | uint16(f.tileID)<<4 | uint16(line)<<1
		f.dot++
	case 3:
		f.dataLo = p.rawRead(f.dataAdr)
		if f.attrs&0x20 != 0 {
			f.dataLo = flipBits(f.dataLo)
		}
		f.dot++
	case 4:
		f.dataAdr++
		f.dot++
	case 5:
		f.dataHi = p.rawRead(f.dataAdr)
		if f.attrs&0x20 != 0 {
			f.dataHi = flipBits(f.dataHi)
		}
		f.dot++
	case 6:
		pal := byte(0)
		if f.attrs&0x10 != 0 {
			pal = 1
		}
		priority := f.attrs&0x80 != 0
		assemblePixels(&f.pixels, f.dataLo, f.dataHi, pal, priority)
		p.objFIFO.objFill(f.pixels)
		f.dot = 0
		p.needObjFetch = false
	}
}

// rawRead is the PPU's own unconditional VRAM/OAM access used by the
// fetchers; it bypasses the CPU-facing mode-blocking rules, since the PPU
// always has full access to its own backing memory.
func (p *PPU) rawRead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		return p.vram[addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		return p.oam[addr-0xFE00]
	default:
		return 0xFF
	}
}

// CPURead implements the PPU-owned region of the memory map: VRAM, OAM,
// and the register file. Mode-based access blocking is enforced by the
// bus, not here.
func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		return p.vram[addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		return p.oam[addr-0xFE00]
	case addr == 0xFF40:
		return p.lcdc
	case addr == 0xFF41:
		return p.stat | 0x80
	case addr == 0xFF42:
		return p.scy
	case addr == 0xFF43:
		return p.scx
	case addr == 0xFF44:
		return p.ly
	case addr == 0xFF45:
		return p.lyc
	case addr == 0xFF47:
		return p.bgp
	case addr == 0xFF48:
		return p.obp0
	case addr == 0xFF49:
		return p.obp1
	case addr == 0xFF4A:
		return p.wy
	case addr == 0xFF4B:
		return p.wx
	}
	return 0xFF
}

// CPUWrite implements the PPU-owned write side, including the LCDC
// enable/disable transition handling.
func (p *PPU) CPUWrite(addr uint16, v byte) {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		p.vram[addr-0x8000] = v
	case addr >= 0xFE00 && addr <= 0xFE9F:
		p.oam[addr-0xFE00] = v
	case addr == 0xFF40:
		wasOn := p.lcdEnable()
		p.lcdc = v
		if wasOn && !p.lcdEnable() {
			p.setMode(LCDOff)
		} else if !wasOn && p.lcdEnable() {
			p.justEnabled = true
			p.scanline = 0
			p.ly = 0
			p.setMode(OAMScan)
		}
	case addr == 0xFF41:
		p.stat = (p.stat & 0x87) | (v & 0x78)
	case addr == 0xFF42:
		p.scy = v
	case addr == 0xFF43:
		p.scx = v
	case addr == 0xFF44:
		// LY is read-only.
	case addr == 0xFF45:
		p.lyc = v
	case addr == 0xFF47:
		p.bgp = v
	case addr == 0xFF48:
		p.obp0 = v
	case addr == 0xFF49:
		p.obp1 = v
	case addr == 0xFF4A:
		p.wy = v
	case addr == 0xFF4B:
		p.wx = v
	}
}

// BGP, OBP0, OBP1, LCDC, SCY, SCX, WY, WX expose palette and scroll state
// for the host renderer.
func (p *PPU) BGP() byte  { return p.bgp }
func (p *PPU) OBP0() byte { return p.obp0 }
func (p *PPU) OBP1() byte { return p.obp1 }
func (p *PPU) LCDC() byte { return p.lcdc }
func (p *PPU) SCY() byte  { return p.scy }
func (p *PPU) SCX() byte  { return p.scx }
func (p *PPU) WY() byte   { return p.wy }
func (p *PPU) WX() byte   { return p.wx }

type ppuState struct {
	VRAM, OAM            []byte
	LCDC, STAT           byte
	SCY, SCX             byte
	LY, LYC              byte
	BGP, OBP0, OBP1      byte
	WY, WX               byte
	Mode                 Mode
	Scanline, LX         int
	JustEnabled          bool
	PrevSTAT, PrevVBlank bool
	WindowLine           int
	Frame                []byte
}

// SaveState serializes the PPU's registers, VRAM/OAM, and frame buffer.
// Mid-scanline pipeline state (fetchers, FIFOs, sprite scan) is not
// preserved; a restored snapshot resumes cleanly at the next mode
// boundary, which is the only supported save point for this core.
func (p *PPU) SaveState() []byte {
	var buf bytes.Buffer
	s := ppuState{
		VRAM: append([]byte(nil), p.vram[:]...), OAM: append([]byte(nil), p.oam[:]...),
		LCDC: p.lcdc, STAT: p.stat, SCY: p.scy, SCX: p.scx, LY: p.ly, LYC: p.lyc,
		BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1, WY: p.wy, WX: p.wx,
		Mode: p.mode, Scanline: p.scanline, LX: p.lx, JustEnabled: p.justEnabled,
		PrevSTAT: p.prevSTATSignal, PrevVBlank: p.prevVBlankSignal, WindowLine: p.windowLine,
		Frame: append([]byte(nil), p.frame[:]...),
	}
	_ = gob.NewEncoder(&buf).Encode(s)
	return buf.Bytes()
}

// LoadState restores a snapshot produced by SaveState.
func (p *PPU) LoadState(data []byte) {
	var s ppuState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	copy(p.vram[:], s.VRAM)
	copy(p.oam[:], s.OAM)
	p.lcdc, p.stat, p.scy, p.scx, p.ly, p.lyc = s.LCDC, s.STAT, s.SCY, s.SCX, s.LY, s.LYC
	p.bgp, p.obp0, p.obp1, p.wy, p.wx = s.BGP, s.OBP0, s.OBP1, s.WY, s.WX
	p.mode, p.scanline, p.lx, p.justEnabled = s.Mode, s.Scanline, s.LX, s.JustEnabled
	p.prevSTATSignal, p.prevVBlankSignal, p.windowLine = s.PrevSTAT, s.PrevVBlank, s.WindowLine
	copy(p.frame[:], s.Frame)
}
