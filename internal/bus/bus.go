// Package bus wires the CPU-visible address space to the cartridge, WRAM,
// HRAM, the PPU, and the timer/DMA/interrupt subsystems, and implements
// the mode- and DMA-dependent access contention rules those subsystems
// impose on the CPU, grounded on original_source/src/bus.c.
package bus

import (
	"bytes"
	"encoding/gob"

	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/cart"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/dma"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/interrupt"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/ppu"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/timer"
)

// Bus owns every memory-mapped component and enforces the fixed per-M-cycle
// subsystem order: DMA, then CPU (via Read/Write called from the CPU's own
// Step), then PPU, then Timer.
type Bus struct {
	cart cart.Cartridge

	wram [0x2000]byte // 0xC000-0xDFFF
	hram [0x7F]byte   // 0xFF80-0xFFFE

	ppu   *ppu.PPU
	timer *timer.Timer
	dma   *dma.Controller
	intc  *interrupt.Controller

	joypSelect byte
	joypad     byte
	joypLower4 byte
}

// New constructs a Bus with a cartridge decoded from the given ROM image.
func New(rom []byte) *Bus {
	return NewWithCartridge(cart.NewCartridge(rom))
}

// NewWithCartridge wires a provided cartridge implementation.
func NewWithCartridge(c cart.Cartridge) *Bus {
	b := &Bus{cart: c}
	b.intc = interrupt.New()
	b.ppu = ppu.New(ppuIRQAdapter{b.intc})
	b.timer = timer.New(timerIRQAdapter{b.intc})
	b.dma = dma.New()
	return b
}

type ppuIRQAdapter struct{ c *interrupt.Controller }

func (a ppuIRQAdapter) RequestVBlank() { a.c.Request(interrupt.VBlank) }
func (a ppuIRQAdapter) RequestSTAT()   { a.c.Request(interrupt.STAT) }

type timerIRQAdapter struct{ c *interrupt.Controller }

func (a timerIRQAdapter) RequestTimer() { a.c.Request(interrupt.Timer) }

// PPU returns the internal PPU for host-renderer use.
func (b *Bus) PPU() *ppu.PPU { return b.ppu }

// Cart returns the underlying cartridge for battery save/load.
func (b *Bus) Cart() cart.Cartridge { return b.cart }

// InterruptPending reports whether any enabled interrupt is awaiting
// dispatch, for the CPU's HALT-wake and dispatch-check logic.
func (b *Bus) InterruptPending() bool { return b.intc.Pending() }

// TakeInterrupt clears the highest-priority pending interrupt's IF bit and
// returns its jump vector, for the CPU's interrupt dispatch sequence.
func (b *Bus) TakeInterrupt() (uint16, bool) { return b.intc.Take() }

func inVRAMRange(addr uint16) bool { return addr >= 0x8000 && addr <= 0x9FFF }
func inOAMRange(addr uint16) bool  { return addr >= 0xFE00 && addr <= 0xFE9F }

// vramBlocked reports whether the CPU is currently denied VRAM access: PPU
// mode 3 (Draw) always blocks it.
func (b *Bus) vramBlocked() bool { return b.ppu.Mode() == ppu.Draw }

// oamBlocked reports whether the CPU is currently denied OAM access: PPU
// modes 2 and 3 block it, and an active OAM DMA transfer blocks it for
// every requester regardless of mode.
func (b *Bus) oamBlocked() bool {
	if b.dma.Active() {
		return true
	}
	m := b.ppu.Mode()
	return m == ppu.OAMScan || m == ppu.Draw
}

// subBusOf classifies a CPU address into the sub-bus an in-progress OAM
// DMA transfer occupies, mirroring the classification DMA uses for its own
// source reads (original_source/src/bus.c's get_addr_region).
func subBusOf(addr uint16) dma.SubBus {
	switch {
	case inVRAMRange(addr):
		return dma.BusVideo
	case addr <= 0xBFFF:
		return dma.BusExternal
	default:
		return dma.BusNotDefined
	}
}

// Read performs a CPU-initiated bus read, applying PPU-mode and DMA
// contention rules.
func (b *Bus) Read(addr uint16) byte {
	if b.dma.Active() && !inOAMRange(addr) {
		// While DMA is active, any CPU read from the same sub-bus the DMA
		// transfer is using observes the byte DMA itself just read,
		// instead of the addressed location (bus conflict). HRAM is
		// always exempt.
		if addr < 0xFF80 || addr > 0xFFFE {
			if subBusOf(addr) == b.dma.ActiveBus() {
				return b.dma.LastByte()
			}
		}
	}

	switch {
	case addr < 0x8000:
		return b.cart.Read(addr)
	case inVRAMRange(addr):
		if b.vramBlocked() {
			return 0xFF
		}
		return b.ppu.CPURead(addr)
	case addr >= 0xA000 && addr <= 0xBFFF:
		return b.cart.Read(addr)
	case addr >= 0xC000 && addr <= 0xDFFF:
		return b.wram[addr-0xC000]
	case addr >= 0xE000 && addr <= 0xFDFF:
		return b.wram[(addr&^0xE000)]
	case inOAMRange(addr):
		if b.oamBlocked() {
			return 0xFF
		}
		return b.ppu.CPURead(addr)
	case addr == 0xFF00:
		return b.readJoyp()
	case addr == 0xFF04:
		return b.timer.ReadDIV()
	case addr == 0xFF05:
		return b.timer.ReadTIMA()
	case addr == 0xFF06:
		return b.timer.ReadTMA()
	case addr == 0xFF07:
		return b.timer.ReadTAC()
	case addr == 0xFF0F:
		return b.intc.ReadIF()
	case addr == 0xFF40, addr == 0xFF41, addr == 0xFF42, addr == 0xFF43,
		addr == 0xFF44, addr == 0xFF45,
		addr == 0xFF47, addr == 0xFF48, addr == 0xFF49,
		addr == 0xFF4A, addr == 0xFF4B:
		return b.ppu.CPURead(addr)
	case addr == 0xFF46:
		return b.dma.ReadDMA()
	case addr >= 0xFF80 && addr <= 0xFFFE:
		return b.hram[addr-0xFF80]
	case addr == 0xFFFF:
		return b.intc.ReadIE()
	}
	return 0xFF
}

// Write performs a CPU-initiated bus write, applying the same contention
// rules as Read.
func (b *Bus) Write(addr uint16, value byte) {
	if b.dma.Active() && !inOAMRange(addr) && (addr < 0xFF80 || addr > 0xFFFE) {
		// A write to the sub-bus the DMA transfer is using is dropped.
		if subBusOf(addr) == b.dma.ActiveBus() {
			return
		}
	}
	switch {
	case addr < 0x8000:
		b.cart.Write(addr, value)
	case inVRAMRange(addr):
		if !b.vramBlocked() {
			b.ppu.CPUWrite(addr, value)
		}
	case addr >= 0xA000 && addr <= 0xBFFF:
		b.cart.Write(addr, value)
	case addr >= 0xC000 && addr <= 0xDFFF:
		b.wram[addr-0xC000] = value
	case addr >= 0xE000 && addr <= 0xFDFF:
		b.wram[(addr & ^uint16(0xE000))] = value
	case inOAMRange(addr):
		if !b.oamBlocked() {
			b.ppu.CPUWrite(addr, value)
		}
	case addr == 0xFF00:
		b.joypSelect = value & 0x30
		b.updateJoypadIRQ()
	case addr == 0xFF04:
		b.timer.WriteDIV(value)
	case addr == 0xFF05:
		b.timer.WriteTIMA(value)
	case addr == 0xFF06:
		b.timer.WriteTMA(value)
	case addr == 0xFF07:
		b.timer.WriteTAC(value)
	case addr == 0xFF0F:
		b.intc.WriteIF(value)
	case addr == 0xFF40, addr == 0xFF41, addr == 0xFF42, addr == 0xFF43,
		addr == 0xFF44, addr == 0xFF45,
		addr == 0xFF47, addr == 0xFF48, addr == 0xFF49,
		addr == 0xFF4A, addr == 0xFF4B:
		b.ppu.CPUWrite(addr, value)
	case addr == 0xFF46:
		b.dma.WriteDMA(value)
	case addr >= 0xFF80 && addr <= 0xFFFE:
		b.hram[addr-0xFF80] = value
	case addr == 0xFFFF:
		b.intc.WriteIE(value)
	}
}

// DMACopy performs one DMA-driven byte copy, reading from the external or
// video sub-bus directly (bypassing CPU contention checks, since DMA is
// the thing causing the contention) and writing straight into OAM.
func (b *Bus) DMACopy(src, dst uint16) byte {
	var v byte
	switch {
	case inVRAMRange(src):
		v = b.ppu.CPURead(src)
	case src < 0x8000:
		v = b.cart.Read(src)
	case src >= 0xA000 && src <= 0xBFFF:
		v = b.cart.Read(src)
	case src >= 0xC000 && src <= 0xDFFF:
		v = b.wram[src-0xC000]
	default:
		v = 0xFF
	}
	b.ppu.CPUWrite(dst, v)
	return v
}

func (b *Bus) readJoyp() byte {
	res := byte(0xC0 | (b.joypSelect & 0x30) | 0x0F)
	if b.joypSelect&0x10 == 0 {
		if b.joypad&JoypRight != 0 {
			res &^= 0x01
		}
		if b.joypad&JoypLeft != 0 {
			res &^= 0x02
		}
		if b.joypad&JoypUp != 0 {
			res &^= 0x04
		}
		if b.joypad&JoypDown != 0 {
			res &^= 0x08
		}
	}
	if b.joypSelect&0x20 == 0 {
		if b.joypad&JoypA != 0 {
			res &^= 0x01
		}
		if b.joypad&JoypB != 0 {
			res &^= 0x02
		}
		if b.joypad&JoypSelectBtn != 0 {
			res &^= 0x04
		}
		if b.joypad&JoypStart != 0 {
			res &^= 0x08
		}
	}
	return res
}

// Joypad button bitmasks for SetJoypadState. Bits set mean "pressed".
const (
	JoypRight     = 1 << 0
	JoypLeft      = 1 << 1
	JoypUp        = 1 << 2
	JoypDown      = 1 << 3
	JoypA         = 1 << 4
	JoypB         = 1 << 5
	JoypSelectBtn = 1 << 6
	JoypStart     = 1 << 7
)

// SetJoypadState sets which buttons are currently pressed.
func (b *Bus) SetJoypadState(mask byte) {
	b.joypad = mask
	b.updateJoypadIRQ()
}

func (b *Bus) updateJoypadIRQ() {
	newLower := byte(0x0F)
	if b.joypSelect&0x10 == 0 {
		if b.joypad&JoypRight != 0 {
			newLower &^= 0x01
		}
		if b.joypad&JoypLeft != 0 {
			newLower &^= 0x02
		}
		if b.joypad&JoypUp != 0 {
			newLower &^= 0x04
		}
		if b.joypad&JoypDown != 0 {
			newLower &^= 0x08
		}
	}
	if b.joypSelect&0x20 == 0 {
		if b.joypad&JoypA != 0 {
			newLower &^= 0x01
		}
		if b.joypad&JoypB != 0 {
			newLower &^= 0x02
		}
		if b.joypad&JoypSelectBtn != 0 {
			newLower &^= 0x04
		}
		if b.joypad&JoypStart != 0 {
			newLower &^= 0x08
		}
	}
	falling := b.joypLower4 &^ newLower
	if falling != 0 {
		b.intc.Request(interrupt.Joypad)
	}
	b.joypLower4 = newLower
}

// TickDMA advances the DMA controller by one M-cycle. The CPU calls this
// itself at the start of every M-cycle, before its own microcode step, so a
// DMA byte becomes visible to a contending CPU read in the same M-cycle it
// was copied.
func (b *Bus) TickDMA() { b.dma.Tick(b) }

// TickPPUTimer advances the PPU (four dots) and the timer by one M-cycle.
// The CPU calls this itself immediately after its own microcode step, so the
// fixed per-M-cycle order is DMA, then CPU, then PPU, then Timer.
func (b *Bus) TickPPUTimer() {
	b.ppu.Tick(4)
	b.timer.Tick()
}

// Tick advances DMA, PPU, and Timer by one M-cycle in the fixed order, with
// no CPU step interleaved. Kept for tests that drive the bus directly
// without a CPU; the CPU itself uses TickDMA/TickPPUTimer around its own
// microcode step instead of calling this.
func (b *Bus) Tick() {
	b.TickDMA()
	b.TickPPUTimer()
}

type busState struct {
	WRAM                []byte
	HRAM                []byte
	JoypSel, Joyp, JoypL4 byte
}

// SaveState serializes WRAM/HRAM/joypad state plus each subcomponent's own
// snapshot, concatenated as length-prefixed gob blobs.
func (b *Bus) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(busState{
		WRAM: append([]byte(nil), b.wram[:]...), HRAM: append([]byte(nil), b.hram[:]...),
		JoypSel: b.joypSelect, Joyp: b.joypad, JoypL4: b.joypLower4,
	})
	_ = enc.Encode(b.ppu.SaveState())
	_ = enc.Encode(b.timer.SaveState())
	_ = enc.Encode(b.dma.SaveState())
	_ = enc.Encode(b.intc.SaveState())
	if bb, ok := b.cart.(interface{ SaveState() []byte }); ok {
		_ = enc.Encode(bb.SaveState())
	} else {
		_ = enc.Encode([]byte(nil))
	}
	return buf.Bytes()
}

// LoadState restores a snapshot produced by SaveState.
func (b *Bus) LoadState(data []byte) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var s busState
	if err := dec.Decode(&s); err != nil {
		return
	}
	copy(b.wram[:], s.WRAM)
	copy(b.hram[:], s.HRAM)
	b.joypSelect, b.joypad, b.joypLower4 = s.JoypSel, s.Joyp, s.JoypL4

	var blob []byte
	if err := dec.Decode(&blob); err == nil {
		b.ppu.LoadState(blob)
	}
	if err := dec.Decode(&blob); err == nil {
		b.timer.LoadState(blob)
	}
	if err := dec.Decode(&blob); err == nil {
		b.dma.LoadState(blob)
	}
	if err := dec.Decode(&blob); err == nil {
		b.intc.LoadState(blob)
	}
	if err := dec.Decode(&blob); err == nil {
		if bb, ok := b.cart.(interface{ LoadState([]byte) }); ok {
			bb.LoadState(blob)
		}
	}
}
