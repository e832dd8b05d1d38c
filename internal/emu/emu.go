// Package emu bundles the bus, CPU, and cartridge into the single owning
// Machine record the host talks to, per the core's external interface:
// sys_init/sys_deinit/sys_tick/sys_start_frame/sys_set_input/
// sys_get_frame_buffer. The host holds exactly one instance; the only
// module-level mutable state in the core is internal/cart's substitutable
// wall-clock source for the MBC3 RTC.
package emu

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/bus"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/cart"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/cpu"
)

// Buttons is the host's input snapshot for one frame.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

// mask packs Buttons into the bus's joypad bit layout (bit set = pressed).
func (bt Buttons) mask() byte {
	var m byte
	if bt.Right {
		m |= bus.JoypRight
	}
	if bt.Left {
		m |= bus.JoypLeft
	}
	if bt.Up {
		m |= bus.JoypUp
	}
	if bt.Down {
		m |= bus.JoypDown
	}
	if bt.A {
		m |= bus.JoypA
	}
	if bt.B {
		m |= bus.JoypB
	}
	if bt.Select {
		m |= bus.JoypSelectBtn
	}
	if bt.Start {
		m |= bus.JoypStart
	}
	return m
}

// tCyclesPerFrame is 70224 T-cycles (mCyclesPerFrame: 17556 M-cycles) at ~4.19 MHz, the
// fixed frame length used for pacing and for StepFrame's vblank-aligned
// stopping point.
const (
	tCyclesPerFrame = 70224
	mCyclesPerFrame = tCyclesPerFrame / 4
)

// Config contains settings that affect emulation behavior.
type Config struct {
	Trace    bool // log CPU instructions (unused by the core itself; host hook)
	LimitFPS bool // throttle to ~60 Hz (host responsibility; recorded for callers)
}

// Machine is the single owning record for one emulated Game Boy: bus, CPU,
// cartridge, and host-facing bookkeeping (ROM path, buttons). Bundling
// every subsystem behind one record (rather than the package-level statics
// the original keeps) is what makes multiple concurrent instances and
// save-state round-tripping possible.
type Machine struct {
	cfg Config

	bus *bus.Bus
	cpu *cpu.CPU

	rom     []byte
	romPath string
	header  *cart.Header

	buttons Buttons
}

// New allocates a Machine with no cartridge loaded.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg}
}

// LoadCartridge is sys_init given an in-memory ROM image: it parses the
// header, builds the matching MBC, wires a fresh Bus and CPU, and resets
// both to DMG post-boot-handoff state (boot ROM execution is out of
// scope; the core always starts at the post-boot state).
func (m *Machine) LoadCartridge(rom []byte) error {
	if len(rom) < 0x8000 || len(rom)%0x4000 != 0 {
		return fmt.Errorf("invalid cartridge: size %d is not a multiple of 16KiB (min 32KiB)", len(rom))
	}
	h, err := cart.ParseHeader(rom)
	if err != nil {
		return fmt.Errorf("invalid cartridge: %w", err)
	}
	m.rom = rom
	m.header = h
	m.bus = bus.New(rom)
	m.cpu = cpu.New(m.bus)
	m.resetPostBoot()
	return nil
}

// LoadROMFromFile reads a ROM off disk, loads it, and remembers the path
// so SaveBattery/LoadBattery and save-state files can derive sibling
// paths from it.
func (m *Machine) LoadROMFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rom: %w", err)
	}
	if err := m.LoadCartridge(data); err != nil {
		return err
	}
	m.romPath = path
	return nil
}

// resetPostBoot puts the CPU in the standard DMG post-boot register state
// and primes the I/O registers a real boot ROM would have left behind,
// since boot ROM execution itself is not emulated.
func (m *Machine) resetPostBoot() {
	m.cpu.ResetNoBoot()
	m.cpu.SetPC(0x0100)
	m.bus.Write(0xFF00, 0xCF)
	m.bus.Write(0xFF05, 0x00)
	m.bus.Write(0xFF06, 0x00)
	m.bus.Write(0xFF07, 0x00)
	m.bus.Write(0xFF40, 0x91)
	m.bus.Write(0xFF42, 0x00)
	m.bus.Write(0xFF43, 0x00)
	m.bus.Write(0xFF45, 0x00)
	m.bus.Write(0xFF47, 0xFC)
	m.bus.Write(0xFF48, 0xFF)
	m.bus.Write(0xFF49, 0xFF)
	m.bus.Write(0xFF4A, 0x00)
	m.bus.Write(0xFF4B, 0x00)
	m.bus.Write(0xFFFF, 0x00)
}

// ResetPostBoot reinitializes the currently loaded cartridge to the
// post-boot state without reloading the ROM image (a soft reset).
func (m *Machine) ResetPostBoot() {
	if m.bus == nil {
		return
	}
	m.bus = bus.NewWithCartridge(m.bus.Cart())
	m.cpu = cpu.New(m.bus)
	m.resetPostBoot()
}

// SetButtons records the input snapshot to apply at the next StartFrame.
func (m *Machine) SetButtons(b Buttons) { m.buttons = b }

// StartFrame is sys_start_frame: applies the input snapshot for the
// frame about to run.
func (m *Machine) StartFrame() {
	if m.bus != nil {
		m.bus.SetJoypadState(m.buttons.mask())
	}
}

// Tick is sys_tick: advances exactly one M-cycle. The CPU's own microcode
// engine runs one step of whichever instruction (or interrupt dispatch) is
// in flight, bracketed by DMA before and PPU/Timer after, in the fixed
// per-M-cycle order.
func (m *Machine) Tick() int {
	if m.cpu == nil {
		return 0
	}
	return m.cpu.Step()
}

// StepFrame runs one full frame's worth of M-cycles (mCyclesPerFrame,
// the 70224 T-cycle / 59.73 Hz frame length) and leaves the PPU's
// framebuffer holding the completed frame.
func (m *Machine) StepFrame() {
	m.StepFrameNoRender()
}

// StepFrameNoRender is StepFrame without any host-side implication of
// presenting the result; both run the same fixed number of M-cycles since
// the PPU always renders into its own framebuffer regardless of whether
// the host displays it.
func (m *Machine) StepFrameNoRender() {
	if m.cpu == nil {
		return
	}
	m.StartFrame()
	target := mCyclesPerFrame
	spent := 0
	for spent < target {
		spent += m.cpu.Step()
	}
}

// FrameBuffer is sys_get_frame_buffer: 160x144 2-bit-per-pixel palette
// indices (0-3), one byte per pixel.
func (m *Machine) FrameBuffer() []byte {
	if m.bus == nil {
		return make([]byte, 160*144)
	}
	return m.bus.PPU().FrameBuffer()
}

// Framebuffer is an alias kept for host call sites written against the
// teacher's original casing.
func (m *Machine) Framebuffer() []byte { return m.FrameBuffer() }

// ROMPath returns the path LoadROMFromFile loaded the current ROM from,
// or "" if the ROM was loaded from memory or nothing is loaded.
func (m *Machine) ROMPath() string { return m.romPath }

// ROMTitle returns the cartridge header title, or "" if nothing is loaded.
func (m *Machine) ROMTitle() string {
	if m.header == nil {
		return ""
	}
	return m.header.Title
}

// Header returns the parsed cartridge header, or nil if nothing is loaded.
func (m *Machine) Header() *cart.Header { return m.header }

// SavePath derives the battery-save sibling path for the current ROM
// path: the ROM path with its extension replaced by ".sav".
func (m *Machine) SavePath() string {
	if m.romPath == "" {
		return ""
	}
	ext := filepath.Ext(m.romPath)
	return strings.TrimSuffix(m.romPath, ext) + ".sav"
}

// SaveBattery returns the cartridge's external RAM image for
// persistence, and whether the cartridge carries battery-backed RAM at
// all.
func (m *Machine) SaveBattery() ([]byte, bool) {
	if m.bus == nil {
		return nil, false
	}
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return nil, false
	}
	data := bb.SaveRAM()
	return data, data != nil
}

// LoadBattery restores a previously saved external RAM image. Returns
// false if the cartridge has no battery-backed RAM.
func (m *Machine) LoadBattery(data []byte) bool {
	if m.bus == nil {
		return false
	}
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return false
	}
	bb.LoadRAM(data)
	return true
}

// SaveState is sys_deinit's persistence half without tearing the Machine
// down: it serializes the bus (and through it every subsystem) plus the
// CPU registers into one opaque blob.
func (m *Machine) SaveState() []byte {
	if m.bus == nil {
		return nil
	}
	// Drain any in-flight instruction (or interrupt dispatch) to a clean
	// boundary first, via the normal Step() path so DMA/PPU/Timer keep
	// advancing correctly during the drain. At a clean boundary none of the
	// CPU's other hidden microcode state (ir, wz, cycle, stepFn, cbPrefix)
	// needs capturing.
	for m.cpu.InFlight() {
		m.cpu.Step()
	}
	cs := cpuState{
		A: m.cpu.A, F: m.cpu.F, B: m.cpu.B, C: m.cpu.C, D: m.cpu.D, E: m.cpu.E,
		H: m.cpu.H, L: m.cpu.L, SP: m.cpu.SP, PC: m.cpu.PC, IME: m.cpu.IME,
		Halted: m.cpu.Halted(), EIDelay: m.cpu.EIDelay(),
	}
	return encodeState(cs, m.bus.SaveState())
}

// LoadState restores a snapshot produced by SaveState onto the currently
// loaded cartridge.
func (m *Machine) LoadState(data []byte) error {
	if m.bus == nil {
		return fmt.Errorf("no cartridge loaded")
	}
	cs, busBlob, err := decodeState(data)
	if err != nil {
		return err
	}
	m.cpu.A, m.cpu.F, m.cpu.B, m.cpu.C, m.cpu.D, m.cpu.E = cs.A, cs.F, cs.B, cs.C, cs.D, cs.E
	m.cpu.H, m.cpu.L, m.cpu.SP = cs.H, cs.L, cs.SP
	m.cpu.SetPC(cs.PC)
	m.cpu.IME = cs.IME
	m.cpu.SetHalted(cs.Halted)
	m.cpu.SetEIDelay(cs.EIDelay)
	m.bus.LoadState(busBlob)
	return nil
}

// SaveStateToFile writes SaveState's result to path.
func (m *Machine) SaveStateToFile(path string) error {
	return os.WriteFile(path, m.SaveState(), 0644)
}

// LoadStateFromFile restores a snapshot written by SaveStateToFile.
func (m *Machine) LoadStateFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return m.LoadState(data)
}
