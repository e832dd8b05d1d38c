package emu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func blankROM(cartType byte, romBanks int) []byte {
	rom := make([]byte, 0x4000*romBanks)
	copy(rom[0x0104:0x0134], nintendoLogoForTest[:])
	copy(rom[0x0134:0x0144], []byte("TESTROM"))
	rom[0x0147] = cartType
	rom[0x0148] = 0 // 32KiB, 2 banks
	rom[0x0149] = 0
	return rom
}

// A valid-enough logo isn't required by ParseHeader (it ignores a mismatch), so a
// zeroed placeholder is fine for these tests.
var nintendoLogoForTest [48]byte

func TestLoadCartridgeResetsToPostBootState(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.LoadCartridge(blankROM(0x00, 2)))
	require.Equal(t, uint16(0x0100), m.cpu.PC)
	require.Equal(t, uint16(0xFFFE), m.cpu.SP)
	require.Equal(t, byte(0x91), m.bus.Read(0xFF40), "LCDC should match the post-boot handoff state")
}

func TestLoadCartridgeIsIdempotent(t *testing.T) {
	rom := blankROM(0x00, 2)
	m := New(Config{})
	require.NoError(t, m.LoadCartridge(rom))
	first := m.SaveState()

	m2 := New(Config{})
	require.NoError(t, m2.LoadCartridge(rom))
	second := m2.SaveState()

	require.Equal(t, first, second, "loading the same ROM twice must produce byte-identical save states")
}

func TestStepFrameAdvancesVBlank(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.LoadCartridge(blankROM(0x00, 2)))
	m.StepFrame()
	require.NotZero(t, m.bus.Read(0xFF0F)&0x01, "expected VBlank interrupt flag set after one frame")
}

func TestButtonsMaskRoundtrip(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.LoadCartridge(blankROM(0x00, 2)))
	m.SetButtons(Buttons{A: true, Up: true})
	m.StartFrame()
	m.bus.Write(0xFF00, 0x20) // select D-Pad
	got := m.bus.Read(0xFF00) & 0x0F
	require.Zero(t, got&0x04, "Up bit not reflected (JOYP is active-low): %#02x", got)
}
