// Package dma implements the OAM DMA controller: a 2-M-cycle armed delay,
// a 160-byte copy from (DMA<<8) to OAM spread over 160 M-cycles, and the
// sub-bus classification CPU reads contend against, grounded on
// original_source/src/dma.c.
package dma

import (
	"bytes"
	"encoding/gob"
)

// SubBus identifies which half of the address space a DMA source byte
// falls in, mirroring the "second, canonical" BUS_NOT_DEFINED-classified
// scheme flagged as the intended variant in the design notes.
type SubBus int

const (
	// BusNotDefined is the zero value: DMA is not active, or the source
	// address fell outside both recognized sub-buses.
	BusNotDefined SubBus = iota
	BusExternal          // BANK0, BANK1, EXT_RAM
	BusVideo             // VRAM
)

// Copier performs the single-byte copy; implemented by the bus.
type Copier interface {
	DMACopy(src, dst uint16) byte
}

const oamStart = 0xFE00

// Controller owns the DMA register and its copy state machine.
type Controller struct {
	reg uint8

	startDelay int // M-cycles remaining before activation, 0 = not armed
	active     bool
	offset     int // 0..160

	srcHigh byte

	lastByte byte
	lastBus  SubBus
}

// New returns a Controller in its post-boot handoff state (DMA=0xFF).
func New() *Controller {
	c := &Controller{}
	c.Reset()
	return c
}

// Reset restores the post-boot handoff state.
func (c *Controller) Reset() {
	c.reg = 0xFF
	c.startDelay = 0
	c.active = false
	c.offset = 0
	c.lastByte = 0
	c.lastBus = BusNotDefined
}

// Tick advances the DMA state machine by one M-cycle, performing the armed
// delay countdown, the latch-and-start transition, and one byte of copy
// while active.
func (c *Controller) Tick(bus Copier) {
	if c.startDelay > 0 {
		c.startDelay--
		if c.startDelay == 0 {
			c.active = true
			c.srcHigh = c.reg
			c.offset = 0
		}
	}
	if c.offset == 160 {
		c.active = false
	}
	if !c.active {
		return
	}

	src := uint16(c.srcHigh)<<8 | uint16(c.offset)
	dst := uint16(oamStart) | uint16(c.offset)
	c.lastByte = bus.DMACopy(src, dst)
	c.lastBus = classify(src)
	c.offset++
}

func classify(src uint16) SubBus {
	switch {
	case src >= 0x8000 && src <= 0x9FFF:
		return BusVideo
	case src <= 0xBFFF:
		return BusExternal // BANK0, BANK1, EXT_RAM
	default:
		return BusNotDefined
	}
}

// Active reports whether a copy is currently in progress (after the start
// delay has elapsed).
func (c *Controller) Active() bool { return c.active }

// ActiveBus reports the sub-bus classification of the copy currently in
// progress; meaningless when Active() is false.
func (c *Controller) ActiveBus() SubBus { return c.lastBus }

// LastByte returns the most recent byte the DMA engine read from source
// memory, used to model the CPU's bus-conflict observation.
func (c *Controller) LastByte() byte { return c.lastByte }

// ReadDMA returns the latched source-high register.
func (c *Controller) ReadDMA() byte { return c.reg }

// WriteDMA latches the new source-high byte and arms a 2-M-cycle start
// delay; a write while already active restarts the arm sequence with the
// new source.
func (c *Controller) WriteDMA(v byte) {
	c.reg = v
	c.startDelay = 2
}

type dmaState struct {
	Reg                  uint8
	StartDelay           int
	Active               bool
	Offset               int
	SrcHigh, LastByte    byte
	LastBus              SubBus
}

// SaveState serializes the DMA controller's state.
func (c *Controller) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(dmaState{
		Reg: c.reg, StartDelay: c.startDelay, Active: c.active, Offset: c.offset,
		SrcHigh: c.srcHigh, LastByte: c.lastByte, LastBus: c.lastBus,
	})
	return buf.Bytes()
}

// LoadState restores a snapshot produced by SaveState.
func (c *Controller) LoadState(data []byte) {
	var s dmaState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	c.reg, c.startDelay, c.active, c.offset = s.Reg, s.StartDelay, s.Active, s.Offset
	c.srcHigh, c.lastByte, c.lastBus = s.SrcHigh, s.LastByte, s.LastBus
}
