// Package interrupt implements the DMG interrupt controller: the IF/IE
// register pair, priority encoding, and jump-vector lookup.
package interrupt

import (
	"bytes"
	"encoding/gob"
)

// Source identifies one of the five interrupt lines, indexed by bit position
// in both IF and IE.
type Source int

const (
	VBlank Source = iota
	STAT
	Timer
	Serial
	Joypad

	numSources = 5
)

var jumpVectors = [numSources]uint16{
	VBlank: 0x0040,
	STAT:   0x0048,
	Timer:  0x0050,
	Serial: 0x0058,
	Joypad: 0x0060,
}

const (
	ifWriteMask = 0x1F
	ieWriteMask = 0x1F
)

// Controller owns IF and IE and answers the CPU's end-of-instruction poll.
type Controller struct {
	ifReg byte
	ieReg byte
}

// New returns a controller in its post-boot handoff state (IF=0xE1, IE=0x00).
func New() *Controller {
	c := &Controller{}
	c.Reset()
	return c
}

// Reset restores the post-boot handoff values.
func (c *Controller) Reset() {
	c.ifReg = 0xE1
	c.ieReg = 0x00
}

// Pending reports whether any enabled interrupt is requested.
func (c *Controller) Pending() bool {
	return (c.ifReg & c.ieReg & 0x1F) != 0
}

// Take selects the lowest-numbered pending+enabled source, clears its IF bit,
// and returns its jump vector. The ok return is false if nothing is pending.
func (c *Controller) Take() (vector uint16, ok bool) {
	active := c.ifReg & c.ieReg & 0x1F
	if active == 0 {
		return 0, false
	}
	for i := 0; i < numSources; i++ {
		if active&(1<<uint(i)) != 0 {
			c.ifReg &^= 1 << uint(i)
			return jumpVectors[i], true
		}
	}
	return 0, false
}

// Request sets the IF bit for src.
func (c *Controller) Request(src Source) {
	c.ifReg |= 1 << uint(src)
}

// ReadIF returns IF with its unused upper three bits forced to 1.
func (c *Controller) ReadIF() byte {
	return c.ifReg | 0xE0
}

// WriteIF masks to the low 5 bits.
func (c *Controller) WriteIF(v byte) {
	c.ifReg = v & ifWriteMask
}

// ReadIE returns IE verbatim (it has no forced high bits on DMG).
func (c *Controller) ReadIE() byte {
	return c.ieReg
}

// WriteIE masks to the low 5 bits.
func (c *Controller) WriteIE(v byte) {
	c.ieReg = v & ieWriteMask
}

type controllerState struct {
	IF, IE byte
}

// SaveState serializes IF/IE for a save-state snapshot.
func (c *Controller) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(controllerState{IF: c.ifReg, IE: c.ieReg})
	return buf.Bytes()
}

// LoadState restores IF/IE from a snapshot produced by SaveState.
func (c *Controller) LoadState(data []byte) {
	var s controllerState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	c.ifReg, c.ieReg = s.IF, s.IE
}
