// Package timer implements the DMG timer chain: a 16-bit free-running
// system counter, DIV as its upper byte, and TIMA/TMA/TAC with
// falling-edge-triggered increments and a one-cycle-deferred overflow
// reload, grounded on original_source/src/timer.c.
package timer

import (
	"bytes"
	"encoding/gob"
)

// InterruptRequester is implemented by the interrupt controller.
type InterruptRequester interface {
	RequestTimer()
}

// tacBitIndex maps TAC's low two bits to the system-counter bit the timer
// signal is derived from.
var tacBitIndex = [4]uint{9, 3, 5, 7}

// Timer owns the system counter and the DIV/TIMA/TMA/TAC registers.
type Timer struct {
	counter uint16

	tima, tma, tac byte

	prevSignal bool
	overflowed bool
	tmaLatched byte

	irq InterruptRequester
}

// New returns a Timer in its post-boot handoff state.
func New(irq InterruptRequester) *Timer {
	t := &Timer{irq: irq}
	t.Reset()
	return t
}

// Reset restores DIV/TIMA/TMA/TAC to their documented post-boot values.
func (t *Timer) Reset() {
	t.counter = 0xABCC
	t.tima, t.tma, t.tac = 0x00, 0x00, 0xF8
	t.prevSignal = t.signal()
	t.overflowed = false
}

func (t *Timer) enabled() bool { return t.tac&0x04 != 0 }

func (t *Timer) signal() bool {
	bit := tacBitIndex[t.tac&0x03]
	return t.enabled() && (t.counter>>bit)&1 != 0
}

// Tick advances the system counter by one M-cycle (4 T-cycles), applies any
// deferred TIMA reload from the previous overflow, and performs
// falling-edge detection on the TAC-selected counter bit.
func (t *Timer) Tick() {
	t.counter += 4

	if t.overflowed {
		t.overflowed = false
		t.tima = t.tmaLatched
		if t.irq != nil {
			t.irq.RequestTimer()
		}
	}

	cur := t.signal()
	if t.prevSignal && !cur {
		t.bumpTIMA()
	}
	t.prevSignal = cur
}

func (t *Timer) bumpTIMA() {
	t.tima++
	if t.tima == 0 {
		t.overflowed = true
		t.tmaLatched = t.tma
	}
}

// ReadDIV returns the upper byte of the system counter.
func (t *Timer) ReadDIV() byte { return byte(t.counter >> 8) }

// WriteDIV resets the system counter to zero; because this can flip the
// TAC-selected bit from 1 to 0, it re-runs falling-edge detection
// immediately so a pending TIMA bump is not missed until the next Tick.
func (t *Timer) WriteDIV(byte) {
	t.counter = 0
	cur := t.signal()
	if t.prevSignal && !cur {
		t.bumpTIMA()
	}
	t.prevSignal = cur
}

// ReadTIMA returns TIMA.
func (t *Timer) ReadTIMA() byte { return t.tima }

// WriteTIMA writes TIMA. A write during the deferred-overflow window
// cancels the pending TMA reload (software observing the delay).
func (t *Timer) WriteTIMA(v byte) {
	t.tima = v
	t.overflowed = false
}

// ReadTMA returns TMA.
func (t *Timer) ReadTMA() byte { return t.tma }

// WriteTMA writes TMA.
func (t *Timer) WriteTMA(v byte) { t.tma = v }

// ReadTAC returns TAC with its unused upper bits forced high.
func (t *Timer) ReadTAC() byte { return t.tac | 0xF8 }

// WriteTAC writes TAC's low 3 bits and re-runs falling-edge detection,
// since changing the selected bit or the enable bit can itself cause an
// edge (prev=1, next=0).
func (t *Timer) WriteTAC(v byte) {
	t.tac = v & 0x07
	cur := t.signal()
	if t.prevSignal && !cur {
		t.bumpTIMA()
	}
	t.prevSignal = cur
}

type timerState struct {
	Counter    uint16
	TIMA, TMA  byte
	TAC        byte
	PrevSignal bool
	Overflowed bool
	TMALatched byte
}

// SaveState serializes the timer's full state.
func (t *Timer) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(timerState{
		Counter: t.counter, TIMA: t.tima, TMA: t.tma, TAC: t.tac,
		PrevSignal: t.prevSignal, Overflowed: t.overflowed, TMALatched: t.tmaLatched,
	})
	return buf.Bytes()
}

// LoadState restores a snapshot produced by SaveState.
func (t *Timer) LoadState(data []byte) {
	var s timerState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	t.counter, t.tima, t.tma, t.tac = s.Counter, s.TIMA, s.TMA, s.TAC
	t.prevSignal, t.overflowed, t.tmaLatched = s.PrevSignal, s.Overflowed, s.TMALatched
}
