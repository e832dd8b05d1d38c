package cpu

// Memory is the bus-facing capability the CPU needs: byte-addressed
// read/write, the two halves of one M-cycle's subsystem advancement (DMA
// before the CPU's own access, PPU+Timer after it), and interrupt dispatch.
// *bus.Bus satisfies this.
type Memory interface {
	Read(addr uint16) byte
	Write(addr uint16, v byte)
	TickDMA()
	TickPPUTimer()
	InterruptPending() bool
	TakeInterrupt() (vector uint16, ok bool)
}

// microStep is one M-cycle's worth of an in-flight instruction's microcode.
// It may touch the bus at most once. Returning leaves c.stepFn set to the
// next step (or nil, meaning the instruction is complete and the following
// Step() call fetches the next opcode).
type microStep func(c *CPU)

// CPU implements the SM83 instruction set at true M-cycle granularity: each
// Step() call runs exactly one M-cycle of whichever instruction (or
// interrupt dispatch) is in flight, resuming from hidden microcode state
// rather than running a whole instruction to completion. Dispatch is keyed
// by (opcode, cycle index): decoding happens once at fetch and installs a
// chain of step functions, one per remaining M-cycle, in c.stepFn.
type CPU struct {
	// 8-bit registers
	A, F byte
	B, C byte
	D, E byte
	H, L byte

	SP uint16
	PC uint16

	IME    bool
	halted bool

	// Hidden micro-architectural state the microcode engine dispatches on.
	ir       byte      // instruction register: the opcode currently in flight
	cbPrefix bool      // ir's instruction came through the CB prefix table
	wz       uint16    // scratch/address latch multi-cycle instructions stage through
	cbTmp    byte      // read-modify-write scratch for CB ops on (HL)
	cycle    int       // M-cycles elapsed since the current instruction's fetch
	stepFn   microStep // the step to run on the next Step() call; nil at an instruction boundary
	eiDelay  int       // instruction boundaries remaining before EI's IME=true takes effect, 0 when none pending

	bus Memory
}

// New creates a CPU with default post-boot-like state (simplified).
func New(b Memory) *CPU {
	return &CPU{bus: b, SP: 0xFFFE, PC: 0x0000}
}

// SetPC allows tests or a boot stub to set the program counter.
func (c *CPU) SetPC(pc uint16) { c.PC = pc }

// Bus exposes the underlying bus for tests/tools.
func (c *CPU) Bus() Memory { return c.bus }

// Halted reports whether the CPU is currently idling in HALT.
func (c *CPU) Halted() bool { return c.halted }

// SetHalted restores the HALT state; used when loading a save state.
func (c *CPU) SetHalted(h bool) { c.halted = h }

// EIDelay reports the number of instruction boundaries remaining before a
// prior EI's IME=true takes effect (0 if none pending).
func (c *CPU) EIDelay() int { return c.eiDelay }

// SetEIDelay restores a pending EI countdown; used when loading a save state.
func (c *CPU) SetEIDelay(d int) { c.eiDelay = d }

// InFlight reports whether an instruction (or interrupt dispatch) is
// mid-sequence, i.e. whether Step() would resume microcode rather than
// fetch a new opcode. Save-state capture uses this to drain to a clean
// instruction boundary before serializing.
func (c *CPU) InFlight() bool { return c.stepFn != nil }

// ResetNoBoot sets registers to typical DMG post-boot state.
// Useful when running without a boot ROM.
func (c *CPU) ResetNoBoot() {
	c.A, c.F = 0x01, 0xB0
	c.B, c.C = 0x00, 0x13
	c.D, c.E = 0x00, 0xD8
	c.H, c.L = 0x01, 0x4D
	c.SP = 0xFFFE
	c.IME = false
	c.halted = false
	c.ir, c.cbPrefix, c.wz, c.cbTmp, c.cycle, c.stepFn, c.eiDelay = 0, false, 0, 0, 0, nil, 0
}

// Flags helpers
const (
	flagZ byte = 1 << 7
	flagN byte = 1 << 6
	flagH byte = 1 << 5
	flagC byte = 1 << 4
)

func (c *CPU) setZNHC(z, n, h, carry bool) {
	var f byte
	if z {
		f |= flagZ
	}
	if n {
		f |= flagN
	}
	if h {
		f |= flagH
	}
	if carry {
		f |= flagC
	}
	c.F = f
}

func (c *CPU) add8(a, b byte) (res byte, z, n, h, cy bool) {
	r := uint16(a) + uint16(b)
	res = byte(r)
	z = res == 0
	n = false
	h = ((a & 0x0F) + (b & 0x0F)) > 0x0F
	cy = r > 0xFF
	return
}

func (c *CPU) adc8(a, b byte, carryIn bool) (res byte, z, n, h, cy bool) {
	ci := byte(0)
	if carryIn {
		ci = 1
	}
	r := uint16(a) + uint16(b) + uint16(ci)
	res = byte(r)
	z = res == 0
	n = false
	h = ((a & 0x0F) + (b & 0x0F) + ci) > 0x0F
	cy = r > 0xFF
	return
}

func (c *CPU) sub8(a, b byte) (res byte, z, n, h, cy bool) {
	r := int16(a) - int16(b)
	res = byte(r)
	z = res == 0
	n = true
	h = (a & 0x0F) < (b & 0x0F)
	cy = int16(a) < int16(b)
	return
}

func (c *CPU) sbc8(a, b byte, carryIn bool) (res byte, z, n, h, cy bool) {
	ci := byte(0)
	if carryIn {
		ci = 1
	}
	r := int16(a) - int16(b) - int16(ci)
	res = byte(r)
	z = res == 0
	n = true
	h = (a & 0x0F) < ((b & 0x0F) + ci)
	cy = int16(a) < int16(b)+int16(ci)
	return
}

func (c *CPU) and8(a, b byte) (res byte, z, n, h, cy bool) {
	res = a & b
	z = res == 0
	n = false
	h = true
	cy = false
	return
}

func (c *CPU) xor8(a, b byte) (res byte, z, n, h, cy bool) {
	res = a ^ b
	z = res == 0
	n = false
	h = false
	cy = false
	return
}

func (c *CPU) or8(a, b byte) (res byte, z, n, h, cy bool) {
	res = a | b
	z = res == 0
	n = false
	h = false
	cy = false
	return
}

func (c *CPU) cp8(a, b byte) (z, n, h, cy bool) {
	_, z, n, h, cy = c.sub8(a, b)
	return
}

func (c *CPU) read8(addr uint16) byte     { return c.bus.Read(addr) }
func (c *CPU) write8(addr uint16, v byte) { c.bus.Write(addr, v) }

// fetch8 reads the byte at PC and advances PC. Used both for the opcode
// fetch itself and for an instruction's own immediate-operand reads, each
// call representing one M-cycle's bus access.
func (c *CPU) fetch8() byte {
	b := c.read8(c.PC)
	c.PC++
	return b
}

func (c *CPU) getAF() uint16  { return uint16(c.A)<<8 | uint16(c.F&0xF0) }
func (c *CPU) setAF(v uint16) { c.A = byte(v >> 8); c.F = byte(v) & 0xF0 }
func (c *CPU) getBC() uint16  { return uint16(c.B)<<8 | uint16(c.C) }
func (c *CPU) setBC(v uint16) { c.B = byte(v >> 8); c.C = byte(v) }
func (c *CPU) getDE() uint16  { return uint16(c.D)<<8 | uint16(c.E) }
func (c *CPU) setDE(v uint16) { c.D = byte(v >> 8); c.E = byte(v) }
func (c *CPU) getHL() uint16  { return uint16(c.H)<<8 | uint16(c.L) }
func (c *CPU) setHL(v uint16) { c.H = byte(v >> 8); c.L = byte(v) }

// regGet/regSet map the SM83's 3-bit register field (0-5 B,C,D,E,H,L; 6
// means (HL); 7 means A) to a value. Index 6 always costs its own bus
// cycle, so callers must only reach it from a microcode step, never from a
// combinational (single-M-cycle) dispatch.
func (c *CPU) regGet(idx byte) byte {
	switch idx {
	case 0:
		return c.B
	case 1:
		return c.C
	case 2:
		return c.D
	case 3:
		return c.E
	case 4:
		return c.H
	case 5:
		return c.L
	case 6:
		return c.read8(c.getHL())
	default:
		return c.A
	}
}

func (c *CPU) regSet(idx byte, v byte) {
	switch idx {
	case 0:
		c.B = v
	case 1:
		c.C = v
	case 2:
		c.D = v
	case 3:
		c.E = v
	case 4:
		c.H = v
	case 5:
		c.L = v
	case 6:
		c.write8(c.getHL(), v)
	default:
		c.A = v
	}
}

// Step runs exactly one M-cycle: DMA advances, then the CPU's own microcode
// step (which may itself call bus.Read/Write once), then the PPU and timer
// advance. This fixed order is what makes a DMA byte copied this M-cycle
// visible to a contending CPU read in the very same M-cycle, and is what
// lets an interrupt's 5-M-cycle dispatch sequence interleave correctly with
// everything else instead of happening atomically between instructions.
func (c *CPU) Step() int {
	c.bus.TickDMA()
	c.runCycle()
	c.bus.TickPPUTimer()
	return 1
}

// runCycle resumes the in-flight microcode step, or, at an instruction
// boundary (no step pending), applies the EI delay, handles HALT, and
// either begins interrupt dispatch or fetches the next opcode.
func (c *CPU) runCycle() {
	if c.stepFn != nil {
		fn := c.stepFn
		c.stepFn = nil
		c.cycle++
		fn(c)
		return
	}
	c.cycle = 0

	if c.eiDelay > 0 {
		c.eiDelay--
		if c.eiDelay == 0 {
			c.IME = true
		}
	}

	if c.halted {
		if !c.bus.InterruptPending() {
			return // sleep this M-cycle; no bus access
		}
		c.halted = false
	}

	if c.IME && c.bus.InterruptPending() {
		c.beginInterruptDispatch()
		return
	}

	c.beginFetch()
}

// beginInterruptDispatch starts the real 5-M-cycle SM83 interrupt sequence:
// (1) this cycle holds PC, idle; (2) decrement SP; (3) push PC's high byte
// and only then re-read the pending interrupt set, latching its vector into
// wz (or, if nothing is pending any more at this exact instant, the
// "interrupt cancel" glitch: wz becomes 0 instead); (4) decrement SP again,
// push PC's low byte, and jump to wz; (5) idle.
func (c *CPU) beginInterruptDispatch() {
	c.halted = false
	c.IME = false
	c.stepFn = func(c *CPU) {
		c.SP--
		c.stepFn = func(c *CPU) {
			c.write8(c.SP, byte(c.PC>>8))
			if vector, ok := c.bus.TakeInterrupt(); ok {
				c.wz = vector
			} else {
				c.wz = 0
			}
			c.stepFn = func(c *CPU) {
				c.SP--
				c.write8(c.SP, byte(c.PC))
				c.PC = c.wz
				c.stepFn = func(c *CPU) {
					// idle
				}
			}
		}
	}
	// M-cycle 1: hold PC, idle.
}

// beginFetch reads the opcode at PC, advances PC, and dispatches it. 1-
// M-cycle instructions run to completion right here, leaving c.stepFn nil;
// longer instructions install the remaining cycles' continuations.
func (c *CPU) beginFetch() {
	op := c.fetch8()
	c.ir = op
	c.cbPrefix = false
	c.dispatch(op)
}

func stepReadLoToWZ(c *CPU) { c.wz = uint16(c.fetch8()) }
func stepReadHiToWZ(c *CPU) { c.wz |= uint16(c.fetch8()) << 8 }

func aluSrc(op byte) byte { return op & 7 }

// dispatch decodes one opcode and either executes it immediately (its only
// M-cycle is this one, the fetch) or installs the chain of microcode steps
// for its remaining M-cycles.
func (c *CPU) dispatch(op byte) {
	switch op {
	case 0x00: // NOP

	// LD r, d8 (2 M-cycles: fetch, read immediate and store)
	case 0x06, 0x0E, 0x16, 0x1E, 0x26, 0x2E, 0x3E:
		d := (op >> 3) & 7
		c.stepFn = func(c *CPU) { c.regSet(d, c.fetch8()) }

	// LD r,r' and LD (HL),r / LD r,(HL)
	case 0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47,
		0x48, 0x49, 0x4A, 0x4B, 0x4C, 0x4D, 0x4E, 0x4F,
		0x50, 0x51, 0x52, 0x53, 0x54, 0x55, 0x56, 0x57,
		0x58, 0x59, 0x5A, 0x5B, 0x5C, 0x5D, 0x5E, 0x5F,
		0x60, 0x61, 0x62, 0x63, 0x64, 0x65, 0x66, 0x67,
		0x68, 0x69, 0x6A, 0x6B, 0x6C, 0x6D, 0x6E, 0x6F,
		0x70, 0x71, 0x72, 0x73, 0x74, 0x75, 0x77,
		0x78, 0x79, 0x7A, 0x7B, 0x7C, 0x7D, 0x7E, 0x7F:
		d := (op >> 3) & 7
		s := op & 7
		if d == 6 || s == 6 {
			c.stepFn = func(c *CPU) { c.regSet(d, c.regGet(s)) }
		} else {
			c.regSet(d, c.regGet(s))
		}

	// 16-bit loads LD rr,d16 (3 M-cycles: fetch, read lo, read hi+store)
	case 0x01:
		c.step16Load(c.setBC)
	case 0x11:
		c.step16Load(c.setDE)
	case 0x21:
		c.step16Load(c.setHL)
	case 0x31:
		c.step16Load(func(v uint16) { c.SP = v })

	case 0x08: // LD (a16),SP: fetch, readLo, readHi, writeLo, writeHi
		c.stepFn = stepReadLoToWZ
		c.chain(stepReadHiToWZ,
			func(c *CPU) { c.write8(c.wz, byte(c.SP)) },
			func(c *CPU) { c.write8(c.wz+1, byte(c.SP>>8)) })

	case 0x36: // LD (HL),d8: fetch, read imm, write
		c.stepFn = func(c *CPU) { c.wz = uint16(c.fetch8()) }
		c.chain(func(c *CPU) { c.write8(c.getHL(), byte(c.wz)) })

	// LD (BC),A / (DE),A and A,(BC)/(DE)
	case 0x02:
		c.stepFn = func(c *CPU) { c.write8(c.getBC(), c.A) }
	case 0x12:
		c.stepFn = func(c *CPU) { c.write8(c.getDE(), c.A) }
	case 0x0A:
		c.stepFn = func(c *CPU) { c.A = c.read8(c.getBC()) }
	case 0x1A:
		c.stepFn = func(c *CPU) { c.A = c.read8(c.getDE()) }

	// LDI/LDD via HL
	case 0x22:
		c.stepFn = func(c *CPU) { hl := c.getHL(); c.write8(hl, c.A); c.setHL(hl + 1) }
	case 0x2A:
		c.stepFn = func(c *CPU) { hl := c.getHL(); c.A = c.read8(hl); c.setHL(hl + 1) }
	case 0x32:
		c.stepFn = func(c *CPU) { hl := c.getHL(); c.write8(hl, c.A); c.setHL(hl - 1) }
	case 0x3A:
		c.stepFn = func(c *CPU) { hl := c.getHL(); c.A = c.read8(hl); c.setHL(hl - 1) }

	// LDH (FF00+n),A and A,(FF00+n): fetch, read imm, access
	case 0xE0:
		c.stepFn = func(c *CPU) { c.wz = uint16(c.fetch8()) }
		c.chain(func(c *CPU) { c.write8(0xFF00+c.wz, c.A) })
	case 0xF0:
		c.stepFn = func(c *CPU) { c.wz = uint16(c.fetch8()) }
		c.chain(func(c *CPU) { c.A = c.read8(0xFF00 + c.wz) })
	case 0xE2: // LD (C),A: fetch, write
		c.stepFn = func(c *CPU) { c.write8(0xFF00+uint16(c.C), c.A) }
	case 0xF2: // LD A,(C): fetch, read
		c.stepFn = func(c *CPU) { c.A = c.read8(0xFF00 + uint16(c.C)) }

	// Rotates and flag ops (combinational, 1 M-cycle)
	case 0x07: // RLCA
		cval := (c.A >> 7) & 1
		c.A = (c.A << 1) | cval
		c.setZNHC(false, false, false, cval == 1)
	case 0x0F: // RRCA
		cval := c.A & 1
		c.A = (c.A >> 1) | (cval << 7)
		c.setZNHC(false, false, false, cval == 1)
	case 0x17: // RLA
		cval := (c.A >> 7) & 1
		carry := byte(0)
		if (c.F & flagC) != 0 {
			carry = 1
		}
		c.A = (c.A << 1) | carry
		c.setZNHC(false, false, false, cval == 1)
	case 0x1F: // RRA
		cval := c.A & 1
		carry := byte(0)
		if (c.F & flagC) != 0 {
			carry = 1
		}
		c.A = (c.A >> 1) | (carry << 7)
		c.setZNHC(false, false, false, cval == 1)
	case 0x27: // DAA
		a := c.A
		cf := (c.F & flagC) != 0
		if (c.F & flagN) == 0 {
			if cf || a > 0x99 {
				a += 0x60
				cf = true
			}
			if (c.F&flagH) != 0 || (a&0x0F) > 9 {
				a += 0x06
			}
		} else {
			if cf {
				a -= 0x60
			}
			if (c.F & flagH) != 0 {
				a -= 0x06
			}
		}
		c.A = a
		c.setZNHC(c.A == 0, (c.F&flagN) != 0, false, cf)
	case 0x2F: // CPL
		c.A = ^c.A
		c.F = (c.F & (flagZ | flagC)) | flagN | flagH
	case 0x37: // SCF
		c.F = (c.F & flagZ) | flagC
	case 0x3F: // CCF
		if (c.F & flagC) != 0 {
			c.F = c.F &^ flagC
		} else {
			c.F |= flagC
		}
		c.F &^= flagN | flagH
		c.F &= flagZ | flagC

	// INC/DEC r (1 M-cycle) and (HL) (3 M-cycles: fetch, read, write)
	case 0x04, 0x0C, 0x14, 0x1C, 0x24, 0x2C, 0x3C:
		d := (op >> 3) & 7
		old := c.regGet(d)
		v := old + 1
		c.regSet(d, v)
		c.setZNHC(v == 0, false, (old&0x0F) == 0x0F, (c.F&flagC) != 0)
	case 0x34:
		c.stepFn = func(c *CPU) { c.cbTmp = c.read8(c.getHL()) }
		c.chain(func(c *CPU) {
			old := c.cbTmp
			v := old + 1
			c.write8(c.getHL(), v)
			c.setZNHC(v == 0, false, (old&0x0F) == 0x0F, (c.F&flagC) != 0)
		})
	case 0x05, 0x0D, 0x15, 0x1D, 0x25, 0x2D, 0x3D:
		d := (op >> 3) & 7
		old := c.regGet(d)
		v := old - 1
		c.regSet(d, v)
		c.setZNHC(v == 0, true, (old&0x0F) == 0x00, (c.F&flagC) != 0)
	case 0x35:
		c.stepFn = func(c *CPU) { c.cbTmp = c.read8(c.getHL()) }
		c.chain(func(c *CPU) {
			old := c.cbTmp
			v := old - 1
			c.write8(c.getHL(), v)
			c.setZNHC(v == 0, true, (old&0x0F) == 0x00, (c.F&flagC) != 0)
		})

	// ALU A,r (1 M-cycle)
	case 0x80, 0x81, 0x82, 0x83, 0x84, 0x85, 0x87:
		r, z, n, h, cy := c.add8(c.A, c.regGet(aluSrc(op)))
		c.A = r
		c.setZNHC(z, n, h, cy)
	case 0x88, 0x89, 0x8A, 0x8B, 0x8C, 0x8D, 0x8F:
		r, z, n, h, cy := c.adc8(c.A, c.regGet(aluSrc(op)), (c.F&flagC) != 0)
		c.A = r
		c.setZNHC(z, n, h, cy)
	case 0x90, 0x91, 0x92, 0x93, 0x94, 0x95, 0x97:
		r, z, n, h, cy := c.sub8(c.A, c.regGet(aluSrc(op)))
		c.A = r
		c.setZNHC(z, n, h, cy)
	case 0x98, 0x99, 0x9A, 0x9B, 0x9C, 0x9D, 0x9F:
		r, z, n, h, cy := c.sbc8(c.A, c.regGet(aluSrc(op)), (c.F&flagC) != 0)
		c.A = r
		c.setZNHC(z, n, h, cy)
	case 0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA7:
		r, z, n, h, cy := c.and8(c.A, c.regGet(aluSrc(op)))
		c.A = r
		c.setZNHC(z, n, h, cy)
	case 0xA8, 0xA9, 0xAA, 0xAB, 0xAC, 0xAD, 0xAF:
		r, z, n, h, cy := c.xor8(c.A, c.regGet(aluSrc(op)))
		c.A = r
		c.setZNHC(z, n, h, cy)
	case 0xB0, 0xB1, 0xB2, 0xB3, 0xB4, 0xB5, 0xB7:
		r, z, n, h, cy := c.or8(c.A, c.regGet(aluSrc(op)))
		c.A = r
		c.setZNHC(z, n, h, cy)
	case 0xB8, 0xB9, 0xBA, 0xBB, 0xBC, 0xBD, 0xBF:
		z, n, h, cy := c.cp8(c.A, c.regGet(aluSrc(op)))
		c.setZNHC(z, n, h, cy)

	// ALU A,(HL) (2 M-cycles: fetch, read+compute)
	case 0x86:
		c.stepFn = func(c *CPU) {
			r, z, n, h, cy := c.add8(c.A, c.read8(c.getHL()))
			c.A = r
			c.setZNHC(z, n, h, cy)
		}
	case 0x8E:
		c.stepFn = func(c *CPU) {
			r, z, n, h, cy := c.adc8(c.A, c.read8(c.getHL()), (c.F&flagC) != 0)
			c.A = r
			c.setZNHC(z, n, h, cy)
		}
	case 0x96:
		c.stepFn = func(c *CPU) {
			r, z, n, h, cy := c.sub8(c.A, c.read8(c.getHL()))
			c.A = r
			c.setZNHC(z, n, h, cy)
		}
	case 0x9E:
		c.stepFn = func(c *CPU) {
			r, z, n, h, cy := c.sbc8(c.A, c.read8(c.getHL()), (c.F&flagC) != 0)
			c.A = r
			c.setZNHC(z, n, h, cy)
		}
	case 0xA6:
		c.stepFn = func(c *CPU) {
			r, z, n, h, cy := c.and8(c.A, c.read8(c.getHL()))
			c.A = r
			c.setZNHC(z, n, h, cy)
		}
	case 0xAE:
		c.stepFn = func(c *CPU) {
			r, z, n, h, cy := c.xor8(c.A, c.read8(c.getHL()))
			c.A = r
			c.setZNHC(z, n, h, cy)
		}
	case 0xB6:
		c.stepFn = func(c *CPU) {
			r, z, n, h, cy := c.or8(c.A, c.read8(c.getHL()))
			c.A = r
			c.setZNHC(z, n, h, cy)
		}
	case 0xBE:
		c.stepFn = func(c *CPU) {
			z, n, h, cy := c.cp8(c.A, c.read8(c.getHL()))
			c.setZNHC(z, n, h, cy)
		}

	// ALU A,d8 (2 M-cycles: fetch, read imm+compute)
	case 0xC6:
		c.stepFn = func(c *CPU) {
			r, z, n, h, cy := c.add8(c.A, c.fetch8())
			c.A = r
			c.setZNHC(z, n, h, cy)
		}
	case 0xCE:
		c.stepFn = func(c *CPU) {
			r, z, n, h, cy := c.adc8(c.A, c.fetch8(), (c.F&flagC) != 0)
			c.A = r
			c.setZNHC(z, n, h, cy)
		}
	case 0xD6:
		c.stepFn = func(c *CPU) {
			r, z, n, h, cy := c.sub8(c.A, c.fetch8())
			c.A = r
			c.setZNHC(z, n, h, cy)
		}
	case 0xDE:
		c.stepFn = func(c *CPU) {
			r, z, n, h, cy := c.sbc8(c.A, c.fetch8(), (c.F&flagC) != 0)
			c.A = r
			c.setZNHC(z, n, h, cy)
		}
	case 0xE6:
		c.stepFn = func(c *CPU) {
			r, z, n, h, cy := c.and8(c.A, c.fetch8())
			c.A = r
			c.setZNHC(z, n, h, cy)
		}
	case 0xEE:
		c.stepFn = func(c *CPU) {
			r, z, n, h, cy := c.xor8(c.A, c.fetch8())
			c.A = r
			c.setZNHC(z, n, h, cy)
		}
	case 0xF6:
		c.stepFn = func(c *CPU) {
			r, z, n, h, cy := c.or8(c.A, c.fetch8())
			c.A = r
			c.setZNHC(z, n, h, cy)
		}
	case 0xFE:
		c.stepFn = func(c *CPU) {
			z, n, h, cy := c.cp8(c.A, c.fetch8())
			c.setZNHC(z, n, h, cy)
		}

	case 0xEA: // LD (a16),A: fetch, readLo, readHi, write
		c.stepFn = stepReadLoToWZ
		c.chain(stepReadHiToWZ, func(c *CPU) { c.write8(c.wz, c.A) })
	case 0xFA: // LD A,(a16)
		c.stepFn = stepReadLoToWZ
		c.chain(stepReadHiToWZ, func(c *CPU) { c.A = c.read8(c.wz) })

	case 0xC3: // JP a16: fetch, readLo, readHi, apply (internal)
		c.stepFn = stepReadLoToWZ
		c.chain(stepReadHiToWZ, func(c *CPU) { c.PC = c.wz })
	case 0xE9: // JP (HL)
		c.PC = c.getHL()

	case 0x18: // JR r8: fetch, read offset+compute target, apply (internal)
		c.stepFn = c.stepJRReadOffset()
		c.chain(func(c *CPU) { c.PC = c.wz })
	case 0x20, 0x28, 0x30, 0x38:
		taken := c.jrCond(op)
		c.stepFn = c.stepJRReadOffset()
		if taken {
			c.chain(func(c *CPU) { c.PC = c.wz })
		}

	// CALL/RET
	case 0xCD: // CALL a16: fetch, readLo, readHi, internal, pushHi, pushLo
		c.stepFn = stepReadLoToWZ
		c.chain(stepReadHiToWZ,
			func(c *CPU) {},
			func(c *CPU) { c.SP--; c.write8(c.SP, byte(c.PC>>8)) },
			func(c *CPU) { c.SP--; c.write8(c.SP, byte(c.PC)); c.PC = c.wz })
	case 0xC9: // RET: fetch, popLo, popHi, apply
		c.stepFn = c.stepPopLo()
		c.chain(c.stepPopHi(), func(c *CPU) { c.PC = c.wz })
	case 0xD9: // RETI
		c.stepFn = c.stepPopLo()
		c.chain(c.stepPopHi(), func(c *CPU) { c.PC = c.wz; c.IME = true })

	// RST t: fetch, internal, pushHi, pushLo
	case 0xC7, 0xCF, 0xD7, 0xDF, 0xE7, 0xEF, 0xF7, 0xFF:
		target := uint16(op & 0x38)
		c.stepFn = func(c *CPU) {}
		c.chain(
			func(c *CPU) { c.SP--; c.write8(c.SP, byte(c.PC>>8)) },
			func(c *CPU) { c.SP--; c.write8(c.SP, byte(c.PC)); c.PC = target })

	// CALL cc,a16: fetch, readLo, readHi, [internal, pushHi, pushLo if taken]
	case 0xC4, 0xCC, 0xD4, 0xDC:
		taken := c.callCond(op)
		c.stepFn = stepReadLoToWZ
		if taken {
			c.chain(stepReadHiToWZ,
				func(c *CPU) {},
				func(c *CPU) { c.SP--; c.write8(c.SP, byte(c.PC>>8)) },
				func(c *CPU) { c.SP--; c.write8(c.SP, byte(c.PC)); c.PC = c.wz })
		} else {
			c.chain(stepReadHiToWZ)
		}

	// RET cc: fetch, internal cond check, [popLo, popHi, apply if taken]
	case 0xC0, 0xC8, 0xD0, 0xD8:
		taken := c.callCond(op)
		if taken {
			c.stepFn = func(c *CPU) {}
			c.chain(c.stepPopLo(), c.stepPopHi(), func(c *CPU) { c.PC = c.wz })
		} else {
			c.stepFn = func(c *CPU) {}
		}

	// JP cc,a16: fetch, readLo, readHi, [apply if taken]
	case 0xC2, 0xCA, 0xD2, 0xDA:
		taken := c.callCond(op)
		c.stepFn = stepReadLoToWZ
		if taken {
			c.chain(stepReadHiToWZ, func(c *CPU) { c.PC = c.wz })
		} else {
			c.chain(stepReadHiToWZ)
		}

	// 16-bit INC/DEC (2 M-cycles: fetch, internal)
	case 0x03:
		c.stepFn = func(c *CPU) { c.setBC(c.getBC() + 1) }
	case 0x13:
		c.stepFn = func(c *CPU) { c.setDE(c.getDE() + 1) }
	case 0x23:
		c.stepFn = func(c *CPU) { c.setHL(c.getHL() + 1) }
	case 0x33:
		c.stepFn = func(c *CPU) { c.SP++ }
	case 0x0B:
		c.stepFn = func(c *CPU) { c.setBC(c.getBC() - 1) }
	case 0x1B:
		c.stepFn = func(c *CPU) { c.setDE(c.getDE() - 1) }
	case 0x2B:
		c.stepFn = func(c *CPU) { c.setHL(c.getHL() - 1) }
	case 0x3B:
		c.stepFn = func(c *CPU) { c.SP-- }

	// ADD HL,rr (2 M-cycles: fetch, internal)
	case 0x09:
		c.stepFn = func(c *CPU) { c.addHL(c.getBC()) }
	case 0x19:
		c.stepFn = func(c *CPU) { c.addHL(c.getDE()) }
	case 0x29:
		c.stepFn = func(c *CPU) { c.addHL(c.getHL()) }
	case 0x39:
		c.stepFn = func(c *CPU) { c.addHL(c.SP) }

	// Stack/SP ops
	case 0xF8: // LD HL,SP+r8: fetch, read offset, internal compute+set
		c.stepFn = func(c *CPU) { c.wz = uint16(uint8(c.fetch8())) }
		c.chain(func(c *CPU) {
			off := int8(byte(c.wz))
			res := uint16(int32(int16(c.SP)) + int32(off))
			low := byte(c.SP & 0xFF)
			_, _, _, h, cy := c.add8(low, byte(off))
			c.setHL(res)
			c.setZNHC(false, false, h, cy)
		})
	case 0xF9: // LD SP,HL: fetch, internal
		c.stepFn = func(c *CPU) { c.SP = c.getHL() }
	case 0xE8: // ADD SP,r8: fetch, read offset, internal, internal(apply)
		c.stepFn = func(c *CPU) {
			off := int8(c.fetch8())
			c.wz = uint16(off)
		}
		c.chain(func(c *CPU) {}, func(c *CPU) {
			off := int8(c.wz)
			low := byte(c.SP & 0xFF)
			_, _, _, h, cy := c.add8(low, byte(off))
			c.SP = uint16(int32(int16(c.SP)) + int32(off))
			c.setZNHC(false, false, h, cy)
		})

	// EI/DI
	case 0xF3: // DI
		c.IME = false
		c.eiDelay = 0
	case 0xFB: // EI: IME becomes true once the following instruction completes
		c.eiDelay = 2

	case 0xCB:
		c.cbPrefix = true
		c.stepFn = stepCBFetch

	// PUSH rr: fetch, internal, pushHi, pushLo
	case 0xF5:
		c.dispatchPush(c.getAF)
	case 0xC5:
		c.dispatchPush(c.getBC)
	case 0xD5:
		c.dispatchPush(c.getDE)
	case 0xE5:
		c.dispatchPush(c.getHL)

	// POP rr: fetch, popLo, popHi(apply)
	case 0xF1:
		c.dispatchPop(c.setAF)
	case 0xC1:
		c.dispatchPop(c.setBC)
	case 0xD1:
		c.dispatchPop(c.setDE)
	case 0xE1:
		c.dispatchPop(c.setHL)

	case 0x76: // HALT
		c.halted = true

	default:
		// Unimplemented opcodes act as NOP, matching the defined opcode
		// table's held-out slots.
	}
}

// chain appends steps to run, one per subsequent Step() call, after
// whatever is already installed in c.stepFn completes. The last step
// leaves c.stepFn nil, ending the instruction.
func (c *CPU) chain(steps ...microStep) {
	if len(steps) == 0 {
		return
	}
	var tail microStep
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		next := tail
		tail = func(c *CPU) {
			s(c)
			c.stepFn = next
		}
	}
	first := c.stepFn
	c.stepFn = func(c *CPU) {
		first(c)
		c.stepFn = tail
	}
}

// step16Load reads a 16-bit immediate over two bus cycles, merging the
// register store into the same cycle as the high-byte read since the store
// itself needs no bus access (3 M-cycles total: fetch, read lo, read hi+set).
func (c *CPU) step16Load(set func(uint16)) {
	c.stepFn = stepReadLoToWZ
	c.chain(func(c *CPU) { stepReadHiToWZ(c); set(c.wz) })
}

func (c *CPU) addHL(rhs uint16) {
	hl := c.getHL()
	r := uint32(hl) + uint32(rhs)
	h := ((hl & 0x0FFF) + (rhs & 0x0FFF)) > 0x0FFF
	c.setHL(uint16(r))
	c.setZNHC((c.F&flagZ) != 0, false, h, r > 0xFFFF)
}

func (c *CPU) stepJRReadOffset() microStep {
	return func(c *CPU) {
		off := int8(c.fetch8())
		c.wz = uint16(int32(c.PC) + int32(off))
	}
}

func (c *CPU) jrCond(op byte) bool {
	switch op {
	case 0x20:
		return (c.F & flagZ) == 0
	case 0x28:
		return (c.F & flagZ) != 0
	case 0x30:
		return (c.F & flagC) == 0
	default: // 0x38
		return (c.F & flagC) != 0
	}
}

// callCond evaluates the condition field shared by JP/CALL/RET cc (bits
// 3-4 of the opcode: NZ, Z, NC, C).
func (c *CPU) callCond(op byte) bool {
	switch (op >> 3) & 3 {
	case 0:
		return (c.F & flagZ) == 0
	case 1:
		return (c.F & flagZ) != 0
	case 2:
		return (c.F & flagC) == 0
	default:
		return (c.F & flagC) != 0
	}
}

func (c *CPU) stepPopLo() microStep {
	return func(c *CPU) { c.wz = uint16(c.read8(c.SP)); c.SP++ }
}

func (c *CPU) stepPopHi() microStep {
	return func(c *CPU) { c.wz |= uint16(c.read8(c.SP)) << 8; c.SP++ }
}

func (c *CPU) dispatchPush(get func() uint16) {
	c.stepFn = func(c *CPU) {}
	c.chain(
		func(c *CPU) { c.SP--; c.write8(c.SP, byte(get()>>8)) },
		func(c *CPU) { c.SP--; c.write8(c.SP, byte(get())) },
	)
}

// dispatchPop merges the high-byte pop with the register store, since the
// store itself needs no bus access (3 M-cycles total: fetch, pop lo, pop
// hi+set).
func (c *CPU) dispatchPop(set func(uint16)) {
	c.stepFn = c.stepPopLo()
	popHi := c.stepPopHi()
	c.chain(func(c *CPU) { popHi(c); set(c.wz) })
}

// cbGet/cbSet mirror regGet/regSet for the CB-prefixed table's 3-bit
// register field, used once (HL) has already been read/written separately.
func (c *CPU) cbGet(idx byte) byte {
	switch idx {
	case 0:
		return c.B
	case 1:
		return c.C
	case 2:
		return c.D
	case 3:
		return c.E
	case 4:
		return c.H
	case 5:
		return c.L
	default:
		return c.A
	}
}

func (c *CPU) cbSet(idx byte, v byte) {
	switch idx {
	case 0:
		c.B = v
	case 1:
		c.C = v
	case 2:
		c.D = v
	case 3:
		c.E = v
	case 4:
		c.H = v
	case 5:
		c.L = v
	default:
		c.A = v
	}
}

// cbApply performs one of the CB-prefixed table's four opcode groups
// (rotate/shift/swap, BIT, RES, SET) on v, returning the (possibly
// unchanged, for BIT) result and setting flags for groups that define them.
func (c *CPU) cbApply(opg, y, v byte) byte {
	switch opg {
	case 0:
		var cflag byte
		switch y {
		case 0: // RLC
			cflag = (v >> 7) & 1
			v = (v << 1) | cflag
			c.setZNHC(v == 0, false, false, cflag == 1)
		case 1: // RRC
			cflag = v & 1
			v = (v >> 1) | (cflag << 7)
			c.setZNHC(v == 0, false, false, cflag == 1)
		case 2: // RL
			cflag = (v >> 7) & 1
			cin := byte(0)
			if (c.F & flagC) != 0 {
				cin = 1
			}
			v = (v << 1) | cin
			c.setZNHC(v == 0, false, false, cflag == 1)
		case 3: // RR
			cflag = v & 1
			cin := byte(0)
			if (c.F & flagC) != 0 {
				cin = 1
			}
			v = (v >> 1) | (cin << 7)
			c.setZNHC(v == 0, false, false, cflag == 1)
		case 4: // SLA
			cflag = (v >> 7) & 1
			v <<= 1
			c.setZNHC(v == 0, false, false, cflag == 1)
		case 5: // SRA
			cflag = v & 1
			v = (v >> 1) | (v & 0x80)
			c.setZNHC(v == 0, false, false, cflag == 1)
		case 6: // SWAP
			v = (v << 4) | (v >> 4)
			c.setZNHC(v == 0, false, false, false)
		case 7: // SRL
			cflag = v & 1
			v >>= 1
			c.setZNHC(v == 0, false, false, cflag == 1)
		}
	case 1: // BIT y,v: Z reflects the tested bit, N=0, H=1, C unchanged
		bit := (v >> y) & 1
		c.F = (c.F & flagC) | flagH
		if bit == 0 {
			c.F |= flagZ
		}
	case 2: // RES y,v
		v &^= 1 << y
	case 3: // SET y,v
		v |= 1 << y
	}
	return v
}

// stepCBFetch is the second M-cycle of every CB-prefixed instruction: it
// reads the sub-opcode and either finishes immediately (register operand,
// combined into this same cycle) or installs the extra read/write cycles
// (HL) operands need.
func stepCBFetch(c *CPU) {
	cb := c.fetch8()
	c.ir = cb
	reg := cb & 7
	opg := (cb >> 6) & 3
	y := (cb >> 3) & 7

	if reg != 6 {
		v := c.cbApply(opg, y, c.cbGet(reg))
		if opg != 1 {
			c.cbSet(reg, v)
		}
		return
	}

	if opg == 1 {
		c.stepFn = func(c *CPU) { c.cbApply(opg, y, c.read8(c.getHL())) }
		return
	}
	c.stepFn = func(c *CPU) { c.cbTmp = c.read8(c.getHL()) }
	c.chain(func(c *CPU) {
		v := c.cbApply(opg, y, c.cbTmp)
		c.write8(c.getHL(), v)
	})
}
