package emu

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// cpuState is the gob-encodable slice of CPU register state a save state
// carries; the bus's own SaveState covers every other subsystem. Captured
// only at a clean instruction boundary (see Machine.SaveState), so none of
// the CPU's other hidden microcode state (ir, wz, cycle, stepFn, cbPrefix)
// needs to be preserved — it is always at its reset value there. Halted and
// EIDelay are the two boundary-crossing exceptions: HALT can be sitting
// idle at a boundary, and an EI's delayed IME-enable can still be counting
// down.
type cpuState struct {
	A, F, B, C, D, E, H, L byte
	SP, PC                 uint16
	IME                    bool
	Halted                 bool
	EIDelay                int
}

// encodeState concatenates the CPU register snapshot and the bus blob
// into one gob stream.
func encodeState(cs cpuState, busBlob []byte) []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(cs)
	_ = enc.Encode(busBlob)
	return buf.Bytes()
}

// decodeState reverses encodeState.
func decodeState(data []byte) (cpuState, []byte, error) {
	var cs cpuState
	var busBlob []byte
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&cs); err != nil {
		return cs, nil, fmt.Errorf("decode cpu state: %w", err)
	}
	if err := dec.Decode(&busBlob); err != nil {
		return cs, nil, fmt.Errorf("decode bus state: %w", err)
	}
	return cs, busBlob, nil
}
