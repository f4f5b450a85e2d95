package instr

import (
	"encoding/binary"
	"fmt"
)

// Identifier is the leading byte that marks a load-instruction record.
const Identifier = 0x0F

// RecordSize is the encoded length of one instruction, identifier included.
const RecordSize = 19

// Record offsets
const (
	offAddress   = 1
	offState     = 3
	offCountdown = 6
	offLoopTo    = 12
	offLoops     = 14
	offTags      = 18
)

// Tag bits
const (
	TagStopAndWait = 1 << iota
	TagHardTrigOut
	TagNotifyComputer
	TagAutoTriggerOnPowerline

	tagMask = TagStopAndWait | TagHardTrigOut | TagNotifyComputer | TagAutoTriggerOnPowerline
)

// Record is the fixed-width wire form of an Instruction. All multi-byte
// fields are little-endian.
type Record [RecordSize]byte

// Encode packs an instruction into its wire record.
func Encode(in Instruction) (Record, error) {
	var r Record
	if err := in.Validate(); err != nil {
		return r, err
	}

	r[0] = Identifier
	binary.LittleEndian.PutUint16(r[offAddress:], in.Address)
	PutUint24(r[offState:], in.State)
	PutUint48(r[offCountdown:], in.Countdown)
	binary.LittleEndian.PutUint16(r[offLoopTo:], in.LoopTo)
	binary.LittleEndian.PutUint32(r[offLoops:], in.Loops)

	var tags byte
	if in.StopAndWait {
		tags |= TagStopAndWait
	}
	if in.HardTrigOut {
		tags |= TagHardTrigOut
	}
	if in.NotifyComputer {
		tags |= TagNotifyComputer
	}
	if in.AutoTriggerOnPowerline {
		tags |= TagAutoTriggerOnPowerline
	}
	r[offTags] = tags
	return r, nil
}

// Decode unpacks a wire record. It is the exact inverse of Encode.
func Decode(r Record) (Instruction, error) {
	if r[0] != Identifier {
		return Instruction{}, fmt.Errorf("%w: identifier 0x%02X, want 0x%02X", ErrMalformedRecord, r[0], Identifier)
	}
	tags := r[offTags]
	if tags&^tagMask != 0 {
		return Instruction{}, fmt.Errorf("%w: reserved tag bits 0x%02X", ErrMalformedRecord, tags&^tagMask)
	}

	in := Instruction{
		Address:   binary.LittleEndian.Uint16(r[offAddress:]),
		State:     Uint24(r[offState:]),
		Countdown: Uint48(r[offCountdown:]),
		LoopTo:    binary.LittleEndian.Uint16(r[offLoopTo:]),
		Loops:     binary.LittleEndian.Uint32(r[offLoops:]),

		StopAndWait:            tags&TagStopAndWait != 0,
		HardTrigOut:            tags&TagHardTrigOut != 0,
		NotifyComputer:         tags&TagNotifyComputer != 0,
		AutoTriggerOnPowerline: tags&TagAutoTriggerOnPowerline != 0,
	}
	if err := in.Validate(); err != nil {
		return Instruction{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return in, nil
}

// EncodeAll concatenates the records of several instructions. Instructions
// need not be in address order; each record carries its own address.
func EncodeAll(ins []Instruction) ([]byte, error) {
	out := make([]byte, 0, len(ins)*RecordSize)
	for i, in := range ins {
		r, err := Encode(in)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		out = append(out, r[:]...)
	}
	return out, nil
}

// PutUint24 stores a 24-bit output state little-endian.
func PutUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

// Uint24 reads a 24-bit little-endian value.
func Uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// PutUint48 stores a 48-bit cycle count little-endian.
func PutUint48(b []byte, v uint64) {
	for i := 0; i < 6; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Uint48 reads a 48-bit little-endian value.
func Uint48(b []byte) uint64 {
	var v uint64
	for i := 0; i < 6; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
