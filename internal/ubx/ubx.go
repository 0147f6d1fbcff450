// Package ubx implements the subset of the u-blox UBX protocol needed to ask a
// GNSS receiver whether it has a usable timing fix.
package ubx

import (
	"encoding/binary"
	"errors"
)

// Sync bytes that start every UBX frame.
const (
	Sync1 = 0xB5
	Sync2 = 0x62
)

// Message classes and IDs.
const (
	ClassNAV = 0x01
	ClassACK = 0x05
	ClassCFG = 0x06

	IDNAVPVT = 0x07
	IDACKACK = 0x01
	IDACKNAK = 0x00
)

const (
	headerLen   = 6 // sync(2) class id length(2)
	checksumLen = 2
	// MaxPayload bounds a frame so a corrupted length field cannot make the
	// reader allocate unbounded memory.
	MaxPayload = 1024
)

var (
	ErrShortPacket = errors.New("ubx: packet too short")
	ErrBadSync     = errors.New("ubx: bad sync bytes")
	ErrChecksum    = errors.New("ubx: checksum mismatch")
	ErrTooLarge    = errors.New("ubx: payload exceeds limit")
)

// Packet is a decoded UBX frame.
type Packet struct {
	Class   uint8
	ID      uint8
	Payload []byte
}

// Is reports whether the packet carries the given class and id.
func (p Packet) Is(class, id uint8) bool { return p.Class == class && p.ID == id }

// Checksum computes the 8-bit Fletcher checksum over class, id, length and
// payload.
func Checksum(data []byte) (ckA, ckB uint8) {
	for _, b := range data {
		ckA += b
		ckB += ckA
	}
	return ckA, ckB
}

// EncodePacket builds a complete frame: sync, class, id, length, payload,
// checksum.
func EncodePacket(class, id uint8, payload []byte) []byte {
	buf := make([]byte, 0, headerLen+len(payload)+checksumLen)
	buf = append(buf, Sync1, Sync2, class, id)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	ckA, ckB := Checksum(buf[2:])
	return append(buf, ckA, ckB)
}

// PollPacket returns the empty-payload frame that asks the receiver to emit
// one instance of the given message.
func PollPacket(class, id uint8) []byte { return EncodePacket(class, id, nil) }

// DecodePacket validates and decodes a complete frame.
func DecodePacket(frame []byte) (Packet, error) {
	if len(frame) < headerLen+checksumLen {
		return Packet{}, ErrShortPacket
	}
	if frame[0] != Sync1 || frame[1] != Sync2 {
		return Packet{}, ErrBadSync
	}
	length := int(binary.LittleEndian.Uint16(frame[4:6]))
	if length > MaxPayload {
		return Packet{}, ErrTooLarge
	}
	if len(frame) < headerLen+length+checksumLen {
		return Packet{}, ErrShortPacket
	}
	end := headerLen + length
	ckA, ckB := Checksum(frame[2:end])
	if frame[end] != ckA || frame[end+1] != ckB {
		return Packet{}, ErrChecksum
	}
	payload := make([]byte, length)
	copy(payload, frame[headerLen:end])
	return Packet{Class: frame[2], ID: frame[3], Payload: payload}, nil
}
