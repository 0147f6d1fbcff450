package ubx

import (
	"encoding/binary"
	"fmt"
	"time"
)

// NAVPVTSize is the minimum NAV-PVT payload length across protocol versions.
const NAVPVTSize = 92

// NAV-PVT payload offsets.
const (
	navPvtITOW    = 0
	navPvtYear    = 4
	navPvtMonth   = 6
	navPvtDay     = 7
	navPvtHour    = 8
	navPvtMin     = 9
	navPvtSec     = 10
	navPvtValid   = 11
	navPvtTAcc    = 12
	navPvtNano    = 16
	navPvtFixType = 20
	navPvtFlags   = 21
	navPvtNumSV   = 23
)

// Validity bits.
const (
	ValidDate          = 1 << 0
	ValidTime          = 1 << 1
	ValidFullyResolved = 1 << 2
)

// FlagGNSSFixOK is bit 0 of the NAV-PVT flags byte.
const FlagGNSSFixOK = 1 << 0

// FixType is the receiver's GNSS fix classification.
type FixType uint8

const (
	FixNone FixType = iota
	FixDeadReckoning
	Fix2D
	Fix3D
	FixGNSSDeadReckoning
	FixTimeOnly
)

func (f FixType) String() string {
	switch f {
	case FixNone:
		return "no fix"
	case FixDeadReckoning:
		return "dead reckoning"
	case Fix2D:
		return "2D"
	case Fix3D:
		return "3D"
	case FixGNSSDeadReckoning:
		return "GNSS+DR"
	case FixTimeOnly:
		return "time only"
	default:
		return fmt.Sprintf("fix(%d)", uint8(f))
	}
}

// NavPVT is the timing-relevant part of a NAV-PVT message.
type NavPVT struct {
	ITOW    uint32
	Time    time.Time
	Valid   uint8
	TimeAcc time.Duration
	FixType FixType
	Flags   uint8
	NumSV   uint8
}

// FixOK reports whether the receiver flags its fix as valid.
func (n NavPVT) FixOK() bool { return n.Flags&FlagGNSSFixOK != 0 }

// TimeResolved reports whether UTC date and time are valid and fully
// resolved.
func (n NavPVT) TimeResolved() bool {
	const want = ValidDate | ValidTime | ValidFullyResolved
	return n.Valid&want == want
}

// Locked reports whether the fix is good enough to discipline an
// oscillator: a valid 3D, GNSS+DR or time-only fix.
func (n NavPVT) Locked() bool {
	if !n.FixOK() {
		return false
	}
	switch n.FixType {
	case Fix3D, FixGNSSDeadReckoning, FixTimeOnly:
		return true
	default:
		return false
	}
}

// ParseNAVPVT decodes a NAV-PVT payload. Time is left zero when the receiver
// does not flag it as valid.
func ParseNAVPVT(payload []byte) (NavPVT, error) {
	if len(payload) < NAVPVTSize {
		return NavPVT{}, fmt.Errorf("nav-pvt payload %d bytes: %w", len(payload), ErrShortPacket)
	}
	n := NavPVT{
		ITOW:    binary.LittleEndian.Uint32(payload[navPvtITOW:]),
		Valid:   payload[navPvtValid],
		TimeAcc: time.Duration(binary.LittleEndian.Uint32(payload[navPvtTAcc:])),
		FixType: FixType(payload[navPvtFixType]),
		Flags:   payload[navPvtFlags],
		NumSV:   payload[navPvtNumSV],
	}
	if n.Valid&ValidTime == 0 {
		return n, nil
	}
	nano := int32(binary.LittleEndian.Uint32(payload[navPvtNano:]))
	// nano may be negative; time.Date normalizes it against the seconds field.
	n.Time = time.Date(
		int(binary.LittleEndian.Uint16(payload[navPvtYear:])),
		time.Month(payload[navPvtMonth]),
		int(payload[navPvtDay]),
		int(payload[navPvtHour]),
		int(payload[navPvtMin]),
		int(payload[navPvtSec]),
		int(nano),
		time.UTC,
	)
	return n, nil
}
