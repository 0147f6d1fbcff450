package app

import (
	"errors"
	"fmt"
	"strings"
)

// Reference names a clock source the device is asked to lock to.
type Reference string

const (
	RefInternal Reference = "internal"
	RefExternal Reference = "external"
	RefGPSDO    Reference = "gpsdo"
	RefMIMO     Reference = "mimo"
)

// ErrUnknownReference is returned for selectors outside the supported set.
var ErrUnknownReference = errors.New("unknown clock reference")

// References lists every supported selector.
func References() []Reference {
	return []Reference{RefInternal, RefExternal, RefMIMO, RefGPSDO}
}

// ReferenceList joins the supported selectors with sep.
func ReferenceList(sep string) string {
	refs := References()
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = string(r)
	}
	return strings.Join(names, sep)
}

// ParseReference accepts a selector case-insensitively.
func ParseReference(s string) (Reference, error) {
	ref := Reference(strings.ToLower(strings.TrimSpace(s)))
	for _, r := range References() {
		if ref == r {
			return ref, nil
		}
	}
	return "", fmt.Errorf("%q (want one of %s): %w", s, ReferenceList(", "), ErrUnknownReference)
}

// SensorName is the mboard sensor that reports lock for this reference.
func (r Reference) SensorName() string {
	if r == RefMIMO {
		return "mimo_locked"
	}
	return "ref_locked"
}

// Label is the console spelling of the reference.
func (r Reference) Label() string {
	switch r {
	case RefInternal:
		return "Internal"
	case RefExternal:
		return "External"
	case RefGPSDO:
		return "GPSDO"
	case RefMIMO:
		return "MIMO"
	default:
		return string(r)
	}
}

// MissingSensorPolicy decides what a poll does when the device does not
// expose the reference's lock sensor.
type MissingSensorPolicy string

const (
	// MissingWarn reports success with a warning, as legacy tools did.
	MissingWarn MissingSensorPolicy = "warn"
	// MissingWait treats the poll as unlocked and keeps polling.
	MissingWait MissingSensorPolicy = "wait"
	// MissingFail aborts with a setup error.
	MissingFail MissingSensorPolicy = "fail"
)

// ParseMissingSensorPolicy accepts warn, wait or fail. Empty means warn.
func ParseMissingSensorPolicy(s string) (MissingSensorPolicy, error) {
	switch p := MissingSensorPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return MissingWarn, nil
	case MissingWarn, MissingWait, MissingFail:
		return p, nil
	default:
		return "", fmt.Errorf("unknown missing sensor policy %q", s)
	}
}
