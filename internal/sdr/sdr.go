package sdr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// AllMboards addresses every motherboard of a device.
const AllMboards = -1

var (
	ErrNoDevice          = errors.New("no device found")
	ErrUnknownSensor     = errors.New("unknown sensor")
	ErrUnsupportedSource = errors.New("unsupported clock source")
	ErrBadMboard         = errors.New("mboard index out of range")
)

// Device captures the board-level operations a reference lock check needs.
// Implementations own their transport; callers must Close them.
type Device interface {
	// Describe returns a human-readable, possibly multi-line description.
	Describe() string
	ClockSources(ctx context.Context, mboard int) ([]string, error)
	SetClockSource(ctx context.Context, source string, mboard int) error
	MboardSensorNames(ctx context.Context, mboard int) ([]string, error)
	MboardSensor(ctx context.Context, name string, mboard int) (SensorValue, error)
	Close() error
}

// SensorKind is the data type carried by a SensorValue.
type SensorKind int

const (
	Boolean SensorKind = iota
	Integer
	Real
	String
)

func (k SensorKind) String() string {
	switch k {
	case Boolean:
		return "boolean"
	case Integer:
		return "integer"
	case Real:
		return "real"
	case String:
		return "string"
	default:
		return "unknown"
	}
}

// SensorValue is one reading. Boolean sensors carry the unit that matches
// their state, e.g. "locked" or "unlocked".
type SensorValue struct {
	Name  string
	Value string
	Unit  string
	Kind  SensorKind
}

// NewBoolSensor builds a boolean reading.
func NewBoolSensor(name string, v bool, trueUnit, falseUnit string) SensorValue {
	unit := falseUnit
	if v {
		unit = trueUnit
	}
	return SensorValue{Name: name, Value: strconv.FormatBool(v), Unit: unit, Kind: Boolean}
}

// NewIntSensor builds an integer reading.
func NewIntSensor(name string, v int64, unit string) SensorValue {
	return SensorValue{Name: name, Value: strconv.FormatInt(v, 10), Unit: unit, Kind: Integer}
}

// NewRealSensor builds a floating point reading.
func NewRealSensor(name string, v float64, unit string) SensorValue {
	return SensorValue{Name: name, Value: strconv.FormatFloat(v, 'g', -1, 64), Unit: unit, Kind: Real}
}

// NewStringSensor builds a free-form reading.
func NewStringSensor(name, v, unit string) SensorValue {
	return SensorValue{Name: name, Value: v, Unit: unit, Kind: String}
}

// ToBool interprets the reading as a boolean. Non-boolean readings are true
// when they parse as a truthy word or a non-zero number.
func (s SensorValue) ToBool() bool {
	if s.Kind == Boolean {
		return s.Value == "true"
	}
	return truthy(s.Value)
}

// String renders "Name: unit" for booleans and "Name: value unit" otherwise.
func (s SensorValue) String() string {
	if s.Kind == Boolean {
		return fmt.Sprintf("%s: %s", s.Name, s.Unit)
	}
	return strings.TrimSpace(fmt.Sprintf("%s: %s %s", s.Name, s.Value, s.Unit))
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on", "locked":
		return true
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return f != 0
	}
	return false
}

// Args is a parsed device address: comma-separated key=value pairs such as
// "type=iio,addr=192.168.2.1".
type Args map[string]string

// ParseArgs parses a device address string. A key without '=' is stored with
// an empty value.
func ParseArgs(s string) (Args, error) {
	args := Args{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("device args: empty key in %q", part)
		}
		args[key] = strings.TrimSpace(value)
	}
	return args, nil
}

// Get returns a value or "".
func (a Args) Get(key string) string { return a[key] }

// Int returns a value parsed as an integer, def when absent.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("device args: %s=%q is not an integer", key, v)
	}
	return n, nil
}

// List splits a colon-separated value.
func (a Args) List(key string) []string {
	v := a[key]
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ":") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// String renders the args with sorted keys.
func (a Args) String() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if a[k] == "" {
			parts = append(parts, k)
			continue
		}
		parts = append(parts, k+"="+a[k])
	}
	return strings.Join(parts, ",")
}

// Kind infers the backend type. An explicit type wins; otherwise the
// addressing key decides, and empty args mean "discover an iiod server".
func (a Args) Kind() string {
	if t := a.Get("type"); t != "" {
		return strings.ToLower(t)
	}
	switch {
	case a.Get("tty") != "":
		return "gpsdo"
	case a.Get("host") != "":
		return "sysfs"
	default:
		return "iio"
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
