package sdr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ErrInjected marks failures requested through MockConfig.
var ErrInjected = errors.New("mock: injected failure")

// MockConfig controls the simulated device.
type MockConfig struct {
	// Sources lists accepted clock sources. Empty accepts any source.
	Sources []string
	// Sensors lists the sensor names the board exposes.
	Sensors []string
	// UnlockedReads is the number of reads a sensor reports unlocked after
	// each clock source change.
	UnlockedReads int
	// NeverLock keeps every sensor unlocked.
	NeverLock bool
	FailSource bool
	FailSensor bool
}

// MockSDR simulates a single-board device whose lock sensors settle after a
// configurable number of reads.
type MockSDR struct {
	mu     sync.Mutex
	cfg    MockConfig
	source string
	reads  map[string]int
	closed bool
}

// NewMock builds a mock with ref_locked and mimo_locked sensors unless cfg
// names others.
func NewMock(cfg MockConfig) *MockSDR {
	if len(cfg.Sensors) == 0 {
		cfg.Sensors = []string{"ref_locked", "mimo_locked"}
	}
	return &MockSDR{cfg: cfg, source: "internal", reads: map[string]int{}}
}

// OpenMock builds a mock from device args. Recognized args: sensors and
// sources (colon separated), lock_after (reads, or "never") and fail (open,
// source or sensor).
func OpenMock(args Args) (*MockSDR, error) {
	cfg := MockConfig{
		Sources: args.List("sources"),
		Sensors: args.List("sensors"),
	}
	switch v := strings.ToLower(args.Get("lock_after")); v {
	case "":
	case "never":
		cfg.NeverLock = true
	default:
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("device args: lock_after=%q must be a count or never", v)
		}
		cfg.UnlockedReads = n
	}
	switch fail := args.Get("fail"); fail {
	case "":
	case "open":
		return nil, fmt.Errorf("open mock device: %w", ErrInjected)
	case "source":
		cfg.FailSource = true
	case "sensor":
		cfg.FailSensor = true
	default:
		return nil, fmt.Errorf("device args: unknown fail mode %q", fail)
	}
	return NewMock(cfg), nil
}

func (m *MockSDR) Describe() string {
	return fmt.Sprintf("Mock device\n  Mboard 0: mock (sensors %s)", strings.Join(m.cfg.Sensors, ", "))
}

func (m *MockSDR) check(mboard int) error {
	if mboard != 0 && mboard != AllMboards {
		return fmt.Errorf("mboard %d of 1: %w", mboard, ErrBadMboard)
	}
	return nil
}

func (m *MockSDR) ClockSources(_ context.Context, mboard int) ([]string, error) {
	if err := m.check(mboard); err != nil {
		return nil, err
	}
	return append([]string(nil), m.cfg.Sources...), nil
}

func (m *MockSDR) SetClockSource(_ context.Context, source string, mboard int) error {
	if err := m.check(mboard); err != nil {
		return err
	}
	if m.cfg.FailSource {
		return fmt.Errorf("set clock source %q: %w", source, ErrInjected)
	}
	if len(m.cfg.Sources) > 0 && !containsString(m.cfg.Sources, source) {
		return fmt.Errorf("%q not in %v: %w", source, m.cfg.Sources, ErrUnsupportedSource)
	}
	m.mu.Lock()
	m.source = source
	m.reads = map[string]int{}
	m.mu.Unlock()
	return nil
}

func (m *MockSDR) MboardSensorNames(_ context.Context, mboard int) ([]string, error) {
	if err := m.check(mboard); err != nil {
		return nil, err
	}
	return append([]string(nil), m.cfg.Sensors...), nil
}

func (m *MockSDR) MboardSensor(ctx context.Context, name string, mboard int) (SensorValue, error) {
	if err := m.check(mboard); err != nil {
		return SensorValue{}, err
	}
	if err := ctx.Err(); err != nil {
		return SensorValue{}, err
	}
	if !containsString(m.cfg.Sensors, name) {
		return SensorValue{}, fmt.Errorf("%s: %w", name, ErrUnknownSensor)
	}
	if m.cfg.FailSensor {
		return SensorValue{}, fmt.Errorf("read %s: %w", name, ErrInjected)
	}

	m.mu.Lock()
	m.reads[name]++
	n := m.reads[name]
	m.mu.Unlock()

	locked := !m.cfg.NeverLock && n > m.cfg.UnlockedReads
	return sensorFromAttr(name, strconv.FormatBool(locked)), nil
}

// Reads returns how often a sensor was read since the last source change.
func (m *MockSDR) Reads(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[name]
}

// ClockSource returns the last source set.
func (m *MockSDR) ClockSource() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source
}

// Closed reports whether Close was called.
func (m *MockSDR) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockSDR) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
