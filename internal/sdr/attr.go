package sdr

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rjboer/refcheck/internal/logging"
)

const lockedSuffix = "_locked"

// AttrProfile maps the lock-check vocabulary onto IIO attributes. Boards are
// IIO devices that expose ClockAttr or at least one sensor attribute.
type AttrProfile struct {
	// ClockAttr is written with the clock source name.
	ClockAttr string
	// Sensors lists attributes to expose as sensors in addition to every
	// "*_locked" attribute.
	Sensors []string
	// Device pins the board to one IIO device (id, name or label).
	Device string
}

func (p AttrProfile) withDefaults() AttrProfile {
	if p.ClockAttr == "" {
		p.ClockAttr = "clock_source"
	}
	return p
}

func (p AttrProfile) isSensor(attr string) bool {
	return strings.HasSuffix(attr, lockedSuffix) || containsString(p.Sensors, attr)
}

// attrNode is one IIO device as seen by a transport.
type attrNode struct {
	Ref   string
	Name  string
	Attrs []string
}

func (n attrNode) has(attr string) bool { return containsString(n.Attrs, attr) }

func (n attrNode) label() string {
	if n.Name != "" && n.Name != n.Ref {
		return fmt.Sprintf("%s (%s)", n.Name, n.Ref)
	}
	return n.Ref
}

// attrTransport moves attribute values between the host and the board.
type attrTransport interface {
	Nodes(ctx context.Context) ([]attrNode, error)
	Read(ctx context.Context, dev, attr string) (string, error)
	Write(ctx context.Context, dev, attr, value string) error
	Close() error
}

// attrDevice implements Device on top of any attribute transport.
type attrDevice struct {
	mu        sync.Mutex
	transport attrTransport
	profile   AttrProfile
	boards    []attrNode
	header    string
	log       logging.Logger
}

func newAttrDevice(ctx context.Context, t attrTransport, header string, profile AttrProfile, log logging.Logger) (*attrDevice, error) {
	nodes, err := t.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list iio devices: %w", err)
	}
	boards := selectBoards(nodes, profile)
	if len(boards) == 0 {
		if profile.Device != "" {
			return nil, fmt.Errorf("iio device %q: %w", profile.Device, ErrNoDevice)
		}
		return nil, fmt.Errorf("no iio device exposes %s or a *%s attribute: %w", profile.ClockAttr, lockedSuffix, ErrNoDevice)
	}
	log.Debug("boards selected", logging.F("count", len(boards)), logging.F("first", boards[0].label()))
	return &attrDevice{
		transport: t,
		profile:   profile,
		boards:    boards,
		header:    header,
		log:       log,
	}, nil
}

func selectBoards(nodes []attrNode, profile AttrProfile) []attrNode {
	var boards []attrNode
	for _, n := range nodes {
		if profile.Device != "" {
			if n.Ref == profile.Device || n.Name == profile.Device {
				boards = append(boards, n)
			}
			continue
		}
		if n.has(profile.ClockAttr) {
			boards = append(boards, n)
			continue
		}
		for _, a := range n.Attrs {
			if profile.isSensor(a) {
				boards = append(boards, n)
				break
			}
		}
	}
	return boards
}

func (d *attrDevice) Describe() string {
	var b strings.Builder
	b.WriteString(d.header)
	for i, n := range d.boards {
		fmt.Fprintf(&b, "\n  Mboard %d: %s", i, n.label())
	}
	return b.String()
}

func (d *attrDevice) board(mboard int) (attrNode, error) {
	if mboard < 0 || mboard >= len(d.boards) {
		return attrNode{}, fmt.Errorf("mboard %d of %d: %w", mboard, len(d.boards), ErrBadMboard)
	}
	return d.boards[mboard], nil
}

func (d *attrDevice) ClockSources(ctx context.Context, mboard int) ([]string, error) {
	n, err := d.board(mboard)
	if err != nil {
		return nil, err
	}
	avail := d.profile.ClockAttr + "_available"
	if !n.has(avail) {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := d.transport.Read(ctx, n.Ref, avail)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", n.Name, avail, err)
	}
	return strings.Fields(raw), nil
}

func (d *attrDevice) SetClockSource(ctx context.Context, source string, mboard int) error {
	targets, err := d.clockTargets(mboard)
	if err != nil {
		return err
	}
	// Every board is checked before the first write so a rejected source
	// leaves the device untouched.
	for _, t := range targets {
		sources, err := d.ClockSources(ctx, t.index)
		if err != nil {
			return err
		}
		if len(sources) > 0 && !containsString(sources, source) {
			return fmt.Errorf("%q not in %v on %s: %w", source, sources, t.node.label(), ErrUnsupportedSource)
		}
	}
	for _, t := range targets {
		n := t.node
		d.mu.Lock()
		err := d.transport.Write(ctx, n.Ref, d.profile.ClockAttr, source)
		d.mu.Unlock()
		if err != nil {
			return fmt.Errorf("write %s/%s=%s: %w", n.Name, d.profile.ClockAttr, source, err)
		}
		d.log.Debug("clock source written", logging.F("board", n.label()), logging.F("source", source))
	}
	return nil
}

type clockTarget struct {
	index int
	node  attrNode
}

// clockTargets returns the boards that take a clock source write. A single
// board must carry the clock attribute; AllMboards skips sensor-only boards
// and fails only when none carries it.
func (d *attrDevice) clockTargets(mboard int) ([]clockTarget, error) {
	if mboard != AllMboards {
		n, err := d.board(mboard)
		if err != nil {
			return nil, err
		}
		if !n.has(d.profile.ClockAttr) {
			return nil, fmt.Errorf("%s has no %s attribute: %w", n.label(), d.profile.ClockAttr, ErrUnsupportedSource)
		}
		return []clockTarget{{index: mboard, node: n}}, nil
	}
	var targets []clockTarget
	for i, n := range d.boards {
		if !n.has(d.profile.ClockAttr) {
			d.log.Debug("board has no clock attribute, skipped", logging.F("board", n.label()))
			continue
		}
		targets = append(targets, clockTarget{index: i, node: n})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no board has a %s attribute: %w", d.profile.ClockAttr, ErrUnsupportedSource)
	}
	return targets, nil
}

func (d *attrDevice) MboardSensorNames(_ context.Context, mboard int) ([]string, error) {
	n, err := d.board(mboard)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, a := range n.Attrs {
		if d.profile.isSensor(a) {
			names = append(names, a)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *attrDevice) MboardSensor(ctx context.Context, name string, mboard int) (SensorValue, error) {
	n, err := d.board(mboard)
	if err != nil {
		return SensorValue{}, err
	}
	if !n.has(name) || !d.profile.isSensor(name) {
		return SensorValue{}, fmt.Errorf("%s on %s: %w", name, n.label(), ErrUnknownSensor)
	}
	d.mu.Lock()
	raw, err := d.transport.Read(ctx, n.Ref, name)
	d.mu.Unlock()
	if err != nil {
		return SensorValue{}, fmt.Errorf("read %s/%s: %w", n.Name, name, err)
	}
	return sensorFromAttr(name, raw), nil
}

func (d *attrDevice) Close() error { return d.transport.Close() }

// sensorFromAttr types a raw attribute value. "*_locked" attributes are
// booleans; everything else is integer, real or string by content.
func sensorFromAttr(attr, raw string) SensorValue {
	raw = strings.TrimSpace(raw)
	name := sensorDisplayName(attr)
	if strings.HasSuffix(attr, lockedSuffix) {
		return NewBoolSensor(name, truthy(raw), "locked", "unlocked")
	}
	value, unit, _ := strings.Cut(raw, " ")
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return NewIntSensor(name, i, unit)
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return NewRealSensor(name, f, unit)
	}
	return NewStringSensor(name, raw, "")
}

var acronyms = map[string]string{"ref": "Ref", "mimo": "MIMO", "gps": "GPS", "lo": "LO", "pll": "PLL"}

// sensorDisplayName turns "ref_locked" into "Ref" and "lo_locked" into "LO".
func sensorDisplayName(attr string) string {
	base := strings.TrimSuffix(attr, lockedSuffix)
	words := strings.Split(base, "_")
	for i, w := range words {
		if a, ok := acronyms[w]; ok {
			words[i] = a
			continue
		}
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
