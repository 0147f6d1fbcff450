package sdr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rjboer/refcheck/internal/logging"
	"github.com/rjboer/refcheck/internal/ubx"
)

// GPSDOConfig holds serial defaults for u-blox disciplined oscillators.
type GPSDOConfig struct {
	Baud        int
	ReadTimeout time.Duration
}

func (c GPSDOConfig) withDefaults() GPSDOConfig {
	if c.Baud <= 0 {
		c.Baud = 9600
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Second
	}
	return c
}

const (
	sourceInternal = "internal"
	sourceGPSDO    = "gpsdo"
)

// navPoller is the part of ubx.Port the GPSDO backend uses.
type navPoller interface {
	PollNAVPVT(timeout time.Duration) (ubx.NavPVT, error)
	Close() error
}

// openSerial is swapped in tests.
var openSerial = func(tty string, baud int) (navPoller, error) {
	return ubx.Open(tty, baud)
}

// gpsdoDevice is a single-board device backed by a u-blox receiver. The
// receiver's timing fix stands in for the reference lock when the gpsdo
// source is selected.
type gpsdoDevice struct {
	mu     sync.Mutex
	port   navPoller
	tty    string
	cfg    GPSDOConfig
	source string
	log    logging.Logger
}

// openGPSDO opens the receiver. Recognized args: tty, baud.
func openGPSDO(args Args, opts Options, log logging.Logger) (Device, error) {
	tty := args.Get("tty")
	if tty == "" {
		return nil, fmt.Errorf("tty is required for the gpsdo backend")
	}
	cfg := opts.GPSDO.withDefaults()
	baud, err := args.Int("baud", cfg.Baud)
	if err != nil {
		return nil, err
	}
	cfg.Baud = baud

	port, err := openSerial(tty, cfg.Baud)
	if err != nil {
		return nil, err
	}
	log.Debug("serial port open", logging.F("tty", tty), logging.F("baud", cfg.Baud))
	return &gpsdoDevice{port: port, tty: tty, cfg: cfg, source: sourceInternal, log: log}, nil
}

func (d *gpsdoDevice) Describe() string {
	return fmt.Sprintf("u-blox GPSDO on %s (%d baud)\n  Mboard 0: %s", d.tty, d.cfg.Baud, d.tty)
}

func (d *gpsdoDevice) check(mboard int) error {
	if mboard != 0 && mboard != AllMboards {
		return fmt.Errorf("mboard %d of 1: %w", mboard, ErrBadMboard)
	}
	return nil
}

func (d *gpsdoDevice) ClockSources(_ context.Context, mboard int) ([]string, error) {
	if err := d.check(mboard); err != nil {
		return nil, err
	}
	return []string{sourceInternal, sourceGPSDO}, nil
}

func (d *gpsdoDevice) SetClockSource(_ context.Context, source string, mboard int) error {
	if err := d.check(mboard); err != nil {
		return err
	}
	if source != sourceInternal && source != sourceGPSDO {
		return fmt.Errorf("%q on %s: %w", source, d.tty, ErrUnsupportedSource)
	}
	d.mu.Lock()
	d.source = source
	d.mu.Unlock()
	return nil
}

func (d *gpsdoDevice) MboardSensorNames(_ context.Context, mboard int) ([]string, error) {
	if err := d.check(mboard); err != nil {
		return nil, err
	}
	return []string{"gps_locked", "gps_time", "ref_locked"}, nil
}

func (d *gpsdoDevice) MboardSensor(ctx context.Context, name string, mboard int) (SensorValue, error) {
	if err := d.check(mboard); err != nil {
		return SensorValue{}, err
	}
	if err := ctx.Err(); err != nil {
		return SensorValue{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch name {
	case "ref_locked":
		if d.source == sourceInternal {
			return NewBoolSensor("Ref", true, "locked", "unlocked"), nil
		}
		fix, err := d.poll()
		if err != nil {
			return SensorValue{}, err
		}
		return NewBoolSensor("Ref", fix.Locked() && fix.TimeResolved(), "locked", "unlocked"), nil
	case "gps_locked":
		fix, err := d.poll()
		if err != nil {
			return SensorValue{}, err
		}
		return NewBoolSensor("GPS", fix.Locked(), "locked", "unlocked"), nil
	case "gps_time":
		fix, err := d.poll()
		if err != nil {
			return SensorValue{}, err
		}
		return NewIntSensor("GPS Time", fix.Time.Unix(), "seconds"), nil
	default:
		return SensorValue{}, fmt.Errorf("%s on %s: %w", name, d.tty, ErrUnknownSensor)
	}
}

func (d *gpsdoDevice) poll() (ubx.NavPVT, error) {
	fix, err := d.port.PollNAVPVT(d.cfg.ReadTimeout)
	if err != nil {
		return ubx.NavPVT{}, fmt.Errorf("poll NAV-PVT on %s: %w", d.tty, err)
	}
	d.log.Debug("nav-pvt",
		logging.F("fix", fix.FixType.String()),
		logging.F("sv", fix.NumSV),
		logging.F("fix_ok", fix.FixOK()),
		logging.F("time_resolved", fix.TimeResolved()))
	return fix, nil
}

func (d *gpsdoDevice) Close() error { return d.port.Close() }
