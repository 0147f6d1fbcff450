package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rjboer/refcheck/internal/logging"
	"github.com/rjboer/refcheck/internal/sdr"
	"github.com/rjboer/refcheck/internal/telemetry"
)

const (
	DefaultMaxRetry = 60
	DefaultDelay    = time.Second
)

var (
	// ErrLockTimeout means the sensor never reported lock within MaxRetry polls.
	ErrLockTimeout = errors.New("failed to lock")
	// ErrSensorMissing means the device does not expose the lock sensor.
	ErrSensorMissing = errors.New("lock sensor not exposed")
)

// SetupError wraps a device failure that prevents the check from running.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *SetupError) Unwrap() error { return e.Err }

// Config captures the poll loop settings.
type Config struct {
	MaxRetry      int
	Delay         time.Duration
	Mboard        int
	MissingSensor MissingSensorPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxRetry <= 0 {
		c.MaxRetry = DefaultMaxRetry
	}
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.MissingSensor == "" {
		c.MissingSensor = MissingWarn
	}
	return c
}

// Checker sets a clock source and polls the matching lock sensor.
type Checker struct {
	dev      sdr.Device
	reporter telemetry.Reporter
	logger   logging.Logger
	cfg      Config

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewChecker builds a checker for an open device.
func NewChecker(dev sdr.Device, reporter telemetry.Reporter, logger logging.Logger, cfg Config) *Checker {
	if logger == nil {
		logger = logging.Default()
	}
	if reporter == nil {
		reporter = telemetry.MultiReporter{}
	}
	return &Checker{
		dev:      dev,
		reporter: reporter,
		logger:   logger.With(logging.F("subsystem", "checker")),
		cfg:      cfg.withDefaults(),
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// Run sets ref on every mboard and waits for its lock sensor. The returned
// error is nil only for LockAcquired; it is ErrLockTimeout after MaxRetry
// unlocked polls, a *SetupError for device failures, or the context error.
func (c *Checker) Run(ctx context.Context, ref Reference) (telemetry.Result, error) {
	start := c.now()
	sensor := ref.SensorName()
	res := telemetry.Result{
		Device:    c.dev.Describe(),
		Reference: string(ref),
		Sensor:    sensor,
		Started:   start,
	}
	var latencies []time.Duration

	finish := func(outcome telemetry.Outcome, err error) (telemetry.Result, error) {
		res.Outcome = outcome
		res.Elapsed = c.now().Sub(start)
		res.Latency = telemetry.Summarize(latencies)
		if err != nil {
			res.Error = err.Error()
		}
		c.reporter.ReportResult(res)
		return res, err
	}

	if err := c.dev.SetClockSource(ctx, string(ref), sdr.AllMboards); err != nil {
		return finish(telemetry.ConnectionFailed, setupErr(ctx, "set clock source", err))
	}
	c.reporter.ReportClockSource(string(ref))

	log := c.logger.With(logging.F("reference", ref), logging.F("sensor", sensor), logging.F("mboard", c.cfg.Mboard))
	for i := 0; i < c.cfg.MaxRetry; i++ {
		if err := c.sleep(ctx, c.cfg.Delay); err != nil {
			return finish(telemetry.ConnectionFailed, err)
		}
		res.Attempts = i + 1

		names, err := c.dev.MboardSensorNames(ctx, c.cfg.Mboard)
		if err != nil {
			return finish(telemetry.ConnectionFailed, setupErr(ctx, "list sensors", err))
		}

		res.SensorMissing = !contains(names, sensor)
		if res.SensorMissing {
			switch c.cfg.MissingSensor {
			case MissingWait:
				log.Debug("lock sensor not exposed yet", logging.F("attempt", res.Attempts))
				continue
			case MissingFail:
				err := fmt.Errorf("%s on mboard %d: %w", sensor, c.cfg.Mboard, ErrSensorMissing)
				return finish(telemetry.ConnectionFailed, &SetupError{Op: "find sensor", Err: err})
			default:
				log.Warn("lock sensor not exposed, reporting success without a reading", logging.F("available", names))
				return finish(telemetry.LockAcquired, nil)
			}
		}

		fetchStart := c.now()
		value, err := c.dev.MboardSensor(ctx, sensor, c.cfg.Mboard)
		latency := c.now().Sub(fetchStart)
		if err != nil {
			return finish(telemetry.ConnectionFailed, setupErr(ctx, "read sensor", err))
		}
		latencies = append(latencies, latency)
		res.Last = &value

		locked := value.ToBool()
		c.reporter.ReportAttempt(telemetry.Attempt{
			Number:    res.Attempts,
			Reference: string(ref),
			Label:     ref.Label(),
			Sensor:    value,
			Locked:    locked,
			Latency:   latency,
		})
		if !locked {
			continue
		}
		return finish(telemetry.LockAcquired, nil)
	}
	return finish(telemetry.LockTimeout, ErrLockTimeout)
}

// setupErr wraps a device failure. A failure caused by cancellation is
// returned as the context error instead.
func setupErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &SetupError{Op: op, Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
