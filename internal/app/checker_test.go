package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/refcheck/internal/logging"
	"github.com/rjboer/refcheck/internal/sdr"
	"github.com/rjboer/refcheck/internal/telemetry"
)

type recordingReporter struct {
	sources  []string
	attempts []telemetry.Attempt
	results  []telemetry.Result
}

func (r *recordingReporter) ReportClockSource(ref string) { r.sources = append(r.sources, ref) }
func (r *recordingReporter) ReportAttempt(a telemetry.Attempt) {
	r.attempts = append(r.attempts, a)
}
func (r *recordingReporter) ReportResult(res telemetry.Result) {
	r.results = append(r.results, res)
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestChecker(dev sdr.Device, cfg Config) (*Checker, *recordingReporter, *sleepRecorder) {
	rep := &recordingReporter{}
	sl := &sleepRecorder{}
	c := NewChecker(dev, rep, logging.Discard(), cfg)
	c.sleep = sl.sleep
	return c, rep, sl
}

func TestRunLocksOnFirstAttempt(t *testing.T) {
	mock := sdr.NewMock(sdr.MockConfig{})
	c, rep, sl := newTestChecker(mock, Config{})

	res, err := c.Run(context.Background(), RefExternal)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != telemetry.LockAcquired || res.Outcome.ExitCode() != 0 {
		t.Fatalf("outcome %s", res.Outcome)
	}
	if len(sl.delays) != 1 || sl.delays[0] != 1000*time.Millisecond {
		t.Fatalf("expected exactly one 1000ms delay, got %v", sl.delays)
	}
	if mock.ClockSource() != "external" {
		t.Fatalf("clock source %q", mock.ClockSource())
	}
	if len(rep.sources) != 1 || rep.sources[0] != "external" {
		t.Fatalf("clock source events %v", rep.sources)
	}
	if len(rep.attempts) != 1 || rep.attempts[0].Label != "External" || rep.attempts[0].Sensor.String() != "Ref: locked" {
		t.Fatalf("attempts %+v", rep.attempts)
	}
	if len(rep.results) != 1 || res.Attempts != 1 || res.Last == nil || res.Latency.Count != 1 {
		t.Fatalf("result %+v", res)
	}
}

func TestRunTimesOutAfterMaxRetry(t *testing.T) {
	mock := sdr.NewMock(sdr.MockConfig{NeverLock: true})
	c, rep, sl := newTestChecker(mock, Config{})

	res, err := c.Run(context.Background(), RefInternal)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if res.Outcome != telemetry.LockTimeout || res.Outcome.ExitCode() != 2 {
		t.Fatalf("outcome %s", res.Outcome)
	}
	if len(sl.delays) != DefaultMaxRetry {
		t.Fatalf("expected %d delays, got %d", DefaultMaxRetry, len(sl.delays))
	}
	if res.Attempts != 60 || len(rep.attempts) != 60 || mock.Reads("ref_locked") != 60 {
		t.Fatalf("attempts %d reported %d reads %d", res.Attempts, len(rep.attempts), mock.Reads("ref_locked"))
	}
	if rep.attempts[59].Locked || rep.attempts[59].Sensor.String() != "Ref: unlocked" {
		t.Fatalf("last attempt %+v", rep.attempts[59])
	}
}

func TestRunLocksAfterSettling(t *testing.T) {
	mock := sdr.NewMock(sdr.MockConfig{UnlockedReads: 4})
	c, _, sl := newTestChecker(mock, Config{MaxRetry: 10, Delay: 20 * time.Millisecond})

	res, err := c.Run(context.Background(), RefGPSDO)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Attempts != 5 || len(sl.delays) != 5 || sl.delays[0] != 20*time.Millisecond {
		t.Fatalf("attempts %d delays %v", res.Attempts, sl.delays)
	}
}

func TestRunMIMOUsesMIMOSensor(t *testing.T) {
	mock := sdr.NewMock(sdr.MockConfig{})
	c, rep, _ := newTestChecker(mock, Config{})

	if _, err := c.Run(context.Background(), RefMIMO); err != nil {
		t.Fatalf("run: %v", err)
	}
	if mock.Reads("mimo_locked") != 1 || mock.Reads("ref_locked") != 0 {
		t.Fatalf("reads mimo=%d ref=%d", mock.Reads("mimo_locked"), mock.Reads("ref_locked"))
	}
	if got := rep.attempts[0].Sensor.String(); got != "MIMO: locked" || rep.attempts[0].Label != "MIMO" {
		t.Fatalf("attempt %q label %q", got, rep.attempts[0].Label)
	}
}

func TestRunClockSourceFailureShortCircuits(t *testing.T) {
	mock := sdr.NewMock(sdr.MockConfig{FailSource: true})
	c, rep, sl := newTestChecker(mock, Config{})

	res, err := c.Run(context.Background(), RefExternal)
	var setupErr *SetupError
	if !errors.As(err, &setupErr) || setupErr.Op != "set clock source" || !errors.Is(err, sdr.ErrInjected) {
		t.Fatalf("expected set clock source SetupError, got %v", err)
	}
	if res.Outcome != telemetry.ConnectionFailed || res.Outcome.ExitCode() != 1 {
		t.Fatalf("outcome %s", res.Outcome)
	}
	if len(sl.delays) != 0 || len(rep.sources) != 0 || len(rep.attempts) != 0 || mock.Reads("ref_locked") != 0 {
		t.Fatalf("poll loop ran after setup failure: delays=%v", sl.delays)
	}
	if len(rep.results) != 1 || !strings.Contains(rep.results[0].Error, "set clock source") {
		t.Fatalf("results %+v", rep.results)
	}
}

func TestRunSensorReadFailure(t *testing.T) {
	mock := sdr.NewMock(sdr.MockConfig{FailSensor: true})
	c, _, sl := newTestChecker(mock, Config{})

	res, err := c.Run(context.Background(), RefInternal)
	var setupErr *SetupError
	if !errors.As(err, &setupErr) || setupErr.Op != "read sensor" {
		t.Fatalf("expected read sensor SetupError, got %v", err)
	}
	if res.Outcome != telemetry.ConnectionFailed || len(sl.delays) != 1 {
		t.Fatalf("outcome %s delays %d", res.Outcome, len(sl.delays))
	}
}

func TestRunMissingSensorPolicies(t *testing.T) {
	newDev := func() *sdr.MockSDR { return sdr.NewMock(sdr.MockConfig{Sensors: []string{"ref_locked"}}) }

	t.Run("warn", func(t *testing.T) {
		c, rep, sl := newTestChecker(newDev(), Config{})
		res, err := c.Run(context.Background(), RefMIMO)
		if err != nil || res.Outcome != telemetry.LockAcquired {
			t.Fatalf("warn policy: %s %v", res.Outcome, err)
		}
		if !res.SensorMissing || res.Last != nil || len(rep.attempts) != 0 || len(sl.delays) != 1 {
			t.Fatalf("warn policy result %+v", res)
		}
	})

	t.Run("wait", func(t *testing.T) {
		c, _, sl := newTestChecker(newDev(), Config{MaxRetry: 3, MissingSensor: MissingWait})
		res, err := c.Run(context.Background(), RefMIMO)
		if !errors.Is(err, ErrLockTimeout) || !res.SensorMissing || len(sl.delays) != 3 {
			t.Fatalf("wait policy: %+v %v", res, err)
		}
	})

	t.Run("fail", func(t *testing.T) {
		c, _, _ := newTestChecker(newDev(), Config{MissingSensor: MissingFail})
		res, err := c.Run(context.Background(), RefMIMO)
		var setupErr *SetupError
		if !errors.As(err, &setupErr) || !errors.Is(err, ErrSensorMissing) || res.Outcome != telemetry.ConnectionFailed {
			t.Fatalf("fail policy: %s %v", res.Outcome, err)
		}
	})
}

func TestRunBadMboard(t *testing.T) {
	c, _, _ := newTestChecker(sdr.NewMock(sdr.MockConfig{}), Config{Mboard: 3})
	_, err := c.Run(context.Background(), RefInternal)
	var setupErr *SetupError
	if !errors.As(err, &setupErr) || setupErr.Op != "list sensors" || !errors.Is(err, sdr.ErrBadMboard) {
		t.Fatalf("expected list sensors SetupError, got %v", err)
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewChecker(sdr.NewMock(sdr.MockConfig{NeverLock: true}), nil, logging.Discard(), Config{Delay: time.Hour})

	res, err := c.Run(ctx, RefInternal)
	if !errors.Is(err, context.Canceled) || res.Outcome != telemetry.ConnectionFailed || res.Attempts != 0 {
		t.Fatalf("cancel: %+v %v", res, err)
	}
}

// cancelOnRead cancels the run while a sensor read is in flight.
type cancelOnRead struct {
	*sdr.MockSDR
	cancel context.CancelFunc
}

func (d cancelOnRead) MboardSensor(ctx context.Context, _ string, _ int) (sdr.SensorValue, error) {
	d.cancel()
	return sdr.SensorValue{}, ctx.Err()
}

func TestRunCancelledDuringReadIsNotSetupError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dev := cancelOnRead{MockSDR: sdr.NewMock(sdr.MockConfig{}), cancel: cancel}
	c, rep, _ := newTestChecker(dev, Config{})

	res, err := c.Run(ctx, RefInternal)
	var setupErr *SetupError
	if errors.As(err, &setupErr) {
		t.Fatalf("cancellation reported as setup error: %v", err)
	}
	if !errors.Is(err, context.Canceled) || res.Outcome != telemetry.ConnectionFailed || len(rep.results) != 1 {
		t.Fatalf("cancel during read: %+v %v", res, err)
	}
}

func TestRunReportsElapsed(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c, _, _ := newTestChecker(sdr.NewMock(sdr.MockConfig{UnlockedReads: 1}), Config{})
	c.now = func() time.Time {
		clock = clock.Add(10 * time.Millisecond)
		return clock
	}
	c.sleep = func(_ context.Context, d time.Duration) error {
		clock = clock.Add(d)
		return nil
	}

	res, err := c.Run(context.Background(), RefInternal)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Latency.Count != 2 || res.Latency.Mean != 10*time.Millisecond {
		t.Fatalf("latency %+v", res.Latency)
	}
	if res.Elapsed < 2*time.Second {
		t.Fatalf("elapsed %v", res.Elapsed)
	}
}
