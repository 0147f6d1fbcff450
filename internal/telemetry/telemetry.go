package telemetry

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/rjboer/refcheck/internal/sdr"
)

// Outcome is the terminal state of one lock check.
type Outcome string

const (
	LockAcquired     Outcome = "lock_acquired"
	LockTimeout      Outcome = "lock_timeout"
	ConnectionFailed Outcome = "connection_failed"
)

// ExitCode maps an outcome onto the process status the CLI returns.
func (o Outcome) ExitCode() int {
	switch o {
	case LockAcquired:
		return 0
	case LockTimeout:
		return 2
	default:
		return 1
	}
}

// Attempt is one sensor read inside the poll loop.
type Attempt struct {
	Number    int // 1-based
	Reference string
	Label     string
	Sensor    sdr.SensorValue
	Locked    bool
	Latency   time.Duration
}

// Latency summarizes sensor fetch durations.
type Latency struct {
	Count  int           `json:"count"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stddev"`
	Max    time.Duration `json:"max"`
}

// Result describes a finished lock check.
type Result struct {
	Device        string           `json:"device"`
	Reference     string           `json:"reference"`
	Sensor        string           `json:"sensor"`
	Outcome       Outcome          `json:"outcome"`
	Attempts      int              `json:"attempts"`
	Started       time.Time        `json:"started"`
	Elapsed       time.Duration    `json:"elapsed"`
	Last          *sdr.SensorValue `json:"last,omitempty"`
	SensorMissing bool             `json:"sensor_missing,omitempty"`
	Latency       Latency          `json:"latency"`
	Error         string           `json:"error,omitempty"`
}

// Reporter receives lock check events.
type Reporter interface {
	ReportClockSource(ref string)
	ReportAttempt(a Attempt)
	ReportResult(r Result)
}

// MultiReporter fans out events to multiple destinations.
type MultiReporter []Reporter

func (m MultiReporter) ReportClockSource(ref string) {
	for _, r := range m {
		if r != nil {
			r.ReportClockSource(ref)
		}
	}
}

func (m MultiReporter) ReportAttempt(a Attempt) {
	for _, r := range m {
		if r != nil {
			r.ReportAttempt(a)
		}
	}
}

func (m MultiReporter) ReportResult(res Result) {
	for _, r := range m {
		if r != nil {
			r.ReportResult(res)
		}
	}
}

// Summarize computes mean, sample standard deviation and maximum of the
// given durations.
func Summarize(samples []time.Duration) Latency {
	if len(samples) == 0 {
		return Latency{}
	}
	xs := make([]float64, len(samples))
	var max time.Duration
	for i, d := range samples {
		xs[i] = float64(d)
		if d > max {
			max = d
		}
	}
	out := Latency{Count: len(samples), Max: max, Mean: time.Duration(stat.Mean(xs, nil))}
	if len(xs) > 1 {
		_, std := stat.MeanStdDev(xs, nil)
		out.StdDev = time.Duration(std)
	}
	return out
}
