package telemetry

import (
	"fmt"
	"io"

	"github.com/rjboer/refcheck/internal/logging"
)

// ConsoleReporter prints the operator-facing lines of a lock check.
type ConsoleReporter struct {
	out io.Writer
}

// NewConsoleReporter writes to out.
func NewConsoleReporter(out io.Writer) ConsoleReporter {
	return ConsoleReporter{out: out}
}

func (r ConsoleReporter) ReportClockSource(ref string) {
	fmt.Fprintf(r.out, "Clock source set to: %s\n", ref)
}

func (r ConsoleReporter) ReportAttempt(a Attempt) {
	fmt.Fprintf(r.out, "Checking %s %s ...\n", a.Label, a.Sensor.String())
}

func (r ConsoleReporter) ReportResult(res Result) {
	switch res.Outcome {
	case LockAcquired:
		fmt.Fprint(r.out, "Success!\n\n")
	case LockTimeout:
		fmt.Fprint(r.out, "Failed to lock!\n\n")
	}
}

// LogReporter writes attempts and results as structured log records.
type LogReporter struct {
	logger logging.Logger
}

// NewLogReporter builds a log reporter with the provided logger.
func NewLogReporter(logger logging.Logger) LogReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return LogReporter{logger: logger.With(logging.F("subsystem", "telemetry"))}
}

func (r LogReporter) ReportClockSource(ref string) {
	r.logger.Info("clock source set", logging.F("reference", ref))
}

func (r LogReporter) ReportAttempt(a Attempt) {
	r.logger.Debug("sensor read",
		logging.F("attempt", a.Number),
		logging.F("reference", a.Reference),
		logging.F("sensor", a.Sensor.Name),
		logging.F("value", a.Sensor.Value),
		logging.F("locked", a.Locked),
		logging.F("latency", a.Latency))
}

func (r LogReporter) ReportResult(res Result) {
	fields := []logging.Field{
		logging.F("outcome", res.Outcome),
		logging.F("reference", res.Reference),
		logging.F("attempts", res.Attempts),
		logging.F("elapsed", res.Elapsed),
	}
	if res.Latency.Count > 0 {
		fields = append(fields,
			logging.F("latency_mean", res.Latency.Mean),
			logging.F("latency_stddev", res.Latency.StdDev))
	}
	if res.SensorMissing {
		fields = append(fields, logging.F("sensor_missing", res.Sensor))
	}
	switch res.Outcome {
	case LockAcquired:
		r.logger.Info("lock check finished", fields...)
	case LockTimeout:
		r.logger.Warn("lock check finished", fields...)
	default:
		fields = append(fields, logging.F("error", res.Error))
		r.logger.Error("lock check failed", fields...)
	}
}
