package telemetry

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rjboer/refcheck/internal/logging"
)

// MetricsReporter records lock checks in a Prometheus registry and writes it
// as a node_exporter textfile when a result arrives.
type MetricsReporter struct {
	mu       sync.Mutex
	path     string
	logger   logging.Logger
	registry *prometheus.Registry
	err      error

	reads        *prometheus.CounterVec
	fetchSeconds *prometheus.HistogramVec
	success      *prometheus.GaugeVec
	attempts     *prometheus.GaugeVec
	elapsed      *prometheus.GaugeVec
	lastRun      *prometheus.GaugeVec
	missing      *prometheus.GaugeVec
}

// NewMetricsReporter writes to path on every result.
func NewMetricsReporter(path string, logger logging.Logger) *MetricsReporter {
	if logger == nil {
		logger = logging.Default()
	}
	labels := []string{"reference"}
	r := &MetricsReporter{
		path:     path,
		logger:   logger.With(logging.F("subsystem", "metrics")),
		registry: prometheus.NewRegistry(),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refcheck_sensor_reads_total",
			Help: "Lock sensor reads by state",
		}, []string{"reference", "locked"}),
		fetchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refcheck_sensor_fetch_seconds",
			Help:    "Latency of lock sensor reads",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 7),
		}, labels),
		success: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "refcheck_lock_success",
			Help: "Last lock check result (1=locked, 0=timeout or error)",
		}, labels),
		attempts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "refcheck_lock_attempts",
			Help: "Sensor polls used by the last lock check",
		}, labels),
		elapsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "refcheck_lock_duration_seconds",
			Help: "Wall time of the last lock check",
		}, labels),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "refcheck_last_run_timestamp_seconds",
			Help: "Start of the last lock check (epoch seconds)",
		}, []string{"reference", "outcome"}),
		missing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "refcheck_sensor_missing",
			Help: "1 if the expected lock sensor was not exposed by the device",
		}, labels),
	}
	r.registry.MustRegister(r.reads, r.fetchSeconds, r.success, r.attempts, r.elapsed, r.lastRun, r.missing)
	return r
}

// Err returns the last textfile write error.
func (r *MetricsReporter) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *MetricsReporter) ReportClockSource(string) {}

func (r *MetricsReporter) ReportAttempt(a Attempt) {
	r.reads.WithLabelValues(a.Reference, fmt.Sprint(a.Locked)).Inc()
	r.fetchSeconds.WithLabelValues(a.Reference).Observe(a.Latency.Seconds())
}

func (r *MetricsReporter) ReportResult(res Result) {
	ok := 0.0
	if res.Outcome == LockAcquired {
		ok = 1
	}
	miss := 0.0
	if res.SensorMissing {
		miss = 1
	}
	r.success.WithLabelValues(res.Reference).Set(ok)
	r.attempts.WithLabelValues(res.Reference).Set(float64(res.Attempts))
	r.elapsed.WithLabelValues(res.Reference).Set(res.Elapsed.Seconds())
	r.lastRun.WithLabelValues(res.Reference, string(res.Outcome)).Set(float64(res.Started.Unix()))
	r.missing.WithLabelValues(res.Reference).Set(miss)

	if r.path == "" {
		return
	}
	err := prometheus.WriteToTextfile(r.path, r.registry)
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	if err != nil {
		r.logger.Error("write metrics textfile", logging.F("path", r.path), logging.Err(err))
		return
	}
	r.logger.Debug("metrics textfile written", logging.F("path", r.path))
}
