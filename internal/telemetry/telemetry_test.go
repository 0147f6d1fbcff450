package telemetry

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rjboer/refcheck/internal/logging"
	"github.com/rjboer/refcheck/internal/sdr"
)

func TestSummarize(t *testing.T) {
	if got := Summarize(nil); got != (Latency{}) {
		t.Fatalf("empty summary %+v", got)
	}
	one := Summarize([]time.Duration{5 * time.Millisecond})
	if one.Count != 1 || one.Mean != 5*time.Millisecond || one.StdDev != 0 || one.Max != 5*time.Millisecond {
		t.Fatalf("single sample summary %+v", one)
	}
	got := Summarize([]time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 6 * time.Millisecond})
	if got.Mean != 4*time.Millisecond || got.Max != 6*time.Millisecond {
		t.Fatalf("summary %+v", got)
	}
	// Sample standard deviation of {2,4,6} ms is 2 ms.
	if got.StdDev < 1999*time.Microsecond || got.StdDev > 2001*time.Microsecond {
		t.Fatalf("stddev %v", got.StdDev)
	}
}

func TestOutcomeExitCode(t *testing.T) {
	cases := map[Outcome]int{LockAcquired: 0, LockTimeout: 2, ConnectionFailed: 1}
	for o, want := range cases {
		if got := o.ExitCode(); got != want {
			t.Errorf("%s exit code %d, want %d", o, got, want)
		}
	}
}

func TestConsoleReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewConsoleReporter(&buf)
	r.ReportClockSource("external")
	r.ReportAttempt(Attempt{Number: 1, Reference: "external", Label: "External", Sensor: sdr.NewBoolSensor("Ref", false, "locked", "unlocked")})
	r.ReportAttempt(Attempt{Number: 2, Reference: "external", Label: "External", Sensor: sdr.NewBoolSensor("Ref", true, "locked", "unlocked")})
	r.ReportResult(Result{Outcome: LockAcquired})
	r.ReportResult(Result{Outcome: LockTimeout})
	r.ReportResult(Result{Outcome: ConnectionFailed})

	want := "Clock source set to: external\nChecking External Ref: unlocked ...\nChecking External Ref: locked ...\nSuccess!\n\nFailed to lock!\n\n"
	if buf.String() != want {
		t.Fatalf("console output %q, want %q", buf.String(), want)
	}
}

type recordingReporter struct {
	sources  []string
	attempts []Attempt
	results  []Result
}

func (r *recordingReporter) ReportClockSource(ref string) { r.sources = append(r.sources, ref) }
func (r *recordingReporter) ReportAttempt(a Attempt) { r.attempts = append(r.attempts, a) }
func (r *recordingReporter) ReportResult(res Result) { r.results = append(r.results, res) }

func TestMultiReporterSkipsNil(t *testing.T) {
	a, b := &recordingReporter{}, &recordingReporter{}
	m := MultiReporter{a, nil, b}
	m.ReportClockSource("mimo")
	m.ReportAttempt(Attempt{Number: 1})
	m.ReportResult(Result{Outcome: LockTimeout})
	if len(a.sources) != 1 || len(b.sources) != 1 || len(a.attempts) != 1 || len(b.attempts) != 1 || len(a.results) != 1 || len(b.results) != 1 {
		t.Fatalf("fan-out mismatch: %+v %+v", a, b)
	}
}

func TestLogReporterLevels(t *testing.T) {
	var buf bytes.Buffer
	r := NewLogReporter(logging.New(logging.Info, logging.Text, &buf))
	r.ReportAttempt(Attempt{Number: 1, Reference: "gpsdo"})
	if buf.Len() != 0 {
		t.Fatalf("attempts should log at debug, got %q", buf.String())
	}
	r.ReportResult(Result{Outcome: LockTimeout, Reference: "gpsdo", Attempts: 60})
	r.ReportResult(Result{Outcome: ConnectionFailed, Reference: "gpsdo", Error: "boom"})
	out := buf.String()
	if !strings.Contains(out, "[WARN] lock check finished subsystem=telemetry outcome=lock_timeout reference=gpsdo attempts=60") {
		t.Fatalf("missing timeout line in %q", out)
	}
	if !strings.Contains(out, "[ERROR] lock check failed") || !strings.Contains(out, "error=boom") {
		t.Fatalf("missing failure line in %q", out)
	}
}

func TestMetricsReporterWritesTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refcheck.prom")
	r := NewMetricsReporter(path, logging.Discard())
	r.ReportAttempt(Attempt{Reference: "external", Locked: false, Latency: 3 * time.Millisecond})
	r.ReportAttempt(Attempt{Reference: "external", Locked: true, Latency: 2 * time.Millisecond})
	r.ReportResult(Result{Reference: "external", Outcome: LockAcquired, Attempts: 2, Elapsed: 2 * time.Second, Started: time.Unix(1700000000, 0)})
	if err := r.Err(); err != nil {
		t.Fatalf("write textfile: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	text := string(raw)
	for _, want := range []string{
		`refcheck_lock_success{reference="external"} 1`,
		`refcheck_lock_attempts{reference="external"} 2`,
		`refcheck_sensor_reads_total{locked="false",reference="external"} 1`,
		`refcheck_sensor_reads_total{locked="true",reference="external"} 1`,
		`refcheck_last_run_timestamp_seconds{outcome="lock_acquired",reference="external"} 1.7e+09`,
		`refcheck_sensor_fetch_seconds_count{reference="external"} 2`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("textfile missing %q:\n%s", want, text)
		}
	}
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	msgs         []published
	disconnected bool
}

func (f *fakePublisher) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	f.msgs = append(f.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{}
}

func (f *fakePublisher) Disconnect(uint) { f.disconnected = true }

func TestMQTTReporterPublishes(t *testing.T) {
	pub := &fakePublisher{}
	r := newMQTTReporter(pub, MQTTConfig{Topic: "lab/refcheck/", Timeout: time.Second}, logging.Discard())

	r.ReportAttempt(Attempt{Number: 1, Reference: "mimo", Sensor: sdr.NewBoolSensor("MIMO", true, "locked", "unlocked"), Locked: true, Latency: 1500 * time.Microsecond})
	r.ReportResult(Result{Reference: "mimo", Sensor: "mimo_locked", Outcome: LockAcquired, Attempts: 1})
	r.Close()

	if len(pub.msgs) != 2 || !pub.disconnected {
		t.Fatalf("published %+v disconnected=%v", pub.msgs, pub.disconnected)
	}
	attempt := pub.msgs[0]
	if attempt.topic != "lab/refcheck/mimo/attempt" || attempt.retained {
		t.Fatalf("attempt message %+v", attempt)
	}
	var am attemptMessage
	if err := json.Unmarshal(attempt.payload, &am); err != nil {
		t.Fatalf("decode attempt: %v", err)
	}
	if !am.Locked || am.LatencyMS != 1.5 || am.Sensor != "MIMO" {
		t.Fatalf("attempt payload %+v", am)
	}

	result := pub.msgs[1]
	if result.topic != "lab/refcheck/mimo" || !result.retained {
		t.Fatalf("result message %+v", result)
	}
	var res Result
	if err := json.Unmarshal(result.payload, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Outcome != LockAcquired || res.Attempts != 1 {
		t.Fatalf("result payload %+v", res)
	}
}

func TestMQTTConfigDefaults(t *testing.T) {
	cfg := MQTTConfig{Broker: "broker.lan:1883"}.withDefaults()
	if cfg.Broker != "tcp://broker.lan:1883" || cfg.Topic != "refcheck" || cfg.ClientID == "" || cfg.Timeout != 5*time.Second {
		t.Fatalf("defaults %+v", cfg)
	}
}
