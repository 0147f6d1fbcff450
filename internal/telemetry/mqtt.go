package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rjboer/refcheck/internal/logging"
)

// MQTTConfig describes the broker connection for MQTTReporter.
type MQTTConfig struct {
	Broker   string // tcp://host:1883 or ssl://host:8883
	Topic    string
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.Topic == "" {
		c.Topic = "refcheck"
	}
	if c.ClientID == "" {
		host, _ := os.Hostname()
		c.ClientID = fmt.Sprintf("refcheck-%s-%d", host, os.Getpid())
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if !strings.Contains(c.Broker, "://") {
		c.Broker = "tcp://" + c.Broker
	}
	return c
}

// publisher is the subset of mqtt.Client the reporter uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTReporter publishes each attempt and a retained result document under
// <topic>/<reference>.
type MQTTReporter struct {
	client  publisher
	topic   string
	timeout time.Duration
	logger  logging.Logger
}

// NewMQTTReporter connects to the broker.
func NewMQTTReporter(cfg MQTTConfig, logger logging.Logger) (*MQTTReporter, error) {
	if logger == nil {
		logger = logging.Default()
	}
	cfg = cfg.withDefaults()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetAutoReconnect(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connect mqtt %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", cfg.Broker, err)
	}
	return newMQTTReporter(client, cfg, logger), nil
}

func newMQTTReporter(client publisher, cfg MQTTConfig, logger logging.Logger) *MQTTReporter {
	return &MQTTReporter{
		client:  client,
		topic:   strings.TrimSuffix(cfg.Topic, "/"),
		timeout: cfg.Timeout,
		logger:  logger.With(logging.F("subsystem", "mqtt")),
	}
}

type attemptMessage struct {
	Attempt   int     `json:"attempt"`
	Sensor    string  `json:"sensor"`
	Value     string  `json:"value"`
	Locked    bool    `json:"locked"`
	LatencyMS float64 `json:"latency_ms"`
}

func (r *MQTTReporter) ReportClockSource(string) {}

func (r *MQTTReporter) ReportAttempt(a Attempt) {
	r.publish(r.topic+"/"+a.Reference+"/attempt", false, attemptMessage{
		Attempt:   a.Number,
		Sensor:    a.Sensor.Name,
		Value:     a.Sensor.Value,
		Locked:    a.Locked,
		LatencyMS: float64(a.Latency) / float64(time.Millisecond),
	})
}

func (r *MQTTReporter) ReportResult(res Result) {
	r.publish(r.topic+"/"+res.Reference, true, res)
}

func (r *MQTTReporter) publish(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("encode mqtt payload", logging.F("topic", topic), logging.Err(err))
		return
	}
	token := r.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(r.timeout) {
		r.logger.Warn("mqtt publish timed out", logging.F("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		r.logger.Warn("mqtt publish failed", logging.F("topic", topic), logging.Err(err))
	}
}

// Close disconnects from the broker after in-flight messages drain.
func (r *MQTTReporter) Close() {
	r.client.Disconnect(250)
}
