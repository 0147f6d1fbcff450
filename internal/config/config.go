// Package config loads refcheck settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rjboer/refcheck/internal/logging"
)

// DefaultPath is read when present and no other path is given.
const DefaultPath = "refcheck.yml"

// Config holds every tunable. Durations are Go duration strings ("1s",
// "250ms").
type Config struct {
	Args             string        `yaml:"args"`
	Ref              string        `yaml:"ref"`
	Retries          int           `yaml:"retries"`
	Delay            string        `yaml:"delay"`
	Mboard           int           `yaml:"mboard"`
	MissingSensor    string        `yaml:"missing_sensor"`
	DiscoveryTimeout string        `yaml:"discovery_timeout"`
	LockDir          string        `yaml:"lock_dir"`
	Log              LogConfig     `yaml:"log"`
	IIO              IIOConfig     `yaml:"iio"`
	SSH              SSHConfig     `yaml:"ssh"`
	GPSDO            GPSDOConfig   `yaml:"gpsdo"`
	Metrics          MetricsConfig `yaml:"metrics"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IIOConfig maps lock-check concepts onto IIO attributes.
type IIOConfig struct {
	ClockAttr string   `yaml:"clock_attr"`
	Sensors   []string `yaml:"sensors"`
	Device    string   `yaml:"device"`
	Timeout   string   `yaml:"timeout"`
}

// SSHConfig is used by the sysfs backend.
type SSHConfig struct {
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	KeyPath   string `yaml:"key_path"`
	Port      int    `yaml:"port"`
	SysfsRoot string `yaml:"sysfs_root"`
}

type GPSDOConfig struct {
	Baud        int    `yaml:"baud"`
	ReadTimeout string `yaml:"read_timeout"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Timeout  string `yaml:"timeout"`
}

// Timing is the parsed form of every duration in Config.
type Timing struct {
	Delay            time.Duration
	DiscoveryTimeout time.Duration
	IIOTimeout       time.Duration
	GPSDOReadTimeout time.Duration
	MQTTTimeout      time.Duration
}

// Default returns the stock configuration: 60 polls one second apart on
// mboard 0 against the internal reference.
func Default() *Config {
	return &Config{
		Ref:              "internal",
		Retries:          60,
		Delay:            "1s",
		Mboard:           0,
		MissingSensor:    "warn",
		DiscoveryTimeout: "3s",
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
		IIO: IIOConfig{
			ClockAttr: "clock_source",
			Timeout:   "5s",
		},
		SSH: SSHConfig{
			User:      "root",
			Port:      22,
			SysfsRoot: "/sys/bus/iio/devices",
		},
		GPSDO: GPSDOConfig{
			Baud:        9600,
			ReadTimeout: "2s",
		},
		MQTT: MQTTConfig{
			Topic:   "refcheck",
			Timeout: "5s",
		},
	}
}

// Load reads a YAML file and fills unset fields from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&c)
	return &c, nil
}

// LoadOrDefault loads path. A missing DefaultPath yields Default; a missing
// explicit path is an error.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	c, err := Load(path)
	if err != nil && path == DefaultPath && errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return c, err
}

func applyDefaults(c *Config) {
	d := Default()
	if c.Ref == "" {
		c.Ref = d.Ref
	}
	if c.Retries == 0 {
		c.Retries = d.Retries
	}
	if c.Delay == "" {
		c.Delay = d.Delay
	}
	if c.MissingSensor == "" {
		c.MissingSensor = d.MissingSensor
	}
	if c.DiscoveryTimeout == "" {
		c.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.IIO.ClockAttr == "" {
		c.IIO.ClockAttr = d.IIO.ClockAttr
	}
	if c.IIO.Timeout == "" {
		c.IIO.Timeout = d.IIO.Timeout
	}
	if c.SSH.User == "" {
		c.SSH.User = d.SSH.User
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = d.SSH.Port
	}
	if c.SSH.SysfsRoot == "" {
		c.SSH.SysfsRoot = d.SSH.SysfsRoot
	}
	if c.GPSDO.Baud == 0 {
		c.GPSDO.Baud = d.GPSDO.Baud
	}
	if c.GPSDO.ReadTimeout == "" {
		c.GPSDO.ReadTimeout = d.GPSDO.ReadTimeout
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = d.MQTT.Topic
	}
	if c.MQTT.Timeout == "" {
		c.MQTT.Timeout = d.MQTT.Timeout
	}
}

// ApplyEnv overrides fields from REFCHECK_* variables. Unparsable numbers
// keep the current value.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	c.Args = envString(lookup, "REFCHECK_ARGS", c.Args)
	c.Ref = envString(lookup, "REFCHECK_REF", c.Ref)
	c.Retries = envInt(lookup, "REFCHECK_RETRIES", c.Retries)
	c.Delay = envString(lookup, "REFCHECK_DELAY", c.Delay)
	c.Mboard = envInt(lookup, "REFCHECK_MBOARD", c.Mboard)
	c.MissingSensor = envString(lookup, "REFCHECK_MISSING_SENSOR", c.MissingSensor)
	c.LockDir = envString(lookup, "REFCHECK_LOCK_DIR", c.LockDir)
	c.Log.Level = envString(lookup, "REFCHECK_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString(lookup, "REFCHECK_LOG_FORMAT", c.Log.Format)
	c.Metrics.Textfile = envString(lookup, "REFCHECK_METRICS_FILE", c.Metrics.Textfile)
	c.MQTT.Broker = envString(lookup, "REFCHECK_MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Username = envString(lookup, "REFCHECK_MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = envString(lookup, "REFCHECK_MQTT_PASSWORD", c.MQTT.Password)
	c.SSH.Password = envString(lookup, "REFCHECK_SSH_PASSWORD", c.SSH.Password)
}

// Timing parses the duration fields.
func (c *Config) Timing() (Timing, error) {
	var t Timing
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"delay", c.Delay, &t.Delay},
		{"discovery_timeout", c.DiscoveryTimeout, &t.DiscoveryTimeout},
		{"iio.timeout", c.IIO.Timeout, &t.IIOTimeout},
		{"gpsdo.read_timeout", c.GPSDO.ReadTimeout, &t.GPSDOReadTimeout},
		{"mqtt.timeout", c.MQTT.Timeout, &t.MQTTTimeout},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return Timing{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return t, nil
}

// Validate checks ranges, enumerations and durations. Enumerations are
// normalized to lower case.
func (c *Config) Validate() error {
	if c.Retries <= 0 {
		return fmt.Errorf("retries must be positive, got %d", c.Retries)
	}
	if c.Mboard < 0 {
		return fmt.Errorf("mboard must not be negative, got %d", c.Mboard)
	}
	t, err := c.Timing()
	if err != nil {
		return err
	}
	if t.Delay <= 0 {
		return fmt.Errorf("delay must be positive, got %s", c.Delay)
	}
	c.MissingSensor = strings.ToLower(strings.TrimSpace(c.MissingSensor))
	switch c.MissingSensor {
	case "warn", "wait", "fail":
	default:
		return fmt.Errorf("missing_sensor must be warn, wait or fail, got %q", c.MissingSensor)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return err
	}
	if c.GPSDO.Baud <= 0 {
		return fmt.Errorf("gpsdo.baud must be positive, got %d", c.GPSDO.Baud)
	}
	return nil
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
