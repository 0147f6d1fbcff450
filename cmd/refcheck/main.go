// Command refcheck asks an SDR to lock to a reference clock source and polls
// its lock sensor until it reports lock or the retry budget runs out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rjboer/refcheck/internal/app"
	"github.com/rjboer/refcheck/internal/config"
	"github.com/rjboer/refcheck/internal/devlock"
	"github.com/rjboer/refcheck/internal/logging"
	"github.com/rjboer/refcheck/internal/mdns"
	"github.com/rjboer/refcheck/internal/sdr"
	"github.com/rjboer/refcheck/internal/telemetry"
)

// Package-level seams swapped in tests.
var (
	openDevice = sdr.Open
	discover   = mdns.DiscoverIIOD
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv))
}

type cliConfig struct {
	*config.Config
	configPath  string
	discover    bool
	listSensors bool
}

func run(args []string, stdout, stderr io.Writer, lookup func(string) (string, bool)) int {
	cli, err := parseConfig(args, stdout, lookup)
	if errors.Is(err, flag.ErrHelp) {
		return ^0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logger, err := logging.NewFromStrings(cli.Log.Level, cli.Log.Format, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logging.SetDefault(logger)
	timing, err := cli.Timing()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cli.discover {
		return runDiscover(ctx, stdout, stderr, timing)
	}

	devArgs, err := sdr.ParseArgs(cli.Args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var ref app.Reference
	if !cli.listSensors {
		if ref, err = app.ParseReference(cli.Ref); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "Creating the device with: %s...\n", cli.Args)

	lock, err := devlock.Acquire(cli.LockDir, devArgs.String())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer lock.Release()

	dev, err := openDevice(ctx, devArgs, sdrOptions(cli.Config, timing, logger))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer dev.Close()
	fmt.Fprintf(stdout, "Using Device: %s\n", dev.Describe())

	if cli.listSensors {
		if err := listSensors(ctx, stdout, dev, cli.Mboard); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	reporter, closeReporters := buildReporters(cli.Config, timing, stdout, logger)
	defer closeReporters()

	policy, err := app.ParseMissingSensorPolicy(cli.MissingSensor)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	checker := app.NewChecker(dev, reporter, logger, app.Config{
		MaxRetry:      cli.Retries,
		Delay:         timing.Delay,
		Mboard:        cli.Mboard,
		MissingSensor: policy,
	})

	res, err := checker.Run(ctx, ref)
	var setupErr *app.SetupError
	switch {
	case err == nil, errors.Is(err, app.ErrLockTimeout):
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		fmt.Fprintf(stderr, "Error: lock check interrupted: %v\n", err)
	case errors.As(err, &setupErr):
		fmt.Fprintf(stdout, "Failed to set clock source to: %s\n", ref)
		fmt.Fprintln(stdout, setupErr.Err)
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return res.Outcome.ExitCode()
}

func parseConfig(args []string, stdout io.Writer, lookup func(string) (string, bool)) (cliConfig, error) {
	path := configPathFromArgs(args)
	if path == "" {
		if v, ok := lookup("REFCHECK_CONFIG"); ok {
			path = v
		}
	}
	base, err := config.LoadOrDefault(path)
	if err != nil {
		// Usage stays reachable with a broken config file.
		if !helpRequested(args) {
			return cliConfig{}, err
		}
		base = config.Default()
	}
	base.ApplyEnv(lookup)

	cfg := cliConfig{Config: base}
	fs := flag.NewFlagSet("refcheck", flag.ContinueOnError)
	fs.SetOutput(stdout)
	fs.Usage = func() { usage(fs, stdout) }
	fs.StringVar(&cfg.Args, "args", cfg.Args, "single device address args [ex: type=iio,addr=192.168.2.1]")
	fs.StringVar(&cfg.Ref, "ref", cfg.Ref, "clock reference ("+app.ReferenceList(", ")+")")
	fs.StringVar(&cfg.configPath, "config", path, "YAML config file (default "+config.DefaultPath+" when present)")
	fs.IntVar(&cfg.Retries, "retries", cfg.Retries, "number of sensor polls before giving up")
	fs.StringVar(&cfg.Delay, "delay", cfg.Delay, "wait before each sensor poll")
	fs.IntVar(&cfg.Mboard, "mboard", cfg.Mboard, "mboard whose sensors are polled")
	fs.StringVar(&cfg.MissingSensor, "missing-sensor", cfg.MissingSensor, "when the lock sensor is absent: warn, wait or fail")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "log format (text, json)")
	fs.StringVar(&cfg.Metrics.Textfile, "metrics-file", cfg.Metrics.Textfile, "write Prometheus textfile metrics to this path")
	fs.StringVar(&cfg.MQTT.Broker, "mqtt-broker", cfg.MQTT.Broker, "publish results to this MQTT broker")
	fs.StringVar(&cfg.MQTT.Topic, "mqtt-topic", cfg.MQTT.Topic, "MQTT topic prefix")
	fs.StringVar(&cfg.LockDir, "lock-dir", cfg.LockDir, "directory for per-device lock files (default system temp dir)")
	fs.BoolVar(&cfg.discover, "discover", false, "list iiod servers found over mDNS and exit")
	fs.BoolVar(&cfg.listSensors, "list-sensors", false, "print clock sources and sensor readings and exit")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	if fs.NArg() > 0 {
		return cliConfig{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if err := cfg.Validate(); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func usage(fs *flag.FlagSet, out io.Writer) {
	fmt.Fprintln(out, "refcheck: test REF input")
	fmt.Fprintln(out, "Allowed options:")
	fs.PrintDefaults()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Tests a specified REF clock source for an SDR. Will report an error if unable to lock.")
	fmt.Fprintln(out)
}

// configPathFromArgs finds --config before the full flag set exists, since
// the file supplies the flag defaults.
func configPathFromArgs(args []string) string {
	for i, a := range args {
		if a == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func helpRequested(args []string) bool {
	for _, a := range args {
		switch a {
		case "-h", "--h", "-help", "--help":
			return true
		}
	}
	return false
}

func sdrOptions(cfg *config.Config, timing config.Timing, logger logging.Logger) sdr.Options {
	return sdr.Options{
		Logger:           logger,
		Timeout:          timing.IIOTimeout,
		DiscoveryTimeout: timing.DiscoveryTimeout,
		Attr: sdr.AttrProfile{
			ClockAttr: cfg.IIO.ClockAttr,
			Sensors:   cfg.IIO.Sensors,
			Device:    cfg.IIO.Device,
		},
		SSH: sdr.SSHConfig{
			User:      cfg.SSH.User,
			Password:  cfg.SSH.Password,
			KeyPath:   cfg.SSH.KeyPath,
			Port:      cfg.SSH.Port,
			SysfsRoot: cfg.SSH.SysfsRoot,
		},
		GPSDO: sdr.GPSDOConfig{
			Baud:        cfg.GPSDO.Baud,
			ReadTimeout: timing.GPSDOReadTimeout,
		},
	}
}

func buildReporters(cfg *config.Config, timing config.Timing, stdout io.Writer, logger logging.Logger) (telemetry.Reporter, func()) {
	reporters := telemetry.MultiReporter{
		telemetry.NewConsoleReporter(stdout),
		telemetry.NewLogReporter(logger),
	}
	closers := []func(){}
	if cfg.Metrics.Textfile != "" {
		reporters = append(reporters, telemetry.NewMetricsReporter(cfg.Metrics.Textfile, logger))
	}
	if cfg.MQTT.Broker != "" {
		mq, err := telemetry.NewMQTTReporter(telemetry.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Timeout:  timing.MQTTTimeout,
		}, logger)
		if err != nil {
			logger.Warn("mqtt reporting disabled", logging.F("broker", cfg.MQTT.Broker), logging.Err(err))
		} else {
			reporters = append(reporters, mq)
			closers = append(closers, mq.Close)
		}
	}
	return reporters, func() {
		for _, c := range closers {
			c()
		}
	}
}

func runDiscover(ctx context.Context, stdout, stderr io.Writer, timing config.Timing) int {
	hosts, err := discover(ctx, timing.DiscoveryTimeout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(hosts) == 0 {
		fmt.Fprintln(stdout, "No iiod servers found")
		return 0
	}
	for _, h := range hosts {
		fmt.Fprintf(stdout, "%-24s %-22s --args addr=%s\n", h.Instance, strings.TrimSuffix(h.Hostname, "."), h.Addr())
	}
	return 0
}

func listSensors(ctx context.Context, out io.Writer, dev sdr.Device, mboard int) error {
	sources, err := dev.ClockSources(ctx, mboard)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		fmt.Fprintf(out, "Clock sources (mboard %d): unknown\n", mboard)
	} else {
		fmt.Fprintf(out, "Clock sources (mboard %d): %s\n", mboard, strings.Join(sources, ", "))
	}
	names, err := dev.MboardSensorNames(ctx, mboard)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Sensors (mboard %d):\n", mboard)
	for _, name := range names {
		v, err := dev.MboardSensor(ctx, name, mboard)
		if err != nil {
			fmt.Fprintf(out, "  %-14s error: %v\n", name, err)
			continue
		}
		fmt.Fprintf(out, "  %-14s %s\n", name, v.String())
	}
	return nil
}
