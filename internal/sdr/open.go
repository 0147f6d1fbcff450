package sdr

import (
	"context"
	"fmt"
	"time"

	"github.com/rjboer/refcheck/internal/logging"
	"github.com/rjboer/refcheck/internal/mdns"
)

// Options carries backend defaults that device args may override.
type Options struct {
	Logger           logging.Logger
	Timeout          time.Duration
	DiscoveryTimeout time.Duration
	Attr             AttrProfile
	SSH              SSHConfig
	GPSDO            GPSDOConfig
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = 3 * time.Second
	}
	o.Attr = o.Attr.withDefaults()
	return o
}

// discoverIIOD is swapped in tests.
var discoverIIOD = mdns.DiscoverIIOD

// Open creates a device session from a parsed device address. Backends:
// mock, iio (iiod over TCP), sysfs (IIO sysfs over SSH) and gpsdo (u-blox
// receiver over a serial line).
func Open(ctx context.Context, args Args, opts Options) (Device, error) {
	opts = opts.withDefaults()
	kind := args.Kind()
	log := opts.Logger.With(logging.F("backend", kind))
	log.Debug("opening device", logging.F("args", args.String()))

	switch kind {
	case "mock":
		m, err := OpenMock(args)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "iio":
		return openIIO(ctx, args, opts, log)
	case "sysfs":
		return openSysfs(ctx, args, opts, log)
	case "gpsdo":
		return openGPSDO(args, opts, log)
	default:
		return nil, fmt.Errorf("unknown device type %q", kind)
	}
}

// firstIIODHost resolves an iiod address through mDNS.
func firstIIODHost(ctx context.Context, opts Options, log logging.Logger) (string, error) {
	hosts, err := discoverIIOD(ctx, opts.DiscoveryTimeout)
	if err != nil {
		return "", fmt.Errorf("discover iiod: %w", err)
	}
	if len(hosts) == 0 {
		return "", fmt.Errorf("discover iiod: %w", ErrNoDevice)
	}
	addr := hosts[0].Addr()
	log.Info("discovered iiod server",
		logging.F("instance", hosts[0].Instance),
		logging.F("addr", addr),
		logging.F("candidates", len(hosts)))
	return addr, nil
}
