package sdr

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/refcheck/internal/logging"
)

const sampleListing = `@iio:device0 ad9361-phy
ensm_mode
xo_correction
@iio:device1 hmc7044
clock_source
clock_source_available
name
ref_locked
@iio:device2
mimo_locked
`

func TestParseSysfsListing(t *testing.T) {
	nodes := parseSysfsListing(sampleListing)
	want := []attrNode{
		{Ref: "iio:device0", Name: "ad9361-phy", Attrs: []string{"ensm_mode", "xo_correction"}},
		{Ref: "iio:device1", Name: "hmc7044", Attrs: []string{"clock_source", "clock_source_available", "name", "ref_locked"}},
		{Ref: "iio:device2", Name: "iio:device2", Attrs: []string{"mimo_locked"}},
	}
	if !reflect.DeepEqual(nodes, want) {
		t.Fatalf("nodes = %+v\nwant %+v", nodes, want)
	}
}

type fakeRunner struct {
	cmds    []string
	replies map[string]string
	closed  bool
}

func (f *fakeRunner) Run(_ context.Context, cmd string) (string, error) {
	f.cmds = append(f.cmds, cmd)
	for prefix, reply := range f.replies {
		if strings.HasPrefix(cmd, prefix) {
			return reply, nil
		}
	}
	return "", nil
}

func (f *fakeRunner) Close() error {
	f.closed = true
	return nil
}

func TestOpenSysfs(t *testing.T) {
	runner := &fakeRunner{replies: map[string]string{
		"cd ": sampleListing,
		"cat '/sys/bus/iio/devices/iio:device1/clock_source_available'": "internal external\n",
		"cat '/sys/bus/iio/devices/iio:device1/ref_locked'":             "1\n",
	}}
	var gotCfg SSHConfig
	prev := newCommandRunner
	newCommandRunner = func(cfg SSHConfig, _ time.Duration) commandRunner {
		gotCfg = cfg
		return runner
	}
	t.Cleanup(func() { newCommandRunner = prev })

	args, _ := ParseArgs("host=pluto.local,password=analog,dev=hmc7044")
	dev, err := Open(context.Background(), args, Options{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if gotCfg.User != "root" || gotCfg.Port != 22 || gotCfg.Password != "analog" {
		t.Fatalf("ssh config %+v", gotCfg)
	}
	if !strings.HasPrefix(dev.Describe(), "IIO sysfs at root@pluto.local:22/sys/bus/iio/devices") {
		t.Fatalf("description %q", dev.Describe())
	}

	ctx := context.Background()
	if err := dev.SetClockSource(ctx, "external", 0); err != nil {
		t.Fatalf("set clock source: %v", err)
	}
	last := runner.cmds[len(runner.cmds)-1]
	if last != "printf %s 'external' > '/sys/bus/iio/devices/iio:device1/clock_source'" {
		t.Fatalf("write command %q", last)
	}
	sensor, err := dev.MboardSensor(ctx, "ref_locked", 0)
	if err != nil || !sensor.ToBool() {
		t.Fatalf("ref_locked %+v, %v", sensor, err)
	}

	dev.Close()
	if !runner.closed {
		t.Fatalf("runner left open")
	}
}

func TestOpenSysfsNeedsHost(t *testing.T) {
	if _, err := Open(context.Background(), Args{"type": "sysfs"}, Options{Logger: logging.Discard()}); err == nil {
		t.Fatalf("expected error without host")
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Fatalf("shellQuote = %s", got)
	}
}
