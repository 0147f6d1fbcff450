package sdr

import (
	"reflect"
	"testing"
)

func TestParseArgs(t *testing.T) {
	args, err := ParseArgs(" type=iio, addr=192.168.2.1 ,sensors=ref_locked:lo_locked,debug")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if args.Get("type") != "iio" || args.Get("addr") != "192.168.2.1" {
		t.Fatalf("unexpected args %v", args)
	}
	if _, ok := args["debug"]; !ok {
		t.Fatalf("bare key not stored")
	}
	if got := args.List("sensors"); !reflect.DeepEqual(got, []string{"ref_locked", "lo_locked"}) {
		t.Fatalf("sensors list %v", got)
	}
	if got := args.String(); got != "addr=192.168.2.1,debug,sensors=ref_locked:lo_locked,type=iio" {
		t.Fatalf("string form %q", got)
	}

	if _, err := ParseArgs("=oops"); err == nil {
		t.Fatalf("expected error for empty key")
	}

	empty, err := ParseArgs("")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty args: %v %v", empty, err)
	}
}

func TestArgsInt(t *testing.T) {
	args := Args{"port": "2222", "bad": "x"}
	if n, err := args.Int("port", 22); err != nil || n != 2222 {
		t.Fatalf("port = %d, %v", n, err)
	}
	if n, err := args.Int("missing", 22); err != nil || n != 22 {
		t.Fatalf("default = %d, %v", n, err)
	}
	if _, err := args.Int("bad", 0); err == nil {
		t.Fatalf("expected error for non-integer")
	}
}

func TestArgsKind(t *testing.T) {
	cases := map[string]string{
		"":                     "iio",
		"addr=10.0.0.2":        "iio",
		"type=MOCK":            "mock",
		"host=pluto.local":     "sysfs",
		"tty=/dev/ttyACM0":     "gpsdo",
		"type=iio,tty=/dev/x":  "iio",
		"host=a,tty=/dev/ttyS": "gpsdo",
	}
	for in, want := range cases {
		args, err := ParseArgs(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got := args.Kind(); got != want {
			t.Errorf("Kind(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSensorValue(t *testing.T) {
	locked := NewBoolSensor("Ref", true, "locked", "unlocked")
	if !locked.ToBool() || locked.String() != "Ref: locked" {
		t.Fatalf("locked sensor %+v -> %q", locked, locked.String())
	}
	unlocked := NewBoolSensor("MIMO", false, "locked", "unlocked")
	if unlocked.ToBool() || unlocked.String() != "MIMO: unlocked" {
		t.Fatalf("unlocked sensor %+v -> %q", unlocked, unlocked.String())
	}

	temp := NewRealSensor("Temp", 41.5, "C")
	if temp.String() != "Temp: 41.5 C" || !temp.ToBool() {
		t.Fatalf("real sensor %q", temp.String())
	}
	zero := NewIntSensor("Count", 0, "")
	if zero.ToBool() || zero.String() != "Count: 0" {
		t.Fatalf("int sensor %q", zero.String())
	}
	if !NewStringSensor("State", "Locked", "").ToBool() {
		t.Fatalf("string 'Locked' should be truthy")
	}
	if NewStringSensor("State", "searching", "").ToBool() {
		t.Fatalf("string 'searching' should be falsy")
	}
}

func TestSensorFromAttr(t *testing.T) {
	cases := []struct {
		attr, raw string
		want      SensorValue
	}{
		{"ref_locked", "1\n", SensorValue{Name: "Ref", Value: "true", Unit: "locked", Kind: Boolean}},
		{"mimo_locked", "0", SensorValue{Name: "MIMO", Value: "false", Unit: "unlocked", Kind: Boolean}},
		{"lo_locked", "true", SensorValue{Name: "LO", Value: "true", Unit: "locked", Kind: Boolean}},
		{"temp", "38500 mC", SensorValue{Name: "Temp", Value: "38500", Unit: "mC", Kind: Integer}},
		{"vco_tune", "1.25", SensorValue{Name: "Vco Tune", Value: "1.25", Kind: Real}},
		{"pll_state", "holdover", SensorValue{Name: "PLL State", Value: "holdover", Kind: String}},
	}
	for _, tc := range cases {
		if got := sensorFromAttr(tc.attr, tc.raw); got != tc.want {
			t.Errorf("sensorFromAttr(%q, %q) = %+v, want %+v", tc.attr, tc.raw, got, tc.want)
		}
	}
}
