package logging

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": Debug, "": Info, " INFO ": Info, "warning": Warn, "error": Error}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestTextLoggerFiltersAndFormats(t *testing.T) {
	var buf strings.Builder
	l := New(Info, Text, &buf).With(F("subsystem", "checker"))

	l.Debug("hidden")
	l.Info("sensor read", F("sensor", "ref_locked"), F("locked", true))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
	if !strings.Contains(out, "[INFO] sensor read subsystem=checker sensor=ref_locked locked=true") {
		t.Fatalf("unexpected text output: %q", out)
	}
}

func TestJSONLoggerRendersErrors(t *testing.T) {
	var buf strings.Builder
	l := New(Debug, JSON, &buf)
	l.Error("open failed", Err(errors.New("boom")), F("args", "type=mock"))

	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &payload); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if payload["level"] != "ERROR" || payload["err"] != "boom" || payload["args"] != "type=mock" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestNewFromStringsRejectsBadFormat(t *testing.T) {
	if _, err := NewFromStrings("info", "xml", &strings.Builder{}); err == nil {
		t.Fatalf("expected format error")
	}
}
