package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestRunRejectsBadArgs(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"no args", nil},
		{"extra args", []string{"4000", "4001"}},
		{"non-numeric", []string{"fourthousand"}},
		{"zero", []string{"0"}},
		{"negative", []string{"-1"}},
		{"too large", []string{"70000"}},
	}
	for _, tc := range cases {
		var stdout, stderr bytes.Buffer
		if code := run(tc.args, &stdout, &stderr); code != 1 {
			t.Fatalf("%s: exit code %d, want 1", tc.name, code)
		}
		if stderr.Len() == 0 {
			t.Fatalf("%s: expected a diagnostic", tc.name)
		}
	}
}

func TestParsePort(t *testing.T) {
	if _, err := parsePort("4000"); err != nil {
		t.Fatalf("valid port rejected: %v", err)
	}
	for _, s := range []string{"0", "65536", "x", ""} {
		if _, err := parsePort(s); err == nil {
			t.Fatalf("port %q accepted", s)
		}
	}
}

func TestBanner(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	banner(&buf, 4000)
	out := buf.String()
	for _, want := range []string{"ZIP server", "0.0.0.0:4000", "Initial balance: 100"} {
		if !strings.Contains(out, want) {
			t.Fatalf("banner missing %q: %s", want, out)
		}
	}
}
