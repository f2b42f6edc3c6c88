package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input string
		want  Level
		ok    bool
	}{
		{"debug", Debug, true},
		{"INFO", Info, true},
		{" Warn ", Warn, true},
		{"error", Error, true},
		{"verbose", Error, false},
		{"", Error, false},
	}

	for _, tc := range cases {
		got, ok := ParseLevel(tc.input)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseLevel(%q) = (%v, %v), want (%v, %v)", tc.input, got, ok, tc.want, tc.ok)
		}
	}
}

func TestLevelEnables(t *testing.T) {
	if !Debug.Enables(Error) {
		t.Error("debug should enable error")
	}
	if Info.Enables(Debug) {
		t.Error("info should not enable debug")
	}
	if !Warn.Enables(Warn) {
		t.Error("a level should enable itself")
	}
}

func TestWriterLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, Warn)

	logger.Debug("ledger: swept: removed=%d", 3)
	logger.Info("main: serving")
	logger.Warn("audit: queue full: depth=%d", 10)
	logger.Error("audit: insert failed: err=%v", "boom")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "WARN\taudit: queue full: depth=10") {
		t.Errorf("unexpected warn line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "ERROR\taudit: insert failed: err=boom") {
		t.Errorf("unexpected error line: %q", lines[1])
	}
	if logger.Level() != Warn {
		t.Errorf("Level() = %v, want %v", logger.Level(), Warn)
	}
}

func TestNoopLogger(t *testing.T) {
	logger := NewNoopLogger()
	logger.Error("discarded")

	if logger.Level() != Error {
		t.Errorf("Level() = %v, want %v", logger.Level(), Error)
	}
}
