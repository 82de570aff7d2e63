package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newJSON(buf *bytes.Buffer, lvl Level) Logger {
	return NewLogger(WithLevel(lvl), WithFormat(FormatJSON), WithOutput(buf))
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := newJSON(&buf, DebugLevel).With(Component("buffer"))
	l.Info("produced", Int("events", 3), Str("producer", "p1"), Err(errors.New("boom")))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("want 1 line, got %d", len(lines))
	}
	got := lines[0]
	if got["component"] != "buffer" || got["producer"] != "p1" || got["events"] != float64(3) {
		t.Fatalf("unexpected fields: %v", got)
	}
	if got["error"] != "boom" {
		t.Fatalf("missing error field: %v", got)
	}
	if got["message"] != "produced" || got["level"] != "info" {
		t.Fatalf("unexpected message/level: %v", got)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newJSON(&buf, WarnLevel)
	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")
	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %d: %s", len(lines), buf.String())
	}
	if l.GetLevel() != WarnLevel {
		t.Fatalf("level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		err  bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{"warning", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"loud", InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.err {
			t.Fatalf("ParseLevel(%q) err=%v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseLevel(%q)=%v want %v", tt.in, got, tt.want)
		}
	}
}

func TestApplyConfig(t *testing.T) {
	if _, err := ApplyConfig(&Config{Format: "xml"}); err == nil {
		t.Fatalf("expected format error")
	}
	l, err := ApplyConfig(&Config{Level: "debug", Output: "null"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	l.Info("discarded")
}

func TestToStdLogger(t *testing.T) {
	var buf bytes.Buffer
	std := ToStdLogger(newJSON(&buf, InfoLevel))
	std.Printf("hello %d", 7)
	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["message"] != "hello 7" {
		t.Fatalf("unexpected: %s", buf.String())
	}
}
