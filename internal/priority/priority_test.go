package priority

import (
	"errors"
	"testing"
	"time"

	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/event"
)

func mustEvent(t *testing.T, fields map[string]any) event.Event {
	t.Helper()
	ev, err := event.BuildEvent(fields, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return ev
}

func TestReportProcessCutoff(t *testing.T) {
	cutoff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := ReportProcessCutoff(cutoff)
	if c.Levels() != 4 {
		t.Fatalf("levels=%d", c.Levels())
	}
	tests := []struct {
		name   string
		fields map[string]any
		want   int
	}{
		{"report wins", map[string]any{"report": true, "process": true}, 0},
		{"process", map[string]any{"process": true}, 1},
		{"old", map[string]any{"time": "2023-06-01T00:00:00Z"}, 2},
		{"old numeric", map[string]any{"time": 1600000000}, 2},
		{"new", map[string]any{"time": "2024-06-01T00:00:00Z"}, 3},
		{"no time", map[string]any{"msg": "hello"}, 3},
		{"garbage time", map[string]any{"time": "yesterday"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Check(c, mustEvent(t, tt.fields))
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %d want %d", got, tt.want)
			}
		})
	}
}

func TestRulesValidation(t *testing.T) {
	if _, err := Rules(0); err == nil {
		t.Fatalf("expected error for zero levels")
	}
	if _, err := Rules(2, Flag("x", 2)); err == nil {
		t.Fatalf("expected error for out-of-range rule")
	}
	if _, err := Rules(2, Rule{Name: "nil"}); err == nil {
		t.Fatalf("expected error for nil predicate")
	}
}

func TestCheckRejectsOutOfRange(t *testing.T) {
	c, err := Func(2, func(event.Event) int { return 5 })
	if err != nil {
		t.Fatalf("func: %v", err)
	}
	if _, err := Check(c, mustEvent(t, nil)); !errors.Is(err, errs.ErrProducer) {
		t.Fatalf("expected producer error, got %v", err)
	}
}

func TestCELClassifier(t *testing.T) {
	c, err := CEL(3, []CELRule{
		{Expr: `has(fields.severity) && fields.severity >= 5`, Level: 0},
		{Expr: `size(attachments) > 0`, Level: 1},
		{Expr: `fields.kind == "audit"`, Level: 1},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if got, _ := c.Classify(mustEvent(t, map[string]any{"severity": 7})); got != 0 {
		t.Fatalf("severity: got %d", got)
	}
	if got, _ := c.Classify(mustEvent(t, map[string]any{"kind": "audit"})); got != 1 {
		t.Fatalf("audit: got %d", got)
	}
	// fields.kind missing -> evaluation error -> no match -> lowest level
	if got, _ := c.Classify(mustEvent(t, map[string]any{"severity": 1})); got != 2 {
		t.Fatalf("default: got %d", got)
	}
}

func TestCELCompileErrors(t *testing.T) {
	if _, err := CEL(2, []CELRule{{Expr: "fields.", Level: 0}}); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := CEL(2, []CELRule{{Expr: `"str"`, Level: 0}}); err == nil {
		t.Fatalf("expected non-bool error")
	}
	if _, err := CEL(2, []CELRule{{Expr: "true", Level: 3}}); err == nil {
		t.Fatalf("expected level error")
	}
}

func TestFromConfig(t *testing.T) {
	c, err := FromConfig(Config{})
	if err != nil || c.Levels() != 1 {
		t.Fatalf("default single: %v", err)
	}
	c, err = FromConfig(Config{Policy: PolicyReportProcessCutoff, Cutoff: "2024-01-01T00:00:00Z"})
	if err != nil || c.Levels() != 4 {
		t.Fatalf("cutoff policy: %v", err)
	}
	if _, err := FromConfig(Config{Policy: PolicyReportProcessCutoff, Cutoff: "soon"}); err == nil {
		t.Fatalf("expected cutoff parse error")
	}
	c, err = FromConfig(Config{Policy: PolicyCEL, Levels: 2, Rules: []CELRule{{Expr: "has_time", Level: 0}}})
	if err != nil || c.Levels() != 2 {
		t.Fatalf("cel policy: %v", err)
	}
	if _, err := FromConfig(Config{Policy: "random"}); err == nil {
		t.Fatalf("expected unknown policy error")
	}
}
