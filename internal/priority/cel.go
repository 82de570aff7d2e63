package priority

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/flobuf/internal/event"
)

// CELRule routes events for which Expr evaluates to true to Level.
type CELRule struct {
	Expr  string `json:"expr" koanf:"expr"`
	Level int    `json:"level" koanf:"level"`
}

type celRule struct {
	src   string
	level int
	prog  cel.Program
}

type celClassifier struct {
	levels int
	rules  []celRule
}

// CEL compiles rules into a classifier. Expressions see:
//
//	fields       map(string, dyn)  event fields
//	attachments  list(string)      attachment keys
//	has_time     bool              reserved time field parsed
//	time_ms      int               reserved time field in unix ms (0 if absent)
//
// A rule whose evaluation errors (for example a missing key) does not match.
func CEL(levels int, rs []CELRule) (Classifier, error) {
	if levels <= 0 {
		return nil, fmt.Errorf("priority: levels must be positive, got %d", levels)
	}
	env, err := cel.NewEnv(
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("attachments", cel.ListType(cel.StringType)),
		cel.Variable("has_time", cel.BoolType),
		cel.Variable("time_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	out := &celClassifier{levels: levels}
	for i, r := range rs {
		expr := strings.TrimSpace(r.Expr)
		if expr == "" {
			return nil, fmt.Errorf("priority: rule %d has an empty expression", i)
		}
		if r.Level < 0 || r.Level >= levels {
			return nil, fmt.Errorf("priority: rule %d level %d outside [0,%d)", i, r.Level, levels)
		}
		ast, iss := env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("priority: rule %d: %w", i, iss.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("priority: rule %d must evaluate to bool, got %v", i, ast.OutputType())
		}
		prog, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("priority: rule %d: %w", i, err)
		}
		out.rules = append(out.rules, celRule{src: expr, level: r.Level, prog: prog})
	}
	return out, nil
}

func (c *celClassifier) Levels() int { return c.levels }

func (c *celClassifier) Classify(ev event.Event) (int, error) {
	vars := map[string]any{
		"fields":      celMap(ev.Fields),
		"attachments": ev.AttachmentKeys(),
		"has_time":    false,
		"time_ms":     int64(0),
	}
	if ts, ok := ev.Time(); ok {
		vars["has_time"] = true
		vars["time_ms"] = ts.UnixMilli()
	}
	for _, r := range c.rules {
		out, _, err := r.prog.Eval(vars)
		if err != nil {
			continue
		}
		if b, ok := out.Value().(bool); ok && b {
			return r.level, nil
		}
	}
	return c.levels - 1, nil
}

// celMap converts decoded JSON into types the CEL runtime adapts natively.
func celMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = celValue(v)
	}
	return out
}

func celValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		return celMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = celValue(t[i])
		}
		return out
	default:
		return v
	}
}
