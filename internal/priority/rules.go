package priority

import (
	"fmt"
	"time"

	"github.com/rzbill/flobuf/internal/event"
)

// Rule routes events matching Match to Level.
type Rule struct {
	Name  string
	Level int
	Match func(event.Event) bool
}

// Flag matches events whose field is truthy.
func Flag(field string, level int) Rule {
	return Rule{
		Name:  "flag:" + field,
		Level: level,
		Match: func(ev event.Event) bool { return ev.Flag(field) },
	}
}

// Before matches events whose timestamp field is strictly before cutoff.
// Events without a parseable timestamp never match.
func Before(field string, cutoff time.Time, level int) Rule {
	return Rule{
		Name:  "before:" + field,
		Level: level,
		Match: func(ev event.Event) bool {
			ts, ok := ev.TimeOf(field)
			return ok && ts.Before(cutoff)
		},
	}
}

// Match wraps an arbitrary predicate.
func Match(name string, fn func(event.Event) bool, level int) Rule {
	return Rule{Name: name, Level: level, Match: fn}
}

type rules struct {
	levels int
	rules  []Rule
}

// Rules evaluates rules in order; the first match wins and unmatched events
// go to the lowest level (levels-1).
func Rules(levels int, rs ...Rule) (Classifier, error) {
	if levels <= 0 {
		return nil, fmt.Errorf("priority: levels must be positive, got %d", levels)
	}
	for _, r := range rs {
		if r.Match == nil {
			return nil, fmt.Errorf("priority: rule %q has no predicate", r.Name)
		}
		if r.Level < 0 || r.Level >= levels {
			return nil, fmt.Errorf("priority: rule %q level %d outside [0,%d)", r.Name, r.Level, levels)
		}
	}
	return &rules{levels: levels, rules: append([]Rule(nil), rs...)}, nil
}

func (r *rules) Levels() int { return r.levels }

func (r *rules) Classify(ev event.Event) (int, error) {
	for _, rule := range r.rules {
		if rule.Match(ev) {
			return rule.Level, nil
		}
	}
	return r.levels - 1, nil
}

// ReportProcessCutoff is the four-level policy used by the forwarding
// agents: report -> 0, process -> 1, events older than cutoff -> 2,
// everything else -> 3.
func ReportProcessCutoff(cutoff time.Time) Classifier {
	c, _ := Rules(4,
		Flag("report", 0),
		Flag("process", 1),
		Before(event.TimeField, cutoff, 2),
	)
	return c
}
