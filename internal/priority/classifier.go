package priority

import (
	"fmt"

	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/event"
)

// Classifier maps an event to a priority level.
type Classifier interface {
	// Levels is the fixed number of levels N.
	Levels() int
	// Classify returns a level in [0, N).
	Classify(ev event.Event) (int, error)
}

// Check runs c and rejects out-of-range results as producer errors.
func Check(c Classifier, ev event.Event) (int, error) {
	lvl, err := c.Classify(ev)
	if err != nil {
		return 0, errs.E(errs.KindProducer, "classify", err)
	}
	if lvl < 0 || lvl >= c.Levels() {
		return 0, errs.Errorf(errs.KindProducer, "classify", "level %d outside [0,%d)", lvl, c.Levels())
	}
	return lvl, nil
}

type single struct{}

// Single puts every event in level 0 of a one-level buffer.
func Single() Classifier { return single{} }

func (single) Levels() int                        { return 1 }
func (single) Classify(event.Event) (int, error) { return 0, nil }

type funcClassifier struct {
	levels int
	fn     func(event.Event) int
}

// Func adapts fn to a Classifier with the given number of levels.
func Func(levels int, fn func(event.Event) int) (Classifier, error) {
	if levels <= 0 {
		return nil, fmt.Errorf("priority: levels must be positive, got %d", levels)
	}
	return funcClassifier{levels: levels, fn: fn}, nil
}

func (f funcClassifier) Levels() int { return f.levels }

func (f funcClassifier) Classify(ev event.Event) (int, error) { return f.fn(ev), nil }
