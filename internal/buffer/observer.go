package buffer

import (
	"time"

	"github.com/rzbill/flobuf/internal/errs"
)

// Observer receives buffer activity for metrics. Implementations must be
// cheap and safe for concurrent use.
type Observer interface {
	ObserveProduce(level int, events int, bytes int, elapsed time.Duration)
	ObserveConsume(consumer string, events int)
	ObserveAck(consumer string, moved bool)
	ObserveGC(level int, events int, attachments int)
	ObserveAnomaly(kind errs.Kind)
}

// NoopObserver is used when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) ObserveProduce(int, int, int, time.Duration) {}
func (NoopObserver) ObserveConsume(string, int)                  {}
func (NoopObserver) ObserveAck(string, bool)                     {}
func (NoopObserver) ObserveGC(int, int, int)                     {}
func (NoopObserver) ObserveAnomaly(errs.Kind)                    {}
