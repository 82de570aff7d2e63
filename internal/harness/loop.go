package harness

import (
	"context"
	"time"
)

// Waiter wakes a polling loop early, e.g. a buffer's WaitForProduce.
type Waiter interface {
	WaitForProduce(ctx context.Context, timeout time.Duration) bool
}

// Step runs one polling cycle. more reports that work is pending and the
// next cycle should start without waiting.
type Step func(ctx context.Context) (more bool, err error)

// Loop calls step until ctx ends, waiting interval between idle cycles.
// It returns nil on cancellation and the first step error otherwise.
func Loop(ctx context.Context, interval time.Duration, step Step) error {
	return LoopWithWaiter(ctx, nil, interval, step)
}

// LoopWithWaiter is Loop that also wakes when w reports new data.
func LoopWithWaiter(ctx context.Context, w Waiter, interval time.Duration, step Step) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		more, err := step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if more {
			continue
		}
		if w != nil {
			w.WaitForProduce(ctx, interval)
			continue
		}
		if !sleep(ctx, interval) {
			return nil
		}
	}
}
