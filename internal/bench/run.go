package bench

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/event"
)

// Mode selects what Run times.
type Mode string

const (
	// Cold times open, produce, consume and ack on a fresh buffer.
	Cold Mode = "cold"
	// PreEmit produces before timing and times consume and ack only.
	PreEmit Mode = "pre-emit"
)

// ParseMode parses "cold" or "pre-emit".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Cold, PreEmit:
		return Mode(s), nil
	}
	return "", fmt.Errorf("bench: unknown mode %q", s)
}

// Factory opens a fresh buffer. Run closes it.
type Factory func() (buffer.Buffer, error)

// Options configures one Run.
type Options struct {
	Mode   Mode
	Events []event.Event
	// ProduceBatch is the number of events per Produce (default: 100).
	ProduceBatch int
	// ConsumeCount and ConsumeBytes bound each Consume (default: 500, 0).
	ConsumeCount    int
	ConsumeBytes    int
	CopyAttachments bool
}

// Result summarizes a Run.
type Result struct {
	Mode         Mode
	Events       int
	Bytes        int64
	Duration     time.Duration
	EventsPerSec float64
	// AllocBytes is the heap allocated during the timed section.
	AllocBytes uint64
}

func (r Result) String() string {
	return fmt.Sprintf("%s: %d events, %d bytes in %s (%.0f events/s, %d alloc bytes)",
		r.Mode, r.Events, r.Bytes, r.Duration, r.EventsPerSec, r.AllocBytes)
}

const (
	producerID = "bench"
	consumerID = "bench"
)

// Run replays opts.Events through a buffer from open using only Produce,
// Consume and Ack.
func Run(ctx context.Context, open Factory, opts Options) (Result, error) {
	if opts.Mode == "" {
		opts.Mode = Cold
	}
	if opts.ProduceBatch <= 0 {
		opts.ProduceBatch = 100
	}
	if opts.ConsumeCount <= 0 {
		opts.ConsumeCount = 500
	}
	res := Result{Mode: opts.Mode, Events: len(opts.Events)}

	var b buffer.Buffer
	var err error
	if opts.Mode == PreEmit {
		if b, err = prepare(ctx, open, opts); err != nil {
			return res, err
		}
		defer b.Close()
	}

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()
	if opts.Mode == Cold {
		if b, err = prepare(ctx, open, opts); err != nil {
			return res, err
		}
		defer b.Close()
	}
	res.Bytes, err = drain(ctx, b, opts)
	res.Duration = time.Since(start)
	runtime.ReadMemStats(&after)
	if err != nil {
		return res, err
	}
	res.AllocBytes = after.TotalAlloc - before.TotalAlloc
	if s := res.Duration.Seconds(); s > 0 {
		res.EventsPerSec = float64(res.Events) / s
	}
	return res, nil
}

// prepare opens a buffer, registers the bench consumer and produces every
// event.
func prepare(ctx context.Context, open Factory, opts Options) (buffer.Buffer, error) {
	b, err := open()
	if err != nil {
		return nil, err
	}
	if err := b.RegisterConsumer(ctx, consumerID); err != nil {
		b.Close()
		return nil, err
	}
	for i := 0; i < len(opts.Events); i += opts.ProduceBatch {
		end := i + opts.ProduceBatch
		if end > len(opts.Events) {
			end = len(opts.Events)
		}
		if err := b.Produce(ctx, producerID, opts.Events[i:end], opts.CopyAttachments); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

// drain consumes and acknowledges every event and returns the encoded bytes
// delivered.
func drain(ctx context.Context, b buffer.Buffer, opts Options) (int64, error) {
	var bytes int64
	seen := 0
	for seen < len(opts.Events) {
		ds, err := b.Consume(ctx, consumerID, opts.ConsumeCount, opts.ConsumeBytes)
		if err != nil {
			return bytes, err
		}
		if len(ds) == 0 {
			return bytes, fmt.Errorf("bench: buffer returned %d of %d events", seen, len(opts.Events))
		}
		for _, d := range ds {
			bytes += int64(d.Size)
		}
		if _, err := b.Ack(ctx, consumerID, buffer.AckPositions(ds)...); err != nil {
			return bytes, err
		}
		seen += len(ds)
	}
	return bytes, nil
}
