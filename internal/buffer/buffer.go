package buffer

import (
	"context"
	"regexp"
	"time"

	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/event"
)

// Producer is the side of a buffer used by input plugins.
type Producer interface {
	// Produce records every event (and attachment copies when
	// copyAttachments is set) durably, or none of them. A nil error means
	// the whole batch is committed.
	Produce(ctx context.Context, producerID string, events []event.Event, copyAttachments bool) error
}

// Consumer is the side of a buffer used by output plugins.
type Consumer interface {
	// Consume returns up to maxCount events (and about maxBytes of encoded
	// data; <= 0 means unbounded) from consumerID's cursor without moving it.
	Consume(ctx context.Context, consumerID string, maxCount, maxBytes int) ([]Delivery, error)
	// Ack moves consumerID's cursor forward to the given next-unread
	// positions. Positions at or below the stored cursor are no-ops. It
	// reports whether any cursor moved.
	Ack(ctx context.Context, consumerID string, positions ...Position) (bool, error)
	RegisterConsumer(ctx context.Context, consumerID string) error
	DeregisterConsumer(ctx context.Context, consumerID string) error
}

// Buffer is the full engine contract.
type Buffer interface {
	Producer
	Consumer
	// GarbageCollect drops events and attachments below every registered
	// consumer's cursor.
	GarbageCollect(ctx context.Context) (GCStats, error)
	// WaitForProduce blocks until a Produce commits, ctx ends or timeout
	// elapses. It reports whether it was woken by a Produce.
	WaitForProduce(ctx context.Context, timeout time.Duration) bool
	Stats() Stats
	Levels() int
	Close() error
}

// Delivery is one event handed to a consumer.
type Delivery struct {
	Event    event.Event
	Position Position
	Producer string
	// Size is the encoded size counted against maxBytes.
	Size int
}

// Next is the position to acknowledge once the event is processed.
func (d Delivery) Next() Position { return d.Position.Next() }

// GCStats summarizes one GarbageCollect pass.
type GCStats struct {
	Events       int
	Attachments  int
	Compacted    int
	ReclaimedRaw int64
}

// Stats is a point-in-time view of a buffer.
type Stats struct {
	Partitions []PartitionStats
	Consumers  map[string][]uint64
}

// PartitionStats describes one level: [Base, Next) are the retained offsets.
type PartitionStats struct {
	Level     int
	Base      uint64
	Next      uint64
	Watermark uint64
}

var consumerIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateConsumerID rejects ids that cannot name a cursor file.
func ValidateConsumerID(op, id string) error {
	if !consumerIDPattern.MatchString(id) {
		return errs.Errorf(errs.KindConsumer, op, "invalid consumer id %q", id)
	}
	return nil
}
