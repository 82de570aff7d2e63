// Package buffer defines the contract between pipeline plugins and a durable
// event buffer.
//
// Inputs call Produce; outputs call Consume and Ack under their own consumer
// id. A buffer partitions events by priority level, delivers levels in
// ascending order and FIFO within a level, and keeps one persisted cursor
// (next unread offset per level) for every registered consumer.
//
//	if err := b.Produce(ctx, "agent", events, true); err != nil { ... }
//	ds, _ := b.Consume(ctx, "uploader", 100, 1<<20)
//	// ... deliver ds ...
//	_, _ = b.Ack(ctx, "uploader", buffer.AckPositions(ds)...)
//
// Engines live in subpackages: filebuf (append-only files, one per level)
// and pebblebuf (the Pebble-backed event log).
package buffer
