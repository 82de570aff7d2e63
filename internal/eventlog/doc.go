// Package eventlog implements the append-only log used by the Pebble buffer
// engine, and the record codec shared with the file engine.
//
// # Overview
//
// The log is partitioned by namespace/topic/partition and persisted in Pebble.
// Keys are lexicographically ordered for efficient range scans:
//   - ns/{ns}/log/{topic}/{part_be4}/m                 (partition metadata: next, base)
//   - ns/{ns}/log/{topic}/{part_be4}/e/{seq_be8}       (entries)
//   - ns/{ns}/log/{topic}/{part_be4}/a/{seq_be8}/{key} (attachment values)
//   - ns/{ns}/cursor/{topic}/{group}/{part_be4}        (durable group cursors)
//   - ns/{ns}/consumer/{group}                         (group registry)
//
// Records are stored as: uvarint headerLen | header | payload | crc32c(header|payload).
//
// API surface (internal)
//
//	l, _ := OpenLog(db, ns, topic, part)
//	// Append a batch atomically; returns the first assigned sequence
//	first, _ := l.Append(ctx, []AppendRecord{{Header: h, Payload: p}})
//
//	// Several logs can share one batch:
//	//   l.Lock(); first, _ := l.StageLocked(b, recs); db.CommitBatch(ctx, b); l.PublishLocked(len(recs)); l.Unlock()
//
//	// Read forward from a sequence with count and byte limits
//	items, _ := l.Read(ReadOptions{Start: first, Limit: 100, MaxBytes: 1 << 20})
//
//	// Blocking wait/notify
//	woke := l.WaitForAppend(ctx, 200*time.Millisecond)
//
//	// Retention: drop everything below a sequence
//	res, _ := l.TrimBefore(ctx, seq)
//
// Readers never see staged records before PublishLocked; writers hold the
// log lock across the commit, readers do not.
package eventlog
