package eventlog

import (
	"context"

	"github.com/cockroachdb/pebble"
)

// TrimHook observes trimmed ranges. Ranges are inclusive.
type TrimHook interface {
	OnTrim(namespace, topic string, partition uint32, minSeq, maxSeq uint64, res TrimResult)
}

type noopTrimHook struct{}

func (noopTrimHook) OnTrim(string, string, uint32, uint64, uint64, TrimResult) {}

// TrimResult summarizes one TrimBefore call.
type TrimResult struct {
	Entries     int
	Attachments int
	Bytes       int64
}

// TrimBefore deletes every entry with sequence < seq together with its
// attachments, and raises base. seq is clamped to the published end.
// Entries and attachments are dropped with range deletions in one batch.
func (l *Log) TrimBefore(ctx context.Context, seq uint64) (TrimResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	base, next := l.Bounds()
	if seq > next {
		seq = next
	}
	if seq <= base {
		return TrimResult{}, nil
	}

	res := TrimResult{Entries: int(seq - base)}
	entryLo := KeyLogEntry(l.namespace, l.topic, l.part, base)
	entryHi := KeyLogEntry(l.namespace, l.topic, l.part, seq)
	attLo := keyAttachmentSeq(l.namespace, l.topic, l.part, base, 0)
	attHi := keyAttachmentSeq(l.namespace, l.topic, l.part, seq, 0)

	if _, err := l.sumRange(entryLo, entryHi, &res.Bytes); err != nil {
		return TrimResult{}, err
	}
	var err error
	if res.Attachments, err = l.sumRange(attLo, attHi, &res.Bytes); err != nil {
		return TrimResult{}, err
	}

	b := l.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(entryLo, entryHi, nil); err != nil {
		return TrimResult{}, err
	}
	if err := b.DeleteRange(attLo, attHi, nil); err != nil {
		return TrimResult{}, err
	}
	if err := b.Set(KeyLogMeta(l.namespace, l.topic, l.part), encodeMeta(next, seq), nil); err != nil {
		return TrimResult{}, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return TrimResult{}, err
	}

	l.state.Lock()
	l.base = seq
	l.state.Unlock()
	l.hook.OnTrim(l.namespace, l.topic, l.part, base, seq-1, res)
	return res, nil
}

// sumRange counts keys in [lo, hi) and adds their value sizes to bytes.
func (l *Log) sumRange(lo, hi []byte, bytes *int64) (int, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
		*bytes += int64(len(iter.Value()))
	}
	return n, iter.Error()
}

// Compact asks Pebble to compact the partition's entry and attachment keys
// so range tombstones left by TrimBefore reclaim disk space.
func (l *Log) Compact() error {
	lo := partitionPrefix(l.namespace, l.topic, l.part, 0)
	return l.db.CompactRange(lo, PrefixEnd(lo))
}
