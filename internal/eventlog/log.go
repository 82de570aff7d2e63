package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/flobuf/internal/storage/pebble"
)

// AppendRecord represents a single appendable event with optional
// attachment values stored next to it.
type AppendRecord struct {
	Header      []byte
	Payload     []byte
	Attachments map[string][]byte
}

// Log provides append-only operations for a namespace/topic/partition.
// Sequences start at 0 and are dense; [base, next) are retained.
type Log struct {
	db        *pebblestore.DB
	namespace string
	topic     string
	part      uint32

	// mu serializes writers (append, trim). It is held across commits.
	mu sync.Mutex

	// state guards the published bounds read by readers.
	state  sync.RWMutex
	base   uint64
	next   uint64
	notify *Notifier
	hook   TrimHook
}

// Option configures a Log.
type Option func(*Log)

// WithNotifier shares n between logs so one waiter observes appends to any
// of them.
func WithNotifier(n *Notifier) Option { return func(l *Log) { l.notify = n } }

// WithTrimHook registers h to observe trimmed ranges.
func WithTrimHook(h TrimHook) Option { return func(l *Log) { l.hook = h } }

// OpenLog initializes a Log and loads its bounds from metadata (if any).
func OpenLog(db *pebblestore.DB, namespace, topic string, partition uint32, opts ...Option) (*Log, error) {
	l := &Log{db: db, namespace: namespace, topic: topic, part: partition, hook: noopTrimHook{}}
	for _, o := range opts {
		o(l)
	}
	if l.notify == nil {
		l.notify = NewNotifier()
	}
	meta, err := db.Get(KeyLogMeta(namespace, topic, partition))
	switch {
	case err == nil:
		if len(meta) < 16 {
			return nil, fmt.Errorf("eventlog: %s/%s/%d: short meta: %w", namespace, topic, partition, ErrCorrupt)
		}
		l.next = binary.BigEndian.Uint64(meta[:8])
		l.base = binary.BigEndian.Uint64(meta[8:16])
	case errors.Is(err, pebblestore.ErrNotFound):
	default:
		return nil, err
	}
	return l, nil
}

// Partition returns the partition number of the log.
func (l *Log) Partition() uint32 { return l.part }

// Bounds returns the published retained range [base, next).
func (l *Log) Bounds() (base, next uint64) {
	l.state.RLock()
	defer l.state.RUnlock()
	return l.base, l.next
}

// Lock acquires the writer lock. Callers that stage appends for several logs
// into one batch lock them in a fixed order.
func (l *Log) Lock() { l.mu.Lock() }

// Unlock releases the writer lock.
func (l *Log) Unlock() { l.mu.Unlock() }

// StageLocked writes recs into b starting at the current next sequence and
// returns the first assigned sequence. Nothing is visible to readers until
// the batch commits and PublishLocked is called. The caller holds Lock.
func (l *Log) StageLocked(b *pebble.Batch, recs []AppendRecord) (uint64, error) {
	first := l.next
	for i, r := range recs {
		seq := first + uint64(i)
		if err := b.Set(KeyLogEntry(l.namespace, l.topic, l.part, seq), EncodeRecord(r.Header, r.Payload), nil); err != nil {
			return 0, err
		}
		for key, val := range r.Attachments {
			if err := b.Set(KeyEntryAttachment(l.namespace, l.topic, l.part, seq, key), val, nil); err != nil {
				return 0, err
			}
		}
	}
	if err := b.Set(KeyLogMeta(l.namespace, l.topic, l.part), encodeMeta(first+uint64(len(recs)), l.base), nil); err != nil {
		return 0, err
	}
	return first, nil
}

// PublishLocked makes n staged records visible after their batch committed
// and wakes waiters. The caller holds Lock.
func (l *Log) PublishLocked(n int) {
	if n <= 0 {
		return
	}
	l.state.Lock()
	l.next += uint64(n)
	l.state.Unlock()
	l.notify.Broadcast()
}

// Append appends the provided records as a single atomic batch. Returns the
// first assigned sequence.
func (l *Log) Append(ctx context.Context, recs []AppendRecord) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(recs) == 0 {
		return l.next, nil
	}

	b := l.db.NewBatch()
	defer b.Close()

	first, err := l.StageLocked(b, recs)
	if err != nil {
		return 0, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	l.PublishLocked(len(recs))
	return first, nil
}

func encodeMeta(next, base uint64) []byte {
	var meta [16]byte
	binary.BigEndian.PutUint64(meta[:8], next)
	binary.BigEndian.PutUint64(meta[8:], base)
	return meta[:]
}

// ErrNotFound is returned for sequences outside the retained range.
var ErrNotFound = errors.New("eventlog: event not found")
