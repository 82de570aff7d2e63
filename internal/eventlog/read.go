package eventlog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/flobuf/internal/storage/pebble"
)

// ReadOptions bounds a forward scan.
type ReadOptions struct {
	// Start is the first sequence to return; values below base start at base.
	Start uint64
	// Limit caps the number of items; 0 means no limit.
	Limit int
	// MaxBytes caps the summed encoded size; 0 means no limit. The first
	// item is returned even when it alone exceeds MaxBytes.
	MaxBytes int
}

// Item is one decoded entry. Header and Payload are owned by the caller.
type Item struct {
	Seq     uint64
	Header  []byte
	Payload []byte
	Size    int
}

// Read returns entries from opts.Start up to the published end. A record
// that fails validation returns ErrCorrupt together with the items read so
// far.
func (l *Log) Read(opts ReadOptions) ([]Item, error) {
	base, next := l.Bounds()
	start := opts.Start
	if start < base {
		start = base
	}
	if start >= next {
		return nil, nil
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: KeyLogEntry(l.namespace, l.topic, l.part, start),
		UpperBound: KeyLogEntry(l.namespace, l.topic, l.part, next),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	items := make([]Item, 0, 16)
	bytes := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		if opts.Limit > 0 && len(items) >= opts.Limit {
			break
		}
		key := iter.Key()
		seq := binary.BigEndian.Uint64(key[len(key)-8:])
		val := iter.Value()
		if opts.MaxBytes > 0 && len(items) > 0 && bytes+len(val) > opts.MaxBytes {
			break
		}
		dec, err := DecodeRecord(val)
		if err != nil {
			return items, fmt.Errorf("eventlog: %s/%s/%d seq %d: %w", l.namespace, l.topic, l.part, seq, err)
		}
		items = append(items, Item{
			Seq:     seq,
			Header:  append([]byte(nil), dec.Header...),
			Payload: append([]byte(nil), dec.Payload...),
			Size:    len(val),
		})
		bytes += len(val)
	}
	return items, iter.Error()
}

// ReadAttachment returns the attachment value stored with entry seq.
func (l *Log) ReadAttachment(seq uint64, key string) ([]byte, error) {
	base, next := l.Bounds()
	if seq < base || seq >= next {
		return nil, ErrNotFound
	}
	v, err := l.db.Get(KeyEntryAttachment(l.namespace, l.topic, l.part, seq, key))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}
