package eventlog

import (
	"encoding/binary"
	"errors"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/flobuf/internal/storage/pebble"
)

// StageCursor writes the next-unread sequence of a group into b. Callers
// enforce monotonicity; several partitions' cursors commit in one batch.
func (l *Log) StageCursor(b *pebble.Batch, group string, next uint64) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], next)
	return b.Set(KeyCursor(l.namespace, l.topic, group, l.part), v[:], nil)
}

// StageDeleteCursor removes a group's cursor in b.
func (l *Log) StageDeleteCursor(b *pebble.Batch, group string) error {
	return b.Delete(KeyCursor(l.namespace, l.topic, group, l.part), nil)
}

// GetCursor loads the next-unread sequence for a group. ok is false when
// the group has no stored cursor.
func (l *Log) GetCursor(group string) (next uint64, ok bool, err error) {
	cur, err := l.db.Get(KeyCursor(l.namespace, l.topic, group, l.part))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(cur) < 8 {
		return 0, false, ErrCorrupt
	}
	return binary.BigEndian.Uint64(cur[:8]), true, nil
}
