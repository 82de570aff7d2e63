package filebuf

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/pkg/errors"

	"github.com/rzbill/flobuf/pkg/id"
)

// commits.log records batch ids of multi-partition Produce calls once every
// partition frame of the batch is durable. Entries are id(16) | crc32c(4).
const journalEntrySize = 16 + 4

var journalTable = crc32.MakeTable(crc32.Castagnoli)

type journal struct {
	path  string
	f     *os.File
	fsync bool
	count int
}

// readJournal loads committed ids. A torn trailing entry is ignored.
func readJournal(path string) (map[id.ID]struct{}, error) {
	ids := map[id.ID]struct{}{}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ids, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read commit journal")
	}
	for len(b) >= journalEntrySize {
		var bid id.ID
		copy(bid[:], b[:16])
		if crc32.Checksum(b[:16], journalTable) != binary.BigEndian.Uint32(b[16:20]) {
			break
		}
		ids[bid] = struct{}{}
		b = b[journalEntrySize:]
	}
	return ids, nil
}

func encodeJournalEntry(dst []byte, bid id.ID) []byte {
	dst = append(dst, bid[:]...)
	return binary.BigEndian.AppendUint32(dst, crc32.Checksum(bid[:], journalTable))
}

// rewriteJournal replaces the journal with exactly ids and opens it for
// appending.
func rewriteJournal(path string, ids []id.ID, fsync bool) (*journal, error) {
	buf := make([]byte, 0, len(ids)*journalEntrySize)
	for _, bid := range ids {
		buf = encodeJournalEntry(buf, bid)
	}
	if err := writeFileAtomic(path, buf, fsync); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open commit journal")
	}
	return &journal{path: path, f: f, fsync: fsync, count: len(ids)}, nil
}

// commit durably records bid.
func (j *journal) commit(bid id.ID) error {
	if _, err := j.f.Write(encodeJournalEntry(nil, bid)); err != nil {
		return errors.Wrap(err, "append commit journal")
	}
	if j.fsync {
		if err := j.f.Sync(); err != nil {
			return errors.Wrap(err, "sync commit journal")
		}
	}
	j.count++
	return nil
}

func (j *journal) close() error {
	if j == nil || j.f == nil {
		return nil
	}
	return j.f.Close()
}
