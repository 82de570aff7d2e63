package filebuf

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/rzbill/flobuf/internal/event"
	"github.com/rzbill/flobuf/pkg/id"
)

type blobRef struct {
	offset uint64
	name   string
	size   int64
}

// frameInfo indexes one committed frame of a partition file.
type frameInfo struct {
	first uint64
	count uint32
	pos   int64
	size  int64 // including the length prefix
	multi bool
	batch id.ID
	blobs []blobRef
}

func (f frameInfo) end() uint64 { return f.first + uint64(f.count) }

// partition is one priority level's file. writeMu serializes appends and
// compaction; stateMu guards the published index read by Consume.
type partition struct {
	level int
	path  string

	writeMu sync.Mutex

	stateMu   sync.RWMutex
	f         *os.File
	base      uint64 // first offset stored in the file
	next      uint64 // next offset to assign
	collected uint64 // offsets below were garbage collected
	size      int64
	frames    []frameInfo
}

func partitionPath(dir string, level int) string {
	return filepath.Join(dir, fmt.Sprintf("p%03d.log", level))
}

// scanResult reports what recovery dropped from a partition file.
type scanResult struct {
	truncatedAt int64
	cause       error
}

// openPartition opens or creates the file for level and indexes every valid
// frame. An invalid tail is truncated and reported in the scanResult.
func openPartition(dir string, level int, collected uint64, fsync bool) (*partition, *scanResult, error) {
	p := &partition{level: level, path: partitionPath(dir, level)}
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open partition %d", level)
	}
	p.f = f
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "stat partition %d", level)
	}
	if st.Size() == 0 {
		if err := p.resetLocked(collected, fsync); err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		p.collected = collected
		return p, nil, nil
	}

	res, err := p.scan(st.Size())
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if res != nil {
		if res.truncatedAt < fileHeaderSize {
			// Unreadable header: nothing in the file can be trusted.
			err = p.resetLocked(collected, fsync)
		} else {
			err = p.truncateLocked(res.truncatedAt, fsync)
		}
		if err != nil {
			_ = f.Close()
			return nil, nil, err
		}
	}
	p.collected = collected
	if p.collected < p.base {
		p.collected = p.base
	}
	if p.collected > p.next {
		p.collected = p.next
	}
	return p, res, nil
}

// resetLocked rewrites the file as empty with the given base.
func (p *partition) resetLocked(base uint64, fsync bool) error {
	if err := p.f.Truncate(0); err != nil {
		return errors.Wrapf(err, "reset partition %d", p.level)
	}
	if _, err := p.f.WriteAt(encodeFileHeader(base), 0); err != nil {
		return errors.Wrapf(err, "write partition %d header", p.level)
	}
	if fsync {
		if err := p.f.Sync(); err != nil {
			return errors.Wrapf(err, "sync partition %d", p.level)
		}
	}
	p.base, p.next, p.size, p.frames = base, base, fileHeaderSize, nil
	return nil
}

func (p *partition) scan(fileSize int64) (*scanResult, error) {
	hdr := make([]byte, fileHeaderSize)
	if _, err := p.f.ReadAt(hdr, 0); err != nil {
		return &scanResult{truncatedAt: 0, cause: err}, nil
	}
	base, err := decodeFileHeader(hdr)
	if err != nil {
		return &scanResult{truncatedAt: 0, cause: err}, nil
	}
	p.base, p.next, p.size = base, base, fileHeaderSize

	pos := int64(fileHeaderSize)
	var lenBuf [frameLenSize]byte
	for pos < fileSize {
		if fileSize-pos < frameLenSize {
			return &scanResult{truncatedAt: pos, cause: io.ErrUnexpectedEOF}, nil
		}
		if _, err := p.f.ReadAt(lenBuf[:], pos); err != nil {
			return nil, errors.Wrapf(err, "read partition %d", p.level)
		}
		n := int64(binary.BigEndian.Uint32(lenBuf[:]))
		if n == 0 || n > maxFrameSize || pos+frameLenSize+n > fileSize {
			return &scanResult{truncatedAt: pos, cause: io.ErrUnexpectedEOF}, nil
		}
		rec := make([]byte, n)
		if _, err := p.f.ReadAt(rec, pos+frameLenSize); err != nil {
			return nil, errors.Wrapf(err, "read partition %d", p.level)
		}
		h, events, err := decodeFrame(rec)
		if err != nil {
			return &scanResult{truncatedAt: pos, cause: err}, nil
		}
		if h.first != p.next {
			return &scanResult{truncatedAt: pos, cause: fmt.Errorf("frame starts at %d, expected %d", h.first, p.next)}, nil
		}
		fi := frameInfo{first: h.first, count: h.count, pos: pos, size: frameLenSize + n, multi: h.multi, batch: h.batch}
		for i, raw := range events {
			ev, err := event.Decode(raw)
			if err != nil {
				return &scanResult{truncatedAt: pos, cause: err}, nil
			}
			fi.blobs = appendBlobRefs(fi.blobs, h.first+uint64(i), ev)
		}
		p.frames = append(p.frames, fi)
		p.next = fi.end()
		pos += fi.size
		p.size = pos
	}
	return nil, nil
}

func appendBlobRefs(dst []blobRef, offset uint64, ev event.Event) []blobRef {
	for _, key := range ev.AttachmentKeys() {
		a := ev.Attachments[key]
		if a.Owned() {
			dst = append(dst, blobRef{offset: offset, name: a.Blob, size: a.Size})
		}
	}
	return dst
}

// truncateLocked cuts the file at size and drops indexed frames past it.
func (p *partition) truncateLocked(size int64, fsync bool) error {
	if err := p.f.Truncate(size); err != nil {
		return errors.Wrapf(err, "truncate partition %d", p.level)
	}
	if fsync {
		if err := p.f.Sync(); err != nil {
			return errors.Wrapf(err, "sync partition %d", p.level)
		}
	}
	i := sort.Search(len(p.frames), func(i int) bool { return p.frames[i].pos >= size })
	p.frames = p.frames[:i]
	p.size = size
	p.next = p.base
	if i > 0 {
		p.next = p.frames[i-1].end()
	}
	return nil
}

// dropTail removes the last frame. Used when recovery finds an
// uncommitted multi-partition batch.
func (p *partition) dropTail(fsync bool) error {
	if len(p.frames) == 0 {
		return nil
	}
	return p.truncateLocked(p.frames[len(p.frames)-1].pos, fsync)
}

func (p *partition) tail() (frameInfo, bool) {
	if len(p.frames) == 0 {
		return frameInfo{}, false
	}
	return p.frames[len(p.frames)-1], true
}

// write appends frame bytes at the current end. The caller holds writeMu;
// nothing is published.
func (p *partition) write(frame []byte) error {
	if _, err := p.f.WriteAt(frame, p.size); err != nil {
		return errors.Wrapf(err, "write partition %d", p.level)
	}
	return nil
}

// rollback discards bytes written past the published size.
func (p *partition) rollback() error {
	if err := p.f.Truncate(p.size); err != nil {
		return errors.Wrapf(err, "rollback partition %d", p.level)
	}
	return nil
}

// publish makes fi visible to readers. The caller holds writeMu.
func (p *partition) publish(fi frameInfo) {
	p.stateMu.Lock()
	p.frames = append(p.frames, fi)
	p.next = fi.end()
	p.size = fi.pos + fi.size
	p.stateMu.Unlock()
}

// bounds returns collected and next under the read lock.
func (p *partition) bounds() (collected, next uint64) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.collected, p.next
}

// storedEvent is one decoded event with its offset and encoded size.
type storedEvent struct {
	offset   uint64
	producer string
	raw      []byte
}

// read returns events from offset from onward, stopping once stop reports
// true for the next candidate. Readers hold the state lock across ReadAt so
// compaction cannot swap the file underneath them.
func (p *partition) read(from uint64, stop func(size int) bool) ([]storedEvent, error) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()

	if from < p.base {
		from = p.base
	}
	i := sort.Search(len(p.frames), func(i int) bool { return p.frames[i].end() > from })
	var out []storedEvent
	for ; i < len(p.frames); i++ {
		fi := p.frames[i]
		rec := make([]byte, fi.size-frameLenSize)
		if _, err := p.f.ReadAt(rec, fi.pos+frameLenSize); err != nil {
			return out, errors.Wrapf(err, "read partition %d", p.level)
		}
		h, events, err := decodeFrame(rec)
		if err != nil {
			return out, errors.Wrapf(err, "partition %d frame at %d", p.level, fi.pos)
		}
		for j, raw := range events {
			off := fi.first + uint64(j)
			if off < from {
				continue
			}
			if stop(len(raw)) {
				return out, nil
			}
			out = append(out, storedEvent{offset: off, producer: h.producer, raw: raw})
		}
	}
	return out, nil
}
