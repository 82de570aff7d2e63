package filebuf

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// compact rewrites the file without frames that lie entirely below
// collected, once they add up to at least minBytes. It returns the bytes
// reclaimed. Appends are blocked for the duration; readers only for the
// final swap.
func (p *partition) compact(minBytes int64, fsync bool) (int64, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.stateMu.RLock()
	dead := 0
	var deadBytes int64
	for dead < len(p.frames) && p.frames[dead].end() <= p.collected {
		deadBytes += p.frames[dead].size
		dead++
	}
	newBase := p.next
	liveFrom := p.size
	if dead < len(p.frames) {
		newBase = p.frames[dead].first
		liveFrom = p.frames[dead].pos
	}
	size := p.size
	p.stateMu.RUnlock()

	if dead == 0 || deadBytes < minBytes {
		return 0, nil
	}

	tmp := p.path + tmpSuffix
	nf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return 0, errors.Wrapf(err, "create compacted partition %d", p.level)
	}
	fail := func(err error) (int64, error) {
		_ = nf.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if _, err := nf.Write(encodeFileHeader(newBase)); err != nil {
		return fail(errors.Wrapf(err, "write compacted partition %d", p.level))
	}
	if _, err := io.Copy(nf, io.NewSectionReader(p.f, liveFrom, size-liveFrom)); err != nil {
		return fail(errors.Wrapf(err, "copy partition %d", p.level))
	}
	if fsync {
		if err := nf.Sync(); err != nil {
			return fail(errors.Wrapf(err, "sync compacted partition %d", p.level))
		}
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fail(errors.Wrapf(err, "swap partition %d", p.level))
	}
	if fsync {
		if err := syncDir(filepath.Dir(p.path)); err != nil {
			return 0, err
		}
	}

	delta := liveFrom - fileHeaderSize
	p.stateMu.Lock()
	old := p.f
	p.f = nf
	p.base = newBase
	live := make([]frameInfo, len(p.frames)-dead)
	copy(live, p.frames[dead:])
	for i := range live {
		live[i].pos -= delta
	}
	p.frames = live
	p.size -= delta
	p.stateMu.Unlock()
	_ = old.Close()
	return delta, nil
}
