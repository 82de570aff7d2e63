package filebuf

import (
	"context"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/errs"
	logpkg "github.com/rzbill/flobuf/pkg/log"
)

// GarbageCollect raises each level's collected offset to its watermark,
// deletes attachment blobs below it, and compacts partitions whose dead
// prefix is large enough. With no registered consumers nothing is
// collected.
func (b *Buffer) GarbageCollect(ctx context.Context) (buffer.GCStats, error) {
	const op = "filebuf.gc"
	var st buffer.GCStats
	if err := b.checkOpen(op); err != nil {
		return st, err
	}

	b.mu.Lock()
	if len(b.consumers) == 0 {
		b.mu.Unlock()
		return st, nil
	}
	cursors := b.cursorsLocked()
	old := make([]uint64, b.levels)
	for lvl, p := range b.parts {
		old[lvl], _ = p.bounds()
	}
	wm := buffer.Watermarks(old, cursors)

	changed := false
	meta := b.meta
	meta.Collected = append([]uint64(nil), b.meta.Collected...)
	for lvl := range wm {
		if wm[lvl] > meta.Collected[lvl] {
			meta.Collected[lvl] = wm[lvl]
			changed = true
		}
	}
	if !changed {
		b.mu.Unlock()
		return b.compactAll(ctx, st)
	}
	// Persist the new boundary before deleting anything: blobs left behind
	// by a crash are swept as orphans on the next open.
	if err := writeMeta(b.dir, meta, b.fsync); err != nil {
		b.mu.Unlock()
		return st, errs.FromIO(op, err)
	}
	b.meta = meta

	var doomed []blobRef
	for lvl, p := range b.parts {
		if wm[lvl] <= old[lvl] {
			continue
		}
		p.stateMu.Lock()
		p.collected = wm[lvl]
		var n int
		for _, fi := range p.frames {
			if fi.first >= wm[lvl] {
				break
			}
			for _, r := range fi.blobs {
				if r.offset >= old[lvl] && r.offset < wm[lvl] {
					doomed = append(doomed, r)
					n++
				}
			}
		}
		p.stateMu.Unlock()
		events := int(wm[lvl] - old[lvl])
		st.Events += events
		b.obs.ObserveGC(lvl, events, n)
	}
	b.mu.Unlock()

	for _, r := range doomed {
		if err := b.blobs.remove(r.name); err != nil {
			return st, errs.FromIO(op, err)
		}
		st.Attachments++
		st.ReclaimedRaw += r.size
	}
	if len(doomed) > 0 {
		if err := b.blobs.syncDir(); err != nil {
			return st, errs.FromIO(op, err)
		}
	}
	b.logger.Debug("garbage collected", logpkg.Int("events", st.Events), logpkg.Int("attachments", st.Attachments))
	return b.compactAll(ctx, st)
}

func (b *Buffer) compactAll(ctx context.Context, st buffer.GCStats) (buffer.GCStats, error) {
	const op = "filebuf.compact"
	if b.opts.CompactMinBytes > 0 {
		for _, p := range b.parts {
			if err := ctx.Err(); err != nil {
				return st, err
			}
			reclaimed, err := p.compact(b.opts.CompactMinBytes, b.fsync)
			if err != nil {
				return st, errs.FromIO(op, err)
			}
			if reclaimed > 0 {
				st.Compacted++
				st.ReclaimedRaw += reclaimed
				b.logger.Info("compacted partition", logpkg.Int("level", p.level), logpkg.Int64("reclaimed", reclaimed))
			}
		}
	}
	return st, b.compactJournal()
}

// compactJournal rewrites commits.log down to the batches that still end a
// partition. Every partition write lock is held so no batch is in flight.
func (b *Buffer) compactJournal() error {
	b.journalMu.Lock()
	n := b.journal.count
	b.journalMu.Unlock()
	if n < defaultJournalCompactEntries {
		return nil
	}
	for _, p := range b.parts {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
	}
	b.journalMu.Lock()
	defer b.journalMu.Unlock()
	j, err := rewriteJournal(b.journal.path, b.tailBatches(), b.fsync)
	if err != nil {
		return errs.FromIO("filebuf.compact", err)
	}
	_ = b.journal.close()
	b.journal = j
	return nil
}
