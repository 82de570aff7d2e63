package filebuf

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/eventlog"
	"github.com/rzbill/flobuf/pkg/id"
	logpkg "github.com/rzbill/flobuf/pkg/log"
)

// Open opens or creates the buffer in opts.Dir and recovers it:
// partitions are validated and invalid tails truncated, uncommitted
// multi-level batches rolled back, cursors loaded and clamped, and orphan
// blobs removed. Recovery anomalies are logged and counted, never fatal.
func Open(opts Options) (*Buffer, error) {
	const op = "filebuf.open"
	if opts.Dir == "" {
		return nil, errs.Errorf(errs.KindConfig, op, "Dir is required")
	}
	if opts.Classifier == nil {
		return nil, errs.Errorf(errs.KindConfig, op, "Classifier is required")
	}
	opts.setDefaults()

	b := &Buffer{
		opts:        opts,
		dir:         opts.Dir,
		consumerDir: consumerDir(opts.Dir),
		classifier:  opts.Classifier,
		levels:      opts.Classifier.Levels(),
		fsync:       !opts.NoSync,
		logger:      opts.Logger.WithComponent("filebuf").With(logpkg.Str("dir", opts.Dir)),
		obs:         opts.Observer,
		batches:     id.NewGeneratorWithClock(opts.clock),
		notify:      eventlog.NewNotifier(),
		consumers:   map[string]*consumer{},
	}
	if b.levels <= 0 {
		return nil, errs.Errorf(errs.KindConfig, op, "classifier has %d levels", b.levels)
	}
	blobDir := filepath.Join(b.dir, "blobs")
	partDir := filepath.Join(b.dir, "partitions")
	for _, d := range []string{b.dir, partDir, blobDir, b.consumerDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, errs.FromIO(op, errors.Wrapf(err, "create %s", d))
		}
	}
	b.blobs = &blobStore{dir: blobDir, gen: id.NewGeneratorWithClock(opts.clock), fsync: b.fsync}

	lock, err := lockDir(filepath.Join(b.dir, "LOCK"))
	if err != nil {
		return nil, errs.FromIO(op, err)
	}
	b.lock = lock
	if err := b.recover(partDir); err != nil {
		b.closeFiles()
		return nil, err
	}
	b.logger.Info("buffer opened", logpkg.Int("levels", b.levels), logpkg.Int("consumers", len(b.consumers)))
	return b, nil
}

func (b *Buffer) recover(partDir string) error {
	const op = "filebuf.open"
	meta, err := loadOrInitMeta(b.dir, b.levels, b.fsync)
	if err != nil {
		return errs.FromIO(op, err)
	}
	b.meta = meta

	for lvl := 0; lvl < b.levels; lvl++ {
		p, res, err := openPartition(partDir, lvl, meta.Collected[lvl], b.fsync)
		if err != nil {
			return errs.FromIO(op, err)
		}
		b.parts = append(b.parts, p)
		if res != nil {
			b.anomaly("truncated invalid partition tail",
				logpkg.Int("level", lvl), logpkg.Int64("at", res.truncatedAt), logpkg.Err(res.cause))
		}
	}

	journalPath := filepath.Join(b.dir, "commits.log")
	committed, err := readJournal(journalPath)
	if err != nil {
		return errs.FromIO(op, err)
	}
	for _, p := range b.parts {
		t, ok := p.tail()
		if !ok || !t.multi {
			continue
		}
		if _, ok := committed[t.batch]; ok {
			continue
		}
		if err := p.dropTail(b.fsync); err != nil {
			return errs.FromIO(op, err)
		}
		b.anomaly("rolled back uncommitted batch", logpkg.Int("level", p.level), logpkg.Str("batch", t.batch.String()))
	}
	b.journal, err = rewriteJournal(journalPath, b.tailBatches(), b.fsync)
	if err != nil {
		return errs.FromIO(op, err)
	}

	if err := b.loadCursors(); err != nil {
		return errs.FromIO(op, err)
	}

	// Ids are clock based: seed both generators above every persisted id
	// so a clock that stepped back across a restart cannot reuse one.
	keep := map[string]struct{}{}
	for _, p := range b.parts {
		for _, fi := range p.frames {
			b.batches.Observe(fi.batch)
			for _, r := range fi.blobs {
				if r.offset < p.collected {
					continue
				}
				keep[r.name] = struct{}{}
				if bid, err := id.Parse(r.name); err == nil {
					b.blobs.gen.Observe(bid)
				}
			}
		}
	}
	for bid := range committed {
		b.batches.Observe(bid)
	}
	removed, err := b.blobs.sweep(keep)
	if err != nil {
		return errs.FromIO(op, err)
	}
	if removed > 0 {
		b.logger.Info("removed orphan blobs", logpkg.Int("count", removed))
	}
	return nil
}

// tailBatches returns the ids of multi-level frames that end a partition.
// Only those can ever need the journal again.
func (b *Buffer) tailBatches() []id.ID {
	seen := map[id.ID]struct{}{}
	var ids []id.ID
	for _, p := range b.parts {
		if t, ok := p.tail(); ok && t.multi {
			if _, dup := seen[t.batch]; !dup {
				seen[t.batch] = struct{}{}
				ids = append(ids, t.batch)
			}
		}
	}
	return ids
}

// loadCursors reads every cursor file. Unreadable files reset the consumer
// to the oldest retained offsets; cursors past the end are clamped.
func (b *Buffer) loadCursors() error {
	names, err := listCursorFiles(b.consumerDir)
	if err != nil {
		return err
	}
	for _, name := range names {
		cursors := make([]uint64, b.levels)
		dirty := false
		cf, err := readCursor(cursorPath(b.consumerDir, name), b.levels)
		if err != nil {
			b.anomaly("reset unreadable cursor", logpkg.Str("consumer", name), logpkg.Err(err))
			for lvl, p := range b.parts {
				cursors[lvl] = p.collected
			}
			dirty = true
		} else {
			copy(cursors, cf.Cursors)
		}
		for lvl, p := range b.parts {
			switch {
			case cursors[lvl] > p.next:
				b.anomaly("clamped cursor beyond end of data",
					logpkg.Str("consumer", name), logpkg.Int("level", lvl),
					logpkg.Uint64("cursor", cursors[lvl]), logpkg.Uint64("end", p.next))
				cursors[lvl] = p.next
				dirty = true
			case cursors[lvl] < p.collected:
				cursors[lvl] = p.collected
				dirty = true
			}
		}
		if dirty {
			if err := writeCursor(b.consumerDir, name, cursors, b.fsync); err != nil {
				return err
			}
		}
		b.consumers[name] = &consumer{id: name, cursors: cursors}
	}
	return nil
}

func (b *Buffer) anomaly(msg string, fields ...logpkg.Field) {
	b.obs.ObserveAnomaly(errs.KindCorruption)
	b.logger.Warn(msg, fields...)
}

func (b *Buffer) closeFiles() {
	for _, p := range b.parts {
		_ = p.f.Close()
	}
	_ = b.journal.close()
	_ = unlockDir(b.lock)
}
