package filebuf

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/event"
	"github.com/rzbill/flobuf/internal/eventlog"
	"github.com/rzbill/flobuf/internal/priority"
	"github.com/rzbill/flobuf/pkg/id"
	logpkg "github.com/rzbill/flobuf/pkg/log"
)

// Buffer is a durable priority buffer stored as plain files in one
// directory.
type Buffer struct {
	opts        Options
	dir         string
	consumerDir string
	classifier  priority.Classifier
	levels      int
	fsync       bool
	logger      logpkg.Logger
	obs         buffer.Observer

	lock    *os.File
	parts   []*partition
	blobs   *blobStore
	batches *id.Generator
	notify  *eventlog.Notifier

	// journalMu guards commits.log; held after all partition write locks.
	journalMu sync.Mutex
	journal   *journal

	// mu guards the consumer registry, meta and the collected offsets.
	mu        sync.Mutex
	consumers map[string]*consumer
	meta      metaFile

	closed atomic.Bool
}

var _ buffer.Buffer = (*Buffer)(nil)

// Levels returns the number of priority levels.
func (b *Buffer) Levels() int { return b.levels }

// Dir returns the buffer directory.
func (b *Buffer) Dir() string { return b.dir }

func (b *Buffer) checkOpen(op string) error {
	if b.closed.Load() {
		return errs.Errorf(errs.KindClosed, op, "buffer is closed")
	}
	return nil
}

// stagedEvent is an event ready to be framed.
type stagedEvent struct {
	raw   []byte
	blobs []blobRef
}

// Produce classifies events, copies attachments when asked, and appends one
// frame per touched level. Either every frame commits or the partitions are
// rolled back and created blobs are removed.
func (b *Buffer) Produce(ctx context.Context, producerID string, events []event.Event, copyAttachments bool) (err error) {
	const op = "filebuf.produce"
	if err := b.checkOpen(op); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	levels := make([]int, len(events))
	for i, ev := range events {
		lvl, err := priority.Check(b.classifier, ev)
		if err != nil {
			return err
		}
		levels[i] = lvl
	}

	var created []string
	defer func() {
		if err != nil {
			for _, name := range created {
				_ = b.blobs.remove(name)
			}
		}
	}()

	byLevel := map[int][]stagedEvent{}
	for i, ev := range events {
		stored, refs, err := b.stage(ev, copyAttachments, &created)
		if err != nil {
			return err
		}
		raw, err := stored.Canonical()
		if err != nil {
			return errs.E(errs.KindProducer, op, err)
		}
		byLevel[levels[i]] = append(byLevel[levels[i]], stagedEvent{raw: raw, blobs: refs})
	}
	if len(created) > 0 {
		if err := b.blobs.syncDir(); err != nil {
			return errs.FromIO(op, err)
		}
	}

	touched := make([]int, 0, len(byLevel))
	for lvl := range byLevel {
		touched = append(touched, lvl)
	}
	sort.Ints(touched)
	for _, lvl := range touched {
		b.parts[lvl].writeMu.Lock()
		defer b.parts[lvl].writeMu.Unlock()
	}

	multi := len(touched) > 1
	batch := b.batches.Next()
	frames := make([]frameInfo, len(touched))
	written := make([]*partition, 0, len(touched))
	rollback := func() {
		for _, p := range written {
			if rerr := p.rollback(); rerr != nil {
				b.logger.Error("rollback failed", logpkg.Int("level", p.level), logpkg.Err(rerr))
			}
		}
	}

	for i, lvl := range touched {
		p := b.parts[lvl]
		staged := byLevel[lvl]
		raws := make([][]byte, len(staged))
		fi := frameInfo{first: p.next, count: uint32(len(staged)), pos: p.size, multi: multi, batch: batch}
		for j, s := range staged {
			raws[j] = s.raw
			for _, r := range s.blobs {
				r.offset = fi.first + uint64(j)
				fi.blobs = append(fi.blobs, r)
			}
		}
		frame := encodeFrame(frameHeader{multi: multi, batch: batch, first: fi.first, count: fi.count, producer: producerID}, raws)
		fi.size = int64(len(frame))
		written = append(written, p)
		if err := p.write(frame); err != nil {
			rollback()
			return errs.FromIO(op, err)
		}
		frames[i] = fi
	}
	if b.fsync {
		for _, p := range written {
			if err := p.f.Sync(); err != nil {
				rollback()
				return errs.FromIO(op, err)
			}
		}
	}
	if multi {
		b.journalMu.Lock()
		err := b.journal.commit(batch)
		b.journalMu.Unlock()
		if err != nil {
			rollback()
			return errs.FromIO(op, err)
		}
	}

	elapsed := time.Since(start)
	for i, lvl := range touched {
		b.parts[lvl].publish(frames[i])
		b.obs.ObserveProduce(lvl, int(frames[i].count), int(frames[i].size), elapsed)
	}
	b.notify.Broadcast()
	return nil
}

// stage returns the stored form of ev. In copy mode every attachment is
// copied into a private blob; otherwise only its path and size are kept.
func (b *Buffer) stage(ev event.Event, copyAttachments bool, created *[]string) (event.Event, []blobRef, error) {
	const op = "filebuf.produce"
	stored := event.Event{Fields: ev.Fields}
	if len(ev.Attachments) == 0 {
		return stored, nil, nil
	}
	stored.Attachments = make(map[string]event.Attachment, len(ev.Attachments))
	var refs []blobRef
	for _, key := range ev.AttachmentKeys() {
		a := ev.Attachments[key]
		if !copyAttachments {
			size, err := a.Stat()
			if err != nil {
				return event.Event{}, nil, errs.Errorf(errs.KindProducer, op, "attachment %q: %w", key, err)
			}
			stored.Attachments[key] = event.Attachment{Path: a.Path, Size: size}
			continue
		}
		name, size, digest, srcErr, err := b.blobs.copyIn(a)
		if srcErr != nil {
			return event.Event{}, nil, errs.Errorf(errs.KindProducer, op, "attachment %q: %w", key, srcErr)
		}
		if err != nil {
			return event.Event{}, nil, errs.FromIO(op, err)
		}
		*created = append(*created, name)
		stored.Attachments[key] = event.Attachment{Blob: name, Size: size, Digest: digest}
		refs = append(refs, blobRef{name: name, size: size})
	}
	return stored, refs, nil
}

// consumerFor returns the registered consumer, creating it at the oldest
// retained offsets on first use.
func (b *Buffer) consumerFor(op, consumerID string) (*consumer, error) {
	if err := buffer.ValidateConsumerID(op, consumerID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.consumers[consumerID]; ok {
		return c, nil
	}
	return b.registerLocked(op, consumerID)
}

func (b *Buffer) registerLocked(op, consumerID string) (*consumer, error) {
	cursors := make([]uint64, b.levels)
	for lvl, p := range b.parts {
		cursors[lvl], _ = p.bounds()
	}
	if err := writeCursor(b.consumerDir, consumerID, cursors, b.fsync); err != nil {
		return nil, errs.FromIO(op, err)
	}
	c := &consumer{id: consumerID, cursors: cursors}
	b.consumers[consumerID] = c
	b.logger.Debug("consumer registered", logpkg.Str("consumer", consumerID))
	return c, nil
}

// RegisterConsumer creates a cursor at the oldest retained offsets. It is a
// no-op for a known consumer.
func (b *Buffer) RegisterConsumer(ctx context.Context, consumerID string) error {
	const op = "filebuf.register"
	if err := b.checkOpen(op); err != nil {
		return err
	}
	_, err := b.consumerFor(op, consumerID)
	return err
}

// DeregisterConsumer removes the cursor so it no longer holds back garbage
// collection. Unknown consumers are ignored.
func (b *Buffer) DeregisterConsumer(ctx context.Context, consumerID string) error {
	const op = "filebuf.deregister"
	if err := b.checkOpen(op); err != nil {
		return err
	}
	if err := buffer.ValidateConsumerID(op, consumerID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[consumerID]
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(cursorPath(b.consumerDir, consumerID)); err != nil && !os.IsNotExist(err) {
		return errs.FromIO(op, err)
	}
	if b.fsync {
		if err := syncDir(b.consumerDir); err != nil {
			return errs.FromIO(op, err)
		}
	}
	c.gone = true
	delete(b.consumers, consumerID)
	b.logger.Debug("consumer deregistered", logpkg.Str("consumer", consumerID))
	return nil
}

// Consume reads from the consumer's cursor in level order without moving
// it.
func (b *Buffer) Consume(ctx context.Context, consumerID string, maxCount, maxBytes int) ([]buffer.Delivery, error) {
	const op = "filebuf.consume"
	if err := b.checkOpen(op); err != nil {
		return nil, err
	}
	if maxCount <= 0 {
		return nil, errs.Errorf(errs.KindConsumer, op, "maxCount must be positive, got %d", maxCount)
	}
	c, err := b.consumerFor(op, consumerID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	cursors := append([]uint64(nil), c.cursors...)
	c.mu.Unlock()

	out := make([]buffer.Delivery, 0, maxCount)
	n, total := 0, 0
	full := false
	for lvl, p := range b.parts {
		if full {
			break
		}
		stored, err := p.read(cursors[lvl], func(size int) bool {
			if n >= maxCount || (maxBytes > 0 && n > 0 && total+size > maxBytes) {
				full = true
				return true
			}
			n++
			total += size
			return false
		})
		if err != nil {
			b.obs.ObserveAnomaly(errs.KindCorruption)
			return nil, errs.E(errs.KindCorruption, op, err)
		}
		for _, s := range stored {
			ev, err := event.Decode(s.raw)
			if err != nil {
				b.obs.ObserveAnomaly(errs.KindCorruption)
				return nil, errs.E(errs.KindCorruption, op, err)
			}
			out = append(out, buffer.Delivery{
				Event:    b.resolve(ev),
				Position: buffer.Position{Level: lvl, Offset: s.offset},
				Producer: s.producer,
				Size:     len(s.raw),
			})
		}
	}
	b.obs.ObserveConsume(consumerID, len(out))
	return out, nil
}

// resolve points owned attachments at their blob files.
func (b *Buffer) resolve(ev event.Event) event.Event {
	for key, a := range ev.Attachments {
		if a.Owned() {
			a.Path = b.blobs.path(a.Blob)
			ev.Attachments[key] = a
		}
	}
	return ev
}

// Ack moves the consumer's cursors forward to positions and persists them.
func (b *Buffer) Ack(ctx context.Context, consumerID string, positions ...buffer.Position) (bool, error) {
	const op = "filebuf.ack"
	if err := b.checkOpen(op); err != nil {
		return false, err
	}
	c, err := b.consumerFor(op, consumerID)
	if err != nil {
		return false, err
	}
	return b.ack(op, c, positions)
}

func (b *Buffer) ack(op string, c *consumer, positions []buffer.Position) (bool, error) {
	consumerID := c.id
	ends := make([]uint64, b.levels)
	for lvl, p := range b.parts {
		_, ends[lvl] = p.bounds()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return false, errs.Errorf(errs.KindConsumer, op, "consumer %q was deregistered", consumerID)
	}
	next, moved, err := buffer.Advance(op, c.cursors, ends, positions)
	if err != nil {
		return false, err
	}
	if moved {
		if err := writeCursor(b.consumerDir, consumerID, next, b.fsync); err != nil {
			return false, errs.FromIO(op, err)
		}
		c.cursors = next
	}
	b.obs.ObserveAck(consumerID, moved)
	return moved, nil
}

// WaitForProduce blocks until a Produce commits, ctx ends or timeout
// elapses.
func (b *Buffer) WaitForProduce(ctx context.Context, timeout time.Duration) bool {
	return b.notify.Wait(ctx, timeout)
}

// Stats returns per-level bounds and every consumer's cursors.
func (b *Buffer) Stats() buffer.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	cursors := b.cursorsLocked()
	collected := make([]uint64, b.levels)
	st := buffer.Stats{Consumers: cursors}
	for lvl, p := range b.parts {
		var next uint64
		collected[lvl], next = p.bounds()
		st.Partitions = append(st.Partitions, buffer.PartitionStats{Level: lvl, Base: collected[lvl], Next: next})
	}
	wm := buffer.Watermarks(collected, cursors)
	for lvl := range st.Partitions {
		st.Partitions[lvl].Watermark = wm[lvl]
	}
	return st
}

// cursorsLocked snapshots every consumer's cursors. The caller holds mu.
func (b *Buffer) cursorsLocked() map[string][]uint64 {
	out := make(map[string][]uint64, len(b.consumers))
	for name, c := range b.consumers {
		c.mu.Lock()
		out[name] = append([]uint64(nil), c.cursors...)
		c.mu.Unlock()
	}
	return out
}

// Close releases files and the directory lock.
func (b *Buffer) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	var first error
	for _, p := range b.parts {
		p.writeMu.Lock()
		p.stateMu.Lock()
		if err := p.f.Close(); err != nil && first == nil {
			first = err
		}
		p.stateMu.Unlock()
		p.writeMu.Unlock()
	}
	b.journalMu.Lock()
	if err := b.journal.close(); err != nil && first == nil {
		first = err
	}
	b.journalMu.Unlock()
	if err := unlockDir(b.lock); err != nil && first == nil {
		first = err
	}
	b.logger.Info("buffer closed", logpkg.Str("dir", b.dir))
	return first
}

func consumerDir(dir string) string { return filepath.Join(dir, "consumers") }
