package pebblebuf

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/event"
	"github.com/rzbill/flobuf/internal/eventlog"
	"github.com/rzbill/flobuf/internal/priority"
	pebblestore "github.com/rzbill/flobuf/internal/storage/pebble"
	"github.com/rzbill/flobuf/pkg/id"
	logpkg "github.com/rzbill/flobuf/pkg/log"
)

// Buffer stores each priority level as an eventlog.Log in Pebble. Events,
// attachment bytes and log metadata of one Produce call commit in a single
// Pebble batch.
type Buffer struct {
	opts   Options
	db     *pebblestore.DB
	ownsDB bool
	ns     string
	levels int
	logs   []*eventlog.Log
	notify *eventlog.Notifier
	blobs  *id.Generator
	logger logpkg.Logger
	obs    buffer.Observer

	// mu guards the consumer registry and orders registration against
	// garbage collection.
	mu        sync.Mutex
	consumers map[string]*consumer

	closed atomic.Bool
}

type consumer struct {
	mu      sync.Mutex
	cursors []uint64
	gone    bool // deregistered; guarded by mu
}

var _ buffer.Buffer = (*Buffer)(nil)

// Open opens the buffer namespace, creating it on first use, and loads the
// consumer registry. Cursors beyond the end of a level are clamped.
func Open(opts Options) (*Buffer, error) {
	const op = "pebblebuf.open"
	if opts.Classifier == nil {
		return nil, errs.Errorf(errs.KindConfig, op, "Classifier is required")
	}
	opts.setDefaults()
	levels := opts.Classifier.Levels()
	if levels <= 0 {
		return nil, errs.Errorf(errs.KindConfig, op, "classifier has %d levels", levels)
	}

	b := &Buffer{
		opts:      opts,
		db:        opts.DB,
		ns:        opts.Name,
		levels:    levels,
		notify:    eventlog.NewNotifier(),
		blobs:     id.NewGenerator(),
		logger:    opts.Logger.WithComponent("pebblebuf").With(logpkg.Str("buffer", opts.Name)),
		obs:       opts.Observer,
		consumers: map[string]*consumer{},
	}
	if b.db == nil {
		if opts.Dir == "" {
			return nil, errs.Errorf(errs.KindConfig, op, "DB or Dir is required")
		}
		db, err := pebblestore.Open(pebblestore.Options{
			DataDir: opts.Dir,
			Fsync:   opts.Fsync,
			Metrics: opts.Metrics,
			Logger:  opts.Logger,
		})
		if err != nil {
			return nil, errs.FromIO(op, err)
		}
		b.db, b.ownsDB = db, true
	}
	if err := b.load(); err != nil {
		if b.ownsDB {
			_ = b.db.Close()
		}
		return nil, err
	}
	b.logger.Info("buffer opened", logpkg.Int("levels", b.levels), logpkg.Int("consumers", len(b.consumers)))
	return b, nil
}

func (b *Buffer) load() error {
	const op = "pebblebuf.open"
	if _, err := ensureMeta(b.db, b.ns, b.levels); err != nil {
		return err
	}
	hook := trimLogger{logger: b.logger}
	for lvl := 0; lvl < b.levels; lvl++ {
		l, err := eventlog.OpenLog(b.db, b.ns, topic, uint32(lvl), eventlog.WithNotifier(b.notify), eventlog.WithTrimHook(hook))
		if err != nil {
			if errors.Is(err, eventlog.ErrCorrupt) {
				return errs.E(errs.KindCorruption, op, err)
			}
			return errs.FromIO(op, err)
		}
		b.logs = append(b.logs, l)
	}

	names, err := b.registeredNames()
	if err != nil {
		return errs.FromIO(op, err)
	}
	for _, name := range names {
		c, err := b.loadConsumer(name)
		if err != nil {
			return errs.FromIO(op, err)
		}
		b.consumers[name] = c
	}
	return nil
}

func (b *Buffer) registeredNames() ([]string, error) {
	prefix := eventlog.KeyConsumerPrefix(b.ns)
	iter, err := b.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: eventlog.PrefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var names []string
	for ok := iter.First(); ok; ok = iter.Next() {
		names = append(names, string(iter.Key()[len(prefix):]))
	}
	return names, iter.Error()
}

// loadConsumer reads a consumer's cursors, raising them to the base and
// clamping them to the end of each level.
func (b *Buffer) loadConsumer(name string) (*consumer, error) {
	cursors := make([]uint64, b.levels)
	batch := b.db.NewBatch()
	defer batch.Close()
	for lvl, l := range b.logs {
		base, next := l.Bounds()
		cur, ok, err := l.GetCursor(name)
		if errors.Is(err, eventlog.ErrCorrupt) {
			b.anomaly("reset unreadable cursor", logpkg.Str("consumer", name), logpkg.Int("level", lvl))
			ok, err = false, nil
		}
		if err != nil {
			return nil, err
		}
		switch {
		case !ok || cur < base:
			cur = base
		case cur > next:
			b.anomaly("clamped cursor beyond end of data",
				logpkg.Str("consumer", name), logpkg.Int("level", lvl),
				logpkg.Uint64("cursor", cur), logpkg.Uint64("end", next))
			cur = next
		default:
			cursors[lvl] = cur
			continue
		}
		cursors[lvl] = cur
		if err := l.StageCursor(batch, name, cur); err != nil {
			return nil, err
		}
	}
	if batch.Count() > 0 {
		if err := b.db.CommitBatch(context.Background(), batch); err != nil {
			return nil, err
		}
	}
	return &consumer{cursors: cursors}, nil
}

func (b *Buffer) anomaly(msg string, fields ...logpkg.Field) {
	b.obs.ObserveAnomaly(errs.KindCorruption)
	b.logger.Warn(msg, fields...)
}

// Levels returns the number of priority levels.
func (b *Buffer) Levels() int { return b.levels }

func (b *Buffer) checkOpen(op string) error {
	if b.closed.Load() {
		return errs.Errorf(errs.KindClosed, op, "buffer is closed")
	}
	return nil
}

// Produce classifies events and commits them, with attachment bytes in
// copy mode, in one Pebble batch across every touched level.
func (b *Buffer) Produce(ctx context.Context, producerID string, events []event.Event, copyAttachments bool) error {
	const op = "pebblebuf.produce"
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

	byLevel := map[int][]eventlog.AppendRecord{}
	for _, ev := range events {
		lvl, err := priority.Check(b.opts.Classifier, ev)
		if err != nil {
			return err
		}
		rec, err := b.record(producerID, ev, copyAttachments)
		if err != nil {
			return err
		}
		byLevel[lvl] = append(byLevel[lvl], rec)
	}

	touched := make([]int, 0, len(byLevel))
	for lvl := range byLevel {
		touched = append(touched, lvl)
	}
	sort.Ints(touched)
	for _, lvl := range touched {
		b.logs[lvl].Lock()
		defer b.logs[lvl].Unlock()
	}

	batch := b.db.NewBatch()
	defer batch.Close()
	for _, lvl := range touched {
		if _, err := b.logs[lvl].StageLocked(batch, byLevel[lvl]); err != nil {
			return errs.FromIO(op, err)
		}
	}
	size := batch.Len()
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return errs.FromIO(op, err)
	}
	elapsed := time.Since(start)
	for _, lvl := range touched {
		b.logs[lvl].PublishLocked(len(byLevel[lvl]))
		b.obs.ObserveProduce(lvl, len(byLevel[lvl]), size/len(touched), elapsed)
	}
	return nil
}

// record builds the stored form of ev. In copy mode attachment bytes ride
// along in the record and the event keeps only their digest.
func (b *Buffer) record(producerID string, ev event.Event, copyAttachments bool) (eventlog.AppendRecord, error) {
	const op = "pebblebuf.produce"
	stored := event.Event{Fields: ev.Fields}
	rec := eventlog.AppendRecord{Header: []byte(producerID)}
	if len(ev.Attachments) > 0 {
		stored.Attachments = make(map[string]event.Attachment, len(ev.Attachments))
		for _, key := range ev.AttachmentKeys() {
			a := ev.Attachments[key]
			if !copyAttachments {
				size, err := a.Stat()
				if err != nil {
					return rec, errs.Errorf(errs.KindProducer, op, "attachment %q: %w", key, err)
				}
				stored.Attachments[key] = event.Attachment{Path: a.Path, Size: size}
				continue
			}
			data, err := readAll(a)
			if err != nil {
				return rec, errs.Errorf(errs.KindProducer, op, "attachment %q: %w", key, err)
			}
			sum := sha256.Sum256(data)
			if rec.Attachments == nil {
				rec.Attachments = map[string][]byte{}
			}
			rec.Attachments[key] = data
			stored.Attachments[key] = event.Attachment{
				Blob:   b.blobs.Next().String(),
				Size:   int64(len(data)),
				Digest: hex.EncodeToString(sum[:]),
			}
		}
	}
	raw, err := stored.Canonical()
	if err != nil {
		return rec, errs.E(errs.KindProducer, op, err)
	}
	rec.Payload = raw
	return rec, nil
}

func readAll(a event.Attachment) ([]byte, error) {
	rc, err := a.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// consumerFor returns the registered consumer, registering it on first
// use.
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
	batch := b.db.NewBatch()
	defer batch.Close()
	cursors := make([]uint64, b.levels)
	for lvl, l := range b.logs {
		cursors[lvl], _ = l.Bounds()
		if err := l.StageCursor(batch, consumerID, cursors[lvl]); err != nil {
			return nil, errs.FromIO(op, err)
		}
	}
	if err := batch.Set(eventlog.KeyConsumer(b.ns, consumerID), nil, nil); err != nil {
		return nil, errs.FromIO(op, err)
	}
	if err := b.db.CommitBatch(context.Background(), batch); err != nil {
		return nil, errs.FromIO(op, err)
	}
	c := &consumer{cursors: cursors}
	b.consumers[consumerID] = c
	b.logger.Debug("consumer registered", logpkg.Str("consumer", consumerID))
	return c, nil
}

// RegisterConsumer creates a cursor at the oldest retained offsets. It is a
// no-op for a known consumer.
func (b *Buffer) RegisterConsumer(ctx context.Context, consumerID string) error {
	const op = "pebblebuf.register"
	if err := b.checkOpen(op); err != nil {
		return err
	}
	_, err := b.consumerFor(op, consumerID)
	return err
}

// DeregisterConsumer drops the consumer's cursors. Unknown consumers are
// ignored.
func (b *Buffer) DeregisterConsumer(ctx context.Context, consumerID string) error {
	const op = "pebblebuf.deregister"
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
	batch := b.db.NewBatch()
	defer batch.Close()
	for _, l := range b.logs {
		if err := l.StageDeleteCursor(batch, consumerID); err != nil {
			return errs.FromIO(op, err)
		}
	}
	if err := batch.Delete(eventlog.KeyConsumer(b.ns, consumerID), nil); err != nil {
		return errs.FromIO(op, err)
	}
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return errs.FromIO(op, err)
	}
	c.gone = true
	delete(b.consumers, consumerID)
	b.logger.Debug("consumer deregistered", logpkg.Str("consumer", consumerID))
	return nil
}

// Consume reads from the consumer's cursor in level order without moving
// it.
func (b *Buffer) Consume(ctx context.Context, consumerID string, maxCount, maxBytes int) ([]buffer.Delivery, error) {
	const op = "pebblebuf.consume"
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
	total := 0
	for lvl, l := range b.logs {
		remaining := maxCount - len(out)
		if remaining <= 0 {
			break
		}
		ro := eventlog.ReadOptions{Start: cursors[lvl], Limit: remaining}
		if maxBytes > 0 {
			ro.MaxBytes = maxBytes - total
			if ro.MaxBytes <= 0 {
				break
			}
		}
		items, err := l.Read(ro)
		if err != nil {
			b.obs.ObserveAnomaly(errs.KindCorruption)
			return nil, errs.E(errs.KindCorruption, op, err)
		}
		for _, it := range items {
			// Read always yields its first item; that allowance belongs
			// to the call as a whole, not to each level.
			if maxBytes > 0 && len(out) > 0 && total+it.Size > maxBytes {
				b.obs.ObserveConsume(consumerID, len(out))
				return out, nil
			}
			ev, err := event.Decode(it.Payload)
			if err != nil {
				b.obs.ObserveAnomaly(errs.KindCorruption)
				return nil, errs.E(errs.KindCorruption, op, err)
			}
			out = append(out, buffer.Delivery{
				Event:    b.resolve(l, it.Seq, ev),
				Position: buffer.Position{Level: lvl, Offset: it.Seq},
				Producer: string(it.Header),
				Size:     it.Size,
			})
			total += it.Size
		}
	}
	b.obs.ObserveConsume(consumerID, len(out))
	return out, nil
}

// resolve wires owned attachments to read their bytes from the log.
func (b *Buffer) resolve(l *eventlog.Log, seq uint64, ev event.Event) event.Event {
	for key, a := range ev.Attachments {
		if !a.Owned() {
			continue
		}
		key := key
		ev.Attachments[key] = a.WithOpener(func() (io.ReadCloser, error) {
			v, err := l.ReadAttachment(seq, key)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(bytes.NewReader(v)), nil
		})
	}
	return ev
}

// Ack moves the consumer's cursors forward to positions and persists every
// moved level in one batch.
func (b *Buffer) Ack(ctx context.Context, consumerID string, positions ...buffer.Position) (bool, error) {
	const op = "pebblebuf.ack"
	if err := b.checkOpen(op); err != nil {
		return false, err
	}
	c, err := b.consumerFor(op, consumerID)
	if err != nil {
		return false, err
	}
	ends := make([]uint64, b.levels)
	for lvl, l := range b.logs {
		_, ends[lvl] = l.Bounds()
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
		batch := b.db.NewBatch()
		defer batch.Close()
		for lvl, l := range b.logs {
			if next[lvl] == c.cursors[lvl] {
				continue
			}
			if err := l.StageCursor(batch, consumerID, next[lvl]); err != nil {
				return false, errs.FromIO(op, err)
			}
		}
		if err := b.db.CommitBatch(ctx, batch); err != nil {
			return false, errs.FromIO(op, err)
		}
		c.cursors = next
	}
	b.obs.ObserveAck(consumerID, moved)
	return moved, nil
}

// GarbageCollect trims every level below its watermark. Entries and their
// attachment values go in one range deletion per level.
func (b *Buffer) GarbageCollect(ctx context.Context) (buffer.GCStats, error) {
	const op = "pebblebuf.gc"
	var st buffer.GCStats
	if err := b.checkOpen(op); err != nil {
		return st, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.consumers) == 0 {
		return st, nil
	}
	cursors := make(map[string][]uint64, len(b.consumers))
	for name, c := range b.consumers {
		c.mu.Lock()
		cursors[name] = append([]uint64(nil), c.cursors...)
		c.mu.Unlock()
	}
	bases := make([]uint64, b.levels)
	for lvl, l := range b.logs {
		bases[lvl], _ = l.Bounds()
	}
	wm := buffer.Watermarks(bases, cursors)

	for lvl, l := range b.logs {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if wm[lvl] <= bases[lvl] {
			continue
		}
		res, err := l.TrimBefore(ctx, wm[lvl])
		if err != nil {
			return st, errs.FromIO(op, err)
		}
		st.Events += res.Entries
		st.Attachments += res.Attachments
		st.ReclaimedRaw += res.Bytes
		b.obs.ObserveGC(lvl, res.Entries, res.Attachments)
		if b.opts.CompactAfterTrim && res.Entries > 0 {
			if err := l.Compact(); err != nil {
				return st, errs.FromIO(op, err)
			}
			st.Compacted++
		}
	}
	return st, nil
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
	st := buffer.Stats{Consumers: make(map[string][]uint64, len(b.consumers))}
	for name, c := range b.consumers {
		c.mu.Lock()
		st.Consumers[name] = append([]uint64(nil), c.cursors...)
		c.mu.Unlock()
	}
	bases := make([]uint64, b.levels)
	for lvl, l := range b.logs {
		var next uint64
		bases[lvl], next = l.Bounds()
		st.Partitions = append(st.Partitions, buffer.PartitionStats{Level: lvl, Base: bases[lvl], Next: next})
	}
	wm := buffer.Watermarks(bases, st.Consumers)
	for lvl := range st.Partitions {
		st.Partitions[lvl].Watermark = wm[lvl]
	}
	return st
}

// Close marks the buffer closed and closes the store if Open created it.
func (b *Buffer) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, l := range b.logs {
		l.Lock()
		defer l.Unlock()
	}
	b.logger.Info("buffer closed")
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}

// trimLogger reports trimmed ranges at debug level.
type trimLogger struct {
	logger logpkg.Logger
}

func (t trimLogger) OnTrim(_, _ string, partition uint32, minSeq, maxSeq uint64, res eventlog.TrimResult) {
	t.logger.Debug("trimmed level",
		logpkg.Int("level", int(partition)),
		logpkg.Uint64("from", minSeq), logpkg.Uint64("to", maxSeq),
		logpkg.Int("attachments", res.Attachments))
}
