package filebuf

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/buffer/buffertest"
	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/event"
	"github.com/rzbill/flobuf/internal/priority"
)

type anomalyCounter struct {
	buffer.NoopObserver
	mu    sync.Mutex
	kinds []errs.Kind
}

func (a *anomalyCounter) ObserveAnomaly(k errs.Kind) {
	a.mu.Lock()
	a.kinds = append(a.kinds, k)
	a.mu.Unlock()
}

func (a *anomalyCounter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.kinds)
}

func openBuffer(t *testing.T, dir string, c priority.Classifier, mods ...func(*Options)) *Buffer {
	t.Helper()
	opts := Options{Dir: dir, Classifier: c}
	for _, m := range mods {
		m(&opts)
	}
	b, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return b
}

func TestConformance(t *testing.T) {
	buffertest.Run(t, func(t *testing.T, dir string, c priority.Classifier) buffer.Buffer {
		return openBuffer(t, dir, c)
	})
}

func fourLevels(t *testing.T) priority.Classifier {
	t.Helper()
	c, err := priority.Rules(4, priority.Flag("report", 0))
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	return c
}

func ev(name string, report bool) event.Event {
	return event.Event{Fields: map[string]any{"name": name, "report": report}}
}

func produceOne(t *testing.T, b *Buffer, evs ...event.Event) {
	t.Helper()
	if err := b.Produce(context.Background(), "t", evs, false); err != nil {
		t.Fatalf("produce: %v", err)
	}
}

func TestRecoveryTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	b := openBuffer(t, dir, priority.Single())
	produceOne(t, b, ev("A", false))
	produceOne(t, b, ev("B", false))
	_ = b.Close()

	path := partitionPath(filepath.Join(dir, "partitions"), 0)
	st, _ := os.Stat(path)
	good := st.Size()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open partition: %v", err)
	}
	_, _ = f.Write([]byte{0, 0, 0, 40, 1, 2, 3})
	_ = f.Close()

	obs := &anomalyCounter{}
	b = openBuffer(t, dir, priority.Single(), func(o *Options) { o.Observer = obs })
	defer b.Close()
	if obs.count() != 1 {
		t.Fatalf("anomalies=%d want 1", obs.count())
	}
	if st, _ := os.Stat(path); st.Size() != good {
		t.Fatalf("size after recovery %d want %d", st.Size(), good)
	}
	ds, err := b.Consume(context.Background(), "c", 10, 0)
	if err != nil || len(ds) != 2 {
		t.Fatalf("consume after recovery: %d %v", len(ds), err)
	}
	produceOne(t, b, ev("C", false))
	if ds, _ := b.Consume(context.Background(), "c", 10, 0); len(ds) != 3 || ds[2].Position.Offset != 2 {
		t.Fatalf("append after recovery: %+v", ds)
	}
}

func TestRecoveryFlippedChecksum(t *testing.T) {
	dir := t.TempDir()
	b := openBuffer(t, dir, priority.Single())
	produceOne(t, b, ev("A", false))
	produceOne(t, b, ev("B", false))
	_ = b.Close()

	path := partitionPath(filepath.Join(dir, "partitions"), 0)
	raw, _ := os.ReadFile(path)
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	b = openBuffer(t, dir, priority.Single())
	defer b.Close()
	ds, _ := b.Consume(context.Background(), "c", 10, 0)
	if len(ds) != 1 || ds[0].Event.Fields["name"] != "A" {
		t.Fatalf("expected only A to survive, got %d", len(ds))
	}
}

func TestRecoveryRollsBackUncommittedMultiLevelBatch(t *testing.T) {
	dir := t.TempDir()
	b := openBuffer(t, dir, fourLevels(t))
	produceOne(t, b, ev("first", true))
	produceOne(t, b, ev("hi", true), ev("lo", false))
	_ = b.Close()

	// Simulate a crash after the partition frames but before the commit
	// journal entry.
	if err := os.Truncate(filepath.Join(dir, "commits.log"), 0); err != nil {
		t.Fatalf("truncate journal: %v", err)
	}
	obs := &anomalyCounter{}
	b = openBuffer(t, dir, fourLevels(t), func(o *Options) { o.Observer = obs })
	defer b.Close()
	ds, _ := b.Consume(context.Background(), "c", 10, 0)
	if len(ds) != 1 || ds[0].Event.Fields["name"] != "first" {
		t.Fatalf("uncommitted batch survived: %d events", len(ds))
	}
	if obs.count() != 2 {
		t.Fatalf("anomalies=%d want 2", obs.count())
	}
}

func TestCommittedMultiLevelBatchSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	b := openBuffer(t, dir, fourLevels(t))
	produceOne(t, b, ev("hi", true), ev("lo", false))
	_ = b.Close()
	b = openBuffer(t, dir, fourLevels(t))
	_ = b.Close()
	b = openBuffer(t, dir, fourLevels(t))
	defer b.Close()
	if ds, _ := b.Consume(context.Background(), "c", 10, 0); len(ds) != 2 {
		t.Fatalf("committed batch lost: %d events", len(ds))
	}
}

func TestRecoveryClampsCursorBeyondEnd(t *testing.T) {
	dir := t.TempDir()
	b := openBuffer(t, dir, priority.Single())
	produceOne(t, b, ev("A", false))
	_ = b.RegisterConsumer(context.Background(), "c")
	_ = b.Close()

	if err := writeCursor(consumerDir(dir), "c", []uint64{10}, true); err != nil {
		t.Fatalf("write cursor: %v", err)
	}
	obs := &anomalyCounter{}
	b = openBuffer(t, dir, priority.Single(), func(o *Options) { o.Observer = obs })
	defer b.Close()
	if got := b.Stats().Consumers["c"]; len(got) != 1 || got[0] != 1 {
		t.Fatalf("cursor=%v want [1]", got)
	}
	if obs.count() != 1 {
		t.Fatalf("anomalies=%d", obs.count())
	}
}

func TestRecoveryResetsUnreadableCursor(t *testing.T) {
	dir := t.TempDir()
	b := openBuffer(t, dir, priority.Single())
	produceOne(t, b, ev("A", false))
	_ = b.Close()
	if err := os.WriteFile(cursorPath(consumerDir(dir), "c"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	b = openBuffer(t, dir, priority.Single())
	defer b.Close()
	if ds, _ := b.Consume(context.Background(), "c", 10, 0); len(ds) != 1 {
		t.Fatalf("reset consumer should see retained data, got %d", len(ds))
	}
}

func TestRecoverySweepsOrphanBlobs(t *testing.T) {
	dir := t.TempDir()
	b := openBuffer(t, dir, priority.Single())
	src := filepath.Join(t.TempDir(), "a")
	_ = os.WriteFile(src, []byte("data"), 0o644)
	a, _ := event.BuildEvent(map[string]any{"name": "A"}, map[string]string{"f": src})
	if err := b.Produce(context.Background(), "t", []event.Event{a}, true); err != nil {
		t.Fatalf("produce: %v", err)
	}
	_ = b.Close()

	blobDir := filepath.Join(dir, "blobs")
	_ = os.WriteFile(filepath.Join(blobDir, "orphan"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(blobDir, "half"+tmpSuffix), []byte("x"), 0o644)

	b = openBuffer(t, dir, priority.Single())
	defer b.Close()
	entries, _ := os.ReadDir(blobDir)
	if len(entries) != 1 {
		t.Fatalf("blobs after sweep: %d", len(entries))
	}
	ds, _ := b.Consume(context.Background(), "c", 1, 0)
	if ds[0].Event.Attachments["f"].Blob != entries[0].Name() {
		t.Fatalf("sweep removed a live blob")
	}
}

func TestCompactionDropsDeadPrefix(t *testing.T) {
	dir := t.TempDir()
	mod := func(o *Options) { o.CompactMinBytes = 1 }
	b := openBuffer(t, dir, priority.Single(), mod)
	ctx := context.Background()
	_ = b.RegisterConsumer(ctx, "c")
	for _, n := range []string{"A", "B", "C"} {
		produceOne(t, b, ev(n, false))
	}
	path := partitionPath(filepath.Join(dir, "partitions"), 0)
	before, _ := os.Stat(path)

	if _, err := b.Ack(ctx, "c", buffer.Position{Level: 0, Offset: 2}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	st, err := b.GarbageCollect(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if st.Events != 2 || st.Compacted != 1 || st.ReclaimedRaw <= 0 {
		t.Fatalf("gc stats %+v", st)
	}
	after, _ := os.Stat(path)
	if after.Size() >= before.Size() {
		t.Fatalf("file did not shrink: %d -> %d", before.Size(), after.Size())
	}
	ds, _ := b.Consume(ctx, "c", 10, 0)
	if len(ds) != 1 || ds[0].Position.Offset != 2 {
		t.Fatalf("after compaction: %+v", ds)
	}
	produceOne(t, b, ev("D", false))
	_ = b.Close()

	b = openBuffer(t, dir, priority.Single(), mod)
	defer b.Close()
	ds, _ = b.Consume(ctx, "c", 10, 0)
	if len(ds) != 2 || ds[1].Position.Offset != 3 {
		t.Fatalf("after reopen: %+v", ds)
	}
	if p := b.Stats().Partitions[0]; p.Base != 2 || p.Next != 4 {
		t.Fatalf("stats after reopen %+v", p)
	}
}

func TestLevelCountPersisted(t *testing.T) {
	dir := t.TempDir()
	b := openBuffer(t, dir, priority.Single())
	_ = b.Close()
	_, err := Open(Options{Dir: dir, Classifier: fourLevels(t)})
	if !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestDirectoryLocked(t *testing.T) {
	dir := t.TempDir()
	b := openBuffer(t, dir, priority.Single())
	defer b.Close()
	if _, err := Open(Options{Dir: dir, Classifier: priority.Single()}); !errors.Is(err, errs.ErrTransientIO) {
		t.Fatalf("expected lock contention error, got %v", err)
	}
}

func TestConcurrentProduceAndConsume(t *testing.T) {
	b := openBuffer(t, t.TempDir(), fourLevels(t), func(o *Options) { o.NoSync = true })
	defer b.Close()
	ctx := context.Background()
	const producers, per = 4, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				if err := b.Produce(ctx, "p", []event.Event{ev("x", i%2 == 0), ev("y", false)}, false); err != nil {
					t.Errorf("produce: %v", err)
					return
				}
			}
		}(p)
	}

	seen := 0
	deadline := time.Now().Add(10 * time.Second)
	for seen < producers*per*2 && time.Now().Before(deadline) {
		ds, err := b.Consume(ctx, "c", 64, 0)
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		if len(ds) == 0 {
			b.WaitForProduce(ctx, 10*time.Millisecond)
			continue
		}
		seen += len(ds)
		if _, err := b.Ack(ctx, "c", buffer.AckPositions(ds)...); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	wg.Wait()
	if seen != producers*per*2 {
		t.Fatalf("consumed %d events, want %d", seen, producers*per*2)
	}
}

func TestBlobNamesSurviveClockRegression(t *testing.T) {
	dir := t.TempDir()
	pinned := func(o *Options) { o.clock = func() int64 { return 1000 } }
	ctx := context.Background()
	produceFile := func(b *Buffer, name, data string) {
		t.Helper()
		src := filepath.Join(t.TempDir(), name)
		_ = os.WriteFile(src, []byte(data), 0o644)
		e, err := event.BuildEvent(map[string]any{"name": name}, map[string]string{"f": src})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if err := b.Produce(ctx, "t", []event.Event{e}, true); err != nil {
			t.Fatalf("produce: %v", err)
		}
	}

	b := openBuffer(t, dir, priority.Single(), pinned)
	_ = b.RegisterConsumer(ctx, "c")
	produceFile(b, "A", "AAAA")
	_ = b.Close()

	b = openBuffer(t, dir, priority.Single(), pinned)
	defer b.Close()
	produceFile(b, "B", "BBBB")

	ds, err := b.Consume(ctx, "c", 10, 0)
	if err != nil || len(ds) != 2 {
		t.Fatalf("consume: %d %v", len(ds), err)
	}
	if ds[0].Event.Attachments["f"].Blob == ds[1].Event.Attachments["f"].Blob {
		t.Fatalf("blob name reused: %s", ds[0].Event.Attachments["f"].Blob)
	}
	for i, want := range []string{"AAAA", "BBBB"} {
		rc, err := ds[i].Event.Attachments["f"].Open()
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		got, _ := io.ReadAll(rc)
		rc.Close()
		if string(got) != want {
			t.Fatalf("attachment %d = %q, want %q", i, got, want)
		}
	}
}

func TestAckAfterDeregisterDoesNotResurrectCursor(t *testing.T) {
	dir := t.TempDir()
	b := openBuffer(t, dir, priority.Single())
	ctx := context.Background()
	produceOne(t, b, ev("A", false), ev("B", false))

	// An Ack that resolved the consumer before it was deregistered.
	stale, err := b.consumerFor("test", "c")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.DeregisterConsumer(ctx, "c"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if _, err := b.ack("test", stale, []buffer.Position{{Level: 0, Offset: 1}}); !errors.Is(err, errs.ErrConsumer) {
		t.Fatalf("expected consumer error, got %v", err)
	}
	if _, err := os.Stat(cursorPath(b.consumerDir, "c")); !os.IsNotExist(err) {
		t.Fatalf("cursor file rewritten: %v", err)
	}
	_ = b.Close()

	b = openBuffer(t, dir, priority.Single())
	defer b.Close()
	if _, ok := b.Stats().Consumers["c"]; ok {
		t.Fatalf("deregistered consumer came back after reopen")
	}
}
