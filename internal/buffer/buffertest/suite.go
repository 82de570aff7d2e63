// Package buffertest is a conformance suite every buffer engine runs from
// its own tests.
package buffertest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/event"
	"github.com/rzbill/flobuf/internal/priority"
)

// Factory opens (or reopens) an engine stored in dir. Reopening the same
// dir must observe everything committed before the previous Close.
type Factory func(t *testing.T, dir string, c priority.Classifier) buffer.Buffer

// Run executes the suite against the engine built by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, Factory)
	}{
		{"RoundTrip", testRoundTrip},
		{"RedeliveryAfterRestart", testRedeliveryAfterRestart},
		{"PriorityOrdering", testPriorityOrdering},
		{"WatermarkGatedGC", testWatermarkGatedGC},
		{"CopiedAttachmentIntegrity", testCopiedAttachmentIntegrity},
		{"AckIdempotentMonotonic", testAckIdempotentMonotonic},
		{"AckBeyondEndRejected", testAckBeyondEndRejected},
		{"ConsumeLimits", testConsumeLimits},
		{"AtomicProduceRejectsBadBatch", testAtomicProduceRejectsBadBatch},
		{"ReferenceModeAttachment", testReferenceModeAttachment},
		{"ReferenceModeRejectsMissingFile", testReferenceModeRejectsMissingFile},
		{"NoGCWithoutConsumers", testNoGCWithoutConsumers},
		{"DeregisterReleasesWatermark", testDeregisterReleasesWatermark},
		{"WaitForProduce", testWaitForProduce},
		{"ClosedBuffer", testClosedBuffer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, open) })
	}
}

func mustEvent(t *testing.T, fields map[string]any, attachments map[string]string) event.Event {
	t.Helper()
	ev, err := event.BuildEvent(fields, attachments)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

func mustNumber(s string) json.Number { return json.Number(s) }

func names(ds []buffer.Delivery) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i], _ = d.Event.Fields["name"].(string)
	}
	return out
}

func produce(t *testing.T, b buffer.Producer, copyAttachments bool, evs ...event.Event) {
	t.Helper()
	if err := b.Produce(context.Background(), "test", evs, copyAttachments); err != nil {
		t.Fatalf("produce: %v", err)
	}
}

func consume(t *testing.T, b buffer.Consumer, id string, maxCount, maxBytes int) []buffer.Delivery {
	t.Helper()
	ds, err := b.Consume(context.Background(), id, maxCount, maxBytes)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	return ds
}

func ack(t *testing.T, b buffer.Consumer, id string, ps ...buffer.Position) bool {
	t.Helper()
	moved, err := b.Ack(context.Background(), id, ps...)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	return moved
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func readAttachment(t *testing.T, ev event.Event, key string) []byte {
	t.Helper()
	rc, err := event.ResolveAttachment(ev, key)
	if err != nil {
		t.Fatalf("resolve attachment: %v", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read attachment: %v", err)
	}
	return b
}

func reportClassifier(t *testing.T) priority.Classifier {
	t.Helper()
	c, err := priority.Rules(4, priority.Flag("report", 0))
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	return c
}

func testRoundTrip(t *testing.T, open Factory) {
	b := open(t, t.TempDir(), priority.Single())
	defer b.Close()

	produce(t, b, false,
		mustEvent(t, map[string]any{"name": "A", "n": 1}, nil),
		mustEvent(t, map[string]any{"name": "B", "nested": map[string]any{"x": []any{1, "two"}}}, nil),
		mustEvent(t, map[string]any{"name": "C", "ok": true}, nil),
	)
	ds := consume(t, b, "out", 10, 0)
	if diff := cmp.Diff([]string{"A", "B", "C"}, names(ds)); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}
	for i, d := range ds {
		if d.Position != (buffer.Position{Level: 0, Offset: uint64(i)}) {
			t.Fatalf("delivery %d at %v", i, d.Position)
		}
		if d.Producer != "test" {
			t.Fatalf("producer=%q", d.Producer)
		}
	}
	if got := ds[1].Event.Fields["nested"]; !cmp.Equal(got, map[string]any{"x": []any{mustNumber("1"), "two"}}) {
		t.Fatalf("nested field=%#v", got)
	}
}

func testRedeliveryAfterRestart(t *testing.T, open Factory) {
	dir := t.TempDir()
	b := open(t, dir, priority.Single())
	produce(t, b, false, mustEvent(t, map[string]any{"name": "A"}, nil))
	if ds := consume(t, b, "out", 10, 0); len(ds) != 1 {
		t.Fatalf("got %d events", len(ds))
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b = open(t, dir, priority.Single())
	defer b.Close()
	ds := consume(t, b, "out", 10, 0)
	if diff := cmp.Diff([]string{"A"}, names(ds)); diff != "" {
		t.Fatalf("redelivery (-want +got):\n%s", diff)
	}

	ack(t, b, "out", buffer.AckPositions(ds)...)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b = open(t, dir, priority.Single())
	if ds := consume(t, b, "out", 10, 0); len(ds) != 0 {
		t.Fatalf("acked event redelivered: %v", names(ds))
	}
	_ = b.Close()
}

func testPriorityOrdering(t *testing.T, open Factory) {
	b := open(t, t.TempDir(), reportClassifier(t))
	defer b.Close()

	produce(t, b, false,
		mustEvent(t, map[string]any{"name": "A", "report": false}, nil),
		mustEvent(t, map[string]any{"name": "B", "report": true}, nil),
		mustEvent(t, map[string]any{"name": "C", "report": false}, nil),
	)
	ds := consume(t, b, "out", 10, 0)
	if diff := cmp.Diff([]string{"B", "A", "C"}, names(ds)); diff != "" {
		t.Fatalf("priority order (-want +got):\n%s", diff)
	}
	if ds[0].Position.Level != 0 || ds[1].Position.Level != 3 {
		t.Fatalf("levels: %v %v", ds[0].Position, ds[1].Position)
	}

	// Ordering holds across separate Produce calls too.
	produce(t, b, false, mustEvent(t, map[string]any{"name": "D"}, nil))
	produce(t, b, false, mustEvent(t, map[string]any{"name": "E", "report": true}, nil))
	ds = consume(t, b, "out", 10, 0)
	if diff := cmp.Diff([]string{"B", "E", "A", "C", "D"}, names(ds)); diff != "" {
		t.Fatalf("priority order across calls (-want +got):\n%s", diff)
	}
}

func testWatermarkGatedGC(t *testing.T, open Factory) {
	b := open(t, t.TempDir(), priority.Single())
	defer b.Close()
	ctx := context.Background()
	for _, id := range []string{"x", "y"} {
		if err := b.RegisterConsumer(ctx, id); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	src := writeFile(t, t.TempDir(), "e.bin", []byte("attachment-of-e"))
	produce(t, b, true,
		mustEvent(t, map[string]any{"name": "E"}, map[string]string{"file": src}),
		mustEvent(t, map[string]any{"name": "F"}, nil),
	)

	dsX := consume(t, b, "x", 1, 0)
	ack(t, b, "x", dsX[0].Next())
	if _, err := b.GarbageCollect(ctx); err != nil {
		t.Fatalf("gc: %v", err)
	}
	dsY := consume(t, b, "y", 1, 0)
	if len(dsY) != 1 || names(dsY)[0] != "E" {
		t.Fatalf("E no longer retrievable for y: %v", names(dsY))
	}
	if got := readAttachment(t, dsY[0].Event, "file"); string(got) != "attachment-of-e" {
		t.Fatalf("attachment content %q", got)
	}

	ack(t, b, "y", dsY[0].Next())
	st, err := b.GarbageCollect(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if st.Attachments != 1 || st.Events != 1 {
		t.Fatalf("gc stats %+v", st)
	}
	if _, err := event.ResolveAttachment(dsY[0].Event, "file"); err == nil {
		t.Fatalf("attachment of E still readable after both consumers passed it")
	}
	if ds := consume(t, b, "y", 10, 0); len(ds) != 1 || names(ds)[0] != "F" {
		t.Fatalf("after gc: %v", names(ds))
	}
	// A consumer registered now starts at the oldest retained event.
	if err := b.RegisterConsumer(ctx, "z"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if ds := consume(t, b, "z", 10, 0); len(ds) != 1 || names(ds)[0] != "F" {
		t.Fatalf("new consumer saw %v", names(ds))
	}
}

func testCopiedAttachmentIntegrity(t *testing.T, open Factory) {
	b := open(t, t.TempDir(), priority.Single())
	defer b.Close()

	const n = 64 << 10
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	src := writeFile(t, t.TempDir(), "payload.bin", data)
	produce(t, b, true, mustEvent(t, map[string]any{"name": "A"}, map[string]string{"payload": src}))
	if err := os.Remove(src); err != nil {
		t.Fatalf("remove original: %v", err)
	}

	ds := consume(t, b, "out", 10, 0)
	if len(ds) != 1 {
		t.Fatalf("got %d events", len(ds))
	}
	a := ds[0].Event.Attachments["payload"]
	if !a.Owned() || a.Size != n || a.Digest == "" {
		t.Fatalf("attachment metadata %+v", a)
	}
	got := readAttachment(t, ds[0].Event, "payload")
	if len(got) != n || !bytes.Equal(got, data) {
		t.Fatalf("attachment differs: len=%d", len(got))
	}
}

func testAckIdempotentMonotonic(t *testing.T, open Factory) {
	b := open(t, t.TempDir(), priority.Single())
	defer b.Close()
	evs := make([]event.Event, 6)
	for i := range evs {
		evs[i] = mustEvent(t, map[string]any{"name": string(rune('A' + i))}, nil)
	}
	produce(t, b, false, evs...)

	at := func(off uint64) buffer.Position { return buffer.Position{Level: 0, Offset: off} }
	if !ack(t, b, "c", at(5)) {
		t.Fatalf("first ack to 5 should move the cursor")
	}
	if ack(t, b, "c", at(3)) {
		t.Fatalf("ack to 3 after 5 must be a no-op")
	}
	if ack(t, b, "c", at(5)) {
		t.Fatalf("repeated ack to 5 must be a no-op")
	}
	ds := consume(t, b, "c", 10, 0)
	if diff := cmp.Diff([]string{"F"}, names(ds)); diff != "" {
		t.Fatalf("cursor not at 5 (-want +got):\n%s", diff)
	}
	if got := b.Stats().Consumers["c"]; !cmp.Equal(got, []uint64{5}) {
		t.Fatalf("stats cursor %v", got)
	}
}

func testAckBeyondEndRejected(t *testing.T, open Factory) {
	b := open(t, t.TempDir(), reportClassifier(t))
	defer b.Close()
	produce(t, b, false, mustEvent(t, map[string]any{"name": "A"}, nil))

	ctx := context.Background()
	_, err := b.Ack(ctx, "c", buffer.Position{Level: 3, Offset: 1}, buffer.Position{Level: 0, Offset: 7})
	if !errors.Is(err, errs.ErrConsumer) {
		t.Fatalf("expected consumer error, got %v", err)
	}
	if _, err := b.Ack(ctx, "c", buffer.Position{Level: 9, Offset: 0}); !errors.Is(err, errs.ErrConsumer) {
		t.Fatalf("expected consumer error for unknown level, got %v", err)
	}
	if got := b.Stats().Consumers["c"]; !cmp.Equal(got, []uint64{0, 0, 0, 0}) {
		t.Fatalf("rejected ack moved cursors: %v", got)
	}
	if _, err := b.Consume(ctx, "bad/id", 1, 0); !errors.Is(err, errs.ErrConsumer) {
		t.Fatalf("expected invalid consumer id error, got %v", err)
	}
}

func testConsumeLimits(t *testing.T, open Factory) {
	b := open(t, t.TempDir(), priority.Single())
	defer b.Close()
	for i := 0; i < 5; i++ {
		produce(t, b, false, mustEvent(t, map[string]any{"name": string(rune('A' + i))}, nil))
	}
	if ds := consume(t, b, "c", 2, 0); len(ds) != 2 {
		t.Fatalf("maxCount: got %d", len(ds))
	}
	ds := consume(t, b, "c", 10, 1)
	if len(ds) != 1 {
		t.Fatalf("an oversized first event must still be returned alone, got %d", len(ds))
	}
	ds = consume(t, b, "c", 10, ds[0].Size*3)
	if len(ds) != 3 {
		t.Fatalf("maxBytes: got %d", len(ds))
	}
	// Consume does not move the cursor.
	if ds := consume(t, b, "c", 10, 0); len(ds) != 5 {
		t.Fatalf("consume moved the cursor: %d", len(ds))
	}
}

func testAtomicProduceRejectsBadBatch(t *testing.T, open Factory) {
	b := open(t, t.TempDir(), reportClassifier(t))
	defer b.Close()
	good := mustEvent(t, map[string]any{"name": "ok", "report": true}, nil)
	missing := event.Event{
		Fields:      map[string]any{"name": "missing"},
		Attachments: map[string]event.Attachment{"f": {Path: filepath.Join(t.TempDir(), "absent")}},
	}
	err := b.Produce(context.Background(), "p", []event.Event{good, missing}, true)
	if !errors.Is(err, errs.ErrProducer) {
		t.Fatalf("expected producer error, got %v", err)
	}
	if ds := consume(t, b, "c", 10, 0); len(ds) != 0 {
		t.Fatalf("partial batch visible: %v", names(ds))
	}
	for _, p := range b.Stats().Partitions {
		if p.Next != 0 {
			t.Fatalf("level %d modified: %+v", p.Level, p)
		}
	}

	bad, _ := priority.Func(4, func(event.Event) int { return 7 })
	b2 := open(t, t.TempDir(), bad)
	defer b2.Close()
	if err := b2.Produce(context.Background(), "p", []event.Event{good}, false); !errors.Is(err, errs.ErrProducer) {
		t.Fatalf("out-of-range level: %v", err)
	}
}

func testReferenceModeAttachment(t *testing.T, open Factory) {
	b := open(t, t.TempDir(), priority.Single())
	defer b.Close()
	src := writeFile(t, t.TempDir(), "ref.txt", []byte("by reference"))
	produce(t, b, false, mustEvent(t, map[string]any{"name": "A"}, map[string]string{"f": src}))
	ds := consume(t, b, "c", 1, 0)
	a := ds[0].Event.Attachments["f"]
	if a.Owned() || a.Path != src {
		t.Fatalf("reference attachment %+v", a)
	}
	if got := readAttachment(t, ds[0].Event, "f"); string(got) != "by reference" {
		t.Fatalf("content %q", got)
	}
}

func testReferenceModeRejectsMissingFile(t *testing.T, open Factory) {
	b := open(t, t.TempDir(), priority.Single())
	defer b.Close()
	good := mustEvent(t, map[string]any{"name": "ok"}, nil)
	src := writeFile(t, t.TempDir(), "gone.txt", []byte("soon deleted"))
	gone := mustEvent(t, map[string]any{"name": "gone"}, map[string]string{"f": src})
	if err := os.Remove(src); err != nil {
		t.Fatalf("remove: %v", err)
	}
	err := b.Produce(context.Background(), "p", []event.Event{good, gone}, false)
	if !errors.Is(err, errs.ErrProducer) {
		t.Fatalf("expected producer error, got %v", err)
	}
	if p := b.Stats().Partitions[0]; p.Next != 0 {
		t.Fatalf("partition modified: %+v", p)
	}
}

func testNoGCWithoutConsumers(t *testing.T, open Factory) {
	b := open(t, t.TempDir(), priority.Single())
	defer b.Close()
	src := writeFile(t, t.TempDir(), "a.bin", []byte("keep"))
	produce(t, b, true, mustEvent(t, map[string]any{"name": "A"}, map[string]string{"f": src}))
	st, err := b.GarbageCollect(context.Background())
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if st.Events != 0 || st.Attachments != 0 {
		t.Fatalf("collected without consumers: %+v", st)
	}
	ds := consume(t, b, "late", 10, 0)
	if len(ds) != 1 || string(readAttachment(t, ds[0].Event, "f")) != "keep" {
		t.Fatalf("late consumer lost data")
	}
}

func testDeregisterReleasesWatermark(t *testing.T, open Factory) {
	b := open(t, t.TempDir(), priority.Single())
	defer b.Close()
	ctx := context.Background()
	_ = b.RegisterConsumer(ctx, "fast")
	_ = b.RegisterConsumer(ctx, "slow")
	if err := b.RegisterConsumer(ctx, "slow"); err != nil {
		t.Fatalf("re-register must be idempotent: %v", err)
	}
	produce(t, b, false, mustEvent(t, map[string]any{"name": "A"}, nil))
	ack(t, b, "fast", buffer.Position{Level: 0, Offset: 1})

	if st, _ := b.GarbageCollect(ctx); st.Events != 0 {
		t.Fatalf("slow consumer did not hold the watermark: %+v", st)
	}
	if err := b.DeregisterConsumer(ctx, "slow"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if err := b.DeregisterConsumer(ctx, "slow"); err != nil {
		t.Fatalf("deregister must be idempotent: %v", err)
	}
	if st, _ := b.GarbageCollect(ctx); st.Events != 1 {
		t.Fatalf("expected 1 event collected, got %+v", st)
	}
	p := b.Stats().Partitions[0]
	if p.Base != 1 || p.Next != 1 || p.Watermark != 1 {
		t.Fatalf("partition stats %+v", p)
	}
}

func testWaitForProduce(t *testing.T, open Factory) {
	b := open(t, t.TempDir(), priority.Single())
	defer b.Close()
	done := make(chan bool, 1)
	go func() { done <- b.WaitForProduce(context.Background(), 5*time.Second) }()
	// Produce until the waiter observes one; the goroutine may not be
	// waiting yet when the first Produce lands.
	for i := 0; ; i++ {
		produce(t, b, false, mustEvent(t, map[string]any{"name": "A"}, nil))
		select {
		case woke := <-done:
			if !woke {
				t.Fatalf("waiter timed out")
			}
			return
		default:
		}
		if i > 1000 {
			t.Fatalf("waiter never woke")
		}
		time.Sleep(time.Millisecond)
	}
}

func testClosedBuffer(t *testing.T, open Factory) {
	b := open(t, t.TempDir(), priority.Single())
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := b.Produce(context.Background(), "p", []event.Event{mustEvent(t, map[string]any{"name": "A"}, nil)}, false)
	if !errors.Is(err, errs.ErrClosed) {
		t.Fatalf("produce after close: %v", err)
	}
	if _, err := b.Consume(context.Background(), "c", 1, 0); !errors.Is(err, errs.ErrClosed) {
		t.Fatalf("consume after close: %v", err)
	}
}
