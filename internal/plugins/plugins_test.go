package plugins

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/buffer/filebuf"
	"github.com/rzbill/flobuf/internal/event"
	"github.com/rzbill/flobuf/internal/harness"
	"github.com/rzbill/flobuf/internal/priority"
)

type captureProducer struct {
	mu     sync.Mutex
	events []event.Event
	ids    []string
}

func (p *captureProducer) Produce(_ context.Context, id string, evs []event.Event, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evs...)
	p.ids = append(p.ids, id)
	return nil
}

func (p *captureProducer) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, fmt.Sprint(ev.Fields["msg"]))
	}
	return out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestJSONLInputSkipsMalformedAndWaitsForPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.jsonl")
	writeFile(t, path, `{"fields":{"msg":"a"}}`+"\n"+"not json\n\n"+`{"fields":{"msg":"b"}`)

	p := &captureProducer{}
	in := NewJSONLInput(JSONLInputConfig{Path: path, ProducerID: "files"}, p, nil)
	if err := in.SetUp(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer in.TearDown(context.Background())

	if _, err := in.step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if diff := cmp.Diff([]string{"a"}, p.messages()); diff != "" {
		t.Fatalf("messages (-want +got):\n%s", diff)
	}

	appendFile(t, path, "}\n")
	if _, err := in.step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, p.messages()); diff != "" {
		t.Fatalf("messages (-want +got):\n%s", diff)
	}
	if p.ids[0] != "files" {
		t.Fatalf("producer id %q", p.ids[0])
	}
}

func TestJSONLInputResumesFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.jsonl")
	writeFile(t, path, `{"fields":{"msg":"a"}}`+"\n"+`{"fields":{"msg":"b"}}`+"\n"+`{"fields":{"msg":"c"}}`+"\n")

	p := &captureProducer{}
	in := NewJSONLInput(JSONLInputConfig{Path: path, BatchSize: 2}, p, nil)
	if err := in.SetUp(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	more, err := in.step(context.Background())
	if err != nil || !more {
		t.Fatalf("step: more=%v err=%v", more, err)
	}
	in.TearDown(context.Background())

	// A restarted input continues after the committed batch.
	in = NewJSONLInput(JSONLInputConfig{Path: path, BatchSize: 2}, p, nil)
	if err := in.SetUp(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer in.TearDown(context.Background())
	more, err = in.step(context.Background())
	if err != nil || more {
		t.Fatalf("step: more=%v err=%v", more, err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, p.messages()); diff != "" {
		t.Fatalf("messages (-want +got):\n%s", diff)
	}
}

// vanishingAttachment removes a file right before the first Produce, after
// the input already built the event that references it.
type vanishingAttachment struct {
	buffer.Producer
	path string
	once sync.Once
}

func (v *vanishingAttachment) Produce(ctx context.Context, id string, evs []event.Event, copyAttachments bool) error {
	v.once.Do(func() { _ = os.Remove(v.path) })
	return v.Producer.Produce(ctx, id, evs, copyAttachments)
}

func TestJSONLInputSkipsRejectedEvents(t *testing.T) {
	dir := t.TempDir()
	buf, err := filebuf.Open(filebuf.Options{Dir: filepath.Join(dir, "buf"), Classifier: priority.Single(), NoSync: true})
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	defer buf.Close()

	blob := filepath.Join(dir, "payload.bin")
	writeFile(t, blob, "gone soon")
	path := filepath.Join(dir, "in.jsonl")
	content := `{"fields":{"msg":"a"}}` + "\n" +
		fmt.Sprintf(`{"fields":{"msg":"b"},"attachments":{"dump":%q}}`, blob) + "\n" +
		`{"fields":{"msg":"c"}}` + "\n"
	writeFile(t, path, content)

	target := &vanishingAttachment{Producer: buf, path: blob}
	in := NewJSONLInput(JSONLInputConfig{Path: path, CopyAttachments: true}, target, nil)
	ctx := context.Background()
	if err := in.SetUp(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer in.TearDown(ctx)

	if _, err := in.step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	ds, err := buf.Consume(ctx, "c", 10, 0)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	var msgs []string
	for _, d := range ds {
		msgs = append(msgs, fmt.Sprint(d.Event.Fields["msg"]))
	}
	if diff := cmp.Diff([]string{"a", "c"}, msgs); diff != "" {
		t.Fatalf("messages (-want +got):\n%s", diff)
	}
	off, err := readOffset(path + ".offset")
	if err != nil || off != int64(len(content)) {
		t.Fatalf("offset %d %v, want %d", off, err, len(content))
	}
}

func TestJSONLPipeline(t *testing.T) {
	dir := t.TempDir()
	buf, err := filebuf.Open(filebuf.Options{Dir: filepath.Join(dir, "buf"), Classifier: priority.Single(), NoSync: true})
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	defer buf.Close()

	blob := filepath.Join(dir, "payload.bin")
	payload := []byte("attachment bytes")
	writeFile(t, blob, string(payload))
	inPath := filepath.Join(dir, "in.jsonl")
	writeFile(t, inPath,
		`{"fields":{"msg":"one"}}`+"\n"+
			fmt.Sprintf(`{"fields":{"msg":"two"},"attachments":{"dump":%q}}`, blob)+"\n"+
			`{"fields":{"msg":"three"}}`+"\n")
	outPath := filepath.Join(dir, "out.jsonl")

	h := harness.New(harness.Options{})
	defer h.Close(context.Background())
	steps := []error{
		h.StartBuffer(NewMaintenance(MaintenanceConfig{Interval: 10 * time.Millisecond}, buf, nil)),
		h.StartOutput(NewJSONLOutput(JSONLOutputConfig{Path: outPath, Interval: 10 * time.Millisecond, AttachmentDir: filepath.Join(dir, "att"), NoSync: true}, buf, nil)),
		h.StartInput(NewJSONLInput(JSONLInputConfig{Path: inPath, CopyAttachments: true, Interval: 10 * time.Millisecond}, buf, nil)),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}

	var lines []outputLine
	deadline := time.Now().Add(5 * time.Second)
	for len(lines) < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		lines = readOutput(t, outPath)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d output lines", len(lines))
	}
	var msgs []string
	for _, l := range lines {
		msgs = append(msgs, fmt.Sprint(l.Fields["msg"]))
	}
	if diff := cmp.Diff([]string{"one", "two", "three"}, msgs); diff != "" {
		t.Fatalf("messages (-want +got):\n%s", diff)
	}
	sum := sha256.Sum256(payload)
	att := lines[1].Attachments["dump"]
	if att.SHA256 != hex.EncodeToString(sum[:]) || att.Size != int64(len(payload)) {
		t.Fatalf("attachment %+v", att)
	}
	if got, err := os.ReadFile(att.Path); err != nil || string(got) != string(payload) {
		t.Fatalf("copied attachment %q %v", got, err)
	}

	// The acknowledged events are collected once the output moved past them.
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p := buf.Stats().Partitions[0]; p.Base == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("buffer not collected: %+v", buf.Stats())
}

func readOutput(t *testing.T, path string) []outputLine {
	t.Helper()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	var out []outputLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var l outputLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			// The output may be mid-write; read again later.
			return out
		}
		out = append(out, l)
	}
	return out
}

func TestMaintenanceCollects(t *testing.T) {
	buf, err := filebuf.Open(filebuf.Options{Dir: t.TempDir(), Classifier: priority.Single(), NoSync: true})
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	defer buf.Close()
	ctx := context.Background()
	if err := buf.RegisterConsumer(ctx, "c"); err != nil {
		t.Fatalf("register: %v", err)
	}
	evs := []event.Event{{Fields: map[string]any{"msg": "a"}}, {Fields: map[string]any{"msg": "b"}}}
	if err := buf.Produce(ctx, "p", evs, false); err != nil {
		t.Fatalf("produce: %v", err)
	}
	ds, err := buf.Consume(ctx, "c", 1, 0)
	if err != nil || len(ds) != 1 {
		t.Fatalf("consume: %d %v", len(ds), err)
	}
	if _, err := buf.Ack(ctx, "c", ds[0].Next()); err != nil {
		t.Fatalf("ack: %v", err)
	}

	m := NewMaintenance(MaintenanceConfig{Resources: []string{"buffer:test"}}, buf, nil)
	if err := m.TearDown(ctx); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if p := buf.Stats().Partitions[0]; p.Base != 1 || p.Next != 2 {
		t.Fatalf("partition %+v", p)
	}
	if diff := cmp.Diff([]string{"buffer:test"}, m.Resources()); diff != "" {
		t.Fatalf("resources (-want +got):\n%s", diff)
	}
}
