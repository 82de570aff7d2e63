package bench

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/buffer/filebuf"
	"github.com/rzbill/flobuf/internal/buffer/pebblebuf"
	"github.com/rzbill/flobuf/internal/priority"
	pebblestore "github.com/rzbill/flobuf/internal/storage/pebble"
)

func TestDatasetDeterministic(t *testing.T) {
	a, err := Dataset(42, 20, true, 64, t.TempDir())
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	b, err := Dataset(42, 20, true, 64, t.TempDir())
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	for i := range a {
		if diff := cmp.Diff(a[i].Fields, b[i].Fields); diff != "" {
			t.Fatalf("event %d differs (-a +b):\n%s", i, diff)
		}
		da, _ := os.ReadFile(a[i].Attachments["payload"].Path)
		db, _ := os.ReadFile(b[i].Attachments["payload"].Path)
		if len(da) != 64 || !bytes.Equal(da, db) {
			t.Fatalf("attachment %d differs", i)
		}
	}

	c, err := Dataset(43, 20, false, 0, "")
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	if cmp.Equal(a[0].Fields["message"], c[0].Fields["message"]) && cmp.Equal(a[1].Fields["message"], c[1].Fields["message"]) {
		t.Fatalf("different seeds produced the same messages")
	}
	if len(c[0].Attachments) != 0 {
		t.Fatalf("unexpected attachments")
	}
}

func fileFactory(tb testing.TB) Factory {
	return func() (buffer.Buffer, error) {
		c, err := priority.Rules(2, priority.Flag("report", 0))
		if err != nil {
			return nil, err
		}
		return filebuf.Open(filebuf.Options{Dir: filepath.Join(tb.TempDir(), "buf"), Classifier: c, NoSync: true})
	}
}

func pebbleFactory(tb testing.TB) Factory {
	return func() (buffer.Buffer, error) {
		c, err := priority.Rules(2, priority.Flag("report", 0))
		if err != nil {
			return nil, err
		}
		return pebblebuf.Open(pebblebuf.Options{Dir: tb.TempDir(), Fsync: pebblestore.FsyncModeNever, Classifier: c})
	}
}

func TestRun(t *testing.T) {
	events, err := Dataset(1, 250, true, 128, t.TempDir())
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	engines := map[string]func(testing.TB) Factory{"file": fileFactory, "pebble": pebbleFactory}
	for name, factory := range engines {
		for _, mode := range []Mode{Cold, PreEmit} {
			t.Run(name+"/"+string(mode), func(t *testing.T) {
				res, err := Run(context.Background(), factory(t), Options{
					Mode: mode, Events: events, ProduceBatch: 40, ConsumeCount: 64, CopyAttachments: true,
				})
				if err != nil {
					t.Fatalf("run: %v", err)
				}
				if res.Events != 250 || res.Bytes <= 0 || res.Duration <= 0 || res.Mode != mode {
					t.Fatalf("result %+v", res)
				}
			})
		}
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("pre-emit"); err != nil || m != PreEmit {
		t.Fatalf("got %q %v", m, err)
	}
	if _, err := ParseMode("warm"); err == nil {
		t.Fatalf("expected error")
	}
}

func benchmarkRun(b *testing.B, factory func(testing.TB) Factory, mode Mode, withAttachments bool) {
	events, err := Dataset(7, 1000, withAttachments, 1024, b.TempDir())
	if err != nil {
		b.Fatalf("dataset: %v", err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := Run(context.Background(), factory(b), Options{Mode: mode, Events: events, CopyAttachments: withAttachments})
		if err != nil {
			b.Fatalf("run: %v", err)
		}
		b.ReportMetric(res.EventsPerSec, "events/s")
	}
}

func BenchmarkFileCold(b *testing.B)    { benchmarkRun(b, fileFactory, Cold, false) }
func BenchmarkFilePreEmit(b *testing.B) { benchmarkRun(b, fileFactory, PreEmit, false) }
func BenchmarkFileCopiedAttachments(b *testing.B) {
	benchmarkRun(b, fileFactory, Cold, true)
}
func BenchmarkPebbleCold(b *testing.B)    { benchmarkRun(b, pebbleFactory, Cold, false) }
func BenchmarkPebblePreEmit(b *testing.B) { benchmarkRun(b, pebbleFactory, PreEmit, false) }
