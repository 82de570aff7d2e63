package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/buffer/filebuf"
	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/event"
	"github.com/rzbill/flobuf/internal/harness"
	"github.com/rzbill/flobuf/internal/priority"
)

func TestBufferObserver(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveProduce(1, 3, 300, time.Millisecond)
	m.ObserveProduce(1, 2, 100, time.Millisecond)
	m.ObserveConsume("out", 4)
	m.ObserveAck("out", true)
	m.ObserveAck("out", false)
	m.ObserveGC(0, 7, 2)
	m.ObserveAnomaly(errs.KindCorruption)

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"produced", m.produced.WithLabelValues("1"), 5},
		{"produced bytes", m.producedBytes.WithLabelValues("1"), 400},
		{"consumed", m.consumed.WithLabelValues("out"), 4},
		{"acks moved", m.acks.WithLabelValues("out", "true"), 1},
		{"acks idle", m.acks.WithLabelValues("out", "false"), 1},
		{"gc events", m.gcEvents.WithLabelValues("0"), 7},
		{"gc attachments", m.gcAttachments.WithLabelValues("0"), 2},
		{"anomalies", m.anomalies.WithLabelValues(errs.KindCorruption.String()), 1},
	}
	for _, tc := range checks {
		if got := testutil.ToFloat64(tc.c); got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPluginState(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.PluginState("in", harness.KindInput, harness.StateRunning)
	m.PluginState("in", harness.KindInput, harness.StateBackoff)

	if got := testutil.ToFloat64(m.pluginState.WithLabelValues("in", "input", string(harness.StateRunning))); got != 0 {
		t.Fatalf("previous state gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.pluginState.WithLabelValues("in", "input", string(harness.StateBackoff))); got != 1 {
		t.Fatalf("current state gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.pluginTransitions.WithLabelValues("in", string(harness.StateBackoff))); got != 1 {
		t.Fatalf("transitions = %v", got)
	}
}

func TestStoreHook(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveWrite(time.Millisecond, 10)
	m.ObserveRead(time.Millisecond, 20)
	m.ObserveBatchCommit(time.Millisecond, 3, 30)
	if got := testutil.ToFloat64(m.storeBytes.WithLabelValues("commit")); got != 30 {
		t.Fatalf("commit bytes = %v", got)
	}
	if n := testutil.CollectAndCount(m.storeCommit); n != 1 {
		t.Fatalf("histogram series = %d", n)
	}
}

func TestBufferCollector(t *testing.T) {
	m := New(prometheus.NewRegistry())
	b, err := filebuf.Open(filebuf.Options{Dir: t.TempDir(), Classifier: priority.Single(), NoSync: true, Observer: m})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	ctx := context.Background()
	if err := b.RegisterConsumer(ctx, "out"); err != nil {
		t.Fatalf("register: %v", err)
	}
	evs := []event.Event{{Fields: map[string]any{"n": 1}}, {Fields: map[string]any{"n": 2}}, {Fields: map[string]any{"n": 3}}}
	if err := b.Produce(ctx, "p", evs, false); err != nil {
		t.Fatalf("produce: %v", err)
	}
	if _, err := b.Ack(ctx, "out", buffer.Position{Level: 0, Offset: 1}); err != nil {
		t.Fatalf("ack: %v", err)
	}

	c := NewBufferCollector("main", b)
	want := `
# HELP flobuf_buffer_consumer_lag Events a consumer has not acknowledged.
# TYPE flobuf_buffer_consumer_lag gauge
flobuf_buffer_consumer_lag{buffer="main",consumer="out",level="0"} 2
# HELP flobuf_buffer_partition_next Next offset to be written in a level.
# TYPE flobuf_buffer_partition_next gauge
flobuf_buffer_partition_next{buffer="main",level="0"} 3
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want),
		"flobuf_buffer_consumer_lag", "flobuf_buffer_partition_next"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.produced.WithLabelValues("0")); got != 3 {
		t.Fatalf("observer produced = %v", got)
	}
}
