package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rzbill/flobuf/internal/buffer"
)

// StatsSource is anything that reports buffer stats.
type StatsSource interface {
	Stats() buffer.Stats
}

// BufferCollector exports partition bounds, watermarks and consumer lag
// from a buffer's Stats at scrape time.
type BufferCollector struct {
	src StatsSource

	base      *prometheus.Desc
	next      *prometheus.Desc
	watermark *prometheus.Desc
	lag       *prometheus.Desc
	consumers *prometheus.Desc
}

// NewBufferCollector creates a collector for src. name labels every series
// so several buffers can share a registry.
func NewBufferCollector(name string, src StatsSource) *BufferCollector {
	constLabels := prometheus.Labels{"buffer": name}
	desc := func(n, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "buffer", n), help, labels, constLabels)
	}
	return &BufferCollector{
		src:       src,
		base:      desc("partition_base", "Oldest retained offset of a level.", "level"),
		next:      desc("partition_next", "Next offset to be written in a level.", "level"),
		watermark: desc("partition_watermark", "Minimum cursor across registered consumers.", "level"),
		lag:       desc("consumer_lag", "Events a consumer has not acknowledged.", "consumer", "level"),
		consumers: desc("consumers", "Registered consumers."),
	}
}

func (c *BufferCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.base
	ch <- c.next
	ch <- c.watermark
	ch <- c.lag
	ch <- c.consumers
}

func (c *BufferCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	for _, p := range st.Partitions {
		l := strconv.Itoa(p.Level)
		ch <- prometheus.MustNewConstMetric(c.base, prometheus.GaugeValue, float64(p.Base), l)
		ch <- prometheus.MustNewConstMetric(c.next, prometheus.GaugeValue, float64(p.Next), l)
		ch <- prometheus.MustNewConstMetric(c.watermark, prometheus.GaugeValue, float64(p.Watermark), l)
	}
	for id, cursors := range st.Consumers {
		for lvl, cur := range cursors {
			if lvl >= len(st.Partitions) {
				break
			}
			lag := float64(0)
			if next := st.Partitions[lvl].Next; next > cur {
				lag = float64(next - cur)
			}
			ch <- prometheus.MustNewConstMetric(c.lag, prometheus.GaugeValue, lag, id, strconv.Itoa(lvl))
		}
	}
	ch <- prometheus.MustNewConstMetric(c.consumers, prometheus.GaugeValue, float64(len(st.Consumers)))
}
