package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes a Global as Prometheus metrics.
//
// Values are read at scrape time, so the hot path never touches Prometheus.
type Collector struct {
	g *Global

	allocations   *prometheus.Desc
	deallocations *prometheus.Desc
	active        *prometheus.Desc
	activeBytes   *prometheus.Desc
	sampled       *prometheus.Desc
	bytesAlloc    *prometheus.Desc
	bytesFreed    *prometheus.Desc
	peakBytes     *prometheus.Desc
	bytesWritten  *prometheus.Desc
	sampleRate    *prometheus.Desc
	misses        *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for g. namespace prefixes every metric
// name (e.g. "memtrack").
func NewCollector(namespace string, g *Global) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		g:             g,
		allocations:   desc("allocations_total", "Allocations observed."),
		deallocations: desc("deallocations_total", "Deallocations observed."),
		active:        desc("active_allocations", "Allocations not yet freed."),
		activeBytes:   desc("active_bytes", "Bytes held by allocations not yet freed."),
		sampled:       desc("sampled_allocations_total", "Allocations recorded by the sampler."),
		bytesAlloc:    desc("allocated_bytes_total", "Bytes allocated."),
		bytesFreed:    desc("freed_bytes_total", "Bytes freed."),
		peakBytes:     desc("peak_active_bytes", "Highest observed active bytes."),
		bytesWritten:  desc("written_bytes_total", "Encoded record bytes flushed to the sink."),
		sampleRate:    desc("sample_rate", "Fraction of allocations recorded."),
		misses:        desc("misses_total", "Events that could not be recorded precisely.", "kind"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allocations
	ch <- c.deallocations
	ch <- c.active
	ch <- c.activeBytes
	ch <- c.sampled
	ch <- c.bytesAlloc
	ch <- c.bytesFreed
	ch <- c.peakBytes
	ch <- c.bytesWritten
	ch <- c.sampleRate
	ch <- c.misses
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.g.MemoryStats()
	s := c.g.SamplingStats()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.allocations, m.TotalAllocations)
	counter(c.deallocations, m.TotalDeallocations)
	gauge(c.active, float64(m.ActiveAllocations))
	gauge(c.activeBytes, float64(m.ActiveMemory))
	counter(c.sampled, m.SampledAllocations)
	counter(c.bytesAlloc, m.TotalBytesAllocated)
	counter(c.bytesFreed, m.TotalBytesFreed)
	gauge(c.peakBytes, float64(m.PeakMemory))
	counter(c.bytesWritten, s.BytesWritten)
	gauge(c.sampleRate, s.Rate)

	for k := MissKind(0); k < missKinds; k++ {
		counter(c.misses, c.g.misses[k].Load(), k.String())
	}
}
