// Package metrics exposes PRTP connection statistics as prometheus metrics.
// The collector polls [prtp.Conn.Stats] at scrape time, so registering a
// connection costs nothing while nobody scrapes.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/soypat/prtp"
)

type info struct {
	description *prometheus.Desc
	supplier    func(s prtp.Stats, labelValues []string) prometheus.Metric
}

type connEntry struct {
	conn   *prtp.Conn
	labels []string
}

// ConnCollector implements [prometheus.Collector] over a set of PRTP
// connections.
type ConnCollector struct {
	mu    sync.Mutex
	conns []connEntry
	infos []info
}

// NewConnCollector builds a collector with the given metric prefix.
// connectionLabels are declared up front; values are supplied per
// connection in Add. constLabels apply to every metric of the process.
func NewConnCollector(prefix string, connectionLabels []string, constLabels prometheus.Labels) *ConnCollector {
	c := &ConnCollector{}
	c.addMetrics(prefix, connectionLabels, constLabels)
	return c
}

// Add registers a connection with the collector.
func (c *ConnCollector) Add(conn *prtp.Conn, labelValues []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns = append(c.conns, connEntry{conn: conn, labels: labelValues})
}

func (c *ConnCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.description
	}
}

func (c *ConnCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.conns {
		s := entry.conn.Stats()
		for _, info := range c.infos {
			metrics <- info.supplier(s, entry.labels)
		}
	}
}

func (c *ConnCollector) addMetrics(prefix string, connectionLabels []string, constLabels prometheus.Labels) {
	gauge := func(name, help string, value func(prtp.Stats) float64) {
		desc := prometheus.NewDesc(prefix+"_"+name, help, connectionLabels, constLabels)
		c.infos = append(c.infos, info{
			description: desc,
			supplier: func(s prtp.Stats, labelValues []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value(s), labelValues...)
			},
		})
	}
	counter := func(name, help string, value func(prtp.Stats) float64) {
		desc := prometheus.NewDesc(prefix+"_"+name, help, connectionLabels, constLabels)
		c.infos = append(c.infos, info{
			description: desc,
			supplier: func(s prtp.Stats, labelValues []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, value(s), labelValues...)
			},
		})
	}

	gauge("cwnd", "Congestion window in segments.", func(s prtp.Stats) float64 { return s.Cwnd })
	gauge("ssthresh", "Slow start threshold in segments.", func(s prtp.Stats) float64 { return s.Ssthresh })
	gauge("congestion_state", "Congestion controller state (0 slow start, 1 avoidance, 2 fast recovery).",
		func(s prtp.Stats) float64 { return float64(s.Congestion) })
	gauge("connection_state", "Connection state machine state.", func(s prtp.Stats) float64 { return float64(s.State) })
	counter("segments_sent_total", "Segments put on the wire, excluding retransmissions.",
		func(s prtp.Stats) float64 { return float64(s.SegmentsSent) })
	counter("retransmits_total", "Segments retransmitted for any reason.",
		func(s prtp.Stats) float64 { return float64(s.Retransmits) })
	counter("fast_retransmits_total", "Retransmissions triggered by triple duplicate ACKs.",
		func(s prtp.Stats) float64 { return float64(s.FastRetransmits) })
	counter("timeout_events_total", "Retransmission timer expiries.",
		func(s prtp.Stats) float64 { return float64(s.TimeoutEvents) })
	counter("duplicate_acks_total", "Duplicate acknowledgments received.",
		func(s prtp.Stats) float64 { return float64(s.DupAcks) })
	counter("bytes_acked_total", "Payload bytes acknowledged by the peer.",
		func(s prtp.Stats) float64 { return float64(s.BytesAcked) })
	counter("bytes_delivered_total", "Payload bytes delivered to the sink in order.",
		func(s prtp.Stats) float64 { return float64(s.BytesDelivered) })
}
