package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/soypat/prtp"
)

func TestCollectorRegistersAndCollects(t *testing.T) {
	c := NewConnCollector("prtp", []string{"role"}, prometheus.Labels{"transfer": "test"})
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}

	// No connections registered: descriptors only, zero samples.
	if n := testutil.CollectAndCount(c); n != 0 {
		t.Fatalf("collected %d samples with no connections", n)
	}

	conn := prtp.NewConn(nil, nil)
	c.Add(conn, []string{"sender"})
	if n := testutil.CollectAndCount(c); n != len(c.infos) {
		t.Fatalf("collected %d samples, want %d", n, len(c.infos))
	}
}

func TestCollectorReflectsStats(t *testing.T) {
	c := NewConnCollector("prtp", nil, nil)
	conn := prtp.NewConn(nil, nil)
	c.Add(conn, nil)
	got := testutil.ToFloat64(find(t, c, "prtp_cwnd"))
	if got != prtp.InitialCwnd {
		t.Fatalf("cwnd metric = %v, want %v", got, prtp.InitialCwnd)
	}
	got = testutil.ToFloat64(find(t, c, "prtp_ssthresh"))
	if got != prtp.InitialSsthresh {
		t.Fatalf("ssthresh metric = %v, want %v", got, prtp.InitialSsthresh)
	}
}

// find wraps the collector restricted to one metric name so testutil can
// extract a single value from it.
func find(t *testing.T, c *ConnCollector, name string) prometheus.Collector {
	t.Helper()
	for i := range c.infos {
		if strings.Contains(c.infos[i].description.String(), `fqName: "`+name+`"`) {
			return singleMetric{c: c, idx: i}
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

type singleMetric struct {
	c   *ConnCollector
	idx int
}

func (s singleMetric) Describe(descs chan<- *prometheus.Desc) {
	descs <- s.c.infos[s.idx].description
}

func (s singleMetric) Collect(metrics chan<- prometheus.Metric) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	for _, entry := range s.c.conns {
		metrics <- s.c.infos[s.idx].supplier(entry.conn.Stats(), entry.labels)
	}
}
