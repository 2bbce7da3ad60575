// Package exporter exposes per-connection CAP statistics as Prometheus
// metrics. Connections register with a collector; every scrape walks them and
// emits one sample per metric per live connection
package exporter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/KMFtcy/capstack/transport/cap"
)

// Connection is the slice of an endpoint the collector needs: a stable id
// for labeling and a counter snapshot
type Connection interface {
	ID() string
	Stats() cap.Stats
}

type info struct {
	description *prometheus.Desc
	supplier    func(s *cap.Stats, labelValues []string) prometheus.Metric
}

// CAPCollector implements prometheus.Collector over a set of registered CAP
// connections
type CAPCollector struct {
	mu    sync.Mutex
	conns map[Connection][]string
	infos []info
}

func counterInfo(name, help string, get func(s *cap.Stats) uint64) info {
	d := prometheus.NewDesc(name, help, []string{"conn"}, nil)
	return info{
		description: d,
		supplier: func(s *cap.Stats, labelValues []string) prometheus.Metric {
			return prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(get(s)), labelValues...)
		},
	}
}

// NewCAPCollector creates a collector with no registered connections
func NewCAPCollector() *CAPCollector {
	stateDesc := prometheus.NewDesc(
		"cap_connection_state",
		"Connection state as an info-style gauge, always 1.",
		[]string{"conn", "state"}, nil,
	)
	rtoDesc := prometheus.NewDesc(
		"cap_rto_seconds",
		"Current retransmission timeout.",
		[]string{"conn"}, nil,
	)

	return &CAPCollector{
		conns: make(map[Connection][]string),
		infos: []info{
			counterInfo("cap_segments_sent_total", "Segments handed to the datagram substrate.",
				func(s *cap.Stats) uint64 { return s.SegmentsSent }),
			counterInfo("cap_segments_received_total", "Well-formed segments received.",
				func(s *cap.Stats) uint64 { return s.SegmentsReceived }),
			counterInfo("cap_retransmissions_total", "Timeout-driven segment retransmissions.",
				func(s *cap.Stats) uint64 { return s.Retransmissions }),
			counterInfo("cap_duplicate_acks_total", "Acknowledgments that did not advance the window.",
				func(s *cap.Stats) uint64 { return s.DupAcksReceived }),
			counterInfo("cap_malformed_segments_total", "Datagrams dropped by the codec.",
				func(s *cap.Stats) uint64 { return s.MalformedReceived }),
			counterInfo("cap_messages_sent_total", "Messages accepted from the application.",
				func(s *cap.Stats) uint64 { return s.MessagesSent }),
			counterInfo("cap_messages_received_total", "Messages reassembled and delivered.",
				func(s *cap.Stats) uint64 { return s.MessagesReceived }),
			{
				description: rtoDesc,
				supplier: func(s *cap.Stats, labelValues []string) prometheus.Metric {
					return prometheus.MustNewConstMetric(rtoDesc, prometheus.GaugeValue, s.CurrentRTO.Seconds(), labelValues...)
				},
			},
			{
				description: stateDesc,
				supplier: func(s *cap.Stats, labelValues []string) prometheus.Metric {
					return prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, 1, append(labelValues, s.State)...)
				},
			},
		},
	}
}

// Register adds a connection to the collector
func (c *CAPCollector) Register(conn Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[conn] = []string{conn.ID()}
}

// Unregister removes a connection from the collector
func (c *CAPCollector) Unregister(conn Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, conn)
}

// Describe implements prometheus.Collector.Describe
func (c *CAPCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.description
	}
}

// Collect implements prometheus.Collector.Collect
func (c *CAPCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for conn, labels := range c.conns {
		stats := conn.Stats()
		for _, info := range c.infos {
			metrics <- info.supplier(&stats, labels)
		}
	}
}
