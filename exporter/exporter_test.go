package exporter

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/KMFtcy/capstack/transport/cap"
)

type fakeConn struct {
	id    string
	stats cap.Stats
}

func (f *fakeConn) ID() string       { return f.id }
func (f *fakeConn) Stats() cap.Stats { return f.stats }

func TestCollect(t *testing.T) {
	c := NewCAPCollector()

	conn := &fakeConn{
		id: "c9vv18hrs0bd1lmtt3dg",
		stats: cap.Stats{
			SegmentsSent:    12,
			Retransmissions: 3,
			CurrentRTO:      250 * time.Millisecond,
			State:           "ESTABLISHED",
		},
	}
	c.Register(conn)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				found[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				found[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}

	if got := found["cap_segments_sent_total"]; got != 12 {
		t.Errorf("cap_segments_sent_total = %v, want 12", got)
	}
	if got := found["cap_retransmissions_total"]; got != 3 {
		t.Errorf("cap_retransmissions_total = %v, want 3", got)
	}
	if got := found["cap_rto_seconds"]; got != 0.25 {
		t.Errorf("cap_rto_seconds = %v, want 0.25", got)
	}
	if got := found["cap_connection_state"]; got != 1 {
		t.Errorf("cap_connection_state = %v, want 1", got)
	}

	c.Unregister(conn)
	families, err = reg.Gather()
	if err != nil {
		t.Fatalf("Gather after Unregister failed: %v", err)
	}
	for _, mf := range families {
		if len(mf.GetMetric()) != 0 {
			t.Errorf("metric %s still present after Unregister", mf.GetName())
		}
	}
}
