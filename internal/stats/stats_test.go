package stats_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/servalproject/lbard-go/internal/stats"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNewRegistersAndIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := stats.New(reg)

	s.PacketsSent.Inc()
	s.PacketsSent.Inc()
	if got := counterValue(t, s.PacketsSent); got != 2 {
		t.Fatalf("expected PacketsSent=2, got %v", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected at least one registered metric family")
	}
}

func TestGaugesSettable(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := stats.New(reg)
	s.PeersActive.Set(3)
	s.TxQueueDepth.Set(7)

	var m dto.Metric
	if err := s.PeersActive.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if m.GetGauge().GetValue() != 3 {
		t.Fatalf("expected PeersActive=3, got %v", m.GetGauge().GetValue())
	}
}
