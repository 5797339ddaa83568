// Package stats exposes the engine's runtime counters/gauges via
// prometheus/client_golang, alongside the status dumper. Names are
// underscore-separated with an "lbard_" prefix; counts end in "_n",
// byte totals in "_size" and durations in "_ns".
package stats

import "github.com/prometheus/client_golang/prometheus"

// Stats bundles every counter/gauge the engine updates each loop pass.
type Stats struct {
	PacketsSent       prometheus.Counter
	PacketsReceived   prometheus.Counter
	FECErrors         prometheus.Counter
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	BundlesCompleted  prometheus.Counter
	PeersActive       prometheus.Gauge
	TxQueueDepth      prometheus.Gauge
	CongestionInterval prometheus.Gauge
}

// New constructs and registers every metric against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across test runs.
func New(reg prometheus.Registerer) *Stats {
	s := &Stats{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lbard_packets_sent_n", Help: "radio packets transmitted",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lbard_packets_received_n", Help: "radio packets accepted after FEC decode",
		}),
		FECErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lbard_fec_errors_n", Help: "packets dropped for exceeding the FEC correction threshold",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lbard_bytes_sent_size", Help: "payload bytes transmitted across all radios",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lbard_bytes_received_size", Help: "payload bytes accepted across all radios",
		}),
		BundlesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lbard_bundles_completed_n", Help: "bundles fully reassembled and submitted to the store",
		}),
		PeersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lbard_peers_active", Help: "peers heard from within the liveness window",
		}),
		TxQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lbard_tx_queue_depth", Help: "sum of all peers' pending transmit queue lengths",
		}),
		CongestionInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lbard_congestion_interval_ns", Help: "current inter-packet transmit interval, in nanoseconds",
		}),
	}
	reg.MustRegister(
		s.PacketsSent, s.PacketsReceived, s.FECErrors, s.BytesSent, s.BytesReceived,
		s.BundlesCompleted, s.PeersActive, s.TxQueueDepth, s.CongestionInterval,
	)
	return s
}
