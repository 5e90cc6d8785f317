package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ControlLinkUp          = promauto.NewGauge(prometheus.GaugeOpts{Name: "revnet_control_link_up", Help: "1 while the control connection is established"})
	PendingDataConns       = promauto.NewGauge(prometheus.GaugeOpts{Name: "revnet_pending_data_conns", Help: "Data connections queued and not yet paired"})
	SignalsTotal           = promauto.NewCounter(prometheus.CounterOpts{Name: "revnet_signals_total", Help: "Signals sent (inside) or received (outside)"})
	HeartbeatsTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "revnet_heartbeats_total", Help: "Heartbeats sent (outside) or received (inside)"})
	PairsEstablishedTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "revnet_pairs_established_total", Help: "Relay pairs started"})
	ActivePairs            = promauto.NewGauge(prometheus.GaugeOpts{Name: "revnet_active_pairs", Help: "Relay pairs currently forwarding"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "revnet_errors_total", Help: "Errors by type"}, []string{"type"})
	RelayBytesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "revnet_relay_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	RelayDurationSeconds   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "revnet_relay_duration_seconds", Help: "Relay pair lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	EgressRequestsTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "revnet_egress_requests_total", Help: "HTTP egress requests by method kind"}, []string{"kind"})
	RateLimitedTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "revnet_accepts_rate_limited_total", Help: "Client connections rejected by the accept rate limiter"})
)
