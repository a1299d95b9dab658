package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reg = prometheus.NewRegistry()

	Admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nt_admissions_total", Help: "Connection admission attempts by result",
	}, []string{"result"})
	ConnectionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nt_connections_live", Help: "Connections counted against the ceiling",
	})
	ConnectionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nt_connections_open", Help: "Connections in open state",
	})
	Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nt_evictions_total", Help: "Connections removed by reason",
	}, []string{"reason"})

	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nt_rooms_active", Help: "Active rooms",
	})
	Relayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nt_relay_deliveries_total", Help: "Relay deliveries by message type",
	}, []string{"type"})
	Dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nt_relay_dropped_total", Help: "Dropped deliveries by reason",
	}, []string{"reason"})

	WSFrameSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nt_ws_frame_bytes",
		Help:    "WebSocket frame sizes",
		Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
	}, []string{"dir"})
	WSRTTSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nt_ws_rtt_seconds",
		Help:    "WebSocket RTT (derived from ping/pong timestamps)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	SignalMsg = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nt_signal_messages_total", Help: "Inbound signaling messages by canonical type",
	}, []string{"type"})

	CallOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nt_call_outcomes_total", Help: "Call request transitions by outcome",
	}, []string{"outcome"})
	CallsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nt_calls_queued", Help: "Call requests waiting in callee queues",
	})
	RingSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nt_call_ring_seconds",
		Help:    "Time from ringing to accept",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
	})
)

func init() {
	reg.MustRegister(
		Admissions, ConnectionsLive, ConnectionsOpen, Evictions,
		RoomsActive, Relayed, Dropped,
		WSFrameSize, WSRTTSeconds, SignalMsg,
		CallOutcomes, CallsQueued, RingSeconds,
	)
}

func Handler() http.Handler { return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}) }

// Gauges are shared by every registry, router and call controller in the
// process, so owners report changes rather than totals.

func ShiftConnections(live, open int) {
	ConnectionsLive.Add(float64(live))
	ConnectionsOpen.Add(float64(open))
}
