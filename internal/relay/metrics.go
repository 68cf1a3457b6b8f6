package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "testweaver_relay_sessions",
		Help: "Number of live relay sessions",
	})

	connectionsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "testweaver_relay_connections",
		Help: "Number of live relay connections by role",
	}, []string{"role"})

	forwardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testweaver_relay_messages_forwarded_total",
		Help: "Total messages forwarded between peers, labeled by sender role",
	}, []string{"role"})

	peerAbsentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testweaver_relay_peer_absent_total",
		Help: "Total rpc messages answered with a synthesized peer-absent error",
	})

	handshakeRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testweaver_relay_handshake_rejects_total",
		Help: "Total websocket handshakes rejected for invalid parameters",
	})
)

// RegisterMetrics registers the relay collectors with r.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(sessionsGauge, connectionsGauge, forwardedTotal, peerAbsentTotal, handshakeRejects)
}
