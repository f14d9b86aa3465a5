// Registers:
//
//	#feedmesh_registrations_total
//	#feedmesh_selections_total
//	#feedmesh_broadcast_messages_total
//	#feedmesh_alerts_total
//	#feedmesh_active_connections
//	#go_* and process_* system metrics
//
// The Prometheus handler is exposed through Handler() and mounted by the
// dashboard server.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once              sync.Once
	registrations     *prometheus.CounterVec
	selections        *prometheus.CounterVec
	broadcastMessages *prometheus.CounterVec
	alerts            *prometheus.CounterVec
	activeConnections *prometheus.GaugeVec
)

func Init() {
	once.Do(func() {
		registrations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmesh_registrations_total",
				Help: "Number of connection registrations by outcome",
			},
			[]string{"outcome"},
		)

		selections = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmesh_selections_total",
				Help: "Number of load balancer selections by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		)

		broadcastMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmesh_broadcast_messages_total",
				Help: "Number of per-connection broadcast sends by outcome",
			},
			[]string{"type", "outcome"},
		)

		alerts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmesh_alerts_total",
				Help: "Number of alert transitions by severity and state",
			},
			[]string{"severity", "state"},
		)

		activeConnections = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "feedmesh_active_connections",
				Help: "Registered connections by type",
			},
			[]string{"type"},
		)

		_ = prometheus.Register(registrations)
		_ = prometheus.Register(selections)
		_ = prometheus.Register(broadcastMessages)
		_ = prometheus.Register(alerts)
		_ = prometheus.Register(activeConnections)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncRegistration counts a registration attempt outcome ("ok", "duplicate",
// "capacity").
func IncRegistration(outcome string) {
	if registrations != nil {
		registrations.WithLabelValues(outcome).Inc()
	}
}

// IncSelection counts a selection attempt by strategy.
func IncSelection(strategy, outcome string) {
	if selections != nil {
		selections.WithLabelValues(strategy, outcome).Inc()
	}
}

// IncBroadcast counts one per-connection broadcast send.
func IncBroadcast(connType, outcome string) {
	if broadcastMessages != nil {
		broadcastMessages.WithLabelValues(connType, outcome).Inc()
	}
}

// IncAlert counts an alert transition.
func IncAlert(severity, state string) {
	if alerts != nil {
		alerts.WithLabelValues(severity, state).Inc()
	}
}

// SetActiveConnections records the registered connection count for a type.
func SetActiveConnections(connType string, count int) {
	if activeConnections != nil {
		activeConnections.WithLabelValues(connType).Set(float64(count))
	}
}
