// Package telemetry holds the Prometheus metrics the engine updates while
// running. They are registered in init() and served at /metrics by the
// control API:
//
//	trailstop_connection_state{state}          1 for the current state, 0 otherwise
//	trailstop_reconnect_attempts_total         failed connection attempts
//	trailstop_heartbeat_age_seconds            age of the last good heartbeat
//	trailstop_orders_total{kind,result}        order operations by outcome
//	trailstop_stop_triggers_total              stop breaches observed
//	trailstop_active_groups                    groups with a resting stop
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Connection states reported on trailstop_connection_state.
var connectionStates = []string{
	"Disconnected", "Connecting", "Connected", "ConnectionLost",
	"HeartbeatTimeout", "Reconnecting", "Failed",
}

var (
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trailstop_connection_state",
			Help: "Terminal connection state (1 for the current state).",
		},
		[]string{"state"},
	)

	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trailstop_reconnect_attempts_total",
			Help: "Failed terminal connection attempts.",
		},
	)

	heartbeatAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trailstop_heartbeat_age_seconds",
			Help: "Seconds since the last successful heartbeat.",
		},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailstop_orders_total",
			Help: "Order operations by kind (stop|time_exit|modify|cancel) and result.",
		},
		[]string{"kind", "result"},
	)

	stopTriggers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trailstop_stop_triggers_total",
			Help: "Trailing stop breaches observed by the engine.",
		},
	)

	activeGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trailstop_active_groups",
			Help: "Groups with a resting exit order.",
		},
	)
)

func init() {
	prometheus.MustRegister(connectionState, reconnectAttempts, heartbeatAge)
	prometheus.MustRegister(orders, stopTriggers, activeGroups)
}

// SetConnectionState flips the labeled state series so exactly one is 1.
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		if s == state {
			connectionState.WithLabelValues(s).Set(1)
		} else {
			connectionState.WithLabelValues(s).Set(0)
		}
	}
}

func IncReconnectAttempts()           { reconnectAttempts.Inc() }
func SetHeartbeatAge(seconds float64) { heartbeatAge.Set(seconds) }
func IncOrders(kind, result string)   { orders.WithLabelValues(kind, result).Inc() }
func IncStopTriggers()                { stopTriggers.Inc() }
func SetActiveGroups(n int)           { activeGroups.Set(float64(n)) }
