// Package metrics holds the router's Prometheus collectors.
//
//   - router_orders_total{mode,side}   orders placed (mode: dry-run|live)
//   - router_cancels_total{mode}       cancel attempts
//   - router_modifies_total{mode}      modify attempts
//   - router_errors_total{op}          failed brokerage calls
//   - router_throttle_wait_seconds     time spent waiting on the rate limiter
//   - router_simulated_positions       open entries in the dry-run book
//
// Collectors are registered in init() and served by promhttp from cmd.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	ModeDryRun = "dry-run"
	ModeLive   = "live"
)

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_orders_total",
			Help: "Orders placed",
		},
		[]string{"mode", "side"},
	)

	Cancels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_cancels_total",
			Help: "Order cancellations attempted",
		},
		[]string{"mode"},
	)

	Modifies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_modifies_total",
			Help: "Order modifications accepted",
		},
		[]string{"mode"},
	)

	Errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_errors_total",
			Help: "Brokerage calls that returned an error, by operation",
		},
		[]string{"op"},
	)

	ThrottleWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "router_throttle_wait_seconds",
			Help:    "Time spent blocked on the outbound rate limiter",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5, 30, 60},
		},
	)

	SimulatedPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_simulated_positions",
			Help: "Open entries in the dry-run position book",
		},
	)
)

func init() {
	prometheus.MustRegister(Orders, Cancels, Modifies, Errors)
	prometheus.MustRegister(ThrottleWait, SimulatedPositions)
}

// Mode maps the dry-run flag to the mode label.
func Mode(dryRun bool) string {
	if dryRun {
		return ModeDryRun
	}
	return ModeLive
}
