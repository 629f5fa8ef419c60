// Package metrics holds the Prometheus collectors the engine updates while
// trading. They are registered on the default registry in init and served
// by Serve at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "paperbot_signals_total", Help: "Signals emitted by strategy"},
		[]string{"strategy"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "paperbot_orders_total", Help: "Orders by terminal status"},
		[]string{"status"},
	)
	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "paperbot_rejections_total", Help: "Order rejections by reason code"},
		[]string{"code"},
	)
	TradesClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "paperbot_trades_closed_total", Help: "Closed trades by exit reason"},
		[]string{"reason"},
	)
	AccountEquity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "paperbot_account_equity", Help: "Current realized equity per account"},
		[]string{"account"},
	)
	WorkerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "paperbot_worker_status", Help: "Worker status code (0 stopped, 1 starting, 2 running, 3 degraded, 4 crashed)"},
		[]string{"account", "venue"},
	)
	WorkerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "paperbot_worker_restarts_total", Help: "Worker restarts scheduled by the supervisor"},
		[]string{"account", "venue"},
	)
	VenueTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "paperbot_venue_timeouts_total", Help: "Upstream market data calls that timed out"},
		[]string{"venue"},
	)
	ReadyForLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "paperbot_ready_for_live", Help: "1 when the account passes the live readiness gate"},
		[]string{"account"},
	)
)

func init() {
	prometheus.MustRegister(
		SignalsTotal,
		OrdersTotal,
		RejectionsTotal,
		TradesClosedTotal,
		AccountEquity,
		WorkerStatus,
		WorkerRestarts,
		VenueTimeouts,
		ReadyForLive,
	)
}

// Server returns an unstarted metrics server for addr.
func Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// Serve starts the metrics server in the background.
func Serve(addr string) *http.Server {
	srv := Server(addr)
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Bool converts a flag into a gauge value.
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
