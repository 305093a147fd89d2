package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cycles_total", Help: "Trading cycles executed"},
	)
	CycleOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cycle_outcomes_total", Help: "Per-instrument cycle outcomes"},
		[]string{"symbol", "kind"},
	)
	SignalRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signal_refreshes_total", Help: "Daily stochastic cache recomputations"},
		[]string{"symbol"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted"},
		[]string{"symbol", "side", "type"},
	)
	LimitRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "limit_retries_total", Help: "Limit order reprice attempts past the first"},
		[]string{"symbol"},
	)
	MarketFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "market_fallbacks_total", Help: "Ladders that fell back to a market order"},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(
		CyclesTotal,
		CycleOutcomesTotal,
		SignalRefreshesTotal,
		OrdersTotal,
		LimitRetriesTotal,
		MarketFallbacksTotal,
	)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
