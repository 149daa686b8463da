// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors the engine updates on the hot path.
type Metrics struct {
	OrdersPlaced   *prometheus.CounterVec
	OrdersRejected *prometheus.CounterVec
	OrdersCanceled *prometheus.CounterVec
	TradesExecuted *prometheus.CounterVec
	TradeVolume    *prometheus.CounterVec
	MatchLatency   *prometheus.HistogramVec
	SettleFailures prometheus.Counter
	FanoutDropped  *prometheus.CounterVec
	RestingOrders  *prometheus.GaugeVec
}

// New registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lobx_orders_placed_total",
			Help: "Orders accepted by the matching engine.",
		}, []string{"market", "side", "type"}),
		OrdersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lobx_orders_rejected_total",
			Help: "Orders rejected before matching.",
		}, []string{"market", "reason"}),
		OrdersCanceled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lobx_orders_canceled_total",
			Help: "Resting orders removed by cancel requests.",
		}, []string{"market"}),
		TradesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lobx_trades_executed_total",
			Help: "Executions emitted by the matching engine.",
		}, []string{"market"}),
		TradeVolume: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lobx_trade_volume_total",
			Help: "Base-asset volume executed.",
		}, []string{"market"}),
		MatchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lobx_match_latency_seconds",
			Help:    "Time from order acceptance to settled match result.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"market"}),
		SettleFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lobx_settlement_failures_total",
			Help: "Placements unwound because settlement failed.",
		}),
		FanoutDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lobx_fanout_dropped_total",
			Help: "Market data messages dropped on full subscriber buffers.",
		}, []string{"topic"}),
		RestingOrders: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lobx_resting_orders",
			Help: "Open orders resting on the book.",
		}, []string{"market"}),
	}
}
