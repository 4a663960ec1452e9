package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "klear_trades_total",
		Help: "Trades by final state and, for failures, the stage that failed.",
	}, []string{"state", "stage"})

	submitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "klear_broker_submit_seconds",
		Help:    "PlaceOrder latency by broker.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"broker"})
)

func observeTrade(rec *TradeRecord) {
	tradesTotal.WithLabelValues(string(rec.State), string(rec.Stage)).Inc()
}
