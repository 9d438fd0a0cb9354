package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by route and status code",
	}, []string{"method", "route", "code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "route"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payledger_settlements_total",
		Help: "Settlement attempts by final state",
	}, []string{"outcome"})

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payledger_settlement_duration_seconds",
		Help:    "End-to-end settlement latency including the processor round trips",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	GatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payledger_gateway_requests_total",
		Help: "Requests sent to the payment processor, labeled by operation and status code",
	}, []string{"operation", "code"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payledger_notifications_total",
		Help: "Notifications by result (sent, failed, dropped)",
	}, []string{"result"})

	StaleHoldsFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payledger_stale_holds_flagged_total",
		Help: "Holds flagged for operator review after exceeding the stale threshold",
	})
)
