package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 网关判定结果
var (
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoicegate",
		Name:      "gate_decisions_total",
		Help:      "Authentication gate decisions by outcome.",
	}, []string{"outcome"})

	GateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "invoicegate",
		Name:      "gate_decision_duration_seconds",
		Help:      "Time spent in the authentication gate.",
		Buckets:   prometheus.DefBuckets,
	})

	QuotaDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoicegate",
		Name:      "quota_decisions_total",
		Help:      "Document quota decisions by outcome.",
	}, []string{"outcome"})

	SubscriptionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "invoicegate",
		Name:      "subscriptions_expired_total",
		Help:      "Subscriptions moved to expired by the scheduled sweep.",
	})
)

// HTTP 请求指标
var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoicegate",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "invoicegate",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
)
