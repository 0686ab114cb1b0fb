// Package metrics 提供 Prometheus 指标采集功能
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ai_billing"

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func counter(subsystem, name, help string) prometheus.Counter {
	return promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})
}

func histogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

func gaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

// HTTP
var (
	HTTPRequestsTotal = counterVec("http", "requests_total",
		"Total number of HTTP requests", "method", "path", "status")
	HTTPRequestDuration = histogramVec("http", "request_duration_seconds",
		"HTTP request duration in seconds", prometheus.DefBuckets, "method", "path")
	// HTTPInFlight SSE 长连接在整个生成期间计入
	HTTPInFlight = gaugeVec("http", "in_flight_requests",
		"Number of HTTP requests currently being served", "path")
	HTTPResponseSize = histogramVec("http", "response_size_bytes",
		"HTTP response size in bytes", prometheus.ExponentialBuckets(100, 10, 6), "method", "path")
)

// 账本
var (
	// LedgerOpsTotal status: ok / replayed / insufficient / exhausted / error
	LedgerOpsTotal = counterVec("ledger", "ops_total",
		"Total number of ledger operations", "op", "status")
	LedgerCASConflicts = counterVec("ledger", "cas_conflicts_total",
		"Total number of optimistic version conflicts", "op")
	LedgerCASAttempts = histogramVec("ledger", "cas_attempts",
		"Attempts needed per ledger operation", []float64{1, 2, 3, 5, 10, 20, 50}, "op")
	LedgerSettleCappedTotal = counter("ledger", "settle_capped_total",
		"Settlements whose actual cost exceeded the frozen amount")
	LedgerSettleOverflowUnits = counter("ledger", "settle_overflow_units_total",
		"Minor units not collected because of the frozen-amount cap")
)

// 计费请求
var (
	// SpendTotal outcome: settled / refunded / penalized / rejected / insufficient / error
	SpendTotal = counterVec("billing", "spend_total",
		"Total number of billed generation requests by outcome", "model", "outcome")
	SpendDuration = histogramVec("billing", "spend_duration_seconds",
		"Billed generation request duration in seconds", []float64{.5, 1, 5, 10, 30, 60, 120}, "model")
	// ChargedUnitsTotal type: settle / penalty
	ChargedUnitsTotal = counterVec("billing", "charged_units_total",
		"Total minor units charged", "model", "type")
)

// LLM
var (
	LLMTokensUsed = counterVec("llm", "tokens_used_total",
		"Total tokens used for LLM calls", "provider", "model", "type")
	LLMCallDuration = histogramVec("llm", "call_duration_seconds",
		"LLM call duration in seconds", []float64{1, 5, 10, 30, 60, 120}, "provider", "model")
	LLMCallTotal = counterVec("llm", "call_total",
		"Total number of LLM calls", "provider", "model", "status")
)

// 写入队列
var (
	RedisStreamLag = gaugeVec("redis", "stream_lag",
		"Redis stream consumer lag", "stream", "consumer_group")
	RedisStreamProcessed = counterVec("redis", "stream_processed_total",
		"Total number of Redis stream messages processed", "stream", "status")
	TurnQueueDeadLetterTotal = counterVec("queue", "dead_letter_total",
		"Total number of turn tasks moved to the dead-letter queue", "partition")
	TurnQueueRetriesTotal = counterVec("queue", "retries_total",
		"Total number of turn task retries", "partition")
	TurnQueueFallbackTotal = counter("queue", "direct_fallback_total",
		"Turn writes that fell back to synchronous persistence")
)
