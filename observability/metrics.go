package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	throttle *prometheus.CounterVec
}

// PoolMetrics tracks the pool ledger and liquidation activity.
type PoolMetrics struct {
	operations     *prometheus.CounterVec
	liquidations   *prometheus.CounterVec
	totalDeposited *prometheus.GaugeVec
	totalBorrowed  *prometheus.GaugeVec
	earnings       *prometheus.GaugeVec
	interestRate   *prometheus.GaugeVec
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics
)

// RPCMetrics returns the lazily-initialised registry used to record JSON-RPC
// handler activity.
func RPCMetrics() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stocklend",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stocklend",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and status code.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stocklend",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttle: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stocklend",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttle,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of an RPC request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *rpcMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied reason.
// Reasons should be stable strings such as "rate_limit" so dashboards and
// alerts remain consistent.
func (m *rpcMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttle.WithLabelValues(reason).Inc()
}

// Pool returns the singleton metrics registry for the lending pool engine.
func Pool() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &PoolMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stocklend",
				Subsystem: "pool",
				Name:      "operations_total",
				Help:      "Count of pool operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stocklend",
				Subsystem: "pool",
				Name:      "liquidations_total",
				Help:      "Count of forced liquidations segmented by trigger.",
			}, []string{"trigger"}),
			totalDeposited: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "stocklend",
				Subsystem: "pool",
				Name:      "total_deposited_shares",
				Help:      "Shares currently deposited in the pool.",
			}, []string{"ticker"}),
			totalBorrowed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "stocklend",
				Subsystem: "pool",
				Name:      "total_borrowed_shares",
				Help:      "Shares currently lent out to open short positions.",
			}, []string{"ticker"}),
			earnings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "stocklend",
				Subsystem: "pool",
				Name:      "retained_earnings",
				Help:      "Accumulated interest and liquidation surplus held for depositors.",
			}, []string{"ticker"}),
			interestRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "stocklend",
				Subsystem: "pool",
				Name:      "interest_rate",
				Help:      "Fixed point interest rate a new position would currently lock.",
			}, []string{"ticker"}),
		}
		prometheus.MustRegister(
			poolRegistry.operations,
			poolRegistry.liquidations,
			poolRegistry.totalDeposited,
			poolRegistry.totalBorrowed,
			poolRegistry.earnings,
			poolRegistry.interestRate,
		)
	})
	return poolRegistry
}

// RecordOperation counts one engine operation and its outcome.
func (m *PoolMetrics) RecordOperation(operation string, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// RecordLiquidations counts forced closures. Triggers should be stable strings
// such as "withdrawal" or "margin_sweep".
func (m *PoolMetrics) RecordLiquidations(trigger string, count int) {
	if m == nil || count <= 0 {
		return
	}
	if trigger = strings.TrimSpace(trigger); trigger == "" {
		trigger = "unspecified"
	}
	m.liquidations.WithLabelValues(trigger).Add(float64(count))
}

// RecordLedger updates the pool aggregate gauges.
func (m *PoolMetrics) RecordLedger(ticker string, deposited, borrowed, earnings *big.Int) {
	if m == nil {
		return
	}
	label := labelTicker(ticker)
	m.totalDeposited.WithLabelValues(label).Set(bigToFloat(deposited))
	m.totalBorrowed.WithLabelValues(label).Set(bigToFloat(borrowed))
	m.earnings.WithLabelValues(label).Set(bigToFloat(earnings))
}

// RecordInterestRate updates the live rate gauge.
func (m *PoolMetrics) RecordInterestRate(ticker string, rate *big.Int) {
	if m == nil {
		return
	}
	m.interestRate.WithLabelValues(labelTicker(ticker)).Set(bigToFloat(rate))
}

func labelTicker(ticker string) string {
	trimmed := strings.TrimSpace(ticker)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
