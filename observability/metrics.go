package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	coreerrors "bittrust/core/errors"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
	retries   *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording protocol
// operations per module.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bittrust",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total protocol operations segmented by module, method and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bittrust",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total failed protocol operations segmented by module, method and error kind.",
			}, []string{"module", "method", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bittrust",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution of protocol operations including retries.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bittrust",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of operations rejected by pauses or quotas.",
			}, []string{"module", "reason"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bittrust",
				Subsystem: "module",
				Name:      "retries_total",
				Help:      "Count of operations re-run after a concurrent modification.",
			}, []string{"module", "method"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
			moduleRegistry.retries,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a protocol operation. Pause and quota
// rejections also count as throttles.
func (m *moduleMetrics) Observe(module, method string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		kind := string(coreerrors.KindOf(err))
		m.errors.WithLabelValues(module, method, kind).Inc()
		switch coreerrors.KindOf(err) {
		case coreerrors.KindPaused:
			m.RecordThrottle(module, "paused")
		case coreerrors.KindQuotaExceeded:
			m.RecordThrottle(module, "quota_exceeded")
		}
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// RecordRetry counts an optimistic-concurrency retry.
func (m *moduleMetrics) RecordRetry(module, method string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(module, method).Inc()
}

// PoolMetrics exposes the last committed state of each liquidity pool.
type PoolMetrics struct {
	utilization *prometheus.GaugeVec
	borrowRate  *prometheus.GaugeVec
	deposited   *prometheus.GaugeVec
	borrowed    *prometheus.GaugeVec
	reserve     *prometheus.GaugeVec
	flashVolume *prometheus.CounterVec
	flashFees   *prometheus.CounterVec
}

// Pools returns the lazily-initialised pool gauges.
func Pools() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		gauge := func(name, help string) *prometheus.GaugeVec {
			return prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "bittrust",
				Subsystem: "pool",
				Name:      name,
				Help:      help,
			}, []string{"asset"})
		}
		poolRegistry = &PoolMetrics{
			utilization: gauge("utilization_bps", "Borrowed share of deposits in basis points."),
			borrowRate:  gauge("borrow_rate_bps", "Current variable borrow APR in basis points."),
			deposited:   gauge("total_deposited", "Total deposits including the reserve."),
			borrowed:    gauge("total_borrowed", "Total borrowed from the pool."),
			reserve:     gauge("reserve_balance", "Protocol reserve held in the pool."),
			flashVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bittrust",
				Subsystem: "flash",
				Name:      "volume_total",
				Help:      "Principal lent through settled flash loans.",
			}, []string{"asset"}),
			flashFees: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bittrust",
				Subsystem: "flash",
				Name:      "fees_total",
				Help:      "Fees collected from settled flash loans.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			poolRegistry.utilization,
			poolRegistry.borrowRate,
			poolRegistry.deposited,
			poolRegistry.borrowed,
			poolRegistry.reserve,
			poolRegistry.flashVolume,
			poolRegistry.flashFees,
		)
	})
	return poolRegistry
}

// RecordPool publishes the pool totals for asset.
func (m *PoolMetrics) RecordPool(asset string, utilizationBps, borrowRateBps uint64, deposited, borrowed, reserve *big.Int) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.utilization.WithLabelValues(label).Set(float64(utilizationBps))
	m.borrowRate.WithLabelValues(label).Set(float64(borrowRateBps))
	m.deposited.WithLabelValues(label).Set(bigToFloat(deposited))
	m.borrowed.WithLabelValues(label).Set(bigToFloat(borrowed))
	m.reserve.WithLabelValues(label).Set(bigToFloat(reserve))
}

// RecordFlash counts a settled flash loan.
func (m *PoolMetrics) RecordFlash(asset string, amount, fee *big.Int) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.flashVolume.WithLabelValues(label).Add(bigToFloat(amount))
	m.flashFees.WithLabelValues(label).Add(bigToFloat(fee))
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
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
