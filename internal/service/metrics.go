package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics agrupa as métricas Prometheus do rate limiter.
// Um Registerer nil cria métricas funcionais porém não registradas.
type Metrics struct {
	ChecksTotal         *prometheus.CounterVec
	CheckDuration       prometheus.Histogram
	StoreErrorsTotal    *prometheus.CounterVec
	ViolationsTotal     prometheus.Counter
	CleanupDeletedTotal prometheus.Counter
}

// NewMetrics cria e registra as métricas no registry informado
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ChecksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ratelimit",
				Name:      "checks_total",
				Help:      "Total rate limit checks by outcome",
			},
			[]string{"outcome"}, // admitted, denied, store_error, skipped
		),
		CheckDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "ratelimit",
				Name:      "check_duration_seconds",
				Help:      "Duration of a single window counter check",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		StoreErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ratelimit",
				Name:      "store_errors_total",
				Help:      "Counter store failures that resolved to fail-open",
			},
			[]string{"operation"},
		),
		ViolationsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "ratelimit",
				Name:      "violations_total",
				Help:      "Violations recorded by the progressive strategy",
			},
		),
		CleanupDeletedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "ratelimit",
				Name:      "cleanup_deleted_keys_total",
				Help:      "Bucket keys removed by the cleanup sweep",
			},
		),
	}
}
