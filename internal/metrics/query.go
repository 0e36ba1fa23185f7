package metrics

import "github.com/prometheus/client_golang/prometheus"

// Query Prometheus metrics.
var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mongocrud",
			Name:      "query_duration_seconds",
			Help:      "Aggregation pipeline execution duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"model"},
	)

	QueryRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mongocrud",
			Name:      "query_rows_total",
			Help:      "Total rows returned by aggregation pipelines",
		},
		[]string{"model"},
	)

	QueryErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mongocrud",
			Name:      "query_errors_total",
			Help:      "Total failed aggregation pipelines",
		},
		[]string{"model"},
	)

	QueryCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mongocrud",
			Name:      "query_cache_total",
			Help:      "Query cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)

	WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mongocrud",
			Name:      "writes_total",
			Help:      "Total single-document writes",
		},
		[]string{"model", "op"},
	)
)

var queryMetricsRegistered bool

// RegisterQueryMetrics registers Prometheus query metrics. Must be called once from main.
func RegisterQueryMetrics() {
	if queryMetricsRegistered {
		return
	}
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryRowsTotal)
	prometheus.MustRegister(QueryErrorsTotal)
	prometheus.MustRegister(QueryCacheTotal)
	prometheus.MustRegister(WritesTotal)
	queryMetricsRegistered = true
}
