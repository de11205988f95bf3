package queryrange

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	splitQueriesPerQuery prometheus.Histogram
	splitQueries         prometheus.Counter
	limitStops           prometheus.Counter
	partitionDuration    prometheus.Histogram
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	return &Metrics{
		splitQueriesPerQuery: promauto.With(registerer).NewHistogram(prometheus.HistogramOpts{
			Namespace: "splitquery",
			Name:      "split_queries_per_query",
			Help:      "Number of partitions a single range query has been split into.",
			Buckets:   prometheus.ExponentialBuckets(2, 2, 10),
		}),
		splitQueries: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Namespace: "splitquery",
			Name:      "split_queries_total",
			Help:      "Total number of split partial queries executed.",
		}),
		limitStops: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Namespace: "splitquery",
			Name:      "split_queries_stopped_limit_total",
			Help:      "Total number of split queries stopped early because the accumulated result reached the sample limit.",
		}),
		partitionDuration: promauto.With(registerer).NewHistogram(prometheus.HistogramOpts{
			Namespace: "splitquery",
			Name:      "split_query_partition_duration_seconds",
			Help:      "Time taken to execute one partition of a split query.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
